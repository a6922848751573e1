// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/pgoperator/go/common/workload"
)

var fixedNow = func() time.Time { return time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC) }

func newDataDir(t *testing.T) (afero.Fs, *workload.DataDir) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/pgdata/PG_VERSION", []byte("16\n"), 0o600))
	require.NoError(t, afero.WriteFile(fs, "/data/pgdata/base/1/1259", []byte("heap"), 0o600))
	return fs, workload.NewDataDir(fs, "/data/pgdata")
}

func assertEmpty(t *testing.T, fs afero.Fs, d *workload.DataDir) {
	t.Helper()
	empty, err := afero.IsEmpty(fs, d.Path())
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestParsePolicy(t *testing.T) {
	for _, s := range []string{"discard", "local", "s3"} {
		p, err := ParsePolicy(s)
		require.NoError(t, err)
		assert.Equal(t, Policy(s), p)
	}
	_, err := ParsePolicy("tape")
	assert.ErrorContains(t, err, "unknown archive policy")
}

func TestDiscard(t *testing.T) {
	fs, d := newDataDir(t)
	where, err := Discard{}.Archive(context.Background(), d)
	require.NoError(t, err)
	assert.Empty(t, where)
	assertEmpty(t, fs, d)
}

func TestLocal(t *testing.T) {
	fs, d := newDataDir(t)
	l := &Local{now: fixedNow}

	where, err := l.Archive(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, "/data/pgdata.diverged-20250314T150926Z", where)
	assertEmpty(t, fs, d)

	data, err := afero.ReadFile(fs, where+"/base/1/1259")
	require.NoError(t, err)
	assert.Equal(t, "heap", string(data))
}

type fakeS3 struct {
	in   *s3.PutObjectInput
	body []byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	body, err := io.ReadAll(in.Body)
	f.body = body
	return &s3.PutObjectOutput{}, err
}

func untar(t *testing.T, data []byte) map[string]string {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	files := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		content, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[hdr.Name] = string(content)
	}
	return files
}

func TestS3_UploadsTarball(t *testing.T) {
	fs, d := newDataDir(t)
	fake := &fakeS3{}
	a := NewS3(fake, S3Config{Bucket: "pg-archive", KeyPrefix: "/standby/"})
	a.now = fixedNow

	where, err := a.Archive(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, "s3://pg-archive/standby/pgdata-diverged-20250314T150926Z.tar.gz", where)
	assert.Equal(t, "standby/pgdata-diverged-20250314T150926Z.tar.gz", *fake.in.Key)

	files := untar(t, fake.body)
	assert.Equal(t, "16\n", files["PG_VERSION"])
	assert.Equal(t, "heap", files["base/1/1259"])
	assertEmpty(t, fs, d)

	leftovers, err := afero.Glob(fs, "/data/.archive-*")
	require.NoError(t, err)
	assert.Empty(t, leftovers, "the staging file is removed")
}

func TestS3_ClientAgainstCompatibleEndpoint(t *testing.T) {
	var mu sync.Mutex
	var gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	cfg := S3Config{
		Bucket:    "pg-archive",
		Region:    "us-east-1",
		Endpoint:  srv.URL,
		AccessKey: "test",
		SecretKey: "test",
	}
	client, err := NewS3Client(cfg)
	require.NoError(t, err)

	_, d := newDataDir(t)
	_, err = NewS3(client, cfg).Archive(context.Background(), d)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, gotPath, "/pg-archive/pgdata-diverged-", "path-style addressing")
	assert.NotEmpty(t, gotBody)
}

func TestNewS3Client_Validates(t *testing.T) {
	_, err := NewS3Client(S3Config{Region: "us-east-1"})
	assert.ErrorContains(t, err, "bucket is required")

	t.Setenv("AWS_ACCESS_KEY_ID", "AKID")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "SECRET")
	cfg := S3Config{Bucket: "b-1", Region: "eu-west-1"}.CredentialsFromEnv()
	assert.Equal(t, "AKID", cfg.AccessKey)
	_, err = NewS3Client(cfg)
	assert.NoError(t, err)
}
