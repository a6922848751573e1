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
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/afero"

	"github.com/multigres/pgoperator/go/common/workload"
)

// S3Config locates the archive bucket.
type S3Config struct {
	Bucket string
	Region string
	// Endpoint is set for S3-compatible storage; it switches to path-style
	// addressing.
	Endpoint     string
	KeyPrefix    string
	AccessKey    string
	SecretKey    string
	SessionToken string
}

func (c S3Config) validate() error {
	switch {
	case c.Bucket == "":
		return errors.New("s3 archive: bucket is required")
	case c.Region == "":
		return errors.New("s3 archive: region is required")
	case c.AccessKey == "" || c.SecretKey == "":
		return errors.New("s3 archive: access key and secret key are required")
	}
	return nil
}

// CredentialsFromEnv fills missing credentials from the standard AWS
// environment variables.
func (c S3Config) CredentialsFromEnv() S3Config {
	if c.AccessKey == "" {
		c.AccessKey = os.Getenv("AWS_ACCESS_KEY_ID")
	}
	if c.SecretKey == "" {
		c.SecretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	if c.SessionToken == "" {
		c.SessionToken = os.Getenv("AWS_SESSION_TOKEN")
	}
	return c
}

// PutObjectAPI is the part of the S3 client the archiver uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client builds an S3 client with static credentials.
func NewS3Client(cfg S3Config) (*s3.Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken),
	}
	if cfg.Endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.Endpoint)
		awsCfg.HTTPClient = &http.Client{Timeout: 10 * time.Minute}
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.Endpoint != ""
	}), nil
}

// S3 uploads a gzipped tarball of the data directory, then empties it.
type S3 struct {
	client PutObjectAPI
	bucket string
	prefix string
	now    func() time.Time
}

func NewS3(client PutObjectAPI, cfg S3Config) *S3 {
	return &S3{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.KeyPrefix, "/"),
		now:    time.Now,
	}
}

func (a *S3) key(d *workload.DataDir) string {
	name := path.Base(d.Path()) + "-diverged-" + stamp(a.now) + ".tar.gz"
	if a.prefix == "" {
		return name
	}
	return a.prefix + "/" + name
}

func (a *S3) Archive(ctx context.Context, d *workload.DataDir) (string, error) {
	// The SDK needs a seekable body to sign it, so the tarball is staged in a
	// temporary file next to the data directory.
	tmp, err := afero.TempFile(d.Fs(), path.Dir(d.Path()), ".archive-*.tar.gz")
	if err != nil {
		return "", fmt.Errorf("staging archive: %w", err)
	}
	defer func() {
		tmp.Close()
		_ = d.Fs().Remove(tmp.Name())
	}()

	if err := writeTarball(tmp, d.Fs(), d.Path()); err != nil {
		return "", err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	key := a.key(d)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        tmp,
		ContentType: aws.String("application/gzip"),
	})
	if err != nil {
		return "", fmt.Errorf("uploading archive to s3://%s/%s: %w", a.bucket, key, err)
	}
	if err := d.Recreate(); err != nil {
		return "", err
	}
	return "s3://" + a.bucket + "/" + key, nil
}

func writeTarball(w io.Writer, fsys afero.Fs, root string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := afero.Walk(fsys, root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := fsys.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("archiving %s: %w", root, err)
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}
