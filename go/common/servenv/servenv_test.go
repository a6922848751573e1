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

package servenv

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/multigres/pgoperator/go/viperutil"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "", want: slog.LevelInfo},
		{in: "DEBUG", want: slog.LevelDebug},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "verbose", want: slog.LevelInfo, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoggerSetup_WritesToFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	reg := viperutil.NewRegistry()
	lg := NewLogger(reg)
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	lg.RegisterFlags(fs)

	out := filepath.Join(t.TempDir(), "operator.log")
	require.NoError(t, fs.Parse([]string{"--log-output=" + out, "--log-format=text", "--log-level=debug"}))

	logger, err := lg.Setup()
	require.NoError(t, err)
	again, err := lg.Setup()
	require.NoError(t, err)
	assert.Same(t, logger, again)

	logger.Debug("hello", "unit", "pg/0")
	require.NoError(t, lg.Close())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "logging initialized")
	assert.Contains(t, string(data), "unit=pg/0")
}

func TestLoggerSetup_WrapHandler(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	lg := NewLogger(viperutil.NewRegistry())
	lg.RegisterFlags(pflag.NewFlagSet("test", pflag.ContinueOnError))
	var wrapped int
	lg.WrapHandler(func(h slog.Handler) slog.Handler {
		wrapped++
		return h.WithAttrs([]slog.Attr{slog.String("wrapped", "yes")})
	})

	_, err := lg.Setup()
	require.NoError(t, err)
	_, err = lg.Setup()
	require.NoError(t, err)
	assert.Equal(t, 1, wrapped)
}

func TestServEnvRun_HookOrder(t *testing.T) {
	sv := NewServEnv(slog.New(slog.DiscardHandler), time.Second)

	var order []string
	sv.OnRun(func(context.Context) error { order = append(order, "run"); return nil })
	sv.OnClose(func() { order = append(order, "close-1") })
	sv.OnClose(func() { order = append(order, "close-2") })

	ctx, cancel := context.WithCancel(context.Background())
	err := sv.Run(ctx, func(ctx context.Context) error {
		order = append(order, "serve")
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"run", "serve", "close-2", "close-1"}, order)
}

func TestServEnvRun_RunHookFailure(t *testing.T) {
	sv := NewServEnv(slog.New(slog.DiscardHandler), time.Second)
	closed := false
	sv.OnClose(func() { closed = true })
	sv.OnRun(func(context.Context) error { return errors.New("boom") })

	served := false
	err := sv.Run(context.Background(), func(context.Context) error { served = true; return nil })
	require.EqualError(t, err, "boom")
	assert.False(t, served)
	assert.True(t, closed)
}

func TestHealthServer(t *testing.T) {
	hs := NewHealthServer(slog.New(slog.DiscardHandler))
	ctx, cancel := context.WithCancel(context.Background())

	addrCh := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() { done <- hs.Serve(ctx, "127.0.0.1", 0, addrCh) }()
	addr := <-addrCh

	conn, err := grpc.NewClient(addr.String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	hs.SetServing(true)
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	hs.SetServing(false)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	cancel()
	require.NoError(t, <-done)
}
