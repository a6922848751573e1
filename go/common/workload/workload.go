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

// Package workload controls the local database process.
package workload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/multigres/pgoperator/go/common/constants"
	"github.com/multigres/pgoperator/go/tools/executil"
	"github.com/multigres/pgoperator/go/tools/retry"
)

// Workload is the supervised database process.
type Workload interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	IsRunning(ctx context.Context) (bool, error)
	// Exec runs a command next to the workload and returns its output.
	Exec(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)
}

// ChangeError is a start, stop or restart that failed after its retries.
type ChangeError struct {
	Op     string
	Stderr string
	Err    error
}

func (e *ChangeError) Error() string {
	msg := fmt.Sprintf("workload %s failed: %v", e.Op, e.Err)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *ChangeError) Unwrap() error {
	return e.Err
}

// pg_ctl status exit codes.
const (
	statusNotRunning = 3
	statusNoDataDir  = 4
)

// Config configures PgCtl.
type Config struct {
	BinDir  string
	DataDir string
	Port    int
	// Timeout bounds one pg_ctl operation.
	Timeout time.Duration
	// Attempts bounds the retries of a start, stop or restart.
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

type runFunc func(ctx context.Context, name string, args ...string) (string, string, error)

func execRun(ctx context.Context, name string, args ...string) (string, string, error) {
	return executil.Command(ctx, name, args...).Capture()
}

// PgCtl controls the database with pg_ctl.
type PgCtl struct {
	logger *slog.Logger
	cfg    Config
	run    runFunc
}

var _ Workload = (*PgCtl)(nil)

func NewPgCtl(logger *slog.Logger, cfg Config) *PgCtl {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = 10 * cfg.BaseDelay
	}
	return &PgCtl{logger: logger.With("component", "workload"), cfg: cfg, run: execRun}
}

func (p *PgCtl) bin(name string) string {
	if p.cfg.BinDir == "" {
		return name
	}
	return filepath.Join(p.cfg.BinDir, name)
}

func (p *PgCtl) pgCtl(ctx context.Context, args ...string) (string, string, error) {
	base := []string{"-D", p.cfg.DataDir, "-w", "-t", strconv.Itoa(int(p.cfg.Timeout.Seconds()))}
	return p.run(ctx, p.bin(constants.PgCtlExecutable), append(args, base...)...)
}

func (p *PgCtl) serverOptions() []string {
	if p.cfg.Port == 0 {
		return nil
	}
	return []string{"-o", "-p " + strconv.Itoa(p.cfg.Port)}
}

// change retries op with backoff and wraps the final failure in a ChangeError.
func (p *PgCtl) change(ctx context.Context, op string, call func(ctx context.Context) (string, error)) error {
	r := retry.New(p.cfg.BaseDelay, p.cfg.MaxDelay)
	var lastErr error
	var lastStderr string
	for attempt, err := range r.Attempts(ctx) {
		if err != nil {
			lastErr = errors.Join(lastErr, err)
			break
		}
		stderr, err := call(ctx)
		if err == nil {
			p.logger.InfoContext(ctx, "workload "+op, "attempt", attempt)
			return nil
		}
		lastErr, lastStderr = err, stderr
		p.logger.WarnContext(ctx, "workload "+op+" failed", "attempt", attempt, "error", err)
		if attempt >= p.cfg.Attempts {
			break
		}
	}
	return &ChangeError{Op: op, Stderr: lastStderr, Err: lastErr}
}

func (p *PgCtl) Start(ctx context.Context) error {
	return p.change(ctx, "start", func(ctx context.Context) (string, error) {
		_, stderr, err := p.pgCtl(ctx, append([]string{"start"}, p.serverOptions()...)...)
		return stderr, err
	})
}

// Stop stops the database. Stopping a stopped database succeeds.
func (p *PgCtl) Stop(ctx context.Context) error {
	return p.change(ctx, "stop", func(ctx context.Context) (string, error) {
		running, err := p.IsRunning(ctx)
		if err != nil {
			return "", err
		}
		if !running {
			return "", nil
		}
		_, stderr, err := p.pgCtl(ctx, "stop", "-m", "fast")
		return stderr, err
	})
}

func (p *PgCtl) Restart(ctx context.Context) error {
	return p.change(ctx, "restart", func(ctx context.Context) (string, error) {
		_, stderr, err := p.pgCtl(ctx, append([]string{"restart", "-m", "fast"}, p.serverOptions()...)...)
		return stderr, err
	})
}

// IsRunning reports whether a server runs on the data directory. A missing
// data directory reads as not running.
func (p *PgCtl) IsRunning(ctx context.Context) (bool, error) {
	_, stderr, err := p.run(ctx, p.bin(constants.PgCtlExecutable), "status", "-D", p.cfg.DataDir)
	if err == nil {
		return true, nil
	}
	var coded interface{ ExitCode() int }
	if errors.As(err, &coded) {
		switch coded.ExitCode() {
		case statusNotRunning, statusNoDataDir:
			return false, nil
		}
	}
	return false, fmt.Errorf("pg_ctl status: %w: %s", err, strings.TrimSpace(stderr))
}

func (p *PgCtl) Exec(ctx context.Context, name string, args ...string) (string, string, error) {
	return p.run(ctx, name, args...)
}

// SystemIdentifier returns the database system identifier of the local data
// directory.
func (p *PgCtl) SystemIdentifier(ctx context.Context) (string, error) {
	return SystemIdentifier(ctx, p, p.bin(constants.PgControlDataExecutable), p.cfg.DataDir)
}

// Source is a running server a data directory can be cloned from.
type Source struct {
	Host     string
	Port     int
	User     string
	Password string
}

func (s Source) connString() string {
	parts := []string{"host=" + s.Host, "port=" + strconv.Itoa(s.Port), "user=" + s.User}
	if s.Password != "" {
		parts = append(parts, "password="+s.Password)
	}
	return strings.Join(parts, " ")
}

// Clone fills the data directory with a base backup of src and configures it
// to follow src as a standby. The data directory must be empty.
func (p *PgCtl) Clone(ctx context.Context, src Source) error {
	return p.change(ctx, "clone", func(ctx context.Context) (string, error) {
		_, stderr, err := p.run(ctx, p.bin(constants.PgBaseBackupExecutable),
			"-d", src.connString(), "-D", p.cfg.DataDir, "-X", "stream", "-R")
		return stderr, err
	})
}

// Init creates a new database cluster in the empty data directory.
func (p *PgCtl) Init(ctx context.Context) error {
	return p.change(ctx, "init", func(ctx context.Context) (string, error) {
		_, stderr, err := p.run(ctx, p.bin(constants.PgCtlExecutable), "initdb", "-D", p.cfg.DataDir)
		return stderr, err
	})
}

// Promote ends recovery on a standby so it accepts writes.
func (p *PgCtl) Promote(ctx context.Context) error {
	return p.change(ctx, "promote", func(ctx context.Context) (string, error) {
		_, stderr, err := p.pgCtl(ctx, "promote")
		return stderr, err
	})
}
