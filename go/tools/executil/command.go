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

// Package executil runs the database tooling (pg_ctl, pg_controldata) as
// subprocesses. Commands are stopped gracefully when their context ends:
// SIGTERM first, SIGKILL after a grace period. The caller's trace context is
// handed to the subprocess in TRACEPARENT.
//
//	cmd := executil.Command(ctx, "pg_ctl", "status", "-D", dataDir).
//	    AddEnv("PGPORT=5432")
//	stdout, stderr, err := cmd.Capture()
package executil

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// DefaultGracePeriod is the time to wait after SIGTERM before escalating to SIGKILL.
const DefaultGracePeriod = 10 * time.Second

// DefaultKillTimeout bounds the wait for a process to exit after SIGKILL.
const DefaultKillTimeout = 5 * time.Second

var tracer = otel.Tracer("pgoperator")

// Cmd wraps exec.Cmd with a builder for its environment and working
// directory. Create it with Command or CommandWithGracePeriod.
type Cmd struct {
	*exec.Cmd
	parentCtx          context.Context
	defaultGracePeriod time.Duration
	extraEnv           []string
	clientSpan         bool

	terminateOnce sync.Once
	terminated    chan struct{}
	waitDone      chan struct{}
	waitErr       error
	waitOnce      sync.Once
}

// Command creates a Cmd that is terminated with DefaultGracePeriod when ctx
// is cancelled. It inherits the parent environment unless SetEnv is called.
func Command(ctx context.Context, name string, args ...string) *Cmd {
	return CommandWithGracePeriod(ctx, DefaultGracePeriod, name, args...)
}

// CommandWithGracePeriod creates a Cmd with a custom grace period.
func CommandWithGracePeriod(ctx context.Context, gracePeriod time.Duration, name string, args ...string) *Cmd {
	return &Cmd{
		Cmd:                exec.Command(name, args...),
		parentCtx:          ctx,
		defaultGracePeriod: gracePeriod,
		terminated:         make(chan struct{}),
		waitDone:           make(chan struct{}),
	}
}

// AddEnv adds "KEY=value" variables on top of the inherited environment, or
// on top of the base set with SetEnv.
func (c *Cmd) AddEnv(keyvals ...string) *Cmd {
	c.extraEnv = append(c.extraEnv, keyvals...)
	return c
}

// SetEnv replaces the inherited environment.
func (c *Cmd) SetEnv(env []string) *Cmd {
	c.Cmd.Env = env
	return c
}

func (c *Cmd) SetDir(dir string) *Cmd {
	c.Cmd.Dir = dir
	return c
}

// WithClientSpan wraps Run and Capture in an OpenTelemetry client span.
func (c *Cmd) WithClientSpan() *Cmd {
	c.clientSpan = true
	return c
}

// TraceparentEnvVar returns "TRACEPARENT=..." for the span in ctx, or "" if
// ctx carries no valid span.
func TraceparentEnvVar(ctx context.Context) string {
	if !trace.SpanContextFromContext(ctx).IsValid() {
		return ""
	}
	carrier := propagation.MapCarrier{}
	propagation.TraceContext{}.Inject(ctx, carrier)
	if tp := carrier.Get("traceparent"); tp != "" {
		return "TRACEPARENT=" + tp
	}
	return ""
}

func (c *Cmd) finalizeEnv(ctx context.Context) {
	if envVar := TraceparentEnvVar(ctx); envVar != "" {
		c.extraEnv = append(c.extraEnv, envVar)
	}
	if len(c.extraEnv) == 0 {
		return
	}
	if c.Cmd.Env == nil {
		c.Cmd.Env = os.Environ()
	}
	c.Cmd.Env = append(c.Cmd.Env, c.extraEnv...)
}

// Start starts the command. If the parent context is cancelled the process
// is terminated, then killed after the grace period.
func (c *Cmd) Start() error {
	return c.start(c.parentCtx)
}

func (c *Cmd) start(ctx context.Context) error {
	c.finalizeEnv(ctx)
	if err := c.Cmd.Start(); err != nil {
		return err
	}

	go func() {
		select {
		case <-c.parentCtx.Done():
			// The parent context is done; the grace period needs a fresh one.
			termCtx, termCancel := context.WithTimeout(context.WithoutCancel(c.parentCtx), c.defaultGracePeriod)
			_, exited := c.Terminate(termCtx)
			termCancel()
			if !exited {
				killCtx, killCancel := context.WithTimeout(context.WithoutCancel(c.parentCtx), DefaultKillTimeout)
				_, _ = c.Kill(killCtx)
				killCancel()
			}
		case <-c.terminated:
		case <-c.waitDone:
		}
	}()
	return nil
}

// Wait waits for the command to exit. It is safe to call more than once.
func (c *Cmd) Wait() error {
	c.waitOnce.Do(func() {
		c.waitErr = c.Cmd.Wait()
		close(c.waitDone)
	})
	<-c.waitDone
	return c.waitErr
}

// Terminate sends SIGTERM once and waits for the process to exit.
// It returns (exitErr, true) if the process exited before ctx ended and
// (nil, false) otherwise.
func (c *Cmd) Terminate(ctx context.Context) (error, bool) {
	if c.terminated == nil {
		panic("executil: Terminate called on Cmd not created via Command()")
	}
	c.terminateOnce.Do(func() {
		close(c.terminated)
		if c.Process != nil {
			_ = c.Process.Signal(syscall.SIGTERM)
		}
	})
	go func() { _ = c.Wait() }()

	select {
	case <-c.waitDone:
		return c.waitErr, true
	case <-ctx.Done():
		return nil, false
	}
}

// Kill sends SIGKILL and waits for the process to exit.
func (c *Cmd) Kill(ctx context.Context) (error, bool) {
	if c.Process != nil {
		_ = c.Process.Kill()
	}
	go func() { _ = c.Wait() }()

	select {
	case <-c.waitDone:
		return c.waitErr, true
	case <-ctx.Done():
		return ctx.Err(), false
	}
}

// Stop terminates the process, escalating to SIGKILL if it has not exited
// when ctx ends.
func (c *Cmd) Stop(ctx context.Context) (error, bool) {
	if exitErr, exited := c.Terminate(ctx); exited {
		return exitErr, true
	}
	killCtx, killCancel := context.WithTimeout(context.WithoutCancel(ctx), 100*time.Millisecond)
	defer killCancel()
	return c.Kill(killCtx)
}

// Run starts the command and waits for it. Cancelling the parent context
// stops the process.
func (c *Cmd) Run() error {
	ctx := c.parentCtx
	if c.clientSpan {
		var span trace.Span
		ctx, span = tracer.Start(ctx, c.Cmd.Path, trace.WithSpanKind(trace.SpanKindClient))
		defer span.End()
	}
	if err := c.start(ctx); err != nil {
		return err
	}
	return c.Wait()
}

// Capture runs the command and returns its stdout and stderr.
func (c *Cmd) Capture() (stdout, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	c.Cmd.Stdout = &outBuf
	c.Cmd.Stderr = &errBuf
	err = c.Run()
	return outBuf.String(), errBuf.String(), err
}
