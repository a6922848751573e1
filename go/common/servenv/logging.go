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

// Package servenv holds the process environment shared by the operator
// binaries: logging, lifecycle hooks and the gRPC health endpoint.
package servenv

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/spf13/pflag"

	"github.com/multigres/pgoperator/go/viperutil"
)

// Logger builds the process logger from configuration.
type Logger struct {
	logLevel  viperutil.Value[string]
	logFormat viperutil.Value[string]
	logOutput viperutil.Value[string]

	mu     sync.Mutex
	wrap   func(slog.Handler) slog.Handler
	logger *slog.Logger
	closer io.Closer
}

func NewLogger(reg *viperutil.Registry) *Logger {
	return &Logger{
		logLevel: viperutil.Configure(reg, "log-level", viperutil.Options[string]{
			Default:  "info",
			FlagName: "log-level",
			EnvVars:  []string{"PGO_LOG_LEVEL"},
		}),
		logFormat: viperutil.Configure(reg, "log-format", viperutil.Options[string]{
			Default:  "json",
			FlagName: "log-format",
		}),
		logOutput: viperutil.Configure(reg, "log-output", viperutil.Options[string]{
			Default:  "stdout",
			FlagName: "log-output",
		}),
	}
}

// RegisterFlags registers logging-related command line flags.
func (lg *Logger) RegisterFlags(fs *pflag.FlagSet) {
	fs.String("log-level", lg.logLevel.Default(), "Log level (debug, info, warn, error)")
	fs.String("log-format", lg.logFormat.Default(), "Log format (json, text)")
	fs.String("log-output", lg.logOutput.Default(), "Log output (stdout, stderr, or file path)")
	viperutil.BindFlags(fs, lg.logLevel, lg.logFormat, lg.logOutput)
}

// WrapHandler installs a decorator applied to the handler built by Setup.
func (lg *Logger) WrapHandler(wrap func(slog.Handler) slog.Handler) {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	lg.wrap = wrap
}

// Setup creates the logger from the parsed flags, installs it as the slog
// default and returns it. Subsequent calls return the same logger.
func (lg *Logger) Setup() (*slog.Logger, error) {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	if lg.logger != nil {
		return lg.logger, nil
	}

	level, err := parseLevel(lg.logLevel.Get())
	if err != nil {
		return nil, err
	}

	var output io.Writer
	switch out := lg.logOutput.Get(); strings.ToLower(out) {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		file, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log output %s: %w", out, err)
		}
		output = file
		lg.closer = file
	}

	handler := newHandler(output, lg.logFormat.Get(), level)
	if lg.wrap != nil {
		handler = lg.wrap(handler)
	}
	lg.logger = slog.New(handler)
	slog.SetDefault(lg.logger)
	lg.logger.Info("logging initialized",
		"level", level.String(),
		"format", lg.logFormat.Get(),
		"output", lg.logOutput.Get(),
	)
	return lg.logger, nil
}

// Close releases the log file, if one was opened.
func (lg *Logger) Close() error {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	if lg.closer == nil {
		return nil
	}
	err := lg.closer.Close()
	lg.closer = nil
	return err
}

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}
