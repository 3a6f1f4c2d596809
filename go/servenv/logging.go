// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package servenv holds the process-level setup shared by binaries:
// logging flags and the logger they configure.
package servenv

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Logging configuration keys as they appear in config files and the
// environment. The matching flags use dashes.
const (
	LogLevelKey  = "log_level"
	LogFormatKey = "log_format"
	LogOutputKey = "log_output"
)

// flagName returns the command line flag bound to a configuration key.
func flagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

// Logger builds the process logger from viper-backed settings.
// The level can be changed after setup; format and output cannot.
type Logger struct {
	v *viper.Viper

	// Internal state
	mu     sync.Mutex
	level  slog.LevelVar
	logger *slog.Logger
	closer io.Closer

	// Hooks fired after the level changes
	changeHooks []func(*slog.Logger)
}

// NewLogger returns a Logger reading its settings from v.
func NewLogger(v *viper.Viper) *Logger {
	v.SetDefault(LogLevelKey, "info")
	v.SetDefault(LogFormatKey, "json")
	v.SetDefault(LogOutputKey, "stdout")
	return &Logger{v: v}
}

// RegisterFlags registers logging-related command line flags and binds them
// to the Logger's viper instance.
// This must be called before the flags are parsed.
func (lg *Logger) RegisterFlags(fs *pflag.FlagSet) {
	fs.String(flagName(LogLevelKey), lg.v.GetString(LogLevelKey), "Log level (debug, info, warn, error)")
	fs.String(flagName(LogFormatKey), lg.v.GetString(LogFormatKey), "Log format (json, text)")
	fs.String(flagName(LogOutputKey), lg.v.GetString(LogOutputKey), "Log output (stdout, stderr, or file path)")
	for _, key := range []string{LogLevelKey, LogFormatKey, LogOutputKey} {
		_ = lg.v.BindPFlag(key, fs.Lookup(flagName(key)))
	}
}

// ParseLevel maps a level name to a slog level. Unknown names are an error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Setup creates the logger from the current settings and installs it as the
// slog default. Calling Setup again returns the existing logger.
func (lg *Logger) Setup() (*slog.Logger, error) {
	lg.mu.Lock()
	defer lg.mu.Unlock()

	if lg.logger != nil {
		return lg.logger, nil
	}

	levelStr := lg.v.GetString(LogLevelKey)
	level, err := ParseLevel(levelStr)
	if err != nil {
		return nil, err
	}
	lg.level.Set(level)

	// Determine output writer
	var output io.Writer
	outputStr := lg.v.GetString(LogOutputKey)
	switch strings.ToLower(outputStr) {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		// Treat as file path
		file, err := os.OpenFile(outputStr, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log output: %w", err)
		}
		output = file
		lg.closer = file
	}

	opts := &slog.HandlerOptions{Level: &lg.level}
	var handler slog.Handler
	formatStr := lg.v.GetString(LogFormatKey)
	switch strings.ToLower(formatStr) {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	case "", "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", formatStr)
	}

	lg.logger = slog.New(handler)
	slog.SetDefault(lg.logger)

	lg.logger.Debug("logging initialized",
		"level", levelStr,
		"format", formatStr,
		"output", outputStr,
	)
	return lg.logger, nil
}

// SetLevel changes the level of an already set up logger.
func (lg *Logger) SetLevel(s string) error {
	level, err := ParseLevel(s)
	if err != nil {
		return err
	}

	lg.mu.Lock()
	old := lg.level.Level()
	lg.level.Set(level)
	logger := lg.logger
	hooks := make([]func(*slog.Logger), len(lg.changeHooks))
	copy(hooks, lg.changeHooks)
	lg.mu.Unlock()

	if logger != nil && old != level {
		logger.Info("log level changed", "from", old.String(), "to", level.String())
		for _, hook := range hooks {
			hook(logger)
		}
	}
	return nil
}

// Level returns the current log level.
func (lg *Logger) Level() slog.Level {
	return lg.level.Level()
}

// OnLevelChange registers a callback invoked after SetLevel changes the
// level.
func (lg *Logger) OnLevelChange(f func(*slog.Logger)) {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	lg.changeHooks = append(lg.changeHooks, f)
}

// Close releases the log file, if logging goes to one.
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
