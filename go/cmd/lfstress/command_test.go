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

package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/multigres/lfstack/go/servenv"
	"github.com/multigres/lfstack/go/stress"
)

// newTestCommand returns the command with a log file under t.TempDir and
// the slog default restored afterwards.
func newTestCommand(t *testing.T, args ...string) (*bytes.Buffer, func() error, *LfstressCommand) {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	cmd, lc := CreateLfstressCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(append([]string{
		"--log-output", filepath.Join(t.TempDir(), "lfstress.log"),
		"--watch-config=false",
		"--report-interval", "0",
	}, args...))
	return &out, cmd.Execute, lc
}

func TestLfstressReportsToStdout(t *testing.T) {
	out, execute, _ := newTestCommand(t,
		"--producers", "2",
		"--consumers", "3",
		"--per-producer", "500",
	)
	require.NoError(t, execute())

	var res stress.Result
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, 2, res.Config.Producers)
	assert.Equal(t, 3, res.Config.Consumers)
	assert.Equal(t, int64(1000), res.Delivered)
	assert.Zero(t, res.Stack.PoisonHits)
	assert.True(t, res.Passed())
}

func TestLfstressReportToFile(t *testing.T) {
	_, execute, lc := newTestCommand(t,
		"--per-producer", "100",
		"--report-format", "json",
		"--report-output", "/reports/run.json",
	)
	lc.fs = afero.NewMemMapFs()
	require.NoError(t, execute())

	data, err := afero.ReadFile(lc.fs, "/reports/run.json")
	require.NoError(t, err)
	assert.Contains(t, string(data), `"delivered": 200`)
}

func TestLfstressConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lfstress.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
producers: 1
consumers: 2
per_producer: 300
poison_check: false
report_interval: 0s
`), 0o644))

	out, execute, _ := newTestCommand(t, "--config-file", path, "--consumers", "4")
	require.NoError(t, execute())

	var res stress.Result
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, 1, res.Config.Producers)
	assert.Equal(t, 4, res.Config.Consumers, "flags override the config file")
	assert.Equal(t, 300, res.Config.PerProducer)
	assert.False(t, res.Config.PoisonCheck)
}

func TestLfstressConfigFileLogLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lfstress.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: error\nper_producer: 10\n"), 0o644))

	out, execute, lc := newTestCommand(t, "--config-file", path)
	require.NoError(t, execute())

	var res stress.Result
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, 10, res.Config.PerProducer)
	assert.Equal(t, slog.LevelError, lc.logger.Level())
}

func TestLfstressWatchConfigAppliesLogLevel(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	dir := t.TempDir()
	path := filepath.Join(dir, "lfstress.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: info\n"), 0o644))

	_, lc := CreateLfstressCommand()
	lc.v.Set(keyConfigFile, path)
	lc.v.Set(servenv.LogOutputKey, filepath.Join(dir, "lfstress.log"))
	require.NoError(t, lc.loadConfigFile())
	_, err := lc.logger.Setup()
	require.NoError(t, err)
	t.Cleanup(func() { _ = lc.logger.Close() })
	require.Equal(t, slog.LevelInfo, lc.logger.Level())

	lc.watchConfig()
	// Removing the file ends the watcher goroutines.
	t.Cleanup(func() { _ = os.Remove(path) })

	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o644))
	assert.Eventually(t, func() bool {
		return lc.logger.Level() == slog.LevelDebug
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLfstressMissingConfigFile(t *testing.T) {
	_, execute, _ := newTestCommand(t, "--config-file", filepath.Join(t.TempDir(), "nope.yaml"))
	err := execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLfstressEnvironment(t *testing.T) {
	t.Setenv("LFSTRESS_PER_PRODUCER", "50")
	t.Setenv("LFSTRESS_PRODUCERS", "3")

	out, execute, _ := newTestCommand(t)
	require.NoError(t, execute())

	var res stress.Result
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, 3, res.Config.Producers)
	assert.Equal(t, 50, res.Config.PerProducer)
	assert.Equal(t, int64(150), res.Delivered)
}

func TestLfstressInvalidSettings(t *testing.T) {
	_, execute, _ := newTestCommand(t, "--producers", "0")
	assert.ErrorIs(t, execute(), stress.ErrInvalidConfig)

	_, execute, _ = newTestCommand(t, "--log-level", "chatty")
	assert.ErrorContains(t, execute(), "failed to set up logging")

	_, execute, _ = newTestCommand(t, "--per-producer", "10", "--report-format", "xml")
	assert.ErrorContains(t, execute(), "unknown report format")
}

func TestDecodeConfig(t *testing.T) {
	v := viper.New()
	v.Set(keyProducers, "7")
	v.Set(keyConsumers, 1)
	v.Set(keyPerProducer, 10)
	v.Set(keyPoisonCheck, "true")
	v.Set(keyReportInterval, "250ms")

	cfg, err := decodeConfig(v)
	require.NoError(t, err)
	assert.Equal(t, stress.Config{
		Producers:      7,
		Consumers:      1,
		PerProducer:    10,
		PoisonCheck:    true,
		ReportInterval: 250 * time.Millisecond,
	}, cfg)
}
