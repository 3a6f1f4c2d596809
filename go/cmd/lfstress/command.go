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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/multigres/lfstack/go/servenv"
	"github.com/multigres/lfstack/go/stress"
)

// Config keys. Flags use dashes; config files and LFSTRESS_* environment
// variables use the underscore form.
const (
	keyProducers      = "producers"
	keyConsumers      = "consumers"
	keyPerProducer    = "per_producer"
	keyPoisonCheck    = "poison_check"
	keyReportInterval = "report_interval"
	keyReportFormat   = "report_format"
	keyReportOutput   = "report_output"
	keyConfigFile     = "config_file"
	keyWatchConfig    = "watch_config"
)

// runKeys are the settings decoded into stress.Config.
var runKeys = []string{keyProducers, keyConsumers, keyPerProducer, keyPoisonCheck, keyReportInterval}

// LfstressCommand holds the state of one lfstress invocation.
type LfstressCommand struct {
	v      *viper.Viper
	logger *servenv.Logger
	fs     afero.Fs
}

// CreateLfstressCommand builds the root command and the state behind it.
func CreateLfstressCommand() (*cobra.Command, *LfstressCommand) {
	v := viper.New()
	lc := &LfstressCommand{
		v:      v,
		logger: servenv.NewLogger(v),
		fs:     afero.NewOsFs(),
	}

	cmd := &cobra.Command{
		Use:   "lfstress",
		Short: "Stress test the lock-free stack.",
		Long: "lfstress runs producers and consumers against a lock-free stack, checks that every " +
			"value is delivered exactly once and that no recycled node is ever touched, and prints a report.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          lc.run,
	}

	def := stress.DefaultConfig()
	flags := cmd.Flags()
	flags.Int("producers", def.Producers, "Number of goroutines pushing values")
	flags.Int("consumers", def.Consumers, "Number of goroutines popping values")
	flags.Int("per-producer", def.PerProducer, "Distinct values pushed by each producer")
	flags.Bool("poison-check", def.PoisonCheck, "Detect dereferences of recycled nodes")
	flags.Duration("report-interval", def.ReportInterval, "How often to log progress (0 disables)")
	flags.String("report-format", stress.FormatYAML, "Report format (yaml, json)")
	flags.String("report-output", stress.StdoutPath, "Report destination file, or - for stdout")
	flags.String("config-file", "", "Optional YAML config file; flags override it")
	flags.Bool("watch-config", true, "Apply log-level changes in the config file while running")
	lc.logger.RegisterFlags(flags)

	for _, key := range []string{
		keyProducers, keyConsumers, keyPerProducer, keyPoisonCheck, keyReportInterval,
		keyReportFormat, keyReportOutput, keyConfigFile, keyWatchConfig,
	} {
		_ = v.BindPFlag(key, flags.Lookup(strings.ReplaceAll(key, "_", "-")))
	}

	v.SetEnvPrefix("LFSTRESS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return cmd, lc
}

func (lc *LfstressCommand) run(cmd *cobra.Command, args []string) error {
	if err := lc.loadConfigFile(); err != nil {
		return err
	}

	logger, err := lc.logger.Setup()
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer func() { _ = lc.logger.Close() }()

	if lc.v.GetString(keyConfigFile) != "" && lc.v.GetBool(keyWatchConfig) {
		lc.watchConfig()
	}

	cfg, err := decodeConfig(lc.v)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, runErr := stress.Run(ctx, cfg, logger)
	if res == nil {
		return runErr
	}

	format := lc.v.GetString(keyReportFormat)
	var reportErr error
	if out := lc.v.GetString(keyReportOutput); out == "" || out == stress.StdoutPath {
		reportErr = res.Encode(cmd.OutOrStdout(), format)
	} else {
		reportErr = stress.WriteReport(lc.fs, out, format, res)
	}
	if reportErr != nil {
		reportErr = fmt.Errorf("failed to write report: %w", reportErr)
	}

	return errors.Join(runErr, reportErr)
}

// loadConfigFile merges the --config-file contents, if any, below the flags.
func (lc *LfstressCommand) loadConfigFile() error {
	path := lc.v.GetString(keyConfigFile)
	if path == "" {
		return nil
	}
	lc.v.SetConfigFile(path)
	lc.v.SetFs(lc.fs)
	if err := lc.v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}

// watchConfig applies log level edits to the config file while running.
func (lc *LfstressCommand) watchConfig() {
	lc.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := lc.logger.SetLevel(lc.v.GetString(servenv.LogLevelKey)); err != nil {
			slog.Warn("ignoring config change", "file", e.Name, "error", err)
		}
	})
	lc.v.WatchConfig()
}

// decodeConfig turns the merged viper settings into a stress.Config.
func decodeConfig(v *viper.Viper) (stress.Config, error) {
	settings := make(map[string]any, len(runKeys))
	for _, key := range runKeys {
		settings[key] = v.Get(key)
	}

	cfg := stress.DefaultConfig()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return cfg, err
	}
	if err := dec.Decode(settings); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, cfg.Validate()
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
