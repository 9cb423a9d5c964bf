// Copyright (c) 2025 OptiMetrics contributors. All rights reserved.
//
// Use of this source code is governed by the MIT license that can be found
// in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Dex947/OptiMetrics/internal/cloudsync"
	"github.com/Dex947/OptiMetrics/internal/config"
	"github.com/Dex947/OptiMetrics/internal/pipeline"
	"github.com/Dex947/OptiMetrics/pkg/hostid"
	"github.com/Dex947/OptiMetrics/pkg/logstore"
	"github.com/Dex947/OptiMetrics/pkg/telemetry"
	_ "github.com/Dex947/OptiMetrics/pkg/telemetry/sources"
	"github.com/Dex947/OptiMetrics/pkg/workload"
)

var (
	configPath string
	verbose    bool
	testMode   bool
)

// testModeDuration is how long --test runs before printing status and
// exiting.
const testModeDuration = 10 * time.Second

func main() {
	root := &cobra.Command{
		Use:           "optimetrics-agent",
		Short:         "Hardware metrics sampling and workload classification agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.Flags().BoolVarP(&testMode, "test", "t", false,
		fmt.Sprintf("run for %s, print status, and exit", testModeDuration))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "optimetrics-agent: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() (logr.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	zapCfg.Encoding = "console"
	zapCfg.EncoderConfig.EncodeTime = zap.NewDevelopmentEncoderConfig().EncodeTime
	if verbose {
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zapLog, err := zapCfg.Build()
	if err != nil {
		return logr.Logger{}, errors.Wrap(err, "failed to build logger")
	}
	return zapr.NewLogger(zapLog), nil
}

func run(ctx context.Context) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	hwid, err := resolveHardwareID(logger, cfg)
	if err != nil {
		return err
	}
	logger.Info("starting", "hardware_id", hwid, "interval", cfg.SamplingInterval())

	sampler, err := buildSampler(ctx, logger, cfg)
	if err != nil {
		return err
	}

	filter := telemetry.NewDeltaFilter(logger, deltaConfig(cfg))

	classifier, rulesWatcher, err := buildClassifier(logger, cfg)
	if err != nil {
		return err
	}
	if rulesWatcher != nil {
		defer func() { _ = rulesWatcher.Close() }()
	}
	state := workload.NewState(cfg.ClassificationStabilityCount)

	writer, err := logstore.NewWriter(logger, logstore.Config{
		Dir:          cfg.LogDirectory,
		MaxFileBytes: cfg.MaxFileSizeBytes,
		HardwareID:   hwid,
		Compress:     cfg.Compress,
	})
	if err != nil {
		return err
	}

	stager, err := cloudsync.NewStager(logger, cloudsync.Config{
		OutboxDir: cfg.OutboxDirectory,
		Recipient: cfg.SyncRecipient,
	})
	if err != nil {
		return err
	}
	stager.Watch(writer.Retired())
	defer stager.Close()

	p := pipeline.New(logger, sampler, filter, classifier, state, writer, pipeline.Options{
		Interval:       cfg.SamplingInterval(),
		HardwareID:     hwid,
		StatusInterval: time.Minute,
	})

	if testMode {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, testModeDuration)
		defer cancel()
	}

	runErr := p.Run(ctx)
	if testMode {
		printStatus(p.Status())
	}
	return runErr
}

func resolveHardwareID(logger logr.Logger, cfg *config.Config) (string, error) {
	cachePath := cfg.HardwareIDCache
	if cachePath == "" {
		cachePath = hostid.DefaultCachePath()
	}

	components := probeHardware(logger)
	hwid, err := hostid.Load(cachePath, components)
	if err != nil {
		// A failed cache write is survivable; the id itself is valid.
		logger.Error(err, "hardware id cache not persisted")
	}
	return hwid, nil
}

// probeHardware gathers the inventory the hardware id is derived from.
// Probes that fail contribute empty strings; the id just has less
// entropy on such hosts.
func probeHardware(logger logr.Logger) hostid.Components {
	paths := telemetry.DefaultSourceConfig()
	components := hostid.Components{
		Board: hostid.ReadBoard(paths.SysPath),
	}

	probeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, name := range []string{"cpu", "gpu"} {
		factory, err := telemetry.GetFactory(name)
		if err != nil {
			continue
		}
		src := factory(logger, paths)
		if err := src.Init(probeCtx); err != nil {
			continue
		}
		info := src.Info()
		switch name {
		case "cpu":
			components.CPUModel = info.Identifier
		case "gpu":
			components.GPUs = []string{info.Identifier}
		}
		_ = src.Shutdown()
	}
	return components
}

func buildSampler(ctx context.Context, logger logr.Logger, cfg *config.Config) (*telemetry.Sampler, error) {
	paths := telemetry.DefaultSourceConfig()
	var sources []telemetry.Source
	for _, name := range telemetry.RegisteredSources() {
		if !cfg.SourceEnabled(name) {
			logger.Info("source disabled by configuration", "source", name)
			continue
		}
		factory, err := telemetry.GetFactory(name)
		if err != nil {
			return nil, err
		}
		sources = append(sources, factory(logger, paths))
	}

	sampler := telemetry.NewSampler(logger, telemetry.SamplerConfig{
		SourceTimeout:    cfg.SourceTimeout(),
		FailureThreshold: cfg.SourceFailureThreshold,
	}, sources)

	if enabled := sampler.Init(ctx); len(enabled) == 0 {
		return nil, errors.New("no metric sources available on this host")
	}
	return sampler, nil
}

func deltaConfig(cfg *config.Config) telemetry.DeltaConfig {
	deltaCfg := telemetry.DefaultDeltaConfig()
	deltaCfg.ThresholdPercent = cfg.DeltaThresholdPercent
	deltaCfg.ForcedResyncTicks = cfg.ForcedResyncTicks
	if len(cfg.DeltaOverrides) > 0 {
		deltaCfg.Overrides = deltaCfg.Overrides[:0]
		for _, o := range cfg.DeltaOverrides {
			deltaCfg.Overrides = append(deltaCfg.Overrides, telemetry.DeltaOverride{
				Unit:         o.Unit,
				MetricSuffix: o.MetricSuffix,
				Delta:        o.Delta,
			})
		}
	}
	return deltaCfg
}

func buildClassifier(logger logr.Logger, cfg *config.Config) (*workload.Classifier, *workload.RulesWatcher, error) {
	classifierCfg := workload.Config{
		MinConfidence:  cfg.ClassificationMinConfidence,
		StabilityCount: cfg.ClassificationStabilityCount,
	}

	if cfg.RulesFile == "" {
		return workload.NewClassifier(logger, classifierCfg, nil), nil, nil
	}

	rules, err := workload.LoadRules(cfg.RulesFile)
	if err != nil {
		return nil, nil, err
	}
	classifier := workload.NewClassifier(logger, classifierCfg, rules)

	watcher, err := workload.NewRulesWatcher(cfg.RulesFile, classifier, logger)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to watch rules file")
	}
	return classifier, watcher, nil
}

func printStatus(status pipeline.Status) {
	fmt.Printf("\n--- status after %s ---\n", testModeDuration)
	fmt.Printf("ticks:      %d\n", status.Ticks)
	fmt.Printf("records:    %d\n", status.Records)
	fmt.Printf("category:   %s (confidence %.2f)\n",
		status.Reported.Category, status.Reported.Confidence)
	fmt.Printf("active log: %s\n", status.ActiveLogFile)
	fmt.Println("sources:")
	for _, h := range status.Sources {
		state := "ok"
		if !h.Enabled {
			state = "disabled"
		}
		line := fmt.Sprintf("  %-8s %s", h.Name, state)
		if h.LastError != nil {
			line += " (" + h.LastError.Error() + ")"
		}
		fmt.Println(line)
	}
}
