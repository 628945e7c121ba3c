// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"sync"
	"time"

	"github.com/AleutianAI/skopos-adjust/internal/apperr"
	"github.com/AleutianAI/skopos-adjust/internal/config"
	"github.com/AleutianAI/skopos-adjust/internal/driver"
	"github.com/AleutianAI/skopos-adjust/internal/lifecycle"
	"github.com/AleutianAI/skopos-adjust/internal/skopos"
	"github.com/AleutianAI/skopos-adjust/internal/telemetry"
	"github.com/AleutianAI/skopos-adjust/pkg/logging"
)

// runtime is everything one invocation needs, wired from the descriptor.
type runtime struct {
	logger  *logging.Logger
	metrics *telemetry.Metrics
	client  *skopos.Client
	tracker *lifecycle.Tracker
	driver  *driver.Driver

	shutdown  func(context.Context) error
	closeOnce sync.Once
}

// buildRuntime loads the descriptor and wires logging, telemetry, the
// orchestrator client and the driver.
func buildRuntime(ctx context.Context, s streams, flags rootFlags) (*runtime, error) {
	desc, err := config.Load(config.LoadOptions{Path: flags.configPath, EnvFile: flags.envFile})
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		if _, err := logging.ParseLevel(flags.logLevel); err != nil {
			return nil, apperr.Wrap(apperr.KindConfig, err, "invalid --log-level")
		}
		desc.Logging.Level = flags.logLevel
	}

	logCfg := desc.Logging.LoggerConfig("adjust")
	logCfg.Output = s.err
	logger := logging.New(logCfg)

	telCfg := desc.Telemetry
	telCfg.ServiceVersion = version
	telCfg.Writer = s.err
	shutdown, err := telemetry.Init(ctx, telCfg)
	if err != nil {
		_ = logger.Close()
		return nil, apperr.Wrap(apperr.KindConfig, err, "cannot initialize telemetry")
	}
	metrics := telemetry.GlobalMetrics()

	models, err := desc.ResolveModels()
	if err != nil {
		_ = shutdown(ctx)
		_ = logger.Close()
		return nil, err
	}
	teds, err := desc.ResolveTEDs()
	if err != nil {
		_ = shutdown(ctx)
		_ = logger.Close()
		return nil, err
	}

	client := skopos.NewClient(desc.Skopos.Address,
		skopos.WithTimeout(desc.Skopos.RequestTimeout),
		skopos.WithLogger(logger),
		skopos.WithMetrics(metrics))
	tracker := lifecycle.NewTracker()
	monitor := lifecycle.NewMonitor(client, lifecycle.NewJSONLineSink(s.out), lifecycle.MonitorConfig{
		PollInterval: desc.Skopos.PollInterval,
		Logger:       logger,
		Metrics:      metrics,
	})
	drv := driver.New(client, tracker, monitor, driver.Config{
		Catalog:             desc.Skopos.Application,
		Models:              models,
		TEDs:                teds,
		ReplaceAll:          desc.Skopos.ReplaceAll,
		PreserveUnspecified: desc.Skopos.PreserveUnspecified,
		DeployTimeout:       desc.Skopos.DeployTimeout,
		Logger:              logger,
		Metrics:             metrics,
	})

	logger.Debug("runtime ready",
		"address", client.BaseURL(),
		"settings", desc.Skopos.Application.Len(),
		"poll_interval", desc.Skopos.PollInterval.String())

	return &runtime{
		logger:   logger,
		metrics:  metrics,
		client:   client,
		tracker:  tracker,
		driver:   drv,
		shutdown: shutdown,
	}, nil
}

// Close flushes telemetry and closes the logger. Safe to call twice.
func (r *runtime) Close() {
	r.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.shutdown(ctx); err != nil {
			r.logger.Warn("telemetry shutdown failed", "error", err)
		}
		_ = r.logger.Close()
	})
}
