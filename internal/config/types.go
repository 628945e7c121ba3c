// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"time"

	"github.com/AleutianAI/skopos-adjust/internal/settings"
	"github.com/AleutianAI/skopos-adjust/internal/telemetry"
	"github.com/AleutianAI/skopos-adjust/pkg/logging"
)

// Descriptor is the adjust driver's configuration file.
//
// Example:
//
//	skopos:
//	  address: localhost:8100
//	  model: model.yaml
//	  teds: [env-prod.yaml]
//	  poll_interval: 2s
//	  application:
//	    settings:
//	      log_level: {type: enum, values: [debug, info], default: info}
//	    components:
//	      web:
//	        settings:
//	          replicas: {type: range, min: 1, max: 10, default: 2}
//	telemetry:
//	  trace_exporter: otlp
//	logging:
//	  level: debug
type Descriptor struct {
	Skopos    SkoposConfig     `yaml:"skopos"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Logging   LoggingConfig    `yaml:"logging"`

	// Dir is the directory of the descriptor; relative refs resolve here.
	Dir string `yaml:"-"`
}

// SkoposConfig describes the orchestrator, the deployment files and the
// settings catalog.
type SkoposConfig struct {
	// Address is the orchestrator API address. A missing scheme means http.
	Address string `yaml:"address" validate:"required"`

	// Model is the application model reference (file path or URL).
	Model string `yaml:"model" validate:"required"`

	// TEDs are environment descriptor references (file paths or URLs).
	TEDs []string `yaml:"teds" validate:"dive,required"`

	// ReplaceAll is forwarded in the init options.
	ReplaceAll bool `yaml:"replace_all"`

	// PreserveUnspecified keeps last-known values of settings the optimizer
	// did not send.
	PreserveUnspecified bool `yaml:"preserve_unspecified"`

	// PollInterval spaces state polls. Zero polls without pause.
	PollInterval time.Duration `yaml:"poll_interval" validate:"gte=0"`

	// RequestTimeout bounds each HTTP call. Zero disables the bound.
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gte=0"`

	// DeployTimeout bounds the rollout. Zero waits indefinitely.
	DeployTimeout time.Duration `yaml:"deploy_timeout" validate:"gte=0"`

	// Application is the settings catalog.
	Application settings.SettingsTree `yaml:"application"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format" validate:"omitempty,oneof=auto text json"`

	// Dir enables a daily JSON log file in this directory.
	Dir string `yaml:"dir"`
}

// LoggerConfig converts to a logging.Config. Level must already be valid.
func (l LoggingConfig) LoggerConfig(service string) logging.Config {
	level, _ := logging.ParseLevel(l.Level)
	format := logging.Format(l.Format)
	if format == "" {
		format = logging.FormatAuto
	}
	return logging.Config{
		Level:   level,
		Format:  format,
		LogDir:  l.Dir,
		Service: service,
	}
}

// Default returns a descriptor with every optional field at its default.
func Default() Descriptor {
	return Descriptor{
		Skopos: SkoposConfig{
			PollInterval:   time.Second,
			RequestTimeout: 30 * time.Second,
		},
		Telemetry: telemetry.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: string(logging.FormatAuto),
		},
	}
}
