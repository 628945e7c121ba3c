// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the adjust driver's descriptor.
//
// Loading order:
//
//  1. defaults (Default)
//  2. the YAML descriptor (unknown keys are rejected)
//  3. environment overrides, with a .env file filling in unset variables
//  4. struct validation, then catalog validation
//
// Every failure is an *apperr.Error of KindConfig.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/skopos-adjust/internal/apperr"
	"github.com/AleutianAI/skopos-adjust/internal/skopos"
	"github.com/AleutianAI/skopos-adjust/pkg/logging"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the descriptor path used when none is given.
const DefaultPath = "./config.yaml"

// Environment variables that override descriptor values.
const (
	EnvSkoposAddress   = "SKOPOS_ADDRESS"
	EnvLogLevel        = "ADJUST_LOG_LEVEL"
	EnvMetricsFile     = "ADJUST_METRICS_FILE"
	EnvTracesExporter  = "OTEL_TRACES_EXPORTER"
	EnvMetricsExporter = "OTEL_METRICS_EXPORTER"
	EnvOTLPEndpoint    = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

var validate = validator.New()

// LoadOptions controls Load.
type LoadOptions struct {
	// Path is the descriptor file. Default: DefaultPath.
	Path string

	// EnvFile is a dotenv file whose entries apply where the process
	// environment has no value. When empty, a ".env" next to the descriptor
	// is used if it exists.
	EnvFile string

	// LookupEnv reads the process environment. Default: os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Load reads, overrides and validates the descriptor.
//
// # Inputs
//
//   - opts: Paths and environment access
//
// # Outputs
//
//   - *Descriptor: Validated descriptor with Dir set and the address normalized
//   - error: *apperr.Error of KindConfig on any failure
func Load(opts LoadOptions) (*Descriptor, error) {
	path := opts.Path
	if path == "" {
		path = DefaultPath
	}
	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfig, err, "cannot read descriptor %s", path)
	}

	desc := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&desc); err != nil && !errors.Is(err, io.EOF) {
		return nil, apperr.Wrap(apperr.KindConfig, err, "cannot parse descriptor %s", path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfig, err, "cannot resolve descriptor path %s", path)
	}
	desc.Dir = filepath.Dir(abs)

	envLookup, err := withDotenv(lookup, opts.EnvFile, desc.Dir)
	if err != nil {
		return nil, err
	}
	desc.applyEnv(envLookup)

	if err := desc.Validate(); err != nil {
		return nil, err
	}
	desc.Skopos.Address = skopos.NormalizeAddress(desc.Skopos.Address)
	return &desc, nil
}

// withDotenv layers a dotenv file under the process environment.
func withDotenv(lookup func(string) (string, bool), envFile, dir string) (func(string) (string, bool), error) {
	explicit := envFile != ""
	if !explicit {
		envFile = filepath.Join(dir, ".env")
		if _, err := os.Stat(envFile); err != nil {
			return lookup, nil
		}
	}

	values, err := godotenv.Read(envFile)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfig, err, "cannot read env file %s", envFile)
	}
	return func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := values[key]
		return v, ok
	}, nil
}

func (d *Descriptor) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvSkoposAddress); ok && v != "" {
		d.Skopos.Address = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		d.Logging.Level = v
	}
	if v, ok := lookup(EnvMetricsFile); ok && v != "" {
		d.Telemetry.MetricsFile = v
	}
	if v, ok := lookup(EnvTracesExporter); ok && v != "" {
		d.Telemetry.TraceExporter = v
	}
	if v, ok := lookup(EnvMetricsExporter); ok && v != "" {
		d.Telemetry.MetricExporter = v
	}
	if v, ok := lookup(EnvOTLPEndpoint); ok && v != "" {
		switch {
		case strings.HasPrefix(v, "https://"):
			d.Telemetry.OTLPEndpoint = strings.TrimPrefix(v, "https://")
			d.Telemetry.OTLPInsecure = false
		case strings.HasPrefix(v, "http://"):
			d.Telemetry.OTLPEndpoint = strings.TrimPrefix(v, "http://")
			d.Telemetry.OTLPInsecure = true
		default:
			d.Telemetry.OTLPEndpoint = v
		}
	}
}

// Validate checks the descriptor's structure and its settings catalog.
func (d *Descriptor) Validate() error {
	if err := validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			problems := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return apperr.Config("invalid descriptor: %s", strings.Join(problems, "; "))
		}
		return apperr.Wrap(apperr.KindConfig, err, "invalid descriptor")
	}
	if _, err := logging.ParseLevel(d.Logging.Level); err != nil {
		return apperr.Wrap(apperr.KindConfig, err, "invalid logging.level")
	}
	if err := d.Skopos.Application.Normalize(); err != nil {
		return apperr.Wrap(apperr.KindConfig, err, "invalid settings catalog")
	}
	if err := d.Skopos.Application.Validate(); err != nil {
		return apperr.Wrap(apperr.KindConfig, err, "invalid settings catalog")
	}
	return nil
}

// =============================================================================
// Reference Resolution
// =============================================================================

// ResolveModels returns the model reference as a deployment file.
func (d *Descriptor) ResolveModels() ([]skopos.File, error) {
	f, err := d.resolve(d.Skopos.Model)
	if err != nil {
		return nil, err
	}
	return []skopos.File{f}, nil
}

// ResolveTEDs returns the TED references as deployment files.
func (d *Descriptor) ResolveTEDs() ([]skopos.File, error) {
	files := make([]skopos.File, 0, len(d.Skopos.TEDs))
	for _, ref := range d.Skopos.TEDs {
		f, err := d.resolve(ref)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

// resolve reads a local ref relative to Dir. Refs with a scheme are left
// for the orchestrator to fetch.
func (d *Descriptor) resolve(ref string) (skopos.File, error) {
	if strings.Contains(ref, "://") {
		return skopos.File{Ref: ref}, nil
	}
	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(d.Dir, path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return skopos.File{}, apperr.Wrap(apperr.KindConfig, err, "cannot read %s", ref)
	}
	return skopos.InlineFile(ref, string(content)), nil
}
