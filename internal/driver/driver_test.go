// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package driver

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/skopos-adjust/internal/apperr"
	"github.com/AleutianAI/skopos-adjust/internal/lifecycle"
	"github.com/AleutianAI/skopos-adjust/internal/settings"
	"github.com/AleutianAI/skopos-adjust/internal/skopos"
	"github.com/AleutianAI/skopos-adjust/internal/skopos/skopostest"
	"github.com/AleutianAI/skopos-adjust/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Fixtures
// =============================================================================

func fptr(f float64) *float64 { return &f }

func testCatalog() settings.SettingsTree {
	return settings.SettingsTree{
		Settings: map[string]*settings.Setting{
			"log_level": {Type: "enum", Values: []string{"debug", "info"}, Value: "info"},
		},
		Components: map[string]*settings.ComponentSettings{
			"web": {Settings: map[string]*settings.Setting{
				"replicas": {Type: "range", Min: fptr(1), Max: fptr(10), Value: float64(2)},
				"cpu":      {Type: "range", Min: fptr(0.25), Max: fptr(4), Value: 0.5},
			}},
			"db": {Settings: map[string]*settings.Setting{
				"cache_mb": {Type: "range", Value: float64(256)},
			}},
		},
	}
}

func desiredReplicas(n float64) settings.SettingsTree {
	return settings.SettingsTree{
		Components: map[string]*settings.ComponentSettings{
			"web": {Settings: map[string]*settings.Setting{
				"replicas": {Value: n},
			}},
		},
	}
}

type harness struct {
	fake    *skopostest.Fake
	tracker *lifecycle.Tracker
	events  *lifecycle.Recorder
	logs    *logging.BufferedExporter
	driver  *Driver
}

func newHarness(fake *skopostest.Fake, mutate func(*Config)) *harness {
	h := &harness{
		fake:    fake,
		tracker: lifecycle.NewTracker(),
		events:  &lifecycle.Recorder{},
		logs:    logging.NewBufferedExporter(),
	}
	logger := logging.New(logging.Config{Output: io.Discard, Level: logging.LevelDebug, Exporter: h.logs})
	cfg := Config{
		Catalog:    testCatalog(),
		Models:     []skopos.File{skopos.InlineFile("model.yaml", "components: {}")},
		TEDs:       []skopos.File{{Ref: "https://teds.example.com/prod.yaml"}},
		ReplaceAll: true,
		Logger:     logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	monitor := lifecycle.NewMonitor(fake, h.events, lifecycle.MonitorConfig{Logger: logger})
	h.driver = New(fake, h.tracker, monitor, cfg)
	return h
}

// sentVariables decodes the synthetic TED of the only init call.
func sentVariables(t *testing.T, fake *skopostest.Fake) settings.VariableMap {
	t.Helper()
	inits := fake.Inits()
	require.Len(t, inits, 1)
	teds := inits[0].Request.TEDs
	require.NotEmpty(t, teds)
	last := teds[len(teds)-1]
	require.Equal(t, VariablesTEDRef, last.Ref)
	require.NotNil(t, last.Content)
	vars, err := ParseVariablesTED(*last.Content)
	require.NoError(t, err)
	return vars
}

// =============================================================================
// Query
// =============================================================================

func TestQuery_ReflectsEnvironment(t *testing.T) {
	fake := &skopostest.Fake{Env: skopos.Environment{Vars: map[string]string{
		"application_log_level": "debug",
		"web_replicas":          "4",
		"unrelated_var":         "x",
	}}}
	h := newHarness(fake, nil)

	tree, err := h.driver.Query(context.Background(), "shop")

	require.NoError(t, err)
	assert.Equal(t, "debug", tree.Settings["log_level"].Value)
	assert.Equal(t, float64(4), tree.Components["web"].Settings["replicas"].Value)
	assert.Equal(t, 0.5, tree.Components["web"].Settings["cpu"].Value, "missing keeps default")
	assert.Equal(t, float64(256), tree.Components["db"].Settings["cache_mb"].Value)
	assert.Equal(t, testCatalog().Len(), tree.Len())

	warnings := h.logs.AtLevel(logging.LevelWarn)
	require.Len(t, warnings, 2)
	var vars []string
	for _, w := range warnings {
		vars = append(vars, w.Attrs["variable"].(string))
	}
	assert.ElementsMatch(t, []string{"web_cpu", "db_cache_mb"}, vars)
	assert.Nil(t, h.tracker.Active())
}

func TestQuery_DoesNotMutateCatalog(t *testing.T) {
	fake := &skopostest.Fake{Env: skopos.Environment{Vars: map[string]string{"web_replicas": "9"}}}
	h := newHarness(fake, nil)

	_, err := h.driver.Query(context.Background(), "shop")

	require.NoError(t, err)
	assert.Equal(t, float64(2), h.driver.cfg.Catalog.Components["web"].Settings["replicas"].Value)
}

func TestQuery_RemoteErrorPropagates(t *testing.T) {
	notFound := apperr.API("no such application")
	h := newHarness(&skopostest.Fake{EnvErr: notFound}, nil)

	_, err := h.driver.Query(context.Background(), "shop")

	assert.ErrorIs(t, err, notFound)
	assert.True(t, apperr.IsKind(err, apperr.KindAPI))
}

// =============================================================================
// Update
// =============================================================================

func TestUpdate_AfterCompletedSendsDesiredOnly(t *testing.T) {
	fake := &skopostest.Fake{
		Env: skopos.Environment{Vars: map[string]string{"web_replicas": "3", "web_cpu": "1"}},
		Script: []skopos.StateResponse{
			skopostest.State("9", skopos.StateCompleted, 100),
			skopostest.State("10", skopos.StateRunning, 50),
			skopostest.State("11", skopos.StateCompleted, 100),
		},
	}
	h := newHarness(fake, nil)
	var activeAtResume *lifecycle.Session
	fake.OnControl = func(call skopostest.ControlCall) {
		if call.Action == skopos.ActionResume {
			activeAtResume = h.tracker.Active()
		}
	}

	err := h.driver.Update(context.Background(), "shop", desiredReplicas(5))

	require.NoError(t, err)
	assert.Equal(t, 1, fake.EnvCalls(), "current settings are queried")
	assert.Equal(t, settings.VariableMap{"web_replicas": "5"}, sentVariables(t, fake))

	init := fake.Inits()[0]
	assert.Equal(t, "shop", init.App)
	assert.Equal(t, skopos.InitOptions{Autonomy: "off", ReplaceAll: true}, init.Request.Options)
	require.Len(t, init.Request.Models, 1)
	assert.Equal(t, "model.yaml", init.Request.Models[0].Ref)
	require.Len(t, init.Request.TEDs, 2)
	assert.Equal(t, "https://teds.example.com/prod.yaml", init.Request.TEDs[0].Ref)

	assert.Equal(t, []skopostest.ControlCall{{App: "shop", Action: skopos.ActionResume}}, fake.Controls())
	require.NotNil(t, activeAtResume)
	assert.Equal(t, "shop", activeAtResume.App)
	assert.Nil(t, h.tracker.Active(), "session ends with the operation")

	require.Len(t, h.events.Events(), 1)
	assert.InDelta(t, 50, h.events.Events()[0].Progress, 1e-9)
	assert.Equal(t, []skopos.Docver{"", "", "10"}, fake.StateCursors())
}

func TestUpdate_PreserveUnspecifiedMergesCurrent(t *testing.T) {
	fake := &skopostest.Fake{
		Env: skopos.Environment{Vars: map[string]string{
			"application_log_level": "debug",
			"web_replicas":          "3",
			"web_cpu":               "1",
			"db_cache_mb":           "512",
		}},
		Script: []skopos.StateResponse{
			skopostest.State("9", skopos.StateNotReady, 0),
			skopostest.State("10", skopos.StateCompleted, 100),
		},
	}
	h := newHarness(fake, func(c *Config) { c.PreserveUnspecified = true })

	require.NoError(t, h.driver.Update(context.Background(), "shop", desiredReplicas(5)))

	assert.Equal(t, settings.VariableMap{
		"application_log_level": "debug",
		"web_replicas":          "5",
		"web_cpu":               "1",
		"db_cache_mb":           "512",
	}, sentVariables(t, fake))
}

func TestUpdate_AfterFailedUsesCatalogDefaults(t *testing.T) {
	fake := &skopostest.Fake{
		Env: skopos.Environment{Vars: map[string]string{"web_cpu": "3"}},
		Script: []skopos.StateResponse{
			skopostest.State("9", skopos.StateFailed, 40),
			skopostest.State("10", skopos.StateCompleted, 100),
		},
	}
	h := newHarness(fake, nil)

	require.NoError(t, h.driver.Update(context.Background(), "shop", desiredReplicas(7)))

	assert.Zero(t, fake.EnvCalls(), "remote settings are not trusted after a failure")
	assert.Equal(t, settings.VariableMap{
		"application_log_level": "info",
		"web_replicas":          "7",
		"web_cpu":               "0.5",
		"db_cache_mb":           "256",
	}, sentVariables(t, fake))
}

func TestUpdate_RejectsInFlightStates(t *testing.T) {
	for _, state := range []skopos.State{skopos.StateRunning, skopos.StateGateWait, skopos.StateReady, skopos.State("mystery")} {
		t.Run(string(state), func(t *testing.T) {
			fake := &skopostest.Fake{Script: []skopos.StateResponse{skopostest.State("4", state, 10)}}
			h := newHarness(fake, nil)

			err := h.driver.Update(context.Background(), "shop", desiredReplicas(5))

			require.Error(t, err)
			assert.True(t, apperr.IsKind(err, apperr.KindAPI))
			assert.Empty(t, fake.Inits())
			assert.Empty(t, fake.Controls())
		})
	}
}

func TestUpdate_EmptyStateIsAPIError(t *testing.T) {
	fake := &skopostest.Fake{}
	h := newHarness(fake, nil)

	err := h.driver.Update(context.Background(), "shop", desiredReplicas(5))

	assert.True(t, apperr.IsKind(err, apperr.KindAPI))
	assert.Empty(t, fake.Inits())
}

func TestUpdate_InitRejectedStopsBeforeResume(t *testing.T) {
	fake := &skopostest.Fake{
		Script:  []skopos.StateResponse{skopostest.State("9", skopos.StateFailed, 0)},
		InitErr: apperr.API("model invalid"),
	}
	h := newHarness(fake, nil)

	err := h.driver.Update(context.Background(), "shop", desiredReplicas(5))

	assert.True(t, apperr.IsKind(err, apperr.KindAPI))
	assert.Contains(t, err.Error(), "model invalid")
	assert.Empty(t, fake.Controls())
	assert.Nil(t, h.tracker.Active())
}

func TestUpdate_DeployFailure(t *testing.T) {
	fake := &skopostest.Fake{Script: []skopos.StateResponse{
		skopostest.State("9", skopos.StateCompleted, 100),
		skopostest.State("10", skopos.StateRunning, 20),
		skopostest.State("11", skopos.StateFailed, 20),
	}}
	h := newHarness(fake, nil)

	err := h.driver.Update(context.Background(), "shop", desiredReplicas(5))

	assert.True(t, apperr.IsKind(err, apperr.KindDeploy))
	assert.Nil(t, h.tracker.Active())
}

func TestUpdate_DeployTimeout(t *testing.T) {
	fake := &skopostest.Fake{}
	fake.StateFunc = func(_ context.Context, call int, _ skopos.Docver) (skopos.StateResponse, error) {
		if call == 1 {
			return skopostest.State("1", skopos.StateFailed, 0), nil
		}
		return skopostest.State("9", skopos.StateRunning, 10), nil
	}
	h := newHarness(fake, func(c *Config) { c.DeployTimeout = 50 * time.Millisecond })
	h.driver.monitor = lifecycle.NewMonitor(fake, h.events, lifecycle.MonitorConfig{PollInterval: 5 * time.Millisecond})

	err := h.driver.Update(context.Background(), "shop", desiredReplicas(5))

	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindDeploy))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Contains(t, err.Error(), "did not finish within 50ms")
}

func TestUpdate_CallerCancelIsNotDeployError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fake := &skopostest.Fake{}
	fake.StateFunc = func(_ context.Context, call int, _ skopos.Docver) (skopos.StateResponse, error) {
		if call == 1 {
			return skopostest.State("1", skopos.StateFailed, 0), nil
		}
		cancel()
		return skopostest.State("2", skopos.StateRunning, 10), nil
	}
	h := newHarness(fake, func(c *Config) { c.DeployTimeout = time.Minute })

	err := h.driver.Update(ctx, "shop", desiredReplicas(5))

	assert.ErrorIs(t, err, context.Canceled)
	_, classified := apperr.As(err)
	assert.False(t, classified)
}

// =============================================================================
// Synthetic TED and payload
// =============================================================================

func TestVariablesTED(t *testing.T) {
	vars := settings.VariableMap{"web_replicas": "3", "application_debug": "true"}

	ted, err := VariablesTED(vars)

	require.NoError(t, err)
	assert.Equal(t, VariablesTEDRef, ted.Ref)
	require.NotNil(t, ted.Content)
	assert.Contains(t, *ted.Content, "environment:")
	assert.Contains(t, *ted.Content, "variables:")

	back, err := ParseVariablesTED(*ted.Content)
	require.NoError(t, err)
	assert.Equal(t, vars, back, "values stay strings through yaml")
}

func TestVariablesTED_Empty(t *testing.T) {
	ted, err := VariablesTED(nil)
	require.NoError(t, err)

	back, err := ParseVariablesTED(*ted.Content)
	require.NoError(t, err)
	assert.Empty(t, back)
}

func TestReadPayload(t *testing.T) {
	tree, err := ReadPayload(strings.NewReader(
		`{"application":{"settings":{"log_level":{"value":"debug"}},"components":{"web":{"settings":{"replicas":{"value":4},"tls":{"value":true}}}}}}`))

	require.NoError(t, err)
	assert.Equal(t, "debug", tree.Settings["log_level"].Value)
	assert.Equal(t, float64(4), tree.Components["web"].Settings["replicas"].Value)
	assert.Equal(t, true, tree.Components["web"].Settings["tls"].Value)
}

func TestReadPayload_Invalid(t *testing.T) {
	tests := map[string]string{
		"malformed":      `{"application":`,
		"no application": `{"settings":{}}`,
		"non-scalar":     `{"application":{"settings":{"x":{"value":{"nested":1}}}}}`,
		"empty":          ``,
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ReadPayload(strings.NewReader(input))
			require.Error(t, err)
			assert.True(t, apperr.IsKind(err, apperr.KindConfig))
		})
	}
}
