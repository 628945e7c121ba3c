// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package skoposim

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AleutianAI/skopos-adjust/internal/apperr"
	"github.com/AleutianAI/skopos-adjust/internal/skopos"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const varsTED = "environment:\n  variables:\n    web_replicas: \"4\"\n    application_mode: fast\n"

func newTestSim(t *testing.T, cfg Config) (*Simulator, *skopos.Client) {
	t.Helper()
	sim := New(cfg)
	sim.AddApp("shop", map[string]string{"web_replicas": "2", "legacy": "yes"})
	server := httptest.NewServer(sim.Handler())
	t.Cleanup(server.Close)
	return sim, skopos.NewClient(server.URL)
}

func initRequest(replaceAll bool) skopos.InitRequest {
	return skopos.InitRequest{
		Options: skopos.InitOptions{Autonomy: "off", ReplaceAll: replaceAll},
		Models:  []skopos.File{skopos.InlineFile("model.yaml", "components: {}")},
		TEDs: []skopos.File{
			{Ref: "https://teds.example.com/base.yaml"},
			skopos.InlineFile("vars.yaml", varsTED),
		},
	}
}

// pollUntil polls with cursors until state is reached or 20 polls pass.
func pollUntil(t *testing.T, client *skopos.Client, want skopos.State) []skopos.StateResponse {
	t.Helper()
	var seen []skopos.StateResponse
	var cursor skopos.Docver
	for i := 0; i < 20; i++ {
		resp, err := client.FetchDeploymentState(context.Background(), "shop", cursor)
		require.NoError(t, err)
		seen = append(seen, resp)
		if !resp.Empty() {
			cursor = resp.Docver
			if resp.DeployState.State == want {
				return seen
			}
		}
	}
	t.Fatalf("state %q not reached", want)
	return nil
}

func TestSimulator_FullRollout(t *testing.T) {
	sim, client := newTestSim(t, Config{})
	ctx := context.Background()

	resp, err := client.FetchDeploymentState(ctx, "shop", "")
	require.NoError(t, err)
	assert.True(t, resp.Empty(), "no deployment yet")

	require.NoError(t, client.InitializeDeployment(ctx, "shop", initRequest(false)))
	assert.Equal(t, skopos.StateReady, sim.State("shop"))

	require.NoError(t, client.ControlDeployment(ctx, "shop", skopos.ActionResume, skopos.ControlOptions{}))

	seen := pollUntil(t, client, skopos.StateCompleted)
	var progress []float64
	for _, r := range seen {
		progress = append(progress, r.DeployState.Progress)
	}
	assert.Equal(t, []float64{25, 50, 75, 100}, progress)

	env, err := client.FetchEffectiveEnvironment(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"web_replicas": "4", "application_mode": "fast", "legacy": "yes"}, env.Vars)
}

func TestSimulator_ReplaceAll(t *testing.T) {
	sim, client := newTestSim(t, Config{ProgressStep: 100})
	ctx := context.Background()

	require.NoError(t, client.InitializeDeployment(ctx, "shop", initRequest(true)))
	require.NoError(t, client.ControlDeployment(ctx, "shop", skopos.ActionResume, skopos.ControlOptions{}))
	pollUntil(t, client, skopos.StateCompleted)

	assert.Equal(t, map[string]string{"web_replicas": "4", "application_mode": "fast"}, sim.Environment("shop"))
}

func TestSimulator_CursorReturnsEmptyWhenUnchanged(t *testing.T) {
	sim, client := newTestSim(t, Config{})
	sim.SetState("shop", skopos.StatePaused, 40)

	first, err := client.FetchDeploymentState(context.Background(), "shop", "")
	require.NoError(t, err)
	require.False(t, first.Empty())

	again, err := client.FetchDeploymentState(context.Background(), "shop", first.Docver)
	require.NoError(t, err)
	assert.True(t, again.Empty())
}

func TestSimulator_Gate(t *testing.T) {
	_, client := newTestSim(t, Config{GateAt: 50})
	ctx := context.Background()

	require.NoError(t, client.InitializeDeployment(ctx, "shop", initRequest(false)))
	require.NoError(t, client.ControlDeployment(ctx, "shop", skopos.ActionResume, skopos.ControlOptions{}))
	seen := pollUntil(t, client, skopos.StateGateWait)
	assert.Equal(t, "waiting for approval", seen[len(seen)-1].DeployState.DisplayState)

	require.NoError(t, client.ControlDeployment(ctx, "shop", skopos.Action("gate"), skopos.ControlOptions{}))
	pollUntil(t, client, skopos.StateCompleted)
}

func TestSimulator_AbandonRequiresForceWhileRunning(t *testing.T) {
	sim, client := newTestSim(t, Config{})
	ctx := context.Background()
	require.NoError(t, client.InitializeDeployment(ctx, "shop", initRequest(false)))
	require.NoError(t, client.ControlDeployment(ctx, "shop", skopos.ActionResume, skopos.ControlOptions{}))

	err := client.ControlDeployment(ctx, "shop", skopos.ActionAbandon, skopos.ControlOptions{})
	assert.True(t, apperr.IsKind(err, apperr.KindAPI))

	require.NoError(t, client.ControlDeployment(ctx, "shop", skopos.ActionAbandon, skopos.ControlOptions{Force: true}))
	assert.Equal(t, skopos.StateFailed, sim.State("shop"))
}

func TestSimulator_FailAt(t *testing.T) {
	_, client := newTestSim(t, Config{FailAt: 60})
	ctx := context.Background()
	require.NoError(t, client.InitializeDeployment(ctx, "shop", initRequest(false)))
	require.NoError(t, client.ControlDeployment(ctx, "shop", skopos.ActionResume, skopos.ControlOptions{}))

	seen := pollUntil(t, client, skopos.StateFailed)
	assert.InDelta(t, 60, seen[len(seen)-1].DeployState.Progress, 1e-9)
}

func TestSimulator_ClientErrors(t *testing.T) {
	sim, client := newTestSim(t, Config{})
	ctx := context.Background()

	_, err := client.FetchEffectiveEnvironment(ctx, "nope")
	assert.True(t, apperr.IsKind(err, apperr.KindAPI))
	assert.Contains(t, err.Error(), "unknown application")

	err = client.ControlDeployment(ctx, "shop", skopos.Action("explode"), skopos.ControlOptions{})
	assert.True(t, apperr.IsKind(err, apperr.KindAPI))

	err = client.ControlDeployment(ctx, "shop", skopos.ActionResume, skopos.ControlOptions{})
	assert.True(t, apperr.IsKind(err, apperr.KindAPI), "nothing staged")

	err = client.InitializeDeployment(ctx, "shop", skopos.InitRequest{})
	assert.True(t, apperr.IsKind(err, apperr.KindAPI), "model required")

	sim.SetState("shop", skopos.StateRunning, 10)
	err = client.InitializeDeployment(ctx, "shop", initRequest(false))
	assert.True(t, apperr.IsKind(err, apperr.KindAPI), "busy")
}

func TestSimulator_BadCursor(t *testing.T) {
	sim := New(Config{})
	sim.AddApp("shop", nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/deploy/shop/state?docver=abc", nil)
	w := httptest.NewRecorder()
	sim.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "invalid docver"))
}

func TestSimulator_Apps(t *testing.T) {
	sim := New(Config{})
	sim.AddApp("web", nil)
	sim.AddApp("api", nil)
	assert.Equal(t, []string{"api", "web"}, sim.Apps())
	assert.Nil(t, sim.Environment("missing"))
}
