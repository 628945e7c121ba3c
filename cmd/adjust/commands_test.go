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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AleutianAI/skopos-adjust/internal/skopos"
	"github.com/AleutianAI/skopos-adjust/internal/skoposim"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const descriptorTemplate = `
skopos:
  address: %s
  model: model.yaml
  teds: [env.yaml]
  poll_interval: 1ms
  application:
    settings:
      debug: {type: bool, default: false}
    components:
      web:
        settings:
          replicas: {type: range, min: 1, max: 10, default: 2}
logging:
  level: warn
  format: text
`

// cli runs the command against an optional simulator and captures output.
type cli struct {
	sim        *skoposim.Simulator
	configPath string
	exits      []int
}

func newCLI(t *testing.T, simCfg skoposim.Config) *cli {
	t.Helper()
	sim := skoposim.New(simCfg)
	sim.AddApp("shop", map[string]string{"web_replicas": "4"})
	sim.SetState("shop", skopos.StateCompleted, 100)
	server := httptest.NewServer(sim.Handler())
	t.Cleanup(server.Close)

	return &cli{sim: sim, configPath: writeConfig(t, server.URL)}
}

func writeConfig(t *testing.T, address string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(descriptorTemplate, address)), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.yaml"), []byte("components: {web: {}}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "env.yaml"), []byte("environment: {}\n"), 0o644))
	return path
}

func (c *cli) run(t *testing.T, stdin string, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	var out, errOut bytes.Buffer
	s := streams{
		in:   strings.NewReader(stdin),
		out:  &out,
		err:  &errOut,
		exit: func(code int) { c.exits = append(c.exits, code) },
	}
	if c.configPath != "" {
		args = append([]string{"--config", c.configPath}, args...)
	}
	code = run(context.Background(), args, s)
	return code, out.String(), errOut.String()
}

func lines(stdout string) []string {
	return strings.Split(strings.TrimSpace(stdout), "\n")
}

func TestVersion(t *testing.T) {
	c := &cli{}
	code, stdout, _ := c.run(t, "", "--version")
	assert.Equal(t, ExitSuccess, code)
	assert.Equal(t, version+"\n", stdout)
}

func TestInfo(t *testing.T) {
	c := &cli{}
	code, stdout, _ := c.run(t, "", "--info")
	require.Equal(t, ExitSuccess, code)

	var info InfoResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	assert.Equal(t, version, info.Version)
	assert.True(t, info.HasCancel)
}

func TestNoOperation_IsUnclassified(t *testing.T) {
	c := &cli{}
	code, stdout, stderr := c.run(t, "")
	assert.Equal(t, ExitFault, code)
	assert.Empty(t, stdout)
	assert.Contains(t, stderr, "application name")
}

func TestQuery_PrintsCurrentSettings(t *testing.T) {
	c := newCLI(t, skoposim.Config{})
	code, stdout, _ := c.run(t, "", "--query", "shop")
	require.Equal(t, ExitSuccess, code)

	var payload struct {
		Application struct {
			Settings   map[string]struct{ Value any } `json:"settings"`
			Components map[string]struct {
				Settings map[string]struct{ Value any } `json:"settings"`
			} `json:"components"`
		} `json:"application"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &payload))
	assert.Equal(t, float64(4), payload.Application.Components["web"].Settings["replicas"].Value)
	assert.Equal(t, false, payload.Application.Settings["debug"].Value)
}

func TestUpdate_StreamsProgressThenStatus(t *testing.T) {
	c := newCLI(t, skoposim.Config{})
	payload := `{"application": {"settings": {"debug": {"value": true}}, "components": {"web": {"settings": {"replicas": {"value": 7}}}}}}`

	code, stdout, stderr := c.run(t, payload, "shop")
	require.Equal(t, ExitSuccess, code, "stderr: %s", stderr)

	out := lines(stdout)
	require.Len(t, out, 4)
	for _, line := range out[:3] {
		assert.Contains(t, line, `"progress"`)
	}
	assert.Equal(t, `{"status":"ok"}`, out[3])
	assert.Equal(t, map[string]string{"application_debug": "true", "web_replicas": "7"}, c.sim.Environment("shop"))
	assert.Empty(t, c.exits)
}

func TestUpdate_BadPayload(t *testing.T) {
	c := newCLI(t, skoposim.Config{})
	code, stdout, _ := c.run(t, `{"settings": {}}`, "shop")
	assert.Equal(t, ExitClassified, code)

	var report ErrorReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.Equal(t, "ConfigError", report.Error)
	assert.Equal(t, "config", report.Class)
}

func TestUpdate_DeployFailure(t *testing.T) {
	c := newCLI(t, skoposim.Config{FailAt: 50})
	code, stdout, _ := c.run(t, `{"application": {"settings": {"debug": {"value": true}}}}`, "shop")
	assert.Equal(t, ExitClassified, code)

	out := lines(stdout)
	var report ErrorReport
	require.NoError(t, json.Unmarshal([]byte(out[len(out)-1]), &report))
	assert.Equal(t, "DeployError", report.Error)
	assert.Equal(t, "failure", report.Class)
	assert.Equal(t, skopos.StateFailed, c.sim.State("shop"))
}

func TestMissingConfig_IsConfigError(t *testing.T) {
	c := &cli{configPath: filepath.Join(t.TempDir(), "absent.yaml")}
	code, stdout, _ := c.run(t, "", "--query", "shop")
	assert.Equal(t, ExitClassified, code)

	var report ErrorReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.Equal(t, "ConfigError", report.Error)
}

func TestInvalidLogLevelFlag_IsConfigError(t *testing.T) {
	c := newCLI(t, skoposim.Config{})
	code, stdout, _ := c.run(t, "", "--log-level", "chatty", "--query", "shop")
	assert.Equal(t, ExitClassified, code)
	assert.Contains(t, stdout, "ConfigError")
}

func TestUnreachableOrchestrator_IsUnclassified(t *testing.T) {
	server := httptest.NewServer(skoposim.New(skoposim.Config{}).Handler())
	address := server.URL
	server.Close()

	c := &cli{configPath: writeConfig(t, address)}
	code, stdout, stderr := c.run(t, "", "--query", "shop")
	assert.Equal(t, ExitFault, code)
	assert.Empty(t, stdout)
	assert.Contains(t, stderr, "Error:")
}
