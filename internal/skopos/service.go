// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package skopos talks to the deployment orchestrator.

The orchestrator is consumed through four logical operations, captured by
the Service interface. The driver and the lifecycle monitor depend only on
Service; Client is the HTTP implementation.

	┌──────────────────────────────┬──────────────────────────────────────────┐
	│ Operation                    │ HTTP                                     │
	├──────────────────────────────┼──────────────────────────────────────────┤
	│ FetchEffectiveEnvironment    │ GET  /v1/deploy/{app}/environment        │
	│ FetchDeploymentState         │ GET  /v1/deploy/{app}/state[?docver=N]   │
	│ InitializeDeployment         │ POST /v1/deploy/{app}/init               │
	│ ControlDeployment            │ POST /v1/deploy/{app}/{resume|abandon}   │
	└──────────────────────────────┴──────────────────────────────────────────┘

# Error Mapping

  - 2xx: success
  - 4xx: *apperr.Error of KindAPI carrying the orchestrator's message
  - anything else, and transport failures: plain (unclassified) errors
*/
package skopos

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// -----------------------------------------------------------------------------
// Deployment States
// -----------------------------------------------------------------------------

// State is the orchestrator's rollout state.
type State string

const (
	StateCompleted State = "completed"
	StateNotReady  State = "not-ready"
	StateFailed    State = "failed"
	StateRunning   State = "running"
	StateGateWait  State = "gate-wait"
	StateErrorWait State = "error-wait"
	StatePaused    State = "paused"

	// StateReady means a plan exists but was not started. The adjust
	// workflow resumes immediately, so seeing it is unusual.
	StateReady State = "ready"
)

// Blocked reports whether the rollout waits on a human or external action.
func (s State) Blocked() bool {
	return s == StateGateWait || s == StateErrorWait || s == StatePaused
}

// -----------------------------------------------------------------------------
// Wire Types
// -----------------------------------------------------------------------------

// Docver is the orchestrator's opaque state version cursor. It is echoed
// back verbatim; the zero value means "no cursor".
type Docver string

// UnmarshalJSON accepts a JSON number or string.
func (d *Docver) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*d = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*d = Docver(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("docver: %w", err)
	}
	*d = Docver(n.String())
	return nil
}

// MarshalJSON writes numeric cursors as numbers and anything else as a string.
func (d Docver) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(d), 10, 64); err == nil {
		return []byte(d), nil
	}
	return json.Marshal(string(d))
}

// Environment is the effective variable set of an application.
type Environment struct {
	Vars map[string]string `json:"vars"`
}

// DeploymentState is the rollout status as reported by the orchestrator.
type DeploymentState struct {
	State        State   `json:"state"`
	Progress     float64 `json:"progress"`
	DisplayState string  `json:"display_state,omitempty"`
}

// StateResponse is the answer to a state poll. An empty response (no
// DeployState) means nothing newer than the supplied cursor exists, or no
// deployment is visible yet.
type StateResponse struct {
	Docver      Docver           `json:"docver,omitempty"`
	DeployState *DeploymentState `json:"deploystate,omitempty"`
}

// Empty reports whether the response carries no state.
func (r StateResponse) Empty() bool {
	return r.DeployState == nil
}

// File is a model or TED reference. Content is nil for remote references
// the orchestrator resolves itself.
type File struct {
	Ref     string  `json:"ref"`
	Content *string `json:"content"`
}

// InlineFile builds a File with literal content.
func InlineFile(ref, content string) File {
	return File{Ref: ref, Content: &content}
}

// InitOptions are the deployment-wide options of InitializeDeployment.
type InitOptions struct {
	// Autonomy is always "off" for adjust: the driver resumes explicitly.
	Autonomy   string `json:"autonomy"`
	ReplaceAll bool   `json:"replace_all"`
}

// InitRequest is the body of InitializeDeployment.
type InitRequest struct {
	Options InitOptions `json:"options"`
	Models  []File      `json:"models"`
	TEDs    []File      `json:"teds"`
}

// Action is a deployment control verb.
type Action string

const (
	ActionResume  Action = "resume"
	ActionAbandon Action = "abandon"
)

// ControlOptions is the body of ControlDeployment.
type ControlOptions struct {
	Force bool `json:"force"`
}

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// Service is the orchestrator surface the adjust driver needs.
//
// Implementations must be safe for concurrent use: the interrupt handler
// issues ControlDeployment while the monitor polls FetchDeploymentState.
type Service interface {
	// FetchEffectiveEnvironment returns the variables currently in effect for app.
	FetchEffectiveEnvironment(ctx context.Context, app string) (Environment, error)

	// FetchDeploymentState returns the rollout state newer than after.
	// An empty after requests the current state unconditionally.
	FetchDeploymentState(ctx context.Context, app string, after Docver) (StateResponse, error)

	// InitializeDeployment stages a new deployment plan for app.
	InitializeDeployment(ctx context.Context, app string, req InitRequest) error

	// ControlDeployment applies action to the staged or running deployment.
	ControlDeployment(ctx context.Context, app string, action Action, opts ControlOptions) error
}
