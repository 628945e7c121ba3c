// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package skopostest provides a scripted in-memory skopos.Service for tests.
package skopostest

import (
	"context"
	"sync"

	"github.com/AleutianAI/skopos-adjust/internal/skopos"
)

// InitCall records one InitializeDeployment call.
type InitCall struct {
	App     string
	Request skopos.InitRequest
}

// ControlCall records one ControlDeployment call.
type ControlCall struct {
	App     string
	Action  skopos.Action
	Options skopos.ControlOptions
}

// Fake is a scripted skopos.Service.
//
// FetchDeploymentState returns Script entries in order, then empty
// responses. StateFunc, when set, replaces the script entirely.
//
// # Thread Safety
//
// Safe for concurrent use. Configure fields before sharing the Fake.
type Fake struct {
	Env    skopos.Environment
	EnvErr error

	Script    []skopos.StateResponse
	StateErr  error
	StateFunc func(ctx context.Context, call int, after skopos.Docver) (skopos.StateResponse, error)

	InitErr    error
	ControlErr error

	// OnControl runs after a control call is recorded.
	OnControl func(ControlCall)

	mu         sync.Mutex
	envCalls   int
	stateCalls []skopos.Docver
	inits      []InitCall
	controls   []ControlCall
}

var _ skopos.Service = (*Fake)(nil)

// FetchEffectiveEnvironment implements skopos.Service.
func (f *Fake) FetchEffectiveEnvironment(ctx context.Context, app string) (skopos.Environment, error) {
	f.mu.Lock()
	f.envCalls++
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return skopos.Environment{}, err
	}
	if f.EnvErr != nil {
		return skopos.Environment{}, f.EnvErr
	}
	vars := make(map[string]string, len(f.Env.Vars))
	for k, v := range f.Env.Vars {
		vars[k] = v
	}
	return skopos.Environment{Vars: vars}, nil
}

// FetchDeploymentState implements skopos.Service.
func (f *Fake) FetchDeploymentState(ctx context.Context, app string, after skopos.Docver) (skopos.StateResponse, error) {
	f.mu.Lock()
	f.stateCalls = append(f.stateCalls, after)
	call := len(f.stateCalls)
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return skopos.StateResponse{}, err
	}
	if f.StateFunc != nil {
		return f.StateFunc(ctx, call, after)
	}
	if f.StateErr != nil {
		return skopos.StateResponse{}, f.StateErr
	}
	if call <= len(f.Script) {
		return f.Script[call-1], nil
	}
	return skopos.StateResponse{}, nil
}

// InitializeDeployment implements skopos.Service.
func (f *Fake) InitializeDeployment(ctx context.Context, app string, req skopos.InitRequest) error {
	f.mu.Lock()
	f.inits = append(f.inits, InitCall{App: app, Request: req})
	f.mu.Unlock()
	return f.InitErr
}

// ControlDeployment implements skopos.Service.
func (f *Fake) ControlDeployment(ctx context.Context, app string, action skopos.Action, opts skopos.ControlOptions) error {
	call := ControlCall{App: app, Action: action, Options: opts}
	f.mu.Lock()
	f.controls = append(f.controls, call)
	f.mu.Unlock()
	if f.OnControl != nil {
		f.OnControl(call)
	}
	return f.ControlErr
}

// StateCursors returns the cursor passed to each state poll, in order.
func (f *Fake) StateCursors() []skopos.Docver {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]skopos.Docver(nil), f.stateCalls...)
}

// EnvCalls returns how many times the environment was fetched.
func (f *Fake) EnvCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.envCalls
}

// Inits returns the recorded InitializeDeployment calls.
func (f *Fake) Inits() []InitCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]InitCall(nil), f.inits...)
}

// Controls returns the recorded ControlDeployment calls.
func (f *Fake) Controls() []ControlCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ControlCall(nil), f.controls...)
}

// State builds a non-empty state response.
func State(docver skopos.Docver, state skopos.State, progress float64) skopos.StateResponse {
	return skopos.StateResponse{
		Docver:      docver,
		DeployState: &skopos.DeploymentState{State: state, Progress: progress},
	}
}

// Empty is the "nothing newer" response.
func Empty() skopos.StateResponse {
	return skopos.StateResponse{}
}
