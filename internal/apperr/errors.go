// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package apperr defines the classified failures the adjust driver reports
// to the optimizer.
//
// Three kinds exist. Anything that is not an *Error is an unclassified fault
// and is not reported in the structured format.
//
//	┌────────────┬─────────┬──────────────────────────────────────────────┐
//	│ Kind       │ Class   │ Raised when                                  │
//	├────────────┼─────────┼──────────────────────────────────────────────┤
//	│ KindConfig │ config  │ descriptor or input payload unreadable/bad   │
//	│ KindAPI    │ failure │ orchestrator 4xx, or unexpected rollout state│
//	│ KindDeploy │ failure │ rollout reached "failed" or timed out        │
//	└────────────┴─────────┴──────────────────────────────────────────────┘
package apperr

import (
	"errors"
	"fmt"
)

// Kind tags an Error so callers can switch on it exhaustively.
type Kind int

const (
	// KindConfig marks descriptor or input problems.
	KindConfig Kind = iota + 1

	// KindAPI marks application-level orchestrator errors and protocol violations.
	KindAPI

	// KindDeploy marks a rollout that ended unsuccessfully.
	KindDeploy
)

// Name returns the error kind as reported to the optimizer.
func (k Kind) Name() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindAPI:
		return "ApiError"
	case KindDeploy:
		return "DeployError"
	default:
		return "UnknownError"
	}
}

// Class returns "config" for configuration problems and "failure" for
// everything else.
func (k Kind) Class() string {
	if k == KindConfig {
		return "config"
	}
	return "failure"
}

// Error is a classified failure.
//
// # Description
//
// Carries a Kind, a human message, and an optional cause. Implements
// error and supports errors.Is/As through Unwrap.
//
// # Example
//
//	err := apperr.Deploy("deployment of %q failed", app)
//	var ae *apperr.Error
//	if errors.As(err, &ae) && ae.Kind == apperr.KindDeploy {
//	    // report as DeployError
//	}
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Message is the human-readable description.
	Message string

	// Err is the underlying cause (may be nil).
	Err error
}

// Error returns the message, followed by the cause when present.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

var _ error = (*Error)(nil)

// Config creates a KindConfig error.
func Config(format string, args ...any) *Error {
	return &Error{Kind: KindConfig, Message: fmt.Sprintf(format, args...)}
}

// API creates a KindAPI error.
func API(format string, args ...any) *Error {
	return &Error{Kind: KindAPI, Message: fmt.Sprintf(format, args...)}
}

// Deploy creates a KindDeploy error.
func Deploy(format string, args ...any) *Error {
	return &Error{Kind: KindDeploy, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under kind with a message. Returns nil for a nil cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// IsKind reports whether err's chain holds an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	ae, ok := As(err)
	return ok && ae.Kind == kind
}
