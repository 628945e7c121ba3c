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
	"encoding/json"
	"fmt"
	"io"

	"github.com/AleutianAI/skopos-adjust/internal/apperr"
)

// Exit codes understood by the optimizer.
const (
	ExitSuccess    = 0 // Operation completed
	ExitFault      = 1 // Unclassified fault or interrupt with nothing in flight
	ExitClassified = 3 // ConfigError, ApiError or DeployError, reported on stdout
)

// InfoResult is the --info response.
type InfoResult struct {
	Version   string `json:"version"`
	HasCancel bool   `json:"has_cancel"`
}

// StatusResult ends a successful update.
type StatusResult struct {
	Status string `json:"status"`
}

// ErrorReport is the structured form of a classified error.
type ErrorReport struct {
	Error   string `json:"error"`
	Class   string `json:"class"`
	Message string `json:"message"`
}

// writeJSON writes v as a single line.
func writeJSON(w io.Writer, v any) error {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

// reportError prints err in the form its class requires and returns the
// exit code.
//
// # Description
//
// Classified errors become one ErrorReport line on stdout (exit 3). Anything
// else is printed to stderr only (exit 1).
//
// # Inputs
//
//   - stdout: The optimizer protocol channel
//   - stderr: Human diagnostics
//   - err: The operation's error; nil means success
//
// # Outputs
//
//   - int: Process exit code
func reportError(stdout, stderr io.Writer, err error) int {
	if err == nil {
		return ExitSuccess
	}
	if ae, ok := apperr.As(err); ok {
		report := ErrorReport{
			Error:   ae.Kind.Name(),
			Class:   ae.Kind.Class(),
			Message: err.Error(),
		}
		if werr := writeJSON(stdout, report); werr != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return ExitClassified
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return ExitFault
}
