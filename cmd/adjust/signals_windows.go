// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build windows

package main

import (
	"os"
	"syscall"

	"github.com/AleutianAI/skopos-adjust/internal/lifecycle"
)

// Windows has no SIGUSR1, so only hard interrupts exist.
var interruptSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

func classifySignal(os.Signal) lifecycle.Interrupt {
	return lifecycle.InterruptHard
}
