// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build !windows

package main

import (
	"os"
	"syscall"

	"github.com/AleutianAI/skopos-adjust/internal/lifecycle"
)

var interruptSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1}

func classifySignal(sig os.Signal) lifecycle.Interrupt {
	if sig == syscall.SIGUSR1 {
		return lifecycle.InterruptSoft
	}
	return lifecycle.InterruptHard
}
