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
	"os"
	"os/signal"

	"github.com/AleutianAI/skopos-adjust/internal/lifecycle"
)

// notifyInterrupts forwards OS interrupt signals to ch as lifecycle
// interrupts until the returned stop func is called.
func notifyInterrupts(ch chan<- lifecycle.Interrupt) (stop func()) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, interruptSignals...)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-sigs:
				select {
				case ch <- classifySignal(sig):
				case <-done:
					return
				}
			}
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}
