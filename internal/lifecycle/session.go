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
Package lifecycle follows a deployment from resume to a terminal outcome and
lets an interrupt abandon it on the way.

# Components

  - Session: one in-flight deployment (application, id, cursor)
  - Tracker: holds the at-most-one active Session; shared by reference
  - Monitor: polls the orchestrator and turns observations into Events
  - Canceller: maps interrupts to a forced abandon, or exit when idle

The Monitor and the Canceller never talk to each other directly. They meet
only at the Tracker:

	 Driver.Update ──Begin──► Tracker ◄──Active── Canceller ◄── signals
	      │                      ▲
	      └──► Monitor.Run ──────┘ (cursor updates)
*/
package lifecycle

import (
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/skopos-adjust/internal/skopos"
	"github.com/google/uuid"
)

// Session is one in-flight deployment being monitored.
type Session struct {
	// ID identifies the session in logs.
	ID string

	// App is the application under deployment.
	App string

	mu     sync.Mutex
	cursor skopos.Docver
}

// Cursor returns the last docver adopted by the monitor.
func (s *Session) Cursor() skopos.Docver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Session) setCursor(d skopos.Docver) {
	s.mu.Lock()
	s.cursor = d
	s.mu.Unlock()
}

// Tracker holds the active session, if any.
//
// # Thread Safety
//
// All methods are safe for concurrent use. The zero value is ready to use.
type Tracker struct {
	active atomic.Pointer[Session]
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Begin starts a session for app, replacing any previous one.
func (t *Tracker) Begin(app string) *Session {
	s := &Session{ID: uuid.NewString(), App: app}
	t.active.Store(s)
	return s
}

// End clears s if it is still the active session.
func (t *Tracker) End(s *Session) {
	t.active.CompareAndSwap(s, nil)
}

// Active returns the current session or nil.
func (t *Tracker) Active() *Session {
	return t.active.Load()
}
