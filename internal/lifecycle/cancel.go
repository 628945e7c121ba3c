// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/skopos-adjust/internal/skopos"
	"github.com/AleutianAI/skopos-adjust/internal/telemetry"
	"github.com/AleutianAI/skopos-adjust/pkg/logging"
)

// ExitInterrupted is the status used when an interrupt arrives with nothing
// to abandon.
const ExitInterrupted = 1

// DefaultAbandonTimeout bounds the abandon request.
const DefaultAbandonTimeout = 30 * time.Second

// Interrupt is the kind of external interrupt received.
type Interrupt int

const (
	// InterruptHard is a termination request (SIGTERM, SIGINT).
	InterruptHard Interrupt = iota + 1

	// InterruptSoft is a user signal (SIGUSR1). Handled like InterruptHard.
	InterruptSoft
)

// String returns "hard" or "soft".
func (i Interrupt) String() string {
	switch i {
	case InterruptHard:
		return "hard"
	case InterruptSoft:
		return "soft"
	default:
		return "unknown"
	}
}

// CancellerConfig configures a Canceller.
type CancellerConfig struct {
	// Exit terminates the process. Default: os.Exit.
	Exit func(code int)

	// AbandonTimeout bounds the abandon request. Default: 30s.
	AbandonTimeout time.Duration

	// Logger receives diagnostics. Default: discard.
	Logger *logging.Logger

	// Metrics counts interrupts. May be nil.
	Metrics *telemetry.Metrics
}

// Canceller turns interrupts into a forced abandon of the active deployment.
//
// # Description
//
// With a session active, the first interrupt issues
// ControlDeployment(abandon, force) on its own goroutine and returns at
// once; the monitor keeps polling and reports the outcome. A later
// interrupt, or any interrupt with no session, calls Exit(1).
//
// The abandon request runs on a context detached from the operation, so it
// is sent even while the operation's context is being torn down.
//
// # Limitations
//
// Abandon is best effort. Nothing guarantees the remote deployment ends in
// a known configuration.
//
// # Thread Safety
//
// Safe for concurrent use.
type Canceller struct {
	svc       skopos.Service
	tracker   *Tracker
	exit      func(int)
	timeout   time.Duration
	logger    *logging.Logger
	metrics   *telemetry.Metrics
	abandoned atomic.Bool
	inflight  sync.WaitGroup
}

// NewCanceller creates a Canceller acting on the session held by tracker.
func NewCanceller(svc skopos.Service, tracker *Tracker, cfg CancellerConfig) *Canceller {
	c := &Canceller{
		svc:     svc,
		tracker: tracker,
		exit:    cfg.Exit,
		timeout: cfg.AbandonTimeout,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	if c.exit == nil {
		c.exit = os.Exit
	}
	if c.timeout <= 0 {
		c.timeout = DefaultAbandonTimeout
	}
	if c.logger == nil {
		c.logger = logging.Discard()
	}
	return c
}

// Handle reacts to one interrupt. It never blocks on the network.
func (c *Canceller) Handle(kind Interrupt) {
	ctx := context.Background()
	session := c.tracker.Active()

	if session == nil {
		c.logger.Warn("interrupted with no deployment in flight, exiting", "interrupt", kind.String())
		c.metrics.RecordInterrupt(ctx, kind.String(), "exit")
		c.exit(ExitInterrupted)
		return
	}

	if !c.abandoned.CompareAndSwap(false, true) {
		c.logger.Warn("interrupted again after abandon, exiting",
			"interrupt", kind.String(),
			"app", session.App)
		c.metrics.RecordInterrupt(ctx, kind.String(), "exit")
		c.exit(ExitInterrupted)
		return
	}

	c.logger.Warn("interrupted, abandoning deployment",
		"interrupt", kind.String(),
		"app", session.App,
		"session", session.ID,
		"docver", session.Cursor())
	c.metrics.RecordInterrupt(ctx, kind.String(), "abandon")

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		reqCtx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		err := c.svc.ControlDeployment(reqCtx, session.App, skopos.ActionAbandon, skopos.ControlOptions{Force: true})
		if err != nil {
			c.logger.Error("abandon request failed", "app", session.App, "error", err)
			return
		}
		c.logger.Info("abandon request accepted", "app", session.App)
	}()
}

// Listen handles interrupts from ch until ctx is done or ch is closed.
func (c *Canceller) Listen(ctx context.Context, ch <-chan Interrupt) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case kind, ok := <-ch:
			if !ok {
				return nil
			}
			c.Handle(kind)
		}
	}
}

// Wait blocks until in-flight abandon requests finish or timeout elapses.
// It reports whether they finished.
func (c *Canceller) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
