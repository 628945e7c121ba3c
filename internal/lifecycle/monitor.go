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
	"fmt"
	"time"

	"github.com/AleutianAI/skopos-adjust/internal/apperr"
	"github.com/AleutianAI/skopos-adjust/internal/skopos"
	"github.com/AleutianAI/skopos-adjust/internal/telemetry"
	"github.com/AleutianAI/skopos-adjust/pkg/logging"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// DefaultPollInterval is the minimum spacing between state polls.
const DefaultPollInterval = time.Second

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	// PollInterval is the minimum spacing between polls. Zero or negative
	// polls as fast as the round trip allows.
	PollInterval time.Duration

	// Logger receives diagnostics. Default: discard.
	Logger *logging.Logger

	// Metrics records polls and events. May be nil.
	Metrics *telemetry.Metrics
}

// Monitor drives the rollout state machine until a terminal outcome.
//
// # Description
//
// Run polls FetchDeploymentState, adopting each non-empty response's docver
// as the cursor for the next poll, and dispatches on the observed state:
//
//	┌──────────────────────────────┬──────────────────────────────────────────┐
//	│ State                        │ Action                                   │
//	├──────────────────────────────┼──────────────────────────────────────────┤
//	│ completed, not-ready         │ return nil                               │
//	│ failed                       │ return DeployError                       │
//	│ gate-wait, error-wait, paused│ warning event, re-poll same cursor       │
//	│ ready                        │ one warning per session, then ApiError   │
//	│ running                      │ progress event, re-poll latest cursor    │
//	│ anything else                │ return ApiError                          │
//	└──────────────────────────────┴──────────────────────────────────────────┘
//
// An empty response before any state was seen repeats the cursorless poll.
// An empty response afterwards re-dispatches the held state.
//
// # Limitations
//
// There is no iteration cap. Bound Run with a context deadline.
//
// # Thread Safety
//
// A Monitor may be reused across sessions but Run is not reentrant.
type Monitor struct {
	svc     skopos.Service
	sink    EventSink
	limiter *rate.Limiter
	logger  *logging.Logger
	metrics *telemetry.Metrics
}

// NewMonitor creates a Monitor polling svc and emitting to sink.
func NewMonitor(svc skopos.Service, sink EventSink, cfg MonitorConfig) *Monitor {
	limit := rate.Inf
	if cfg.PollInterval > 0 {
		limit = rate.Every(cfg.PollInterval)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Monitor{
		svc:     svc,
		sink:    sink,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
		metrics: cfg.Metrics,
	}
}

// Run polls the deployment of session.App until it reaches a terminal state.
//
// # Inputs
//
//   - ctx: Cancellation and deadline; checked before every poll
//   - session: The active session; its cursor is updated as polls progress
//
// # Outputs
//
//   - error: nil on completed/not-ready, *apperr.Error for failed or
//     unexpected states, otherwise the transport or context error
func (m *Monitor) Run(ctx context.Context, session *Session) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "lifecycle.Monitor.Run",
		trace.WithAttributes(
			attribute.String("skopos.app", session.App),
			attribute.String("session.id", session.ID),
		))
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.SetSpanOK(span)
		}
		span.End()
	}()

	logger := m.logger.With("app", session.App, "session", session.ID)

	var (
		held      *skopos.DeploymentState
		cursor    skopos.Docver
		readySeen bool
		polls     int
	)

	for {
		if err := m.limiter.Wait(ctx); err != nil {
			if ctx.Err() == nil {
				// The limiter refuses waits that would overrun the deadline.
				<-ctx.Done()
			}
			return fmt.Errorf("monitor %q after %d polls: %w", session.App, polls, ctx.Err())
		}
		polls++

		resp, err := m.svc.FetchDeploymentState(ctx, session.App, cursor)
		if err != nil {
			return fmt.Errorf("poll deployment state of %q: %w", session.App, err)
		}

		fresh := !resp.Empty()
		if fresh {
			cursor = resp.Docver
			session.setCursor(cursor)
			held = resp.DeployState
		} else if held == nil {
			m.metrics.RecordPoll(ctx, "empty")
			logger.Debug("no deployment state visible yet")
			continue
		}

		state := *held
		m.metrics.RecordPoll(ctx, string(state.State))
		logger.Debug("deployment state",
			"state", state.State,
			"progress", state.Progress,
			"docver", cursor,
			"fresh", fresh)

		switch {
		case state.State == skopos.StateCompleted || state.State == skopos.StateNotReady:
			logger.Info("deployment finished", "state", state.State, "polls", polls)
			return nil

		case state.State == skopos.StateFailed:
			return apperr.Deploy("deployment of %q failed", session.App)

		case state.State.Blocked():
			msg := fmt.Sprintf("deployment of %q is blocked in state %q, waiting for external action", session.App, state.State)
			if state.DisplayState != "" {
				msg += ": " + state.DisplayState
			}
			logger.Warn("deployment blocked", "state", state.State)
			if err := m.emit(ctx, "blocked", Warning(state.Progress, msg)); err != nil {
				return err
			}

		case state.State == skopos.StateReady:
			if !fresh {
				continue
			}
			if readySeen {
				return apperr.API("deployment of %q reported state %q again after resume", session.App, state.State)
			}
			readySeen = true
			logger.Warn("deployment is ready but not started", "docver", cursor)
			msg := fmt.Sprintf("deployment of %q reported state %q after resume; continuing to poll", session.App, state.State)
			if err := m.emit(ctx, "ready", Warning(state.Progress, msg)); err != nil {
				return err
			}

		case state.State == skopos.StateRunning:
			if err := m.emit(ctx, "progress", Event{Progress: state.Progress, Stage: state.DisplayState}); err != nil {
				return err
			}

		default:
			return apperr.API("deployment of %q is in unexpected state %q", session.App, state.State)
		}
	}
}

func (m *Monitor) emit(ctx context.Context, kind string, e Event) error {
	m.metrics.RecordEvent(ctx, kind)
	return m.sink.Emit(e)
}
