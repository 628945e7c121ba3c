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
Package driver implements the two optimizer-facing operations of the adjust
driver: Query reports current setting values, Update applies new ones and
follows the resulting rollout.

# Update Flow

	FetchDeploymentState ──► choose value source ──► ToVariables
	        │                 failed:     catalog ⊕ desired
	        │                 completed:  desired (Query logged)
	        │                 not-ready:  desired (Query logged)
	        ▼
	InitializeDeployment(models, teds + __servo_vars__.yaml)
	        ▼
	ControlDeployment(resume) ──► Tracker.Begin ──► Monitor.Run ──► Tracker.End

Each invocation performs exactly one operation. Nothing is kept between
invocations.
*/
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/skopos-adjust/internal/apperr"
	"github.com/AleutianAI/skopos-adjust/internal/lifecycle"
	"github.com/AleutianAI/skopos-adjust/internal/settings"
	"github.com/AleutianAI/skopos-adjust/internal/skopos"
	"github.com/AleutianAI/skopos-adjust/internal/telemetry"
	"github.com/AleutianAI/skopos-adjust/pkg/logging"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"
)

// VariablesTEDRef names the synthetic TED carrying variable overrides.
const VariablesTEDRef = "__servo_vars__.yaml"

// Config configures a Driver.
type Config struct {
	// Catalog is the settings catalog from the descriptor.
	Catalog settings.SettingsTree

	// Models and TEDs are passed to InitializeDeployment as resolved.
	Models []skopos.File
	TEDs   []skopos.File

	// ReplaceAll is forwarded in the init options.
	ReplaceAll bool

	// PreserveUnspecified builds variables from the current values overlaid
	// with the desired ones when the last rollout succeeded. When false, only
	// the desired settings are sent.
	PreserveUnspecified bool

	// DeployTimeout bounds monitoring of the rollout. Zero means no bound.
	DeployTimeout time.Duration

	// Logger receives diagnostics. Default: discard.
	Logger *logging.Logger

	// Metrics counts operations. May be nil.
	Metrics *telemetry.Metrics
}

// Driver runs Query and Update against one orchestrator.
//
// # Thread Safety
//
// Query is safe for concurrent use. Update runs one session at a time
// through the shared Tracker.
type Driver struct {
	svc     skopos.Service
	tracker *lifecycle.Tracker
	monitor *lifecycle.Monitor
	cfg     Config
	logger  *logging.Logger
}

// New creates a Driver.
//
// # Inputs
//
//   - svc: Orchestrator client
//   - tracker: Session handle shared with the interrupt canceller
//   - monitor: Rollout monitor used by Update
//   - cfg: Catalog, deployment files and options
func New(svc skopos.Service, tracker *lifecycle.Tracker, monitor *lifecycle.Monitor, cfg Config) *Driver {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Driver{
		svc:     svc,
		tracker: tracker,
		monitor: monitor,
		cfg:     cfg,
		logger:  logger,
	}
}

// =============================================================================
// Query
// =============================================================================

// Query returns the catalog with the values currently in effect for app.
//
// # Description
//
// Fetches the effective environment and reflects it onto the catalog.
// Settings the orchestrator does not know yet keep their catalog default
// and are logged as warnings. No session is created.
//
// # Outputs
//
//   - settings.SettingsTree: Same shape as the catalog
//   - error: Remote failures only
func (d *Driver) Query(ctx context.Context, app string) (tree settings.SettingsTree, err error) {
	ctx, span := telemetry.StartSpan(ctx, "driver.Query",
		trace.WithAttributes(attribute.String("skopos.app", app)))
	defer func() { d.finish(ctx, span, "query", err) }()

	env, err := d.svc.FetchEffectiveEnvironment(ctx, app)
	if err != nil {
		return settings.SettingsTree{}, fmt.Errorf("query %q: %w", app, err)
	}

	missing := 0
	tree = settings.FromVariables(settings.VariableMap(env.Vars), d.cfg.Catalog, func(ref settings.Ref) {
		missing++
		d.logger.Warn("setting not present in effective environment, reporting default",
			"app", app,
			"setting", ref.String(),
			"variable", ref.Key())
	})

	d.logger.Info("queried settings",
		"app", app,
		"settings", tree.Len(),
		"missing", missing)
	return tree, nil
}

// =============================================================================
// Update
// =============================================================================

// Update applies desired to app and follows the rollout to its end.
//
// # Description
//
// The value source depends on the current rollout state:
//
//   - failed: catalog defaults overlaid with desired
//   - completed, not-ready: desired alone, or current values overlaid with
//     desired when PreserveUnspecified is set. Current values are always
//     queried and logged.
//   - anything else, or no visible state: ApiError
//
// The variables ride along as an extra TED named VariablesTEDRef. After
// init and resume, a session is registered in the Tracker so interrupts can
// abandon the deployment, and the Monitor runs until a terminal state.
//
// # Outputs
//
//   - error: nil when the rollout completed; *apperr.Error for classified
//     failures; other errors for transport faults
func (d *Driver) Update(ctx context.Context, app string, desired settings.SettingsTree) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "driver.Update",
		trace.WithAttributes(attribute.String("skopos.app", app)))
	defer func() { d.finish(ctx, span, "update", err) }()

	source, err := d.valueSource(ctx, app, desired)
	if err != nil {
		return err
	}

	vars := settings.ToVariables(source)
	ted, err := VariablesTED(vars)
	if err != nil {
		return err
	}

	req := skopos.InitRequest{
		Options: skopos.InitOptions{Autonomy: "off", ReplaceAll: d.cfg.ReplaceAll},
		Models:  append([]skopos.File{}, d.cfg.Models...),
		TEDs:    append(append([]skopos.File{}, d.cfg.TEDs...), ted),
	}
	d.logger.Info("initializing deployment",
		"app", app,
		"variables", len(vars),
		"models", len(req.Models),
		"teds", len(req.TEDs),
		"replace_all", d.cfg.ReplaceAll)
	if err := d.svc.InitializeDeployment(ctx, app, req); err != nil {
		return fmt.Errorf("initialize deployment of %q: %w", app, err)
	}

	session := d.tracker.Begin(app)
	defer d.tracker.End(session)

	if err := d.svc.ControlDeployment(ctx, app, skopos.ActionResume, skopos.ControlOptions{}); err != nil {
		return fmt.Errorf("resume deployment of %q: %w", app, err)
	}
	d.logger.Info("deployment resumed", "app", app, "session", session.ID)

	runCtx := ctx
	if d.cfg.DeployTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d.cfg.DeployTimeout)
		defer cancel()
	}

	err = d.monitor.Run(runCtx, session)
	if err != nil && d.cfg.DeployTimeout > 0 && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return apperr.Wrap(apperr.KindDeploy, err, "deployment of %q did not finish within %s", app, d.cfg.DeployTimeout)
	}
	return err
}

// valueSource picks the tree whose values become the deployment variables.
func (d *Driver) valueSource(ctx context.Context, app string, desired settings.SettingsTree) (settings.SettingsTree, error) {
	resp, err := d.svc.FetchDeploymentState(ctx, app, "")
	if err != nil {
		return settings.SettingsTree{}, fmt.Errorf("fetch deployment state of %q: %w", app, err)
	}
	if resp.Empty() {
		return settings.SettingsTree{}, apperr.API("no deployment state reported for %q", app)
	}

	state := resp.DeployState.State
	d.logger.Debug("current deployment state", "app", app, "state", state, "docver", resp.Docver)

	switch state {
	case skopos.StateFailed:
		d.logger.Info("last deployment failed, starting from catalog defaults", "app", app)
		return settings.Overlay(d.cfg.Catalog, desired), nil

	case skopos.StateCompleted, skopos.StateNotReady:
		current, err := d.Query(ctx, app)
		if err != nil {
			return settings.SettingsTree{}, err
		}
		for _, ref := range current.Refs() {
			d.logger.Debug("current setting", "app", app, "setting", ref.String(), "value", current.Lookup(ref).Value)
		}
		if d.cfg.PreserveUnspecified {
			return settings.Overlay(current, desired), nil
		}
		return desired, nil

	default:
		return settings.SettingsTree{}, apperr.API("cannot update %q while its deployment is in state %q", app, state)
	}
}

func (d *Driver) finish(ctx context.Context, span trace.Span, operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if ae, ok := apperr.As(err); ok {
			outcome = ae.Kind.Name()
		}
		telemetry.RecordError(span, err)
	} else {
		telemetry.SetSpanOK(span)
	}
	d.cfg.Metrics.RecordOperation(ctx, operation, outcome)
	span.End()
}

// =============================================================================
// Synthetic TED
// =============================================================================

type variablesDocument struct {
	Environment struct {
		Variables settings.VariableMap `yaml:"variables"`
	} `yaml:"environment"`
}

// VariablesTED renders vars as the synthetic override TED.
func VariablesTED(vars settings.VariableMap) (skopos.File, error) {
	var doc variablesDocument
	doc.Environment.Variables = vars
	if doc.Environment.Variables == nil {
		doc.Environment.Variables = settings.VariableMap{}
	}
	out, err := yaml.Marshal(&doc)
	if err != nil {
		return skopos.File{}, fmt.Errorf("render %s: %w", VariablesTEDRef, err)
	}
	return skopos.InlineFile(VariablesTEDRef, string(out)), nil
}

// ParseVariablesTED reads the variables back out of a synthetic TED.
func ParseVariablesTED(content string) (settings.VariableMap, error) {
	var doc variablesDocument
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", VariablesTEDRef, err)
	}
	if doc.Environment.Variables == nil {
		return settings.VariableMap{}, nil
	}
	return doc.Environment.Variables, nil
}
