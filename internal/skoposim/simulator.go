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
Package skoposim is an in-memory deployment orchestrator speaking the same
HTTP API as the real one. It backs the driver's integration tests and the
skopos-sim command.

# Rollout Model

	(none) ──init──► ready ──resume──► running ──poll──► ... ──► completed
	                                     │  ▲
	                          progress ≥ │  │ POST /gate
	                           GateAt    ▼  │
	                                   gate-wait
	            any state ──abandon(force)──► failed

Each state poll of a running deployment advances progress by ProgressStep.
Reaching 100 applies the staged variables to the effective environment.
Variables are staged from every TED carrying "environment: {variables: ...}".
*/
package skoposim

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"

	"github.com/AleutianAI/skopos-adjust/internal/skopos"
	"github.com/AleutianAI/skopos-adjust/pkg/logging"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gopkg.in/yaml.v3"
)

// DefaultProgressStep is the progress added per poll of a running rollout.
const DefaultProgressStep = 25

// Config configures a Simulator.
type Config struct {
	// ProgressStep is added to progress on each poll while running.
	ProgressStep float64

	// GateAt pauses the rollout in gate-wait once progress reaches it.
	// Zero disables the gate.
	GateAt float64

	// FailAt fails the rollout once progress reaches it. Zero disables.
	FailAt float64

	// Logger receives request logs. Default: discard.
	Logger *logging.Logger
}

// Simulator holds the per-application deployment state.
//
// # Thread Safety
//
// Safe for concurrent use.
type Simulator struct {
	cfg    Config
	logger *logging.Logger

	mu   sync.Mutex
	apps map[string]*application
}

type application struct {
	env        map[string]string
	staged     map[string]string
	replaceAll bool
	state      skopos.State
	progress   float64
	display    string
	docver     int64
	gatePassed bool
}

// New creates an empty Simulator.
func New(cfg Config) *Simulator {
	if cfg.ProgressStep <= 0 {
		cfg.ProgressStep = DefaultProgressStep
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Simulator{cfg: cfg, logger: logger, apps: map[string]*application{}}
}

// AddApp registers an application with its effective environment.
func (s *Simulator) AddApp(name string, env map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apps[name] = &application{env: copyVars(env)}
}

// SetState forces an application's rollout state, bumping its docver.
func (s *Simulator) SetState(name string, state skopos.State, progress float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if app, ok := s.apps[name]; ok {
		app.transition(state, progress)
	}
}

// Environment returns a copy of the effective environment of name.
func (s *Simulator) Environment(name string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if app, ok := s.apps[name]; ok {
		return copyVars(app.env)
	}
	return nil
}

// State returns the current rollout state of name.
func (s *Simulator) State(name string) skopos.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if app, ok := s.apps[name]; ok {
		return app.state
	}
	return ""
}

// Apps lists the registered applications.
func (s *Simulator) Apps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.apps))
	for name := range s.apps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// HTTP
// =============================================================================

// Handler returns a gin engine serving the orchestrator API.
func (s *Simulator) Handler() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware("skopos-sim"), s.requestLog())
	s.RegisterRoutes(router.Group("/v1"))
	return router
}

// RegisterRoutes mounts the deploy endpoints under group.
func (s *Simulator) RegisterRoutes(group *gin.RouterGroup) {
	deploy := group.Group("/deploy/:app")
	deploy.GET("/environment", s.handleEnvironment)
	deploy.GET("/state", s.handleState)
	deploy.POST("/:action", s.handleAction)
}

// requestLog logs each request after it is served.
func (s *Simulator) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.logger.Debug("simulator request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"request_id", c.GetHeader(skopos.RequestIDHeader))
	}
}

func (s *Simulator) handleEnvironment(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, skopos.Environment{Vars: copyVars(app.env)})
}

func (s *Simulator) handleState(c *gin.Context) {
	var after int64 = -1
	if raw := c.Query("docver"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid docver %q", raw)})
			return
		}
		after = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.lookup(c)
	if !ok {
		return
	}
	if app.state == "" {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	if app.state == skopos.StateRunning {
		s.advance(app)
	}
	if app.docver <= after {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, skopos.StateResponse{
		Docver: skopos.Docver(strconv.FormatInt(app.docver, 10)),
		DeployState: &skopos.DeploymentState{
			State:        app.state,
			Progress:     app.progress,
			DisplayState: app.display,
		},
	})
}

func (s *Simulator) handleAction(c *gin.Context) {
	switch skopos.Action(c.Param("action")) {
	case skopos.ActionResume:
		s.handleResume(c)
	case skopos.ActionAbandon:
		s.handleAbandon(c)
	case "init":
		s.handleInit(c)
	case "gate":
		s.handleGate(c)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown action %q", c.Param("action"))})
	}
}

func (s *Simulator) handleInit(c *gin.Context) {
	var req skopos.InitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid init request: " + err.Error()})
		return
	}
	if len(req.Models) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one model is required"})
		return
	}
	staged := map[string]string{}
	for _, ted := range req.TEDs {
		if ted.Content == nil {
			continue
		}
		vars, err := parseVariables(*ted.Content)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("ted %s: %v", ted.Ref, err)})
			return
		}
		for k, v := range vars {
			staged[k] = v
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.lookup(c)
	if !ok {
		return
	}
	if app.state == skopos.StateRunning || app.state.Blocked() {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("deployment in progress (%s)", app.state)})
		return
	}
	app.staged = staged
	app.replaceAll = req.Options.ReplaceAll
	app.gatePassed = false
	app.display = "plan staged"
	app.transition(skopos.StateReady, 0)
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Simulator) handleResume(c *gin.Context) {
	var opts skopos.ControlOptions
	_ = c.ShouldBindJSON(&opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.lookup(c)
	if !ok {
		return
	}
	if app.state != skopos.StateReady {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("nothing to resume in state %q", app.state)})
		return
	}
	app.display = "rolling out"
	app.transition(skopos.StateRunning, app.progress)
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Simulator) handleAbandon(c *gin.Context) {
	var opts skopos.ControlOptions
	_ = c.ShouldBindJSON(&opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.lookup(c)
	if !ok {
		return
	}
	switch {
	case app.state == "":
		c.JSON(http.StatusConflict, gin.H{"error": "no deployment to abandon"})
		return
	case app.state == skopos.StateRunning && !opts.Force:
		c.JSON(http.StatusConflict, gin.H{"error": "deployment is running; abandon requires force"})
		return
	}
	app.display = "abandoned"
	app.transition(skopos.StateFailed, app.progress)
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Simulator) handleGate(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.lookup(c)
	if !ok {
		return
	}
	if app.state != skopos.StateGateWait {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("no gate is waiting in state %q", app.state)})
		return
	}
	app.gatePassed = true
	app.display = "rolling out"
	app.transition(skopos.StateRunning, app.progress)
	c.JSON(http.StatusOK, gin.H{})
}

// lookup finds the :app of c, answering 404 when unknown. Callers hold mu.
func (s *Simulator) lookup(c *gin.Context) (*application, bool) {
	app, ok := s.apps[c.Param("app")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown application %q", c.Param("app"))})
		return nil, false
	}
	return app, true
}

// advance moves a running rollout forward by one step. Callers hold mu.
func (s *Simulator) advance(app *application) {
	next := app.progress + s.cfg.ProgressStep
	switch {
	case s.cfg.FailAt > 0 && next >= s.cfg.FailAt:
		app.display = "rollout failed"
		app.transition(skopos.StateFailed, s.cfg.FailAt)
	case s.cfg.GateAt > 0 && !app.gatePassed && next >= s.cfg.GateAt:
		app.display = "waiting for approval"
		app.transition(skopos.StateGateWait, s.cfg.GateAt)
	case next >= 100:
		if app.replaceAll {
			app.env = map[string]string{}
		}
		for k, v := range app.staged {
			app.env[k] = v
		}
		app.display = "done"
		app.transition(skopos.StateCompleted, 100)
	default:
		app.transition(skopos.StateRunning, next)
	}
}

func (a *application) transition(state skopos.State, progress float64) {
	a.state = state
	a.progress = progress
	a.docver++
}

type tedDocument struct {
	Environment struct {
		Variables map[string]string `yaml:"variables"`
	} `yaml:"environment"`
}

func parseVariables(content string) (map[string]string, error) {
	var doc tedDocument
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return nil, err
	}
	return doc.Environment.Variables, nil
}

func copyVars(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
