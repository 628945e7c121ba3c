// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command skopos-sim serves an in-memory Skopos orchestrator for local
// testing of the adjust driver.
//
// Usage:
//
//	go run ./cmd/skopos-sim -app shop
//	go run ./cmd/skopos-sim -port 8100 -app shop -gate-at 50 -env web_replicas=3
//
// Example requests:
//
//	# Effective environment
//	curl http://localhost:8100/v1/deploy/shop/environment
//
//	# Release a gate-wait rollout
//	curl -X POST http://localhost:8100/v1/deploy/shop/gate
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/AleutianAI/skopos-adjust/internal/skopos"
	"github.com/AleutianAI/skopos-adjust/internal/skoposim"
	"github.com/AleutianAI/skopos-adjust/pkg/logging"
	"github.com/gin-gonic/gin"
)

// envFlags collects repeated -env key=value pairs.
type envFlags map[string]string

func (e envFlags) String() string { return fmt.Sprint(map[string]string(e)) }

func (e envFlags) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", v)
	}
	e[key] = value
	return nil
}

func main() {
	env := envFlags{}
	port := flag.Int("port", 8100, "Port to listen on")
	debug := flag.Bool("debug", false, "Enable debug mode")
	app := flag.String("app", "app", "Application to register")
	step := flag.Float64("step", skoposim.DefaultProgressStep, "Progress added per state poll while running")
	gateAt := flag.Float64("gate-at", 0, "Stop in gate-wait at this progress (0 disables)")
	failAt := flag.Float64("fail-at", 0, "Fail the rollout at this progress (0 disables)")
	flag.Var(env, "env", "Initial effective variable `key=value` (repeatable)")
	flag.Parse()

	level := logging.LevelInfo
	if *debug {
		gin.SetMode(gin.DebugMode)
		level = logging.LevelDebug
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := logging.New(logging.Config{Level: level, Service: "skopos-sim"})
	defer logger.Close()

	sim := skoposim.New(skoposim.Config{
		ProgressStep: *step,
		GateAt:       *gateAt,
		FailAt:       *failAt,
		Logger:       logger,
	})
	sim.AddApp(*app, env)
	sim.SetState(*app, skopos.StateCompleted, 100)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           sim.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info("shutting down simulator")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}()

	logger.Info("skopos simulator listening",
		"addr", server.Addr,
		"app", *app,
		"gate_at", *gateAt,
		"fail_at", *failAt)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("simulator failed", "error", err)
		_ = logger.Close()
		os.Exit(1)
	}
}
