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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/skopos-adjust/internal/config"
	"github.com/AleutianAI/skopos-adjust/internal/driver"
	"github.com/AleutianAI/skopos-adjust/internal/lifecycle"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// abandonGrace is how long an exiting update waits for an in-flight abandon.
const abandonGrace = 5 * time.Second

// --- Command Flags ---
type rootFlags struct {
	showVersion bool
	showInfo    bool
	queryApp    string
	configPath  string
	logLevel    string
	envFile     string
}

func newRootCommand(s streams) *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:   "adjust [flags] [app]",
		Short: "Drive Skopos deployments on behalf of an optimizer",
		Long: `adjust reports and applies application settings through a Skopos
deployment orchestrator.

With --query it prints the current settings of an application. Given an
application name it reads {"application": {...}} from stdin, deploys the
new settings, streams progress as JSON lines and ends with {"status":"ok"}.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case flags.showVersion:
				_, err := fmt.Fprintln(s.out, version)
				return err
			case flags.showInfo:
				return writeJSON(s.out, InfoResult{Version: version, HasCancel: true})
			case flags.queryApp != "":
				if len(args) > 0 {
					return errors.New("--query takes the application name; no positional argument allowed")
				}
				return runQuery(cmd.Context(), s, flags, flags.queryApp)
			case len(args) == 1:
				return runUpdate(cmd.Context(), s, flags, args[0])
			default:
				return errors.New("an application name, --query <app>, --info or --version is required")
			}
		},
	}

	cmd.Flags().BoolVar(&flags.showVersion, "version", false, "print the driver version")
	cmd.Flags().BoolVar(&flags.showInfo, "info", false, "print driver capabilities as JSON")
	cmd.Flags().StringVar(&flags.queryApp, "query", "", "print current settings of `app`")
	cmd.PersistentFlags().StringVar(&flags.configPath, "config", config.DefaultPath, "descriptor path")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&flags.envFile, "env-file", "", "dotenv file applied under the process environment")
	return cmd
}

// runQuery prints {"application": <settings>} for app.
func runQuery(ctx context.Context, s streams, flags rootFlags, app string) error {
	rt, err := buildRuntime(ctx, s, flags)
	if err != nil {
		return err
	}
	defer rt.Close()

	tree, err := rt.driver.Query(ctx, app)
	if err != nil {
		return err
	}
	return writeJSON(s.out, driver.Payload{Application: &tree})
}

// runUpdate applies the stdin payload to app while listening for interrupts.
func runUpdate(ctx context.Context, s streams, flags rootFlags, app string) error {
	desired, err := driver.ReadPayload(s.in)
	if err != nil {
		return err
	}

	rt, err := buildRuntime(ctx, s, flags)
	if err != nil {
		return err
	}
	defer rt.Close()

	canceller := lifecycle.NewCanceller(rt.client, rt.tracker, lifecycle.CancellerConfig{
		Exit: func(code int) {
			rt.Close()
			s.exit(code)
		},
		Logger:  rt.logger,
		Metrics: rt.metrics,
	})

	interrupts := make(chan lifecycle.Interrupt, 2)
	stopSignals := notifyInterrupts(interrupts)
	defer stopSignals()

	g, gctx := errgroup.WithContext(ctx)
	listenCtx, stopListening := context.WithCancel(gctx)
	g.Go(func() error {
		return canceller.Listen(listenCtx, interrupts)
	})
	g.Go(func() error {
		defer stopListening()
		return rt.driver.Update(gctx, app, desired)
	})
	err = g.Wait()

	if !canceller.Wait(abandonGrace) {
		rt.logger.Warn("abandon request still in flight at exit", "app", app)
	}
	if err != nil {
		return err
	}
	return writeJSON(s.out, StatusResult{Status: "ok"})
}
