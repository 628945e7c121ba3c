// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command adjust lets an optimizer read and apply application settings
// through a Skopos deployment orchestrator.
//
// Usage:
//
//	adjust --version
//	adjust --info
//	adjust --query <app>
//	adjust <app> < settings.json
//
// stdout carries only the optimizer protocol (JSON lines). Logs go to stderr.
package main

import (
	"context"
	"io"
	"os"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// streams are the process's standard streams plus its exit hook.
type streams struct {
	in   io.Reader
	out  io.Writer
	err  io.Writer
	exit func(int)
}

func main() {
	s := streams{in: os.Stdin, out: os.Stdout, err: os.Stderr, exit: os.Exit}
	os.Exit(run(context.Background(), os.Args[1:], s))
}

// run executes the CLI and returns the exit code.
func run(ctx context.Context, args []string, s streams) int {
	cmd := newRootCommand(s)
	cmd.SetArgs(args)
	cmd.SetIn(s.in)
	cmd.SetOut(s.out)
	cmd.SetErr(s.err)
	return reportError(s.out, s.err, cmd.ExecuteContext(ctx))
}
