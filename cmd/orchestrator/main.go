// SPDX-License-Identifier: Apache-2.0

// Command orchestrator plans goals into gated actions and executes them.
package main

import (
	"context"
	"os"
	"os/signal"
	"slices"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		printError(os.Stderr, err, slices.Contains(os.Args[1:], "--json"))
		stop()
		os.Exit(1)
	}
}
