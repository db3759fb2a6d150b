// Package main is the entry point for the cog supervisor CLI.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/tempusfrangit/cog/cmd"
	"github.com/tempusfrangit/cog/internal/worker"
)

// Build information injected via ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	versionString := fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
	cmd.SetVersion(versionString)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "cog: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode distinguishes the failure classes for scripting callers:
// 1 for ordinary failures (including a failed or canceled prediction),
// 2 for caller misuse, 3 when the predictor process died.
func exitCode(err error) int {
	switch {
	case errors.Is(err, worker.ErrFatal):
		return 3
	case errors.Is(err, worker.ErrInvalidState), errors.Is(err, worker.ErrPredictionNotFound):
		return 2
	default:
		return 1
	}
}
