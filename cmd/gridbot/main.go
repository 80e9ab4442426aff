// gridbot is the CLI for the grid trading service: bot lifecycle
// management, a foreground engine loop, and backtesting.
package main

import (
	"errors"
	"fmt"
	"os"

	"gridtrader/internal/config"
	apperrors "gridtrader/pkg/errors"
)

const (
	exitOK         = 0
	exitError      = 1
	exitValidation = 2
	exitNotFound   = 3
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
	os.Exit(exitOK)
}

func exitCode(err error) int {
	var cfgErr config.ValidationError
	switch {
	case apperrors.IsValidation(err), errors.As(err, &cfgErr):
		return exitValidation
	case errors.Is(err, apperrors.ErrBotNotFound), errors.Is(err, apperrors.ErrNotFound):
		return exitNotFound
	default:
		return exitError
	}
}
