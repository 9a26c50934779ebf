// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

//go:build windows

package main

import (
	"github.com/jessesrsmith/beat-link/app"
	"github.com/jessesrsmith/beat-link/pkg/logger"
)

// setupDebugSignalHandlers is a no-op on Windows: SIGUSR1/SIGUSR2 don't
// exist there. Debug state can still be reached through the /health and
// /ready endpoints or log file analysis.
func setupDebugSignalHandlers(_ *app.App) {
	logger.Debug().Msg("debug signal handlers not available on windows")
}
