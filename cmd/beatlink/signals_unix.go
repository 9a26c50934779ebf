// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/jessesrsmith/beat-link/app"
)

// setupDebugSignalHandlers sets up debug signal handlers.
// SIGUSR1: dump current application state (known devices, dbserver ports).
// SIGUSR2: dump goroutine stack traces.
//
// Usage:
//
//	kill -USR1 <pid>
//	kill -USR2 <pid>
func setupDebugSignalHandlers(application *app.App) {
	debugSigChan := make(chan os.Signal, 2)
	signal.Notify(debugSigChan, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for sig := range debugSigChan {
			switch sig {
			case syscall.SIGUSR1:
				application.DumpApplicationState()
			case syscall.SIGUSR2:
				app.DumpGoroutineStackTraces()
			}
		}
	}()
}
