// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Command beatlink is a thin CLI wrapper around the finder and session
// packages: it does not add protocol behavior of its own, only enough
// wiring to make the library runnable as a standalone process.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jessesrsmith/beat-link/app"
	"github.com/jessesrsmith/beat-link/config"
	"github.com/jessesrsmith/beat-link/finder"
	"github.com/jessesrsmith/beat-link/pkg/interfaces"
	"github.com/jessesrsmith/beat-link/pkg/logger"
	"github.com/jessesrsmith/beat-link/session"
)

const (
	discoverSettleTime = 5 * time.Second
	probeWaitTime      = 15 * time.Second
	probePollInterval  = 250 * time.Millisecond
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	var metricsPort string

	root := &cobra.Command{
		Use:   "beatlink",
		Short: "Passive Pro DJ Link device discovery and DBServer session brokering",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to configuration file")
	root.PersistentFlags().StringVar(&metricsPort, "metrics-port", "9090", "port for the Prometheus metrics endpoint")

	root.AddCommand(newRunCommand(&configPath, &metricsPort))
	root.AddCommand(newDiscoverCommand())
	root.AddCommand(newProbeCommand())
	root.AddCommand(newValidateConfigCommand(&configPath))

	return root
}

// newRunCommand starts the long-running daemon: finder, session manager,
// history storage, and the metrics/health/ready HTTP server.
func newRunCommand(configPath, metricsPort *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the finder and session manager as a long-lived process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				logger.Initialize("error")
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			logger.Initialize(cfg.Logging.Level)

			application, err := app.New(cfg, *metricsPort, *configPath)
			if err != nil {
				return fmt.Errorf("failed to create application: %w", err)
			}
			setupDebugSignalHandlers(application)
			application.Run()
			return nil
		},
	}
}

// newDiscoverCommand starts a Finder in isolation, lets it settle, prints the
// live directory, then stops. It never touches DBServer ports.
func newDiscoverCommand() *cobra.Command {
	var settle time.Duration
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Print devices currently broadcasting Pro DJ Link announcements",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.Initialize("info")
			f := finder.New(finder.NewSerialDispatcher(), noOpVirtualCdj{})
			if err := f.Start(); err != nil {
				return fmt.Errorf("failed to start device finder: %w", err)
			}
			defer f.Stop()

			time.Sleep(settle)

			devices, err := f.CurrentDevices()
			if err != nil {
				return fmt.Errorf("failed to read current devices: %w", err)
			}
			if len(devices) == 0 {
				fmt.Println("no devices found")
				return nil
			}
			for _, d := range devices {
				fmt.Printf("%3d  %-16s  %-16s  %s\n", d.Number, d.Name, d.Address, d.MAC)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&settle, "settle", discoverSettleTime, "how long to listen before printing results")
	return cmd
}

// newProbeCommand starts a Finder and session Manager together, waits for a
// specific device number to appear, and prints its discovered DBServer port.
func newProbeCommand() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "probe <device-number>",
		Short: "Discover the DBServer TCP port advertised by a single device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deviceNumber, err := parseDeviceNumber(args[0])
			if err != nil {
				return err
			}

			logger.Initialize("info")
			vcdj := noOpVirtualCdj{}
			f := finder.New(finder.NewSerialDispatcher(), vcdj)
			if err := f.Start(); err != nil {
				return fmt.Errorf("failed to start device finder: %w", err)
			}
			defer f.Stop()

			mgr := session.New(vcdj, nil)
			if err := mgr.Start(f); err != nil {
				return fmt.Errorf("failed to start session manager: %w", err)
			}
			defer mgr.Stop()

			ctx, cancel := context.WithTimeout(context.Background(), wait)
			defer cancel()

			for {
				if port, err := mgr.DBServerPortFor(deviceNumber); err == nil && port >= 0 {
					fmt.Printf("device %d: dbserver port %d\n", deviceNumber, port)
					return nil
				}
				select {
				case <-ctx.Done():
					return fmt.Errorf("timed out waiting for device %d's dbserver port", deviceNumber)
				case <-time.After(probePollInterval):
				}
			}
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", probeWaitTime, "how long to wait for the device to be probed")
	return cmd
}

// newValidateConfigCommand validates a configuration file against the
// schema and the struct-tag/business-rule checks, without starting anything.
func newValidateConfigCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Validate a configuration file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.ValidateWithSchema(*configPath); err != nil {
				return fmt.Errorf("schema validation failed: %w", err)
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("configuration validation failed: %w", err)
			}
			fmt.Println("configuration is valid")
			fmt.Printf("  discovery.max_age: %s\n", cfg.Discovery.MaxAge)
			fmt.Printf("  dbserver.socket_timeout: %s\n", cfg.DBServer.SocketTimeout)
			fmt.Printf("  dbserver.source_device_number: %d\n", cfg.DBServer.SourceDeviceNumber)
			fmt.Printf("  logging.level: %s\n", cfg.Logging.Level)
			return nil
		},
	}
}

func parseDeviceNumber(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid device number %q: %w", s, err)
	}
	if n < 1 || n > 127 {
		return 0, fmt.Errorf("device number %d out of range 1-127", n)
	}
	return n, nil
}

// noOpVirtualCdj is a minimal interfaces.VirtualCdj for CLI subcommands that
// only observe the network passively and never need to impersonate a CDJ.
type noOpVirtualCdj struct{}

func (noOpVirtualCdj) IsActive() bool       { return false }
func (noOpVirtualCdj) LocalAddress() net.IP { return nil }
func (noOpVirtualCdj) DeviceNumber() int    { return 5 }
func (noOpVirtualCdj) LatestStatusFor(int) (interfaces.Status, bool) {
	return interfaces.Status{}, false
}
