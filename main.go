package main

import (
	"context"
	"os"

	"github.com/paularlott/cli"
	"github.com/paularlott/cli/env"

	"github.com/martinsuchenak/sweepd/cmd/scan"
	"github.com/martinsuchenak/sweepd/cmd/scans"
	"github.com/martinsuchenak/sweepd/cmd/server"
	"github.com/martinsuchenak/sweepd/internal/log"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Load .env file if it exists
	env.Load()

	// Initialize structured logging
	log.Configure("info", "console", nil)

	rootCmd := &cli.Command{
		Name:        "sweepd",
		Version:     version,
		Usage:       "IP liveness scanner with IPAM reconciliation",
		Description: "Probes IPv4 addresses and ranges with fping and reconciles the results into a NetBox-style IPAM, with an HTTP API, MCP server, and scheduled auto scans",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:         "log-level",
				Usage:        "Log level (trace, debug, info, warn, error)",
				DefaultValue: "info",
				EnvVars:      []string{"SWEEPD_LOG_LEVEL"},
				Global:       true,
			},
			&cli.StringFlag{
				Name:         "log-format",
				Usage:        "Log format (console, json)",
				DefaultValue: "console",
				EnvVars:      []string{"SWEEPD_LOG_FORMAT"},
				Global:       true,
			},
		},
		PreRun: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			logLevel := cmd.GetString("log-level")
			logFormat := cmd.GetString("log-format")
			log.Configure(logLevel, logFormat, nil)
			return ctx, nil
		},
		Commands: []*cli.Command{
			server.Command(),
			{
				Name:        "scan",
				Usage:       "Run a scan in the foreground",
				Description: "Run a scan synchronously and print the reconcile summary",
				Commands:    scan.Commands(),
			},
			{
				Name:        "scans",
				Usage:       "Query the scan journal",
				Description: "List and inspect scans recorded in the local journal",
				Commands:    scans.Commands(),
			},
		},
	}

	if err := rootCmd.Execute(context.Background()); err != nil {
		log.Error("Command execution failed", "error", err)
		os.Exit(1)
	}
}
