package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/paularlott/cli"

	"github.com/martinsuchenak/sweepd/internal/api"
	"github.com/martinsuchenak/sweepd/internal/config"
	"github.com/martinsuchenak/sweepd/internal/dispatch"
	"github.com/martinsuchenak/sweepd/internal/ipam"
	"github.com/martinsuchenak/sweepd/internal/log"
	"github.com/martinsuchenak/sweepd/internal/mcp"
	"github.com/martinsuchenak/sweepd/internal/model"
	"github.com/martinsuchenak/sweepd/internal/probe"
	"github.com/martinsuchenak/sweepd/internal/reconcile"
	"github.com/martinsuchenak/sweepd/internal/storage"
	"github.com/martinsuchenak/sweepd/internal/worker"
)

// ServerConfig holds everything needed to run the server
type ServerConfig struct {
	Config     *config.Config
	Journal    storage.Journal
	Dispatcher *dispatch.Dispatcher
	Scheduler  *worker.Scheduler
	MCPServer  *mcp.Server
	APIHandler *api.Handler
}

// RunServer starts the sweepd server with the given configuration
func RunServer(cfg *ServerConfig) error {
	mux := http.NewServeMux()
	cfg.APIHandler.RegisterRoutes(mux)
	mux.HandleFunc("/mcp", cfg.MCPServer.GetHTTPHandler())

	var handler http.Handler = mux
	handler = api.AuthMiddleware(cfg.Config.APIKey, cfg.Config.AllowedSource, handler)
	handler = api.SecurityHeadersMiddleware(handler)

	server := &http.Server{
		Addr:    cfg.Config.ListenAddr,
		Handler: handler,
	}

	cfg.Dispatcher.Start()
	defer cfg.Dispatcher.Stop()

	if cfg.Scheduler != nil {
		cfg.Scheduler.Start()
		defer cfg.Scheduler.Stop()
		log.Info("Auto-scan scheduler started", "cron", cfg.Config.AutoScanCron)
	}

	// Handle shutdown gracefully
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		log.Info("Shutting down server...")
		server.Close()
	}()

	log.Info("Starting sweepd server", "addr", cfg.Config.ListenAddr)
	log.Info("API available", "url", "http://localhost"+cfg.Config.ListenAddr+"/api/")
	log.Info("MCP available", "url", "http://localhost"+cfg.Config.ListenAddr+"/mcp")
	if cfg.Config.IsAPIAuthEnabled() {
		log.Info("API authentication enabled")
	}
	if cfg.Config.AllowedSource != "" {
		log.Info("API source allow-list enabled", "source", cfg.Config.AllowedSource)
	}
	cfg.MCPServer.LogStartup()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("Server error", "error", err)
		return err
	}

	log.Info("Server stopped")
	return nil
}

// Build assembles the scan pipeline from configuration. The journal and
// dispatcher come back separately so callers can run scans without the
// HTTP server.
func Build(cfg *config.Config) (*ServerConfig, error) {
	journal, err := storage.NewSQLiteJournal(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	store := ipam.NewClient(ipam.Options{
		BaseURL:       cfg.IPAMURL,
		Token:         cfg.IPAMToken,
		AutoScanField: cfg.AutoScanField,
		Timeout:       cfg.IPAMTimeout,
		Retries:       cfg.IPAMRetries,
		RateLimit:     float64(cfg.IPAMRateLimit),
	})

	prober := probe.NewFpingProber(cfg.FpingBinary, cfg.BatchSize, cfg.MaxConcurrent, cfg.ProbeTimeout, cfg.ProbeRetries)
	enricher := probe.NewEnricher(cfg.SNMPCommunity, cfg.EnrichTimeout)

	reconciler := reconcile.New(store, reconcile.Config{
		ProvenanceTag:   cfg.ProvenanceTag,
		ManualTag:       cfg.ManualTag,
		StatusDowngrade: cfg.DowngradeStatus,
	})

	dispatcher := dispatch.New(store, prober, reconciler, journal, enricher, dispatch.Options{
		MaxWorkers:    cfg.MaxWorkers,
		EnrichWorkers: cfg.EnrichWorkers,
	})

	var scheduler *worker.Scheduler
	if cfg.AutoScanCron != "" {
		scheduler, err = worker.NewScheduler(cfg.AutoScanCron, func() {
			if _, err := dispatcher.Enqueue(model.AutoTarget()); err != nil && !errors.Is(err, dispatch.ErrAlreadyQueued) {
				log.Error("Scheduled auto scan failed to queue", "error", err)
			}
		})
		if err != nil {
			journal.Close()
			return nil, err
		}
	}

	return &ServerConfig{
		Config:     cfg,
		Journal:    journal,
		Dispatcher: dispatcher,
		Scheduler:  scheduler,
		MCPServer:  mcp.NewServer(dispatcher, journal, cfg.MCPToken),
		APIHandler: api.NewHandler(dispatcher, journal),
	}, nil
}

// Command returns the server subcommand
func Command() *cli.Command {
	return &cli.Command{
		Name:        "server",
		Usage:       "Start the sweepd server",
		Description: "Start the HTTP server with the scan API and MCP endpoints",
		Flags:       config.GetFlags(),
		Run: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd)
			if err != nil {
				return err
			}

			if cfg.LogFile != "" {
				log.Configure(cmd.GetString("log-level"), cmd.GetString("log-format"), &log.FileOptions{
					Path:       cfg.LogFile,
					MaxSizeMB:  cfg.LogMaxSizeMB,
					MaxBackups: cfg.LogMaxBackups,
				})
			}

			log.Info("Configuration loaded", "data_dir", cfg.DataDir, "listen_addr", cfg.ListenAddr, "ipam_url", cfg.IPAMURL)

			serverConfig, err := Build(cfg)
			if err != nil {
				log.Error("Failed to initialize", "error", err)
				return err
			}
			defer serverConfig.Journal.Close()

			return RunServer(serverConfig)
		},
	}
}
