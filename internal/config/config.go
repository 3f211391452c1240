// Package config holds the runtime configuration, loaded from CLI
// flags with environment variable fallbacks.
package config

import (
	"fmt"
	"time"

	"github.com/paularlott/cli"
)

// Config holds the application configuration
type Config struct {
	DataDir    string
	ListenAddr string

	// API auth
	APIKey        string
	AllowedSource string
	MCPToken      string

	// IPAM connection
	IPAMURL       string
	IPAMToken     string
	AutoScanField string
	IPAMTimeout   time.Duration
	IPAMRetries   int
	IPAMRateLimit int

	// Probing
	FpingBinary   string
	BatchSize     int
	MaxConcurrent int
	ProbeTimeout  time.Duration
	ProbeRetries  int

	// Enrichment
	SNMPCommunity string
	EnrichTimeout time.Duration
	EnrichWorkers int

	// Scan execution
	MaxWorkers   int
	AutoScanCron string

	// IPAM vocabulary
	ProvenanceTag   string
	ManualTag       string
	DowngradeStatus string

	// Log file rotation
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
}

// GetFlags returns the server configuration flags
func GetFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:         "data-dir",
			Usage:        "Directory for the scan journal database",
			DefaultValue: "./data",
			EnvVars:      []string{"SWEEPD_DATA_DIR"},
		},
		&cli.StringFlag{
			Name:         "listen-addr",
			Usage:        "HTTP listen address",
			DefaultValue: ":5001",
			EnvVars:      []string{"SWEEPD_LISTEN_ADDR"},
		},
		&cli.StringFlag{
			Name:    "api-key",
			Usage:   "API key required on scan endpoints (empty disables auth)",
			EnvVars: []string{"SWEEPD_API_KEY"},
		},
		&cli.StringFlag{
			Name:    "allowed-source",
			Usage:   "Only accept API requests from this source IP (empty allows any)",
			EnvVars: []string{"SWEEPD_ALLOWED_SOURCE"},
		},
		&cli.StringFlag{
			Name:    "mcp-token",
			Usage:   "Bearer token for the MCP endpoint (empty disables auth)",
			EnvVars: []string{"SWEEPD_MCP_TOKEN"},
		},
		&cli.StringFlag{
			Name:     "ipam-url",
			Usage:    "Base URL of the IPAM API, e.g. http://netbox:8001",
			EnvVars:  []string{"SWEEPD_IPAM_URL"},
			Required: true,
		},
		&cli.StringFlag{
			Name:    "ipam-token",
			Usage:   "IPAM API token",
			EnvVars: []string{"SWEEPD_IPAM_TOKEN"},
		},
		&cli.StringFlag{
			Name:         "auto-scan-field",
			Usage:        "IPAM prefix custom field that marks ranges for automatic scanning",
			DefaultValue: "scan_enabled",
			EnvVars:      []string{"SWEEPD_AUTO_SCAN_FIELD"},
		},
		&cli.IntFlag{
			Name:         "ipam-timeout",
			Usage:        "IPAM request timeout in seconds",
			DefaultValue: 15,
			EnvVars:      []string{"SWEEPD_IPAM_TIMEOUT"},
		},
		&cli.IntFlag{
			Name:         "ipam-retries",
			Usage:        "Attempts per IPAM request before giving up",
			DefaultValue: 3,
			EnvVars:      []string{"SWEEPD_IPAM_RETRIES"},
		},
		&cli.IntFlag{
			Name:         "ipam-rate-limit",
			Usage:        "Maximum IPAM requests per second",
			DefaultValue: 20,
			EnvVars:      []string{"SWEEPD_IPAM_RATE_LIMIT"},
		},
		&cli.StringFlag{
			Name:         "fping-binary",
			Usage:        "Path to the fping binary",
			DefaultValue: "fping",
			EnvVars:      []string{"SWEEPD_FPING_BINARY"},
		},
		&cli.IntFlag{
			Name:         "batch-size",
			Usage:        "Addresses probed per fping invocation",
			DefaultValue: 128,
			EnvVars:      []string{"SWEEPD_BATCH_SIZE"},
		},
		&cli.IntFlag{
			Name:         "max-concurrent-batches",
			Usage:        "fping invocations allowed to run in parallel",
			DefaultValue: 1,
			EnvVars:      []string{"SWEEPD_MAX_CONCURRENT_BATCHES"},
		},
		&cli.IntFlag{
			Name:         "probe-timeout",
			Usage:        "Per-probe timeout in milliseconds",
			DefaultValue: 500,
			EnvVars:      []string{"SWEEPD_PROBE_TIMEOUT"},
		},
		&cli.IntFlag{
			Name:         "probe-retries",
			Usage:        "Probe retries per address",
			DefaultValue: 1,
			EnvVars:      []string{"SWEEPD_PROBE_RETRIES"},
		},
		&cli.StringFlag{
			Name:    "snmp-community",
			Usage:   "SNMP community for sysName enrichment (empty disables SNMP)",
			EnvVars: []string{"SWEEPD_SNMP_COMMUNITY"},
		},
		&cli.IntFlag{
			Name:         "enrich-timeout",
			Usage:        "Per-host enrichment timeout in seconds",
			DefaultValue: 2,
			EnvVars:      []string{"SWEEPD_ENRICH_TIMEOUT"},
		},
		&cli.IntFlag{
			Name:         "enrich-workers",
			Usage:        "Concurrent host enrichment lookups",
			DefaultValue: 8,
			EnvVars:      []string{"SWEEPD_ENRICH_WORKERS"},
		},
		&cli.IntFlag{
			Name:         "max-workers",
			Usage:        "Concurrent scan pipelines",
			DefaultValue: 3,
			EnvVars:      []string{"SWEEPD_MAX_WORKERS"},
		},
		&cli.StringFlag{
			Name:    "auto-scan-cron",
			Usage:   "Cron spec for unattended auto scans (empty disables the scheduler)",
			EnvVars: []string{"SWEEPD_AUTO_SCAN_CRON"},
		},
		&cli.StringFlag{
			Name:         "provenance-tag",
			Usage:        "Tag slug applied to IPAM records this scanner creates",
			DefaultValue: "sweepd",
			EnvVars:      []string{"SWEEPD_PROVENANCE_TAG"},
		},
		&cli.StringFlag{
			Name:         "manual-tag",
			Usage:        "Tag slug that protects IPAM records from scanner writes",
			DefaultValue: "manual",
			EnvVars:      []string{"SWEEPD_MANUAL_TAG"},
		},
		&cli.StringFlag{
			Name:         "downgrade-status",
			Usage:        "Status applied to scanner-owned records that go dark",
			DefaultValue: "deprecated",
			EnvVars:      []string{"SWEEPD_DOWNGRADE_STATUS"},
		},
		&cli.StringFlag{
			Name:    "log-file",
			Usage:   "Log file path (empty logs to stderr only)",
			EnvVars: []string{"SWEEPD_LOG_FILE"},
		},
		&cli.IntFlag{
			Name:         "log-max-size",
			Usage:        "Log file size in MB before rotation",
			DefaultValue: 10,
			EnvVars:      []string{"SWEEPD_LOG_MAX_SIZE"},
		},
		&cli.IntFlag{
			Name:         "log-max-backups",
			Usage:        "Rotated log files to keep",
			DefaultValue: 2,
			EnvVars:      []string{"SWEEPD_LOG_MAX_BACKUPS"},
		},
	}
}

// Load builds the configuration from parsed command flags
func Load(cmd *cli.Command) (*Config, error) {
	cfg := &Config{
		DataDir:    cmd.GetString("data-dir"),
		ListenAddr: cmd.GetString("listen-addr"),

		APIKey:        cmd.GetString("api-key"),
		AllowedSource: cmd.GetString("allowed-source"),
		MCPToken:      cmd.GetString("mcp-token"),

		IPAMURL:       cmd.GetString("ipam-url"),
		IPAMToken:     cmd.GetString("ipam-token"),
		AutoScanField: cmd.GetString("auto-scan-field"),
		IPAMTimeout:   time.Duration(cmd.GetInt("ipam-timeout")) * time.Second,
		IPAMRetries:   cmd.GetInt("ipam-retries"),
		IPAMRateLimit: cmd.GetInt("ipam-rate-limit"),

		FpingBinary:   cmd.GetString("fping-binary"),
		BatchSize:     cmd.GetInt("batch-size"),
		MaxConcurrent: cmd.GetInt("max-concurrent-batches"),
		ProbeTimeout:  time.Duration(cmd.GetInt("probe-timeout")) * time.Millisecond,
		ProbeRetries:  cmd.GetInt("probe-retries"),

		SNMPCommunity: cmd.GetString("snmp-community"),
		EnrichTimeout: time.Duration(cmd.GetInt("enrich-timeout")) * time.Second,
		EnrichWorkers: cmd.GetInt("enrich-workers"),

		MaxWorkers:   cmd.GetInt("max-workers"),
		AutoScanCron: cmd.GetString("auto-scan-cron"),

		ProvenanceTag:   cmd.GetString("provenance-tag"),
		ManualTag:       cmd.GetString("manual-tag"),
		DowngradeStatus: cmd.GetString("downgrade-status"),

		LogFile:       cmd.GetString("log-file"),
		LogMaxSizeMB:  cmd.GetInt("log-max-size"),
		LogMaxBackups: cmd.GetInt("log-max-backups"),
	}

	if cfg.IPAMURL == "" {
		return nil, fmt.Errorf("ipam-url is required")
	}
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 128
	}

	return cfg, nil
}

// IsAPIAuthEnabled checks if API key auth is configured
func (c *Config) IsAPIAuthEnabled() bool {
	return c.APIKey != ""
}

// IsMCPAuthEnabled checks if MCP authentication is configured
func (c *Config) IsMCPAuthEnabled() bool {
	return c.MCPToken != ""
}
