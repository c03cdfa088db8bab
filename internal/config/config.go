// Package config loads the daemon's INI-style configuration file
// (spec.md §6), applies environment overrides, and validates the result
// before any component is constructed.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/ini.v1"
)

// Config holds every value a component constructor needs. It is built once
// in main and passed down explicitly — no component reads the environment
// or a config file on its own.
type Config struct {
	// [general]
	LogLevel   string
	PIDFile    string
	Daemonize  bool

	// [suricata]
	SuricataBinary    string
	SuricataConfig    string
	SuricataRulesDir  string
	SuricataLogDir    string
	Interfaces        []string

	// [ipc]
	SocketDir       string
	EventSocketPath string
	ControlSocket   string
	EventBufferSize int
	NATSURL         string
	NATSSubject     string

	// [storage]
	DatabasePath    string
	RetentionDays   int
	MaxSizeMB       int
	StoreCap        int
	ArchiveEvicted  bool
	ArchiveDir      string

	// [watchdog]
	CheckIntervalMS     int
	HeartbeatTimeoutSec int
	MaxRestartAttempts  int
	StatsIntervalMS     int
}

// defaults returns a Config populated with the documented defaults, before
// any file section or environment override is applied.
func defaults() Config {
	return Config{
		LogLevel:           "info",
		PIDFile:            "/var/run/vnids/vnidsd.pid",
		SuricataBinary:     "/usr/bin/suricata",
		SocketDir:          "/var/run/vnids",
		ControlSocket:      "/var/run/vnids/api.sock",
		EventSocketPath:    "/var/run/vnids/events.sock",
		EventBufferSize:    4096,
		DatabasePath:       "/var/lib/vnids/events.db",
		RetentionDays:      30,
		MaxSizeMB:          0,
		StoreCap:           100000,
		ArchiveEvicted:     false,
		CheckIntervalMS:    5000,
		HeartbeatTimeoutSec: 10,
		MaxRestartAttempts: 5,
		StatsIntervalMS:    10000,
	}
}

// Load reads the INI file at path, applies VNIDS_* environment overrides,
// validates the result, and returns an immutable Config.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		f, err := ini.Load(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
		applyFile(&cfg, f)
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyFile(cfg *Config, f *ini.File) {
	general := f.Section("general")
	cfg.LogLevel = general.Key("log_level").MustString(cfg.LogLevel)
	cfg.PIDFile = general.Key("pid_file").MustString(cfg.PIDFile)
	cfg.Daemonize = general.Key("daemonize").MustBool(cfg.Daemonize)

	suricata := f.Section("suricata")
	cfg.SuricataBinary = suricata.Key("binary").MustString(cfg.SuricataBinary)
	cfg.SuricataConfig = suricata.Key("config").MustString(cfg.SuricataConfig)
	cfg.SuricataRulesDir = suricata.Key("rules_dir").MustString(cfg.SuricataRulesDir)
	if iface := suricata.Key("interface").String(); iface != "" {
		cfg.Interfaces = splitAndTrim(iface)
	}

	ipc := f.Section("ipc")
	cfg.SocketDir = ipc.Key("socket_dir").MustString(cfg.SocketDir)
	cfg.EventBufferSize = ipc.Key("event_buffer_size").MustInt(cfg.EventBufferSize)
	cfg.NATSURL = ipc.Key("nats_url").MustString(cfg.NATSURL)
	cfg.NATSSubject = ipc.Key("nats_subject").MustString(cfg.NATSSubject)

	storage := f.Section("storage")
	cfg.DatabasePath = storage.Key("database").MustString(cfg.DatabasePath)
	cfg.RetentionDays = storage.Key("retention_days").MustInt(cfg.RetentionDays)
	cfg.MaxSizeMB = storage.Key("max_size_mb").MustInt(cfg.MaxSizeMB)
	cfg.ArchiveEvicted = storage.Key("archive_evicted").MustBool(cfg.ArchiveEvicted)
	cfg.ArchiveDir = storage.Key("archive_dir").MustString(cfg.ArchiveDir)

	watchdog := f.Section("watchdog")
	cfg.CheckIntervalMS = watchdog.Key("check_interval_ms").MustInt(cfg.CheckIntervalMS)
	cfg.HeartbeatTimeoutSec = watchdog.Key("heartbeat_timeout_s").MustInt(cfg.HeartbeatTimeoutSec)
	cfg.MaxRestartAttempts = watchdog.Key("max_restart_attempts").MustInt(cfg.MaxRestartAttempts)
	cfg.StatsIntervalMS = watchdog.Key("stats_interval_ms").MustInt(cfg.StatsIntervalMS)

	// Socket dir always drives the derived socket paths; no file key sets
	// them directly.
	cfg.EventSocketPath = cfg.SocketDir + "/events.sock"
	cfg.ControlSocket = cfg.SocketDir + "/api.sock"
	if cfg.ArchiveDir == "" {
		cfg.ArchiveDir = cfg.SocketDir + "/archive"
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("VNIDS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("VNIDS_SURICATA_BINARY"); v != "" {
		cfg.SuricataBinary = v
	}
	if v := os.Getenv("VNIDS_SURICATA_CONFIG"); v != "" {
		cfg.SuricataConfig = v
	}
	if v := os.Getenv("VNIDS_INTERFACE"); v != "" {
		cfg.Interfaces = splitAndTrim(v)
	}
	if v := os.Getenv("VNIDS_SOCKET_DIR"); v != "" {
		cfg.SocketDir = v
		cfg.EventSocketPath = v + "/events.sock"
		cfg.ControlSocket = v + "/api.sock"
	}
	if v := os.Getenv("VNIDS_DATABASE"); v != "" {
		cfg.DatabasePath = v
	}
}

// Validate enforces the numeric ranges documented in spec.md §6.
func (c Config) Validate() error {
	if c.SuricataBinary == "" {
		return fmt.Errorf("suricata.binary must be set")
	}
	if c.EventBufferSize < 1024 || c.EventBufferSize > 1048576 {
		return fmt.Errorf("ipc.event_buffer_size must be in [1024, 1048576], got %d", c.EventBufferSize)
	}
	if c.RetentionDays < 1 || c.RetentionDays > 365 {
		return fmt.Errorf("storage.retention_days must be in [1, 365], got %d", c.RetentionDays)
	}
	if c.CheckIntervalMS < 100 || c.CheckIntervalMS > 10000 {
		return fmt.Errorf("watchdog.check_interval_ms must be in [100, 10000], got %d", c.CheckIntervalMS)
	}
	if c.HeartbeatTimeoutSec < 1 || c.HeartbeatTimeoutSec > 60 {
		return fmt.Errorf("watchdog.heartbeat_timeout_s must be in [1, 60], got %d", c.HeartbeatTimeoutSec)
	}
	if c.MaxRestartAttempts < 0 {
		return fmt.Errorf("watchdog.max_restart_attempts must be >= 0, got %d", c.MaxRestartAttempts)
	}
	if c.StatsIntervalMS < 1000 || c.StatsIntervalMS > 60000 {
		return fmt.Errorf("watchdog.stats_interval_ms must be in [1000, 60000], got %d", c.StatsIntervalMS)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("storage.database must be set")
	}
	return nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
