// Command vnidsd is the supervisory control-plane daemon: it loads
// configuration, builds the logger, builds the orchestrator, and runs it
// until a signal or a control-plane shutdown command arrives. CLI argument
// parsing for the daemon itself is out of scope (spec.md §1); the
// configuration file path is fixed.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"vnidsd/internal/config"
	"vnidsd/internal/daemon"
	"vnidsd/internal/logging"
)

// defaultConfigPath is the fixed location vnidsd reads its configuration
// from. Overriding it is done by editing the file in place, not by flag.
const defaultConfigPath = "/etc/vnids/vnidsd.ini"

func main() {
	cfg, err := config.Load(defaultConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("vnidsd starting",
		"config_path", defaultConfigPath,
		"suricata_binary", cfg.SuricataBinary,
		"control_socket", cfg.ControlSocket,
		"database_path", cfg.DatabasePath)

	orch, err := daemon.New(logger, cfg)
	if err != nil {
		logger.Error("failed to build orchestrator", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	if err := orch.Run(ctx); err != nil {
		logger.Error("orchestrator run failed", "error", err)
		os.Exit(1)
	}

	logger.Info("vnidsd shutdown complete")
}
