// Package main implements the entry point for the fedmeter daemon.
// Fedmeter tracks per-instance federation traffic and cost, enforces
// budgets and limits, monitors remote instance health, and exposes the
// management GraphQL API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/fedmeter/config"
	"github.com/c360/fedmeter/service"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "fedmeter"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// CLI flags and their env fallbacks override the config file
	if cliCfg.LogLevel != "" {
		cfg.Platform.LogLevel = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Platform.LogFormat = cliCfg.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := setupLogger(cfg.Platform.LogLevel, cfg.Platform.LogFormat)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "config", cfg.SafeConfig())
		return nil
	}

	slog.Info("Starting fedmeter",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"local_instance", cfg.Platform.LocalInstance)

	manager, err := service.NewManager(cfg, service.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create manager: %w", err)
	}

	return runWithSignalHandling(manager, cliCfg.ShutdownTimeout)
}

// runWithSignalHandling starts the engine and blocks until a shutdown signal
func runWithSignalHandling(manager *service.Manager, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := manager.Start(signalCtx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	if err := manager.Stop(shutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("Fedmeter shutdown complete")
	return nil
}

// loadConfig loads configuration from the given path, or returns the
// built-in defaults when the path is empty. The local instance name can
// always come from the environment.
func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	if path == "" {
		defaults := config.DefaultConfig()
		cfg = &defaults
	} else {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if env := os.Getenv("FEDMETER_LOCAL_INSTANCE"); env != "" {
		cfg.Platform.LocalInstance = env
	}
	if env := os.Getenv("FEDMETER_NATS_URL"); env != "" {
		cfg.NATS.URL = env
	}
	return cfg, nil
}
