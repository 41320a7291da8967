package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marmos91/gatefs/internal/logger"
	"github.com/marmos91/gatefs/internal/metrics"
	"github.com/marmos91/gatefs/internal/ratelimiter"
	"github.com/marmos91/gatefs/internal/server"
	"github.com/marmos91/gatefs/internal/store/user"
	"github.com/marmos91/gatefs/pkg/config"
)

// The store is seeded with a single administrator so the first client can
// log in and create real accounts.
const (
	seedAdminName   = "admin"
	seedAdminSecret = "password"
)

func usage() {
	fmt.Fprintf(os.Stderr,
		"Usage: %s -t <timeout_seconds> -d <path_to_server_folder> -p <listening_port> [options]\n\nOptions:\n",
		os.Args[0])
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "", "Path to config file (YAML or TOML)")
	timeout := flag.Uint("t", 0, "Idle session timeout in seconds (required)")
	dir := flag.String("d", "", "Server working directory (required)")
	port := flag.Uint("p", 0, "Listening port, 1-65535 (required)")
	logLevel := flag.String("log-level", "", "Log level (DEBUG, INFO, WARN, ERROR)")
	printConfig := flag.Bool("print-config", false, "Print the effective configuration and exit")
	flag.Usage = usage
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// CLI flags take precedence over file and environment values; only
	// flags the user actually set are merged.
	overrides := map[string]any{}
	serverOverrides := map[string]any{}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "t":
			serverOverrides["session_timeout"] = (time.Duration(*timeout) * time.Second).String()
		case "d":
			serverOverrides["directory"] = *dir
		case "p":
			serverOverrides["port"] = *port
		case "log-level":
			overrides["logging"] = map[string]any{"level": *logLevel}
		}
	})
	if len(serverOverrides) > 0 {
		overrides["server"] = serverOverrides
	}

	if err := config.ApplyOverrides(cfg, overrides); err != nil {
		fmt.Fprintf(os.Stderr, "Error applying flags: %v\n", err)
		os.Exit(1)
	}

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		usage()
		os.Exit(2)
	}

	if info, err := os.Stat(cfg.Server.Directory); err != nil || !info.IsDir() {
		fmt.Fprintf(os.Stderr, "Invalid value for -d: %q is not a directory\n", cfg.Server.Directory)
		usage()
		os.Exit(2)
	}

	if *printConfig {
		out, err := cfg.YAML()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error rendering config: %v\n", err)
			os.Exit(1)
		}
		fmt.Print(string(out))
		return
	}

	logger.SetLevel(cfg.Logging.Level)
	logger.Info("Log level set to: %s", cfg.Logging.Level)
	logger.Info("Server directory: %s", cfg.Server.Directory)

	var m metrics.ServerMetrics
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		metrics.ServeHTTP(cfg.Metrics.Listen)
		logger.Info("Metrics exposed on %s/metrics", cfg.Metrics.Listen)
	}
	m = metrics.NewServerMetrics()

	var limiter *ratelimiter.RateLimiter
	if cfg.RateLimit.RequestsPerSecond > 0 {
		limiter = ratelimiter.New(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
		logger.Info("Rate limit: %d req/s (burst %d)",
			cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}

	users := user.NewStore()
	if _, err := users.Insert(seedAdminName, seedAdminSecret, user.Admin); err != nil {
		logger.Error("Failed to seed administrator account: %v", err)
		os.Exit(1)
	}
	logger.Warn("Seeded default administrator %q; change its password", seedAdminName)

	srv := server.New(server.Config{
		Port:           uint16(cfg.Server.Port),
		IPv6:           cfg.Server.IPv6,
		Backlog:        cfg.Server.Backlog,
		MaxConnections: cfg.Server.MaxConnections,
		PollTimeout:    cfg.Server.PollTimeout,
		Workers:        cfg.Server.Workers,
		SessionTimeout: cfg.Server.SessionTimeout,
	}, users, limiter, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Serve(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running on port %d. Press Ctrl+C to stop.", cfg.Server.Port)

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, initiating graceful shutdown...")
		cancel()

		if err := <-serverDone; err != nil {
			logger.Error("Server shutdown error: %v", err)
			os.Exit(1)
		}
		logger.Info("Server stopped gracefully")

	case err := <-serverDone:
		if err != nil {
			logger.Error("Server error: %v", err)
			os.Exit(1)
		}
		logger.Info("Server stopped")
	}
}
