package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fusekv/fusekv/pkg/cache"
	"github.com/fusekv/fusekv/pkg/config"
	"github.com/fusekv/fusekv/pkg/db"
	"github.com/fusekv/fusekv/pkg/engine"
	"github.com/fusekv/fusekv/pkg/lockfile"
	"github.com/fusekv/fusekv/pkg/log"
	"github.com/fusekv/fusekv/pkg/metrics"
	"github.com/fusekv/fusekv/pkg/server"
)

// Exit codes
const (
	exitConfig = 2
	exitLock   = 3
	exitBind   = 4
	exitEngine = 5
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the fusekv server",
	Long: `Start the fusekv server: acquire the data-directory lock, open the
storage engine, and serve the TCP data plane plus the optional metrics
and health endpoints until a termination signal arrives.`,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runServer(cmd))
	},
}

func init() {
	flags := serverCmd.Flags()
	flags.String("config", "", "Path to a YAML config file")
	flags.String("dbpath", config.DefaultDBPath, "Data directory")
	flags.String("address", config.DefaultAddress, "host:port listen endpoint")
	flags.Int("ttl", 0, "Per-record TTL in seconds for stored data (0 disables; disables transactions)")
	flags.String("token", "", "Shared bearer token required on every request")
	flags.String("log-level", config.DefaultLogLevel, "Log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "Output logs in JSON format")
	flags.String("lock-file", "", "Path to the exclusive lock file (default <dbpath>/fusekv.lock)")
	flags.Bool("cache", false, "Enable the read cache")
	flags.Int("cache-ttl", config.DefaultCacheTTL, "Cache entry TTL in seconds")
	flags.Bool("metrics", false, "Enable the /metrics endpoint")
	flags.String("metrics-address", "", "host:port for metrics and health (default: data port + 1000)")
	flags.Bool("health-check", false, "Enable the /health endpoint")
	flags.Int("max-frame-size", config.DefaultMaxFrameSize, "Maximum request frame size in bytes")
	flags.Duration("grace-period", 0, "Upper bound on the shutdown drain (0 waits for completion)")
}

// loadConfig assembles the configuration: defaults, then the YAML file,
// then FUSEKV_* environment variables, then explicitly set flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	flags := cmd.Flags()

	if path, _ := flags.GetString("config"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()

	if flags.Changed("dbpath") {
		cfg.DBPath, _ = flags.GetString("dbpath")
	}
	if flags.Changed("address") {
		cfg.Address, _ = flags.GetString("address")
	}
	if flags.Changed("ttl") {
		cfg.TTL, _ = flags.GetInt("ttl")
	}
	if flags.Changed("token") {
		cfg.Token, _ = flags.GetString("token")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-json") {
		cfg.LogJSON, _ = flags.GetBool("log-json")
	}
	if flags.Changed("lock-file") {
		cfg.LockFile, _ = flags.GetString("lock-file")
	}
	if flags.Changed("cache") {
		cfg.CacheEnabled, _ = flags.GetBool("cache")
	}
	if flags.Changed("cache-ttl") {
		cfg.CacheTTL, _ = flags.GetInt("cache-ttl")
	}
	if flags.Changed("metrics") {
		cfg.Metrics, _ = flags.GetBool("metrics")
	}
	if flags.Changed("metrics-address") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-address")
	}
	if flags.Changed("health-check") {
		cfg.HealthCheck, _ = flags.GetBool("health-check")
	}
	if flags.Changed("max-frame-size") {
		cfg.MaxFrameSize, _ = flags.GetInt("max-frame-size")
	}
	if flags.Changed("grace-period") {
		cfg.GracePeriod, _ = flags.GetDuration("grace-period")
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command) int {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return exitConfig
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger := log.WithComponent("supervisor")

	if err := os.MkdirAll(cfg.DBPath, 0755); err != nil {
		logger.Error().Err(err).Msg("failed to create data directory")
		return exitConfig
	}

	lock, err := lockfile.Acquire(cfg.LockFile)
	if err != nil {
		logger.Error().Err(err).Str("lock_file", cfg.LockFile).Msg("failed to acquire lock")
		return exitLock
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn().Err(err).Msg("failed to release lock")
		}
	}()

	eng, err := engine.Open(engine.Options{Path: cfg.DBPath, TTL: cfg.TTL})
	if err != nil {
		logger.Error().Err(err).Msg("failed to open storage engine")
		return exitEngine
	}
	defer eng.Close()

	var readCache *cache.Cache
	if cfg.CacheEnabled {
		readCache = cache.New(time.Duration(cfg.CacheTTL) * time.Second)
		defer readCache.Stop()
		logger.Info().Int("ttl_seconds", cfg.CacheTTL).Msg("read cache enabled")
	}

	mgr := db.NewManager(eng, readCache)

	metrics.SetVersion(Version)
	metrics.RegisterComponent("engine", true, "open")
	metrics.RegisterComponent("server", false, "starting")

	var collector *metrics.Collector
	if cfg.Metrics {
		collector, err = metrics.NewCollector()
		if err != nil {
			logger.Warn().Err(err).Msg("resource collector unavailable")
		} else {
			collector.Start()
			defer collector.Stop()
		}
	}

	srv := server.NewServer(cfg, mgr)
	if err := srv.Start(); err != nil {
		logger.Error().Err(err).Msg("failed to start listeners")
		mgr.Close()
		return exitBind
	}
	metrics.UpdateComponent("server", true, "ready")

	logger.Info().
		Str("address", cfg.Address).
		Str("dbpath", cfg.DBPath).
		Msg("fusekv started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	// Stop accepting, drain sessions, then seal the write queue and the
	// worker pool before the engine closes.
	srv.Shutdown(cfg.GracePeriod)
	mgr.Close()

	logger.Info().Msg("shutdown complete")
	return 0
}
