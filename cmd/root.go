package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/brandon/mailmirror/internal/cache"
	"github.com/brandon/mailmirror/internal/config"
	"github.com/brandon/mailmirror/internal/health"
	"github.com/brandon/mailmirror/internal/imap"
	"github.com/brandon/mailmirror/internal/pool"
	"github.com/brandon/mailmirror/internal/syncer"
	"github.com/brandon/mailmirror/pkg/types"
)

var rootCmd = &cobra.Command{
	Use:           "mailmirror",
	Short:         "Mirror remote IMAP mailboxes into a local cache",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app wires the core services together. Everything is constructor-injected;
// there are no package-level singletons.
type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	cache   *cache.Cache
	store   *cache.Store
	pool    *pool.Pool
	monitor *health.Monitor
	engine  *syncer.Engine
}

func newApp() (*app, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	mailCache, err := cache.NewCache(cfg.CachePath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	store := cache.NewStore(mailCache, logger)

	monitor := health.NewMonitor(cfg.Health, store, logger)
	// Default alert sink: a structured log entry. Outbound delivery is
	// someone else's job; they register their own callback.
	monitor.OnAlert(func(alert types.Alert) {
		logger.WithFields(logrus.Fields{
			"alert":    alert.Type,
			"severity": alert.Severity,
			"account":  alert.Account,
			"context":  alert.Context,
		}).Warn(alert.Message)
	})

	sessions := pool.New(cfg.Pool, func(acc *config.AccountConfig) (imap.Conn, error) {
		return imap.Dial(acc, logger)
	}, logger)
	sessions.OnSweepError(func(err error) {
		monitor.RecordMaintenanceError("pool_sweep", err)
	})

	engine := syncer.NewEngine(cfg, sessions, store, monitor, logger)

	return &app{
		cfg:     cfg,
		logger:  logger,
		cache:   mailCache,
		store:   store,
		pool:    sessions,
		monitor: monitor,
		engine:  engine,
	}, nil
}

func (a *app) close() {
	a.pool.Close()
	if err := a.cache.Close(); err != nil {
		a.logger.WithError(err).Warn("Failed to close cache")
	}
}
