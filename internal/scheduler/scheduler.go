package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailmirror/internal/config"
	"github.com/brandon/mailmirror/internal/syncer"
)

// Scheduler drives the engine on the configured incremental and full-sync
// intervals until its context is cancelled
type Scheduler struct {
	cfg    config.SyncConfig
	engine *syncer.Engine
	logger *logrus.Logger
}

// New creates a scheduler
func New(cfg config.SyncConfig, engine *syncer.Engine, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		engine: engine,
		logger: logger,
	}
}

// Run blocks, firing sync passes on schedule. An incremental pass runs
// immediately at startup so a restarted process catches up without waiting
// a full interval.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.WithFields(logrus.Fields{
		"incremental_interval": s.cfg.IncrementalInterval,
		"full_sync_interval":   s.cfg.FullSyncInterval,
	}).Info("Scheduler started")

	s.engine.SyncAll(ctx, false)

	incremental := time.NewTicker(s.cfg.IncrementalInterval)
	defer incremental.Stop()
	full := time.NewTicker(s.cfg.FullSyncInterval)
	defer full.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return
		case <-full.C:
			s.engine.SyncAll(ctx, true)
		case <-incremental.C:
			s.engine.SyncAll(ctx, false)
		}
	}
}
