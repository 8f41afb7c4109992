package cache

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// walCheckpointThreshold is the WAL size in bytes past which a non-forced
// checkpoint actually runs
const walCheckpointThreshold = 4 * 1024 * 1024

// Cache represents the SQLite cache
type Cache struct {
	db     *sql.DB
	path   string
	logger *logrus.Logger
}

// NewCache creates a new cache instance
func NewCache(dbPath string, logger *logrus.Logger) (*Cache, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	// Open database
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite locks the whole database on write and concurrent account
	// workers share this handle; a single connection serializes them and
	// keeps the pragmas below in effect for every statement
	db.SetMaxOpenConns(1)

	// Enable foreign keys and WAL journaling
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	cache := &Cache{
		db:     db,
		path:   dbPath,
		logger: logger,
	}

	// Initialize schema
	if err := cache.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.WithField("path", dbPath).Info("Cache initialized")
	return cache, nil
}

// initSchema initializes the database schema
func (c *Cache) initSchema() error {
	if _, err := c.db.Exec(Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Checkpoint truncates the write-ahead log. When force is false the
// checkpoint is skipped unless the WAL file has grown past the size
// threshold.
func (c *Cache) Checkpoint(force bool) error {
	if !force {
		info, err := os.Stat(c.path + "-wal")
		if err != nil || info.Size() < walCheckpointThreshold {
			return nil
		}
	}

	if _, err := c.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("failed to checkpoint WAL: %w", err)
	}

	c.logger.WithField("forced", force).Debug("Checkpointed cache WAL")
	return nil
}

// Close closes the database connection
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// DB returns the underlying database connection (for use in store.go)
func (c *Cache) DB() *sql.DB {
	return c.db
}
