package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailmirror/internal/cache"
	"github.com/brandon/mailmirror/internal/config"
	"github.com/brandon/mailmirror/internal/health"
	"github.com/brandon/mailmirror/internal/imap"
	"github.com/brandon/mailmirror/internal/metrics"
	"github.com/brandon/mailmirror/internal/pool"
	"github.com/brandon/mailmirror/pkg/types"
)

// ErrSyncInProgress is returned when a sync is requested for an account
// that already has one running. Two concurrent passes over the same
// account are not supported.
var ErrSyncInProgress = errors.New("sync already in progress for account")

// FolderError records one folder-level failure inside an otherwise
// successful account sync
type FolderError struct {
	Folder string `json:"folder"`
	Error  string `json:"error"`
}

// AccountResult is the structured outcome of one account's sync attempt.
// Err is set only for account-level failures (cannot authenticate, cannot
// enumerate folders); folder-level errors land in FolderErrors.
type AccountResult struct {
	Account       string         `json:"account"`
	RunID         string         `json:"run_id"`
	Kind          types.SyncKind `json:"kind"`
	FoldersSynced int            `json:"folders_synced"`
	FolderErrors  []FolderError  `json:"folder_errors,omitempty"`
	ItemsAdded    int            `json:"items_added"`
	ItemsUpdated  int            `json:"items_updated"`
	Duration      time.Duration  `json:"duration"`
	Err           error          `json:"-"`
}

// Items returns the total of added and updated items
func (r *AccountResult) Items() int { return r.ItemsAdded + r.ItemsUpdated }

// Failed reports an account-level failure
func (r *AccountResult) Failed() bool { return r.Err != nil }

// Result aggregates a multi-account pass
type Result struct {
	Full     bool             `json:"full"`
	Accounts []*AccountResult `json:"accounts"`
	Started  time.Time        `json:"started"`
	Finished time.Time        `json:"finished"`
}

// ItemsAdded sums added items across accounts
func (r *Result) ItemsAdded() int {
	n := 0
	for _, a := range r.Accounts {
		n += a.ItemsAdded
	}
	return n
}

// ItemsUpdated sums updated items across accounts
func (r *Result) ItemsUpdated() int {
	n := 0
	for _, a := range r.Accounts {
		n += a.ItemsUpdated
	}
	return n
}

// Engine pulls mailbox state through pooled sessions into the cache and
// reports every outcome to the health monitor. All collaborators are
// constructor-injected.
type Engine struct {
	cfg     *config.Config
	pool    *pool.Pool
	store   *cache.Store
	monitor *health.Monitor
	logger  *logrus.Logger

	mu      sync.Mutex
	running map[string]bool
}

// NewEngine creates a synchronization engine
func NewEngine(cfg *config.Config, p *pool.Pool, store *cache.Store, monitor *health.Monitor, logger *logrus.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		pool:    p,
		store:   store,
		monitor: monitor,
		logger:  logger,
		running: make(map[string]bool),
	}
}

// SyncAll runs one sync pass over every configured account on a bounded
// worker pool and performs storage housekeeping afterwards. It always
// returns a structured result; per-account failures are inside it.
func (e *Engine) SyncAll(ctx context.Context, full bool) *Result {
	result := &Result{Full: full, Started: time.Now()}

	workers := e.cfg.Sync.MaxConcurrentAccounts
	if workers > len(e.cfg.Accounts) {
		workers = len(e.cfg.Accounts)
	}

	jobs := make(chan *config.AccountConfig)
	results := make(chan *AccountResult)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for acc := range jobs {
				results <- e.syncAccount(ctx, acc, full)
			}
		}()
	}

	go func() {
		for i := range e.cfg.Accounts {
			jobs <- &e.cfg.Accounts[i]
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	for res := range results {
		result.Accounts = append(result.Accounts, res)
	}
	result.Finished = time.Now()

	// Post-pass housekeeping, best effort
	if err := e.store.Checkpoint(false); err != nil {
		e.monitor.RecordMaintenanceError("checkpoint", err)
	} else {
		e.monitor.ResetMaintenance("checkpoint")
	}

	e.logger.WithFields(logrus.Fields{
		"accounts":      len(result.Accounts),
		"items_added":   result.ItemsAdded(),
		"items_updated": result.ItemsUpdated(),
		"full":          full,
		"duration":      result.Finished.Sub(result.Started).Round(time.Millisecond),
	}).Info("Completed sync pass")

	return result
}

// SyncAccount runs one sync for a single named account
func (e *Engine) SyncAccount(ctx context.Context, name string, full bool) (*AccountResult, error) {
	acc, err := e.cfg.GetAccountByName(name)
	if err != nil {
		return nil, err
	}
	res := e.syncAccount(ctx, acc, full)
	if errors.Is(res.Err, ErrSyncInProgress) {
		return nil, res.Err
	}
	return res, nil
}

func (e *Engine) tryLock(account string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[account] {
		return false
	}
	e.running[account] = true
	return true
}

func (e *Engine) unlock(account string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, account)
}

// syncAccount executes Start -> FolderDiscovery -> FolderSync* -> Finalize
// for one account on one borrowed session
func (e *Engine) syncAccount(ctx context.Context, acc *config.AccountConfig, full bool) *AccountResult {
	kind := types.SyncIncremental
	if full {
		kind = types.SyncFull
	}

	res := &AccountResult{
		Account: acc.Name,
		RunID:   uuid.NewString(),
		Kind:    kind,
	}

	if !e.tryLock(acc.Name) {
		res.Err = fmt.Errorf("account %s: %w", acc.Name, ErrSyncInProgress)
		return res
	}
	defer e.unlock(acc.Name)

	log := e.logger.WithFields(logrus.Fields{
		"account": acc.Name,
		"run_id":  res.RunID,
		"kind":    kind,
	})

	e.monitor.RecordSyncStart(acc.Name)
	start := time.Now()

	fail := func(err error) *AccountResult {
		res.Err = err
		res.Duration = time.Since(start)
		log.WithError(err).Error("Account sync failed")
		metrics.SyncRuns.WithLabelValues(acc.Name, string(kind), "failure").Inc()
		e.monitor.RecordSyncResult(acc.Name, res.RunID, kind, false, res.Items(), res.Duration, err)
		return res
	}

	accountID, err := e.store.UpsertAccount(acc)
	if err != nil {
		return fail(fmt.Errorf("failed to register account in cache: %w", err))
	}

	session, err := e.pool.Acquire(ctx, acc)
	if err != nil {
		return fail(err)
	}
	defer e.pool.Release(session)
	conn := session.Conn()

	discovered, err := conn.ListFolders()
	if err != nil {
		return fail(fmt.Errorf("failed to list folders: %w", err))
	}
	folders := planFolders(e.cfg.Sync, discovered)

	lastSync, err := e.store.LastSyncTime(accountID)
	if err != nil {
		log.WithError(err).Warn("Could not read last sync time, treating as first sync")
	}
	count, err := e.store.CountEmails(accountID)
	if err != nil {
		log.WithError(err).Warn("Could not count cached emails, treating as first sync")
	}
	since := Window(e.cfg.Sync, full, lastSync, count > 0, time.Now())

	log.WithFields(logrus.Fields{
		"folders": len(folders),
		"since":   since,
	}).Debug("Starting folder sync")

	for _, folder := range folders {
		if ctx.Err() != nil {
			break
		}

		added, updated, err := e.syncFolder(ctx, conn, accountID, folder, since)
		res.ItemsAdded += added
		res.ItemsUpdated += updated
		if err != nil {
			// Folder-level failure: log, record, move on to the next folder
			log.WithError(err).WithField("folder", folder).Warn("Failed to sync folder")
			res.FolderErrors = append(res.FolderErrors, FolderError{Folder: folder, Error: err.Error()})
			metrics.FolderErrors.WithLabelValues(acc.Name).Inc()
			continue
		}
		res.FoldersSynced++
	}

	res.Duration = time.Since(start)

	metrics.SyncRuns.WithLabelValues(acc.Name, string(kind), "success").Inc()
	metrics.SyncDuration.WithLabelValues(acc.Name).Observe(res.Duration.Seconds())
	metrics.ItemsAdded.WithLabelValues(acc.Name).Add(float64(res.ItemsAdded))
	metrics.ItemsUpdated.WithLabelValues(acc.Name).Add(float64(res.ItemsUpdated))

	e.monitor.RecordSyncResult(acc.Name, res.RunID, kind, true, res.Items(), res.Duration, nil)

	// Opportunistic housekeeping after each account, best effort
	if err := e.store.Checkpoint(false); err != nil {
		e.monitor.RecordMaintenanceError("checkpoint", err)
	}

	log.WithFields(logrus.Fields{
		"folders_synced": res.FoldersSynced,
		"folders_failed": len(res.FolderErrors),
		"items_added":    res.ItemsAdded,
		"items_updated":  res.ItemsUpdated,
		"duration":       res.Duration.Round(time.Millisecond),
	}).Info("Synced account")

	return res
}

// syncFolder is SelectFolder -> SearchIdentifiers -> FetchBatch* ->
// UpdateFolderBookkeeping for one folder
func (e *Engine) syncFolder(ctx context.Context, conn imap.Conn, accountID int, folder string, since time.Time) (added, updated int, err error) {
	status, err := conn.Select(folder)
	if err != nil {
		return 0, 0, err
	}

	// Register the folder for its row ID only; last_synced is refreshed by
	// the closing write so a failed pass never advances the window
	folderID, err := e.store.EnsureFolder(accountID, folder, folder)
	if err != nil {
		return 0, 0, err
	}

	uids, err := conn.SearchSince(folder, since)
	if err != nil {
		return 0, 0, err
	}

	batchSize := e.cfg.Sync.BatchSize
	for i := 0; i < len(uids); i += batchSize {
		end := i + batchSize
		if end > len(uids) {
			end = len(uids)
		}

		emails, err := conn.FetchSummaries(folder, uids[i:end])
		if err != nil {
			return added, updated, err
		}

		for _, email := range emails {
			email.AccountID = accountID
			email.FolderID = folderID
			inserted, err := e.store.UpsertEmail(email)
			if err != nil {
				// Item-level failure: skip the item, keep the batch going
				e.logger.WithError(err).WithFields(logrus.Fields{
					"folder": folder,
					"uid":    email.UID,
				}).Warn("Failed to cache email")
				continue
			}
			if inserted {
				added++
			} else {
				updated++
			}
		}

		// A short pause between batches keeps the remote service happy
		if end < len(uids) && e.cfg.Sync.BatchPause > 0 {
			select {
			case <-ctx.Done():
				return added, updated, ctx.Err()
			case <-time.After(e.cfg.Sync.BatchPause):
			}
		}
	}

	// Refresh the bookkeeping timestamp now that the pass completed
	if _, err := e.store.UpsertFolder(accountID, folder, folder, int(status.Messages)); err != nil {
		return added, updated, err
	}

	return added, updated, nil
}
