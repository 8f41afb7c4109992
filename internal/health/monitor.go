package health

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailmirror/internal/config"
	"github.com/brandon/mailmirror/pkg/types"
)

// Store is the slice of the cache the monitor persists through
type Store interface {
	InsertSyncEvent(ev *types.SyncEvent) error
	PruneSyncEvents(olderThan time.Time) (int64, error)
	SaveHealth(h *types.AccountHealth) error
	LoadHealth() (map[string]*types.AccountHealth, error)
}

// AlertFunc receives alerts raised on sustained degradation. Callbacks must
// not block; panics and errors inside them are contained.
type AlertFunc func(alert types.Alert)

// Monitor records the outcome of every synchronization attempt and keeps a
// rolling health score per account. One lock covers all accounts; updates
// are rare next to the I/O-bound sync work.
type Monitor struct {
	cfg    config.HealthConfig
	store  Store
	logger *logrus.Logger

	mu            sync.Mutex
	statuses      map[string]*types.AccountHealth
	callbacks     []AlertFunc
	maintFailures map[string]int

	now func() time.Time
}

// NewMonitor creates a monitor, reloading any persisted state
func NewMonitor(cfg config.HealthConfig, store Store, logger *logrus.Logger) *Monitor {
	m := &Monitor{
		cfg:           cfg,
		store:         store,
		logger:        logger,
		statuses:      make(map[string]*types.AccountHealth),
		maintFailures: make(map[string]int),
		now:           time.Now,
	}

	if store != nil {
		statuses, err := store.LoadHealth()
		if err != nil {
			logger.WithError(err).Warn("Failed to load persisted health state")
		} else if statuses != nil {
			m.statuses = statuses
		}
	}

	return m
}

// OnAlert registers an alert callback
func (m *Monitor) OnAlert(fn AlertFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// RecordSyncStart ensures a health record exists for the account
func (m *Monitor) RecordSyncStart(account string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure(account)
}

func (m *Monitor) ensure(account string) *types.AccountHealth {
	h, ok := m.statuses[account]
	if !ok {
		h = &types.AccountHealth{
			Account:       account,
			FailureCounts: make(map[string]int),
			Score:         100,
		}
		m.statuses[account] = h
	}
	if h.FailureCounts == nil {
		h.FailureCounts = make(map[string]int)
	}
	return h
}

// RecordSyncResult appends a sync event, updates the account's rollup,
// recomputes its score and evaluates alert thresholds
func (m *Monitor) RecordSyncResult(account, runID string, kind types.SyncKind, success bool, itemCount int, duration time.Duration, syncErr error) {
	now := m.now()

	errText := ""
	if syncErr != nil {
		errText = syncErr.Error()
	}

	m.mu.Lock()
	h := m.ensure(account)

	h.TotalSyncs++
	t := now
	h.LastSyncAt = &t
	if success {
		h.SuccessfulSyncs++
		h.ConsecutiveFailures = 0
		h.LastSuccessAt = &t
		h.LastError = ""
	} else {
		h.FailedSyncs++
		h.ConsecutiveFailures++
		h.LastError = errText
		h.FailureCounts[Classify(errText)]++
	}

	h.Score, h.Stale = computeScore(h, now, m.cfg.StalenessThresholdHours)
	h.UpdatedAt = now

	alerts := m.evaluate(h)
	snapshot := *h
	callbacks := append([]AlertFunc(nil), m.callbacks...)
	m.mu.Unlock()

	m.persist(&snapshot, &types.SyncEvent{
		RunID:     runID,
		Account:   account,
		Kind:      kind,
		Success:   success,
		ItemCount: itemCount,
		Duration:  duration,
		Error:     errText,
		CreatedAt: now,
	})

	for _, alert := range alerts {
		m.fire(callbacks, alert)
	}
}

// persist writes the event and rollup to durable storage and prunes old
// events. Best effort: failures are logged, never propagated.
func (m *Monitor) persist(h *types.AccountHealth, ev *types.SyncEvent) {
	if m.store == nil {
		return
	}
	if err := m.store.InsertSyncEvent(ev); err != nil {
		m.logger.WithError(err).WithField("account", ev.Account).Warn("Failed to persist sync event")
	}
	if err := m.store.SaveHealth(h); err != nil {
		m.logger.WithError(err).WithField("account", h.Account).Warn("Failed to persist health status")
	}
	cutoff := ev.CreatedAt.AddDate(0, 0, -m.cfg.EventRetentionDays)
	if _, err := m.store.PruneSyncEvents(cutoff); err != nil {
		m.logger.WithError(err).Warn("Failed to prune sync events")
	}
}

// evaluate returns the alerts the account's current state warrants
func (m *Monitor) evaluate(h *types.AccountHealth) []types.Alert {
	var alerts []types.Alert

	if h.ConsecutiveFailures >= 3 {
		alerts = append(alerts, types.Alert{
			Type:     "consecutive_failures",
			Severity: types.SeverityHigh,
			Account:  h.Account,
			Message:  "repeated sync failures",
			Context: map[string]any{
				"consecutive_failures": h.ConsecutiveFailures,
				"last_error":           h.LastError,
			},
		})
	}
	if h.Score < 50 {
		alerts = append(alerts, types.Alert{
			Type:     "low_score",
			Severity: types.SeverityMedium,
			Account:  h.Account,
			Message:  "health score below threshold",
			Context:  map[string]any{"score": h.Score},
		})
	}
	if h.Stale {
		alerts = append(alerts, types.Alert{
			Type:     "stale",
			Severity: types.SeverityLow,
			Account:  h.Account,
			Message:  "mirror is stale",
			Context:  map[string]any{"last_sync_at": h.LastSyncAt},
		})
	}

	return alerts
}

// fire delivers one alert to every callback, containing panics
func (m *Monitor) fire(callbacks []AlertFunc, alert types.Alert) {
	for _, fn := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.WithFields(logrus.Fields{
						"alert":   alert.Type,
						"account": alert.Account,
						"panic":   r,
					}).Error("Alert callback panicked")
				}
			}()
			fn(alert)
		}()
	}
}

// RecordMaintenanceError counts failures of background maintenance tasks
// (pool sweep, checkpoint) and raises a low-severity alert once a task has
// failed three times in a row
func (m *Monitor) RecordMaintenanceError(task string, err error) {
	m.mu.Lock()
	m.maintFailures[task]++
	count := m.maintFailures[task]
	callbacks := append([]AlertFunc(nil), m.callbacks...)
	m.mu.Unlock()

	m.logger.WithError(err).WithFields(logrus.Fields{
		"task":     task,
		"failures": count,
	}).Warn("Background maintenance task failed")

	if count%3 == 0 {
		m.fire(callbacks, types.Alert{
			Type:     "maintenance",
			Severity: types.SeverityLow,
			Account:  "",
			Message:  "background task keeps failing: " + task,
			Context:  map[string]any{"failures": count, "error": err.Error()},
		})
	}
}

// ResetMaintenance clears a task's failure streak after a success
func (m *Monitor) ResetMaintenance(task string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.maintFailures, task)
}

// Status returns a copy of one account's health rollup
func (m *Monitor) Status(account string) (types.AccountHealth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.statuses[account]
	if !ok {
		return types.AccountHealth{}, false
	}
	return *h, true
}

// All returns copies of every account's health rollup, sorted by account
func (m *Monitor) All() []types.AccountHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.AccountHealth, 0, len(m.statuses))
	for _, h := range m.statuses {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}

// computeScore derives the 0-100 health score. Penalties: up to 60 for
// consecutive failures, scaled by lifetime success rate, up to 40 for
// staleness, 50 for an account that has never synced successfully.
func computeScore(h *types.AccountHealth, now time.Time, stalenessHours int) (float64, bool) {
	score := 100.0

	score -= math.Min(float64(h.ConsecutiveFailures)*15, 60)

	if h.TotalSyncs > 0 {
		score *= float64(h.SuccessfulSyncs) / float64(h.TotalSyncs)
	}

	stale := false
	if h.LastSyncAt != nil {
		ageHours := now.Sub(*h.LastSyncAt).Hours()
		threshold := float64(stalenessHours)
		if ageHours > threshold {
			score -= math.Min((ageHours-threshold)*5, 40)
			stale = true
		}
	}

	if h.SuccessfulSyncs == 0 {
		score -= 50
	}

	return math.Max(0, math.Min(100, score)), stale
}

// Classify buckets an error message into a failure family by keyword
func Classify(errText string) string {
	s := strings.ToLower(errText)
	switch {
	case containsAny(s, "auth", "login", "credential", "password"):
		return "authentication"
	case containsAny(s, "timeout", "timed out", "deadline exceeded"):
		return "timeout"
	case containsAny(s, "connection refused", "connection reset", "no such host", "network", "unreachable", "broken pipe", "eof"):
		return "network"
	case containsAny(s, "permission", "denied", "forbidden"):
		return "permission"
	case containsAny(s, "rate limit", "too many", "throttl"):
		return "rate-limit"
	default:
		return "other"
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
