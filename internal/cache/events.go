package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/brandon/mailmirror/pkg/types"
)

// InsertSyncEvent appends one sync event to the event log
func (s *Store) InsertSyncEvent(ev *types.SyncEvent) error {
	query := `
		INSERT INTO sync_events (run_id, account, kind, success, item_count, duration_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.cache.DB().Exec(query,
		ev.RunID,
		ev.Account,
		string(ev.Kind),
		boolToInt(ev.Success),
		ev.ItemCount,
		ev.Duration.Milliseconds(),
		ev.Error,
		ev.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert sync event: %w", err)
	}
	return nil
}

// RecentSyncEvents returns the newest events for an account, newest first
func (s *Store) RecentSyncEvents(account string, limit int) ([]types.SyncEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.cache.DB().Query(`
		SELECT id, run_id, account, kind, success, item_count, duration_ms, error, created_at
		FROM sync_events
		WHERE account = ?
		ORDER BY id DESC
		LIMIT ?
	`, account, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync events: %w", err)
	}
	defer rows.Close()

	var events []types.SyncEvent
	for rows.Next() {
		var ev types.SyncEvent
		var success int
		var durationMS int64
		var errText sql.NullString
		var createdAt string

		err := rows.Scan(&ev.ID, &ev.RunID, &ev.Account, &ev.Kind, &success, &ev.ItemCount, &durationMS, &errText, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync event: %w", err)
		}

		ev.Success = success != 0
		ev.Duration = time.Duration(durationMS) * time.Millisecond
		ev.Error = errText.String
		if t, err := parseStoredTime(createdAt); err == nil {
			ev.CreatedAt = t
		}
		events = append(events, ev)
	}

	return events, nil
}

// PruneSyncEvents drops events older than the cutoff and returns the
// number removed
func (s *Store) PruneSyncEvents(olderThan time.Time) (int64, error) {
	res, err := s.cache.DB().Exec(
		"DELETE FROM sync_events WHERE created_at < ?",
		olderThan.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sync events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SaveHealth persists one account's health rollup
func (s *Store) SaveHealth(h *types.AccountHealth) error {
	failureCountsJSON, err := json.Marshal(h.FailureCounts)
	if err != nil {
		return fmt.Errorf("failed to marshal failure counts: %w", err)
	}

	query := `
		INSERT INTO account_health (account, total_syncs, successful_syncs, failed_syncs, consecutive_failures, last_sync_at, last_success_at, last_error, failure_counts, score, stale, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(account) DO UPDATE SET
			total_syncs = excluded.total_syncs,
			successful_syncs = excluded.successful_syncs,
			failed_syncs = excluded.failed_syncs,
			consecutive_failures = excluded.consecutive_failures,
			last_sync_at = excluded.last_sync_at,
			last_success_at = excluded.last_success_at,
			last_error = excluded.last_error,
			failure_counts = excluded.failure_counts,
			score = excluded.score,
			stale = excluded.stale,
			updated_at = CURRENT_TIMESTAMP
	`
	_, err = s.cache.DB().Exec(query,
		h.Account,
		h.TotalSyncs,
		h.SuccessfulSyncs,
		h.FailedSyncs,
		h.ConsecutiveFailures,
		formatNullableTime(h.LastSyncAt),
		formatNullableTime(h.LastSuccessAt),
		h.LastError,
		string(failureCountsJSON),
		h.Score,
		boolToInt(h.Stale),
	)
	if err != nil {
		return fmt.Errorf("failed to save account health: %w", err)
	}
	return nil
}

// LoadHealth loads all persisted account health rollups
func (s *Store) LoadHealth() (map[string]*types.AccountHealth, error) {
	rows, err := s.cache.DB().Query(`
		SELECT account, total_syncs, successful_syncs, failed_syncs, consecutive_failures, last_sync_at, last_success_at, last_error, failure_counts, score, stale, updated_at
		FROM account_health
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query account health: %w", err)
	}
	defer rows.Close()

	statuses := make(map[string]*types.AccountHealth)
	for rows.Next() {
		var h types.AccountHealth
		var lastSyncAt, lastSuccessAt, lastError, failureCounts sql.NullString
		var stale int
		var updatedAt string

		err := rows.Scan(&h.Account, &h.TotalSyncs, &h.SuccessfulSyncs, &h.FailedSyncs, &h.ConsecutiveFailures,
			&lastSyncAt, &lastSuccessAt, &lastError, &failureCounts, &h.Score, &stale, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account health: %w", err)
		}

		h.Stale = stale != 0
		h.LastError = lastError.String
		if lastSyncAt.Valid {
			if t, err := parseStoredTime(lastSyncAt.String); err == nil {
				h.LastSyncAt = &t
			}
		}
		if lastSuccessAt.Valid {
			if t, err := parseStoredTime(lastSuccessAt.String); err == nil {
				h.LastSuccessAt = &t
			}
		}
		if failureCounts.Valid && failureCounts.String != "" && failureCounts.String != "null" {
			if err := json.Unmarshal([]byte(failureCounts.String), &h.FailureCounts); err != nil {
				s.logger.WithError(err).WithField("account", h.Account).Warn("Discarding unreadable failure counts")
			}
		}
		if t, err := parseStoredTime(updatedAt); err == nil {
			h.UpdatedAt = t
		}

		statuses[h.Account] = &h
	}

	return statuses, nil
}

func formatNullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
