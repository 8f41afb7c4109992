package types

import "time"

// SyncKind distinguishes a bounded-window scan from a full reconcile
type SyncKind string

const (
	SyncIncremental SyncKind = "incremental"
	SyncFull        SyncKind = "full"
)

// SyncEvent is an immutable record of one synchronization attempt
type SyncEvent struct {
	ID        int64         `json:"id"`
	RunID     string        `json:"run_id"`
	Account   string        `json:"account"`
	Kind      SyncKind      `json:"kind"`
	Success   bool          `json:"success"`
	ItemCount int           `json:"item_count"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// AccountHealth is the mutable rollup derived from an account's sync
// event stream. Score is recomputed after every event.
type AccountHealth struct {
	Account             string         `json:"account"`
	TotalSyncs          int            `json:"total_syncs"`
	SuccessfulSyncs     int            `json:"successful_syncs"`
	FailedSyncs         int            `json:"failed_syncs"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	LastSyncAt          *time.Time     `json:"last_sync_at,omitempty"`
	LastSuccessAt       *time.Time     `json:"last_success_at,omitempty"`
	LastError           string         `json:"last_error,omitempty"`
	FailureCounts       map[string]int `json:"failure_counts,omitempty"`
	Score               float64        `json:"score"`
	Stale               bool           `json:"stale"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// AlertSeverity levels, ordered
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Alert is handed to registered alert callbacks. Delivery failures must
// never affect synchronization.
type Alert struct {
	Type     string         `json:"type"`
	Severity string         `json:"severity"`
	Account  string         `json:"account"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
}
