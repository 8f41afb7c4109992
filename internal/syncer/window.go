package syncer

import (
	"time"

	"github.com/brandon/mailmirror/internal/config"
)

// Window computes the lower bound of the scan for one account. A zero
// return means no lower bound (full reconcile).
//
// Incremental scans back up by an overlap buffer because remote items can
// be reported with timestamps slightly before the true boundary;
// re-scanning a trailing window is cheap since upserts are idempotent. The
// buffer is clamped so a long-idle account never turns an incremental pass
// into an unbounded one.
func Window(cfg config.SyncConfig, full bool, lastSync time.Time, hasMail bool, now time.Time) time.Time {
	if full {
		return time.Time{}
	}

	if !hasMail || lastSync.IsZero() {
		return now.AddDate(0, 0, -cfg.FirstSyncLookbackDays)
	}

	since := lastSync.Add(-time.Duration(cfg.OverlapHours) * time.Hour)
	floor := now.AddDate(0, 0, -cfg.MaxIncrementalDays)
	if since.Before(floor) {
		return floor
	}
	return since
}
