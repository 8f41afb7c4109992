package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	SessionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailmirror",
		Subsystem: "pool",
		Name:      "sessions_created_total",
		Help:      "Number of IMAP sessions opened",
	}, []string{"account"})

	SessionsReused = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailmirror",
		Subsystem: "pool",
		Name:      "sessions_reused_total",
		Help:      "Number of idle IMAP sessions handed out again",
	}, []string{"account"})

	SessionsDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailmirror",
		Subsystem: "pool",
		Name:      "sessions_discarded_total",
		Help:      "Number of IMAP sessions discarded, by reason",
	}, []string{"account", "reason"})

	PoolExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailmirror",
		Subsystem: "pool",
		Name:      "exhausted_total",
		Help:      "Number of acquire attempts that timed out waiting for a session",
	}, []string{"account"})

	ItemsAdded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailmirror",
		Subsystem: "sync",
		Name:      "items_added_total",
		Help:      "Number of new mail items mirrored",
	}, []string{"account"})

	ItemsUpdated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailmirror",
		Subsystem: "sync",
		Name:      "items_updated_total",
		Help:      "Number of existing mail items refreshed",
	}, []string{"account"})

	FolderErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailmirror",
		Subsystem: "sync",
		Name:      "folder_errors_total",
		Help:      "Number of folder-level sync failures",
	}, []string{"account"})

	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailmirror",
		Subsystem: "sync",
		Name:      "runs_total",
		Help:      "Number of account sync attempts, by kind and outcome",
	}, []string{"account", "kind", "outcome"})

	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mailmirror",
		Subsystem: "sync",
		Name:      "duration_seconds",
		Help:      "Duration of account sync attempts",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"account"})
)

// Serve exposes the prometheus handler on addr. An empty addr disables the
// listener.
func Serve(addr string, logger *logrus.Logger) {
	if addr == "" {
		logger.Debug("Metrics address is empty, not exposing prometheus metrics")
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	logger.WithField("addr", addr).Info("Prometheus handler listening")
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.WithError(err).Warn("Failed to serve prometheus metrics")
		}
	}()
}
