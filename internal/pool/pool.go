package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailmirror/internal/config"
	"github.com/brandon/mailmirror/internal/imap"
	"github.com/brandon/mailmirror/internal/metrics"
)

var (
	// ErrPoolClosed is returned by Acquire after Close
	ErrPoolClosed = errors.New("session pool is closed")

	// ErrPoolExhausted is returned when no session became available within
	// the configured wait timeout. Retryable by the caller.
	ErrPoolExhausted = errors.New("session pool exhausted")
)

// Dialer opens a new authenticated session for an account. Swapped out in
// tests.
type Dialer func(acc *config.AccountConfig) (imap.Conn, error)

// Session is one pooled IMAP connection. It is never shared between
// concurrent borrowers; the holder must return it with Release.
type Session struct {
	account        *config.AccountConfig
	conn           imap.Conn
	createdAt      time.Time
	lastUsed       time.Time
	healthFailures int
}

// Conn returns the live connection
func (s *Session) Conn() imap.Conn { return s.conn }

// Account returns the account the session is bound to
func (s *Session) Account() *config.AccountConfig { return s.account }

// Age returns the time since the session was opened
func (s *Session) Age() time.Duration { return time.Since(s.createdAt) }

// Stats counts pool events since startup
type Stats struct {
	Created   int
	Reused    int
	Discarded int
	Exhausted int
}

type bucket struct {
	idle []*Session
	live int
	// notify wakes one waiter when a session is released or a slot frees up
	notify chan struct{}
}

// Pool owns a bounded set of live IMAP sessions per account
type Pool struct {
	cfg    config.PoolConfig
	dial   Dialer
	logger *logrus.Logger

	mu      sync.Mutex
	buckets map[string]*bucket
	stats   Stats
	closed  bool

	done chan struct{}

	// onSweepError surfaces background sweep failures to the health
	// monitor's alert path. May be nil.
	onSweepError func(err error)
}

// New creates a session pool and starts its background sweep
func New(cfg config.PoolConfig, dial Dialer, logger *logrus.Logger) *Pool {
	p := &Pool{
		cfg:     cfg,
		dial:    dial,
		logger:  logger,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}

	if cfg.CleanupInterval > 0 {
		go p.sweepLoop()
	}

	return p
}

// OnSweepError registers a callback invoked when the background sweep
// fails to dispose of a session cleanly
func (p *Pool) OnSweepError(fn func(err error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSweepError = fn
}

func (p *Pool) bucketFor(name string) *bucket {
	b, ok := p.buckets[name]
	if !ok {
		b = &bucket{notify: make(chan struct{}, 1)}
		p.buckets[name] = b
	}
	return b
}

// Acquire returns a live session for the account, reusing an idle one when
// possible. When the per-account limit is reached it blocks up to the
// configured wait timeout and then fails with ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context, acc *config.AccountConfig) (*Session, error) {
	deadline := time.Now().Add(p.cfg.WaitTimeout)

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		b := p.bucketFor(acc.Name)

		// Prefer an idle session
		if n := len(b.idle); n > 0 {
			s := b.idle[n-1]
			b.idle = b.idle[:n-1]
			p.mu.Unlock()

			if err := p.validate(s); err != nil {
				p.discard(s, err)
				continue
			}

			s.lastUsed = time.Now()
			p.mu.Lock()
			p.stats.Reused++
			p.mu.Unlock()
			metrics.SessionsReused.WithLabelValues(acc.Name).Inc()
			return s, nil
		}

		// Open a new session if the account has quota left
		if b.live < p.cfg.MaxSessionsPerAccount {
			b.live++
			p.mu.Unlock()

			conn, err := p.dial(acc)
			if err != nil {
				p.mu.Lock()
				b.live--
				p.mu.Unlock()
				p.signal(b)
				return nil, fmt.Errorf("failed to open session for account %s: %w", acc.Name, err)
			}

			p.mu.Lock()
			p.stats.Created++
			p.mu.Unlock()
			metrics.SessionsCreated.WithLabelValues(acc.Name).Inc()

			now := time.Now()
			return &Session{account: acc, conn: conn, createdAt: now, lastUsed: now}, nil
		}
		p.mu.Unlock()

		// At the limit: wait for a release within the remaining budget
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, p.exhausted(acc)
		}

		timer := time.NewTimer(wait)
		select {
		case <-b.notify:
			timer.Stop()
		case <-timer.C:
			return nil, p.exhausted(acc)
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-p.done:
			timer.Stop()
			return nil, ErrPoolClosed
		}
	}
}

func (p *Pool) exhausted(acc *config.AccountConfig) error {
	p.mu.Lock()
	p.stats.Exhausted++
	p.mu.Unlock()
	metrics.PoolExhausted.WithLabelValues(acc.Name).Inc()
	return fmt.Errorf("account %s: all %d sessions busy after %s: %w",
		acc.Name, p.cfg.MaxSessionsPerAccount, p.cfg.WaitTimeout, ErrPoolExhausted)
}

// Release returns a session to the pool. After Close the session is
// destroyed instead.
func (p *Pool) Release(s *Session) {
	if s == nil {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		s.conn.Close() //nolint:errcheck
		return
	}
	b := p.bucketFor(s.account.Name)
	s.lastUsed = time.Now()
	b.idle = append(b.idle, s)
	p.mu.Unlock()

	p.signal(b)
}

// validate rejects sessions past their maximum age or failing the NOOP
// health check
func (p *Pool) validate(s *Session) error {
	if s.Age() > p.cfg.SessionMaxAge {
		return fmt.Errorf("session expired after %s", s.Age().Round(time.Second))
	}
	if err := s.conn.Noop(); err != nil {
		s.healthFailures++
		return fmt.Errorf("health check failed (%d in a row): %w", s.healthFailures, err)
	}
	return nil
}

// discard destroys a session and frees its quota slot
func (p *Pool) discard(s *Session, cause error) {
	p.logger.WithError(cause).WithField("account", s.account.Name).Debug("Discarding session")
	metrics.SessionsDiscarded.WithLabelValues(s.account.Name, discardReason(cause)).Inc()

	if err := s.conn.Close(); err != nil {
		p.logger.WithError(err).WithField("account", s.account.Name).Debug("Error closing discarded session")
	}

	p.mu.Lock()
	b := p.bucketFor(s.account.Name)
	b.live--
	p.stats.Discarded++
	p.mu.Unlock()

	p.signal(b)
}

func discardReason(cause error) string {
	if cause == nil {
		return "shutdown"
	}
	if strings.HasPrefix(cause.Error(), "session expired") {
		return "expired"
	}
	return "unhealthy"
}

// signal wakes one waiter, if any
func (p *Pool) signal(b *bucket) {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// sweepLoop periodically evicts expired and unhealthy idle sessions
func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.done:
			return
		}
	}
}

// sweep drains every account's idle sessions, discards the expired or
// unhealthy ones and puts the rest back
func (p *Pool) sweep() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	type drained struct {
		b    *bucket
		idle []*Session
	}
	var work []drained
	for _, b := range p.buckets {
		if len(b.idle) > 0 {
			work = append(work, drained{b: b, idle: b.idle})
			b.idle = nil
		}
	}
	onErr := p.onSweepError
	p.mu.Unlock()

	for _, w := range work {
		var keep []*Session
		for _, s := range w.idle {
			if err := p.validate(s); err != nil {
				if closeErr := s.conn.Close(); closeErr != nil && onErr != nil {
					onErr(fmt.Errorf("account %s: closing swept session: %w", s.account.Name, closeErr))
				}
				metrics.SessionsDiscarded.WithLabelValues(s.account.Name, discardReason(err)).Inc()
				p.mu.Lock()
				w.b.live--
				p.stats.Discarded++
				p.mu.Unlock()
				p.signal(w.b)
				continue
			}
			keep = append(keep, s)
		}

		if len(keep) > 0 {
			p.mu.Lock()
			w.b.idle = append(w.b.idle, keep...)
			p.mu.Unlock()
			p.signal(w.b)
		}
	}
}

// Stats returns a snapshot of pool event counters
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Live returns the number of open sessions for an account, busy or idle
func (p *Pool) Live(account string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.buckets[account]; ok {
		return b.live
	}
	return 0
}

// Close forcibly closes every idle session and marks the pool closed.
// Sessions still out on loan are destroyed when released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)

	var all []*Session
	for _, b := range p.buckets {
		all = append(all, b.idle...)
		b.idle = nil
		b.live = 0
	}
	p.buckets = make(map[string]*bucket)
	p.mu.Unlock()

	for _, s := range all {
		s.conn.Close() //nolint:errcheck
	}

	p.logger.Info("Session pool closed")
}
