package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailmirror/internal/config"
	"github.com/brandon/mailmirror/internal/imap"
	"github.com/brandon/mailmirror/pkg/types"
)

type fakeConn struct {
	mu      sync.Mutex
	noopErr error
	closed  bool
}

func (c *fakeConn) Noop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.noopErr
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) setNoopErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noopErr = err
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) ListFolders() ([]types.FolderInfo, error)         { return nil, nil }
func (c *fakeConn) Select(string) (*imap.FolderStatus, error)        { return &imap.FolderStatus{}, nil }
func (c *fakeConn) SearchSince(string, time.Time) ([]uint32, error)  { return nil, nil }
func (c *fakeConn) SearchHeader(string, string, string) ([]uint32, error) {
	return nil, nil
}
func (c *fakeConn) FetchSummaries(string, []uint32) ([]*types.Email, error) { return nil, nil }
func (c *fakeConn) FetchMessage(string, uint32) (*types.Email, error)       { return nil, nil }

func testAccount() *config.AccountConfig {
	return &config.AccountConfig{
		Name:         "work",
		IMAPHost:     "imap.example.com",
		IMAPPort:     993,
		IMAPUsername: "user",
		IMAPPassword: "secret",
	}
}

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		MaxSessionsPerAccount: 2,
		SessionMaxAge:         time.Hour,
		WaitTimeout:           100 * time.Millisecond,
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// countingDialer records connections it handed out
type countingDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
}

func (d *countingDialer) dial(*config.AccountConfig) (imap.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *countingDialer) dialed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func TestAcquireReusesHealthySession(t *testing.T) {
	t.Parallel()

	dialer := &countingDialer{}
	p := New(testPoolConfig(), dialer.dial, quietLogger())
	defer p.Close()
	acc := testAccount()

	s1, err := p.Acquire(context.Background(), acc)
	require.NoError(t, err)
	p.Release(s1)

	s2, err := p.Acquire(context.Background(), acc)
	require.NoError(t, err)
	p.Release(s2)

	assert.Same(t, s1, s2)
	assert.Equal(t, 1, dialer.dialed())

	stats := p.Stats()
	assert.Equal(t, 1, stats.Created)
	assert.Equal(t, 1, stats.Reused)
}

func TestAcquireNeverExceedsLimit(t *testing.T) {
	t.Parallel()

	dialer := &countingDialer{}
	p := New(testPoolConfig(), dialer.dial, quietLogger())
	defer p.Close()
	acc := testAccount()

	s1, err := p.Acquire(context.Background(), acc)
	require.NoError(t, err)
	s2, err := p.Acquire(context.Background(), acc)
	require.NoError(t, err)

	// Both slots busy: the third acquire must time out, not hang
	start := time.Now()
	_, err = p.Acquire(context.Background(), acc)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Contains(t, err.Error(), "work")
	assert.Contains(t, err.Error(), "2")
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, 2, p.Live("work"))

	p.Release(s1)
	p.Release(s2)
}

func TestExpiredSessionIsRecreated(t *testing.T) {
	t.Parallel()

	cfg := testPoolConfig()
	cfg.SessionMaxAge = 10 * time.Millisecond
	dialer := &countingDialer{}
	p := New(cfg, dialer.dial, quietLogger())
	defer p.Close()
	acc := testAccount()

	s1, err := p.Acquire(context.Background(), acc)
	require.NoError(t, err)
	p.Release(s1)

	time.Sleep(20 * time.Millisecond)

	s2, err := p.Acquire(context.Background(), acc)
	require.NoError(t, err)
	defer p.Release(s2)

	assert.NotSame(t, s1, s2)
	assert.Equal(t, 2, dialer.dialed())
	assert.True(t, dialer.conns[0].isClosed())
	assert.Equal(t, 1, p.Stats().Discarded)
}

func TestUnhealthySessionIsDiscarded(t *testing.T) {
	t.Parallel()

	dialer := &countingDialer{}
	p := New(testPoolConfig(), dialer.dial, quietLogger())
	defer p.Close()
	acc := testAccount()

	s1, err := p.Acquire(context.Background(), acc)
	require.NoError(t, err)
	p.Release(s1)

	dialer.conns[0].setNoopErr(errors.New("connection reset"))

	s2, err := p.Acquire(context.Background(), acc)
	require.NoError(t, err)
	defer p.Release(s2)

	assert.NotSame(t, s1, s2)
	assert.True(t, dialer.conns[0].isClosed())
	assert.Equal(t, 2, p.Stats().Created)
}

func TestReleaseUnblocksWaiter(t *testing.T) {
	t.Parallel()

	cfg := testPoolConfig()
	cfg.MaxSessionsPerAccount = 1
	cfg.WaitTimeout = 2 * time.Second
	dialer := &countingDialer{}
	p := New(cfg, dialer.dial, quietLogger())
	defer p.Close()
	acc := testAccount()

	s1, err := p.Acquire(context.Background(), acc)
	require.NoError(t, err)

	got := make(chan error, 1)
	go func() {
		s, err := p.Acquire(context.Background(), acc)
		if err == nil {
			p.Release(s)
		}
		got <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(s1)

	select {
	case err := <-got:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("waiter was never unblocked")
	}
}

func TestDialFailureDoesNotConsumeQuota(t *testing.T) {
	t.Parallel()

	dialer := &countingDialer{err: errors.New("login failed")}
	p := New(testPoolConfig(), dialer.dial, quietLogger())
	defer p.Close()
	acc := testAccount()

	_, err := p.Acquire(context.Background(), acc)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPoolExhausted)
	assert.Equal(t, 0, p.Live("work"))

	dialer.mu.Lock()
	dialer.err = nil
	dialer.mu.Unlock()

	s, err := p.Acquire(context.Background(), acc)
	require.NoError(t, err)
	defer p.Release(s)
	assert.Equal(t, 1, p.Live("work"))
}

func TestSweepEvictsExpiredAndUnhealthy(t *testing.T) {
	t.Parallel()

	dialer := &countingDialer{}
	p := New(testPoolConfig(), dialer.dial, quietLogger())
	defer p.Close()
	acc := testAccount()

	s1, err := p.Acquire(context.Background(), acc)
	require.NoError(t, err)
	s2, err := p.Acquire(context.Background(), acc)
	require.NoError(t, err)
	p.Release(s1)
	p.Release(s2)

	dialer.conns[0].setNoopErr(errors.New("broken pipe"))
	p.sweep()

	assert.True(t, dialer.conns[0].isClosed())
	assert.False(t, dialer.conns[1].isClosed())
	assert.Equal(t, 1, p.Live("work"))
}

func TestAcquireAfterClose(t *testing.T) {
	t.Parallel()

	dialer := &countingDialer{}
	p := New(testPoolConfig(), dialer.dial, quietLogger())
	acc := testAccount()

	s, err := p.Acquire(context.Background(), acc)
	require.NoError(t, err)
	p.Release(s)

	p.Close()

	_, err = p.Acquire(context.Background(), acc)
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.True(t, dialer.conns[0].isClosed())
}
