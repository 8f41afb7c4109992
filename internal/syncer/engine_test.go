package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailmirror/internal/cache"
	"github.com/brandon/mailmirror/internal/config"
	"github.com/brandon/mailmirror/internal/health"
	"github.com/brandon/mailmirror/internal/imap"
	"github.com/brandon/mailmirror/internal/pool"
	"github.com/brandon/mailmirror/pkg/types"
)

type fakeConn struct {
	folders   []types.FolderInfo
	mail      map[string][]*types.Email
	selectErr map[string]error
	searchErr map[string]error
	listErr   error
}

func (c *fakeConn) Noop() error  { return nil }
func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) ListFolders() ([]types.FolderInfo, error) {
	if c.listErr != nil {
		return nil, c.listErr
	}
	return c.folders, nil
}

func (c *fakeConn) Select(folder string) (*imap.FolderStatus, error) {
	if err := c.selectErr[folder]; err != nil {
		return nil, err
	}
	return &imap.FolderStatus{Name: folder, Messages: uint32(len(c.mail[folder]))}, nil
}

func (c *fakeConn) SearchSince(folder string, since time.Time) ([]uint32, error) {
	if err := c.selectErr[folder]; err != nil {
		return nil, err
	}
	if err := c.searchErr[folder]; err != nil {
		return nil, err
	}
	var uids []uint32
	for _, m := range c.mail[folder] {
		if since.IsZero() || !m.Date.Before(since) {
			uids = append(uids, m.UID)
		}
	}
	return uids, nil
}

func (c *fakeConn) SearchHeader(folder, field, value string) ([]uint32, error) {
	var uids []uint32
	for _, m := range c.mail[folder] {
		if m.MessageID == value {
			uids = append(uids, m.UID)
		}
	}
	return uids, nil
}

func (c *fakeConn) FetchSummaries(folder string, uids []uint32) ([]*types.Email, error) {
	want := make(map[uint32]bool, len(uids))
	for _, uid := range uids {
		want[uid] = true
	}
	var out []*types.Email
	for _, m := range c.mail[folder] {
		if want[m.UID] {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (c *fakeConn) FetchMessage(folder string, uid uint32) (*types.Email, error) {
	for _, m := range c.mail[folder] {
		if m.UID == uid {
			cp := *m
			return &cp, nil
		}
	}
	return nil, imap.ErrNoSuchMessage
}

func mailItem(uid uint32, messageID string, age time.Duration) *types.Email {
	return &types.Email{
		UID:         uid,
		MessageID:   messageID,
		Subject:     "subject " + messageID,
		SenderEmail: "sender@example.com",
		Date:        time.Now().Add(-age),
	}
}

func testConfig(accounts ...string) *config.Config {
	cfg := &config.Config{
		CachePath: "unused",
		Pool: config.PoolConfig{
			MaxSessionsPerAccount: 2,
			SessionMaxAge:         time.Hour,
			WaitTimeout:           200 * time.Millisecond,
		},
		Sync: config.SyncConfig{
			FirstSyncLookbackDays: 180,
			MaxIncrementalDays:    7,
			OverlapHours:          24,
			BatchSize:             2,
			MaxConcurrentAccounts: 2,
			SyncAllFolders:        true,
			PriorityFolders:       []string{"INBOX"},
		},
		Health: config.HealthConfig{
			StalenessThresholdHours: 24,
			EventRetentionDays:      30,
		},
	}
	for _, name := range accounts {
		cfg.Accounts = append(cfg.Accounts, config.AccountConfig{
			Name:         name,
			IMAPHost:     "imap.example.com",
			IMAPPort:     993,
			IMAPUsername: name,
			IMAPPassword: "secret",
		})
	}
	return cfg
}

type testEnv struct {
	engine  *Engine
	store   *cache.Store
	monitor *health.Monitor
	pool    *pool.Pool
}

func newTestEnv(t *testing.T, cfg *config.Config, dial pool.Dialer) *testEnv {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	c, err := cache.NewCache(filepath.Join(t.TempDir(), "cache.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	store := cache.NewStore(c, logger)
	monitor := health.NewMonitor(cfg.Health, store, logger)
	p := pool.New(cfg.Pool, dial, logger)
	t.Cleanup(p.Close)

	return &testEnv{
		engine:  NewEngine(cfg, p, store, monitor, logger),
		store:   store,
		monitor: monitor,
		pool:    p,
	}
}

func TestSyncAccountMirrorsAllFolders(t *testing.T) {
	conn := &fakeConn{
		folders: []types.FolderInfo{{Name: "INBOX"}, {Name: "Archive"}},
		mail: map[string][]*types.Email{
			"INBOX": {
				mailItem(1, "<a@x>", time.Hour),
				mailItem(2, "<b@x>", 2*time.Hour),
				mailItem(3, "<c@x>", 3*time.Hour),
			},
			"Archive": {
				mailItem(7, "<d@x>", time.Hour),
				mailItem(8, "<e@x>", 2*time.Hour),
			},
		},
	}
	cfg := testConfig("work")
	env := newTestEnv(t, cfg, func(*config.AccountConfig) (imap.Conn, error) { return conn, nil })

	res, err := env.engine.SyncAccount(context.Background(), "work", false)
	require.NoError(t, err)
	require.False(t, res.Failed())

	assert.Equal(t, 2, res.FoldersSynced)
	assert.Empty(t, res.FolderErrors)
	assert.Equal(t, 5, res.ItemsAdded)
	assert.Equal(t, 0, res.ItemsUpdated)

	accountID, err := env.store.GetAccountID("work")
	require.NoError(t, err)
	count, err := env.store.CountEmails(accountID)
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestRepeatedSyncIsIdempotent(t *testing.T) {
	conn := &fakeConn{
		folders: []types.FolderInfo{{Name: "INBOX"}},
		mail: map[string][]*types.Email{
			"INBOX": {
				mailItem(1, "<a@x>", time.Hour),
				mailItem(2, "<b@x>", 2*time.Hour),
			},
		},
	}
	cfg := testConfig("work")
	env := newTestEnv(t, cfg, func(*config.AccountConfig) (imap.Conn, error) { return conn, nil })

	first, err := env.engine.SyncAccount(context.Background(), "work", false)
	require.NoError(t, err)
	assert.Equal(t, 2, first.ItemsAdded)

	// The second pass covers an overlapping window; the upsert key makes
	// the re-scan a no-op for totals
	second, err := env.engine.SyncAccount(context.Background(), "work", false)
	require.NoError(t, err)
	assert.Equal(t, 0, second.ItemsAdded)
	assert.Equal(t, 2, second.ItemsUpdated)

	accountID, err := env.store.GetAccountID("work")
	require.NoError(t, err)
	count, err := env.store.CountEmails(accountID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestFolderFailureDoesNotAbortAccount(t *testing.T) {
	conn := &fakeConn{
		folders: []types.FolderInfo{{Name: "INBOX"}, {Name: "Archive"}, {Name: "Receipts"}},
		mail: map[string][]*types.Email{
			"Archive":  {mailItem(4, "<d@x>", time.Hour)},
			"Receipts": {mailItem(9, "<r@x>", time.Hour)},
		},
		selectErr: map[string]error{"INBOX": errors.New("SELECT failed")},
	}
	cfg := testConfig("work")
	env := newTestEnv(t, cfg, func(*config.AccountConfig) (imap.Conn, error) { return conn, nil })

	res, err := env.engine.SyncAccount(context.Background(), "work", false)
	require.NoError(t, err)

	assert.False(t, res.Failed(), "folder-level errors must not fail the account")
	assert.Equal(t, 2, res.FoldersSynced)
	require.Len(t, res.FolderErrors, 1)
	assert.Equal(t, "INBOX", res.FolderErrors[0].Folder)
	assert.Contains(t, res.FolderErrors[0].Error, "SELECT failed")
	assert.Equal(t, 2, res.ItemsAdded)

	status, ok := env.monitor.Status("work")
	require.True(t, ok)
	assert.Equal(t, 0, status.ConsecutiveFailures)
}

func TestAuthFailureFailsAccount(t *testing.T) {
	cfg := testConfig("work")
	env := newTestEnv(t, cfg, func(*config.AccountConfig) (imap.Conn, error) {
		return nil, errors.New("login failed: invalid credentials")
	})

	res, err := env.engine.SyncAccount(context.Background(), "work", false)
	require.NoError(t, err)
	require.True(t, res.Failed())

	status, ok := env.monitor.Status("work")
	require.True(t, ok)
	assert.Equal(t, 1, status.ConsecutiveFailures)
	assert.Equal(t, 1, status.FailureCounts["authentication"])
}

func TestSyncAllCollectsEveryAccount(t *testing.T) {
	conns := map[string]*fakeConn{
		"work": {
			folders: []types.FolderInfo{{Name: "INBOX"}},
			mail:    map[string][]*types.Email{"INBOX": {mailItem(1, "<a@x>", time.Hour)}},
		},
		"personal": {
			folders: []types.FolderInfo{{Name: "INBOX"}},
			mail: map[string][]*types.Email{"INBOX": {
				mailItem(1, "<p1@x>", time.Hour),
				mailItem(2, "<p2@x>", time.Hour),
			}},
		},
	}
	cfg := testConfig("work", "personal")
	env := newTestEnv(t, cfg, func(acc *config.AccountConfig) (imap.Conn, error) {
		return conns[acc.Name], nil
	})

	res := env.engine.SyncAll(context.Background(), false)

	require.Len(t, res.Accounts, 2)
	assert.Equal(t, 3, res.ItemsAdded())
	for _, accRes := range res.Accounts {
		assert.False(t, accRes.Failed())
		assert.NotEmpty(t, accRes.RunID)
	}
}

func TestFailedFolderDoesNotAdvanceWindow(t *testing.T) {
	conn := &fakeConn{
		folders: []types.FolderInfo{{Name: "INBOX"}},
		mail: map[string][]*types.Email{
			"INBOX": {mailItem(1, "<a@x>", time.Hour)},
		},
		searchErr: map[string]error{"INBOX": errors.New("SEARCH failed")},
	}
	cfg := testConfig("work")
	env := newTestEnv(t, cfg, func(*config.AccountConfig) (imap.Conn, error) { return conn, nil })

	res, err := env.engine.SyncAccount(context.Background(), "work", false)
	require.NoError(t, err)
	require.Len(t, res.FolderErrors, 1)
	assert.Equal(t, 0, res.ItemsAdded)

	accountID, err := env.store.GetAccountID("work")
	require.NoError(t, err)
	last, err := env.store.LastSyncTime(accountID)
	require.NoError(t, err)
	assert.True(t, last.IsZero(), "a failed folder pass must not advance the incremental window")

	// The next pass still sees the first-sync window and mirrors the mail
	conn.searchErr = nil
	res, err = env.engine.SyncAccount(context.Background(), "work", false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ItemsAdded)
}

func TestSyncAllManyConcurrentAccounts(t *testing.T) {
	names := []string{"a1", "a2", "a3", "a4"}
	conns := make(map[string]*fakeConn, len(names))
	for i, name := range names {
		conns[name] = &fakeConn{
			folders: []types.FolderInfo{{Name: "INBOX"}},
			mail: map[string][]*types.Email{"INBOX": {
				mailItem(1, fmt.Sprintf("<%d-a@x>", i), time.Hour),
				mailItem(2, fmt.Sprintf("<%d-b@x>", i), 2*time.Hour),
			}},
		}
	}
	cfg := testConfig(names...)
	cfg.Sync.MaxConcurrentAccounts = len(names)
	env := newTestEnv(t, cfg, func(acc *config.AccountConfig) (imap.Conn, error) {
		return conns[acc.Name], nil
	})

	res := env.engine.SyncAll(context.Background(), false)

	require.Len(t, res.Accounts, len(names))
	for _, accRes := range res.Accounts {
		assert.False(t, accRes.Failed(), "account %s: %v", accRes.Account, accRes.Err)
		assert.Empty(t, accRes.FolderErrors)
	}
	assert.Equal(t, 8, res.ItemsAdded())
}

func TestOverlappingRunsAreRejected(t *testing.T) {
	conn := &fakeConn{folders: []types.FolderInfo{{Name: "INBOX"}}}
	cfg := testConfig("work")
	env := newTestEnv(t, cfg, func(*config.AccountConfig) (imap.Conn, error) { return conn, nil })

	require.True(t, env.engine.tryLock("work"))
	defer env.engine.unlock("work")

	_, err := env.engine.SyncAccount(context.Background(), "work", false)
	assert.ErrorIs(t, err, ErrSyncInProgress)
}

func TestFullSyncIgnoresWindow(t *testing.T) {
	conn := &fakeConn{
		folders: []types.FolderInfo{{Name: "INBOX"}},
		mail: map[string][]*types.Email{
			"INBOX": {
				mailItem(1, "<old@x>", 365*24*time.Hour),
				mailItem(2, "<new@x>", time.Hour),
			},
		},
	}
	cfg := testConfig("work")
	env := newTestEnv(t, cfg, func(*config.AccountConfig) (imap.Conn, error) { return conn, nil })

	// Incremental first sync misses the year-old message
	res, err := env.engine.SyncAccount(context.Background(), "work", false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ItemsAdded)

	// A full pass reconciles everything
	res, err = env.engine.SyncAccount(context.Background(), "work", true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ItemsAdded)
	assert.Equal(t, 1, res.ItemsUpdated)
}
