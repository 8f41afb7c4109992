package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setSingleAccountEnv(t *testing.T) {
	t.Helper()
	t.Setenv("IMAP_HOST", "imap.example.com")
	t.Setenv("IMAP_USERNAME", "user@example.com")
	t.Setenv("IMAP_PASSWORD", "secret")
}

func TestLoadConfigDefaults(t *testing.T) {
	setSingleAccountEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/data/mailmirror.db", cfg.CachePath)
	assert.Equal(t, "info", cfg.LogLevel)

	assert.Equal(t, 3, cfg.Pool.MaxSessionsPerAccount)
	assert.Equal(t, 30*time.Minute, cfg.Pool.SessionMaxAge)
	assert.Equal(t, 60*time.Second, cfg.Pool.WaitTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Pool.CleanupInterval)

	assert.Equal(t, 15*time.Minute, cfg.Sync.IncrementalInterval)
	assert.Equal(t, 24*time.Hour, cfg.Sync.FullSyncInterval)
	assert.Equal(t, 180, cfg.Sync.FirstSyncLookbackDays)
	assert.Equal(t, 7, cfg.Sync.MaxIncrementalDays)
	assert.Equal(t, 24, cfg.Sync.OverlapHours)
	assert.Equal(t, 50, cfg.Sync.BatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.BatchPause)
	assert.Equal(t, 2, cfg.Sync.MaxConcurrentAccounts)
	assert.True(t, cfg.Sync.SyncAllFolders)
	assert.Equal(t, []string{"INBOX", "Sent", "Archive"}, cfg.Sync.PriorityFolders)
	assert.Equal(t, 10, cfg.Sync.MaxCrossFolderSearch)

	assert.Equal(t, 24, cfg.Health.StalenessThresholdHours)
	assert.Equal(t, 30, cfg.Health.EventRetentionDays)

	require.NoError(t, cfg.Validate())
}

func TestLoadConfigSingleAccount(t *testing.T) {
	setSingleAccountEnv(t)
	t.Setenv("ACCOUNT_NAME", "personal")
	t.Setenv("IMAP_PORT", "1993")
	t.Setenv("PROVIDER", "Netease")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	require.Len(t, cfg.Accounts, 1)
	acc := cfg.Accounts[0]
	assert.Equal(t, "personal", acc.Name)
	assert.Equal(t, "imap.example.com", acc.IMAPHost)
	assert.Equal(t, 1993, acc.IMAPPort)
	assert.Equal(t, "user@example.com", acc.IMAPUsername)
	assert.Equal(t, "secret", acc.IMAPPassword)
	assert.Equal(t, "netease", acc.Provider, "provider hint is normalized to lower case")
}

func TestLoadConfigMultipleAccounts(t *testing.T) {
	t.Setenv("ACCOUNT_1_NAME", "work")
	t.Setenv("ACCOUNT_1_IMAP_HOST", "imap.work.example.com")
	t.Setenv("ACCOUNT_1_IMAP_USERNAME", "me@work.example.com")
	t.Setenv("ACCOUNT_1_IMAP_PASSWORD", "s1")
	t.Setenv("ACCOUNT_2_NAME", "personal")
	t.Setenv("ACCOUNT_2_IMAP_HOST", "imap.personal.example.com")
	t.Setenv("ACCOUNT_2_IMAP_USERNAME", "me@personal.example.com")
	t.Setenv("ACCOUNT_2_IMAP_PASSWORD", "s2")
	t.Setenv("ACCOUNT_2_PROVIDER", "gmail")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	require.Len(t, cfg.Accounts, 2)
	assert.Equal(t, []string{"work", "personal"}, cfg.AccountNames())

	acc, err := cfg.GetAccountByName("personal")
	require.NoError(t, err)
	assert.Equal(t, "gmail", acc.Provider)
	assert.Equal(t, 993, acc.IMAPPort, "port defaults per account")

	_, err = cfg.GetAccountByName("missing")
	assert.Error(t, err)
}

func TestLoadConfigEnvOverridesTunables(t *testing.T) {
	setSingleAccountEnv(t)
	t.Setenv("SYNC_BATCH_SIZE", "10")
	t.Setenv("POOL_MAX_SESSIONS_PER_ACCOUNT", "5")
	t.Setenv("POOL_SESSION_MAX_AGE", "10m")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Sync.BatchSize)
	assert.Equal(t, 5, cfg.Pool.MaxSessionsPerAccount)
	assert.Equal(t, 10*time.Minute, cfg.Pool.SessionMaxAge)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigRequiresAccounts(t *testing.T) {
	// No IMAP_* and no ACCOUNT_N_* variables set
	t.Setenv("IMAP_HOST", "")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfigRequiresCredentials(t *testing.T) {
	t.Setenv("IMAP_HOST", "imap.example.com")
	t.Setenv("IMAP_USERNAME", "user@example.com")
	t.Setenv("IMAP_PASSWORD", "")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IMAP_PASSWORD")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			CachePath: "/tmp/cache.db",
			Pool: PoolConfig{
				MaxSessionsPerAccount: 3,
				SessionMaxAge:         30 * time.Minute,
				WaitTimeout:           time.Minute,
			},
			Sync: SyncConfig{
				BatchSize:             50,
				MaxConcurrentAccounts: 2,
				FirstSyncLookbackDays: 180,
				MaxIncrementalDays:    7,
			},
			Accounts: []AccountConfig{
				{Name: "work", IMAPHost: "imap.example.com", IMAPPort: 993},
			},
		}
	}

	assert.NoError(t, base().Validate())

	cfg := base()
	cfg.CachePath = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Pool.MaxSessionsPerAccount = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Sync.BatchSize = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Accounts = append(cfg.Accounts, cfg.Accounts[0])
	assert.Error(t, cfg.Validate(), "duplicate account names are rejected")

	cfg = base()
	cfg.Accounts[0].IMAPPort = 70000
	assert.Error(t, cfg.Validate())
}
