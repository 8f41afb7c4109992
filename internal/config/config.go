package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	CachePath   string
	LogLevel    string
	MetricsAddr string

	Pool   PoolConfig
	Sync   SyncConfig
	Health HealthConfig

	// Accounts
	Accounts []AccountConfig
}

// PoolConfig controls the IMAP session pool
type PoolConfig struct {
	MaxSessionsPerAccount int
	SessionMaxAge         time.Duration
	WaitTimeout           time.Duration
	CleanupInterval       time.Duration
}

// SyncConfig controls the synchronization engine and scheduler
type SyncConfig struct {
	IncrementalInterval   time.Duration
	FullSyncInterval      time.Duration
	FirstSyncLookbackDays int
	MaxIncrementalDays    int
	OverlapHours          int
	BatchSize             int
	BatchPause            time.Duration
	MaxConcurrentAccounts int
	SyncAllFolders        bool
	ExcludedFolders       []string
	PriorityFolders       []string
	MaxCrossFolderSearch  int
}

// HealthConfig controls the health monitor
type HealthConfig struct {
	StalenessThresholdHours int
	EventRetentionDays      int
}

// AccountConfig holds configuration for a single email account.
// Provider is a hint for provider-specific behavior: "netease" servers
// reject most commands until an ID announcement is sent after login,
// and "gmail" aliases all mail into one virtual folder so cross-folder
// identity search is pointless.
type AccountConfig struct {
	Name string

	IMAPHost     string
	IMAPPort     int
	IMAPUsername string
	IMAPPassword string

	Provider string
}

// LoadConfig loads configuration from an optional config file and
// environment variables. Every tunable has a default; accounts come from
// the environment only.
func LoadConfig() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("mailmirror")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/mailmirror")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		CachePath:   v.GetString("cache_path"),
		LogLevel:    v.GetString("log_level"),
		MetricsAddr: v.GetString("metrics_addr"),
		Pool: PoolConfig{
			MaxSessionsPerAccount: v.GetInt("pool.max_sessions_per_account"),
			SessionMaxAge:         v.GetDuration("pool.session_max_age"),
			WaitTimeout:           v.GetDuration("pool.wait_timeout"),
			CleanupInterval:       v.GetDuration("pool.cleanup_interval"),
		},
		Sync: SyncConfig{
			IncrementalInterval:   v.GetDuration("sync.incremental_interval"),
			FullSyncInterval:      v.GetDuration("sync.full_sync_interval"),
			FirstSyncLookbackDays: v.GetInt("sync.first_sync_lookback_days"),
			MaxIncrementalDays:    v.GetInt("sync.max_incremental_days"),
			OverlapHours:          v.GetInt("sync.overlap_hours"),
			BatchSize:             v.GetInt("sync.batch_size"),
			BatchPause:            v.GetDuration("sync.batch_pause"),
			MaxConcurrentAccounts: v.GetInt("sync.max_concurrent_accounts"),
			SyncAllFolders:        v.GetBool("sync.sync_all_folders"),
			ExcludedFolders:       v.GetStringSlice("sync.excluded_folders"),
			PriorityFolders:       v.GetStringSlice("sync.priority_folders"),
			MaxCrossFolderSearch:  v.GetInt("sync.max_cross_folder_search"),
		},
		Health: HealthConfig{
			StalenessThresholdHours: v.GetInt("health.staleness_threshold_hours"),
			EventRetentionDays:      v.GetInt("health.event_retention_days"),
		},
	}

	// Load accounts
	accounts, err := loadAccounts()
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}

	if len(accounts) == 0 {
		return nil, fmt.Errorf("no email accounts configured")
	}

	cfg.Accounts = accounts
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache_path", "/data/mailmirror.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", "")

	v.SetDefault("pool.max_sessions_per_account", 3)
	v.SetDefault("pool.session_max_age", 30*time.Minute)
	v.SetDefault("pool.wait_timeout", 60*time.Second)
	v.SetDefault("pool.cleanup_interval", 5*time.Minute)

	v.SetDefault("sync.incremental_interval", 15*time.Minute)
	v.SetDefault("sync.full_sync_interval", 24*time.Hour)
	v.SetDefault("sync.first_sync_lookback_days", 180)
	v.SetDefault("sync.max_incremental_days", 7)
	v.SetDefault("sync.overlap_hours", 24)
	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("sync.batch_pause", 500*time.Millisecond)
	v.SetDefault("sync.max_concurrent_accounts", 2)
	v.SetDefault("sync.sync_all_folders", true)
	v.SetDefault("sync.excluded_folders", []string{})
	v.SetDefault("sync.priority_folders", []string{"INBOX", "Sent", "Archive"})
	v.SetDefault("sync.max_cross_folder_search", 10)

	v.SetDefault("health.staleness_threshold_hours", 24)
	v.SetDefault("health.event_retention_days", 30)
}

// loadAccounts loads email account configurations from environment variables
func loadAccounts() ([]AccountConfig, error) {
	var accounts []AccountConfig

	// First, try single account configuration (for backward compatibility)
	if getEnv("IMAP_HOST", "") != "" {
		account, err := loadAccount("")
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
		return accounts, nil
	}

	// Load multiple accounts (ACCOUNT_1_*, ACCOUNT_2_*, etc.)
	accountNum := 1
	for {
		account, err := loadAccount(fmt.Sprintf("ACCOUNT_%d_", accountNum))
		if err != nil {
			break // No more accounts
		}
		accounts = append(accounts, *account)
		accountNum++
	}

	if len(accounts) == 0 {
		return nil, fmt.Errorf("no accounts found in environment variables")
	}

	return accounts, nil
}

// loadAccount loads one account from environment variables with the given
// prefix ("" for the single-account form)
func loadAccount(prefix string) (*AccountConfig, error) {
	name := getEnv(prefix+"NAME", "")
	if name == "" {
		if prefix != "" {
			return nil, fmt.Errorf("account %s: NAME is required", prefix)
		}
		name = getEnv("ACCOUNT_NAME", "default")
	}

	imapHost := getEnv(prefix+"IMAP_HOST", "")
	imapPort := getEnvInt(prefix+"IMAP_PORT", 993)
	imapUsername := getEnv(prefix+"IMAP_USERNAME", "")
	imapPassword := getEnv(prefix+"IMAP_PASSWORD", "")
	provider := getEnv(prefix+"PROVIDER", "")

	if imapHost == "" {
		return nil, fmt.Errorf("account %s: IMAP_HOST is required", name)
	}
	if imapUsername == "" {
		return nil, fmt.Errorf("account %s: IMAP_USERNAME is required", name)
	}
	if imapPassword == "" {
		return nil, fmt.Errorf("account %s: IMAP_PASSWORD is required", name)
	}

	return &AccountConfig{
		Name:         name,
		IMAPHost:     imapHost,
		IMAPPort:     imapPort,
		IMAPUsername: imapUsername,
		IMAPPassword: imapPassword,
		Provider:     strings.ToLower(provider),
	}, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetAccountByName finds an account by name
func (c *Config) GetAccountByName(name string) (*AccountConfig, error) {
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("account not found: %s", name)
}

// AccountNames returns a list of all account names
func (c *Config) AccountNames() []string {
	names := make([]string, len(c.Accounts))
	for i := range c.Accounts {
		names[i] = c.Accounts[i].Name
	}
	return names
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.CachePath == "" {
		return fmt.Errorf("cache_path is required")
	}

	if c.Pool.MaxSessionsPerAccount < 1 {
		return fmt.Errorf("pool.max_sessions_per_account must be at least 1")
	}
	if c.Pool.SessionMaxAge <= 0 {
		return fmt.Errorf("pool.session_max_age must be positive")
	}
	if c.Pool.WaitTimeout <= 0 {
		return fmt.Errorf("pool.wait_timeout must be positive")
	}

	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("sync.batch_size must be at least 1")
	}
	if c.Sync.MaxConcurrentAccounts < 1 {
		return fmt.Errorf("sync.max_concurrent_accounts must be at least 1")
	}
	if c.Sync.FirstSyncLookbackDays < 1 || c.Sync.MaxIncrementalDays < 1 {
		return fmt.Errorf("sync look-back windows must be at least 1 day")
	}

	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account must be configured")
	}

	// Validate each account
	seen := make(map[string]bool)
	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if seen[acc.Name] {
			return fmt.Errorf("duplicate account name: %s", acc.Name)
		}
		seen[acc.Name] = true
		if acc.IMAPHost == "" {
			return fmt.Errorf("account %s: IMAP_HOST is required", acc.Name)
		}
		if acc.IMAPPort < 1 || acc.IMAPPort > 65535 {
			return fmt.Errorf("account %s: invalid IMAP_PORT", acc.Name)
		}
	}

	return nil
}
