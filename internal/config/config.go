package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/brandon/mailmirror/internal/errkind"
)

// Config holds the daemon configuration.
type Config struct {
	// Store settings
	StorePath          string        `env:"STORE_PATH" envDefault:"/data/mailmirror.db"`
	PoolSize           int           `env:"POOL_SIZE" envDefault:"4"`
	PoolAcquireTimeout time.Duration `env:"POOL_ACQUIRE_TIMEOUT" envDefault:"5s"`
	StoreBusyTimeout   time.Duration `env:"STORE_BUSY_TIMEOUT" envDefault:"5s"`
	WALCheckpointBytes int64         `env:"WAL_CHECKPOINT_BYTES" envDefault:"16777216"`
	LeasePath          string        `env:"LEASE_PATH"`
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"info"`

	// Sync behavior (runtime-updatable through SettingsHolder)
	Sync SyncSettings

	// Accounts
	Accounts []AccountConfig
}

// SyncSettings groups the sync parameters that can be updated at runtime.
type SyncSettings struct {
	IntervalMinutes      int           `env:"SYNC_INTERVAL_MINUTES" envDefault:"5"`
	FullSyncHours        int           `env:"FULL_SYNC_HOURS" envDefault:"24"`
	MaxConcurrency       int           `env:"SYNC_MAX_CONCURRENCY" envDefault:"4"`
	RetentionDays        int           `env:"RETENTION_DAYS" envDefault:"0"`
	BatchSize            int           `env:"SYNC_BATCH_SIZE" envDefault:"100"`
	QuickSyncBatch       int           `env:"QUICK_SYNC_BATCH" envDefault:"25"`
	FreshnessSeconds     int           `env:"FRESHNESS_SECONDS" envDefault:"300"`
	FullSyncLookbackDays int           `env:"FULL_SYNC_LOOKBACK_DAYS" envDefault:"90"`
	QuickSyncTimeout     time.Duration `env:"QUICK_SYNC_TIMEOUT" envDefault:"10s"`
	SessionTimeout       time.Duration `env:"SESSION_TIMEOUT" envDefault:"60s"`
	ForceLockWait        time.Duration `env:"FORCE_LOCK_WAIT" envDefault:"500ms"`
}

// AccountConfig holds configuration for a single mailbox account. Credentials
// are read from the environment and passed to the remote client only; the
// store never persists them.
type AccountConfig struct {
	Name     string
	Address  string
	Provider string

	IMAPHost     string
	IMAPPort     int
	IMAPUsername string
	IMAPPassword string
}

// LoadConfig loads configuration from an optional .env file and the environment.
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := env.Parse(&cfg.Sync); err != nil {
		return nil, fmt.Errorf("failed to parse sync settings: %w", err)
	}

	if cfg.LeasePath == "" {
		cfg.LeasePath = cfg.StorePath + ".lease"
	}

	accounts, err := loadAccounts()
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	cfg.Accounts = accounts

	return cfg, nil
}

// loadAccounts loads mailbox account configurations from environment variables.
func loadAccounts() ([]AccountConfig, error) {
	var accounts []AccountConfig

	// Single account configuration takes precedence (backward compatible)
	if getEnv("IMAP_HOST", "") != "" {
		account, err := loadSingleAccount()
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
		return accounts, nil
	}

	// Multiple accounts (ACCOUNT_1_*, ACCOUNT_2_*, etc.)
	accountNum := 1
	for {
		account, err := loadAccountByNumber(accountNum)
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

// loadSingleAccount loads a single account from unprefixed environment variables.
func loadSingleAccount() (*AccountConfig, error) {
	acc := &AccountConfig{
		Name:         getEnv("ACCOUNT_NAME", "default"),
		Address:      getEnv("ACCOUNT_ADDRESS", getEnv("IMAP_USERNAME", "")),
		Provider:     getEnv("ACCOUNT_PROVIDER", ""),
		IMAPHost:     getEnv("IMAP_HOST", ""),
		IMAPPort:     getEnvInt("IMAP_PORT", 993),
		IMAPUsername: getEnv("IMAP_USERNAME", ""),
		IMAPPassword: getEnv("IMAP_PASSWORD", ""),
	}

	if acc.IMAPHost == "" || acc.IMAPUsername == "" || acc.IMAPPassword == "" {
		return nil, fmt.Errorf("IMAP_HOST, IMAP_USERNAME and IMAP_PASSWORD are required")
	}

	return acc, nil
}

// loadAccountByNumber loads an account by number (ACCOUNT_1_*, ACCOUNT_2_*, etc.)
func loadAccountByNumber(num int) (*AccountConfig, error) {
	prefix := fmt.Sprintf("ACCOUNT_%d_", num)

	name := getEnv(prefix+"NAME", "")
	if name == "" {
		return nil, fmt.Errorf("account %d: NAME is required", num)
	}

	acc := &AccountConfig{
		Name:         name,
		Address:      getEnv(prefix+"ADDRESS", getEnv(prefix+"IMAP_USERNAME", "")),
		Provider:     getEnv(prefix+"PROVIDER", ""),
		IMAPHost:     getEnv(prefix+"IMAP_HOST", ""),
		IMAPPort:     getEnvInt(prefix+"IMAP_PORT", 993),
		IMAPUsername: getEnv(prefix+"IMAP_USERNAME", ""),
		IMAPPassword: getEnv(prefix+"IMAP_PASSWORD", ""),
	}

	if acc.IMAPHost == "" || acc.IMAPUsername == "" || acc.IMAPPassword == "" {
		return nil, fmt.Errorf("account %d: IMAP_HOST, IMAP_USERNAME and IMAP_PASSWORD are required", num)
	}

	return acc, nil
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer or returns a default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.StorePath == "" {
		return errkind.E(errkind.Fatal, "config", "STORE_PATH is required")
	}
	if c.PoolSize < 1 || c.PoolSize > 64 {
		return errkind.E(errkind.Validation, "config", "POOL_SIZE must be between 1 and 64")
	}
	if c.PoolAcquireTimeout <= 0 {
		return errkind.E(errkind.Validation, "config", "POOL_ACQUIRE_TIMEOUT must be positive")
	}
	if len(c.Accounts) == 0 {
		return errkind.E(errkind.Fatal, "config", "at least one account must be configured")
	}

	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if acc.IMAPHost == "" {
			return errkind.E(errkind.Validation, "config", "account %s: IMAP_HOST is required", acc.Name)
		}
		if acc.IMAPPort < 1 || acc.IMAPPort > 65535 {
			return errkind.E(errkind.Validation, "config", "account %s: invalid IMAP_PORT", acc.Name)
		}
	}

	return c.Sync.Validate()
}

// Validate checks the sync settings against their allowed bounds. Reused by
// the runtime update path.
func (s SyncSettings) Validate() error {
	const op = "config.sync"
	if s.IntervalMinutes < 1 || s.IntervalMinutes > 1440 {
		return errkind.E(errkind.Validation, op, "SYNC_INTERVAL_MINUTES must be between 1 and 1440")
	}
	if s.FullSyncHours < 1 || s.FullSyncHours > 720 {
		return errkind.E(errkind.Validation, op, "FULL_SYNC_HOURS must be between 1 and 720")
	}
	if s.MaxConcurrency < 1 || s.MaxConcurrency > 16 {
		return errkind.E(errkind.Validation, op, "SYNC_MAX_CONCURRENCY must be between 1 and 16")
	}
	if s.RetentionDays < 0 || s.RetentionDays > 3650 {
		return errkind.E(errkind.Validation, op, "RETENTION_DAYS must be between 0 and 3650")
	}
	if s.BatchSize < 10 || s.BatchSize > 1000 {
		return errkind.E(errkind.Validation, op, "SYNC_BATCH_SIZE must be between 10 and 1000")
	}
	if s.QuickSyncBatch < 1 || s.QuickSyncBatch > 200 {
		return errkind.E(errkind.Validation, op, "QUICK_SYNC_BATCH must be between 1 and 200")
	}
	if s.FreshnessSeconds < 5 || s.FreshnessSeconds > 86400 {
		return errkind.E(errkind.Validation, op, "FRESHNESS_SECONDS must be between 5 and 86400")
	}
	if s.FullSyncLookbackDays < 1 || s.FullSyncLookbackDays > 3650 {
		return errkind.E(errkind.Validation, op, "FULL_SYNC_LOOKBACK_DAYS must be between 1 and 3650")
	}
	if s.QuickSyncTimeout <= 0 || s.SessionTimeout <= 0 {
		return errkind.E(errkind.Validation, op, "sync timeouts must be positive")
	}
	return nil
}

// Interval returns the incremental sync interval.
func (s SyncSettings) Interval() time.Duration {
	return time.Duration(s.IntervalMinutes) * time.Minute
}

// FullSyncInterval returns the full resync interval.
func (s SyncSettings) FullSyncInterval() time.Duration {
	return time.Duration(s.FullSyncHours) * time.Hour
}

// Freshness returns the cache freshness threshold.
func (s SyncSettings) Freshness() time.Duration {
	return time.Duration(s.FreshnessSeconds) * time.Second
}

// GetAccountByName finds an account by name.
func (c *Config) GetAccountByName(name string) (*AccountConfig, error) {
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("account not found: %s", name)
}

// AccountNames returns a list of all account names.
func (c *Config) AccountNames() []string {
	names := make([]string, len(c.Accounts))
	for i := range c.Accounts {
		names[i] = c.Accounts[i].Name
	}
	return names
}
