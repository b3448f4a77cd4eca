// Package config loads the daemon configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// AccountConfig describes one mail account the engine syncs.
type AccountConfig struct {
	// ID is the unique identifier for this account.
	ID string `mapstructure:"id" yaml:"id"`

	// Provider selects the adapter: "gmail", "outlook", or "imap".
	Provider string `mapstructure:"provider" yaml:"provider"`

	// CredentialRef names the keyring entry holding this account's
	// credential.
	CredentialRef string `mapstructure:"credential_ref" yaml:"credential_ref"`

	// UserID is the remote principal (Outlook only).
	UserID string `mapstructure:"user_id" yaml:"user_id"`

	// IMAPHost and IMAPPort locate the server (IMAP only).
	IMAPHost string `mapstructure:"imap_host" yaml:"imap_host"`
	IMAPPort int    `mapstructure:"imap_port" yaml:"imap_port"`

	// Enabled controls whether this account is scheduled.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// SchedulerConfig holds timing settings for the background loops.
type SchedulerConfig struct {
	IntervalSec    int  `mapstructure:"interval_sec" yaml:"interval_sec"`
	BackoffBaseSec int  `mapstructure:"backoff_base_sec" yaml:"backoff_base_sec"`
	BackoffMaxSec  int  `mapstructure:"backoff_max_sec" yaml:"backoff_max_sec"`
	MaxAttempts    int  `mapstructure:"max_attempts" yaml:"max_attempts"`
	SyncOnStart    bool `mapstructure:"sync_on_start" yaml:"sync_on_start"`
}

// ConflictConfig tunes how push conflicts are decided.
type ConflictConfig struct {
	// StarredIsLocalIntent keeps a local star change over a remote
	// edit to the same message.
	StarredIsLocalIntent bool `mapstructure:"starred_is_local_intent" yaml:"starred_is_local_intent"`

	// LabelsAreRemote lets remote label state win over queued local
	// label edits.
	LabelsAreRemote bool `mapstructure:"labels_are_remote" yaml:"labels_are_remote"`
}

// Config is the top-level daemon configuration.
type Config struct {
	// DBPath is the sqlite database location.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`

	// HTTPAddr is the listen address of the control API.
	HTTPAddr string `mapstructure:"http_addr" yaml:"http_addr"`

	// NATSURL enables cross-process event publishing when set.
	NATSURL string `mapstructure:"nats_url" yaml:"nats_url"`

	// LogLevel is a logrus level name.
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	// MaxItemsPerSync caps how many remote changes one run applies.
	// Zero means unlimited.
	MaxItemsPerSync int `mapstructure:"max_items_per_sync" yaml:"max_items_per_sync"`

	// MaxPushAttempts fails a pending change permanently after this
	// many retryable push failures. Zero retries forever.
	MaxPushAttempts int `mapstructure:"max_push_attempts" yaml:"max_push_attempts"`

	// ProviderTimeoutSec bounds each individual provider call.
	ProviderTimeoutSec int `mapstructure:"provider_timeout_sec" yaml:"provider_timeout_sec"`

	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Conflicts ConflictConfig  `mapstructure:"conflicts" yaml:"conflicts"`
	Accounts  []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
}

// DefaultConfigPath returns ~/.config/driftmail/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "driftmail", "config.yaml")
}

func defaultConfig() *Config {
	return &Config{
		DBPath:             defaultDBPath(),
		HTTPAddr:           "127.0.0.1:8788",
		LogLevel:           "info",
		MaxPushAttempts:    5,
		ProviderTimeoutSec: 60,
		Scheduler: SchedulerConfig{
			IntervalSec:    300,
			BackoffBaseSec: 30,
			BackoffMaxSec:  900,
			MaxAttempts:    3,
			SyncOnStart:    true,
		},
		Conflicts: ConflictConfig{
			StarredIsLocalIntent: true,
			LabelsAreRemote:      true,
		},
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "driftmail.db")
	}
	return filepath.Join(home, ".local", "share", "driftmail", "driftmail.db")
}

// Load reads configuration from the given YAML file path using Viper.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("db_path", defaultDBPath())
	v.SetDefault("http_addr", "127.0.0.1:8788")
	v.SetDefault("log_level", "info")
	v.SetDefault("max_push_attempts", 5)
	v.SetDefault("provider_timeout_sec", 60)
	v.SetDefault("scheduler.interval_sec", 300)
	v.SetDefault("scheduler.backoff_base_sec", 30)
	v.SetDefault("scheduler.backoff_max_sec", 900)
	v.SetDefault("scheduler.max_attempts", 3)
	v.SetDefault("scheduler.sync_on_start", true)
	v.SetDefault("conflicts.starred_is_local_intent", true)
	v.SetDefault("conflicts.labels_are_remote", true)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	for i := range cfg.Accounts {
		acct := &cfg.Accounts[i]
		if acct.Provider == "imap" && acct.IMAPPort == 0 {
			acct.IMAPPort = 993
		}
		if !acct.Enabled {
			// Viper unmarshals missing bools as false; treat unset as true.
			key := fmt.Sprintf("accounts.%d.enabled", i)
			if !v.IsSet(key) {
				acct.Enabled = true
			}
		}
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	seen := make(map[string]bool)
	for _, acct := range cfg.Accounts {
		if acct.ID == "" {
			return fmt.Errorf("account with provider %q has no id", acct.Provider)
		}
		if seen[acct.ID] {
			return fmt.Errorf("duplicate account id %q", acct.ID)
		}
		seen[acct.ID] = true

		switch acct.Provider {
		case "gmail":
		case "outlook":
			if acct.UserID == "" {
				return fmt.Errorf("account %q: outlook accounts need user_id", acct.ID)
			}
		case "imap":
			if acct.IMAPHost == "" {
				return fmt.Errorf("account %q: imap accounts need imap_host", acct.ID)
			}
		default:
			return fmt.Errorf("account %q: unknown provider %q", acct.ID, acct.Provider)
		}

		if acct.CredentialRef == "" {
			return fmt.Errorf("account %q has no credential_ref", acct.ID)
		}
	}
	return nil
}

// ProviderTimeout converts the configured seconds to a duration.
func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSec) * time.Second
}

// Interval converts the configured seconds to a duration.
func (s SchedulerConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSec) * time.Second
}

// BackoffBase converts the configured seconds to a duration.
func (s SchedulerConfig) BackoffBase() time.Duration {
	return time.Duration(s.BackoffBaseSec) * time.Second
}

// BackoffMax converts the configured seconds to a duration.
func (s SchedulerConfig) BackoffMax() time.Duration {
	return time.Duration(s.BackoffMaxSec) * time.Second
}
