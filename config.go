package credgateway

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ferro-labs/credential-gateway/internal/balancer"
	"github.com/ferro-labs/credential-gateway/internal/risk"
)

// Config holds the configuration for the credential gateway.
type Config struct {
	// Strategy is the load-balancing strategy (round_robin, least_used, random).
	Strategy balancer.Strategy `json:"strategy" yaml:"strategy"`
	Risk     RiskConfig        `json:"risk" yaml:"risk"`
	Quota    QuotaConfig       `json:"quota" yaml:"quota"`
	// Pools seeds provider pools at startup.
	Pools   []PoolConfig  `json:"pools,omitempty" yaml:"pools,omitempty"`
	Plugins PluginsConfig `json:"plugins" yaml:"plugins"`
	Store   StoreConfig   `json:"store" yaml:"store"`
	Refresh RefreshConfig `json:"refresh" yaml:"refresh"`
	Sync    SyncConfig    `json:"sync" yaml:"sync"`
}

// RiskConfig configures the risk controller. Zero durations take the
// controller defaults.
type RiskConfig struct {
	// Enabled defaults to true.
	Enabled       *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	BaseCooldown  Duration `json:"base_cooldown,omitempty" yaml:"base_cooldown,omitempty"`
	MinCooldown   Duration `json:"min_cooldown,omitempty" yaml:"min_cooldown,omitempty"`
	MaxCooldown   Duration `json:"max_cooldown,omitempty" yaml:"max_cooldown,omitempty"`
	MaxRetryAfter Duration `json:"max_retry_after,omitempty" yaml:"max_retry_after,omitempty"`
	BanThreshold  int      `json:"ban_threshold,omitempty" yaml:"ban_threshold,omitempty"`
	BanWindow     Duration `json:"ban_window,omitempty" yaml:"ban_window,omitempty"`
	ExtraPatterns []string `json:"extra_patterns,omitempty" yaml:"extra_patterns,omitempty"`
}

// IsEnabled reports whether risk control starts enabled.
func (r RiskConfig) IsEnabled() bool { return r.Enabled == nil || *r.Enabled }

// Controller converts r to a risk.Config.
func (r RiskConfig) Controller() risk.Config {
	return risk.Config{
		BaseCooldown:  r.BaseCooldown.Std(),
		MinCooldown:   r.MinCooldown.Std(),
		MaxCooldown:   r.MaxCooldown.Std(),
		MaxRetryAfter: r.MaxRetryAfter.Std(),
		BanThreshold:  r.BanThreshold,
		BanWindow:     r.BanWindow.Std(),
		ExtraPatterns: r.ExtraPatterns,
	}
}

// QuotaConfig configures quota exhaustion tracking.
type QuotaConfig struct {
	// DefaultWindow applies when a provider announces no reset time.
	DefaultWindow   Duration `json:"default_window,omitempty" yaml:"default_window,omitempty"`
	CleanupInterval Duration `json:"cleanup_interval,omitempty" yaml:"cleanup_interval,omitempty"`
}

// PoolConfig seeds one provider pool.
type PoolConfig struct {
	Provider    string             `json:"provider" yaml:"provider"`
	Credentials []CredentialConfig `json:"credentials" yaml:"credentials"`
}

// CredentialConfig is one credential of a seeded pool.
type CredentialConfig struct {
	ID       string         `json:"id" yaml:"id"`
	AuthType string         `json:"auth_type" yaml:"auth_type"`
	Config   map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// PluginsConfig configures built-in and external plugins.
type PluginsConfig struct {
	// Dir is scanned for external plugins; empty disables external plugins.
	Dir                 string          `json:"dir,omitempty" yaml:"dir,omitempty"`
	Builtin             []BuiltinPlugin `json:"builtin,omitempty" yaml:"builtin,omitempty"`
	MaxConcurrentSpawns int             `json:"max_concurrent_spawns,omitempty" yaml:"max_concurrent_spawns,omitempty"`
	PersistentWorkers   bool            `json:"persistent_workers,omitempty" yaml:"persistent_workers,omitempty"`
	// HTTPRate and HTTPBurst bound SDK http.request calls per plugin.
	HTTPRate  float64 `json:"http_rate,omitempty" yaml:"http_rate,omitempty"`
	HTTPBurst int     `json:"http_burst,omitempty" yaml:"http_burst,omitempty"`
	// BreakerThreshold consecutive process failures short-circuit an external
	// plugin for BreakerTimeout.
	BreakerThreshold int      `json:"breaker_threshold,omitempty" yaml:"breaker_threshold,omitempty"`
	BreakerTimeout   Duration `json:"breaker_timeout,omitempty" yaml:"breaker_timeout,omitempty"`
}

// BuiltinPlugin enables one in-process plugin.
type BuiltinPlugin struct {
	// Name is the plugin kind: openai-compat or bedrock.
	Name    string         `json:"name" yaml:"name"`
	Enabled *bool          `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Config  map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// IsEnabled reports whether the plugin should be loaded; default true.
func (b BuiltinPlugin) IsEnabled() bool { return b.Enabled == nil || *b.Enabled }

// Built-in plugin kinds.
const (
	BuiltinOpenAICompat = "openai-compat"
	BuiltinBedrock      = "bedrock"
)

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is memory (default), sqlite or postgres.
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty"`
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	// EncryptionKey is a base64 32-byte key. CREDGW_ENCRYPTION_KEY overrides it.
	EncryptionKey string `json:"encryption_key,omitempty" yaml:"encryption_key,omitempty"`
}

// RefreshConfig configures the token auto-refresh task.
type RefreshConfig struct {
	// Interval between passes; zero disables auto-refresh.
	Interval Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
	// Skew refreshes tokens expiring within this margin. Default 5m.
	Skew Duration `json:"skew,omitempty" yaml:"skew,omitempty"`
}

// SyncConfig configures the orchestrator inventory file.
type SyncConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	// Interval re-syncs periodically; zero syncs once at start.
	Interval Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("30s", "5m").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText renders d as a duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

// UnmarshalJSON accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.UnmarshalText([]byte(s))
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("invalid duration %s", string(b))
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// UnmarshalYAML accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs float64
	if value.Tag == "!!int" || value.Tag == "!!float" {
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}
