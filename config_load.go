package credgateway

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ferro-labs/credential-gateway/internal/balancer"
	"github.com/ferro-labs/credential-gateway/internal/crypto"
)

// Defaults applied by WithDefaults.
const (
	DefaultRefreshSkew = Duration(5 * time.Minute)
	DefaultHTTPRate    = 10.0
	DefaultHTTPBurst   = 20
)

// LoadConfig reads and parses a config file from the given path.
// Supported formats: JSON (.json), YAML (.yaml, .yml).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}

	return &cfg, nil
}

// WithDefaults returns a copy of cfg with omitted fields filled in.
func (cfg Config) WithDefaults() Config {
	if cfg.Strategy == "" {
		cfg.Strategy = balancer.RoundRobin
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}
	if cfg.Refresh.Skew == 0 {
		cfg.Refresh.Skew = DefaultRefreshSkew
	}
	if cfg.Plugins.HTTPRate == 0 {
		cfg.Plugins.HTTPRate = DefaultHTTPRate
	}
	if cfg.Plugins.HTTPBurst == 0 {
		cfg.Plugins.HTTPBurst = DefaultHTTPBurst
	}
	return cfg
}

// ValidateConfig validates a Config for correctness. Omitted fields are
// valid and take their defaults.
func ValidateConfig(cfg Config) error {
	if cfg.Strategy != "" {
		if _, err := balancer.ParseStrategy(string(cfg.Strategy)); err != nil {
			return err
		}
	}

	r := cfg.Risk
	for name, d := range map[string]Duration{
		"base_cooldown":   r.BaseCooldown,
		"min_cooldown":    r.MinCooldown,
		"max_cooldown":    r.MaxCooldown,
		"max_retry_after": r.MaxRetryAfter,
		"ban_window":      r.BanWindow,
	} {
		if d < 0 {
			return fmt.Errorf("risk.%s must not be negative", name)
		}
	}
	if r.MaxCooldown > 0 && r.MinCooldown > r.MaxCooldown {
		return fmt.Errorf("risk.min_cooldown (%s) exceeds risk.max_cooldown (%s)", r.MinCooldown, r.MaxCooldown)
	}
	if r.MaxCooldown > 0 && r.BaseCooldown > r.MaxCooldown {
		return fmt.Errorf("risk.base_cooldown (%s) exceeds risk.max_cooldown (%s)", r.BaseCooldown, r.MaxCooldown)
	}
	if r.BanThreshold < 0 {
		return fmt.Errorf("risk.ban_threshold must not be negative")
	}
	if cfg.Quota.DefaultWindow < 0 || cfg.Quota.CleanupInterval < 0 {
		return fmt.Errorf("quota durations must not be negative")
	}

	providers := make(map[string]bool, len(cfg.Pools))
	for _, p := range cfg.Pools {
		if p.Provider == "" {
			return fmt.Errorf("pool provider is required")
		}
		if providers[p.Provider] {
			return fmt.Errorf("duplicate pool for provider %q", p.Provider)
		}
		providers[p.Provider] = true
		ids := make(map[string]bool, len(p.Credentials))
		for _, c := range p.Credentials {
			if c.ID == "" {
				return fmt.Errorf("pool %q: credential id is required", p.Provider)
			}
			if c.AuthType == "" {
				return fmt.Errorf("pool %q: credential %q has no auth_type", p.Provider, c.ID)
			}
			if ids[c.ID] {
				return fmt.Errorf("pool %q: duplicate credential id %q", p.Provider, c.ID)
			}
			ids[c.ID] = true
		}
	}

	for _, b := range cfg.Plugins.Builtin {
		switch b.Name {
		case BuiltinOpenAICompat, BuiltinBedrock:
		default:
			return fmt.Errorf("unknown builtin plugin: %q", b.Name)
		}
	}
	if cfg.Plugins.MaxConcurrentSpawns < 0 {
		return fmt.Errorf("plugins.max_concurrent_spawns must not be negative")
	}
	if cfg.Plugins.HTTPRate < 0 || cfg.Plugins.HTTPBurst < 0 {
		return fmt.Errorf("plugins http rate limits must not be negative")
	}
	if cfg.Plugins.BreakerThreshold < 0 || cfg.Plugins.BreakerTimeout < 0 {
		return fmt.Errorf("plugins breaker settings must not be negative")
	}

	switch cfg.Store.Driver {
	case "", "memory", "sqlite":
	case "postgres":
		if cfg.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown store driver: %q", cfg.Store.Driver)
	}
	if cfg.Store.EncryptionKey != "" {
		if _, err := crypto.NewFromBase64(cfg.Store.EncryptionKey); err != nil {
			return fmt.Errorf("store.encryption_key: %w", err)
		}
	}

	if cfg.Refresh.Interval < 0 || cfg.Refresh.Skew < 0 {
		return fmt.Errorf("refresh durations must not be negative")
	}
	if cfg.Sync.Interval < 0 {
		return fmt.Errorf("sync.interval must not be negative")
	}
	return nil
}
