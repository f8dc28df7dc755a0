// Package credgateway is the credential pool and risk-aware routing core of a
// multi-provider LLM gateway.
//
// The Gateway type is the main entry point: create one with New, load
// built-in and external credential-provider plugins with LoadPlugins, start
// the background maintenance tasks with Start, and route credential
// selection and usage reports through Manager.
//
// Pools, risk control, quota tracking and plugins are configured via [Config]
// which can be loaded from a YAML or JSON file using [LoadConfig].
package credgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/ferro-labs/credential-gateway/credential"
	"github.com/ferro-labs/credential-gateway/internal/credsync"
	"github.com/ferro-labs/credential-gateway/internal/crypto"
	"github.com/ferro-labs/credential-gateway/internal/logging"
	"github.com/ferro-labs/credential-gateway/internal/plugins/bedrock"
	"github.com/ferro-labs/credential-gateway/internal/plugins/openaicompat"
	"github.com/ferro-labs/credential-gateway/internal/quota"
	"github.com/ferro-labs/credential-gateway/internal/ratelimit"
	"github.com/ferro-labs/credential-gateway/internal/store"
	"github.com/ferro-labs/credential-gateway/plugin"
	"github.com/ferro-labs/credential-gateway/plugin/external"
	"github.com/ferro-labs/credential-gateway/sdk"
)

// EncryptionKeyEnv overrides Config.Store.EncryptionKey.
const EncryptionKeyEnv = "CREDGW_ENCRYPTION_KEY"

// EventHookFunc is called asynchronously after a gateway event.
type EventHookFunc func(ctx context.Context, subject string, data map[string]interface{})

// Event subject constants used when invoking gateway hooks.
const (
	SubjectPluginNotification = "plugin.notification"
	SubjectPluginEvent        = "plugin.event"
	SubjectTokenRefreshed     = "credential.token_refreshed"
	SubjectTokenRefreshFailed = "credential.token_refresh_failed"
)

// Option configures a Gateway.
type Option func(*Gateway)

// WithStore uses st instead of opening Config.Store.
func WithStore(st store.Store) Option {
	return func(g *Gateway) { g.store = st }
}

// WithGatewayClock overrides time.Now for every component.
func WithGatewayClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithHTTPClient sets the client used by built-in plugins and SDK
// http.request calls.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.httpClient = c }
}

// Gateway owns the pools, the plugin registry and the persistence store.
// It is built explicitly at startup and passed to whoever needs it.
type Gateway struct {
	mu     sync.RWMutex
	config Config
	hooks  []EventHookFunc

	manager    *Manager
	registry   *plugin.Registry
	loader     *external.Loader
	store      store.Store
	ownStore   bool
	cipher     *crypto.Cipher
	limiter    *ratelimit.Buckets
	httpClient *http.Client
	now        func() time.Time

	cancel context.CancelFunc
	tasks  sync.WaitGroup
}

// New validates cfg and builds a Gateway with its pools seeded.
func New(cfg Config, opts ...Option) (*Gateway, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg = cfg.WithDefaults()

	g := &Gateway{
		config:   cfg,
		registry: plugin.NewRegistry(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.httpClient == nil {
		g.httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	key := os.Getenv(EncryptionKeyEnv)
	if key == "" {
		key = cfg.Store.EncryptionKey
	}
	if key != "" {
		c, err := crypto.NewFromBase64(key)
		if err != nil {
			return nil, fmt.Errorf("encryption key: %w", err)
		}
		g.cipher = c
	}

	if g.store == nil {
		var storeOpts []store.Option
		if g.cipher != nil {
			storeOpts = append(storeOpts, store.WithCipher(g.cipher))
		}
		st, err := store.Open(cfg.Store.Driver, cfg.Store.DSN, storeOpts...)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		g.store = st
		g.ownStore = true
	}

	g.manager = NewManager(cfg.Strategy, cfg.Risk.Controller(),
		WithClock(g.now),
		WithQuotaWindow(cfg.Quota.DefaultWindow.Std()),
		WithRiskControl(cfg.Risk.IsEnabled()),
	)
	if err := g.seedPools(cfg.Pools); err != nil {
		g.closeStore()
		return nil, err
	}

	g.limiter = ratelimit.NewBuckets(cfg.Plugins.HTTPRate, float64(cfg.Plugins.HTTPBurst))
	if cfg.Plugins.Dir != "" {
		g.loader = external.NewLoader(cfg.Plugins.Dir,
			external.WithMaxConcurrentSpawns(cfg.Plugins.MaxConcurrentSpawns),
			external.WithPersistentWorkers(cfg.Plugins.PersistentWorkers),
			external.WithCircuitBreaker(cfg.Plugins.BreakerThreshold, cfg.Plugins.BreakerTimeout.Std()),
			external.WithSDK(g.SDKContext),
		)
	}
	return g, nil
}

func (g *Gateway) seedPools(pools []PoolConfig) error {
	for _, p := range pools {
		g.manager.EnsurePool(p.Provider)
		for _, c := range p.Credentials {
			raw := json.RawMessage(`{}`)
			if c.Config != nil {
				b, err := json.Marshal(c.Config)
				if err != nil {
					return fmt.Errorf("pool %q: credential %q: %w", p.Provider, c.ID, err)
				}
				raw = b
			}
			cred := credential.New(c.ID, p.Provider, credential.Data{AuthType: c.AuthType, Config: raw})
			if err := g.manager.AddCredential(cred); err != nil {
				return fmt.Errorf("pool %q: %w", p.Provider, err)
			}
		}
	}
	return nil
}

// Manager returns the credential manager.
func (g *Gateway) Manager() *Manager { return g.manager }

// Registry returns the plugin registry.
func (g *Gateway) Registry() *plugin.Registry { return g.registry }

// Store returns the persistence store.
func (g *Gateway) Store() store.Store { return g.store }

// Loader returns the external plugin loader, nil when no plugin dir is set.
func (g *Gateway) Loader() *external.Loader { return g.loader }

// GetConfig returns a copy of the current configuration.
func (g *Gateway) GetConfig() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.config
}

// AddHook registers an EventHookFunc. All hooks are invoked for every event.
func (g *Gateway) AddHook(fn EventHookFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks = append(g.hooks, fn)
}

// publishEvent calls all registered hooks asynchronously.
func (g *Gateway) publishEvent(ctx context.Context, subject string, data map[string]interface{}) {
	g.mu.RLock()
	hooks := make([]EventHookFunc, len(g.hooks))
	copy(hooks, g.hooks)
	g.mu.RUnlock()

	for _, h := range hooks {
		fn := h
		go fn(ctx, subject, data)
	}
}

// LoadPlugins registers the enabled built-in plugins, then every external
// plugin found in the plugin dir. A failing external plugin is logged and
// skipped. Persisted enable flags are applied to the loaded set.
func (g *Gateway) LoadPlugins(ctx context.Context) ([]string, error) {
	var loaded []string
	for _, b := range g.config.Plugins.Builtin {
		if !b.IsEnabled() {
			continue
		}
		p, err := g.builtin(b)
		if err != nil {
			return loaded, err
		}
		if err := p.Init(ctx); err != nil {
			return loaded, err
		}
		if err := g.registry.Register(p, plugin.SourceBuiltin, ""); err != nil {
			_ = p.Shutdown(ctx)
			return loaded, err
		}
		logging.Logger.Info("plugin loaded", "plugin", p.ID(), "source", plugin.SourceBuiltin)
		loaded = append(loaded, p.ID())
	}

	if g.loader != nil {
		if err := g.loader.EnsureDir(); err != nil {
			return loaded, err
		}
		ids, _ := g.loader.LoadAll(ctx, g.registry)
		loaded = append(loaded, ids...)
	}

	return loaded, g.syncPluginRecords(ctx)
}

func (g *Gateway) builtin(b BuiltinPlugin) (plugin.Plugin, error) {
	raw, err := json.Marshal(b.Config)
	if err != nil {
		return nil, fmt.Errorf("builtin %s: %w", b.Name, err)
	}
	switch b.Name {
	case BuiltinOpenAICompat:
		var cfg openaicompat.Config
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, plugin.NewError(plugin.KindConfigParse, b.Name, "decoding config", err)
		}
		return openaicompat.New(cfg,
			openaicompat.WithStore(g.store),
			openaicompat.WithHTTPClient(g.httpClient),
			openaicompat.WithClock(g.now),
		), nil
	case BuiltinBedrock:
		var cfg bedrock.Config
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, plugin.NewError(plugin.KindConfigParse, b.Name, "decoding config", err)
		}
		return bedrock.New(cfg,
			bedrock.WithStore(g.store),
			bedrock.WithHTTPClient(g.httpClient),
		), nil
	default:
		return nil, fmt.Errorf("unknown builtin plugin: %q", b.Name)
	}
}

// syncPluginRecords upserts a record per registered plugin, keeping the
// persisted enable flag of plugins seen before.
func (g *Gateway) syncPluginRecords(ctx context.Context) error {
	known, err := g.store.ListPlugins(ctx)
	if err != nil {
		return fmt.Errorf("listing plugin records: %w", err)
	}
	enabled := make(map[string]bool, len(known))
	for _, rec := range known {
		enabled[rec.ID] = rec.Enabled
	}
	for _, info := range g.registry.Infos() {
		on, seen := enabled[info.ID]
		if !seen {
			on = info.Enabled
		}
		if on != info.Enabled {
			if err := g.registry.SetEnabled(info.ID, on); err != nil {
				return err
			}
		}
		if err := g.store.UpsertPlugin(ctx, store.PluginRecord{
			ID:          info.ID,
			DisplayName: info.DisplayName,
			Version:     info.Version,
			Description: info.Description,
			Source:      string(info.Source),
			Path:        info.Path,
			Enabled:     on,
		}); err != nil {
			return fmt.Errorf("saving plugin %s: %w", info.ID, err)
		}
	}
	return nil
}

// SetPluginEnabled toggles a plugin in the registry and persists the flag.
func (g *Gateway) SetPluginEnabled(ctx context.Context, id string, enabled bool) error {
	if err := g.registry.SetEnabled(id, enabled); err != nil {
		return err
	}
	if err := g.store.SetPluginEnabled(ctx, id, enabled); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	logging.FromContext(ctx).Info("plugin toggled", "plugin", id, "enabled", enabled)
	return nil
}

// SDKContext builds the capability-gated SDK surface for pluginID.
func (g *Gateway) SDKContext(pluginID string, perms sdk.PermissionSet) *sdk.Context {
	deps := sdk.Deps{
		Notifier:    g,
		Events:      g,
		Storage:     g.store,
		HTTPClient:  g.httpClient,
		HTTPLimiter: g.limiter,
	}
	if db, ok := g.store.(sdk.Database); ok {
		deps.Database = db
	}
	if g.cipher != nil {
		deps.Cipher = g.cipher
	}
	return sdk.NewContext(pluginID, perms, deps)
}

// Notify implements sdk.Notifier.
func (g *Gateway) Notify(ctx context.Context, pluginID string, level sdk.NotificationLevel, message string) {
	log := logging.ForPlugin(pluginID)
	if level == sdk.NotifyError {
		log.Error("plugin notification", "message", message)
	} else {
		log.Info("plugin notification", "level", string(level), "message", message)
	}
	g.publishEvent(ctx, SubjectPluginNotification, map[string]interface{}{
		"plugin":    pluginID,
		"level":     string(level),
		"message":   message,
		"timestamp": g.now(),
	})
}

// Emit implements sdk.EventSink.
func (g *Gateway) Emit(ctx context.Context, pluginID, event string, data json.RawMessage) {
	logging.ForPlugin(pluginID).Debug("plugin event", "event", event)
	g.publishEvent(ctx, SubjectPluginEvent, map[string]interface{}{
		"plugin":    pluginID,
		"event":     event,
		"data":      data,
		"timestamp": g.now(),
	})
}

// Start launches the background tasks: quota cleanup, cooldown purge, token
// refresh when configured, and orchestrator sync when a path is set. The
// first sync runs before Start returns; if it fails, the tasks already
// launched are stopped again. Tasks stop on ctx cancellation or Close.
func (g *Gateway) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.cancel = cancel
	g.mu.Unlock()

	cfg := g.GetConfig()
	interval := cfg.Quota.CleanupInterval.Std()

	done := quota.StartCleanupTask(ctx, g.manager.Quota(), interval)
	g.tasks.Add(1)
	go func() {
		defer g.tasks.Done()
		<-done
	}()

	g.every(ctx, orDefault(interval, quota.DefaultCleanupInterval), func(context.Context) {
		n := g.manager.Balancer().PurgeExpiredCooldowns() + g.manager.Risk().Purge()
		if n > 0 {
			logging.Logger.Debug("cooldown cleanup", "purged", n)
		}
	})

	if cfg.Refresh.Interval > 0 {
		g.StartRefresh(ctx, cfg.Refresh.Interval.Std(), cfg.Refresh.Skew.Std())
	}

	if cfg.Sync.Path != "" {
		src := credsync.NewFileSource(cfg.Sync.Path)
		if _, err := g.manager.SyncFromOrchestrator(ctx, src); err != nil {
			g.mu.Lock()
			g.cancel = nil
			g.mu.Unlock()
			cancel()
			g.tasks.Wait()
			return fmt.Errorf("orchestrator sync: %w", err)
		}
		if cfg.Sync.Interval > 0 {
			g.every(ctx, cfg.Sync.Interval.Std(), func(ctx context.Context) {
				if _, err := g.manager.SyncFromOrchestrator(ctx, src); err != nil {
					logging.Logger.Warn("orchestrator sync failed", "path", src.Path(), "error", err)
				}
			})
		}
	}
	return nil
}

// StartRefresh refreshes expiring OAuth tokens every interval until ctx is
// cancelled.
func (g *Gateway) StartRefresh(ctx context.Context, interval, skew time.Duration) {
	g.every(ctx, interval, func(ctx context.Context) {
		g.RefreshExpiring(ctx, skew)
	})
}

// RefreshExpiring asks every enabled plugin that can list expiring
// credentials to refresh the tokens that expire within skew. A failed
// refresh leaves the stored token untouched.
func (g *Gateway) RefreshExpiring(ctx context.Context, skew time.Duration) (refreshed, failed int) {
	before := g.now().Add(skew)
	for _, p := range g.registry.List() {
		lister, ok := p.(plugin.ExpiringLister)
		if !ok {
			continue
		}
		ids, err := lister.ExpiringCredentials(ctx, before)
		if err != nil {
			logging.ForPlugin(p.ID()).Warn("listing expiring credentials failed", "error", err)
			continue
		}
		for _, id := range ids {
			res, err := p.RefreshToken(ctx, id)
			if err != nil {
				failed++
				logging.ForPlugin(p.ID()).Warn("token refresh failed", "credential", id, "error", err)
				g.publishEvent(ctx, SubjectTokenRefreshFailed, map[string]interface{}{
					"plugin":     p.ID(),
					"credential": id,
					"error":      err.Error(),
					"timestamp":  g.now(),
				})
				continue
			}
			refreshed++
			g.applyRefresh(id, res)
			g.publishEvent(ctx, SubjectTokenRefreshed, map[string]interface{}{
				"plugin":     p.ID(),
				"credential": id,
				"timestamp":  g.now(),
			})
		}
	}
	if refreshed+failed > 0 {
		logging.Logger.Info("token refresh pass", "refreshed", refreshed, "failed", failed)
	}
	return refreshed, failed
}

// applyRefresh copies a refreshed token into the pooled credential with the
// same id, if there is one.
func (g *Gateway) applyRefresh(id string, res *plugin.TokenRefreshResult) {
	provider, ok := g.manager.Provider(id)
	if !ok {
		return
	}
	pool, ok := g.manager.Pool(provider)
	if !ok {
		return
	}
	c, ok := pool.Get(id)
	if !ok || c.Data.AuthType != credential.AuthOAuth {
		return
	}
	o, err := c.Data.OAuth()
	if err != nil {
		return
	}
	o.AccessToken = res.AccessToken
	if res.RefreshToken != "" {
		o.RefreshToken = res.RefreshToken
	}
	if res.ExpiresAt != nil {
		t := time.Unix(*res.ExpiresAt, 0).UTC()
		o.ExpiresAt = &t
	}
	data, err := credential.NewData(credential.AuthOAuth, o)
	if err != nil {
		return
	}
	if err := g.manager.SetCredentialData(provider, id, data); err != nil {
		logging.Logger.Warn("updating pooled token failed", "credential", id, "error", err)
	}
}

func (g *Gateway) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	g.tasks.Add(1)
	go func() {
		defer g.tasks.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Close stops the background tasks, shuts plugins down and closes the store
// if the gateway opened it.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	cancel := g.cancel
	g.cancel = nil
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	g.tasks.Wait()

	err := g.registry.ShutdownAll(ctx)
	return errors.Join(err, g.closeStore())
}

func (g *Gateway) closeStore() error {
	if !g.ownStore {
		return nil
	}
	return g.store.Close()
}
