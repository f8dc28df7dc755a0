package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ferro-labs/credential-gateway/internal/circuitbreaker"
	"github.com/ferro-labs/credential-gateway/internal/logging"
	"github.com/ferro-labs/credential-gateway/internal/metrics"
	"github.com/ferro-labs/credential-gateway/plugin"
	"github.com/ferro-labs/credential-gateway/sdk"
)

// DefaultMaxConcurrentSpawns bounds concurrent one-shot plugin processes.
const DefaultMaxConcurrentSpawns = 8

// SDKFactory builds the SDK context served to a plugin's worker process.
type SDKFactory func(pluginID string, perms sdk.PermissionSet) *sdk.Context

// Loader discovers and loads plugins from a directory.
type Loader struct {
	dir        string
	spawns     *semaphore.Weighted
	sdk        SDKFactory
	persistent bool
	breaker    circuitbreaker.Config
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithMaxConcurrentSpawns bounds concurrent one-shot processes across all
// plugins loaded by the Loader.
func WithMaxConcurrentSpawns(n int) LoaderOption {
	return func(l *Loader) {
		if n > 0 {
			l.spawns = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithSDK serves SDK calls from persistent workers through f.
func WithSDK(f SDKFactory) LoaderOption {
	return func(l *Loader) { l.sdk = f }
}

// WithPersistentWorkers forces persistent workers for every plugin,
// regardless of the manifest.
func WithPersistentWorkers(on bool) LoaderOption {
	return func(l *Loader) { l.persistent = on }
}

// WithCircuitBreaker short-circuits a plugin for timeout after threshold
// consecutive process failures. Zero values select the breaker defaults.
func WithCircuitBreaker(threshold int, timeout time.Duration) LoaderOption {
	return func(l *Loader) {
		l.breaker.Threshold = threshold
		l.breaker.Timeout = timeout
	}
}

// NewLoader creates a Loader for dir.
func NewLoader(dir string, opts ...LoaderOption) *Loader {
	l := &Loader{dir: dir, spawns: semaphore.NewWeighted(DefaultMaxConcurrentSpawns)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dir returns the plugins directory.
func (l *Loader) Dir() string { return l.dir }

// EnsureDir creates the plugins directory if it is missing.
func (l *Loader) EnsureDir() error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return plugin.NewError(plugin.KindIO, "", "creating plugins directory", err)
	}
	return nil
}

// Scan returns the subdirectories holding a manifest of PluginType, sorted.
func (l *Loader) Scan() ([]string, error) {
	if err := l.EnsureDir(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, plugin.NewError(plugin.KindIO, "", "reading plugins directory", err)
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(l.dir, e.Name())
		m, err := ReadManifest(dir)
		if err != nil || m.PluginType != PluginType {
			continue
		}
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs, nil
}

// LoadManifest reads and validates the manifest in dir.
func (l *Loader) LoadManifest(dir string) (*Manifest, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// FindBinary resolves the plugin executable, trying bin/<name>, <name> and
// bin/<entry> in that order.
func FindBinary(dir string, m *Manifest) (string, error) {
	key := CurrentPlatformKey()
	name := m.ExecutableName(key)
	candidates := []string{
		filepath.Join(dir, "bin", name),
		filepath.Join(dir, name),
	}
	if m.Entry != "" {
		candidates = append(candidates, filepath.Join(dir, "bin", m.Entry))
	}
	for _, path := range candidates {
		info, err := os.Stat(path)
		if err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", plugin.Errorf(plugin.KindInit, m.Provider.ID, "executable %s not found (platform %s)", name, key)
}

// Load builds the plugin in dir. config.json is optional; an unreadable one
// is replaced by {}.
func (l *Loader) Load(dir string) (*Plugin, error) {
	m, err := l.LoadManifest(dir)
	if err != nil {
		return nil, err
	}
	binary, err := FindBinary(dir, m)
	if err != nil {
		return nil, err
	}

	config := json.RawMessage(`{}`)
	if raw, err := os.ReadFile(filepath.Join(dir, "config.json")); err == nil && json.Valid(raw) {
		config = raw
	}
	perms, _ := sdk.ParsePermissions(m.Permissions)

	p := &Plugin{
		manifest:   m,
		dir:        dir,
		binary:     binary,
		config:     config,
		perms:      perms,
		spawns:     l.spawns,
		persistent: m.Persistent || l.persistent,
		log:        logging.ForPlugin(m.Provider.ID),
	}
	bc := l.breaker
	bc.OnChange = func(from, to circuitbreaker.State) {
		metrics.PluginCircuitTransitions.WithLabelValues(m.Provider.ID, to.String()).Inc()
		p.log.Warn("plugin circuit state changed", "from", from.String(), "to", to.String())
	}
	p.breaker = circuitbreaker.New(bc)
	if l.sdk != nil {
		p.sdk = l.sdk(m.Provider.ID, perms)
	}
	return p, nil
}

// LoadError records why a directory failed to load.
type LoadError struct {
	Dir string
	Err error
}

func (e LoadError) Error() string { return fmt.Sprintf("%s: %v", e.Dir, e.Err) }

// LoadAll loads, initialises and registers every scanned plugin. Failures are
// logged and skipped; the ids that loaded are returned with the failures.
func (l *Loader) LoadAll(ctx context.Context, reg *plugin.Registry) ([]string, []LoadError) {
	dirs, err := l.Scan()
	if err != nil {
		return nil, []LoadError{{Dir: l.dir, Err: err}}
	}

	var (
		loaded []string
		failed []LoadError
	)
	for _, dir := range dirs {
		id, err := l.loadOne(ctx, reg, dir)
		if err != nil {
			metrics.PluginLoadsTotal.WithLabelValues("failed").Inc()
			logging.Logger.Warn("plugin load failed", "dir", dir, "error", err)
			failed = append(failed, LoadError{Dir: dir, Err: err})
			continue
		}
		metrics.PluginLoadsTotal.WithLabelValues("loaded").Inc()
		logging.Logger.Info("plugin loaded", "plugin", id, "dir", dir)
		loaded = append(loaded, id)
	}
	return loaded, failed
}

func (l *Loader) loadOne(ctx context.Context, reg *plugin.Registry, dir string) (string, error) {
	p, err := l.Load(dir)
	if err != nil {
		return "", err
	}
	if err := p.Init(ctx); err != nil {
		return "", err
	}
	if err := reg.Register(p, plugin.SourceExternal, dir); err != nil {
		_ = p.Shutdown(ctx)
		if errors.Is(err, plugin.ErrDuplicatePlugin) {
			return "", plugin.NewError(plugin.KindInit, p.ID(), "duplicate plugin id", err)
		}
		return "", err
	}
	return p.ID(), nil
}
