package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Source records where a plugin came from.
type Source string

// Plugin sources.
const (
	SourceBuiltin  Source = "builtin"
	SourceExternal Source = "external"
)

type entry struct {
	plugin   Plugin
	source   Source
	path     string
	enabled  bool
	loadedAt time.Time
}

// Registry holds loaded plugins keyed uniquely by id. It is constructed
// explicitly and passed to whoever needs it; there is no process-wide
// instance.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds p. It fails with ErrDuplicatePlugin if the id is taken.
func (r *Registry) Register(p Plugin, source Source, path string) error {
	id := p.ID()
	if id == "" {
		return fmt.Errorf("plugin has empty id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, id)
	}
	r.entries[id] = &entry{
		plugin:   p,
		source:   source,
		path:     path,
		enabled:  true,
		loadedAt: time.Now(),
	}
	r.order = append(r.order, id)
	return nil
}

// Unregister removes id and shuts the plugin down.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
		for i, v := range r.order {
			if v == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	return e.plugin.Shutdown(ctx)
}

// Get returns the plugin registered under id, enabled or not.
func (r *Registry) Get(id string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.plugin, true
}

// Enabled returns the plugin only if it is registered and enabled.
func (r *Registry) Enabled(id string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok || !e.enabled {
		return nil, false
	}
	return e.plugin, true
}

// ForModel returns the first enabled plugin, in registration order, that
// supports model.
func (r *Registry) ForModel(model string) (Plugin, bool) {
	for _, p := range r.List() {
		if p.SupportsModel(model) {
			return p, true
		}
	}
	return nil, false
}

// List returns enabled plugins in registration order.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, 0, len(r.order))
	for _, id := range r.order {
		if e := r.entries[id]; e.enabled {
			out = append(out, e.plugin)
		}
	}
	return out
}

// Infos describes every registered plugin, disabled ones included.
func (r *Registry) Infos() []Info {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.order))
	for _, id := range r.order {
		entries = append(entries, r.entries[id])
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		info := InfoOf(e.plugin)
		info.Source = e.source
		info.Path = e.path
		info.Enabled = e.enabled
		out = append(out, info)
	}
	return out
}

// SetEnabled toggles whether id takes part in lookups.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	e.enabled = enabled
	return nil
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// ShutdownAll shuts every plugin down and joins the errors.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	r.mu.RLock()
	plugins := make([]Plugin, 0, len(r.order))
	for _, id := range r.order {
		plugins = append(plugins, r.entries[id].plugin)
	}
	r.mu.RUnlock()

	var errs []error
	for _, p := range plugins {
		if err := p.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", p.ID(), err))
		}
	}
	return errors.Join(errs...)
}
