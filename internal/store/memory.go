package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Configs are held in plaintext.
type MemoryStore struct {
	mu          sync.RWMutex
	opts        options
	credentials map[string]*CredentialRecord
	plugins     map[string]PluginRecord
	kv          map[string]map[string]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore. WithCipher is ignored.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts:        buildOptions(opts),
		credentials: make(map[string]*CredentialRecord),
		plugins:     make(map[string]PluginRecord),
		kv:          make(map[string]map[string]string),
	}
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func cloneRecord(r *CredentialRecord) *CredentialRecord {
	c := *r
	if r.LastUsedAt != nil {
		t := *r.LastUsedAt
		c.LastUsedAt = &t
	}
	if r.LastErrorAt != nil {
		t := *r.LastErrorAt
		c.LastErrorAt = &t
	}
	return &c
}

func (m *MemoryStore) CreateCredential(_ context.Context, c NewCredential) (*CredentialRecord, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := m.opts.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.credentials[c.ID]; exists {
		return nil, fmt.Errorf("create credential: duplicate id %s", c.ID)
	}
	rec := &CredentialRecord{
		ID:          c.ID,
		PluginID:    c.PluginID,
		AuthType:    c.AuthType,
		DisplayName: c.DisplayName,
		Status:      StatusActive,
		Config:      c.Config,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.credentials[c.ID] = rec
	return cloneRecord(rec), nil
}

func (m *MemoryStore) GetCredential(_ context.Context, id string) (*CredentialRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.credentials[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *MemoryStore) ListByPlugin(_ context.Context, pluginID string) ([]*CredentialRecord, error) {
	out := m.filter(func(r *CredentialRecord) bool { return r.PluginID == pluginID })
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) ListActive(_ context.Context) ([]*CredentialRecord, error) {
	out := m.filter(func(r *CredentialRecord) bool { return r.Status == StatusActive })
	sort.Slice(out, func(i, j int) bool {
		if out[i].UsageCount != out[j].UsageCount {
			return out[i].UsageCount > out[j].UsageCount
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) filter(keep func(*CredentialRecord) bool) []*CredentialRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*CredentialRecord, 0)
	for _, r := range m.credentials {
		if keep(r) {
			out = append(out, cloneRecord(r))
		}
	}
	return out
}

func (m *MemoryStore) update(id string, fn func(*CredentialRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.credentials[id]
	if !ok {
		return ErrNotFound
	}
	fn(rec)
	rec.UpdatedAt = m.opts.now().UTC()
	return nil
}

func (m *MemoryStore) UpdateConfig(_ context.Context, id, config string) error {
	return m.update(id, func(r *CredentialRecord) { r.Config = config })
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, status Status) error {
	return m.update(id, func(r *CredentialRecord) { r.Status = status })
}

func (m *MemoryStore) RecordUsage(_ context.Context, id string) error {
	now := m.opts.now().UTC()
	return m.update(id, func(r *CredentialRecord) {
		r.UsageCount++
		r.LastUsedAt = &now
	})
}

func (m *MemoryStore) RecordError(_ context.Context, id, message string) error {
	now := m.opts.now().UTC()
	return m.update(id, func(r *CredentialRecord) {
		r.ErrorCount++
		r.LastErrorAt = &now
		r.LastErrorMessage = message
	})
}

func (m *MemoryStore) ResetErrors(_ context.Context, id string) error {
	return m.update(id, func(r *CredentialRecord) {
		r.ErrorCount = 0
		r.LastErrorAt = nil
		r.LastErrorMessage = ""
		r.Status = StatusActive
	})
}

func (m *MemoryStore) DeleteCredential(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.credentials[id]; !ok {
		return ErrNotFound
	}
	delete(m.credentials, id)
	return nil
}

func (m *MemoryStore) DeleteByPlugin(_ context.Context, pluginID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.credentials {
		if r.PluginID == pluginID {
			delete(m.credentials, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountByPlugin(_ context.Context, pluginID string) (int64, error) {
	return int64(len(m.filter(func(r *CredentialRecord) bool { return r.PluginID == pluginID }))), nil
}

func (m *MemoryStore) CountActiveByPlugin(_ context.Context, pluginID string) (int64, error) {
	return int64(len(m.filter(func(r *CredentialRecord) bool {
		return r.PluginID == pluginID && r.Status == StatusActive
	}))), nil
}

func (m *MemoryStore) UpsertPlugin(_ context.Context, p PluginRecord) error {
	now := m.opts.now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.plugins[p.ID]; ok {
		p.Enabled = existing.Enabled
		p.InstalledAt = existing.InstalledAt
	} else {
		p.InstalledAt = now
	}
	p.UpdatedAt = now
	m.plugins[p.ID] = p
	return nil
}

func (m *MemoryStore) ListPlugins(_ context.Context) ([]PluginRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PluginRecord, 0, len(m.plugins))
	for _, p := range m.plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SetPluginEnabled(_ context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plugins[id]
	if !ok {
		return ErrNotFound
	}
	p.Enabled = enabled
	p.UpdatedAt = m.opts.now().UTC()
	m.plugins[id] = p
	return nil
}

func (m *MemoryStore) Get(_ context.Context, pluginID, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.kv[pluginID][key]
	return v, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, pluginID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.kv[pluginID]
	if !ok {
		ns = make(map[string]string)
		m.kv[pluginID] = ns
	}
	ns[key] = value
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, pluginID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv[pluginID], key)
	return nil
}
