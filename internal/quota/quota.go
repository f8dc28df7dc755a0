// Package quota tracks provider-declared quota exhaustion windows.
package quota

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ferro-labs/credential-gateway/credential"
)

// DefaultWindow is used when a provider does not announce a reset time.
const DefaultWindow = 24 * time.Hour

// Record marks a credential as exhausted until ResetAt.
type Record struct {
	CredentialID string    `json:"credential_id"`
	ExceededAt   time.Time `json:"exceeded_at"`
	ResetAt      time.Time `json:"reset_at"`
}

// AllExhaustedError is returned when every candidate in a pool is exhausted.
// EarliestReset tells the caller when waiting would help.
type AllExhaustedError struct {
	Provider      string
	EarliestReset time.Time
}

func (e *AllExhaustedError) Error() string {
	return fmt.Sprintf("all credentials for %s exhausted; earliest reset at %s",
		e.Provider, e.EarliestReset.Format(time.RFC3339))
}

// Unwrap lets errors.Is match credential.ErrAllExhausted.
func (e *AllExhaustedError) Unwrap() error { return credential.ErrAllExhausted }

// SwitchResult describes an automatic move away from an exhausted credential.
type SwitchResult struct {
	From      string `json:"from"`
	To        string `json:"to,omitempty"`
	Switched  bool   `json:"switched"`
	Exhausted bool   `json:"exhausted"`
}

// Manager is safe for concurrent use and meant to be shared across the
// request pipeline.
type Manager struct {
	window time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	records map[string]Record
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithWindow sets the default exhaustion window.
func WithWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.window = d
		}
	}
}

// New creates a Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		window:  DefaultWindow,
		now:     time.Now,
		records: make(map[string]Record),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewShared creates a Manager for sharing across goroutines. The returned
// pointer is the shared handle.
func NewShared(opts ...Option) *Manager {
	return New(opts...)
}

// MarkExceeded flags id as exhausted until resetAt.
func (m *Manager) MarkExceeded(id string, resetAt time.Time) Record {
	rec := Record{CredentialID: id, ExceededAt: m.now(), ResetAt: resetAt}
	m.mu.Lock()
	m.records[id] = rec
	m.mu.Unlock()
	return rec
}

// MarkExceededFor flags id as exhausted for window, or the default window when
// window is zero.
func (m *Manager) MarkExceededFor(id string, window time.Duration) Record {
	if window <= 0 {
		window = m.window
	}
	return m.MarkExceeded(id, m.now().Add(window))
}

// IsExhausted reports whether id is inside an exhaustion window.
func (m *Manager) IsExhausted(id string) bool {
	_, ok := m.Record(id)
	return ok
}

// Record returns the active record for id.
func (m *Manager) Record(id string) (Record, bool) {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok || !now.Before(rec.ResetAt) {
		return Record{}, false
	}
	return rec, true
}

// Clear removes the record for id.
func (m *Manager) Clear(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
}

// Records lists active records ordered by reset time.
func (m *Manager) Records() []Record {
	now := m.now()
	m.mu.RLock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		if now.Before(rec.ResetAt) {
			out = append(out, rec)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ResetAt.Before(out[j].ResetAt) })
	return out
}

// EarliestReset returns the soonest reset among ids that are exhausted.
func (m *Manager) EarliestReset(ids []string) (time.Time, bool) {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var earliest time.Time
	found := false
	for _, id := range ids {
		rec, ok := m.records[id]
		if !ok || !now.Before(rec.ResetAt) {
			continue
		}
		if !found || rec.ResetAt.Before(earliest) {
			earliest = rec.ResetAt
			found = true
		}
	}
	return earliest, found
}

// AllExhausted returns an AllExhaustedError when every id is exhausted, nil
// otherwise. An empty id set is not exhausted.
func (m *Manager) AllExhausted(provider string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	for _, id := range ids {
		if !m.IsExhausted(id) {
			return nil
		}
	}
	earliest, _ := m.EarliestReset(ids)
	return &AllExhaustedError{Provider: provider, EarliestReset: earliest}
}

// Cleanup purges records whose window has passed and returns the count.
func (m *Manager) Cleanup() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, rec := range m.records {
		if !now.Before(rec.ResetAt) {
			delete(m.records, id)
			n++
		}
	}
	return n
}

// Len returns the number of stored records, expired ones included.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
