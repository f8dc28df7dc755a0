// Package risk tracks per-credential failure history and computes rate-limit
// cooldowns.
//
// Level transitions:
//
//	Healthy → Warning   on a soft failure
//	Warning → Cooling   on a confirmed rate limit (sets the window)
//	Cooling → Healthy   once the window elapses
//	any     → Banned    when hard failures within BanWindow reach BanThreshold
package risk

import (
	"strings"
	"sync"
	"time"
)

// Level is the derived risk classification of a credential.
type Level int

const (
	// Healthy: no recent failures.
	Healthy Level = iota
	// Warning: at least one soft failure, no active cooldown.
	Warning
	// Cooling: inside an active cooldown window.
	Cooling
	// Banned: hard-failure threshold reached within the rolling window.
	Banned
)

// String implements fmt.Stringer.
func (l Level) String() string {
	switch l {
	case Healthy:
		return "healthy"
	case Warning:
		return "warning"
	case Cooling:
		return "cooling"
	case Banned:
		return "banned"
	default:
		return "unknown"
	}
}

// MarshalText renders the level by name in JSON output.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Config holds cooldown arithmetic and ban thresholds.
type Config struct {
	BaseCooldown  time.Duration
	MinCooldown   time.Duration
	MaxCooldown   time.Duration
	// MaxRetryAfter caps a provider-announced Retry-After.
	MaxRetryAfter time.Duration
	BanThreshold  int
	BanWindow     time.Duration
	ExtraPatterns []string
}

// DefaultConfig returns the defaults used when a field is zero.
func DefaultConfig() Config {
	return Config{
		BaseCooldown:  30 * time.Second,
		MinCooldown:   time.Second,
		MaxCooldown:   30 * time.Minute,
		MaxRetryAfter: 7 * 24 * time.Hour,
		BanThreshold:  5,
		BanWindow:     time.Hour,
	}
}

// Event is one observed rate-limit response.
type Event struct {
	CredentialID string
	StatusCode   int
	Message      string
	// RetryAfter is the parsed Retry-After in seconds, nil when absent.
	RetryAfter *int64
	At         time.Time
}

// Status is a point-in-time view of one credential's risk state.
type Status struct {
	CredentialID    string     `json:"credential_id"`
	Level           Level      `json:"level"`
	ConsecutiveHits int        `json:"consecutive_hits"`
	SoftFailures    int        `json:"soft_failures"`
	HardFailures    int        `json:"hard_failures"`
	CooldownUntil   *time.Time `json:"cooldown_until,omitempty"`
	Reason          string     `json:"reason,omitempty"`
}

type entry struct {
	hits          int
	softFailures  int
	hardFailures  []time.Time
	cooldownUntil time.Time
	reason        string
}

// Controller is safe for concurrent use.
type Controller struct {
	cfg      Config
	patterns []string
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates a Controller. Zero fields in cfg take DefaultConfig values.
func New(cfg Config, opts ...Option) *Controller {
	def := DefaultConfig()
	if cfg.BaseCooldown <= 0 {
		cfg.BaseCooldown = def.BaseCooldown
	}
	if cfg.MinCooldown <= 0 {
		cfg.MinCooldown = def.MinCooldown
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = def.MaxCooldown
	}
	if cfg.MaxRetryAfter <= 0 {
		cfg.MaxRetryAfter = def.MaxRetryAfter
	}
	if cfg.BanThreshold <= 0 {
		cfg.BanThreshold = def.BanThreshold
	}
	if cfg.BanWindow <= 0 {
		cfg.BanWindow = def.BanWindow
	}
	patterns := append([]string(nil), DefaultRateLimitPatterns...)
	for _, p := range cfg.ExtraPatterns {
		patterns = append(patterns, strings.ToLower(p))
	}
	c := &Controller{
		cfg:      cfg,
		patterns: patterns,
		now:      time.Now,
		entries:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the effective configuration.
func (c *Controller) Config() Config { return c.cfg }

// IsRateLimitError classifies a response using the default and configured
// patterns. Ambiguous responses are not rate limits.
func (c *Controller) IsRateLimitError(status int, body string) bool {
	return matchRateLimit(status, body, c.patterns)
}

// ParseRetryAfter parses header relative to the controller clock.
func (c *Controller) ParseRetryAfter(header string) (int64, bool) {
	return ParseRetryAfter(header, c.now())
}

// RecordRateLimit applies a cooldown for ev and returns its length in seconds.
// With Retry-After the cooldown is max(retry_after, MinCooldown), capped at
// MaxRetryAfter; without, it is BaseCooldown·2^hits capped at MaxCooldown.
func (c *Controller) RecordRateLimit(ev Event) int64 {
	at := ev.At
	if at.IsZero() {
		at = c.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(ev.CredentialID)

	var secs int64
	if ev.RetryAfter != nil {
		secs = *ev.RetryAfter
		if minSecs := durationSeconds(c.cfg.MinCooldown); secs < minSecs {
			secs = minSecs
		}
		if maxSecs := durationSeconds(c.cfg.MaxRetryAfter); secs > maxSecs {
			secs = maxSecs
		}
	} else {
		secs = c.backoffLocked(e.hits)
	}
	e.hits++

	until := at.Add(time.Duration(secs) * time.Second)
	if until.After(e.cooldownUntil) {
		e.cooldownUntil = until
	}
	e.reason = "rate_limit"
	if ev.Message != "" {
		e.reason = ev.Message
	}
	return secs
}

// backoffLocked must be called with c.mu held.
func (c *Controller) backoffLocked(hits int) int64 {
	d := c.cfg.BaseCooldown
	for i := 0; i < hits && d < c.cfg.MaxCooldown; i++ {
		d *= 2
	}
	if d > c.cfg.MaxCooldown {
		d = c.cfg.MaxCooldown
	}
	return durationSeconds(d)
}

// RecordFailure counts a soft failure.
func (c *Controller) RecordFailure(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entryLocked(id).softFailures++
}

// RecordHardFailure counts an authentication or authorization failure toward
// the ban threshold.
func (c *Controller) RecordHardFailure(id string) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(id)
	e.softFailures++
	e.hardFailures = append(c.pruneLocked(e, now), now)
}

// RecordSuccess resets the consecutive counters. An active cooldown window
// still runs to its end.
func (c *Controller) RecordSuccess(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		e.hits = 0
		e.softFailures = 0
	}
}

// Level returns the current risk level of id.
func (c *Controller) Level(id string) Level {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return Healthy
	}
	return c.levelLocked(e, now)
}

// levelLocked must be called with c.mu held.
func (c *Controller) levelLocked(e *entry, now time.Time) Level {
	e.hardFailures = c.pruneLocked(e, now)
	switch {
	case len(e.hardFailures) >= c.cfg.BanThreshold:
		return Banned
	case now.Before(e.cooldownUntil):
		return Cooling
	case e.softFailures > 0:
		return Warning
	default:
		return Healthy
	}
}

// IsInCooldown reports whether id has an active cooldown window.
func (c *Controller) IsInCooldown(id string) bool {
	_, ok := c.CooldownUntil(id)
	return ok
}

// CooldownUntil returns the end of the active cooldown window for id.
func (c *Controller) CooldownUntil(id string) (time.Time, bool) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok || !now.Before(e.cooldownUntil) {
		return time.Time{}, false
	}
	return e.cooldownUntil, true
}

// ClearCooldown ends the cooldown window and resets the backoff counter.
func (c *Controller) ClearCooldown(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		e.cooldownUntil = time.Time{}
		e.hits = 0
		e.reason = ""
	}
}

// Unban drops the hard-failure history of id.
func (c *Controller) Unban(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		e.hardFailures = nil
	}
}

// Forget drops all state kept for id.
func (c *Controller) Forget(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

// Status returns a snapshot of id's risk state.
func (c *Controller) Status(id string) Status {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{CredentialID: id, Level: Healthy}
	e, ok := c.entries[id]
	if !ok {
		return st
	}
	st.Level = c.levelLocked(e, now)
	st.ConsecutiveHits = e.hits
	st.SoftFailures = e.softFailures
	st.HardFailures = len(e.hardFailures)
	if now.Before(e.cooldownUntil) {
		until := e.cooldownUntil
		st.CooldownUntil = &until
		st.Reason = e.reason
	}
	return st
}

// Purge drops entries that carry no state and returns how many were removed.
// Backoff counters survive an expired window so repeated hits keep growing.
func (c *Controller) Purge() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, e := range c.entries {
		e.hardFailures = c.pruneLocked(e, now)
		if e.hits == 0 && e.softFailures == 0 && len(e.hardFailures) == 0 && !now.Before(e.cooldownUntil) {
			delete(c.entries, id)
			n++
		}
	}
	return n
}

// entryLocked must be called with c.mu held.
func (c *Controller) entryLocked(id string) *entry {
	e, ok := c.entries[id]
	if !ok {
		e = &entry{}
		c.entries[id] = e
	}
	return e
}

// pruneLocked must be called with c.mu held.
func (c *Controller) pruneLocked(e *entry, now time.Time) []time.Time {
	cutoff := now.Add(-c.cfg.BanWindow)
	kept := e.hardFailures[:0]
	for _, t := range e.hardFailures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

func durationSeconds(d time.Duration) int64 {
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
