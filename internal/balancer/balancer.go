package balancer

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ferro-labs/credential-gateway/credential"
)

// CooldownInfo describes a credential that is temporarily ineligible.
type CooldownInfo struct {
	Provider     string    `json:"provider"`
	CredentialID string    `json:"credential_id"`
	Until        time.Time `json:"until"`
	Reason       string    `json:"reason"`
}

// Selection is an owned snapshot of the chosen credential. Callers use it
// without holding any lock.
type Selection struct {
	Provider     string                 `json:"provider"`
	CredentialID string                 `json:"credential_id"`
	Credential   *credential.Credential `json:"credential"`
}

// Options narrows the candidate set for one selection.
type Options struct {
	// Exclude lists ids already tried by the caller.
	Exclude []string
	// Skip reports ids that an outer gate (risk, quota) rejects.
	Skip func(id string) bool
	// IgnoreCooldown selects cooling credentials as if they were active.
	IgnoreCooldown bool
}

// Result is the outcome of one use of a credential.
type Result struct {
	Success   bool
	LatencyMs int64
	Error     string
}

// Option configures a LoadBalancer.
type Option func(*LoadBalancer)

// WithClock overrides time.Now, used for simulated time in tests.
func WithClock(now func() time.Time) Option {
	return func(lb *LoadBalancer) { lb.now = now }
}

// LoadBalancer selects credentials across provider pools and tracks cooldown
// windows. It is safe for concurrent use.
type LoadBalancer struct {
	strategy Strategy
	now      func() time.Time

	mu        sync.Mutex
	pools     map[string]*credential.Pool
	cursors   map[string]int
	cooldowns map[string]CooldownInfo
}

// New creates a LoadBalancer using strategy.
func New(strategy Strategy, opts ...Option) *LoadBalancer {
	if strategy == "" {
		strategy = RoundRobin
	}
	lb := &LoadBalancer{
		strategy:  strategy,
		now:       time.Now,
		pools:     make(map[string]*credential.Pool),
		cursors:   make(map[string]int),
		cooldowns: make(map[string]CooldownInfo),
	}
	for _, opt := range opts {
		opt(lb)
	}
	return lb
}

// Strategy returns the configured strategy.
func (lb *LoadBalancer) Strategy() Strategy { return lb.strategy }

// AddPool registers pool under its provider, replacing any previous pool.
func (lb *LoadBalancer) AddPool(pool *credential.Pool) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.pools[pool.Provider()] = pool
}

// Pool returns the pool registered for provider.
func (lb *LoadBalancer) Pool(provider string) (*credential.Pool, bool) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	p, ok := lb.pools[provider]
	return p, ok
}

// Providers returns the registered provider names, sorted.
func (lb *LoadBalancer) Providers() []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	out := make([]string, 0, len(lb.pools))
	for name := range lb.pools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Select picks an eligible credential from the provider's pool.
func (lb *LoadBalancer) Select(provider string) (Selection, error) {
	return lb.SelectFiltered(provider, Options{})
}

// SelectWithFailover picks an eligible credential, skipping exclude. Members
// in cooldown are passed over in strategy order; ErrAllExhausted is returned
// only when nothing eligible remains.
func (lb *LoadBalancer) SelectWithFailover(provider string, exclude ...string) (Selection, error) {
	return lb.SelectFiltered(provider, Options{Exclude: exclude})
}

// SelectFiltered is the common selection path.
func (lb *LoadBalancer) SelectFiltered(provider string, opts Options) (Selection, error) {
	pool, ok := lb.Pool(provider)
	if !ok {
		return Selection{}, fmt.Errorf("%w: no pool for provider %s", credential.ErrNotFound, provider)
	}
	members := pool.List()
	if len(members) == 0 {
		return Selection{}, fmt.Errorf("%w: pool %s is empty", credential.ErrAllExhausted, provider)
	}

	excluded := make(map[string]bool, len(opts.Exclude))
	for _, id := range opts.Exclude {
		excluded[id] = true
	}
	// Outer gates are evaluated before taking lb.mu.
	eligible := make(map[string]bool, len(members))
	for _, c := range members {
		if c.Disabled || excluded[c.ID] {
			continue
		}
		if opts.Skip != nil && opts.Skip(c.ID) {
			continue
		}
		eligible[c.ID] = true
	}

	now := lb.now()
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if !opts.IgnoreCooldown {
		for id := range eligible {
			if lb.coolingLocked(provider, id, now) {
				delete(eligible, id)
			}
		}
	}
	if len(eligible) == 0 {
		return Selection{}, fmt.Errorf("%w: provider %s", credential.ErrAllExhausted, provider)
	}

	var idx int
	switch lb.strategy {
	case LeastUsed:
		idx = pickLeastUsed(members, eligible)
	case Random:
		idx = pickRandom(members, eligible)
	default:
		idx = pickRoundRobin(members, eligible, lb.cursors[provider]%len(members))
		lb.cursors[provider] = idx + 1
	}

	chosen := members[idx]
	return Selection{Provider: provider, CredentialID: chosen.ID, Credential: chosen}, nil
}

// MarkCooldown makes id ineligible until now+d.
func (lb *LoadBalancer) MarkCooldown(provider, id string, d time.Duration, reason string) time.Time {
	until := lb.now().Add(d)
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.cooldowns[cooldownKey(provider, id)] = CooldownInfo{
		Provider:     provider,
		CredentialID: id,
		Until:        until,
		Reason:       reason,
	}
	return until
}

// MarkActive clears any cooldown for id.
func (lb *LoadBalancer) MarkActive(provider, id string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	delete(lb.cooldowns, cooldownKey(provider, id))
}

// IsInCooldown reports whether id is inside an active cooldown window.
func (lb *LoadBalancer) IsInCooldown(provider, id string) bool {
	now := lb.now()
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.coolingLocked(provider, id, now)
}

// Cooldown returns the cooldown entry for id, if one is active.
func (lb *LoadBalancer) Cooldown(provider, id string) (CooldownInfo, bool) {
	now := lb.now()
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if !lb.coolingLocked(provider, id, now) {
		return CooldownInfo{}, false
	}
	return lb.cooldowns[cooldownKey(provider, id)], true
}

// Cooldowns lists active cooldowns ordered by expiry.
func (lb *LoadBalancer) Cooldowns() []CooldownInfo {
	now := lb.now()
	lb.mu.Lock()
	out := make([]CooldownInfo, 0, len(lb.cooldowns))
	for _, info := range lb.cooldowns {
		if now.Before(info.Until) {
			out = append(out, info)
		}
	}
	lb.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Until.Before(out[j].Until) })
	return out
}

// PurgeExpiredCooldowns drops cooldown entries whose window has passed and
// returns how many were removed.
func (lb *LoadBalancer) PurgeExpiredCooldowns() int {
	now := lb.now()
	lb.mu.Lock()
	defer lb.mu.Unlock()
	n := 0
	for key, info := range lb.cooldowns {
		if !now.Before(info.Until) {
			delete(lb.cooldowns, key)
			n++
		}
	}
	return n
}

// Report records the outcome of one use of id. Success increments
// usage_count, failure increments error_count; both stamp last_used_at.
func (lb *LoadBalancer) Report(provider, id string, r Result) error {
	pool, ok := lb.Pool(provider)
	if !ok {
		return fmt.Errorf("%w: no pool for provider %s", credential.ErrNotFound, provider)
	}
	now := lb.now()
	return pool.Update(id, func(c *credential.Credential) {
		if r.Success {
			c.UsageCount++
			c.Healthy = true
		} else {
			c.ErrorCount++
			c.LastError = r.Error
		}
		c.LastLatencyMs = r.LatencyMs
		c.LastUsedAt = &now
	})
}

// coolingLocked must be called with lb.mu held.
func (lb *LoadBalancer) coolingLocked(provider, id string, now time.Time) bool {
	info, ok := lb.cooldowns[cooldownKey(provider, id)]
	return ok && now.Before(info.Until)
}

func cooldownKey(provider, id string) string {
	return provider + "/" + id
}
