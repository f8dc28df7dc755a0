package credgateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ferro-labs/credential-gateway/credential"
	"github.com/ferro-labs/credential-gateway/internal/balancer"
	"github.com/ferro-labs/credential-gateway/internal/credsync"
	"github.com/ferro-labs/credential-gateway/internal/logging"
	"github.com/ferro-labs/credential-gateway/internal/metrics"
	"github.com/ferro-labs/credential-gateway/internal/quota"
	"github.com/ferro-labs/credential-gateway/internal/risk"
	"github.com/ferro-labs/credential-gateway/plugin"
)

// Re-exported types so callers of the manager need only this package.
type (
	Selection         = balancer.Selection
	CooldownInfo      = balancer.CooldownInfo
	RiskLevel         = risk.Level
	RiskStatus        = risk.Status
	QuotaRecord       = quota.Record
	SwitchResult      = quota.SwitchResult
	AllExhaustedError = quota.AllExhaustedError
)

// State is the selection eligibility of one credential.
type State string

// Eligibility states, in the order State checks them.
const (
	StateDisabled  State = "disabled"
	StateBanned    State = "banned"
	StateExhausted State = "exhausted"
	StateCooling   State = "cooling"
	StateWarning   State = "warning"
	StateHealthy   State = "healthy"
)

// Eligible reports whether a credential in state s can be selected with risk
// control enabled.
func (s State) Eligible() bool { return s == StateHealthy || s == StateWarning }

// Failure describes one failed upstream call.
type Failure struct {
	StatusCode int    `json:"status_code,omitempty"`
	Body       string `json:"body,omitempty"`
	// RetryAfter is the raw Retry-After header value.
	RetryAfter string `json:"retry_after,omitempty"`
	LatencyMs  int64  `json:"latency_ms,omitempty"`
}

// ManagerOption configures a Manager.
type ManagerOption func(*managerOptions)

type managerOptions struct {
	now         func() time.Time
	quotaWindow time.Duration
	riskEnabled bool
}

// WithClock drives every component of the manager from now.
func WithClock(now func() time.Time) ManagerOption {
	return func(o *managerOptions) { o.now = now }
}

// WithQuotaWindow sets the exhaustion window used when no reset time is known.
func WithQuotaWindow(d time.Duration) ManagerOption {
	return func(o *managerOptions) { o.quotaWindow = d }
}

// WithRiskControl sets the initial risk-control toggle.
func WithRiskControl(enabled bool) ManagerOption {
	return func(o *managerOptions) { o.riskEnabled = enabled }
}

// Manager is the single select/report entry point of the request pipeline.
// It is safe for concurrent use.
type Manager struct {
	lb    *balancer.LoadBalancer
	risk  *risk.Controller
	quota *quota.Manager
	now   func() time.Time

	riskEnabled atomic.Bool
	// membership serialises pool creation and cross-pool id checks.
	membership sync.Mutex
}

// NewManager creates a Manager with empty pools.
func NewManager(strategy balancer.Strategy, riskCfg risk.Config, opts ...ManagerOption) *Manager {
	o := managerOptions{now: time.Now, riskEnabled: true}
	for _, opt := range opts {
		opt(&o)
	}
	m := &Manager{
		lb:    balancer.New(strategy, balancer.WithClock(o.now)),
		risk:  risk.New(riskCfg, risk.WithClock(o.now)),
		quota: quota.NewShared(quota.WithClock(o.now), quota.WithWindow(o.quotaWindow)),
		now:   o.now,
	}
	m.riskEnabled.Store(o.riskEnabled)
	return m
}

// Balancer returns the underlying load balancer.
func (m *Manager) Balancer() *balancer.LoadBalancer { return m.lb }

// Risk returns the underlying risk controller.
func (m *Manager) Risk() *risk.Controller { return m.risk }

// Quota returns the underlying quota manager.
func (m *Manager) Quota() *quota.Manager { return m.quota }

// Providers returns the registered provider names, sorted.
func (m *Manager) Providers() []string { return m.lb.Providers() }

// Pool returns the pool for provider.
func (m *Manager) Pool(provider string) (*credential.Pool, bool) { return m.lb.Pool(provider) }

// EnsurePool returns the pool for provider, creating it if needed.
func (m *Manager) EnsurePool(provider string) *credential.Pool {
	m.membership.Lock()
	defer m.membership.Unlock()
	return m.ensurePoolLocked(provider)
}

func (m *Manager) ensurePoolLocked(provider string) *credential.Pool {
	if p, ok := m.lb.Pool(provider); ok {
		return p
	}
	p := credential.NewPool(provider)
	m.lb.AddPool(p)
	return p
}

// AddCredential adds c to the pool of c.Provider, creating the pool if
// needed. An id already present in any pool is rejected with ErrDuplicate.
func (m *Manager) AddCredential(c *credential.Credential) error {
	if c.Provider == "" || c.ID == "" {
		return fmt.Errorf("credential needs a provider and an id")
	}
	m.membership.Lock()
	defer m.membership.Unlock()
	if owner := m.ownerLocked(c.ID); owner != "" {
		return fmt.Errorf("%w: %s already in pool %s", credential.ErrDuplicate, c.ID, owner)
	}
	return m.ensurePoolLocked(c.Provider).Add(c)
}

// RemoveCredential drops id from provider's pool along with its cooldown,
// risk and quota state.
func (m *Manager) RemoveCredential(provider, id string) error {
	pool, err := m.pool(provider)
	if err != nil {
		return err
	}
	if err := pool.Remove(id); err != nil {
		return err
	}
	m.lb.MarkActive(provider, id)
	m.risk.Forget(id)
	m.quota.Clear(id)
	metrics.RiskLevel.DeleteLabelValues(provider, id)
	return nil
}

// SetCredentialData replaces the payload of id, e.g. after a token refresh.
func (m *Manager) SetCredentialData(provider, id string, data credential.Data) error {
	pool, err := m.pool(provider)
	if err != nil {
		return err
	}
	return pool.SetData(id, data)
}

// Provider returns the pool that holds id.
func (m *Manager) Provider(id string) (string, bool) {
	m.membership.Lock()
	defer m.membership.Unlock()
	owner := m.ownerLocked(id)
	return owner, owner != ""
}

func (m *Manager) ownerLocked(id string) string {
	for _, name := range m.lb.Providers() {
		if p, ok := m.lb.Pool(name); ok && p.Has(id) {
			return name
		}
	}
	return ""
}

// SelectCredential picks a credential for provider, skipping exclude. With
// risk control enabled, cooling, banned and quota-exhausted credentials are
// passed over, and a pool whose enabled members are all exhausted yields an
// *AllExhaustedError. With risk control disabled only membership, the
// disabled flag and the strategy apply.
func (m *Manager) SelectCredential(ctx context.Context, provider string, exclude ...string) (Selection, error) {
	pool, ok := m.lb.Pool(provider)
	if !ok {
		metrics.SelectionsTotal.WithLabelValues(provider, "not_found").Inc()
		return Selection{}, fmt.Errorf("%w: no pool for provider %s", credential.ErrNotFound, provider)
	}

	if !m.IsRiskControlEnabled() {
		sel, err := m.lb.SelectFiltered(provider, balancer.Options{Exclude: exclude, IgnoreCooldown: true})
		m.recordSelection(ctx, provider, sel, err)
		return sel, err
	}

	var enabled []string
	for _, c := range pool.List() {
		if !c.Disabled {
			enabled = append(enabled, c.ID)
		}
	}
	if err := m.quota.AllExhausted(provider, enabled); err != nil {
		metrics.SelectionsTotal.WithLabelValues(provider, "quota_exhausted").Inc()
		logging.FromContext(ctx).Warn("all credentials quota-exhausted", "provider", provider, "error", err)
		return Selection{}, err
	}

	sel, err := m.lb.SelectFiltered(provider, balancer.Options{
		Exclude: exclude,
		Skip: func(id string) bool {
			if m.quota.IsExhausted(id) {
				return true
			}
			lvl := m.risk.Level(id)
			return lvl == risk.Cooling || lvl == risk.Banned
		},
	})
	m.recordSelection(ctx, provider, sel, err)
	return sel, err
}

func (m *Manager) recordSelection(ctx context.Context, provider string, sel Selection, err error) {
	if err != nil {
		metrics.SelectionsTotal.WithLabelValues(provider, "exhausted").Inc()
		logging.FromContext(ctx).Debug("no eligible credential", "provider", provider, "error", err)
		return
	}
	metrics.SelectionsTotal.WithLabelValues(provider, "selected").Inc()
	logging.FromContext(ctx).Debug("credential selected", "provider", provider, "credential", sel.CredentialID)
}

// ReportSuccess records a successful call.
func (m *Manager) ReportSuccess(ctx context.Context, provider, id string, latencyMs int64) error {
	if err := m.lb.Report(provider, id, balancer.Result{Success: true, LatencyMs: latencyMs}); err != nil {
		return err
	}
	m.risk.RecordSuccess(id)
	metrics.ReportsTotal.WithLabelValues(provider, "success").Inc()
	metrics.ReportLatency.WithLabelValues(provider).Observe(float64(latencyMs) / 1000)
	m.observeRisk(provider, id)
	logging.FromContext(ctx).Debug("usage reported", "provider", provider, "credential", id, "latency_ms", latencyMs)
	return nil
}

// ReportFailure records a failed call. On a confirmed rate limit it applies a
// cooldown and returns its length with applied set; otherwise the failure
// counts toward the risk level, and 401/403 count toward the ban threshold.
func (m *Manager) ReportFailure(ctx context.Context, provider, id string, f Failure) (int64, bool, error) {
	if err := m.lb.Report(provider, id, balancer.Result{LatencyMs: f.LatencyMs, Error: summarize(f)}); err != nil {
		return 0, false, err
	}
	if f.LatencyMs > 0 {
		metrics.ReportLatency.WithLabelValues(provider).Observe(float64(f.LatencyMs) / 1000)
	}

	if m.risk.IsRateLimitError(f.StatusCode, f.Body) {
		var retryAfter *int64
		if secs, ok := m.risk.ParseRetryAfter(f.RetryAfter); ok {
			retryAfter = &secs
		}
		secs := m.applyCooldown(ctx, provider, id, f.StatusCode, retryAfter)
		metrics.ReportsTotal.WithLabelValues(provider, "rate_limited").Inc()
		return secs, true, nil
	}

	if risk.IsAuthFailure(f.StatusCode) {
		m.risk.RecordHardFailure(id)
	} else {
		m.risk.RecordFailure(id)
	}
	metrics.ReportsTotal.WithLabelValues(provider, "failure").Inc()
	m.observeRisk(provider, id)
	logging.FromContext(ctx).Info("failure reported", "provider", provider, "credential", id, "status", f.StatusCode)
	return 0, false, nil
}

// ReportProviderError records a failure already classified by a plugin.
// Quota exhaustion is recorded through ReportQuotaExceeded and yields its
// *AllExhaustedError when no member is left.
func (m *Manager) ReportProviderError(ctx context.Context, provider, id string, pe *plugin.ProviderError) (int64, bool, error) {
	if pe == nil {
		return 0, false, fmt.Errorf("nil provider error")
	}
	switch pe.Type {
	case plugin.ErrTypeRateLimit:
		if err := m.lb.Report(provider, id, balancer.Result{Error: pe.Error()}); err != nil {
			return 0, false, err
		}
		secs := m.applyCooldown(ctx, provider, id, pe.StatusCode, pe.CooldownSeconds)
		metrics.ReportsTotal.WithLabelValues(provider, "rate_limited").Inc()
		return secs, true, nil
	case plugin.ErrTypeQuotaExceeded:
		var resetAt time.Time
		if pe.CooldownSeconds != nil {
			resetAt = m.now().Add(time.Duration(*pe.CooldownSeconds) * time.Second)
		}
		_, err := m.ReportQuotaExceeded(ctx, provider, id, resetAt)
		return 0, false, err
	}

	if err := m.lb.Report(provider, id, balancer.Result{Error: pe.Error()}); err != nil {
		return 0, false, err
	}
	if pe.Type == plugin.ErrTypeAuthentication || pe.Type == plugin.ErrTypeAuthorization {
		m.risk.RecordHardFailure(id)
	} else {
		m.risk.RecordFailure(id)
	}
	metrics.ReportsTotal.WithLabelValues(provider, "failure").Inc()
	m.observeRisk(provider, id)
	return 0, false, nil
}

// ReportQuotaExceeded marks id exhausted until resetAt, or for the default
// window when resetAt is zero, then tries to switch to another credential.
// When no alternative remains because every member is exhausted, the
// *AllExhaustedError is returned alongside the result.
func (m *Manager) ReportQuotaExceeded(ctx context.Context, provider, id string, resetAt time.Time) (SwitchResult, error) {
	if err := m.lb.Report(provider, id, balancer.Result{Error: "quota exceeded"}); err != nil {
		return SwitchResult{}, err
	}
	var rec QuotaRecord
	if resetAt.IsZero() {
		rec = m.quota.MarkExceededFor(id, 0)
	} else {
		rec = m.quota.MarkExceeded(id, resetAt)
	}
	metrics.QuotaExhaustedTotal.WithLabelValues(provider).Inc()
	metrics.ReportsTotal.WithLabelValues(provider, "quota_exceeded").Inc()
	logging.FromContext(ctx).Info("quota exhausted", "provider", provider, "credential", id, "reset_at", rec.ResetAt)

	res := SwitchResult{From: id}
	sel, err := m.SelectCredential(ctx, provider, id)
	switch {
	case err == nil:
		res.To = sel.CredentialID
		res.Switched = true
		return res, nil
	case errors.Is(err, credential.ErrAllExhausted):
		var exhausted *AllExhaustedError
		if errors.As(err, &exhausted) {
			res.Exhausted = true
			return res, err
		}
		return res, nil
	default:
		return res, err
	}
}

// ClearCooldown ends any cooldown of id in both the risk controller and the
// balancer.
func (m *Manager) ClearCooldown(ctx context.Context, provider, id string) error {
	pool, err := m.pool(provider)
	if err != nil {
		return err
	}
	if !pool.Has(id) {
		return fmt.Errorf("%w: %s", credential.ErrNotFound, id)
	}
	m.risk.ClearCooldown(id)
	m.lb.MarkActive(provider, id)
	m.observeRisk(provider, id)
	logging.FromContext(ctx).Info("cooldown cleared", "provider", provider, "credential", id)
	return nil
}

// Disable removes id from selection until Enable is called.
func (m *Manager) Disable(ctx context.Context, provider, id string) error {
	pool, err := m.pool(provider)
	if err != nil {
		return err
	}
	if err := pool.SetDisabled(id, true); err != nil {
		return err
	}
	logging.FromContext(ctx).Info("credential disabled", "provider", provider, "credential", id)
	return nil
}

// Enable re-admits a disabled credential and drops its hard-failure history.
func (m *Manager) Enable(ctx context.Context, provider, id string) error {
	pool, err := m.pool(provider)
	if err != nil {
		return err
	}
	if err := pool.SetDisabled(id, false); err != nil {
		return err
	}
	m.risk.Unban(id)
	m.observeRisk(provider, id)
	logging.FromContext(ctx).Info("credential enabled", "provider", provider, "credential", id)
	return nil
}

// RiskLevel returns the risk level of id.
func (m *Manager) RiskLevel(id string) RiskLevel { return m.risk.Level(id) }

// RiskStatus returns a snapshot of id's risk state.
func (m *Manager) RiskStatus(id string) RiskStatus { return m.risk.Status(id) }

// IsRiskControlEnabled reports the risk-control toggle.
func (m *Manager) IsRiskControlEnabled() bool { return m.riskEnabled.Load() }

// SetRiskControlEnabled flips the risk-control toggle.
func (m *Manager) SetRiskControlEnabled(enabled bool) {
	if m.riskEnabled.Swap(enabled) != enabled {
		logging.Logger.Info("risk control toggled", "enabled", enabled)
	}
}

// State returns the eligibility state of id.
func (m *Manager) State(provider, id string) (State, error) {
	pool, err := m.pool(provider)
	if err != nil {
		return "", err
	}
	c, ok := pool.Get(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", credential.ErrNotFound, id)
	}
	return m.stateOf(provider, c), nil
}

func (m *Manager) stateOf(provider string, c *credential.Credential) State {
	if c.Disabled {
		return StateDisabled
	}
	lvl := m.risk.Level(c.ID)
	switch {
	case lvl == risk.Banned:
		return StateBanned
	case m.quota.IsExhausted(c.ID):
		return StateExhausted
	case lvl == risk.Cooling || m.lb.IsInCooldown(provider, c.ID):
		return StateCooling
	case lvl == risk.Warning:
		return StateWarning
	default:
		return StateHealthy
	}
}

// CredentialView is the secret-free admin view of one pooled credential.
type CredentialView struct {
	ID            string     `json:"id"`
	Provider      string     `json:"provider"`
	AuthType      string     `json:"auth_type"`
	State         State      `json:"state"`
	Disabled      bool       `json:"disabled"`
	UsageCount    int64      `json:"usage_count"`
	ErrorCount    int64      `json:"error_count"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	LastLatencyMs int64      `json:"last_latency_ms"`
	Risk          RiskStatus `json:"risk"`
}

// Credentials lists provider's pool in insertion order.
func (m *Manager) Credentials(provider string) ([]CredentialView, error) {
	pool, err := m.pool(provider)
	if err != nil {
		return nil, err
	}
	members := pool.List()
	out := make([]CredentialView, 0, len(members))
	for _, c := range members {
		out = append(out, CredentialView{
			ID:            c.ID,
			Provider:      provider,
			AuthType:      c.Data.AuthType,
			State:         m.stateOf(provider, c),
			Disabled:      c.Disabled,
			UsageCount:    c.UsageCount,
			ErrorCount:    c.ErrorCount,
			LastUsedAt:    c.LastUsedAt,
			LastError:     c.LastError,
			LastLatencyMs: c.LastLatencyMs,
			Risk:          m.risk.Status(c.ID),
		})
	}
	return out, nil
}

// PoolSummary counts a pool's members.
type PoolSummary struct {
	Provider string `json:"provider"`
	Total    int    `json:"total"`
	Eligible int    `json:"eligible"`
}

// Pools summarises every pool, sorted by provider.
func (m *Manager) Pools() []PoolSummary {
	names := m.lb.Providers()
	out := make([]PoolSummary, 0, len(names))
	for _, name := range names {
		pool, ok := m.lb.Pool(name)
		if !ok {
			continue
		}
		s := PoolSummary{Provider: name}
		for _, c := range pool.List() {
			s.Total++
			if m.stateOf(name, c).Eligible() {
				s.Eligible++
			}
		}
		out = append(out, s)
	}
	return out
}

// Cooldowns lists active cooldowns ordered by expiry.
func (m *Manager) Cooldowns() []CooldownInfo { return m.lb.Cooldowns() }

// QuotaRecords lists quota exhaustion records.
func (m *Manager) QuotaRecords() []QuotaRecord { return m.quota.Records() }

// Purge drops expired cooldown, risk and quota state.
func (m *Manager) Purge() int {
	return m.lb.PurgeExpiredCooldowns() + m.risk.Purge() + m.quota.Cleanup()
}

// MapOrchestratorProvider maps orchestrator provider names to pool names.
func MapOrchestratorProvider(name string) string {
	switch strings.ToLower(name) {
	case "anthropic":
		return "claude_oauth"
	case "openai":
		return "codex"
	case "google", "gemini":
		return "gemini"
	default:
		return name
	}
}

// SyncFromOrchestrator imports the inventory of src into pools, creating
// missing pools and skipping ids that are already pooled. It returns the
// number of credentials added.
func (m *Manager) SyncFromOrchestrator(ctx context.Context, src credsync.Source) (int, error) {
	entries, err := src.Entries(ctx)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, e := range entries {
		provider := MapOrchestratorProvider(e.Provider)
		c := credential.New(e.CredentialID, provider, credential.Data{AuthType: e.AuthType, Config: e.Config})
		c.CreatedAt = m.now()
		err := m.AddCredential(c)
		switch {
		case err == nil:
			added++
		case errors.Is(err, credential.ErrDuplicate):
		default:
			return added, err
		}
	}
	logging.FromContext(ctx).Info("orchestrator sync", "entries", len(entries), "added", added)
	return added, nil
}

func (m *Manager) pool(provider string) (*credential.Pool, error) {
	pool, ok := m.lb.Pool(provider)
	if !ok {
		return nil, fmt.Errorf("%w: no pool for provider %s", credential.ErrNotFound, provider)
	}
	return pool, nil
}

func (m *Manager) applyCooldown(ctx context.Context, provider, id string, status int, retryAfter *int64) int64 {
	secs := m.risk.RecordRateLimit(risk.Event{
		CredentialID: id,
		StatusCode:   status,
		RetryAfter:   retryAfter,
		Message:      fmt.Sprintf("rate limited (status %d)", status),
		At:           m.now(),
	})
	until := m.lb.MarkCooldown(provider, id, time.Duration(secs)*time.Second, "rate_limit")
	metrics.CooldownsTotal.WithLabelValues(provider).Inc()
	metrics.CooldownSeconds.Observe(float64(secs))
	m.observeRisk(provider, id)
	logging.FromContext(ctx).Info("cooldown applied",
		"provider", provider, "credential", id, "seconds", secs, "until", until)
	return secs
}

func (m *Manager) observeRisk(provider, id string) {
	metrics.RiskLevel.WithLabelValues(provider, id).Set(float64(m.risk.Level(id)))
}

func summarize(f Failure) string {
	body := strings.TrimSpace(f.Body)
	if len(body) > 200 {
		body = body[:200]
	}
	if f.StatusCode == 0 {
		return body
	}
	if body == "" {
		return fmt.Sprintf("status %d", f.StatusCode)
	}
	return fmt.Sprintf("status %d: %s", f.StatusCode, body)
}
