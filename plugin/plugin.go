// Package plugin defines the credential provider plugin interface shared by
// in-process plugins and external plugin processes, plus the Registry that
// keys loaded plugins by id.
//
// Built-in plugins live under internal/plugins/*; external plugins are
// discovered and adapted by plugin/external. Callers never need to know
// which realization they hold.
package plugin

import (
	"context"
	"encoding/json"
	"time"
)

// Plugin is a provider-specific credential lifecycle and protocol adapter.
type Plugin interface {
	ID() string
	DisplayName() string
	Version() string
	Description() string

	// TargetProtocol is the wire protocol the provider speaks.
	TargetProtocol() StandardProtocol
	// TargetProtocolForModel allows a per-model override.
	TargetProtocolForModel(model string) StandardProtocol

	SupportedAuthTypes() []AuthTypeInfo
	// CredentialSchema returns the JSON schema for authType, or nil.
	CredentialSchema(authType string) json.RawMessage
	// CreateCredential validates config and returns the new credential id.
	CreateCredential(ctx context.Context, authType string, config json.RawMessage) (string, error)

	ModelFamilies() []ModelFamily
	SupportsModel(model string) bool

	AcquireCredential(ctx context.Context, model string) (*AcquiredCredential, error)
	ReleaseCredential(ctx context.Context, credentialID string, result UsageResult) error
	ValidateCredential(ctx context.Context, credentialID string) (*ValidationResult, error)
	// RefreshToken must leave the stored token untouched on failure.
	RefreshToken(ctx context.Context, credentialID string) (*TokenRefreshResult, error)

	// TransformRequest and TransformResponse mutate payload in place.
	TransformRequest(ctx context.Context, payload map[string]any) error
	TransformResponse(ctx context.Context, payload map[string]any) error
	// ApplyRiskControl injects provider-specific headers or fields.
	ApplyRiskControl(ctx context.Context, payload map[string]any, credentialID string) error
	// ParseError classifies a provider error response; nil when unrecognised.
	ParseError(status int, body string) *ProviderError

	Init(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// ExpiringLister is implemented by plugins that can enumerate their refreshable
// credentials. The gateway's refresh task uses it to pick refresh targets.
type ExpiringLister interface {
	// ExpiringCredentials returns the ids of credentials whose token expires
	// before the given instant and that carry a refresh token.
	ExpiringCredentials(ctx context.Context, before time.Time) ([]string, error)
}

// StandardProtocol is an upstream API dialect.
type StandardProtocol string

// Supported protocols.
const (
	ProtocolAnthropic    StandardProtocol = "anthropic"
	ProtocolOpenAI       StandardProtocol = "openai"
	ProtocolGemini       StandardProtocol = "gemini"
	ProtocolQwen         StandardProtocol = "qwen"
	ProtocolOpenAICompat StandardProtocol = "openai_compat"
)

// CredentialCategory groups auth types in the UI.
type CredentialCategory string

// Credential categories.
const (
	CategoryOAuth  CredentialCategory = "oauth"
	CategoryAPIKey CredentialCategory = "api_key"
	CategoryOther  CredentialCategory = "other"
)

// AuthTypeInfo describes one auth type a plugin accepts.
type AuthTypeInfo struct {
	ID          string             `json:"id"`
	DisplayName string             `json:"display_name"`
	Description string             `json:"description"`
	Category    CredentialCategory `json:"category"`
	Icon        string             `json:"icon,omitempty"`
}

// ModelFamily is a glob pattern over model names.
type ModelFamily struct {
	Name        string `json:"name"`
	Pattern     string `json:"pattern"`
	Tier        string `json:"tier,omitempty"`
	Description string `json:"description,omitempty"`
}

// AcquiredCredential is the ephemeral bundle a caller attaches to an upstream
// request. It is never persisted.
type AcquiredCredential struct {
	ID       string            `json:"id"`
	Name     string            `json:"name,omitempty"`
	AuthType string            `json:"auth_type"`
	BaseURL  string            `json:"base_url,omitempty"`
	Headers  map[string]string `json:"headers"`
	Metadata map[string]any    `json:"metadata"`
}

// Usage statuses.
const (
	UsageSuccess = "success"
	UsageError   = "error"
)

// UsageResult reports the outcome of one use of an acquired credential.
// Status selects which fields apply.
type UsageResult struct {
	Status string `json:"status"`

	LatencyMs    int64  `json:"latency_ms,omitempty"`
	InputTokens  *int64 `json:"input_tokens,omitempty"`
	OutputTokens *int64 `json:"output_tokens,omitempty"`

	ErrorType       ErrorType `json:"error_type,omitempty"`
	Message         string    `json:"message,omitempty"`
	MarkUnhealthy   bool      `json:"mark_unhealthy,omitempty"`
	CooldownSeconds *int64    `json:"cooldown_seconds,omitempty"`
}

// Succeeded builds a success result.
func Succeeded(latencyMs int64, inputTokens, outputTokens *int64) UsageResult {
	return UsageResult{Status: UsageSuccess, LatencyMs: latencyMs, InputTokens: inputTokens, OutputTokens: outputTokens}
}

// Failed builds an error result.
func Failed(errType ErrorType, message string, markUnhealthy bool, cooldownSeconds *int64) UsageResult {
	return UsageResult{
		Status:          UsageError,
		ErrorType:       errType,
		Message:         message,
		MarkUnhealthy:   markUnhealthy,
		CooldownSeconds: cooldownSeconds,
	}
}

// IsSuccess reports whether r is a success result.
func (r UsageResult) IsSuccess() bool { return r.Status == UsageSuccess }

// TokenRefreshResult carries a refreshed token set.
type TokenRefreshResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	// ExpiresAt is unix seconds.
	ExpiresAt *int64 `json:"expires_at,omitempty"`
}

// ValidationResult reports whether a credential still works.
type ValidationResult struct {
	Valid   bool           `json:"valid"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Info is the registry view of a plugin.
type Info struct {
	ID             string           `json:"id"`
	DisplayName    string           `json:"display_name"`
	Version        string           `json:"version"`
	Description    string           `json:"description"`
	TargetProtocol StandardProtocol `json:"target_protocol"`
	AuthTypes      []AuthTypeInfo   `json:"auth_types"`
	ModelFamilies  []ModelFamily    `json:"model_families"`
	Source         Source           `json:"source"`
	Path           string           `json:"path,omitempty"`
	Enabled        bool             `json:"enabled"`
}

// InfoOf builds the Info of p without registry state.
func InfoOf(p Plugin) Info {
	return Info{
		ID:             p.ID(),
		DisplayName:    p.DisplayName(),
		Version:        p.Version(),
		Description:    p.Description(),
		TargetProtocol: p.TargetProtocol(),
		AuthTypes:      p.SupportedAuthTypes(),
		ModelFamilies:  p.ModelFamilies(),
	}
}
