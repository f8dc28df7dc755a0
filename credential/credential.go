// Package credential defines the credential record and the per-provider pool
// that owns it.
package credential

import (
	"encoding/json"
	"fmt"
	"time"
)

// Well-known auth types. Plugins may define their own; the payload of an
// unknown auth type is carried as raw JSON and parsed by the owning plugin.
const (
	AuthAPIKey = "api_key"
	AuthOAuth  = "oauth"
)

// Data is the tagged credential payload: an auth type plus the raw JSON
// configuration the owning plugin understands.
type Data struct {
	AuthType string          `json:"auth_type" yaml:"auth_type"`
	Config   json.RawMessage `json:"config,omitempty" yaml:"-"`
}

// APIKey is the payload of an api_key credential.
type APIKey struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url,omitempty"`
}

// OAuth is the payload of an oauth credential.
type OAuth struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	TokenURL     string     `json:"token_url,omitempty"`
	ClientID     string     `json:"client_id,omitempty"`
	ClientSecret string     `json:"client_secret,omitempty"`
	BaseURL      string     `json:"base_url,omitempty"`
}

// NewData marshals v as the payload for authType.
func NewData(authType string, v any) (Data, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Data{}, fmt.Errorf("encoding %s payload: %w", authType, err)
	}
	return Data{AuthType: authType, Config: raw}, nil
}

// APIKey decodes the payload as an api_key credential.
func (d Data) APIKey() (APIKey, error) {
	var k APIKey
	if d.AuthType != AuthAPIKey {
		return k, fmt.Errorf("auth type %q is not %q", d.AuthType, AuthAPIKey)
	}
	if err := json.Unmarshal(d.Config, &k); err != nil {
		return k, fmt.Errorf("decoding api_key payload: %w", err)
	}
	return k, nil
}

// OAuth decodes the payload as an oauth credential.
func (d Data) OAuth() (OAuth, error) {
	var o OAuth
	if d.AuthType != AuthOAuth {
		return o, fmt.Errorf("auth type %q is not %q", d.AuthType, AuthOAuth)
	}
	if err := json.Unmarshal(d.Config, &o); err != nil {
		return o, fmt.Errorf("decoding oauth payload: %w", err)
	}
	return o, nil
}

// Credential is one access secret bound to exactly one provider pool.
type Credential struct {
	ID            string     `json:"id"`
	Provider      string     `json:"provider"`
	Data          Data       `json:"data"`
	Disabled      bool       `json:"disabled"`
	Healthy       bool       `json:"healthy"`
	UsageCount    int64      `json:"usage_count"`
	ErrorCount    int64      `json:"error_count"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	LastLatencyMs int64      `json:"last_latency_ms"`
	CreatedAt     time.Time  `json:"created_at"`
}

// New returns a healthy credential for provider.
func New(id, provider string, data Data) *Credential {
	return &Credential{
		ID:        id,
		Provider:  provider,
		Data:      data,
		Healthy:   true,
		CreatedAt: time.Now(),
	}
}

// Clone returns a deep copy safe to use outside the pool lock.
func (c *Credential) Clone() *Credential {
	out := *c
	if c.Data.Config != nil {
		out.Data.Config = append(json.RawMessage(nil), c.Data.Config...)
	}
	if c.LastUsedAt != nil {
		t := *c.LastUsedAt
		out.LastUsedAt = &t
	}
	return &out
}
