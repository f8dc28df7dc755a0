// Package openaicompat is the built-in credential plugin for OpenAI and
// OpenAI-compatible endpoints. It accepts api_key and oauth credentials.
package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"golang.org/x/oauth2"

	"github.com/ferro-labs/credential-gateway/credential"
	"github.com/ferro-labs/credential-gateway/internal/logging"
	"github.com/ferro-labs/credential-gateway/internal/plugins/credstore"
	"github.com/ferro-labs/credential-gateway/internal/store"
	"github.com/ferro-labs/credential-gateway/plugin"
)

// Defaults applied to a zero Config.
const (
	DefaultID      = "openai-compat"
	DefaultBaseURL = "https://api.openai.com/v1/"
)

const apiKeySchema = `{
  "type": "object",
  "required": ["api_key"],
  "properties": {
    "name": {"type": "string"},
    "api_key": {"type": "string", "minLength": 1},
    "base_url": {"type": "string"}
  }
}`

const oauthSchema = `{
  "type": "object",
  "required": ["access_token"],
  "properties": {
    "name": {"type": "string"},
    "access_token": {"type": "string", "minLength": 1},
    "refresh_token": {"type": "string"},
    "expires_at": {"type": "string"},
    "token_url": {"type": "string"},
    "client_id": {"type": "string"},
    "client_secret": {"type": "string"},
    "base_url": {"type": "string"}
  }
}`

// Config is the plugin section of the gateway config.
type Config struct {
	ID           string                  `json:"id" yaml:"id"`
	DisplayName  string                  `json:"display_name" yaml:"display_name"`
	BaseURL      string                  `json:"base_url" yaml:"base_url"`
	Protocol     plugin.StandardProtocol `json:"protocol" yaml:"protocol"`
	Models       []string                `json:"models" yaml:"models"`
	ModelAliases map[string]string       `json:"model_aliases" yaml:"model_aliases"`
	// TokenURL is used for oauth credentials that do not carry their own.
	TokenURL string `json:"token_url" yaml:"token_url"`
}

// Option configures a Plugin.
type Option func(*Plugin)

// WithStore persists credentials in st instead of a private memory store.
func WithStore(st store.Store) Option {
	return func(p *Plugin) { p.store = st }
}

// WithHTTPClient sets the client used for validation and token refresh.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Plugin) { p.httpClient = c }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Plugin) { p.now = now }
}

// Plugin implements plugin.Plugin.
type Plugin struct {
	plugin.Base

	cfg        Config
	store      store.Store
	httpClient *http.Client
	now        func() time.Time
	creds      *credstore.Set
}

var (
	_ plugin.Plugin         = (*Plugin)(nil)
	_ plugin.ExpiringLister = (*Plugin)(nil)
)

// New builds the plugin from cfg. Call Init before use.
func New(cfg Config, opts ...Option) *Plugin {
	if cfg.ID == "" {
		cfg.ID = DefaultID
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = "OpenAI Compatible"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Protocol == "" {
		cfg.Protocol = plugin.ProtocolOpenAICompat
	}
	if len(cfg.Models) == 0 {
		cfg.Models = []string{"*"}
	}

	p := &Plugin{
		Base: plugin.Base{
			PluginID:      cfg.ID,
			Name:          cfg.DisplayName,
			PluginVersion: "1.0.0",
			About:         "API key and OAuth credentials for OpenAI-compatible APIs",
			Protocol:      cfg.Protocol,
			AuthTypes: []plugin.AuthTypeInfo{
				{ID: credential.AuthAPIKey, DisplayName: "API Key", Description: "Static bearer API key", Category: plugin.CategoryAPIKey},
				{ID: credential.AuthOAuth, DisplayName: "OAuth", Description: "Access token with optional refresh token", Category: plugin.CategoryOAuth},
			},
			Schemas: map[string]json.RawMessage{
				credential.AuthAPIKey: json.RawMessage(apiKeySchema),
				credential.AuthOAuth:  json.RawMessage(oauthSchema),
			},
		},
		cfg:        cfg,
		httpClient: http.DefaultClient,
		now:        time.Now,
	}
	for _, pattern := range cfg.Models {
		p.Families = append(p.Families, plugin.ModelFamily{Name: pattern, Pattern: pattern})
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Init compiles the credential schemas and binds the credential store.
func (p *Plugin) Init(context.Context) error {
	set, err := credstore.New(p.ID(), p.store, p.Schemas)
	if err != nil {
		return err
	}
	p.creds = set
	return nil
}

func (p *Plugin) CreateCredential(ctx context.Context, authType string, config json.RawMessage) (string, error) {
	if err := p.ready(); err != nil {
		return "", err
	}
	return p.creds.Create(ctx, authType, config)
}

// AcquireCredential rotates through active credentials, skipping expired
// OAuth tokens.
func (p *Plugin) AcquireCredential(ctx context.Context, model string) (*plugin.AcquiredCredential, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	if !p.SupportsModel(model) {
		return nil, plugin.Errorf(plugin.KindUnsupportedModel, p.ID(), "model %s is not served", model)
	}
	now := p.now()
	rec, err := p.creds.Next(ctx, func(r *store.CredentialRecord) bool {
		return !p.expired(r, now)
	})
	if err != nil {
		return nil, err
	}
	token, baseURL, err := p.secret(rec)
	if err != nil {
		return nil, err
	}
	return &plugin.AcquiredCredential{
		ID:       rec.ID,
		Name:     rec.DisplayName,
		AuthType: rec.AuthType,
		BaseURL:  baseURL,
		Headers:  map[string]string{"Authorization": "Bearer " + token},
		Metadata: map[string]any{"plugin": p.ID(), "model": model},
	}, nil
}

func (p *Plugin) ReleaseCredential(ctx context.Context, credentialID string, result plugin.UsageResult) error {
	if err := p.ready(); err != nil {
		return err
	}
	return p.creds.Release(ctx, credentialID, result)
}

// ValidateCredential lists models with the credential. An API error yields
// an invalid result rather than an error.
func (p *Plugin) ValidateCredential(ctx context.Context, credentialID string) (*plugin.ValidationResult, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	rec, err := p.creds.Get(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	token, baseURL, err := p.secret(rec)
	if err != nil {
		return nil, err
	}

	client := openai.NewClient(
		option.WithAPIKey(token),
		option.WithBaseURL(baseURL),
		option.WithHTTPClient(p.httpClient),
		option.WithMaxRetries(0),
	)
	page, err := client.Models.List(ctx)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			pe := classify(apiErr.StatusCode, apiErr.Type, apiErr.Code, apiErr.Message)
			res := &plugin.ValidationResult{Valid: false, Message: apiErr.Message, Details: map[string]any{"status": apiErr.StatusCode}}
			if pe != nil {
				res.Details["error_type"] = pe.Type
			}
			return res, nil
		}
		return &plugin.ValidationResult{
			Valid:   false,
			Message: err.Error(),
			Details: map[string]any{"error_type": plugin.ErrTypeNetworkError},
		}, nil
	}
	return &plugin.ValidationResult{Valid: true, Details: map[string]any{"models": len(page.Data)}}, nil
}

// RefreshToken exchanges the stored refresh token. The stored credential is
// only rewritten after a successful exchange.
func (p *Plugin) RefreshToken(ctx context.Context, credentialID string) (*plugin.TokenRefreshResult, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	rec, err := p.creds.Get(ctx, credentialID)
	if err != nil {
		return nil, plugin.NewError(plugin.KindTokenRefresh, p.ID(), "loading credential", err)
	}
	o, err := credential.Data{AuthType: rec.AuthType, Config: json.RawMessage(rec.Config)}.OAuth()
	if err != nil {
		return nil, plugin.NewError(plugin.KindTokenRefresh, p.ID(), "credential is not oauth", err)
	}
	tokenURL := o.TokenURL
	if tokenURL == "" {
		tokenURL = p.cfg.TokenURL
	}
	if o.RefreshToken == "" || tokenURL == "" {
		return nil, plugin.Errorf(plugin.KindTokenRefresh, p.ID(), "credential %s has no refresh token or token url", credentialID)
	}

	conf := &oauth2.Config{
		ClientID:     o.ClientID,
		ClientSecret: o.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: o.RefreshToken}).Token()
	if err != nil {
		return nil, plugin.NewError(plugin.KindTokenRefresh, p.ID(), "exchanging refresh token", err)
	}

	o.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		o.RefreshToken = tok.RefreshToken
	}
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry, _ = jwtExpiry(tok.AccessToken)
	}
	o.ExpiresAt = nil
	if !expiry.IsZero() {
		e := expiry.UTC()
		o.ExpiresAt = &e
	}
	if err := p.creds.Replace(ctx, credentialID, o); err != nil {
		return nil, err
	}
	if rec.Status != store.StatusActive {
		if err := p.creds.Store().ResetErrors(ctx, credentialID); err != nil {
			logging.ForPlugin(p.ID()).Warn("reactivating refreshed credential", "credential", credentialID, "error", err)
		}
	}

	res := &plugin.TokenRefreshResult{AccessToken: o.AccessToken, RefreshToken: o.RefreshToken}
	if o.ExpiresAt != nil {
		unix := o.ExpiresAt.Unix()
		res.ExpiresAt = &unix
	}
	return res, nil
}

// ExpiringCredentials returns the refreshable oauth credentials whose token
// expires before the given instant.
func (p *Plugin) ExpiringCredentials(ctx context.Context, before time.Time) ([]string, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	recs, err := p.creds.Store().ListByPlugin(ctx, p.ID())
	if err != nil {
		return nil, plugin.NewError(plugin.KindIO, p.ID(), "listing credentials", err)
	}
	var ids []string
	for _, rec := range recs {
		if rec.AuthType != credential.AuthOAuth || rec.Status == store.StatusDisabled {
			continue
		}
		o, err := credential.Data{AuthType: rec.AuthType, Config: json.RawMessage(rec.Config)}.OAuth()
		if err != nil || o.RefreshToken == "" || o.ExpiresAt == nil {
			continue
		}
		if o.ExpiresAt.Before(before) {
			ids = append(ids, rec.ID)
		}
	}
	return ids, nil
}

// TransformRequest rewrites aliased model names.
func (p *Plugin) TransformRequest(_ context.Context, payload map[string]any) error {
	model, ok := payload["model"].(string)
	if !ok {
		return nil
	}
	if target, ok := p.cfg.ModelAliases[model]; ok {
		payload["model"] = target
	}
	return nil
}

// ApplyRiskControl sets a stable pseudonymous user id per credential unless
// the payload already carries one.
func (p *Plugin) ApplyRiskControl(_ context.Context, payload map[string]any, credentialID string) error {
	if credentialID == "" {
		return plugin.NewError(plugin.KindRiskControl, p.ID(), "credential id is required", nil)
	}
	if _, ok := payload["user"]; !ok {
		payload["user"] = uuid.NewSHA1(uuid.NameSpaceOID, []byte(p.ID()+"/"+credentialID)).String()
	}
	return nil
}

// ParseError reads the OpenAI error envelope before falling back to the
// status code.
func (p *Plugin) ParseError(status int, body string) *plugin.ProviderError {
	var env struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    any    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &env); err != nil || env.Error.Message == "" {
		return plugin.ClassifyStatus(status, body)
	}
	code, _ := env.Error.Code.(string)
	return classify(status, env.Error.Type, code, env.Error.Message)
}

func classify(status int, typ, code, message string) *plugin.ProviderError {
	var t plugin.ErrorType
	switch {
	case code == "insufficient_quota" || typ == "insufficient_quota":
		t = plugin.ErrTypeQuotaExceeded
	case code == "rate_limit_exceeded":
		t = plugin.ErrTypeRateLimit
	case code == "model_not_found":
		t = plugin.ErrTypeModelUnavailable
	case code == "content_filter" || code == "content_policy_violation":
		t = plugin.ErrTypeContentFiltered
	case code == "invalid_api_key":
		t = plugin.ErrTypeAuthentication
	}
	pe := plugin.ClassifyStatus(status, message)
	if t == "" {
		return pe
	}
	if pe == nil {
		pe = &plugin.ProviderError{Message: message, StatusCode: status}
	}
	pe.Type = t
	pe.Retryable = t == plugin.ErrTypeRateLimit
	return pe
}

func (p *Plugin) ready() error {
	if p.creds == nil {
		return plugin.NewError(plugin.KindInit, p.ID(), "plugin not initialised", nil)
	}
	return nil
}

// secret returns the bearer token and base URL of rec.
func (p *Plugin) secret(rec *store.CredentialRecord) (string, string, error) {
	data := credential.Data{AuthType: rec.AuthType, Config: json.RawMessage(rec.Config)}
	var token, baseURL string
	switch rec.AuthType {
	case credential.AuthAPIKey:
		k, err := data.APIKey()
		if err != nil {
			return "", "", plugin.NewError(plugin.KindConfigParse, p.ID(), "decoding credential", err)
		}
		token, baseURL = k.APIKey, k.BaseURL
	case credential.AuthOAuth:
		o, err := data.OAuth()
		if err != nil {
			return "", "", plugin.NewError(plugin.KindConfigParse, p.ID(), "decoding credential", err)
		}
		token, baseURL = o.AccessToken, o.BaseURL
	default:
		return "", "", plugin.Errorf(plugin.KindConfigParse, p.ID(), "unsupported auth type %q", rec.AuthType)
	}
	if baseURL == "" {
		baseURL = p.cfg.BaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return token, baseURL, nil
}

func (p *Plugin) expired(rec *store.CredentialRecord, now time.Time) bool {
	if rec.AuthType != credential.AuthOAuth {
		return false
	}
	o, err := credential.Data{AuthType: rec.AuthType, Config: json.RawMessage(rec.Config)}.OAuth()
	return err == nil && o.ExpiresAt != nil && !now.Before(*o.ExpiresAt)
}

// jwtExpiry reads the exp claim of an access token without verifying it.
func jwtExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(int64(exp), 0), true
}
