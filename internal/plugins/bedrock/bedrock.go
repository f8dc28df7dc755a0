// Package bedrock is the built-in credential plugin for AWS Bedrock. It pools
// static IAM access keys and hands callers ready-to-use runtime clients.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	"github.com/ferro-labs/credential-gateway/internal/plugins/credstore"
	"github.com/ferro-labs/credential-gateway/internal/store"
	"github.com/ferro-labs/credential-gateway/plugin"
)

// AuthAccessKey is the only auth type the plugin accepts.
const AuthAccessKey = "aws_access_key"

// Defaults applied to a zero Config.
const (
	DefaultID     = "bedrock"
	DefaultRegion = "us-east-1"
)

const accessKeySchema = `{
  "type": "object",
  "required": ["access_key_id", "secret_access_key"],
  "properties": {
    "name": {"type": "string"},
    "access_key_id": {"type": "string", "minLength": 16},
    "secret_access_key": {"type": "string", "minLength": 1},
    "session_token": {"type": "string"},
    "region": {"type": "string"}
  }
}`

// AccessKey is the stored payload of an aws_access_key credential.
type AccessKey struct {
	Name            string `json:"name,omitempty"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	SessionToken    string `json:"session_token,omitempty"`
	Region          string `json:"region,omitempty"`
}

// Config is the plugin section of the gateway config.
type Config struct {
	ID          string   `json:"id" yaml:"id"`
	DisplayName string   `json:"display_name" yaml:"display_name"`
	Region      string   `json:"region" yaml:"region"`
	Models      []string `json:"models" yaml:"models"`
	// STSEndpoint overrides the STS endpoint used by validation.
	STSEndpoint string `json:"sts_endpoint" yaml:"sts_endpoint"`
}

// Option configures a Plugin.
type Option func(*Plugin)

// WithStore persists credentials in st instead of a private memory store.
func WithStore(st store.Store) Option {
	return func(p *Plugin) { p.store = st }
}

// WithHTTPClient sets the client used by the AWS SDK.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Plugin) { p.httpClient = c }
}

// Plugin implements plugin.Plugin.
type Plugin struct {
	plugin.Base

	cfg        Config
	store      store.Store
	httpClient *http.Client
	creds      *credstore.Set
}

var _ plugin.Plugin = (*Plugin)(nil)

// New builds the plugin from cfg. Call Init before use.
func New(cfg Config, opts ...Option) *Plugin {
	if cfg.ID == "" {
		cfg.ID = DefaultID
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = "AWS Bedrock"
	}
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	if len(cfg.Models) == 0 {
		cfg.Models = []string{"anthropic.*", "amazon.*", "meta.*", "mistral.*", "cohere.*"}
	}
	p := &Plugin{
		Base: plugin.Base{
			PluginID:      cfg.ID,
			Name:          cfg.DisplayName,
			PluginVersion: "1.0.0",
			About:         "Static IAM access keys for the Bedrock runtime",
			Protocol:      plugin.ProtocolAnthropic,
			AuthTypes: []plugin.AuthTypeInfo{
				{ID: AuthAccessKey, DisplayName: "AWS Access Key", Description: "IAM access key id and secret", Category: plugin.CategoryOther},
			},
			Schemas: map[string]json.RawMessage{AuthAccessKey: json.RawMessage(accessKeySchema)},
			ProtocolByGlob: map[string]plugin.StandardProtocol{
				"amazon.*":  plugin.ProtocolOpenAICompat,
				"meta.*":    plugin.ProtocolOpenAICompat,
				"mistral.*": plugin.ProtocolOpenAICompat,
				"cohere.*":  plugin.ProtocolOpenAICompat,
			},
		},
		cfg:        cfg,
		httpClient: http.DefaultClient,
	}
	for _, pattern := range cfg.Models {
		p.Families = append(p.Families, plugin.ModelFamily{Name: strings.TrimSuffix(pattern, ".*"), Pattern: pattern})
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Init compiles the credential schema and binds the credential store.
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

// AcquireCredential returns the next active key. Bedrock signs each request
// with SigV4, so the key material travels in Metadata rather than headers.
func (p *Plugin) AcquireCredential(ctx context.Context, model string) (*plugin.AcquiredCredential, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	if !p.SupportsModel(model) {
		return nil, plugin.Errorf(plugin.KindUnsupportedModel, p.ID(), "model %s is not served", model)
	}
	rec, err := p.creds.Next(ctx, nil)
	if err != nil {
		return nil, err
	}
	key, err := p.decode(rec)
	if err != nil {
		return nil, err
	}
	region := p.region(key)
	meta := map[string]any{
		"plugin":            p.ID(),
		"region":            region,
		"access_key_id":     key.AccessKeyID,
		"secret_access_key": key.SecretAccessKey,
	}
	if key.SessionToken != "" {
		meta["session_token"] = key.SessionToken
	}
	return &plugin.AcquiredCredential{
		ID:       rec.ID,
		Name:     rec.DisplayName,
		AuthType: rec.AuthType,
		BaseURL:  fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", region),
		Headers:  map[string]string{},
		Metadata: meta,
	}, nil
}

func (p *Plugin) ReleaseCredential(ctx context.Context, credentialID string, result plugin.UsageResult) error {
	if err := p.ready(); err != nil {
		return err
	}
	return p.creds.Release(ctx, credentialID, result)
}

// ValidateCredential calls STS GetCallerIdentity with the key.
func (p *Plugin) ValidateCredential(ctx context.Context, credentialID string) (*plugin.ValidationResult, error) {
	cfg, _, err := p.awsConfig(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	client := sts.NewFromConfig(cfg, func(o *sts.Options) {
		o.Retryer = aws.NopRetryer{}
		if p.cfg.STSEndpoint != "" {
			o.BaseEndpoint = aws.String(p.cfg.STSEndpoint)
		}
	})
	out, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		pe := ClassifyError(err)
		return &plugin.ValidationResult{
			Valid:   false,
			Message: pe.Message,
			Details: map[string]any{"error_type": pe.Type, "status": pe.StatusCode},
		}, nil
	}
	return &plugin.ValidationResult{
		Valid: true,
		Details: map[string]any{
			"account": aws.ToString(out.Account),
			"arn":     aws.ToString(out.Arn),
		},
	}, nil
}

// RuntimeClient builds a Bedrock runtime client signed with credentialID.
func (p *Plugin) RuntimeClient(ctx context.Context, credentialID string) (*bedrockruntime.Client, error) {
	cfg, _, err := p.awsConfig(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	return bedrockruntime.NewFromConfig(cfg), nil
}

// ParseError reads the error code of a Bedrock REST error body, falling back
// to the status code.
func (p *Plugin) ParseError(status int, body string) *plugin.ProviderError {
	var env struct {
		Message string `json:"message"`
		Type    string `json:"__type"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return plugin.ClassifyStatus(status, body)
	}
	code := env.Code
	if code == "" {
		code = env.Type
	}
	if i := strings.LastIndex(code, "#"); i >= 0 {
		code = code[i+1:]
	}
	if i := strings.Index(code, ":"); i >= 0 {
		code = code[:i]
	}
	msg := env.Message
	if msg == "" {
		msg = body
	}
	if t := classifyCode(code); t != "" {
		return &plugin.ProviderError{Type: t, Message: msg, StatusCode: status, Retryable: retryable(t)}
	}
	return plugin.ClassifyStatus(status, msg)
}

// ClassifyError maps an AWS SDK error to a ProviderError. Typed Bedrock
// runtime errors are checked first, then the generic smithy error code.
func ClassifyError(err error) *plugin.ProviderError {
	status := 0
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}

	var (
		throttled *types.ThrottlingException
		quota     *types.ServiceQuotaExceededException
		denied    *types.AccessDeniedException
		notReady  *types.ModelNotReadyException
		missing   *types.ResourceNotFoundException
		timeout   *types.ModelTimeoutException
		internal  *types.InternalServerException
	)
	t := plugin.ErrorType("")
	msg := err.Error()
	switch {
	case errors.As(err, &throttled):
		t, msg = plugin.ErrTypeRateLimit, throttled.ErrorMessage()
	case errors.As(err, &quota):
		t, msg = plugin.ErrTypeQuotaExceeded, quota.ErrorMessage()
	case errors.As(err, &denied):
		t, msg = plugin.ErrTypeAuthorization, denied.ErrorMessage()
	case errors.As(err, &notReady):
		t, msg = plugin.ErrTypeModelUnavailable, notReady.ErrorMessage()
	case errors.As(err, &missing):
		t, msg = plugin.ErrTypeModelUnavailable, missing.ErrorMessage()
	case errors.As(err, &timeout):
		t, msg = plugin.ErrTypeServerError, timeout.ErrorMessage()
	case errors.As(err, &internal):
		t, msg = plugin.ErrTypeServerError, internal.ErrorMessage()
	}
	if t == "" {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			msg = apiErr.ErrorMessage()
			if t = classifyCode(apiErr.ErrorCode()); t == "" {
				if pe := plugin.ClassifyStatus(status, msg); pe != nil {
					return pe
				}
				t = plugin.ErrTypeUnknown
			}
		} else {
			t = plugin.ErrTypeNetworkError
		}
	}
	return &plugin.ProviderError{Type: t, Message: msg, StatusCode: status, Retryable: retryable(t)}
}

func classifyCode(code string) plugin.ErrorType {
	switch code {
	case "ThrottlingException", "Throttling", "TooManyRequestsException":
		return plugin.ErrTypeRateLimit
	case "ServiceQuotaExceededException":
		return plugin.ErrTypeQuotaExceeded
	case "UnrecognizedClientException", "InvalidClientTokenId", "SignatureDoesNotMatch",
		"ExpiredToken", "ExpiredTokenException", "InvalidSignatureException":
		return plugin.ErrTypeAuthentication
	case "AccessDeniedException", "AccessDenied":
		return plugin.ErrTypeAuthorization
	case "ModelNotReadyException", "ResourceNotFoundException":
		return plugin.ErrTypeModelUnavailable
	case "InternalServerException", "ServiceUnavailableException", "ModelTimeoutException":
		return plugin.ErrTypeServerError
	}
	return ""
}

func retryable(t plugin.ErrorType) bool {
	return t == plugin.ErrTypeRateLimit || t == plugin.ErrTypeServerError || t == plugin.ErrTypeNetworkError
}

func (p *Plugin) awsConfig(ctx context.Context, credentialID string) (aws.Config, AccessKey, error) {
	if err := p.ready(); err != nil {
		return aws.Config{}, AccessKey{}, err
	}
	rec, err := p.creds.Get(ctx, credentialID)
	if err != nil {
		return aws.Config{}, AccessKey{}, err
	}
	key, err := p.decode(rec)
	if err != nil {
		return aws.Config{}, AccessKey{}, err
	}
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(p.region(key)),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(key.AccessKeyID, key.SecretAccessKey, key.SessionToken)),
		config.WithHTTPClient(p.httpClient),
	)
	if err != nil {
		return aws.Config{}, AccessKey{}, plugin.NewError(plugin.KindValidation, p.ID(), "loading AWS config", err)
	}
	return cfg, key, nil
}

func (p *Plugin) decode(rec *store.CredentialRecord) (AccessKey, error) {
	var key AccessKey
	if rec.AuthType != AuthAccessKey {
		return key, plugin.Errorf(plugin.KindConfigParse, p.ID(), "unsupported auth type %q", rec.AuthType)
	}
	if err := json.Unmarshal([]byte(rec.Config), &key); err != nil {
		return key, plugin.NewError(plugin.KindConfigParse, p.ID(), "decoding credential", err)
	}
	return key, nil
}

func (p *Plugin) region(key AccessKey) string {
	if key.Region != "" {
		return key.Region
	}
	return p.cfg.Region
}

func (p *Plugin) ready() error {
	if p.creds == nil {
		return plugin.NewError(plugin.KindInit, p.ID(), "plugin not initialised", nil)
	}
	return nil
}
