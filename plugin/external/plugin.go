package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ferro-labs/credential-gateway/internal/circuitbreaker"
	"github.com/ferro-labs/credential-gateway/internal/metrics"
	"github.com/ferro-labs/credential-gateway/plugin"
	"github.com/ferro-labs/credential-gateway/plugin/jsonrpc"
	"github.com/ferro-labs/credential-gateway/sdk"
)

// Methods the host calls on a plugin process.
const (
	MethodCreateCredential  = "create_credential"
	MethodAcquireCredential = "acquire_credential"
	MethodReleaseCredential = "release_credential"
	MethodValidate          = "validate_credential"
	MethodRefreshToken      = "refresh_token"
	MethodTransformRequest  = "transform_request"
	MethodTransformResponse = "transform_response"
	MethodApplyRiskControl  = "apply_risk_control"
)

// Environment passed to plugin processes.
const (
	EnvPluginID     = "CREDGW_PLUGIN_ID"
	EnvPluginDir    = "CREDGW_PLUGIN_DIR"
	EnvPluginConfig = "CREDGW_PLUGIN_CONFIG"
)

const maxStderr = 64 << 10

// Plugin adapts a plugin executable to plugin.Plugin. By default each call
// spawns `<binary> --json-rpc`, writes one request to stdin and reads one
// response from stdout. Persistent plugins keep a worker process instead.
type Plugin struct {
	manifest   *Manifest
	dir        string
	binary     string
	config     json.RawMessage
	perms      sdk.PermissionSet
	spawns     *semaphore.Weighted
	sdk        *sdk.Context
	persistent bool
	log        *slog.Logger
	breaker    *circuitbreaker.Breaker

	mu     sync.Mutex
	worker *worker
}

var _ plugin.Plugin = (*Plugin)(nil)

func (p *Plugin) ID() string          { return p.manifest.Provider.ID }
func (p *Plugin) DisplayName() string { return p.manifest.Provider.DisplayName }
func (p *Plugin) Version() string     { return p.manifest.Version }
func (p *Plugin) Description() string { return p.manifest.Description }

// Manifest returns the parsed manifest.
func (p *Plugin) Manifest() *Manifest { return p.manifest }

// Binary returns the resolved executable path.
func (p *Plugin) Binary() string { return p.binary }

// Config returns the contents of config.json.
func (p *Plugin) Config() json.RawMessage { return p.config }

// Permissions returns the SDK permissions granted by the manifest.
func (p *Plugin) Permissions() sdk.PermissionSet { return p.perms }

// Persistent reports whether calls go through a worker process.
func (p *Plugin) Persistent() bool { return p.persistent }

func (p *Plugin) TargetProtocol() plugin.StandardProtocol { return p.manifest.Protocol() }

func (p *Plugin) TargetProtocolForModel(string) plugin.StandardProtocol {
	return p.manifest.Protocol()
}

func (p *Plugin) SupportedAuthTypes() []plugin.AuthTypeInfo {
	out := make([]plugin.AuthTypeInfo, 0, len(p.manifest.Provider.AuthTypes))
	for _, id := range p.manifest.Provider.AuthTypes {
		info := plugin.AuthTypeInfo{ID: id, DisplayName: id, Category: categoryOf(id)}
		if desc, ok := p.manifest.Provider.CredentialSchemas[id]["description"].(string); ok {
			info.Description = desc
		}
		out = append(out, info)
	}
	return out
}

func categoryOf(authType string) plugin.CredentialCategory {
	switch {
	case strings.Contains(authType, "oauth"):
		return plugin.CategoryOAuth
	case strings.Contains(authType, "api_key"):
		return plugin.CategoryAPIKey
	default:
		return plugin.CategoryOther
	}
}

func (p *Plugin) CredentialSchema(authType string) json.RawMessage {
	return p.manifest.Schema(authType)
}

func (p *Plugin) ModelFamilies() []plugin.ModelFamily {
	out := make([]plugin.ModelFamily, 0, len(p.manifest.Provider.SupportedModels))
	for _, pattern := range p.manifest.Provider.SupportedModels {
		out = append(out, plugin.ModelFamily{Name: pattern, Pattern: pattern})
	}
	return out
}

func (p *Plugin) SupportsModel(model string) bool {
	for _, pattern := range p.manifest.Provider.SupportedModels {
		if plugin.MatchModel(pattern, model) {
			return true
		}
	}
	return false
}

// CreateCredential validates config against the manifest schema, when one
// is declared, before handing it to the plugin.
func (p *Plugin) CreateCredential(ctx context.Context, authType string, config json.RawMessage) (string, error) {
	if raw := p.manifest.Schema(authType); raw != nil {
		schema, err := plugin.CompileSchema(authType, raw)
		if err != nil {
			return "", plugin.NewError(plugin.KindConfigParse, p.ID(), "invalid credential schema", err)
		}
		if err := plugin.ValidateConfig(p.ID(), schema, config); err != nil {
			return "", err
		}
	}
	var out struct {
		CredentialID string `json:"credential_id"`
	}
	params := map[string]any{"auth_type": authType, "config": config}
	if err := p.call(ctx, plugin.KindConfigParse, MethodCreateCredential, params, &out); err != nil {
		return "", err
	}
	if out.CredentialID == "" {
		return "", plugin.NewError(plugin.KindConfigParse, p.ID(), "plugin returned no credential id", nil)
	}
	return out.CredentialID, nil
}

func (p *Plugin) AcquireCredential(ctx context.Context, model string) (*plugin.AcquiredCredential, error) {
	if !p.SupportsModel(model) {
		return nil, plugin.Errorf(plugin.KindUnsupportedModel, p.ID(), "model %s", model)
	}
	var out plugin.AcquiredCredential
	if err := p.call(ctx, plugin.KindAcquire, MethodAcquireCredential, map[string]string{"model": model}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *Plugin) ReleaseCredential(ctx context.Context, credentialID string, result plugin.UsageResult) error {
	params := map[string]any{"credential_id": credentialID, "result": result}
	return p.call(ctx, plugin.KindRelease, MethodReleaseCredential, params, nil)
}

func (p *Plugin) ValidateCredential(ctx context.Context, credentialID string) (*plugin.ValidationResult, error) {
	var out plugin.ValidationResult
	if err := p.call(ctx, plugin.KindValidation, MethodValidate, map[string]string{"credential_id": credentialID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *Plugin) RefreshToken(ctx context.Context, credentialID string) (*plugin.TokenRefreshResult, error) {
	var out plugin.TokenRefreshResult
	if err := p.call(ctx, plugin.KindTokenRefresh, MethodRefreshToken, map[string]string{"credential_id": credentialID}, &out); err != nil {
		return nil, err
	}
	if out.AccessToken == "" {
		return nil, plugin.NewError(plugin.KindTokenRefresh, p.ID(), "plugin returned no access token", nil)
	}
	return &out, nil
}

func (p *Plugin) TransformRequest(ctx context.Context, payload map[string]any) error {
	return p.transform(ctx, plugin.KindTransform, MethodTransformRequest, "request", payload, nil)
}

func (p *Plugin) TransformResponse(ctx context.Context, payload map[string]any) error {
	return p.transform(ctx, plugin.KindTransform, MethodTransformResponse, "response", payload, nil)
}

func (p *Plugin) ApplyRiskControl(ctx context.Context, payload map[string]any, credentialID string) error {
	return p.transform(ctx, plugin.KindRiskControl, MethodApplyRiskControl, "request", payload,
		map[string]any{"credential_id": credentialID})
}

// transform sends payload under field and replaces its contents with the
// plugin's answer when one is returned.
func (p *Plugin) transform(ctx context.Context, kind plugin.Kind, method, field string, payload, extra map[string]any) error {
	params := map[string]any{field: payload}
	for k, v := range extra {
		params[k] = v
	}
	var out map[string]json.RawMessage
	if err := p.call(ctx, kind, method, params, &out); err != nil {
		return err
	}
	raw, ok := out[field]
	if !ok {
		return nil
	}
	var replaced map[string]any
	if err := json.Unmarshal(raw, &replaced); err != nil {
		return plugin.NewError(plugin.KindJSON, p.ID(), "decoding "+method+" result", err)
	}
	clear(payload)
	for k, v := range replaced {
		payload[k] = v
	}
	return nil
}

// ParseError is answered locally from the status code.
func (p *Plugin) ParseError(status int, body string) *plugin.ProviderError {
	return plugin.ClassifyStatus(status, body)
}

// Init checks that the executable is present and starts the worker for
// persistent plugins.
func (p *Plugin) Init(context.Context) error {
	info, err := os.Stat(p.binary)
	if err != nil {
		return plugin.NewError(plugin.KindInit, p.ID(), "executable missing", err)
	}
	if info.Mode()&0o111 == 0 {
		return plugin.Errorf(plugin.KindInit, p.ID(), "%s is not executable", p.binary)
	}
	p.log.Info("initialising external plugin", "binary", p.binary, "persistent", p.persistent)
	if p.persistent {
		_, err := p.ensureWorker()
		return err
	}
	return nil
}

// Shutdown stops the worker process, if any.
func (p *Plugin) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	w := p.worker
	p.worker = nil
	p.mu.Unlock()
	if w == nil {
		return nil
	}
	p.log.Info("stopping external plugin worker")
	return w.stop(ctx)
}

func (p *Plugin) call(ctx context.Context, kind plugin.Kind, method string, params, out any) error {
	if p.breaker != nil && !p.breaker.Allow() {
		return plugin.NewError(plugin.KindIO, p.ID(), method+": plugin process unavailable", circuitbreaker.ErrOpen)
	}
	start := time.Now()
	var (
		raw json.RawMessage
		err error
	)
	if p.persistent {
		raw, err = p.callWorker(ctx, method, params)
	} else {
		raw, err = p.callOnce(ctx, method, params)
	}
	metrics.PluginRPCDuration.WithLabelValues(p.ID(), method).Observe(time.Since(start).Seconds())

	if err != nil {
		var rpcErr *jsonrpc.Error
		var pluginErr *plugin.Error
		switch {
		case errors.As(err, &rpcErr):
			p.recordOutcome(nil)
			return plugin.NewError(kind, p.ID(), rpcErr.Message, rpcErr)
		case errors.As(err, &pluginErr):
			p.recordOutcome(err)
			return err
		default:
			p.recordOutcome(err)
			return plugin.NewError(plugin.KindIO, p.ID(), method, err)
		}
	}
	p.recordOutcome(nil)
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return plugin.NewError(plugin.KindJSON, p.ID(), "decoding "+method+" result", err)
	}
	return nil
}

// recordOutcome feeds the breaker. A JSON-RPC error still proves the process
// is alive; cancellation says nothing about it.
func (p *Plugin) recordOutcome(err error) {
	switch {
	case p.breaker == nil:
	case err == nil:
		p.breaker.Success()
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		p.breaker.Abandon()
	default:
		p.breaker.Failure()
	}
}

func (p *Plugin) env() []string {
	return append(os.Environ(),
		EnvPluginID+"="+p.ID(),
		EnvPluginDir+"="+p.dir,
		EnvPluginConfig+"="+string(p.config),
	)
}

func (p *Plugin) callOnce(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := p.spawns.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.spawns.Release(1)

	req, err := jsonrpc.NewRequest(1, method, params)
	if err != nil {
		return nil, plugin.NewError(plugin.KindJSON, p.ID(), "encoding "+method+" request", err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, plugin.NewError(plugin.KindJSON, p.ID(), "encoding "+method+" request", err)
	}

	cmd := exec.CommandContext(ctx, p.binary, "--json-rpc") // #nosec G204 -- binary resolved inside the plugin directory
	cmd.Dir = p.dir
	cmd.Env = p.env()
	cmd.Stdin = bytes.NewReader(append(body, '\n'))
	var stdout bytes.Buffer
	stderr := &cappedBuffer{max: maxStderr}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	resp, decErr := decodeResponse(stdout.Bytes())
	if decErr != nil {
		if runErr != nil {
			return nil, fmt.Errorf("%w: %s", runErr, strings.TrimSpace(stderr.String()))
		}
		return nil, plugin.NewError(plugin.KindJSON, p.ID(), "decoding "+method+" response", decErr)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// decodeResponse finds the JSON-RPC response on stdout. Plugins may print
// other lines; the last line that parses as a response wins, and a single
// pretty-printed document is accepted as well.
func decodeResponse(out []byte) (*jsonrpc.Message, error) {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		var m jsonrpc.Message
		if json.Unmarshal(bytes.TrimSpace(lines[i]), &m) == nil && m.JSONRPC == jsonrpc.Version {
			return &m, nil
		}
	}
	var m jsonrpc.Message
	if err := json.Unmarshal(out, &m); err != nil {
		return nil, err
	}
	if m.JSONRPC != jsonrpc.Version {
		return nil, errors.New("no JSON-RPC response on stdout")
	}
	return &m, nil
}

type cappedBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }
