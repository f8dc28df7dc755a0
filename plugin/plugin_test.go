package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

type stubPlugin struct {
	Base
	shutdowns int
	failStop  bool
}

func newStub(id string, patterns ...string) *stubPlugin {
	p := &stubPlugin{Base: Base{PluginID: id, Name: id, PluginVersion: "1.0.0", Protocol: ProtocolOpenAI}}
	for _, pat := range patterns {
		p.Families = append(p.Families, ModelFamily{Name: pat, Pattern: pat})
	}
	return p
}

func (p *stubPlugin) CreateCredential(context.Context, string, json.RawMessage) (string, error) {
	return "cred-1", nil
}

func (p *stubPlugin) AcquireCredential(_ context.Context, model string) (*AcquiredCredential, error) {
	return &AcquiredCredential{ID: "cred-1", AuthType: "api_key"}, nil
}

func (p *stubPlugin) ReleaseCredential(context.Context, string, UsageResult) error { return nil }

func (p *stubPlugin) ValidateCredential(context.Context, string) (*ValidationResult, error) {
	return &ValidationResult{Valid: true}, nil
}

func (p *stubPlugin) Shutdown(context.Context) error {
	p.shutdowns++
	if p.failStop {
		return errors.New("boom")
	}
	return nil
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(newStub("kiro"), SourceBuiltin, ""); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := r.Register(newStub("kiro"), SourceExternal, "/plugins/kiro")
	if !errors.Is(err, ErrDuplicatePlugin) {
		t.Fatalf("expected ErrDuplicatePlugin, got %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("len = %d, want 1", r.Len())
	}
}

func TestRegistry_EnableDisable(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(newStub("a", "gpt-*"), SourceBuiltin, "")
	_ = r.Register(newStub("b", "gpt-4*"), SourceBuiltin, "")

	p, ok := r.ForModel("gpt-4o")
	if !ok || p.ID() != "a" {
		t.Fatalf("ForModel = %v, %v; want a", p, ok)
	}

	if err := r.SetEnabled("a", false); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Enabled("a"); ok {
		t.Error("a should be disabled")
	}
	if _, ok := r.Get("a"); !ok {
		t.Error("Get should still return disabled plugins")
	}
	p, ok = r.ForModel("gpt-4o")
	if !ok || p.ID() != "b" {
		t.Fatalf("ForModel after disable = %v, %v; want b", p, ok)
	}

	infos := r.Infos()
	if len(infos) != 2 || infos[0].Enabled || !infos[1].Enabled {
		t.Errorf("Infos() = %+v", infos)
	}
	if err := r.SetEnabled("missing", true); !errors.Is(err, ErrPluginNotFound) {
		t.Errorf("expected ErrPluginNotFound, got %v", err)
	}
}

func TestRegistry_UnregisterShutsDown(t *testing.T) {
	r := NewRegistry()
	p := newStub("a")
	_ = r.Register(p, SourceBuiltin, "")
	if err := r.Unregister(context.Background(), "a"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if p.shutdowns != 1 {
		t.Errorf("shutdowns = %d, want 1", p.shutdowns)
	}
	if err := r.Unregister(context.Background(), "a"); !errors.Is(err, ErrPluginNotFound) {
		t.Errorf("expected ErrPluginNotFound, got %v", err)
	}
}

func TestRegistry_ShutdownAllJoinsErrors(t *testing.T) {
	r := NewRegistry()
	good := newStub("good")
	bad := newStub("bad")
	bad.failStop = true
	_ = r.Register(good, SourceBuiltin, "")
	_ = r.Register(bad, SourceBuiltin, "")

	err := r.ShutdownAll(context.Background())
	if err == nil {
		t.Fatal("expected an error from the failing plugin")
	}
	if good.shutdowns != 1 || bad.shutdowns != 1 {
		t.Errorf("every plugin should be shut down once: good=%d bad=%d", good.shutdowns, bad.shutdowns)
	}
}

func TestMatchModel(t *testing.T) {
	tests := []struct {
		pattern, model string
		want           bool
	}{
		{"claude-*", "claude-3-5-sonnet", true},
		{"claude-*", "gpt-4", false},
		{"gpt-4?", "gpt-4o", true},
		{"*", "anything", true},
		{"exact", "exact", true},
		{"[", "[", true},
		{"[", "x", false},
	}
	for _, tt := range tests {
		if got := MatchModel(tt.pattern, tt.model); got != tt.want {
			t.Errorf("MatchModel(%q, %q) = %v, want %v", tt.pattern, tt.model, got, tt.want)
		}
	}
}

func TestBase_TargetProtocolForModel(t *testing.T) {
	p := newStub("multi")
	p.ProtocolByGlob = map[string]StandardProtocol{"claude-*": ProtocolAnthropic}
	if got := p.TargetProtocolForModel("claude-3-opus"); got != ProtocolAnthropic {
		t.Errorf("got %q, want anthropic", got)
	}
	if got := p.TargetProtocolForModel("gpt-4"); got != ProtocolOpenAI {
		t.Errorf("got %q, want openai", got)
	}
}

func TestBase_RefreshUnsupported(t *testing.T) {
	p := newStub("a")
	_, err := p.RefreshToken(context.Background(), "x")
	if !errors.Is(err, ErrTokenRefresh) {
		t.Fatalf("expected ErrTokenRefresh, got %v", err)
	}
}

func TestError_IsAndUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Errorf(KindIO, "kiro", "writing config: %w", cause)
	if !errors.Is(err, ErrIO) {
		t.Error("expected errors.Is(err, ErrIO)")
	}
	if errors.Is(err, ErrInit) {
		t.Error("IO error must not match ErrInit")
	}
	if !errors.Is(err, cause) {
		t.Error("expected the cause to be reachable")
	}
	wrapped := fmt.Errorf("loading: %w", err)
	var pe *Error
	if !errors.As(wrapped, &pe) || pe.Plugin != "kiro" {
		t.Errorf("errors.As = %+v", pe)
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   ErrorType
		isNil  bool
	}{
		{429, "slow down", ErrTypeRateLimit, false},
		{429, `{"error":{"code":"insufficient_quota"}}`, ErrTypeQuotaExceeded, false},
		{401, "", ErrTypeAuthentication, false},
		{403, "", ErrTypeAuthorization, false},
		{402, "", ErrTypeQuotaExceeded, false},
		{502, "bad gateway", ErrTypeServerError, false},
		{400, "bad request", "", true},
	}
	for _, tt := range tests {
		got := ClassifyStatus(tt.status, tt.body)
		if tt.isNil {
			if got != nil {
				t.Errorf("ClassifyStatus(%d) = %+v, want nil", tt.status, got)
			}
			continue
		}
		if got == nil || got.Type != tt.want {
			t.Errorf("ClassifyStatus(%d, %q) = %+v, want %s", tt.status, tt.body, got, tt.want)
		}
	}
}

func TestUsageResultJSON(t *testing.T) {
	cd := int64(30)
	raw, err := json.Marshal(Failed(ErrTypeRateLimit, "slow down", false, &cd))
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	if m["status"] != "error" || m["error_type"] != "rate_limit" || m["cooldown_seconds"] != float64(30) {
		t.Errorf("unexpected encoding: %s", raw)
	}
	if !Succeeded(12, nil, nil).IsSuccess() {
		t.Error("Succeeded should report success")
	}
}
