package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	credgateway "github.com/ferro-labs/credential-gateway"
	"github.com/ferro-labs/credential-gateway/credential"
	"github.com/ferro-labs/credential-gateway/internal/balancer"
	"github.com/ferro-labs/credential-gateway/internal/risk"
	"github.com/ferro-labs/credential-gateway/plugin"
)

type stubPlugin struct {
	plugin.Base
}

func (p *stubPlugin) CreateCredential(context.Context, string, json.RawMessage) (string, error) {
	return "cred-1", nil
}

func (p *stubPlugin) AcquireCredential(context.Context, string) (*plugin.AcquiredCredential, error) {
	return &plugin.AcquiredCredential{ID: "cred-1", AuthType: credential.AuthAPIKey}, nil
}

func (p *stubPlugin) ReleaseCredential(context.Context, string, plugin.UsageResult) error {
	return nil
}

func (p *stubPlugin) ValidateCredential(context.Context, string) (*plugin.ValidationResult, error) {
	return &plugin.ValidationResult{Valid: true}, nil
}

type fakePlugins struct {
	reg *plugin.Registry
}

func (f *fakePlugins) Registry() *plugin.Registry { return f.reg }

func (f *fakePlugins) SetPluginEnabled(_ context.Context, id string, enabled bool) error {
	return f.reg.SetEnabled(id, enabled)
}

func setupTestRouter(t *testing.T, ids ...string) (*Handlers, chi.Router) {
	t.Helper()
	m := credgateway.NewManager(balancer.RoundRobin, risk.Config{})
	m.EnsurePool("openai")
	for _, id := range ids {
		data, _ := credential.NewData(credential.AuthAPIKey, credential.APIKey{APIKey: "sk-" + id})
		if err := m.AddCredential(credential.New(id, "openai", data)); err != nil {
			t.Fatalf("AddCredential(%s): %v", id, err)
		}
	}

	reg := plugin.NewRegistry()
	stub := &stubPlugin{Base: plugin.Base{PluginID: "acme", Name: "Acme", PluginVersion: "1.0.0", Protocol: plugin.ProtocolOpenAI}}
	if err := reg.Register(stub, plugin.SourceBuiltin, ""); err != nil {
		t.Fatal(err)
	}

	h := &Handlers{Manager: m, Plugins: &fakePlugins{reg: reg}}
	r := chi.NewRouter()
	r.Use(AuthMiddleware(testTokens))
	r.Mount("/admin", h.Routes())
	return h, r
}

func authedRequest(method, url, body, token string) *http.Request {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, url, bytes.NewBufferString(body))
	} else {
		req = httptest.NewRequest(method, url, nil)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func do(r chi.Router, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func selectID(t *testing.T, r chi.Router) string {
	t.Helper()
	w := do(r, authedRequest(http.MethodPost, "/admin/pools/openai/select", "", "admin-token"))
	if w.Code != http.StatusOK {
		t.Fatalf("select: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var sel struct {
		CredentialID string `json:"credential_id"`
	}
	_ = json.NewDecoder(w.Body).Decode(&sel)
	return sel.CredentialID
}

func TestListPools(t *testing.T) {
	_, r := setupTestRouter(t, "A", "B")

	w := do(r, authedRequest(http.MethodGet, "/admin/pools", "", "ro-token"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Data []credgateway.PoolSummary `json:"data"`
	}
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Data) != 1 || resp.Data[0].Total != 2 || resp.Data[0].Eligible != 2 {
		t.Errorf("pools = %+v", resp.Data)
	}
}

func TestListCredentials_HidesSecrets(t *testing.T) {
	_, r := setupTestRouter(t, "A")

	w := do(r, authedRequest(http.MethodGet, "/admin/pools/openai/credentials", "", "ro-token"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if bytes.Contains(w.Body.Bytes(), []byte("sk-A")) {
		t.Errorf("credential listing leaked the key: %s", w.Body.String())
	}

	w = do(r, authedRequest(http.MethodGet, "/admin/pools/anthropic/credentials", "", "ro-token"))
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown pool: expected 404, got %d", w.Code)
	}
}

func TestWriteRoutesRequireAdmin(t *testing.T) {
	_, r := setupTestRouter(t, "A")

	w := do(r, authedRequest(http.MethodPost, "/admin/pools/openai/select", "", "ro-token"))
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/pools", nil)
	if w := do(r, req); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestFailure_RetryAfterCooldown(t *testing.T) {
	_, r := setupTestRouter(t, "A", "B")

	if got := selectID(t, r); got != "A" {
		t.Fatalf("first selection = %s, want A", got)
	}

	body := `{"status_code":429,"body":"rate limited","retry_after":"30"}`
	w := do(r, authedRequest(http.MethodPost, "/admin/pools/openai/credentials/A/failure", body, "admin-token"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp failureResponse
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if !resp.CooldownApplied || resp.CooldownSeconds != 30 {
		t.Errorf("failure response = %+v", resp)
	}

	for i := 0; i < 3; i++ {
		if got := selectID(t, r); got != "B" {
			t.Fatalf("selection %d = %s, want B", i, got)
		}
	}

	w = do(r, authedRequest(http.MethodGet, "/admin/cooldowns", "", "ro-token"))
	if !bytes.Contains(w.Body.Bytes(), []byte(`"A"`)) {
		t.Errorf("cooldowns = %s", w.Body.String())
	}

	w = do(r, authedRequest(http.MethodPost, "/admin/pools/openai/credentials/A/clear-cooldown", "", "admin-token"))
	if w.Code != http.StatusNoContent {
		t.Fatalf("clear-cooldown: expected 204, got %d", w.Code)
	}
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		seen[selectID(t, r)] = true
	}
	if !seen["A"] {
		t.Error("A not selectable after clear-cooldown")
	}
}

func TestFailure_AllCooling(t *testing.T) {
	_, r := setupTestRouter(t, "A")

	body := `{"status_code":429,"retry_after":"60"}`
	do(r, authedRequest(http.MethodPost, "/admin/pools/openai/credentials/A/failure", body, "admin-token"))

	w := do(r, authedRequest(http.MethodPost, "/admin/pools/openai/select", "", "admin-token"))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", w.Code, w.Body.String())
	}
}

func TestFailure_QuotaExhausted(t *testing.T) {
	_, r := setupTestRouter(t, "A")

	reset := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Second)
	body := `{"quota_exceeded":true,"reset_at":"` + reset.Format(time.RFC3339) + `"}`
	w := do(r, authedRequest(http.MethodPost, "/admin/pools/openai/credentials/A/failure", body, "admin-token"))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Error struct {
			Code    string `json:"code"`
			ResetAt string `json:"reset_at"`
		} `json:"error"`
	}
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error.Code != "credentials_exhausted" || resp.Error.ResetAt != reset.Format(time.RFC3339) {
		t.Errorf("error = %+v", resp.Error)
	}

	w = do(r, authedRequest(http.MethodPost, "/admin/pools/openai/credentials/A/failure", `{"quota_exceeded":true,"reset_at":"tomorrow"}`, "admin-token"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad reset_at: expected 400, got %d", w.Code)
	}
}

func TestFailure_QuotaSwitch(t *testing.T) {
	_, r := setupTestRouter(t, "A", "B")

	w := do(r, authedRequest(http.MethodPost, "/admin/pools/openai/credentials/A/failure", `{"quota_exceeded":true}`, "admin-token"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp failureResponse
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if resp.Switch == nil || !resp.Switch.Switched || resp.Switch.To != "B" {
		t.Errorf("switch = %+v", resp.Switch)
	}
}

func TestFailure_PluginClassification(t *testing.T) {
	h, r := setupTestRouter(t, "A")

	body := `{"status_code":401,"body":"invalid api key","plugin":"acme"}`
	w := do(r, authedRequest(http.MethodPost, "/admin/pools/openai/credentials/A/failure", body, "admin-token"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp failureResponse
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if resp.ErrorType != plugin.ErrTypeAuthentication || resp.CooldownApplied {
		t.Errorf("failure response = %+v", resp)
	}
	if st := h.Manager.RiskStatus("A"); st.HardFailures != 1 {
		t.Errorf("risk status = %+v", st)
	}

	w = do(r, authedRequest(http.MethodPost, "/admin/pools/openai/credentials/A/failure", `{"status_code":500,"plugin":"nope"}`, "admin-token"))
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown plugin: expected 404, got %d", w.Code)
	}
}

func TestReportSuccess(t *testing.T) {
	h, r := setupTestRouter(t, "A")

	w := do(r, authedRequest(http.MethodPost, "/admin/pools/openai/credentials/A/success", `{"latency_ms":120}`, "admin-token"))
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}
	creds, _ := h.Manager.Credentials("openai")
	if len(creds) != 1 || creds[0].UsageCount != 1 || creds[0].LastLatencyMs != 120 {
		t.Errorf("credentials = %+v", creds)
	}

	w = do(r, authedRequest(http.MethodPost, "/admin/pools/openai/credentials/missing/success", "", "admin-token"))
	if w.Code != http.StatusNotFound {
		t.Errorf("missing credential: expected 404, got %d", w.Code)
	}
}

func TestDisableEnable(t *testing.T) {
	_, r := setupTestRouter(t, "A", "B")

	w := do(r, authedRequest(http.MethodPost, "/admin/pools/openai/credentials/A/disable", "", "admin-token"))
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	for i := 0; i < 3; i++ {
		if got := selectID(t, r); got != "B" {
			t.Fatalf("selected %s while A disabled", got)
		}
	}

	w = do(r, authedRequest(http.MethodPost, "/admin/pools/openai/credentials/A/enable", "", "admin-token"))
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	w = do(r, authedRequest(http.MethodGet, "/admin/credentials/A/risk", "", "ro-token"))
	if w.Code != http.StatusOK {
		t.Fatalf("risk: expected 200, got %d", w.Code)
	}
	var risk struct {
		Provider string            `json:"provider"`
		State    credgateway.State `json:"state"`
	}
	_ = json.NewDecoder(w.Body).Decode(&risk)
	if risk.Provider != "openai" || risk.State != credgateway.StateHealthy {
		t.Errorf("risk = %+v", risk)
	}

	w = do(r, authedRequest(http.MethodGet, "/admin/credentials/missing/risk", "", "ro-token"))
	if w.Code != http.StatusNotFound {
		t.Errorf("missing credential: expected 404, got %d", w.Code)
	}
}

func TestRiskControlToggle(t *testing.T) {
	h, r := setupTestRouter(t, "A")

	w := do(r, authedRequest(http.MethodPut, "/admin/risk-control", `{"enabled":false}`, "admin-token"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if h.Manager.IsRiskControlEnabled() {
		t.Fatal("risk control still enabled")
	}

	do(r, authedRequest(http.MethodPost, "/admin/pools/openai/credentials/A/failure", `{"status_code":429,"retry_after":"60"}`, "admin-token"))
	if got := selectID(t, r); got != "A" {
		t.Errorf("selected %s with risk control off", got)
	}

	w = do(r, authedRequest(http.MethodGet, "/admin/risk-control", "", "ro-token"))
	var state map[string]bool
	_ = json.NewDecoder(w.Body).Decode(&state)
	if state["enabled"] {
		t.Errorf("risk-control = %v", state)
	}

	w = do(r, authedRequest(http.MethodPut, "/admin/risk-control", `{}`, "admin-token"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing enabled: expected 400, got %d", w.Code)
	}
}

func TestPlugins(t *testing.T) {
	h, r := setupTestRouter(t)

	w := do(r, authedRequest(http.MethodGet, "/admin/plugins", "", "ro-token"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Data []plugin.Info `json:"data"`
	}
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Data) != 1 || resp.Data[0].ID != "acme" || !resp.Data[0].Enabled {
		t.Fatalf("plugins = %+v", resp.Data)
	}

	w = do(r, authedRequest(http.MethodPost, "/admin/plugins/acme/disable", "", "admin-token"))
	if w.Code != http.StatusNoContent {
		t.Fatalf("disable: expected 204, got %d", w.Code)
	}
	if _, ok := h.Plugins.Registry().Enabled("acme"); ok {
		t.Error("plugin still enabled")
	}

	w = do(r, authedRequest(http.MethodPost, "/admin/plugins/ghost/enable", "", "admin-token"))
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown plugin: expected 404, got %d", w.Code)
	}
}
