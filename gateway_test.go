package credgateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ferro-labs/credential-gateway/credential"
	"github.com/ferro-labs/credential-gateway/internal/crypto"
	"github.com/ferro-labs/credential-gateway/internal/store"
	"github.com/ferro-labs/credential-gateway/sdk"
)

func tokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("refresh_token") != "rt-1" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token":  "fresh-token",
			"token_type":    "bearer",
			"refresh_token": "rt-2",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestGateway(t *testing.T, cfg Config, opts ...Option) *Gateway {
	t.Helper()
	t.Setenv(EncryptionKeyEnv, "")
	gw, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = gw.Close(context.Background()) })
	return gw
}

func TestNew_SeedsPools(t *testing.T) {
	gw := newTestGateway(t, Config{
		Pools: []PoolConfig{
			{Provider: "openai", Credentials: []CredentialConfig{
				{ID: "k1", AuthType: credential.AuthAPIKey, Config: map[string]any{"api_key": "sk-1"}},
				{ID: "k2", AuthType: credential.AuthAPIKey},
			}},
		},
	})

	pools := gw.Manager().Pools()
	if len(pools) != 1 || pools[0].Provider != "openai" || pools[0].Total != 2 {
		t.Fatalf("pools = %+v", pools)
	}
	sel, err := gw.Manager().SelectCredential(context.Background(), "openai")
	if err != nil {
		t.Fatalf("SelectCredential: %v", err)
	}
	key, err := sel.Credential.Data.APIKey()
	if err != nil || key.APIKey != "sk-1" {
		t.Errorf("selected key = %+v err %v", key, err)
	}
}

func TestNew_Errors(t *testing.T) {
	t.Setenv(EncryptionKeyEnv, "")
	if _, err := New(Config{Strategy: "fastest"}); err == nil {
		t.Error("expected invalid config error")
	}
	_, err := New(Config{Pools: []PoolConfig{
		{Provider: "a", Credentials: []CredentialConfig{{ID: "x", AuthType: "api_key"}}},
		{Provider: "b", Credentials: []CredentialConfig{{ID: "x", AuthType: "api_key"}}},
	}})
	if !errors.Is(err, credential.ErrDuplicate) {
		t.Errorf("cross-pool duplicate err = %v", err)
	}
}

func TestLoadPlugins_PersistsEnableFlag(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := Config{Plugins: PluginsConfig{Builtin: []BuiltinPlugin{
		{Name: BuiltinOpenAICompat},
		{Name: BuiltinBedrock, Config: map[string]any{"region": "eu-central-1"}},
	}}}
	ctx := context.Background()

	gw := newTestGateway(t, cfg, WithStore(st))
	loaded, err := gw.LoadPlugins(ctx)
	if err != nil {
		t.Fatalf("LoadPlugins: %v", err)
	}
	if strings.Join(loaded, ",") != "openai-compat,bedrock" {
		t.Fatalf("loaded = %v", loaded)
	}
	if err := gw.SetPluginEnabled(ctx, "bedrock", false); err != nil {
		t.Fatal(err)
	}

	recs, _ := st.ListPlugins(ctx)
	if len(recs) != 2 {
		t.Fatalf("plugin records = %+v", recs)
	}

	again := newTestGateway(t, cfg, WithStore(st))
	if _, err := again.LoadPlugins(ctx); err != nil {
		t.Fatalf("LoadPlugins: %v", err)
	}
	if _, ok := again.Registry().Enabled("bedrock"); ok {
		t.Error("persisted disable flag not applied")
	}
	if _, ok := again.Registry().Enabled("openai-compat"); !ok {
		t.Error("openai-compat should stay enabled")
	}
}

func TestRefreshExpiring(t *testing.T) {
	srv := tokenServer(t)
	gw := newTestGateway(t, Config{Plugins: PluginsConfig{Builtin: []BuiltinPlugin{
		{Name: BuiltinOpenAICompat, Config: map[string]any{"token_url": srv.URL}},
	}}}, WithHTTPClient(srv.Client()))
	ctx := context.Background()
	if _, err := gw.LoadPlugins(ctx); err != nil {
		t.Fatalf("LoadPlugins: %v", err)
	}

	events := make(chan string, 8)
	gw.AddHook(func(_ context.Context, subject string, _ map[string]interface{}) {
		events <- subject
	})

	p, _ := gw.Registry().Get(BuiltinOpenAICompat)
	soon := time.Now().Add(time.Minute).UTC().Format(time.RFC3339)
	goodCfg := json.RawMessage(`{"access_token":"old","refresh_token":"rt-1","client_id":"cli","expires_at":"` + soon + `"}`)
	good, err := p.CreateCredential(ctx, credential.AuthOAuth, goodCfg)
	if err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}
	bad, err := p.CreateCredential(ctx, credential.AuthOAuth,
		json.RawMessage(`{"access_token":"keep-me","refresh_token":"revoked","expires_at":"`+soon+`"}`))
	if err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}
	if _, err := p.CreateCredential(ctx, credential.AuthOAuth,
		json.RawMessage(`{"access_token":"later","refresh_token":"rt-1","expires_at":"2099-01-01T00:00:00Z"}`)); err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}
	if err := gw.Manager().AddCredential(credential.New(good, "codex", credential.Data{AuthType: credential.AuthOAuth, Config: goodCfg})); err != nil {
		t.Fatal(err)
	}

	refreshed, failed := gw.RefreshExpiring(ctx, 5*time.Minute)
	if refreshed != 1 || failed != 1 {
		t.Fatalf("refreshed=%d failed=%d, want 1 1", refreshed, failed)
	}

	pool, _ := gw.Manager().Pool("codex")
	c, _ := pool.Get(good)
	o, err := c.Data.OAuth()
	if err != nil || o.AccessToken != "fresh-token" || o.RefreshToken != "rt-2" {
		t.Errorf("pooled token = %+v err %v", o, err)
	}

	rec, err := gw.Store().GetCredential(ctx, bad)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(rec.Config, "keep-me") {
		t.Errorf("failed refresh changed the stored token: %s", rec.Config)
	}

	seen := map[string]bool{}
	timeout := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case s := <-events:
			seen[s] = true
		case <-timeout:
			t.Fatalf("hook events = %v", seen)
		}
	}
	if !seen[SubjectTokenRefreshed] || !seen[SubjectTokenRefreshFailed] {
		t.Errorf("hook events = %v", seen)
	}
}

func TestSDKContext(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	gw := newTestGateway(t, Config{Store: StoreConfig{EncryptionKey: key}})
	ctx := context.Background()

	notes := make(chan map[string]interface{}, 1)
	gw.AddHook(func(_ context.Context, subject string, data map[string]interface{}) {
		if subject == SubjectPluginNotification {
			notes <- data
		}
	})

	sc := gw.SDKContext("demo", sdk.NewPermissionSet(
		sdk.DatabaseRead, sdk.DatabaseWrite, sdk.CryptoEncrypt, sdk.CryptoDecrypt, sdk.Notification,
	))

	if err := sc.StorageSet(ctx, "cursor", "42"); err != nil {
		t.Fatalf("StorageSet: %v", err)
	}
	v, err := sc.StorageGet(ctx, "cursor")
	if err != nil || v == nil || *v != "42" {
		t.Errorf("StorageGet = %v %v", v, err)
	}

	sealed, err := sc.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if plain, err := sc.Decrypt(sealed); err != nil || plain != "secret" {
		t.Errorf("Decrypt = %q %v", plain, err)
	}

	if err := sc.Notify(ctx, sdk.NotifyInfo, "hello"); err != nil {
		t.Fatal(err)
	}
	select {
	case data := <-notes:
		if data["plugin"] != "demo" || data["message"] != "hello" {
			t.Errorf("notification = %v", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification hook not called")
	}

	denied := gw.SDKContext("demo", nil)
	if err := denied.EmitEvent(ctx, "x", nil); !errors.Is(err, sdk.ErrPermissionDenied) {
		t.Errorf("EmitEvent without permission err = %v", err)
	}
}

func TestStart_SyncsOrchestrator(t *testing.T) {
	path := writeTempFile(t, "inventory.yaml", `
- provider: anthropic
  credentials:
    - id: claude-1
      auth_type: oauth
      config:
        access_token: at
- provider: openai
  credentials:
    - id: codex-1
`)
	gw := newTestGateway(t, Config{Sync: SyncConfig{Path: path}})

	if err := gw.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p, ok := gw.Manager().Provider("claude-1"); !ok || p != "claude_oauth" {
		t.Errorf("claude-1 pool = %q %v", p, ok)
	}
	if p, ok := gw.Manager().Provider("codex-1"); !ok || p != "codex" {
		t.Errorf("codex-1 pool = %q %v", p, ok)
	}
	if err := gw.Close(context.Background()); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestStart_FailedSyncStopsTasks(t *testing.T) {
	path := writeTempFile(t, "inventory.yaml", "- credentials:\n    - id: orphan\n")
	gw := newTestGateway(t, Config{
		Sync:    SyncConfig{Path: path},
		Refresh: RefreshConfig{Interval: Duration(time.Hour)},
	})

	if err := gw.Start(context.Background()); err == nil {
		t.Fatal("expected sync error")
	}
	gw.mu.Lock()
	cancel := gw.cancel
	gw.mu.Unlock()
	if cancel != nil {
		t.Error("cancel func kept after failed start")
	}

	stopped := make(chan struct{})
	go func() {
		gw.tasks.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("background tasks still running after failed start")
	}
}
