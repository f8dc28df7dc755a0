package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ferro-labs/credential-gateway/internal/ratelimit"
	"github.com/ferro-labs/credential-gateway/plugin/jsonrpc"
)

type fakeDB struct {
	mu      sync.Mutex
	queries []string
	execs   []string
}

func (d *fakeDB) Query(_ context.Context, q string, _ []any) (*QueryResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries = append(d.queries, q)
	return &QueryResult{Columns: []string{"id"}, Rows: [][]any{{"a"}}}, nil
}

func (d *fakeDB) Execute(_ context.Context, s string, _ []any) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.execs = append(d.execs, s)
	return 1, nil
}

type memKV struct {
	mu sync.Mutex
	m  map[string]string
}

func (k *memKV) Get(_ context.Context, plugin, key string) (string, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.m[plugin+"/"+key]
	return v, ok, nil
}

func (k *memKV) Set(_ context.Context, plugin, key, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.m == nil {
		k.m = map[string]string{}
	}
	k.m[plugin+"/"+key] = value
	return nil
}

func (k *memKV) Delete(_ context.Context, plugin, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.m, plugin+"/"+key)
	return nil
}

type reverseCipher struct{}

func (reverseCipher) Encrypt(s string) (string, error) { return "enc:" + s, nil }
func (reverseCipher) Decrypt(s string) (string, error) {
	if !strings.HasPrefix(s, "enc:") {
		return "", errors.New("bad ciphertext")
	}
	return strings.TrimPrefix(s, "enc:"), nil
}

type recordedEvent struct {
	plugin, event string
	data          json.RawMessage
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) Emit(_ context.Context, plugin, event string, data json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{plugin, event, data})
}

func TestCheckQuery_AllowList(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		ok   bool
	}{
		{"public plugins table", "SELECT * FROM credential_provider_plugins", true},
		{"public credentials table", "select id, name from plugin_credentials where plugin_id = ?", true},
		{"own schema table", "SELECT * FROM plugin_kiro_provider.accounts", true},
		{"own prefixed table", "SELECT * FROM plugin_kiro_provider_accounts a JOIN plugin_credentials c ON a.id = c.id", true},
		{"foreign table", "SELECT * FROM api_keys", false},
		{"other plugin", "SELECT * FROM plugin_other.data", false},
		{"comma list", "SELECT * FROM plugin_credentials p, api_keys k", false},
		{"subquery", "SELECT * FROM plugin_credentials WHERE id IN (SELECT id FROM api_keys)", false},
		{"string literal ignored", "SELECT * FROM plugin_credentials WHERE name = 'from api_keys'", true},
		{"quoted identifier", `SELECT * FROM "api_keys"`, false},
		{"bracket identifier", "SELECT * FROM [api_keys]", false},
		{"backtick identifier", "SELECT * FROM `api_keys`", false},
		{"bracket in comma list", "SELECT * FROM plugin_credentials p, [api_keys] k", false},
		{"bracket join", "SELECT * FROM plugin_credentials c JOIN [api_keys] k ON c.id = k.id", false},
		{"string literal table", "SELECT * FROM 'api_keys'", false},
		{"unterminated bracket", "SELECT * FROM [api_keys", false},
		{"own bracket table", "SELECT * FROM [plugin_kiro_provider_accounts]", true},
		{"derived table", "SELECT * FROM (SELECT id FROM plugin_credentials) x", true},
		{"host storage table", "SELECT * FROM plugin_storage", false},
		{"not a select", "DELETE FROM plugin_credentials", false},
		{"stacked", "SELECT * FROM plugin_credentials; DROP TABLE api_keys", false},
		{"comment", "SELECT * FROM plugin_credentials -- hi", false},
		{"trailing semicolon", "SELECT * FROM plugin_credentials;", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckQuery("kiro-provider", tt.sql)
			if tt.ok && err != nil {
				t.Fatalf("expected allowed, got %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("expected denial")
			}
		})
	}
}

func TestCheckExecute_OwnTablesOnly(t *testing.T) {
	tests := []struct {
		sql string
		ok  bool
	}{
		{"CREATE TABLE IF NOT EXISTS plugin_kiro_provider_accounts (id TEXT)", true},
		{"INSERT INTO plugin_kiro_provider.accounts (id) VALUES (?)", true},
		{"UPDATE plugin_kiro_provider_accounts SET id = ?", true},
		{"DELETE FROM plugin_kiro_provider_accounts WHERE id = ?", true},
		{"DELETE FROM plugin_credentials", false},
		{"INSERT INTO plugin_kiro_provider_accounts SELECT * FROM api_keys", false},
		{"UPDATE plugin_other_accounts SET id = ?", false},
		{"SELECT * FROM plugin_kiro_provider_accounts", false},
		{"VACUUM", false},
		{"CREATE TABLE plugin_kiro_provider_loot AS SELECT * FROM [api_keys]", false},
		{`CREATE TABLE plugin_kiro_provider_loot AS SELECT * FROM "api_keys"`, false},
		{"CREATE TABLE plugin_kiro_provider_loot AS SELECT * FROM `api_keys`", false},
		{"INSERT INTO [plugin_credentials] (id) VALUES (?)", false},
		{"INSERT INTO [plugin_kiro_provider_accounts] (id) VALUES (?)", true},
		{"INSERT INTO plugin_kiro_provider_accounts (id) VALUES (?) ON CONFLICT(id) DO UPDATE SET id = excluded.id", true},
		{"ALTER TABLE plugin_kiro_provider_accounts RENAME TO api_keys_copy", false},
	}
	for _, tt := range tests {
		err := CheckExecute("kiro-provider", tt.sql)
		if tt.ok != (err == nil) {
			t.Errorf("CheckExecute(%q) = %v, want ok=%v", tt.sql, err, tt.ok)
		}
	}
}

func TestHostTablesNeverOwned(t *testing.T) {
	if err := CheckQuery("storage", "SELECT * FROM plugin_storage WHERE plugin_id = 'other'"); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("plugin storage read the shared KV table: %v", err)
	}
	for _, id := range []string{"storage", "credentials"} {
		if err := CheckExecute(id, "DELETE FROM "+PluginTablePrefix(id)); !errors.Is(err, ErrPermissionDenied) {
			t.Errorf("plugin %s wrote %s: %v", id, PluginTablePrefix(id), err)
		}
	}
	if err := CheckExecute("storage", "CREATE TABLE plugin_storage_notes (id TEXT)"); err != nil {
		t.Errorf("own prefixed table denied: %v", err)
	}
}

func TestPluginTablePrefix(t *testing.T) {
	if got := PluginTablePrefix("Kiro-Provider"); got != "plugin_kiro_provider" {
		t.Errorf("prefix = %q", got)
	}
}

func TestContext_PermissionDeniedSkipsBackend(t *testing.T) {
	db := &fakeDB{}
	c := NewContext("p1", NewPermissionSet(), Deps{Database: db})

	_, err := c.Query(context.Background(), "SELECT * FROM plugin_credentials", nil)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if len(db.queries) != 0 {
		t.Fatal("database must not be touched without permission")
	}
}

func TestContext_DeniedTableSkipsBackend(t *testing.T) {
	db := &fakeDB{}
	c := NewContext("kiro-provider", NewPermissionSet(DatabaseRead, DatabaseWrite), Deps{Database: db})

	if _, err := c.Query(context.Background(), "SELECT * FROM api_keys", nil); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if _, err := c.Execute(context.Background(), "DELETE FROM plugin_credentials", nil); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if len(db.queries)+len(db.execs) != 0 {
		t.Fatal("denied SQL reached the database")
	}

	res, err := c.Query(context.Background(), "SELECT * FROM plugin_kiro_provider.accounts", nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Rows) != 1 || len(db.queries) != 1 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestContext_Crypto(t *testing.T) {
	c := NewContext("p", NewPermissionSet(CryptoEncrypt), Deps{Cipher: reverseCipher{}})
	enc, err := c.Encrypt("secret")
	if err != nil || enc != "enc:secret" {
		t.Fatalf("Encrypt = %q, %v", enc, err)
	}
	if _, err := c.Decrypt(enc); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("decrypt needs its own permission, got %v", err)
	}

	c = NewContext("p", NewPermissionSet(CryptoDecrypt), Deps{Cipher: reverseCipher{}})
	if _, err := c.Decrypt("garbage"); !errors.Is(err, ErrCrypto) {
		t.Errorf("expected crypto error, got %v", err)
	}
}

func TestContext_Storage(t *testing.T) {
	kv := &memKV{}
	ctx := context.Background()
	reader := NewContext("p", NewPermissionSet(DatabaseRead), Deps{Storage: kv})
	writer := NewContext("p", NewPermissionSet(DatabaseRead, DatabaseWrite), Deps{Storage: kv})

	if err := reader.StorageSet(ctx, "k", "v"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("set without write permission: %v", err)
	}
	if err := writer.StorageSet(ctx, "k", "v"); err != nil {
		t.Fatal(err)
	}
	v, err := reader.StorageGet(ctx, "k")
	if err != nil || v == nil || *v != "v" {
		t.Fatalf("get = %v, %v", v, err)
	}
	if err := writer.StorageDelete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if v, _ := reader.StorageGet(ctx, "k"); v != nil {
		t.Errorf("expected nil after delete, got %q", *v)
	}

	other := NewContext("q", NewPermissionSet(DatabaseRead), Deps{Storage: kv})
	_ = writer.StorageSet(ctx, "k", "mine")
	if v, _ := other.StorageGet(ctx, "k"); v != nil {
		t.Error("storage must be namespaced per plugin")
	}
}

func TestContext_HTTPRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Echo-Method", r.Method)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(r.Header.Get("X-Token") + ":" + string(body)))
	}))
	defer srv.Close()

	c := NewContext("p", NewPermissionSet(HTTPRequest), Deps{HTTPClient: srv.Client()})
	body := "hello"
	resp, err := c.HTTPRequest(context.Background(), srv.URL, HTTPOptions{
		Method:  "post",
		Headers: map[string]string{"X-Token": "t"},
		Body:    &body,
	})
	if err != nil {
		t.Fatalf("HTTPRequest: %v", err)
	}
	if resp.Status != http.StatusCreated || resp.Body != "t:hello" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Headers["x-echo-method"] != "POST" {
		t.Errorf("headers = %v", resp.Headers)
	}

	if _, err := c.HTTPRequest(context.Background(), srv.URL, HTTPOptions{Method: "TRACE"}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("TRACE should be rejected, got %v", err)
	}
	if _, err := c.HTTPRequest(context.Background(), "file:///etc/passwd", HTTPOptions{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("non-http url should be rejected, got %v", err)
	}
}

func TestContext_HTTPRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer srv.Close()

	limiter := ratelimit.NewBuckets(0.001, 1)
	c := NewContext("p", NewPermissionSet(HTTPRequest), Deps{HTTPClient: srv.Client(), HTTPLimiter: limiter})
	if _, err := c.HTTPRequest(context.Background(), srv.URL, HTTPOptions{}); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := c.HTTPRequest(context.Background(), srv.URL, HTTPOptions{}); !errors.Is(err, ErrHTTP) {
		t.Errorf("second request should be throttled, got %v", err)
	}
}

func call(t *testing.T, h jsonrpc.Handler, method string, params any) *jsonrpc.Message {
	t.Helper()
	req, err := jsonrpc.NewRequest(1, method, params)
	if err != nil {
		t.Fatal(err)
	}
	return jsonrpc.Dispatch(context.Background(), h, req)
}

func TestHandler_Methods(t *testing.T) {
	kv := &memKV{}
	events := &eventRecorder{}
	c := NewContext("kiro-provider",
		NewPermissionSet(DatabaseRead, DatabaseWrite, CryptoEncrypt, EventEmit, Notification),
		Deps{Database: &fakeDB{}, Storage: kv, Cipher: reverseCipher{}, Events: events})
	h := Handler(c)

	resp := call(t, h, MethodDatabaseQuery, map[string]any{"sql": "SELECT id FROM plugin_credentials", "params": []any{}})
	var qr QueryResult
	if err := resp.Decode(&qr); err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(qr.Columns) != 1 || qr.Columns[0] != "id" {
		t.Errorf("columns = %v", qr.Columns)
	}

	resp = call(t, h, MethodDatabaseExecute, map[string]any{"sql": "DELETE FROM plugin_kiro_provider_x"})
	var affected map[string]int64
	if err := resp.Decode(&affected); err != nil || affected["affected"] != 1 {
		t.Errorf("execute = %v, %v", affected, err)
	}

	resp = call(t, h, MethodCryptoEncrypt, map[string]string{"data": "x"})
	var enc map[string]string
	if err := resp.Decode(&enc); err != nil || enc["encrypted"] != "enc:x" {
		t.Errorf("encrypt = %v, %v", enc, err)
	}

	resp = call(t, h, MethodStorageGet, map[string]string{"key": "missing"})
	if string(resp.Result) != `{"value":null}` {
		t.Errorf("storage.get missing = %s", resp.Result)
	}

	resp = call(t, h, MethodEventEmit, map[string]any{"event": "account.added", "data": map[string]int{"n": 1}})
	if resp.Error != nil {
		t.Fatalf("event.emit: %v", resp.Error)
	}
	if len(events.events) != 1 || events.events[0].event != "account.added" || events.events[0].plugin != "kiro-provider" {
		t.Errorf("events = %+v", events.events)
	}

	resp = call(t, h, MethodNotifyInfo, map[string]string{"message": "hi"})
	if resp.Error != nil || string(resp.Result) != "{}" {
		t.Errorf("notification.info = %s, %v", resp.Result, resp.Error)
	}
}

func TestHandler_Errors(t *testing.T) {
	c := NewContext("p", NewPermissionSet(), Deps{})
	h := Handler(c)

	resp := call(t, h, MethodDatabaseQuery, map[string]any{"sql": "SELECT 1 FROM plugin_credentials"})
	if resp.Error == nil || resp.Error.Code != jsonrpc.CodeServerError || resp.Error.Data != string(KindPermissionDenied) {
		t.Errorf("denied query = %+v", resp.Error)
	}

	resp = call(t, h, "filesystem.read", map[string]string{})
	if resp.Error == nil || resp.Error.Code != jsonrpc.CodeMethodNotFound {
		t.Errorf("unknown method = %+v", resp.Error)
	}

	req := &jsonrpc.Message{JSONRPC: jsonrpc.Version, Method: MethodStorageGet, Params: json.RawMessage(`"nope"`), ID: json.RawMessage("1")}
	resp = jsonrpc.Dispatch(context.Background(), h, req)
	if resp.Error == nil || resp.Error.Code != jsonrpc.CodeInvalidParams {
		t.Errorf("bad params = %+v", resp.Error)
	}
}

func TestParsePermissions(t *testing.T) {
	set, err := ParsePermissions([]string{"database:read", "http:request"})
	if err != nil {
		t.Fatal(err)
	}
	if !set.Has(DatabaseRead) || set.Has(DatabaseWrite) {
		t.Errorf("set = %v", set.List())
	}
	if _, err := ParsePermissions([]string{"root"}); err == nil {
		t.Error("unknown permission should be rejected")
	}
}
