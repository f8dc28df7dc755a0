package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ferro-labs/credential-gateway/internal/logging"
	"github.com/ferro-labs/credential-gateway/internal/metrics"
	"github.com/ferro-labs/credential-gateway/internal/ratelimit"
)

// DefaultHTTPTimeout applies when http.request omits timeout_ms.
const DefaultHTTPTimeout = 30 * time.Second

const maxResponseBody = 8 << 20

// QueryResult is the tabular result of database.query.
type QueryResult struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Database runs SQL already admitted by the guard.
type Database interface {
	Query(ctx context.Context, query string, args []any) (*QueryResult, error)
	Execute(ctx context.Context, stmt string, args []any) (int64, error)
}

// Cipher is the host encryption service.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// NotificationLevel is the severity of a plugin notification.
type NotificationLevel string

// Notification levels.
const (
	NotifySuccess NotificationLevel = "success"
	NotifyError   NotificationLevel = "error"
	NotifyInfo    NotificationLevel = "info"
)

// Notifier receives fire-and-forget notifications.
type Notifier interface {
	Notify(ctx context.Context, pluginID string, level NotificationLevel, message string)
}

// EventSink receives fire-and-forget events.
type EventSink interface {
	Emit(ctx context.Context, pluginID, event string, data json.RawMessage)
}

// KVStore is per-plugin key/value storage.
type KVStore interface {
	Get(ctx context.Context, pluginID, key string) (string, bool, error)
	Set(ctx context.Context, pluginID, key, value string) error
	Delete(ctx context.Context, pluginID, key string) error
}

// Deps are the host services a Context delegates to. Nil services make the
// corresponding methods fail with an internal error.
type Deps struct {
	Database   Database
	Cipher     Cipher
	Notifier   Notifier
	Events     EventSink
	Storage    KVStore
	HTTPClient *http.Client
	// HTTPLimiter throttles http.request per plugin; nil means unlimited.
	HTTPLimiter *ratelimit.Buckets
}

// HTTPOptions configures http.request.
type HTTPOptions struct {
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	Body      *string           `json:"body"`
	TimeoutMs int64             `json:"timeout_ms"`
}

// HTTPResponse is the result of http.request.
type HTTPResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

var allowedMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodDelete: true, http.MethodPatch: true, http.MethodHead: true,
}

// Context is the capability-gated SDK surface bound to one plugin.
type Context struct {
	pluginID string
	perms    PermissionSet
	deps     Deps
}

// NewContext binds deps to pluginID with the granted permissions.
func NewContext(pluginID string, perms PermissionSet, deps Deps) *Context {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{}
	}
	if perms == nil {
		perms = PermissionSet{}
	}
	return &Context{pluginID: pluginID, perms: perms, deps: deps}
}

// PluginID returns the plugin the context is bound to.
func (c *Context) PluginID() string { return c.pluginID }

// Permissions returns the granted permissions.
func (c *Context) Permissions() PermissionSet { return c.perms }

func (c *Context) require(p Permission) error {
	if c.perms.Has(p) {
		return nil
	}
	logging.ForPlugin(c.pluginID).Warn("sdk permission denied", "permission", string(p))
	return errorf(KindPermissionDenied, "plugin %s lacks permission %s", c.pluginID, p)
}

// Query runs a guarded SELECT.
func (c *Context) Query(ctx context.Context, sql string, args []any) (*QueryResult, error) {
	if err := c.require(DatabaseRead); err != nil {
		return nil, err
	}
	if err := CheckQuery(c.pluginID, sql); err != nil {
		return nil, err
	}
	if c.deps.Database == nil {
		return nil, errorf(KindInternal, "database is not configured")
	}
	res, err := c.deps.Database.Query(ctx, sql, args)
	if err != nil {
		return nil, errorf(KindDatabase, "%v", err)
	}
	return res, nil
}

// Execute runs a guarded write on the plugin's own tables.
func (c *Context) Execute(ctx context.Context, sql string, args []any) (int64, error) {
	if err := c.require(DatabaseWrite); err != nil {
		return 0, err
	}
	if err := CheckExecute(c.pluginID, sql); err != nil {
		return 0, err
	}
	if c.deps.Database == nil {
		return 0, errorf(KindInternal, "database is not configured")
	}
	n, err := c.deps.Database.Execute(ctx, sql, args)
	if err != nil {
		return 0, errorf(KindDatabase, "%v", err)
	}
	return n, nil
}

// HTTPRequest performs an outbound HTTP call on the plugin's behalf.
func (c *Context) HTTPRequest(ctx context.Context, url string, opts HTTPOptions) (*HTTPResponse, error) {
	if err := c.require(HTTPRequest); err != nil {
		return nil, err
	}
	method := strings.ToUpper(opts.Method)
	if method == "" {
		method = http.MethodGet
	}
	if !allowedMethods[method] {
		return nil, errorf(KindInvalidArgument, "unsupported HTTP method %s", opts.Method)
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, errorf(KindInvalidArgument, "url must be http or https")
	}
	if c.deps.HTTPLimiter != nil && !c.deps.HTTPLimiter.Allow(c.pluginID) {
		metrics.SDKRateLimited.WithLabelValues(c.pluginID).Inc()
		return nil, errorf(KindHTTP, "http.request rate limit exceeded")
	}

	timeout := DefaultHTTPTimeout
	if opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if opts.Body != nil {
		body = bytes.NewBufferString(*opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, errorf(KindInvalidArgument, "building request: %v", err)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.deps.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errorf(KindHTTP, "request timed out after %s", timeout)
		}
		return nil, errorf(KindHTTP, "%v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, errorf(KindHTTP, "reading response: %v", err)
	}
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}
	return &HTTPResponse{Status: resp.StatusCode, Headers: headers, Body: string(raw)}, nil
}

// Encrypt delegates to the host cipher.
func (c *Context) Encrypt(data string) (string, error) {
	if err := c.require(CryptoEncrypt); err != nil {
		return "", err
	}
	if c.deps.Cipher == nil {
		return "", errorf(KindInternal, "encryption is not configured")
	}
	out, err := c.deps.Cipher.Encrypt(data)
	if err != nil {
		return "", errorf(KindCrypto, "%v", err)
	}
	return out, nil
}

// Decrypt delegates to the host cipher.
func (c *Context) Decrypt(data string) (string, error) {
	if err := c.require(CryptoDecrypt); err != nil {
		return "", err
	}
	if c.deps.Cipher == nil {
		return "", errorf(KindInternal, "encryption is not configured")
	}
	out, err := c.deps.Cipher.Decrypt(data)
	if err != nil {
		return "", errorf(KindCrypto, "%v", err)
	}
	return out, nil
}

// Notify forwards a notification. Without a Notifier it is logged.
func (c *Context) Notify(ctx context.Context, level NotificationLevel, message string) error {
	if err := c.require(Notification); err != nil {
		return err
	}
	switch level {
	case NotifySuccess, NotifyError, NotifyInfo:
	default:
		return errorf(KindInvalidArgument, "unknown notification level %q", level)
	}
	if c.deps.Notifier != nil {
		c.deps.Notifier.Notify(ctx, c.pluginID, level, message)
		return nil
	}
	log := logging.ForPlugin(c.pluginID)
	if level == NotifyError {
		log.Error("plugin notification", "message", message)
	} else {
		log.Info("plugin notification", "level", string(level), "message", message)
	}
	return nil
}

// EmitEvent forwards an event to the host event sink.
func (c *Context) EmitEvent(ctx context.Context, event string, data json.RawMessage) error {
	if err := c.require(EventEmit); err != nil {
		return err
	}
	if event == "" {
		return errorf(KindInvalidArgument, "event name is required")
	}
	if c.deps.Events != nil {
		c.deps.Events.Emit(ctx, c.pluginID, event, data)
	}
	return nil
}

// StorageGet reads key from the plugin's KV namespace.
func (c *Context) StorageGet(ctx context.Context, key string) (*string, error) {
	if err := c.require(DatabaseRead); err != nil {
		return nil, err
	}
	if c.deps.Storage == nil {
		return nil, errorf(KindInternal, "storage is not configured")
	}
	v, ok, err := c.deps.Storage.Get(ctx, c.pluginID, key)
	if err != nil {
		return nil, errorf(KindDatabase, "%v", err)
	}
	if !ok {
		return nil, nil
	}
	return &v, nil
}

// StorageSet writes key in the plugin's KV namespace.
func (c *Context) StorageSet(ctx context.Context, key, value string) error {
	if err := c.require(DatabaseWrite); err != nil {
		return err
	}
	if c.deps.Storage == nil {
		return errorf(KindInternal, "storage is not configured")
	}
	if err := c.deps.Storage.Set(ctx, c.pluginID, key, value); err != nil {
		return errorf(KindDatabase, "%v", err)
	}
	return nil
}

// StorageDelete removes key from the plugin's KV namespace.
func (c *Context) StorageDelete(ctx context.Context, key string) error {
	if err := c.require(DatabaseWrite); err != nil {
		return err
	}
	if c.deps.Storage == nil {
		return errorf(KindInternal, "storage is not configured")
	}
	if err := c.deps.Storage.Delete(ctx, c.pluginID, key); err != nil {
		return errorf(KindDatabase, "%v", err)
	}
	return nil
}

func (c *Context) String() string {
	return fmt.Sprintf("sdk.Context(%s)", c.pluginID)
}
