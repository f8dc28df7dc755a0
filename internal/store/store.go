// Package store persists plugin credentials, plugin records and per-plugin
// key/value storage. SQLStore serves sqlite and postgres; MemoryStore backs
// tests and the "memory" driver.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// Status of a stored credential.
type Status string

// Credential statuses.
const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
	StatusExpired  Status = "expired"
	StatusError    Status = "error"
)

// ParseStatus maps unknown values to StatusActive.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusDisabled, StatusExpired, StatusError:
		return Status(s)
	default:
		return StatusActive
	}
}

// CredentialRecord is one row of plugin_credentials. Config is the
// plaintext JSON config; it is encrypted at rest when a Cipher is set.
type CredentialRecord struct {
	ID               string     `json:"id"`
	PluginID         string     `json:"plugin_id"`
	AuthType         string     `json:"auth_type"`
	DisplayName      string     `json:"display_name,omitempty"`
	Status           Status     `json:"status"`
	Config           string     `json:"-"`
	UsageCount       int64      `json:"usage_count"`
	ErrorCount       int64      `json:"error_count"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
	LastErrorAt      *time.Time `json:"last_error_at,omitempty"`
	LastErrorMessage string     `json:"last_error_message,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// NewCredential holds the fields supplied on creation.
type NewCredential struct {
	ID          string
	PluginID    string
	AuthType    string
	DisplayName string
	Config      string
}

// PluginRecord is one row of credential_provider_plugins.
type PluginRecord struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Version     string    `json:"version"`
	Description string    `json:"description,omitempty"`
	Source      string    `json:"source"`
	Path        string    `json:"path,omitempty"`
	Enabled     bool      `json:"enabled"`
	InstalledAt time.Time `json:"installed_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Cipher encrypts credential configs at rest.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Store is the persistence collaborator of the gateway.
type Store interface {
	CreateCredential(ctx context.Context, c NewCredential) (*CredentialRecord, error)
	GetCredential(ctx context.Context, id string) (*CredentialRecord, error)
	ListByPlugin(ctx context.Context, pluginID string) ([]*CredentialRecord, error)
	ListActive(ctx context.Context) ([]*CredentialRecord, error)
	UpdateConfig(ctx context.Context, id, config string) error
	UpdateStatus(ctx context.Context, id string, status Status) error
	RecordUsage(ctx context.Context, id string) error
	RecordError(ctx context.Context, id, message string) error
	ResetErrors(ctx context.Context, id string) error
	DeleteCredential(ctx context.Context, id string) error
	DeleteByPlugin(ctx context.Context, pluginID string) (int64, error)
	CountByPlugin(ctx context.Context, pluginID string) (int64, error)
	CountActiveByPlugin(ctx context.Context, pluginID string) (int64, error)

	UpsertPlugin(ctx context.Context, p PluginRecord) error
	ListPlugins(ctx context.Context) ([]PluginRecord, error)
	SetPluginEnabled(ctx context.Context, id string, enabled bool) error

	Get(ctx context.Context, pluginID, key string) (string, bool, error)
	Set(ctx context.Context, pluginID, key, value string) error
	Delete(ctx context.Context, pluginID, key string) error

	Close() error
}

// Option configures a store.
type Option func(*options)

type options struct {
	cipher Cipher
	now    func() time.Time
}

// WithCipher encrypts credential configs with c.
func WithCipher(c Cipher) Option {
	return func(o *options) { o.cipher = c }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) seal(config string) (string, error) {
	if o.cipher == nil {
		return config, nil
	}
	return o.cipher.Encrypt(config)
}

func (o options) open(stored string) (string, error) {
	if o.cipher == nil {
		return stored, nil
	}
	return o.cipher.Decrypt(stored)
}

// Open returns the store for driver: "sqlite", "postgres" or "memory".
func Open(driver, dsn string, opts ...Option) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemoryStore(opts...), nil
	case "sqlite":
		return NewSQLiteStore(dsn, opts...)
	case "postgres":
		return NewPostgresStore(dsn, opts...)
	default:
		return nil, errors.New("store: unsupported driver " + driver)
	}
}
