package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	// Register Postgres SQL driver.
	_ "github.com/lib/pq"
	// Register SQLite SQL driver.
	_ "modernc.org/sqlite"

	"github.com/ferro-labs/credential-gateway/sdk"
)

type sqlDialect string

const (
	dialectSQLite   sqlDialect = "sqlite"
	dialectPostgres sqlDialect = "postgres"
)

// SQLStore persists gateway state in SQLite or Postgres. It also serves as
// the database behind the plugin SDK.
type SQLStore struct {
	db      *sql.DB
	dialect sqlDialect
	opts    options
}

var _ Store = (*SQLStore)(nil)
var _ sdk.Database = (*SQLStore)(nil)

// NewSQLiteStore creates a SQLite-backed store. dsn can be a file path or a
// SQLite DSN.
func NewSQLiteStore(dsn string, opts ...Option) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "credgw.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// One writer keeps sqlite from returning SQLITE_BUSY under concurrent reports.
	db.SetMaxOpenConns(1)
	return newSQLStore(db, dialectSQLite, opts)
}

// NewPostgresStore creates a Postgres-backed store.
func NewPostgresStore(dsn string, opts ...Option) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	return newSQLStore(db, dialectPostgres, opts)
}

func newSQLStore(db *sql.DB, dialect sqlDialect, opts []Option) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect, opts: buildOptions(opts)}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s store: %w", s.dialect, err)
	}

	ts := "DATETIME"
	if s.dialect == dialectPostgres {
		ts = "TIMESTAMPTZ"
	}
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS plugin_credentials (
	id TEXT PRIMARY KEY,
	plugin_id TEXT NOT NULL,
	auth_type TEXT NOT NULL,
	display_name TEXT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	config_encrypted TEXT NOT NULL,
	usage_count INTEGER NOT NULL DEFAULT 0,
	error_count INTEGER NOT NULL DEFAULT 0,
	last_used_at ` + ts + ` NULL,
	last_error_at ` + ts + ` NULL,
	last_error_message TEXT NULL,
	created_at ` + ts + ` NOT NULL,
	updated_at ` + ts + ` NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_plugin_credentials_plugin ON plugin_credentials(plugin_id)`,
		`CREATE TABLE IF NOT EXISTS credential_provider_plugins (
	id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	version TEXT NOT NULL,
	description TEXT NULL,
	source TEXT NOT NULL,
	path TEXT NULL,
	enabled BOOLEAN NOT NULL,
	installed_at ` + ts + ` NOT NULL,
	updated_at ` + ts + ` NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS plugin_storage (
	plugin_id TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	updated_at ` + ts + ` NOT NULL,
	PRIMARY KEY (plugin_id, key)
)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("initialize %s store schema: %w", s.dialect, err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) now() time.Time {
	return s.opts.now().UTC()
}

// CreateCredential inserts a credential. An empty ID gets a fresh UUID.
func (s *SQLStore) CreateCredential(ctx context.Context, c NewCredential) (*CredentialRecord, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	sealed, err := s.opts.seal(c.Config)
	if err != nil {
		return nil, fmt.Errorf("encrypt credential config: %w", err)
	}
	now := s.now()
	q := s.bind(`
INSERT INTO plugin_credentials(id, plugin_id, auth_type, display_name, status, config_encrypted,
	usage_count, error_count, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q, c.ID, c.PluginID, c.AuthType, nullString(c.DisplayName),
		string(StatusActive), sealed, now, now); err != nil {
		return nil, fmt.Errorf("create credential: %w", err)
	}
	return &CredentialRecord{
		ID:          c.ID,
		PluginID:    c.PluginID,
		AuthType:    c.AuthType,
		DisplayName: c.DisplayName,
		Status:      StatusActive,
		Config:      c.Config,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

const credentialColumns = `id, plugin_id, auth_type, display_name, status, config_encrypted,
	usage_count, error_count, last_used_at, last_error_at, last_error_message, created_at, updated_at`

// GetCredential returns the credential with id, or ErrNotFound.
func (s *SQLStore) GetCredential(ctx context.Context, id string) (*CredentialRecord, error) {
	q := s.bind(`SELECT ` + credentialColumns + ` FROM plugin_credentials WHERE id = ?`)
	rec, err := s.scanCredential(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return rec, nil
}

// ListByPlugin returns a plugin's credentials, newest first.
func (s *SQLStore) ListByPlugin(ctx context.Context, pluginID string) ([]*CredentialRecord, error) {
	q := s.bind(`SELECT ` + credentialColumns + ` FROM plugin_credentials WHERE plugin_id = ? ORDER BY created_at DESC, id`)
	return s.listCredentials(ctx, q, pluginID)
}

// ListActive returns every active credential, most used first.
func (s *SQLStore) ListActive(ctx context.Context) ([]*CredentialRecord, error) {
	q := s.bind(`SELECT ` + credentialColumns + ` FROM plugin_credentials WHERE status = ? ORDER BY usage_count DESC, id`)
	return s.listCredentials(ctx, q, string(StatusActive))
}

func (s *SQLStore) listCredentials(ctx context.Context, q string, args ...any) ([]*CredentialRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	out := make([]*CredentialRecord, 0)
	for rows.Next() {
		rec, err := s.scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateConfig replaces a credential's config.
func (s *SQLStore) UpdateConfig(ctx context.Context, id, config string) error {
	sealed, err := s.opts.seal(config)
	if err != nil {
		return fmt.Errorf("encrypt credential config: %w", err)
	}
	return s.execOne(ctx, "update config",
		`UPDATE plugin_credentials SET config_encrypted = ?, updated_at = ? WHERE id = ?`, sealed, s.now(), id)
}

// UpdateStatus sets a credential's status.
func (s *SQLStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	return s.execOne(ctx, "update status",
		`UPDATE plugin_credentials SET status = ?, updated_at = ? WHERE id = ?`, string(status), s.now(), id)
}

// RecordUsage bumps usage_count and last_used_at.
func (s *SQLStore) RecordUsage(ctx context.Context, id string) error {
	now := s.now()
	return s.execOne(ctx, "record usage",
		`UPDATE plugin_credentials SET usage_count = usage_count + 1, last_used_at = ?, updated_at = ? WHERE id = ?`,
		now, now, id)
}

// RecordError bumps error_count and stores the message.
func (s *SQLStore) RecordError(ctx context.Context, id, message string) error {
	now := s.now()
	return s.execOne(ctx, "record error",
		`UPDATE plugin_credentials SET error_count = error_count + 1, last_error_at = ?, last_error_message = ?, updated_at = ? WHERE id = ?`,
		now, message, now, id)
}

// ResetErrors clears error state and reactivates the credential.
func (s *SQLStore) ResetErrors(ctx context.Context, id string) error {
	return s.execOne(ctx, "reset errors",
		`UPDATE plugin_credentials SET error_count = 0, last_error_at = NULL, last_error_message = NULL, status = ?, updated_at = ? WHERE id = ?`,
		string(StatusActive), s.now(), id)
}

// DeleteCredential removes a credential.
func (s *SQLStore) DeleteCredential(ctx context.Context, id string) error {
	return s.execOne(ctx, "delete credential", `DELETE FROM plugin_credentials WHERE id = ?`, id)
}

// DeleteByPlugin removes every credential of a plugin.
func (s *SQLStore) DeleteByPlugin(ctx context.Context, pluginID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM plugin_credentials WHERE plugin_id = ?`), pluginID)
	if err != nil {
		return 0, fmt.Errorf("delete credentials: %w", err)
	}
	return res.RowsAffected()
}

// CountByPlugin counts a plugin's credentials.
func (s *SQLStore) CountByPlugin(ctx context.Context, pluginID string) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM plugin_credentials WHERE plugin_id = ?`, pluginID)
}

// CountActiveByPlugin counts a plugin's active credentials.
func (s *SQLStore) CountActiveByPlugin(ctx context.Context, pluginID string) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM plugin_credentials WHERE plugin_id = ? AND status = ?`, pluginID, string(StatusActive))
}

func (s *SQLStore) count(ctx context.Context, q string, args ...any) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, s.bind(q), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count credentials: %w", err)
	}
	return n, nil
}

// UpsertPlugin inserts or refreshes a plugin record. The enabled flag of an
// existing record is kept.
func (s *SQLStore) UpsertPlugin(ctx context.Context, p PluginRecord) error {
	now := s.now()
	q := s.bind(`
INSERT INTO credential_provider_plugins(id, display_name, version, description, source, path, enabled, installed_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	display_name = excluded.display_name,
	version = excluded.version,
	description = excluded.description,
	source = excluded.source,
	path = excluded.path,
	updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, q, p.ID, p.DisplayName, p.Version, nullString(p.Description),
		p.Source, nullString(p.Path), p.Enabled, now, now); err != nil {
		return fmt.Errorf("upsert plugin: %w", err)
	}
	return nil
}

// ListPlugins returns every plugin record ordered by id.
func (s *SQLStore) ListPlugins(ctx context.Context) ([]PluginRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, display_name, version, description, source, path, enabled, installed_at, updated_at
FROM credential_provider_plugins ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list plugins: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	out := make([]PluginRecord, 0)
	for rows.Next() {
		var (
			p           PluginRecord
			description sql.NullString
			path        sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.Version, &description, &p.Source, &path,
			&p.Enabled, &p.InstalledAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan plugin: %w", err)
		}
		p.Description = description.String
		p.Path = path.String
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetPluginEnabled toggles a plugin record.
func (s *SQLStore) SetPluginEnabled(ctx context.Context, id string, enabled bool) error {
	return s.execOne(ctx, "set plugin enabled",
		`UPDATE credential_provider_plugins SET enabled = ?, updated_at = ? WHERE id = ?`, enabled, s.now(), id)
}

// Get reads a key from a plugin's storage namespace.
func (s *SQLStore) Get(ctx context.Context, pluginID, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, s.bind(`SELECT value FROM plugin_storage WHERE plugin_id = ? AND key = ?`),
		pluginID, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage get: %w", err)
	}
	return v, true, nil
}

// Set writes a key in a plugin's storage namespace.
func (s *SQLStore) Set(ctx context.Context, pluginID, key, value string) error {
	q := s.bind(`
INSERT INTO plugin_storage(plugin_id, key, value, updated_at) VALUES(?, ?, ?, ?)
ON CONFLICT(plugin_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, q, pluginID, key, value, s.now()); err != nil {
		return fmt.Errorf("storage set: %w", err)
	}
	return nil
}

// Delete removes a key from a plugin's storage namespace. Missing keys are
// not an error.
func (s *SQLStore) Delete(ctx context.Context, pluginID, key string) error {
	if _, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM plugin_storage WHERE plugin_id = ? AND key = ?`),
		pluginID, key); err != nil {
		return fmt.Errorf("storage delete: %w", err)
	}
	return nil
}

// Query runs a SELECT admitted by the SDK guard and returns every row.
func (s *SQLStore) Query(ctx context.Context, query string, args []any) (*sdk.QueryResult, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	res := &sdk.QueryResult{Columns: cols, Rows: make([][]any, 0)}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, vals)
	}
	return res, rows.Err()
}

// Execute runs a write admitted by the SDK guard.
func (s *SQLStore) Execute(ctx context.Context, stmt string, args []any) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.bind(stmt), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) execOne(ctx context.Context, op, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.bind(q), args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) scanCredential(scanner interface {
	Scan(dest ...any) error
}) (*CredentialRecord, error) {
	var (
		rec         CredentialRecord
		displayName sql.NullString
		status      string
		sealed      string
		lastUsed    sql.NullTime
		lastErr     sql.NullTime
		lastErrMsg  sql.NullString
	)
	if err := scanner.Scan(&rec.ID, &rec.PluginID, &rec.AuthType, &displayName, &status, &sealed,
		&rec.UsageCount, &rec.ErrorCount, &lastUsed, &lastErr, &lastErrMsg, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	config, err := s.opts.open(sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential %s: %w", rec.ID, err)
	}
	rec.Config = config
	rec.DisplayName = displayName.String
	rec.Status = ParseStatus(status)
	rec.LastErrorMessage = lastErrMsg.String
	if lastUsed.Valid {
		t := lastUsed.Time
		rec.LastUsedAt = &t
	}
	if lastErr.Valid {
		t := lastErr.Time
		rec.LastErrorAt = &t
	}
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *SQLStore) bind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var (
		b      strings.Builder
		argNum = 1
	)
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteString(fmt.Sprintf("$%d", argNum))
			argNum++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
