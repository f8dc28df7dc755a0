// Package credstore keeps the credentials of an in-process plugin in the host
// store and rotates through the active ones.
package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ferro-labs/credential-gateway/internal/store"
	"github.com/ferro-labs/credential-gateway/plugin"
)

// Set is the credential set of one plugin.
type Set struct {
	pluginID string
	store    store.Store
	schemas  map[string]*jsonschema.Schema

	mu     sync.Mutex
	cursor int
}

// New compiles schemas and binds the set to st. A nil st gets a private
// MemoryStore.
func New(pluginID string, st store.Store, schemas map[string]json.RawMessage) (*Set, error) {
	if st == nil {
		st = store.NewMemoryStore()
	}
	s := &Set{pluginID: pluginID, store: st, schemas: make(map[string]*jsonschema.Schema, len(schemas))}
	for authType, raw := range schemas {
		compiled, err := plugin.CompileSchema(pluginID+"-"+authType, raw)
		if err != nil {
			return nil, plugin.NewError(plugin.KindInit, pluginID, "compiling "+authType+" schema", err)
		}
		s.schemas[authType] = compiled
	}
	return s, nil
}

// Store returns the backing store.
func (s *Set) Store() store.Store { return s.store }

// Create validates config against the auth type's schema and stores it under a
// fresh id. The "name" field of config, when present, becomes the display
// name.
func (s *Set) Create(ctx context.Context, authType string, config json.RawMessage) (string, error) {
	schema, ok := s.schemas[authType]
	if !ok {
		return "", plugin.Errorf(plugin.KindConfigParse, s.pluginID, "unsupported auth type %q", authType)
	}
	if err := plugin.ValidateConfig(s.pluginID, schema, config); err != nil {
		return "", err
	}
	var named struct {
		Name string `json:"name"`
	}
	_ = json.Unmarshal(config, &named)

	rec, err := s.store.CreateCredential(ctx, store.NewCredential{
		ID:          uuid.NewString(),
		PluginID:    s.pluginID,
		AuthType:    authType,
		DisplayName: named.Name,
		Config:      string(config),
	})
	if err != nil {
		return "", plugin.NewError(plugin.KindIO, s.pluginID, "storing credential", err)
	}
	return rec.ID, nil
}

// Get returns the credential id if it belongs to this plugin.
func (s *Set) Get(ctx context.Context, id string) (*store.CredentialRecord, error) {
	rec, err := s.store.GetCredential(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && rec.PluginID != s.pluginID) {
		return nil, plugin.Errorf(plugin.KindValidation, s.pluginID, "credential %s not found", id)
	}
	if err != nil {
		return nil, plugin.NewError(plugin.KindIO, s.pluginID, "loading credential", err)
	}
	return rec, nil
}

// Next returns the next active credential in rotation that accept admits.
// A nil accept admits every active credential.
func (s *Set) Next(ctx context.Context, accept func(*store.CredentialRecord) bool) (*store.CredentialRecord, error) {
	all, err := s.store.ListByPlugin(ctx, s.pluginID)
	if err != nil {
		return nil, plugin.NewError(plugin.KindIO, s.pluginID, "listing credentials", err)
	}
	active := all[:0]
	for _, rec := range all {
		if rec.Status == store.StatusActive && (accept == nil || accept(rec)) {
			active = append(active, rec)
		}
	}
	if len(active) == 0 {
		return nil, plugin.NewError(plugin.KindAcquire, s.pluginID, "no active credential", nil)
	}

	s.mu.Lock()
	idx := s.cursor % len(active)
	s.cursor = idx + 1
	s.mu.Unlock()
	return active[idx], nil
}

// Release records the outcome of one use. An authentication failure expires
// the credential; MarkUnhealthy moves it to the error status.
func (s *Set) Release(ctx context.Context, id string, result plugin.UsageResult) error {
	if _, err := s.Get(ctx, id); err != nil {
		return plugin.NewError(plugin.KindRelease, s.pluginID, "releasing "+id, err)
	}
	var err error
	switch {
	case result.IsSuccess():
		err = s.store.RecordUsage(ctx, id)
	default:
		err = s.store.RecordError(ctx, id, result.Message)
		if err == nil && result.ErrorType == plugin.ErrTypeAuthentication {
			err = s.store.UpdateStatus(ctx, id, store.StatusExpired)
		} else if err == nil && result.MarkUnhealthy {
			err = s.store.UpdateStatus(ctx, id, store.StatusError)
		}
	}
	if err != nil {
		return plugin.NewError(plugin.KindRelease, s.pluginID, "recording usage", err)
	}
	return nil
}

// Replace overwrites the stored config of id with v encoded as JSON.
func (s *Set) Replace(ctx context.Context, id string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return plugin.NewError(plugin.KindJSON, s.pluginID, "encoding config", err)
	}
	if err := s.store.UpdateConfig(ctx, id, string(raw)); err != nil {
		return plugin.NewError(plugin.KindIO, s.pluginID, fmt.Sprintf("updating credential %s", id), err)
	}
	return nil
}
