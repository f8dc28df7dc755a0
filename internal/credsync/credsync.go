// Package credsync reads credential inventories published by an external
// orchestrator so the manager can seed its pools from them.
//
// The file format is a YAML (or JSON) list of provider blocks:
//
//	- provider: anthropic
//	  credentials:
//	    - id: claude-team-1
//	      auth_type: oauth
//	      config:
//	        access_token: ...
package credsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ferro-labs/credential-gateway/credential"
)

// Entry is one credential announced by the orchestrator.
type Entry struct {
	Provider     string          `json:"provider"`
	CredentialID string          `json:"credential_id"`
	AuthType     string          `json:"auth_type"`
	Config       json.RawMessage `json:"config"`
}

// Source yields the current orchestrator inventory.
type Source interface {
	Entries(ctx context.Context) ([]Entry, error)
}

type providerBlock struct {
	Provider    string `yaml:"provider"`
	Credentials []struct {
		ID       string         `yaml:"id"`
		AuthType string         `yaml:"auth_type"`
		Config   map[string]any `yaml:"config"`
	} `yaml:"credentials"`
}

// Parse decodes an inventory document. A credential without auth_type is an
// api_key credential; one without config gets an empty object.
func Parse(data []byte) ([]Entry, error) {
	var blocks []providerBlock
	if err := yaml.Unmarshal(data, &blocks); err != nil {
		return nil, fmt.Errorf("parsing credential inventory: %w", err)
	}

	seen := make(map[string]bool)
	var out []Entry
	for i, b := range blocks {
		provider := strings.TrimSpace(b.Provider)
		if provider == "" {
			return nil, fmt.Errorf("credential inventory: block %d: provider is required", i)
		}
		for j, c := range b.Credentials {
			if c.ID == "" {
				return nil, fmt.Errorf("credential inventory: %s credential %d: id is required", provider, j)
			}
			key := strings.ToLower(provider) + "/" + c.ID
			if seen[key] {
				return nil, fmt.Errorf("credential inventory: duplicate credential %s", key)
			}
			seen[key] = true

			authType := c.AuthType
			if authType == "" {
				authType = credential.AuthAPIKey
			}
			cfg := json.RawMessage(`{}`)
			if c.Config != nil {
				raw, err := json.Marshal(c.Config)
				if err != nil {
					return nil, fmt.Errorf("credential inventory: %s: encoding config: %w", key, err)
				}
				cfg = raw
			}
			out = append(out, Entry{Provider: provider, CredentialID: c.ID, AuthType: authType, Config: cfg})
		}
	}
	return out, nil
}

// FileSource re-reads an inventory file on every call.
type FileSource struct {
	path string
}

// NewFileSource returns a Source backed by path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Path returns the inventory file path.
func (s *FileSource) Path() string { return s.path }

// Entries reads and parses the inventory file. A missing file is an empty
// inventory.
func (s *FileSource) Entries(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading credential inventory: %w", err)
	}
	return Parse(data)
}

// Static is a fixed in-memory inventory.
type Static []Entry

// Entries returns s.
func (s Static) Entries(context.Context) ([]Entry, error) { return s, nil }
