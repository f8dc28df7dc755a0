package credsync

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const inventory = `
- provider: anthropic
  credentials:
    - id: claude-1
      auth_type: oauth
      config:
        access_token: at-1
        refresh_token: rt-1
    - id: claude-2
      auth_type: oauth
- provider: openai
  credentials:
    - id: sk-team
      config:
        api_key: sk-123
        base_url: https://api.openai.com/v1
`

func TestParse(t *testing.T) {
	entries, err := Parse([]byte(inventory))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len = %d, want 3", len(entries))
	}

	first := entries[0]
	if first.Provider != "anthropic" || first.CredentialID != "claude-1" || first.AuthType != "oauth" {
		t.Errorf("first = %+v", first)
	}
	var cfg map[string]string
	if err := json.Unmarshal(first.Config, &cfg); err != nil {
		t.Fatalf("config is not JSON: %v", err)
	}
	if cfg["access_token"] != "at-1" || cfg["refresh_token"] != "rt-1" {
		t.Errorf("config = %v", cfg)
	}

	if string(entries[1].Config) != "{}" {
		t.Errorf("missing config = %s, want {}", entries[1].Config)
	}
	if entries[2].AuthType != "api_key" {
		t.Errorf("default auth type = %q", entries[2].AuthType)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"no provider", "- credentials:\n    - id: a\n", "provider is required"},
		{"no id", "- provider: openai\n  credentials:\n    - auth_type: api_key\n", "id is required"},
		{"duplicate", "- provider: openai\n  credentials:\n    - id: a\n- provider: OpenAI\n  credentials:\n    - id: a\n", "duplicate"},
		{"not a list", "provider: openai\n", "parsing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.yaml")
	src := NewFileSource(path)

	entries, err := src.Entries(context.Background())
	if err != nil || len(entries) != 0 {
		t.Fatalf("missing file: entries=%v err=%v", entries, err)
	}

	if err := os.WriteFile(path, []byte(inventory), 0o600); err != nil {
		t.Fatal(err)
	}
	entries, err = src.Entries(context.Background())
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("len = %d, want 3", len(entries))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src.Entries(ctx); err == nil {
		t.Error("cancelled context should fail")
	}
}
