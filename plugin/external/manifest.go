// Package external discovers plugin directories and adapts plugin
// executables to plugin.Plugin over JSON-RPC.
//
// A plugin directory holds a manifest (plugin.json, or plugin.yaml), an
// optional config.json and the executable, either under bin/ or at the
// directory root.
package external

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ferro-labs/credential-gateway/plugin"
	"github.com/ferro-labs/credential-gateway/sdk"
)

// PluginType is the only manifest plugin_type this loader accepts.
const PluginType = "oauth_provider"

// Manifest file names, in lookup order.
const (
	ManifestJSON = "plugin.json"
	ManifestYAML = "plugin.yaml"
)

// Manifest describes an external plugin.
type Manifest struct {
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version" yaml:"version"`
	Description string `json:"description" yaml:"description"`
	Author      string `json:"author,omitempty" yaml:"author,omitempty"`
	Homepage    string `json:"homepage,omitempty" yaml:"homepage,omitempty"`
	License     string `json:"license,omitempty" yaml:"license,omitempty"`
	PluginType  string `json:"plugin_type" yaml:"plugin_type"`
	// Entry is the executable name used when no platform binary matches.
	Entry      string `json:"entry" yaml:"entry"`
	MinVersion string `json:"min_version,omitempty" yaml:"min_version,omitempty"`

	Provider ProviderManifest `json:"provider" yaml:"provider"`
	Binary   *BinaryManifest  `json:"binary,omitempty" yaml:"binary,omitempty"`

	// Permissions are the SDK capabilities the plugin requests.
	Permissions []string `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	// Persistent selects a long-lived worker process instead of one process
	// per call.
	Persistent bool `json:"persistent,omitempty" yaml:"persistent,omitempty"`
}

// ProviderManifest is the provider section of a manifest.
type ProviderManifest struct {
	ID                string                    `json:"id" yaml:"id"`
	DisplayName       string                    `json:"display_name" yaml:"display_name"`
	TargetProtocol    string                    `json:"target_protocol" yaml:"target_protocol"`
	SupportedModels   []string                  `json:"supported_models" yaml:"supported_models"`
	AuthTypes         []string                  `json:"auth_types" yaml:"auth_types"`
	CredentialSchemas map[string]map[string]any `json:"credential_schemas,omitempty" yaml:"credential_schemas,omitempty"`
}

// BinaryManifest maps platforms to executables.
type BinaryManifest struct {
	BinaryName       string            `json:"binary_name" yaml:"binary_name"`
	GithubOwner      string            `json:"github_owner,omitempty" yaml:"github_owner,omitempty"`
	GithubRepo       string            `json:"github_repo,omitempty" yaml:"github_repo,omitempty"`
	PlatformBinaries map[string]string `json:"platform_binaries" yaml:"platform_binaries"`
	ChecksumFile     string            `json:"checksum_file,omitempty" yaml:"checksum_file,omitempty"`
}

// ErrNoManifest is returned for directories without a manifest.
var ErrNoManifest = errors.New("no plugin manifest")

// ReadManifest parses the manifest in dir without validating it.
func ReadManifest(dir string) (*Manifest, error) {
	var m Manifest
	raw, err := os.ReadFile(filepath.Join(dir, ManifestJSON))
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, plugin.NewError(plugin.KindJSON, "", "parsing "+ManifestJSON, err)
		}
		return &m, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, plugin.NewError(plugin.KindIO, "", "reading "+ManifestJSON, err)
	}

	raw, err = os.ReadFile(filepath.Join(dir, ManifestYAML))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoManifest
	}
	if err != nil {
		return nil, plugin.NewError(plugin.KindIO, "", "reading "+ManifestYAML, err)
	}
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, plugin.NewError(plugin.KindConfigParse, "", "parsing "+ManifestYAML, err)
	}
	return &m, nil
}

// Validate checks the manifest type, identity, permissions and that every
// credential schema compiles.
func (m *Manifest) Validate() error {
	if m.PluginType != PluginType {
		return plugin.Errorf(plugin.KindInit, m.Provider.ID, "invalid plugin type %q (expected %s)", m.PluginType, PluginType)
	}
	if m.Provider.ID == "" {
		return plugin.NewError(plugin.KindInit, "", "manifest provider.id is required", nil)
	}
	if m.Entry == "" && (m.Binary == nil || len(m.Binary.PlatformBinaries) == 0) {
		return plugin.NewError(plugin.KindInit, m.Provider.ID, "manifest declares no executable", nil)
	}
	if _, err := sdk.ParsePermissions(m.Permissions); err != nil {
		return plugin.NewError(plugin.KindInit, m.Provider.ID, err.Error(), err)
	}
	for _, authType := range m.schemaNames() {
		if _, err := plugin.CompileSchema(authType, m.Schema(authType)); err != nil {
			return plugin.NewError(plugin.KindInit, m.Provider.ID, "invalid credential schema", err)
		}
	}
	return nil
}

func (m *Manifest) schemaNames() []string {
	names := make([]string, 0, len(m.Provider.CredentialSchemas))
	for name := range m.Provider.CredentialSchemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schema returns the credential schema for authType as JSON, or nil.
func (m *Manifest) Schema(authType string) json.RawMessage {
	s, ok := m.Provider.CredentialSchemas[authType]
	if !ok {
		return nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	return raw
}

// Protocol maps target_protocol to a StandardProtocol, defaulting to
// anthropic.
func (m *Manifest) Protocol() plugin.StandardProtocol {
	switch p := plugin.StandardProtocol(m.Provider.TargetProtocol); p {
	case plugin.ProtocolAnthropic, plugin.ProtocolOpenAI, plugin.ProtocolGemini,
		plugin.ProtocolQwen, plugin.ProtocolOpenAICompat:
		return p
	default:
		return plugin.ProtocolAnthropic
	}
}

// ExecutableName returns the executable for platformKey.
func (m *Manifest) ExecutableName(platformKey string) string {
	if m.Binary != nil {
		if name, ok := m.Binary.PlatformBinaries[platformKey]; ok && name != "" {
			return name
		}
	}
	return m.Entry
}

func (m *Manifest) String() string {
	return fmt.Sprintf("%s v%s", m.Provider.ID, m.Version)
}
