package plugin

import (
	"context"
	"encoding/json"
	"path"
	"strings"
)

// MatchModel reports whether model matches the glob pattern. A malformed
// pattern only matches itself.
func MatchModel(pattern, model string) bool {
	ok, err := path.Match(pattern, model)
	if err != nil {
		return pattern == model
	}
	return ok
}

// Base supplies identity and no-op defaults for in-process plugins. Embed it
// and override what the provider needs.
type Base struct {
	PluginID       string
	Name           string
	PluginVersion  string
	About          string
	Protocol       StandardProtocol
	Families       []ModelFamily
	AuthTypes      []AuthTypeInfo
	Schemas        map[string]json.RawMessage
	ProtocolByGlob map[string]StandardProtocol
}

func (b *Base) ID() string                       { return b.PluginID }
func (b *Base) DisplayName() string              { return b.Name }
func (b *Base) Version() string                  { return b.PluginVersion }
func (b *Base) Description() string              { return b.About }
func (b *Base) TargetProtocol() StandardProtocol { return b.Protocol }
func (b *Base) ModelFamilies() []ModelFamily     { return b.Families }
func (b *Base) SupportedAuthTypes() []AuthTypeInfo {
	return b.AuthTypes
}

// TargetProtocolForModel checks ProtocolByGlob before the default protocol.
func (b *Base) TargetProtocolForModel(model string) StandardProtocol {
	for pattern, proto := range b.ProtocolByGlob {
		if MatchModel(pattern, model) {
			return proto
		}
	}
	return b.Protocol
}

// CredentialSchema returns the schema registered for authType.
func (b *Base) CredentialSchema(authType string) json.RawMessage {
	return b.Schemas[authType]
}

// SupportsModel matches model against the declared family patterns.
func (b *Base) SupportsModel(model string) bool {
	for _, f := range b.Families {
		if MatchModel(f.Pattern, model) {
			return true
		}
	}
	return false
}

// SupportsAuthType reports whether authType is declared.
func (b *Base) SupportsAuthType(authType string) bool {
	for _, a := range b.AuthTypes {
		if strings.EqualFold(a.ID, authType) {
			return true
		}
	}
	return false
}

func (b *Base) TransformRequest(context.Context, map[string]any) error  { return nil }
func (b *Base) TransformResponse(context.Context, map[string]any) error { return nil }
func (b *Base) ApplyRiskControl(context.Context, map[string]any, string) error {
	return nil
}

// ParseError falls back to status-code classification.
func (b *Base) ParseError(status int, body string) *ProviderError {
	return ClassifyStatus(status, body)
}

// RefreshToken reports that the plugin has nothing to refresh.
func (b *Base) RefreshToken(context.Context, string) (*TokenRefreshResult, error) {
	return nil, NewError(KindTokenRefresh, b.PluginID, "token refresh not supported", nil)
}

func (b *Base) Init(context.Context) error     { return nil }
func (b *Base) Shutdown(context.Context) error { return nil }
