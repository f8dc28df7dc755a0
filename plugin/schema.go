package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// CompileSchema compiles a credential schema. name only labels errors.
func CompileSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	url := "mem://credential-schemas/" + name + ".json"
	if err := c.AddResource(url, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	return s, nil
}

// ValidateConfig checks config against s and returns a KindConfigParse error
// naming the first violation.
func ValidateConfig(pluginID string, s *jsonschema.Schema, config json.RawMessage) error {
	dec := json.NewDecoder(bytes.NewReader(config))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return NewError(KindConfigParse, pluginID, "config is not valid JSON", err)
	}
	if err := s.Validate(doc); err != nil {
		return NewError(KindConfigParse, pluginID, err.Error(), err)
	}
	return nil
}
