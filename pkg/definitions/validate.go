package definitions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"oxo/pkg/definitions/schema"
)

const (
	agentSchemaFile      = "agent.json"
	agentGroupSchemaFile = "agent_group.json"
)

// ValidationError reports a definition document rejected by its schema.
type ValidationError struct {
	Kind string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s definition: %v", e.Kind, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

var (
	schemasMu sync.Mutex
	schemas   = map[string]*jsonschema.Schema{}
)

func compiled(name string) (*jsonschema.Schema, error) {
	schemasMu.Lock()
	defer schemasMu.Unlock()
	if s, ok := schemas[name]; ok {
		return s, nil
	}

	raw, err := schema.Files.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	s, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	schemas[name] = s
	return s, nil
}

// validate checks a YAML document against the named schema. The document is
// normalised through JSON so numbers reach the validator as float64.
func validate(schemaName string, data []byte) error {
	s, err := compiled(schemaName)
	if err != nil {
		return err
	}

	kind := "Agent"
	if schemaName == agentGroupSchemaFile {
		kind = "AgentGroup"
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return &ValidationError{Kind: kind, Err: err}
	}
	normalised, err := json.Marshal(doc)
	if err != nil {
		return &ValidationError{Kind: kind, Err: err}
	}
	var v any
	if err := json.Unmarshal(normalised, &v); err != nil {
		return &ValidationError{Kind: kind, Err: err}
	}
	if err := s.Validate(v); err != nil {
		return &ValidationError{Kind: kind, Err: err}
	}
	return nil
}
