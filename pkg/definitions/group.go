package definitions

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgentGroupDefinition is a named set of agent settings run together.
type AgentGroupDefinition struct {
	Kind        string          `yaml:"kind" json:"kind"`
	Name        string          `yaml:"name,omitempty" json:"name,omitempty"`
	Description string          `yaml:"description,omitempty" json:"description,omitempty"`
	Agents      []AgentSettings `yaml:"agents" json:"agents"`
}

// ParseAgentGroup validates and decodes an agent group document.
func ParseAgentGroup(r io.Reader) (AgentGroupDefinition, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return AgentGroupDefinition{}, fmt.Errorf("read agent group: %w", err)
	}
	if err := validate(agentGroupSchemaFile, data); err != nil {
		return AgentGroupDefinition{}, err
	}

	var group AgentGroupDefinition
	if err := yaml.Unmarshal(data, &group); err != nil {
		return AgentGroupDefinition{}, fmt.Errorf("decode agent group: %w", err)
	}
	for i := range group.Agents {
		group.Agents[i] = group.Agents[i].WithDefaults()
	}
	if group.Description == "" {
		group.Description = "Agent group : " + strings.Join(group.Keys(), ",")
	}
	return group, nil
}

// LoadAgentGroup reads and parses the agent group file at path.
func LoadAgentGroup(path string) (AgentGroupDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		return AgentGroupDefinition{}, err
	}
	defer f.Close()
	return ParseAgentGroup(f)
}

// Keys lists the agent keys of the group in declaration order.
func (g AgentGroupDefinition) Keys() []string {
	keys := make([]string, 0, len(g.Agents))
	for _, a := range g.Agents {
		keys = append(keys, a.Key)
	}
	return keys
}
