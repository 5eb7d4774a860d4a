package definitions

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"oxo/pkg/message"
)

const (
	// DefaultOwner is used for agent keys when a definition does not carry one.
	DefaultOwner = "oxo"

	imageNamespace = "agent"
	defaultVersion = "latest"
)

// Arg is a named agent argument with an optional default value.
type Arg struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type,omitempty" json:"type,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Value       any    `yaml:"value,omitempty" json:"value,omitempty"`
}

// PortMapping publishes a container port on the host.
type PortMapping struct {
	SourcePort      int `yaml:"src_port" json:"src_port"`
	DestinationPort int `yaml:"dest_port" json:"dest_port"`
}

// AgentDefinition is the static identity of an agent, parsed from its
// definition file. Values are treated as read-only once parsed.
type AgentDefinition struct {
	Kind            string             `yaml:"kind" json:"kind"`
	Key             string             `yaml:"key,omitempty" json:"key,omitempty"`
	Name            string             `yaml:"name" json:"name"`
	Version         string             `yaml:"version,omitempty" json:"version,omitempty"`
	Description     string             `yaml:"description,omitempty" json:"description,omitempty"`
	Image           string             `yaml:"image,omitempty" json:"image,omitempty"`
	InSelectors     []message.Selector `yaml:"in_selectors,omitempty" json:"in_selectors,omitempty"`
	OutSelectors    []message.Selector `yaml:"out_selectors,omitempty" json:"out_selectors,omitempty"`
	Args            []Arg              `yaml:"args,omitempty" json:"args,omitempty"`
	Constraints     []string           `yaml:"constraints,omitempty" json:"constraints,omitempty"`
	Mounts          []string           `yaml:"mounts,omitempty" json:"mounts,omitempty"`
	RestartPolicy   string             `yaml:"restart_policy,omitempty" json:"restart_policy,omitempty"`
	MemLimit        int64              `yaml:"mem_limit,omitempty" json:"mem_limit,omitempty"`
	OpenPorts       []PortMapping      `yaml:"open_ports,omitempty" json:"open_ports,omitempty"`
	HealthcheckPort int                `yaml:"healthcheck_port,omitempty" json:"healthcheck_port,omitempty"`
}

// ParseAgentDefinition validates and decodes an agent definition document.
func ParseAgentDefinition(r io.Reader) (AgentDefinition, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return AgentDefinition{}, fmt.Errorf("read agent definition: %w", err)
	}
	if err := validate(agentSchemaFile, data); err != nil {
		return AgentDefinition{}, err
	}

	var def AgentDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return AgentDefinition{}, fmt.Errorf("decode agent definition: %w", err)
	}
	for _, s := range slices.Concat(def.InSelectors, def.OutSelectors) {
		if err := s.Validate(); err != nil {
			return AgentDefinition{}, &ValidationError{Kind: "Agent", Err: err}
		}
	}
	return def, nil
}

// LoadAgentDefinition reads and parses the agent definition at path.
func LoadAgentDefinition(path string) (AgentDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		return AgentDefinition{}, err
	}
	defer f.Close()
	return ParseAgentDefinition(f)
}

// Encode returns the definition as the YAML document mounted into containers.
func (d AgentDefinition) Encode() ([]byte, error) {
	return yaml.Marshal(d)
}

// AgentKey returns the registry key of the agent, agent/<owner>/<name>.
func (d AgentDefinition) AgentKey() string {
	if d.Key != "" {
		return d.Key
	}
	return imageNamespace + "/" + DefaultOwner + "/" + d.Name
}

// ImageTag resolves the container image for the definition.
func (d AgentDefinition) ImageTag() (string, error) {
	if d.Image != "" {
		return d.Image, nil
	}
	return ImageTag(d.AgentKey(), d.Version)
}

// ImageTag derives the deterministic image reference agent_<owner>_<name>:<version>
// from an agent key of the form agent/<owner>/<name>.
func ImageTag(key, version string) (string, error) {
	owner, name, err := SplitKey(key)
	if err != nil {
		return "", err
	}
	if version == "" {
		version = defaultVersion
	}
	return fmt.Sprintf("%s_%s_%s:%s", imageNamespace, owner, name, version), nil
}

// SplitKey splits an agent key into owner and name.
func SplitKey(key string) (owner, name string, err error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] != imageNamespace || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("invalid agent key %q, want agent/<owner>/<name>", key)
	}
	return parts[1], parts[2], nil
}

// ResolveArgs merges definition defaults with overrides. Overrides for
// arguments the definition does not declare are rejected.
func ResolveArgs(declared, overrides []Arg) (map[string]any, error) {
	values := make(map[string]any, len(declared))
	for _, a := range declared {
		values[a.Name] = a.Value
	}
	for _, o := range overrides {
		if _, ok := values[o.Name]; !ok {
			return nil, fmt.Errorf("argument %q is not declared in the agent definition", o.Name)
		}
		values[o.Name] = o.Value
	}
	return values, nil
}
