package definitions

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"oxo/pkg/message"
)

const (
	// MaxReplicas bounds the number of replicas a single agent may request.
	MaxReplicas = 100

	DefaultHealthcheckHost = "0.0.0.0"
	DefaultHealthcheckPort = 5000

	// SettingsPath is where an agent container finds its instance settings.
	SettingsPath = "/tmp/settings.json"
	// DefinitionPath is where an agent container finds its definition.
	DefinitionPath = "/tmp/oxo.yaml"
)

// AgentSettings binds an agent definition to a concrete runtime: bus, health
// port, persistence store and per-scan overrides.
type AgentSettings struct {
	Key                   string             `yaml:"key" json:"key"`
	Version               string             `yaml:"version,omitempty" json:"version,omitempty"`
	BusURL                string             `yaml:"bus_url,omitempty" json:"bus_url,omitempty"`
	BusExchangeTopic      string             `yaml:"bus_exchange_topic,omitempty" json:"bus_exchange_topic,omitempty"`
	BusManagementURL      string             `yaml:"bus_management_url,omitempty" json:"bus_management_url,omitempty"`
	BusVHost              string             `yaml:"bus_vhost,omitempty" json:"bus_vhost,omitempty"`
	Args                  []Arg              `yaml:"args,omitempty" json:"args,omitempty"`
	Constraints           []string           `yaml:"constraints,omitempty" json:"constraints,omitempty"`
	Mounts                []string           `yaml:"mounts,omitempty" json:"mounts,omitempty"`
	RestartPolicy         string             `yaml:"restart_policy,omitempty" json:"restart_policy,omitempty"`
	MemLimit              int64              `yaml:"mem_limit,omitempty" json:"mem_limit,omitempty"`
	OpenPorts             []PortMapping      `yaml:"open_ports,omitempty" json:"open_ports,omitempty"`
	Replicas              int                `yaml:"replicas,omitempty" json:"replicas,omitempty"`
	HealthcheckHost       string             `yaml:"healthcheck_host,omitempty" json:"healthcheck_host,omitempty"`
	HealthcheckPort       int                `yaml:"healthcheck_port,omitempty" json:"healthcheck_port,omitempty"`
	RedisURL              string             `yaml:"redis_url,omitempty" json:"redis_url,omitempty"`
	TracingCollectorURL   string             `yaml:"tracing_collector_url,omitempty" json:"tracing_collector_url,omitempty"`
	CyclicProcessingLimit int                `yaml:"cyclic_processing_limit,omitempty" json:"cyclic_processing_limit,omitempty"`
	DepthProcessingLimit  int                `yaml:"depth_processing_limit,omitempty" json:"depth_processing_limit,omitempty"`
	AcceptedAgents        []string           `yaml:"accepted_agents,omitempty" json:"accepted_agents,omitempty"`
	InSelectors           []message.Selector `yaml:"in_selectors,omitempty" json:"in_selectors,omitempty"`
}

// ClampReplicas bounds replicas to [1, MaxReplicas].
func ClampReplicas(replicas int) int {
	switch {
	case replicas < 1:
		return 1
	case replicas > MaxReplicas:
		return MaxReplicas
	default:
		return replicas
	}
}

// WithDefaults fills health defaults and clamps replicas.
func (s AgentSettings) WithDefaults() AgentSettings {
	s.Replicas = ClampReplicas(s.Replicas)
	if s.HealthcheckHost == "" {
		s.HealthcheckHost = DefaultHealthcheckHost
	}
	if s.HealthcheckPort == 0 {
		s.HealthcheckPort = DefaultHealthcheckPort
	}
	return s
}

// Image resolves the container image referenced by the settings key.
func (s AgentSettings) Image() (string, error) {
	return ImageTag(s.Key, s.Version)
}

// SettingsFor returns default settings for a definition, copying its
// container properties.
func SettingsFor(def AgentDefinition) AgentSettings {
	return AgentSettings{
		Key:             def.AgentKey(),
		Version:         def.Version,
		Constraints:     def.Constraints,
		Mounts:          def.Mounts,
		RestartPolicy:   def.RestartPolicy,
		MemLimit:        def.MemLimit,
		OpenPorts:       def.OpenPorts,
		HealthcheckPort: def.HealthcheckPort,
	}.WithDefaults()
}

// DefinitionFor builds the minimal definition implied by settings when no
// definition file is at hand.
func DefinitionFor(s AgentSettings) (AgentDefinition, error) {
	_, name, err := SplitKey(s.Key)
	if err != nil {
		return AgentDefinition{}, err
	}
	return AgentDefinition{
		Kind:            "Agent",
		Key:             s.Key,
		Name:            name,
		Version:         s.Version,
		InSelectors:     s.InSelectors,
		Constraints:     s.Constraints,
		Mounts:          s.Mounts,
		RestartPolicy:   s.RestartPolicy,
		MemLimit:        s.MemLimit,
		OpenPorts:       s.OpenPorts,
		HealthcheckPort: s.HealthcheckPort,
	}, nil
}

// WithSettings lays the container properties of s over d. Selectors and
// arguments declared by d are kept; in selectors set by s replace them.
func (d AgentDefinition) WithSettings(s AgentSettings) AgentDefinition {
	if s.Key != "" {
		d.Key = s.Key
	}
	if s.Version != "" {
		d.Version = s.Version
	}
	if len(s.InSelectors) > 0 {
		d.InSelectors = slices.Clone(s.InSelectors)
	}
	if len(s.Constraints) > 0 {
		d.Constraints = slices.Clone(s.Constraints)
	}
	if len(s.Mounts) > 0 {
		d.Mounts = slices.Clone(s.Mounts)
	}
	if s.RestartPolicy != "" {
		d.RestartPolicy = s.RestartPolicy
	}
	if s.MemLimit > 0 {
		d.MemLimit = s.MemLimit
	}
	if len(s.OpenPorts) > 0 {
		d.OpenPorts = slices.Clone(s.OpenPorts)
	}
	if s.HealthcheckPort > 0 {
		d.HealthcheckPort = s.HealthcheckPort
	}
	return d
}

// LoadSettings reads instance settings written by the runtime.
func LoadSettings(path string) (AgentSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return AgentSettings{}, fmt.Errorf("read settings: %w", err)
	}
	return ParseSettings(data)
}

// ParseSettings decodes a settings document.
func ParseSettings(data []byte) (AgentSettings, error) {
	var s AgentSettings
	if err := json.Unmarshal(data, &s); err != nil {
		return AgentSettings{}, fmt.Errorf("parse settings: %w", err)
	}
	return s.WithDefaults(), nil
}

// Encode returns the settings as the JSON document mounted into containers.
func (s AgentSettings) Encode() ([]byte, error) {
	return json.Marshal(s)
}
