package runtime

import (
	"context"
	"io"

	"oxo/pkg/definitions"
)

const (
	// LabelUniverse tags every resource created for a scan with its id.
	LabelUniverse = "oxo.universe"
	// LabelAgentDefinition is the image label carrying the agent definition.
	LabelAgentDefinition = "agent_definition"
)

// ConfigRef mounts an engine config object into a service at Target.
type ConfigRef struct {
	Name   string
	Target string
}

// ServiceSpec describes one replicated container service.
type ServiceSpec struct {
	Name             string
	Image            string
	Network          string
	Hostname         string
	Labels           map[string]string
	Env              []string
	Replicas         int
	MemLimit         int64
	Ports            []definitions.PortMapping
	Mounts           []string
	Constraints      []string
	RestartCondition string
	Configs          []ConfigRef
	HealthCmd        string
}

// Engine is the container orchestration backend of the local runtime.
type Engine interface {
	// EnsureCluster makes the engine ready to run services.
	EnsureCluster(ctx context.Context) error
	ImageExists(ctx context.Context, image string) (bool, error)
	// ImageLabel returns the value of label on image, empty when unset.
	ImageLabel(ctx context.Context, image, label string) (string, error)

	CreateNetwork(ctx context.Context, name string, labels map[string]string) error
	RemoveNetwork(ctx context.Context, name string) error
	ListNetworks(ctx context.Context, label string) ([]string, error)

	CreateConfig(ctx context.Context, name string, labels map[string]string, data []byte) error
	RemoveConfig(ctx context.Context, name string) error
	ListConfigs(ctx context.Context, label string) ([]string, error)

	CreateService(ctx context.Context, spec ServiceSpec) error
	RemoveService(ctx context.Context, name string) error
	ListServices(ctx context.Context, label string) ([]string, error)

	// RunningTasks counts the service tasks currently running and healthy.
	RunningTasks(ctx context.Context, name string) (int, error)
	// PublishedPort returns the host port mapped to target on the service.
	PublishedPort(ctx context.Context, name string, target int) (int, error)
	// Logs follows the service output until ctx is done or the reader is closed.
	Logs(ctx context.Context, name string) (io.ReadCloser, error)
}
