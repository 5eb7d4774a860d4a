package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"oxo/pkg/definitions"
	"oxo/pkg/message"
)

// ErrScanNotFound is returned when a scan id matches nothing the runtime knows.
var ErrScanNotFound = errors.New("scan not found")

// Asset is the initial target injected into a scan.
type Asset struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Selector returns the selector the asset is published on.
func (a Asset) Selector() message.Selector {
	return message.Selector("v3.asset." + a.Type)
}

// Validate checks that the asset type yields a valid selector.
func (a Asset) Validate() error {
	if a.Type == "" {
		return errors.New("asset type is required")
	}
	return a.Selector().Validate()
}

func (a Asset) String() string {
	raw, err := json.Marshal(a.Data)
	if err != nil {
		return a.Type
	}
	return a.Type + ":" + string(raw)
}

// RunDefinition lists the agents and agent groups of one scan.
type RunDefinition struct {
	Title       string
	Agents      []definitions.AgentDefinition
	AgentGroups []definitions.AgentGroupDefinition
}

// Instance pairs an agent definition with the settings it runs under.
type Instance struct {
	Definition definitions.AgentDefinition
	Settings   definitions.AgentSettings
	// Derived is set when Definition was built from group settings and the
	// full definition still has to be read from the agent image.
	Derived bool
}

// Image returns the container image of the instance.
func (i Instance) Image() (string, error) {
	return i.Definition.ImageTag()
}

// Instances flattens agents and agent groups into runnable instances.
func (r RunDefinition) Instances() ([]Instance, error) {
	out := make([]Instance, 0, len(r.Agents))
	for _, def := range r.Agents {
		out = append(out, Instance{Definition: def, Settings: definitions.SettingsFor(def)})
	}
	for _, group := range r.AgentGroups {
		for _, settings := range group.Agents {
			def, err := definitions.DefinitionFor(settings)
			if err != nil {
				return nil, fmt.Errorf("agent group %s: %w", group.Name, err)
			}
			out = append(out, Instance{Definition: def, Settings: settings.WithDefaults(), Derived: true})
		}
	}
	return out, nil
}

// Scan is the persisted summary of a scan.
type Scan struct {
	ID        string    `db:"id" json:"id"`
	Title     string    `db:"title" json:"title"`
	Asset     string    `db:"asset" json:"asset"`
	Runtime   Kind      `db:"runtime" json:"runtime"`
	State     State     `db:"state" json:"state"`
	Cause     string    `db:"cause" json:"cause,omitempty"`
	LogURL    string    `db:"log_url" json:"log_url,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Runtime runs scans.
type Runtime interface {
	// CanRun reports whether every agent of def can run on this runtime.
	CanRun(ctx context.Context, def RunDefinition) bool
	// Scan starts def against asset and returns once the scan is running.
	Scan(ctx context.Context, def RunDefinition, asset Asset) (*ScanHandle, error)
	// Stop tears a scan down. Stopping a stopped scan is a no-op.
	Stop(ctx context.Context, scanID string) error
	// List returns known scans, newest first.
	List(ctx context.Context) ([]Scan, error)
}

// Kind names a runtime implementation.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// RuntimeNotFoundError is returned for an unknown runtime kind.
type RuntimeNotFoundError struct {
	Kind Kind
}

func (e *RuntimeNotFoundError) Error() string {
	return fmt.Sprintf("runtime %q not found", string(e.Kind))
}

// ParseKind maps a flag value onto a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindLocal, KindRemote:
		return k, nil
	default:
		return "", &RuntimeNotFoundError{Kind: k}
	}
}

// Factory builds runtimes by kind. Constructors are invoked lazily so a
// remote-only invocation never touches the container engine.
type Factory struct {
	Local  func() (Runtime, error)
	Remote func() (Runtime, error)
}

// New returns the runtime registered for kind.
func (f Factory) New(kind Kind) (Runtime, error) {
	var build func() (Runtime, error)
	switch kind {
	case KindLocal:
		build = f.Local
	case KindRemote:
		build = f.Remote
	}
	if build == nil {
		return nil, &RuntimeNotFoundError{Kind: kind}
	}
	return build()
}
