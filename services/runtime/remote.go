package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"oxo/pkg/api"
	"oxo/pkg/definitions"
)

const remoteListSize = 50

// Remote runs scans on the hosted platform through the GraphQL API.
type Remote struct {
	exec          api.Executor
	authenticated bool
	logger        zerolog.Logger
}

var _ Runtime = (*Remote)(nil)

// NewRemote returns a Remote runtime. authenticated reports whether exec
// carries an API key.
func NewRemote(exec api.Executor, authenticated bool, logger zerolog.Logger) (*Remote, error) {
	if exec == nil {
		return nil, errors.New("api executor is required")
	}
	return &Remote{
		exec:          exec,
		authenticated: authenticated,
		logger:        logger.With().Str("runtime", string(KindRemote)).Logger(),
	}, nil
}

func (r *Remote) CanRun(ctx context.Context, def RunDefinition) bool {
	if !r.authenticated {
		r.logger.Warn().Msg("remote runtime requires an api key")
		return false
	}
	instances, err := def.Instances()
	return err == nil && len(instances) > 0
}

// groupFor folds the run definition into one agent group document.
func groupFor(def RunDefinition) (definitions.AgentGroupDefinition, error) {
	instances, err := def.Instances()
	if err != nil {
		return definitions.AgentGroupDefinition{}, err
	}
	group := definitions.AgentGroupDefinition{Kind: "AgentGroup", Name: def.Title}
	keys := make([]string, 0, len(instances))
	for _, inst := range instances {
		group.Agents = append(group.Agents, inst.Settings)
		keys = append(keys, inst.Settings.Key)
	}
	group.Description = "Agent group : " + strings.Join(keys, ",")
	return group, nil
}

func (r *Remote) Scan(ctx context.Context, def RunDefinition, asset Asset) (*ScanHandle, error) {
	if err := asset.Validate(); err != nil {
		return nil, err
	}
	group, err := groupFor(def)
	if err != nil {
		return nil, err
	}
	doc, err := yaml.Marshal(group)
	if err != nil {
		return nil, fmt.Errorf("encode agent group: %w", err)
	}
	rawAsset, err := json.Marshal(asset)
	if err != nil {
		return nil, fmt.Errorf("encode asset: %w", err)
	}

	id, err := api.CreateAgentScan(ctx, r.exec, api.AgentScanInput{
		Title:          def.Title,
		Asset:          rawAsset,
		AgentGroupYAML: string(doc),
	})
	if err != nil {
		return nil, fmt.Errorf("create remote scan: %w", err)
	}
	r.logger.Info().Str("scan_id", id).Msg("remote scan created")
	return NewScanHandleAt(id, StateRunning), nil
}

func (r *Remote) Stop(ctx context.Context, scanID string) error {
	if err := api.StopScan(ctx, r.exec, scanID); err != nil {
		var respErr *api.ResponseError
		if errors.As(err, &respErr) && strings.Contains(strings.ToLower(respErr.Error()), "not found") {
			return ErrScanNotFound
		}
		return err
	}
	return nil
}

func (r *Remote) List(ctx context.Context) ([]Scan, error) {
	remote, err := api.ListScans(ctx, r.exec, remoteListSize)
	if err != nil {
		return nil, err
	}
	scans := make([]Scan, 0, len(remote))
	for _, rs := range remote {
		scans = append(scans, Scan{
			ID:        rs.ID,
			Title:     rs.Title,
			Asset:     rs.AssetType,
			Runtime:   KindRemote,
			State:     stateFromProgress(rs.Progress),
			CreatedAt: rs.CreatedTime,
			UpdatedAt: rs.CreatedTime,
		})
	}
	return scans, nil
}

func stateFromProgress(progress string) State {
	switch strings.ToLower(progress) {
	case "not_started":
		return StatePending
	case "done":
		return StateCompleted
	case "stopped":
		return StateStopped
	case "error":
		return StateFailed
	default:
		return StateRunning
	}
}
