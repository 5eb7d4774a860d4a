package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"oxo/pkg/api"
)

// SubjectBusConfig binds one dispatch subject to the durable queue group that
// consumes it.
type SubjectBusConfig struct {
	Subject string `json:"subject"`
	Queue   string `json:"queue"`
}

// Registry holds the container registry credentials agents are pulled with.
type Registry struct {
	URL      string `json:"url"`
	Username string `json:"accountName"`
	Token    string `json:"credentials"`
}

// Config is the remote configuration of one scanner process.
type Config struct {
	ScannerID         string
	Name              string
	BusURL            string
	BusClusterID      string
	BusClientName     string
	Registry          Registry
	SubjectBusConfigs []SubjectBusConfig
}

type edge[T any] struct {
	Node T `json:"node"`
}

type connection[T any] struct {
	Edges []edge[T] `json:"edges"`
}

type scannerNode struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Config struct {
		BusURL            string    `json:"busUrl"`
		BusClusterID      string    `json:"busClusterId"`
		BusClientName     string    `json:"busClientName"`
		Registry          *Registry `json:"registryConfiguration"`
		SubjectBusConfigs struct {
			SubjectBusConfigs connection[SubjectBusConfig] `json:"subjectBusConfigs"`
		} `json:"subjectBusConfigs"`
	} `json:"config"`
}

// ErrScannerNotFound is returned when the API knows no scanner for the id.
var ErrScannerNotFound = errors.New("scanner not found")

// ParseConfig decodes the data object of a scanners query. The first scanner
// returned wins.
func ParseConfig(data json.RawMessage) (Config, error) {
	var out struct {
		Scanners struct {
			Scanners connection[scannerNode] `json:"scanners"`
		} `json:"scanners"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return Config{}, fmt.Errorf("decode scanner config: %w", err)
	}
	edges := out.Scanners.Scanners.Edges
	if len(edges) == 0 {
		return Config{}, ErrScannerNotFound
	}

	node := edges[0].Node
	cfg := Config{
		ScannerID:     node.ID,
		Name:          node.Name,
		BusURL:        node.Config.BusURL,
		BusClusterID:  node.Config.BusClusterID,
		BusClientName: node.Config.BusClientName,
	}
	if node.Config.Registry != nil {
		cfg.Registry = *node.Config.Registry
	}
	for _, e := range node.Config.SubjectBusConfigs.SubjectBusConfigs.Edges {
		if e.Node.Subject == "" || e.Node.Queue == "" {
			return Config{}, fmt.Errorf("subject bus config %+v: subject and queue are required", e.Node)
		}
		cfg.SubjectBusConfigs = append(cfg.SubjectBusConfigs, e.Node)
	}
	if cfg.BusURL == "" {
		return Config{}, errors.New("scanner config has no bus url")
	}
	return cfg, nil
}

// FetchConfig queries the API for the configuration of scannerID.
func FetchConfig(ctx context.Context, exec api.Executor, scannerID string) (Config, error) {
	if scannerID == "" {
		return Config{}, errors.New("scanner id is required")
	}
	data, err := exec.Execute(ctx, api.ScannerConfigRequest(scannerID))
	if err != nil {
		return Config{}, fmt.Errorf("fetch scanner config: %w", err)
	}
	return ParseConfig(data)
}
