package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const scannerConfigQuery = `query Scanners($scannerId: String!) {
  scanners(scannerId: $scannerId) {
    scanners {
      edges {
        node {
          id
          name
          config {
            busUrl
            busClusterId
            busClientName
            registryConfiguration { url accountName credentials }
            subjectBusConfigs {
              subjectBusConfigs {
                edges { node { subject queue } }
              }
            }
          }
        }
      }
    }
  }
}`

// ScannerConfigRequest fetches the bus configuration of a scanner.
func ScannerConfigRequest(scannerID string) Request {
	return Request{
		Query:     scannerConfigQuery,
		Variables: map[string]any{"scannerId": scannerID},
	}
}

const reportStateMutation = `mutation ReportScannerState($scannerState: ScannerStateInput!) {
  reportScannerState(scannerState: $scannerState) {
    scannerState { id }
  }
}`

// ScannerStateInput mirrors the remote scanner state input type.
type ScannerStateInput struct {
	ScannerUUID string  `json:"scannerUuid"`
	ScanID      string  `json:"scanId,omitempty"`
	CPULoad     float64 `json:"cpuLoad"`
	MemoryLoad  float64 `json:"memoryLoad"`
	TotalCPU    int     `json:"totalCpu"`
	TotalMemory uint64  `json:"totalMemory"`
	Hostname    string  `json:"hostname"`
	IP          string  `json:"ip"`
	Errors      string  `json:"errors,omitempty"`
	CapturedAt  string  `json:"capturedAt"`
}

// ReportStateRequest posts one scanner state snapshot.
func ReportStateRequest(state ScannerStateInput) Request {
	return Request{
		Query:     reportStateMutation,
		Variables: map[string]any{"scannerState": state},
	}
}

const createAgentScanMutation = `mutation CreateAgentScan($scan: AgentScanInput!) {
  createAgentScan(scan: $scan) {
    scan { id }
  }
}`

// AgentScanInput describes a remote scan of an asset by an agent group.
type AgentScanInput struct {
	Title          string          `json:"title"`
	AssetIDs       []int           `json:"assetIds,omitempty"`
	Asset          json.RawMessage `json:"asset,omitempty"`
	AgentGroupYAML string          `json:"agentGroupDefinition"`
}

// CreateAgentScanRequest creates a scan remotely.
func CreateAgentScanRequest(scan AgentScanInput) Request {
	return Request{
		Query:     createAgentScanMutation,
		Variables: map[string]any{"scan": scan},
	}
}

const scansQuery = `query Scans($page: Int, $numberElements: Int) {
  scans(page: $page, numberElements: $numberElements, orderBy: CreatedTime, sort: Desc) {
    scans {
      id
      title
      assetType
      createdTime
      progress
    }
  }
}`

// ScansRequest lists remote scans, newest first.
func ScansRequest(page, size int) Request {
	return Request{
		Query:     scansQuery,
		Variables: map[string]any{"page": page, "numberElements": size},
	}
}

const stopScanMutation = `mutation StopScan($scanId: Int!) {
  stopScan(scanId: $scanId) {
    scan { id }
  }
}`

// StopScanRequest stops a remote scan.
func StopScanRequest(scanID int) Request {
	return Request{
		Query:     stopScanMutation,
		Variables: map[string]any{"scanId": scanID},
	}
}

// RemoteScan is one entry of a scans listing.
type RemoteScan struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	AssetType   string    `json:"assetType"`
	CreatedTime time.Time `json:"createdTime"`
	Progress    string    `json:"progress"`
}

// CreateAgentScan runs the createAgentScan mutation and returns the new scan id.
func CreateAgentScan(ctx context.Context, exec Executor, scan AgentScanInput) (string, error) {
	data, err := exec.Execute(ctx, CreateAgentScanRequest(scan))
	if err != nil {
		return "", err
	}

	var out struct {
		CreateAgentScan struct {
			Scan struct {
				ID json.Number `json:"id"`
			} `json:"scan"`
		} `json:"createAgentScan"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode createAgentScan: %w", err)
	}
	id := out.CreateAgentScan.Scan.ID.String()
	if id == "" {
		return "", fmt.Errorf("createAgentScan returned no scan id")
	}
	return id, nil
}

// ListScans returns the first page of remote scans.
func ListScans(ctx context.Context, exec Executor, size int) ([]RemoteScan, error) {
	data, err := exec.Execute(ctx, ScansRequest(1, size))
	if err != nil {
		return nil, err
	}

	var out struct {
		Scans struct {
			Scans []RemoteScan `json:"scans"`
		} `json:"scans"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode scans: %w", err)
	}
	return out.Scans.Scans, nil
}

// StopScan runs the stopScan mutation. scanID must be numeric.
func StopScan(ctx context.Context, exec Executor, scanID string) error {
	id, err := strconv.Atoi(scanID)
	if err != nil {
		return fmt.Errorf("invalid remote scan id %q: %w", scanID, err)
	}
	_, err = exec.Execute(ctx, StopScanRequest(id))
	return err
}

// ReportState posts a scanner state snapshot.
func ReportState(ctx context.Context, exec Executor, state ScannerStateInput) error {
	_, err := exec.Execute(ctx, ReportStateRequest(state))
	return err
}
