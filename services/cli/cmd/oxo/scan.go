package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"oxo/pkg/config"
	"oxo/pkg/definitions"
	"oxo/pkg/render"
	"oxo/services/runtime"
)

const stopTimeout = 2 * time.Minute

func newScanCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Start, stop and list scans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newScanRunCommand(a))
	cmd.AddCommand(newScanStopCommand(a))
	cmd.AddCommand(newScanListCommand(a))
	return cmd
}

// runtimeFor loads configuration and builds the runtime of the given kind.
// The returned cleanup closes the scan store.
func (a *app) runtimeFor(ctx context.Context, kindName string) (runtime.Runtime, func(), error) {
	kind, err := runtime.ParseKind(kindName)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.LoadRuntime(ctx, a.overrides())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	setup := &runtime.Setup{Config: cfg, Logs: a.out, Logger: a.logger}
	rt, err := setup.Factory(ctx).New(kind)
	if err != nil {
		setup.Close()
		return nil, nil, err
	}
	return rt, setup.Close, nil
}

func loadRunDefinition(title string, agentFiles, groupFiles []string) (runtime.RunDefinition, error) {
	def := runtime.RunDefinition{Title: title}
	for _, path := range agentFiles {
		agent, err := definitions.LoadAgentDefinition(path)
		if err != nil {
			return runtime.RunDefinition{}, fmt.Errorf("agent %s: %w", path, err)
		}
		def.Agents = append(def.Agents, agent)
	}
	for _, path := range groupFiles {
		group, err := definitions.LoadAgentGroup(path)
		if err != nil {
			return runtime.RunDefinition{}, fmt.Errorf("agent group %s: %w", path, err)
		}
		def.AgentGroups = append(def.AgentGroups, group)
	}
	if len(def.Agents) == 0 && len(def.AgentGroups) == 0 {
		return runtime.RunDefinition{}, errors.New("at least one --agent or --group is required")
	}
	return def, nil
}

func parseAsset(assetType, data string) (runtime.Asset, error) {
	asset := runtime.Asset{Type: assetType}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &asset.Data); err != nil {
			return runtime.Asset{}, fmt.Errorf("asset data must be a JSON object: %w", err)
		}
	}
	return asset, asset.Validate()
}

func newScanRunCommand(a *app) *cobra.Command {
	var (
		runtimeName string
		title       string
		agentFiles  []string
		groupFiles  []string
		assetType   string
		assetData   string
		detach      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run agents against an asset",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			def, err := loadRunDefinition(title, agentFiles, groupFiles)
			if err != nil {
				return err
			}
			asset, err := parseAsset(assetType, assetData)
			if err != nil {
				return err
			}
			rt, cleanup, err := a.runtimeFor(ctx, runtimeName)
			if err != nil {
				return err
			}
			defer cleanup()

			if !rt.CanRun(ctx, def) {
				return fmt.Errorf("runtime %s cannot run the requested agents", runtimeName)
			}
			handle, err := rt.Scan(ctx, def, asset)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "scan %s %s\n", handle.ID(), handle.State())
			if detach || handle.State().Terminal() || runtimeName == string(runtime.KindRemote) {
				return nil
			}

			select {
			case <-handle.Done():
			case <-ctx.Done():
				stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
				defer cancel()
				if err := rt.Stop(stopCtx, handle.ID()); err != nil {
					return fmt.Errorf("stop scan %s: %w", handle.ID(), err)
				}
			}
			summary := runtime.Scan{ID: handle.ID(), Title: def.Title, Asset: asset.String(), State: handle.State()}
			if cause := handle.Cause(); cause != nil {
				summary.Cause = cause.Error()
			}
			if err := a.render(render.ScanSummary, summary); err != nil {
				return err
			}
			return handle.Cause()
		},
	}

	cmd.Flags().StringVar(&runtimeName, "runtime", string(runtime.KindLocal), "Runtime to scan with: local or remote")
	cmd.Flags().StringVar(&title, "title", "", "Scan title")
	cmd.Flags().StringArrayVar(&agentFiles, "agent", nil, "Agent definition file (repeatable)")
	cmd.Flags().StringArrayVar(&groupFiles, "group", nil, "Agent group definition file (repeatable)")
	cmd.Flags().StringVar(&assetType, "asset-type", "", "Asset type, e.g. ip or domain_name")
	cmd.Flags().StringVar(&assetData, "asset", "", "Asset fields as a JSON object")
	cmd.Flags().BoolVar(&detach, "detach", false, "Return once the scan is running")
	_ = cmd.MarkFlagRequired("asset-type")
	return cmd
}

func newScanStopCommand(a *app) *cobra.Command {
	var runtimeName string

	cmd := &cobra.Command{
		Use:   "stop SCAN_ID",
		Short: "Stop a scan and remove its resources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			rt, cleanup, err := a.runtimeFor(ctx, runtimeName)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := rt.Stop(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "scan %s stopped\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&runtimeName, "runtime", string(runtime.KindLocal), "Runtime the scan runs on: local or remote")
	return cmd
}

func newScanListCommand(a *app) *cobra.Command {
	var runtimeName string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scans, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			rt, cleanup, err := a.runtimeFor(ctx, runtimeName)
			if err != nil {
				return err
			}
			defer cleanup()

			scans, err := rt.List(ctx)
			if err != nil {
				return err
			}
			return writeScans(a, scans)
		},
	}

	cmd.Flags().StringVar(&runtimeName, "runtime", string(runtime.KindLocal), "Runtime to list: local or remote")
	return cmd
}

// writeScans renders scans as an aligned table.
func writeScans(a *app, scans []runtime.Scan) error {
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	out := a.out
	a.out = tw
	defer func() { a.out = out }()
	if err := a.render(render.ScanList, scans); err != nil {
		return err
	}
	return tw.Flush()
}
