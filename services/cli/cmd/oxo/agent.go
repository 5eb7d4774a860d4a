package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"oxo/services/runtime"
)

// Exit code of a failed health check. Swarm treats any non-zero code as
// unhealthy; 2 keeps it apart from usage errors.
const unhealthyExitCode = 2

func newAgentCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Commands run inside agent containers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newAgentHealthcheckCommand(a))
	return cmd
}

func newAgentHealthcheckCommand(a *app) *cobra.Command {
	var (
		host    string
		port    int
		https   bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Exit 0 when the agent status endpoint answers OK",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			ok, err := runtime.CheckStatus(ctx, nil, host, port, https)
			if err != nil {
				return &exitError{code: unhealthyExitCode, err: fmt.Errorf("health check: %w", err)}
			}
			if !ok {
				return &exitError{code: unhealthyExitCode, err: fmt.Errorf("agent at %s:%d is not healthy", host, port)}
			}
			a.logger.Debug().Str("host", host).Int("port", port).Msg("agent healthy")
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "localhost", "Agent host")
	cmd.Flags().IntVar(&port, "port", 5000, "Agent health port")
	cmd.Flags().BoolVar(&https, "https", false, "Use https")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Give up after this long")
	return cmd
}
