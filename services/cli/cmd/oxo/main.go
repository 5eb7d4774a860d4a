package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"oxo/pkg/config"
	"oxo/pkg/render"
	"oxo/pkg/telemetry"
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "error: load .env: %v\n", err)
		os.Exit(1)
	}

	a := &app{
		out:    os.Stdout,
		logger: telemetry.NewConsoleLogger(os.Stderr),
	}
	if err := newRootCommand(a).ExecuteContext(ctx); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			if exit.err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", exit.err)
			}
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app holds what every command shares.
type app struct {
	out    io.Writer
	logger zerolog.Logger

	views *render.Engine

	apiKey      string
	apiEndpoint string
	storeDSN    string
}

func (a *app) overrides() config.Overrides {
	o := config.Overrides{}
	if a.apiKey != "" {
		o["API_KEY"] = a.apiKey
	}
	if a.apiEndpoint != "" {
		o["API_ENDPOINT"] = a.apiEndpoint
	}
	if a.storeDSN != "" {
		o["STORE_DSN"] = a.storeDSN
	}
	return o
}

// render writes the named view of data to out.
func (a *app) render(name string, data any) error {
	if a.views == nil {
		views, err := render.New()
		if err != nil {
			return err
		}
		a.views = views
	}
	out, err := a.views.Render(name, data)
	if err != nil {
		return err
	}
	_, err = io.WriteString(a.out, out)
	return err
}

func newRootCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "oxo",
		Short:         "Run security scanning agents locally or on the hosted platform",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(a.out)

	cmd.PersistentFlags().StringVar(&a.apiKey, "api-key", "", "API key for the remote platform (overrides OXO_API_KEY)")
	cmd.PersistentFlags().StringVar(&a.apiEndpoint, "api-endpoint", "", "GraphQL endpoint (overrides OXO_API_ENDPOINT)")
	cmd.PersistentFlags().StringVar(&a.storeDSN, "store-dsn", "", "Postgres DSN of the scan store (overrides OXO_STORE_DSN)")

	cmd.AddCommand(newScanCommand(a))
	cmd.AddCommand(newAgentCommand(a))
	cmd.AddCommand(newScannerCommand(a))
	return cmd
}
