// Package agenthost boots an agent inside its container from the definition
// and settings documents the runtime mounts there.
package agenthost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"oxo/pkg/agent"
	"oxo/pkg/config"
	"oxo/pkg/definitions"
	"oxo/pkg/mq"
	"oxo/pkg/telemetry"
)

const shutdownTimeout = 5 * time.Second

// Host is an assembled agent plus the resources it owns.
type Host struct {
	Agent *agent.Agent

	provider *telemetry.Provider
	store    *agent.RedisStore
}

// Build loads the mounted documents and composes the agent's capabilities:
// the topic-exchange transport, the Redis dedup store when a URL is set, the
// tracer and the knowledge base when a directory is set.
func Build(ctx context.Context, proc agent.Processor, cfg config.Agent, logger zerolog.Logger) (*Host, error) {
	if proc == nil {
		return nil, errors.New("processor is required")
	}
	def, err := definitions.LoadAgentDefinition(cfg.DefinitionPath)
	if err != nil {
		return nil, fmt.Errorf("load definition: %w", err)
	}
	settings, err := definitions.LoadSettings(cfg.SettingsPath)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if settings.BusURL == "" {
		return nil, errors.New("settings bus url is required")
	}

	h := &Host{}
	h.provider, err = telemetry.Init(ctx, def.Name, settings.TracingCollectorURL)
	if err != nil {
		return nil, err
	}

	var store agent.PersistenceStore
	if settings.RedisURL != "" {
		h.store, err = agent.NewRedisStore(ctx, settings.RedisURL, def.AgentKey())
		if err != nil {
			h.Close()
			return nil, err
		}
		store = h.store
	}

	var kb *definitions.KB
	if cfg.KBDir != "" {
		kb, err = definitions.LoadKB(os.DirFS(cfg.KBDir))
		if err != nil {
			h.Close()
			return nil, err
		}
	}

	h.Agent, err = agent.New(agent.Options{
		Definition: def,
		Settings:   settings,
		Processor:  proc,
		Transport:  mq.New(settings.BusURL, settings.BusExchangeTopic, def.Name, logger),
		Store:      store,
		Tracer:     h.provider.Tracer("oxo/agent"),
		KB:         kb,
		Logger:     logger,
	})
	if err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

// Run consumes until ctx is done, then releases the host.
func (h *Host) Run(ctx context.Context) error {
	defer h.Close()
	return h.Agent.Run(ctx)
}

// Close flushes traces and closes the dedup store.
func (h *Host) Close() {
	if h.store != nil {
		_ = h.store.Close()
		h.store = nil
	}
	if h.provider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = h.provider.Shutdown(ctx)
		h.provider = nil
	}
}

// Main is the body of an agent binary: it loads OXO_AGENT_* configuration,
// builds the host and runs it until ctx is done.
func Main(ctx context.Context, proc agent.Processor) error {
	cfg, err := config.LoadAgent(ctx, nil)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := telemetry.NewLogger("oxo-agent", os.Stdout)
	h, err := Build(ctx, proc, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info().Str("agent", h.Agent.Name()).Msg("agent starting")
	return h.Run(ctx)
}
