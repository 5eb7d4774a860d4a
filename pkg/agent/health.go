package agent

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const (
	healthyBody   = "OK"
	unhealthyBody = "NOK"
)

type healthCheck struct {
	name string
	fn   func() bool
}

// HealthRegistry aggregates health predicates. The agent is healthy only when
// every registered predicate is; an empty registry is healthy.
type HealthRegistry struct {
	mu     sync.RWMutex
	checks []healthCheck
}

// NewHealthRegistry returns an empty registry.
func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{}
}

// Register adds a named predicate.
func (h *HealthRegistry) Register(name string, fn func() bool) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, healthCheck{name: name, fn: fn})
}

// Healthy evaluates every predicate.
func (h *HealthRegistry) Healthy() bool {
	return len(h.Failing()) == 0
}

// Failing returns the names of predicates currently reporting unhealthy.
func (h *HealthRegistry) Failing() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var failing []string
	for _, c := range h.checks {
		if !c.fn() {
			failing = append(failing, c.name)
		}
	}
	return failing
}

// Handler serves GET /status with body OK or NOK, status 200 in both cases.
func (h *HealthRegistry) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		if h.Healthy() {
			_, _ = w.Write([]byte(healthyBody))
			return
		}
		_, _ = w.Write([]byte(unhealthyBody))
	})
	return r
}

// Serve exposes the health endpoint on ln until ctx is cancelled.
func (h *HealthRegistry) Serve(ctx context.Context, ln net.Listener, logger zerolog.Logger) error {
	server := &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("health server shutdown")
		}
	}()

	logger.Info().Str("addr", ln.Addr().String()).Msg("health endpoint listening")
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
