package runtime

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"oxo/pkg/api"
	"oxo/pkg/config"
	"oxo/pkg/db"
	"oxo/pkg/s3"
)

// Setup opens the resources a runtime needs from configuration.
type Setup struct {
	Config   config.Runtime
	Logs     io.Writer
	Logger   zerolog.Logger
	Registry prometheus.Registerer

	mu   sync.Mutex
	pool *pgxpool.Pool
}

// Factory returns a runtime factory backed by s. Constructors run lazily so a
// remote invocation never opens the scan store.
func (s *Setup) Factory(ctx context.Context) Factory {
	return Factory{
		Local:  func() (Runtime, error) { return s.Local(ctx) },
		Remote: func() (Runtime, error) { return s.Remote() },
	}
}

// Local builds a Local runtime driving the docker CLI. The scan store is
// Postgres when a DSN is set, memory otherwise. Logs are archived to S3 when
// an archive bucket is configured.
func (s *Setup) Local(ctx context.Context) (*Local, error) {
	store, err := s.store(ctx)
	if err != nil {
		return nil, err
	}

	var archiver Archiver
	if s.Config.Archive.Enabled() {
		client, err := s3.NewClient(ctx, s.Config.Archive)
		if err != nil {
			return nil, fmt.Errorf("archive client: %w", err)
		}
		archiver = NewS3Archiver(client, s.Config.Archive.Bucket, s.Config.Archive.Prefix, s.Config.Archive.LinkTTL)
	}

	return NewLocal(LocalOptions{
		Engine:   NewDockerEngine(s.Logger),
		Config:   s.Config,
		Store:    store,
		Archiver: archiver,
		Metrics:  NewMetrics(s.Registry),
		Logs:     s.Logs,
		Logger:   s.Logger,
	})
}

// Remote builds a Remote runtime on the API client.
func (s *Setup) Remote() (*Remote, error) {
	client, err := api.NewClient(s.Config.API, s.Logger)
	if err != nil {
		return nil, err
	}
	return NewRemote(client, client.Authenticated(), s.Logger)
}

func (s *Setup) store(ctx context.Context) (Store, error) {
	if s.Config.Store.DSN == "" {
		return NewMemoryStore(), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		pool, err := db.Open(ctx, s.Config.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open scan store: %w", err)
		}
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate scan store: %w", err)
		}
		s.pool = pool
	}
	return NewPostgresStore(s.pool), nil
}

// Close releases the scan store pool, if one was opened.
func (s *Setup) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
}
