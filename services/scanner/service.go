package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"oxo/pkg/api"
	"oxo/pkg/bus"
	"oxo/pkg/config"
	"oxo/pkg/telemetry"
	"oxo/services/runtime"
)

const (
	serviceName      = "oxo-scanner"
	shutdownTimeout  = 10 * time.Second
	deadLetterStream = "scanner_dead_letter"
)

// Service is a running scanner: job subscriptions, the state reporter and
// the health endpoints.
type Service struct {
	cfg    config.Scanner
	logger zerolog.Logger
	reg    *prometheus.Registry

	bus        *bus.Bus
	setup      *runtime.Setup
	dispatcher *Dispatcher
	reporter   *Reporter
}

// New fetches the remote scanner configuration, connects to its bus and
// binds every configured subject.
func New(ctx context.Context, cfg config.Scanner, logs io.Writer, logger zerolog.Logger) (*Service, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := NewMetrics(reg)

	client, err := api.NewClient(cfg.API, logger)
	if err != nil {
		return nil, err
	}
	remote, err := FetchConfig(ctx, client, cfg.ID)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("bus", remote.BusURL).Int("subjects", len(remote.SubjectBusConfigs)).Msg("scanner config fetched")

	probe, err := NewHostProbe()
	if err != nil {
		return nil, fmt.Errorf("host probe: %w", err)
	}
	reporter, err := NewReporter(client, probe, cfg.ID, cfg.ReportInterval, metrics, logger)
	if err != nil {
		return nil, err
	}

	name := remote.BusClientName
	if name == "" {
		name = serviceName + "-" + cfg.ID
	}
	b, err := bus.New(remote.BusURL, logger, []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("bus disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("bus reconnected")
		}),
	}, bus.WithAckWait(cfg.AckWait), bus.WithBatch(cfg.FetchBatch),
		bus.WithMaxDeliver(cfg.MaxDeliver), bus.WithNakDelay(cfg.NakDelay), bus.WithDeadLetter(cfg.DeadLetter))
	if err != nil {
		return nil, fmt.Errorf("connect bus: %w", err)
	}
	if cfg.DeadLetter != "" {
		if err := b.AddStream(ctx, deadLetterStream, []string{cfg.DeadLetter}); err != nil {
			b.Close()
			return nil, err
		}
	}

	setup := &runtime.Setup{Config: cfg.Runtime, Logs: logs, Logger: logger, Registry: reg}
	local, err := setup.Local(ctx)
	if err != nil {
		b.Close()
		return nil, err
	}
	engine := runtime.NewDockerEngine(logger)

	dispatcher, err := NewDispatcher(DispatcherOptions{
		Source:  b,
		Runtime: local,
		Login: func(ctx context.Context, r Registry) error {
			return engine.Login(ctx, r.URL, r.Username, r.Token)
		},
		Install: func(ctx context.Context, r Registry, def runtime.RunDefinition) error {
			return runtime.Install(ctx, engine, r.URL, def)
		},
		Tracker: reporter,
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		b.Close()
		setup.Close()
		return nil, err
	}
	if err := dispatcher.SubscribeAll(ctx, remote); err != nil {
		b.Close()
		setup.Close()
		return nil, err
	}

	return &Service{
		cfg:        cfg,
		logger:     logger,
		reg:        reg,
		bus:        b,
		setup:      setup,
		dispatcher: dispatcher,
		reporter:   reporter,
	}, nil
}

// Handler serves /healthz, /readyz and /metrics.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.Middleware(serviceName, s.logger))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !s.bus.Connected() || s.dispatcher.Subscriptions() == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	return r
}

// Run serves HTTP and reports state until ctx is done, then closes the
// subscriptions and the bus connection.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		s.reporter.Run(ctx)
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("server shutdown")
		}
	}()

	s.logger.Info().Str("addr", server.Addr).Msg("listening")
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	cancel()
	<-reporterDone
	if closeErr := s.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// Close releases the subscriptions, the bus and the scan store.
func (s *Service) Close() error {
	err := s.dispatcher.Close()
	s.bus.Close()
	s.setup.Close()
	return err
}
