package scanner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"oxo/pkg/api"
)

const maxReportedErrors = 10

// Prober captures a host snapshot.
type Prober interface {
	Capture(scannerID string) (State, error)
}

// Reporter periodically posts the scanner state to the API.
type Reporter struct {
	exec      api.Executor
	probe     Prober
	scannerID string
	interval  time.Duration
	metrics   *Metrics
	logger    zerolog.Logger

	mu     sync.Mutex
	scanID string
	errs   []string
	// recorded counts every error ever queued; errs holds the latest ones.
	recorded uint64
}

var _ Tracker = (*Reporter)(nil)

func NewReporter(exec api.Executor, probe Prober, scannerID string, interval time.Duration, metrics *Metrics, logger zerolog.Logger) (*Reporter, error) {
	if exec == nil {
		return nil, errors.New("api executor is required")
	}
	if probe == nil {
		return nil, errors.New("probe is required")
	}
	if interval <= 0 {
		return nil, errors.New("report interval must be positive")
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Reporter{
		exec:      exec,
		probe:     probe,
		scannerID: scannerID,
		interval:  interval,
		metrics:   metrics,
		logger:    logger.With().Str("component", "reporter").Logger(),
	}, nil
}

// SetScanID records the scan the scanner is running.
func (r *Reporter) SetScanID(id string) {
	r.mu.Lock()
	r.scanID = id
	r.mu.Unlock()
}

// RecordError queues err for the next report.
func (r *Reporter) RecordError(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err.Error())
	r.recorded++
	if len(r.errs) > maxReportedErrors {
		r.errs = r.errs[len(r.errs)-maxReportedErrors:]
	}
}

// Report captures and posts one snapshot. Queued errors are cleared only once
// they were delivered.
func (r *Reporter) Report(ctx context.Context) error {
	state, err := r.probe.Capture(r.scannerID)
	if err != nil {
		r.logger.Debug().Err(err).Msg("partial host snapshot")
	}

	r.mu.Lock()
	state.ScanID = r.scanID
	state.Errors = append([]string(nil), r.errs...)
	reported := r.recorded
	r.mu.Unlock()

	if err := api.ReportState(ctx, r.exec, state.Input()); err != nil {
		r.metrics.Reports.WithLabelValues("failed").Inc()
		return err
	}
	r.metrics.Reports.WithLabelValues("ok").Inc()

	r.mu.Lock()
	if fresh := int(r.recorded - reported); fresh < len(r.errs) {
		r.errs = r.errs[len(r.errs)-fresh:]
	}
	r.mu.Unlock()
	return nil
}

// Run reports immediately and then on every tick until ctx is done. A failed
// report is logged and the loop carries on.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.Report(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn().Err(err).Msg("state report failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
