package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"oxo/pkg/bus"
	"oxo/pkg/definitions"
	"oxo/services/runtime"
)

// StartAgentScanSubject carries scan start jobs.
const StartAgentScanSubject = "scan.startAgentScan"

// StartRequest asks the scanner to run an agent group against an asset.
type StartRequest struct {
	ReferenceScanID int64                       `json:"reference_scan_id"`
	ScanID          int64                       `json:"scan_id,omitempty"`
	Title           string                      `json:"title,omitempty"`
	Key             string                      `json:"key"`
	Agents          []definitions.AgentSettings `json:"agents"`
	Asset           runtime.Asset               `json:"asset"`
}

// AgentGroup returns the agent group the request describes.
func (r StartRequest) AgentGroup() definitions.AgentGroupDefinition {
	group := definitions.AgentGroupDefinition{Kind: "AgentGroup", Name: r.Key}
	for _, a := range r.Agents {
		group.Agents = append(group.Agents, a.WithDefaults())
	}
	group.Description = "Agent group : " + strings.Join(group.Keys(), ",")
	return group
}

// RunDefinition returns what the runtime should start for the request.
func (r StartRequest) RunDefinition() runtime.RunDefinition {
	title := r.Title
	if title == "" {
		title = "scan " + strconv.FormatInt(r.ReferenceScanID, 10)
	}
	return runtime.RunDefinition{
		Title:       title,
		AgentGroups: []definitions.AgentGroupDefinition{r.AgentGroup()},
	}
}

// MalformedJobError reports a job payload that cannot be turned into a
// StartRequest.
type MalformedJobError struct {
	Reason string
	Err    error
}

func (e *MalformedJobError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed job: %s: %v", e.Reason, e.Err)
	}
	return "malformed job: " + e.Reason
}

func (e *MalformedJobError) Unwrap() error { return e.Err }

// ParseMessage decodes a start job. It requires a reference scan id, an
// agent group key and a valid asset.
func ParseMessage(raw []byte) (StartRequest, error) {
	var req StartRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return StartRequest{}, &MalformedJobError{Reason: "decode", Err: err}
	}
	if req.ReferenceScanID <= 0 {
		return StartRequest{}, &MalformedJobError{Reason: "reference_scan_id is required"}
	}
	if req.Key == "" {
		return StartRequest{}, &MalformedJobError{Reason: "key is required"}
	}
	if err := req.Asset.Validate(); err != nil {
		return StartRequest{}, &MalformedJobError{Reason: "asset", Err: err}
	}
	for _, a := range req.Agents {
		if _, _, err := definitions.SplitKey(a.Key); err != nil {
			return StartRequest{}, &MalformedJobError{Reason: "agents", Err: err}
		}
	}
	return req, nil
}

// JobSource is the durable bus jobs are pulled from.
type JobSource interface {
	AddStream(ctx context.Context, name string, subjects []string) error
	Subscribe(ctx context.Context, subject, queue string, fn bus.Handler) (io.Closer, error)
}

// Tracker receives the scan the scanner is busy with and the errors it hit.
type Tracker interface {
	SetScanID(id string)
	RecordError(err error)
}

// RegistryLogin authenticates the container engine against a registry.
type RegistryLogin func(ctx context.Context, registry Registry) error

// ImageInstall fetches the agent images of def from registry.
type ImageInstall func(ctx context.Context, registry Registry, def runtime.RunDefinition) error

// DispatcherOptions wires a Dispatcher.
type DispatcherOptions struct {
	Source  JobSource
	Runtime runtime.Runtime
	Login   RegistryLogin
	Install ImageInstall
	Tracker Tracker
	Metrics *Metrics
	Logger  zerolog.Logger
}

// Dispatcher turns start jobs pulled from the bus into running scans.
type Dispatcher struct {
	source  JobSource
	runtime runtime.Runtime
	login   RegistryLogin
	install ImageInstall
	tracker Tracker
	metrics *Metrics
	logger  zerolog.Logger

	registry Registry

	subsMu sync.Mutex
	subs   []io.Closer
}

func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Source == nil {
		return nil, errors.New("job source is required")
	}
	if opts.Runtime == nil {
		return nil, errors.New("runtime is required")
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	return &Dispatcher{
		source:  opts.Source,
		runtime: opts.Runtime,
		login:   opts.Login,
		install: opts.Install,
		tracker: opts.Tracker,
		metrics: opts.Metrics,
		logger:  opts.Logger.With().Str("component", "dispatcher").Logger(),
	}, nil
}

// SubscribeAll declares one stream per queue and binds a durable pull
// subscription for every subject of cfg. On failure the subscriptions made so
// far are closed.
func (d *Dispatcher) SubscribeAll(ctx context.Context, cfg Config) error {
	if len(cfg.SubjectBusConfigs) == 0 {
		return errors.New("scanner config lists no subjects")
	}
	d.registry = cfg.Registry

	for _, sc := range cfg.SubjectBusConfigs {
		if err := d.source.AddStream(ctx, sc.Queue, []string{sc.Subject}); err != nil {
			d.Close()
			return fmt.Errorf("add stream %s: %w", sc.Queue, err)
		}
		closer, err := d.source.Subscribe(ctx, sc.Subject, sc.Queue, d.handler(sc.Subject))
		if err != nil {
			d.Close()
			return fmt.Errorf("subscribe %s: %w", sc.Subject, err)
		}
		d.subsMu.Lock()
		d.subs = append(d.subs, closer)
		d.subsMu.Unlock()
		d.logger.Info().Str("subject", sc.Subject).Str("queue", sc.Queue).Msg("subscribed")
	}
	return nil
}

// Subscriptions returns the number of live subscriptions.
func (d *Dispatcher) Subscriptions() int {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	return len(d.subs)
}

// Close tears down active subscriptions.
func (d *Dispatcher) Close() error {
	if d == nil {
		return nil
	}

	d.subsMu.Lock()
	defer d.subsMu.Unlock()

	var firstErr error
	for _, sub := range d.subs {
		if sub == nil {
			continue
		}
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.subs = nil
	return firstErr
}

func (d *Dispatcher) handler(subject string) bus.Handler {
	return func(ctx context.Context, data []byte) error {
		err := d.handle(ctx, subject, data)
		if err != nil {
			d.metrics.Jobs.WithLabelValues(outcomeNacked).Inc()
			if d.tracker != nil {
				d.tracker.RecordError(err)
			}
			return err
		}
		d.metrics.Jobs.WithLabelValues(outcomeAcked).Inc()
		return nil
	}
}

// handle starts the scan a job asks for. Only errors worth a redelivery are
// returned; a scan that fails after starting is recorded by the runtime.
func (d *Dispatcher) handle(ctx context.Context, subject string, data []byte) error {
	req, err := ParseMessage(data)
	if err != nil {
		d.logger.Warn().Err(err).Str("subject", subject).Msg("rejecting job")
		return err
	}
	logger := d.logger.With().Int64("reference_scan_id", req.ReferenceScanID).Str("key", req.Key).Logger()

	if d.login != nil && d.registry.URL != "" {
		if err := d.login(ctx, d.registry); err != nil {
			return fmt.Errorf("registry login: %w", err)
		}
	}

	if d.tracker != nil {
		scanID := req.ScanID
		if scanID == 0 {
			scanID = req.ReferenceScanID
		}
		d.tracker.SetScanID(strconv.FormatInt(scanID, 10))
	}

	def := req.RunDefinition()
	if d.install != nil {
		if err := d.install(ctx, d.registry, def); err != nil {
			logger.Warn().Err(err).Msg("agent install incomplete")
			if d.tracker != nil {
				d.tracker.RecordError(err)
			}
		}
	}
	if !d.runtime.CanRun(ctx, def) {
		logger.Error().Msg("runtime cannot run the agent group")
		if d.tracker != nil {
			d.tracker.RecordError(fmt.Errorf("scan %d: runtime cannot run agent group %s", req.ReferenceScanID, req.Key))
		}
		return nil
	}

	d.metrics.Jobs.WithLabelValues(outcomeDispatched).Inc()
	handle, err := d.runtime.Scan(ctx, def, req.Asset)
	if err != nil {
		logger.Error().Err(err).Msg("scan failed to start")
		if d.tracker != nil {
			d.tracker.RecordError(err)
		}
		return nil
	}
	logger.Info().Str("scan_id", handle.ID()).Str("state", string(handle.State())).Msg("scan started")
	return nil
}
