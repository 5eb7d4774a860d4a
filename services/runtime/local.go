package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"oxo/pkg/config"
	"oxo/pkg/definitions"
	"oxo/pkg/message"
	"oxo/pkg/mq"
)

const (
	networkPrefix   = "oxo_scan_"
	mqPort          = 5672
	mqManagePort    = 15672
	redisPort       = 6379
	teardownTimeout = 2 * time.Minute
	storeTimeout    = 10 * time.Second
)

var restartPolicies = []string{"", "none", "on-failure", "any"}

// Publisher sends one message on the agent bus.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
	Close() error
}

// PublisherFactory connects a Publisher to the scan's bus.
type PublisherFactory func(url, exchange string) (Publisher, error)

// LocalOptions configures a Local runtime.
type LocalOptions struct {
	Engine    Engine
	Prober    Prober
	Config    config.Runtime
	Store     Store
	Archiver  Archiver
	Publisher PublisherFactory
	Metrics   *Metrics
	Logs      io.Writer
	Logger    zerolog.Logger
	// BusHost is where the published bus port is reachable from this process.
	BusHost string
	NewID   func() string
}

// Local runs scans as services on the local container engine.
type Local struct {
	engine    Engine
	prober    Prober
	cfg       config.Runtime
	store     Store
	archiver  Archiver
	publisher PublisherFactory
	metrics   *Metrics
	logs      io.Writer
	logger    zerolog.Logger
	busHost   string
	newID     func() string

	mu    sync.Mutex
	scans map[string]*localScan
}

var _ Runtime = (*Local)(nil)

type localScan struct {
	handle  *ScanHandle
	title   string
	network string
	cancel  context.CancelFunc
	mux     *LogMux

	monitor sync.WaitGroup

	mu       sync.Mutex
	services []string
	configs  []string

	releaseOnce sync.Once
	releaseErr  error
}

func (s *localScan) track(service, cfg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if service != "" {
		s.services = append(s.services, service)
	}
	if cfg != "" {
		s.configs = append(s.configs, cfg)
	}
}

func (s *localScan) tracked() (services, configs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.services), slices.Clone(s.configs)
}

// NewLocal builds a Local runtime.
func NewLocal(opts LocalOptions) (*Local, error) {
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}
	l := &Local{
		engine:    opts.Engine,
		prober:    opts.Prober,
		cfg:       opts.Config,
		store:     opts.Store,
		archiver:  opts.Archiver,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		logs:      opts.Logs,
		logger:    opts.Logger.With().Str("runtime", string(KindLocal)).Logger(),
		busHost:   opts.BusHost,
		newID:     opts.NewID,
		scans:     make(map[string]*localScan),
	}
	if l.prober == nil {
		l.prober = EngineProber{Engine: opts.Engine}
	}
	if l.store == nil {
		l.store = NewMemoryStore()
	}
	if l.metrics == nil {
		l.metrics = NewMetrics(nil)
	}
	if l.busHost == "" {
		l.busHost = "127.0.0.1"
	}
	if l.newID == nil {
		l.newID = uuid.NewString
	}
	if l.publisher == nil {
		logger := l.logger
		l.publisher = func(url, exchange string) (Publisher, error) {
			return mq.New(url, exchange, "oxo_injector", logger), nil
		}
	}
	return l, nil
}

// CanRun reports whether every agent has an installed image and a supported
// restart policy.
func (l *Local) CanRun(ctx context.Context, def RunDefinition) bool {
	instances, err := def.Instances()
	if err != nil || len(instances) == 0 {
		return false
	}
	for _, inst := range instances {
		if !slices.Contains(restartPolicies, restartPolicy(inst)) {
			l.logger.Warn().Str("agent", inst.Settings.Key).Msg("unsupported restart policy")
			return false
		}
		image, err := inst.Image()
		if err != nil {
			l.logger.Warn().Err(err).Str("agent", inst.Settings.Key).Msg("cannot resolve image")
			return false
		}
		ok, err := l.engine.ImageExists(ctx, image)
		if err != nil || !ok {
			l.logger.Warn().Err(err).Str("image", image).Msg("agent image not installed")
			return false
		}
	}
	return true
}

func restartPolicy(inst Instance) string {
	if inst.Settings.RestartPolicy != "" {
		return inst.Settings.RestartPolicy
	}
	return inst.Definition.RestartPolicy
}

// Scan brings the scan up and returns once it is RUNNING. On failure the
// returned handle is FAILED and every started resource has been removed.
func (l *Local) Scan(ctx context.Context, def RunDefinition, asset Asset) (*ScanHandle, error) {
	if err := asset.Validate(); err != nil {
		return nil, err
	}
	instances, err := def.Instances()
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, errors.New("run definition has no agents")
	}

	id := l.newID()
	scanCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &localScan{
		title:   def.Title,
		network: networkPrefix + id,
		cancel:  cancel,
		mux:     NewLogMux(l.logs, l.archiver != nil),
	}
	s.handle = newScanHandle(id, l.onTransition)

	now := time.Now().UTC()
	if err := l.store.Create(ctx, Scan{
		ID:        id,
		Title:     def.Title,
		Asset:     asset.String(),
		Runtime:   KindLocal,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		cancel()
		return nil, fmt.Errorf("create scan record: %w", err)
	}

	l.mu.Lock()
	l.scans[id] = s
	l.mu.Unlock()

	if err := l.bringUp(scanCtx, s, instances, asset); err != nil {
		_ = s.handle.transition(StateFailed, err)
		if terr := l.shutdown(ctx, s); terr != nil {
			l.logger.Error().Err(terr).Str("scan_id", id).Msg("teardown after failure incomplete")
		}
		return s.handle, err
	}

	s.monitor.Add(1)
	go func() {
		defer s.monitor.Done()
		l.watch(scanCtx, s)
	}()
	return s.handle, nil
}

func (l *Local) bringUp(ctx context.Context, s *localScan, instances []Instance, asset Asset) error {
	id := s.handle.ID()
	labels := map[string]string{LabelUniverse: id}

	if err := s.handle.transition(StateBusStarting, nil); err != nil {
		return err
	}
	if err := retry(ctx, l.cfg.InfraAttempts, l.cfg.InfraBackoff, func() error { return l.engine.EnsureCluster(ctx) }); err != nil {
		return fmt.Errorf("ensure cluster: %w", err)
	}
	if err := retry(ctx, l.cfg.InfraAttempts, l.cfg.InfraBackoff, func() error { return l.engine.CreateNetwork(ctx, s.network, labels) }); err != nil {
		return fmt.Errorf("create network %s: %w", s.network, err)
	}

	mqService, redisService := "mq_"+id, "redis_"+id
	for _, spec := range []ServiceSpec{l.mqSpec(mqService, s.network, labels), l.redisSpec(redisService, s.network, labels)} {
		s.track(spec.Name, "")
		if err := retry(ctx, l.cfg.InfraAttempts, l.cfg.InfraBackoff, func() error { return l.engine.CreateService(ctx, spec) }); err != nil {
			return fmt.Errorf("start %s: %w", spec.Name, err)
		}
	}
	if err := l.gateAll(ctx, []string{mqService, redisService}); err != nil {
		return err
	}

	if err := s.handle.transition(StateAgentsStarting, nil); err != nil {
		return err
	}
	agentServices := make([]string, 0, len(instances))
	for i, inst := range instances {
		name, err := l.startAgent(ctx, s, inst, i, mqService, redisService, labels)
		if err != nil {
			return fmt.Errorf("start agent %s: %w", inst.Settings.Key, err)
		}
		agentServices = append(agentServices, name)
	}

	if err := s.handle.transition(StateHealthGating, nil); err != nil {
		return err
	}
	if err := l.gateAll(ctx, agentServices); err != nil {
		return err
	}

	if err := l.inject(ctx, mqService, asset); err != nil {
		return fmt.Errorf("inject asset: %w", err)
	}
	if err := s.handle.transition(StateAssetInjected, nil); err != nil {
		return err
	}
	return s.handle.transition(StateRunning, nil)
}

func (l *Local) mqSpec(name, network string, labels map[string]string) ServiceSpec {
	return ServiceSpec{
		Name:     name,
		Image:    l.cfg.MQImage,
		Network:  network,
		Hostname: "mq",
		Labels:   labels,
		Env: []string{
			"RABBITMQ_DEFAULT_USER=" + l.cfg.MQUser,
			"RABBITMQ_DEFAULT_PASS=" + l.cfg.MQPassword,
		},
		Replicas:         1,
		Ports:            []definitions.PortMapping{{SourcePort: mqPort}},
		RestartCondition: "any",
		HealthCmd:        "rabbitmq-diagnostics -q ping",
	}
}

func (l *Local) redisSpec(name, network string, labels map[string]string) ServiceSpec {
	return ServiceSpec{
		Name:             name,
		Image:            l.cfg.RedisImage,
		Network:          network,
		Hostname:         "redis",
		Labels:           labels,
		Replicas:         1,
		RestartCondition: "any",
		HealthCmd:        "redis-cli ping",
	}
}

func (l *Local) startAgent(ctx context.Context, s *localScan, inst Instance, index int, mqService, redisService string, labels map[string]string) (string, error) {
	id := s.handle.ID()
	image, err := inst.Image()
	if err != nil {
		return "", err
	}

	settings := inst.Settings
	settings.BusURL = fmt.Sprintf("amqp://%s:%s@%s:%d/", l.cfg.MQUser, l.cfg.MQPassword, mqService, mqPort)
	settings.BusExchangeTopic = l.cfg.MQExchange
	settings.BusManagementURL = fmt.Sprintf("http://%s:%s@%s:%d/", l.cfg.MQUser, l.cfg.MQPassword, mqService, mqManagePort)
	settings.BusVHost = "/"
	settings.RedisURL = fmt.Sprintf("redis://%s:%d", redisService, redisPort)
	settings.TracingCollectorURL = l.cfg.TracingCollectorURL
	raw, err := settings.Encode()
	if err != nil {
		return "", err
	}

	def, err := l.resolveDefinition(ctx, inst, image)
	if err != nil {
		return "", err
	}
	defRaw, err := def.Encode()
	if err != nil {
		return "", fmt.Errorf("encode definition: %w", err)
	}

	name := fmt.Sprintf("%s_%d_%s", def.Name, index, shortID(id))
	cfgName := "settings_" + name
	s.track("", cfgName)
	if err := l.engine.CreateConfig(ctx, cfgName, labels, raw); err != nil {
		return "", err
	}
	defName := "definition_" + name
	s.track("", defName)
	if err := l.engine.CreateConfig(ctx, defName, labels, defRaw); err != nil {
		return "", err
	}

	restart := restartPolicy(inst)
	if restart == "" {
		restart = "any"
	}
	spec := ServiceSpec{
		Name:             name,
		Image:            image,
		Network:          s.network,
		Labels:           labels,
		Env:              []string{"UNIVERSE=" + id},
		Replicas:         settings.Replicas,
		MemLimit:         settings.MemLimit,
		Ports:            settings.OpenPorts,
		Mounts:           settings.Mounts,
		Constraints:      settings.Constraints,
		RestartCondition: restart,
		Configs: []ConfigRef{
			{Name: cfgName, Target: definitions.SettingsPath},
			{Name: defName, Target: definitions.DefinitionPath},
		},
		HealthCmd: fmt.Sprintf("oxo agent healthcheck --host 127.0.0.1 --port %d", settings.HealthcheckPort),
	}
	s.track(name, "")
	if err := l.engine.CreateService(ctx, spec); err != nil {
		return "", err
	}

	if r, err := l.engine.Logs(ctx, name); err != nil {
		l.logger.Warn().Err(err).Str("service", name).Msg("cannot follow logs")
	} else {
		s.mux.Follow(ctx, name, r)
	}
	return name, nil
}

// resolveDefinition returns the definition mounted into the agent container.
// Agents listed by a group only carry settings, so their definition is read
// from the image label and the group settings are laid over it.
func (l *Local) resolveDefinition(ctx context.Context, inst Instance, image string) (definitions.AgentDefinition, error) {
	if !inst.Derived {
		return inst.Definition, nil
	}
	raw, err := l.engine.ImageLabel(ctx, image, LabelAgentDefinition)
	if err != nil {
		return definitions.AgentDefinition{}, fmt.Errorf("read definition of %s: %w", image, err)
	}
	if raw == "" {
		l.logger.Warn().Str("image", image).Msg("image carries no agent definition")
		return inst.Definition, nil
	}
	def, err := definitions.ParseAgentDefinition(strings.NewReader(raw))
	if err != nil {
		return definitions.AgentDefinition{}, fmt.Errorf("definition of %s: %w", image, err)
	}
	return def.WithSettings(inst.Settings), nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (l *Local) backoff() Backoff {
	return Backoff{Attempts: l.cfg.HealthAttempts, Base: l.cfg.HealthBaseDelay, Max: l.cfg.HealthMaxDelay}
}

// gateAll probes services concurrently and returns the first failure.
func (l *Local) gateAll(ctx context.Context, services []string) error {
	errs := make([]error, len(services))
	var wg sync.WaitGroup
	for i, name := range services {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			errs[i] = gate(ctx, l.prober, name, l.backoff())
		}(i, name)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (l *Local) inject(ctx context.Context, mqService string, asset Asset) error {
	port, err := l.engine.PublishedPort(ctx, mqService, mqPort)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("amqp://%s:%s@%s:%d/", l.cfg.MQUser, l.cfg.MQPassword, l.busHost, port)
	pub, err := l.publisher(url, l.cfg.MQExchange)
	if err != nil {
		return err
	}
	defer pub.Close()

	raw, err := message.NewJSONRegistry("v3").Serialize(asset.Selector(), asset.Data)
	if err != nil {
		return err
	}
	body, err := message.WrapControl(nil, raw)
	if err != nil {
		return err
	}
	return pub.Publish(ctx, message.RoutingKey(asset.Selector(), message.NewDeliveryID()), body)
}

// watch marks the scan COMPLETED once no agent task is left running.
func (l *Local) watch(ctx context.Context, s *localScan) {
	interval := l.cfg.MonitorInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			done, err := l.agentsExited(ctx, s)
			if err != nil {
				l.logger.Warn().Err(err).Str("scan_id", s.handle.ID()).Msg("monitor check failed")
				continue
			}
			if !done {
				continue
			}
			if err := s.handle.transition(StateCompleted, nil); err != nil {
				return
			}
			if err := l.release(ctx, s); err != nil {
				l.logger.Error().Err(err).Str("scan_id", s.handle.ID()).Msg("teardown after completion incomplete")
			}
			return
		}
	}
}

func (l *Local) agentsExited(ctx context.Context, s *localScan) (bool, error) {
	services, _ := s.tracked()
	id := s.handle.ID()
	for _, name := range services {
		if name == "mq_"+id || name == "redis_"+id {
			continue
		}
		n, err := l.engine.RunningTasks(ctx, name)
		if err != nil {
			return false, err
		}
		if n > 0 {
			return false, nil
		}
	}
	return true, nil
}

// Stop tears a scan down. Stopping a scan that already ended is a no-op;
// released scans are looked up in the store.
func (l *Local) Stop(ctx context.Context, scanID string) error {
	l.mu.Lock()
	s := l.scans[scanID]
	l.mu.Unlock()

	if s == nil {
		return l.stopDetached(ctx, scanID)
	}
	if err := s.handle.transition(StateStopped, nil); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return nil
		}
		return err
	}
	return l.shutdown(ctx, s)
}

// stopDetached removes the resources of a scan started by another process.
func (l *Local) stopDetached(ctx context.Context, scanID string) error {
	scan, err := l.store.Get(ctx, scanID)
	known := err == nil
	if err != nil && !errors.Is(err, ErrScanNotFound) {
		return err
	}

	removed, err := l.sweep(ctx, scanID, networkPrefix+scanID, nil, nil)
	if err != nil {
		return err
	}
	if !known && removed == 0 {
		return ErrScanNotFound
	}
	if known && !scan.State.Terminal() {
		return l.store.UpdateState(ctx, scanID, StateStopped, "")
	}
	return nil
}

// shutdown stops background work, removes every resource and archives logs.
func (l *Local) shutdown(ctx context.Context, s *localScan) error {
	s.cancel()
	s.monitor.Wait()
	return l.release(ctx, s)
}

func (l *Local) release(ctx context.Context, s *localScan) error {
	s.releaseOnce.Do(func() {
		s.cancel()
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()

		services, configs := s.tracked()
		if _, err := l.sweep(tctx, s.handle.ID(), s.network, services, configs); err != nil {
			s.releaseErr = err
		}
		s.mux.Wait()
		l.archive(tctx, s)

		l.mu.Lock()
		delete(l.scans, s.handle.ID())
		l.mu.Unlock()
	})
	return s.releaseErr
}

// sweep removes tracked resources plus anything labelled with the scan id and
// returns how many it removed.
func (l *Local) sweep(ctx context.Context, scanID, network string, services, configs []string) (int, error) {
	label := LabelUniverse + "=" + scanID
	var errs []error
	removed := 0

	if listed, err := l.engine.ListServices(ctx, label); err != nil {
		errs = append(errs, err)
	} else {
		services = union(services, listed)
	}
	for _, name := range services {
		if err := l.engine.RemoveService(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("remove service %s: %w", name, err))
			continue
		}
		removed++
	}

	if listed, err := l.engine.ListConfigs(ctx, label); err != nil {
		errs = append(errs, err)
	} else {
		configs = union(configs, listed)
	}
	for _, name := range configs {
		if err := l.engine.RemoveConfig(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("remove config %s: %w", name, err))
			continue
		}
		removed++
	}

	listedNetworks, err := l.engine.ListNetworks(ctx, label)
	if err != nil {
		errs = append(errs, err)
	}
	for _, name := range union([]string{network}, listedNetworks) {
		// Task shutdown releases network endpoints asynchronously.
		err := retry(ctx, l.cfg.InfraAttempts, l.cfg.InfraBackoff, func() error { return l.engine.RemoveNetwork(ctx, name) })
		if err != nil {
			errs = append(errs, fmt.Errorf("remove network %s: %w", name, err))
			continue
		}
		if slices.Contains(listedNetworks, name) {
			removed++
		}
	}

	l.metrics.Teardowns.Inc()
	return removed, errors.Join(errs...)
}

func union(a, b []string) []string {
	out := slices.Clone(a)
	for _, v := range b {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func (l *Local) archive(ctx context.Context, s *localScan) {
	if l.archiver == nil {
		return
	}
	url, err := l.archiver.Archive(ctx, s.handle.ID(), s.mux.Archive())
	if err != nil {
		l.logger.Warn().Err(err).Str("scan_id", s.handle.ID()).Msg("archive logs")
		return
	}
	if url == "" {
		return
	}
	if err := l.store.SetLogURL(ctx, s.handle.ID(), url); err != nil {
		l.logger.Warn().Err(err).Str("scan_id", s.handle.ID()).Msg("record log url")
	}
	l.logger.Info().Str("scan_id", s.handle.ID()).Str("url", url).Msg("scan logs archived")
}

func (l *Local) onTransition(id string, from, to State, cause error) {
	l.metrics.Transitions.WithLabelValues(string(to)).Inc()

	event := l.logger.Info()
	if to == StateFailed {
		event = l.logger.Error().Err(cause)
	}
	event.Str("scan_id", id).Str("from", string(from)).Str("to", string(to)).Msg("scan state changed")

	causeText := ""
	if cause != nil {
		causeText = cause.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := l.store.UpdateState(ctx, id, to, causeText); err != nil {
		l.logger.Warn().Err(err).Str("scan_id", id).Msg("persist scan state")
	}
}

// List returns stored scans, newest first.
func (l *Local) List(ctx context.Context) ([]Scan, error) {
	return l.store.List(ctx)
}

// Handle returns the live handle of a scan started by this process. Scans
// are forgotten once their resources are released.
func (l *Local) Handle(scanID string) (*ScanHandle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.scans[scanID]
	if !ok {
		return nil, false
	}
	return s.handle, true
}
