package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"oxo/pkg/definitions"
	"oxo/pkg/message"
)

// Processor handles one inbound message.
type Processor interface {
	Process(ctx context.Context, msg message.Message) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, msg message.Message) error

func (f ProcessorFunc) Process(ctx context.Context, msg message.Message) error { return f(ctx, msg) }

// Starter is implemented by agents that originate work. Start runs once
// before consumption begins.
type Starter interface {
	Start(ctx context.Context) error
}

// NonListedMessageSelectorError is returned by Emit for a selector outside
// the agent's declared out selectors.
type NonListedMessageSelectorError struct {
	Selector     message.Selector
	OutSelectors []message.Selector
}

func (e *NonListedMessageSelectorError) Error() string {
	out := make([]string, len(e.OutSelectors))
	for i, s := range e.OutSelectors {
		out[i] = string(s)
	}
	return fmt.Sprintf("selector %q is not in out selectors [%s]", e.Selector, strings.Join(out, ", "))
}

// Options are the collaborators composed into an Agent.
type Options struct {
	Definition definitions.AgentDefinition
	Settings   definitions.AgentSettings
	Processor  Processor
	Transport  Transport
	Health     *HealthRegistry
	Store      PersistenceStore
	Tracer     trace.Tracer
	Registry   *message.Registry
	KB         *definitions.KB
	Logger     zerolog.Logger
}

// Agent runs a Processor against a Transport with health, dedup and tracing
// capabilities injected at construction.
type Agent struct {
	def       definitions.AgentDefinition
	settings  definitions.AgentSettings
	processor Processor
	transport Transport
	health    *HealthRegistry
	store     PersistenceStore
	tracer    trace.Tracer
	registry  *message.Registry
	kb        *definitions.KB
	logger    zerolog.Logger
	args      map[string]any
}

// New validates opts and assembles an agent.
func New(opts Options) (*Agent, error) {
	if opts.Processor == nil {
		return nil, errors.New("processor is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if opts.Definition.Name == "" {
		return nil, errors.New("agent definition name is required")
	}

	args, err := definitions.ResolveArgs(opts.Definition.Args, opts.Settings.Args)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		def:       opts.Definition,
		settings:  opts.Settings.WithDefaults(),
		processor: opts.Processor,
		transport: opts.Transport,
		health:    opts.Health,
		store:     opts.Store,
		tracer:    opts.Tracer,
		registry:  opts.Registry,
		kb:        opts.KB,
		logger:    opts.Logger.With().Str("agent", opts.Definition.Name).Logger(),
		args:      args,
	}
	if a.health == nil {
		a.health = NewHealthRegistry()
	}
	if a.tracer == nil {
		a.tracer = noop.NewTracerProvider().Tracer("oxo/agent")
	}
	if a.registry == nil {
		a.registry = message.NewJSONRegistry("v3")
	}
	a.health.Register("bus", a.transport.Healthy)
	return a, nil
}

// Name returns the agent name.
func (a *Agent) Name() string { return a.def.Name }

// Arg returns the resolved value of a declared argument.
func (a *Agent) Arg(name string) (any, bool) {
	v, ok := a.args[name]
	return v, ok
}

// Health returns the agent's health registry.
func (a *Agent) Health() *HealthRegistry { return a.health }

// Store returns the persistence store, or nil when none is configured.
func (a *Agent) Store() PersistenceStore { return a.store }

// Registry returns the codec registry used by Emit.
func (a *Agent) Registry() *message.Registry { return a.registry }

// InSelectors returns the selectors the agent consumes. Settings override the
// definition.
func (a *Agent) InSelectors() []message.Selector {
	if len(a.settings.InSelectors) > 0 {
		return slices.Clone(a.settings.InSelectors)
	}
	return slices.Clone(a.def.InSelectors)
}

// IsOrMarkAsTested delegates to the persistence store.
func (a *Agent) IsOrMarkAsTested(ctx context.Context, fingerprint string) (bool, error) {
	if a.store == nil {
		return false, errors.New("no persistence store configured")
	}
	return a.store.IsOrMarkAsTested(ctx, fingerprint)
}

// Run serves health, initialises the transport, calls Start when implemented
// and consumes until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	addr := net.JoinHostPort(a.settings.HealthcheckHost, strconv.Itoa(a.settings.HealthcheckPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen health %s: %w", addr, err)
	}
	healthErr := make(chan error, 1)
	go func() { healthErr <- a.health.Serve(ctx, ln, a.logger) }()

	selectors := a.InSelectors()
	if err := a.transport.Init(ctx, selectors); err != nil {
		return fmt.Errorf("init transport: %w", err)
	}
	defer func() {
		if err := a.transport.Close(); err != nil {
			a.logger.Error().Err(err).Msg("close transport")
		}
	}()

	if starter, ok := a.processor.(Starter); ok {
		if err := starter.Start(ctx); err != nil {
			return fmt.Errorf("start: %w", err)
		}
	}

	if len(selectors) > 0 {
		if err := a.transport.Run(ctx, a.HandleDelivery); err != nil {
			return fmt.Errorf("run transport: %w", err)
		}
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-healthErr:
		return err
	}
}

// Emit serializes data for selector and publishes it.
func (a *Agent) Emit(ctx context.Context, selector message.Selector, data any) error {
	if err := a.checkOutSelector(selector); err != nil {
		return err
	}
	raw, err := a.registry.Serialize(selector, data)
	if err != nil {
		return err
	}
	return a.EmitRaw(ctx, selector, raw, "")
}

// EmitRaw publishes pre-serialized bytes. An empty messageID gets a fresh
// delivery id.
func (a *Agent) EmitRaw(ctx context.Context, selector message.Selector, raw []byte, messageID string) error {
	if err := a.checkOutSelector(selector); err != nil {
		return err
	}
	path := append(slices.Clone(pathFromContext(ctx)), a.def.Name)
	body, err := message.WrapControl(path, raw)
	if err != nil {
		return fmt.Errorf("wrap control: %w", err)
	}
	if messageID == "" {
		messageID = message.NewDeliveryID()
	}
	a.logger.Debug().Str("selector", string(selector)).Msg("emit")
	return a.transport.Publish(ctx, message.RoutingKey(selector, messageID), body)
}

func (a *Agent) checkOutSelector(selector message.Selector) error {
	if !message.MatchesAny(a.def.OutSelectors, selector) {
		a.logger.Error().Str("selector", string(selector)).Msg("selector not present in out selectors")
		return &NonListedMessageSelectorError{Selector: selector, OutSelectors: slices.Clone(a.def.OutSelectors)}
	}
	return nil
}

// HandleDelivery unwraps a transport delivery and runs the processor on it.
// Failures stay local to the message: they are logged and the delivery is
// acknowledged so the consumer keeps going.
func (a *Agent) HandleDelivery(ctx context.Context, routingKey string, body []byte) error {
	msg, err := message.FromDelivery(routingKey, body)
	if err != nil {
		a.logger.Error().Err(err).Str("routing_key", routingKey).Msg("drop delivery")
		return nil
	}
	control, raw, err := message.UnwrapControl(body)
	if err != nil {
		a.logger.Error().Err(err).Str("selector", string(msg.Selector)).Msg("drop malformed delivery")
		return nil
	}
	msg.Raw = raw

	if !a.accepts(control.Agents, msg.Selector) {
		return nil
	}

	ctx = withPath(ctx, control.Agents)
	ctx, span := a.tracer.Start(ctx, "process_message", trace.WithAttributes(
		attribute.String("agent.name", a.def.Name),
		attribute.String("message.selector", string(msg.Selector)),
	))
	defer span.End()

	if err := a.process(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.logger.Error().Err(err).Str("selector", string(msg.Selector)).Msg("process failed")
	}
	return nil
}

func (a *Agent) process(ctx context.Context, msg message.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in process: %v", r)
		}
	}()
	return a.processor.Process(ctx, msg)
}

func (a *Agent) accepts(path []string, selector message.Selector) bool {
	if limit := a.settings.CyclicProcessingLimit; limit > 0 {
		seen := 0
		for _, name := range path {
			if name == a.def.Name {
				seen++
			}
		}
		if seen >= limit {
			a.logger.Warn().Str("selector", string(selector)).Int("limit", limit).Msg("maximum cyclic processing limit reached")
			return false
		}
	}
	if limit := a.settings.DepthProcessingLimit; limit > 0 && len(path) >= limit {
		a.logger.Warn().
			Str("selector", string(selector)).
			Str("path", strings.Join(path, " -> ")).
			Int("limit", limit).
			Msg("maximum depth processing limit reached")
		return false
	}
	if len(path) > 0 && len(a.settings.AcceptedAgents) > 0 {
		if !slices.Contains(a.settings.AcceptedAgents, path[len(path)-1]) {
			return false
		}
	}
	return true
}

type pathKey struct{}

func withPath(ctx context.Context, path []string) context.Context {
	return context.WithValue(ctx, pathKey{}, path)
}

func pathFromContext(ctx context.Context) []string {
	path, _ := ctx.Value(pathKey{}).([]string)
	return path
}
