package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	defaultAckWait    = 30 * time.Second
	defaultFetchWait  = 5 * time.Second
	defaultBatch      = 1
	defaultMaxDeliver = 5
	defaultNakDelay   = 10 * time.Second
	maxNakDelay       = 5 * time.Minute
	fetchErrBackoff   = time.Second
)

// Handler processes one job payload. A non-nil error naks the message so it
// is redelivered after a delay, until the delivery limit is reached.
type Handler func(ctx context.Context, data []byte) error

// Bus wraps a NATS JetStream connection for durable job dispatch.
type Bus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger zerolog.Logger

	ackWait    time.Duration
	fetchWait  time.Duration
	batch      int
	maxDeliver int
	nakDelay   time.Duration
	heartbeat  time.Duration
	deadLetter string
}

// Option customises a Bus.
type Option func(*Bus)

// WithAckWait sets how long a fetched job may stay unacknowledged before it
// is redelivered.
func WithAckWait(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.ackWait = d
		}
	}
}

// WithBatch sets the number of jobs pulled per fetch.
func WithBatch(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.batch = n
		}
	}
}

// WithMaxDeliver caps how many times a job is delivered. The last failure
// terminates the job and, when configured, copies it to the dead-letter
// subject.
func WithMaxDeliver(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxDeliver = n
		}
	}
}

// WithNakDelay sets the redelivery delay after a first failure. It grows
// with each further attempt.
func WithNakDelay(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.nakDelay = d
		}
	}
}

// WithHeartbeat sets how often a job still being handled extends its ack
// deadline. Zero keeps the default of a third of the ack wait.
func WithHeartbeat(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.heartbeat = d
		}
	}
}

// WithDeadLetter publishes jobs that exhausted their deliveries to subject.
func WithDeadLetter(subject string) Option {
	return func(b *Bus) { b.deadLetter = subject }
}

// WithFetchWait bounds a single pull request.
func WithFetchWait(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.fetchWait = d
		}
	}
}

// New creates a Bus connected to the provided NATS endpoint.
func New(url string, logger zerolog.Logger, natsOpts []nats.Option, opts ...Option) (*Bus, error) {
	nc, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	b := &Bus{
		conn:      nc,
		js:        js,
		logger:    logger.With().Str("component", "bus").Logger(),
		ackWait:    defaultAckWait,
		fetchWait:  defaultFetchWait,
		batch:      defaultBatch,
		maxDeliver: defaultMaxDeliver,
		nakDelay:   defaultNakDelay,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.heartbeat == 0 {
		b.heartbeat = b.ackWait / 3
	}
	return b, nil
}

// Close shuts down the underlying NATS connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Connected reports whether the NATS connection is up.
func (b *Bus) Connected() bool {
	return b != nil && b.conn.IsConnected()
}

// Publish encodes v as JSON and publishes it to the given subject.
func (b *Bus) Publish(ctx context.Context, subj string, v any) error {
	if b == nil {
		return errors.New("nil bus")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	_, err = b.js.Publish(subj, data, nats.Context(ctx))
	return err
}

// AddStream declares a durable stream for subjects. An existing stream is
// left untouched.
func (b *Bus) AddStream(ctx context.Context, name string, subjects []string) error {
	if b == nil {
		return errors.New("nil bus")
	}
	if _, err := b.js.StreamInfo(name, nats.Context(ctx)); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", name, err)
	}

	_, err := b.js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: subjects,
		Storage:  nats.FileStorage,
	}, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("add stream %s: %w", name, err)
	}
	return nil
}

type subscription struct {
	sub    *nats.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Close stops fetching and waits for the in-flight job. The durable consumer
// is kept so other queue members continue to receive jobs.
func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return nil
}

// Subscribe binds a durable pull consumer named queue on subject. Every
// member subscribing with the same queue shares the consumer, so each job
// reaches exactly one of them.
func (b *Bus) Subscribe(ctx context.Context, subject, queue string, fn Handler) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}
	if queue == "" {
		return nil, errors.New("queue is required")
	}

	stream, err := b.js.StreamNameBySubject(subject, nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("lookup stream for %s: %w", subject, err)
	}

	if err := b.ensureConsumer(ctx, stream, subject, queue); err != nil {
		return nil, err
	}

	sub, err := b.js.PullSubscribe(subject, queue, nats.Bind(stream, queue))
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s := &subscription{sub: sub, cancel: cancel}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		b.fetchLoop(loopCtx, sub, subject, fn)
	}()

	return s, nil
}

// ensureConsumer creates the durable consumer shared by queue members, or
// brings an existing one to the current delivery settings.
func (b *Bus) ensureConsumer(ctx context.Context, stream, subject, queue string) error {
	cfg := &nats.ConsumerConfig{
		Durable:       queue,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       b.ackWait,
		MaxDeliver:    b.maxDeliver,
		DeliverPolicy: nats.DeliverAllPolicy,
	}

	info, err := b.js.ConsumerInfo(stream, queue, nats.Context(ctx))
	switch {
	case errors.Is(err, nats.ErrConsumerNotFound):
		if _, err := b.js.AddConsumer(stream, cfg, nats.Context(ctx)); err != nil {
			return fmt.Errorf("add consumer %s: %w", queue, err)
		}
	case err != nil:
		return fmt.Errorf("consumer info %s: %w", queue, err)
	case info.Config.AckWait != cfg.AckWait || info.Config.MaxDeliver != cfg.MaxDeliver:
		if _, err := b.js.UpdateConsumer(stream, cfg, nats.Context(ctx)); err != nil {
			return fmt.Errorf("update consumer %s: %w", queue, err)
		}
	}
	return nil
}

func (b *Bus) policy() settlePolicy {
	p := settlePolicy{
		maxDeliver: b.maxDeliver,
		nakDelay:   b.nakDelay,
		heartbeat:  b.heartbeat,
	}
	if b.deadLetter != "" {
		subject := b.deadLetter
		p.deadLetter = func(data []byte) error {
			_, err := b.js.Publish(subject, data)
			return err
		}
	}
	return p
}

func (b *Bus) fetchLoop(ctx context.Context, sub *nats.Subscription, subject string, fn Handler) {
	logger := b.logger.With().Str("subject", subject).Logger()
	policy := b.policy()
	for {
		if ctx.Err() != nil {
			return
		}

		fetchCtx, cancel := context.WithTimeout(ctx, b.fetchWait)
		msgs, err := sub.Fetch(b.batch, nats.Context(fetchCtx))
		cancel()

		switch {
		case err == nil:
		case ctx.Err() != nil:
			return
		case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			continue
		case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrBadSubscription):
			logger.Error().Err(err).Msg("stop fetching")
			return
		default:
			logger.Warn().Err(err).Msg("fetch failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(fetchErrBackoff):
			}
			continue
		}

		for _, msg := range msgs {
			if err := deliver(ctx, msg.Data, msg, fn, policy, logger); err != nil {
				logger.Warn().Err(err).Msg("job failed")
			}
		}
	}
}

type acker interface {
	Ack(opts ...nats.AckOpt) error
	NakWithDelay(delay time.Duration, opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
	InProgress(opts ...nats.AckOpt) error
	Metadata() (*nats.MsgMetadata, error)
}

// settlePolicy decides how a handled job is acknowledged.
type settlePolicy struct {
	maxDeliver int
	nakDelay   time.Duration
	heartbeat  time.Duration
	deadLetter func(data []byte) error
}

// retryDelay returns the nak delay after the given delivery attempt.
func (p settlePolicy) retryDelay(attempt uint64) time.Duration {
	d := p.nakDelay
	for i := uint64(1); i < attempt && d < maxNakDelay; i++ {
		d *= 2
	}
	return min(d, maxNakDelay)
}

// deliver runs fn while extending the ack deadline, then settles the message:
// ack on success, delayed nak on failure, term once the delivery limit is
// reached. It returns the handler error, if any.
func deliver(ctx context.Context, data []byte, msg acker, fn Handler, p settlePolicy, logger zerolog.Logger) error {
	handlerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := make(chan struct{})
	var beats sync.WaitGroup
	if p.heartbeat > 0 {
		beats.Add(1)
		go func() {
			defer beats.Done()
			ticker := time.NewTicker(p.heartbeat)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					if err := msg.InProgress(); err != nil {
						logger.Warn().Err(err).Msg("extend ack deadline")
					}
				}
			}
		}()
	}

	err := fn(handlerCtx, data)
	close(stop)
	beats.Wait()

	if err == nil {
		_ = msg.Ack()
		return nil
	}

	attempt := uint64(1)
	if meta, merr := msg.Metadata(); merr == nil {
		attempt = meta.NumDelivered
	}
	if p.maxDeliver > 0 && attempt >= uint64(p.maxDeliver) {
		if p.deadLetter != nil {
			if derr := p.deadLetter(data); derr != nil {
				logger.Error().Err(derr).Msg("dead-letter job")
			}
		}
		_ = msg.Term()
		logger.Error().Err(err).Uint64("attempt", attempt).Msg("job terminated after final delivery")
		return err
	}
	_ = msg.NakWithDelay(p.retryDelay(attempt))
	return err
}
