package mq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"oxo/pkg/agent"
	"oxo/pkg/message"
)

const (
	exchangeKind      = "topic"
	exchangeMaxLength = 10000
	publishAttempts   = 3
	publishBackoff    = 2 * time.Second
)

// Client binds an agent to a topic exchange. Each agent owns one durable
// queue named <name>_queue bound with <selector>.# for every in selector.
type Client struct {
	url         string
	exchange    string
	queue       string
	maxPriority uint8
	logger      zerolog.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	consume *amqp.Channel

	pubMu sync.Mutex
	pubCh *amqp.Channel

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ agent.Transport = (*Client)(nil)

// Option customises a Client.
type Option func(*Client)

// WithMaxPriority declares the queue as a priority queue.
func WithMaxPriority(p uint8) Option {
	return func(c *Client) { c.maxPriority = p }
}

// New returns an unconnected client.
func New(url, exchange, name string, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		url:      url,
		exchange: exchange,
		queue:    name + "_queue",
		logger:   logger.With().Str("component", "mq").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Queue returns the name of the agent's queue.
func (c *Client) Queue() string { return c.queue }

func (c *Client) connect() (*amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return nil, fmt.Errorf("dial mq: %w", err)
	}
	c.conn = conn
	return conn, nil
}

func (c *Client) declareExchange(ch *amqp.Channel) error {
	return ch.ExchangeDeclare(c.exchange, exchangeKind, true, false, false, false, amqp.Table{
		"x-max-length": int32(exchangeMaxLength),
		"x-overflow":   "reject-publish",
	})
}

// Init declares the exchange, the agent queue and its bindings.
func (c *Client) Init(ctx context.Context, selectors []message.Selector) error {
	conn, err := c.connect()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("set qos: %w", err)
	}
	if err := c.declareExchange(ch); err != nil {
		_ = ch.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}

	var args amqp.Table
	if c.maxPriority > 0 {
		args = amqp.Table{"x-max-priority": int32(c.maxPriority)}
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, args); err != nil {
		_ = ch.Close()
		return fmt.Errorf("declare queue %s: %w", c.queue, err)
	}
	for _, key := range BindingKeys(selectors) {
		if err := ch.QueueBind(c.queue, key, c.exchange, false, nil); err != nil {
			_ = ch.Close()
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}

	c.mu.Lock()
	c.consume = ch
	c.mu.Unlock()
	return nil
}

// BindingKeys maps selectors to wildcard-suffixed binding keys.
func BindingKeys(selectors []message.Selector) []string {
	keys := make([]string, 0, len(selectors))
	for _, s := range selectors {
		keys = append(keys, message.BindingKey(s))
	}
	return keys
}

// Run starts the consumer goroutine and returns.
func (c *Client) Run(ctx context.Context, handler agent.DeliveryHandler) error {
	if handler == nil {
		return errors.New("nil handler")
	}
	c.mu.Lock()
	ch := c.consume
	c.mu.Unlock()
	if ch == nil {
		return errors.New("mq not initialised")
	}

	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					c.logger.Warn().Msg("delivery channel closed")
					return
				}
				err := handler(runCtx, d.RoutingKey, d.Body)
				if serr := settle(d, d.Redelivered, err); serr != nil {
					c.logger.Error().Err(serr).Str("routing_key", d.RoutingKey).Msg("settle delivery")
				}
			}
		}
	}()
	return nil
}

type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// settle acks a handled delivery. A failed delivery is requeued once; a
// failure on redelivery rejects it for good.
func settle(d acknowledger, redelivered bool, handleErr error) error {
	if handleErr == nil {
		return d.Ack(false)
	}
	return d.Nack(false, !redelivered)
}

// Publish sends a persistent message, reconnecting on closed connections.
func (c *Client) Publish(ctx context.Context, routingKey string, body []byte) error {
	var lastErr error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		lastErr = c.publishOnce(ctx, routingKey, body)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, amqp.ErrClosed) {
			return lastErr
		}
		c.resetPublisher()
		c.logger.Warn().Err(lastErr).Int("attempt", attempt).Msg("publish on closed connection, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(publishBackoff):
		}
	}
	return lastErr
}

func (c *Client) publishOnce(ctx context.Context, routingKey string, body []byte) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	if c.pubCh == nil || c.pubCh.IsClosed() {
		conn, err := c.connect()
		if err != nil {
			return err
		}
		ch, err := conn.Channel()
		if err != nil {
			return fmt.Errorf("open publish channel: %w", err)
		}
		if err := c.declareExchange(ch); err != nil {
			_ = ch.Close()
			return fmt.Errorf("declare exchange: %w", err)
		}
		c.pubCh = ch
	}

	return c.pubCh.PublishWithContext(ctx, c.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

func (c *Client) resetPublisher() {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if c.pubCh != nil {
		_ = c.pubCh.Close()
		c.pubCh = nil
	}
}

// Close stops the consumer, waits for the in-flight delivery and disconnects.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.resetPublisher()

	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	if c.consume != nil {
		if err := c.consume.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			firstErr = err
		}
		c.consume = nil
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) && firstErr == nil {
			firstErr = err
		}
		c.conn = nil
	}
	return firstErr
}

// Healthy reports whether the connection is open.
func (c *Client) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.IsClosed()
}
