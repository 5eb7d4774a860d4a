package agent

import (
	"context"

	"oxo/pkg/message"
)

// DeliveryHandler receives one raw delivery. Returning an error asks the
// transport to redeliver.
type DeliveryHandler func(ctx context.Context, routingKey string, body []byte) error

// Transport binds an agent to a bus.
type Transport interface {
	// Init declares the agent's queue and bindings for selectors.
	Init(ctx context.Context, selectors []message.Selector) error
	// Run starts consuming in the background and returns immediately.
	Run(ctx context.Context, handler DeliveryHandler) error
	Publish(ctx context.Context, routingKey string, body []byte) error
	// Close drains in-flight deliveries and disconnects.
	Close() error
	Healthy() bool
}
