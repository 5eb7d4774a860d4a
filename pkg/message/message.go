package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ControlSelector wraps every message on the agent bus with its routing path.
const ControlSelector Selector = "v3.control"

// Message is the envelope exchanged between agents. Raw is opaque to the
// envelope; a Registry gives it meaning.
type Message struct {
	Selector Selector
	Raw      []byte
}

// New returns a message for selector carrying raw.
func New(selector Selector, raw []byte) Message {
	return Message{Selector: selector, Raw: raw}
}

// RoutingKey returns the wire key for a delivery of m.
func (m Message) RoutingKey(deliveryID string) string {
	return RoutingKey(m.Selector, deliveryID)
}

// FromDelivery rebuilds a message from a transport routing key, dropping the
// per-delivery suffix.
func FromDelivery(routingKey string, body []byte) (Message, error) {
	idx := strings.LastIndexByte(routingKey, '.')
	if idx <= 0 || idx == len(routingKey)-1 {
		return Message{}, fmt.Errorf("routing key %q has no delivery id", routingKey)
	}
	return Message{Selector: Selector(routingKey[:idx]), Raw: body}, nil
}

// Control carries the ordered list of agents a message has passed through.
type Control struct {
	Agents []string `json:"agents"`
}

type controlEnvelope struct {
	Control Control `json:"control"`
	Message []byte  `json:"message"`
}

// WrapControl encodes raw in a control envelope with the given agent path.
func WrapControl(agents []string, raw []byte) ([]byte, error) {
	if agents == nil {
		agents = []string{}
	}
	return json.Marshal(controlEnvelope{Control: Control{Agents: agents}, Message: raw})
}

// UnwrapControl decodes a control envelope.
func UnwrapControl(body []byte) (Control, []byte, error) {
	var env controlEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Control{}, nil, &MalformedPayloadError{Selector: ControlSelector, Err: err}
	}
	if env.Message == nil {
		return Control{}, nil, &MalformedPayloadError{Selector: ControlSelector, Err: errors.New("message missing")}
	}
	return env.Control, env.Message, nil
}
