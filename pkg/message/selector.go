package message

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Selector is a dot-delimited hierarchical topic name such as v3.report.vulnerability.
type Selector string

var (
	rootToken     = regexp.MustCompile(`^v[0-9]+$`)
	selectorToken = regexp.MustCompile(`^[a-z0-9_]+$`)
)

// Validate reports whether the selector follows the versioned lowercase grammar.
func (s Selector) Validate() error {
	if s == "" {
		return fmt.Errorf("selector is empty")
	}
	tokens := strings.Split(string(s), ".")
	if !rootToken.MatchString(tokens[0]) {
		return fmt.Errorf("selector %q: root %q is not a version token", s, tokens[0])
	}
	for _, token := range tokens[1:] {
		if !selectorToken.MatchString(token) {
			return fmt.Errorf("selector %q: invalid token %q", s, token)
		}
	}
	return nil
}

// Parent returns the selector with its last token removed, or "" for a root.
func (s Selector) Parent() Selector {
	idx := strings.LastIndexByte(string(s), '.')
	if idx < 0 {
		return ""
	}
	return s[:idx]
}

func (s Selector) String() string { return string(s) }

// Matches reports whether a message published on published is delivered to a
// subscription on subscribed: equal, or a dot-prefixed descendant.
func Matches(subscribed, published Selector) bool {
	if subscribed == published {
		return true
	}
	return strings.HasPrefix(string(published), string(subscribed)+".")
}

// MatchesAny reports whether published matches at least one of subscribed.
func MatchesAny(subscribed []Selector, published Selector) bool {
	for _, s := range subscribed {
		if Matches(s, published) {
			return true
		}
	}
	return false
}

// RoutingKey builds the publish key for one delivery of selector.
func RoutingKey(selector Selector, deliveryID string) string {
	return string(selector) + "." + deliveryID
}

// BindingKey builds the topic-exchange binding that receives selector and all
// of its descendants.
func BindingKey(selector Selector) string {
	return string(selector) + ".#"
}

// NewDeliveryID returns a unique, sortable id used as the routing key suffix.
func NewDeliveryID() string {
	return strings.ToLower(ulid.Make().String())
}
