package runtime

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle position of a scan.
type State string

const (
	StatePending        State = "PENDING"
	StateBusStarting    State = "BUS_STARTING"
	StateAgentsStarting State = "AGENTS_STARTING"
	StateHealthGating   State = "HEALTH_GATING"
	StateAssetInjected  State = "ASSET_INJECTED"
	StateRunning        State = "RUNNING"
	StateCompleted      State = "COMPLETED"
	StateFailed         State = "FAILED"
	StateStopped        State = "STOPPED"
)

// ErrInvalidTransition is returned when a state change skips or reverses the
// lifecycle.
var ErrInvalidTransition = errors.New("invalid state transition")

var transitions = map[State][]State{
	StatePending:        {StateBusStarting},
	StateBusStarting:    {StateAgentsStarting},
	StateAgentsStarting: {StateHealthGating},
	StateHealthGating:   {StateAssetInjected},
	StateAssetInjected:  {StateRunning},
	StateRunning:        {StateCompleted},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateStopped
}

// CanTransition reports whether s may move to next. Any live state may fail
// or be stopped.
func (s State) CanTransition(next State) bool {
	if s.Terminal() {
		return false
	}
	if next == StateFailed || next == StateStopped {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ScanHandle tracks the live state of one scan.
type ScanHandle struct {
	id string

	mu        sync.Mutex
	state     State
	cause     error
	updatedAt time.Time
	done      chan struct{}
	onChange  func(id string, from, to State, cause error)
}

func newScanHandle(id string, onChange func(id string, from, to State, cause error)) *ScanHandle {
	return &ScanHandle{
		id:        id,
		state:     StatePending,
		updatedAt: time.Now().UTC(),
		done:      make(chan struct{}),
		onChange:  onChange,
	}
}

// NewScanHandleAt returns a handle for a scan whose earlier lifecycle happened elsewhere.
func NewScanHandleAt(id string, state State) *ScanHandle {
	h := newScanHandle(id, nil)
	h.state = state
	if state.Terminal() {
		close(h.done)
	}
	return h
}

// ID returns the scan id.
func (h *ScanHandle) ID() string { return h.id }

// State returns the current state.
func (h *ScanHandle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Cause returns why the scan failed, if it did.
func (h *ScanHandle) Cause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cause
}

// Done is closed when the scan reaches a terminal state.
func (h *ScanHandle) Done() <-chan struct{} { return h.done }

func (h *ScanHandle) transition(next State, cause error) error {
	h.mu.Lock()
	prev := h.state
	if !prev.CanTransition(next) {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, next)
	}
	h.state = next
	h.updatedAt = time.Now().UTC()
	if next == StateFailed {
		h.cause = cause
	}
	if next.Terminal() {
		close(h.done)
	}
	onChange := h.onChange
	h.mu.Unlock()

	if onChange != nil {
		onChange(h.id, prev, next, cause)
	}
	return nil
}
