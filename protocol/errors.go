package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolViolation is returned when the peer sends events the
	// request head does not allow, such as more body bytes than declared
	// or an end marker before the declared body. The connection must be
	// torn down.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrInvalidState is returned when events are delivered out of order.
	// A correct transport never causes it.
	ErrInvalidState = errors.New("invalid handler state")
)

// StateError reports an event delivered in a state that cannot accept it.
type StateError struct {
	State State
	Event string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("unexpected %s event in state %s", e.Event, e.State)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }
