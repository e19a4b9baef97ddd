// Package fsm defines the control-port coordinator lifecycle.
package fsm

import "fmt"

type State string

type Event string

const (
	StateIdle         State = "idle"
	StateListening    State = "listening"
	StateShuttingDown State = "shutting_down"
	StateClosed       State = "closed"
)

const (
	EventStart  Event = "start"
	EventComply Event = "comply"
	EventClose  Event = "close"
)

func Transition(current State, event Event) (State, error) {
	switch current {
	case StateIdle:
		switch event {
		case EventStart:
			return StateListening, nil
		case EventClose:
			return StateClosed, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateListening:
		switch event {
		case EventComply:
			return StateShuttingDown, nil
		case EventClose:
			return StateClosed, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateShuttingDown:
		switch event {
		case EventClose:
			return StateClosed, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateClosed:
		switch event {
		case EventClose:
			return StateClosed, nil
		default:
			return current, invalidTransition(current, event)
		}
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
