package strategy

import "sync"

// StateMachine tracks one bot's lifecycle. Events that are not valid in the
// current state leave it unchanged.
type StateMachine struct {
	mu    sync.Mutex
	state State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{state: StatePending}
}

func (s *StateMachine) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Apply feeds event and returns the previous state and whether it moved.
func (s *StateMachine) Apply(event Event) (from State, moved bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from = s.state
	s.state = nextState(s.state, event)
	return from, s.state != from
}

func nextState(current State, event Event) State {
	switch current {
	case StatePending:
		switch event {
		case EventActivate:
			return StateRunning
		case EventStop:
			return StateStopping
		case EventFail:
			return StateFailed
		}
	case StateRunning:
		switch event {
		case EventPause:
			return StatePaused
		case EventStop:
			return StateStopping
		case EventFail:
			return StateFailed
		}
	case StatePaused:
		switch event {
		case EventResume:
			return StateRunning
		case EventStop:
			return StateStopping
		}
	case StateStopping:
		if event == EventDrained {
			return StateStopped
		}
	}
	return current
}

// CanApply reports whether event moves a bot out of current.
func CanApply(current State, event Event) bool {
	return nextState(current, event) != current
}
