// Package status infers the semantic state of an agent session from the
// text captured off its terminal.
package status

import (
	"fmt"
	"strings"
)

// State is the semantic state of a session.
type State string

const (
	Unknown           State = "unknown"
	Idle              State = "idle"
	Running           State = "running"
	WaitingPermission State = "waiting_permission"
	WaitingQuestion   State = "waiting_question"
	Stopped           State = "stopped"
)

// AllStates lists every state in display order.
var AllStates = []State{Running, WaitingPermission, WaitingQuestion, Idle, Unknown, Stopped}

// ClassifiableStates are the states a classifier strategy can produce from
// text. Stopped is only ever decided by backend liveness.
var ClassifiableStates = []State{WaitingPermission, WaitingQuestion, Running, Idle}

// IsWaiting reports whether the session is blocked on the user.
func (s State) IsWaiting() bool {
	return s == WaitingPermission || s == WaitingQuestion
}

// Label is the short human form used in tables and the dashboard.
func (s State) Label() string {
	switch s {
	case WaitingPermission:
		return "permission"
	case WaitingQuestion:
		return "question"
	case "":
		return string(Unknown)
	default:
		return string(s)
	}
}

// ParseState accepts the persisted form plus a few aliases used in configs
// and fixture directory names.
func ParseState(s string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "idle":
		return Idle, nil
	case "running", "busy":
		return Running, nil
	case "waiting_permission", "permission", "waiting-permission":
		return WaitingPermission, nil
	case "waiting_question", "question", "waiting-question":
		return WaitingQuestion, nil
	case "stopped":
		return Stopped, nil
	case "unknown", "":
		return Unknown, nil
	}
	return Unknown, fmt.Errorf("unknown state %q", s)
}
