// Package conn owns the connection lifecycle: a single state machine that
// drives registration, connection establishment and teardown, and message
// send/receive, and publishes an ordered event stream for the presentation
// layer.
package conn

// State is the connection lifecycle state. Exactly one instance exists per
// process, owned by the Manager and mutated only through its transitions.
type State string

const (
	StateIdle        State = "idle"
	StateRegistering State = "registering"
	StateConnecting  State = "connecting"
	StateOpen        State = "open"
	StateClosing     State = "closing"
	StateClosed      State = "closed"
	StateFailed      State = "failed"
)

// UIState tells the presentation layer which controls make sense right now.
type UIState struct {
	ConnectEnabled bool
	SendEnabled    bool
}

// DeriveUIState maps a lifecycle state to UI affordances. Pure function, no
// side effects: connecting is allowed from every state that accepts a
// connect intent, sending only while a session is open.
func DeriveUIState(s State) UIState {
	return UIState{
		ConnectEnabled: s == StateIdle || s == StateClosed || s == StateFailed,
		SendEnabled:    s == StateOpen,
	}
}
