package conn

import "github.com/peerchat/peerchat/internal/chat"

// Event is one entry on the Manager's ordered event stream. Events are
// published in the order their transitions happened; the consumer (the
// presentation adapter) sees state exactly as the Manager produced it and
// never mid-transition.
type Event interface {
	event()
}

// IdentityAssigned fires once when registration succeeds.
type IdentityAssigned struct {
	Identity string
}

// StateChanged fires on every lifecycle transition. Reason is non-nil for
// failure-driven transitions.
type StateChanged struct {
	Prev   State
	Next   State
	Reason error
}

// MessageSent fires when a local message has been accepted by the transport.
type MessageSent struct {
	Message chat.Message
}

// MessageReceived fires for every well-formed inbound text frame.
type MessageReceived struct {
	Message chat.Message
}

// FrameDropped is the diagnostic for a malformed inbound frame. The
// session stays open.
type FrameDropped struct {
	Reason error
}

// SendFailed fires when a validated send was refused by the transport. It
// carries the original content so the UI can re-offer it.
type SendFailed struct {
	Content string
	Reason  error
}

func (IdentityAssigned) event() {}
func (StateChanged) event()     {}
func (MessageSent) event()      {}
func (MessageReceived) event()  {}
func (FrameDropped) event()     {}
func (SendFailed) event()       {}
