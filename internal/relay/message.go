// Package relay implements the signaling relay: a WebSocket server that
// assigns each connecting endpoint an opaque identity and routes SDP and
// ICE envelopes between identities. It carries connection setup metadata
// only — chat traffic never touches the relay.
package relay

// EnvelopeType identifies the kind of signaling envelope.
type EnvelopeType string

const (
	// TypeRegister is sent by a client once after connecting.
	TypeRegister EnvelopeType = "register"
	// TypeRegistered is the relay's reply carrying the assigned identity.
	TypeRegistered EnvelopeType = "registered"

	TypeOffer     EnvelopeType = "offer"
	TypeAnswer    EnvelopeType = "answer"
	TypeCandidate EnvelopeType = "candidate"

	// TypeError reports a routing failure (e.g. unknown target) back to
	// the sender.
	TypeError EnvelopeType = "error"
)

// Envelope is the JSON structure exchanged between endpoints and the relay.
// From is stamped by the relay on every routed envelope; clients cannot
// spoof it.
type Envelope struct {
	Type      EnvelopeType `json:"type"`
	From      string       `json:"from,omitempty"`
	To        string       `json:"to,omitempty"`
	SDP       string       `json:"sdp,omitempty"`
	Candidate string       `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
	ID        string       `json:"id,omitempty"`        // assigned identity on "registered"
	Error     string       `json:"error,omitempty"`
}
