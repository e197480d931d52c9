// Package chat layers the message channel on top of an open transport
// session: it frames outgoing text, deframes inbound frames, and assigns
// each message its place in the session's sequence.
package chat

import "time"

// Origin tells which endpoint created a message.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Message is one chat message within a session. Immutable after creation;
// discarded when the session ends.
type Message struct {
	Content   string
	Origin    Origin
	Seq       uint64 // strictly increasing per session, starting at 1
	CreatedAt time.Time
}
