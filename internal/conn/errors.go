package conn

import "errors"

// Validation errors: rejected synchronously, no state change, never reach
// the transport layer.
var (
	ErrEmptyPeerID      = errors.New("peer id is empty")
	ErrSelfConnection   = errors.New("cannot connect to own identity")
	ErrAlreadyConnected = errors.New("a connection is already in progress or open")
	ErrNotRegistered    = errors.New("no identity assigned yet")
	ErrNotConnected     = errors.New("no open connection")
)

// ErrConnectTimeout is the synthesized reason when a connect attempt
// expires. The resulting Failed state accepts a fresh connect intent.
var ErrConnectTimeout = errors.New("connection attempt timed out")
