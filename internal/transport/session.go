// Package transport wraps a single PeerConnection + DataChannel pair into a
// Session: one bidirectional channel to exactly one remote peer, with a
// uniform lifecycle contract (opened at most once, closed at most once,
// terminal) regardless of which side initiated it.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// State is the session's lifecycle state.
type State int

const (
	StatePending State = iota // created, channel not yet open
	StateOpened               // DataChannel open, Send is valid
	StateClosed               // terminal, clean close
	StateFailed               // terminal, closed by error
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateOpened:
		return "opened"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrNotOpen is returned by Send before the session has opened or after it
// has ended.
var ErrNotOpen = errors.New("transport session not open")

// Session wraps one PeerConnection and its negotiated DataChannel.
//
// Lifecycle: Pending → Opened → Closed, with Pending|Opened → Failed on
// error. The opened signal fires at most once; the closed callback fires
// exactly once when the session ends, whether by remote close, local Close,
// or failure.
type Session struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	openSignal chan struct{}
	openOnce   sync.Once
	endOnce    sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	onData   func([]byte)
	onClosed func()
	onError  func(error)
}

// NewSession creates a Session backed by a new PeerConnection. The caller
// performs the SDP/ICE exchange via the signaling methods, then waits on
// Ready. The session lives until the DataChannel closes, the connection
// fails, or ctx is cancelled.
func NewSession(ctx context.Context) (*Session, error) {
	pc, err := newPeerConnection()
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	sCtx, sCancel := context.WithCancel(ctx)

	s := &Session{
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
		ctx:        sCtx,
		cancel:     sCancel,
		state:      StatePending,
	}

	dc.OnOpen(func() {
		s.openOnce.Do(func() {
			s.mu.Lock()
			if s.state == StatePending {
				s.state = StateOpened
			}
			s.mu.Unlock()
			close(s.openSignal)
		})
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.mu.Lock()
		fn := s.onData
		s.mu.Unlock()
		if fn != nil {
			fn(msg.Data)
		}
	})

	dc.OnClose(func() {
		s.end(StateClosed, nil)
	})

	dc.OnError(func(err error) {
		s.end(StateFailed, err)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed:
			s.end(StateFailed, errors.New("peer connection failed"))
		case webrtc.PeerConnectionStateClosed:
			s.end(StateClosed, nil)
		}
	})

	return s, nil
}

// end records the terminal state and fires the closed/error callbacks.
// Safe to call from any event path; only the first call takes effect.
func (s *Session) end(final State, reason error) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.state = final
		onClosed := s.onClosed
		onError := s.onError
		s.mu.Unlock()

		s.cancel()
		if reason != nil && onError != nil {
			onError(reason)
		}
		if onClosed != nil {
			onClosed()
		}
	})
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready returns a channel that is closed when the DataChannel is open and
// the Session is ready to send and receive.
func (s *Session) Ready() <-chan struct{} {
	return s.openSignal
}

// Done returns a channel that is closed when the Session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close shuts down the DataChannel and PeerConnection. Idempotent.
func (s *Session) Close() error {
	err := errors.Join(s.dc.Close(), s.pc.Close())
	// pion fires OnClose asynchronously; end() here makes Close
	// deterministic for callers that rely on the closed callback.
	s.end(StateClosed, nil)
	return err
}

// Fail ends the session with an error, as if the transport itself had
// reported it. Used by signaling when the relay rejects an exchange.
func (s *Session) Fail(reason error) {
	s.end(StateFailed, reason)
	s.dc.Close()
	s.pc.Close()
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// OnData registers the inbound frame callback. Register before the exchange
// completes to avoid missing early frames.
func (s *Session) OnData(fn func([]byte)) {
	s.mu.Lock()
	s.onData = fn
	s.mu.Unlock()
}

// OnClosed registers a callback fired exactly once when the session ends.
func (s *Session) OnClosed(fn func()) {
	s.mu.Lock()
	s.onClosed = fn
	s.mu.Unlock()
}

// OnError registers a callback fired at most once, before the closed
// callback, when the session ends due to a transport error.
func (s *Session) OnError(fn func(error)) {
	s.mu.Lock()
	s.onError = fn
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Send transmits one frame. Valid only while the session is Opened;
// otherwise it fails with ErrNotOpen. Delivery is best-effort beyond what
// SCTP provides.
func (s *Session) Send(data []byte) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateOpened {
		return ErrNotOpen
	}
	return s.dc.Send(data)
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (s *Session) CreateOffer() (webrtc.SessionDescription, error) {
	return s.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (s *Session) CreateAnswer() (webrtc.SessionDescription, error) {
	return s.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP.
func (s *Session) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return s.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (s *Session) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return s.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback invoked whenever a new local ICE
// candidate is gathered. A nil candidate signals the end of gathering.
func (s *Session) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	s.pc.OnICECandidate(fn)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (s *Session) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return s.pc.AddICECandidate(candidate)
}
