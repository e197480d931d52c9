package conn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/peerchat/peerchat/internal/chat"
	"github.com/peerchat/peerchat/internal/util"
)

// DefaultConnectTimeout bounds a connect attempt before the Manager
// synthesizes ErrConnectTimeout and transitions to Failed.
const DefaultConnectTimeout = 15 * time.Second

// Session is the transport contract the Manager drives. Satisfied by
// *transport.Session; tests substitute fakes.
type Session interface {
	Ready() <-chan struct{}
	Done() <-chan struct{}
	OnData(fn func([]byte))
	OnError(fn func(error))
	Send(data []byte) error
	Close() error
}

// Registrar is the signaling contract: one registration per process,
// outbound dials, and unsolicited inbound sessions. Satisfied by the
// signaling client through a thin adapter.
type Registrar interface {
	Register(ctx context.Context) (string, error)
	Dial(ctx context.Context, target string) (Session, error)
	OnInbound(fn func(remote string, s Session))
}

// Config carries the Manager's tunables.
type Config struct {
	ConnectTimeout time.Duration // zero means DefaultConnectTimeout
}

// Manager is the connection lifecycle state machine. It owns the single
// ConnectionState and the at-most-one live session; every transition runs
// under one mutex, one external event to completion at a time, so state is
// never observed mid-transition.
//
// Each connect attempt carries a token; events from an abandoned attempt
// (a delayed open after cancel or timeout) are recognized as stale and
// ignored.
type Manager struct {
	registrar Registrar
	timeout   time.Duration
	ctx       context.Context
	events    chan Event

	qmu   sync.Mutex
	queue []Event
	wake  chan struct{}

	mu            sync.Mutex
	state         State
	identity      string
	peer          string
	session       Session
	channel       *chat.Channel
	attempt       uint64
	cancelAttempt context.CancelFunc
	sessionErr    error // last transport error, reported when the session ends
}

// NewManager creates the Manager and subscribes it to the registrar's
// inbound sessions. ctx bounds all attempts and the sessions they produce.
func NewManager(ctx context.Context, registrar Registrar, cfg Config) *Manager {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	m := &Manager{
		registrar: registrar,
		timeout:   timeout,
		ctx:       ctx,
		events:    make(chan Event, 256),
		wake:      make(chan struct{}, 1),
		state:     StateIdle,
	}
	go m.pump()
	registrar.OnInbound(m.handleInbound)
	return m
}

// Events returns the ordered event stream. A slow consumer delays
// delivery but never blocks the Manager's transitions.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Identity returns the assigned identity, or "" before registration.
func (m *Manager) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Peer returns the remote identity of the current session or attempt.
func (m *Manager) Peer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peer
}

// emit queues an event for delivery. Called with mu held so the queue
// order matches transition order; the append never blocks, so an
// undrained stream cannot wedge a transition that holds mu.
func (m *Manager) emit(ev Event) {
	m.qmu.Lock()
	m.queue = append(m.queue, ev)
	m.qmu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// pump drains the queue into the events channel in FIFO order. It is the
// only goroutine that blocks on the consumer.
func (m *Manager) pump() {
	for {
		select {
		case <-m.wake:
		case <-m.ctx.Done():
			return
		}

		for {
			m.qmu.Lock()
			if len(m.queue) == 0 {
				m.qmu.Unlock()
				break
			}
			ev := m.queue[0]
			m.queue = m.queue[1:]
			m.qmu.Unlock()

			select {
			case m.events <- ev:
			case <-m.ctx.Done():
				return
			}
		}
	}
}

// setState performs a transition and publishes it. Called with mu held.
func (m *Manager) setState(next State, reason error) {
	prev := m.state
	m.state = next
	util.LogDebug("state %s -> %s", prev, next)
	m.emit(StateChanged{Prev: prev, Next: next, Reason: reason})
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

// Register obtains the process identity from the signaling relay. The
// outcome arrives on the event stream: IdentityAssigned then a transition
// back to Idle, or a transition to Failed with the registration error.
// Failed registration is retryable by calling Register again; once an
// identity is assigned further calls are no-ops.
func (m *Manager) Register() {
	m.mu.Lock()
	if m.identity != "" {
		m.mu.Unlock()
		return
	}
	if m.state != StateIdle && m.state != StateFailed {
		m.mu.Unlock()
		return
	}
	m.setState(StateRegistering, nil)
	m.mu.Unlock()

	go func() {
		id, err := m.registrar.Register(m.ctx)

		m.mu.Lock()
		defer m.mu.Unlock()
		if err != nil {
			m.setState(StateFailed, err)
			return
		}
		m.identity = id
		m.emit(IdentityAssigned{Identity: id})
		m.setState(StateIdle, nil)
	}()
}

// ---------------------------------------------------------------------------
// Connect / Disconnect
// ---------------------------------------------------------------------------

// Connect starts a connection attempt to target. Validation failures are
// returned synchronously with no state change; on success the state moves
// to Connecting and the outcome (Open, or Failed with reason) arrives on
// the event stream. Only one attempt may be outstanding: a connect intent
// outside Idle/Closed/Failed is rejected, not queued.
func (m *Manager) Connect(target string) error {
	target = strings.TrimSpace(target)

	m.mu.Lock()
	defer m.mu.Unlock()

	if target == "" {
		return ErrEmptyPeerID
	}
	if m.identity == "" {
		return ErrNotRegistered
	}
	if target == m.identity {
		return ErrSelfConnection
	}
	switch m.state {
	case StateIdle, StateClosed, StateFailed:
	default:
		return ErrAlreadyConnected
	}

	token, attemptCtx := m.beginAttempt(target)

	go func() {
		s, err := m.registrar.Dial(attemptCtx, target)
		if err != nil {
			m.failAttempt(token, err)
			return
		}
		m.waitOpen(attemptCtx, token, s)
	}()

	return nil
}

// Disconnect tears down the current session or cancels an in-flight
// attempt. Idempotent: outside Connecting and Open it does nothing — no
// transport calls, no spurious events.
func (m *Manager) Disconnect() {
	m.mu.Lock()

	switch m.state {
	case StateConnecting:
		// Invalidate the attempt so a delayed open is recognized as stale.
		m.attempt++
		if m.cancelAttempt != nil {
			m.cancelAttempt()
			m.cancelAttempt = nil
		}
		m.peer = ""
		m.setState(StateIdle, nil)
		m.mu.Unlock()

	case StateOpen:
		s := m.session
		m.setState(StateClosing, nil)
		m.mu.Unlock()
		// Outside the lock: Close may fire the session's end callbacks
		// synchronously, and those re-enter the Manager.
		_ = s.Close()

	default:
		m.mu.Unlock()
	}
}

// beginAttempt records the target, bumps the attempt token, arms the
// timeout, and transitions to Connecting. Called with mu held; returns the
// new token and the context bounding the attempt.
func (m *Manager) beginAttempt(target string) (uint64, context.Context) {
	m.peer = target
	m.attempt++
	m.sessionErr = nil
	ctx, cancel := context.WithTimeout(m.ctx, m.timeout)
	m.cancelAttempt = cancel
	m.setState(StateConnecting, nil)
	return m.attempt, ctx
}

// frameBuffer holds frames that arrive between the DataChannel opening
// and the Manager adopting the session. Both peers' channels open at the
// same instant, so the remote's first frame can land before adoption
// completes; without the buffer it would be silently lost.
type frameBuffer struct {
	mu     sync.Mutex
	frames [][]byte
	fwd    func([]byte)
}

func (b *frameBuffer) push(data []byte) {
	b.mu.Lock()
	if b.fwd != nil {
		fwd := b.fwd
		b.mu.Unlock()
		fwd(data)
		return
	}
	b.frames = append(b.frames, data)
	b.mu.Unlock()
}

// handover routes all future pushes to fwd and returns the frames held so
// far. Pushes are serialized by the buffer mutex, so no frame is ever both
// returned and forwarded.
func (b *frameBuffer) handover(fwd func([]byte)) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fwd = fwd
	frames := b.frames
	b.frames = nil
	return frames
}

// waitOpen drives a pending session to adoption or failure.
func (m *Manager) waitOpen(ctx context.Context, token uint64, s Session) {
	errCh := make(chan error, 1)
	s.OnError(func(err error) {
		select {
		case errCh <- err:
		default:
		}
	})

	// Capture inbound frames before waiting: the remote may send the
	// instant its side of the channel opens.
	buf := &frameBuffer{}
	s.OnData(buf.push)

	select {
	case <-s.Ready():
		select {
		case <-s.Done():
			// Opened and died before we got here; adopting it would
			// only produce an Open→Closed flap.
			m.failAttempt(token, endReason(errCh))
		default:
			m.adopt(token, s, buf)
		}

	case <-s.Done():
		m.failAttempt(token, endReason(errCh))

	case <-ctx.Done():
		_ = s.Close()
		m.failAttempt(token, ctx.Err())
	}
}

func endReason(errCh <-chan error) error {
	select {
	case err := <-errCh:
		return err
	default:
		return errors.New("transport closed before opening")
	}
}

// adopt installs an opened session as the live one. The stale-event guard
// lives here: if the attempt token moved on while the transport was
// opening, the session is closed and nothing else happens.
func (m *Manager) adopt(token uint64, s Session, buf *frameBuffer) {
	m.mu.Lock()
	if token != m.attempt || m.state != StateConnecting {
		m.mu.Unlock()
		_ = s.Close()
		return
	}

	if m.cancelAttempt != nil {
		m.cancelAttempt()
		m.cancelAttempt = nil
	}
	m.session = s
	m.channel = chat.NewChannel(s.Send)

	s.OnError(func(err error) {
		m.mu.Lock()
		if token == m.attempt {
			m.sessionErr = err
		}
		m.mu.Unlock()
	})
	go func() {
		<-s.Done()
		m.handleSessionEnd(token)
	}()

	m.setState(StateOpen, nil)

	// Frames held since the channel opened are processed first, in arrival
	// order; anything pushed from now on funnels through handleData and
	// queues behind the mutex we still hold.
	early := buf.handover(func(data []byte) {
		m.handleData(token, data)
	})
	for _, data := range early {
		m.processFrame(data)
	}
	m.mu.Unlock()
}

// failAttempt moves a live attempt to Failed. Stale tokens are ignored.
func (m *Manager) failAttempt(token uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if token != m.attempt || m.state != StateConnecting {
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		err = ErrConnectTimeout
	}
	m.cancelAttempt = nil
	m.peer = ""
	m.setState(StateFailed, err)
}

// handleSessionEnd processes the terminal event of the adopted session:
// Open → Closed (remote close or transport error), Closing → Idle (our
// disconnect completed).
func (m *Manager) handleSessionEnd(token uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if token != m.attempt {
		return
	}

	switch m.state {
	case StateOpen:
		reason := m.sessionErr
		m.teardown()
		m.setState(StateClosed, reason)
	case StateClosing:
		m.teardown()
		m.setState(StateIdle, nil)
	}
}

// teardown destroys the session pairing. Called with mu held.
func (m *Manager) teardown() {
	m.session = nil
	m.channel = nil
	m.peer = ""
	m.sessionErr = nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// SendMessage frames and transmits content over the open session. The
// local MessageSent event is published before SendMessage returns. Empty
// content and not-open states are rejected synchronously; transport
// refusals surface both as the returned error and a SendFailed event.
func (m *Manager) SendMessage(content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateOpen || m.channel == nil {
		return ErrNotConnected
	}

	msg, err := m.channel.Send(content)
	if err != nil {
		var sendErr *chat.SendError
		if errors.As(err, &sendErr) {
			m.emit(SendFailed{Content: sendErr.Content, Reason: err})
		}
		return err
	}

	m.emit(MessageSent{Message: msg})
	return nil
}

// handleData processes one inbound frame from the adopted session.
func (m *Manager) handleData(token uint64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if token != m.attempt || m.state != StateOpen || m.channel == nil {
		return
	}
	m.processFrame(data)
}

// processFrame deframes one inbound payload. Called with mu held.
func (m *Manager) processFrame(data []byte) {
	msg, err := m.channel.HandleFrame(data)
	if err != nil {
		util.LogWarning("dropping inbound frame: %v", err)
		m.emit(FrameDropped{Reason: err})
		return
	}
	if msg == nil {
		return // well-formed frame of an unknown type
	}
	m.emit(MessageReceived{Message: *msg})
}

// ---------------------------------------------------------------------------
// Inbound sessions
// ---------------------------------------------------------------------------

// handleInbound accepts an unsolicited session while Idle and drives it
// like an outbound attempt. Outside Idle the single-connection policy
// refuses it.
func (m *Manager) handleInbound(remote string, s Session) {
	m.mu.Lock()
	if m.state != StateIdle || m.identity == "" {
		m.mu.Unlock()
		util.LogInfo("refusing inbound session from %s while %s", remote, m.state)
		_ = s.Close()
		return
	}

	token, attemptCtx := m.beginAttempt(remote)
	m.mu.Unlock()

	go m.waitOpen(attemptCtx, token, s)
}
