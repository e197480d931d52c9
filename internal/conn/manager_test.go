package conn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerchat/peerchat/internal/chat"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeSession is an in-memory Session the tests open, close, and feed by
// hand.
type fakeSession struct {
	ready chan struct{}
	done  chan struct{}

	mu      sync.Mutex
	onData  func([]byte)
	onError func(error)
	sent    [][]byte
	sendErr error
	closed  bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (s *fakeSession) Ready() <-chan struct{} { return s.ready }
func (s *fakeSession) Done() <-chan struct{}  { return s.done }

func (s *fakeSession) OnData(fn func([]byte)) {
	s.mu.Lock()
	s.onData = fn
	s.mu.Unlock()
}

func (s *fakeSession) OnError(fn func(error)) {
	s.mu.Lock()
	s.onError = fn
	s.mu.Unlock()
}

func (s *fakeSession) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, data)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

// open simulates the DataChannel opening.
func (s *fakeSession) open() { close(s.ready) }

// fail simulates a transport error ending the session.
func (s *fakeSession) fail(err error) {
	s.mu.Lock()
	fn := s.onError
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
	s.Close()
}

// receive injects inbound bytes as if the remote peer sent them.
func (s *fakeSession) receive(data []byte) {
	s.mu.Lock()
	fn := s.onData
	s.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) hasDataHandler() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onData != nil
}

// fakeRegistrar hands out a scripted identity and scripted sessions.
type fakeRegistrar struct {
	mu      sync.Mutex
	id      string
	regErr  error
	next    *fakeSession
	dialErr error
	dialed  []string
	inbound func(remote string, s Session)
}

func (r *fakeRegistrar) Register(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.regErr != nil {
		return "", r.regErr
	}
	return r.id, nil
}

func (r *fakeRegistrar) Dial(ctx context.Context, target string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialed = append(r.dialed, target)
	if r.dialErr != nil {
		return nil, r.dialErr
	}
	return r.next, nil
}

func (r *fakeRegistrar) OnInbound(fn func(remote string, s Session)) {
	r.mu.Lock()
	r.inbound = fn
	r.mu.Unlock()
}

func (r *fakeRegistrar) pushInbound(remote string, s Session) {
	r.mu.Lock()
	fn := r.inbound
	r.mu.Unlock()
	fn(remote, s)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// waitEvent drains the stream until match returns true, failing the test
// after two seconds.
func waitEvent(t *testing.T, m *Manager, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-m.Events():
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

func waitState(t *testing.T, m *Manager, want State) StateChanged {
	t.Helper()
	ev := waitEvent(t, m, func(ev Event) bool {
		sc, ok := ev.(StateChanged)
		return ok && sc.Next == want
	})
	return ev.(StateChanged)
}

// newOpenManager registers, connects to "bob", and opens the session.
func newOpenManager(t *testing.T) (*Manager, *fakeRegistrar, *fakeSession) {
	t.Helper()
	reg := &fakeRegistrar{id: "alice", next: newFakeSession()}
	m := NewManager(context.Background(), reg, Config{})

	m.Register()
	waitEvent(t, m, func(ev Event) bool { _, ok := ev.(IdentityAssigned); return ok })
	waitState(t, m, StateIdle)

	require.NoError(t, m.Connect("bob"))
	waitState(t, m, StateConnecting)
	reg.next.open()
	waitState(t, m, StateOpen)

	return m, reg, reg.next
}

// assertQuiet asserts no event arrives within a short window.
func assertQuiet(t *testing.T, m *Manager) {
	t.Helper()
	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected event %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

func TestRegisterAssignsIdentity(t *testing.T) {
	reg := &fakeRegistrar{id: "alice"}
	m := NewManager(context.Background(), reg, Config{})

	m.Register()
	waitState(t, m, StateRegistering)
	waitEvent(t, m, func(ev Event) bool {
		ia, ok := ev.(IdentityAssigned)
		return ok && ia.Identity == "alice"
	})
	waitState(t, m, StateIdle)
	assert.Equal(t, "alice", m.Identity())
}

func TestRegisterFailureIsRetryable(t *testing.T) {
	reg := &fakeRegistrar{id: "alice", regErr: errors.New("relay unreachable")}
	m := NewManager(context.Background(), reg, Config{})

	m.Register()
	sc := waitState(t, m, StateFailed)
	require.Error(t, sc.Reason)
	assert.Empty(t, m.Identity())

	reg.mu.Lock()
	reg.regErr = nil
	reg.mu.Unlock()

	m.Register()
	waitEvent(t, m, func(ev Event) bool { _, ok := ev.(IdentityAssigned); return ok })
	waitState(t, m, StateIdle)
	assert.Equal(t, "alice", m.Identity())
}

func TestRegisterIsIdempotentOnceAssigned(t *testing.T) {
	reg := &fakeRegistrar{id: "alice"}
	m := NewManager(context.Background(), reg, Config{})

	m.Register()
	waitState(t, m, StateIdle)

	m.Register()
	assertQuiet(t, m)
}

// ---------------------------------------------------------------------------
// Connect validation
// ---------------------------------------------------------------------------

func TestConnectValidation(t *testing.T) {
	reg := &fakeRegistrar{id: "alice", next: newFakeSession()}
	m := NewManager(context.Background(), reg, Config{})

	assert.ErrorIs(t, m.Connect("bob"), ErrNotRegistered)

	m.Register()
	waitState(t, m, StateIdle)

	assert.ErrorIs(t, m.Connect("   "), ErrEmptyPeerID)
	assert.ErrorIs(t, m.Connect("alice"), ErrSelfConnection)
	assert.Equal(t, StateIdle, m.State())
	assert.Empty(t, reg.dialed)
}

func TestConnectRejectedWhileBusy(t *testing.T) {
	m, _, _ := newOpenManager(t)

	assert.ErrorIs(t, m.Connect("carol"), ErrAlreadyConnected)
	assert.Equal(t, StateOpen, m.State())
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestConnectOpensSession(t *testing.T) {
	m, _, _ := newOpenManager(t)
	assert.Equal(t, "bob", m.Peer())
	assert.Equal(t, StateOpen, m.State())
}

func TestConnectTimeout(t *testing.T) {
	reg := &fakeRegistrar{id: "alice", next: newFakeSession()}
	m := NewManager(context.Background(), reg, Config{ConnectTimeout: 50 * time.Millisecond})

	m.Register()
	waitState(t, m, StateIdle)

	require.NoError(t, m.Connect("bob"))
	sc := waitState(t, m, StateFailed)
	assert.ErrorIs(t, sc.Reason, ErrConnectTimeout)
	assert.Empty(t, m.Peer())
	assert.True(t, reg.next.isClosed())

	// Failed accepts a fresh connect intent.
	reg.mu.Lock()
	reg.next = newFakeSession()
	reg.mu.Unlock()
	require.NoError(t, m.Connect("bob"))
	waitState(t, m, StateConnecting)
}

func TestStaleOpenAfterTimeoutIgnored(t *testing.T) {
	reg := &fakeRegistrar{id: "alice", next: newFakeSession()}
	m := NewManager(context.Background(), reg, Config{ConnectTimeout: 50 * time.Millisecond})

	m.Register()
	waitState(t, m, StateIdle)

	require.NoError(t, m.Connect("bob"))
	waitState(t, m, StateFailed)

	// The transport reports open after the attempt already failed.
	reg.next.open()
	assertQuiet(t, m)
	assert.Equal(t, StateFailed, m.State())
}

func TestSessionAlreadyEndedOnOpen(t *testing.T) {
	reg := &fakeRegistrar{id: "alice", next: newFakeSession()}
	reg.next.open()
	reg.next.Close()
	m := NewManager(context.Background(), reg, Config{})

	m.Register()
	waitState(t, m, StateIdle)

	// The session opened and died before the manager looked at it; it
	// must fail the attempt, never flap through Open.
	require.NoError(t, m.Connect("bob"))
	for {
		ev := waitEvent(t, m, func(ev Event) bool {
			_, ok := ev.(StateChanged)
			return ok
		})
		sc := ev.(StateChanged)
		require.NotEqual(t, StateOpen, sc.Next)
		if sc.Next == StateFailed {
			break
		}
	}
}

func TestDialFailure(t *testing.T) {
	reg := &fakeRegistrar{id: "alice", dialErr: errors.New("relay refused")}
	m := NewManager(context.Background(), reg, Config{})

	m.Register()
	waitState(t, m, StateIdle)

	require.NoError(t, m.Connect("bob"))
	sc := waitState(t, m, StateFailed)
	assert.ErrorContains(t, sc.Reason, "relay refused")
}

func TestSessionFailsBeforeOpen(t *testing.T) {
	reg := &fakeRegistrar{id: "alice", next: newFakeSession()}
	m := NewManager(context.Background(), reg, Config{})

	m.Register()
	waitState(t, m, StateIdle)

	require.NoError(t, m.Connect("bob"))
	waitState(t, m, StateConnecting)

	reg.next.fail(errors.New("ice failed"))
	sc := waitState(t, m, StateFailed)
	assert.ErrorContains(t, sc.Reason, "ice failed")
}

func TestDisconnectOpenSession(t *testing.T) {
	m, _, s := newOpenManager(t)

	m.Disconnect()
	waitState(t, m, StateClosing)
	waitState(t, m, StateIdle)
	assert.True(t, s.isClosed())
	assert.Empty(t, m.Peer())

	// Second disconnect is a no-op.
	m.Disconnect()
	assertQuiet(t, m)
}

func TestDisconnectCancelsAttempt(t *testing.T) {
	reg := &fakeRegistrar{id: "alice", next: newFakeSession()}
	m := NewManager(context.Background(), reg, Config{})

	m.Register()
	waitState(t, m, StateIdle)

	require.NoError(t, m.Connect("bob"))
	waitState(t, m, StateConnecting)

	m.Disconnect()
	waitState(t, m, StateIdle)

	// A delayed open on the abandoned attempt must not resurrect it.
	reg.next.open()
	assertQuiet(t, m)
	assert.Equal(t, StateIdle, m.State())
}

func TestDisconnectWhileIdleIsNoOp(t *testing.T) {
	reg := &fakeRegistrar{id: "alice"}
	m := NewManager(context.Background(), reg, Config{})

	m.Disconnect()
	assertQuiet(t, m)
	assert.Equal(t, StateIdle, m.State())
}

func TestRemoteCloseEndsSession(t *testing.T) {
	m, _, s := newOpenManager(t)

	s.Close()
	sc := waitState(t, m, StateClosed)
	assert.NoError(t, sc.Reason)

	// Closed accepts a fresh connect intent.
	assert.True(t, DeriveUIState(m.State()).ConnectEnabled)
}

func TestTransportErrorEndsSessionWithReason(t *testing.T) {
	m, _, s := newOpenManager(t)

	s.fail(errors.New("connection reset"))
	sc := waitState(t, m, StateClosed)
	assert.ErrorContains(t, sc.Reason, "connection reset")
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

func TestSendMessage(t *testing.T) {
	m, _, s := newOpenManager(t)

	require.NoError(t, m.SendMessage("hello bob"))
	ev := waitEvent(t, m, func(ev Event) bool { _, ok := ev.(MessageSent); return ok })
	msg := ev.(MessageSent).Message
	assert.Equal(t, "hello bob", msg.Content)
	assert.Equal(t, chat.OriginLocal, msg.Origin)
	assert.Equal(t, uint64(1), msg.Seq)

	s.mu.Lock()
	frames := len(s.sent)
	s.mu.Unlock()
	assert.Equal(t, 1, frames)
}

func TestSendMessageRequiresOpen(t *testing.T) {
	reg := &fakeRegistrar{id: "alice"}
	m := NewManager(context.Background(), reg, Config{})

	assert.ErrorIs(t, m.SendMessage("hello"), ErrNotConnected)
}

func TestSendMessageEmptyRejected(t *testing.T) {
	m, _, _ := newOpenManager(t)

	assert.ErrorIs(t, m.SendMessage("   "), chat.ErrEmptyMessage)
	assertQuiet(t, m)
}

func TestSendMessageTransportRefusal(t *testing.T) {
	m, _, s := newOpenManager(t)

	s.mu.Lock()
	s.sendErr = errors.New("buffer full")
	s.mu.Unlock()

	err := m.SendMessage("doomed")
	var sendErr *chat.SendError
	require.ErrorAs(t, err, &sendErr)

	ev := waitEvent(t, m, func(ev Event) bool { _, ok := ev.(SendFailed); return ok })
	assert.Equal(t, "doomed", ev.(SendFailed).Content)
	assert.Equal(t, StateOpen, m.State())
}

func TestReceiveMessage(t *testing.T) {
	m, _, s := newOpenManager(t)

	s.receive([]byte(`{"type":"text","content":"hi alice"}`))
	ev := waitEvent(t, m, func(ev Event) bool { _, ok := ev.(MessageReceived); return ok })
	msg := ev.(MessageReceived).Message
	assert.Equal(t, "hi alice", msg.Content)
	assert.Equal(t, chat.OriginRemote, msg.Origin)
	assert.Equal(t, uint64(1), msg.Seq)
}

func TestSeqSharedAcrossDirections(t *testing.T) {
	m, _, s := newOpenManager(t)

	require.NoError(t, m.SendMessage("one"))
	s.receive([]byte(`{"type":"text","content":"two"}`))
	require.NoError(t, m.SendMessage("three"))

	var seqs []uint64
	for len(seqs) < 3 {
		ev := waitEvent(t, m, func(ev Event) bool {
			switch ev.(type) {
			case MessageSent, MessageReceived:
				return true
			}
			return false
		})
		switch e := ev.(type) {
		case MessageSent:
			seqs = append(seqs, e.Message.Seq)
		case MessageReceived:
			seqs = append(seqs, e.Message.Seq)
		}
	}
	assert.ElementsMatch(t, []uint64{1, 2, 3}, seqs)
}

func TestMalformedFrameDropped(t *testing.T) {
	m, _, s := newOpenManager(t)

	s.receive([]byte(`{{{not json`))
	waitEvent(t, m, func(ev Event) bool { _, ok := ev.(FrameDropped); return ok })
	assert.Equal(t, StateOpen, m.State())

	// The session keeps working afterwards.
	s.receive([]byte(`{"type":"text","content":"still here"}`))
	ev := waitEvent(t, m, func(ev Event) bool { _, ok := ev.(MessageReceived); return ok })
	assert.Equal(t, "still here", ev.(MessageReceived).Message.Content)
}

func TestFramesBeforeAdoptionDelivered(t *testing.T) {
	reg := &fakeRegistrar{id: "alice", next: newFakeSession()}
	m := NewManager(context.Background(), reg, Config{})

	m.Register()
	waitState(t, m, StateIdle)

	require.NoError(t, m.Connect("bob"))
	waitState(t, m, StateConnecting)
	s := reg.next
	require.Eventually(t, s.hasDataHandler, time.Second, time.Millisecond)

	// Both channels open at the same instant, so the remote's first
	// frames can arrive before the manager adopts the session. They must
	// be delivered, in order, once it does.
	s.receive([]byte(`{"type":"text","content":"first"}`))
	s.receive([]byte(`{"type":"text","content":"second"}`))
	s.open()
	waitState(t, m, StateOpen)

	for i, want := range []string{"first", "second"} {
		ev := waitEvent(t, m, func(ev Event) bool { _, ok := ev.(MessageReceived); return ok })
		msg := ev.(MessageReceived).Message
		assert.Equal(t, want, msg.Content)
		assert.Equal(t, uint64(i+1), msg.Seq)
	}

	s.receive([]byte(`{"type":"text","content":"third"}`))
	ev := waitEvent(t, m, func(ev Event) bool { _, ok := ev.(MessageReceived); return ok })
	assert.Equal(t, uint64(3), ev.(MessageReceived).Message.Seq)
}

func TestUndrainedStreamDoesNotBlock(t *testing.T) {
	m, _, s := newOpenManager(t)

	// Inject a burst far larger than the delivery buffer without draining
	// the stream. Every transition and accessor must stay responsive.
	const burst = 300
	injected := make(chan struct{})
	go func() {
		for i := 0; i < burst; i++ {
			s.receive([]byte(`{"type":"text","content":"flood"}`))
		}
		close(injected)
	}()

	select {
	case <-injected:
	case <-time.After(2 * time.Second):
		t.Fatal("frame injection blocked on an undrained event stream")
	}

	peerCh := make(chan string, 1)
	go func() { peerCh <- m.Peer() }()
	select {
	case peer := <-peerCh:
		assert.Equal(t, "bob", peer)
	case <-time.After(2 * time.Second):
		t.Fatal("Peer() blocked on an undrained event stream")
	}

	// Draining afterwards yields every message in sequence order.
	var prev uint64
	for n := 0; n < burst; {
		ev := waitEvent(t, m, func(ev Event) bool { _, ok := ev.(MessageReceived); return ok })
		seq := ev.(MessageReceived).Message.Seq
		require.Greater(t, seq, prev)
		prev = seq
		n++
	}
	assert.Equal(t, uint64(burst), prev)
}

func TestUnknownFrameTypeSkipped(t *testing.T) {
	m, _, s := newOpenManager(t)

	s.receive([]byte(`{"type":"typing"}`))
	assertQuiet(t, m)
	assert.Equal(t, StateOpen, m.State())
}

// ---------------------------------------------------------------------------
// Inbound sessions
// ---------------------------------------------------------------------------

func TestInboundAcceptedWhileIdle(t *testing.T) {
	reg := &fakeRegistrar{id: "alice"}
	m := NewManager(context.Background(), reg, Config{})

	m.Register()
	waitState(t, m, StateIdle)

	s := newFakeSession()
	reg.pushInbound("carol", s)
	waitState(t, m, StateConnecting)
	assert.Equal(t, "carol", m.Peer())

	s.open()
	waitState(t, m, StateOpen)

	s.receive([]byte(`{"type":"text","content":"knock knock"}`))
	ev := waitEvent(t, m, func(ev Event) bool { _, ok := ev.(MessageReceived); return ok })
	assert.Equal(t, "knock knock", ev.(MessageReceived).Message.Content)
}

func TestInboundRefusedWhileBusy(t *testing.T) {
	m, reg, _ := newOpenManager(t)

	intruder := newFakeSession()
	reg.pushInbound("mallory", intruder)

	assert.True(t, intruder.isClosed())
	assert.Equal(t, StateOpen, m.State())
	assert.Equal(t, "bob", m.Peer())
}

func TestInboundRefusedBeforeRegistration(t *testing.T) {
	reg := &fakeRegistrar{id: "alice"}
	m := NewManager(context.Background(), reg, Config{})

	s := newFakeSession()
	reg.pushInbound("carol", s)

	assert.True(t, s.isClosed())
	assert.Equal(t, StateIdle, m.State())
}
