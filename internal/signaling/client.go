// Package signaling is the client side of the relay: it registers the local
// endpoint for an identity and runs SDP/ICE exchanges through the relay to
// produce ready-to-use transport Sessions. All WebSocket and envelope
// details are internal; callers see identities and Sessions.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/peerchat/peerchat/internal/relay"
	"github.com/peerchat/peerchat/internal/transport"
	"github.com/peerchat/peerchat/internal/util"
)

// ErrRegistration reports that the relay could not be reached or refused
// the registration. Retryable by calling Register again.
var ErrRegistration = errors.New("registration failed")

// InboundHandler receives an unsolicited inbound session. The session is
// still pending; wait on its Ready channel before sending.
type InboundHandler func(remote string, s *transport.Session)

// Client is the registrar adapter. It holds one WebSocket connection to the
// relay, registers exactly once per process, and multiplexes signal
// envelopes between the relay and in-flight exchanges.
type Client struct {
	url string
	ctx context.Context

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu        sync.Mutex
	identity  string
	regResult chan error
	inbound   InboundHandler
	exchanges map[string]*exchange // remote identity → in-flight exchange
}

// NewClient creates a client for the given relay WebSocket URL. No network
// activity happens until Register. ctx bounds the client's lifetime.
func NewClient(ctx context.Context, url string) *Client {
	return &Client{
		url:       url,
		ctx:       ctx,
		exchanges: make(map[string]*exchange),
	}
}

// OnInbound registers the handler for unsolicited inbound sessions. Must be
// set before Register; inbound offers arriving with no handler are refused.
func (c *Client) OnInbound(fn InboundHandler) {
	c.mu.Lock()
	c.inbound = fn
	c.mu.Unlock()
}

// Identity returns the assigned identity, or "" before registration.
func (c *Client) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Register connects to the relay and obtains an identity. Exactly one
// registration happens per process: repeated calls return the cached
// identity. A failed attempt tears the connection down so the next call
// retries from scratch.
func (c *Client) Register(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.identity != "" {
		id := c.identity
		c.mu.Unlock()
		return id, nil
	}
	c.regResult = make(chan error, 1)
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRegistration, err)
	}
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	go c.watch(conn)

	if err := c.write(relay.Envelope{Type: relay.TypeRegister}); err != nil {
		conn.Close()
		return "", fmt.Errorf("%w: %v", ErrRegistration, err)
	}

	select {
	case err := <-c.regResult:
		if err != nil {
			conn.Close()
			return "", err
		}
	case <-ctx.Done():
		conn.Close()
		return "", fmt.Errorf("%w: %v", ErrRegistration, ctx.Err())
	}

	return c.Identity(), nil
}

// Close shuts down the relay connection. In-flight exchanges fail.
func (c *Client) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// write sends an envelope to the relay, guarded by the write mutex.
func (c *Client) write(env relay.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return errors.New("not connected to relay")
	}
	return c.conn.WriteJSON(env)
}

// watch is the relay read loop. It routes envelopes to the registration
// waiter, to in-flight exchanges, or spawns the answer side for a new
// inbound offer. Exits when the connection drops.
func (c *Client) watch(conn *websocket.Conn) {
	for {
		var env relay.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.fail(fmt.Errorf("relay connection lost: %w", err))
			return
		}

		switch env.Type {
		case relay.TypeRegistered:
			c.mu.Lock()
			c.identity = env.ID
			result := c.regResult
			c.mu.Unlock()
			if result != nil {
				result <- nil
			}

		case relay.TypeOffer:
			c.handleOffer(env)

		case relay.TypeAnswer, relay.TypeCandidate, relay.TypeError:
			c.mu.Lock()
			ex := c.exchanges[env.From]
			c.mu.Unlock()
			if ex == nil {
				util.LogDebug("no exchange for %s envelope from %s, dropping", env.Type, env.From)
				continue
			}
			ex.deliver(env)

		default:
			util.LogDebug("ignoring envelope type %q", env.Type)
		}
	}
}

// fail aborts registration (if pending) and all in-flight exchanges.
func (c *Client) fail(err error) {
	c.mu.Lock()
	result := c.regResult
	if c.identity == "" {
		c.regResult = nil
	}
	pending := make([]*exchange, 0, len(c.exchanges))
	for _, ex := range c.exchanges {
		pending = append(pending, ex)
	}
	c.mu.Unlock()

	if result != nil {
		select {
		case result <- fmt.Errorf("%w: %v", ErrRegistration, err):
		default:
		}
	}
	for _, ex := range pending {
		ex.abort(err)
	}
}

// track installs an exchange in the route table and removes it once its
// session ends. At most one exchange per remote identity exists at a time.
func (c *Client) track(ex *exchange) error {
	c.mu.Lock()
	if _, busy := c.exchanges[ex.remote]; busy {
		c.mu.Unlock()
		return fmt.Errorf("exchange with %s already in flight", ex.remote)
	}
	c.exchanges[ex.remote] = ex
	c.mu.Unlock()

	go func() {
		<-ex.session.Done()
		c.mu.Lock()
		if c.exchanges[ex.remote] == ex {
			delete(c.exchanges, ex.remote)
		}
		c.mu.Unlock()
	}()
	return nil
}

// Dial runs the offer-side exchange with the target identity and returns
// the pending session. The caller waits on the session's Ready channel;
// cancelling ctx abandons the attempt and closes the session.
func (c *Client) Dial(ctx context.Context, target string) (*transport.Session, error) {
	if c.Identity() == "" {
		return nil, errors.New("not registered")
	}

	s, err := transport.NewSession(c.ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	ex := newExchange(c, target, s)
	if err := c.track(ex); err != nil {
		s.Close()
		return nil, err
	}

	if err := ex.sendOffer(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to send offer: %w", err)
	}

	go func() {
		select {
		case <-ctx.Done():
			// A cancel racing the open must not tear down a session the
			// caller already adopted.
			select {
			case <-s.Ready():
			default:
				s.Close()
			}
		case <-s.Done():
		case <-s.Ready():
		}
	}()

	return s, nil
}

// handleOffer runs the answer side for an inbound offer and hands the
// pending session to the inbound handler.
func (c *Client) handleOffer(env relay.Envelope) {
	c.mu.Lock()
	handler := c.inbound
	c.mu.Unlock()

	if handler == nil {
		util.LogWarning("inbound offer from %s with no handler, refusing", env.From)
		return
	}

	s, err := transport.NewSession(c.ctx)
	if err != nil {
		util.LogError("failed to create session for inbound offer: %v", err)
		return
	}

	ex := newExchange(c, env.From, s)
	if err := c.track(ex); err != nil {
		util.LogWarning("inbound offer from %s while exchange in flight, refusing", env.From)
		s.Close()
		return
	}

	if err := ex.acceptOffer(env); err != nil {
		util.LogError("failed to answer offer from %s: %v", env.From, err)
		s.Close()
		return
	}

	handler(env.From, s)
}
