package relay

import (
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/peerchat/peerchat/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the signaling relay. It holds no persistent state: an identity
// exists exactly as long as its WebSocket connection.
type Server struct {
	listener net.Listener
	registry *registry
}

// NewServer creates a relay server with an empty registry.
func NewServer() *Server {
	return &Server{registry: newRegistry()}
}

// Start begins listening on addr (":0" picks a random port). It returns
// immediately; the accept loop runs in the background until Close.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start relay listener: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	go func() {
		_ = http.Serve(listener, mux)
	}()

	return nil
}

// Addr returns the listener address, e.g. "127.0.0.1:9090".
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close shuts down the listener, preventing new registrations. Existing
// connections are closed as their read loops fail.
func (s *Server) Close() {
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// The first envelope must be a registration; anything else means a
	// confused client and the connection is dropped.
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil || env.Type != TypeRegister {
		util.LogWarning("connection from %s did not register, dropping", conn.RemoteAddr())
		return
	}

	e := s.registry.add(conn)
	defer s.registry.remove(e.id)

	if err := e.write(Envelope{Type: TypeRegistered, ID: e.id}); err != nil {
		return
	}
	util.LogInfo("registered %s (%s)", e.id, conn.RemoteAddr())

	s.serve(e)
	util.LogInfo("unregistered %s", e.id)
}

// serve is the per-endpoint read loop. It routes each envelope to its
// target, stamping From so the receiver knows who is calling.
func (s *Server) serve(e *endpoint) {
	for {
		var env Envelope
		if err := e.conn.ReadJSON(&env); err != nil {
			return
		}

		switch env.Type {
		case TypeOffer, TypeAnswer, TypeCandidate:
		case TypeRegister:
			// Identity is assigned once per connection.
			continue
		default:
			util.LogDebug("ignoring envelope type %q from %s", env.Type, e.id)
			continue
		}

		target, ok := s.registry.lookup(env.To)
		if !ok {
			_ = e.write(Envelope{
				Type:  TypeError,
				From:  env.To,
				Error: fmt.Sprintf("unknown peer: %s", env.To),
			})
			continue
		}

		env.From = e.id
		if err := target.write(env); err != nil {
			util.LogWarning("failed to route %s envelope to %s: %v", env.Type, env.To, err)
		}
	}
}
