package relay

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// endpoint is one registered client connection. Envelopes for an endpoint
// may be written by any peer's read loop, so writes are serialized by mu.
type endpoint struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

// write sends an envelope to the endpoint, guarded by the write mutex.
func (e *endpoint) write(env Envelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.WriteJSON(env)
}

// registry maintains the identity → endpoint route table.
type registry struct {
	mu        sync.Mutex
	endpoints map[string]*endpoint
}

func newRegistry() *registry {
	return &registry{
		endpoints: make(map[string]*endpoint),
	}
}

// add registers a connection under a freshly assigned identity and returns
// the new endpoint.
func (r *registry) add(conn *websocket.Conn) *endpoint {
	e := &endpoint{
		id:   uuid.NewString(),
		conn: conn,
	}
	r.mu.Lock()
	r.endpoints[e.id] = e
	r.mu.Unlock()
	return e
}

// remove drops the identity from the route table. The connection is closed
// by the caller.
func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, id)
}

// lookup returns the endpoint for an identity.
func (r *registry) lookup(id string) (*endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.endpoints[id]
	return e, ok
}
