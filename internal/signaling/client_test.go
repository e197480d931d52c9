package signaling

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerchat/peerchat/internal/relay"
	"github.com/peerchat/peerchat/internal/transport"
)

func startRelay(t *testing.T) string {
	t.Helper()
	srv := relay.NewServer()
	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(srv.Close)
	return fmt.Sprintf("ws://%s/ws", srv.Addr())
}

func TestRegisterAssignsIdentity(t *testing.T) {
	url := startRelay(t)
	c := NewClient(context.Background(), url)
	t.Cleanup(func() { c.Close() })

	id, err := c.Register(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, c.Identity())
}

func TestRegisterReturnsCachedIdentity(t *testing.T) {
	url := startRelay(t)
	c := NewClient(context.Background(), url)
	t.Cleanup(func() { c.Close() })

	first, err := c.Register(context.Background())
	require.NoError(t, err)

	second, err := c.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRegisterUnreachableRelay(t *testing.T) {
	c := NewClient(context.Background(), "ws://127.0.0.1:1/ws")

	_, err := c.Register(context.Background())
	require.ErrorIs(t, err, ErrRegistration)

	// The failure is retryable; a later attempt against a live relay works.
	c2 := NewClient(context.Background(), startRelay(t))
	t.Cleanup(func() { c2.Close() })
	_, err = c2.Register(context.Background())
	require.NoError(t, err)
}

func TestDialRequiresRegistration(t *testing.T) {
	c := NewClient(context.Background(), startRelay(t))

	_, err := c.Dial(context.Background(), "somebody")
	require.Error(t, err)
}

// TestExchangeEndToEnd drives a full offer/answer/ICE exchange between two
// clients through an in-process relay and passes one frame over the
// resulting DataChannel. Loopback host candidates are enough; no network
// beyond 127.0.0.1 is needed.
func TestExchangeEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping WebRTC exchange in short mode")
	}

	url := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	caller := NewClient(ctx, url)
	callee := NewClient(ctx, url)
	t.Cleanup(func() { caller.Close(); callee.Close() })

	inbound := make(chan *transport.Session, 1)
	received := make(chan []byte, 1)
	callee.OnInbound(func(remote string, s *transport.Session) {
		// Register the data callback before the channel opens so the
		// first frame cannot be missed.
		s.OnData(func(data []byte) {
			select {
			case received <- data:
			default:
			}
		})
		inbound <- s
	})

	_, err := caller.Register(ctx)
	require.NoError(t, err)
	calleeID, err := callee.Register(ctx)
	require.NoError(t, err)

	out, err := caller.Dial(ctx, calleeID)
	require.NoError(t, err)
	t.Cleanup(func() { out.Close() })

	var in *transport.Session
	select {
	case in = <-inbound:
	case <-ctx.Done():
		t.Fatal("inbound session never arrived")
	}
	t.Cleanup(func() { in.Close() })

	select {
	case <-out.Ready():
	case <-out.Done():
		t.Fatal("outbound session ended before opening")
	case <-ctx.Done():
		t.Fatal("outbound session never opened")
	}
	select {
	case <-in.Ready():
	case <-ctx.Done():
		t.Fatal("inbound session never opened")
	}

	require.NoError(t, out.Send([]byte(`{"type":"text","content":"ping"}`)))
	select {
	case data := <-received:
		assert.JSONEq(t, `{"type":"text","content":"ping"}`, string(data))
	case <-ctx.Done():
		t.Fatal("frame never arrived")
	}
}
