package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/peerchat/peerchat/internal/relay"
	"github.com/peerchat/peerchat/internal/transport"
	"github.com/peerchat/peerchat/internal/util"
)

// exchange is one SDP/ICE negotiation with a single remote identity. The
// client's read loop feeds it envelopes; pion's callbacks feed it local
// candidates. It ends when its session opens or dies.
type exchange struct {
	client  *Client
	remote  string
	session *transport.Session
}

func newExchange(c *Client, remote string, s *transport.Session) *exchange {
	ex := &exchange{client: c, remote: remote, session: s}

	// Trickle ICE candidates to the remote as they are gathered.
	s.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		data, _ := json.Marshal(cand.ToJSON())
		if err := c.write(relay.Envelope{
			Type:      relay.TypeCandidate,
			To:        remote,
			Candidate: string(data),
		}); err != nil {
			// Best-effort: a lost candidate only narrows the ICE options.
			util.LogDebug("failed to send candidate to %s: %v", remote, err)
		}
	})

	return ex
}

// sendOffer creates the offer, applies it locally, and sends it through
// the relay. Offer side only.
func (ex *exchange) sendOffer() error {
	offer, err := ex.session.CreateOffer()
	if err != nil {
		return fmt.Errorf("CreateOffer: %w", err)
	}
	if err := ex.session.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("SetLocalDescription: %w", err)
	}
	return ex.client.write(relay.Envelope{
		Type: relay.TypeOffer,
		To:   ex.remote,
		SDP:  offer.SDP,
	})
}

// acceptOffer applies the remote offer and answers it. Answer side only.
func (ex *exchange) acceptOffer(env relay.Envelope) error {
	if err := ex.session.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  env.SDP,
	}); err != nil {
		return fmt.Errorf("SetRemoteDescription: %w", err)
	}
	answer, err := ex.session.CreateAnswer()
	if err != nil {
		return fmt.Errorf("CreateAnswer: %w", err)
	}
	if err := ex.session.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("SetLocalDescription: %w", err)
	}
	return ex.client.write(relay.Envelope{
		Type: relay.TypeAnswer,
		To:   ex.remote,
		SDP:  answer.SDP,
	})
}

// deliver handles an envelope routed to this exchange by the read loop.
func (ex *exchange) deliver(env relay.Envelope) {
	switch env.Type {
	case relay.TypeAnswer:
		if err := ex.session.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  env.SDP,
		}); err != nil {
			util.LogWarning("SetRemoteDescription failed for %s: %v", ex.remote, err)
		}

	case relay.TypeCandidate:
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(env.Candidate), &init); err != nil {
			util.LogDebug("invalid candidate from %s: %v", ex.remote, err)
			return
		}
		if err := ex.session.AddICECandidate(init); err != nil {
			util.LogDebug("AddICECandidate failed for %s: %v", ex.remote, err)
		}

	case relay.TypeError:
		ex.abort(fmt.Errorf("relay: %s", env.Error))
	}
}

// abort fails the exchange's session; the session's error and closed
// callbacks carry the reason to whoever is waiting on it.
func (ex *exchange) abort(err error) {
	util.LogDebug("exchange with %s aborted: %v", ex.remote, err)
	ex.session.Fail(err)
}
