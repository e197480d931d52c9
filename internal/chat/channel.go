package chat

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/peerchat/peerchat/internal/protocol"
	"github.com/peerchat/peerchat/internal/util"
)

// ErrEmptyMessage rejects a send whose content is empty after trimming.
var ErrEmptyMessage = errors.New("empty message")

// SendError reports a send that failed after validation. It carries the
// original content so the caller can re-offer it to the user. The session
// stays open unless the transport also reports an error.
type SendError struct {
	Content string
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("failed to send message: %v", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Channel is the message channel for one session. A new Channel is created
// for every session, resetting the sequence counter.
//
// The sequence counter is atomic: local sends and inbound frames arrive on
// different goroutines.
type Channel struct {
	seq  atomic.Uint64
	send func([]byte) error
}

// NewChannel creates a channel that transmits frames via send — normally a
// transport Session's Send.
func NewChannel(send func([]byte) error) *Channel {
	return &Channel{send: send}
}

// Send validates, frames, and transmits content, returning the local
// Message. The Message is produced as soon as the transport accepts the
// frame — the sender sees its own message without waiting for delivery.
func (c *Channel) Send(content string) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, ErrEmptyMessage
	}

	data, err := protocol.EncodeText(content)
	if err != nil {
		return Message{}, &SendError{Content: content, Err: err}
	}
	if err := c.send(data); err != nil {
		return Message{}, &SendError{Content: content, Err: err}
	}

	util.Stats.AddSent(len(data))
	return Message{
		Content:   content,
		Origin:    OriginLocal,
		Seq:       c.seq.Add(1),
		CreatedAt: time.Now(),
	}, nil
}

// HandleFrame deframes inbound bytes into a remote Message.
//
// A well-formed frame of unknown type returns (nil, nil): skipped, not an
// error. A malformed frame returns protocol.ErrMalformedFrame (wrapped);
// the caller reports it and the session stays open.
func (c *Channel) HandleFrame(data []byte) (*Message, error) {
	frame, err := protocol.Decode(data)
	if err != nil {
		return nil, err
	}
	if frame.Type != protocol.FrameText {
		util.LogDebug("skipping frame of unknown type %q", frame.Type)
		return nil, nil
	}

	util.Stats.AddRecv(len(data))
	return &Message{
		Content:   strings.TrimSpace(frame.Content),
		Origin:    OriginRemote,
		Seq:       c.seq.Add(1),
		CreatedAt: time.Now(),
	}, nil
}
