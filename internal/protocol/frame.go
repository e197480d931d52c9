// Package protocol defines the frame format exchanged over the chat
// DataChannel. Each DataChannel message carries exactly one frame.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// FrameType identifies the kind of frame.
type FrameType string

// FrameText is the only frame type the channel produces today. Unknown
// types are skipped on receipt so future senders can add metadata frames
// without breaking older peers.
const FrameText FrameType = "text"

// ErrMalformedFrame reports an inbound frame that could not be decoded.
// It is non-fatal: the frame is dropped and the session stays open.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is the JSON envelope transmitted over the DataChannel.
type Frame struct {
	Type    FrameType `json:"type"`
	Content string    `json:"content,omitempty"`
}

// EncodeText builds a text frame from already-trimmed content.
func EncodeText(content string) ([]byte, error) {
	return json.Marshal(Frame{Type: FrameText, Content: content})
}

// Decode parses a frame from raw DataChannel bytes.
//
// Returns ErrMalformedFrame (wrapped with detail) for invalid JSON, a
// missing type, or a text frame whose content is empty after trimming.
// A well-formed frame with an unknown type decodes successfully; callers
// decide whether to skip it via Frame.Type.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	if f.Type == FrameText && strings.TrimSpace(f.Content) == "" {
		return nil, fmt.Errorf("%w: empty text content", ErrMalformedFrame)
	}
	return &f, nil
}
