package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType discriminates frames on the surface wire.
type FrameType string

const (
	FrameSend   FrameType = "send"
	FrameInvoke FrameType = "invoke"
	FrameReply  FrameType = "reply"
)

// Frame is the JSON envelope exchanged between the host and a surface.
// Invoke and reply frames are correlated by ID.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Args    Args            `json:"args,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Validate checks the fields required by the frame type.
func (f Frame) Validate() error {
	switch f.Type {
	case FrameSend:
		if f.Channel == "" {
			return errors.New("send frame without channel")
		}
	case FrameInvoke:
		if f.Channel == "" || f.ID == "" {
			return errors.New("invoke frame requires channel and id")
		}
	case FrameReply:
		if f.ID == "" {
			return errors.New("reply frame without id")
		}
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
	return nil
}

// ErrNoHandler is returned by Request when no handler serves the channel.
var ErrNoHandler = errors.New("no handler registered")

// RemoteError carries a handler failure back across the wire.
type RemoteError struct {
	Channel string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("invoke %s: %s", e.Channel, e.Message)
}
