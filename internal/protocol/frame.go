// Package protocol defines the wire protocol shared by the server and the
// client: frame types, the extended-JSON codec, canonical error messages,
// and request-token generation.
package protocol

import (
	"errors"
	"fmt"
)

// FrameType identifies the kind of payload a frame carries.
type FrameType string

// Frame types on the wire.
const (
	FrameSetup     FrameType = "setup"
	FrameMethod    FrameType = "method"
	FrameResult    FrameType = "result"
	FrameError     FrameType = "error"
	FrameEvent     FrameType = "event"
	FrameHeartbeat FrameType = "heartbeat"
)

// Reserved method names pre-registered by the server.
const (
	MethodRPCLogin    = "rpc:login"
	MethodRPCLogout   = "rpc:logout"
	MethodRPCInit     = "rpc:init"
	MethodRPCOn       = "rpc:on"
	MethodRPCOff      = "rpc:off"
	MethodListMethods = "list:methods"
	MethodKeepAlive   = "keep:alive"
	MethodEventProbe  = "event:probe"
)

// NoChannel is the server-wide default channel. It is never evicted.
const NoChannel = "NO_CHANNEL"

var validFrameTypes = map[FrameType]bool{
	FrameSetup:     true,
	FrameMethod:    true,
	FrameResult:    true,
	FrameError:     true,
	FrameEvent:     true,
	FrameHeartbeat: true,
}

// ErrUnknownFrameType is wrapped by Decode for frames with an unrecognized type.
var ErrUnknownFrameType = errors.New("unknown frame type")

// Frame is one unit of the wire protocol. Which fields are populated depends
// on Type; Encode drops empty fields.
type Frame struct {
	Type    FrameType `json:"type"`
	ID      string    `json:"id,omitempty"`
	UUID    string    `json:"uuid,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
	Result  any       `json:"result,omitempty"`
	Message string    `json:"message,omitempty"`
	Stack   string    `json:"stack,omitempty"`
	Errors  []string  `json:"errors,omitempty"`
	Event   string    `json:"event,omitempty"`
	Channel string    `json:"channel,omitempty"`
	Void    bool      `json:"void,omitempty"`
}

// NewMethodFrame builds a METHOD frame with a fresh request token.
func NewMethodFrame(method string, params any) Frame {
	return Frame{
		Type:   FrameMethod,
		ID:     NewID(),
		Method: method,
		Params: params,
	}
}

// NewResultFrame builds the RESULT response to a METHOD frame.
func NewResultFrame(id, method string, result any) Frame {
	return Frame{
		Type:   FrameResult,
		ID:     id,
		Method: method,
		Result: result,
	}
}

// NewEventFrame builds an EVENT frame for a channel broadcast.
func NewEventFrame(channel, event string, params any) Frame {
	return Frame{
		Type:    FrameEvent,
		ID:      NewID(),
		Channel: channel,
		Event:   event,
		Params:  params,
	}
}

// NewErrorFrame builds an ERROR frame from a protocol error. The correlation
// id may be empty for failures that predate request parsing.
func NewErrorFrame(id string, err *Error) Frame {
	return Frame{
		Type:    FrameError,
		ID:      id,
		Message: err.Message,
		Stack:   err.Stack,
		Errors:  err.Errors,
	}
}

// Heartbeat is the frame exchanged by the keep-alive subsystem in both
// directions. It carries no fields besides its type.
var Heartbeat = Frame{Type: FrameHeartbeat}

func (t FrameType) String() string { return string(t) }

func validateFrame(f Frame) error {
	if !validFrameTypes[f.Type] {
		return fmt.Errorf("%w: %q", ErrUnknownFrameType, f.Type)
	}
	return nil
}
