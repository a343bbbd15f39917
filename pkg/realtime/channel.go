package realtime

import (
	"context"

	"github.com/parlo-app/parlo-go/pkg/core"
)

// ControlChannel is the ordered, reliable lane carrying JSON control
// frames to the service. The WebRTC transport backs it with a data
// channel, the websocket transport with the socket itself.
type ControlChannel interface {
	// Ready reports whether the channel is open for sending.
	Ready() bool

	// Send transmits one control frame. It fails when the channel has
	// not opened yet or has closed.
	Send(ctx context.Context, data []byte) error
}

// transport is the session's view of a control transport's lifecycle.
type transport interface {
	ControlChannel

	// Dial performs negotiation with the service using the ephemeral
	// credential. After Dial returns the control channel may still be
	// opening.
	Dial(ctx context.Context, credential string) *core.Error

	// WaitChannel blocks until the control channel is open, the timeout
	// elapses, or ctx is done.
	WaitChannel(ctx context.Context) *core.Error

	// Close tears the transport down. Safe to call more than once.
	Close() error
}
