// Package transport carries control frames between agents and the hub.
//
// A control channel is one WebSocket connection. Each frame is a single JSON
// text message; the hub accepts channels through a Listener and agents open
// them with Dial. Both ends run a ping keep-alive so a dead peer surfaces as a
// receive error instead of a silent stall.
package transport

import (
	"context"
	"errors"
	"time"

	"nhooyr.io/websocket"

	"github.com/postalsys/metroo-hub/internal/protocol"
)

// Subprotocol is negotiated on every control channel.
const Subprotocol = "metroo-hub.v1"

const (
	// readLimit bounds one message: a base64 MaxDataSize payload plus envelope.
	readLimit = 2 * protocol.MaxDataSize

	defaultWriteTimeout = 10 * time.Second
)

var (
	// ErrChannelClosed is returned by Send and Receive after the channel closed.
	ErrChannelClosed = errors.New("channel closed")
)

// Conn is one end of a control channel.
type Conn interface {
	// Send writes one frame. Safe for concurrent use.
	Send(ctx context.Context, f *protocol.Frame) error

	// Receive blocks for the next frame. Must not be called concurrently.
	// Frames that decode but fail validation are returned with an error
	// wrapping protocol.ErrInvalidFrame or protocol.ErrUnknownFrameType;
	// the channel stays usable after those.
	Receive(ctx context.Context) (*protocol.Frame, error)

	// Close closes the channel with a WebSocket status code and reason.
	Close(code int, reason string) error

	// Done is closed once the channel is closed for any reason.
	Done() <-chan struct{}

	// RemoteAddr describes the peer.
	RemoteAddr() string
}

// KeepaliveConfig controls transport pings.
type KeepaliveConfig struct {
	// Interval between pings. Zero disables the keep-alive.
	Interval time.Duration

	// Timeout for the pong after each ping.
	Timeout time.Duration
}

// CloseCode returns the WebSocket close code carried by err, or -1.
func CloseCode(err error) int {
	return int(websocket.CloseStatus(err))
}

// IsValidationError reports whether err is a per-frame error the reader may skip.
func IsValidationError(err error) bool {
	return errors.Is(err, protocol.ErrInvalidFrame) ||
		errors.Is(err, protocol.ErrUnknownFrameType) ||
		errors.Is(err, protocol.ErrFrameTooLarge)
}
