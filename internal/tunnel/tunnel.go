// Package tunnel is the hub's multiplexing engine.
//
// Every authenticated agent holds one Session on the Registry. Services it
// exposes are bound as Listeners on loopback ports. Each accepted client
// socket, and each reach request from another agent, becomes a Relay keyed by
// its connection id. A relay always has the exposing agent's session on one
// side; the other side is either the client socket or the reaching agent's
// session, so tunnels and bridges share one state machine.
package tunnel

import (
	"errors"
	"log/slog"
	"time"

	"github.com/postalsys/metroo-hub/internal/metrics"
	"github.com/postalsys/metroo-hub/internal/ports"
	"github.com/postalsys/metroo-hub/internal/protocol"
	"github.com/postalsys/metroo-hub/internal/store"
)

var (
	// ErrServiceOffline is returned when no live listener exists for a service.
	ErrServiceOffline = errors.New("service offline")

	// ErrAgentNotConnected is returned for operations on an agent without a session.
	ErrAgentNotConnected = errors.New("agent not connected")

	// ErrDuplicateConnection is returned when a connection id is already registered.
	ErrDuplicateConnection = errors.New("duplicate connection id")

	// ErrSessionClosed is returned when sending on a session that is being torn down.
	ErrSessionClosed = errors.New("session closed")

	// ErrServiceConflict is returned when another agent already exposes the service id.
	ErrServiceConflict = errors.New("service exposed by another agent")

	// ErrPortUnavailable is returned when no candidate port could be bound.
	ErrPortUnavailable = errors.New("port unavailable")

	// ErrBadExpose is returned by Expose for a request without a service id or target.
	ErrBadExpose = errors.New("invalid expose request")

	// ErrHubClosed is returned by HandleChannel after Close.
	ErrHubClosed = errors.New("hub closed")
)

// Default engine settings.
const (
	DefaultBindHost     = "127.0.0.1"
	DefaultAuthTimeout  = 10 * time.Second
	DefaultBindAttempts = 3
	DefaultFrameSize    = 32 * 1024
	DefaultWriteQueue   = 64
	DefaultSendQueue    = 256

	DefaultSocketWriteTimeout = 10 * time.Second
)

// Validator checks the credentials presented in an auth frame.
type Validator interface {
	Validate(agentID, token string) error
}

// StatusStore receives service and agent state changes.
// *store.Store implements it.
type StatusStore interface {
	SetAgentOnline(agentID string, online bool) error
	TouchAgent(agentID string)
	Agent(agentID string) (store.AgentRecord, bool)
	PutService(rec store.ServiceRecord) error
	SetServiceStatus(serviceID string, status store.ServiceStatus) error
	Service(serviceID string) (store.ServiceRecord, bool)
}

// Config configures a Hub.
type Config struct {
	// Validator authenticates agents. Required.
	Validator Validator

	// Allocator hands out tunnel ports. Required.
	Allocator *ports.Allocator

	// Store records service and agent status. Nil uses a memory-only store.
	Store StatusStore

	// BindHost is the address tunnel listeners bind to.
	BindHost string

	// DialTimeout bounds the Dialing state of every relay.
	DialTimeout time.Duration

	// AuthTimeout bounds the wait for the first frame on a channel.
	AuthTimeout time.Duration

	// BindAttempts is how many ports are tried before an expose fails.
	BindAttempts int

	// MaxConnectionsPerListener limits concurrent client sockets (0 = unlimited).
	MaxConnectionsPerListener int

	// AcceptRate and AcceptBurst limit new client sockets per listener (0 = unlimited).
	AcceptRate  float64
	AcceptBurst int

	// FrameSize is the largest payload read from a client socket into one data frame.
	FrameSize int

	// WriteQueue is the per-relay queue of payloads waiting for a slow client socket.
	WriteQueue int

	// SendQueue is the per-session queue of frames waiting for the channel.
	SendQueue int

	// SocketWriteTimeout bounds each write to a client socket, and the drain
	// of queued payload after the exposing agent closes the connection.
	SocketWriteTimeout time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.BindHost == "" {
		c.BindHost = DefaultBindHost
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = protocol.DefaultDialTimeout
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.BindAttempts <= 0 {
		c.BindAttempts = DefaultBindAttempts
	}
	if c.FrameSize <= 0 || c.FrameSize > protocol.MaxDataSize {
		c.FrameSize = DefaultFrameSize
	}
	if c.WriteQueue <= 0 {
		c.WriteQueue = DefaultWriteQueue
	}
	if c.SendQueue <= 0 {
		c.SendQueue = DefaultSendQueue
	}
	if c.SocketWriteTimeout <= 0 {
		c.SocketWriteTimeout = DefaultSocketWriteTimeout
	}
}
