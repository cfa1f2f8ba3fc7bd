// Package protocol defines the control channel wire protocol between agents and the hub.
//
// Every message is one JSON object tagged by its "type" field. Binary payloads
// travel in the "data" field, base64 encoded by encoding/json.
package protocol

import "time"

// FrameType tags a control frame.
type FrameType string

// Handshake frames
const (
	FrameAuth      FrameType = "auth"       // agent -> hub, first frame on a channel
	FrameAuthOK    FrameType = "auth_ok"    // hub -> agent
	FrameAuthError FrameType = "auth_error" // hub -> agent, channel is closed after it
)

// Service frames
const (
	FrameExpose      FrameType = "expose"       // agent -> hub
	FrameExposeOK    FrameType = "expose_ok"    // hub -> agent
	FrameExposeError FrameType = "expose_error" // hub -> agent
	FrameUnexpose    FrameType = "unexpose"     // agent -> hub
	FrameAssign      FrameType = "assign"       // hub -> agent, service exposed on the agent's behalf
)

// Relay frames
const (
	FrameDial        FrameType = "dial"         // hub -> agent
	FrameDialSuccess FrameType = "dial_success" // agent -> hub
	FrameDialError   FrameType = "dial_error"   // agent -> hub
	FrameData        FrameType = "data"         // both
	FrameClose       FrameType = "close"        // both
)

// Bridge frames
const (
	FrameReachConnect FrameType = "reach_connect" // agent -> hub
	FrameReachReady   FrameType = "reach_ready"   // hub -> agent
	FrameReachData    FrameType = "reach_data"    // both
	FrameReachClose   FrameType = "reach_close"   // both
	FrameReachError   FrameType = "reach_error"   // both
)

// Liveness frames
const (
	FrameHeartbeat    FrameType = "heartbeat"     // agent -> hub
	FrameHeartbeatAck FrameType = "heartbeat_ack" // hub -> agent
)

// Error codes carried in the "code" field of auth_error, expose_error and reach_error.
const (
	CodeTokenExpired     = "TOKEN_EXPIRED"
	CodeInvalidToken     = "INVALID_TOKEN"
	CodeNoPortsAvailable = "NO_PORTS_AVAILABLE"
	CodePortUnavailable  = "PORT_UNAVAILABLE"
	CodeServiceConflict  = "SERVICE_CONFLICT"
	CodeServiceOffline   = "SERVICE_OFFLINE"
	CodeDuplicateConn    = "DUPLICATE_CONNECTION"
	CodeDialFailed       = "DIAL_FAILED"
	CodeTimeout          = "TIMEOUT"
	CodeBadRequest       = "BAD_REQUEST"
	CodeInternal         = "INTERNAL"
)

// WebSocket close codes used when the hub rejects or ends a channel.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011

	CloseTokenExpired = 4001
	CloseInvalidToken = 4003
	CloseReplaced     = 4009
)

// Protocol constants
const (
	// DefaultDialTimeout bounds the Dialing state of every relay and bridge.
	DefaultDialTimeout = 10 * time.Second

	// MaxDataSize is the largest decoded payload accepted in one data frame.
	MaxDataSize = 1024 * 1024

	// MessageTimeoutMsg is the error text sent when a bridge dial times out.
	MessageTimeoutMsg = "Connection timeout"

	// MessageServiceOffline is the error text sent when a reach target is not connected.
	MessageServiceOffline = "Service offline"

	// MessageAgentDisconnected is the error text sent when the exposing agent goes away mid-dial.
	MessageAgentDisconnected = "Agent disconnected"
)

// Direction describes who may send a frame type.
type Direction uint8

const (
	AgentToHub Direction = 1 << iota
	HubToAgent
	Both = AgentToHub | HubToAgent
)

// directions lists every known frame type. IsKnown and Allowed read it,
// and the hub builds its dispatch table against InboundTypes.
var directions = map[FrameType]Direction{
	FrameAuth:         AgentToHub,
	FrameAuthOK:       HubToAgent,
	FrameAuthError:    HubToAgent,
	FrameExpose:       AgentToHub,
	FrameExposeOK:     HubToAgent,
	FrameExposeError:  HubToAgent,
	FrameUnexpose:     AgentToHub,
	FrameAssign:       HubToAgent,
	FrameDial:         HubToAgent,
	FrameDialSuccess:  AgentToHub,
	FrameDialError:    AgentToHub,
	FrameData:         Both,
	FrameClose:        Both,
	FrameReachConnect: AgentToHub,
	FrameReachReady:   HubToAgent,
	FrameReachData:    Both,
	FrameReachClose:   Both,
	FrameReachError:   Both,
	FrameHeartbeat:    AgentToHub,
	FrameHeartbeatAck: HubToAgent,
}

// IsKnown reports whether t is a defined frame type.
func (t FrameType) IsKnown() bool {
	_, ok := directions[t]
	return ok
}

// Allowed reports whether t may travel in direction d.
func (t FrameType) Allowed(d Direction) bool {
	return directions[t]&d != 0
}

// String returns the wire name of the frame type.
func (t FrameType) String() string {
	return string(t)
}

// InboundTypes returns every frame type an agent may send after authenticating.
func InboundTypes() []FrameType {
	types := make([]FrameType, 0, len(directions))
	for t, d := range directions {
		if d&AgentToHub != 0 && t != FrameAuth {
			types = append(types, t)
		}
	}
	return types
}
