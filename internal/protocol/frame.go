package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrInvalidFrame is returned when a frame is malformed or misses required fields.
	ErrInvalidFrame = errors.New("invalid frame")

	// ErrUnknownFrameType is returned for unrecognized frame types.
	ErrUnknownFrameType = errors.New("unknown frame type")

	// ErrFrameTooLarge is returned when a data payload exceeds MaxDataSize.
	ErrFrameTooLarge = errors.New("frame payload exceeds maximum size")
)

// Frame is a single control channel message. Only the fields relevant to
// Type are set; the rest are omitted on the wire.
type Frame struct {
	Type FrameType `json:"type"`

	// Handshake
	AgentID string `json:"agentId,omitempty"`
	Token   string `json:"token,omitempty"`

	// Services
	ServiceID   string `json:"serviceId,omitempty"`
	ServiceName string `json:"serviceName,omitempty"`
	TunnelPort  int    `json:"tunnelPort,omitempty"`
	TargetHost  string `json:"targetHost,omitempty"`
	TargetPort  int    `json:"targetPort,omitempty"`

	// Relays and bridges
	ConnectionID string `json:"connectionId,omitempty"`
	Data         []byte `json:"data,omitempty"`

	// Errors
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// Encode serializes the frame to JSON.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Data) > MaxDataSize {
		return nil, ErrFrameTooLarge
	}
	return json.Marshal(f)
}

// Decode parses a JSON frame and validates it.
func Decode(buf []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(buf, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks that the fields required by the frame type are present.
func (f *Frame) Validate() error {
	if !f.Type.IsKnown() {
		return fmt.Errorf("%w: %q", ErrUnknownFrameType, f.Type)
	}
	if len(f.Data) > MaxDataSize {
		return ErrFrameTooLarge
	}

	switch f.Type {
	case FrameAuth:
		if f.AgentID == "" || f.Token == "" {
			return fmt.Errorf("%w: auth requires agentId and token", ErrInvalidFrame)
		}
	case FrameExpose:
		if f.ServiceID == "" {
			return fmt.Errorf("%w: expose requires serviceId", ErrInvalidFrame)
		}
		if f.TargetHost == "" || !validPort(f.TargetPort) {
			return fmt.Errorf("%w: expose requires targetHost and targetPort", ErrInvalidFrame)
		}
		if f.TunnelPort < 0 || f.TunnelPort > 65535 {
			return fmt.Errorf("%w: tunnelPort %d out of range", ErrInvalidFrame, f.TunnelPort)
		}
	case FrameAssign:
		if f.ServiceID == "" || f.TargetHost == "" || !validPort(f.TargetPort) {
			return fmt.Errorf("%w: assign requires serviceId, targetHost and targetPort", ErrInvalidFrame)
		}
	case FrameUnexpose, FrameExposeOK, FrameExposeError:
		if f.ServiceID == "" {
			return fmt.Errorf("%w: %s requires serviceId", ErrInvalidFrame, f.Type)
		}
	case FrameDial:
		if f.ConnectionID == "" || f.TargetHost == "" || !validPort(f.TargetPort) {
			return fmt.Errorf("%w: dial requires connectionId, targetHost and targetPort", ErrInvalidFrame)
		}
	case FrameReachConnect:
		if f.ConnectionID == "" || f.ServiceID == "" {
			return fmt.Errorf("%w: reach_connect requires connectionId and serviceId", ErrInvalidFrame)
		}
	case FrameDialSuccess, FrameDialError, FrameData, FrameClose,
		FrameReachReady, FrameReachData, FrameReachClose, FrameReachError:
		if f.ConnectionID == "" {
			return fmt.Errorf("%w: %s requires connectionId", ErrInvalidFrame, f.Type)
		}
	}
	return nil
}

// String returns a debug representation of the frame.
func (f *Frame) String() string {
	if f.ConnectionID != "" {
		return fmt.Sprintf("Frame{Type=%s, ConnectionID=%s, DataLen=%d}", f.Type, f.ConnectionID, len(f.Data))
	}
	if f.ServiceID != "" {
		return fmt.Sprintf("Frame{Type=%s, ServiceID=%s}", f.Type, f.ServiceID)
	}
	return fmt.Sprintf("Frame{Type=%s}", f.Type)
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

// ============================================================================
// Constructors
// ============================================================================

// NewAuth builds the handshake frame an agent sends first.
func NewAuth(agentID, token string) *Frame {
	return &Frame{Type: FrameAuth, AgentID: agentID, Token: token}
}

// NewAuthOK acknowledges a successful handshake.
func NewAuthOK(agentID string) *Frame {
	return &Frame{Type: FrameAuthOK, AgentID: agentID}
}

// NewAuthError rejects a handshake with a typed code.
func NewAuthError(code, msg string) *Frame {
	return &Frame{Type: FrameAuthError, Code: code, Error: msg}
}

// NewDial asks the exposing agent to open a connection to its target.
func NewDial(connID, serviceID, targetHost string, targetPort int) *Frame {
	return &Frame{
		Type:         FrameDial,
		ConnectionID: connID,
		ServiceID:    serviceID,
		TargetHost:   targetHost,
		TargetPort:   targetPort,
	}
}

// NewData wraps payload bytes for a connection.
func NewData(connID string, data []byte) *Frame {
	return &Frame{Type: FrameData, ConnectionID: connID, Data: data}
}

// NewClose terminates a connection.
func NewClose(connID string) *Frame {
	return &Frame{Type: FrameClose, ConnectionID: connID}
}

// NewReachReady tells the reaching agent its bridge is connected.
func NewReachReady(connID string) *Frame {
	return &Frame{Type: FrameReachReady, ConnectionID: connID}
}

// NewReachData wraps payload bytes for a bridge.
func NewReachData(connID string, data []byte) *Frame {
	return &Frame{Type: FrameReachData, ConnectionID: connID, Data: data}
}

// NewReachClose terminates a bridge.
func NewReachClose(connID string) *Frame {
	return &Frame{Type: FrameReachClose, ConnectionID: connID}
}

// NewReachError fails a bridge with a reason.
func NewReachError(connID, code, msg string) *Frame {
	return &Frame{Type: FrameReachError, ConnectionID: connID, Code: code, Error: msg}
}

// NewExposeOK confirms a tunnel listener and reports its port.
func NewExposeOK(serviceID string, port int) *Frame {
	return &Frame{Type: FrameExposeOK, ServiceID: serviceID, TunnelPort: port}
}

// NewAssign tells an agent which target a hub-initiated service dials. It
// precedes the expose_ok or expose_error for that service.
func NewAssign(serviceID, serviceName, targetHost string, targetPort int) *Frame {
	return &Frame{
		Type:        FrameAssign,
		ServiceID:   serviceID,
		ServiceName: serviceName,
		TargetHost:  targetHost,
		TargetPort:  targetPort,
	}
}

// NewExposeError reports why a tunnel listener could not be started.
func NewExposeError(serviceID, code, msg string) *Frame {
	return &Frame{Type: FrameExposeError, ServiceID: serviceID, Code: code, Error: msg}
}
