package tunnel

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/metroo-hub/internal/logging"
	"github.com/postalsys/metroo-hub/internal/metrics"
	"github.com/postalsys/metroo-hub/internal/protocol"
	"github.com/postalsys/metroo-hub/internal/recovery"
	"github.com/postalsys/metroo-hub/internal/transport"
)

// Session is one authenticated agent and its control channel.
//
// Frames are queued on a bounded send queue drained by a single writer, so
// any goroutine may call Send. A full queue blocks the caller until the
// writer catches up or the session starts closing.
type Session struct {
	agentID     string
	conn        transport.Conn
	connectedAt time.Time
	lastSeen    atomic.Int64

	sendCh     chan *protocol.Frame
	closing    chan struct{}
	closeOnce  sync.Once
	writerDone chan struct{}

	// done is closed once teardown has finished.
	done chan struct{}

	// listeners is guarded by the hub's mu.
	listeners map[string]*Listener

	metrics *metrics.Metrics
	logger  *slog.Logger
}

func newSession(agentID string, conn transport.Conn, queue int, m *metrics.Metrics, logger *slog.Logger) *Session {
	s := &Session{
		agentID:     agentID,
		conn:        conn,
		connectedAt: time.Now(),
		sendCh:      make(chan *protocol.Frame, queue),
		closing:     make(chan struct{}),
		writerDone:  make(chan struct{}),
		done:        make(chan struct{}),
		listeners:   make(map[string]*Listener),
		metrics:     m,
		logger:      logger.With(logging.KeyAgentID, agentID),
	}
	s.touch()
	return s
}

// AgentID returns the authenticated agent id.
func (s *Session) AgentID() string {
	return s.agentID
}

// RemoteAddr returns the channel's peer address.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr()
}

// ConnectedAt returns when the session authenticated.
func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}

// LastSeen returns the time of the last inbound frame.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// Send queues a frame for the channel.
func (s *Session) Send(f *protocol.Frame) error {
	select {
	case <-s.closing:
		return ErrSessionClosed
	default:
	}

	select {
	case s.sendCh <- f:
		return nil
	case <-s.closing:
		return ErrSessionClosed
	}
}

func (s *Session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

func (s *Session) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

func (s *Session) markClosing() {
	s.closeOnce.Do(func() {
		close(s.closing)
	})
}

// closeWith stops the session and closes its channel with a WebSocket code.
// The read loop then fails and the hub tears the session down.
func (s *Session) closeWith(code int, reason string) {
	s.markClosing()
	s.conn.Close(code, reason)
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	defer recovery.RecoverWithLog(s.logger, "tunnel.Session.writeLoop")

	for {
		select {
		case f := <-s.sendCh:
			if err := s.conn.Send(context.Background(), f); err != nil {
				s.logger.Debug("channel write failed",
					logging.KeyFrameType, f.Type,
					logging.KeyError, err)
				s.closeWith(protocol.CloseInternalError, "write failed")
				return
			}
			s.metrics.RecordFrameSent(string(f.Type))
		case <-s.closing:
			return
		}
	}
}
