package client

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/postalsys/metroo-hub/internal/logging"
	"github.com/postalsys/metroo-hub/internal/protocol"
	"github.com/postalsys/metroo-hub/internal/recovery"
)

// stream couples a local socket with a connection id on the channel.
// Payloads from the hub go through a bounded queue drained by writeLoop;
// pump reads the socket and sends data frames.
type stream struct {
	id         string
	conn       net.Conn
	dataFrame  func(string, []byte) *protocol.Frame
	closeFrame func(string) *protocol.Frame

	mu      sync.Mutex
	queue   chan []byte
	stopped bool

	// peerClosed suppresses the close frame when the hub ended the stream.
	peerClosed atomic.Bool
}

func newStream(id string, conn net.Conn, depth int, dataFrame func(string, []byte) *protocol.Frame, closeFrame func(string) *protocol.Frame) *stream {
	return &stream{
		id:         id,
		conn:       conn,
		dataFrame:  dataFrame,
		closeFrame: closeFrame,
		queue:      make(chan []byte, depth),
	}
}

// deliver queues a payload for the socket. It returns false when the
// queue is full.
func (st *stream) deliver(p []byte) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.stopped {
		return true
	}
	select {
	case st.queue <- p:
		return true
	default:
		return false
	}
}

func (st *stream) stopWrites() {
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.stopped {
		st.stopped = true
		close(st.queue)
	}
}

// closeFlush ends the stream after queued payloads are written.
func (st *stream) closeFlush() {
	st.peerClosed.Store(true)
	st.stopWrites()
}

// abort closes the socket, dropping queued payloads. pump reports the
// close to the hub.
func (st *stream) abort() {
	st.stopWrites()
	st.conn.Close()
}

// peerGone closes the socket after the hub side already went away.
func (st *stream) peerGone() {
	st.peerClosed.Store(true)
	st.abort()
}

func (st *stream) writeLoop(logger *slog.Logger) {
	defer recovery.RecoverWithLog(logger, "client.stream.writeLoop")

	for p := range st.queue {
		if _, err := st.conn.Write(p); err != nil {
			st.conn.Close()
			for range st.queue {
			}
			return
		}
	}
	st.conn.Close()
}

// pump forwards socket reads to the hub until either side closes.
func (st *stream) pump(s *session, frameSize int, logger *slog.Logger, done func()) {
	defer recovery.RecoverWithLog(logger, "client.stream.pump")
	defer done()

	buf := make([]byte, frameSize)
	for {
		n, err := st.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if serr := s.send(st.dataFrame(st.id, data)); serr != nil {
				st.abort()
				return
			}
		}
		if err != nil {
			break
		}
	}

	st.stopWrites()
	if !st.peerClosed.Load() {
		if err := s.send(st.closeFrame(st.id)); err != nil {
			logger.Debug("failed to send close",
				logging.KeyConnectionID, st.id,
				logging.KeyError, err)
		}
	}
}

// ============================================================================
// Dials from the hub
// ============================================================================

// handleDial connects to the local target of an exposed service.
func (c *Client) handleDial(s *session, f *protocol.Frame) {
	id := f.ConnectionID

	c.mu.Lock()
	svc, ok := c.services[f.ServiceID]
	_, open := c.targets[id]
	_, dialing := c.dialing[id]
	if open || dialing || c.cur != s {
		c.mu.Unlock()
		c.logger.Debug("ignoring duplicate dial", logging.KeyConnectionID, id)
		return
	}
	if !ok || svc.TargetHost != f.TargetHost || svc.TargetPort != f.TargetPort {
		c.mu.Unlock()
		c.logger.Warn("dial for unknown target",
			logging.KeyConnectionID, id,
			logging.KeyServiceID, f.ServiceID,
			logging.KeyTarget, net.JoinHostPort(f.TargetHost, strconv.Itoa(f.TargetPort)))
		c.sendDialError(s, id, "unknown service target")
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, c.cfg.DialTimeout)
	c.dialing[id] = cancel
	c.mu.Unlock()

	go c.dialTarget(ctx, cancel, s, id, svc)
}

func (c *Client) dialTarget(ctx context.Context, cancel context.CancelFunc, s *session, id string, svc Service) {
	defer recovery.RecoverWithLog(c.logger, "client.dialTarget")
	defer cancel()

	target := net.JoinHostPort(svc.TargetHost, strconv.Itoa(svc.TargetPort))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", target)

	c.mu.Lock()
	_, wanted := c.dialing[id]
	delete(c.dialing, id)
	var st *stream
	if err == nil && wanted && c.cur == s {
		st = newStream(id, conn, c.cfg.WriteQueue, protocol.NewData, protocol.NewClose)
		c.targets[id] = st
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Debug("target dial failed",
			logging.KeyConnectionID, id,
			logging.KeyTarget, target,
			logging.KeyError, err)
		if wanted {
			c.sendDialError(s, id, err.Error())
		}
		return
	}
	if st == nil {
		conn.Close()
		return
	}

	go st.writeLoop(c.logger)
	if err := s.send(&protocol.Frame{Type: protocol.FrameDialSuccess, ConnectionID: id}); err != nil {
		st.peerGone()
		c.dropTarget(id, st)
		return
	}

	c.logger.Debug("target connected",
		logging.KeyConnectionID, id,
		logging.KeyServiceID, svc.ID,
		logging.KeyTarget, target)

	st.pump(s, c.cfg.FrameSize, c.logger, func() { c.dropTarget(id, st) })
}

func (c *Client) sendDialError(s *session, id, msg string) {
	f := &protocol.Frame{Type: protocol.FrameDialError, ConnectionID: id, Error: msg}
	if err := s.send(f); err != nil {
		c.logger.Debug("failed to send dial_error", logging.KeyError, err)
	}
}

func (c *Client) handleData(s *session, f *protocol.Frame) {
	c.mu.Lock()
	st := c.targets[f.ConnectionID]
	c.mu.Unlock()

	if st == nil {
		c.logger.Debug("data for unknown connection", logging.KeyConnectionID, f.ConnectionID)
		return
	}
	if !st.deliver(f.Data) {
		c.logger.Warn("local target too slow, closing connection",
			logging.KeyConnectionID, f.ConnectionID)
		st.abort()
	}
}

func (c *Client) handleClose(f *protocol.Frame) {
	c.mu.Lock()
	st := c.targets[f.ConnectionID]
	cancel, dialing := c.dialing[f.ConnectionID]
	delete(c.dialing, f.ConnectionID)
	c.mu.Unlock()

	switch {
	case dialing:
		cancel()
	case st != nil:
		st.closeFlush()
	}
}

func (c *Client) dropTarget(id string, st *stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.targets[id] == st {
		delete(c.targets, id)
	}
}

// Connections returns the number of open target connections.
func (c *Client) Connections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.targets)
}
