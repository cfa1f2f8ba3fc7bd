package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/postalsys/metroo-hub/internal/logging"
	"github.com/postalsys/metroo-hub/internal/protocol"
)

// ErrReachClosed is returned by Reach when the hub closes the bridge before it is ready.
var ErrReachClosed = errors.New("bridge closed by hub")

// reach is a bridge opened by this agent to a service of another agent.
type reach struct {
	id        string
	serviceID string
	st        *stream

	ready  atomic.Bool
	once   sync.Once
	result chan error
}

// settle records the outcome of the connect. Only the first call wins.
func (r *reach) settle(err error) bool {
	won := false
	r.once.Do(func() {
		won = true
		r.result <- err
	})
	return won
}

// fail settles the bridge with err and tears down the local pipe.
func (r *reach) fail(err error) {
	r.settle(err)
	r.st.peerGone()
}

// Reach opens a bridge to a service exposed by another agent and returns
// the local end. It blocks until the hub reports the bridge ready, the hub
// rejects it or ctx is done. A rejection is returned as *RemoteError.
func (c *Client) Reach(ctx context.Context, serviceID string) (net.Conn, error) {
	local, remote := net.Pipe()
	id := uuid.NewString()
	r := &reach{
		id:        id,
		serviceID: serviceID,
		st:        newStream(id, remote, c.cfg.WriteQueue, protocol.NewReachData, protocol.NewReachClose),
		result:    make(chan error, 1),
	}

	c.mu.Lock()
	s := c.cur
	if s == nil {
		c.mu.Unlock()
		local.Close()
		remote.Close()
		return nil, ErrNotConnected
	}
	c.reaches[id] = r
	c.mu.Unlock()

	go r.st.writeLoop(c.logger)

	connect := &protocol.Frame{Type: protocol.FrameReachConnect, ConnectionID: id, ServiceID: serviceID}
	if err := s.send(connect); err != nil {
		c.dropReach(id, r)
		r.fail(err)
		local.Close()
		return nil, err
	}

	select {
	case err := <-r.result:
		if err != nil {
			local.Close()
			return nil, err
		}
		return local, nil
	case <-ctx.Done():
		if !r.settle(ctx.Err()) {
			// reach_ready won the race
			if err := <-r.result; err == nil {
				return local, nil
			}
			local.Close()
			return nil, ctx.Err()
		}
		c.dropReach(id, r)
		r.st.peerGone()
		local.Close()
		if err := s.send(protocol.NewReachClose(id)); err != nil {
			c.logger.Debug("failed to abandon bridge", logging.KeyConnectionID, id, logging.KeyError, err)
		}
		return nil, ctx.Err()
	}
}

func (c *Client) lookupReach(id string) *reach {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reaches[id]
}

func (c *Client) dropReach(id string, r *reach) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reaches[id] == r {
		delete(c.reaches, id)
	}
}

func (c *Client) handleReachReady(s *session, f *protocol.Frame) {
	r := c.lookupReach(f.ConnectionID)
	if r == nil {
		c.logger.Debug("reach_ready for unknown bridge", logging.KeyConnectionID, f.ConnectionID)
		return
	}

	r.ready.Store(true)
	if !r.settle(nil) {
		return
	}

	c.logger.Debug("bridge ready",
		logging.KeyConnectionID, r.id,
		logging.KeyServiceID, r.serviceID)

	go r.st.pump(s, c.cfg.FrameSize, c.logger, func() { c.dropReach(r.id, r) })
}

func (c *Client) handleReachData(f *protocol.Frame) {
	r := c.lookupReach(f.ConnectionID)
	if r == nil || !r.ready.Load() {
		c.logger.Debug("reach_data for unknown bridge", logging.KeyConnectionID, f.ConnectionID)
		return
	}
	if !r.st.deliver(f.Data) {
		c.logger.Warn("bridge reader too slow, closing bridge",
			logging.KeyConnectionID, f.ConnectionID)
		r.st.abort()
	}
}

func (c *Client) handleReachClose(f *protocol.Frame) {
	r := c.lookupReach(f.ConnectionID)
	if r == nil {
		return
	}
	if !r.ready.Load() {
		c.dropReach(r.id, r)
		r.fail(ErrReachClosed)
		return
	}
	r.st.closeFlush()
}

func (c *Client) handleReachError(f *protocol.Frame) {
	r := c.lookupReach(f.ConnectionID)
	if r == nil {
		return
	}
	c.dropReach(r.id, r)
	r.fail(&RemoteError{Code: f.Code, Message: f.Error})
}

// Bridges returns the number of open bridges started by this agent.
func (c *Client) Bridges() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reaches)
}
