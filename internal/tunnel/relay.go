package tunnel

import (
	"errors"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/metroo-hub/internal/logging"
	"github.com/postalsys/metroo-hub/internal/metrics"
	"github.com/postalsys/metroo-hub/internal/protocol"
	"github.com/postalsys/metroo-hub/internal/recovery"
)

// RelayState is the life cycle state of a relay.
type RelayState int32

const (
	StateDialing RelayState = iota
	StateReady
	StateClosed
)

// String returns a human-readable state name.
func (s RelayState) String() string {
	switch s {
	case StateDialing:
		return "DIALING"
	case StateReady:
		return "READY"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// closeOrigin says which side ended a relay and decides what each side is told.
type closeOrigin int

const (
	originPeer         closeOrigin = iota // client socket or reaching agent went away
	originExposer                         // close frame from the exposing agent
	originDialError                       // dial_error from the exposing agent
	originTimeout                         // no dial result within the deadline
	originExposerGone                     // exposing agent's session torn down
	originSlowConsumer                    // peer could not keep up with data
	originRejected                        // peer broke the protocol
)

func (o closeOrigin) String() string {
	switch o {
	case originPeer:
		return "peer_closed"
	case originExposer:
		return "agent_closed"
	case originDialError:
		return "dial_error"
	case originTimeout:
		return "timeout"
	case originExposerGone:
		return "agent_gone"
	case originSlowConsumer:
		return "slow_consumer"
	case originRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

var (
	errEndpointClosed = errors.New("endpoint closed")
	errSlowConsumer   = errors.New("client write queue full")
)

// endpoint is the non-exposing side of a relay.
type endpoint interface {
	// ready is called once when the exposing agent confirmed the dial.
	ready(r *Relay) error
	// deliver passes payload from the exposing agent. It must not block
	// on a slow client socket.
	deliver(r *Relay, data []byte) error
	// fail ends the endpoint with an error code.
	fail(r *Relay, code, msg string)
	// closed ends the endpoint after the exposing agent closed.
	closed(r *Relay)
	// release ends the endpoint after it went away itself.
	release(r *Relay)
	// session is the reaching agent's session, or nil for a client socket.
	session() *Session
	describe() string
}

// Relay is one logical connection between an exposing agent and a peer.
type Relay struct {
	id         string
	serviceID  string
	targetHost string
	targetPort int
	kind       string
	exposer    *Session
	peer       endpoint
	hub        *Hub
	createdAt  time.Time

	state atomic.Int32
	ready chan struct{}
	done  chan struct{}

	timerMu sync.Mutex
	timer   *time.Timer

	toExposer   atomic.Int64
	fromExposer atomic.Int64
}

func newRelay(h *Hub, id, serviceID, host string, port int, exposer *Session, peer endpoint, kind string) *Relay {
	return &Relay{
		id:         id,
		serviceID:  serviceID,
		targetHost: host,
		targetPort: port,
		kind:       kind,
		exposer:    exposer,
		peer:       peer,
		hub:        h,
		createdAt:  time.Now(),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// ID returns the connection id.
func (r *Relay) ID() string {
	return r.id
}

// State returns the current state.
func (r *Relay) State() RelayState {
	return RelayState(r.state.Load())
}

func (r *Relay) casState(old, new RelayState) bool {
	return r.state.CompareAndSwap(int32(old), int32(new))
}

func (r *Relay) armTimer(d time.Duration) {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()

	if r.State() != StateDialing {
		return
	}
	r.timer = time.AfterFunc(d, func() {
		r.finish(originTimeout, protocol.MessageTimeoutMsg)
	})
}

func (r *Relay) stopTimer() {
	r.timerMu.Lock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timerMu.Unlock()
}

// resolve moves a dialing relay to Ready. Later dial results are ignored.
func (r *Relay) resolve() {
	if !r.casState(StateDialing, StateReady) {
		return
	}
	r.stopTimer()

	m := r.hub.metrics
	m.RecordDialResult(r.kind, metrics.DialSuccess)
	m.RecordDialLatency(time.Since(r.createdAt).Seconds())
	close(r.ready)

	r.hub.logger.Debug("relay ready",
		logging.KeyConnectionID, r.id,
		logging.KeyServiceID, r.serviceID)

	if err := r.peer.ready(r); err != nil {
		r.finish(originPeer, "")
	}
}

// fromExposerData forwards payload from the exposing agent to the peer.
func (r *Relay) fromExposerData(data []byte) {
	if err := r.peer.deliver(r, data); err != nil {
		if errors.Is(err, errSlowConsumer) {
			r.finish(originSlowConsumer, "")
			return
		}
		r.finish(originPeer, "")
		return
	}
	r.fromExposer.Add(int64(len(data)))
	r.hub.metrics.RecordBytes(metrics.FromAgent, len(data))
}

// toExposerData forwards payload from the peer to the exposing agent.
// It blocks while the exposer's send queue is full.
func (r *Relay) toExposerData(data []byte) error {
	if err := r.exposer.Send(protocol.NewData(r.id, data)); err != nil {
		return err
	}
	r.toExposer.Add(int64(len(data)))
	r.hub.metrics.RecordBytes(metrics.ToAgent, len(data))
	return nil
}

// finish closes the relay exactly once and tells each side what happened.
// Timeouts and dial errors only apply while the relay is still dialing.
// It reports whether this call closed the relay.
func (r *Relay) finish(origin closeOrigin, msg string) bool {
	var prev RelayState
	for {
		prev = r.State()
		if prev == StateClosed {
			return false
		}
		if (origin == originTimeout || origin == originDialError) && prev != StateDialing {
			return false
		}
		if r.casState(prev, StateClosed) {
			break
		}
	}

	r.stopTimer()
	r.hub.relays.remove(r)
	close(r.done)

	switch origin {
	case originPeer, originSlowConsumer:
		r.exposer.Send(protocol.NewClose(r.id))
		r.peer.release(r)
	case originRejected:
		r.exposer.Send(protocol.NewClose(r.id))
		r.peer.fail(r, protocol.CodeBadRequest, msg)
	case originExposer:
		r.peer.closed(r)
	case originDialError:
		r.peer.fail(r, protocol.CodeDialFailed, msg)
	case originTimeout:
		r.peer.fail(r, protocol.CodeTimeout, protocol.MessageTimeoutMsg)
	case originExposerGone:
		if prev == StateDialing {
			r.peer.fail(r, protocol.CodeServiceOffline, protocol.MessageAgentDisconnected)
		} else {
			r.peer.closed(r)
		}
	}

	m := r.hub.metrics
	if prev == StateDialing {
		switch origin {
		case originDialError:
			m.RecordDialResult(r.kind, metrics.DialError)
		case originTimeout:
			m.RecordDialResult(r.kind, metrics.DialTimeout)
		default:
			m.RecordDialResult(r.kind, metrics.DialAborted)
		}
	}
	m.RecordRelayClose(r.kind, origin.String())

	level := r.hub.logger.Debug
	if origin == originDialError || origin == originTimeout {
		level = r.hub.logger.Warn
	}
	level("relay closed",
		logging.KeyConnectionID, r.id,
		logging.KeyServiceID, r.serviceID,
		logging.KeyAgentID, r.exposer.agentID,
		"peer", r.peer.describe(),
		logging.KeyReason, origin.String(),
		logging.KeyError, msg,
		"sent", humanize.Bytes(uint64(r.toExposer.Load())),
		"received", humanize.Bytes(uint64(r.fromExposer.Load())),
		logging.KeyDuration, time.Since(r.createdAt).Round(time.Millisecond))

	return true
}

// ============================================================================
// Client socket endpoint
// ============================================================================

// socketEndpoint writes exposer payload to a client socket through a
// bounded queue drained by its own goroutine.
type socketEndpoint struct {
	conn    net.Conn
	writeCh chan []byte
	hub     *Hub
	timeout time.Duration

	mu      sync.Mutex
	started bool
	shut    bool
	drainBy time.Time
}

func newSocketEndpoint(h *Hub, conn net.Conn, queue int) *socketEndpoint {
	return &socketEndpoint{
		conn:    conn,
		writeCh: make(chan []byte, queue),
		hub:     h,
		timeout: h.cfg.SocketWriteTimeout,
	}
}

func (e *socketEndpoint) ready(r *Relay) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.shut {
		return errEndpointClosed
	}
	e.started = true
	go e.writeLoop()
	return nil
}

func (e *socketEndpoint) deliver(r *Relay, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.shut || !e.started {
		return errEndpointClosed
	}
	select {
	case e.writeCh <- data:
		return nil
	default:
		return errSlowConsumer
	}
}

// closed lets queued payload drain before the socket is closed.
func (e *socketEndpoint) closed(r *Relay) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.shut {
		return
	}
	e.shut = true
	if e.started {
		e.drainBy = time.Now().Add(e.timeout)
		close(e.writeCh)
		return
	}
	e.conn.Close()
}

// writeDeadline is one timeout from now, capped by the drain deadline once
// the relay has closed.
func (e *socketEndpoint) writeDeadline() time.Time {
	d := time.Now().Add(e.timeout)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.drainBy.IsZero() && e.drainBy.Before(d) {
		return e.drainBy
	}
	return d
}

func (e *socketEndpoint) fail(r *Relay, code, msg string) {
	e.release(r)
}

func (e *socketEndpoint) release(r *Relay) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.shut {
		return
	}
	e.shut = true
	e.conn.Close()
	if e.started {
		close(e.writeCh)
	}
}

func (e *socketEndpoint) session() *Session {
	return nil
}

func (e *socketEndpoint) describe() string {
	return e.conn.RemoteAddr().String()
}

func (e *socketEndpoint) writeLoop() {
	defer recovery.RecoverWithLog(e.hub.logger, "tunnel.socketEndpoint.writeLoop")
	defer e.conn.Close()

	for data := range e.writeCh {
		e.conn.SetWriteDeadline(e.writeDeadline())
		if _, err := e.conn.Write(data); err != nil {
			e.conn.Close()
			// Drain until the relay closes the queue.
			for range e.writeCh {
			}
			return
		}
	}
}

// ============================================================================
// Reaching agent endpoint
// ============================================================================

// channelEndpoint re-tags relay events as reach frames for the reaching agent.
type channelEndpoint struct {
	s *Session
}

func (e channelEndpoint) ready(r *Relay) error {
	return e.s.Send(protocol.NewReachReady(r.id))
}

func (e channelEndpoint) deliver(r *Relay, data []byte) error {
	return e.s.Send(protocol.NewReachData(r.id, data))
}

func (e channelEndpoint) fail(r *Relay, code, msg string) {
	e.s.Send(protocol.NewReachError(r.id, code, msg))
}

func (e channelEndpoint) closed(r *Relay) {
	e.s.Send(protocol.NewReachClose(r.id))
}

func (e channelEndpoint) release(r *Relay) {}

func (e channelEndpoint) session() *Session {
	return e.s
}

func (e channelEndpoint) describe() string {
	return e.s.agentID
}

// ============================================================================
// Relay table
// ============================================================================

// relayTable holds every registered relay by connection id.
type relayTable struct {
	mu     sync.RWMutex
	relays map[string]*Relay
}

func newRelayTable() *relayTable {
	return &relayTable{relays: make(map[string]*Relay)}
}

func (t *relayTable) add(r *Relay) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.relays[r.id]; ok {
		return ErrDuplicateConnection
	}
	t.relays[r.id] = r
	return nil
}

func (t *relayTable) get(id string) *Relay {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.relays[id]
}

// remove deletes r only if it is still the entry for its id.
func (t *relayTable) remove(r *Relay) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.relays[r.id]; ok && cur == r {
		delete(t.relays, r.id)
		return true
	}
	return false
}

func (t *relayTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.relays)
}

// snapshot returns the relays ordered by creation time.
func (t *relayTable) snapshot() []*Relay {
	t.mu.RLock()
	out := make([]*Relay, 0, len(t.relays))
	for _, r := range t.relays {
		out = append(out, r)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].createdAt.Before(out[j].createdAt) })
	return out
}

// bySession returns the relays with s on either side.
func (t *relayTable) bySession(s *Session) []*Relay {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*Relay
	for _, r := range t.relays {
		if r.exposer == s || r.peer.session() == s {
			out = append(out, r)
		}
	}
	return out
}
