package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/metroo-hub/internal/auth"
	"github.com/postalsys/metroo-hub/internal/logging"
	"github.com/postalsys/metroo-hub/internal/metrics"
	"github.com/postalsys/metroo-hub/internal/ports"
	"github.com/postalsys/metroo-hub/internal/protocol"
	"github.com/postalsys/metroo-hub/internal/recovery"
	"github.com/postalsys/metroo-hub/internal/store"
	"github.com/postalsys/metroo-hub/internal/transport"
)

// frameHandler processes one inbound frame from an authenticated session.
type frameHandler func(s *Session, f *protocol.Frame)

// ExposeRequest asks for a tunnel listener for a service.
type ExposeRequest struct {
	ServiceID   string
	ServiceName string
	// TunnelPort is the preferred port; 0 lets the hub choose.
	TunnelPort int
	TargetHost string
	TargetPort int
}

// Hub accepts agent channels and runs their tunnels and bridges.
type Hub struct {
	cfg       Config
	allocator *ports.Allocator
	store     StatusStore
	metrics   *metrics.Metrics
	logger    *slog.Logger
	startedAt time.Time

	registry *Registry
	relays   *relayTable
	handlers map[protocol.FrameType]frameHandler

	// mu guards services and every session's listeners map.
	mu       sync.Mutex
	services map[string]*Listener

	closeMu sync.Mutex
	closed  bool
	wg      sync.WaitGroup
}

// NewHub creates a hub engine.
func NewHub(cfg Config) (*Hub, error) {
	if cfg.Validator == nil {
		return nil, fmt.Errorf("validator is required")
	}
	if cfg.Allocator == nil {
		return nil, fmt.Errorf("port allocator is required")
	}
	cfg.applyDefaults()

	if cfg.Store == nil {
		mem, err := store.Open("")
		if err != nil {
			return nil, err
		}
		cfg.Store = mem
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}

	h := &Hub{
		cfg:       cfg,
		allocator: cfg.Allocator,
		store:     cfg.Store,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With(logging.KeyComponent, "tunnel"),
		startedAt: time.Now(),
		registry:  NewRegistry(),
		relays:    newRelayTable(),
		services:  make(map[string]*Listener),
	}
	h.handlers = h.buildHandlers()
	h.metrics.SetPortsInUse(h.allocator.InUse())
	return h, nil
}

// buildHandlers returns the dispatch table. Every frame type an agent may
// send must have an entry.
func (h *Hub) buildHandlers() map[protocol.FrameType]frameHandler {
	handlers := map[protocol.FrameType]frameHandler{
		protocol.FrameExpose:       h.handleExpose,
		protocol.FrameUnexpose:     h.handleUnexpose,
		protocol.FrameDialSuccess:  h.handleDialSuccess,
		protocol.FrameDialError:    h.handleDialError,
		protocol.FrameData:         h.handleData,
		protocol.FrameClose:        h.handleClose,
		protocol.FrameReachConnect: h.handleReachConnect,
		protocol.FrameReachData:    h.handleReachData,
		protocol.FrameReachClose:   h.handleReachClose,
		protocol.FrameReachError:   h.handleReachClose,
		protocol.FrameHeartbeat:    h.handleHeartbeat,
	}
	for _, t := range protocol.InboundTypes() {
		if _, ok := handlers[t]; !ok {
			panic(fmt.Sprintf("tunnel: no handler for frame type %q", t))
		}
	}
	return handlers
}

// Registry returns the agent registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// HandleChannel runs one agent channel: it authenticates the agent,
// registers the session, dispatches frames until the channel fails and then
// tears everything the session owned down. It blocks until that is done.
func (h *Hub) HandleChannel(ctx context.Context, conn transport.Conn) error {
	h.closeMu.Lock()
	if h.closed {
		h.closeMu.Unlock()
		conn.Close(protocol.CloseGoingAway, "hub shutting down")
		return ErrHubClosed
	}
	h.wg.Add(1)
	h.closeMu.Unlock()
	defer h.wg.Done()

	agentID, err := h.authenticate(ctx, conn)
	if err != nil {
		return err
	}

	s := newSession(agentID, conn, h.cfg.SendQueue, h.metrics, h.logger)
	go s.writeLoop()

	// A live session for the same agent is replaced once it is fully torn down.
	for {
		prev, ok := h.registry.claim(s)
		if ok {
			break
		}
		h.logger.Info("replacing existing session",
			logging.KeyAgentID, agentID,
			logging.KeyRemoteAddr, conn.RemoteAddr())
		prev.closeWith(protocol.CloseReplaced, "replaced by new connection")
		select {
		case <-prev.done:
		case <-ctx.Done():
			s.closeWith(protocol.CloseGoingAway, "shutting down")
			<-s.writerDone
			return ctx.Err()
		}
	}

	defer h.teardown(s)
	defer recovery.RecoverWithCallback(h.logger, "tunnel.Hub.HandleChannel", func(any) {
		s.closeWith(protocol.CloseInternalError, "internal error")
	})

	s.Send(protocol.NewAuthOK(agentID))
	lastSeen := "never"
	if rec, ok := h.store.Agent(agentID); ok && !rec.LastSeen.IsZero() {
		lastSeen = humanize.Time(rec.LastSeen)
	}
	if err := h.store.SetAgentOnline(agentID, true); err != nil {
		h.logger.Warn("failed to record agent online",
			logging.KeyAgentID, agentID,
			logging.KeyError, err)
	}
	h.metrics.RecordAgentConnect()
	h.logger.Info("agent connected",
		logging.KeyAgentID, agentID,
		logging.KeyRemoteAddr, conn.RemoteAddr(),
		"last_seen", lastSeen)

	return h.readLoop(ctx, s)
}

// authenticate waits for the auth frame and validates it. On failure the
// agent gets an auth_error and the channel is closed with a matching code.
func (h *Hub) authenticate(ctx context.Context, conn transport.Conn) (string, error) {
	actx, cancel := context.WithTimeout(ctx, h.cfg.AuthTimeout)
	f, err := conn.Receive(actx)
	cancel()
	if err != nil && !transport.IsValidationError(err) {
		conn.Close(protocol.ClosePolicyViolation, "authentication timeout")
		h.metrics.RecordAuthFailure("timeout")
		return "", fmt.Errorf("waiting for auth frame: %w", err)
	}

	if err == nil && f.Type != protocol.FrameAuth {
		err = fmt.Errorf("%w: expected auth frame, got %s", auth.ErrInvalidToken, f.Type)
	} else if err != nil {
		err = fmt.Errorf("%w: %w", auth.ErrInvalidToken, err)
	} else {
		err = h.cfg.Validator.Validate(f.AgentID, f.Token)
	}
	if err == nil {
		return f.AgentID, nil
	}

	code := auth.Code(err)
	h.metrics.RecordAuthFailure(code)
	h.logger.Warn("agent authentication failed",
		logging.KeyRemoteAddr, conn.RemoteAddr(),
		logging.KeyCode, code,
		logging.KeyError, err)

	sctx, scancel := context.WithTimeout(ctx, 5*time.Second)
	conn.Send(sctx, protocol.NewAuthError(code, err.Error()))
	scancel()
	conn.Close(auth.CloseCode(err), code)
	return "", err
}

func (h *Hub) readLoop(ctx context.Context, s *Session) error {
	for {
		f, err := s.conn.Receive(ctx)
		if err != nil {
			if transport.IsValidationError(err) {
				h.metrics.RecordFrameDropped("invalid")
				s.logger.Debug("dropping invalid frame", logging.KeyError, err)
				continue
			}
			return err
		}

		s.touch()
		h.metrics.RecordFrameReceived(string(f.Type))

		handler, ok := h.handlers[f.Type]
		if !ok {
			h.metrics.RecordFrameDropped("direction")
			s.logger.Debug("dropping frame not sendable by agents", logging.KeyFrameType, f.Type)
			continue
		}
		handler(s, f)
	}
}

// teardown releases everything a session owned. Listeners are stopped and
// their ports released before the session leaves the registry.
func (h *Hub) teardown(s *Session) {
	s.markClosing()

	h.mu.Lock()
	owned := make([]*Listener, 0, len(s.listeners))
	for id, l := range s.listeners {
		owned = append(owned, l)
		if h.services[id] == l {
			delete(h.services, id)
		}
	}
	s.listeners = make(map[string]*Listener)
	h.mu.Unlock()

	for _, l := range owned {
		l.Stop()
		h.setServiceStatus(l.ServiceID(), store.StatusInactive)
	}

	for _, r := range h.relays.bySession(s) {
		if r.exposer == s {
			r.finish(originExposerGone, "")
		} else {
			r.finish(originPeer, "")
		}
	}

	if err := h.store.SetAgentOnline(s.agentID, false); err != nil {
		h.logger.Warn("failed to record agent offline",
			logging.KeyAgentID, s.agentID,
			logging.KeyError, err)
	}
	h.registry.Remove(s)

	s.conn.Close(protocol.CloseNormal, "")
	<-s.writerDone
	close(s.done)

	h.metrics.RecordAgentDisconnect("closed")
	h.logger.Info("agent disconnected",
		logging.KeyAgentID, s.agentID,
		"services", len(owned),
		logging.KeyDuration, time.Since(s.connectedAt).Round(time.Second))
}

// Close disconnects every agent and waits for their teardown.
func (h *Hub) Close() error {
	h.closeMu.Lock()
	if h.closed {
		h.closeMu.Unlock()
		return nil
	}
	h.closed = true
	h.closeMu.Unlock()

	for _, s := range h.registry.List() {
		s.closeWith(protocol.CloseGoingAway, "hub shutting down")
	}
	h.wg.Wait()
	return nil
}

// Disconnect closes the session of agentID.
func (h *Hub) Disconnect(agentID string) error {
	s, ok := h.registry.Get(agentID)
	if !ok {
		return ErrAgentNotConnected
	}
	s.closeWith(protocol.CloseNormal, "disconnected by hub")
	<-s.done
	return nil
}

// ============================================================================
// Services
// ============================================================================

func (h *Hub) handleExpose(s *Session, f *protocol.Frame) {
	port, err := h.expose(s, ExposeRequest{
		ServiceID:   f.ServiceID,
		ServiceName: f.ServiceName,
		TunnelPort:  f.TunnelPort,
		TargetHost:  f.TargetHost,
		TargetPort:  f.TargetPort,
	})
	if err != nil {
		code := exposeCode(err)
		h.metrics.RecordExposeError(code)
		s.logger.Warn("expose failed",
			logging.KeyServiceID, f.ServiceID,
			logging.KeyCode, code,
			logging.KeyError, err)
		s.Send(protocol.NewExposeError(f.ServiceID, code, err.Error()))
		return
	}
	s.Send(protocol.NewExposeOK(f.ServiceID, port))
}

func (h *Hub) handleUnexpose(s *Session, f *protocol.Frame) {
	h.mu.Lock()
	l, ok := h.services[f.ServiceID]
	if !ok || l.owner != s {
		h.mu.Unlock()
		return
	}
	delete(h.services, f.ServiceID)
	delete(s.listeners, f.ServiceID)
	h.mu.Unlock()

	l.Stop()
	h.setServiceStatus(f.ServiceID, store.StatusInactive)
}

// Expose starts or updates a service listener on behalf of a connected
// agent. The agent is told the target with an assign frame before the
// listener binds, so every dial for the new port reaches it after the
// assignment; expose_ok or expose_error follows.
func (h *Hub) Expose(agentID string, req ExposeRequest) (int, error) {
	s, ok := h.registry.Get(agentID)
	if !ok {
		return 0, ErrAgentNotConnected
	}
	if req.ServiceID == "" || req.TargetHost == "" || req.TargetPort <= 0 || req.TargetPort > 65535 {
		return 0, fmt.Errorf("%w: service id and target are required", ErrBadExpose)
	}
	s.Send(protocol.NewAssign(req.ServiceID, req.ServiceName, req.TargetHost, req.TargetPort))
	port, err := h.expose(s, req)
	if err != nil {
		code := exposeCode(err)
		h.metrics.RecordExposeError(code)
		s.Send(protocol.NewExposeError(req.ServiceID, code, err.Error()))
		return 0, err
	}
	s.Send(protocol.NewExposeOK(req.ServiceID, port))
	return port, nil
}

// Unexpose stops the listener of a service, whichever agent owns it.
func (h *Hub) Unexpose(serviceID string) error {
	h.mu.Lock()
	l, ok := h.services[serviceID]
	if !ok {
		h.mu.Unlock()
		return ErrServiceOffline
	}
	delete(h.services, serviceID)
	delete(l.owner.listeners, serviceID)
	h.mu.Unlock()

	l.Stop()
	h.setServiceStatus(serviceID, store.StatusInactive)
	return nil
}

// expose binds or updates the listener for req.ServiceID owned by s.
// Re-exposing on the same port only updates the target; a different port
// replaces the listener.
func (h *Hub) expose(s *Session, req ExposeRequest) (int, error) {
	h.mu.Lock()
	if s.isClosing() {
		h.mu.Unlock()
		return 0, ErrSessionClosed
	}
	old, exists := h.services[req.ServiceID]
	if exists && old.owner != s {
		h.mu.Unlock()
		return 0, fmt.Errorf("%w: %s is owned by %s", ErrServiceConflict, req.ServiceID, old.owner.agentID)
	}
	if exists && (req.TunnelPort == 0 || req.TunnelPort == old.Port()) {
		old.setTarget(req.ServiceName, req.TargetHost, req.TargetPort)
		h.mu.Unlock()
		h.putService(s, old)
		return old.Port(), nil
	}
	if exists {
		delete(h.services, req.ServiceID)
		delete(s.listeners, req.ServiceID)
	}
	h.mu.Unlock()

	if exists {
		s.logger.Info("moving service to a new port",
			logging.KeyServiceID, req.ServiceID,
			"from", old.Port(),
			"to", req.TunnelPort)
		old.Stop()
	}

	l, err := h.bind(s, req)
	if err != nil {
		if exists {
			h.setServiceStatus(req.ServiceID, store.StatusInactive)
		}
		return 0, err
	}

	h.mu.Lock()
	cur, taken := h.services[req.ServiceID]
	if taken || s.isClosing() {
		h.mu.Unlock()
		l.Stop()
		switch {
		case s.isClosing():
			return 0, ErrSessionClosed
		case cur.owner != s:
			return 0, fmt.Errorf("%w: %s is owned by %s", ErrServiceConflict, req.ServiceID, cur.owner.agentID)
		default:
			return cur.Port(), nil
		}
	}
	h.services[req.ServiceID] = l
	s.listeners[req.ServiceID] = l
	h.mu.Unlock()

	h.putService(s, l)
	return l.Port(), nil
}

// bind picks a port and starts a listener on it. Ports taken by this call
// that fail to bind are held back from the allocator until the attempt is
// over. A port the service already held is left alone.
func (h *Hub) bind(s *Session, req ExposeRequest) (*Listener, error) {
	var quarantined []int
	defer func() {
		for _, p := range quarantined {
			h.allocator.Release(p)
		}
		if len(quarantined) > 0 {
			h.metrics.SetPortsInUse(h.allocator.InUse())
		}
	}()

	preferred := req.TunnelPort
	if preferred == 0 {
		if rec, ok := h.store.Service(req.ServiceID); ok {
			preferred = rec.Port
		}
	}

	var lastErr error
	for attempt := 0; attempt < h.cfg.BindAttempts; attempt++ {
		port, held, err := h.pickPort(req.ServiceID, preferred)
		if err != nil {
			return nil, err
		}
		preferred = 0
		h.metrics.SetPortsInUse(h.allocator.InUse())

		l := NewListener(ListenerConfig{
			ServiceID:      req.ServiceID,
			ServiceName:    req.ServiceName,
			BindHost:       h.cfg.BindHost,
			Port:           port,
			TargetHost:     req.TargetHost,
			TargetPort:     req.TargetPort,
			MaxConnections: h.cfg.MaxConnectionsPerListener,
			AcceptRate:     h.cfg.AcceptRate,
			AcceptBurst:    h.cfg.AcceptBurst,
			Metrics:        h.metrics,
			Logger:         s.logger,
		}, s, h.serveClient, h.releaser(port))

		if err := l.Start(); err != nil {
			s.logger.Warn("tunnel port bind failed",
				logging.KeyServiceID, req.ServiceID,
				logging.KeyPort, port,
				logging.KeyError, err)
			if !held {
				quarantined = append(quarantined, port)
			}
			lastErr = err
			continue
		}
		return l, nil
	}
	return nil, fmt.Errorf("%w: %d attempts failed: %v", ErrPortUnavailable, h.cfg.BindAttempts, lastErr)
}

// pickPort claims preferred when possible and otherwise allocates. held
// reports that the service already held the port before this call.
func (h *Hub) pickPort(serviceID string, preferred int) (port int, held bool, err error) {
	if preferred > 0 {
		held, err := h.allocator.Acquire(preferred, serviceID)
		if err == nil {
			return preferred, held, nil
		}
		h.logger.Debug("preferred port not available",
			logging.KeyServiceID, serviceID,
			logging.KeyPort, preferred,
			logging.KeyError, err)
	}
	port, err = h.allocator.Allocate(serviceID)
	return port, false, err
}

func (h *Hub) releaser(port int) func() {
	return func() {
		h.allocator.Release(port)
		h.metrics.SetPortsInUse(h.allocator.InUse())
	}
}

func (h *Hub) putService(s *Session, l *Listener) {
	name, host, port := l.Target()
	err := h.store.PutService(store.ServiceRecord{
		ID:         l.ServiceID(),
		Name:       name,
		AgentID:    s.agentID,
		Port:       l.Port(),
		TargetHost: host,
		TargetPort: port,
		Status:     store.StatusActive,
	})
	if err != nil {
		h.logger.Warn("failed to record service",
			logging.KeyServiceID, l.ServiceID(),
			logging.KeyError, err)
	}
}

func (h *Hub) setServiceStatus(serviceID string, status store.ServiceStatus) {
	if err := h.store.SetServiceStatus(serviceID, status); err != nil && !errors.Is(err, store.ErrNotFound) {
		h.logger.Warn("failed to record service status",
			logging.KeyServiceID, serviceID,
			logging.KeyError, err)
	}
}

// exposeCode maps an expose failure to its wire code.
func exposeCode(err error) string {
	switch {
	case errors.Is(err, ports.ErrNoPortsAvailable):
		return protocol.CodeNoPortsAvailable
	case errors.Is(err, ErrPortUnavailable):
		return protocol.CodePortUnavailable
	case errors.Is(err, ErrServiceConflict):
		return protocol.CodeServiceConflict
	case errors.Is(err, ErrSessionClosed):
		return protocol.CodeServiceOffline
	default:
		return protocol.CodeInternal
	}
}

// ============================================================================
// Tunnel relays
// ============================================================================

// serveClient runs one client socket accepted by l. No bytes are read from
// the socket until the exposing agent confirmed the dial.
func (h *Hub) serveClient(l *Listener, conn net.Conn) {
	select {
	case <-l.stopped():
		return
	default:
	}

	_, host, port := l.Target()
	sock := newSocketEndpoint(h, conn, h.cfg.WriteQueue)
	r := newRelay(h, uuid.NewString(), l.ServiceID(), host, port, l.owner, sock, metrics.KindTunnel)
	if err := h.startRelay(r); err != nil {
		h.logger.Warn("failed to start relay",
			logging.KeyServiceID, l.ServiceID(),
			logging.KeyError, err)
		return
	}

	select {
	case <-r.ready:
	case <-r.done:
		return
	case <-l.stopped():
		r.finish(originPeer, "listener stopped")
		return
	}

	buf := make([]byte, h.cfg.FrameSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			select {
			case <-r.done:
				return
			default:
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			if serr := r.toExposerData(data); serr != nil {
				r.finish(originExposerGone, "")
				return
			}
		}
		if err != nil {
			r.finish(originPeer, "")
			return
		}
	}
}

// startRelay registers r, arms its dial timer and sends the dial.
func (h *Hub) startRelay(r *Relay) error {
	if err := h.relays.add(r); err != nil {
		return err
	}
	h.metrics.RecordRelayOpen(r.kind)
	r.armTimer(h.cfg.DialTimeout)

	// Teardown snapshots relays after marking the session closing, so a
	// relay added concurrently is caught here instead.
	if ps := r.peer.session(); ps != nil && ps.isClosing() {
		r.finish(originPeer, "")
		return nil
	}
	if r.exposer.isClosing() {
		r.finish(originExposerGone, "")
		return nil
	}

	if err := r.exposer.Send(protocol.NewDial(r.id, r.serviceID, r.targetHost, r.targetPort)); err != nil {
		r.finish(originExposerGone, "")
	}
	return nil
}

// exposerRelay returns the relay for id if s is its exposing agent.
func (h *Hub) exposerRelay(s *Session, id string) *Relay {
	r := h.relays.get(id)
	if r == nil {
		h.metrics.RecordFrameDropped("unknown_connection")
		return nil
	}
	if r.exposer != s {
		h.metrics.RecordFrameDropped("unauthorized")
		s.logger.Debug("frame for a relay exposed by another agent", logging.KeyConnectionID, id)
		return nil
	}
	return r
}

// peerRelay returns the relay for id if s is its reaching agent.
func (h *Hub) peerRelay(s *Session, id string) *Relay {
	r := h.relays.get(id)
	if r == nil {
		h.metrics.RecordFrameDropped("unknown_connection")
		return nil
	}
	if r.peer.session() != s {
		h.metrics.RecordFrameDropped("unauthorized")
		s.logger.Debug("reach frame for a bridge of another agent", logging.KeyConnectionID, id)
		return nil
	}
	return r
}

func (h *Hub) handleDialSuccess(s *Session, f *protocol.Frame) {
	r := h.relays.get(f.ConnectionID)
	if r == nil {
		// The relay timed out or its peer left; tell the agent to drop the
		// target connection it just opened.
		h.metrics.RecordFrameDropped("unknown_connection")
		s.Send(protocol.NewClose(f.ConnectionID))
		return
	}
	if r.exposer != s {
		h.metrics.RecordFrameDropped("unauthorized")
		return
	}
	r.resolve()
}

func (h *Hub) handleDialError(s *Session, f *protocol.Frame) {
	if r := h.exposerRelay(s, f.ConnectionID); r != nil {
		msg := f.Error
		if msg == "" {
			msg = "dial failed"
		}
		r.finish(originDialError, msg)
	}
}

func (h *Hub) handleData(s *Session, f *protocol.Frame) {
	r := h.exposerRelay(s, f.ConnectionID)
	if r == nil {
		return
	}
	if r.State() != StateReady {
		h.metrics.RecordFrameDropped("not_ready")
		return
	}
	r.fromExposerData(f.Data)
}

func (h *Hub) handleClose(s *Session, f *protocol.Frame) {
	if r := h.exposerRelay(s, f.ConnectionID); r != nil {
		r.finish(originExposer, "")
	}
}

// ============================================================================
// Bridges
// ============================================================================

func (h *Hub) handleReachConnect(s *Session, f *protocol.Frame) {
	id := f.ConnectionID

	if h.relays.get(id) != nil {
		h.rejectReach(s, id, protocol.CodeDuplicateConn, ErrDuplicateConnection.Error())
		return
	}

	h.mu.Lock()
	l := h.services[f.ServiceID]
	h.mu.Unlock()

	if l == nil {
		h.rejectReach(s, id, protocol.CodeServiceOffline, protocol.MessageServiceOffline)
		return
	}
	if owner, ok := h.registry.Get(l.owner.agentID); !ok || owner != l.owner {
		h.rejectReach(s, id, protocol.CodeServiceOffline, protocol.MessageServiceOffline)
		return
	}
	if l.owner == s {
		h.rejectReach(s, id, protocol.CodeBadRequest, "cannot reach a service exposed by the same agent")
		return
	}

	_, host, port := l.Target()
	r := newRelay(h, id, f.ServiceID, host, port, l.owner, channelEndpoint{s: s}, metrics.KindBridge)
	if err := h.startRelay(r); err != nil {
		h.rejectReach(s, id, protocol.CodeDuplicateConn, err.Error())
		return
	}

	s.logger.Debug("bridge requested",
		logging.KeyConnectionID, id,
		logging.KeyServiceID, f.ServiceID,
		"exposer", l.owner.agentID)
}

func (h *Hub) rejectReach(s *Session, id, code, msg string) {
	h.metrics.RecordReachRejected(code)
	s.logger.Debug("reach rejected",
		logging.KeyConnectionID, id,
		logging.KeyCode, code)
	s.Send(protocol.NewReachError(id, code, msg))
}

func (h *Hub) handleReachData(s *Session, f *protocol.Frame) {
	r := h.peerRelay(s, f.ConnectionID)
	if r == nil {
		return
	}
	if r.State() != StateReady {
		r.finish(originRejected, "reach_data before reach_ready")
		return
	}
	if err := r.toExposerData(f.Data); err != nil {
		r.finish(originExposerGone, "")
	}
}

func (h *Hub) handleReachClose(s *Session, f *protocol.Frame) {
	if r := h.peerRelay(s, f.ConnectionID); r != nil {
		r.finish(originPeer, f.Error)
	}
}

// ============================================================================
// Liveness
// ============================================================================

func (h *Hub) handleHeartbeat(s *Session, f *protocol.Frame) {
	h.store.TouchAgent(s.agentID)
	s.Send(&protocol.Frame{Type: protocol.FrameHeartbeatAck})
}
