// Package client implements the agent side of the control channel.
//
// A Client keeps one authenticated channel to the hub, exposes the
// configured local services, answers dials by connecting to the local
// target and opens bridges to services exposed by other agents. When the
// channel drops it reconnects with exponential backoff and exposes its
// services again, preferring the ports it held before.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"github.com/postalsys/metroo-hub/internal/auth"
	"github.com/postalsys/metroo-hub/internal/logging"
	"github.com/postalsys/metroo-hub/internal/protocol"
	"github.com/postalsys/metroo-hub/internal/recovery"
	"github.com/postalsys/metroo-hub/internal/transport"
)

var (
	// ErrNotConnected is returned when no authenticated channel is up.
	ErrNotConnected = errors.New("not connected to hub")

	// ErrReplaced is returned by Run when another connection took over the agent id.
	ErrReplaced = errors.New("session replaced by another connection")
)

// Defaults
const (
	DefaultDialTimeout       = 10 * time.Second
	DefaultAuthTimeout       = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultFrameSize         = 32 * 1024
	DefaultWriteQueue        = 64
)

// Service is a local TCP service exposed through the hub.
type Service struct {
	ID   string
	Name string
	// TunnelPort is the preferred hub port; 0 lets the hub choose.
	TunnelPort int
	TargetHost string
	TargetPort int
}

// ReconnectConfig controls the delay between connection attempts.
type ReconnectConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// Config contains client configuration.
type Config struct {
	AgentID string
	Token   string

	// HubURL is the ws:// or wss:// control channel URL.
	HubURL             string
	TLSConfig          *tls.Config
	InsecureSkipVerify bool

	Services []Service

	// DialTimeout bounds connecting to a local target.
	DialTimeout       time.Duration
	AuthTimeout       time.Duration
	HeartbeatInterval time.Duration
	Reconnect         ReconnectConfig
	Keepalive         transport.KeepaliveConfig

	// RotateToken exchanges an expired token at the hub and retries.
	RotateToken bool
	// OnTokenRotated is called with every token obtained by rotation.
	OnTokenRotated func(token string, expires time.Time)

	// FrameSize is the largest payload read into one data frame.
	FrameSize int
	// WriteQueue is the per-connection queue of payloads waiting for a slow local socket.
	WriteQueue int

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Reconnect.InitialDelay <= 0 {
		c.Reconnect.InitialDelay = time.Second
	}
	if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		c.Reconnect.MaxDelay = max(60*time.Second, c.Reconnect.InitialDelay)
	}
	if c.Reconnect.Multiplier < 1 {
		c.Reconnect.Multiplier = 2
	}
	if c.FrameSize <= 0 || c.FrameSize > protocol.MaxDataSize {
		c.FrameSize = DefaultFrameSize
	}
	if c.WriteQueue <= 0 {
		c.WriteQueue = DefaultWriteQueue
	}
	if c.Logger == nil {
		c.Logger = logging.NopLogger()
	}
}

// RemoteError is an error code reported by the hub.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

type exposeResult struct {
	port int
	err  error
}

// session is one authenticated channel.
type session struct {
	ch  transport.Conn
	ctx context.Context
}

func (s *session) send(f *protocol.Frame) error {
	return s.ch.Send(s.ctx, f)
}

// Client is an agent connected to a hub.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	token    string
	cur      *session
	up       chan struct{}
	order    []string
	services map[string]Service
	assigned map[string]*Service // hub-initiated, awaiting expose_ok; value is the service it replaced
	ports    map[string]int
	waiters  map[string][]chan exposeResult
	dialing  map[string]context.CancelFunc
	targets  map[string]*stream
	reaches  map[string]*reach

	lastAck atomic.Int64
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.AgentID == "" || cfg.Token == "" {
		return nil, fmt.Errorf("agent id and token are required")
	}
	if cfg.HubURL == "" {
		return nil, fmt.Errorf("hub URL is required")
	}
	cfg.applyDefaults()

	c := &Client{
		cfg:      cfg,
		logger:   cfg.Logger.With(logging.KeyAgentID, cfg.AgentID),
		token:    cfg.Token,
		up:       make(chan struct{}),
		services: make(map[string]Service),
		assigned: make(map[string]*Service),
		ports:    make(map[string]int),
		waiters:  make(map[string][]chan exposeResult),
		dialing:  make(map[string]context.CancelFunc),
		targets:  make(map[string]*stream),
		reaches:  make(map[string]*reach),
	}
	for _, svc := range cfg.Services {
		if _, ok := c.services[svc.ID]; !ok {
			c.order = append(c.order, svc.ID)
		}
		c.services[svc.ID] = svc
	}
	return c, nil
}

// Run connects to the hub and serves the channel until ctx is canceled.
// Lost channels are re-established with backoff. Authentication failures
// that cannot be fixed by retrying end Run with an error.
func (c *Client) Run(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    c.cfg.Reconnect.InitialDelay,
		Max:    c.cfg.Reconnect.MaxDelay,
		Factor: c.cfg.Reconnect.Multiplier,
		Jitter: true,
	}
	rotated := false

	for {
		established, err := c.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if established {
			b.Reset()
			rotated = false
		}

		switch {
		case errors.Is(err, auth.ErrTokenExpired) && c.cfg.RotateToken && !rotated:
			rotated = true
			if rerr := c.rotateToken(ctx); rerr != nil {
				c.logger.Error("token rotation failed", logging.KeyError, rerr)
				return err
			}
			continue
		case errors.Is(err, auth.ErrTokenExpired), errors.Is(err, auth.ErrInvalidToken), errors.Is(err, ErrReplaced):
			return err
		}

		delay := b.Duration()
		c.logger.Warn("hub connection lost",
			logging.KeyError, err,
			"attempt", int(b.Attempt()),
			"retry_in", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// runSession runs one channel. It reports whether authentication succeeded.
func (c *Client) runSession(ctx context.Context) (bool, error) {
	ch, err := transport.Dial(ctx, c.cfg.HubURL, transport.DialOptions{
		TLSConfig:          c.cfg.TLSConfig,
		InsecureSkipVerify: c.cfg.InsecureSkipVerify,
		Timeout:            c.cfg.AuthTimeout,
		Keepalive:          c.cfg.Keepalive,
		Logger:             c.cfg.Logger,
	})
	if err != nil {
		return false, err
	}

	if err := c.authenticate(ctx, ch); err != nil {
		ch.Close(protocol.CloseNormal, "")
		return false, err
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &session{ch: ch, ctx: sctx}
	c.attach(s)
	defer c.detach(s)

	c.logger.Info("connected to hub", logging.KeyRemoteAddr, ch.RemoteAddr())

	go c.heartbeatLoop(s)
	c.exposeAll(s)

	err = c.readLoop(s)
	ch.Close(protocol.CloseNormal, "")
	if transport.CloseCode(err) == protocol.CloseReplaced {
		return true, ErrReplaced
	}
	return true, err
}

// authenticate sends the auth frame and waits for the verdict.
func (c *Client) authenticate(ctx context.Context, ch transport.Conn) error {
	actx, cancel := context.WithTimeout(ctx, c.cfg.AuthTimeout)
	defer cancel()

	if err := ch.Send(actx, protocol.NewAuth(c.cfg.AgentID, c.Token())); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	for {
		f, err := ch.Receive(actx)
		if err != nil {
			if transport.IsValidationError(err) {
				continue
			}
			switch transport.CloseCode(err) {
			case protocol.CloseTokenExpired:
				return auth.ErrTokenExpired
			case protocol.CloseInvalidToken:
				return auth.ErrInvalidToken
			}
			return fmt.Errorf("waiting for auth reply: %w", err)
		}

		switch f.Type {
		case protocol.FrameAuthOK:
			return nil
		case protocol.FrameAuthError:
			if known := auth.ErrorForCode(f.Code); known != nil {
				return fmt.Errorf("%w: %s", known, f.Error)
			}
			return &RemoteError{Code: f.Code, Message: f.Error}
		}
	}
}

func (c *Client) attach(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cur = s
	close(c.up)
}

// detach drops everything bound to s: open target sockets, bridges and
// callers waiting for expose replies.
func (c *Client) detach(s *session) {
	c.mu.Lock()
	if c.cur != s {
		c.mu.Unlock()
		return
	}
	c.cur = nil
	c.up = make(chan struct{})

	dialing := c.dialing
	targets := c.targets
	reaches := c.reaches
	waiters := c.waiters
	c.dialing = make(map[string]context.CancelFunc)
	c.targets = make(map[string]*stream)
	c.reaches = make(map[string]*reach)
	c.waiters = make(map[string][]chan exposeResult)
	c.mu.Unlock()

	for _, cancel := range dialing {
		cancel()
	}
	for _, st := range targets {
		st.peerGone()
	}
	for _, r := range reaches {
		r.fail(ErrNotConnected)
	}
	for _, ws := range waiters {
		for _, w := range ws {
			w <- exposeResult{err: ErrNotConnected}
		}
	}

	c.logger.Info("disconnected from hub",
		"connections", len(targets),
		"bridges", len(reaches))
}

func (c *Client) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

// Connected reports whether an authenticated channel is up.
func (c *Client) Connected() bool {
	return c.current() != nil
}

// WaitConnected blocks until an authenticated channel is up.
func (c *Client) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	up := c.up
	c.mu.Unlock()

	select {
	case <-up:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Token returns the token used for the next authentication.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// LastHeartbeatAck returns when the hub last acknowledged a heartbeat.
func (c *Client) LastHeartbeatAck() time.Time {
	n := c.lastAck.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (c *Client) heartbeatLoop(s *session) {
	defer recovery.RecoverWithLog(c.logger, "client.heartbeatLoop")

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.send(&protocol.Frame{Type: protocol.FrameHeartbeat}); err != nil {
				c.logger.Debug("heartbeat failed", logging.KeyError, err)
				return
			}
		}
	}
}

func (c *Client) readLoop(s *session) error {
	for {
		f, err := s.ch.Receive(s.ctx)
		if err != nil {
			if transport.IsValidationError(err) {
				c.logger.Debug("dropping invalid frame", logging.KeyError, err)
				continue
			}
			return err
		}
		c.dispatch(s, f)
	}
}

func (c *Client) dispatch(s *session, f *protocol.Frame) {
	if !f.Type.Allowed(protocol.HubToAgent) {
		c.logger.Debug("dropping frame not sendable by the hub", logging.KeyFrameType, f.Type)
		return
	}

	switch f.Type {
	case protocol.FrameAssign:
		c.handleAssign(f)
	case protocol.FrameExposeOK:
		c.exposeReply(f.ServiceID, exposeResult{port: f.TunnelPort})
	case protocol.FrameExposeError:
		c.exposeReply(f.ServiceID, exposeResult{err: &RemoteError{Code: f.Code, Message: f.Error}})
	case protocol.FrameDial:
		c.handleDial(s, f)
	case protocol.FrameData:
		c.handleData(s, f)
	case protocol.FrameClose:
		c.handleClose(f)
	case protocol.FrameReachReady:
		c.handleReachReady(s, f)
	case protocol.FrameReachData:
		c.handleReachData(f)
	case protocol.FrameReachClose:
		c.handleReachClose(f)
	case protocol.FrameReachError:
		c.handleReachError(f)
	case protocol.FrameHeartbeatAck:
		c.lastAck.Store(time.Now().UnixNano())
	default:
		c.logger.Debug("ignoring frame", logging.KeyFrameType, f.Type)
	}
}

// ============================================================================
// Services
// ============================================================================

// Expose asks the hub for a tunnel listener and returns its port. The
// service is remembered and exposed again after every reconnect, also when
// Expose fails with ErrNotConnected.
func (c *Client) Expose(ctx context.Context, svc Service) (int, error) {
	if svc.ID == "" || svc.TargetHost == "" || svc.TargetPort <= 0 || svc.TargetPort > 65535 {
		return 0, fmt.Errorf("service id and target are required")
	}

	wait := make(chan exposeResult, 1)

	c.mu.Lock()
	if _, ok := c.services[svc.ID]; !ok {
		c.order = append(c.order, svc.ID)
	}
	c.services[svc.ID] = svc
	s := c.cur
	if s == nil {
		c.mu.Unlock()
		return 0, ErrNotConnected
	}
	c.waiters[svc.ID] = append(c.waiters[svc.ID], wait)
	f := c.exposeFrame(svc)
	c.mu.Unlock()

	if err := s.send(f); err != nil {
		c.dropWaiter(svc.ID, wait)
		return 0, err
	}

	select {
	case r := <-wait:
		return r.port, r.err
	case <-ctx.Done():
		c.dropWaiter(svc.ID, wait)
		return 0, ctx.Err()
	}
}

// Unexpose stops exposing a service.
func (c *Client) Unexpose(ctx context.Context, serviceID string) error {
	c.mu.Lock()
	if _, ok := c.services[serviceID]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("service %s is not exposed", serviceID)
	}
	delete(c.services, serviceID)
	delete(c.assigned, serviceID)
	delete(c.ports, serviceID)
	c.removeOrder(serviceID)
	s := c.cur
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.ch.Send(ctx, &protocol.Frame{Type: protocol.FrameUnexpose, ServiceID: serviceID})
}

// Ports returns the hub ports of the exposed services.
func (c *Client) Ports() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int, len(c.ports))
	for id, p := range c.ports {
		out[id] = p
	}
	return out
}

// exposeFrame builds the expose request, preferring the port held before a
// reconnect. c.mu must be held.
func (c *Client) exposeFrame(svc Service) *protocol.Frame {
	port := svc.TunnelPort
	if port == 0 {
		port = c.ports[svc.ID]
	}
	return &protocol.Frame{
		Type:        protocol.FrameExpose,
		ServiceID:   svc.ID,
		ServiceName: svc.Name,
		TunnelPort:  port,
		TargetHost:  svc.TargetHost,
		TargetPort:  svc.TargetPort,
	}
}

func (c *Client) exposeAll(s *session) {
	c.mu.Lock()
	frames := make([]*protocol.Frame, 0, len(c.order))
	for _, id := range c.order {
		frames = append(frames, c.exposeFrame(c.services[id]))
	}
	c.mu.Unlock()

	for _, f := range frames {
		if err := s.send(f); err != nil {
			c.logger.Warn("failed to expose service",
				logging.KeyServiceID, f.ServiceID,
				logging.KeyError, err)
			return
		}
	}
}

// handleAssign adopts a service the hub exposes on this agent's behalf, so
// dials for it are accepted and it is exposed again after a reconnect.
func (c *Client) handleAssign(f *protocol.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	svc := Service{
		ID:         f.ServiceID,
		Name:       f.ServiceName,
		TargetHost: f.TargetHost,
		TargetPort: f.TargetPort,
	}
	prev, known := c.services[f.ServiceID]
	if known {
		svc.TunnelPort = prev.TunnelPort
		if svc.Name == "" {
			svc.Name = prev.Name
		}
		if _, pending := c.assigned[f.ServiceID]; !pending {
			c.assigned[f.ServiceID] = &prev
		}
	} else {
		c.order = append(c.order, f.ServiceID)
		c.assigned[f.ServiceID] = nil
	}
	c.services[f.ServiceID] = svc

	c.logger.Info("service assigned by hub",
		logging.KeyServiceID, f.ServiceID,
		logging.KeyTarget, net.JoinHostPort(f.TargetHost, strconv.Itoa(f.TargetPort)))
}

// settleAssign resolves a pending hub assignment. A rejected assignment
// restores the service it replaced, or forgets a new one. c.mu must be held.
func (c *Client) settleAssign(serviceID string, failed bool) {
	prev, pending := c.assigned[serviceID]
	if !pending {
		return
	}
	delete(c.assigned, serviceID)
	if !failed {
		return
	}
	if prev != nil {
		c.services[serviceID] = *prev
		return
	}
	delete(c.services, serviceID)
	c.removeOrder(serviceID)
}

// removeOrder drops serviceID from the expose order. c.mu must be held.
func (c *Client) removeOrder(serviceID string) {
	for i, id := range c.order {
		if id == serviceID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func (c *Client) exposeReply(serviceID string, r exposeResult) {
	c.mu.Lock()
	c.settleAssign(serviceID, r.err != nil)
	_, wanted := c.services[serviceID]
	if r.err == nil && wanted {
		c.ports[serviceID] = r.port
	}
	waiters := c.waiters[serviceID]
	delete(c.waiters, serviceID)
	c.mu.Unlock()

	if r.err != nil {
		c.logger.Warn("hub rejected service",
			logging.KeyServiceID, serviceID,
			logging.KeyError, r.err)
	} else {
		c.logger.Info("service exposed",
			logging.KeyServiceID, serviceID,
			logging.KeyPort, r.port)
	}

	for _, w := range waiters {
		w <- r
	}
}

func (c *Client) dropWaiter(serviceID string, wait chan exposeResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ws := c.waiters[serviceID]
	for i, w := range ws {
		if w == wait {
			c.waiters[serviceID] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(c.waiters[serviceID]) == 0 {
		delete(c.waiters, serviceID)
	}
}
