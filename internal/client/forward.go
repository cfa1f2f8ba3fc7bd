package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/postalsys/metroo-hub/internal/logging"
	"github.com/postalsys/metroo-hub/internal/recovery"
)

// Reacher opens bridges to services exposed by other agents.
type Reacher interface {
	Reach(ctx context.Context, serviceID string) (net.Conn, error)
}

// ForwarderConfig holds forwarder configuration.
type ForwarderConfig struct {
	// ServiceID is the remote service every accepted connection is bridged to.
	ServiceID string

	// Address is the local address to listen on.
	Address string

	// MaxConnections limits concurrent connections (0 = unlimited).
	MaxConnections int

	Logger *slog.Logger
}

// Forwarder is a local TCP listener whose connections are bridged to a
// service of another agent.
type Forwarder struct {
	cfg      ForwarderConfig
	reacher  Reacher
	listener net.Listener
	logger   *slog.Logger

	mu          sync.Mutex
	connections map[net.Conn]struct{}
	connCount   atomic.Int64

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewForwarder creates a forwarder.
func NewForwarder(cfg ForwarderConfig, reacher Reacher) *Forwarder {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	return &Forwarder{
		cfg:         cfg,
		reacher:     reacher,
		logger:      logger.With(logging.KeyServiceID, cfg.ServiceID),
		connections: make(map[net.Conn]struct{}),
		stopCh:      make(chan struct{}),
	}
}

// Start starts listening.
func (f *Forwarder) Start() error {
	if f.running.Load() {
		return fmt.Errorf("forwarder already running")
	}

	listener, err := net.Listen("tcp", f.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", f.cfg.Address, err)
	}

	f.listener = listener
	f.running.Store(true)

	f.wg.Add(1)
	go f.acceptLoop()

	f.logger.Info("forwarder started", logging.KeyAddress, f.listener.Addr().String())
	return nil
}

// Stop closes the listener and all bridged connections.
func (f *Forwarder) Stop() error {
	var err error
	f.stopOnce.Do(func() {
		f.running.Store(false)
		close(f.stopCh)

		if f.listener != nil {
			err = f.listener.Close()
		}

		f.mu.Lock()
		for conn := range f.connections {
			conn.Close()
		}
		f.mu.Unlock()

		f.logger.Info("forwarder stopped")
	})

	f.wg.Wait()
	return err
}

// Address returns the listening address.
func (f *Forwarder) Address() net.Addr {
	if f.listener == nil {
		return nil
	}
	return f.listener.Addr()
}

// ConnectionCount returns the number of active connections.
func (f *Forwarder) ConnectionCount() int64 {
	return f.connCount.Load()
}

func (f *Forwarder) acceptLoop() {
	defer f.wg.Done()
	defer recovery.RecoverWithLog(f.logger, "client.Forwarder.acceptLoop")

	for {
		conn, err := f.listener.Accept()
		if err != nil {
			select {
			case <-f.stopCh:
				return
			default:
				f.logger.Debug("accept error", logging.KeyError, err)
				continue
			}
		}

		if f.cfg.MaxConnections > 0 && f.connCount.Load() >= int64(f.cfg.MaxConnections) {
			f.logger.Debug("connection limit reached", "limit", f.cfg.MaxConnections)
			conn.Close()
			continue
		}

		f.mu.Lock()
		f.connections[conn] = struct{}{}
		f.mu.Unlock()
		f.connCount.Add(1)

		f.wg.Add(1)
		go f.handleConnection(conn)
	}
}

func (f *Forwarder) handleConnection(conn net.Conn) {
	defer f.wg.Done()
	defer recovery.RecoverWithLog(f.logger, "client.Forwarder.handleConnection")
	defer func() {
		conn.Close()
		f.mu.Lock()
		delete(f.connections, conn)
		f.mu.Unlock()
		f.connCount.Add(-1)
	}()

	remoteAddr := conn.RemoteAddr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-f.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	target, err := f.reacher.Reach(ctx, f.cfg.ServiceID)
	if err != nil {
		f.logger.Debug("reach failed",
			logging.KeyRemoteAddr, remoteAddr,
			logging.KeyError, err)
		return
	}
	defer target.Close()

	f.logger.Debug("bridge opened", logging.KeyRemoteAddr, remoteAddr)
	relay(conn, target)
	f.logger.Debug("bridge closed", logging.KeyRemoteAddr, remoteAddr)
}

// halfCloser is implemented by connections that support half-close.
type halfCloser interface {
	CloseWrite() error
}

// relay copies data both ways. A side without half-close is closed once
// its input ends.
func relay(client, target net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		_, _ = io.Copy(target, client)
		closeWrite(target)
	}()

	go func() {
		defer wg.Done()
		_, _ = io.Copy(client, target)
		closeWrite(client)
	}()

	wg.Wait()
}

func closeWrite(c net.Conn) {
	if hc, ok := c.(halfCloser); ok {
		hc.CloseWrite()
		return
	}
	c.Close()
}
