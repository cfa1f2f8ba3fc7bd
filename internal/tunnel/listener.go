package tunnel

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/metroo-hub/internal/logging"
	"github.com/postalsys/metroo-hub/internal/metrics"
	"github.com/postalsys/metroo-hub/internal/recovery"
)

// ListenerConfig holds tunnel listener configuration.
type ListenerConfig struct {
	ServiceID   string
	ServiceName string

	// BindHost and Port form the listening address.
	BindHost string
	Port     int

	// TargetHost and TargetPort are sent in every dial.
	TargetHost string
	TargetPort int

	// MaxConnections limits concurrent connections (0 = unlimited).
	MaxConnections int

	// AcceptRate limits new connections per second (0 = unlimited).
	AcceptRate  float64
	AcceptBurst int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// connHandler owns an accepted client socket until it returns.
type connHandler func(l *Listener, conn net.Conn)

// Listener is the TCP entry point of one exposed service.
type Listener struct {
	cfg      ListenerConfig
	owner    *Session
	handler  connHandler
	release  func()
	listener net.Listener
	limiter  *rate.Limiter
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu          sync.Mutex
	connections map[net.Conn]struct{}
	connCount   atomic.Int64
	accepted    atomic.Int64
	startedAt   time.Time

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewListener creates a tunnel listener owned by s. release runs once after
// the listener stopped and every connection handler returned.
func NewListener(cfg ListenerConfig, owner *Session, handler connHandler, release func()) *Listener {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	l := &Listener{
		cfg:         cfg,
		owner:       owner,
		handler:     handler,
		release:     release,
		metrics:     cfg.Metrics,
		logger:      logger.With(logging.KeyServiceID, cfg.ServiceID),
		connections: make(map[net.Conn]struct{}),
		stopCh:      make(chan struct{}),
	}
	if cfg.AcceptRate > 0 {
		burst := cfg.AcceptBurst
		if burst <= 0 {
			burst = max(1, int(cfg.AcceptRate))
		}
		l.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), burst)
	}
	return l
}

// Start binds the listening socket and starts accepting.
func (l *Listener) Start() error {
	if l.running.Load() {
		return fmt.Errorf("listener already running")
	}

	addr := net.JoinHostPort(l.cfg.BindHost, strconv.Itoa(l.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	l.listener = listener
	l.startedAt = time.Now()
	l.running.Store(true)

	l.wg.Add(1)
	go l.acceptLoop()

	l.metrics.RecordListenerStart()
	l.logger.Info("tunnel listener started",
		logging.KeyAddress, listener.Addr().String(),
		logging.KeyTarget, net.JoinHostPort(l.cfg.TargetHost, strconv.Itoa(l.cfg.TargetPort)))

	return nil
}

// Stop closes the listener and every client socket, waits for the
// connection handlers and then releases the port. Safe to call repeatedly.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		l.running.Store(false)
		close(l.stopCh)

		if l.listener != nil {
			l.listener.Close()
		}

		l.mu.Lock()
		for conn := range l.connections {
			conn.Close()
		}
		l.mu.Unlock()

		l.wg.Wait()

		if l.listener != nil {
			l.metrics.RecordListenerStop()
		}
		if l.release != nil {
			l.release()
		}

		l.logger.Info("tunnel listener stopped",
			logging.KeyPort, l.cfg.Port)
	})

	l.wg.Wait()
}

// ServiceID returns the service this listener exposes.
func (l *Listener) ServiceID() string {
	return l.cfg.ServiceID
}

// Port returns the bound port.
func (l *Listener) Port() int {
	return l.cfg.Port
}

// Target returns the service name and dial target.
func (l *Listener) Target() (name, host string, port int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.ServiceName, l.cfg.TargetHost, l.cfg.TargetPort
}

// setTarget updates the dial target for future connections.
func (l *Listener) setTarget(name, host string, port int) {
	l.mu.Lock()
	l.cfg.ServiceName = name
	l.cfg.TargetHost = host
	l.cfg.TargetPort = port
	l.mu.Unlock()
}

// ConnectionCount returns the number of active connections.
func (l *Listener) ConnectionCount() int64 {
	return l.connCount.Load()
}

// Accepted returns the number of connections handed to the relay handler.
func (l *Listener) Accepted() int64 {
	return l.accepted.Load()
}

// StartedAt returns when the listener was bound.
func (l *Listener) StartedAt() time.Time {
	return l.startedAt
}

// stopped is closed when Stop begins.
func (l *Listener) stopped() <-chan struct{} {
	return l.stopCh
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "tunnel.Listener.acceptLoop")

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.stopCh:
				return
			default:
				l.logger.Debug("accept error", logging.KeyError, err)
				// Back off briefly on errors such as EMFILE.
				time.Sleep(10 * time.Millisecond)
				continue
			}
		}

		if l.cfg.MaxConnections > 0 && l.connCount.Load() >= int64(l.cfg.MaxConnections) {
			l.logger.Debug("connection limit reached",
				"limit", l.cfg.MaxConnections)
			l.metrics.RecordConnectionRejected("limit")
			conn.Close()
			continue
		}
		if l.limiter != nil && !l.limiter.Allow() {
			l.logger.Debug("accept rate exceeded",
				logging.KeyRemoteAddr, conn.RemoteAddr().String())
			l.metrics.RecordConnectionRejected("rate")
			conn.Close()
			continue
		}

		l.mu.Lock()
		l.connections[conn] = struct{}{}
		l.mu.Unlock()
		l.connCount.Add(1)
		l.accepted.Add(1)

		l.wg.Add(1)
		go l.handleConnection(conn)
	}
}

func (l *Listener) handleConnection(conn net.Conn) {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "tunnel.Listener.handleConnection")
	defer func() {
		conn.Close()
		l.mu.Lock()
		delete(l.connections, conn)
		l.mu.Unlock()
		l.connCount.Add(-1)
	}()

	l.handler(l, conn)
}
