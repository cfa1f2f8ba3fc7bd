package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/postalsys/metroo-hub/internal/logging"
	"github.com/postalsys/metroo-hub/internal/protocol"
	"github.com/postalsys/metroo-hub/internal/recovery"
)

// Channel is a control channel over one WebSocket connection.
type Channel struct {
	conn         *websocket.Conn
	remote       string
	keepalive    KeepaliveConfig
	writeTimeout time.Duration

	// ctx is cancelled when the channel closes for any reason.
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newChannel(conn *websocket.Conn, remote string, keepalive KeepaliveConfig, logger *slog.Logger) *Channel {
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		conn:         conn,
		remote:       remote,
		keepalive:    keepalive,
		writeTimeout: defaultWriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
	if keepalive.Interval > 0 {
		go func() {
			defer recovery.RecoverWithLog(logger, "transport.keepalive")
			c.keepaliveLoop()
		}()
	}
	return c
}

// Send writes one frame as a JSON text message.
func (c *Channel) Send(ctx context.Context, f *protocol.Frame) error {
	if c.ctx.Err() != nil {
		return ErrChannelClosed
	}
	if err := f.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	// A failed or cancelled write leaves the websocket closed.
	if err := wsjson.Write(ctx, c.conn, f); err != nil {
		c.cancel()
		return fmt.Errorf("%w: %w", ErrChannelClosed, err)
	}
	return nil
}

// Receive reads the next frame.
func (c *Channel) Receive(ctx context.Context) (*protocol.Frame, error) {
	var f protocol.Frame
	if err := wsjson.Read(ctx, c.conn, &f); err != nil {
		c.cancel()
		return nil, fmt.Errorf("%w: %w", ErrChannelClosed, err)
	}
	if err := f.Validate(); err != nil {
		return &f, err
	}
	return &f, nil
}

// Close sends a close frame with code and reason. Only the first call has effect.
func (c *Channel) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close(websocket.StatusCode(code), reason)
	})
	return err
}

// Done is closed once the channel is closed.
func (c *Channel) Done() <-chan struct{} {
	return c.ctx.Done()
}

// RemoteAddr returns the peer address as reported by the HTTP layer.
func (c *Channel) RemoteAddr() string {
	return c.remote
}

func (c *Channel) keepaliveLoop() {
	ticker := time.NewTicker(c.keepalive.Interval)
	defer ticker.Stop()

	timeout := c.keepalive.Timeout
	if timeout <= 0 {
		timeout = c.keepalive.Interval
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, timeout)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				c.Close(int(websocket.StatusPolicyViolation), "keepalive timeout")
				return
			}
		}
	}
}

// ListenerConfig configures the hub side listener.
type ListenerConfig struct {
	// Address to bind, host:port.
	Address string

	// Path serving the control channel upgrade.
	Path string

	// TLSConfig is required unless PlainText is set.
	TLSConfig *tls.Config

	// PlainText serves without TLS, for use behind a terminating reverse proxy.
	PlainText bool

	// Handlers are extra HTTP routes served beside the channel path.
	Handlers map[string]http.Handler

	Keepalive KeepaliveConfig
	Logger    *slog.Logger
}

// Listener accepts control channels over HTTP(S).
type Listener struct {
	cfg     ListenerConfig
	logger  *slog.Logger
	server  *http.Server
	netLn   net.Listener
	connCh  chan *Channel
	closeCh chan struct{}
	closed  atomic.Bool
}

// Listen starts serving on cfg.Address.
func Listen(cfg ListenerConfig) (*Listener, error) {
	if cfg.TLSConfig == nil && !cfg.PlainText {
		return nil, fmt.Errorf("TLS config required for listener (or enable plaintext)")
	}
	if cfg.Path == "" {
		cfg.Path = "/agent"
	}

	l := &Listener{
		cfg:     cfg,
		logger:  logging.Component(cfg.Logger, "transport"),
		connCh:  make(chan *Channel, 16),
		closeCh: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, l.handleWebSocket)
	for pattern, h := range cfg.Handlers {
		mux.Handle(pattern, h)
	}

	l.server = &http.Server{
		Handler:           mux,
		TLSConfig:         cfg.TLSConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen failed: %w", err)
	}
	l.netLn = ln

	go func() {
		defer recovery.RecoverWithLog(l.logger, "transport.serve")
		var err error
		if cfg.TLSConfig != nil {
			err = l.server.ServeTLS(ln, "", "")
		} else {
			err = l.server.Serve(ln)
		}
		if err != nil && err != http.ErrServerClosed {
			l.logger.Error("listener stopped", logging.KeyError, err)
		}
	}()

	return l, nil
}

// handleWebSocket upgrades the request and hands the channel to Accept.
// It returns only after the channel closes.
func (l *Listener) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		l.logger.Debug("websocket upgrade failed", logging.KeyRemoteAddr, r.RemoteAddr, logging.KeyError, err)
		return
	}
	if conn.Subprotocol() != Subprotocol {
		conn.Close(websocket.StatusProtocolError, Subprotocol+" subprotocol required")
		return
	}

	ch := newChannel(conn, r.RemoteAddr, l.cfg.Keepalive, l.logger)

	select {
	case l.connCh <- ch:
	case <-l.closeCh:
		ch.Close(int(websocket.StatusGoingAway), "server closed")
		return
	}

	<-ch.Done()
}

// Accept waits for and returns the next channel.
func (l *Listener) Accept(ctx context.Context) (*Channel, error) {
	select {
	case ch := <-l.connCh:
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, fmt.Errorf("listener closed")
	}
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.netLn.Addr()
}

// Close stops accepting. Channels already handed out stay open.
func (l *Listener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.closeCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.server.Shutdown(ctx)
}

// DialOptions configures an agent side dial.
type DialOptions struct {
	// TLSConfig for wss URLs. Nil uses system roots.
	TLSConfig *tls.Config

	// InsecureSkipVerify disables hub certificate checks when TLSConfig is nil.
	InsecureSkipVerify bool

	// Timeout bounds the handshake.
	Timeout time.Duration

	Keepalive KeepaliveConfig
	Logger    *slog.Logger
}

// Dial opens a control channel to hubURL (ws:// or wss://).
func Dial(ctx context.Context, hubURL string, opts DialOptions) (*Channel, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return nil, fmt.Errorf("invalid hub URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid hub URL scheme %q (must be ws or wss)", u.Scheme)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	conn, _, err := websocket.Dial(ctx, hubURL, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
		HTTPClient:   buildHTTPClient(opts),
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	if conn.Subprotocol() != Subprotocol {
		conn.Close(websocket.StatusProtocolError, Subprotocol+" subprotocol required")
		return nil, fmt.Errorf("hub did not negotiate %s", Subprotocol)
	}

	return newChannel(conn, u.Host, opts.Keepalive, opts.Logger), nil
}

// buildHTTPClient creates the HTTP client used for the upgrade request.
func buildHTTPClient(opts DialOptions) *http.Client {
	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
	}

	return &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: tlsConfig,
		},
	}
}
