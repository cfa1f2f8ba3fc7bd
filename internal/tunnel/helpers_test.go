package tunnel

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/metroo-hub/internal/auth"
	"github.com/postalsys/metroo-hub/internal/metrics"
	"github.com/postalsys/metroo-hub/internal/ports"
	"github.com/postalsys/metroo-hub/internal/protocol"
	"github.com/postalsys/metroo-hub/internal/store"
	"github.com/postalsys/metroo-hub/internal/transport"
)

const (
	validToken   = "valid"
	expiredToken = "expired"
	waitTimeout  = 5 * time.Second
)

// tokenValidator accepts validToken for any agent.
type tokenValidator struct{}

func (tokenValidator) Validate(agentID, token string) error {
	switch token {
	case validToken:
		return nil
	case expiredToken:
		return auth.ErrTokenExpired
	default:
		return auth.ErrInvalidToken
	}
}

// freeRange finds n consecutive ports on loopback that can currently be bound.
func freeRange(t *testing.T, n int) (int, int) {
	t.Helper()
	for attempt := 0; attempt < 100; attempt++ {
		start := 20000 + rand.IntN(30000)
		var lns []net.Listener
		ok := true
		for p := start; p < start+n; p++ {
			ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(p)))
			if err != nil {
				ok = false
				break
			}
			lns = append(lns, ln)
		}
		for _, ln := range lns {
			ln.Close()
		}
		if ok {
			return start, start + n - 1
		}
	}
	t.Fatalf("no free range of %d ports", n)
	return 0, 0
}

type testEnv struct {
	hub       *Hub
	allocator *ports.Allocator
	store     *store.Store
	metrics   *metrics.Metrics
	url       string
}

func newTestEnv(t *testing.T, n int, mutate func(*Config)) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, n, nil, mutate)
}

func newTestEnvWithStore(t *testing.T, n int, st *store.Store, mutate func(*Config)) *testEnv {
	t.Helper()

	start, end := freeRange(t, n)
	alloc, err := ports.NewAllocator(start, end)
	if err != nil {
		t.Fatal(err)
	}
	if st == nil {
		st, err = store.Open("")
		if err != nil {
			t.Fatal(err)
		}
	}

	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	cfg := Config{
		Validator:   tokenValidator{},
		Allocator:   alloc,
		Store:       st,
		DialTimeout: 2 * time.Second,
		AuthTimeout: 2 * time.Second,
		Metrics:     m,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	h, err := NewHub(cfg)
	if err != nil {
		t.Fatalf("NewHub() error = %v", err)
	}

	ln, err := transport.Listen(transport.ListenerConfig{
		Address:   "127.0.0.1:0",
		Path:      "/agent",
		PlainText: true,
	})
	if err != nil {
		t.Fatalf("transport.Listen() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			ch, err := ln.Accept(ctx)
			if err != nil {
				return
			}
			go h.HandleChannel(ctx, ch)
		}
	}()

	t.Cleanup(func() {
		ln.Close()
	})
	t.Cleanup(func() {
		h.Close()
		cancel()
	})

	return &testEnv{
		hub:       h,
		allocator: alloc,
		store:     st,
		metrics:   m,
		url:       "ws://" + ln.Addr().String() + "/agent",
	}
}

// testAgent is a raw control channel driven by the test.
type testAgent struct {
	t      *testing.T
	id     string
	ch     *transport.Channel
	frames chan *protocol.Frame
	done   chan struct{}
	err    error
}

// rawAgent opens a channel without authenticating.
func rawAgent(t *testing.T, env *testEnv, id string) *testAgent {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	ch, err := transport.Dial(ctx, env.url, transport.DialOptions{})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	a := &testAgent{
		t:      t,
		id:     id,
		ch:     ch,
		frames: make(chan *protocol.Frame, 1024),
		done:   make(chan struct{}),
	}
	go a.readLoop()
	t.Cleanup(a.close)
	return a
}

func dialAgent(t *testing.T, env *testEnv, id, token string) *testAgent {
	t.Helper()
	a := rawAgent(t, env, id)
	a.send(protocol.NewAuth(id, token))
	return a
}

func connectAgent(t *testing.T, env *testEnv, id string) *testAgent {
	t.Helper()
	a := dialAgent(t, env, id, validToken)
	a.expect(protocol.FrameAuthOK)
	waitFor(t, "agent registered", func() bool {
		_, ok := env.hub.Registry().Get(id)
		return ok
	})
	return a
}

func (a *testAgent) readLoop() {
	defer close(a.done)
	for {
		f, err := a.ch.Receive(context.Background())
		if err != nil {
			if transport.IsValidationError(err) {
				continue
			}
			a.err = err
			return
		}
		a.frames <- f
	}
}

func (a *testAgent) close() {
	a.ch.Close(protocol.CloseNormal, "")
}

func (a *testAgent) send(f *protocol.Frame) {
	a.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := a.ch.Send(ctx, f); err != nil {
		a.t.Fatalf("%s: Send(%s) error = %v", a.id, f.Type, err)
	}
}

func (a *testAgent) next() *protocol.Frame {
	a.t.Helper()
	select {
	case f := <-a.frames:
		return f
	case <-a.done:
		select {
		case f := <-a.frames:
			return f
		default:
		}
		a.t.Fatalf("%s: channel closed while waiting for a frame: %v", a.id, a.err)
	case <-time.After(waitTimeout):
		a.t.Fatalf("%s: timed out waiting for a frame", a.id)
	}
	return nil
}

func (a *testAgent) expect(typ protocol.FrameType) *protocol.Frame {
	a.t.Helper()
	f := a.next()
	if f.Type != typ {
		a.t.Fatalf("%s: got %s, want %s", a.id, f, typ)
	}
	return f
}

func (a *testAgent) expectNone(d time.Duration) {
	a.t.Helper()
	select {
	case f := <-a.frames:
		a.t.Fatalf("%s: unexpected frame %s", a.id, f)
	case <-time.After(d):
	}
}

// waitClosed waits for the hub to close the channel and returns the error.
func (a *testAgent) waitClosed() error {
	a.t.Helper()
	select {
	case <-a.done:
		return a.err
	case <-time.After(waitTimeout):
		a.t.Fatalf("%s: channel not closed", a.id)
		return nil
	}
}

func (a *testAgent) expose(serviceID string, port int) int {
	a.t.Helper()
	a.send(&protocol.Frame{
		Type:        protocol.FrameExpose,
		ServiceID:   serviceID,
		ServiceName: serviceID + "-name",
		TunnelPort:  port,
		TargetHost:  "127.0.0.1",
		TargetPort:  8080,
	})
	f := a.expect(protocol.FrameExposeOK)
	if f.ServiceID != serviceID || f.TunnelPort == 0 {
		a.t.Fatalf("expose_ok = %s port %d", f, f.TunnelPort)
	}
	return f.TunnelPort
}

func dialPort(t *testing.T, port int) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), waitTimeout)
	if err != nil {
		t.Fatalf("dial tunnel port %d: %v", port, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// expectSocketClosed reads until the hub closes the socket.
func expectSocketClosed(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(waitTimeout))
	data, err := io.ReadAll(conn)
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Fatal("socket not closed by hub")
	}
	return data
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func serviceName(i int) string {
	return fmt.Sprintf("svc-%d", i)
}
