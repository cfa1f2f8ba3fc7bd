package tunnel

import (
	"bytes"
	"crypto/rand"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/metroo-hub/internal/metrics"
	"github.com/postalsys/metroo-hub/internal/protocol"
)

// openRelay exposes a service, connects a client and returns the dial frame.
func openRelay(t *testing.T, env *testEnv, a *testAgent) (net.Conn, *protocol.Frame) {
	t.Helper()
	port := a.expose("web", 0)
	client := dialPort(t, port)
	dial := a.expect(protocol.FrameDial)
	return client, dial
}

// readyRelay opens a relay and confirms the dial.
func readyRelay(t *testing.T, env *testEnv, a *testAgent) (net.Conn, string) {
	t.Helper()
	client, dial := openRelay(t, env, a)
	a.send(&protocol.Frame{Type: protocol.FrameDialSuccess, ConnectionID: dial.ConnectionID})
	waitFor(t, "relay ready", func() bool {
		info, ok := env.hub.Relay(dial.ConnectionID)
		return ok && info.State == StateReady.String()
	})
	return client, dial.ConnectionID
}

// collectData reads data frames for id until n bytes arrived.
func collectData(t *testing.T, a *testAgent, typ protocol.FrameType, id string, n int) []byte {
	t.Helper()
	var got []byte
	for len(got) < n {
		f := a.expect(typ)
		if f.ConnectionID != id {
			t.Fatalf("data for %q, want %q", f.ConnectionID, id)
		}
		got = append(got, f.Data...)
	}
	return got
}

func randomPayload(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		t.Fatal(err)
	}
	return buf
}

func TestRelay_DialCarriesTarget(t *testing.T) {
	env := newTestEnv(t, 2, nil)
	a := connectAgent(t, env, "agent-a")

	_, dial := openRelay(t, env, a)
	if dial.ConnectionID == "" {
		t.Fatal("dial without connection id")
	}
	if dial.ServiceID != "web" || dial.TargetHost != "127.0.0.1" || dial.TargetPort != 8080 {
		t.Errorf("dial = %+v", dial)
	}

	info, ok := env.hub.Relay(dial.ConnectionID)
	if !ok {
		t.Fatal("relay not registered")
	}
	if info.State != "DIALING" || info.Kind != metrics.KindTunnel || info.AgentID != "agent-a" {
		t.Errorf("relay info = %+v", info)
	}
}

func TestRelay_NoBytesBeforeDialSuccess(t *testing.T) {
	env := newTestEnv(t, 2, nil)
	a := connectAgent(t, env, "agent-a")

	client, dial := openRelay(t, env, a)
	if _, err := client.Write([]byte("early")); err != nil {
		t.Fatal(err)
	}
	a.expectNone(200 * time.Millisecond)

	a.send(&protocol.Frame{Type: protocol.FrameDialSuccess, ConnectionID: dial.ConnectionID})
	got := collectData(t, a, protocol.FrameData, dial.ConnectionID, 5)
	if string(got) != "early" {
		t.Errorf("data = %q, want early", got)
	}
}

func TestRelay_BytesBothWays(t *testing.T) {
	env := newTestEnv(t, 2, nil)
	a := connectAgent(t, env, "agent-a")
	client, id := readyRelay(t, env, a)

	// Agent to client.
	down := randomPayload(t, 256*1024)
	for off := 0; off < len(down); off += 32 * 1024 {
		a.send(protocol.NewData(id, down[off:off+32*1024]))
	}
	got := make([]byte, len(down))
	client.SetReadDeadline(time.Now().Add(waitTimeout))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if !bytes.Equal(got, down) {
		t.Error("client received different bytes")
	}

	// Client to agent.
	up := randomPayload(t, 200*1024)
	go client.Write(up)
	if up2 := collectData(t, a, protocol.FrameData, id, len(up)); !bytes.Equal(up2, up) {
		t.Error("agent received different bytes")
	}

	info, _ := env.hub.Relay(id)
	if info.BytesFromAgent != int64(len(down)) || info.BytesToAgent != int64(len(up)) {
		t.Errorf("byte counters = %d/%d", info.BytesFromAgent, info.BytesToAgent)
	}
	if v := testutil.ToFloat64(env.metrics.BytesRelayed.WithLabelValues(metrics.ToAgent)); v != float64(len(up)) {
		t.Errorf("BytesRelayed{to_agent} = %v", v)
	}
}

func TestRelay_ClientCloseSendsClose(t *testing.T) {
	env := newTestEnv(t, 2, nil)
	a := connectAgent(t, env, "agent-a")
	client, id := readyRelay(t, env, a)

	client.Close()
	f := a.expect(protocol.FrameClose)
	if f.ConnectionID != id {
		t.Errorf("close for %q, want %q", f.ConnectionID, id)
	}
	waitFor(t, "relay removed", func() bool { return env.hub.Status().Relays == 0 })
}

func TestRelay_AgentCloseFlushesAndClosesSocket(t *testing.T) {
	env := newTestEnv(t, 2, nil)
	a := connectAgent(t, env, "agent-a")
	client, id := readyRelay(t, env, a)

	a.send(protocol.NewData(id, []byte("bye")))
	a.send(protocol.NewClose(id))

	if got := expectSocketClosed(t, client); string(got) != "bye" {
		t.Errorf("client read %q, want bye", got)
	}
	waitFor(t, "relay removed", func() bool { return env.hub.Status().Relays == 0 })
}

func TestRelay_DialErrorClosesSocket(t *testing.T) {
	env := newTestEnv(t, 2, nil)
	a := connectAgent(t, env, "agent-a")
	client, dial := openRelay(t, env, a)

	a.send(&protocol.Frame{
		Type:         protocol.FrameDialError,
		ConnectionID: dial.ConnectionID,
		Error:        "connection refused",
	})

	expectSocketClosed(t, client)
	waitFor(t, "relay removed", func() bool { return env.hub.Status().Relays == 0 })
	if v := testutil.ToFloat64(env.metrics.DialResults.WithLabelValues(metrics.KindTunnel, metrics.DialError)); v != 1 {
		t.Errorf("DialResults{error} = %v, want 1", v)
	}
}

func TestRelay_DialTimeout(t *testing.T) {
	env := newTestEnv(t, 2, func(c *Config) { c.DialTimeout = 200 * time.Millisecond })
	a := connectAgent(t, env, "agent-a")
	client, dial := openRelay(t, env, a)

	expectSocketClosed(t, client)
	waitFor(t, "relay removed", func() bool {
		_, ok := env.hub.Relay(dial.ConnectionID)
		return !ok
	})
	if v := testutil.ToFloat64(env.metrics.DialResults.WithLabelValues(metrics.KindTunnel, metrics.DialTimeout)); v != 1 {
		t.Errorf("DialResults{timeout} = %v, want 1", v)
	}

	// A dial_success arriving after the timeout is answered with a close.
	a.send(&protocol.Frame{Type: protocol.FrameDialSuccess, ConnectionID: dial.ConnectionID})
	f := a.expect(protocol.FrameClose)
	if f.ConnectionID != dial.ConnectionID {
		t.Errorf("close for %q, want %q", f.ConnectionID, dial.ConnectionID)
	}
}

func TestRelay_DuplicateCloseIsNoop(t *testing.T) {
	env := newTestEnv(t, 2, nil)
	a := connectAgent(t, env, "agent-a")
	client, id := readyRelay(t, env, a)

	a.send(protocol.NewClose(id))
	a.send(protocol.NewClose(id))
	expectSocketClosed(t, client)

	a.send(&protocol.Frame{Type: protocol.FrameHeartbeat})
	a.expect(protocol.FrameHeartbeatAck)
	if v := testutil.ToFloat64(env.metrics.RelaysClosed.WithLabelValues(metrics.KindTunnel, "agent_closed")); v != 1 {
		t.Errorf("RelaysClosed{agent_closed} = %v, want 1", v)
	}
}

func TestRelay_OneDialPerClient(t *testing.T) {
	env := newTestEnv(t, 2, nil)
	a := connectAgent(t, env, "agent-a")
	port := a.expose("web", 0)

	const clients = 5
	for i := 0; i < clients; i++ {
		dialPort(t, port)
	}

	ids := make(map[string]bool)
	for i := 0; i < clients; i++ {
		f := a.expect(protocol.FrameDial)
		if ids[f.ConnectionID] {
			t.Fatalf("connection id %q reused", f.ConnectionID)
		}
		ids[f.ConnectionID] = true
	}
	a.expectNone(200 * time.Millisecond)

	if n := env.hub.Status().Relays; n != clients {
		t.Errorf("relays = %d, want %d", n, clients)
	}
}

func TestRelay_DataBeforeReadyIsDropped(t *testing.T) {
	env := newTestEnv(t, 2, nil)
	a := connectAgent(t, env, "agent-a")
	client, dial := openRelay(t, env, a)

	a.send(protocol.NewData(dial.ConnectionID, []byte("too soon")))
	a.send(&protocol.Frame{Type: protocol.FrameDialSuccess, ConnectionID: dial.ConnectionID})
	a.send(protocol.NewData(dial.ConnectionID, []byte("ok")))

	buf := make([]byte, 2)
	client.SetReadDeadline(time.Now().Add(waitTimeout))
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "ok" {
		t.Errorf("client read %q, want ok", buf)
	}
	if v := testutil.ToFloat64(env.metrics.FramesDropped.WithLabelValues("not_ready")); v != 1 {
		t.Errorf("FramesDropped{not_ready} = %v, want 1", v)
	}
}

func TestRelay_OtherAgentCannotDrive(t *testing.T) {
	env := newTestEnv(t, 2, nil)
	a := connectAgent(t, env, "agent-a")
	b := connectAgent(t, env, "agent-b")
	_, dial := openRelay(t, env, a)

	b.send(&protocol.Frame{Type: protocol.FrameDialSuccess, ConnectionID: dial.ConnectionID})
	b.send(protocol.NewClose(dial.ConnectionID))
	b.send(&protocol.Frame{Type: protocol.FrameHeartbeat})
	b.expect(protocol.FrameHeartbeatAck)

	info, ok := env.hub.Relay(dial.ConnectionID)
	if !ok || info.State != "DIALING" {
		t.Errorf("relay = %+v, %v; want still dialing", info, ok)
	}
	if v := testutil.ToFloat64(env.metrics.FramesDropped.WithLabelValues("unauthorized")); v != 2 {
		t.Errorf("FramesDropped{unauthorized} = %v, want 2", v)
	}
}

func TestRelay_SlowConsumerIsClosed(t *testing.T) {
	env := newTestEnv(t, 2, func(c *Config) { c.WriteQueue = 1 })
	a := connectAgent(t, env, "agent-a")
	// The client never reads.
	_, id := readyRelay(t, env, a)

	chunk := randomPayload(t, 256*1024)
	var closed *protocol.Frame
	for i := 0; i < 200 && closed == nil; i++ {
		a.send(protocol.NewData(id, chunk))
		select {
		case f := <-a.frames:
			closed = f
		default:
		}
	}
	if closed == nil {
		closed = a.next()
	}
	if closed.Type != protocol.FrameClose || closed.ConnectionID != id {
		t.Fatalf("got %s, want close for %s", closed, id)
	}
	if v := testutil.ToFloat64(env.metrics.RelaysClosed.WithLabelValues(metrics.KindTunnel, "slow_consumer")); v != 1 {
		t.Errorf("RelaysClosed{slow_consumer} = %v, want 1", v)
	}
}

func TestRelay_StalledClientIsClosedAfterAgentClose(t *testing.T) {
	env := newTestEnv(t, 2, func(c *Config) { c.SocketWriteTimeout = 200 * time.Millisecond })
	a := connectAgent(t, env, "agent-a")
	// The client never reads, so the kernel buffers fill and writes block.
	_, id := readyRelay(t, env, a)

	chunk := randomPayload(t, 256*1024)
	for i := 0; i < 40; i++ {
		a.send(protocol.NewData(id, chunk))
	}
	a.send(protocol.NewClose(id))

	waitFor(t, "relay removed", func() bool { return env.hub.Status().Relays == 0 })
	waitFor(t, "client socket released", func() bool {
		svcs := env.hub.Services()
		return len(svcs) == 1 && svcs[0].Connections == 0
	})
}

func TestRelay_UnexposeClosesClients(t *testing.T) {
	env := newTestEnv(t, 2, nil)
	a := connectAgent(t, env, "agent-a")
	client, id := readyRelay(t, env, a)

	a.send(&protocol.Frame{Type: protocol.FrameUnexpose, ServiceID: "web"})
	expectSocketClosed(t, client)

	f := a.expect(protocol.FrameClose)
	if f.ConnectionID != id {
		t.Errorf("close for %q, want %q", f.ConnectionID, id)
	}
	waitFor(t, "port released", func() bool { return env.allocator.InUse() == 0 })
}

func TestRelayState_String(t *testing.T) {
	tests := []struct {
		state RelayState
		want  string
	}{
		{StateDialing, "DIALING"},
		{StateReady, "READY"},
		{StateClosed, "CLOSED"},
		{RelayState(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("RelayState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
