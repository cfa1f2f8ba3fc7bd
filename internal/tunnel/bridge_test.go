package tunnel

import (
	"bytes"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/metroo-hub/internal/metrics"
	"github.com/postalsys/metroo-hub/internal/protocol"
)

func reachConnect(id, serviceID string) *protocol.Frame {
	return &protocol.Frame{Type: protocol.FrameReachConnect, ConnectionID: id, ServiceID: serviceID}
}

// openBridge has b reach the service exposed by a and returns the dial a received.
func openBridge(t *testing.T, a, b *testAgent, id string) *protocol.Frame {
	t.Helper()
	a.expose("web", 0)
	b.send(reachConnect(id, "web"))
	dial := a.expect(protocol.FrameDial)
	if dial.ConnectionID != id {
		t.Fatalf("dial id = %q, want %q", dial.ConnectionID, id)
	}
	return dial
}

func readyBridge(t *testing.T, a, b *testAgent, id string) {
	t.Helper()
	openBridge(t, a, b, id)
	a.send(&protocol.Frame{Type: protocol.FrameDialSuccess, ConnectionID: id})
	if f := b.expect(protocol.FrameReachReady); f.ConnectionID != id {
		t.Fatalf("reach_ready id = %q", f.ConnectionID)
	}
}

func expectReachError(t *testing.T, b *testAgent, id, code, msg string) {
	t.Helper()
	f := b.expect(protocol.FrameReachError)
	if f.ConnectionID != id || f.Code != code {
		t.Errorf("reach_error = %s code %q, want %s code %q", f, f.Code, id, code)
	}
	if msg != "" && f.Error != msg {
		t.Errorf("reach_error message = %q, want %q", f.Error, msg)
	}
}

func TestBridge_ReadyOnlyAfterDialSuccess(t *testing.T) {
	env := newTestEnv(t, 2, nil)
	a := connectAgent(t, env, "agent-a")
	b := connectAgent(t, env, "agent-b")

	dial := openBridge(t, a, b, "r1")
	if dial.TargetHost != "127.0.0.1" || dial.TargetPort != 8080 {
		t.Errorf("dial target = %s:%d", dial.TargetHost, dial.TargetPort)
	}
	b.expectNone(200 * time.Millisecond)

	info, ok := env.hub.Relay("r1")
	if !ok || info.Kind != metrics.KindBridge || info.Peer != "agent-b" {
		t.Fatalf("relay = %+v, %v", info, ok)
	}

	a.send(&protocol.Frame{Type: protocol.FrameDialSuccess, ConnectionID: "r1"})
	b.expect(protocol.FrameReachReady)
}

func TestBridge_RelaysBothWays(t *testing.T) {
	env := newTestEnv(t, 2, nil)
	a := connectAgent(t, env, "agent-a")
	b := connectAgent(t, env, "agent-b")
	readyBridge(t, a, b, "r1")

	up := randomPayload(t, 64*1024)
	b.send(protocol.NewReachData("r1", up))
	if got := collectData(t, a, protocol.FrameData, "r1", len(up)); !bytes.Equal(got, up) {
		t.Error("exposer received different bytes")
	}

	down := randomPayload(t, 64*1024)
	a.send(protocol.NewData("r1", down))
	if got := collectData(t, b, protocol.FrameReachData, "r1", len(down)); !bytes.Equal(got, down) {
		t.Error("reacher received different bytes")
	}

	b.send(protocol.NewReachClose("r1"))
	a.expect(protocol.FrameClose)
	waitFor(t, "bridge removed", func() bool { return env.hub.Status().Relays == 0 })
}

func TestBridge_OfflineService(t *testing.T) {
	env := newTestEnv(t, 2, nil)
	b := connectAgent(t, env, "agent-b")

	b.send(reachConnect("r1", "missing"))
	expectReachError(t, b, "r1", protocol.CodeServiceOffline, protocol.MessageServiceOffline)

	if _, ok := env.hub.Relay("r1"); ok {
		t.Error("rejected bridge was registered")
	}
	if v := testutil.ToFloat64(env.metrics.ReachRejected.WithLabelValues(protocol.CodeServiceOffline)); v != 1 {
		t.Errorf("ReachRejected = %v, want 1", v)
	}
}

func TestBridge_ExposerCloseSendsReachClose(t *testing.T) {
	env := newTestEnv(t, 2, nil)
	a := connectAgent(t, env, "agent-a")
	b := connectAgent(t, env, "agent-b")
	readyBridge(t, a, b, "r1")

	a.send(protocol.NewClose("r1"))
	if f := b.expect(protocol.FrameReachClose); f.ConnectionID != "r1" {
		t.Errorf("reach_close id = %q", f.ConnectionID)
	}
}

func TestBridge_DialError(t *testing.T) {
	env := newTestEnv(t, 2, nil)
	a := connectAgent(t, env, "agent-a")
	b := connectAgent(t, env, "agent-b")
	openBridge(t, a, b, "r1")

	a.send(&protocol.Frame{Type: protocol.FrameDialError, ConnectionID: "r1", Error: "connection refused"})
	expectReachError(t, b, "r1", protocol.CodeDialFailed, "connection refused")

	if v := testutil.ToFloat64(env.metrics.DialResults.WithLabelValues(metrics.KindBridge, metrics.DialError)); v != 1 {
		t.Errorf("DialResults{bridge,error} = %v, want 1", v)
	}
}

func TestBridge_DialTimeout(t *testing.T) {
	env := newTestEnv(t, 2, func(c *Config) { c.DialTimeout = 200 * time.Millisecond })
	a := connectAgent(t, env, "agent-a")
	b := connectAgent(t, env, "agent-b")
	openBridge(t, a, b, "r1")

	expectReachError(t, b, "r1", protocol.CodeTimeout, protocol.MessageTimeoutMsg)
	if _, ok := env.hub.Relay("r1"); ok {
		t.Error("timed out bridge still registered")
	}
}

func TestBridge_ExposerDisconnectWhileDialing(t *testing.T) {
	env := newTestEnv(t, 2, nil)
	a := connectAgent(t, env, "agent-a")
	b := connectAgent(t, env, "agent-b")
	openBridge(t, a, b, "r1")

	a.close()
	expectReachError(t, b, "r1", protocol.CodeServiceOffline, protocol.MessageAgentDisconnected)
}

func TestBridge_ExposerDisconnectWhenReady(t *testing.T) {
	env := newTestEnv(t, 2, nil)
	a := connectAgent(t, env, "agent-a")
	b := connectAgent(t, env, "agent-b")
	readyBridge(t, a, b, "r1")

	a.close()
	b.expect(protocol.FrameReachClose)
}

func TestBridge_ReacherDisconnect(t *testing.T) {
	env := newTestEnv(t, 2, nil)
	a := connectAgent(t, env, "agent-a")
	b := connectAgent(t, env, "agent-b")
	readyBridge(t, a, b, "r1")

	b.close()
	if f := a.expect(protocol.FrameClose); f.ConnectionID != "r1" {
		t.Errorf("close id = %q", f.ConnectionID)
	}
	waitFor(t, "bridge removed", func() bool { return env.hub.Status().Relays == 0 })
}

func TestBridge_ThirdAgentIsIgnored(t *testing.T) {
	env := newTestEnv(t, 2, nil)
	a := connectAgent(t, env, "agent-a")
	b := connectAgent(t, env, "agent-b")
	c := connectAgent(t, env, "agent-c")
	readyBridge(t, a, b, "r1")

	c.send(protocol.NewReachData("r1", []byte("intruder")))
	c.send(protocol.NewReachClose("r1"))
	c.send(&protocol.Frame{Type: protocol.FrameHeartbeat})
	c.expect(protocol.FrameHeartbeatAck)

	a.expectNone(100 * time.Millisecond)
	if info, ok := env.hub.Relay("r1"); !ok || info.State != "READY" {
		t.Errorf("bridge = %+v, %v; want ready", info, ok)
	}
	if v := testutil.ToFloat64(env.metrics.FramesDropped.WithLabelValues("unauthorized")); v != 2 {
		t.Errorf("FramesDropped{unauthorized} = %v, want 2", v)
	}
}

func TestBridge_DuplicateConnectionID(t *testing.T) {
	env := newTestEnv(t, 2, nil)
	a := connectAgent(t, env, "agent-a")
	b := connectAgent(t, env, "agent-b")
	openBridge(t, a, b, "r1")

	b.send(reachConnect("r1", "web"))
	expectReachError(t, b, "r1", protocol.CodeDuplicateConn, "")

	a.expectNone(100 * time.Millisecond)
	if _, ok := env.hub.Relay("r1"); !ok {
		t.Error("original bridge was dropped")
	}
}

func TestBridge_SelfReachIsRejected(t *testing.T) {
	env := newTestEnv(t, 2, nil)
	a := connectAgent(t, env, "agent-a")
	a.expose("web", 0)

	a.send(reachConnect("r1", "web"))
	expectReachError(t, a, "r1", protocol.CodeBadRequest, "")
	if env.hub.Status().Relays != 0 {
		t.Error("self bridge was registered")
	}
}

func TestBridge_ReachDataBeforeReady(t *testing.T) {
	env := newTestEnv(t, 2, nil)
	a := connectAgent(t, env, "agent-a")
	b := connectAgent(t, env, "agent-b")
	openBridge(t, a, b, "r1")

	b.send(protocol.NewReachData("r1", []byte("too soon")))
	if f := a.expect(protocol.FrameClose); f.ConnectionID != "r1" {
		t.Errorf("close id = %q", f.ConnectionID)
	}
	expectReachError(t, b, "r1", protocol.CodeBadRequest, "")
	if env.hub.Status().Relays != 0 {
		t.Error("rejected bridge still registered")
	}
}
