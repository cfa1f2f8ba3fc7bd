package control

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/postalsys/metroo-hub/internal/ports"
	"github.com/postalsys/metroo-hub/internal/tunnel"
)

// mockHub implements HubInfo for testing.
type mockHub struct {
	status       tunnel.Status
	agents       []tunnel.AgentInfo
	services     []tunnel.ServiceInfo
	relays       []tunnel.RelayInfo
	disconnected []string
	unexposed    []string
	exposed      []tunnel.ExposeRequest
}

func (m *mockHub) Status() tunnel.Status { return m.status }
func (m *mockHub) Agents() []tunnel.AgentInfo { return m.agents }
func (m *mockHub) Services() []tunnel.ServiceInfo { return m.services }
func (m *mockHub) Relays() []tunnel.RelayInfo { return m.relays }

func (m *mockHub) Relay(connID string) (tunnel.RelayInfo, bool) {
	for _, r := range m.relays {
		if r.ConnectionID == connID {
			return r, true
		}
	}
	return tunnel.RelayInfo{}, false
}

func (m *mockHub) Disconnect(agentID string) error {
	for _, a := range m.agents {
		if a.AgentID == agentID {
			m.disconnected = append(m.disconnected, agentID)
			return nil
		}
	}
	return tunnel.ErrAgentNotConnected
}

func (m *mockHub) Expose(agentID string, req tunnel.ExposeRequest) (int, error) {
	if agentID != "agent-a" {
		return 0, tunnel.ErrAgentNotConnected
	}
	for _, s := range m.services {
		if s.ServiceID == req.ServiceID && s.AgentID != agentID {
			return 0, tunnel.ErrServiceConflict
		}
	}
	if req.TargetHost == "" {
		return 0, tunnel.ErrBadExpose
	}
	m.exposed = append(m.exposed, req)
	return 30001, nil
}

func (m *mockHub) Unexpose(serviceID string) error {
	for _, s := range m.services {
		if s.ServiceID == serviceID {
			m.unexposed = append(m.unexposed, serviceID)
			return nil
		}
	}
	return tunnel.ErrServiceOffline
}

func newMockHub() *mockHub {
	return &mockHub{
		status: tunnel.Status{
			StartedAt:      time.Now().Add(-time.Hour),
			Agents:         1,
			Services:       1,
			Relays:         1,
			PortsInUse:     1,
			PortRangeStart: 30000,
			PortRangeEnd:   30099,
			DialTimeout:    "10s",
		},
		agents: []tunnel.AgentInfo{
			{AgentID: "agent-a", RemoteAddr: "10.0.0.1:5000", Services: []string{"web"}, Relays: 1},
		},
		services: []tunnel.ServiceInfo{
			{ServiceID: "web", AgentID: "agent-a", Port: 30000, TargetHost: "127.0.0.1", TargetPort: 8080},
		},
		relays: []tunnel.RelayInfo{
			{ConnectionID: "c1", ServiceID: "web", Kind: "tunnel", State: "READY", AgentID: "agent-a", BytesToAgent: 42},
		},
	}
}

func startServer(t *testing.T, hub HubInfo) (*Server, *Client) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "control.sock")

	s := NewServer(ServerConfig{
		SocketPath:   socketPath,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}, hub)
	if err := s.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() { s.Stop() })

	client := NewClient(socketPath)
	t.Cleanup(func() { client.Close() })
	return s, client
}

func TestServer_StartStop(t *testing.T) {
	s, _ := startServer(t, newMockHub())

	if !s.IsRunning() {
		t.Error("expected server to be running")
	}

	info, err := os.Stat(s.SocketPath())
	if err != nil {
		t.Fatalf("socket file does not exist: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket permissions = %o, want 600", perm)
	}

	if err := s.Stop(); err != nil {
		t.Errorf("failed to stop: %v", err)
	}
	if s.IsRunning() {
		t.Error("expected server to be stopped")
	}
	if _, err := os.Stat(s.SocketPath()); !os.IsNotExist(err) {
		t.Error("socket file not removed")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second stop failed: %v", err)
	}
}

func TestServer_ClientIntegration(t *testing.T) {
	hub := newMockHub()
	_, client := startServer(t, hub)
	ctx := context.Background()

	status, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Agents != 1 || status.PortRangeStart != 30000 || status.DialTimeout != "10s" {
		t.Errorf("status = %+v", status)
	}
	if status.Uptime != "1h0m0s" {
		t.Errorf("uptime = %q, want 1h0m0s", status.Uptime)
	}

	agents, err := client.Agents(ctx)
	if err != nil {
		t.Fatalf("agents failed: %v", err)
	}
	if len(agents.Agents) != 1 || agents.Agents[0].AgentID != "agent-a" {
		t.Errorf("agents = %+v", agents.Agents)
	}

	services, err := client.Services(ctx)
	if err != nil {
		t.Fatalf("services failed: %v", err)
	}
	if len(services.Services) != 1 || services.Services[0].Port != 30000 {
		t.Errorf("services = %+v", services.Services)
	}

	relays, err := client.Relays(ctx)
	if err != nil {
		t.Fatalf("relays failed: %v", err)
	}
	if len(relays.Relays) != 1 || relays.Relays[0].BytesToAgent != 42 {
		t.Errorf("relays = %+v", relays.Relays)
	}

	relay, err := client.Relay(ctx, "c1")
	if err != nil {
		t.Fatalf("relay failed: %v", err)
	}
	if relay.ConnectionID != "c1" {
		t.Errorf("relay = %+v", relay)
	}
	if _, err := client.Relay(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Relay(missing) error = %v, want ErrNotFound", err)
	}
}

func TestServer_DisconnectAndUnexpose(t *testing.T) {
	hub := newMockHub()
	_, client := startServer(t, hub)
	ctx := context.Background()

	if err := client.Disconnect(ctx, "agent-a"); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if len(hub.disconnected) != 1 {
		t.Errorf("disconnected = %v", hub.disconnected)
	}
	if err := client.Disconnect(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Disconnect(ghost) error = %v, want ErrNotFound", err)
	}

	if err := client.Unexpose(ctx, "web"); err != nil {
		t.Fatalf("Unexpose() error = %v", err)
	}
	if err := client.Unexpose(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Unexpose(ghost) error = %v, want ErrNotFound", err)
	}
}

func TestServer_Expose(t *testing.T) {
	hub := newMockHub()
	hub.services = append(hub.services, tunnel.ServiceInfo{ServiceID: "db", AgentID: "agent-b"})
	_, client := startServer(t, hub)
	ctx := context.Background()

	resp, err := client.Expose(ctx, ExposeRequest{
		AgentID:    "agent-a",
		ServiceID:  "ssh",
		TunnelPort: 30001,
		TargetHost: "127.0.0.1",
		TargetPort: 22,
	})
	if err != nil {
		t.Fatalf("Expose() error = %v", err)
	}
	if resp.ServiceID != "ssh" || resp.Port != 30001 {
		t.Errorf("Expose() = %+v", resp)
	}
	if len(hub.exposed) != 1 || hub.exposed[0].TargetPort != 22 || hub.exposed[0].TunnelPort != 30001 {
		t.Errorf("exposed = %+v", hub.exposed)
	}

	tests := []struct {
		name string
		req  ExposeRequest
		want string
	}{
		{"unknown agent", ExposeRequest{AgentID: "ghost", ServiceID: "x", TargetHost: "h", TargetPort: 1}, "not found"},
		{"conflict", ExposeRequest{AgentID: "agent-a", ServiceID: "db", TargetHost: "h", TargetPort: 1}, "409"},
		{"no target", ExposeRequest{AgentID: "agent-a", ServiceID: "x"}, "400"},
		{"no agent", ExposeRequest{ServiceID: "x", TargetHost: "h", TargetPort: 1}, "400"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Expose(ctx, tt.req)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expose() error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestServer_Relay(t *testing.T) {
	s := NewServer(DefaultServerConfig(), newMockHub())

	tests := []struct {
		path string
		want int
	}{
		{"/relays/c1", http.StatusOK},
		{"/relays/missing", http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.want)
		}
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	s := NewServer(DefaultServerConfig(), newMockHub())

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/status"},
		{http.MethodPost, "/agents"},
		{http.MethodGet, "/agents/agent-a"},
		{http.MethodPut, "/services/web"},
		{http.MethodDelete, "/relays"},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		s.server.Handler.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s = %d, want 405", tt.method, tt.path, rec.Code)
		}
	}
}

func TestServer_WithHub(t *testing.T) {
	alloc, err := ports.NewAllocator(31000, 31009)
	if err != nil {
		t.Fatal(err)
	}
	hub, err := tunnel.NewHub(tunnel.Config{
		Validator: rejectAll{},
		Allocator: alloc,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer hub.Close()

	_, client := startServer(t, hub)
	status, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.PortRangeStart != 31000 || status.PortRangeEnd != 31009 || status.Agents != 0 {
		t.Errorf("status = %+v", status)
	}
	if err := client.Disconnect(context.Background(), "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Disconnect() error = %v, want ErrNotFound", err)
	}
	_, err = client.Expose(context.Background(), ExposeRequest{AgentID: "nobody", ServiceID: "s", TargetHost: "h", TargetPort: 1})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expose() error = %v, want ErrNotFound", err)
	}
}

type rejectAll struct{}

func (rejectAll) Validate(agentID, token string) error {
	return errors.New("rejected")
}
