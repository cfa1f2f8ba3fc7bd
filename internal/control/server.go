// Package control provides a Unix socket introspection interface for the hub.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/postalsys/metroo-hub/internal/ports"
	"github.com/postalsys/metroo-hub/internal/tunnel"
)

const maxRequestBody = 64 << 10

// HubInfo is the part of the tunnel engine the control interface reads and drives.
type HubInfo interface {
	Status() tunnel.Status
	Agents() []tunnel.AgentInfo
	Services() []tunnel.ServiceInfo
	Relays() []tunnel.RelayInfo
	Relay(connID string) (tunnel.RelayInfo, bool)

	// Disconnect closes an agent's session.
	Disconnect(agentID string) error

	// Expose starts a service listener on behalf of a connected agent.
	Expose(agentID string, req tunnel.ExposeRequest) (int, error)

	// Unexpose stops a service listener.
	Unexpose(serviceID string) error
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	tunnel.Status
	Uptime string `json:"uptime"`
}

// AgentsResponse is the response for the agents endpoint.
type AgentsResponse struct {
	Agents []tunnel.AgentInfo `json:"agents"`
}

// ServicesResponse is the response for the services endpoint.
type ServicesResponse struct {
	Services []tunnel.ServiceInfo `json:"services"`
}

// ExposeRequest is the body of POST /services.
type ExposeRequest struct {
	AgentID     string `json:"agentId"`
	ServiceID   string `json:"serviceId"`
	ServiceName string `json:"serviceName,omitempty"`
	TunnelPort  int    `json:"tunnelPort,omitempty"`
	TargetHost  string `json:"targetHost"`
	TargetPort  int    `json:"targetPort"`
}

// ExposeResponse reports the port bound for an exposed service.
type ExposeResponse struct {
	ServiceID string `json:"serviceId"`
	Port      int    `json:"port"`
}

// RelaysResponse is the response for the relays endpoint.
type RelaysResponse struct {
	Relays []tunnel.RelayInfo `json:"relays"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes.
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:   "./data/control.sock",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is a Unix socket HTTP server for control commands.
type Server struct {
	cfg      ServerConfig
	hub      HubInfo
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new control server.
func NewServer(cfg ServerConfig, hub HubInfo) *Server {
	s := &Server{
		cfg: cfg,
		hub: hub,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/agents", s.handleAgents)
	mux.HandleFunc("/agents/", s.handleAgent)
	mux.HandleFunc("/services", s.handleServices)
	mux.HandleFunc("/services/", s.handleService)
	mux.HandleFunc("/relays", s.handleRelays)
	mux.HandleFunc("/relays/", s.handleRelay)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the control server.
func (s *Server) Start() error {
	// Remove existing socket file if it exists
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.cfg.SocketPath, 0600); err != nil {
		ln.Close()
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the control server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := s.hub.Status()
	writeJSON(w, StatusResponse{
		Status: status,
		Uptime: time.Since(status.StartedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, AgentsResponse{Agents: s.hub.Agents()})
}

// handleAgent handles DELETE /agents/{agent-id}, which disconnects the agent.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/agents/")
	if id == "" {
		http.Error(w, "agent ID required", http.StatusBadRequest)
		return
	}

	if err := s.hub.Disconnect(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleServices lists the listeners on GET and exposes a service for an
// agent on POST.
func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, ServicesResponse{Services: s.hub.Services()})
	case http.MethodPost:
		s.exposeService(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) exposeService(w http.ResponseWriter, r *http.Request) {
	var req ExposeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AgentID == "" {
		http.Error(w, "agent ID required", http.StatusBadRequest)
		return
	}

	port, err := s.hub.Expose(req.AgentID, tunnel.ExposeRequest{
		ServiceID:   req.ServiceID,
		ServiceName: req.ServiceName,
		TunnelPort:  req.TunnelPort,
		TargetHost:  req.TargetHost,
		TargetPort:  req.TargetPort,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(ExposeResponse{ServiceID: req.ServiceID, Port: port})
}

// handleService handles DELETE /services/{service-id}, which stops the listener.
func (s *Server) handleService(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/services/")
	if id == "" {
		http.Error(w, "service ID required", http.StatusBadRequest)
		return
	}

	if err := s.hub.Unexpose(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRelays(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, RelaysResponse{Relays: s.hub.Relays()})
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/relays/")
	info, ok := s.hub.Relay(id)
	if !ok {
		http.Error(w, "relay not found", http.StatusNotFound)
		return
	}
	writeJSON(w, info)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tunnel.ErrAgentNotConnected), errors.Is(err, tunnel.ErrServiceOffline):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, tunnel.ErrBadExpose):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, tunnel.ErrServiceConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, tunnel.ErrPortUnavailable), errors.Is(err, ports.ErrNoPortsAvailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
