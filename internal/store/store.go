// Package store persists service and agent records for the hub.
//
// The state is one YAML document rewritten atomically on every change.
// Only records live here; in-flight connections are never persisted.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/metroo-hub/internal/ports"
)

// FileName is the state file created inside the hub data directory.
const FileName = "hub-state.yaml"

// ErrNotFound is returned for unknown record ids.
var ErrNotFound = errors.New("record not found")

// ServiceStatus is the persisted state of a service.
type ServiceStatus string

const (
	// StatusActive means a tunnel listener was bound for the service.
	StatusActive ServiceStatus = "active"
	// StatusInactive means the service has no listener.
	StatusInactive ServiceStatus = "inactive"
)

// ServiceRecord describes one exposed service.
type ServiceRecord struct {
	ID         string        `yaml:"id"`
	Name       string        `yaml:"name,omitempty"`
	AgentID    string        `yaml:"agent_id"`
	Port       int           `yaml:"port"`
	TargetHost string        `yaml:"target_host"`
	TargetPort int           `yaml:"target_port"`
	Status     ServiceStatus `yaml:"status"`
	UpdatedAt  time.Time     `yaml:"updated_at"`
}

// AgentRecord describes one agent's online state.
type AgentRecord struct {
	ID       string    `yaml:"id"`
	Online   bool      `yaml:"online"`
	LastSeen time.Time `yaml:"last_seen,omitempty"`
}

type document struct {
	Services []ServiceRecord `yaml:"services"`
	Agents   []AgentRecord   `yaml:"agents"`
}

// Store holds records in memory and mirrors them to a file.
// A Store with an empty path never touches the disk.
type Store struct {
	path string

	mu       sync.RWMutex
	services map[string]ServiceRecord
	agents   map[string]AgentRecord
	dirty    bool
	now      func() time.Time
}

// Open loads the state file in dataDir, creating the directory if needed.
// A missing file yields an empty store. An empty dataDir gives a memory-only store.
func Open(dataDir string) (*Store, error) {
	s := &Store{
		services: make(map[string]ServiceRecord),
		agents:   make(map[string]AgentRecord),
		now:      time.Now,
	}
	if dataDir == "" {
		return s, nil
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	s.path = filepath.Join(dataDir, FileName)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse state %s: %w", s.path, err)
	}
	for _, rec := range doc.Services {
		if rec.ID != "" {
			s.services[rec.ID] = rec
		}
	}
	for _, rec := range doc.Agents {
		if rec.ID != "" {
			s.agents[rec.ID] = rec
		}
	}
	return s, nil
}

// Path returns the state file path, or "" for a memory-only store.
func (s *Store) Path() string {
	return s.path
}

// ActiveReservations returns the ports of services that were active when the
// state was last written, owned by their service id.
func (s *Store) ActiveReservations() []ports.Reservation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ports.Reservation
	for _, rec := range s.services {
		if rec.Status == StatusActive && rec.Port > 0 {
			out = append(out, ports.Reservation{Port: rec.Port, Owner: rec.ID})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// ResetOnline marks every agent offline and every service inactive.
// The hub calls it at startup once reservations have been read.
func (s *Store) ResetOnline() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, rec := range s.agents {
		if rec.Online {
			rec.Online = false
			s.agents[id] = rec
		}
	}
	for id, rec := range s.services {
		if rec.Status != StatusInactive {
			rec.Status = StatusInactive
			rec.UpdatedAt = now
			s.services[id] = rec
		}
	}
	return s.saveLocked()
}

// PutService creates or replaces a service record.
func (s *Store) PutService(rec ServiceRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("service id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec.UpdatedAt = s.now()
	s.services[rec.ID] = rec
	return s.saveLocked()
}

// SetServiceStatus updates the status of an existing service.
func (s *Store) SetServiceStatus(serviceID string, status ServiceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.services[serviceID]
	if !ok {
		return fmt.Errorf("%w: service %s", ErrNotFound, serviceID)
	}
	rec.Status = status
	rec.UpdatedAt = s.now()
	s.services[serviceID] = rec
	return s.saveLocked()
}

// Service returns one service record.
func (s *Store) Service(serviceID string) (ServiceRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.services[serviceID]
	return rec, ok
}

// Services returns all service records ordered by id.
func (s *Store) Services() []ServiceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ServiceRecord, 0, len(s.services))
	for _, rec := range s.services {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetAgentOnline records an agent connecting or disconnecting.
func (s *Store) SetAgentOnline(agentID string, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.agents[agentID]
	rec.ID = agentID
	rec.Online = online
	rec.LastSeen = s.now()
	s.agents[agentID] = rec
	return s.saveLocked()
}

// TouchAgent updates last-seen in memory. It is written out with the next
// change or on Flush, so heartbeats do not rewrite the file.
func (s *Store) TouchAgent(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.agents[agentID]
	if !ok {
		return
	}
	rec.LastSeen = s.now()
	s.agents[agentID] = rec
	s.dirty = true
}

// Agent returns one agent record.
func (s *Store) Agent(agentID string) (AgentRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.agents[agentID]
	return rec, ok
}

// Agents returns all agent records ordered by id.
func (s *Store) Agents() []AgentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]AgentRecord, 0, len(s.agents))
	for _, rec := range s.agents {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Flush writes pending in-memory changes.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if s.path == "" {
		s.dirty = false
		return nil
	}

	doc := document{
		Services: make([]ServiceRecord, 0, len(s.services)),
		Agents:   make([]AgentRecord, 0, len(s.agents)),
	}
	for _, rec := range s.services {
		doc.Services = append(doc.Services, rec)
	}
	for _, rec := range s.agents {
		doc.Agents = append(doc.Agents, rec)
	}
	sort.Slice(doc.Services, func(i, j int) bool { return doc.Services[i].ID < doc.Services[j].ID })
	sort.Slice(doc.Agents, func(i, j int) bool { return doc.Agents[i].ID < doc.Agents[j].ID })

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	// Write atomically by writing to temp file first
	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to persist state: %w", err)
	}

	s.dirty = false
	return nil
}
