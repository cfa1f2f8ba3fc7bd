package tunnel

import (
	"net"
	"sort"
	"strconv"
	"time"
)

// AgentInfo describes a connected agent.
type AgentInfo struct {
	AgentID     string    `json:"agentId"`
	RemoteAddr  string    `json:"remoteAddr"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastSeen    time.Time `json:"lastSeen"`
	Services    []string  `json:"services"`
	Relays      int       `json:"relays"`
}

// ServiceInfo describes a bound tunnel listener.
type ServiceInfo struct {
	ServiceID   string    `json:"serviceId"`
	ServiceName string    `json:"serviceName,omitempty"`
	AgentID     string    `json:"agentId"`
	Port        int       `json:"port"`
	TargetHost  string    `json:"targetHost"`
	TargetPort  int       `json:"targetPort"`
	Connections int64     `json:"connections"`
	Accepted    int64     `json:"accepted"`
	StartedAt   time.Time `json:"startedAt"`
}

// RelayInfo describes a registered relay or bridge.
type RelayInfo struct {
	ConnectionID   string    `json:"connectionId"`
	ServiceID      string    `json:"serviceId"`
	Kind           string    `json:"kind"`
	State          string    `json:"state"`
	AgentID        string    `json:"agentId"`
	Peer           string    `json:"peer"`
	Target         string    `json:"target"`
	CreatedAt      time.Time `json:"createdAt"`
	BytesToAgent   int64     `json:"bytesToAgent"`
	BytesFromAgent int64     `json:"bytesFromAgent"`
}

// Status summarizes the engine.
type Status struct {
	StartedAt      time.Time `json:"startedAt"`
	Agents         int       `json:"agents"`
	Services       int       `json:"services"`
	Relays         int       `json:"relays"`
	PortsInUse     int       `json:"portsInUse"`
	PortRangeStart int       `json:"portRangeStart"`
	PortRangeEnd   int       `json:"portRangeEnd"`
	DialTimeout    string    `json:"dialTimeout"`
}

// Agents returns the connected agents ordered by id.
func (h *Hub) Agents() []AgentInfo {
	sessions := h.registry.List()

	relayCount := make(map[*Session]int)
	for _, r := range h.relays.snapshot() {
		relayCount[r.exposer]++
		if ps := r.peer.session(); ps != nil {
			relayCount[ps]++
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]AgentInfo, 0, len(sessions))
	for _, s := range sessions {
		services := make([]string, 0, len(s.listeners))
		for id := range s.listeners {
			services = append(services, id)
		}
		sort.Strings(services)
		out = append(out, AgentInfo{
			AgentID:     s.agentID,
			RemoteAddr:  s.RemoteAddr(),
			ConnectedAt: s.connectedAt,
			LastSeen:    s.LastSeen(),
			Services:    services,
			Relays:      relayCount[s],
		})
	}
	return out
}

// Services returns the bound listeners ordered by port.
func (h *Hub) Services() []ServiceInfo {
	h.mu.Lock()
	listeners := make([]*Listener, 0, len(h.services))
	for _, l := range h.services {
		listeners = append(listeners, l)
	}
	h.mu.Unlock()

	out := make([]ServiceInfo, 0, len(listeners))
	for _, l := range listeners {
		name, host, port := l.Target()
		out = append(out, ServiceInfo{
			ServiceID:   l.ServiceID(),
			ServiceName: name,
			AgentID:     l.owner.agentID,
			Port:        l.Port(),
			TargetHost:  host,
			TargetPort:  port,
			Connections: l.ConnectionCount(),
			Accepted:    l.Accepted(),
			StartedAt:   l.StartedAt(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Relays returns registered relays ordered by creation time.
func (h *Hub) Relays() []RelayInfo {
	relays := h.relays.snapshot()
	out := make([]RelayInfo, 0, len(relays))
	for _, r := range relays {
		out = append(out, r.info())
	}
	return out
}

// Relay returns the relay registered under connID.
func (h *Hub) Relay(connID string) (RelayInfo, bool) {
	r := h.relays.get(connID)
	if r == nil {
		return RelayInfo{}, false
	}
	return r.info(), true
}

// Status returns engine counters.
func (h *Hub) Status() Status {
	h.mu.Lock()
	services := len(h.services)
	h.mu.Unlock()

	start, end := h.allocator.Range()
	return Status{
		StartedAt:      h.startedAt,
		Agents:         len(h.registry.List()),
		Services:       services,
		Relays:         h.relays.len(),
		PortsInUse:     h.allocator.InUse(),
		PortRangeStart: start,
		PortRangeEnd:   end,
		DialTimeout:    h.cfg.DialTimeout.String(),
	}
}

func (r *Relay) info() RelayInfo {
	return RelayInfo{
		ConnectionID:   r.id,
		ServiceID:      r.serviceID,
		Kind:           r.kind,
		State:          r.State().String(),
		AgentID:        r.exposer.agentID,
		Peer:           r.peer.describe(),
		Target:         net.JoinHostPort(r.targetHost, strconv.Itoa(r.targetPort)),
		CreatedAt:      r.createdAt,
		BytesToAgent:   r.toExposer.Load(),
		BytesFromAgent: r.fromExposer.Load(),
	}
}
