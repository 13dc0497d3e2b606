package orchestrator

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anstrom/tracex/internal/discovery"
	"github.com/anstrom/tracex/internal/scanning"
)

// Status is the lifecycle state of a scan session.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusDiscovering Status = "discovering"
	StatusScanning    Status = "scanning"
	StatusDone        Status = "done"
	StatusCancelled   Status = "cancelled"
	StatusFailed      Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusCancelled || s == StatusFailed
}

// canTransition encodes idle -> discovering -> scanning -> done, with
// cancelled and failed reachable from any non-terminal state. Scan-only
// sessions go straight from idle to scanning; discovery-only sessions end
// after discovering.
func canTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusCancelled, StatusFailed:
		return true
	case StatusDiscovering:
		return from == StatusIdle
	case StatusScanning:
		return from == StatusIdle || from == StatusDiscovering
	case StatusDone:
		return from == StatusDiscovering || from == StatusScanning
	default:
		return false
	}
}

// HostRecord is the finished scan record of one host.
type HostRecord struct {
	IP         string              `json:"ip"`
	MAC        string              `json:"mac,omitempty"`
	Vendor     string              `json:"vendor,omitempty"`
	Hostname   string              `json:"hostname,omitempty"`
	DeviceType string              `json:"device_type"`
	Ports      []scanning.OpenPort `json:"ports"`
}

// Session is a point-in-time copy of a scan session.
type Session struct {
	ID         string                `json:"id"`
	Kind       string                `json:"kind"`
	Range      string                `json:"range,omitempty"`
	GatewayIP  string                `json:"gateway_ip,omitempty"`
	Status     Status                `json:"status"`
	Reason     string                `json:"reason,omitempty"`
	Discovered []discovery.Host      `json:"discovered"`
	Hosts      map[string]HostRecord `json:"hosts"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt *time.Time            `json:"finished_at,omitempty"`
}

// Records returns the host records sorted by IP address.
func (s *Session) Records() []HostRecord {
	out := make([]HostRecord, 0, len(s.Hosts))
	for _, r := range s.Hosts {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return ipLess(out[i].IP, out[j].IP) })
	return out
}

// session is the mutable state behind a Session. Only the Orchestrator
// changes it.
type session struct {
	id        string
	kind      string
	cancelled atomic.Bool

	mu         sync.Mutex
	rangeCIDR  string
	gatewayIP  string
	status     Status
	reason     string
	discovered []discovery.Host
	seen       map[string]struct{}
	hosts      map[string]HostRecord
	order      []string
	startedAt  time.Time
	finishedAt time.Time
}

func newSession(id, kind string) *session {
	return &session{
		id:        id,
		kind:      kind,
		status:    StatusIdle,
		seen:      make(map[string]struct{}),
		hosts:     make(map[string]HostRecord),
		startedAt: time.Now().UTC(),
	}
}

func (s *session) getStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// setStatus applies a transition and reports whether it was allowed.
func (s *session) setStatus(to Status, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.status, to) {
		return false
	}
	s.status = to
	s.reason = reason
	if to.Terminal() {
		s.finishedAt = time.Now().UTC()
	}
	return true
}

func (s *session) setRange(cidr string) {
	s.mu.Lock()
	s.rangeCIDR = cidr
	s.mu.Unlock()
}

func (s *session) setGateway(ip string) {
	s.mu.Lock()
	s.gatewayIP = ip
	s.mu.Unlock()
}

func (s *session) gateway() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gatewayIP
}

// addDiscovered reports whether h is the first host seen with its IP.
func (s *session) addDiscovered(h discovery.Host) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[h.IP]; ok {
		return false
	}
	s.seen[h.IP] = struct{}{}
	s.discovered = append(s.discovered, h)
	return true
}

func (s *session) addRecord(r HostRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hosts[r.IP]; !ok {
		s.order = append(s.order, r.IP)
	}
	s.hosts[r.IP] = r
}

// records returns host records in completion order.
func (s *session) records() []HostRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HostRecord, 0, len(s.order))
	for _, ip := range s.order {
		out = append(out, s.hosts[ip])
	}
	return out
}

func (s *session) snapshot() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &Session{
		ID:         s.id,
		Kind:       s.kind,
		Range:      s.rangeCIDR,
		GatewayIP:  s.gatewayIP,
		Status:     s.status,
		Reason:     s.reason,
		Discovered: append([]discovery.Host{}, s.discovered...),
		Hosts:      make(map[string]HostRecord, len(s.hosts)),
		StartedAt:  s.startedAt,
	}
	for ip, r := range s.hosts {
		snap.Hosts[ip] = r
	}
	if !s.finishedAt.IsZero() {
		t := s.finishedAt
		snap.FinishedAt = &t
	}
	return snap
}
