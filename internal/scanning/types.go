package scanning

import (
	"sort"
	"time"
)

// Outcome is the result of a single connect attempt. Only OutcomeOpen ever
// reaches a scan result; the others are counted and dropped.
type Outcome int

const (
	// OutcomeOpen means the handshake completed.
	OutcomeOpen Outcome = iota
	// OutcomeClosed means the host refused the connection.
	OutcomeClosed
	// OutcomeFiltered means the attempt timed out.
	OutcomeFiltered
	// OutcomeError covers every other transport failure.
	OutcomeError
)

// String returns the outcome label used in logs and metrics.
func (o Outcome) String() string {
	switch o {
	case OutcomeOpen:
		return "open"
	case OutcomeClosed:
		return "closed"
	case OutcomeFiltered:
		return "filtered"
	default:
		return "error"
	}
}

// OpenPort is a port that accepted a connection.
type OpenPort struct {
	Port    int    `json:"port"`
	Service string `json:"service"`
}

// HostResult is the outcome of scanning one host. Ports is always sorted
// ascending with no duplicates, and is empty rather than nil when nothing
// answered.
type HostResult struct {
	IP       string         `json:"ip"`
	Ports    []OpenPort     `json:"ports"`
	Probed   int            `json:"probed"`
	Outcomes map[string]int `json:"outcomes,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// PortNumbers returns just the port numbers of r.
func (r *HostResult) PortNumbers() []int {
	out := make([]int, len(r.Ports))
	for i, p := range r.Ports {
		out[i] = p.Port
	}
	return out
}

// sortPorts orders ports ascending and drops repeated port numbers.
func sortPorts(ports []OpenPort) []OpenPort {
	sort.Slice(ports, func(i, j int) bool { return ports[i].Port < ports[j].Port })
	out := ports[:0]
	for _, p := range ports {
		if len(out) > 0 && out[len(out)-1].Port == p.Port {
			continue
		}
		out = append(out, p)
	}
	return out
}
