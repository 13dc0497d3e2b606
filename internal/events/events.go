// Package events defines the progress and result notifications produced by
// a scan session and the sinks that carry them to a transport.
package events

import (
	"sync"
	"time"
)

// Type identifies an event on the wire.
type Type string

const (
	TypeStatusUpdate   Type = "status_update"
	TypeHostDiscovered Type = "host_discovered"
	TypeScanResult     Type = "scan_result"
	TypeScanComplete   Type = "scan_complete"
	TypeSessionState   Type = "session_state"
)

// Level grades a status update.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Event is one notification. Data holds one of the payload types below.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// StatusUpdate is a human-readable progress message.
type StatusUpdate struct {
	Message string `json:"message"`
	Level   Level  `json:"level"`
}

// HostDiscovered announces a host as soon as discovery sees it.
type HostDiscovered struct {
	IP     string `json:"ip"`
	MAC    string `json:"mac"`
	Vendor string `json:"vendor"`
}

// Port is an open port in a scan result.
type Port struct {
	Port    int    `json:"port"`
	Service string `json:"service"`
}

// ScanResult is the finished record for one host.
type ScanResult struct {
	IP         string `json:"ip"`
	MAC        string `json:"mac,omitempty"`
	Vendor     string `json:"vendor,omitempty"`
	Hostname   string `json:"hostname,omitempty"`
	DeviceType string `json:"device_type"`
	Ports      []Port `json:"ports"`
}

// ScanComplete closes a port scan phase.
type ScanComplete struct {
	Scanned   int  `json:"scanned"`
	Total     int  `json:"total"`
	Cancelled bool `json:"cancelled"`
}

// SessionState reports a session status transition.
type SessionState struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

func newEvent(t Type, data any) Event {
	return Event{Type: t, Timestamp: time.Now().UTC(), Data: data}
}

// Status builds a status_update event.
func Status(level Level, message string) Event {
	return newEvent(TypeStatusUpdate, StatusUpdate{Message: message, Level: level})
}

// Discovered builds a host_discovered event.
func Discovered(h HostDiscovered) Event {
	return newEvent(TypeHostDiscovered, h)
}

// Result builds a scan_result event.
func Result(r ScanResult) Event {
	if r.Ports == nil {
		r.Ports = []Port{}
	}
	return newEvent(TypeScanResult, r)
}

// Complete builds a scan_complete event.
func Complete(c ScanComplete) Event {
	return newEvent(TypeScanComplete, c)
}

// State builds a session_state event.
func State(s SessionState) Event {
	e := newEvent(TypeSessionState, s)
	e.SessionID = s.SessionID
	return e
}

// Sink receives events. Emit may be called from many goroutines at once.
type Sink interface {
	Emit(e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(e Event)

// Emit calls f.
func (f SinkFunc) Emit(e Event) {
	f(e)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Multi fans each event out to every sink in order.
type Multi []Sink

// Emit forwards e to each sink.
func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// Recorder keeps every event it receives.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit appends e.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events of type t in arrival order.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
