// Package orchestrator sequences host discovery, per-host port scanning and
// device classification into scan sessions, streaming progress and results
// to an event sink as they happen.
package orchestrator

//go:generate mockgen -source=orchestrator.go -destination=mocks/mock_orchestrator.go -package=mocks
//go:generate mockgen -destination=mocks/mock_discoverer.go -package=mocks github.com/anstrom/tracex/internal/discovery Discoverer

import (
	"bytes"
	"context"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/anstrom/tracex/internal/discovery"
	"github.com/anstrom/tracex/internal/errors"
	"github.com/anstrom/tracex/internal/events"
	"github.com/anstrom/tracex/internal/logging"
	"github.com/anstrom/tracex/internal/metrics"
	"github.com/anstrom/tracex/internal/netinfo"
	"github.com/anstrom/tracex/internal/scanning"
)

const (
	// DefaultHostConcurrency bounds simultaneous host scans.
	DefaultHostConcurrency = 40

	// VendorUnknown is shown in host_discovered when no vendor is known.
	VendorUnknown = "N/A"

	KindDiscovery = "discovery"
	KindPortScan  = "port_scan"
	KindTarget    = "target"
	KindRun       = "run"
)

// Discoverer finds live hosts in a range.
type Discoverer = discovery.Discoverer

// PortScanner scans all configured ports of one host.
type PortScanner interface {
	Scan(ctx context.Context, ip string) (*scanning.HostResult, error)
}

// VendorLookup maps a hardware address to a manufacturer.
type VendorLookup interface {
	Lookup(mac string) (string, bool)
}

// HostnameResolver returns the reverse DNS name of an address.
type HostnameResolver interface {
	LookupHostname(ctx context.Context, ip string) (string, error)
}

// Config holds orchestrator tuning.
type Config struct {
	// HostConcurrency bounds simultaneous host scans.
	HostConcurrency int
	// ResolveHostnames enables PTR lookups for scanned hosts.
	ResolveHostnames bool
}

// Orchestrator runs at most one scan session at a time.
type Orchestrator struct {
	config        Config
	discoverer    Discoverer
	scanner       PortScanner
	vendors       VendorLookup
	resolver      HostnameResolver
	sink          events.Sink
	gateway       func() (net.IP, error)
	localRange    func() (string, error)
	resolveTarget func(ctx context.Context, target string) (string, error)
	logger        *logging.Logger
	metrics       *metrics.PrometheusMetrics

	mu      sync.Mutex
	current *session
	bg      sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithVendors sets the vendor lookup used for host_discovered events and
// classification.
func WithVendors(v VendorLookup) Option {
	return func(o *Orchestrator) {
		o.vendors = v
	}
}

// WithResolver sets the hostname resolver.
func WithResolver(r HostnameResolver) Option {
	return func(o *Orchestrator) {
		o.resolver = r
	}
}

// WithSink sets where events go.
func WithSink(s events.Sink) Option {
	return func(o *Orchestrator) {
		o.sink = s
	}
}

// WithGateway replaces the default-gateway lookup.
func WithGateway(fn func() (net.IP, error)) Option {
	return func(o *Orchestrator) {
		o.gateway = fn
	}
}

// WithLocalRange replaces the lookup used when no range is given.
func WithLocalRange(fn func() (string, error)) Option {
	return func(o *Orchestrator) {
		o.localRange = fn
	}
}

// WithTargetResolver replaces the single-target name resolution.
func WithTargetResolver(fn func(ctx context.Context, target string) (string, error)) Option {
	return func(o *Orchestrator) {
		o.resolveTarget = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// New creates an orchestrator over the given discovery and scanning engines.
func New(config Config, discoverer Discoverer, scanner PortScanner, opts ...Option) *Orchestrator {
	if config.HostConcurrency <= 0 {
		config.HostConcurrency = DefaultHostConcurrency
	}
	o := &Orchestrator{
		config:        config,
		discoverer:    discoverer,
		scanner:       scanner,
		sink:          events.Discard,
		gateway:       netinfo.GatewayAddress,
		localRange:    netinfo.ResolveLocalRange,
		resolveTarget: scanning.ResolveTarget,
		logger:        logging.Default().WithComponent("orchestrator"),
		metrics:       metrics.GetGlobalMetrics(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Session returns a snapshot of the current or most recent session, or nil
// if none has run.
func (o *Orchestrator) Session() *Session {
	o.mu.Lock()
	s := o.current
	o.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.snapshot()
}

// Busy reports whether a session is in progress.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current != nil && !o.current.getStatus().Terminal()
}

// Cancel requests cooperative cancellation of the running session. Host
// scans already dispatched run to completion; no new ones start. It reports
// whether a session was running.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	s := o.current
	o.mu.Unlock()
	if s == nil || s.getStatus().Terminal() {
		return false
	}
	if s.cancelled.CompareAndSwap(false, true) {
		o.logger.WithSession(s.id).Info("Cancellation requested")
		o.emit(s, events.Status(events.LevelWarning, "Cancellation requested, finishing in-flight hosts"))
	}
	return true
}

// Wait blocks until every session started with a Start method has ended.
func (o *Orchestrator) Wait() {
	o.bg.Wait()
}

// begin registers a new session, failing with BUSY if one is running.
func (o *Orchestrator) begin(kind string) (*session, error) {
	o.mu.Lock()
	if o.current != nil && !o.current.getStatus().Terminal() {
		id := o.current.id
		o.mu.Unlock()
		return nil, errors.ErrBusy(id)
	}
	s := newSession(uuid.NewString(), kind)
	o.current = s
	o.mu.Unlock()

	o.logger.WithSession(s.id).Debug("Session created", "kind", kind)
	o.emit(s, events.State(events.SessionState{SessionID: s.id, Status: string(StatusIdle)}))
	return s, nil
}

// transition moves s to status and announces it.
func (o *Orchestrator) transition(s *session, to Status, reason string) {
	from := s.getStatus()
	if !s.setStatus(to, reason) {
		o.logger.WithSession(s.id).Warn("Ignoring invalid session transition", "from", from, "to", to)
		return
	}
	if to.Terminal() {
		o.metrics.IncrementSessions(string(to))
	}
	o.logger.WithSession(s.id).Debug("Session transition", "from", from, "to", to, "reason", reason)
	o.emit(s, events.State(events.SessionState{SessionID: s.id, Status: string(to), Reason: reason}))
}

// fail ends s with the reason taken from err.
func (o *Orchestrator) fail(s *session, err error) {
	o.emit(s, events.Status(events.LevelError, err.Error()))
	o.transition(s, StatusFailed, err.Error())
}

func (o *Orchestrator) emit(s *session, e events.Event) {
	e.SessionID = s.id
	o.sink.Emit(e)
}

// start runs fn for a registered session in the background.
func (o *Orchestrator) start(s *session, fn func()) string {
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		fn()
	}()
	return s.id
}

// StartDiscovery begins a discovery session in the background and returns
// its id. An empty cidr uses the local range.
func (o *Orchestrator) StartDiscovery(ctx context.Context, cidr string) (string, error) {
	s, err := o.begin(KindDiscovery)
	if err != nil {
		return "", err
	}
	return o.start(s, func() { _, _ = o.runDiscovery(ctx, s, cidr) }), nil
}

// StartPortScan begins scanning hosts in the background and returns the
// session id.
func (o *Orchestrator) StartPortScan(ctx context.Context, hosts []discovery.Host) (string, error) {
	s, err := o.begin(KindPortScan)
	if err != nil {
		return "", err
	}
	return o.start(s, func() { _, _ = o.runPortScan(ctx, s, hosts) }), nil
}

// StartScanTarget begins a single-host scan in the background.
func (o *Orchestrator) StartScanTarget(ctx context.Context, target string) (string, error) {
	s, err := o.begin(KindTarget)
	if err != nil {
		return "", err
	}
	return o.start(s, func() { _, _ = o.runTarget(ctx, s, target) }), nil
}

// StartRun begins discovery followed by port scanning in the background.
func (o *Orchestrator) StartRun(ctx context.Context, cidr string) (string, error) {
	s, err := o.begin(KindRun)
	if err != nil {
		return "", err
	}
	return o.start(s, func() { _ = o.run(ctx, s, cidr) }), nil
}

// Discover finds hosts in cidr, emitting host_discovered for each.
func (o *Orchestrator) Discover(ctx context.Context, cidr string) ([]discovery.Host, error) {
	s, err := o.begin(KindDiscovery)
	if err != nil {
		return nil, err
	}
	return o.runDiscovery(ctx, s, cidr)
}

// ScanHosts port-scans and classifies hosts, emitting scan_result as each
// finishes. Records are returned in completion order.
func (o *Orchestrator) ScanHosts(ctx context.Context, hosts []discovery.Host) ([]HostRecord, error) {
	s, err := o.begin(KindPortScan)
	if err != nil {
		return nil, err
	}
	return o.runPortScan(ctx, s, hosts)
}

// ScanTarget resolves target and scans it without discovery.
func (o *Orchestrator) ScanTarget(ctx context.Context, target string) (*HostRecord, error) {
	s, err := o.begin(KindTarget)
	if err != nil {
		return nil, err
	}
	return o.runTarget(ctx, s, target)
}

// Run discovers hosts in cidr and scans every one of them.
func (o *Orchestrator) Run(ctx context.Context, cidr string) (*Session, error) {
	s, err := o.begin(KindRun)
	if err != nil {
		return nil, err
	}
	err = o.run(ctx, s, cidr)
	return s.snapshot(), err
}

func ipLess(a, b string) bool {
	ia, ib := net.ParseIP(a).To4(), net.ParseIP(b).To4()
	if ia == nil || ib == nil {
		return a < b
	}
	return bytes.Compare(ia, ib) < 0
}
