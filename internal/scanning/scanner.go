package scanning

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/anstrom/tracex/internal/errors"
	"github.com/anstrom/tracex/internal/logging"
	"github.com/anstrom/tracex/internal/metrics"
	"github.com/anstrom/tracex/internal/workers"
)

// DefaultConcurrency bounds connect attempts in flight per host.
const DefaultConcurrency = 200

// Config holds per-host scan settings.
type Config struct {
	// Ports to probe; nil means every port.
	Ports PortSpec
	// Concurrency is the maximum number of connect attempts in flight.
	Concurrency int
	// Timeout bounds each connect attempt.
	Timeout time.Duration
}

// DefaultConfig returns a full-range scan with the default limits.
func DefaultConfig() Config {
	return Config{
		Ports:       AllPorts(),
		Concurrency: DefaultConcurrency,
		Timeout:     DefaultTimeout,
	}
}

// Scanner runs bounded connect sweeps against single hosts.
type Scanner struct {
	config   Config
	prober   Prober
	services *ServiceTable
	logger   *logging.Logger
	metrics  *metrics.PrometheusMetrics
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithProber replaces the TCP connect prober.
func WithProber(p Prober) Option {
	return func(s *Scanner) {
		s.prober = p
	}
}

// WithServices replaces the service name table.
func WithServices(t *ServiceTable) Option {
	return func(s *Scanner) {
		s.services = t
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scanner) {
		s.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(s *Scanner) {
		s.metrics = m
	}
}

// NewScanner creates a scanner. Zero config fields fall back to defaults.
func NewScanner(config Config, opts ...Option) *Scanner {
	if len(config.Ports) == 0 {
		config.Ports = AllPorts()
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}

	s := &Scanner{
		config:  config,
		logger:  logging.Default().WithComponent("scanner"),
		metrics: metrics.GetGlobalMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.prober == nil {
		s.prober = NewTCPProber(config.Timeout)
	}
	if s.services == nil {
		s.services = DefaultServices()
	}
	return s
}

// Config returns the effective configuration.
func (s *Scanner) Config() Config {
	return s.config
}

// Scan probes every configured port on ip. A result is always returned.
// Individual port failures are never errors; the only errors are an invalid
// ip and ctx ending before every port was dispatched, in which case the
// result holds what was found so far.
func (s *Scanner) Scan(ctx context.Context, ip string) (*HostResult, error) {
	start := time.Now()
	result := &HostResult{IP: ip, Ports: []OpenPort{}}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return result, errors.ErrInvalidTarget(ip)
	}

	s.metrics.IncActiveHostScans()
	defer s.metrics.DecActiveHostScans()

	pool := workers.New(workers.Config{
		Name: "ports",
		Size: s.config.Concurrency,
	})

	var (
		mu       sync.Mutex
		open     = make([]OpenPort, 0, 8)
		outcomes = make(map[Outcome]int, 4)
	)

	var dispatchErr error
	for _, port := range s.config.Ports {
		port := port
		job := workers.NewFunc(strconv.Itoa(port), "probe", func(ctx context.Context) error {
			outcome := s.prober.Probe(ctx, ip, port)
			mu.Lock()
			outcomes[outcome]++
			if outcome == OutcomeOpen {
				open = append(open, OpenPort{Port: port, Service: s.services.Name(port)})
			}
			mu.Unlock()
			return nil
		})
		if err := pool.Submit(ctx, job, nil); err != nil {
			dispatchErr = err
			break
		}
	}
	pool.Wait()

	result.Ports = sortPorts(open)
	result.Duration = time.Since(start)
	result.Outcomes = make(map[string]int, len(outcomes))
	for outcome, n := range outcomes {
		result.Outcomes[outcome.String()] = n
		result.Probed += n
		s.metrics.IncrementPortProbes(outcome.String(), n)
	}
	s.metrics.RecordHostScanDuration(result.Duration)

	if dispatchErr != nil {
		s.metrics.IncrementHostsScanned("canceled")
		s.logger.Warn("Port scan interrupted", "ip", ip, "probed", result.Probed, "error", dispatchErr)
		return result, errors.WrapScanErrorWithTarget(errors.CodeCanceled, "port scan interrupted", ip, dispatchErr)
	}

	s.metrics.IncrementHostsScanned("success")
	s.logger.Debug("Port scan finished",
		"ip", ip, "open_ports", len(result.Ports), "probed", result.Probed, "duration", result.Duration)
	return result, nil
}

// ResolveTarget turns an IP or hostname into an IPv4 address string.
func ResolveTarget(ctx context.Context, target string) (string, error) {
	if ip := net.ParseIP(target); ip != nil {
		if ip.To4() == nil {
			return "", errors.ErrInvalidTarget(target).WithContext("reason", "only IPv4 targets are supported")
		}
		return ip.String(), nil
	}
	if target == "" {
		return "", errors.ErrInvalidTarget(target)
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, target)
	if err != nil {
		return "", errors.WrapScanErrorWithTarget(errors.CodeTargetInvalid,
			fmt.Sprintf("cannot resolve %s", target), target, err)
	}
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return "", errors.NewScanErrorWithTarget(errors.CodeTargetInvalid, "no IPv4 address for host", target)
}
