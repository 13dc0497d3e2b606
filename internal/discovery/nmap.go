package discovery

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/Ullaakut/nmap/v3"

	"github.com/anstrom/tracex/internal/errors"
	"github.com/anstrom/tracex/internal/logging"
	"github.com/anstrom/tracex/internal/metrics"
)

// defaultNmapTimeout bounds a whole nmap ping sweep.
const defaultNmapTimeout = 2 * time.Minute

// NmapRunner runs nmap with the given options.
type NmapRunner func(ctx context.Context, opts ...nmap.Option) (*nmap.Run, error)

// NmapDiscoverer discovers hosts with an nmap ping scan (-sn).
type NmapDiscoverer struct {
	maxPrefixBits int
	timeout       time.Duration
	run           NmapRunner
	logger        *logging.Logger
	metrics       *metrics.PrometheusMetrics
}

// NewNmapDiscoverer creates an nmap-backed discoverer. A nil runner uses the
// nmap binary on PATH.
func NewNmapDiscoverer(maxPrefixBits int, timeout time.Duration, runner NmapRunner) *NmapDiscoverer {
	if maxPrefixBits <= 0 {
		maxPrefixBits = DefaultMaxPrefixBits
	}
	if timeout <= 0 {
		timeout = defaultNmapTimeout
	}
	d := &NmapDiscoverer{
		maxPrefixBits: maxPrefixBits,
		timeout:       timeout,
		run:           runner,
		logger:        logging.Default().WithComponent("discovery").WithFields("method", MethodNmap),
		metrics:       metrics.GetGlobalMetrics(),
	}
	if d.run == nil {
		d.run = d.runBinary
	}
	return d
}

// WithMetrics sets the metrics sink.
func (d *NmapDiscoverer) WithMetrics(m *metrics.PrometheusMetrics) *NmapDiscoverer {
	d.metrics = m
	return d
}

// WithLogger sets the logger.
func (d *NmapDiscoverer) WithLogger(l *logging.Logger) *NmapDiscoverer {
	d.logger = l
	return d
}

// buildNmapOptions constructs nmap options for a host-discovery-only sweep.
func buildNmapOptions(network string) []nmap.Option {
	return []nmap.Option{
		nmap.WithTargets(network),
		nmap.WithPingScan(), // Host discovery only, no port scan
		nmap.WithTimingTemplate(nmap.TimingAggressive),
	}
}

func (d *NmapDiscoverer) runBinary(ctx context.Context, opts ...nmap.Option) (*nmap.Run, error) {
	scanner, err := nmap.NewScanner(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create nmap scanner: %w", err)
	}

	result, warnings, err := scanner.Run()
	if warnings != nil && len(*warnings) > 0 {
		d.logger.Warn("nmap reported warnings", "warnings", *warnings)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Discover runs the ping scan and reports every up host with a hardware
// address, in nmap's output order.
func (d *NmapDiscoverer) Discover(ctx context.Context, cidr string, onHost func(Host)) ([]Host, error) {
	start := time.Now()
	hosts, err := d.discover(ctx, cidr, onHost)

	status := "success"
	if err != nil {
		status = string(errors.GetCode(err))
	}
	d.metrics.IncrementDiscoveryTotal(MethodNmap, status)
	d.metrics.RecordDiscoveryDuration(MethodNmap, time.Since(start))
	d.metrics.IncrementHostsDiscovered(MethodNmap, len(hosts))

	if err != nil {
		d.logger.ErrorDiscovery("nmap discovery failed", cidr, err)
		return hosts, err
	}
	d.logger.InfoDiscovery("nmap discovery finished", cidr, "hosts", len(hosts), "duration", time.Since(start))
	return hosts, nil
}

func (d *NmapDiscoverer) discover(ctx context.Context, cidr string, onHost func(Host)) ([]Host, error) {
	target, err := ParseRange(cidr, d.maxPrefixBits)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	result, err := d.run(runCtx, buildNmapOptions(target.String())...)
	if err != nil {
		return nil, errors.WrapDiscoveryError(errors.CodeDiscoveryFailed, "nmap discovery failed", cidr, err)
	}

	set := newHostSet()
	for i := range result.Hosts {
		host, ok := convertNmapHost(&result.Hosts[i], target)
		if !ok {
			continue
		}
		if set.add(host) && onHost != nil {
			onHost(host)
		}
	}
	return set.list(), nil
}

// convertNmapHost keeps up hosts inside target that reported a MAC address.
func convertNmapHost(h *nmap.Host, target *net.IPNet) (Host, bool) {
	if h.Status.State != "up" {
		return Host{}, false
	}

	var host Host
	for _, addr := range h.Addresses {
		switch addr.AddrType {
		case "ipv4":
			host.IP = addr.Addr
		case "mac":
			if mac, err := net.ParseMAC(addr.Addr); err == nil {
				host.MAC = mac.String()
				host.Vendor = addr.Vendor
			}
		}
	}
	if host.IP == "" || host.MAC == "" || !ipInRange(net.ParseIP(host.IP), target) {
		return Host{}, false
	}
	return host, true
}
