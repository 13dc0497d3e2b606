package cli

import (
	"github.com/anstrom/tracex/internal/config"
	"github.com/anstrom/tracex/internal/discovery"
	"github.com/anstrom/tracex/internal/discovery/pcapio"
	"github.com/anstrom/tracex/internal/events"
	"github.com/anstrom/tracex/internal/logging"
	"github.com/anstrom/tracex/internal/metrics"
	"github.com/anstrom/tracex/internal/orchestrator"
	"github.com/anstrom/tracex/internal/oui"
	"github.com/anstrom/tracex/internal/resolve"
	"github.com/anstrom/tracex/internal/scanning"
)

// stack is the set of components a command works with.
type stack struct {
	cfg       *config.Config
	logger    *logging.Logger
	metrics   *metrics.PrometheusMetrics
	vendors   *oui.Service
	refresher *oui.Refresher
	orch      *orchestrator.Orchestrator
}

// newVendors builds the vendor table service for cfg.
func newVendors(cfg *config.Config, logger *logging.Logger, m *metrics.PrometheusMetrics) (*oui.Service, *oui.Refresher) {
	opts := []oui.Option{
		oui.WithLogger(logger.WithComponent("oui")),
		oui.WithMetrics(m),
	}
	if cfg.Vendor.AutoDownload {
		opts = append(opts, oui.WithAutoDownload(cfg.Vendor.SourceURL, nil))
	}
	service := oui.NewService(cfg.Vendor.File, opts...)
	return service, oui.NewRefresher(service, cfg.Vendor.SourceURL, nil)
}

// newDiscoverer returns the discovery backend selected by discovery.method.
func newDiscoverer(cfg *config.Config, logger *logging.Logger, m *metrics.PrometheusMetrics) orchestrator.Discoverer {
	if cfg.Discovery.Method == discovery.MethodNmap {
		return discovery.NewNmapDiscoverer(cfg.Discovery.MaxPrefixBits, 0, nil).
			WithLogger(logger.WithComponent("discovery")).
			WithMetrics(m)
	}
	return discovery.NewEngine(discovery.Config{
		ListenWindow:  cfg.Discovery.ListenWindow,
		MaxPrefixBits: cfg.Discovery.MaxPrefixBits,
		Interface:     cfg.Discovery.Interface,
		ReadTimeout:   discovery.DefaultReadTimeout,
	}, pcapio.Open,
		discovery.WithLogger(logger.WithComponent("discovery")),
		discovery.WithMetrics(m))
}

// newStack wires discovery, scanning, vendors and optional hostname
// lookups into an orchestrator that reports to sink.
func newStack(cfg *config.Config, sink events.Sink) (*stack, error) {
	logger := logging.Default()
	m := metrics.GetGlobalMetrics()

	ports, err := scanning.ParsePortSpec(cfg.Scanning.Ports)
	if err != nil {
		return nil, err
	}
	scanner := scanning.NewScanner(scanning.Config{
		Ports:       ports,
		Concurrency: cfg.Scanning.PortConcurrency,
		Timeout:     cfg.Scanning.Timeout,
	}, scanning.WithLogger(logger.WithComponent("scanner")), scanning.WithMetrics(m))

	vendors, refresher := newVendors(cfg, logger, m)

	opts := []orchestrator.Option{
		orchestrator.WithVendors(vendors),
		orchestrator.WithSink(sink),
		orchestrator.WithLogger(logger.WithComponent("orchestrator")),
		orchestrator.WithMetrics(m),
	}
	if cfg.Discovery.DefaultRange != "" {
		fixed := cfg.Discovery.DefaultRange
		opts = append(opts, orchestrator.WithLocalRange(func() (string, error) { return fixed, nil }))
	}
	if cfg.Scanning.ResolveHostnames {
		resolver, err := resolve.New(cfg.Scanning.DNSServer, resolve.DefaultTimeout)
		if err != nil {
			return nil, err
		}
		opts = append(opts, orchestrator.WithResolver(resolver))
	}

	orch := orchestrator.New(orchestrator.Config{
		HostConcurrency:  cfg.Scanning.HostConcurrency,
		ResolveHostnames: cfg.Scanning.ResolveHostnames,
	}, newDiscoverer(cfg, logger, m), scanner, opts...)

	return &stack{
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		vendors:   vendors,
		refresher: refresher,
		orch:      orch,
	}, nil
}
