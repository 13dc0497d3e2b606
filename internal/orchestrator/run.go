package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/anstrom/tracex/internal/classify"
	"github.com/anstrom/tracex/internal/discovery"
	"github.com/anstrom/tracex/internal/errors"
	"github.com/anstrom/tracex/internal/events"
	"github.com/anstrom/tracex/internal/scanning"
	"github.com/anstrom/tracex/internal/workers"
)

func (o *Orchestrator) run(ctx context.Context, s *session, cidr string) error {
	hosts, err := o.discover(ctx, s, cidr)
	if err != nil {
		return err
	}
	if s.cancelled.Load() {
		o.emit(s, events.Complete(events.ScanComplete{Total: len(hosts), Cancelled: true}))
		o.transition(s, StatusCancelled, "cancelled before port scan")
		return nil
	}
	o.scan(ctx, s, hosts)
	return nil
}

func (o *Orchestrator) runDiscovery(ctx context.Context, s *session, cidr string) ([]discovery.Host, error) {
	hosts, err := o.discover(ctx, s, cidr)
	if err != nil {
		return hosts, err
	}
	o.transition(s, StatusDone, "")
	return hosts, nil
}

func (o *Orchestrator) runPortScan(ctx context.Context, s *session, hosts []discovery.Host) ([]HostRecord, error) {
	if len(hosts) == 0 {
		err := errors.NewScanError(errors.CodeValidation, "no hosts to scan")
		o.fail(s, err)
		return nil, err
	}
	o.scan(ctx, s, hosts)
	return s.records(), nil
}

func (o *Orchestrator) runTarget(ctx context.Context, s *session, target string) (*HostRecord, error) {
	ip, err := o.resolveTarget(ctx, target)
	if err != nil {
		o.fail(s, err)
		return nil, err
	}
	if ip != target {
		o.emit(s, events.Status(events.LevelInfo, fmt.Sprintf("Resolved %s to %s", target, ip)))
	}

	o.scan(ctx, s, []discovery.Host{{IP: ip}})
	records := s.records()
	if len(records) == 0 {
		return nil, errors.WrapScanErrorWithTarget(errors.CodeCanceled, "scan cancelled", target, ctx.Err())
	}
	return &records[0], nil
}

// discover runs the discovery phase. On success at least one host is
// returned and s is left in the discovering state.
func (o *Orchestrator) discover(ctx context.Context, s *session, cidr string) ([]discovery.Host, error) {
	log := o.logger.WithSession(s.id)

	if cidr == "" {
		local, err := o.localRange()
		if err != nil {
			o.fail(s, err)
			return nil, err
		}
		cidr = local
		o.emit(s, events.Status(events.LevelInfo, fmt.Sprintf("Using local network %s", cidr)))
	}
	s.setRange(cidr)
	o.transition(s, StatusDiscovering, "")
	o.emit(s, events.Status(events.LevelInfo, fmt.Sprintf("Discovering hosts on %s...", cidr)))

	announce := func(h discovery.Host) {
		h = o.withVendor(h)
		if !s.addDiscovered(h) {
			return
		}
		vendor := h.Vendor
		if vendor == "" {
			vendor = VendorUnknown
		}
		o.emit(s, events.Discovered(events.HostDiscovered{IP: h.IP, MAC: h.MAC, Vendor: vendor}))
	}

	found, err := o.discoverer.Discover(ctx, cidr, announce)
	if err != nil {
		if errors.IsCode(err, errors.CodeCanceled) || s.cancelled.Load() {
			o.emit(s, events.Status(events.LevelWarning, "Discovery interrupted"))
			o.transition(s, StatusCancelled, err.Error())
			return nil, err
		}
		// A non-fatal failure after hosts answered still scans what was found.
		if errors.IsFatal(err) || (len(found) == 0 && len(s.snapshot().Discovered) == 0) {
			log.ErrorDiscovery("Discovery failed", cidr, err)
			o.fail(s, err)
			return nil, err
		}
		log.Warn("Discovery ended early", "network", cidr, "error", err)
		o.emit(s, events.Status(events.LevelWarning, fmt.Sprintf("Discovery ended early: %v", err)))
	}

	// Backends that do not stream still get one notification per host.
	for _, h := range found {
		announce(h)
	}
	hosts := s.snapshot().Discovered

	if len(hosts) == 0 {
		err := errors.ErrHostUnreachable(cidr)
		o.emit(s, events.Status(events.LevelInfo, fmt.Sprintf("No hosts found on %s", cidr)))
		o.transition(s, StatusFailed, err.Error())
		log.InfoDiscovery("No hosts discovered", cidr)
		return nil, err
	}

	o.emit(s, events.Status(events.LevelSuccess, fmt.Sprintf("Found %d hosts on %s", len(hosts), cidr)))
	log.InfoDiscovery("Discovery complete", cidr, "hosts", len(hosts))
	return hosts, nil
}

// scan runs the port scan phase over hosts and always ends s in a terminal
// state. Duplicate IPs are scanned once.
func (o *Orchestrator) scan(ctx context.Context, s *session, hosts []discovery.Host) {
	log := o.logger.WithSession(s.id)

	o.transition(s, StatusScanning, "")
	if ip, err := o.gateway(); err == nil && ip != nil {
		s.setGateway(ip.String())
	} else {
		log.Debug("No default gateway", "error", err)
	}

	unique := make([]discovery.Host, 0, len(hosts))
	seen := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		if _, ok := seen[h.IP]; ok {
			continue
		}
		seen[h.IP] = struct{}{}
		unique = append(unique, h)
	}

	total := len(unique)
	o.emit(s, events.Status(events.LevelInfo, fmt.Sprintf("Scanning ports on %d hosts...", total)))

	pool := workers.New(workers.Config{Name: "hosts", Size: o.config.HostConcurrency}).WithMetrics(o.metrics)

	var scanned atomic.Int64
	// finish records rec once per host; recorded guards against a second
	// record when delivery of the first one panics.
	finish := func(rec HostRecord, recorded *atomic.Bool) {
		if !recorded.CompareAndSwap(false, true) {
			return
		}
		s.addRecord(rec)
		n := scanned.Add(1)
		o.emit(s, events.Result(toEvent(rec)))
		o.emit(s, events.Status(events.LevelInfo,
			fmt.Sprintf("Scanned %s (%d/%d): %s", rec.IP, n, total, rec.DeviceType)))
	}

	for _, h := range unique {
		if s.cancelled.Load() {
			break
		}
		h := h
		recorded := new(atomic.Bool)
		job := workers.NewFunc(h.IP, "host_scan", func(ctx context.Context) error {
			// Cancel may have arrived while this host waited for a slot.
			if s.cancelled.Load() {
				return nil
			}
			finish(o.scanHost(ctx, s, h), recorded)
			return nil
		})
		onDone := func(r workers.Result) {
			if r.Error == nil {
				return
			}
			if recorded.Load() {
				log.Error("Host result delivery failed", "ip", h.IP, "error", r.Error)
				return
			}
			log.Error("Host scan crashed", "ip", h.IP, "error", r.Error)
			finish(o.degraded(s, h), recorded)
		}
		if err := pool.Submit(ctx, job, onDone); err != nil {
			log.Warn("Host dispatch stopped", "error", err)
			break
		}
	}
	pool.Wait()

	done := int(scanned.Load())
	cancelled := s.cancelled.Load() || done < total
	o.emit(s, events.Complete(events.ScanComplete{Scanned: done, Total: total, Cancelled: cancelled}))

	if cancelled {
		o.emit(s, events.Status(events.LevelWarning, fmt.Sprintf("Scan stopped after %d of %d hosts", done, total)))
		o.transition(s, StatusCancelled, "cancelled")
		return
	}
	o.emit(s, events.Status(events.LevelSuccess, fmt.Sprintf("Scan complete: %d hosts", done)))
	o.transition(s, StatusDone, "")
	log.Info("Scan complete", "hosts", done)
}

// scanHost runs the port scan and classifier for one host. Errors only
// degrade the record.
func (o *Orchestrator) scanHost(ctx context.Context, s *session, h discovery.Host) HostRecord {
	h = o.withVendor(h)
	rec := HostRecord{IP: h.IP, MAC: h.MAC, Vendor: h.Vendor, Ports: []scanning.OpenPort{}}

	result, err := o.scanner.Scan(ctx, h.IP)
	if err != nil {
		o.logger.WithSession(s.id).ErrorScan("Port scan incomplete", h.IP, err)
	}
	if result != nil && result.Ports != nil {
		rec.Ports = result.Ports
	}

	if o.config.ResolveHostnames && o.resolver != nil {
		if name, err := o.resolver.LookupHostname(ctx, h.IP); err == nil {
			rec.Hostname = name
		} else {
			o.logger.WithSession(s.id).Debug("Hostname lookup failed", "ip", h.IP, "error", err)
		}
	}

	rec.DeviceType = o.classify(s, rec)
	return rec
}

// degraded is the record of a host whose scan task failed outright.
func (o *Orchestrator) degraded(s *session, h discovery.Host) HostRecord {
	h = o.withVendor(h)
	rec := HostRecord{IP: h.IP, MAC: h.MAC, Vendor: h.Vendor, Ports: []scanning.OpenPort{}}
	rec.DeviceType = o.classify(s, rec)
	return rec
}

func (o *Orchestrator) classify(s *session, rec HostRecord) string {
	ports := make([]int, len(rec.Ports))
	for i, p := range rec.Ports {
		ports[i] = p.Port
	}
	in := classify.Input{MAC: rec.MAC, Ports: ports, IP: rec.IP, GatewayIP: s.gateway()}
	return classify.Classify(in, func(string) (string, bool) {
		return rec.Vendor, rec.Vendor != ""
	})
}

// withVendor fills h.Vendor from the lookup when discovery left it empty.
func (o *Orchestrator) withVendor(h discovery.Host) discovery.Host {
	if h.Vendor != "" || h.MAC == "" || o.vendors == nil {
		return h
	}
	if v, ok := o.vendors.Lookup(h.MAC); ok {
		h.Vendor = v
	}
	return h
}

func toEvent(rec HostRecord) events.ScanResult {
	ports := make([]events.Port, len(rec.Ports))
	for i, p := range rec.Ports {
		ports[i] = events.Port{Port: p.Port, Service: p.Service}
	}
	return events.ScanResult{
		IP:         rec.IP,
		MAC:        rec.MAC,
		Vendor:     rec.Vendor,
		Hostname:   rec.Hostname,
		DeviceType: rec.DeviceType,
		Ports:      ports,
	}
}
