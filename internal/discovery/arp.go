package discovery

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/anstrom/tracex/internal/errors"
	"github.com/anstrom/tracex/internal/logging"
	"github.com/anstrom/tracex/internal/metrics"
	"github.com/anstrom/tracex/internal/netinfo"
)

var broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Config represents ARP discovery configuration.
type Config struct {
	// ListenWindow is how long replies are collected after sending.
	ListenWindow time.Duration
	// MaxPrefixBits is the smallest accepted prefix length.
	MaxPrefixBits int
	// Interface forces the outgoing interface; empty picks one in range.
	Interface string
	// ReadTimeout bounds a single transport read.
	ReadTimeout time.Duration
}

// DefaultConfig returns the default ARP discovery configuration.
func DefaultConfig() Config {
	return Config{
		ListenWindow:  DefaultListenWindow,
		MaxPrefixBits: DefaultMaxPrefixBits,
		ReadTimeout:   DefaultReadTimeout,
	}
}

// InterfaceSelector picks the local interface for a target range.
type InterfaceSelector func(target *net.IPNet, name string) (*netinfo.Interface, error)

// Engine discovers hosts by broadcasting ARP requests.
type Engine struct {
	config      Config
	open        Opener
	selectIface InterfaceSelector
	privileged  func() bool
	logger      *logging.Logger
	metrics     *metrics.PrometheusMetrics
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithInterfaceSelector replaces the interface lookup.
func WithInterfaceSelector(sel InterfaceSelector) EngineOption {
	return func(e *Engine) {
		e.selectIface = sel
	}
}

// WithPrivilegeCheck replaces the effective-uid check.
func WithPrivilegeCheck(check func() bool) EngineOption {
	return func(e *Engine) {
		e.privileged = check
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.PrometheusMetrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine creates an ARP discovery engine that opens frames through open.
func NewEngine(config Config, open Opener, opts ...EngineOption) *Engine {
	defaults := DefaultConfig()
	if config.ListenWindow <= 0 {
		config.ListenWindow = defaults.ListenWindow
	}
	if config.MaxPrefixBits <= 0 {
		config.MaxPrefixBits = defaults.MaxPrefixBits
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}

	e := &Engine{
		config:      config,
		open:        open,
		selectIface: netinfo.InterfaceForRange,
		privileged:  func() bool { return os.Geteuid() == 0 },
		logger:      logging.Default().WithComponent("discovery"),
		metrics:     metrics.GetGlobalMetrics(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Discover broadcasts one ARP request per address in cidr, then collects
// replies for the listen window. Hosts that stay silent are simply absent.
func (e *Engine) Discover(ctx context.Context, cidr string, onHost func(Host)) ([]Host, error) {
	start := time.Now()

	hosts, err := e.discover(ctx, cidr, onHost)

	status := "success"
	if err != nil {
		status = string(errors.GetCode(err))
	}
	e.metrics.IncrementDiscoveryTotal(MethodARP, status)
	e.metrics.RecordDiscoveryDuration(MethodARP, time.Since(start))
	e.metrics.IncrementHostsDiscovered(MethodARP, len(hosts))

	if err != nil {
		e.logger.ErrorDiscovery("ARP discovery failed", cidr, err)
		return hosts, err
	}
	e.logger.InfoDiscovery("ARP discovery finished", cidr,
		"hosts", len(hosts), "duration", time.Since(start))
	return hosts, nil
}

func (e *Engine) discover(ctx context.Context, cidr string, onHost func(Host)) ([]Host, error) {
	target, err := ParseRange(cidr, e.config.MaxPrefixBits)
	if err != nil {
		return nil, err
	}

	if !e.privileged() {
		return nil, errors.ErrPermissionDenied(cidr, fmt.Errorf("effective uid %d is not root", os.Geteuid()))
	}

	iface, err := e.selectIface(target, e.config.Interface)
	if err != nil {
		return nil, err
	}
	if len(iface.HardwareAddr) == 0 {
		return nil, errors.NewDiscoveryError(errors.CodeDiscoveryFailed,
			fmt.Sprintf("interface %s has no hardware address", iface.Name), cidr)
	}

	transport, err := e.open(iface.Name, e.config.ReadTimeout)
	if err != nil {
		if stderrors.Is(err, ErrTransportPermission) {
			return nil, errors.ErrPermissionDenied(cidr, err)
		}
		return nil, errors.WrapDiscoveryError(errors.CodeDiscoveryFailed,
			fmt.Sprintf("cannot open interface %s", iface.Name), cidr, err)
	}
	defer transport.Close()

	e.logger.Debug("Starting ARP sweep",
		"network", cidr, "interface", iface.Name, "source_ip", iface.IP.String())

	l := &listener{
		transport: transport,
		target:    target,
		localIP:   iface.IP,
		onHost:    onHost,
		set:       newHostSet(),
		stop:      make(chan struct{}),
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.run()
	}()

	sendErr := e.sendRequests(ctx, transport, iface, target)
	if sendErr == nil {
		timer := time.NewTimer(e.config.ListenWindow)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}
	close(l.stop)
	wg.Wait()

	hosts := l.hosts()
	if sendErr != nil {
		return hosts, sendErr
	}
	if ctx.Err() != nil {
		return hosts, errors.WrapDiscoveryError(errors.CodeCanceled, "discovery interrupted", cidr, ctx.Err())
	}
	return hosts, nil
}

func (e *Engine) sendRequests(ctx context.Context, t Transport, iface *netinfo.Interface, target *net.IPNet) error {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	for _, dst := range Addresses(target) {
		if ctx.Err() != nil {
			return errors.WrapDiscoveryError(errors.CodeCanceled, "discovery interrupted", target.String(), ctx.Err())
		}
		if dst.Equal(iface.IP) {
			continue
		}

		frame, err := buildRequest(buf, opts, iface.HardwareAddr, iface.IP, dst)
		if err != nil {
			return errors.WrapDiscoveryError(errors.CodeDiscoveryFailed, "failed to build ARP request", target.String(), err)
		}
		if err := t.WritePacketData(frame); err != nil {
			return errors.WrapDiscoveryError(errors.CodeDiscoveryFailed,
				fmt.Sprintf("failed to send ARP request to %s", dst), target.String(), err)
		}
	}
	return nil
}

func buildRequest(buf gopacket.SerializeBuffer, opts gopacket.SerializeOptions,
	srcMAC net.HardwareAddr, srcIP, dstIP net.IP) ([]byte, error) {
	eth := layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       broadcastMAC,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte(srcMAC),
		SourceProtAddress: []byte(srcIP.To4()),
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    []byte(dstIP.To4()),
	}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &arp); err != nil {
		return nil, err
	}
	// The buffer is reused for the next frame, so hand out a copy.
	frame := make([]byte, len(buf.Bytes()))
	copy(frame, buf.Bytes())
	return frame, nil
}

// listener reads frames until stop is closed and records ARP replies from
// inside the target range.
type listener struct {
	transport Transport
	target    *net.IPNet
	localIP   net.IP
	onHost    func(Host)

	mu   sync.Mutex
	set  *hostSet
	stop chan struct{}
}

func (l *listener) run() {
	for {
		select {
		case <-l.stop:
			return
		default:
		}

		data, _, err := l.transport.ReadPacketData()
		if err != nil {
			if stderrors.Is(err, ErrReadTimeout) {
				continue
			}
			// Back off on hard read errors until the window closes.
			select {
			case <-l.stop:
			case <-time.After(DefaultReadTimeout):
			}
			continue
		}
		if host, ok := l.parse(data); ok {
			l.record(host)
		}
	}
}

func (l *listener) parse(data []byte) (Host, bool) {
	packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)
	arpLayer := packet.Layer(layers.LayerTypeARP)
	if arpLayer == nil {
		return Host{}, false
	}
	arp, ok := arpLayer.(*layers.ARP)
	if !ok || arp.Operation != layers.ARPReply {
		return Host{}, false
	}

	ip := net.IP(arp.SourceProtAddress).To4()
	if !ipInRange(ip, l.target) || ip.Equal(l.localIP) {
		return Host{}, false
	}
	return Host{
		IP:  ip.String(),
		MAC: net.HardwareAddr(arp.SourceHwAddress).String(),
	}, true
}

func (l *listener) record(h Host) {
	l.mu.Lock()
	added := l.set.add(h)
	l.mu.Unlock()
	if added && l.onHost != nil {
		l.onHost(h)
	}
}

func (l *listener) hosts() []Host {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.set.list()
}
