// Package discovery finds live hosts on a local IPv4 range.
//
// The default Engine broadcasts one ARP request per address and collects the
// replies that arrive within a fixed listen window. NmapDiscoverer is an
// alternative backend driving an nmap ping scan. Both stream each new host to
// a callback as soon as it is seen.
package discovery

import (
	"context"
	stderrors "errors"
	"net"
	"time"

	"github.com/google/gopacket"
)

const (
	// DefaultListenWindow is how long replies are collected after the last
	// request goes out.
	DefaultListenWindow = time.Second

	// DefaultMaxPrefixBits limits ranges to /16 or smaller.
	DefaultMaxPrefixBits = 16

	// DefaultReadTimeout bounds a single blocking read on the transport so
	// the listener can notice the window closing.
	DefaultReadTimeout = 100 * time.Millisecond

	MethodARP  = "arp"
	MethodNmap = "nmap"
)

// Host is a responding address and its hardware address.
type Host struct {
	IP     string `json:"ip"`
	MAC    string `json:"mac"`
	Vendor string `json:"vendor,omitempty"`
}

// Discoverer finds hosts in cidr. onHost, when set, is called once for each
// host as soon as it is first observed; the returned slice holds the same
// hosts in observation order.
type Discoverer interface {
	Discover(ctx context.Context, cidr string, onHost func(Host)) ([]Host, error)
}

// Transport sends and receives raw link-layer frames.
type Transport interface {
	WritePacketData(data []byte) error
	ReadPacketData() (data []byte, ci gopacket.CaptureInfo, err error)
	Close()
}

// Opener opens a transport on the named interface. Reads must return
// ErrReadTimeout when nothing arrives within readTimeout.
type Opener func(iface string, readTimeout time.Duration) (Transport, error)

var (
	// ErrReadTimeout is returned by Transport reads that saw no frame.
	ErrReadTimeout = stderrors.New("transport read timeout")

	// ErrTransportPermission is wrapped by Openers when the OS refuses raw
	// frame access.
	ErrTransportPermission = stderrors.New("raw frame access denied")
)

// hostSet deduplicates hosts by IP, keeping the first hardware address.
type hostSet struct {
	seen  map[string]struct{}
	hosts []Host
}

func newHostSet() *hostSet {
	return &hostSet{seen: make(map[string]struct{})}
}

// add reports whether h was new.
func (s *hostSet) add(h Host) bool {
	if _, ok := s.seen[h.IP]; ok {
		return false
	}
	s.seen[h.IP] = struct{}{}
	s.hosts = append(s.hosts, h)
	return true
}

func (s *hostSet) list() []Host {
	out := make([]Host, len(s.hosts))
	copy(out, s.hosts)
	return out
}

func ipInRange(ip net.IP, n *net.IPNet) bool {
	return ip != nil && n.Contains(ip)
}
