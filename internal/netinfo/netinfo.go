// Package netinfo answers questions about the local network: which range the
// host sits in, where the default gateway is, and which interface should
// carry probes for a given range.
package netinfo

import (
	stderrors "errors"
	"fmt"
	"net"
	"runtime"

	"github.com/google/gopacket/routing"

	"github.com/anstrom/tracex/internal/errors"
)

// ErrNoGateway is returned when the routing table has no IPv4 default route.
var ErrNoGateway = stderrors.New("no default IPv4 gateway")

// Router answers which interface and next hop carry traffic to dst.
// routing.Router satisfies it.
type Router interface {
	Route(dst net.IP) (iface *net.Interface, gateway, preferredSrc net.IP, err error)
}

// newRouter loads the kernel routing table over netlink. The table is read
// once, so callers build a fresh router per lookup.
var newRouter = func() (Router, error) {
	if runtime.GOOS != "linux" {
		return nil, fmt.Errorf("routing table unavailable on %s", runtime.GOOS)
	}
	return routing.New()
}

// Route is the IPv4 default route.
type Route struct {
	Interface string
	Gateway   net.IP
	Source    net.IP
}

// Interface describes the local interface used to reach a range.
type Interface struct {
	Name         string
	IP           net.IP
	HardwareAddr net.HardwareAddr
	Network      *net.IPNet
}

// DefaultRoute looks up the IPv4 default route in the kernel routing table.
func DefaultRoute() (*Route, error) {
	r, err := newRouter()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoGateway, err)
	}
	return defaultRoute(r)
}

// GatewayAddress returns the IPv4 address of the default gateway.
func GatewayAddress() (net.IP, error) {
	route, err := DefaultRoute()
	if err != nil {
		return nil, err
	}
	return route.Gateway, nil
}

// defaultRoute asks r for the route to 0.0.0.0, which only a default route
// covers. A default route without a next hop does not count.
func defaultRoute(r Router) (*Route, error) {
	iface, gw, src, err := r.Route(net.IPv4zero)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoGateway, err)
	}
	gw = gw.To4()
	if iface == nil || gw == nil || gw.IsUnspecified() {
		return nil, ErrNoGateway
	}
	return &Route{Interface: iface.Name, Gateway: gw, Source: src.To4()}, nil
}

// ResolveLocalRange returns the CIDR of the interface carrying the default
// route, or of the first usable interface when there is no default route.
func ResolveLocalRange() (string, error) {
	candidates, err := listCandidates()
	if err != nil {
		return "", err
	}

	route, _ := DefaultRoute()
	ipNet, err := localRange(candidates, route)
	if err != nil {
		return "", err
	}
	return ipNet.String(), nil
}

// InterfaceForRange picks the interface to probe target from. When name is
// set, that interface is used as long as it has an IPv4 address; otherwise
// the first interface with an address inside target wins.
func InterfaceForRange(target *net.IPNet, name string) (*Interface, error) {
	candidates, err := listCandidates()
	if err != nil {
		return nil, err
	}
	return pickInterface(candidates, target, name)
}

type candidate struct {
	iface net.Interface
	addrs []*net.IPNet
}

func listCandidates() ([]candidate, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, errors.WrapDiscoveryError(errors.CodeDiscoveryFailed, "listing interfaces", "", err)
	}

	out := make([]candidate, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		c := candidate{iface: iface}
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok && ipNet.IP.To4() != nil {
				c.addrs = append(c.addrs, ipNet)
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func usable(c candidate) bool {
	return c.iface.Flags&net.FlagUp != 0 && c.iface.Flags&net.FlagLoopback == 0 && len(c.addrs) > 0
}

// localRange prefers the address the default route sends from, then any
// address on the route's interface, then the first usable interface.
func localRange(candidates []candidate, route *Route) (*net.IPNet, error) {
	if route != nil {
		for _, c := range candidates {
			if c.iface.Name != route.Interface || len(c.addrs) == 0 {
				continue
			}
			for _, a := range c.addrs {
				if a.IP.Equal(route.Source) {
					return networkOf(a), nil
				}
			}
			return networkOf(c.addrs[0]), nil
		}
	}
	for _, c := range candidates {
		if usable(c) {
			return networkOf(c.addrs[0]), nil
		}
	}
	return nil, errors.NewDiscoveryError(errors.CodeTargetInvalid, "could not determine local network range", "")
}

func pickInterface(candidates []candidate, target *net.IPNet, name string) (*Interface, error) {
	for _, c := range candidates {
		if name != "" && c.iface.Name != name {
			continue
		}
		if name == "" && !usable(c) {
			continue
		}
		for _, a := range c.addrs {
			if name != "" || target.Contains(a.IP) {
				return &Interface{
					Name:         c.iface.Name,
					IP:           a.IP.To4(),
					HardwareAddr: c.iface.HardwareAddr,
					Network:      networkOf(a),
				}, nil
			}
		}
	}

	if name != "" {
		return nil, errors.NewDiscoveryError(errors.CodeDiscoveryFailed,
			fmt.Sprintf("interface %s has no IPv4 address", name), target.String())
	}
	return nil, errors.NewDiscoveryError(errors.CodeDiscoveryFailed,
		"no local interface inside range", target.String())
}

func networkOf(a *net.IPNet) *net.IPNet {
	mask := a.Mask
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	return &net.IPNet{IP: a.IP.To4().Mask(mask), Mask: mask}
}
