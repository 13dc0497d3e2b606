package netinfo

import (
	stderrors "errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/tracex/internal/errors"
)

type fakeRouter struct {
	iface *net.Interface
	gw    net.IP
	src   net.IP
	err   error
	dst   net.IP
}

func (f *fakeRouter) Route(dst net.IP) (*net.Interface, net.IP, net.IP, error) {
	f.dst = dst
	if f.err != nil {
		return nil, nil, nil, f.err
	}
	return f.iface, f.gw, f.src, nil
}

func TestDefaultRoute(t *testing.T) {
	r := &fakeRouter{
		iface: &net.Interface{Index: 2, Name: "eth0"},
		gw:    net.ParseIP("192.168.1.1"),
		src:   net.ParseIP("192.168.1.23"),
	}
	route, err := defaultRoute(r)
	require.NoError(t, err)

	assert.True(t, r.dst.Equal(net.IPv4zero))
	assert.Equal(t, "eth0", route.Interface)
	assert.Equal(t, "192.168.1.1", route.Gateway.String())
	assert.Equal(t, "192.168.1.23", route.Source.String())
}

func TestDefaultRoute_NoDefault(t *testing.T) {
	tests := []struct {
		name   string
		router *fakeRouter
	}{
		{"no route", &fakeRouter{err: stderrors.New("no route found for 0.0.0.0")}},
		{"route without next hop", &fakeRouter{iface: &net.Interface{Name: "wg0"}}},
		{"unspecified next hop", &fakeRouter{iface: &net.Interface{Name: "eth0"}, gw: net.IPv4zero}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := defaultRoute(tt.router)
			assert.ErrorIs(t, err, ErrNoGateway)
		})
	}
}

func TestGatewayAddress(t *testing.T) {
	orig := newRouter
	t.Cleanup(func() { newRouter = orig })

	newRouter = func() (Router, error) {
		return &fakeRouter{iface: &net.Interface{Name: "eth0"}, gw: net.ParseIP("10.0.0.1")}, nil
	}
	gw, err := GatewayAddress()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", gw.String())

	newRouter = func() (Router, error) { return nil, stderrors.New("netlink: permission denied") }
	_, err = GatewayAddress()
	assert.ErrorIs(t, err, ErrNoGateway)
}

func mustCIDR(t *testing.T, s string) *net.IPNet {
	t.Helper()
	ip, ipNet, err := net.ParseCIDR(s)
	require.NoError(t, err)
	return &net.IPNet{IP: ip, Mask: ipNet.Mask}
}

func testCandidates(t *testing.T) []candidate {
	return []candidate{
		{
			iface: net.Interface{Name: "lo", Flags: net.FlagUp | net.FlagLoopback},
			addrs: []*net.IPNet{mustCIDR(t, "127.0.0.1/8")},
		},
		{
			iface: net.Interface{Name: "docker0", Flags: 0},
			addrs: []*net.IPNet{mustCIDR(t, "172.17.0.1/16")},
		},
		{
			iface: net.Interface{
				Name:         "eth0",
				Flags:        net.FlagUp | net.FlagBroadcast,
				HardwareAddr: net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
			},
			addrs: []*net.IPNet{mustCIDR(t, "192.168.1.23/24")},
		},
	}
}

func TestLocalRange(t *testing.T) {
	candidates := testCandidates(t)

	t.Run("route interface", func(t *testing.T) {
		n, err := localRange(candidates, &Route{Interface: "docker0"})
		require.NoError(t, err)
		assert.Equal(t, "172.17.0.0/16", n.String())
	})

	t.Run("route source address", func(t *testing.T) {
		multi := append(testCandidates(t), candidate{
			iface: net.Interface{Name: "br0", Flags: net.FlagUp},
			addrs: []*net.IPNet{mustCIDR(t, "10.1.0.1/16"), mustCIDR(t, "10.20.30.1/24")},
		})
		n, err := localRange(multi, &Route{Interface: "br0", Source: net.ParseIP("10.20.30.1")})
		require.NoError(t, err)
		assert.Equal(t, "10.20.30.0/24", n.String())
	})

	t.Run("fallback skips loopback and down interfaces", func(t *testing.T) {
		n, err := localRange(candidates, nil)
		require.NoError(t, err)
		assert.Equal(t, "192.168.1.0/24", n.String())
	})

	t.Run("nothing usable", func(t *testing.T) {
		_, err := localRange(candidates[:1], nil)
		assert.True(t, errors.IsCode(err, errors.CodeTargetInvalid))
	})
}

func TestPickInterface(t *testing.T) {
	candidates := testCandidates(t)
	_, target, _ := net.ParseCIDR("192.168.1.0/24")

	iface, err := pickInterface(candidates, target, "")
	require.NoError(t, err)
	assert.Equal(t, "eth0", iface.Name)
	assert.Equal(t, "192.168.1.23", iface.IP.String())
	assert.Equal(t, "00:11:22:33:44:55", iface.HardwareAddr.String())

	_, other, _ := net.ParseCIDR("10.9.0.0/24")
	_, err = pickInterface(candidates, other, "")
	assert.True(t, errors.IsCode(err, errors.CodeDiscoveryFailed))

	named, err := pickInterface(candidates, other, "docker0")
	require.NoError(t, err)
	assert.Equal(t, "docker0", named.Name)

	_, err = pickInterface(candidates, target, "wlan9")
	assert.Error(t, err)
}
