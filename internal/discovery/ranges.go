package discovery

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/anstrom/tracex/internal/errors"
)

// ParseRange validates an IPv4 CIDR no larger than /maxPrefixBits and
// returns it normalised to its network address.
func ParseRange(cidr string, maxPrefixBits int) (*net.IPNet, error) {
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, errors.ErrRangeInvalid(cidr, err)
	}
	if ipNet.IP.To4() == nil {
		return nil, errors.ErrRangeInvalid(cidr, fmt.Errorf("only IPv4 ranges are supported"))
	}
	ones, bits := ipNet.Mask.Size()
	if bits != 8*net.IPv4len {
		return nil, errors.ErrRangeInvalid(cidr, fmt.Errorf("only IPv4 ranges are supported"))
	}
	if ones < maxPrefixBits {
		return nil, errors.ErrRangeInvalid(cidr,
			fmt.Errorf("range /%d is larger than the /%d limit", ones, maxPrefixBits))
	}
	return &net.IPNet{IP: ipNet.IP.To4(), Mask: ipNet.Mask}, nil
}

// Addresses lists the probe targets of n in ascending order. Network and
// broadcast addresses are left out unless the prefix is /31 or /32.
func Addresses(n *net.IPNet) []net.IP {
	ones, bits := n.Mask.Size()
	size := uint32(1) << uint(bits-ones)
	base := binary.BigEndian.Uint32(n.IP.To4())

	first, last := base, base+size-1
	if size > 2 {
		first++
		last--
	}

	out := make([]net.IP, 0, last-first+1)
	for v := first; ; v++ {
		ip := make(net.IP, net.IPv4len)
		binary.BigEndian.PutUint32(ip, v)
		out = append(out, ip)
		if v == last {
			break
		}
	}
	return out
}
