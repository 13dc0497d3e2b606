// Package pcapio opens libpcap handles for the ARP discovery engine. It is
// kept apart from package discovery so that only the binary links libpcap.
package pcapio

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"

	"github.com/anstrom/tracex/internal/discovery"
)

const (
	snapLen   = 65536
	arpFilter = "arp"
)

// handle adapts *pcap.Handle to discovery.Transport.
type handle struct {
	*pcap.Handle
}

// ReadPacketData maps pcap's read timeout onto discovery.ErrReadTimeout.
func (h handle) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := h.Handle.ReadPacketData()
	if stderrors.Is(err, pcap.NextErrorTimeoutExpired) {
		return nil, ci, discovery.ErrReadTimeout
	}
	return data, ci, err
}

// Open is a discovery.Opener backed by a promiscuous pcap handle filtered
// to ARP traffic.
func Open(iface string, readTimeout time.Duration) (discovery.Transport, error) {
	h, err := pcap.OpenLive(iface, snapLen, true, readTimeout)
	if err != nil {
		if isPermissionError(err) {
			return nil, fmt.Errorf("%w: %v", discovery.ErrTransportPermission, err)
		}
		return nil, fmt.Errorf("open %s: %w", iface, err)
	}

	if err := h.SetBPFFilter(arpFilter); err != nil {
		h.Close()
		return nil, fmt.Errorf("set BPF filter on %s: %w", iface, err)
	}
	return handle{Handle: h}, nil
}

func isPermissionError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "permission") || strings.Contains(msg, "not permitted")
}

var _ discovery.Opener = Open
