// Package classify guesses a host's device type from what the network shows
// about it: its hardware address, open ports, whether it is the gateway, and
// the vendor behind its OUI.
//
// Rules are an ordered decision list. The first matching rule wins, so the
// order of rules below is part of the observable behaviour.
package classify

import (
	"fmt"
	"net"
	"strings"
	"unicode"
)

// Device type labels.
const (
	LabelRandomizedMAC = "Device (Randomized MAC)"
	LabelGateway       = "Router (Gateway)"
	LabelRouter        = "Router/Gateway"
	LabelWindows       = "Windows PC"
	LabelPrinter       = "Printer"
	LabelSSHDevice     = "Network Device/Server (SSH)"
	LabelApple         = "Apple Device (iPhone/Mac)"
	LabelAndroidIoT    = "Android/IoT/Router Device"
	LabelRouterSwitch  = "Router/Switch"
	LabelUnknown       = "Unknown"

	nicLabelFormat = "Device (NIC: %s)"
)

// locallyAdministered is bit 1 of the first octet.
const locallyAdministered = 0x02

// sshPortCeiling: an SSH host only counts as a network device below this
// many open ports.
const sshPortCeiling = 5

var (
	routerPorts  = []int{53, 80, 443}
	windowsPorts = []int{135, 139, 445}

	androidIoTVendors   = []string{"samsung", "huawei", "google", "oneplus", "xiaomi", "oppo"}
	routerSwitchVendors = []string{"netgear", "asustek", "dlink"}
)

// VendorLookup resolves a hardware address to a manufacturer.
type VendorLookup func(mac string) (string, bool)

// Input is everything the classifier looks at.
type Input struct {
	MAC       string
	Ports     []int
	IP        string
	GatewayIP string
}

// Rule is one entry of the decision list.
type Rule struct {
	Name  string
	Match func(in Input, ports map[int]struct{}) (string, bool)
}

// Rules returns the decision list in evaluation order. The vendor rule is
// not part of it because it needs the lookup.
func Rules() []Rule {
	return []Rule{
		{Name: "randomized-mac", Match: matchRandomizedMAC},
		{Name: "gateway", Match: matchGateway},
		{Name: "router-ports", Match: matchRouterPorts},
		{Name: "windows", Match: matchWindows},
		{Name: "printer", Match: matchPrinter},
		{Name: "ssh-device", Match: matchSSHDevice},
	}
}

// Classify returns the device type for in. It is deterministic: identical
// inputs and lookup results always give the same label. lookup may be nil.
func Classify(in Input, lookup VendorLookup) string {
	ports := make(map[int]struct{}, len(in.Ports))
	for _, p := range in.Ports {
		ports[p] = struct{}{}
	}

	for _, rule := range Rules() {
		if label, ok := rule.Match(in, ports); ok {
			return label
		}
	}

	if lookup != nil && in.MAC != "" {
		if vendor, ok := lookup(in.MAC); ok && vendor != "" {
			return ByVendor(vendor)
		}
	}
	return LabelUnknown
}

// ByVendor maps a vendor name to a device type. Any vendor yields a label;
// unrecognised ones are reported as a NIC of that vendor.
func ByVendor(vendor string) string {
	v := strings.ToLower(vendor)
	switch {
	case strings.Contains(v, "apple"):
		return LabelApple
	case containsAny(v, androidIoTVendors):
		return LabelAndroidIoT
	case containsAny(v, routerSwitchVendors):
		return LabelRouterSwitch
	default:
		return fmt.Sprintf(nicLabelFormat, TitleCase(vendor))
	}
}

// IsRandomizedMAC reports whether mac has the locally-administered bit set.
// Unparsable addresses are not considered randomized.
func IsRandomizedMAC(mac string) bool {
	hw, err := net.ParseMAC(mac)
	if err != nil || len(hw) == 0 {
		return false
	}
	return hw[0]&locallyAdministered != 0
}

func matchRandomizedMAC(in Input, _ map[int]struct{}) (string, bool) {
	return LabelRandomizedMAC, IsRandomizedMAC(in.MAC)
}

func matchGateway(in Input, _ map[int]struct{}) (string, bool) {
	if in.IP == "" || in.GatewayIP == "" {
		return "", false
	}
	ip, gw := net.ParseIP(in.IP), net.ParseIP(in.GatewayIP)
	if ip != nil && gw != nil {
		return LabelGateway, ip.Equal(gw)
	}
	return LabelGateway, in.IP == in.GatewayIP
}

func matchRouterPorts(_ Input, ports map[int]struct{}) (string, bool) {
	return LabelRouter, hasAll(ports, routerPorts)
}

func matchWindows(_ Input, ports map[int]struct{}) (string, bool) {
	_, rdp := ports[3389]
	return LabelWindows, rdp || hasAll(ports, windowsPorts)
}

func matchPrinter(_ Input, ports map[int]struct{}) (string, bool) {
	_, ipp := ports[631]
	_, jetdirect := ports[9100]
	return LabelPrinter, ipp || jetdirect
}

func matchSSHDevice(_ Input, ports map[int]struct{}) (string, bool) {
	_, ssh := ports[22]
	return LabelSSHDevice, ssh && len(ports) < sshPortCeiling
}

func hasAll(ports map[int]struct{}, want []int) bool {
	for _, p := range want {
		if _, ok := ports[p]; !ok {
			return false
		}
	}
	return true
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// TitleCase upper-cases the first letter of every run of letters and
// lower-cases the rest, so "TP-LINK CO.,LTD" becomes "Tp-Link Co.,Ltd" and
// "3com" becomes "3Com".
func TitleCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			if prevLetter {
				b.WriteRune(unicode.ToLower(r))
			} else {
				b.WriteRune(unicode.ToUpper(r))
			}
			prevLetter = true
			continue
		}
		b.WriteRune(r)
		prevLetter = false
	}
	return b.String()
}
