package scanning

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/anstrom/tracex/internal/errors"
)

const (
	// MinPort and MaxPort bound every port number.
	MinPort = 1
	MaxPort = 65535

	// Port validation constants.
	expectedPortRangeParts = 2
)

// PortSpec is a sorted, duplicate-free list of ports to probe.
type PortSpec []int

// AllPorts covers the whole TCP port space.
func AllPorts() PortSpec {
	spec := make(PortSpec, 0, MaxPort)
	for p := MinPort; p <= MaxPort; p++ {
		spec = append(spec, p)
	}
	return spec
}

// ParsePortSpec parses specifications like "1-65535", "22,80,443" or
// "1-1024,8080". Overlapping entries collapse.
func ParsePortSpec(spec string) (PortSpec, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, portSpecError(spec, "no ports specified")
	}

	seen := make(map[int]struct{})
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, portSpecError(spec, "empty port entry")
		}

		start, end, err := parsePortPart(part)
		if err != nil {
			return nil, portSpecError(spec, err.Error())
		}
		for p := start; p <= end; p++ {
			seen[p] = struct{}{}
		}
	}

	out := make(PortSpec, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Ints(out)
	return out, nil
}

// parsePortPart validates a single port or port range (e.g., "80-100").
func parsePortPart(part string) (start, end int, err error) {
	if !strings.Contains(part, "-") {
		port, err := parsePort(part)
		return port, port, err
	}

	rangeParts := strings.Split(part, "-")
	if len(rangeParts) != expectedPortRangeParts {
		return 0, 0, fmt.Errorf("invalid port range format: %s", part)
	}
	if start, err = parsePort(rangeParts[0]); err != nil {
		return 0, 0, err
	}
	if end, err = parsePort(rangeParts[1]); err != nil {
		return 0, 0, err
	}
	if start > end {
		return 0, 0, fmt.Errorf("invalid port range %s: start port must not exceed end port", part)
	}
	return start, end, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid port: %s", s)
	}
	if port < MinPort || port > MaxPort {
		return 0, fmt.Errorf("invalid port: %d (must be %d-%d)", port, MinPort, MaxPort)
	}
	return port, nil
}

func portSpecError(spec, msg string) error {
	return errors.NewScanError(errors.CodeValidation, msg).WithContext("ports", spec)
}

// String renders the spec back into compact range notation.
func (s PortSpec) String() string {
	if len(s) == 0 {
		return ""
	}
	var b strings.Builder
	start, prev := s[0], s[0]
	flush := func() {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		if start == prev {
			b.WriteString(strconv.Itoa(start))
		} else {
			fmt.Fprintf(&b, "%d-%d", start, prev)
		}
	}
	for _, p := range s[1:] {
		if p == prev+1 {
			prev = p
			continue
		}
		flush()
		start, prev = p, p
	}
	flush()
	return b.String()
}
