// Package resolve looks up reverse DNS names for discovered hosts.
package resolve

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/anstrom/tracex/internal/errors"
)

const (
	// DefaultTimeout bounds a single PTR exchange.
	DefaultTimeout = 2 * time.Second

	resolvConf = "/etc/resolv.conf"
)

// Resolver performs PTR lookups against one DNS server.
type Resolver struct {
	server string
	client *dns.Client
}

// New creates a resolver for server ("host:port"). An empty server uses the
// first nameserver from /etc/resolv.conf.
func New(server string, timeout time.Duration) (*Resolver, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if server == "" {
		conf, err := dns.ClientConfigFromFile(resolvConf)
		if err != nil {
			return nil, errors.WrapConfigError(errors.CodeConfiguration, "no DNS server configured", err)
		}
		if len(conf.Servers) == 0 {
			return nil, errors.NewConfigFieldError(errors.CodeConfiguration,
				"resolv.conf lists no nameservers", "scanning.dns_server", resolvConf)
		}
		server = net.JoinHostPort(conf.Servers[0], conf.Port)
	}
	return &Resolver{
		server: server,
		client: &dns.Client{Net: "udp", Timeout: timeout},
	}, nil
}

// Server returns the address queried.
func (r *Resolver) Server() string {
	return r.server
}

// LookupHostname returns the first PTR name for ip without the trailing dot.
// A name error yields an empty name and no error.
func (r *Resolver) LookupHostname(ctx context.Context, ip string) (string, error) {
	arpa, err := dns.ReverseAddr(ip)
	if err != nil {
		return "", errors.ErrInvalidTarget(ip)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(arpa, dns.TypePTR)
	msg.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return "", errors.WrapScanErrorWithTarget(errors.CodeTimeout, "PTR lookup failed", ip, err)
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return "", nil
	default:
		return "", errors.NewScanErrorWithTarget(errors.CodeScanFailed,
			fmt.Sprintf("PTR lookup returned %s", dns.RcodeToString[resp.Rcode]), ip)
	}

	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			return strings.TrimSuffix(ptr.Ptr, "."), nil
		}
	}
	return "", nil
}
