package scanning

//go:generate mockgen -source=prober.go -destination=mocks/mock_prober.go -package=mocks

import (
	"context"
	stderrors "errors"
	"net"
	"strconv"
	"syscall"
	"time"
)

// DefaultTimeout bounds a single connect attempt.
const DefaultTimeout = 500 * time.Millisecond

// Prober performs one connect attempt against ip:port.
type Prober interface {
	Probe(ctx context.Context, ip string, port int) Outcome
}

// TCPProber is a full-handshake connect prober.
type TCPProber struct {
	dialer net.Dialer
}

// NewTCPProber creates a prober whose attempts give up after timeout.
func NewTCPProber(timeout time.Duration) *TCPProber {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &TCPProber{dialer: net.Dialer{Timeout: timeout}}
}

// Probe connects and immediately closes. Every failure maps to an outcome.
func (p *TCPProber) Probe(ctx context.Context, ip string, port int) Outcome {
	conn, err := p.dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return classifyDialError(err)
	}
	_ = conn.Close()
	return OutcomeOpen
}

func classifyDialError(err error) Outcome {
	if stderrors.Is(err, syscall.ECONNREFUSED) {
		return OutcomeClosed
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeFiltered
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return OutcomeFiltered
	}
	return OutcomeError
}
