package scanning

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/tracex/internal/errors"
	"github.com/anstrom/tracex/internal/logging"
	"github.com/anstrom/tracex/internal/metrics"
)

func listen(t *testing.T) (port int, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, func() { ln.Close() }
}

func closedPort(t *testing.T) int {
	t.Helper()
	port, closeFn := listen(t)
	closeFn()
	return port
}

func newTestScanner(ports PortSpec, opts ...Option) *Scanner {
	opts = append([]Option{
		WithLogger(logging.NewNop()),
		WithMetrics(metrics.NewPrometheusMetrics()),
		WithServices(NewServiceTable(nil)),
	}, opts...)
	return NewScanner(Config{Ports: ports, Concurrency: 10, Timeout: 300 * time.Millisecond}, opts...)
}

func TestScanner_FindsOpenLocalPorts(t *testing.T) {
	openA, closeA := listen(t)
	defer closeA()
	openB, closeB := listen(t)
	defer closeB()
	closed := closedPort(t)

	scanner := newTestScanner(PortSpec{openA, openB, closed})
	result, err := scanner.Scan(context.Background(), "127.0.0.1")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", result.IP)
	require.Len(t, result.Ports, 2)
	assert.Less(t, result.Ports[0].Port, result.Ports[1].Port)
	assert.ElementsMatch(t, []int{openA, openB}, result.PortNumbers())
	assert.Equal(t, 3, result.Probed)
	assert.Equal(t, 2, result.Outcomes["open"])
}

func TestScanner_NothingOpenIsNotAnError(t *testing.T) {
	scanner := newTestScanner(PortSpec{closedPort(t)})

	result, err := scanner.Scan(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	assert.NotNil(t, result.Ports)
	assert.Empty(t, result.Ports)
}

func TestScanner_InvalidIP(t *testing.T) {
	result, err := newTestScanner(PortSpec{80}).Scan(context.Background(), "not-an-ip")

	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeTargetInvalid))
	require.NotNil(t, result)
	assert.Empty(t, result.Ports)
}

func TestScanner_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := newTestScanner(PortSpec{1, 2, 3}).Scan(ctx, "127.0.0.1")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeCanceled))
	assert.Equal(t, 0, result.Probed)
}

func TestNewScanner_Defaults(t *testing.T) {
	s := NewScanner(Config{}, WithLogger(logging.NewNop()))
	cfg := s.Config()

	assert.Len(t, cfg.Ports, MaxPort)
	assert.Equal(t, DefaultConcurrency, cfg.Concurrency)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.IsType(t, &TCPProber{}, s.prober)
}

func TestTCPProber_Outcomes(t *testing.T) {
	port, closeFn := listen(t)
	defer closeFn()

	p := NewTCPProber(300 * time.Millisecond)
	assert.Equal(t, OutcomeOpen, p.Probe(context.Background(), "127.0.0.1", port))
	assert.Equal(t, OutcomeClosed, p.Probe(context.Background(), "127.0.0.1", closedPort(t)))
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "open", OutcomeOpen.String())
	assert.Equal(t, "closed", OutcomeClosed.String())
	assert.Equal(t, "filtered", OutcomeFiltered.String())
	assert.Equal(t, "error", OutcomeError.String())
}

func TestResolveTarget(t *testing.T) {
	ip, err := ResolveTarget(context.Background(), "192.168.1.20")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.20", ip)

	_, err = ResolveTarget(context.Background(), "::1")
	assert.True(t, errors.IsCode(err, errors.CodeTargetInvalid))

	_, err = ResolveTarget(context.Background(), "")
	assert.True(t, errors.IsCode(err, errors.CodeTargetInvalid))

	_, err = ResolveTarget(context.Background(), "host.invalid")
	assert.True(t, errors.IsCode(err, errors.CodeTargetInvalid))
}
