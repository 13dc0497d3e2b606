package orchestrator_test

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/tracex/internal/classify"
	"github.com/anstrom/tracex/internal/discovery"
	"github.com/anstrom/tracex/internal/errors"
	"github.com/anstrom/tracex/internal/events"
	"github.com/anstrom/tracex/internal/logging"
	"github.com/anstrom/tracex/internal/metrics"
	"github.com/anstrom/tracex/internal/orchestrator"
	"github.com/anstrom/tracex/internal/orchestrator/mocks"
	"github.com/anstrom/tracex/internal/oui"
	"github.com/anstrom/tracex/internal/scanning"
)

var vendors = oui.NewStatic(map[string]string{
	"00:11:22": "Netgear Inc",
	"A4:83:E7": "Apple, Inc.",
})

func newTestOrchestrator(d orchestrator.Discoverer, s orchestrator.PortScanner, cfg orchestrator.Config,
	opts ...orchestrator.Option) (*orchestrator.Orchestrator, *events.Recorder, *metrics.PrometheusMetrics) {
	rec := &events.Recorder{}
	m := metrics.NewPrometheusMetrics()
	base := []orchestrator.Option{
		orchestrator.WithSink(rec),
		orchestrator.WithVendors(vendors),
		orchestrator.WithLogger(logging.NewNop()),
		orchestrator.WithMetrics(m),
		orchestrator.WithGateway(func() (net.IP, error) { return net.ParseIP("192.168.1.1"), nil }),
		orchestrator.WithLocalRange(func() (string, error) { return "192.168.1.0/24", nil }),
	}
	return orchestrator.New(cfg, d, s, append(base, opts...)...), rec, m
}

// streamHosts makes a discoverer mock report hosts through onHost and return them.
func streamHosts(hosts ...discovery.Host) func(context.Context, string, func(discovery.Host)) ([]discovery.Host, error) {
	return func(_ context.Context, _ string, onHost func(discovery.Host)) ([]discovery.Host, error) {
		for _, h := range hosts {
			onHost(h)
		}
		return hosts, nil
	}
}

func portsResult(ip string, ports ...int) *scanning.HostResult {
	res := &scanning.HostResult{IP: ip, Ports: []scanning.OpenPort{}}
	for _, p := range ports {
		res.Ports = append(res.Ports, scanning.OpenPort{Port: p, Service: "svc"})
	}
	return res
}

func statuses(rec *events.Recorder) []string {
	var out []string
	for _, e := range rec.OfType(events.TypeSessionState) {
		out = append(out, e.Data.(events.SessionState).Status)
	}
	return out
}

func TestRun_FullPipeline(t *testing.T) {
	ctrl := gomock.NewController(t)
	disc := mocks.NewMockDiscoverer(ctrl)
	scanner := mocks.NewMockPortScanner(ctrl)

	hosts := []discovery.Host{
		{IP: "192.168.1.1", MAC: "00:11:22:33:44:55"},
		{IP: "192.168.1.20", MAC: "a4:83:e7:00:00:01"},
		{IP: "192.168.1.30", MAC: "02:aa:bb:cc:dd:ee"},
		{IP: "192.168.1.20", MAC: "a4:83:e7:00:00:99"},
		{IP: "192.168.1.40", MAC: "5c:00:00:00:00:01"},
	}
	disc.EXPECT().Discover(gomock.Any(), "192.168.1.0/24", gomock.Any()).DoAndReturn(streamHosts(hosts...))

	scanner.EXPECT().Scan(gomock.Any(), "192.168.1.1").Return(portsResult("192.168.1.1", 53, 80, 443), nil)
	scanner.EXPECT().Scan(gomock.Any(), "192.168.1.20").Return(portsResult("192.168.1.20"), nil)
	scanner.EXPECT().Scan(gomock.Any(), "192.168.1.30").Return(portsResult("192.168.1.30", 22), nil)
	scanner.EXPECT().Scan(gomock.Any(), "192.168.1.40").Return(portsResult("192.168.1.40", 22), nil)

	o, rec, _ := newTestOrchestrator(disc, scanner, orchestrator.Config{})

	session, err := o.Run(context.Background(), "192.168.1.0/24")
	require.NoError(t, err)

	assert.Equal(t, orchestrator.StatusDone, session.Status)
	assert.Equal(t, "192.168.1.0/24", session.Range)
	assert.Equal(t, "192.168.1.1", session.GatewayIP)
	assert.NotNil(t, session.FinishedAt)
	assert.Len(t, session.Hosts, 4)

	assert.Equal(t, classify.LabelGateway, session.Hosts["192.168.1.1"].DeviceType)
	assert.Equal(t, "Netgear Inc", session.Hosts["192.168.1.1"].Vendor)
	assert.Equal(t, classify.LabelApple, session.Hosts["192.168.1.20"].DeviceType)
	assert.Equal(t, "a4:83:e7:00:00:01", session.Hosts["192.168.1.20"].MAC)
	assert.Equal(t, classify.LabelRandomizedMAC, session.Hosts["192.168.1.30"].DeviceType)
	assert.Equal(t, classify.LabelSSHDevice, session.Hosts["192.168.1.40"].DeviceType)

	records := session.Records()
	require.Len(t, records, 4)
	assert.Equal(t, "192.168.1.1", records[0].IP)
	assert.Equal(t, "192.168.1.40", records[3].IP)

	discovered := rec.OfType(events.TypeHostDiscovered)
	require.Len(t, discovered, 4)
	first := discovered[0].Data.(events.HostDiscovered)
	assert.Equal(t, "Netgear Inc", first.Vendor)
	assert.Equal(t, orchestrator.VendorUnknown, discovered[2].Data.(events.HostDiscovered).Vendor)

	assert.Len(t, rec.OfType(events.TypeScanResult), 4)
	complete := rec.OfType(events.TypeScanComplete)
	require.Len(t, complete, 1)
	assert.Equal(t, events.ScanComplete{Scanned: 4, Total: 4}, complete[0].Data)

	assert.Equal(t, []string{"idle", "discovering", "scanning", "done"}, statuses(rec))
	for _, e := range rec.Events() {
		assert.Equal(t, session.ID, e.SessionID)
	}
}

func TestRun_NonStreamingDiscovererStillAnnouncesHosts(t *testing.T) {
	ctrl := gomock.NewController(t)
	disc := mocks.NewMockDiscoverer(ctrl)
	scanner := mocks.NewMockPortScanner(ctrl)

	disc.EXPECT().Discover(gomock.Any(), gomock.Any(), gomock.Any()).
		Return([]discovery.Host{{IP: "10.0.0.2", MAC: "00:11:22:00:00:02"}}, nil)

	o, rec, _ := newTestOrchestrator(disc, scanner, orchestrator.Config{})
	hosts, err := o.Discover(context.Background(), "10.0.0.0/24")
	require.NoError(t, err)

	require.Len(t, hosts, 1)
	assert.Equal(t, "Netgear Inc", hosts[0].Vendor)
	assert.Len(t, rec.OfType(events.TypeHostDiscovered), 1)
	assert.Equal(t, []string{"idle", "discovering", "done"}, statuses(rec))
}

func TestRun_ZeroHostsFailsWithHostUnreachable(t *testing.T) {
	ctrl := gomock.NewController(t)
	disc := mocks.NewMockDiscoverer(ctrl)
	scanner := mocks.NewMockPortScanner(ctrl)

	disc.EXPECT().Discover(gomock.Any(), "192.168.9.0/24", gomock.Any()).Return(nil, nil)

	o, rec, m := newTestOrchestrator(disc, scanner, orchestrator.Config{})
	session, err := o.Run(context.Background(), "192.168.9.0/24")

	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeHostUnreachable))
	assert.False(t, errors.IsFatal(err))
	assert.Equal(t, orchestrator.StatusFailed, session.Status)
	assert.Empty(t, session.Hosts)

	var noHosts *events.StatusUpdate
	for _, e := range rec.OfType(events.TypeStatusUpdate) {
		if su := e.Data.(events.StatusUpdate); su.Message == "No hosts found on 192.168.9.0/24" {
			noHosts = &su
		}
	}
	require.NotNil(t, noHosts)
	assert.Equal(t, events.LevelInfo, noHosts.Level)

	body := gatherText(t, m)
	assert.Contains(t, body, `tracex_session_total{status="failed"} 1`)
}

func TestRun_SetupErrorsAreFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code errors.ErrorCode
	}{
		{"permission denied", errors.ErrPermissionDenied("192.168.1.0/24", stderrors.New("euid 1000")), errors.CodePermission},
		{"range invalid", errors.ErrRangeInvalid("10.0.0.0/8", stderrors.New("too large")), errors.CodeTargetInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			disc := mocks.NewMockDiscoverer(ctrl)
			scanner := mocks.NewMockPortScanner(ctrl)
			disc.EXPECT().Discover(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, tt.err)

			o, rec, _ := newTestOrchestrator(disc, scanner, orchestrator.Config{})
			session, err := o.Run(context.Background(), "192.168.1.0/24")

			assert.True(t, errors.IsCode(err, tt.code))
			assert.True(t, errors.IsFatal(err))
			assert.Equal(t, orchestrator.StatusFailed, session.Status)
			assert.Equal(t, tt.err.Error(), session.Reason)
			assert.Empty(t, rec.OfType(events.TypeScanResult))
		})
	}
}

func TestRun_NonFatalDiscoveryErrorKeepsFoundHosts(t *testing.T) {
	sendErr := errors.WrapDiscoveryError(errors.CodeDiscoveryFailed, "failed to send ARP request",
		"10.0.0.0/24", stderrors.New("network is down"))

	t.Run("hosts found", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		disc := mocks.NewMockDiscoverer(ctrl)
		scanner := mocks.NewMockPortScanner(ctrl)

		disc.EXPECT().Discover(gomock.Any(), "10.0.0.0/24", gomock.Any()).
			DoAndReturn(func(_ context.Context, _ string, onHost func(discovery.Host)) ([]discovery.Host, error) {
				h := discovery.Host{IP: "10.0.0.6", MAC: "00:11:22:00:00:06"}
				onHost(h)
				return []discovery.Host{h}, sendErr
			})
		scanner.EXPECT().Scan(gomock.Any(), "10.0.0.6").Return(portsResult("10.0.0.6", 9100), nil)

		o, rec, _ := newTestOrchestrator(disc, scanner, orchestrator.Config{})
		session, err := o.Run(context.Background(), "10.0.0.0/24")

		require.NoError(t, err)
		assert.False(t, errors.IsFatal(sendErr))
		assert.Equal(t, orchestrator.StatusDone, session.Status)
		require.Len(t, session.Hosts, 1)
		assert.Equal(t, classify.LabelPrinter, session.Hosts["10.0.0.6"].DeviceType)

		var warned bool
		for _, e := range rec.OfType(events.TypeStatusUpdate) {
			su := e.Data.(events.StatusUpdate)
			if su.Level == events.LevelWarning && strings.HasPrefix(su.Message, "Discovery ended early") {
				warned = true
			}
		}
		assert.True(t, warned)
	})

	t.Run("nothing found", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		disc := mocks.NewMockDiscoverer(ctrl)
		scanner := mocks.NewMockPortScanner(ctrl)
		disc.EXPECT().Discover(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, sendErr)

		o, rec, _ := newTestOrchestrator(disc, scanner, orchestrator.Config{})
		session, err := o.Run(context.Background(), "10.0.0.0/24")

		assert.True(t, errors.IsCode(err, errors.CodeDiscoveryFailed))
		assert.Equal(t, orchestrator.StatusFailed, session.Status)
		assert.Empty(t, rec.OfType(events.TypeScanResult))
	})
}

func TestRun_EmptyRangeUsesLocalNetwork(t *testing.T) {
	ctrl := gomock.NewController(t)
	disc := mocks.NewMockDiscoverer(ctrl)
	scanner := mocks.NewMockPortScanner(ctrl)

	disc.EXPECT().Discover(gomock.Any(), "172.16.4.0/24", gomock.Any()).Return(nil, nil)

	o, _, _ := newTestOrchestrator(disc, scanner, orchestrator.Config{},
		orchestrator.WithLocalRange(func() (string, error) { return "172.16.4.0/24", nil }))

	session, err := o.Run(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, "172.16.4.0/24", session.Range)
}

func TestScanHosts_PerHostErrorsAreAbsorbed(t *testing.T) {
	ctrl := gomock.NewController(t)
	disc := mocks.NewMockDiscoverer(ctrl)
	scanner := mocks.NewMockPortScanner(ctrl)

	scanner.EXPECT().Scan(gomock.Any(), "10.0.0.5").Return(nil, stderrors.New("connection storm"))
	scanner.EXPECT().Scan(gomock.Any(), "10.0.0.6").Return(portsResult("10.0.0.6", 9100), nil)
	scanner.EXPECT().Scan(gomock.Any(), "10.0.0.7").DoAndReturn(func(context.Context, string) (*scanning.HostResult, error) {
		panic("prober exploded")
	})

	o, rec, _ := newTestOrchestrator(disc, scanner, orchestrator.Config{HostConcurrency: 2})
	records, err := o.ScanHosts(context.Background(), []discovery.Host{
		{IP: "10.0.0.5", MAC: "00:11:22:00:00:05"},
		{IP: "10.0.0.6"},
		{IP: "10.0.0.7"},
	})
	require.NoError(t, err)
	require.Len(t, records, 3)

	byIP := map[string]orchestrator.HostRecord{}
	for _, r := range records {
		byIP[r.IP] = r
	}
	assert.Empty(t, byIP["10.0.0.5"].Ports)
	assert.NotNil(t, byIP["10.0.0.5"].Ports)
	assert.Equal(t, classify.LabelRouterSwitch, byIP["10.0.0.5"].DeviceType)
	assert.Equal(t, classify.LabelPrinter, byIP["10.0.0.6"].DeviceType)
	assert.Equal(t, classify.LabelUnknown, byIP["10.0.0.7"].DeviceType)

	assert.Equal(t, orchestrator.StatusDone, o.Session().Status)
	assert.Equal(t, []string{"idle", "scanning", "done"}, statuses(rec))
}

func TestScanHosts_DuplicateIPsScannedOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	scanner := mocks.NewMockPortScanner(ctrl)
	scanner.EXPECT().Scan(gomock.Any(), "10.0.0.5").Return(portsResult("10.0.0.5"), nil).Times(1)

	o, rec, _ := newTestOrchestrator(mocks.NewMockDiscoverer(ctrl), scanner, orchestrator.Config{})
	records, err := o.ScanHosts(context.Background(), []discovery.Host{{IP: "10.0.0.5"}, {IP: "10.0.0.5"}})
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, events.ScanComplete{Scanned: 1, Total: 1}, rec.OfType(events.TypeScanComplete)[0].Data)
}

func TestScanHosts_NoHostsIsValidationError(t *testing.T) {
	ctrl := gomock.NewController(t)
	o, _, _ := newTestOrchestrator(mocks.NewMockDiscoverer(ctrl), mocks.NewMockPortScanner(ctrl), orchestrator.Config{})

	_, err := o.ScanHosts(context.Background(), nil)
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
	assert.Equal(t, orchestrator.StatusFailed, o.Session().Status)
}

func TestScanHosts_ResultsStreamInCompletionOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	scanner := mocks.NewMockPortScanner(ctrl)

	gateFirst := make(chan struct{})
	gateThird := make(chan struct{})
	scanner.EXPECT().Scan(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, ip string) (*scanning.HostResult, error) {
		switch ip {
		case "10.0.0.1":
			<-gateFirst
		case "10.0.0.3":
			<-gateThird
		}
		return portsResult(ip), nil
	}).Times(3)

	var order []string
	var mu sync.Mutex
	sink := events.SinkFunc(func(e events.Event) {
		if e.Type != events.TypeScanResult {
			return
		}
		ip := e.Data.(events.ScanResult).IP
		mu.Lock()
		order = append(order, ip)
		mu.Unlock()
		switch ip {
		case "10.0.0.2":
			close(gateThird)
		case "10.0.0.3":
			close(gateFirst)
		}
	})

	o, _, _ := newTestOrchestrator(mocks.NewMockDiscoverer(ctrl), scanner,
		orchestrator.Config{HostConcurrency: 3}, orchestrator.WithSink(sink))

	_, err := o.ScanHosts(context.Background(), []discovery.Host{{IP: "10.0.0.1"}, {IP: "10.0.0.2"}, {IP: "10.0.0.3"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.2", "10.0.0.3", "10.0.0.1"}, order)
}

func TestCancel_StopsFutureDispatchOnly(t *testing.T) {
	ctrl := gomock.NewController(t)
	scanner := mocks.NewMockPortScanner(ctrl)

	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var scanned []string
	scanner.EXPECT().Scan(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, ip string) (*scanning.HostResult, error) {
		mu.Lock()
		scanned = append(scanned, ip)
		mu.Unlock()
		if ip == "10.0.0.1" {
			close(started)
			<-release
		}
		return portsResult(ip, 80), nil
	}).AnyTimes()

	o, rec, _ := newTestOrchestrator(mocks.NewMockDiscoverer(ctrl), scanner, orchestrator.Config{HostConcurrency: 1})
	assert.False(t, o.Cancel())

	hosts := []discovery.Host{{IP: "10.0.0.1"}, {IP: "10.0.0.2"}, {IP: "10.0.0.3"}, {IP: "10.0.0.4"}, {IP: "10.0.0.5"}}
	id, err := o.StartPortScan(context.Background(), hosts)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	<-started
	// Give the next host time to block waiting for the only slot.
	time.Sleep(50 * time.Millisecond)
	assert.True(t, o.Busy())
	assert.True(t, o.Cancel())
	close(release)
	o.Wait()

	// Only the in-flight host finishes; the host waiting for a slot when
	// Cancel returned never starts.
	mu.Lock()
	assert.Equal(t, []string{"10.0.0.1"}, scanned)
	mu.Unlock()

	session := o.Session()
	assert.Equal(t, id, session.ID)
	assert.Equal(t, orchestrator.StatusCancelled, session.Status)
	assert.Len(t, session.Hosts, 1)

	complete := rec.OfType(events.TypeScanComplete)
	require.Len(t, complete, 1)
	assert.Equal(t, events.ScanComplete{Scanned: 1, Total: 5, Cancelled: true}, complete[0].Data)
	assert.False(t, o.Busy())
}

func TestScanHosts_SinkPanicKeepsRecord(t *testing.T) {
	ctrl := gomock.NewController(t)
	scanner := mocks.NewMockPortScanner(ctrl)
	scanner.EXPECT().Scan(gomock.Any(), "10.0.0.6").Return(portsResult("10.0.0.6", 9100), nil)

	rec := &events.Recorder{}
	var panicked atomic.Bool
	sink := events.SinkFunc(func(e events.Event) {
		if e.Type == events.TypeScanResult && panicked.CompareAndSwap(false, true) {
			panic("sink exploded")
		}
		rec.Emit(e)
	})

	o, _, _ := newTestOrchestrator(mocks.NewMockDiscoverer(ctrl), scanner,
		orchestrator.Config{HostConcurrency: 1}, orchestrator.WithSink(sink))
	records, err := o.ScanHosts(context.Background(), []discovery.Host{{IP: "10.0.0.6"}})
	require.NoError(t, err)
	require.True(t, panicked.Load())

	require.Len(t, records, 1)
	assert.Equal(t, classify.LabelPrinter, records[0].DeviceType)
	assert.Len(t, records[0].Ports, 1)

	complete := rec.OfType(events.TypeScanComplete)
	require.Len(t, complete, 1)
	assert.Equal(t, events.ScanComplete{Scanned: 1, Total: 1}, complete[0].Data)
}

func TestStart_RejectsConcurrentSession(t *testing.T) {
	ctrl := gomock.NewController(t)
	disc := mocks.NewMockDiscoverer(ctrl)

	entered := make(chan struct{})
	release := make(chan struct{})
	disc.EXPECT().Discover(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, string, func(discovery.Host)) ([]discovery.Host, error) {
			close(entered)
			<-release
			return nil, nil
		})

	o, _, _ := newTestOrchestrator(disc, mocks.NewMockPortScanner(ctrl), orchestrator.Config{})
	assert.Nil(t, o.Session())

	id, err := o.StartDiscovery(context.Background(), "192.168.1.0/24")
	require.NoError(t, err)
	<-entered

	_, err = o.StartRun(context.Background(), "192.168.1.0/24")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeBusy))

	var scanErr *errors.ScanError
	require.ErrorAs(t, err, &scanErr)
	assert.Equal(t, id, scanErr.Context["session_id"])

	_, err = o.ScanTarget(context.Background(), "10.0.0.1")
	assert.True(t, errors.IsCode(err, errors.CodeBusy))

	close(release)
	o.Wait()
	assert.Equal(t, orchestrator.StatusFailed, o.Session().Status)
}

func TestRun_CancelDuringDiscoverySkipsScan(t *testing.T) {
	ctrl := gomock.NewController(t)
	disc := mocks.NewMockDiscoverer(ctrl)
	scanner := mocks.NewMockPortScanner(ctrl)

	var o *orchestrator.Orchestrator
	disc.EXPECT().Discover(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, onHost func(discovery.Host)) ([]discovery.Host, error) {
			h := discovery.Host{IP: "10.0.0.2", MAC: "00:11:22:00:00:02"}
			onHost(h)
			o.Cancel()
			return []discovery.Host{h}, nil
		})

	o, rec, _ := newTestOrchestrator(disc, scanner, orchestrator.Config{})
	session, err := o.Run(context.Background(), "10.0.0.0/24")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusCancelled, session.Status)
	assert.Len(t, session.Discovered, 1)
	assert.Empty(t, rec.OfType(events.TypeScanResult))
}

func TestScanTarget(t *testing.T) {
	t.Run("resolves and classifies", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		scanner := mocks.NewMockPortScanner(ctrl)
		resolver := mocks.NewMockHostnameResolver(ctrl)

		scanner.EXPECT().Scan(gomock.Any(), "10.0.0.9").Return(portsResult("10.0.0.9", 631, 9100), nil)
		resolver.EXPECT().LookupHostname(gomock.Any(), "10.0.0.9").Return("printer.lan", nil)

		o, rec, _ := newTestOrchestrator(mocks.NewMockDiscoverer(ctrl), scanner,
			orchestrator.Config{ResolveHostnames: true},
			orchestrator.WithResolver(resolver),
			orchestrator.WithTargetResolver(func(_ context.Context, target string) (string, error) {
				assert.Equal(t, "printer.lan", target)
				return "10.0.0.9", nil
			}))

		record, err := o.ScanTarget(context.Background(), "printer.lan")
		require.NoError(t, err)
		assert.Equal(t, classify.LabelPrinter, record.DeviceType)
		assert.Equal(t, "printer.lan", record.Hostname)
		assert.Empty(t, record.MAC)
		assert.Equal(t, []int{631, 9100}, []int{record.Ports[0].Port, record.Ports[1].Port})

		results := rec.OfType(events.TypeScanResult)
		require.Len(t, results, 1)
		assert.Equal(t, "printer.lan", results[0].Data.(events.ScanResult).Hostname)
	})

	t.Run("unresolvable target fails session", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		o, _, _ := newTestOrchestrator(mocks.NewMockDiscoverer(ctrl), mocks.NewMockPortScanner(ctrl),
			orchestrator.Config{},
			orchestrator.WithTargetResolver(func(_ context.Context, target string) (string, error) {
				return "", errors.ErrInvalidTarget(target)
			}))

		_, err := o.ScanTarget(context.Background(), "nope.invalid")
		assert.True(t, errors.IsCode(err, errors.CodeTargetInvalid))
		assert.Equal(t, orchestrator.StatusFailed, o.Session().Status)
	})
}

func TestClassificationIsIdempotentAcrossSessions(t *testing.T) {
	ctrl := gomock.NewController(t)
	scanner := mocks.NewMockPortScanner(ctrl)
	scanner.EXPECT().Scan(gomock.Any(), "10.0.0.8").Return(portsResult("10.0.0.8", 135, 139, 445), nil).Times(2)

	o, _, _ := newTestOrchestrator(mocks.NewMockDiscoverer(ctrl), scanner, orchestrator.Config{})
	host := []discovery.Host{{IP: "10.0.0.8", MAC: "a4:83:e7:12:34:56"}}

	first, err := o.ScanHosts(context.Background(), host)
	require.NoError(t, err)
	second, err := o.ScanHosts(context.Background(), host)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, classify.LabelWindows, first[0].DeviceType)
}

func gatherText(t *testing.T, m *metrics.PrometheusMetrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}
