package evpn_test

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dantte-lp/evpnd/internal/evpn"
)

// -------------------------------------------------------------------------
// Test Helpers
// -------------------------------------------------------------------------

// fakeDataplane consumes engine requests. In auto mode every request is
// completed right away with the result of fail (nil means success). In
// manual mode requests are parked until the test completes them.
type fakeDataplane struct {
	mu      sync.Mutex
	manual  bool
	fail    func(evpn.Request) error
	reqs    []evpn.Request
	pending []evpn.Request
}

func (dp *fakeDataplane) serve(eng *evpn.Engine) {
	for {
		req, ok := eng.NextRequest()
		if !ok {
			return
		}
		dp.mu.Lock()
		dp.reqs = append(dp.reqs, req)
		manual, fail := dp.manual, dp.fail
		if manual {
			dp.pending = append(dp.pending, req)
		}
		dp.mu.Unlock()
		if manual {
			continue
		}
		var err error
		if fail != nil {
			err = fail(req)
		}
		eng.Complete(req.Context, evpn.Result{Err: err})
	}
}

// requests returns and clears every request seen so far.
func (dp *fakeDataplane) requests() []evpn.Request {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	out := dp.reqs
	dp.reqs = nil
	return out
}

// takePending returns and clears the parked requests of manual mode.
func (dp *fakeDataplane) takePending() []evpn.Request {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	out := dp.pending
	dp.pending = nil
	return out
}

// countingMetrics records the counters tests assert on.
type countingMetrics struct {
	stale      atomic.Int64
	failures   atomic.Int64
	rejected   atomic.Int64
	detections atomic.Int64
	recoveries atomic.Int64
	deferred   atomic.Int64
}

func (m *countingMetrics) RegisterVNI(evpn.VNI, evpn.Role) {}
func (m *countingMetrics) UnregisterVNI(evpn.VNI, evpn.Role) {}
func (m *countingMetrics) SetVTEPs(evpn.VNI, int) {}
func (m *countingMetrics) RecordBindingTransition(evpn.VNI, evpn.Kind, evpn.State, evpn.State) {}
func (m *countingMetrics) IncClaimsRejected(evpn.VNI, evpn.Kind) { m.rejected.Add(1) }
func (m *countingMetrics) IncDADDetections(evpn.VNI, evpn.Kind) { m.detections.Add(1) }
func (m *countingMetrics) IncDADRecoveries(evpn.VNI, evpn.Kind) { m.recoveries.Add(1) }
func (m *countingMetrics) IncDataplaneRequests(evpn.Op) {}
func (m *countingMetrics) IncDataplaneFailures(evpn.Op) { m.failures.Add(1) }
func (m *countingMetrics) IncStaleCompletions() { m.stale.Add(1) }
func (m *countingMetrics) IncNotificationsDeferred() { m.deferred.Add(1) }

// startEngine runs an engine and its fake dataplane. The returned stop
// function cancels the engine and waits until the dataplane drained.
func startEngine(t *testing.T, cfg evpn.Config, dp *fakeDataplane, opts ...evpn.Option) (*evpn.Engine, func()) {
	t.Helper()
	eng := evpn.NewEngine(cfg, slog.New(slog.DiscardHandler), opts...)
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = eng.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		dp.serve(eng)
	}()

	return eng, func() {
		cancel()
		wg.Wait()
	}
}

func drainNotifications(eng *evpn.Engine) []evpn.Notification {
	var out []evpn.Notification
	for {
		select {
		case n := <-eng.Notifications():
			out = append(out, n)
		default:
			return out
		}
	}
}

func notificationKinds(ns []evpn.Notification) []evpn.NotificationKind {
	out := make([]evpn.NotificationKind, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.Kind)
	}
	return out
}

func mustMAC(t *testing.T, s string) net.HardwareAddr {
	t.Helper()
	mac, err := evpn.ParseMAC(s)
	if err != nil {
		t.Fatalf("ParseMAC(%q): %v", s, err)
	}
	return mac
}

func mustRegisterL2(t *testing.T, eng *evpn.Engine, vni evpn.VNI, bridge string, vlan uint16) {
	t.Helper()
	err := eng.Register(context.Background(), vni, evpn.RoleL2, evpn.Backing{
		Bridge:     bridge,
		VLAN:       vlan,
		SVI:        "vlan" + vni.String(),
		VxlanIf:    "vxlan" + vni.String(),
		VxlanIndex: int(vni),
		LocalIP:    netip.MustParseAddr("192.0.2.1"),
	})
	if err != nil {
		t.Fatalf("Register(%d): %v", vni, err)
	}
}

func mustLookupMAC(t *testing.T, eng *evpn.Engine, vni evpn.VNI, mac net.HardwareAddr) evpn.Binding {
	t.Helper()
	b, err := eng.LookupMAC(context.Background(), vni, mac)
	if err != nil {
		t.Fatalf("LookupMAC(%d, %s): %v", vni, mac, err)
	}
	return b
}

func mustLookupNeigh(t *testing.T, eng *evpn.Engine, vni evpn.VNI, ip netip.Addr) evpn.Binding {
	t.Helper()
	b, err := eng.LookupNeigh(context.Background(), vni, ip)
	if err != nil {
		t.Fatalf("LookupNeigh(%d, %s): %v", vni, ip, err)
	}
	return b
}
