package netio_test

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/dantte-lp/evpnd/internal/evpn"
	"github.com/dantte-lp/evpnd/internal/netio"
)

var (
	vtep    = netip.MustParseAddr("192.0.2.20")
	testDev = evpn.Device{
		VxlanIf: "vxlan100",
		Bridge:  "br0",
		VLAN:    10,
		SVI:     "vlan10",
		LocalIP: netip.MustParseAddr("192.0.2.1"),
	}
)

func newTestProgrammer(t *testing.T, nl *fakeNetlink, src netio.RequestSource, workers int) *netio.FDBProgrammer {
	t.Helper()
	return netio.NewFDBProgrammer(src, nl, workers, slog.New(slog.DiscardHandler))
}

// -------------------------------------------------------------------------
// Apply
// -------------------------------------------------------------------------

func TestApplyTranslatesTargets(t *testing.T) {
	t.Parallel()

	mac := mustMAC(t, "02:00:00:00:00:01")
	rmac := mustMAC(t, "02:bb:00:00:00:09")
	v6 := netip.MustParseAddr("2001:db8::10")

	tests := []struct {
		name string
		op   evpn.Op
		t    evpn.Target
		want []neighOp
	}{
		{
			name: "remote mac",
			op:   evpn.OpInstall,
			t:    evpn.Target{Kind: evpn.TargetMAC, VNI: 100, MAC: mac, Location: evpn.RemoteVTEP(vtep), Device: testDev},
			want: []neighOp{{"set", netlink.Neigh{
				Family: unix.AF_BRIDGE, LinkIndex: idxVxlan, HardwareAddr: mac, IP: vtep.AsSlice(), Vlan: 10,
				Flags: netlink.NTF_SELF | netlink.NTF_MASTER | netlink.NTF_EXT_LEARNED, State: netlink.NUD_REACHABLE,
			}}},
		},
		{
			name: "sticky remote mac",
			op:   evpn.OpInstall,
			t:    evpn.Target{Kind: evpn.TargetMAC, VNI: 100, MAC: mac, Location: evpn.RemoteVTEP(vtep), Sticky: true, Device: testDev},
			want: []neighOp{{"set", netlink.Neigh{
				Family: unix.AF_BRIDGE, LinkIndex: idxVxlan, HardwareAddr: mac, IP: vtep.AsSlice(), Vlan: 10,
				Flags: netlink.NTF_SELF | netlink.NTF_MASTER, State: netlink.NUD_REACHABLE | netlink.NUD_NOARP,
			}}},
		},
		{
			name: "remote mac uninstall",
			op:   evpn.OpUninstall,
			t:    evpn.Target{Kind: evpn.TargetMAC, VNI: 100, MAC: mac, Location: evpn.RemoteVTEP(vtep), Device: testDev},
			want: []neighOp{{"del", netlink.Neigh{
				Family: unix.AF_BRIDGE, LinkIndex: idxVxlan, HardwareAddr: mac, IP: vtep.AsSlice(), Vlan: 10,
				Flags: netlink.NTF_SELF | netlink.NTF_MASTER | netlink.NTF_EXT_LEARNED, State: netlink.NUD_REACHABLE,
			}}},
		},
		{
			name: "dynamic local mac is left to the kernel",
			op:   evpn.OpInstall,
			t:    evpn.Target{Kind: evpn.TargetMAC, VNI: 100, MAC: mac, Location: evpn.LocalPort("swp1", idxPort), Device: testDev},
		},
		{
			name: "sticky local mac",
			op:   evpn.OpInstall,
			t:    evpn.Target{Kind: evpn.TargetMAC, VNI: 100, MAC: mac, Location: evpn.LocalPort("swp1", 0), Sticky: true, Device: testDev},
			want: []neighOp{{"set", netlink.Neigh{
				Family: unix.AF_BRIDGE, LinkIndex: idxPort, HardwareAddr: mac, Vlan: 10,
				Flags: netlink.NTF_MASTER, State: netlink.NUD_NOARP,
			}}},
		},
		{
			name: "remote ipv6 router",
			op:   evpn.OpInstall,
			t:    evpn.Target{Kind: evpn.TargetNeigh, VNI: 100, MAC: mac, IP: v6, Location: evpn.RemoteVTEP(vtep), Router: true, Device: testDev},
			want: []neighOp{{"set", netlink.Neigh{
				Family: unix.AF_INET6, LinkIndex: idxSVI, IP: v6.AsSlice(), HardwareAddr: mac,
				Flags: netlink.NTF_EXT_LEARNED | netlink.NTF_ROUTER, State: netlink.NUD_NOARP,
			}}},
		},
		{
			name: "local neighbor is left to the kernel",
			op:   evpn.OpInstall,
			t:    evpn.Target{Kind: evpn.TargetNeigh, VNI: 100, MAC: mac, IP: v6, Location: evpn.LocalPort("vlan10", idxSVI), Device: testDev},
		},
		{
			name: "head-end flood",
			op:   evpn.OpInstall,
			t:    evpn.Target{Kind: evpn.TargetFlood, VNI: 100, Location: evpn.RemoteVTEP(vtep), Flood: evpn.FloodHeadEnd, Device: testDev},
			want: []neighOp{{"append", netlink.Neigh{
				Family: unix.AF_BRIDGE, LinkIndex: idxVxlan, HardwareAddr: make([]byte, 6), IP: vtep.AsSlice(),
				Flags: netlink.NTF_SELF, State: netlink.NUD_NOARP | netlink.NUD_PERMANENT,
			}}},
		},
		{
			name: "multicast flood",
			op:   evpn.OpInstall,
			t:    evpn.Target{Kind: evpn.TargetFlood, VNI: 100, Location: evpn.RemoteVTEP(vtep), Flood: evpn.FloodMulticast, Device: testDev},
		},
		{
			name: "router mac",
			op:   evpn.OpInstall,
			t:    evpn.Target{Kind: evpn.TargetRouterMAC, VNI: 5000, MAC: rmac, Location: evpn.RemoteVTEP(vtep), Device: evpn.Device{VxlanIf: "vxlan100"}},
			want: []neighOp{{"set", netlink.Neigh{
				Family: unix.AF_BRIDGE, LinkIndex: idxVxlan, HardwareAddr: rmac, IP: vtep.AsSlice(),
				Flags: netlink.NTF_SELF | netlink.NTF_MASTER | netlink.NTF_EXT_LEARNED, State: netlink.NUD_NOARP,
			}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			nl := newFakeNetlink(testLinks(t)...)
			p := newTestProgrammer(t, nl, nil, 1)
			if err := p.Apply(evpn.Request{Op: tt.op, Target: tt.t}); err != nil {
				t.Fatalf("Apply() error: %v", err)
			}
			if diff := cmp.Diff(tt.want, nl.getOps(), cmp.AllowUnexported(neighOp{}), cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("neighbor ops mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestApplyIdempotentErrors(t *testing.T) {
	t.Parallel()

	nl := newFakeNetlink(testLinks(t)...)
	nl.setError("del", unix.ENOENT)
	nl.setError("append", unix.EEXIST)
	p := newTestProgrammer(t, nl, nil, 1)

	flood := evpn.Target{Kind: evpn.TargetFlood, VNI: 100, Location: evpn.RemoteVTEP(vtep), Flood: evpn.FloodHeadEnd, Device: testDev}
	if err := p.Apply(evpn.Request{Op: evpn.OpUninstall, Target: flood}); err != nil {
		t.Errorf("uninstall of absent entry: %v, want nil", err)
	}
	if err := p.Apply(evpn.Request{Op: evpn.OpInstall, Target: flood}); err != nil {
		t.Errorf("append of existing entry: %v, want nil", err)
	}
}

func TestApplyErrors(t *testing.T) {
	t.Parallel()

	mac := mustMAC(t, "02:00:00:00:00:01")

	t.Run("kernel error", func(t *testing.T) {
		t.Parallel()
		nl := newFakeNetlink(testLinks(t)...)
		nl.setError("set", unix.EBUSY)
		p := newTestProgrammer(t, nl, nil, 1)

		err := p.Apply(evpn.Request{Op: evpn.OpInstall, Target: evpn.Target{
			Kind: evpn.TargetMAC, VNI: 100, MAC: mac, Location: evpn.RemoteVTEP(vtep), Device: testDev,
		}})
		if !errors.Is(err, unix.EBUSY) {
			t.Errorf("Apply() error = %v, want EBUSY", err)
		}
	})

	t.Run("missing device", func(t *testing.T) {
		t.Parallel()
		nl := newFakeNetlink(testLinks(t)...)
		p := newTestProgrammer(t, nl, nil, 1)

		dev := testDev
		dev.VxlanIf = "vxlan999"
		err := p.Apply(evpn.Request{Op: evpn.OpInstall, Target: evpn.Target{
			Kind: evpn.TargetMAC, VNI: 100, MAC: mac, Location: evpn.RemoteVTEP(vtep), Device: dev,
		}})
		if !errors.Is(err, netio.ErrLinkNotFound) {
			t.Errorf("Apply() error = %v, want ErrLinkNotFound", err)
		}
	})

	t.Run("unknown target", func(t *testing.T) {
		t.Parallel()
		p := newTestProgrammer(t, newFakeNetlink(), nil, 1)
		err := p.Apply(evpn.Request{Op: evpn.OpInstall, Target: evpn.Target{Kind: 99}})
		if !errors.Is(err, errors.ErrUnsupported) {
			t.Errorf("Apply() error = %v, want ErrUnsupported", err)
		}
	})
}

// -------------------------------------------------------------------------
// Run
// -------------------------------------------------------------------------

// fakeSource feeds a fixed list of requests and records completions.
type fakeSource struct {
	reqs chan evpn.Request

	mu   sync.Mutex
	done map[uint64]error
}

func newFakeSource(reqs ...evpn.Request) *fakeSource {
	s := &fakeSource{
		reqs: make(chan evpn.Request, len(reqs)),
		done: make(map[uint64]error),
	}
	for _, r := range reqs {
		s.reqs <- r
	}
	close(s.reqs)
	return s
}

func (s *fakeSource) NextRequest() (evpn.Request, bool) {
	r, ok := <-s.reqs
	return r, ok
}

func (s *fakeSource) Complete(octx evpn.OpContext, res evpn.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done[octx.ID] = res.Err
}

func (s *fakeSource) results() map[uint64]error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint64]error, len(s.done))
	for k, v := range s.done {
		out[k] = v
	}
	return out
}

func TestRunCompletesEveryRequest(t *testing.T) {
	t.Parallel()

	var reqs []evpn.Request
	for i := range 16 {
		mac := mustMAC(t, "02:00:00:00:00:01")
		mac[5] = byte(i)
		dev := testDev
		if i%4 == 0 {
			dev.VxlanIf = "missing"
		}
		reqs = append(reqs, evpn.Request{
			Context: evpn.OpContext{ID: uint64(i + 1), Key: evpn.OpKey{VNI: 100, Kind: evpn.TargetMAC, Addr: mac.String()}},
			Op:      evpn.OpInstall,
			Target:  evpn.Target{Kind: evpn.TargetMAC, VNI: 100, MAC: mac, Location: evpn.RemoteVTEP(vtep), Device: dev},
		})
	}

	nl := newFakeNetlink(testLinks(t)...)
	src := newFakeSource(reqs...)
	p := newTestProgrammer(t, nl, src, 4)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	got := src.results()
	if len(got) != len(reqs) {
		t.Fatalf("completions = %d, want %d", len(got), len(reqs))
	}
	for i := range reqs {
		err := got[uint64(i+1)]
		if i%4 == 0 {
			if !errors.Is(err, netio.ErrLinkNotFound) {
				t.Errorf("request %d: err = %v, want ErrLinkNotFound", i+1, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("request %d: err = %v, want nil", i+1, err)
		}
	}
	if n := len(nl.getOps()); n != 12 {
		t.Errorf("kernel ops = %d, want 12", n)
	}
}

func TestRunPreservesPerKeyOrder(t *testing.T) {
	t.Parallel()

	mac := mustMAC(t, "02:00:00:00:00:01")
	key := evpn.OpKey{VNI: 100, Kind: evpn.TargetMAC, Addr: mac.String()}
	target := evpn.Target{Kind: evpn.TargetMAC, VNI: 100, MAC: mac, Location: evpn.RemoteVTEP(vtep), Device: testDev}

	var reqs []evpn.Request
	for i := range 10 {
		op := evpn.OpInstall
		if i%2 == 1 {
			op = evpn.OpUninstall
		}
		reqs = append(reqs, evpn.Request{Context: evpn.OpContext{ID: uint64(i + 1), Key: key}, Op: op, Target: target})
	}

	nl := newFakeNetlink(testLinks(t)...)
	p := newTestProgrammer(t, nl, newFakeSource(reqs...), 8)
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	ops := nl.getOps()
	if len(ops) != 10 {
		t.Fatalf("kernel ops = %d, want 10", len(ops))
	}
	for i, op := range ops {
		want := "set"
		if i%2 == 1 {
			want = "del"
		}
		if op.method != want {
			t.Errorf("op %d = %s, want %s", i, op.method, want)
		}
	}
}
