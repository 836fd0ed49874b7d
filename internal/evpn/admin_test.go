package evpn_test

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"testing"
	"testing/synctest"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dantte-lp/evpnd/internal/evpn"
)

// freezeMAC drives mac on VNI 100 through four flips so that DAD marks it
// duplicate.
func freezeMAC(t *testing.T, eng *evpn.Engine, local evpn.LocalMAC) {
	t.Helper()
	ctx := context.Background()
	steps := []func() error{
		func() error { return eng.LocalMACAdd(ctx, local) },
		func() error {
			return eng.RemoteMACIPAdd(ctx, evpn.RemoteMACIP{VNI: local.VNI, MAC: local.MAC, VTEP: vtepA, Seq: 1})
		},
		func() error { return eng.LocalMACAdd(ctx, local) },
		func() error {
			return eng.RemoteMACIPAdd(ctx, evpn.RemoteMACIP{VNI: local.VNI, MAC: local.MAC, VTEP: vtepA, Seq: 3})
		},
		func() error { return eng.LocalMACAdd(ctx, local) },
	}
	for i, step := range steps {
		time.Sleep(time.Second)
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		synctest.Wait()
	}
	if b := mustLookupMAC(t, eng, local.VNI, local.MAC); b.State != evpn.StateDuplicate {
		t.Fatalf("state = %s, want Duplicate", b.State)
	}
}

func TestClearDuplicateReleasesEntry(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		m := &countingMetrics{}
		cfg := testConfig()
		cfg.DAD.FreezePermanent = true
		eng, stop := startEngine(t, cfg, &fakeDataplane{}, evpn.WithMetrics(m))
		defer stop()
		ctx := context.Background()

		mustRegisterL2(t, eng, 100, "br0", 10)
		mustRegisterL2(t, eng, 200, "br0", 20)
		mac := mustMAC(t, "00:00:5e:00:53:11")
		freezeMAC(t, eng, evpn.LocalMAC{VNI: 100, MAC: mac, IfName: "swp1"})
		drainNotifications(eng)

		// A clear scoped to another VNI leaves the entry frozen.
		n, err := eng.ClearDuplicate(ctx, evpn.ClearScope{VNI: 200})
		if err != nil || n != 0 {
			t.Fatalf("ClearDuplicate(vni 200) = %d, %v; want 0, nil", n, err)
		}
		if b := mustLookupMAC(t, eng, 100, mac); b.State != evpn.StateDuplicate {
			t.Fatalf("state after unrelated clear = %s, want Duplicate", b.State)
		}

		n, err = eng.ClearDuplicate(ctx, evpn.ClearScope{VNI: 100, MAC: mac})
		if err != nil || n != 1 {
			t.Fatalf("ClearDuplicate(mac) = %d, %v; want 1, nil", n, err)
		}
		synctest.Wait()

		b := mustLookupMAC(t, eng, 100, mac)
		if b.State != evpn.StateLocal || b.Location.IfName != "swp1" || b.MoveCount != 0 {
			t.Errorf("after clear: %s %s moves %d, want Local swp1 moves 0", b.State, b.Location, b.MoveCount)
		}
		if m.recoveries.Load() != 1 {
			t.Errorf("recoveries = %d, want 1", m.recoveries.Load())
		}
		got := drainNotifications(eng)
		if len(got) != 1 || got[0].Kind != evpn.NotifyBindingUpdate {
			t.Errorf("notifications = %v, want [binding-update]", notificationKinds(got))
		}

		if _, err := eng.ClearDuplicate(ctx, evpn.ClearScope{VNI: 4242}); !errors.Is(err, evpn.ErrVNINotFound) {
			t.Errorf("ClearDuplicate(unknown vni) = %v, want ErrVNINotFound", err)
		}
	})
}

func TestDeleteBindingUninstalls(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		dp := &fakeDataplane{}
		eng, stop := startEngine(t, testConfig(), dp)
		defer stop()
		ctx := context.Background()

		mustRegisterL2(t, eng, 100, "br0", 10)
		mac := mustMAC(t, "00:00:5e:00:53:12")
		if err := eng.RemoteMACIPAdd(ctx, evpn.RemoteMACIP{VNI: 100, MAC: mac, VTEP: vtepA, Seq: 2}); err != nil {
			t.Fatalf("RemoteMACIPAdd: %v", err)
		}
		synctest.Wait()
		dp.requests()
		drainNotifications(eng)

		if err := eng.DeleteBinding(ctx, 100, evpn.KindMAC, mac, netip.Addr{}); err != nil {
			t.Fatalf("DeleteBinding: %v", err)
		}
		synctest.Wait()

		reqs := dp.requests()
		if len(reqs) != 1 || reqs[0].Op != evpn.OpUninstall || reqs[0].Target.Location.VTEP != vtepA {
			t.Fatalf("requests = %v, want one uninstall towards %s", reqs, vtepA)
		}
		if _, err := eng.LookupMAC(ctx, 100, mac); !errors.Is(err, evpn.ErrBindingNotFound) {
			t.Errorf("LookupMAC after delete = %v, want ErrBindingNotFound", err)
		}
		if err := eng.DeleteBinding(ctx, 100, evpn.KindMAC, mac, netip.Addr{}); !errors.Is(err, evpn.ErrBindingNotFound) {
			t.Errorf("second DeleteBinding = %v, want ErrBindingNotFound", err)
		}
	})
}

func TestCheckReaddVTEP(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		dp := &fakeDataplane{}
		eng, stop := startEngine(t, testConfig(), dp)
		defer stop()
		ctx := context.Background()

		mustRegisterL2(t, eng, 100, "br0", 10)
		if err := eng.AddVTEP(ctx, 100, vtepA, evpn.FloodHeadEnd); err != nil {
			t.Fatalf("AddVTEP: %v", err)
		}
		synctest.Wait()
		dp.requests()

		readded, err := eng.CheckReaddVTEP(ctx, 100, vtepA)
		if err != nil || !readded {
			t.Fatalf("CheckReaddVTEP(member) = %v, %v; want true, nil", readded, err)
		}
		readded, err = eng.CheckReaddVTEP(ctx, 100, vtepB)
		if err != nil || readded {
			t.Fatalf("CheckReaddVTEP(stranger) = %v, %v; want false, nil", readded, err)
		}
		synctest.Wait()

		reqs := dp.requests()
		if len(reqs) != 1 {
			t.Fatalf("requests = %d, want 1", len(reqs))
		}
		if r := reqs[0]; r.Op != evpn.OpInstall || r.Target.Kind != evpn.TargetFlood || r.Target.Location.VTEP != vtepA {
			t.Errorf("request = %s %s %s, want install flood %s", r.Op, r.Target.Kind, r.Target.Location, vtepA)
		}
	})
}

func TestReplayReissuesState(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		dp := &fakeDataplane{}
		eng, stop := startEngine(t, testConfig(), dp)
		defer stop()
		ctx := context.Background()

		mustRegisterL2(t, eng, 100, "br0", 10)
		if err := eng.AddVTEP(ctx, 100, vtepA, evpn.FloodHeadEnd); err != nil {
			t.Fatalf("AddVTEP: %v", err)
		}
		mac := mustMAC(t, "00:00:5e:00:53:13")
		if err := eng.RemoteMACIPAdd(ctx, evpn.RemoteMACIP{VNI: 100, MAC: mac, VTEP: vtepA, Seq: 1}); err != nil {
			t.Fatalf("RemoteMACIPAdd: %v", err)
		}
		synctest.Wait()
		dp.requests()
		drainNotifications(eng)

		if err := eng.Replay(ctx, 100); err != nil {
			t.Fatalf("Replay: %v", err)
		}
		synctest.Wait()

		kinds := make(map[evpn.TargetKind]int)
		for _, r := range dp.requests() {
			if r.Op != evpn.OpInstall {
				t.Errorf("replay issued %s, want install only", r.Op)
			}
			kinds[r.Target.Kind]++
		}
		if kinds[evpn.TargetFlood] != 1 || kinds[evpn.TargetMAC] != 1 {
			t.Errorf("replayed targets = %v, want one flood and one mac", kinds)
		}
		if got := drainNotifications(eng); len(got) != 0 {
			t.Errorf("replay notified %v", notificationKinds(got))
		}

		if err := eng.Replay(ctx, 7); !errors.Is(err, evpn.ErrVNINotFound) {
			t.Errorf("Replay(unknown) = %v, want ErrVNINotFound", err)
		}
	})
}

func TestBindingsOrdered(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		eng, stop := startEngine(t, testConfig(), &fakeDataplane{})
		defer stop()
		ctx := context.Background()

		mustRegisterL2(t, eng, 100, "br0", 10)
		mustRegisterL2(t, eng, 200, "br0", 20)
		macs := []string{"00:00:5e:00:53:7f", "00:00:5e:00:53:02", "00:00:5e:00:53:40"}
		ips := []string{"198.51.100.200", "198.51.100.9", "198.51.100.30"}
		for _, vni := range []evpn.VNI{200, 100} {
			for i := range macs {
				mac := mustMAC(t, macs[i])
				if err := eng.LocalMACAdd(ctx, evpn.LocalMAC{VNI: vni, MAC: mac, IfName: "swp1"}); err != nil {
					t.Fatalf("LocalMACAdd: %v", err)
				}
				n := evpn.LocalNeigh{VNI: vni, SVI: "vlan" + vni.String(), IP: netip.MustParseAddr(ips[i]), MAC: mac}
				if err := eng.LocalNeighAdd(ctx, n); err != nil {
					t.Fatalf("LocalNeighAdd: %v", err)
				}
			}
		}
		synctest.Wait()

		got, err := eng.Bindings(ctx, 0, 0)
		if err != nil {
			t.Fatalf("Bindings: %v", err)
		}
		var keys []string
		for _, b := range got {
			key := b.MAC.String()
			if b.Kind == evpn.KindNeigh {
				key = b.IP.String()
			}
			keys = append(keys, fmt.Sprintf("%s %s %s", b.VNI, b.Kind, key))
		}
		want := []string{
			"100 mac 00:00:5e:00:53:02",
			"100 mac 00:00:5e:00:53:40",
			"100 mac 00:00:5e:00:53:7f",
			"100 neigh 198.51.100.9",
			"100 neigh 198.51.100.30",
			"100 neigh 198.51.100.200",
			"200 mac 00:00:5e:00:53:02",
			"200 mac 00:00:5e:00:53:40",
			"200 mac 00:00:5e:00:53:7f",
			"200 neigh 198.51.100.9",
			"200 neigh 198.51.100.30",
			"200 neigh 198.51.100.200",
		}
		if diff := cmp.Diff(want, keys); diff != "" {
			t.Errorf("binding order mismatch (-want +got):\n%s", diff)
		}
	})
}
