package netio_test

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"testing"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netlink/nl"

	"github.com/dantte-lp/evpnd/internal/evpn"
	"github.com/dantte-lp/evpnd/internal/netio"
)

// -------------------------------------------------------------------------
// fakeNetlink
// -------------------------------------------------------------------------

// neighOp records one neighbor table call.
type neighOp struct {
	method string
	neigh  netlink.Neigh
}

// fakeNetlink implements netio.Netlink over in-memory links. Updates are
// pushed to live subscriptions with sendNeigh and sendLink.
type fakeNetlink struct {
	mu    sync.Mutex
	links map[int]netlink.Link
	vlans map[int32][]*nl.BridgeVlanInfo
	ops   []neighOp

	// errs maps a method name to the error it returns.
	errs map[string]error

	neighSubs []*subscription[netlink.NeighUpdate]
	linkSubs  []*subscription[netlink.LinkUpdate]

	neighSubscribes int
	linkSubscribes  int
}

type subscription[T any] struct {
	ch    chan<- T
	errFn func(error)
}

func newFakeNetlink(links ...netlink.Link) *fakeNetlink {
	f := &fakeNetlink{
		links: make(map[int]netlink.Link),
		vlans: make(map[int32][]*nl.BridgeVlanInfo),
		errs:  make(map[string]error),
	}
	for _, l := range links {
		f.links[l.Attrs().Index] = l
	}
	return f
}

func (f *fakeNetlink) LinkByName(name string) (netlink.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.links {
		if l.Attrs().Name == name {
			return l, nil
		}
	}
	return nil, fmt.Errorf("link %s: %w", name, netio.ErrLinkNotFound)
}

func (f *fakeNetlink) LinkByIndex(index int) (netlink.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.links[index]; ok {
		return l, nil
	}
	return nil, fmt.Errorf("link index %d: %w", index, netio.ErrLinkNotFound)
}

func (f *fakeNetlink) record(method string, n *netlink.Neigh) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[method]; err != nil {
		return err
	}
	f.ops = append(f.ops, neighOp{method: method, neigh: *n})
	return nil
}

func (f *fakeNetlink) NeighSet(n *netlink.Neigh) error    { return f.record("set", n) }
func (f *fakeNetlink) NeighAppend(n *netlink.Neigh) error { return f.record("append", n) }
func (f *fakeNetlink) NeighDel(n *netlink.Neigh) error    { return f.record("del", n) }

func (f *fakeNetlink) BridgeVlanList() (map[int32][]*nl.BridgeVlanInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs["vlans"]; err != nil {
		return nil, err
	}
	return f.vlans, nil
}

func (f *fakeNetlink) LinkSubscribe(ch chan<- netlink.LinkUpdate, done <-chan struct{}, errFn func(error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linkSubscribes++
	if err := f.errs["link-subscribe"]; err != nil {
		return err
	}
	sub := &subscription[netlink.LinkUpdate]{ch: ch, errFn: errFn}
	f.linkSubs = append(f.linkSubs, sub)
	go func() {
		<-done
		f.mu.Lock()
		defer f.mu.Unlock()
		f.linkSubs = dropSub(f.linkSubs, sub)
	}()
	return nil
}

func (f *fakeNetlink) NeighSubscribe(ch chan<- netlink.NeighUpdate, done <-chan struct{}, errFn func(error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.neighSubscribes++
	if err := f.errs["neigh-subscribe"]; err != nil {
		return err
	}
	sub := &subscription[netlink.NeighUpdate]{ch: ch, errFn: errFn}
	f.neighSubs = append(f.neighSubs, sub)
	go func() {
		<-done
		f.mu.Lock()
		defer f.mu.Unlock()
		f.neighSubs = dropSub(f.neighSubs, sub)
	}()
	return nil
}

// dropSub removes sub and closes its channel if it is still live.
func dropSub[T any](subs []*subscription[T], sub *subscription[T]) []*subscription[T] {
	for i, s := range subs {
		if s == sub {
			close(s.ch)
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

func (f *fakeNetlink) sendNeigh(u netlink.NeighUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.neighSubs {
		s.ch <- u
	}
}

func (f *fakeNetlink) sendLink(u netlink.LinkUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.linkSubs {
		s.ch <- u
	}
}

// breakNeigh fails every neighbor subscription the way the kernel
// library does: the error callback fires and the channel is closed.
func (f *fakeNetlink) breakNeigh(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.neighSubs {
		s.errFn(err)
		close(s.ch)
	}
	f.neighSubs = nil
}

func (f *fakeNetlink) setError(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[method] = err
}

func (f *fakeNetlink) getOps() []neighOp {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]neighOp, len(f.ops))
	copy(out, f.ops)
	return out
}

func (f *fakeNetlink) subscribes() (neigh, link int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.neighSubscribes, f.linkSubscribes
}

// -------------------------------------------------------------------------
// Links
// -------------------------------------------------------------------------

const (
	idxBridge = 2
	idxPort   = 3
	idxVxlan  = 4
	idxSVI    = 5
	idxVRF    = 6
	idxL3SVI  = 7
	idxOther  = 8
)

func mustMAC(t *testing.T, s string) net.HardwareAddr {
	t.Helper()
	mac, err := net.ParseMAC(s)
	if err != nil {
		t.Fatalf("ParseMAC(%q): %v", s, err)
	}
	return mac
}

func testLinks(t *testing.T) []netlink.Link {
	t.Helper()
	return []netlink.Link{
		&netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Index: idxBridge, Name: "br0"}},
		&netlink.Device{LinkAttrs: netlink.LinkAttrs{Index: idxPort, Name: "swp1", MasterIndex: idxBridge}},
		testVxlan(100, "192.0.2.1", ""),
		&netlink.Vlan{LinkAttrs: netlink.LinkAttrs{Index: idxSVI, Name: "vlan10", HardwareAddr: mustMAC(t, "02:aa:00:00:00:10")}, VlanId: 10},
		&netlink.Vrf{LinkAttrs: netlink.LinkAttrs{Index: idxVRF, Name: "tenant1"}, Table: 1001},
		&netlink.Vlan{LinkAttrs: netlink.LinkAttrs{Index: idxL3SVI, Name: "vlan4000", HardwareAddr: mustMAC(t, "02:bb:00:00:00:01")}, VlanId: 4000},
		&netlink.Device{LinkAttrs: netlink.LinkAttrs{Index: idxOther, Name: "eth0"}},
	}
}

func testVxlan(vni int, src, group string) *netlink.Vxlan {
	vx := &netlink.Vxlan{
		LinkAttrs: netlink.LinkAttrs{
			Index:       idxVxlan,
			Name:        "vxlan100",
			MasterIndex: idxBridge,
			OperState:   netlink.OperUp,
			Flags:       net.FlagUp,
		},
		VxlanId: vni,
		SrcAddr: net.ParseIP(src),
	}
	if group != "" {
		vx.Group = net.ParseIP(group)
	}
	return vx
}

// -------------------------------------------------------------------------
// recordingSink
// -------------------------------------------------------------------------

// recordingSink implements netio.LocalSink and netio.LinkSink and records
// every call as a string.
type recordingSink struct {
	mu      sync.Mutex
	calls   []string
	changes []evpn.InterfaceChange
	records []evpn.VNIRecord
	err     error
}

var (
	_ netio.LocalSink = (*recordingSink)(nil)
	_ netio.LinkSink  = (*recordingSink)(nil)
)

func (s *recordingSink) add(format string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, fmt.Sprintf(format, args...))
	return s.err
}

func (s *recordingSink) LocalMACAdd(_ context.Context, m evpn.LocalMAC) error {
	return s.add("mac-add %s %d %s %s sticky=%t", m.Bridge, m.VLAN, m.MAC, m.IfName, m.Sticky)
}

func (s *recordingSink) LocalMACDel(_ context.Context, m evpn.LocalMAC) error {
	return s.add("mac-del %s %d %s %s", m.Bridge, m.VLAN, m.MAC, m.IfName)
}

func (s *recordingSink) LocalNeighAdd(_ context.Context, n evpn.LocalNeigh) error {
	return s.add("neigh-add %s %s %s router=%t", n.SVI, n.IP, n.MAC, n.Router)
}

func (s *recordingSink) LocalNeighDel(_ context.Context, n evpn.LocalNeigh) error {
	return s.add("neigh-del %s %s", n.SVI, n.IP)
}

func (s *recordingSink) LookupVxlanIf(_ context.Context, name string) (evpn.VNIRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.Backing.VxlanIf == name {
			return r, nil
		}
	}
	return evpn.VNIRecord{}, fmt.Errorf("vxlan %s: %w", name, evpn.ErrVNINotFound)
}

func (s *recordingSink) Lookup(_ context.Context, vni evpn.VNI) (evpn.VNIRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.VNI == vni {
			return r, nil
		}
	}
	return evpn.VNIRecord{}, fmt.Errorf("vni %s: %w", vni, evpn.ErrVNINotFound)
}

func (s *recordingSink) VNIs(context.Context) ([]evpn.VNISnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]evpn.VNISnapshot, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, evpn.VNISnapshot{VNIRecord: r})
	}
	return out, nil
}

func (s *recordingSink) CheckReaddVTEP(_ context.Context, vni evpn.VNI, vtep netip.Addr) (bool, error) {
	return true, s.add("readd %s %s", vni, vtep)
}

func (s *recordingSink) ApplyInterfaceChange(_ context.Context, ic evpn.InterfaceChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, ic)
	s.calls = append(s.calls, fmt.Sprintf("change %s", ic.VNI))
	return s.err
}

func (s *recordingSink) SetInterfaceState(_ context.Context, vni evpn.VNI, up bool) error {
	return s.add("state %s up=%t", vni, up)
}

func (s *recordingSink) SetSVIState(_ context.Context, svi string, up bool) error {
	return s.add("svi %s up=%t", svi, up)
}

func (s *recordingSink) getCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *recordingSink) getChanges() []evpn.InterfaceChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]evpn.InterfaceChange, len(s.changes))
	copy(out, s.changes)
	return out
}
