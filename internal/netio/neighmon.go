package netio

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/dantte-lp/evpnd/internal/evpn"
)

// LocalSink receives kernel learns. *evpn.Engine implements it.
type LocalSink interface {
	LocalMACAdd(ctx context.Context, m evpn.LocalMAC) error
	LocalMACDel(ctx context.Context, m evpn.LocalMAC) error
	LocalNeighAdd(ctx context.Context, n evpn.LocalNeigh) error
	LocalNeighDel(ctx context.Context, n evpn.LocalNeigh) error
	LookupVxlanIf(ctx context.Context, name string) (evpn.VNIRecord, error)
	CheckReaddVTEP(ctx context.Context, vni evpn.VNI, vtep netip.Addr) (bool, error)
}

// -------------------------------------------------------------------------
// NeighMonitor
// -------------------------------------------------------------------------

// NeighMonitor turns kernel FDB and neighbor updates into local learns.
//
//   - AF_BRIDGE entries on bridge ports become local MACs.
//   - AF_INET/AF_INET6 entries on SVIs become local neighbors.
//   - A deleted flood entry on a VXLAN device is offered back to the engine
//     for reinstallation.
//
// Entries flagged extern_learn were programmed by us and are skipped.
type NeighMonitor struct {
	nl     Netlink
	sink   LocalSink
	logger *slog.Logger

	// bridges limits MAC learning. Nil means every bridge.
	bridges mapset.Set[string]
}

// NeighMonitorOption configures a NeighMonitor.
type NeighMonitorOption func(*NeighMonitor)

// WithBridges limits local MAC learning to the named bridges. An empty
// list keeps learning on every bridge.
func WithBridges(names ...string) NeighMonitorOption {
	return func(m *NeighMonitor) {
		if len(names) > 0 {
			m.bridges = mapset.NewSet(names...)
		}
	}
}

// NewNeighMonitor creates a NeighMonitor.
func NewNeighMonitor(nl Netlink, sink LocalSink, logger *slog.Logger, opts ...NeighMonitorOption) *NeighMonitor {
	m := &NeighMonitor{
		nl:     nl,
		sink:   sink,
		logger: logger.With(slog.String("component", "netio.neighmon")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run processes neighbor updates until ctx is cancelled. A broken
// subscription is re-established with backoff.
func (m *NeighMonitor) Run(ctx context.Context) error {
	m.logger.Info("neighbor monitor started")
	err := subscribeLoop(ctx, m.logger, func(done <-chan struct{}, errFn func(error)) (<-chan netlink.NeighUpdate, error) {
		ch := make(chan netlink.NeighUpdate, 256)
		if err := m.nl.NeighSubscribe(ch, done, errFn); err != nil {
			return nil, err
		}
		return ch, nil
	}, m.Handle)
	m.logger.Info("neighbor monitor stopped")
	return err
}

// Handle applies a single neighbor update.
func (m *NeighMonitor) Handle(ctx context.Context, u netlink.NeighUpdate) {
	n := u.Neigh
	if n.Flags&netlink.NTF_EXT_LEARNED != 0 && u.Type != unix.RTM_DELNEIGH {
		return
	}

	var err error
	switch n.Family {
	case unix.AF_BRIDGE:
		err = m.handleFDB(ctx, u)
	case unix.AF_INET, unix.AF_INET6:
		err = m.handleNeigh(ctx, u)
	default:
		return
	}
	if err == nil {
		return
	}

	attrs := []any{
		slog.Int("ifindex", n.LinkIndex),
		slog.String("mac", n.HardwareAddr.String()),
		slog.String("error", err.Error()),
	}
	if errors.Is(err, evpn.ErrVNINotFound) || errors.Is(err, evpn.ErrRoleMismatch) || errors.Is(err, ErrLinkNotFound) {
		// Not an EVPN-enabled bridge, VLAN or SVI.
		m.logger.Debug("neighbor update ignored", attrs...)
		return
	}
	m.logger.Warn("neighbor update not applied", attrs...)
}

func (m *NeighMonitor) handleFDB(ctx context.Context, u netlink.NeighUpdate) error {
	n := u.Neigh
	link, err := m.nl.LinkByIndex(n.LinkIndex)
	if err != nil {
		return err
	}

	// Entries on the VXLAN device itself: only flood entries matter.
	if _, ok := link.(*netlink.Vxlan); ok {
		if u.Type != unix.RTM_DELNEIGH || !isZeroMAC(n.HardwareAddr) {
			return nil
		}
		vtep, ok := netip.AddrFromSlice(n.IP)
		if !ok {
			return nil
		}
		rec, err := m.sink.LookupVxlanIf(ctx, link.Attrs().Name)
		if err != nil {
			return err
		}
		_, err = m.sink.CheckReaddVTEP(ctx, rec.VNI, vtep.Unmap())
		return err
	}

	if n.Flags&netlink.NTF_EXT_LEARNED != 0 || n.Flags&netlink.NTF_SELF != 0 || len(n.HardwareAddr) != 6 {
		return nil
	}
	if n.MasterIndex == 0 {
		return nil
	}
	bridge, err := m.nl.LinkByIndex(n.MasterIndex)
	if err != nil {
		return err
	}
	if m.bridges != nil && !m.bridges.Contains(bridge.Attrs().Name) {
		return nil
	}

	lm := evpn.LocalMAC{
		Bridge:  bridge.Attrs().Name,
		VLAN:    uint16(n.Vlan),
		MAC:     n.HardwareAddr,
		IfName:  link.Attrs().Name,
		IfIndex: n.LinkIndex,
		Sticky:  n.State&(netlink.NUD_NOARP|netlink.NUD_PERMANENT) != 0,
	}
	if u.Type == unix.RTM_DELNEIGH {
		return m.sink.LocalMACDel(ctx, lm)
	}
	return m.sink.LocalMACAdd(ctx, lm)
}

func (m *NeighMonitor) handleNeigh(ctx context.Context, u netlink.NeighUpdate) error {
	n := u.Neigh
	ip, ok := netip.AddrFromSlice(n.IP)
	if !ok || ip.Unmap().IsLinkLocalUnicast() {
		return nil
	}
	link, err := m.nl.LinkByIndex(n.LinkIndex)
	if err != nil {
		return err
	}

	ln := evpn.LocalNeigh{
		SVI:     link.Attrs().Name,
		IfIndex: n.LinkIndex,
		IP:      ip.Unmap(),
		MAC:     n.HardwareAddr,
		Router:  n.Flags&netlink.NTF_ROUTER != 0,
	}

	switch {
	case u.Type == unix.RTM_DELNEIGH, n.State&netlink.NUD_FAILED != 0:
		if n.Flags&netlink.NTF_EXT_LEARNED != 0 {
			return nil
		}
		return m.sink.LocalNeighDel(ctx, ln)
	case n.State&(netlink.NUD_REACHABLE|netlink.NUD_STALE|netlink.NUD_DELAY|netlink.NUD_PROBE|netlink.NUD_PERMANENT|netlink.NUD_NOARP) != 0:
		if len(n.HardwareAddr) != 6 {
			return nil
		}
		return m.sink.LocalNeighAdd(ctx, ln)
	}
	// INCOMPLETE and NONE carry no binding.
	return nil
}

func isZeroMAC(mac net.HardwareAddr) bool {
	if len(mac) != 6 {
		return false
	}
	for _, b := range mac {
		if b != 0 {
			return false
		}
	}
	return true
}
