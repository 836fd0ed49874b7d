package netio

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"slices"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/dantte-lp/evpnd/internal/evpn"
)

// LinkSink receives interface changes. *evpn.Engine implements it.
type LinkSink interface {
	Lookup(ctx context.Context, vni evpn.VNI) (evpn.VNIRecord, error)
	LookupVxlanIf(ctx context.Context, name string) (evpn.VNIRecord, error)
	VNIs(ctx context.Context) ([]evpn.VNISnapshot, error)
	ApplyInterfaceChange(ctx context.Context, ic evpn.InterfaceChange) error
	SetInterfaceState(ctx context.Context, vni evpn.VNI, up bool) error
	SetSVIState(ctx context.Context, svi string, up bool) error
}

// -------------------------------------------------------------------------
// LinkMonitor
// -------------------------------------------------------------------------

// LinkMonitor watches VXLAN devices and SVIs. An SVI either routes an L2
// VNI, whose neighbor table follows its operational state, or gives an L3
// VNI its router MAC.
//
// For a VXLAN device of a registered VNI it rebuilds the backing from the
// kernel (tunnel source, multicast group, master, access VLAN) and hands
// it to the engine, which classifies the difference. Operational state is
// reported separately. A removed device counts as down.
type LinkMonitor struct {
	nl     Netlink
	sink   LinkSink
	logger *slog.Logger
}

// NewLinkMonitor creates a LinkMonitor.
func NewLinkMonitor(nl Netlink, sink LinkSink, logger *slog.Logger) *LinkMonitor {
	return &LinkMonitor{
		nl:     nl,
		sink:   sink,
		logger: logger.With(slog.String("component", "netio.linkmon")),
	}
}

// Run processes link updates until ctx is cancelled.
func (m *LinkMonitor) Run(ctx context.Context) error {
	m.logger.Info("link monitor started")
	err := subscribeLoop(ctx, m.logger, func(done <-chan struct{}, errFn func(error)) (<-chan netlink.LinkUpdate, error) {
		ch := make(chan netlink.LinkUpdate, 64)
		if err := m.nl.LinkSubscribe(ch, done, errFn); err != nil {
			return nil, err
		}
		return ch, nil
	}, m.Handle)
	m.logger.Info("link monitor stopped")
	return err
}

// Handle applies a single link update.
func (m *LinkMonitor) Handle(ctx context.Context, u netlink.LinkUpdate) {
	if u.Link == nil {
		return
	}
	attrs := u.Link.Attrs()

	var err error
	if vx, ok := u.Link.(*netlink.Vxlan); ok {
		err = m.handleVxlan(ctx, u.Header.Type, vx)
	} else {
		err = m.handleSVI(ctx, u.Header.Type, attrs)
	}
	if err == nil {
		return
	}

	logAttrs := []any{
		slog.String("link", attrs.Name),
		slog.Int("ifindex", attrs.Index),
		slog.String("error", err.Error()),
	}
	if errors.Is(err, evpn.ErrVNINotFound) {
		m.logger.Debug("link update ignored", logAttrs...)
		return
	}
	m.logger.Warn("link update not applied", logAttrs...)
}

func (m *LinkMonitor) handleVxlan(ctx context.Context, msgType uint16, vx *netlink.Vxlan) error {
	attrs := vx.Attrs()
	rec, err := m.sink.LookupVxlanIf(ctx, attrs.Name)
	if errors.Is(err, evpn.ErrVNINotFound) {
		rec, err = m.sink.Lookup(ctx, evpn.VNI(vx.VxlanId))
	}
	if err != nil {
		return err
	}

	if msgType == unix.RTM_DELLINK {
		return m.sink.SetInterfaceState(ctx, rec.VNI, false)
	}

	b, err := m.backing(rec, vx)
	if err != nil {
		return err
	}
	if err := m.sink.ApplyInterfaceChange(ctx, evpn.InterfaceChange{VNI: rec.VNI, Backing: b}); err != nil {
		return err
	}
	return m.sink.SetInterfaceState(ctx, rec.VNI, linkUp(attrs))
}

// backing derives the new backing of rec from the kernel's view of its
// VXLAN device. Names that cannot be learned from the device are kept.
func (m *LinkMonitor) backing(rec evpn.VNIRecord, vx *netlink.Vxlan) (evpn.Backing, error) {
	attrs := vx.Attrs()
	b := rec.Backing
	b.RouterMAC = slices.Clone(b.RouterMAC)
	b.VxlanIf = attrs.Name
	b.VxlanIndex = attrs.Index

	if ip, ok := netip.AddrFromSlice(vx.SrcAddr); ok {
		b.LocalIP = ip.Unmap()
	}
	b.McastGroup = netip.Addr{}
	if ip, ok := netip.AddrFromSlice(vx.Group); ok && ip.Unmap().IsMulticast() {
		b.McastGroup = ip.Unmap()
	}

	if attrs.MasterIndex != 0 {
		master, err := m.nl.LinkByIndex(attrs.MasterIndex)
		if err != nil {
			return b, err
		}
		switch master.(type) {
		case *netlink.Bridge:
			if rec.Role == evpn.RoleL2 {
				b.Bridge = master.Attrs().Name
			}
		case *netlink.Vrf:
			b.VRF = master.Attrs().Name
		}
	}

	if rec.Role == evpn.RoleL2 {
		vlan, ok, err := m.accessVLAN(attrs.Index)
		if err != nil {
			return b, err
		}
		if ok {
			b.VLAN = vlan
		}
		return b, nil
	}

	if b.SVI != "" {
		svi, err := m.nl.LinkByName(b.SVI)
		if err != nil && !errors.Is(err, ErrLinkNotFound) {
			return b, err
		}
		if err == nil && len(svi.Attrs().HardwareAddr) == 6 {
			b.RouterMAC = slices.Clone(svi.Attrs().HardwareAddr)
		}
	}
	return b, nil
}

// accessVLAN returns the PVID of a bridge port.
func (m *LinkMonitor) accessVLAN(index int) (uint16, bool, error) {
	vlans, err := m.nl.BridgeVlanList()
	if err != nil {
		return 0, false, err
	}
	for _, v := range vlans[int32(index)] {
		if v.PortVID() {
			return v.Vid, true, nil
		}
	}
	return 0, false, nil
}

// handleSVI reports the state of an L2 VNI's SVI and refreshes the router
// MAC of every L3 VNI whose SVI is the updated link. A removed SVI counts
// as down.
func (m *LinkMonitor) handleSVI(ctx context.Context, msgType uint16, attrs *netlink.LinkAttrs) error {
	vnis, err := m.sink.VNIs(ctx)
	if err != nil {
		return err
	}

	var errs []error
	l2 := slices.ContainsFunc(vnis, func(s evpn.VNISnapshot) bool {
		return s.Role == evpn.RoleL2 && s.Backing.SVI == attrs.Name
	})
	if l2 {
		up := msgType != unix.RTM_DELLINK && linkUp(attrs)
		errs = append(errs, m.sink.SetSVIState(ctx, attrs.Name, up))
	}
	if msgType == unix.RTM_DELLINK || len(attrs.HardwareAddr) != 6 {
		return errors.Join(errs...)
	}

	for _, s := range vnis {
		if s.Role != evpn.RoleL3 || s.Backing.SVI != attrs.Name {
			continue
		}
		if sameHW(s.Backing.RouterMAC, attrs.HardwareAddr) {
			continue
		}
		b := s.Backing
		b.RouterMAC = slices.Clone(attrs.HardwareAddr)
		errs = append(errs, m.sink.ApplyInterfaceChange(ctx, evpn.InterfaceChange{
			VNI:     s.VNI,
			Backing: b,
			Changes: []evpn.Change{evpn.ChangeMasterMAC},
		}))
	}
	return errors.Join(errs...)
}

// linkUp reports whether a device is operationally up. Devices without
// carrier reporting show OperUnknown and follow the admin flag.
func linkUp(attrs *netlink.LinkAttrs) bool {
	switch attrs.OperState {
	case netlink.OperUp:
		return true
	case netlink.OperUnknown:
		return attrs.Flags&net.FlagUp != 0
	default:
		return false
	}
}

func sameHW(a, b net.HardwareAddr) bool {
	return slices.Equal(a, b)
}
