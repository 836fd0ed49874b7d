package evpn

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
)

// -------------------------------------------------------------------------
// VNI registry operations
// -------------------------------------------------------------------------

// Register adds a VNI. Registering an existing VNI with the same role and
// backing is a no-op. A different role or backing, or a bridge/VLAN pair
// or VRF owned by another VNI, fails with a *ConflictError. Backing
// updates of a registered VNI go through ApplyInterfaceChange.
func (e *Engine) Register(ctx context.Context, vni VNI, role Role, b Backing) error {
	return e.do(ctx, func() error {
		vs, created, err := e.reg.register(vni, role, b)
		if err != nil {
			return err
		}
		if !created {
			return nil
		}
		e.metrics.RegisterVNI(vni, role)
		e.logger.Info("vni registered",
			slog.String("vni", vni.String()),
			slog.String("role", role.String()),
			slog.String("bridge", b.Bridge),
			slog.Int("vlan", int(b.VLAN)),
			slog.String("vrf", b.VRF),
			slog.String("vxlan_if", b.VxlanIf),
		)
		e.emitVNI(NotifyVNIAdd, vs)
		return nil
	})
}

// Unregister removes a VNI. Its flood entries, bindings and router MACs
// are uninstalled and a deletion notification is emitted for each of
// them before the VNI itself is withdrawn.
func (e *Engine) Unregister(ctx context.Context, vni VNI) error {
	return e.do(ctx, func() error {
		vs, ok := e.reg.lookup(vni)
		if !ok {
			return fmt.Errorf("unregister vni %s: %w", vni, ErrVNINotFound)
		}
		e.teardown(vs)
		e.reg.remove(vs)
		e.metrics.UnregisterVNI(vni, vs.rec.Role)
		e.logger.Info("vni unregistered",
			slog.String("vni", vni.String()),
			slog.String("role", vs.rec.Role.String()),
		)
		return nil
	})
}

// teardown drops everything under a VNI.
func (e *Engine) teardown(vs *vniState) {
	switch vs.rec.Role {
	case RoleL2:
		for _, vtep := range vs.vteps.members() {
			e.gwIssue(OpUninstall, floodTarget(vs, vtep, vs.vteps.mode))
			e.emit(Notification{Kind: NotifyVTEPDelete, VNI: vs.rec.VNI, Role: vs.rec.Role, VTEP: vtep})
		}
		vs.vteps.reset()
		e.metrics.SetVTEPs(vs.rec.VNI, 0)
		for _, en := range vs.neighs.all() {
			e.discard(vs, en, true)
		}
		for _, en := range vs.macs.all() {
			e.discard(vs, en, true)
		}
	case RoleL3:
		e.flushRouterMACs(vs)
	}
	e.emitVNIDelete(vs)
}

// emitVNIDelete withdraws a VNI. Deletes are sent even when advertising
// is off so that nothing stays announced.
func (e *Engine) emitVNIDelete(vs *vniState) {
	e.emit(Notification{
		Kind: NotifyVNIDelete,
		VNI:  vs.rec.VNI,
		Role: vs.rec.Role,
		VTEP: vs.rec.Backing.LocalIP,
	})
}

// Lookup returns the record of a VNI.
func (e *Engine) Lookup(ctx context.Context, vni VNI) (VNIRecord, error) {
	var rec VNIRecord
	err := e.do(ctx, func() error {
		vs, ok := e.reg.lookup(vni)
		if !ok {
			return fmt.Errorf("vni %s: %w", vni, ErrVNINotFound)
		}
		rec = vs.rec.clone()
		return nil
	})
	return rec, err
}

// LookupVxlanIf resolves a VXLAN device name to the record of its VNI.
func (e *Engine) LookupVxlanIf(ctx context.Context, name string) (VNIRecord, error) {
	var rec VNIRecord
	err := e.do(ctx, func() error {
		vs, ok := e.reg.byVxlanIf(name)
		if !ok {
			return fmt.Errorf("vxlan device %s: %w", name, ErrVNINotFound)
		}
		rec = vs.rec.clone()
		return nil
	})
	return rec, err
}

func (e *Engine) l2State(vni VNI) (*vniState, error) {
	vs, ok := e.reg.lookup(vni)
	if !ok {
		return nil, fmt.Errorf("vni %s: %w", vni, ErrVNINotFound)
	}
	if vs.rec.Role != RoleL2 {
		return nil, fmt.Errorf("vni %s is %s: %w", vni, vs.rec.Role, ErrRoleMismatch)
	}
	return vs, nil
}

// -------------------------------------------------------------------------
// VTEP membership
// -------------------------------------------------------------------------

// AddVTEP adds a remote VTEP to an L2 VNI and installs its flood entry.
// A zero mode adopts the VNI's mode, or the default for the first VTEP.
// Adding a VTEP with a mode other than the VNI's fails with
// ErrFloodModeMismatch. Re-adding a member is a no-op.
func (e *Engine) AddVTEP(ctx context.Context, vni VNI, vtep netip.Addr, mode FloodMode) error {
	return e.do(ctx, func() error {
		vs, err := e.l2State(vni)
		if err != nil {
			return err
		}
		if !vtep.IsValid() || vtep.IsUnspecified() {
			return fmt.Errorf("vtep %s: %w", vtep, ErrInvalidVTEP)
		}
		if !vs.rec.Up {
			e.logger.Debug("vtep ignored on down vni",
				slog.String("vni", vni.String()),
				slog.String("vtep", vtep.String()),
			)
			return nil
		}
		if mode == 0 && vs.vteps.mode == 0 {
			mode = e.cfg.DefaultFloodMode
		}
		added, err := vs.vteps.add(vtep, mode)
		if err != nil {
			return fmt.Errorf("vni %s vtep %s mode %s (vni uses %s): %w", vni, vtep, mode, vs.vteps.mode, err)
		}
		if !added {
			return nil
		}
		e.gwIssue(OpInstall, floodTarget(vs, vtep, vs.vteps.mode))
		e.metrics.SetVTEPs(vni, vs.vteps.len())
		e.logger.Debug("vtep added",
			slog.String("vni", vni.String()),
			slog.String("vtep", vtep.String()),
			slog.String("flood", vs.vteps.mode.String()),
		)
		return nil
	})
}

// RemoveVTEP removes a remote VTEP from an L2 VNI and uninstalls its flood
// entry. Removing a non-member is a no-op.
func (e *Engine) RemoveVTEP(ctx context.Context, vni VNI, vtep netip.Addr) error {
	return e.do(ctx, func() error {
		vs, err := e.l2State(vni)
		if err != nil {
			return err
		}
		if !vs.vteps.remove(vtep) {
			return nil
		}
		e.gwIssue(OpUninstall, floodTarget(vs, vtep, vs.vteps.mode))
		e.metrics.SetVTEPs(vni, vs.vteps.len())
		e.logger.Debug("vtep removed",
			slog.String("vni", vni.String()),
			slog.String("vtep", vtep.String()),
		)
		return nil
	})
}

// VTEPs returns the membership of an L2 VNI in address order and its
// flood mode.
func (e *Engine) VTEPs(ctx context.Context, vni VNI) ([]netip.Addr, FloodMode, error) {
	var (
		out  []netip.Addr
		mode FloodMode
	)
	err := e.do(ctx, func() error {
		vs, err := e.l2State(vni)
		if err != nil {
			return err
		}
		out = vs.vteps.members()
		mode = vs.vteps.mode
		return nil
	})
	return out, mode, err
}

// ReplayVTEPs re-issues the flood entry of every member of a VNI.
func (e *Engine) ReplayVTEPs(ctx context.Context, vni VNI) error {
	return e.do(ctx, func() error {
		vs, err := e.l2State(vni)
		if err != nil {
			return err
		}
		e.replayVTEPs(vs)
		return nil
	})
}

func (e *Engine) replayVTEPs(vs *vniState) {
	for _, vtep := range vs.vteps.members() {
		e.gwIssue(OpInstall, floodTarget(vs, vtep, vs.vteps.mode))
	}
}

// CheckReaddVTEP reinstalls the flood entry of vtep if it is still a
// member. It is called when the kernel reports that the entry vanished.
// It reports whether a reinstall was issued.
func (e *Engine) CheckReaddVTEP(ctx context.Context, vni VNI, vtep netip.Addr) (bool, error) {
	var readded bool
	err := e.do(ctx, func() error {
		vs, err := e.l2State(vni)
		if err != nil {
			return err
		}
		if !vs.rec.Up || !vs.vteps.contains(vtep) {
			return nil
		}
		e.logger.Info("flood entry removed externally, reinstalling",
			slog.String("vni", vni.String()),
			slog.String("vtep", vtep.String()),
		)
		e.gwIssue(OpInstall, floodTarget(vs, vtep, vs.vteps.mode))
		readded = true
		return nil
	})
	return readded, err
}

func floodTarget(vs *vniState, vtep netip.Addr, mode FloodMode) Target {
	return Target{
		Kind:     TargetFlood,
		VNI:      vs.rec.VNI,
		MAC:      zeroMAC,
		Location: RemoteVTEP(vtep),
		Flood:    mode,
		Device:   vs.rec.device(),
	}
}

// -------------------------------------------------------------------------
// Interface changes
// -------------------------------------------------------------------------

// ApplyInterfaceChange applies new attributes of a VNI's kernel objects.
// VLAN and multicast group changes re-associate the VNI; local IP and
// master changes are applied in place. A new VLAN owned by another VNI
// fails with a *ConflictError and nothing changes.
func (e *Engine) ApplyInterfaceChange(ctx context.Context, ic InterfaceChange) error {
	return e.do(ctx, func() error {
		vs, ok := e.reg.lookup(ic.VNI)
		if !ok {
			return fmt.Errorf("interface change vni %s: %w", ic.VNI, ErrVNINotFound)
		}
		return e.applyChange(vs, ic)
	})
}

func (e *Engine) applyChange(vs *vniState, ic InterfaceChange) error {
	changes := ic.Changes
	if len(changes) == 0 {
		changes = DiffBacking(vs.rec.Backing, ic.Backing)
	}
	plan := Classify(changes)

	oldDev := vs.rec.device()
	if err := e.reg.rebind(vs, ic.Backing); err != nil {
		e.logger.Warn("interface change rejected",
			slog.String("vni", vs.rec.VNI.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
	if plan.Empty() {
		return nil
	}

	e.logger.Info("interface change",
		slog.String("vni", vs.rec.VNI.String()),
		slog.Any("changes", changes),
		slog.String("plan", plan.String()),
	)

	if plan.Reassociate {
		e.reassociate(vs, oldDev)
	}
	if plan.InPlace || plan.RouterMAC {
		e.emitVNI(NotifyVNIUpdate, vs)
	}
	if plan.RouterMAC && vs.rec.Role == RoleL3 {
		e.renotifyRouted(vs)
	}
	if plan.Reassociate {
		e.emitVNI(NotifyVNIResync, vs)
	}
	return nil
}

// reassociate rebuilds a VNI after its VLAN or group changed. The flood
// list is torn down under the old device and every active binding is moved
// to the new one.
func (e *Engine) reassociate(vs *vniState, oldDev Device) {
	if vs.rec.Role == RoleL3 {
		e.reinstallRouterMACs(vs)
		return
	}

	for _, vtep := range vs.vteps.members() {
		t := floodTarget(vs, vtep, vs.vteps.mode)
		t.Device = oldDev
		e.gwIssue(OpUninstall, t)
	}
	vs.vteps.reset()
	e.metrics.SetVTEPs(vs.rec.VNI, 0)

	for _, tbl := range []*bindingTable{vs.macs, vs.neighs} {
		for _, en := range tbl.all() {
			if !en.active() {
				continue
			}
			old := bindingTarget(vs, &en.Binding)
			old.Device = oldDev
			e.gwIssue(OpUninstall, old)
			e.gwIssue(OpInstall, bindingTarget(vs, &en.Binding))
		}
	}
}

// renotifyRouted re-announces local neighbors of every L2 VNI that routes
// through an L3 VNI whose router MAC changed.
func (e *Engine) renotifyRouted(l3 *vniState) {
	for _, vs := range e.reg.l2() {
		if vs.rec.Backing.VRF != l3.rec.Backing.VRF {
			continue
		}
		for _, en := range vs.neighs.all() {
			if en.State == StateLocal {
				en.notifyPending = true
				e.flushNotify(vs, en)
			}
		}
	}
}

// SetInterfaceState records the operational state of a VNI's VXLAN device.
// Going down deactivates local bindings, drops remote state and withdraws
// the VNI; coming up announces it again and asks for a resync.
func (e *Engine) SetInterfaceState(ctx context.Context, vni VNI, up bool) error {
	return e.do(ctx, func() error {
		vs, ok := e.reg.lookup(vni)
		if !ok {
			return fmt.Errorf("vni %s: %w", vni, ErrVNINotFound)
		}
		if vs.rec.Up == up {
			return nil
		}
		vs.rec.Up = up
		e.logger.Info("vni oper state changed",
			slog.String("vni", vni.String()),
			slog.Bool("up", up),
		)
		if up {
			e.emitVNI(NotifyVNIAdd, vs)
			e.emitVNI(NotifyVNIResync, vs)
			return nil
		}
		e.flushRemote(vs)
		if vs.rec.Role == RoleL2 {
			for _, tbl := range []*bindingTable{vs.macs, vs.neighs} {
				for _, en := range tbl.all() {
					if en.State == StateLocal {
						e.deactivate(vs, en)
					}
				}
			}
		}
		e.emitVNIDelete(vs)
		return nil
	})
}

// SetSVIState records the operational state of an SVI. Every L2 VNI
// routed through it is affected: going down deactivates its local
// neighbors, coming back reclaims the ones parked by the earlier down.
// An SVI that no L2 VNI uses is ignored.
func (e *Engine) SetSVIState(ctx context.Context, svi string, up bool) error {
	if svi == "" {
		return fmt.Errorf("svi state: %w", ErrInvalidBacking)
	}
	return e.do(ctx, func() error {
		for _, vs := range e.reg.l2() {
			if vs.rec.Backing.SVI != svi || vs.rec.SVIDown == !up {
				continue
			}
			vs.rec.SVIDown = !up
			e.logger.Info("svi oper state changed",
				slog.String("vni", vs.rec.VNI.String()),
				slog.String("svi", svi),
				slog.Bool("up", up),
			)
			if up {
				e.reclaimNeighbors(vs)
				continue
			}
			for _, en := range vs.neighs.all() {
				if en.State == StateLocal {
					e.deactivate(vs, en)
					en.sviParked = true
				}
			}
		}
		return nil
	})
}

// reclaimNeighbors re-runs the local claim of every neighbor parked by an
// SVI down. Entries collected in the meantime are gone for good.
func (e *Engine) reclaimNeighbors(vs *vniState) {
	if !vs.rec.Up {
		return
	}
	for _, en := range vs.neighs.all() {
		if !en.sviParked || en.State != StateInactive {
			continue
		}
		en.sviParked = false
		e.claim(vs, KindNeigh, nil, en.IP, Claim{
			Origin:   OriginLocal,
			Location: en.Location,
			MAC:      cloneMAC(en.MAC),
			Router:   en.Router,
			Sticky:   en.Sticky,
			Gateway:  en.Gateway,
		})
	}
}

// flushRemote drops everything a VNI learned from the remote-route feed.
func (e *Engine) flushRemote(vs *vniState) {
	if vs.rec.Role == RoleL3 {
		e.flushRouterMACs(vs)
		return
	}
	for _, vtep := range vs.vteps.members() {
		e.gwIssue(OpUninstall, floodTarget(vs, vtep, vs.vteps.mode))
	}
	vs.vteps.reset()
	e.metrics.SetVTEPs(vs.rec.VNI, 0)
	for _, tbl := range []*bindingTable{vs.macs, vs.neighs} {
		for _, en := range tbl.all() {
			if en.State == StateRemote || (en.State == StateDuplicate && en.candidate != nil && en.candidate.State == StateRemote) {
				e.discard(vs, en, false)
			}
		}
	}
}

// VNISnapshot is a point-in-time view of one VNI.
type VNISnapshot struct {
	VNIRecord

	FloodMode  FloodMode
	VTEPs      int
	MACs       int
	Neighs     int
	RouterMACs int
	Duplicates int
}

// VNIs returns a snapshot of every VNI in VNI order.
func (e *Engine) VNIs(ctx context.Context) ([]VNISnapshot, error) {
	var out []VNISnapshot
	err := e.do(ctx, func() error {
		for _, vs := range e.reg.sorted() {
			out = append(out, snapshotVNI(vs))
		}
		return nil
	})
	return out, err
}

func snapshotVNI(vs *vniState) VNISnapshot {
	s := VNISnapshot{VNIRecord: vs.rec.clone()}
	if vs.rec.Role == RoleL3 {
		s.RouterMACs = len(vs.rmacs)
		return s
	}
	s.FloodMode = vs.vteps.mode
	s.VTEPs = vs.vteps.len()
	s.MACs = vs.macs.len()
	s.Neighs = vs.neighs.len()
	for _, tbl := range []*bindingTable{vs.macs, vs.neighs} {
		for _, en := range tbl.all() {
			if en.State == StateDuplicate {
				s.Duplicates++
			}
		}
	}
	return s
}

// l2Scope resolves an administrative VNI argument. Zero selects every L2
// VNI.
func (e *Engine) l2Scope(vni VNI) ([]*vniState, error) {
	if vni == 0 {
		return e.reg.l2(), nil
	}
	vs, err := e.l2State(vni)
	if err != nil {
		return nil, err
	}
	return []*vniState{vs}, nil
}

// sortBindings orders bindings by VNI, kind and key. The key is the MAC
// of a MAC entry and the IP of a neighbor.
func sortBindings(out []Binding) {
	slices.SortFunc(out, func(a, b Binding) int {
		if c := cmp.Compare(a.VNI, b.VNI); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Kind, b.Kind); c != 0 {
			return c
		}
		if a.Kind == KindNeigh {
			return a.IP.Compare(b.IP)
		}
		return bytes.Compare(a.MAC, b.MAC)
	})
}
