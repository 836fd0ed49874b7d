package evpn

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
)

// -------------------------------------------------------------------------
// Global toggles
// -------------------------------------------------------------------------

// SetAdvertiseAllVNI turns outbound advertisement on or off. Turning it off
// withdraws every VNI and flushes all remote state. Turning it on
// announces every VNI, re-announces local bindings and asks the routing
// process for a resync.
func (e *Engine) SetAdvertiseAllVNI(ctx context.Context, on bool) error {
	return e.do(ctx, func() error {
		if e.cfg.AdvertiseAllVNI == on {
			return nil
		}
		e.logger.Info("advertise-all-vni changed", slog.Bool("enabled", on))

		if !on {
			for _, vs := range e.reg.sorted() {
				e.flushRemote(vs)
				e.emitVNIDelete(vs)
				if vs.rec.Role == RoleL2 {
					for _, tbl := range []*bindingTable{vs.macs, vs.neighs} {
						for _, en := range tbl.all() {
							en.advertised = false
						}
					}
				}
			}
			e.cfg.AdvertiseAllVNI = false
			return nil
		}

		e.cfg.AdvertiseAllVNI = true
		for _, vs := range e.reg.sorted() {
			e.emitVNI(NotifyVNIAdd, vs)
			if vs.rec.Role == RoleL2 {
				e.renotifyLocal(vs)
			}
			e.emitVNI(NotifyVNIResync, vs)
		}
		return nil
	})
}

// renotifyLocal re-announces every LOCAL binding of a VNI.
func (e *Engine) renotifyLocal(vs *vniState) {
	for _, tbl := range []*bindingTable{vs.macs, vs.neighs} {
		for _, en := range tbl.all() {
			if en.State == StateLocal {
				en.notifyPending = true
				e.flushNotify(vs, en)
			}
		}
	}
}

// SetAdvertiseSubnet toggles subnet route advertisement of a VNI. Zero
// selects every L2 VNI.
func (e *Engine) SetAdvertiseSubnet(ctx context.Context, vni VNI, on bool) error {
	return e.do(ctx, func() error {
		scope, err := e.l2Scope(vni)
		if err != nil {
			return err
		}
		for _, vs := range scope {
			if vs.rec.AdvertiseSubnet == on {
				continue
			}
			vs.rec.AdvertiseSubnet = on
			e.emitVNI(NotifyVNIUpdate, vs)
		}
		return nil
	})
}

// SetAdvertiseGatewayMACIP toggles advertisement of gateway MAC/IP
// bindings. Zero selects every L2 VNI. Gateway bindings are announced or
// withdrawn accordingly.
func (e *Engine) SetAdvertiseGatewayMACIP(ctx context.Context, vni VNI, on bool) error {
	return e.setSVIAdvertisement(ctx, vni, func(rec *VNIRecord) *bool { return &rec.AdvertiseGatewayMACIP }, on)
}

// SetAdvertiseSVIMACIP toggles advertisement of the SVI MAC/IP as a plain
// host binding. Zero selects every L2 VNI. With gateway advertisement
// also on, the bindings keep the gateway flag.
func (e *Engine) SetAdvertiseSVIMACIP(ctx context.Context, vni VNI, on bool) error {
	return e.setSVIAdvertisement(ctx, vni, func(rec *VNIRecord) *bool { return &rec.AdvertiseSVIMACIP }, on)
}

func (e *Engine) setSVIAdvertisement(ctx context.Context, vni VNI, flag func(*VNIRecord) *bool, on bool) error {
	return e.do(ctx, func() error {
		scope, err := e.l2Scope(vni)
		if err != nil {
			return err
		}
		for _, vs := range scope {
			f := flag(&vs.rec)
			if *f == on {
				continue
			}
			*f = on
			e.emitVNI(NotifyVNIUpdate, vs)
			e.readvertiseSVI(vs)
		}
		return nil
	})
}

// readvertiseSVI re-announces the local gateway bindings of a VNI after an
// advertisement flag changed, or withdraws them when none is left on.
func (e *Engine) readvertiseSVI(vs *vniState) {
	for _, tbl := range []*bindingTable{vs.macs, vs.neighs} {
		for _, en := range tbl.all() {
			if !en.Gateway || en.State != StateLocal {
				continue
			}
			if vs.rec.advertisesSVI() {
				en.notifyPending = true
				e.flushNotify(vs, en)
			} else if en.advertised && e.cfg.AdvertiseAllVNI {
				e.emit(e.bindingNotification(NotifyBindingDelete, vs, en))
				en.advertised = false
			}
		}
	}
}

// SetFloodMode changes the replication mode of a VNI and reprograms its
// flood entries. Zero selects every L2 VNI and also changes the default.
func (e *Engine) SetFloodMode(ctx context.Context, vni VNI, mode FloodMode) error {
	if mode != FloodHeadEnd && mode != FloodMulticast {
		return fmt.Errorf("flood mode %d: %w", mode, ErrInvalidFloodMode)
	}
	return e.do(ctx, func() error {
		scope, err := e.l2Scope(vni)
		if err != nil {
			return err
		}
		if vni == 0 {
			e.cfg.DefaultFloodMode = mode
		}
		for _, vs := range scope {
			prev := vs.vteps.mode
			if prev == mode {
				continue
			}
			vs.vteps.mode = mode
			e.logger.Info("flood mode changed",
				slog.String("vni", vs.rec.VNI.String()),
				slog.String("from", prev.String()),
				slog.String("to", mode.String()),
			)
			for _, vtep := range vs.vteps.members() {
				e.gwIssue(OpUninstall, floodTarget(vs, vtep, prev))
				e.gwIssue(OpInstall, floodTarget(vs, vtep, mode))
			}
			e.emitVNI(NotifyVNIUpdate, vs)
		}
		return nil
	})
}

// -------------------------------------------------------------------------
// Duplicate address detection
// -------------------------------------------------------------------------

// SetDADConfig replaces the DAD parameters. Disabling DAD releases every
// DUPLICATE entry.
func (e *Engine) SetDADConfig(ctx context.Context, cfg DADConfig) error {
	if cfg.Enabled {
		if cfg.Window <= 0 || cfg.MaxMoves <= 0 {
			return fmt.Errorf("dad window %s max moves %d: %w", cfg.Window, cfg.MaxMoves, ErrInvalidDADConfig)
		}
		if !cfg.FreezePermanent && cfg.Freeze <= 0 {
			return fmt.Errorf("dad freeze %s: %w", cfg.Freeze, ErrInvalidDADConfig)
		}
	}
	return e.do(ctx, func() error {
		e.cfg.DAD = cfg
		e.logger.Info("dad config changed",
			slog.Bool("enabled", cfg.Enabled),
			slog.Duration("window", cfg.Window),
			slog.Int("max_moves", cfg.MaxMoves),
			slog.Duration("freeze", cfg.Freeze),
			slog.Bool("permanent", cfg.FreezePermanent),
		)
		if !cfg.Enabled {
			e.clearDuplicates(e.reg.l2(), nil, netip.Addr{})
		}
		return nil
	})
}

// ClearScope selects entries for ClearDuplicate. A zero VNI clears every
// VNI; MAC or IP narrow the clear to one entry.
type ClearScope struct {
	VNI VNI
	MAC net.HardwareAddr
	IP  netip.Addr
}

// ClearDuplicate releases DUPLICATE entries in scope and resets the move
// history of the others. It returns the number of released entries.
func (e *Engine) ClearDuplicate(ctx context.Context, scope ClearScope) (int, error) {
	var n int
	err := e.do(ctx, func() error {
		vnis, err := e.l2Scope(scope.VNI)
		if err != nil {
			return err
		}
		n = e.clearDuplicates(vnis, scope.MAC, scope.IP)
		return nil
	})
	return n, err
}

func (e *Engine) clearDuplicates(vnis []*vniState, mac net.HardwareAddr, ip netip.Addr) int {
	cleared := 0
	visit := func(vs *vniState, en *entry) {
		if en == nil {
			return
		}
		if en.State == StateDuplicate {
			e.recover(vs, en)
			cleared++
			return
		}
		en.moves = nil
	}
	for _, vs := range vnis {
		switch {
		case mac != nil:
			visit(vs, vs.macs.get(mac, netip.Addr{}))
		case ip.IsValid():
			visit(vs, vs.neighs.get(nil, ip.Unmap()))
		default:
			for _, tbl := range []*bindingTable{vs.macs, vs.neighs} {
				for _, en := range tbl.all() {
					visit(vs, en)
				}
			}
		}
	}
	if cleared > 0 {
		e.logger.Info("duplicate addresses cleared", slog.Int("count", cleared))
	}
	return cleared
}

// -------------------------------------------------------------------------
// Bindings
// -------------------------------------------------------------------------

// DeleteBinding removes one entry regardless of its state. A previously
// announced local binding is withdrawn.
func (e *Engine) DeleteBinding(ctx context.Context, vni VNI, kind Kind, mac net.HardwareAddr, ip netip.Addr) error {
	return e.do(ctx, func() error {
		vs, err := e.l2State(vni)
		if err != nil {
			return err
		}
		en := vs.table(kind).get(mac, ip.Unmap())
		if en == nil {
			return fmt.Errorf("vni %s %s: %w", vni, kind, ErrBindingNotFound)
		}
		e.logger.Info("binding deleted",
			slog.String("vni", vni.String()),
			slog.String(kind.String(), en.Addr()),
			slog.String("state", en.State.String()),
		)
		e.discard(vs, en, false)
		return nil
	})
}

// Bindings returns a snapshot of the entries of a VNI, or of every VNI
// when vni is zero. A zero kind returns both tables.
func (e *Engine) Bindings(ctx context.Context, vni VNI, kind Kind) ([]Binding, error) {
	var out []Binding
	err := e.do(ctx, func() error {
		scope, err := e.l2Scope(vni)
		if err != nil {
			return err
		}
		for _, vs := range scope {
			for _, tbl := range []*bindingTable{vs.macs, vs.neighs} {
				if kind != 0 && tbl.kind != kind {
					continue
				}
				for _, en := range tbl.all() {
					out = append(out, en.snapshot())
				}
			}
		}
		return nil
	})
	sortBindings(out)
	return out, err
}

// LookupMAC returns the MAC entry of a VNI.
func (e *Engine) LookupMAC(ctx context.Context, vni VNI, mac net.HardwareAddr) (Binding, error) {
	return e.lookupBinding(ctx, vni, KindMAC, mac, netip.Addr{})
}

// LookupNeigh returns the neighbor entry of a VNI.
func (e *Engine) LookupNeigh(ctx context.Context, vni VNI, ip netip.Addr) (Binding, error) {
	return e.lookupBinding(ctx, vni, KindNeigh, nil, ip.Unmap())
}

func (e *Engine) lookupBinding(ctx context.Context, vni VNI, kind Kind, mac net.HardwareAddr, ip netip.Addr) (Binding, error) {
	var b Binding
	err := e.do(ctx, func() error {
		vs, err := e.l2State(vni)
		if err != nil {
			return err
		}
		en := vs.table(kind).get(mac, ip)
		if en == nil {
			return fmt.Errorf("vni %s %s: %w", vni, kind, ErrBindingNotFound)
		}
		b = en.snapshot()
		return nil
	})
	return b, err
}

// -------------------------------------------------------------------------
// Replay
// -------------------------------------------------------------------------

// Replay re-issues every flood entry and active binding of a VNI.
func (e *Engine) Replay(ctx context.Context, vni VNI) error {
	return e.do(ctx, func() error {
		vs, ok := e.reg.lookup(vni)
		if !ok {
			return fmt.Errorf("replay vni %s: %w", vni, ErrVNINotFound)
		}
		e.replay(vs)
		return nil
	})
}

// ReplayAll re-issues the dataplane state of every VNI, for instance after
// the dataplane was restarted.
func (e *Engine) ReplayAll(ctx context.Context) error {
	return e.do(ctx, func() error {
		for _, vs := range e.reg.sorted() {
			e.replay(vs)
		}
		return nil
	})
}

func (e *Engine) replay(vs *vniState) {
	if vs.rec.Role == RoleL3 {
		e.reinstallRouterMACs(vs)
		return
	}
	e.replayVTEPs(vs)
	for _, tbl := range []*bindingTable{vs.macs, vs.neighs} {
		for _, en := range tbl.all() {
			if en.active() {
				e.gwIssue(OpInstall, bindingTarget(vs, &en.Binding))
			}
		}
	}
}

// Config returns the current engine configuration.
func (e *Engine) Config(ctx context.Context) (Config, error) {
	var cfg Config
	err := e.do(ctx, func() error {
		cfg = e.cfg
		return nil
	})
	return cfg, err
}
