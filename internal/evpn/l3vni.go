package evpn

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
)

// RouterMAC is a snapshot of one remote VTEP's router MAC in an L3 VNI.
type RouterMAC struct {
	VTEP netip.Addr
	MAC  net.HardwareAddr

	// Hosts are the host prefixes that reference the entry.
	Hosts []netip.Prefix
}

// rmacEntry is the router MAC of one remote VTEP. It stays installed while
// at least one host prefix references it.
type rmacEntry struct {
	vtep  netip.Addr
	mac   net.HardwareAddr
	hosts mapset.Set[netip.Prefix]
}

// RemoteRouterMACAdd references the router MAC of vtep in an L3 VNI on
// behalf of host. A changed MAC reprograms the entry.
func (e *Engine) RemoteRouterMACAdd(ctx context.Context, l3vni VNI, vtep netip.Addr, rmac net.HardwareAddr, host netip.Prefix) error {
	return e.do(ctx, func() error {
		vs, err := e.l3State(l3vni)
		if err != nil {
			return err
		}
		return e.addRouterMAC(vs, vtep, rmac, host)
	})
}

// RemoteRouterMACDel drops the reference of host. The entry is removed with
// its last reference.
func (e *Engine) RemoteRouterMACDel(ctx context.Context, l3vni VNI, vtep netip.Addr, host netip.Prefix) error {
	return e.do(ctx, func() error {
		vs, err := e.l3State(l3vni)
		if err != nil {
			return err
		}
		e.delRouterMAC(vs, vtep, host)
		return nil
	})
}

// RouterMACs returns the router MAC table of an L3 VNI in VTEP order.
func (e *Engine) RouterMACs(ctx context.Context, l3vni VNI) ([]RouterMAC, error) {
	var out []RouterMAC
	err := e.do(ctx, func() error {
		vs, err := e.l3State(l3vni)
		if err != nil {
			return err
		}
		for _, re := range vs.rmacs {
			hosts := re.hosts.ToSlice()
			slices.SortFunc(hosts, func(a, b netip.Prefix) int { return a.Addr().Compare(b.Addr()) })
			out = append(out, RouterMAC{
				VTEP:  re.vtep,
				MAC:   cloneMAC(re.mac),
				Hosts: hosts,
			})
		}
		slices.SortFunc(out, func(a, b RouterMAC) int { return a.VTEP.Compare(b.VTEP) })
		return nil
	})
	return out, err
}

func (e *Engine) l3State(vni VNI) (*vniState, error) {
	vs, ok := e.reg.lookup(vni)
	if !ok {
		return nil, fmt.Errorf("vni %s: %w", vni, ErrVNINotFound)
	}
	if vs.rec.Role != RoleL3 {
		return nil, fmt.Errorf("vni %s is %s: %w", vni, vs.rec.Role, ErrRoleMismatch)
	}
	return vs, nil
}

func (e *Engine) addRouterMAC(vs *vniState, vtep netip.Addr, rmac net.HardwareAddr, host netip.Prefix) error {
	if !vtep.IsValid() {
		return fmt.Errorf("router mac vtep: %w", ErrInvalidVTEP)
	}
	if len(rmac) != 6 {
		return fmt.Errorf("router mac %s: %w", rmac, ErrInvalidMAC)
	}

	re, ok := vs.rmacs[vtep]
	if !ok {
		re = &rmacEntry{
			vtep:  vtep,
			mac:   cloneMAC(rmac),
			hosts: mapset.NewThreadUnsafeSet[netip.Prefix](),
		}
		vs.rmacs[vtep] = re
		e.gwIssue(OpInstall, e.rmacTarget(vs, re))
	} else if !sameMAC(re.mac, rmac) {
		e.logger.Info("router mac changed",
			slog.String("vni", vs.rec.VNI.String()),
			slog.String("vtep", vtep.String()),
			slog.String("old", re.mac.String()),
			slog.String("new", rmac.String()),
		)
		re.mac = cloneMAC(rmac)
		e.gwIssue(OpInstall, e.rmacTarget(vs, re))
	}
	if host.IsValid() {
		re.hosts.Add(host.Masked())
	}
	return nil
}

func (e *Engine) delRouterMAC(vs *vniState, vtep netip.Addr, host netip.Prefix) {
	re, ok := vs.rmacs[vtep]
	if !ok {
		return
	}
	if host.IsValid() {
		re.hosts.Remove(host.Masked())
	} else {
		re.hosts.Clear()
	}
	if re.hosts.Cardinality() > 0 {
		return
	}
	delete(vs.rmacs, vtep)
	e.gwIssue(OpUninstall, e.rmacTarget(vs, re))
}

// flushRouterMACs removes every router MAC of an L3 VNI.
func (e *Engine) flushRouterMACs(vs *vniState) {
	for vtep, re := range vs.rmacs {
		delete(vs.rmacs, vtep)
		e.gwIssue(OpUninstall, e.rmacTarget(vs, re))
	}
}

// reinstallRouterMACs reprograms every router MAC after a device change.
func (e *Engine) reinstallRouterMACs(vs *vniState) {
	for _, re := range vs.rmacs {
		e.gwIssue(OpInstall, e.rmacTarget(vs, re))
	}
}

func (e *Engine) rmacTarget(vs *vniState, re *rmacEntry) Target {
	return Target{
		Kind:     TargetRouterMAC,
		VNI:      vs.rec.VNI,
		MAC:      re.mac,
		Location: RemoteVTEP(re.vtep),
		Device:   vs.rec.device(),
	}
}
