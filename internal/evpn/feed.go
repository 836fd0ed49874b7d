package evpn

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// -------------------------------------------------------------------------
// Local learns
// -------------------------------------------------------------------------

// LocalMAC is a MAC learned on a local access port.
type LocalMAC struct {
	// VNI selects the VNI directly. When zero it is resolved from Bridge
	// and VLAN.
	VNI    VNI
	Bridge string
	VLAN   uint16

	MAC     net.HardwareAddr
	IfName  string
	IfIndex int

	// Sticky marks a static MAC that remote routes cannot move.
	Sticky bool
}

// LocalNeigh is a neighbor learned on a local SVI.
type LocalNeigh struct {
	// VNI selects the VNI directly. When zero it is resolved from SVI.
	VNI     VNI
	SVI     string
	IfIndex int

	IP  netip.Addr
	MAC net.HardwareAddr

	Router  bool
	Gateway bool
}

// LocalMACAdd claims a MAC for a local port. Learns for unknown bridge/VLAN
// pairs fail with ErrVNINotFound.
func (e *Engine) LocalMACAdd(ctx context.Context, m LocalMAC) error {
	return e.do(ctx, func() error {
		vs, err := e.resolveL2(m.VNI, m.Bridge, m.VLAN)
		if err != nil {
			return err
		}
		if len(m.MAC) != 6 {
			return fmt.Errorf("local mac %s: %w", m.MAC, ErrInvalidMAC)
		}
		if !vs.rec.Up {
			return nil
		}
		e.claim(vs, KindMAC, m.MAC, netip.Addr{}, Claim{
			Origin:   OriginLocal,
			Location: LocalPort(m.IfName, m.IfIndex),
			Sticky:   m.Sticky,
		})
		return nil
	})
}

// LocalMACDel withdraws a local MAC. An empty IfName matches any port.
func (e *Engine) LocalMACDel(ctx context.Context, m LocalMAC) error {
	return e.do(ctx, func() error {
		vs, err := e.resolveL2(m.VNI, m.Bridge, m.VLAN)
		if err != nil {
			return err
		}
		e.withdraw(vs, KindMAC, m.MAC, netip.Addr{}, OriginLocal, LocalPort(m.IfName, m.IfIndex))
		return nil
	})
}

// LocalNeighAdd claims an IP for the local SVI.
func (e *Engine) LocalNeighAdd(ctx context.Context, n LocalNeigh) error {
	return e.do(ctx, func() error {
		vs, err := e.resolveSVI(n.VNI, n.SVI)
		if err != nil {
			return err
		}
		if !n.IP.IsValid() {
			return fmt.Errorf("local neighbor: %w", ErrInvalidBacking)
		}
		if len(n.MAC) != 6 {
			return fmt.Errorf("local neighbor %s mac %s: %w", n.IP, n.MAC, ErrInvalidMAC)
		}
		if !vs.rec.Up || vs.rec.SVIDown {
			return nil
		}
		e.claim(vs, KindNeigh, nil, n.IP.Unmap(), Claim{
			Origin:   OriginLocal,
			Location: LocalPort(vs.rec.Backing.SVI, n.IfIndex),
			MAC:      n.MAC,
			Router:   n.Router,
			Gateway:  n.Gateway,
		})
		return nil
	})
}

// LocalNeighDel withdraws a local neighbor.
func (e *Engine) LocalNeighDel(ctx context.Context, n LocalNeigh) error {
	return e.do(ctx, func() error {
		vs, err := e.resolveSVI(n.VNI, n.SVI)
		if err != nil {
			return err
		}
		e.withdraw(vs, KindNeigh, nil, n.IP.Unmap(), OriginLocal, Location{})
		return nil
	})
}

func (e *Engine) resolveL2(vni VNI, bridge string, vlan uint16) (*vniState, error) {
	if vni != 0 {
		return e.l2State(vni)
	}
	vs, ok := e.reg.byL2(bridge, vlan)
	if !ok {
		return nil, fmt.Errorf("bridge %s vlan %d: %w", bridge, vlan, ErrVNINotFound)
	}
	return vs, nil
}

func (e *Engine) resolveSVI(vni VNI, svi string) (*vniState, error) {
	if vni != 0 {
		return e.l2State(vni)
	}
	vs, ok := e.reg.bySVI(svi)
	if !ok {
		return nil, fmt.Errorf("svi %s: %w", svi, ErrVNINotFound)
	}
	return vs, nil
}

// -------------------------------------------------------------------------
// Remote routes
// -------------------------------------------------------------------------

// RemoteMACIP is a MAC or MAC/IP route received from a remote VTEP.
type RemoteMACIP struct {
	VNI  VNI
	MAC  net.HardwareAddr
	IP   netip.Addr
	VTEP netip.Addr
	Seq  uint32

	Sticky  bool
	Gateway bool
	Router  bool

	// L3VNI and RouterMAC come with symmetric IRB routes. The router MAC
	// of VTEP is referenced by the host route of IP in the L3 VNI.
	L3VNI     VNI
	RouterMAC net.HardwareAddr
}

// RemoteMACIPAdd claims the MAC, and the IP when present, for a remote
// VTEP.
func (e *Engine) RemoteMACIPAdd(ctx context.Context, r RemoteMACIP) error {
	return e.do(ctx, func() error {
		vs, err := e.l2State(r.VNI)
		if err != nil {
			return err
		}
		if len(r.MAC) != 6 {
			return fmt.Errorf("remote mac %s: %w", r.MAC, ErrInvalidMAC)
		}
		if !r.VTEP.IsValid() || r.VTEP.IsUnspecified() {
			return fmt.Errorf("remote mac %s vtep %s: %w", r.MAC, r.VTEP, ErrInvalidVTEP)
		}
		if !vs.rec.Up {
			return nil
		}

		loc := RemoteVTEP(r.VTEP)
		e.claim(vs, KindMAC, r.MAC, netip.Addr{}, Claim{
			Origin:   OriginRemote,
			Location: loc,
			Seq:      r.Seq,
			Sticky:   r.Sticky,
			Gateway:  r.Gateway,
		})
		if !r.IP.IsValid() {
			return nil
		}
		ip := r.IP.Unmap()
		e.claim(vs, KindNeigh, nil, ip, Claim{
			Origin:   OriginRemote,
			Location: loc,
			Seq:      r.Seq,
			MAC:      r.MAC,
			Router:   r.Router,
			Sticky:   r.Sticky,
			Gateway:  r.Gateway,
		})
		if r.L3VNI != 0 && r.RouterMAC != nil {
			if l3, err := e.l3State(r.L3VNI); err == nil {
				return e.addRouterMAC(l3, r.VTEP, r.RouterMAC, netip.PrefixFrom(ip, ip.BitLen()))
			}
		}
		return nil
	})
}

// RemoteMACIPDel withdraws a remote route. A route with an IP withdraws the
// neighbor only; a MAC-only route withdraws the MAC.
func (e *Engine) RemoteMACIPDel(ctx context.Context, r RemoteMACIP) error {
	return e.do(ctx, func() error {
		vs, err := e.l2State(r.VNI)
		if err != nil {
			return err
		}
		loc := RemoteVTEP(r.VTEP)
		if !r.IP.IsValid() {
			e.withdraw(vs, KindMAC, r.MAC, netip.Addr{}, OriginRemote, loc)
			return nil
		}
		ip := r.IP.Unmap()
		e.withdraw(vs, KindNeigh, nil, ip, OriginRemote, loc)
		if r.L3VNI != 0 {
			if l3, err := e.l3State(r.L3VNI); err == nil {
				e.delRouterMAC(l3, r.VTEP, netip.PrefixFrom(ip, ip.BitLen()))
			}
		}
		return nil
	})
}
