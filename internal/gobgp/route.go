package gobgp

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	apipb "github.com/osrg/gobgp/v3/api"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/dantte-lp/evpnd/internal/evpn"
)

// -------------------------------------------------------------------------
// Wire Constants
// -------------------------------------------------------------------------

const (
	// tunnelTypeVXLAN is the BGP encapsulation tunnel type for VXLAN
	// (RFC 9012 Section 14.2).
	tunnelTypeVXLAN = 8

	// routeTargetSubType is the route-target sub-type of the AS-specific
	// extended communities (RFC 4360 Section 4).
	routeTargetSubType = 0x02

	// PMSI tunnel types (RFC 6514 Section 5).
	pmsiPIMSSM             = 3
	pmsiPIMSM              = 4
	pmsiBIDIRPIM           = 5
	pmsiIngressReplication = 6

	originIncomplete = 2
)

// -------------------------------------------------------------------------
// Sentinel Errors
// -------------------------------------------------------------------------

var (
	// ErrUnsupportedRoute indicates an EVPN route type other than 2 or 3.
	ErrUnsupportedRoute = errors.New("unsupported evpn route type")

	// ErrMalformedRoute indicates an EVPN path missing a mandatory field.
	ErrMalformedRoute = errors.New("malformed evpn route")
)

// -------------------------------------------------------------------------
// Route
// -------------------------------------------------------------------------

// RouteType is the EVPN NLRI route type.
type RouteType uint8

const (
	// RouteMACIP is the type-2 MAC/IP advertisement route.
	RouteMACIP RouteType = 2

	// RouteIMET is the type-3 inclusive multicast Ethernet tag route.
	RouteIMET RouteType = 3
)

// Route is a decoded EVPN path.
type Route struct {
	Type     RouteType
	Withdraw bool
	VNI      evpn.VNI

	// VTEP is the next hop of a type-2 route and the originator address
	// of a type-3 route.
	VTEP netip.Addr

	// Type-2 fields.
	MAC       net.HardwareAddr
	IP        netip.Addr
	Seq       uint32
	Sticky    bool
	Gateway   bool
	L3VNI     evpn.VNI
	RouterMAC net.HardwareAddr

	// Type-3 field.
	FloodMode evpn.FloodMode
}

// RemoteMACIP converts a type-2 route into the engine input.
func (r Route) RemoteMACIP() evpn.RemoteMACIP {
	return evpn.RemoteMACIP{
		VNI:       r.VNI,
		MAC:       r.MAC,
		IP:        r.IP,
		VTEP:      r.VTEP,
		Seq:       r.Seq,
		Sticky:    r.Sticky,
		Gateway:   r.Gateway,
		Router:    r.Gateway,
		L3VNI:     r.L3VNI,
		RouterMAC: r.RouterMAC,
	}
}

// RouteParams are the local values stamped on originated routes.
type RouteParams struct {
	// RouterID is the route distinguisher administrator field.
	RouterID netip.Addr

	// ASN is the autonomous system used for auto-derived route targets.
	ASN uint32
}

func evpnFamily() *apipb.Family {
	return &apipb.Family{Afi: apipb.Family_AFI_L2VPN, Safi: apipb.Family_SAFI_EVPN}
}

func isEVPN(f *apipb.Family) bool {
	return f.GetAfi() == apipb.Family_AFI_L2VPN && f.GetSafi() == apipb.Family_SAFI_EVPN
}

// -------------------------------------------------------------------------
// Encoding
// -------------------------------------------------------------------------

// MACIPPath builds the type-2 path for a binding notification. The next hop
// is the local VTEP address vtep.
func MACIPPath(rp RouteParams, vtep netip.Addr, n evpn.Notification) (*apipb.Path, error) {
	if len(n.MAC) != 6 {
		return nil, fmt.Errorf("mac/ip route vni %s: %w: no mac", n.VNI, ErrMalformedRoute)
	}

	rd, err := routeDistinguisher(rp, n.VNI)
	if err != nil {
		return nil, err
	}

	route := &apipb.EVPNMACIPAdvertisementRoute{
		Rd:          rd,
		Esi:         &apipb.EthernetSegmentIdentifier{Value: make([]byte, 9)},
		EthernetTag: 0,
		MacAddress:  n.MAC.String(),
		Labels:      []uint32{uint32(n.VNI)},
	}
	if n.IP.IsValid() {
		route.IpAddress = n.IP.String()
	}

	comms := []proto.Message{
		&apipb.EncapExtended{TunnelType: tunnelTypeVXLAN},
		routeTarget(rp, n.VNI),
	}
	if n.Seq > 0 || n.Sticky {
		comms = append(comms, &apipb.MacMobilityExtended{IsSticky: n.Sticky, SequenceNum: n.Seq})
	}
	if n.Gateway {
		comms = append(comms, &apipb.DefaultGatewayExtended{})
	}
	if n.L3VNI != 0 && n.IP.IsValid() {
		route.Labels = append(route.Labels, uint32(n.L3VNI))
		comms = append(comms, routeTarget(rp, n.L3VNI))
		if len(n.RouterMAC) == 6 {
			comms = append(comms, &apipb.RouterMacExtended{Mac: n.RouterMAC.String()})
		}
	}

	return buildPath(route, vtep, comms, nil)
}

// IMETPath builds the type-3 path announcing vtep as a flood destination
// of vni.
func IMETPath(rp RouteParams, vni evpn.VNI, vtep netip.Addr, mode evpn.FloodMode) (*apipb.Path, error) {
	if !vtep.IsValid() {
		return nil, fmt.Errorf("imet route vni %s: %w: no vtep", vni, ErrMalformedRoute)
	}

	rd, err := routeDistinguisher(rp, vni)
	if err != nil {
		return nil, err
	}

	route := &apipb.EVPNInclusiveMulticastEthernetTagRoute{
		Rd:          rd,
		EthernetTag: 0,
		IpAddress:   vtep.String(),
	}

	tunnel := uint32(pmsiIngressReplication)
	if mode == evpn.FloodMulticast {
		tunnel = pmsiPIMSM
	}
	pmsi := &apipb.PmsiTunnelAttribute{
		Type:  tunnel,
		Label: uint32(vni),
		Id:    vtep.AsSlice(),
	}

	comms := []proto.Message{
		&apipb.EncapExtended{TunnelType: tunnelTypeVXLAN},
		routeTarget(rp, vni),
	}

	return buildPath(route, vtep, comms, pmsi)
}

func routeDistinguisher(rp RouteParams, vni evpn.VNI) (*anypb.Any, error) {
	rd, err := anypb.New(&apipb.RouteDistinguisherIPAddress{
		Admin:    rp.RouterID.String(),
		Assigned: uint32(vni) & 0xffff,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal route distinguisher: %w", err)
	}
	return rd, nil
}

// routeTarget returns the auto-derived ASN:VNI route target.
func routeTarget(rp RouteParams, vni evpn.VNI) proto.Message {
	if rp.ASN > 0xffff {
		return &apipb.FourOctetAsSpecificExtended{
			IsTransitive: true,
			SubType:      routeTargetSubType,
			Asn:          rp.ASN,
			LocalAdmin:   uint32(vni) & 0xffff,
		}
	}
	return &apipb.TwoOctetAsSpecificExtended{
		IsTransitive: true,
		SubType:      routeTargetSubType,
		Asn:          rp.ASN,
		LocalAdmin:   uint32(vni),
	}
}

func buildPath(route proto.Message, nh netip.Addr, comms []proto.Message, pmsi *apipb.PmsiTunnelAttribute) (*apipb.Path, error) {
	nlri, err := anypb.New(route)
	if err != nil {
		return nil, fmt.Errorf("marshal nlri: %w", err)
	}

	packed := make([]*anypb.Any, 0, len(comms))
	for _, c := range comms {
		a, err := anypb.New(c)
		if err != nil {
			return nil, fmt.Errorf("marshal extended community: %w", err)
		}
		packed = append(packed, a)
	}

	attrs := []proto.Message{
		&apipb.OriginAttribute{Origin: originIncomplete},
		&apipb.MpReachNLRIAttribute{
			Family:   evpnFamily(),
			NextHops: []string{nh.String()},
			Nlris:    []*anypb.Any{nlri},
		},
		&apipb.ExtendedCommunitiesAttribute{Communities: packed},
	}
	if pmsi != nil {
		attrs = append(attrs, pmsi)
	}

	pattrs := make([]*anypb.Any, 0, len(attrs))
	for _, a := range attrs {
		p, err := anypb.New(a)
		if err != nil {
			return nil, fmt.Errorf("marshal path attribute: %w", err)
		}
		pattrs = append(pattrs, p)
	}

	return &apipb.Path{
		Family: evpnFamily(),
		Nlri:   nlri,
		Pattrs: pattrs,
	}, nil
}

// -------------------------------------------------------------------------
// Decoding
// -------------------------------------------------------------------------

// DecodePath parses an EVPN type-2 or type-3 path.
func DecodePath(p *apipb.Path) (Route, error) {
	if !isEVPN(p.GetFamily()) {
		return Route{}, fmt.Errorf("family %v: %w", p.GetFamily(), ErrUnsupportedRoute)
	}

	nlri, err := p.GetNlri().UnmarshalNew()
	if err != nil {
		return Route{}, fmt.Errorf("unmarshal nlri: %w: %w", ErrMalformedRoute, err)
	}

	attrs, err := decodeAttrs(p.GetPattrs())
	if err != nil {
		return Route{}, err
	}

	r := Route{Withdraw: p.GetIsWithdraw(), VTEP: attrs.nextHop}

	switch v := nlri.(type) {
	case *apipb.EVPNMACIPAdvertisementRoute:
		r.Type = RouteMACIP
		if err := decodeMACIP(&r, v, attrs); err != nil {
			return Route{}, err
		}
	case *apipb.EVPNInclusiveMulticastEthernetTagRoute:
		r.Type = RouteIMET
		if err := decodeIMET(&r, v, attrs); err != nil {
			return Route{}, err
		}
	default:
		return Route{}, fmt.Errorf("nlri %T: %w", nlri, ErrUnsupportedRoute)
	}

	if !r.VTEP.IsValid() {
		return Route{}, fmt.Errorf("route vni %s: %w: no next hop", r.VNI, ErrMalformedRoute)
	}
	return r, nil
}

func decodeMACIP(r *Route, v *apipb.EVPNMACIPAdvertisementRoute, attrs pathAttrs) error {
	mac, err := net.ParseMAC(v.GetMacAddress())
	if err != nil || len(mac) != 6 {
		return fmt.Errorf("mac %q: %w", v.GetMacAddress(), ErrMalformedRoute)
	}
	r.MAC = mac

	if s := v.GetIpAddress(); s != "" && s != "<nil>" {
		ip, err := netip.ParseAddr(s)
		if err != nil {
			return fmt.Errorf("ip %q: %w", s, ErrMalformedRoute)
		}
		if !ip.IsUnspecified() {
			r.IP = ip.Unmap()
		}
	}

	labels := v.GetLabels()
	switch {
	case len(labels) > 0:
		r.VNI = evpn.VNI(labels[0])
	case v.GetEthernetTag() != 0:
		r.VNI = evpn.VNI(v.GetEthernetTag())
	default:
		return fmt.Errorf("mac %s: %w: no label", mac, ErrMalformedRoute)
	}
	if len(labels) > 1 && r.IP.IsValid() {
		r.L3VNI = evpn.VNI(labels[1])
		r.RouterMAC = attrs.routerMAC
	}

	r.Seq = attrs.seq
	r.Sticky = attrs.sticky
	r.Gateway = attrs.gateway
	return nil
}

func decodeIMET(r *Route, v *apipb.EVPNInclusiveMulticastEthernetTagRoute, attrs pathAttrs) error {
	if s := v.GetIpAddress(); s != "" {
		ip, err := netip.ParseAddr(s)
		if err != nil {
			return fmt.Errorf("originator %q: %w", s, ErrMalformedRoute)
		}
		r.VTEP = ip.Unmap()
	}

	r.FloodMode = evpn.FloodHeadEnd
	r.VNI = evpn.VNI(v.GetEthernetTag())
	if attrs.pmsi != nil {
		if label := attrs.pmsi.GetLabel(); label != 0 {
			r.VNI = evpn.VNI(label)
		}
		switch attrs.pmsi.GetType() {
		case pmsiPIMSSM, pmsiPIMSM, pmsiBIDIRPIM:
			r.FloodMode = evpn.FloodMulticast
		}
	}
	if !r.VNI.Valid() {
		return fmt.Errorf("imet from %s: %w: no vni", r.VTEP, ErrMalformedRoute)
	}
	return nil
}

type pathAttrs struct {
	nextHop   netip.Addr
	seq       uint32
	sticky    bool
	gateway   bool
	routerMAC net.HardwareAddr
	pmsi      *apipb.PmsiTunnelAttribute
}

func decodeAttrs(pattrs []*anypb.Any) (pathAttrs, error) {
	var out pathAttrs
	for _, a := range pattrs {
		m, err := a.UnmarshalNew()
		if err != nil {
			// Attributes this build does not know about are irrelevant.
			continue
		}
		switch v := m.(type) {
		case *apipb.NextHopAttribute:
			if ip, err := netip.ParseAddr(v.GetNextHop()); err == nil {
				out.nextHop = ip.Unmap()
			}
		case *apipb.MpReachNLRIAttribute:
			if hops := v.GetNextHops(); len(hops) > 0 {
				if ip, err := netip.ParseAddr(hops[0]); err == nil {
					out.nextHop = ip.Unmap()
				}
			}
		case *apipb.PmsiTunnelAttribute:
			out.pmsi = v
		case *apipb.ExtendedCommunitiesAttribute:
			if err := decodeCommunities(&out, v.GetCommunities()); err != nil {
				return pathAttrs{}, err
			}
		}
	}
	return out, nil
}

func decodeCommunities(out *pathAttrs, comms []*anypb.Any) error {
	for _, c := range comms {
		m, err := c.UnmarshalNew()
		if err != nil {
			continue
		}
		switch v := m.(type) {
		case *apipb.MacMobilityExtended:
			out.seq = v.GetSequenceNum()
			out.sticky = v.GetIsSticky()
		case *apipb.DefaultGatewayExtended:
			out.gateway = true
		case *apipb.RouterMacExtended:
			mac, err := net.ParseMAC(v.GetMac())
			if err != nil {
				return fmt.Errorf("router mac %q: %w", v.GetMac(), ErrMalformedRoute)
			}
			out.routerMAC = mac
		}
	}
	return nil
}
