package evpn

import (
	"fmt"
	"net"
	"net/netip"
	"slices"
)

// Backing describes the kernel objects a VNI is attached to. The identity
// of an L2 VNI is its (Bridge, VLAN) pair, the identity of an L3 VNI is its
// VRF. The remaining fields are plumbing that may change in place.
type Backing struct {
	// Bridge and VLAN identify an L2 VNI.
	Bridge string
	VLAN   uint16

	// VRF identifies an L3 VNI. For an L2 VNI it names the tenant VRF the
	// VNI routes through, if any.
	VRF string

	// SVI is the routed interface of the VNI.
	SVI string

	// VxlanIf and VxlanIndex name the VXLAN device.
	VxlanIf    string
	VxlanIndex int

	// LocalIP is the local tunnel source address.
	LocalIP netip.Addr

	// McastGroup is the underlay multicast group, if any.
	McastGroup netip.Addr

	// RouterMAC is the MAC of the SVI or VRF device, used as the router MAC
	// of an L3 VNI.
	RouterMAC net.HardwareAddr
}

// Equal reports whether b and o name the same kernel objects.
func (b Backing) Equal(o Backing) bool {
	return b.Bridge == o.Bridge &&
		b.VLAN == o.VLAN &&
		b.VRF == o.VRF &&
		b.SVI == o.SVI &&
		b.VxlanIf == o.VxlanIf &&
		b.VxlanIndex == o.VxlanIndex &&
		b.LocalIP == o.LocalIP &&
		b.McastGroup == o.McastGroup &&
		sameMAC(b.RouterMAC, o.RouterMAC)
}

// describeBacking renders the identity of a backing for conflict errors.
func describeBacking(role Role, b Backing) string {
	if role == RoleL3 {
		return fmt.Sprintf("vrf %s device %s", b.VRF, b.VxlanIf)
	}
	return fmt.Sprintf("bridge %s vlan %d device %s", b.Bridge, b.VLAN, b.VxlanIf)
}

// VNIRecord is the registry entry of one VNI.
type VNIRecord struct {
	VNI     VNI
	Role    Role
	Backing Backing

	// Up mirrors the operational state of the VXLAN device.
	Up bool

	// AdvertiseSubnet requests a subnet route for the SVI prefix.
	AdvertiseSubnet bool

	// AdvertiseGatewayMACIP requests advertisement of the SVI MAC/IP as a
	// default gateway.
	AdvertiseGatewayMACIP bool

	// AdvertiseSVIMACIP requests advertisement of the SVI MAC/IP as a
	// plain host binding, without the gateway flag.
	AdvertiseSVIMACIP bool

	// SVIDown is set while the SVI of an L2 VNI is operationally down.
	// Local neighbors are not learned in that state.
	SVIDown bool
}

// advertisesSVI reports whether gateway bindings of the VNI are announced.
func (r *VNIRecord) advertisesSVI() bool {
	return r.AdvertiseGatewayMACIP || r.AdvertiseSVIMACIP
}

func (r VNIRecord) clone() VNIRecord {
	r.Backing.RouterMAC = cloneMAC(r.Backing.RouterMAC)
	return r
}

// device returns the dataplane plumbing of the record.
func (r *VNIRecord) device() Device {
	b := r.Backing
	return Device{
		VxlanIf:    b.VxlanIf,
		VxlanIndex: b.VxlanIndex,
		Bridge:     b.Bridge,
		VLAN:       b.VLAN,
		SVI:        b.SVI,
		LocalIP:    b.LocalIP,
		McastGroup: b.McastGroup,
	}
}

// validateBacking checks that a backing carries the identity its role
// requires.
func validateBacking(role Role, b Backing) error {
	switch role {
	case RoleL2:
		if b.Bridge == "" {
			return fmt.Errorf("l2 vni needs a bridge: %w", ErrInvalidBacking)
		}
		if b.VLAN > 4094 {
			return fmt.Errorf("vlan %d: %w", b.VLAN, ErrInvalidBacking)
		}
	case RoleL3:
		if b.VRF == "" {
			return fmt.Errorf("l3 vni needs a vrf: %w", ErrInvalidBacking)
		}
	default:
		return fmt.Errorf("role %d: %w", role, ErrInvalidRole)
	}
	if b.RouterMAC != nil && len(b.RouterMAC) != 6 {
		return fmt.Errorf("router mac %s: %w", b.RouterMAC, ErrInvalidMAC)
	}
	return nil
}

// -------------------------------------------------------------------------
// Per-VNI state
// -------------------------------------------------------------------------

// vniState groups everything the engine keeps for one VNI.
type vniState struct {
	rec VNIRecord

	// L2 only.
	vteps  *vtepTable
	macs   *bindingTable
	neighs *bindingTable

	// L3 only.
	rmacs map[netip.Addr]*rmacEntry
}

func newVNIState(rec VNIRecord) *vniState {
	vs := &vniState{rec: rec}
	switch rec.Role {
	case RoleL2:
		vs.vteps = newVTEPTable()
		vs.macs = newBindingTable(KindMAC)
		vs.neighs = newBindingTable(KindNeigh)
	case RoleL3:
		vs.rmacs = make(map[netip.Addr]*rmacEntry)
	}
	return vs
}

func (vs *vniState) table(kind Kind) *bindingTable {
	if kind == KindNeigh {
		return vs.neighs
	}
	return vs.macs
}

// -------------------------------------------------------------------------
// Registry
// -------------------------------------------------------------------------

type l2Key struct {
	bridge string
	vlan   uint16
}

// registry owns the VNI records and their identity indexes. Every
// (bridge, VLAN) pair and every VRF belongs to at most one VNI.
type registry struct {
	vnis     map[VNI]*vniState
	l2Owner  map[l2Key]VNI
	vrfOwner map[string]VNI
}

func newRegistry() *registry {
	return &registry{
		vnis:     make(map[VNI]*vniState),
		l2Owner:  make(map[l2Key]VNI),
		vrfOwner: make(map[string]VNI),
	}
}

// register inserts a record. Registering an existing VNI again with the
// same role and backing returns the existing state with created false.
// Any other difference is a *ConflictError owned by the VNI itself.
func (r *registry) register(vni VNI, role Role, b Backing) (vs *vniState, created bool, err error) {
	if !vni.Valid() {
		return nil, false, fmt.Errorf("vni %d: %w", vni, ErrInvalidVNI)
	}
	if err := validateBacking(role, b); err != nil {
		return nil, false, fmt.Errorf("register vni %s: %w", vni, err)
	}

	if vs, ok := r.vnis[vni]; ok {
		switch {
		case vs.rec.Role != role:
			return nil, false, &ConflictError{VNI: vni, Owner: vni, Resource: "role " + vs.rec.Role.String()}
		case !vs.rec.Backing.Equal(b):
			return nil, false, &ConflictError{VNI: vni, Owner: vni, Resource: describeBacking(vs.rec.Role, vs.rec.Backing)}
		}
		return vs, false, nil
	}

	if err := r.claimIdentity(vni, role, b); err != nil {
		return nil, false, err
	}
	r.bindIdentity(vni, role, b)
	vs = newVNIState(VNIRecord{VNI: vni, Role: role, Backing: cloneBacking(b), Up: true})
	r.vnis[vni] = vs
	return vs, true, nil
}

// claimIdentity fails with a ConflictError when the identity of b is owned
// by another VNI.
func (r *registry) claimIdentity(vni VNI, role Role, b Backing) error {
	switch role {
	case RoleL2:
		if owner, ok := r.l2Owner[l2Key{b.Bridge, b.VLAN}]; ok && owner != vni {
			return &ConflictError{VNI: vni, Owner: owner, Resource: fmt.Sprintf("bridge %s vlan %d", b.Bridge, b.VLAN)}
		}
	case RoleL3:
		if owner, ok := r.vrfOwner[b.VRF]; ok && owner != vni {
			return &ConflictError{VNI: vni, Owner: owner, Resource: "vrf " + b.VRF}
		}
	}
	return nil
}

func (r *registry) bindIdentity(vni VNI, role Role, b Backing) {
	switch role {
	case RoleL2:
		r.l2Owner[l2Key{b.Bridge, b.VLAN}] = vni
	case RoleL3:
		r.vrfOwner[b.VRF] = vni
	}
}

func (r *registry) releaseIdentity(vni VNI, role Role, b Backing) {
	switch role {
	case RoleL2:
		k := l2Key{b.Bridge, b.VLAN}
		if r.l2Owner[k] == vni {
			delete(r.l2Owner, k)
		}
	case RoleL3:
		if r.vrfOwner[b.VRF] == vni {
			delete(r.vrfOwner, b.VRF)
		}
	}
}

// rebind moves an existing VNI to a new backing after an interface
// change. The new identity is conflict-checked first; on error nothing
// changes.
func (r *registry) rebind(vs *vniState, b Backing) error {
	if err := validateBacking(vs.rec.Role, b); err != nil {
		return fmt.Errorf("rebind vni %s: %w", vs.rec.VNI, err)
	}
	if err := r.claimIdentity(vs.rec.VNI, vs.rec.Role, b); err != nil {
		return err
	}
	r.releaseIdentity(vs.rec.VNI, vs.rec.Role, vs.rec.Backing)
	r.bindIdentity(vs.rec.VNI, vs.rec.Role, b)
	vs.rec.Backing = cloneBacking(b)
	return nil
}

// remove drops the record and its identity. Teardown of the contents is
// the engine's job.
func (r *registry) remove(vs *vniState) {
	r.releaseIdentity(vs.rec.VNI, vs.rec.Role, vs.rec.Backing)
	delete(r.vnis, vs.rec.VNI)
}

func (r *registry) lookup(vni VNI) (*vniState, bool) {
	vs, ok := r.vnis[vni]
	return vs, ok
}

// byL2 resolves a bridge/VLAN pair to its L2 VNI.
func (r *registry) byL2(bridge string, vlan uint16) (*vniState, bool) {
	vni, ok := r.l2Owner[l2Key{bridge, vlan}]
	if !ok {
		return nil, false
	}
	return r.lookup(vni)
}

// byVRF resolves a VRF to its L3 VNI.
func (r *registry) byVRF(vrf string) (*vniState, bool) {
	vni, ok := r.vrfOwner[vrf]
	if !ok {
		return nil, false
	}
	return r.lookup(vni)
}

// bySVI resolves an SVI name to its L2 VNI.
func (r *registry) bySVI(svi string) (*vniState, bool) {
	for _, vs := range r.vnis {
		if vs.rec.Role == RoleL2 && vs.rec.Backing.SVI == svi {
			return vs, true
		}
	}
	return nil, false
}

// byVxlanIf resolves a VXLAN device name to its VNI.
func (r *registry) byVxlanIf(name string) (*vniState, bool) {
	for _, vs := range r.vnis {
		if vs.rec.Backing.VxlanIf == name {
			return vs, true
		}
	}
	return nil, false
}

// l3For returns the L3 VNI an L2 VNI routes through.
func (r *registry) l3For(vs *vniState) (*vniState, bool) {
	if vs.rec.Role != RoleL2 || vs.rec.Backing.VRF == "" {
		return nil, false
	}
	return r.byVRF(vs.rec.Backing.VRF)
}

// sorted returns the VNI states in VNI order.
func (r *registry) sorted() []*vniState {
	out := make([]*vniState, 0, len(r.vnis))
	for _, vs := range r.vnis {
		out = append(out, vs)
	}
	slices.SortFunc(out, func(a, b *vniState) int {
		switch {
		case a.rec.VNI < b.rec.VNI:
			return -1
		case a.rec.VNI > b.rec.VNI:
			return 1
		default:
			return 0
		}
	})
	return out
}

// l2 returns the L2 VNI states in VNI order.
func (r *registry) l2() []*vniState {
	var out []*vniState
	for _, vs := range r.sorted() {
		if vs.rec.Role == RoleL2 {
			out = append(out, vs)
		}
	}
	return out
}

func cloneBacking(b Backing) Backing {
	b.RouterMAC = cloneMAC(b.RouterMAC)
	return b
}
