package evpn

import (
	"bytes"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// -------------------------------------------------------------------------
// VNI
// -------------------------------------------------------------------------

// VNI is a 24-bit VXLAN Network Identifier.
type VNI uint32

// MaxVNI is the largest identifier representable in the 24-bit VNI field.
const MaxVNI VNI = 1<<24 - 1

// Valid reports whether v is a usable VNI (1..2^24-1).
func (v VNI) Valid() bool {
	return v > 0 && v <= MaxVNI
}

// String returns the decimal representation of the VNI.
func (v VNI) String() string {
	return strconv.FormatUint(uint64(v), 10)
}

// Role distinguishes bridging (L2) VNIs from routing (L3) VNIs.
type Role uint8

const (
	// RoleL2 is a bridged VNI backed by a bridge/VLAN pair.
	RoleL2 Role = iota + 1

	// RoleL3 is a routed VNI anchored on a VRF.
	RoleL3
)

// String returns the human-readable name of the role.
func (r Role) String() string {
	switch r {
	case RoleL2:
		return "L2"
	case RoleL3:
		return "L3"
	default:
		return "Unknown"
	}
}

// ParseRole maps "l2"/"l3" (case-sensitive lower or upper) to a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "l2", "L2":
		return RoleL2, nil
	case "l3", "L3":
		return RoleL3, nil
	default:
		return 0, fmt.Errorf("role %q: %w", s, ErrInvalidRole)
	}
}

// FloodMode is the BUM replication mode shared by every VTEP of a VNI.
type FloodMode uint8

const (
	// FloodHeadEnd replicates BUM traffic to each remote VTEP (ingress replication).
	FloodHeadEnd FloodMode = iota + 1

	// FloodMulticast sends BUM traffic to the VNI's underlay multicast group.
	FloodMulticast
)

// String returns the human-readable name of the flood mode.
func (m FloodMode) String() string {
	switch m {
	case FloodHeadEnd:
		return "head-end"
	case FloodMulticast:
		return "multicast"
	default:
		return "unset"
	}
}

// ParseFloodMode maps the configuration spelling of a flood mode.
func ParseFloodMode(s string) (FloodMode, error) {
	switch s {
	case "head-end", "head_end", "ingress-replication":
		return FloodHeadEnd, nil
	case "multicast", "pim":
		return FloodMulticast, nil
	default:
		return 0, fmt.Errorf("flood mode %q: %w", s, ErrInvalidFloodMode)
	}
}

// -------------------------------------------------------------------------
// Binding State
// -------------------------------------------------------------------------

// State is the binding entry state.
type State uint8

const (
	// StateNone is the zero value. It denotes an absent entry in
	// notifications and metrics.
	StateNone State = iota

	// StateLocal means the address was learned on a local interface.
	StateLocal

	// StateRemote means the address is reachable through a remote VTEP.
	StateRemote

	// StateDuplicate means duplicate address detection froze the entry.
	StateDuplicate

	// StateInactive means the entry was withdrawn and is awaiting garbage
	// collection or a re-learn.
	StateInactive
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateNone:
		return "None"
	case StateLocal:
		return "Local"
	case StateRemote:
		return "Remote"
	case StateDuplicate:
		return "Duplicate"
	case StateInactive:
		return "Inactive"
	default:
		return "Unknown"
	}
}

// Kind tells MAC entries from neighbor (IP) entries.
type Kind uint8

const (
	// KindMAC is a MAC table entry keyed by hardware address.
	KindMAC Kind = iota + 1

	// KindNeigh is a neighbor table entry keyed by IP address.
	KindNeigh
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindMAC:
		return "mac"
	case KindNeigh:
		return "neigh"
	default:
		return "unknown"
	}
}

// -------------------------------------------------------------------------
// Location
// -------------------------------------------------------------------------

// Location is where an address currently lives: a local interface or a
// remote VTEP. Exactly one of IfName and VTEP is set for a meaningful
// location.
type Location struct {
	// IfName is the local access port (MAC) or SVI (neighbor).
	IfName string

	// IfIndex is the kernel index of IfName, zero if unknown.
	IfIndex int

	// VTEP is the remote tunnel endpoint.
	VTEP netip.Addr
}

// LocalPort returns a local location for the given interface.
func LocalPort(name string, index int) Location {
	return Location{IfName: name, IfIndex: index}
}

// RemoteVTEP returns a remote location for the given VTEP address.
func RemoteVTEP(vtep netip.Addr) Location {
	return Location{VTEP: vtep}
}

// IsRemote reports whether the location is a remote VTEP.
func (l Location) IsRemote() bool {
	return l.VTEP.IsValid()
}

// Equal compares two locations. Interface indexes are only compared when
// both sides know them.
func (l Location) Equal(o Location) bool {
	if l.IsRemote() || o.IsRemote() {
		return l.VTEP == o.VTEP
	}
	if l.IfIndex != 0 && o.IfIndex != 0 && l.IfIndex != o.IfIndex {
		return false
	}
	return l.IfName == o.IfName
}

// String renders the location as "if:<name>" or "vtep:<addr>".
func (l Location) String() string {
	if l.IsRemote() {
		return "vtep:" + l.VTEP.String()
	}
	if l.IfName == "" {
		return "-"
	}
	return "if:" + l.IfName
}

// -------------------------------------------------------------------------
// Address helpers
// -------------------------------------------------------------------------

// ParseMAC parses a 48-bit Ethernet address.
func ParseMAC(s string) (net.HardwareAddr, error) {
	mac, err := net.ParseMAC(s)
	if err != nil {
		return nil, fmt.Errorf("parse mac %q: %w: %w", s, ErrInvalidMAC, err)
	}
	if len(mac) != 6 {
		return nil, fmt.Errorf("parse mac %q: %w", s, ErrInvalidMAC)
	}
	return mac, nil
}

// zeroMAC is the all-zero address used for BUM flood entries.
var zeroMAC = net.HardwareAddr{0, 0, 0, 0, 0, 0}

// sameMAC compares two hardware addresses byte-wise.
func sameMAC(a, b net.HardwareAddr) bool {
	return bytes.Equal(a, b)
}

// cloneMAC returns an independent copy of a hardware address.
func cloneMAC(m net.HardwareAddr) net.HardwareAddr {
	if m == nil {
		return nil
	}
	out := make(net.HardwareAddr, len(m))
	copy(out, m)
	return out
}
