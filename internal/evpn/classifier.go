package evpn

import "strings"

// Change is one attribute that changed on a VXLAN device or its master.
type Change uint8

const (
	// ChangeVLAN means the access VLAN of the VXLAN device changed.
	ChangeVLAN Change = iota + 1

	// ChangeMcastGroup means the underlay multicast group changed.
	ChangeMcastGroup

	// ChangeLocalIP means the tunnel source address changed.
	ChangeLocalIP

	// ChangeMaster means the device moved to another bridge or VRF.
	ChangeMaster

	// ChangeMasterMAC means the MAC of the master device changed.
	ChangeMasterMAC
)

// String returns the human-readable name of the change.
func (c Change) String() string {
	switch c {
	case ChangeVLAN:
		return "vlan"
	case ChangeMcastGroup:
		return "mcast-group"
	case ChangeLocalIP:
		return "local-ip"
	case ChangeMaster:
		return "master"
	case ChangeMasterMAC:
		return "master-mac"
	default:
		return "unknown"
	}
}

// Plan is what the engine must do for a set of changes. A VLAN or group
// change dominates: the VNI is re-associated, its VTEP membership is
// rebuilt and its bindings are replayed. Local IP and master changes are
// applied in place.
type Plan struct {
	// Reassociate tears down the flood list under the old identity and
	// replays every binding under the new one.
	Reassociate bool

	// InPlace updates the backing and announces the VNI again without
	// touching bindings.
	InPlace bool

	// RouterMAC refreshes the router MAC of the VNI.
	RouterMAC bool
}

// Empty reports whether the plan has nothing to do.
func (p Plan) Empty() bool {
	return !p.Reassociate && !p.InPlace && !p.RouterMAC
}

// String renders the plan for logs.
func (p Plan) String() string {
	var parts []string
	if p.Reassociate {
		parts = append(parts, "reassociate")
	}
	if p.InPlace {
		parts = append(parts, "in-place")
	}
	if p.RouterMAC {
		parts = append(parts, "router-mac")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

// Classify maps a set of changes to a plan. It is a pure function; the
// order of changes does not matter.
func Classify(changes []Change) Plan {
	var p Plan
	for _, c := range changes {
		switch c {
		case ChangeVLAN, ChangeMcastGroup:
			p.Reassociate = true
		case ChangeLocalIP, ChangeMaster:
			p.InPlace = true
		case ChangeMasterMAC:
			p.RouterMAC = true
		}
	}
	return p
}

// DiffBacking lists the changes between two backings of the same VNI.
// Plumbing that is not classified, such as the SVI name, is not reported.
func DiffBacking(old, cur Backing) []Change {
	var out []Change
	if old.VLAN != cur.VLAN {
		out = append(out, ChangeVLAN)
	}
	if old.McastGroup != cur.McastGroup {
		out = append(out, ChangeMcastGroup)
	}
	if old.LocalIP != cur.LocalIP {
		out = append(out, ChangeLocalIP)
	}
	if old.Bridge != cur.Bridge || old.VRF != cur.VRF {
		out = append(out, ChangeMaster)
	}
	if !sameMAC(old.RouterMAC, cur.RouterMAC) {
		out = append(out, ChangeMasterMAC)
	}
	return out
}

// InterfaceChange reports new attributes of a VNI's kernel objects.
type InterfaceChange struct {
	// VNI is the affected VNI.
	VNI VNI

	// Backing is the complete new backing.
	Backing Backing

	// Changes lists what changed. When empty the engine derives it from
	// the current and the new backing.
	Changes []Change
}

