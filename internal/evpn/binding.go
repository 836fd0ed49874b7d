package evpn

import (
	"net"
	"net/netip"
	"time"
)

// This file implements the binding state machine decision. Decide is a pure
// function over the current entry and an incoming claim: it never touches
// tables, timers or the dataplane. The Engine executes the verdict.
//
//	           local learn            remote seq > local seq
//	   +-----> LOCAL <------------------------------> REMOTE <-----+
//	   |         |     local learn (seq = remote+1)     |          |
//	   |         |                                      |          |
//	  none       +---------> DUPLICATE <----------------+        none
//	   |         moves > max_moves | freeze expiry                 |
//	   |                           v                               |
//	   +---------------------- INACTIVE <--------------------------+
//	          withdraw / terminal dataplane failure / GC

// -------------------------------------------------------------------------
// Binding snapshot
// -------------------------------------------------------------------------

// Binding is a copy of one MAC or neighbor table entry. Engine queries
// return Bindings by value; they never alias engine-owned state.
type Binding struct {
	// Kind is KindMAC or KindNeigh.
	Kind Kind

	// VNI is the owning L2 VNI.
	VNI VNI

	// MAC is the key of a MAC entry, or the resolved hardware address of a
	// neighbor entry.
	MAC net.HardwareAddr

	// IP is the key of a neighbor entry. Invalid for MAC entries.
	IP netip.Addr

	// State is the current state machine state.
	State State

	// Location is the access port, SVI or remote VTEP.
	Location Location

	// Seq is the MAC mobility sequence number.
	Seq uint32

	// Router marks a neighbor that belongs to a router (NTF_ROUTER).
	Router bool

	// Sticky marks a static entry that cannot move.
	Sticky bool

	// Gateway marks a default gateway MAC/IP.
	Gateway bool

	// Installed is true once the dataplane confirmed the last install.
	Installed bool

	// MoveCount is the number of moves inside the current DAD window.
	MoveCount int

	// DuplicateSince is when the entry was frozen. Zero unless DUPLICATE.
	DuplicateSince time.Time

	// LastChange is when State, Location or Seq last changed.
	LastChange time.Time

	// LastError is the last terminal dataplane error, if any.
	LastError string
}

// Addr returns the table key of the binding as a string.
func (b Binding) Addr() string {
	if b.Kind == KindNeigh {
		return b.IP.String()
	}
	return b.MAC.String()
}

// active reports whether the entry should be present in the dataplane.
func (b *Binding) active() bool {
	return b.State == StateLocal || b.State == StateRemote
}

// -------------------------------------------------------------------------
// Claims
// -------------------------------------------------------------------------

// Origin tells local learns from remote routes.
type Origin uint8

const (
	// OriginLocal is a kernel-reported learn.
	OriginLocal Origin = iota + 1

	// OriginRemote is a route from the remote-route feed.
	OriginRemote
)

// String returns the human-readable name of the origin.
func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Claim is a request to bind an address to a location.
type Claim struct {
	// Origin is local or remote.
	Origin Origin

	// Location is where the claimant says the address lives.
	Location Location

	// Seq is the MAC mobility sequence number carried by a remote route.
	// Ignored for local claims; the engine derives their sequence.
	Seq uint32

	// MAC is the hardware address a neighbor claim resolves to.
	MAC net.HardwareAddr

	// Router, Sticky and Gateway are copied into the entry on accept.
	Router  bool
	Sticky  bool
	Gateway bool
}

// -------------------------------------------------------------------------
// Decision
// -------------------------------------------------------------------------

// Verdict is the outcome of evaluating a claim.
type Verdict uint8

const (
	// VerdictAccept replaces the entry's state, location and sequence.
	VerdictAccept Verdict = iota + 1

	// VerdictRefresh keeps state and location and updates attributes.
	VerdictRefresh

	// VerdictReject ignores the claim. Not an error.
	VerdictReject

	// VerdictDefer records the claim on a DUPLICATE entry for evaluation
	// at recovery.
	VerdictDefer
)

// String returns the human-readable name of the verdict.
func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "Accept"
	case VerdictRefresh:
		return "Refresh"
	case VerdictReject:
		return "Reject"
	case VerdictDefer:
		return "Defer"
	default:
		return "Unknown"
	}
}

// Decision holds the outcome of Decide.
type Decision struct {
	// Verdict is what the engine must do with the claim.
	Verdict Verdict

	// State is the entry state after an accept or refresh.
	State State

	// Seq is the sequence number after an accept or refresh.
	Seq uint32

	// Move is true when the claim names a location that competes with the
	// current one. Accepted and rejected moves both count for DAD.
	Move bool
}

// Decide evaluates claim c against the current entry cur (nil when the
// address is unknown).
//
// Rules:
//   - unknown or INACTIVE entry: accept. A local claim keeps the retained
//     sequence, a remote claim brings its own.
//   - DUPLICATE: defer.
//   - same origin, same location: refresh.
//   - local over LOCAL at another port: accept, sequence unchanged.
//   - local over REMOTE: accept with remote seq+1 unless the remote entry is
//     sticky.
//   - remote over LOCAL: accept only with a strictly higher sequence and a
//     non-sticky local entry. Local wins ties.
//   - remote over REMOTE from another VTEP: a sticky entry beats a
//     non-sticky one, then the higher sequence wins, then the lower VTEP
//     address wins. The order is total, so delivery order cannot change
//     the winner.
func Decide(cur *Binding, c Claim) Decision {
	if cur == nil || cur.State == StateNone {
		return Decision{Verdict: VerdictAccept, State: originState(c.Origin), Seq: claimSeq(c, 0)}
	}

	switch cur.State {
	case StateDuplicate:
		return Decision{Verdict: VerdictDefer, State: StateDuplicate, Seq: cur.Seq}

	case StateInactive:
		return Decision{Verdict: VerdictAccept, State: originState(c.Origin), Seq: claimSeq(c, cur.Seq)}

	case StateLocal:
		if c.Origin == OriginLocal {
			if cur.Location.Equal(c.Location) {
				return Decision{Verdict: VerdictRefresh, State: StateLocal, Seq: cur.Seq}
			}
			return Decision{Verdict: VerdictAccept, State: StateLocal, Seq: cur.Seq}
		}
		if !cur.Sticky && c.Seq > cur.Seq {
			return Decision{Verdict: VerdictAccept, State: StateRemote, Seq: c.Seq, Move: true}
		}
		return Decision{Verdict: VerdictReject, State: cur.State, Seq: cur.Seq, Move: true}

	case StateRemote:
		if c.Origin == OriginLocal {
			if cur.Sticky {
				return Decision{Verdict: VerdictReject, State: cur.State, Seq: cur.Seq, Move: true}
			}
			return Decision{Verdict: VerdictAccept, State: StateLocal, Seq: cur.Seq + 1, Move: true}
		}
		if cur.Location.VTEP == c.Location.VTEP {
			return Decision{Verdict: VerdictRefresh, State: StateRemote, Seq: c.Seq}
		}
		if remoteWins(cur, c) {
			return Decision{Verdict: VerdictAccept, State: StateRemote, Seq: c.Seq, Move: true}
		}
		return Decision{Verdict: VerdictReject, State: cur.State, Seq: cur.Seq, Move: true}
	}

	return Decision{Verdict: VerdictReject, State: cur.State, Seq: cur.Seq}
}

// remoteWins orders two remote claims for the same address.
func remoteWins(cur *Binding, c Claim) bool {
	if cur.Sticky != c.Sticky {
		return c.Sticky
	}
	if c.Seq != cur.Seq {
		return c.Seq > cur.Seq
	}
	return c.Location.VTEP.Less(cur.Location.VTEP)
}

// originState maps a claim origin to the state it produces.
func originState(o Origin) State {
	if o == OriginLocal {
		return StateLocal
	}
	return StateRemote
}

// claimSeq returns the sequence of an accepted claim on an absent or
// inactive entry.
func claimSeq(c Claim, retained uint32) uint32 {
	if c.Origin == OriginRemote {
		return c.Seq
	}
	return retained
}
