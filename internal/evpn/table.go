package evpn

import (
	"bytes"
	"net"
	"net/netip"
	"time"

	"github.com/google/btree"
)

// btreeDegree is the branching factor of the per-VNI binding indexes.
const btreeDegree = 16

// entry is the engine-owned binding. Everything outside the embedded
// Binding is bookkeeping that never leaves the engine goroutine.
type entry struct {
	Binding

	// moves is the DAD sliding window.
	moves []time.Time

	// dadTimer and gcTimer are engine timer ids, zero when disarmed.
	dadTimer uint64
	gcTimer  uint64

	// candidate is the last accepted claim of a DUPLICATE entry, restored
	// on recovery. frozen is the latest claim recorded while frozen.
	candidate *Binding
	frozen    *Claim

	// advertised is true while the routing process holds a local route
	// for the entry.
	advertised bool

	// notifyPending defers the outbound notification until the dataplane
	// confirms the change.
	notifyPending bool

	// sviParked marks a local neighbor deactivated because its SVI went
	// down. It is reclaimed when the SVI comes back.
	sviParked bool
}

// snapshot returns an independent copy of the public part of the entry.
func (en *entry) snapshot() Binding {
	b := en.Binding
	b.MAC = cloneMAC(en.MAC)
	b.MoveCount = len(en.moves)
	return b
}

// bindingTable is an ordered index of one VNI's MAC or neighbor entries.
// The ordering makes replays and snapshots deterministic.
type bindingTable struct {
	kind Kind
	tree *btree.BTreeG[*entry]
}

func newBindingTable(kind Kind) *bindingTable {
	less := func(a, b *entry) bool { return bytes.Compare(a.MAC, b.MAC) < 0 }
	if kind == KindNeigh {
		less = func(a, b *entry) bool { return a.IP.Less(b.IP) }
	}
	return &bindingTable{kind: kind, tree: btree.NewG(btreeDegree, less)}
}

// lookupKey builds a search key for the table.
func (t *bindingTable) lookupKey(mac net.HardwareAddr, ip netip.Addr) *entry {
	if t.kind == KindNeigh {
		return &entry{Binding: Binding{Kind: KindNeigh, IP: ip}}
	}
	return &entry{Binding: Binding{Kind: KindMAC, MAC: mac}}
}

func (t *bindingTable) get(mac net.HardwareAddr, ip netip.Addr) *entry {
	en, ok := t.tree.Get(t.lookupKey(mac, ip))
	if !ok {
		return nil
	}
	return en
}

func (t *bindingTable) put(en *entry) {
	t.tree.ReplaceOrInsert(en)
}

func (t *bindingTable) delete(en *entry) {
	t.tree.Delete(en)
}

func (t *bindingTable) len() int {
	return t.tree.Len()
}

// all returns the entries in key order. Callers may mutate or delete
// entries while walking the returned slice.
func (t *bindingTable) all() []*entry {
	out := make([]*entry, 0, t.tree.Len())
	t.tree.Ascend(func(en *entry) bool {
		out = append(out, en)
		return true
	})
	return out
}
