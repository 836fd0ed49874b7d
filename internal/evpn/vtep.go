package evpn

import (
	"net/netip"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
)

// vtepTable is the membership of one L2 VNI. It is owned by the engine
// goroutine, so the set is the thread-unsafe variant.
type vtepTable struct {
	mode FloodMode
	set  mapset.Set[netip.Addr]
}

func newVTEPTable() *vtepTable {
	return &vtepTable{set: mapset.NewThreadUnsafeSet[netip.Addr]()}
}

// add inserts vtep. The first add on an empty table without a mode adopts
// mode; a later add with a different non-zero mode fails with
// ErrFloodModeMismatch. Adding a present VTEP is a no-op.
func (t *vtepTable) add(vtep netip.Addr, mode FloodMode) (bool, error) {
	if mode != 0 {
		if t.mode == 0 {
			t.mode = mode
		} else if mode != t.mode {
			return false, ErrFloodModeMismatch
		}
	}
	return t.set.Add(vtep), nil
}

// remove deletes vtep. Removing an absent VTEP is a no-op.
func (t *vtepTable) remove(vtep netip.Addr) bool {
	if !t.set.Contains(vtep) {
		return false
	}
	t.set.Remove(vtep)
	return true
}

func (t *vtepTable) contains(vtep netip.Addr) bool {
	return t.set.Contains(vtep)
}

func (t *vtepTable) len() int {
	return t.set.Cardinality()
}

// members returns the VTEPs in address order.
func (t *vtepTable) members() []netip.Addr {
	out := t.set.ToSlice()
	slices.SortFunc(out, func(a, b netip.Addr) int { return a.Compare(b) })
	return out
}

// reset empties the table and forgets the flood mode.
func (t *vtepTable) reset() {
	t.set.Clear()
	t.mode = 0
}
