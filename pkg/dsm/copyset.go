package dsm

import "math/bits"

// MaxInstances bounds the number of participating nodes a Copyset can
// address. It plays the same role as DSM_MAX_INSTANCES in the design: a
// compile-time cap that keeps a Copyset a flat, copyable value instead of a
// heap-allocated set.
const MaxInstances = 256

const copysetWords = MaxInstances / 64

// Copyset is a fixed-capacity bitset over node IDs in [0, MaxInstances).
// Only meaningful on the page's owner; on non-owners it is scratch space
// that gets overwritten by the next response received for that page.
//
// The bit-per-word layout is a coverage-bitmap technique applied here to
// node IDs instead of byte offsets within a block.
type Copyset struct {
	words [copysetWords]uint64
}

// Add marks node i as a possible copy holder.
func (c *Copyset) Add(i NodeID) {
	if i < 0 || int(i) >= MaxInstances {
		return
	}
	c.words[i/64] |= 1 << uint(i%64)
}

// Clear removes node i from the copyset.
func (c *Copyset) Clear(i NodeID) {
	if i < 0 || int(i) >= MaxInstances {
		return
	}
	c.words[i/64] &^= 1 << uint(i%64)
}

// Test reports whether node i is currently a member.
func (c *Copyset) Test(i NodeID) bool {
	if i < 0 || int(i) >= MaxInstances {
		return false
	}
	return c.words[i/64]&(1<<uint(i%64)) != 0
}

// ClearAll empties the copyset, used on every ownership transfer before it
// is reseeded with the new owner (invariant 6 in the design).
func (c *Copyset) ClearAll() {
	for i := range c.words {
		c.words[i] = 0
	}
}

// CopyFrom replaces the receiver's membership with other's.
func (c *Copyset) CopyFrom(other *Copyset) {
	c.words = other.words
}

// Iter calls fn for every member node ID, in ascending order.
func (c *Copyset) Iter(fn func(NodeID)) {
	for w, word := range c.words {
		for word != 0 {
			b := bits.TrailingZeros64(word)
			fn(NodeID(w*64 + b))
			word &= word - 1
		}
	}
}

// PopCount returns the number of member nodes.
func (c *Copyset) PopCount() int {
	n := 0
	for _, word := range c.words {
		n += bits.OnesCount64(word)
	}
	return n
}

// Members returns the copyset contents as a sorted slice, primarily for
// logging and tests.
func (c *Copyset) Members() []NodeID {
	out := make([]NodeID, 0, c.PopCount())
	c.Iter(func(n NodeID) { out = append(out, n) })
	return out
}
