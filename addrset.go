package rewind

import (
	"bytes"
	"fmt"

	"golang.org/x/tools/container/intsets"
)

// AddrSet is a sparse set of byte addresses.
type AddrSet struct {
	s intsets.Sparse
}

// NewAddrSet returns a set containing addrs.
func NewAddrSet(addrs ...uint64) *AddrSet {
	set := &AddrSet{}
	for _, addr := range addrs {
		set.Insert(addr)
	}
	return set
}

// Insert adds addr to the set. Returns true if it was not already present.
func (set *AddrSet) Insert(addr uint64) bool {
	return set.s.Insert(int(addr))
}

// InsertRange adds n consecutive addresses starting at addr.
func (set *AddrSet) InsertRange(addr uint64, n int) {
	for i := 0; i < n; i++ {
		set.s.Insert(int(addr) + i)
	}
}

// Has returns true if addr is in the set.
func (set *AddrSet) Has(addr uint64) bool {
	return set != nil && set.s.Has(int(addr))
}

// Len returns the number of addresses in the set.
func (set *AddrSet) Len() int {
	if set == nil {
		return 0
	}
	return set.s.Len()
}

// IsEmpty returns true if the set has no addresses.
func (set *AddrSet) IsEmpty() bool { return set == nil || set.s.IsEmpty() }

// Addrs returns the addresses in ascending order.
func (set *AddrSet) Addrs() []uint64 {
	if set == nil {
		return nil
	}
	var a []uint64
	for _, x := range set.s.AppendTo(nil) {
		a = append(a, uint64(x))
	}
	return a
}

// Clone returns a copy of the set.
func (set *AddrSet) Clone() *AddrSet {
	other := &AddrSet{}
	if set != nil {
		other.s.Copy(&set.s)
	}
	return other
}

// Intersection returns a new set of the addresses in both set and other.
func (set *AddrSet) Intersection(other *AddrSet) *AddrSet {
	x := &AddrSet{}
	if set != nil && other != nil {
		x.s.Intersection(&set.s, &other.s)
	}
	return x
}

// DifferenceWith removes every address of other from set.
func (set *AddrSet) DifferenceWith(other *AddrSet) {
	if other != nil {
		set.s.DifferenceWith(&other.s)
	}
}

// Equals returns true if both sets hold the same addresses.
func (set *AddrSet) Equals(other *AddrSet) bool {
	if set.IsEmpty() || other.IsEmpty() {
		return set.IsEmpty() && other.IsEmpty()
	}
	return set.s.Equals(&other.s)
}

// String returns the set as a list of hex addresses.
func (set *AddrSet) String() string {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, addr := range set.Addrs() {
		if i > 0 {
			buf.WriteByte(' ')
		}
		fmt.Fprintf(&buf, "%#x", addr)
	}
	buf.WriteByte('}')
	return buf.String()
}
