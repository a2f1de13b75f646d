package rewind

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/benbjohnson/immutable"
)

// Projection is an assignment of byte values to input addresses. It is
// immutable; Set returns a new projection.
type Projection struct {
	m *immutable.SortedMap
}

// NewProjection returns an empty projection.
func NewProjection() Projection {
	return Projection{m: immutable.NewSortedMap(&uint64Comparer{})}
}

// ReadProjection returns the current values of addrs in mem.
func ReadProjection(mem Memory, addrs []uint64) (Projection, error) {
	p := NewProjection()
	buf := make([]byte, 1)
	for _, addr := range addrs {
		if err := mem.ReadMemory(addr, buf); err != nil {
			return p, fmt.Errorf("read projection at %#x: %w", addr, err)
		}
		p = p.Set(addr, buf[0])
	}
	return p, nil
}

// Set returns a copy of p with addr assigned to value.
func (p Projection) Set(addr uint64, value byte) Projection {
	if p.m == nil {
		p = NewProjection()
	}
	return Projection{m: p.m.Set(addr, value)}
}

// Get returns the value assigned to addr.
func (p Projection) Get(addr uint64) (byte, bool) {
	if p.m == nil {
		return 0, false
	}
	v, ok := p.m.Get(addr)
	if !ok {
		return 0, false
	}
	return v.(byte), true
}

// Len returns the number of assigned addresses.
func (p Projection) Len() int {
	if p.m == nil {
		return 0
	}
	return p.m.Len()
}

// Addrs returns the assigned addresses in ascending order.
func (p Projection) Addrs() []uint64 {
	var a []uint64
	p.each(func(addr uint64, _ byte) { a = append(a, addr) })
	return a
}

// Values returns the assigned values in ascending address order.
func (p Projection) Values() []byte {
	var a []byte
	p.each(func(_ uint64, v byte) { a = append(a, v) })
	return a
}

func (p Projection) each(fn func(addr uint64, value byte)) {
	if p.m == nil {
		return
	}
	itr := p.m.Iterator()
	for {
		k, v := itr.Next()
		if k == nil {
			return
		}
		fn(k.(uint64), v.(byte))
	}
}

// Equal returns true if both projections assign the same values to the
// same addresses.
func (p Projection) Equal(other Projection) bool {
	return p.Len() == other.Len() &&
		bytes.Equal(p.Values(), other.Values()) &&
		equalAddrs(p.Addrs(), other.Addrs())
}

// Isomorphic returns true if both projections have the same size and their
// values are equal element-wise in ascending address order. Addresses are
// not compared.
func (p Projection) Isomorphic(other Projection) bool {
	return p.Len() == other.Len() && bytes.Equal(p.Values(), other.Values())
}

// ApplyTo writes the projection into buf, which holds the bytes starting at
// base. Addresses outside buf are ignored.
func (p Projection) ApplyTo(base uint64, buf []byte) {
	p.each(func(addr uint64, v byte) {
		if addr >= base && addr < base+uint64(len(buf)) {
			buf[addr-base] = v
		}
	})
}

// WriteTo writes every assignment to mem.
func (p Projection) WriteTo(mem Memory) error {
	var err error
	p.each(func(addr uint64, v byte) {
		if err == nil {
			err = mem.WriteMemory(addr, []byte{v})
		}
	})
	return err
}

// String returns the projection as "{addr:value ...}".
func (p Projection) String() string {
	var buf bytes.Buffer
	buf.WriteByte('{')
	i := 0
	p.each(func(addr uint64, v byte) {
		if i > 0 {
			buf.WriteByte(' ')
		}
		fmt.Fprintf(&buf, "%#x:%#04x", addr, v)
		i++
	})
	buf.WriteByte('}')
	return buf.String()
}

func equalAddrs(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Condition is a bag of projections leading through one branch outcome.
type Condition []Projection

// Add returns the condition with p appended unless an equal projection is
// already present.
func (c Condition) Add(p Projection) Condition {
	for _, other := range c {
		if other.Equal(p) {
			return c
		}
	}
	return append(c, p)
}

// Isomorphic returns true if every projection in c has an isomorphic
// projection in other and vice versa.
func (c Condition) Isomorphic(other Condition) bool {
	return c.Key() == other.Key()
}

// Key returns a canonical string for the isomorphism class of c.
func (c Condition) Key() string {
	seen := make(map[string]struct{})
	var keys []string
	for _, p := range c {
		k := fmt.Sprintf("%x", p.Values())
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

// Values returns the distinct values assigned by single-byte projections.
func (c Condition) Values() []byte {
	var seen [256]bool
	var a []byte
	for _, p := range c {
		for _, v := range p.Values() {
			if !seen[v] {
				seen[v] = true
				a = append(a, v)
			}
		}
	}
	sort.Slice(a, func(i, j int) bool { return a[i] < a[j] })
	return a
}

// String returns a string representation of the condition.
func (c Condition) String() string {
	a := make([]string, len(c))
	for i, p := range c {
		a[i] = p.String()
	}
	return "[" + strings.Join(a, " ") + "]"
}

// uint64Comparer compares two 64-bit unsigned integers. Implements immutable.Comparer.
type uint64Comparer struct{}

// Compare returns -1 if a is less than b, returns 1 if a is greater than b, and
// returns 0 if a is equal to b. Panic if a or b is not a uint64.
func (c *uint64Comparer) Compare(a, b interface{}) int {
	if i, j := a.(uint64), b.(uint64); i < j {
		return -1
	} else if i > j {
		return 1
	}
	return 0
}
