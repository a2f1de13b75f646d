package rewind

import (
	"math/rand"
)

// Generator produces candidate input values for the addresses of one
// checkpoint.
type Generator interface {
	// Returns the next candidate, or false once the generator is exhausted.
	Next() (Projection, bool)

	// Returns the total number of candidates.
	Len() uint64
}

// NewGenerator returns an exhaustive SequentialGenerator for one or two
// addresses and a RandomGenerator drawing bound candidates otherwise.
func NewGenerator(addrs []uint64, bound uint32, rand *rand.Rand) Generator {
	if len(addrs) <= 2 {
		return NewSequentialGenerator(addrs)
	}
	return NewRandomGenerator(addrs, bound, rand)
}

var _ Generator = (*SequentialGenerator)(nil)

// SequentialGenerator enumerates all 256^n values of n addresses. The first
// address holds the least significant byte.
type SequentialGenerator struct {
	addrs []uint64
	next  uint64
	n     uint64
}

// NewSequentialGenerator returns a new instance of SequentialGenerator.
func NewSequentialGenerator(addrs []uint64) *SequentialGenerator {
	return &SequentialGenerator{
		addrs: addrs,
		n:     uint64(1) << (8 * uint(len(addrs))),
	}
}

// Next returns the next value in sequence.
func (g *SequentialGenerator) Next() (Projection, bool) {
	if g.next >= g.n || len(g.addrs) == 0 {
		return Projection{}, false
	}
	v := g.next
	g.next++

	p := NewProjection()
	for i, addr := range g.addrs {
		p = p.Set(addr, byte(v>>(8*uint(i))))
	}
	return p, true
}

// Len returns 256^n.
func (g *SequentialGenerator) Len() uint64 { return g.n }

var _ Generator = (*RandomGenerator)(nil)

// RandomGenerator draws uniformly random bytes for every address.
type RandomGenerator struct {
	addrs []uint64
	used  uint32
	bound uint32
	rand  *rand.Rand
}

// NewRandomGenerator returns a new instance of RandomGenerator.
func NewRandomGenerator(addrs []uint64, bound uint32, rand *rand.Rand) *RandomGenerator {
	return &RandomGenerator{
		addrs: addrs,
		bound: bound,
		rand:  rand,
	}
}

// Next returns a random candidate until the bound is reached.
func (g *RandomGenerator) Next() (Projection, bool) {
	if g.used >= g.bound {
		return Projection{}, false
	}
	g.used++

	p := NewProjection()
	for _, addr := range g.addrs {
		p = p.Set(addr, byte(g.rand.Intn(256)))
	}
	return p, true
}

// Len returns the bound.
func (g *RandomGenerator) Len() uint64 { return uint64(g.bound) }
