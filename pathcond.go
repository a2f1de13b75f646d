package rewind

import (
	"bytes"
	"fmt"
)

// SubCondition is one factor of a path condition: alternative projections
// over overlapping input addresses and the steps they were collected from.
type SubCondition struct {
	Condition Condition
	Steps     []Step
}

// Addrs returns every input address constrained by the sub-condition.
func (sc SubCondition) Addrs() *AddrSet {
	set := NewAddrSet()
	for _, p := range sc.Condition {
		for _, addr := range p.Addrs() {
			set.Insert(addr)
		}
	}
	return set
}

// Step returns the sub-condition as one automaton step labeled by its
// earliest branch.
func (sc SubCondition) Step() Step {
	first := sc.Steps[0]
	return Step{Branch: first.Branch, Taken: first.Taken, Condition: sc.Condition}
}

// PathCondition is the condition of one explored path as a product of
// sub-conditions over pairwise disjoint input addresses.
type PathCondition struct {
	Subs []SubCondition

	// Set if the last two sub-conditions are isomorphic, as when a loop
	// consumes the input one field at a time.
	Recursive bool

	// Number of leading sub-conditions before the trailing isomorphic run.
	Order int
}

// NewPathCondition returns the stabilized condition of steps.
func NewPathCondition(steps []Step) *PathCondition {
	subs := make([]SubCondition, 0, len(steps))
	for _, step := range steps {
		subs = append(subs, SubCondition{Condition: step.Condition, Steps: []Step{step}})
	}
	subs = Stabilize(subs)

	pc := &PathCondition{Subs: subs, Order: len(subs)}
	for pc.Order >= 2 && subs[pc.Order-1].Condition.Isomorphic(subs[pc.Order-2].Condition) {
		pc.Order--
	}
	pc.Recursive = pc.Order < len(subs)
	return pc
}

// Stabilize joins sub-conditions sharing an input address until all are
// disjoint. A joined sub-condition takes the position of the earlier one.
func Stabilize(subs []SubCondition) []SubCondition {
	subs = append([]SubCondition(nil), subs...)
	for {
		i, j, ok := intersecting(subs)
		if !ok {
			return subs
		}
		subs[i] = SubCondition{
			Condition: join(subs[i].Condition, subs[j].Condition),
			Steps:     append(append([]Step(nil), subs[i].Steps...), subs[j].Steps...),
		}
		subs = append(subs[:j], subs[j+1:]...)
	}
}

func intersecting(subs []SubCondition) (i, j int, ok bool) {
	for i = range subs {
		a := subs[i].Addrs()
		for j = i + 1; j < len(subs); j++ {
			if !a.Intersection(subs[j].Addrs()).IsEmpty() {
				return i, j, true
			}
		}
	}
	return 0, 0, false
}

// join returns every consistent union of a projection of a with one of b.
// If no pair agrees on the shared addresses, b is returned: it was observed
// on a run that already followed the outcomes of a.
func join(a, b Condition) Condition {
	var c Condition
	for _, pa := range a {
		for _, pb := range b {
			if p, ok := joinProjections(pa, pb); ok {
				c = c.Add(p)
			}
		}
	}
	if len(c) == 0 {
		return append(Condition(nil), b...)
	}
	return c
}

func joinProjections(a, b Projection) (Projection, bool) {
	p, ok := a, true
	b.each(func(addr uint64, v byte) {
		if prev, exists := a.Get(addr); exists && prev != v {
			ok = false
		} else if !exists {
			p = p.Set(addr, v)
		}
	})
	return p, ok
}

// Steps returns one automaton step per sub-condition.
func (pc *PathCondition) Steps() []Step {
	steps := make([]Step, len(pc.Subs))
	for i, sc := range pc.Subs {
		steps[i] = sc.Step()
	}
	return steps
}

// Lazy predicts the condition of a path with n sub-conditions. A recursive
// condition is extended by repeating its last sub-condition.
func (pc *PathCondition) Lazy(n int) []SubCondition {
	m := n
	if m > pc.Order {
		m = pc.Order
	}
	subs := append([]SubCondition(nil), pc.Subs[:m]...)
	if pc.Recursive {
		last := pc.Subs[len(pc.Subs)-1]
		for len(subs) < n {
			subs = append(subs, last)
		}
	}
	return subs
}

// String returns the constrained addresses of each leading sub-condition,
// followed by "*" if the condition is recursive.
func (pc *PathCondition) String() string {
	var buf bytes.Buffer
	for _, sc := range pc.Subs[:pc.Order] {
		fmt.Fprintf(&buf, "| %s ", sc.Addrs().String())
	}
	buf.WriteByte('|')
	if pc.Recursive {
		buf.WriteByte('*')
	}
	return buf.String()
}
