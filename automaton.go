package rewind

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/xlab/treeprint"
)

// Step is one branch outcome along an explored path. Condition holds the
// input projections observed to lead through that outcome.
type Step struct {
	Branch    *Branch
	Taken     bool
	Condition Condition
}

// Automaton accumulates explored paths. States hold the branches that have
// not yet distinguished two paths; transitions are labeled by conditions and
// matched by isomorphism.
type Automaton struct {
	initial *State
	states  map[int]*State
	seq     int
}

// State is a node of the automaton.
type State struct {
	ID       int
	Branches []*Branch
	Final    bool

	out []*Transition
	in  []*Transition
}

// Transitions returns the outgoing transitions of the state.
func (s *State) Transitions() []*Transition { return s.out }

func (s *State) addBranch(b *Branch) {
	if b == nil {
		return
	}
	for _, other := range s.Branches {
		if other == b {
			return
		}
	}
	s.Branches = append(s.Branches, b)
}

// Transition is a labeled edge between two states.
type Transition struct {
	From, To  *State
	Condition Condition
}

// NewAutomaton returns an automaton with a single initial state.
func NewAutomaton() *Automaton {
	a := &Automaton{states: make(map[int]*State)}
	a.initial = a.newState()
	return a
}

// Initial returns the initial state.
func (a *Automaton) Initial() *State { return a.initial }

// StateN returns the number of states.
func (a *Automaton) StateN() int { return len(a.states) }

// TransitionN returns the number of transitions.
func (a *Automaton) TransitionN() int {
	var n int
	for _, s := range a.states {
		n += len(s.out)
	}
	return n
}

// States returns all states sorted by id.
func (a *Automaton) States() []*State {
	states := make([]*State, 0, len(a.states))
	for _, s := range a.states {
		states = append(states, s)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	return states
}

func (a *Automaton) newState() *State {
	s := &State{ID: a.seq}
	a.seq++
	a.states[s.ID] = s
	return s
}

func (a *Automaton) link(from, to *State, cond Condition) *Transition {
	t := &Transition{From: from, To: to, Condition: cond}
	from.out = append(from.out, t)
	to.in = append(to.in, t)
	return t
}

func removeTransition(a []*Transition, t *Transition) []*Transition {
	for i := range a {
		if a[i] == t {
			return append(a[:i], a[i+1:]...)
		}
	}
	return a
}

// AddPath extends the automaton with one path. Existing transitions are
// followed while their condition is isomorphic to the step's condition; new
// states are created from the first mismatch on.
func (a *Automaton) AddPath(steps []Step) {
	cur, diverged := a.initial, false
	for _, step := range steps {
		var next *State
		if !diverged {
			for _, t := range cur.out {
				if t.Condition.Isomorphic(step.Condition) {
					next = a.unshare(t)
					break
				}
			}
		}

		if next == nil {
			diverged = true
			cur.addBranch(step.Branch)
			next = a.newState()
			a.link(cur, next, step.Condition)
		}
		cur = next
	}
	cur.Final = true
}

// unshare returns the target of t, cloning it first if other transitions
// also lead there so that extending it does not affect other paths.
func (a *Automaton) unshare(t *Transition) *State {
	s := t.To
	if len(s.in) <= 1 {
		return s
	}

	clone := a.newState()
	clone.Final = s.Final
	clone.Branches = append([]*Branch(nil), s.Branches...)
	for _, out := range s.out {
		a.link(clone, out.To, out.Condition)
	}

	s.in = removeTransition(s.in, t)
	t.To = clone
	clone.in = append(clone.in, t)
	return clone
}

// Optimize merges states with the same finality and isomorphic outgoing
// transitions to the same targets until no such states remain.
func (a *Automaton) Optimize() {
	for {
		groups := make(map[string][]*State)
		for _, s := range a.States() {
			sig := a.signature(s)
			groups[sig] = append(groups[sig], s)
		}

		var changed bool
		for _, sig := range sortedKeys(groups) {
			group := groups[sig]
			if len(group) < 2 {
				continue
			}
			for _, s := range group[1:] {
				a.merge(group[0], s)
			}
			changed = true
		}
		if !changed {
			return
		}
	}
}

// signature returns a key equal for states with identical outgoing behavior.
func (a *Automaton) signature(s *State) string {
	seen := make(map[string]struct{})
	var edges []string
	for _, t := range s.out {
		k := fmt.Sprintf("%s>%d", t.Condition.Key(), t.To.ID)
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			edges = append(edges, k)
		}
	}
	sort.Strings(edges)
	return fmt.Sprintf("%v|%s", s.Final, strings.Join(edges, ";"))
}

// merge folds s into rep and removes s.
func (a *Automaton) merge(rep, s *State) {
	assert(rep != s, "merge: state %d merged into itself", s.ID)

	for _, b := range s.Branches {
		rep.addBranch(b)
	}
	for _, t := range s.out {
		t.To.in = removeTransition(t.To.in, t)
	}
	for _, t := range s.in {
		t.To = rep
		rep.in = append(rep.in, t)
		a.dedupe(t.From)
	}
	if s == a.initial {
		a.initial = rep
	}
	delete(a.states, s.ID)
}

// dedupe removes transitions of s that duplicate an earlier one.
func (a *Automaton) dedupe(s *State) {
	seen := make(map[string]struct{})
	out := s.out[:0]
	for _, t := range s.out {
		k := fmt.Sprintf("%s>%d", t.Condition.Key(), t.To.ID)
		if _, ok := seen[k]; ok {
			t.To.in = removeTransition(t.To.in, t)
			continue
		}
		seen[k] = struct{}{}
		out = append(out, t)
	}
	s.out = out
}

// Accepts returns every accepted sequence of condition keys, sorted. Each
// sequence is joined with " / ".
func (a *Automaton) Accepts() []string {
	var words []string
	var walk func(s *State, prefix []string, depth int)
	walk = func(s *State, prefix []string, depth int) {
		assert(depth <= len(a.states), "accepts: cycle through state %d", s.ID)
		if s.Final {
			words = append(words, strings.Join(prefix, " / "))
		}
		for _, t := range s.out {
			walk(t.To, append(prefix[:len(prefix):len(prefix)], t.Condition.Key()), depth+1)
		}
	}
	walk(a.initial, nil, 0)
	sort.Strings(words)
	return words
}

// WriteDOT writes the automaton in Graphviz format.
func (a *Automaton) WriteDOT(w io.Writer) error {
	if _, err := fmt.Fprintln(w, "digraph paths {"); err != nil {
		return err
	}
	for _, s := range a.States() {
		shape := "circle"
		if s.Final {
			shape = "doublecircle"
		}
		if _, err := fmt.Fprintf(w, "\ts%d [label=%q shape=%s];\n", s.ID, stateLabel(s), shape); err != nil {
			return err
		}
	}
	for _, s := range a.States() {
		for _, t := range s.out {
			if _, err := fmt.Fprintf(w, "\ts%d -> s%d [label=%q];\n", s.ID, t.To.ID, conditionLabel(t.Condition)); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprintln(w, "}")
	return err
}

// Tree returns a text tree of the automaton rooted at the initial state.
// States reached more than once are expanded only the first time.
func (a *Automaton) Tree() treeprint.Tree {
	tree := treeprint.New()
	tree.SetValue(stateLabel(a.initial))

	seen := map[*State]bool{a.initial: true}
	var add func(node treeprint.Tree, s *State)
	add = func(node treeprint.Tree, s *State) {
		for _, t := range s.out {
			label := fmt.Sprintf("%s -> %s", conditionLabel(t.Condition), stateLabel(t.To))
			if seen[t.To] {
				node.AddNode(label + " (merged)")
				continue
			}
			seen[t.To] = true
			add(node.AddBranch(label), t.To)
		}
	}
	add(tree, a.initial)
	return tree
}

func stateLabel(s *State) string {
	a := make([]string, len(s.Branches))
	for i, b := range s.Branches {
		a[i] = fmt.Sprintf("%#x", b.Address())
	}
	return fmt.Sprintf("s%d[%s]", s.ID, strings.Join(a, ","))
}

// conditionLabel prints single-byte conditions with at most two values as
// the values and larger ones as the complement over 0..255.
func conditionLabel(c Condition) string {
	for _, p := range c {
		if p.Len() != 1 {
			if len(c) <= 2 {
				return c.String()
			}
			return fmt.Sprintf("<%d projections>", len(c))
		}
	}

	values := c.Values()
	if len(values) <= 2 {
		return byteList(values)
	}

	var in [256]bool
	for _, v := range values {
		in[v] = true
	}
	var rest []byte
	for v := 0; v < 256; v++ {
		if !in[v] {
			rest = append(rest, byte(v))
		}
	}
	return "!" + byteList(rest)
}

func byteList(a []byte) string {
	s := make([]string, len(a))
	for i, v := range a {
		s[i] = fmt.Sprintf("%#04x", v)
	}
	return "{" + strings.Join(s, ",") + "}"
}

func sortedKeys(m map[string][]*State) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
