package rewind

import (
	"fmt"
	"math/rand"
)

// Searcher chooses the next resolved branch whose flipped outcome seeds a
// new tainting phase. Branches explored since they were added are skipped.
type Searcher interface {
	// SelectBranch removes and returns the next unexplored branch, or nil
	// if none remain.
	SelectBranch() *Branch

	// AddBranch adds a resolved branch.
	AddBranch(b *Branch)
}

// NewSearcher returns the searcher registered under name.
func NewSearcher(name string, rand *rand.Rand) (Searcher, error) {
	switch name {
	case "", "bfs":
		return &BFSSearcher{}, nil
	case "dfs":
		return &DFSSearcher{}, nil
	case "random":
		return NewRandomSearcher(rand), nil
	default:
		return nil, fmt.Errorf("unknown search strategy: %q", name)
	}
}

// candidates holds resolved branches in the order they were added.
type candidates []*Branch

// prune drops explored branches.
func (a *candidates) prune() {
	other := (*a)[:0]
	for _, b := range *a {
		if !b.Explored {
			other = append(other, b)
		}
	}
	*a = other
}

// take removes and returns the branch at index i.
func (a *candidates) take(i int) *Branch {
	b := (*a)[i]
	*a = append((*a)[:i], (*a)[i+1:]...)
	return b
}

// BFSSearcher explores the branch closest to the initial path first. Branches
// at the same depth are explored in resolution order.
type BFSSearcher struct {
	branches candidates
}

// SelectBranch returns the shallowest unexplored branch.
func (s *BFSSearcher) SelectBranch() *Branch {
	s.branches.prune()
	if len(s.branches) == 0 {
		return nil
	}
	min := 0
	for i, b := range s.branches {
		if b.Depth() < s.branches[min].Depth() {
			min = i
		}
	}
	return s.branches.take(min)
}

// AddBranch adds a branch to the searcher.
func (s *BFSSearcher) AddBranch(b *Branch) { s.branches = append(s.branches, b) }

// DFSSearcher explores the deepest branch first. Branches at the same depth
// are explored latest resolved first.
type DFSSearcher struct {
	branches candidates
}

// SelectBranch returns the deepest unexplored branch.
func (s *DFSSearcher) SelectBranch() *Branch {
	s.branches.prune()
	if len(s.branches) == 0 {
		return nil
	}
	max := len(s.branches) - 1
	for i := max; i >= 0; i-- {
		if s.branches[i].Depth() > s.branches[max].Depth() {
			max = i
		}
	}
	return s.branches.take(max)
}

// AddBranch adds a branch to the searcher.
func (s *DFSSearcher) AddBranch(b *Branch) { s.branches = append(s.branches, b) }

// RandomSearcher explores unexplored branches in uniformly random order.
type RandomSearcher struct {
	branches candidates
	rand     *rand.Rand
}

// NewRandomSearcher returns a searcher drawing from rand.
func NewRandomSearcher(rand *rand.Rand) *RandomSearcher {
	return &RandomSearcher{rand: rand}
}

// SelectBranch returns a random unexplored branch.
func (s *RandomSearcher) SelectBranch() *Branch {
	s.branches.prune()
	if len(s.branches) == 0 {
		return nil
	}
	return s.branches.take(s.rand.Intn(len(s.branches)))
}

// AddBranch adds a branch to the searcher.
func (s *RandomSearcher) AddBranch(b *Branch) { s.branches = append(s.branches, b) }
