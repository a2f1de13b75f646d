package rewind

import (
	"fmt"
	"time"
)

// Stats summarizes the resolution state of a run.
type Stats struct {
	Elapsed   time.Duration
	Rollbacks uint64
	Phases    int

	Branches int // input-dependent branch instances
	Resolved int
	Bypassed int
	Singular int
	Explored int
}

// String returns the one-line summary of the run.
func (s Stats) String() string {
	return fmt.Sprintf("%d seconds elapsed, %d rollbacks used, %d/%d/%d resolved/singular/total branches, %d bypassed, %d phases.",
		int(s.Elapsed.Seconds()), s.Rollbacks, s.Resolved, s.Singular, s.Branches, s.Bypassed, s.Phases)
}
