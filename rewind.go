package rewind

import (
	"errors"
	"fmt"
)

// Default exploration knobs.
const (
	DefaultMaxTraceLength     = 100
	DefaultLocalRollbackBound = 7000
	DefaultTotalRollbackBound = 4000000000
	DefaultInputOrdinal       = 1
)

// Exit codes carried by a terminate action.
const (
	ExitOK    = 0
	ExitFatal = 1
)

var (
	ErrNoCheckpoint        = errors.New("rewind: no checkpoint saved")
	ErrExplorationComplete = errors.New("rewind: no branch left to explore")
	ErrRollbackBudget      = errors.New("rewind: total rollback budget exhausted")
	ErrTraceDivergence     = errors.New("rewind: trace diverged without active branch")
	ErrIndirectDrift       = errors.New("rewind: indirect target drifted during original replay")
	ErrExploringMismatch   = errors.New("rewind: exploring branch not reached")
	ErrNotFound            = errors.New("rewind: lookup failed")
)

// assert panics if condition is false.
func assert(condition bool, format string, args ...interface{}) {
	if !condition {
		panic(fmt.Sprintf("assert: "+format, args...))
	}
}
