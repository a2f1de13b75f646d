package rewind_test

import (
	"bytes"
	"errors"
	"log"
	"os"
	"strings"
	"testing"

	"github.com/benbjohnson/rewind"
	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"
)

// NewConfig returns the default configuration with a small local bound.
func NewConfig() rewind.Config {
	c := rewind.NewConfig()
	c.LocalRollbackBound = 64
	return c
}

// MustRun runs the machine and fails unless the engine terminated cleanly.
func MustRun(tb testing.TB, m *Machine) {
	tb.Helper()
	if code, err := m.Run(); code != rewind.ExitOK {
		tb.Fatalf("unexpected exit code %d: %v", code, err)
	} else if err != nil && !errors.Is(err, rewind.ErrExplorationComplete) && !errors.Is(err, rewind.ErrNoCheckpoint) {
		tb.Fatal(err)
	}
}

func TestEngine_ResolveSingleBranch(t *testing.T) {
	m := NewMachine([]Op{
		{Code: Recv, Addr: 0x2000, Imm: 4},
		{Code: Load, A: "R1", Addr: 0x2000},
		{Code: Cmpi, A: "R1", Imm: 0x41},
		{Code: Jz, Target: 5},
		{Code: Movi, A: "R2", Imm: 1},
		{Code: Halt},
	}, []byte("ABCD"), NewConfig())
	MustRun(t, m)

	branches := m.Engine.Branches()
	if len(branches) != 1 {
		t.Fatalf("unexpected branch count: %d", len(branches))
	}

	b := branches[0]
	if !b.Resolved {
		t.Fatalf("expected resolved branch: %s", spew.Sdump(b.Deps, b.Projections))
	} else if b.Bypassed {
		t.Fatal("expected branch not to be bypassed")
	} else if !b.Explored {
		t.Fatal("expected branch to be explored")
	} else if got, exp := b.Address(), Addr(3); got != exp {
		t.Fatalf("unexpected address: %#x", got)
	} else if diff := cmp.Diff(b.Deps.Addrs(), []uint64{0x2000}); diff != "" {
		t.Fatal(diff)
	} else if len(b.Projections[0]) == 0 || len(b.Projections[1]) == 0 {
		t.Fatalf("expected both projection bags: %s", spew.Sdump(b.Projections[0].String(), b.Projections[1].String()))
	}

	// The taken outcome was captured from the original input.
	if v, ok := b.Projections[1][0].Get(0x2000); !ok || v != 'A' {
		t.Fatalf("unexpected taken projection: %s", b.Projections[1].String())
	} else if v, ok := b.Projections[0][0].Get(0x2000); !ok || v == 'A' {
		t.Fatalf("unexpected flipped projection: %s", b.Projections[0].String())
	}

	if s := m.Engine.Stats(); s.Resolved != 1 || s.Bypassed != 0 || s.Branches != 1 || s.Phases != 2 {
		t.Fatalf("unexpected stats: %s", spew.Sdump(s))
	} else if s.Rollbacks != 4 {
		t.Fatalf("unexpected rollbacks: %d", s.Rollbacks)
	} else if m.Engine.Phase() != rewind.PhaseTerminated {
		t.Fatalf("unexpected phase: %s", m.Engine.Phase())
	}

	// Both outcomes were explored.
	if diff := cmp.Diff(m.Engine.Automaton().Accepts(), []string{"00", "41"}); diff != "" {
		t.Fatal(diff)
	}
}

func TestEngine_Bypass(t *testing.T) {
	t.Run("Singular", func(t *testing.T) {
		m := NewMachine([]Op{
			{Code: Recv, Addr: 0x2000, Imm: 4},
			{Code: Load, A: "R1", Addr: 0x2000},
			{Code: Andi, A: "R1", Imm: 0},
			{Code: Cmpi, A: "R1", Imm: 0},
			{Code: Jz, Target: 6},
			{Code: Movi, A: "R2", Imm: 1},
			{Code: Halt},
		}, []byte("ABCD"), NewConfig())
		MustRun(t, m)

		b := m.Engine.Branches()[0]
		if b.Resolved {
			t.Fatal("expected unresolved branch")
		} else if !b.Bypassed {
			t.Fatal("expected bypassed branch")
		} else if !b.Singular {
			t.Fatal("expected singular branch")
		} else if len(b.Projections[1]) != 1 || len(b.Projections[0]) != 0 {
			t.Fatalf("unexpected projections: %s", spew.Sdump(b.Projections))
		}

		// One replay, 256 candidates and the original input.
		if got, exp := m.Engine.Stats().Rollbacks, uint64(258); got != exp {
			t.Fatalf("unexpected rollbacks: %d", got)
		}
	})

	t.Run("NearestCheckpoints", func(t *testing.T) {
		m := NewMachine([]Op{
			{Code: Recv, Addr: 0x2000, Imm: 4},
			{Code: Load, A: "R1", Addr: 0x2000},
			{Code: Load, A: "R2", Addr: 0x2001},
			{Code: Load, A: "R3", Addr: 0x2002},
			{Code: Add, A: "R1", B: "R2"},
			{Code: Add, A: "R1", B: "R3"},
			{Code: Andi, A: "R1", Imm: 0},
			{Code: Jz, Target: 9},
			{Code: Movi, A: "R4", Imm: 1},
			{Code: Halt},
		}, []byte("ABCD"), NewConfig())
		MustRun(t, m)

		b := m.Engine.Branches()[0]
		if !b.Bypassed || b.Resolved {
			t.Fatalf("unexpected status: %s", b.Status())
		} else if b.Singular {
			t.Fatal("expected non-singular branch")
		} else if diff := cmp.Diff(b.Deps.Addrs(), []uint64{0x2000, 0x2001, 0x2002}); diff != "" {
			t.Fatal(diff)
		} else if got, exp := len(b.Checkpoints), 3; got != exp {
			t.Fatalf("unexpected checkpoint count: %d", got)
		}

		// Nearest checkpoint first; every address is consumed once.
		for i, exp := range []uint64{0x2002, 0x2001, 0x2000} {
			if diff := cmp.Diff(b.Checkpoints[i].Addrs.Addrs(), []uint64{exp}); diff != "" {
				t.Fatalf("checkpoint %d: %s", i, diff)
			}
		}
	})
}

func TestEngine_Classification(t *testing.T) {
	m := NewMachine([]Op{
		{Code: Recv, Addr: 0x2000, Imm: 4},
		{Code: Load, A: "R1", Addr: 0x2000},
		{Code: Load, A: "R2", Addr: 0x2001},
		{Code: Cmpi, A: "R1", Imm: 'A'},
		{Code: Jnz, Target: 9},
		{Code: Andi, A: "R2", Imm: 0},
		{Code: Cmpi, A: "R2", Imm: 0},
		{Code: Jz, Target: 9},
		{Code: Movi, A: "R3", Imm: 1},
		{Code: Halt},
	}, []byte("ABCD"), NewConfig())
	MustRun(t, m)

	var resolved, bypassed int
	for _, b := range m.Engine.Branches() {
		if b.Resolved == b.Bypassed {
			t.Fatalf("branch #%d: resolved=%v bypassed=%v", b.ID, b.Resolved, b.Bypassed)
		}
		if b.Resolved {
			resolved++
		} else {
			bypassed++
		}
	}
	if resolved == 0 || bypassed == 0 {
		t.Fatalf("unexpected classification: resolved=%d bypassed=%d", resolved, bypassed)
	}
}

func TestEngine_StoreRestored(t *testing.T) {
	// The program overwrites a scratch byte after reading the input. Every
	// replay must see the scratch byte as it was at the checkpoint.
	m := NewMachine([]Op{
		{Code: Recv, Addr: 0x2000, Imm: 4},
		{Code: Load, A: "R1", Addr: 0x2000},
		{Code: Load, A: "R2", Addr: 0x3000},
		{Code: Add, A: "R2", B: "R1"},
		{Code: Store, A: "R2", Addr: 0x3000},
		{Code: Cmpi, A: "R2", Imm: 'A' + 1},
		{Code: Jz, Target: 8},
		{Code: Movi, A: "R3", Imm: 1},
		{Code: Halt},
	}, []byte("ABCD"), NewConfig())
	m.Mem[0x3000] = 1
	MustRun(t, m)

	// A stale scratch byte would keep the branch taken for the first candidate.
	b := m.Engine.Branches()[0]
	if !b.Resolved {
		t.Fatalf("expected resolved branch: %s", b.Status())
	} else if got, exp := b.Rollbacks, uint64(2); got != exp {
		t.Fatalf("unexpected branch rollbacks: %d", got)
	} else if got, exp := m.Mem[0x3000], byte(1); got != exp {
		t.Fatalf("unexpected scratch byte: %#x", got)
	}
}

func TestEngine_CheckpointPolicy(t *testing.T) {
	prog := []Op{
		{Code: Recv, Addr: 0x2000, Imm: 4},
		{Code: Load, A: "R1", Addr: 0x2000},
		{Code: Load, A: "R2", Addr: 0x2000},
		{Code: Add, A: "R1", B: "R2"},
		{Code: Andi, A: "R1", Imm: 0},
		{Code: Jz, Target: 7},
		{Code: Movi, A: "R3", Imm: 1},
		{Code: Halt},
	}

	t.Run("Nearest", func(t *testing.T) {
		m := NewMachine(prog, []byte("ABCD"), NewConfig())
		MustRun(t, m)

		b := m.Engine.Branches()[0]
		if got, exp := len(b.Checkpoints), 1; got != exp {
			t.Fatalf("unexpected checkpoint count: %d", got)
		} else if got, exp := b.Checkpoints[0].Checkpoint.Order, uint32(2); got != exp {
			t.Fatalf("unexpected checkpoint order: %d", got)
		} else if !b.Singular {
			t.Fatal("expected singular branch")
		}
	})

	t.Run("Overlap", func(t *testing.T) {
		c := NewConfig()
		c.Checkpoints = rewind.CheckpointsOverlap
		m := NewMachine(prog, []byte("ABCD"), c)
		MustRun(t, m)

		b := m.Engine.Branches()[0]
		if got, exp := len(b.Checkpoints), 2; got != exp {
			t.Fatalf("unexpected checkpoint count: %d", got)
		} else if !b.Bypassed || b.Singular {
			t.Fatalf("unexpected status: %s singular=%v", b.Status(), b.Singular)
		}
		for i, ref := range b.Checkpoints {
			if diff := cmp.Diff(ref.Addrs.Addrs(), []uint64{0x2000}); diff != "" {
				t.Fatalf("checkpoint %d: %s", i, diff)
			}
		}
	})
}

func TestEngine_Divergence(t *testing.T) {
	t.Run("Instruction", func(t *testing.T) {
		m := NewMachine([]Op{
			{Code: Recv, Addr: 0x2000, Imm: 4},
			{Code: Load, A: "R1", Addr: 0x2000},
			{Code: Tick, A: "R3"},
			{Code: Cmpi, A: "R3", Imm: 0},
			{Code: Jz, Target: 6},
			{Code: Movi, A: "R2", Imm: 1},
			{Code: Cmpi, A: "R1", Imm: 0x41},
			{Code: Jz, Target: 9},
			{Code: Movi, A: "R2", Imm: 2},
			{Code: Halt},
		}, []byte("ABCD"), NewConfig())

		if code, err := m.Run(); code != rewind.ExitFatal {
			t.Fatalf("unexpected exit code: %d", code)
		} else if !errors.Is(err, rewind.ErrTraceDivergence) {
			t.Fatalf("unexpected error: %v", err)
		} else if m.Engine.Phase() != rewind.PhaseTerminated {
			t.Fatalf("unexpected phase: %s", m.Engine.Phase())
		}
	})

	t.Run("IndirectDrift", func(t *testing.T) {
		m := NewMachine([]Op{
			{Code: Recv, Addr: 0x2000, Imm: 4},
			{Code: Load, A: "R1", Addr: 0x2000},
			{Code: Tick, A: "R3", Imm: 4},
			{Code: Jmpr, A: "R3"},
			{Code: Cmpi, A: "R1", Imm: 0x41},
			{Code: Jz, Target: 7},
			{Code: Movi, A: "R2", Imm: 1},
			{Code: Halt},
		}, []byte("ABCD"), NewConfig())

		if code, err := m.Run(); code != rewind.ExitFatal {
			t.Fatalf("unexpected exit code: %d", code)
		} else if !errors.Is(err, rewind.ErrIndirectDrift) {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("IndirectPerturbed", func(t *testing.T) {
		m := NewMachine([]Op{
			{Code: Recv, Addr: 0x2000, Imm: 4},
			{Code: Load, A: "R1", Addr: 0x2000},
			{Code: Jmpr, A: "R1"},
			{Code: Cmpi, A: "R1", Imm: 3},
			{Code: Jz, Target: 6},
			{Code: Movi, A: "R2", Imm: 1},
			{Code: Halt},
		}, []byte{3, 0, 0, 0}, NewConfig())
		MustRun(t, m)

		b := m.Engine.Branches()[0]
		if !b.Bypassed || !b.Singular {
			t.Fatalf("unexpected status: %s", b.Status())
		} else if got, exp := m.Engine.Stats().Rollbacks, uint64(258); got != exp {
			t.Fatalf("unexpected rollbacks: %d", got)
		}
	})
}

func TestEngine_TotalRollbackBound(t *testing.T) {
	c := NewConfig()
	c.TotalRollbackBound = 10
	m := NewMachine([]Op{
		{Code: Recv, Addr: 0x2000, Imm: 4},
		{Code: Load, A: "R1", Addr: 0x2000},
		{Code: Andi, A: "R1", Imm: 0},
		{Code: Jz, Target: 5},
		{Code: Movi, A: "R2", Imm: 1},
		{Code: Halt},
	}, []byte("ABCD"), c)

	if code, err := m.Run(); code != rewind.ExitOK {
		t.Fatalf("unexpected exit code: %d", code)
	} else if !errors.Is(err, rewind.ErrRollbackBudget) {
		t.Fatalf("unexpected error: %v", err)
	} else if got, exp := m.Engine.Stats().Rollbacks, uint64(10); got != exp {
		t.Fatalf("unexpected rollbacks: %d", got)
	}
}

func TestEngine_InputOrdinal(t *testing.T) {
	c := NewConfig()
	c.InputOrdinal = 2
	m := NewMachine([]Op{
		{Code: Recv, Addr: 0x2000, Imm: 4},
		{Code: Recv, Addr: 0x4000, Imm: 4},
		{Code: Load, A: "R1", Addr: 0x2000},
		{Code: Load, A: "R2", Addr: 0x4000},
		{Code: Cmpi, A: "R2", Imm: 0x41},
		{Code: Jz, Target: 7},
		{Code: Movi, A: "R3", Imm: 1},
		{Code: Halt},
	}, []byte("ABCD"), c)
	MustRun(t, m)

	if addr, input := m.Engine.Input(); addr != 0x4000 {
		t.Fatalf("unexpected input address: %#x", addr)
	} else if len(input) != 4 {
		t.Fatalf("unexpected input length: %d", len(input))
	}

	b := m.Engine.Branches()[0]
	if diff := cmp.Diff(b.Deps.Addrs(), []uint64{0x4000}); diff != "" {
		t.Fatal(diff)
	} else if !b.Resolved {
		t.Fatal("expected resolved branch")
	}
}

func TestEngine_PathConditions(t *testing.T) {
	m := NewMachine([]Op{
		{Code: Recv, Addr: 0x2000, Imm: 4},
		{Code: Load, A: "R1", Addr: 0x2000},
		{Code: Cmpi, A: "R1", Imm: 0x41},
		{Code: Jz, Target: 5},
		{Code: Movi, A: "R2", Imm: 1},
		{Code: Cmpi, A: "R1", Imm: 0x42},
		{Code: Jz, Target: 8},
		{Code: Movi, A: "R2", Imm: 2},
		{Code: Halt},
	}, []byte("ABCD"), NewConfig())
	MustRun(t, m)

	paths := m.Engine.Paths()
	if len(paths) != 3 {
		t.Fatalf("unexpected path count: %d", len(paths))
	}

	// Both branches of the first path read the same byte and are joined.
	if pc := paths[0]; len(pc.Subs) != 1 {
		t.Fatalf("unexpected sub-conditions: %s", pc.String())
	} else if diff := cmp.Diff(pc.Subs[0].Condition.Key(), "41"); diff != "" {
		t.Fatal(diff)
	} else if len(pc.Subs[0].Steps) != 2 {
		t.Fatalf("unexpected step count: %d", len(pc.Subs[0].Steps))
	}

	// The last path keeps the witness of its deepest branch.
	if pc := paths[2]; len(pc.Subs) != 1 {
		t.Fatalf("unexpected sub-conditions: %s", pc.String())
	} else if diff := cmp.Diff(pc.Subs[0].Condition.Key(), "42"); diff != "" {
		t.Fatal(diff)
	}

	if s := m.Engine.Stats(); s.Resolved != 2 || s.Bypassed != 1 || s.Phases != 3 {
		t.Fatalf("unexpected stats: %s", spew.Sdump(s))
	}
}

func TestNewEngine_UnknownSearch(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	c := NewConfig()
	c.Search = "astar"
	e := rewind.NewEngine(MapMemory{}, c)
	if _, ok := e.Searcher.(*rewind.BFSSearcher); !ok {
		t.Fatalf("unexpected searcher: %T", e.Searcher)
	} else if !strings.Contains(buf.String(), `[explore] unknown search strategy: "astar", using bfs`) {
		t.Fatalf("unexpected log: %q", buf.String())
	}
}

func TestEngine_ThreadGate(t *testing.T) {
	c := NewConfig()
	c.InputOrdinal = 2
	mem := NewInputMemory()
	e := rewind.NewEngine(mem, c)
	load := &rewind.Instruction{Address: 0x1004, Disasm: "load"}

	// Thread 1 receives the first message, thread 2 the input.
	e.OnSyscallEntry(1, rewind.SysRecvfrom, []uint64{3, 0x4000, 4})
	e.OnSyscallExit(1, 4)
	e.OnSyscallEntry(2, rewind.SysRecvfrom, []uint64{4, 0x2000, 4})
	e.OnSyscallExit(2, 4)
	if addr, _ := e.Input(); addr != 0x2000 {
		t.Fatalf("unexpected input address: %#x", addr)
	}

	// Reads of the input by another thread are ignored.
	e.OnInstruction(1, load)
	if act := e.OnMemoryRead(1, 0x2000, 1, PC(0x1004)); act.Kind != rewind.ActionContinue {
		t.Fatalf("unexpected action: %s", act)
	} else if e.Phase() != rewind.PhaseCapturing {
		t.Fatalf("unexpected phase: %s", e.Phase())
	}

	e.OnInstruction(2, load)
	if act := e.OnMemoryRead(2, 0x2000, 1, PC(0x1004)); act.Kind != rewind.ActionContinue || !act.Reinstrument {
		t.Fatalf("unexpected action: %s", act)
	} else if e.Phase() != rewind.PhaseTainting {
		t.Fatalf("unexpected phase: %s", e.Phase())
	} else if len(e.Checkpoints()) != 1 {
		t.Fatalf("unexpected checkpoint count: %d", len(e.Checkpoints()))
	}

	// Only writes of the traced thread are logged.
	cp := e.Checkpoints()[0]
	e.OnMemoryWrite(1, 0x3000, 1)
	if got := cp.Logged(); got != 0 {
		t.Fatalf("unexpected log size: %d", got)
	}
	e.OnMemoryWrite(2, 0x3000, 1)
	if got := cp.Logged(); got != 1 {
		t.Fatalf("unexpected log size: %d", got)
	}

	// Instructions of another thread do not advance the trace.
	e.OnInstruction(1, &rewind.Instruction{Address: 0x1008, Disasm: "nop"})
	if got := len(e.Trace()); got != 1 {
		t.Fatalf("unexpected trace length: %d", got)
	}
}

func TestEngine_InputNeverRead(t *testing.T) {
	m := NewMachine([]Op{
		{Code: Recv, Addr: 0x2000, Imm: 4},
		{Code: Movi, A: "R1", Imm: 1},
		{Code: Halt},
	}, []byte("ABCD"), NewConfig())

	// The input is never read so capturing never completes.
	if code, err := m.Run(); code != 0 || err != nil {
		t.Fatalf("unexpected result: %d %v", code, err)
	} else if m.Engine.Phase() != rewind.PhaseCapturing {
		t.Fatalf("unexpected phase: %s", m.Engine.Phase())
	}
}

func TestEngine_MaxTraceLength(t *testing.T) {
	c := NewConfig()
	c.MaxTraceLength = 3
	m := NewMachine([]Op{
		{Code: Recv, Addr: 0x2000, Imm: 4},
		{Code: Load, A: "R1", Addr: 0x2000},
		{Code: Movi, A: "R2", Imm: 1},
		{Code: Movi, A: "R2", Imm: 2},
		{Code: Cmpi, A: "R1", Imm: 0x41},
		{Code: Jz, Target: 7},
		{Code: Movi, A: "R3", Imm: 1},
		{Code: Halt},
	}, []byte("ABCD"), c)
	MustRun(t, m)

	// The branch lies beyond the trace limit.
	if n := len(m.Engine.Branches()); n != 0 {
		t.Fatalf("unexpected branch count: %d", n)
	} else if n := len(m.Engine.Trace()); n != 3 {
		t.Fatalf("unexpected trace length: %d", n)
	}
}
