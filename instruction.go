package rewind

import (
	"fmt"
	"io"
	"sort"
)

// Instruction is the static record of the instruction at one code address.
// It is created once, on first decode, and is never mutated afterwards.
type Instruction struct {
	Address uint64
	Bytes   []byte
	Disasm  string

	IsConditionalBranch    bool
	IsIndirectBranchOrCall bool
	IsSyscall              bool
	IsKernelMapped         bool

	// Register operands known before execution. The instruction pointer is
	// never included. Memory operands are attached per instance.
	Srcs []Operand
	Dsts []Operand
}

// Len returns the encoded length of the instruction.
func (ins *Instruction) Len() int { return len(ins.Bytes) }

// String returns the address and disassembly of the instruction.
func (ins *Instruction) String() string {
	return fmt.Sprintf("%#x  %s", ins.Address, ins.Disasm)
}

// Instance is one dynamic occurrence of an instruction at an execution order.
// Operand slices are owned by the instance.
type Instance struct {
	Order       uint32
	Instruction *Instruction

	Srcs []Operand
	Dsts []Operand
}

// NewInstance returns a copy of ins for the given execution order.
func NewInstance(order uint32, ins *Instruction) *Instance {
	return &Instance{
		Order:       order,
		Instruction: ins,
		Srcs:        append([]Operand(nil), ins.Srcs...),
		Dsts:        append([]Operand(nil), ins.Dsts...),
	}
}

// Address returns the code address of the instance.
func (inst *Instance) Address() uint64 { return inst.Instruction.Address }

// String returns a string representation of the instance.
func (inst *Instance) String() string {
	return fmt.Sprintf("%d: %s", inst.Order, inst.Instruction.String())
}

// Branch is a conditional-branch instance carrying resolution state.
type Branch struct {
	*Instance

	ID       int  // index in the engine's branch table
	Taken    bool // outcome observed while tainting
	Resolved bool
	Bypassed bool
	Explored bool
	Singular bool // single checkpoint exhausted by exhaustive search

	// Input bytes the branch depends on.
	Deps *AddrSet

	// Captured input projections indexed by outcome (0 = not taken).
	Projections [2]Condition

	// Checkpoints usable for flipping the branch, nearest first.
	Checkpoints []CheckpointRef

	// Input of the phase the branch was detected in.
	FreshInput []byte

	// Number of rollbacks spent on the branch.
	Rollbacks uint64

	// Steps leading from the first phase to this branch.
	Prefix []Step
}

// CheckpointRef pairs a checkpoint with the input addresses it can perturb.
type CheckpointRef struct {
	Checkpoint *Checkpoint
	Addrs      *AddrSet
}

// outcome returns the projection index of a taken flag.
func outcome(taken bool) int {
	if taken {
		return 1
	}
	return 0
}

// Dependent returns true if the branch depends on at least one input byte.
func (b *Branch) Dependent() bool {
	return b.Deps != nil && !b.Deps.IsEmpty()
}

// Depth returns the number of branch outcomes preceding b on its path.
func (b *Branch) Depth() int { return len(b.Prefix) }

// Settled returns true if the branch is either resolved or bypassed.
func (b *Branch) Settled() bool { return b.Resolved || b.Bypassed }

// Status returns a short description of the resolution state.
func (b *Branch) Status() string {
	switch {
	case b.Resolved && b.Explored:
		return "explored"
	case b.Resolved:
		return "resolved"
	case b.Singular:
		return "singular"
	case b.Bypassed:
		return "bypassed"
	default:
		return "pending"
	}
}

// StaticTrace holds the static record of every decoded code address.
type StaticTrace struct {
	m map[uint64]*Instruction
}

// NewStaticTrace returns a new instance of StaticTrace.
func NewStaticTrace() *StaticTrace {
	return &StaticTrace{m: make(map[uint64]*Instruction)}
}

// Len returns the number of static instructions.
func (t *StaticTrace) Len() int { return len(t.m) }

// Lookup returns the instruction at addr, if decoded.
func (t *StaticTrace) Lookup(addr uint64) *Instruction { return t.m[addr] }

// Instruction returns the instruction at addr. On first sight the record is
// created by decode and cached.
func (t *StaticTrace) Instruction(addr uint64, decode func(addr uint64) (*Instruction, error)) (*Instruction, error) {
	if ins := t.m[addr]; ins != nil {
		return ins, nil
	}
	ins, err := decode(addr)
	if err != nil {
		return nil, err
	}
	t.m[addr] = ins
	return ins, nil
}

// Add registers a decoded instruction.
func (t *StaticTrace) Add(ins *Instruction) { t.m[ins.Address] = ins }

// Instructions returns all records sorted by address.
func (t *StaticTrace) Instructions() []*Instruction {
	a := make([]*Instruction, 0, len(t.m))
	for _, ins := range t.m {
		a = append(a, ins)
	}
	sort.Slice(a, func(i, j int) bool { return a[i].Address < a[j].Address })
	return a
}

// WriteTo writes the static listing to w.
func (t *StaticTrace) WriteTo(w io.Writer) (n int64, err error) {
	for _, ins := range t.Instructions() {
		var flags string
		switch {
		case ins.IsConditionalBranch:
			flags = "  ; cond"
		case ins.IsIndirectBranchOrCall:
			flags = "  ; indirect"
		case ins.IsSyscall:
			flags = "  ; syscall"
		}
		nn, err := fmt.Fprintf(w, "%#016x  %-40s%s\n", ins.Address, ins.Disasm, flags)
		if n += int64(nn); err != nil {
			return n, err
		}
	}
	return n, nil
}
