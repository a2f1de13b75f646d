package rewind

import (
	"fmt"
)

// Checkpoint is a point execution can be replayed from. It holds the
// register context before the capturing instruction, the original values of
// the input bytes that instruction read, and a log of every byte written
// since.
type Checkpoint struct {
	Order   uint32
	Context Context

	input Projection // original input bytes read at the checkpoint

	writes map[uint64]byte // address -> byte before first write
	log    []uint64        // addresses in logging order
}

// NewCheckpoint returns a checkpoint at order. The bytes of the read at
// [readAddr, readAddr+readLen) that fall inside the input buffer are
// snapshotted from mem.
func NewCheckpoint(order uint32, ctx Context, mem Memory, inputAddr uint64, inputLen int, readAddr uint64, readLen int) (*Checkpoint, error) {
	cp := &Checkpoint{
		Order:   order,
		Context: ctx,
		input:   NewProjection(),
		writes:  make(map[uint64]byte),
	}
	if err := cp.AddInput(mem, inputAddr, inputLen, readAddr, readLen); err != nil {
		return nil, err
	}
	return cp, nil
}

// AddInput snapshots the input bytes of another read issued by the
// capturing instruction. Bytes already snapshotted are kept.
func (cp *Checkpoint) AddInput(mem Memory, inputAddr uint64, inputLen int, readAddr uint64, readLen int) error {
	lo, hi := overlap(inputAddr, inputLen, readAddr, readLen)
	buf := make([]byte, 1)
	for addr := lo; addr < hi; addr++ {
		if _, ok := cp.input.Get(addr); ok {
			continue
		}
		if err := mem.ReadMemory(addr, buf); err != nil {
			return fmt.Errorf("checkpoint %d: read input at %#x: %w", cp.Order, addr, err)
		}
		cp.input = cp.input.Set(addr, buf[0])
	}
	return nil
}

// overlap returns the intersection [lo, hi) of two address ranges.
func overlap(a uint64, alen int, b uint64, blen int) (lo, hi uint64) {
	lo, hi = a, a+uint64(alen)
	if b > lo {
		lo = b
	}
	if end := b + uint64(blen); end < hi {
		hi = end
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// Overlaps returns true if the two address ranges intersect.
func Overlaps(a uint64, alen int, b uint64, blen int) bool {
	lo, hi := overlap(a, alen, b, blen)
	return hi > lo
}

// InputAddrs returns the input addresses read at the checkpoint.
func (cp *Checkpoint) InputAddrs() *AddrSet {
	return NewAddrSet(cp.input.Addrs()...)
}

// OriginalInput returns the original values of the input bytes read at the
// checkpoint.
func (cp *Checkpoint) OriginalInput() Projection { return cp.input }

// Logged returns the number of addresses in the write log.
func (cp *Checkpoint) Logged() int { return len(cp.log) }

// LoggedValue returns the pre-write byte logged for addr.
func (cp *Checkpoint) LoggedValue(addr uint64) (byte, bool) {
	v, ok := cp.writes[addr]
	return v, ok
}

// TrackWrite logs the current bytes at [addr, addr+n) before they are
// overwritten. Addresses already in the log are left untouched.
func (cp *Checkpoint) TrackWrite(mem Memory, addr uint64, n int) error {
	buf := make([]byte, 1)
	for a := addr; a < addr+uint64(n); a++ {
		if _, ok := cp.writes[a]; ok {
			continue
		}
		if err := mem.ReadMemory(a, buf); err != nil {
			return fmt.Errorf("checkpoint %d: track write at %#x: %w", cp.Order, a, err)
		}
		cp.writes[a] = buf[0]
		cp.log = append(cp.log, a)
	}
	return nil
}

// undo writes the logged bytes back in reverse order and clears the log.
func (cp *Checkpoint) undo(mem Memory) error {
	assert(cp.Context != nil, "checkpoint %d: nil context", cp.Order)

	for i := len(cp.log) - 1; i >= 0; i-- {
		addr := cp.log[i]
		if err := mem.WriteMemory(addr, []byte{cp.writes[addr]}); err != nil {
			return fmt.Errorf("checkpoint %d: undo write at %#x: %w", cp.Order, addr, err)
		}
	}
	cp.writes = make(map[uint64]byte)
	cp.log = cp.log[:0]
	return nil
}

// RestoreSameInput undoes every write since the checkpoint and returns the
// context to resume at. The input is left as is.
func (cp *Checkpoint) RestoreSameInput(mem Memory) (Context, error) {
	if err := cp.undo(mem); err != nil {
		return nil, err
	}
	return cp.Context, nil
}

// RestoreOriginalInput undoes every write and restores the original values
// of the input bytes read at the checkpoint.
func (cp *Checkpoint) RestoreOriginalInput(mem Memory) (Context, error) {
	if err := cp.undo(mem); err != nil {
		return nil, err
	} else if err := cp.input.WriteTo(mem); err != nil {
		return nil, fmt.Errorf("checkpoint %d: restore original input: %w", cp.Order, err)
	}
	return cp.Context, nil
}

// RestoreNewInput undoes every write and overwrites the input buffer at addr
// with input.
func (cp *Checkpoint) RestoreNewInput(mem Memory, addr uint64, input []byte) (Context, error) {
	if err := cp.undo(mem); err != nil {
		return nil, err
	} else if err := mem.WriteMemory(addr, input); err != nil {
		return nil, fmt.Errorf("checkpoint %d: write new input: %w", cp.Order, err)
	}
	return cp.Context, nil
}

// RestoreModifiedInput undoes every write and overwrites only the addresses
// assigned by p.
func (cp *Checkpoint) RestoreModifiedInput(mem Memory, p Projection) (Context, error) {
	if err := cp.undo(mem); err != nil {
		return nil, err
	} else if err := p.WriteTo(mem); err != nil {
		return nil, fmt.Errorf("checkpoint %d: write modified input: %w", cp.Order, err)
	}
	return cp.Context, nil
}

// Restore applies one of the four restore operations according to m.
func (cp *Checkpoint) Restore(mem Memory, m Mutation) (Context, error) {
	switch m.Kind {
	case SameInput:
		return cp.RestoreSameInput(mem)
	case OriginalInput:
		return cp.RestoreOriginalInput(mem)
	case NewInput:
		return cp.RestoreNewInput(mem, m.Addr, m.Input)
	case ModifiedInput:
		return cp.RestoreModifiedInput(mem, m.Projection)
	default:
		panic(fmt.Sprintf("invalid mutation kind: %d", m.Kind))
	}
}

// String returns a string representation of the checkpoint.
func (cp *Checkpoint) String() string {
	return fmt.Sprintf("checkpoint#%d input=%s logged=%d", cp.Order, cp.input.String(), len(cp.log))
}

// MutationKind is the input mutation applied by a restore.
type MutationKind int

const (
	SameInput MutationKind = iota
	OriginalInput
	NewInput
	ModifiedInput
)

// String returns the name of the mutation kind.
func (k MutationKind) String() string {
	switch k {
	case SameInput:
		return "same"
	case OriginalInput:
		return "original"
	case NewInput:
		return "new"
	case ModifiedInput:
		return "modified"
	default:
		return fmt.Sprintf("MutationKind<%d>", int(k))
	}
}

// Mutation describes how the input is changed on restore.
type Mutation struct {
	Kind       MutationKind
	Addr       uint64     // NewInput: buffer address
	Input      []byte     // NewInput: buffer contents
	Projection Projection // ModifiedInput: bytes to overwrite
}
