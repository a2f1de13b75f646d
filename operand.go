package rewind

import (
	"fmt"
)

// OperandKind is the category of an operand.
type OperandKind int

const (
	OperandRegister OperandKind = iota
	OperandMemory
	OperandImmediate
)

// String returns the name of the operand kind.
func (k OperandKind) String() string {
	switch k {
	case OperandRegister:
		return "reg"
	case OperandMemory:
		return "mem"
	case OperandImmediate:
		return "imm"
	default:
		return fmt.Sprintf("OperandKind<%d>", int(k))
	}
}

// Operand represents one version of a register, memory byte or immediate.
//
// Register operands carry a canonical register name. Memory operands carry
// the address of a single byte. Immediates carry their literal in Value.
type Operand struct {
	Kind       OperandKind
	Name       string // canonical register name
	Addr       uint64 // memory byte address
	Value      uint64 // value snapshot, if known
	AliveUntil uint32 // order superseding this version, zero while live
}

// RegisterOperand returns a register operand.
func RegisterOperand(name string) Operand {
	return Operand{Kind: OperandRegister, Name: name}
}

// MemoryOperand returns a single-byte memory operand.
func MemoryOperand(addr uint64) Operand {
	return Operand{Kind: OperandMemory, Addr: addr}
}

// ImmediateOperand returns an immediate operand.
func ImmediateOperand(value uint64) Operand {
	return Operand{Kind: OperandImmediate, Value: value}
}

// IsNamed returns true if the operand names a storage location that can be
// written and read back later.
func (op Operand) IsNamed() bool {
	return op.Kind != OperandImmediate
}

// Alive returns true if the operand version has not been superseded.
func (op Operand) Alive() bool { return op.AliveUntil == 0 }

// String returns a string representation of the operand.
func (op Operand) String() string {
	switch op.Kind {
	case OperandRegister:
		return op.Name
	case OperandMemory:
		return fmt.Sprintf("[%#x]", op.Addr)
	default:
		return fmt.Sprintf("$%#x", op.Value)
	}
}

// key returns the identity of the location named by the operand.
func (op Operand) key() operandKey {
	return operandKey{kind: op.Kind, name: op.Name, addr: op.Addr}
}

// operandKey identifies a named location in the outer interface.
type operandKey struct {
	kind OperandKind
	name string
	addr uint64
}
