package rewind

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// FlagsRegister is the canonical name of the flags register.
const FlagsRegister = "RFLAGS"

// DecodeX86 decodes the instruction at the start of code, located at addr,
// and derives its static register operands. mode is 16, 32 or 64.
func DecodeX86(addr uint64, code []byte, mode int) (*Instruction, error) {
	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		return nil, fmt.Errorf("decode at %#x: %w", addr, err)
	}

	ins := &Instruction{
		Address: addr,
		Bytes:   append([]byte(nil), code[:inst.Len]...),
		Disasm:  x86asm.IntelSyntax(inst, addr, nil),
	}

	switch inst.Op {
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JNE,
		x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JO, x86asm.JNO,
		x86asm.JP, x86asm.JNP, x86asm.JS, x86asm.JNS,
		x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		ins.IsConditionalBranch = true
	case x86asm.JMP, x86asm.CALL:
		_, direct := inst.Args[0].(x86asm.Rel)
		ins.IsIndirectBranchOrCall = !direct
	case x86asm.RET, x86asm.LRET:
		ins.IsIndirectBranchOrCall = true
	case x86asm.SYSCALL, x86asm.SYSENTER, x86asm.INT:
		ins.IsSyscall = true
	}

	var ops x86Operands
	ops.derive(inst)
	ins.Srcs, ins.Dsts = ops.srcs, ops.dsts
	return ins, nil
}

// x86Operands collects register operands without duplicates.
type x86Operands struct {
	srcs, dsts []Operand
}

func (ops *x86Operands) src(name string) {
	if name != "" && !hasRegister(ops.srcs, name) {
		ops.srcs = append(ops.srcs, RegisterOperand(name))
	}
}

func (ops *x86Operands) dst(name string) {
	if name != "" && !hasRegister(ops.dsts, name) {
		ops.dsts = append(ops.dsts, RegisterOperand(name))
	}
}

func hasRegister(a []Operand, name string) bool {
	for _, op := range a {
		if op.Kind == OperandRegister && op.Name == name {
			return true
		}
	}
	return false
}

// read registers the registers an argument reads. A memory argument reads
// its base and index registers.
func (ops *x86Operands) read(arg x86asm.Arg) {
	switch arg := arg.(type) {
	case x86asm.Reg:
		ops.src(canonicalRegister(arg))
	case x86asm.Mem:
		ops.address(arg)
	case x86asm.Imm:
		ops.srcs = append(ops.srcs, ImmediateOperand(uint64(arg)))
	}
}

// write registers the register an argument writes. A memory destination is
// attached at runtime but its address registers are still read.
func (ops *x86Operands) write(arg x86asm.Arg) {
	switch arg := arg.(type) {
	case x86asm.Reg:
		ops.dst(canonicalRegister(arg))
	case x86asm.Mem:
		ops.address(arg)
	}
}

func (ops *x86Operands) address(m x86asm.Mem) {
	ops.src(canonicalRegister(m.Base))
	ops.src(canonicalRegister(m.Index))
}

func (ops *x86Operands) derive(inst x86asm.Inst) {
	args := inst.Args[:]
	for len(args) > 0 && args[len(args)-1] == nil {
		args = args[:len(args)-1]
	}

	switch inst.Op {
	case x86asm.MOV, x86asm.MOVZX, x86asm.MOVSX, x86asm.MOVSXD, x86asm.MOVD, x86asm.MOVQ,
		x86asm.MOVAPS, x86asm.MOVUPS, x86asm.MOVDQA, x86asm.MOVDQU, x86asm.LEA:
		ops.write(args[0])
		for _, arg := range args[1:] {
			ops.read(arg)
		}

	case x86asm.SETA, x86asm.SETAE, x86asm.SETB, x86asm.SETBE, x86asm.SETE, x86asm.SETNE,
		x86asm.SETG, x86asm.SETGE, x86asm.SETL, x86asm.SETLE, x86asm.SETO, x86asm.SETNO,
		x86asm.SETP, x86asm.SETNP, x86asm.SETS, x86asm.SETNS:
		ops.src(FlagsRegister)
		ops.write(args[0])

	case x86asm.CMOVA, x86asm.CMOVAE, x86asm.CMOVB, x86asm.CMOVBE, x86asm.CMOVE, x86asm.CMOVNE,
		x86asm.CMOVG, x86asm.CMOVGE, x86asm.CMOVL, x86asm.CMOVLE, x86asm.CMOVO, x86asm.CMOVNO,
		x86asm.CMOVP, x86asm.CMOVNP, x86asm.CMOVS, x86asm.CMOVNS:
		ops.src(FlagsRegister)
		ops.read(args[0])
		ops.read(args[1])
		ops.write(args[0])

	case x86asm.CMP, x86asm.TEST, x86asm.BT:
		for _, arg := range args {
			ops.read(arg)
		}
		ops.dst(FlagsRegister)

	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JNE,
		x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JO, x86asm.JNO,
		x86asm.JP, x86asm.JNP, x86asm.JS, x86asm.JNS:
		ops.src(FlagsRegister)

	case x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ:
		ops.src("RCX")

	case x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		ops.src("RCX")
		ops.dst("RCX")
		if inst.Op != x86asm.LOOP {
			ops.src(FlagsRegister)
		}

	case x86asm.JMP:
		ops.read(args[0])

	case x86asm.CALL:
		ops.read(args[0])
		ops.src("RSP")
		ops.dst("RSP")

	case x86asm.PUSH:
		ops.read(args[0])
		ops.src("RSP")
		ops.dst("RSP")

	case x86asm.POP:
		ops.src("RSP")
		ops.write(args[0])
		ops.dst("RSP")

	case x86asm.LEAVE:
		ops.src("RBP")
		ops.dst("RSP")
		ops.dst("RBP")

	case x86asm.XCHG, x86asm.XADD:
		for _, arg := range args {
			ops.read(arg)
		}
		for _, arg := range args {
			ops.write(arg)
		}
		if inst.Op == x86asm.XADD {
			ops.dst(FlagsRegister)
		}

	case x86asm.CDQE, x86asm.CWDE, x86asm.CBW:
		ops.src("RAX")
		ops.dst("RAX")

	case x86asm.CQO, x86asm.CDQ, x86asm.CWD:
		ops.src("RAX")
		ops.dst("RDX")

	case x86asm.MUL, x86asm.DIV, x86asm.IDIV:
		ops.read(args[0])
		ops.src("RAX")
		if inst.Op != x86asm.MUL {
			ops.src("RDX")
		}
		ops.dst("RAX")
		ops.dst("RDX")
		ops.dst(FlagsRegister)

	case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD, x86asm.MOVSQ,
		x86asm.STOSB, x86asm.STOSW, x86asm.STOSD, x86asm.STOSQ:
		ops.src("RSI")
		ops.src("RDI")
		ops.src("RAX")
		ops.dst("RSI")
		ops.dst("RDI")

	case x86asm.RET, x86asm.LRET, x86asm.NOP, x86asm.HLT,
		x86asm.SYSCALL, x86asm.SYSENTER, x86asm.INT:
		// Stack pointer and syscall registers are not tracked.

	default:
		if len(args) == 0 {
			return
		}
		if inst.Op == x86asm.IMUL && len(args) == 1 {
			ops.read(args[0])
			ops.src("RAX")
			ops.dst("RAX")
			ops.dst("RDX")
			ops.dst(FlagsRegister)
			return
		}

		switch inst.Op {
		case x86asm.ADC, x86asm.SBB, x86asm.RCL, x86asm.RCR:
			ops.src(FlagsRegister)
		}
		if !isZeroIdiom(inst, args) {
			if inst.Op == x86asm.IMUL && len(args) == 3 {
				ops.write(args[0]) // imul r, r/m, imm does not read r
			} else {
				ops.read(args[0])
			}
			for _, arg := range args[1:] {
				ops.read(arg)
			}
		}
		ops.write(args[0])
		if inst.Op != x86asm.NOT && inst.Op != x86asm.BSWAP {
			ops.dst(FlagsRegister)
		}
	}
}

// isZeroIdiom returns true for "xor r, r" and "sub r, r", which produce zero
// regardless of the register's value.
func isZeroIdiom(inst x86asm.Inst, args []x86asm.Arg) bool {
	switch inst.Op {
	case x86asm.XOR, x86asm.SUB, x86asm.PXOR, x86asm.XORPS:
	default:
		return false
	}
	if len(args) != 2 {
		return false
	}
	a, ok := args[0].(x86asm.Reg)
	b, ok2 := args[1].(x86asm.Reg)
	return ok && ok2 && a == b
}

// canonicalRegister returns the full-width name of r. The instruction
// pointer returns an empty name.
func canonicalRegister(r x86asm.Reg) string {
	switch {
	case r == 0:
		return ""
	case r >= x86asm.AL && r <= x86asm.R15B:
		i := int(r - x86asm.AL)
		if i >= 4 {
			i -= 4 // AH..BH and SPB..R15B
		}
		return (x86asm.RAX + x86asm.Reg(i)).String()
	case r >= x86asm.AX && r <= x86asm.R15W:
		return (x86asm.RAX + (r - x86asm.AX)).String()
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return (x86asm.RAX + (r - x86asm.EAX)).String()
	case r == x86asm.IP || r == x86asm.EIP || r == x86asm.RIP:
		return ""
	default:
		return r.String()
	}
}
