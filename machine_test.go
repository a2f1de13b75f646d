package rewind_test

import (
	"fmt"

	"github.com/benbjohnson/rewind"
)

// Machine is a small register machine implementing rewind.Tracer. Each
// instruction occupies four bytes of code starting at CodeBase.
type Machine struct {
	Program []Op
	Mem     map[uint64]byte
	Regs    map[string]uint64
	ZF      bool
	PC      int

	// Bytes delivered by a Recv instruction.
	Message []byte

	Engine   *rewind.Engine
	MaxSteps int

	static []*rewind.Instruction
	ticks  uint64
	steps  int
}

// CodeBase is the address of the first instruction.
const CodeBase = 0x1000

// Opcodes.
const (
	Recv  = iota // recv [Addr], Imm bytes
	Load         // A <- [Addr]
	Store        // [Addr] <- A
	Movi         // A <- Imm
	Add          // A <- A + B
	Andi         // A <- A & Imm
	Cmpi         // ZF <- A == Imm
	Jz           // if ZF goto Target
	Jnz          // if !ZF goto Target
	Jmpr         // goto A
	Tick         // A <- Imm + number of previous ticks
	Halt
)

// Op is one machine instruction.
type Op struct {
	Code   int
	A, B   string
	Addr   uint64
	Imm    uint64
	Target int
}

// NewMachine returns a machine running prog with an engine configured by c.
func NewMachine(prog []Op, message []byte, c rewind.Config) *Machine {
	m := &Machine{
		Program:  prog,
		Mem:      make(map[uint64]byte),
		Regs:     make(map[string]uint64),
		Message:  message,
		MaxSteps: 1000000,
	}
	for i, op := range prog {
		m.static = append(m.static, op.instruction(CodeBase+uint64(i)*4))
	}
	m.Engine = rewind.NewEngine(m, c)
	return m
}

// Addr returns the code address of the instruction at index i.
func Addr(i int) uint64 { return CodeBase + uint64(i)*4 }

func (op Op) instruction(addr uint64) *rewind.Instruction {
	ins := &rewind.Instruction{Address: addr}
	reg := rewind.RegisterOperand
	flags := reg(rewind.FlagsRegister)
	switch op.Code {
	case Recv:
		ins.Disasm, ins.IsSyscall = "recv", true
	case Load:
		ins.Disasm = fmt.Sprintf("load %s, [%#x]", op.A, op.Addr)
		ins.Dsts = []rewind.Operand{reg(op.A)}
	case Store:
		ins.Disasm = fmt.Sprintf("store [%#x], %s", op.Addr, op.A)
		ins.Srcs = []rewind.Operand{reg(op.A)}
	case Movi:
		ins.Disasm = fmt.Sprintf("movi %s, %d", op.A, op.Imm)
		ins.Srcs = []rewind.Operand{rewind.ImmediateOperand(op.Imm)}
		ins.Dsts = []rewind.Operand{reg(op.A)}
	case Add:
		ins.Disasm = fmt.Sprintf("add %s, %s", op.A, op.B)
		ins.Srcs = []rewind.Operand{reg(op.A), reg(op.B)}
		ins.Dsts = []rewind.Operand{reg(op.A), flags}
	case Andi:
		ins.Disasm = fmt.Sprintf("andi %s, %d", op.A, op.Imm)
		ins.Srcs = []rewind.Operand{reg(op.A), rewind.ImmediateOperand(op.Imm)}
		ins.Dsts = []rewind.Operand{reg(op.A), flags}
	case Cmpi:
		ins.Disasm = fmt.Sprintf("cmpi %s, %d", op.A, op.Imm)
		ins.Srcs = []rewind.Operand{reg(op.A), rewind.ImmediateOperand(op.Imm)}
		ins.Dsts = []rewind.Operand{flags}
	case Jz, Jnz:
		ins.Disasm = fmt.Sprintf("jz %d", op.Target)
		ins.IsConditionalBranch = true
		ins.Srcs = []rewind.Operand{flags}
	case Jmpr:
		ins.Disasm = fmt.Sprintf("jmpr %s", op.A)
		ins.IsIndirectBranchOrCall = true
		ins.Srcs = []rewind.Operand{reg(op.A)}
	case Tick:
		ins.Disasm = fmt.Sprintf("tick %s", op.A)
		ins.Dsts = []rewind.Operand{reg(op.A)}
	case Halt:
		ins.Disasm, ins.IsSyscall = "halt", true
	}
	return ins
}

// machineContext is a saved register context.
type machineContext struct {
	pc   int
	regs map[string]uint64
	zf   bool
}

func (c *machineContext) PC() uint64 { return Addr(c.pc) }

func (m *Machine) context() *machineContext {
	regs := make(map[string]uint64, len(m.Regs))
	for k, v := range m.Regs {
		regs[k] = v
	}
	return &machineContext{pc: m.PC, regs: regs, zf: m.ZF}
}

func (m *Machine) ReadMemory(addr uint64, p []byte) error {
	for i := range p {
		p[i] = m.Mem[addr+uint64(i)]
	}
	return nil
}

func (m *Machine) WriteMemory(addr uint64, p []byte) error {
	for i, b := range p {
		m.Mem[addr+uint64(i)] = b
	}
	return nil
}

func (m *Machine) Resume(ctx rewind.Context) error {
	c := ctx.(*machineContext)
	m.PC, m.ZF = c.pc, c.zf
	m.Regs = make(map[string]uint64, len(c.regs))
	for k, v := range c.regs {
		m.Regs[k] = v
	}
	return nil
}

func (m *Machine) RemoveInstrumentation() error { return nil }

// Run executes the program until the engine terminates or the program
// halts. Returns the exit code and error of the terminate action.
func (m *Machine) Run() (int, error) {
	const tid = 1
	e := m.Engine

	for ; m.steps < m.MaxSteps; m.steps++ {
		if m.PC < 0 || m.PC >= len(m.Program) {
			return 0, fmt.Errorf("pc out of range: %d", m.PC)
		}
		op := m.Program[m.PC]

		if done, code, err := m.do(e.OnInstruction(tid, m.static[m.PC])); done {
			return code, err
		} else if code < 0 {
			continue
		}

		var act rewind.Action
		next := m.PC + 1
		switch op.Code {
		case Recv:
			e.OnSyscallEntry(tid, rewind.SysRecvfrom, []uint64{3, op.Addr, op.Imm})
			n := copy(make([]byte, op.Imm), m.Message)
			m.WriteMemory(op.Addr, m.Message[:n])
			act = e.OnSyscallExit(tid, int64(n))
		case Load:
			act = e.OnMemoryRead(tid, op.Addr, 1, m.context())
		case Store:
			act = e.OnMemoryWrite(tid, op.Addr, 1)
		case Jz, Jnz:
			if taken := m.ZF == (op.Code == Jz); taken {
				next = op.Target
				act = e.OnBranch(tid, true)
			} else {
				act = e.OnBranch(tid, false)
			}
		case Jmpr:
			next = int(m.Regs[op.A])
			act = e.OnIndirectBranch(tid, Addr(next))
		case Halt:
			return 0, nil
		}
		if done, code, err := m.do(act); done {
			return code, err
		} else if code < 0 {
			continue
		}

		switch op.Code {
		case Load:
			m.Regs[op.A] = uint64(m.Mem[op.Addr])
		case Store:
			m.Mem[op.Addr] = byte(m.Regs[op.A])
		case Movi:
			m.Regs[op.A] = op.Imm
		case Add:
			m.Regs[op.A] += m.Regs[op.B]
			m.ZF = m.Regs[op.A] == 0
		case Andi:
			m.Regs[op.A] &= op.Imm
			m.ZF = m.Regs[op.A] == 0
		case Cmpi:
			m.ZF = m.Regs[op.A] == op.Imm
		case Tick:
			m.Regs[op.A] = op.Imm + m.ticks
			m.ticks++
		}
		m.PC = next
	}
	return 0, fmt.Errorf("step limit reached")
}

// do carries out an action. A negative code means execution resumed at a
// checkpoint and the current instruction was abandoned.
func (m *Machine) do(act rewind.Action) (done bool, code int, err error) {
	switch act.Kind {
	case rewind.ActionRollback:
		ctx, err := act.Apply(m)
		if err != nil {
			return true, -1, err
		} else if err := m.Resume(ctx); err != nil {
			return true, -1, err
		}
		return false, -1, nil
	case rewind.ActionTerminate:
		return true, act.Code, act.Err
	default:
		return false, 0, nil
	}
}
