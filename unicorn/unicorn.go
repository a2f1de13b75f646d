package unicorn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"time"

	"github.com/benbjohnson/rewind"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Ensure tracer implements interface.
var _ rewind.Tracer = (*Tracer)(nil)

// Linux x86-64 syscall numbers emulated by the tracer.
const (
	sysRead      = 0
	sysWrite     = 1
	sysRecvfrom  = 45
	sysExit      = 60
	sysExitGroup = 231
)

// errno values returned by emulated syscalls.
const (
	enosys = 38
)

// KernelBase is the first address of the kernel half of the address space.
const KernelBase = 0xffff800000000000

// ThreadID is the id reported for the single emulated thread.
const ThreadID = 1

// Tracer runs an x86-64 program under the Unicorn emulator and drives a
// rewind.Engine from its hooks.
type Tracer struct {
	mu     uc.Unicorn
	engine *rewind.Engine
	trace  *rewind.StaticTrace
	stats  Stats

	// Entry point and exit address of the emulation.
	Entry uint64
	Until uint64

	// Messages returned, in order, by read and recvfrom.
	Messages [][]byte

	// Destination of bytes written to stdout and stderr.
	Stdout io.Writer

	// Action returned by the engine and not yet carried out.
	pending *rewind.Action

	// Bytes overwritten after a pending action was raised.
	stragglers []straggler

	prev *rewind.Instruction // last instruction of the traced thread
	ctx  *Context            // context before the current instruction
	kept bool                // ctx is referenced by a checkpoint

	exited   bool
	exitCode int
	err      error
}

type straggler struct {
	addr uint64
	prev []byte
}

// NewTracer returns a new x86-64 tracer. The engine must be attached with
// Attach before Run is called.
func NewTracer() (*Tracer, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	t := &Tracer{
		mu:     mu,
		trace:  rewind.NewStaticTrace(),
		Stdout: ioutil.Discard,
	}
	if err := t.addHooks(); err != nil {
		mu.Close()
		return nil, err
	}
	return t, nil
}

// Close releases the emulator.
func (t *Tracer) Close() error {
	return t.mu.Close()
}

// Attach sets the engine receiving the tracer's events. Messages are
// delivered to read as well as recvfrom so both count as receives.
func (t *Tracer) Attach(e *rewind.Engine) {
	e.Capture.Syscalls[rewind.SysRead] = true
	t.engine = e
}

// Stats returns statistics for the tracer.
func (t *Tracer) Stats() Stats { return t.stats }

// StaticTrace returns every instruction decoded so far.
func (t *Tracer) StaticTrace() *rewind.StaticTrace { return t.trace }

// ReadMemory reads len(p) bytes at addr.
func (t *Tracer) ReadMemory(addr uint64, p []byte) error {
	buf, err := t.mu.MemRead(addr, uint64(len(p)))
	if err != nil {
		return fmt.Errorf("read memory at %#x: %w", addr, err)
	}
	copy(p, buf)
	return nil
}

// WriteMemory writes p at addr.
func (t *Tracer) WriteMemory(addr uint64, p []byte) error {
	if err := t.mu.MemWrite(addr, p); err != nil {
		return fmt.Errorf("write memory at %#x: %w", addr, err)
	}
	return nil
}

// Resume restores the register context and sets the entry point to its PC.
// Execution continues on the next iteration of Run.
func (t *Tracer) Resume(ctx rewind.Context) error {
	c, ok := ctx.(*Context)
	if !ok {
		return fmt.Errorf("unicorn: unexpected context type %T", ctx)
	} else if err := t.mu.ContextRestore(c.uc); err != nil {
		return fmt.Errorf("restore context: %w", err)
	}
	t.Entry = c.pc
	t.prev = nil
	return nil
}

// RemoveInstrumentation drops per-instruction state carried across hooks.
// Hooks stay installed for the lifetime of the tracer.
func (t *Tracer) RemoveInstrumentation() error {
	t.prev, t.ctx, t.kept = nil, nil, false
	return nil
}

// Run emulates from Entry until the program exits, the engine terminates,
// or ctx is done. Returns the exit code and error of the engine, or the
// program's exit status if the engine never terminated.
func (t *Tracer) Run(ctx context.Context) (int, error) {
	if t.engine == nil {
		return rewind.ExitFatal, errors.New("unicorn: no engine attached")
	}

	start := time.Now()
	defer func() { t.stats.Elapsed += time.Since(start) }()

	for {
		if err := ctx.Err(); err != nil {
			return rewind.ExitFatal, err
		}

		err := t.mu.Start(t.Entry, t.Until)
		t.stats.Starts++

		if t.pending == nil {
			switch {
			case t.err != nil:
				return rewind.ExitFatal, t.err
			case err != nil:
				return rewind.ExitFatal, fmt.Errorf("emulation at %#x: %w", t.pc(), err)
			default:
				return t.exitCode, nil
			}
		}

		act := *t.pending
		t.pending = nil
		if err := t.undoStragglers(); err != nil {
			return rewind.ExitFatal, err
		}

		switch act.Kind {
		case rewind.ActionRollback:
			c, err := act.Apply(t)
			if err != nil {
				return rewind.ExitFatal, err
			} else if err := t.Resume(c); err != nil {
				return rewind.ExitFatal, err
			}
			if act.Reinstrument {
				if err := t.RemoveInstrumentation(); err != nil {
					return rewind.ExitFatal, err
				}
			}
			t.stats.Rollbacks++

		case rewind.ActionTerminate:
			return act.Code, act.Err
		}
	}
}

// handle records a non-continue action and stops emulation. Events are
// ignored until the action is carried out by Run.
func (t *Tracer) handle(act rewind.Action) {
	if act.Kind == rewind.ActionContinue {
		return
	}
	t.pending = &act
	t.stop()
}

func (t *Tracer) stop() {
	if err := t.mu.Stop(); err != nil {
		log.Printf("[unicorn] stop: %s", err)
	}
}

// fail stops emulation with an error outside the engine.
func (t *Tracer) fail(err error) {
	if t.err == nil {
		t.err = err
	}
	t.stop()
}

func (t *Tracer) undoStragglers() error {
	for i := len(t.stragglers) - 1; i >= 0; i-- {
		s := t.stragglers[i]
		if err := t.WriteMemory(s.addr, s.prev); err != nil {
			return err
		}
	}
	t.stragglers = t.stragglers[:0]
	return nil
}

func (t *Tracer) pc() uint64 {
	pc, _ := t.mu.RegRead(uc.X86_REG_RIP)
	return pc
}

func (t *Tracer) addHooks() error {
	if _, err := t.mu.HookAdd(uc.HOOK_CODE, t.onCode, 1, 0); err != nil {
		return fmt.Errorf("add code hook: %w", err)
	} else if _, err := t.mu.HookAdd(uc.HOOK_MEM_READ, t.onMemRead, 1, 0); err != nil {
		return fmt.Errorf("add read hook: %w", err)
	} else if _, err := t.mu.HookAdd(uc.HOOK_MEM_WRITE, t.onMemWrite, 1, 0); err != nil {
		return fmt.Errorf("add write hook: %w", err)
	} else if _, err := t.mu.HookAdd(uc.HOOK_INSN, t.onSyscall, 1, 0, uc.X86_INS_SYSCALL); err != nil {
		return fmt.Errorf("add syscall hook: %w", err)
	}
	return nil
}

// decode returns the static record of the instruction at addr.
func (t *Tracer) decode(addr uint64, size uint32) (*rewind.Instruction, error) {
	return t.trace.Instruction(addr, func(addr uint64) (*rewind.Instruction, error) {
		code, err := t.mu.MemRead(addr, uint64(size))
		if err != nil {
			return nil, fmt.Errorf("read code at %#x: %w", addr, err)
		}
		ins, err := rewind.DecodeX86(addr, code, 64)
		if err != nil {
			return nil, err
		}
		ins.IsKernelMapped = addr >= KernelBase
		return ins, nil
	})
}

func (t *Tracer) onCode(mu uc.Unicorn, addr uint64, size uint32) {
	if t.pending != nil || t.err != nil {
		return
	}
	t.stats.Instructions++

	// Report the outcome of the previous instruction now that its successor
	// is known.
	if prev := t.prev; prev != nil {
		t.prev = nil
		switch {
		case prev.IsConditionalBranch:
			t.handle(t.engine.OnBranch(ThreadID, addr != prev.Address+uint64(prev.Len())))
		case prev.IsIndirectBranchOrCall:
			t.handle(t.engine.OnIndirectBranch(ThreadID, addr))
		}
		if t.pending != nil {
			return
		}
	}

	ins, err := t.decode(addr, size)
	if err != nil {
		t.fail(err)
		return
	}

	if err := t.saveContext(addr); err != nil {
		t.fail(err)
		return
	}

	if t.handle(t.engine.OnInstruction(ThreadID, ins)); t.pending == nil {
		t.prev = ins
	}
}

// saveContext saves the registers before the current instruction while a
// checkpoint may be taken. A context referenced by a checkpoint is never
// reused.
func (t *Tracer) saveContext(addr uint64) error {
	switch t.engine.Phase() {
	case rewind.PhaseCapturing, rewind.PhaseTainting:
	default:
		return nil
	}

	var reuse uc.Context
	if t.ctx != nil && !t.kept {
		reuse = t.ctx.uc
	}
	c, err := t.mu.ContextSave(reuse)
	if err != nil {
		return fmt.Errorf("save context at %#x: %w", addr, err)
	}
	t.ctx, t.kept = &Context{uc: c, pc: addr}, false
	return nil
}

func (t *Tracer) onMemRead(mu uc.Unicorn, access int, addr uint64, size int, value int64) {
	if t.pending != nil || t.err != nil {
		return
	}
	var ctx rewind.Context
	if t.ctx != nil {
		ctx = t.ctx
	}
	t.handle(t.engine.OnMemoryRead(ThreadID, addr, size, ctx))

	if cps := t.engine.Checkpoints(); len(cps) > 0 && t.ctx != nil && cps[len(cps)-1].Context == rewind.Context(t.ctx) {
		t.kept = true
	}
}

func (t *Tracer) onMemWrite(mu uc.Unicorn, access int, addr uint64, size int, value int64) {
	if t.err != nil {
		return
	}
	if t.pending != nil {
		prev, err := t.mu.MemRead(addr, uint64(size))
		if err != nil {
			t.fail(fmt.Errorf("save straggler write at %#x: %w", addr, err))
			return
		}
		t.stragglers = append(t.stragglers, straggler{addr: addr, prev: prev})
		return
	}
	t.handle(t.engine.OnMemoryWrite(ThreadID, addr, size))
}

func (t *Tracer) onSyscall(mu uc.Unicorn) {
	if t.pending != nil || t.err != nil {
		return
	}
	t.stats.Syscalls++

	var regs [7]uint64
	for i, reg := range []int{uc.X86_REG_RAX, uc.X86_REG_RDI, uc.X86_REG_RSI, uc.X86_REG_RDX, uc.X86_REG_R10, uc.X86_REG_R8, uc.X86_REG_R9} {
		v, err := t.mu.RegRead(reg)
		if err != nil {
			t.fail(fmt.Errorf("read syscall register: %w", err))
			return
		}
		regs[i] = v
	}
	nr, args := regs[0], regs[1:]

	if t.handle(t.engine.OnSyscallEntry(ThreadID, nr, args)); t.pending != nil {
		return
	}

	ret, err := t.syscall(nr, args)
	if err != nil {
		t.fail(err)
		return
	} else if t.exited {
		t.stop()
		return
	}

	if err := t.mu.RegWrite(uc.X86_REG_RAX, uint64(ret)); err != nil {
		t.fail(fmt.Errorf("write syscall result: %w", err))
		return
	}
	t.handle(t.engine.OnSyscallExit(ThreadID, ret))
}

// syscall emulates the syscalls a request/response program needs.
func (t *Tracer) syscall(nr uint64, args []uint64) (int64, error) {
	switch nr {
	case sysRead, sysRecvfrom:
		if len(t.Messages) == 0 {
			return 0, nil
		}
		msg := t.Messages[0]
		t.Messages = t.Messages[1:]
		if uint64(len(msg)) > args[2] {
			msg = msg[:args[2]]
		}
		if err := t.WriteMemory(args[1], msg); err != nil {
			return 0, err
		}
		log.Printf("[unicorn] received %d bytes at %#x", len(msg), args[1])
		return int64(len(msg)), nil

	case sysWrite:
		buf, err := t.mu.MemRead(args[1], args[2])
		if err != nil {
			return 0, fmt.Errorf("write syscall buffer: %w", err)
		}
		if args[0] == 1 || args[0] == 2 {
			if _, err := t.Stdout.Write(buf); err != nil {
				return 0, fmt.Errorf("write to fd %d: %w", args[0], err)
			}
		}
		return int64(len(buf)), nil

	case sysExit, sysExitGroup:
		t.exited, t.exitCode = true, int(int32(args[0]))
		log.Printf("[unicorn] exit(%d)", t.exitCode)
		return 0, nil

	default:
		log.Printf("[unicorn] unsupported syscall %d", nr)
		return -enosys, nil
	}
}

// Context is a saved Unicorn register context.
type Context struct {
	uc uc.Context
	pc uint64
}

// PC returns the instruction pointer of the context.
func (c *Context) PC() uint64 { return c.pc }

// Stats holds emulation statistics.
type Stats struct {
	Instructions int
	Syscalls     int
	Starts       int
	Rollbacks    int
	Elapsed      time.Duration
}
