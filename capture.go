package rewind

// Linux x86-64 syscall numbers of the receive family.
const (
	SysRead     = 0
	SysRecvfrom = 45
)

// SyscallCapture turns receive-family syscalls into input events. The
// buffer argument is remembered on entry and reported with the byte count
// returned on exit.
type SyscallCapture struct {
	// Syscall numbers treated as message receives. The buffer must be the
	// second argument.
	Syscalls map[uint64]bool

	pending map[int]uint64
}

// NewSyscallCapture returns a capture recognizing recvfrom only.
func NewSyscallCapture() *SyscallCapture {
	return &SyscallCapture{
		Syscalls: map[uint64]bool{SysRecvfrom: true},
		pending:  make(map[int]uint64),
	}
}

// Entry records the buffer of a receive syscall issued by tid.
func (c *SyscallCapture) Entry(tid int, nr uint64, args []uint64) {
	if !c.Syscalls[nr] || len(args) < 2 {
		delete(c.pending, tid)
		return
	}
	c.pending[tid] = args[1]
}

// Exit returns the received buffer if tid's pending syscall was a receive
// that returned at least one byte.
func (c *SyscallCapture) Exit(tid int, ret int64) (addr uint64, n int, ok bool) {
	addr, ok = c.pending[tid]
	if !ok {
		return 0, 0, false
	}
	delete(c.pending, tid)
	if ret <= 0 {
		return 0, 0, false
	}
	return addr, int(ret), true
}
