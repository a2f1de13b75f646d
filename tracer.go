package rewind

// Memory represents the address space of the traced program.
type Memory interface {
	// Reads len(p) bytes starting at addr into p.
	ReadMemory(addr uint64, p []byte) error

	// Writes p starting at addr.
	WriteMemory(addr uint64, p []byte) error
}

// Context represents a saved CPU register context.
type Context interface {
	// Returns the instruction pointer held by the context.
	PC() uint64
}

// Tracer represents the instrumentation substrate driving the engine.
//
// A tracer delivers events to the Engine's On* handlers on the analyzed
// thread and executes the returned Action before delivering further events.
type Tracer interface {
	Memory

	// Restores the register context and continues execution at its PC.
	Resume(ctx Context) error

	// Removes all active instrumentation so it is rebuilt for a new phase.
	RemoveInstrumentation() error
}
