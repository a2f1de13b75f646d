package rewind

import (
	"fmt"
	"log"
	"math/rand"
	"time"
)

// Phase is a state of the exploration state machine.
type Phase int

const (
	PhaseCapturing Phase = iota
	PhaseTainting
	PhaseRollbacking
	PhaseTerminated
)

// String returns the name of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseCapturing:
		return "capturing"
	case PhaseTainting:
		return "tainting"
	case PhaseRollbacking:
		return "rollbacking"
	case PhaseTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("Phase<%d>", int(p))
	}
}

// ActionKind is the kind of control transfer requested by the engine.
type ActionKind int

const (
	ActionContinue ActionKind = iota
	ActionRollback
	ActionTerminate
)

// Action is returned by every engine handler and must be carried out by the
// tracer before it delivers further events.
//
// A rollback is performed by calling Apply on the traced memory and then
// resuming at the returned context. Events of the interrupted instruction
// that arrive before the resume must not be delivered.
type Action struct {
	Kind ActionKind

	// Rollback target.
	Checkpoint *Checkpoint
	Mutation   Mutation

	// Exit status and cause of a terminate action.
	Code int
	Err  error

	// Set when the action starts a new phase and instrumentation must be
	// rebuilt.
	Reinstrument bool
}

// Continue is the action for proceeding with the current instruction.
var Continue = Action{Kind: ActionContinue}

// Apply restores the checkpoint of a rollback action into mem and returns
// the context to resume at.
func (a Action) Apply(mem Memory) (Context, error) {
	assert(a.Kind == ActionRollback, "apply: not a rollback action: %d", a.Kind)
	return a.Checkpoint.Restore(mem, a.Mutation)
}

// String returns a string representation of the action.
func (a Action) String() string {
	switch a.Kind {
	case ActionContinue:
		return "continue"
	case ActionRollback:
		return fmt.Sprintf("rollback(%d, %s)", a.Checkpoint.Order, a.Mutation.Kind)
	default:
		return fmt.Sprintf("terminate(%d)", a.Code)
	}
}

// EngineState holds the phase and counters of the state machine. Branches
// are referenced by id; -1 means none.
type EngineState struct {
	Phase Phase
	Order uint32 // execution order of the current instruction
	Bound uint32 // last order compared while rollbacking

	Exploring        int // branch whose flipped outcome seeded the phase
	Active           int // branch under resolution
	ActiveCheckpoint int // index into the active branch's checkpoints
	Restored         bool

	Local  uint64 // rollbacks on the active checkpoint
	Total  uint64 // rollbacks in the run
	Phases int    // tainting phases started
}

// Engine drives checkpoint-and-replay exploration from tracer events.
type Engine struct {
	state  EngineState
	config Config
	mem    Memory
	rand   *rand.Rand

	// Message capture.
	received  int
	traced    int
	hasTraced bool
	inputAddr uint64
	inputLen  int
	input     []byte       // input of the current phase
	last      *Instruction // last instruction of the traced thread while capturing

	// Per-phase state, reset by resetPhase.
	trace       []*Instance // trace[i] has order i+1
	tail        uint64      // address of the instruction that ended tainting
	graph       *TaintGraph
	checkpoints []*Checkpoint
	byOrder     map[uint32]*Branch
	dependent   []*Branch
	uncommitted uint32
	prefix      []Step

	branches  []*Branch
	paths     []*PathCondition
	gen       Generator
	automaton *Automaton
	start     time.Time
	elapsed   time.Duration

	// Interprets syscall events into input events.
	Capture *SyscallCapture

	// Strategy for the next branch to explore. Defaults to Config.Search.
	Searcher Searcher
}

// NewEngine returns a new engine reading and writing target memory via mem.
func NewEngine(mem Memory, config Config) *Engine {
	e := &Engine{
		config:    config,
		mem:       mem,
		rand:      rand.New(rand.NewSource(config.Seed)),
		automaton: NewAutomaton(),
		Capture:   NewSyscallCapture(),
	}
	e.state.Exploring, e.state.Active, e.state.ActiveCheckpoint = -1, -1, -1

	searcher, err := NewSearcher(config.Search, e.rand)
	if err != nil {
		log.Printf("[explore] %s, using bfs", err)
		searcher = &BFSSearcher{}
	}
	e.Searcher = searcher
	return e
}

// State returns a copy of the engine state.
func (e *Engine) State() EngineState { return e.state }

// Phase returns the current phase.
func (e *Engine) Phase() Phase { return e.state.Phase }

// Input returns the input buffer address and the input of the current phase.
func (e *Engine) Input() (addr uint64, input []byte) { return e.inputAddr, e.input }

// Branches returns every input-dependent branch detected so far.
func (e *Engine) Branches() []*Branch { return e.branches }

// Branch returns the branch with the given id, or nil.
func (e *Engine) Branch(id int) *Branch {
	if id < 0 || id >= len(e.branches) {
		return nil
	}
	return e.branches[id]
}

// Trace returns the instances recorded by the current phase.
func (e *Engine) Trace() []*Instance { return e.trace }

// Checkpoints returns the checkpoints of the current phase.
func (e *Engine) Checkpoints() []*Checkpoint { return e.checkpoints }

// Graph returns the taint graph of the current phase.
func (e *Engine) Graph() *TaintGraph { return e.graph }

// Paths returns the stabilized condition of every explored path.
func (e *Engine) Paths() []*PathCondition { return e.paths }

// Automaton returns the explored path automaton.
func (e *Engine) Automaton() *Automaton { return e.automaton }

// Stats returns resolution statistics.
func (e *Engine) Stats() Stats {
	s := Stats{
		Elapsed:   e.elapsed,
		Rollbacks: e.state.Total,
		Phases:    e.state.Phases,
		Branches:  len(e.branches),
	}
	if e.state.Phase != PhaseTerminated && !e.start.IsZero() {
		s.Elapsed = time.Since(e.start)
	}
	for _, b := range e.branches {
		switch {
		case b.Resolved:
			s.Resolved++
		case b.Bypassed:
			s.Bypassed++
		}
		if b.Singular {
			s.Singular++
		}
		if b.Explored {
			s.Explored++
		}
	}
	return s
}

func (e *Engine) gate(tid int) bool {
	return e.hasTraced && tid == e.traced
}

// OnInputReceived reports that n bytes were received at addr by thread tid.
// The configured ordinal selects the message used as input and fixes the
// traced thread.
func (e *Engine) OnInputReceived(tid int, addr uint64, n int) Action {
	if e.state.Phase != PhaseCapturing || e.hasTraced {
		return Continue
	}

	e.received++
	log.Printf("[capture] message #%d: %d bytes at %#x (thread %d)", e.received, n, addr, tid)
	if e.received != e.config.InputOrdinal {
		return Continue
	}

	e.traced, e.hasTraced = tid, true
	e.inputAddr, e.inputLen = addr, n
	return Continue
}

// OnSyscallEntry reports a syscall about to be issued by tid.
func (e *Engine) OnSyscallEntry(tid int, nr uint64, args []uint64) Action {
	if e.state.Phase == PhaseCapturing {
		e.Capture.Entry(tid, nr, args)
	}
	return Continue
}

// OnSyscallExit reports the return value of tid's last syscall.
func (e *Engine) OnSyscallExit(tid int, ret int64) Action {
	if e.state.Phase != PhaseCapturing {
		return Continue
	}
	if addr, n, ok := e.Capture.Exit(tid, ret); ok {
		return e.OnInputReceived(tid, addr, n)
	}
	return Continue
}

// OnInstruction is called before ins executes on thread tid.
func (e *Engine) OnInstruction(tid int, ins *Instruction) Action {
	if !e.gate(tid) {
		return Continue
	}
	switch e.state.Phase {
	case PhaseCapturing:
		e.last = ins
		return Continue
	case PhaseTainting:
		return e.taintInstruction(ins)
	case PhaseRollbacking:
		return e.rollbackInstruction(ins)
	default:
		return Continue
	}
}

// OnMemoryRead is called for every read of the current instruction. ctx is
// the register context before the instruction.
func (e *Engine) OnMemoryRead(tid int, addr uint64, n int, ctx Context) Action {
	if !e.gate(tid) {
		return Continue
	}
	switch e.state.Phase {
	case PhaseCapturing:
		if e.last == nil || !Overlaps(e.inputAddr, e.inputLen, addr, n) {
			return Continue
		}
		if err := e.snapshotInput(); err != nil {
			return e.fatal(err, "snapshot input")
		}
		log.Printf("[capture] input read at %#x by %s", addr, e.last.String())

		e.state.Phase = PhaseTainting
		e.state.Phases++
		e.start = time.Now()
		e.resetPhase(-1)
		if act := e.taintInstruction(e.last); act.Kind != ActionContinue {
			return act
		}
		act := e.taintRead(addr, n, ctx)
		if act.Kind == ActionContinue {
			act.Reinstrument = true
		}
		return act
	case PhaseTainting:
		return e.taintRead(addr, n, ctx)
	default:
		return Continue
	}
}

// OnMemoryWrite is called for every write of the current instruction before
// the bytes are stored.
func (e *Engine) OnMemoryWrite(tid int, addr uint64, n int) Action {
	if !e.gate(tid) {
		return Continue
	}
	switch e.state.Phase {
	case PhaseTainting:
		if len(e.checkpoints) > 0 {
			if err := e.checkpoints[0].TrackWrite(e.mem, addr, n); err != nil {
				return e.fatal(err, "track write")
			}
		}
		e.graph.RecordMemoryAccess(e.state.Order, addr, n, true)
		inst := e.trace[len(e.trace)-1]
		for i := 0; i < n; i++ {
			inst.Dsts = append(inst.Dsts, MemoryOperand(addr+uint64(i)))
		}
		return Continue

	case PhaseRollbacking:
		if b := e.Branch(e.state.Active); b != nil && e.state.ActiveCheckpoint >= 0 {
			cp := b.Checkpoints[e.state.ActiveCheckpoint].Checkpoint
			if err := cp.TrackWrite(e.mem, addr, n); err != nil {
				return e.fatal(err, "track write")
			}
			return Continue
		}
		for _, cp := range e.checkpoints {
			if cp.Order > e.state.Order {
				break
			}
			if err := cp.TrackWrite(e.mem, addr, n); err != nil {
				return e.fatal(err, "track write")
			}
		}
		return Continue

	default:
		return Continue
	}
}

// OnBranch reports the outcome of the current conditional branch.
func (e *Engine) OnBranch(tid int, taken bool) Action {
	if !e.gate(tid) || e.state.Phase != PhaseTainting {
		return Continue
	}
	if b := e.byOrder[e.state.Order]; b != nil {
		b.Taken = taken
	}
	return Continue
}

// OnIndirectBranch reports the target of the current indirect branch or call.
// While rollbacking, a target other than the next recorded instruction means
// the perturbed input changed the path; without perturbation it is fatal.
func (e *Engine) OnIndirectBranch(tid int, target uint64) Action {
	if !e.gate(tid) || e.state.Phase != PhaseRollbacking {
		return Continue
	}
	expected, ok := e.expected(e.state.Order + 1)
	if !ok || target == expected {
		return Continue
	}

	if e.Branch(e.state.Active) != nil && !e.state.Restored {
		return e.perturb()
	}
	return e.fatal(ErrIndirectDrift, "order %d: target %#x, expected %#x", e.state.Order, target, expected)
}

func (e *Engine) snapshotInput() error {
	e.input = make([]byte, e.inputLen)
	return e.mem.ReadMemory(e.inputAddr, e.input)
}

// resetPhase clears every per-phase structure before a tainting phase.
func (e *Engine) resetPhase(exploring int) {
	e.trace = nil
	e.tail = 0
	e.graph = NewTaintGraph(e.inputAddr, e.inputLen)
	e.checkpoints = nil
	e.byOrder = make(map[uint32]*Branch)
	e.dependent = nil
	e.uncommitted = 0
	e.gen = nil

	e.state.Order = 0
	e.state.Bound = 0
	e.state.Exploring = exploring
	e.deactivate()
}

func (e *Engine) deactivate() {
	e.state.Active = -1
	e.state.ActiveCheckpoint = -1
	e.state.Restored = false
	e.state.Local = 0
	e.gen = nil
}

// taintInstruction records ins at the next execution order.
func (e *Engine) taintInstruction(ins *Instruction) Action {
	if ins.IsKernelMapped || ins.IsSyscall || e.state.Order >= e.config.MaxTraceLength {
		return e.endTainting(ins.Address)
	}

	e.commit()
	e.state.Order++
	order := e.state.Order

	inst := NewInstance(order, ins)
	e.trace = append(e.trace, inst)
	e.graph.RecordInstruction(order, ins)
	e.uncommitted = order
	if ins.IsConditionalBranch {
		e.byOrder[order] = &Branch{Instance: inst, ID: -1}
	}

	if b := e.Branch(e.state.Exploring); b != nil && b.Order == order && b.Address() != ins.Address {
		return e.fatal(ErrExploringMismatch, "order %d: expected %#x, executed %s", order, b.Address(), ins.String())
	}
	return Continue
}

// commit links the operands of the last recorded instruction.
func (e *Engine) commit() {
	if e.uncommitted != 0 {
		e.graph.Commit(e.uncommitted)
		e.uncommitted = 0
	}
}

// taintRead records a read and creates a checkpoint if it touches the input.
func (e *Engine) taintRead(addr uint64, n int, ctx Context) Action {
	order := e.state.Order
	if Overlaps(e.inputAddr, e.inputLen, addr, n) {
		if len(e.checkpoints) > 0 && e.checkpoints[len(e.checkpoints)-1].Order == order {
			cp := e.checkpoints[len(e.checkpoints)-1]
			if err := cp.AddInput(e.mem, e.inputAddr, e.inputLen, addr, n); err != nil {
				return e.fatal(err, "checkpoint input")
			}
		} else {
			cp, err := NewCheckpoint(order, ctx, e.mem, e.inputAddr, e.inputLen, addr, n)
			if err != nil {
				return e.fatal(err, "create checkpoint")
			}
			e.checkpoints = append(e.checkpoints, cp)
			log.Printf("[taint] %s", cp.String())
		}
	}

	e.graph.RecordMemoryAccess(order, addr, n, false)
	inst := e.trace[len(e.trace)-1]
	buf := make([]byte, 1)
	for i := 0; i < n; i++ {
		op := MemoryOperand(addr + uint64(i))
		if err := e.mem.ReadMemory(op.Addr, buf); err == nil {
			op.Value = uint64(buf[0])
		}
		inst.Srcs = append(inst.Srcs, op)
	}
	return Continue
}

// endTainting analyzes the phase and starts rollbacking. tail is the address
// of the instruction that ended the phase.
func (e *Engine) endTainting(tail uint64) Action {
	e.commit()
	e.tail = tail
	log.Printf("[taint] end at %#x: %d instructions, %d checkpoints", tail, len(e.trace), len(e.checkpoints))

	if len(e.checkpoints) == 0 {
		return e.terminate(ExitOK, ErrNoCheckpoint)
	}

	var after uint32
	if b := e.Branch(e.state.Exploring); b != nil {
		after = b.Order
	}
	var orders []uint32
	for _, inst := range e.trace {
		if b := e.byOrder[inst.Order]; b != nil && inst.Order > after {
			orders = append(orders, inst.Order)
		}
	}
	deps := e.graph.Dependencies(orders)

	for _, order := range orders {
		b := e.byOrder[order]
		if deps[order].IsEmpty() {
			continue
		}
		b.Deps = deps[order]
		b.FreshInput = append([]byte(nil), e.input...)
		b.Checkpoints = e.associate(b)
		if len(b.Checkpoints) == 0 {
			return e.fatal(ErrNotFound, "no checkpoint for branch %s deps=%s", b.Instance.String(), b.Deps.String())
		}

		b.ID = len(e.branches)
		e.branches = append(e.branches, b)
		e.dependent = append(e.dependent, b)
		log.Printf("[taint] branch #%d %s deps=%s checkpoints=%d", b.ID, b.Instance.String(), b.Deps.String(), len(b.Checkpoints))
	}

	if len(e.dependent) == 0 {
		e.state.Bound = 0
		return e.endRollbacking()
	}
	e.state.Bound = e.dependent[len(e.dependent)-1].Order + 1
	if max := uint32(len(e.trace)) + 1; e.state.Bound > max {
		e.state.Bound = max
	}

	e.state.Phase = PhaseRollbacking
	e.deactivate()
	act := e.rollback(e.checkpoints[0], Mutation{Kind: SameInput})
	act.Reinstrument = true
	return act
}

// associate returns the checkpoints usable for flipping b, nearest first.
// Each checkpoint is paired with the dependent input addresses it read.
func (e *Engine) associate(b *Branch) []CheckpointRef {
	var refs []CheckpointRef
	remaining := b.Deps.Clone()
	for i := len(e.checkpoints) - 1; i >= 0; i-- {
		cp := e.checkpoints[i]
		if cp.Order > b.Order {
			continue
		}

		var addrs *AddrSet
		if e.config.Checkpoints == CheckpointsOverlap {
			addrs = cp.InputAddrs().Intersection(b.Deps)
		} else {
			addrs = cp.InputAddrs().Intersection(remaining)
		}
		if addrs.IsEmpty() {
			continue
		}
		refs = append(refs, CheckpointRef{Checkpoint: cp, Addrs: addrs})

		remaining.DifferenceWith(addrs)
		if remaining.IsEmpty() && e.config.Checkpoints != CheckpointsOverlap {
			break
		}
	}
	return refs
}

// expected returns the recorded address at order. The order following the
// last recorded instruction maps to the instruction that ended tainting.
func (e *Engine) expected(order uint32) (uint64, bool) {
	switch {
	case order == 0:
		return 0, false
	case int(order) <= len(e.trace):
		return e.trace[order-1].Address(), true
	case int(order) == len(e.trace)+1:
		return e.tail, true
	default:
		return 0, false
	}
}

// rollbackInstruction compares ins against the recorded trace and drives
// branch resolution.
func (e *Engine) rollbackInstruction(ins *Instruction) Action {
	e.state.Order++
	order := e.state.Order

	expected, ok := e.expected(order)
	if !ok {
		return e.fatal(ErrNotFound, "order %d beyond recorded trace of %d", order, len(e.trace))
	}
	active := e.Branch(e.state.Active)

	if ins.Address != expected {
		switch {
		case active == nil:
			return e.fatal(ErrTraceDivergence, "order %d: executed %s, expected %#x", order, ins.String(), expected)
		case e.state.Restored:
			return e.fatal(ErrTraceDivergence, "order %d: original input replay executed %s, expected %#x", order, ins.String(), expected)
		case order == active.Order+1:
			return e.resolve(active)
		default:
			return e.perturb()
		}
	}

	// The active branch kept its decision.
	if active != nil && order == active.Order+1 {
		return e.perturb()
	}

	if b := e.byOrder[order]; b != nil && b.ID >= 0 {
		switch {
		case active == b && b.Resolved:
			log.Printf("[rollback] branch #%d resolved after %d rollbacks", b.ID, b.Rollbacks)
			e.deactivate()
		case active == b && e.state.Restored:
			return e.nextCheckpoint(b)
		case active == nil && !b.Settled():
			return e.activate(b)
		}
	}

	if e.Branch(e.state.Active) == nil && order >= e.state.Bound {
		return e.endRollbacking()
	}
	return Continue
}

// activate starts resolving b from its nearest checkpoint.
func (e *Engine) activate(b *Branch) Action {
	e.state.Active = b.ID
	e.state.ActiveCheckpoint = 0

	ref := b.Checkpoints[0]
	p, err := ReadProjection(e.mem, ref.Addrs.Addrs())
	if err != nil {
		return e.fatal(err, "project input")
	}
	b.Projections[outcome(b.Taken)] = b.Projections[outcome(b.Taken)].Add(p)

	log.Printf("[rollback] activate branch #%d %s from %s", b.ID, b.Instance.String(), ref.Checkpoint.String())
	e.startCheckpoint(b)
	return e.perturb()
}

// startCheckpoint resets the generator for the active checkpoint of b.
func (e *Engine) startCheckpoint(b *Branch) {
	ref := b.Checkpoints[e.state.ActiveCheckpoint]
	e.gen = NewGenerator(ref.Addrs.Addrs(), e.config.LocalRollbackBound, e.rand)
	e.state.Local = 0
	e.state.Restored = false
}

// nextCheckpoint moves b to its next nearest checkpoint or bypasses it.
func (e *Engine) nextCheckpoint(b *Branch) Action {
	if e.state.ActiveCheckpoint+1 < len(b.Checkpoints) {
		e.state.ActiveCheckpoint++
		log.Printf("[rollback] branch #%d: next %s", b.ID, b.Checkpoints[e.state.ActiveCheckpoint].Checkpoint.String())
		e.startCheckpoint(b)
		return e.perturb()
	}

	_, exhaustive := e.gen.(*SequentialGenerator)
	b.Bypassed = true
	b.Singular = exhaustive && len(b.Checkpoints) == 1
	log.Printf("[rollback] branch #%d bypassed after %d rollbacks", b.ID, b.Rollbacks)
	e.deactivate()

	if e.state.Order >= e.state.Bound {
		return e.endRollbacking()
	}
	return Continue
}

// resolve records the flipped outcome of the active branch and replays its
// checkpoint with the original input.
func (e *Engine) resolve(b *Branch) Action {
	ref := b.Checkpoints[e.state.ActiveCheckpoint]
	p, err := ReadProjection(e.mem, ref.Addrs.Addrs())
	if err != nil {
		return e.fatal(err, "project input")
	}
	flipped := outcome(!b.Taken)
	b.Projections[flipped] = b.Projections[flipped].Add(p)
	b.Resolved = true
	e.Searcher.AddBranch(b)

	log.Printf("[rollback] branch #%d flipped by %s", b.ID, p.String())
	return e.restoreOriginal(b)
}

// perturb replays the active checkpoint with the next candidate input, or
// with the original input once the generator is exhausted.
func (e *Engine) perturb() Action {
	b := e.Branch(e.state.Active)
	assert(b != nil, "perturb: no active branch")

	if p, ok := e.gen.Next(); ok {
		e.state.Local++
		b.Rollbacks++
		cp := b.Checkpoints[e.state.ActiveCheckpoint].Checkpoint
		return e.rollback(cp, Mutation{Kind: ModifiedInput, Projection: p})
	}
	return e.restoreOriginal(b)
}

func (e *Engine) restoreOriginal(b *Branch) Action {
	e.state.Restored = true
	b.Rollbacks++
	cp := b.Checkpoints[e.state.ActiveCheckpoint].Checkpoint
	return e.rollback(cp, Mutation{Kind: OriginalInput})
}

// rollback returns an action restoring cp. The current order is reset so the
// checkpointed instruction executes again at its own order.
func (e *Engine) rollback(cp *Checkpoint, m Mutation) Action {
	if e.state.Total >= e.config.TotalRollbackBound {
		log.Printf("[rollback] total budget of %d rollbacks exhausted", e.config.TotalRollbackBound)
		return e.terminate(ExitOK, ErrRollbackBudget)
	}
	e.state.Total++
	e.state.Order = cp.Order - 1
	return Action{Kind: ActionRollback, Checkpoint: cp, Mutation: m}
}

// endRollbacking records the explored path and starts the next phase.
func (e *Engine) endRollbacking() Action {
	steps := append([]Step(nil), e.prefix...)
	for _, b := range e.dependent {
		assert(b.Resolved != b.Bypassed, "branch #%d: resolved=%v bypassed=%v", b.ID, b.Resolved, b.Bypassed)
		b.Prefix = append([]Step(nil), steps...)
		steps = append(steps, Step{Branch: b, Taken: b.Taken, Condition: b.Projections[outcome(b.Taken)]})
	}
	pc := NewPathCondition(steps)
	e.paths = append(e.paths, pc)
	e.automaton.AddPath(pc.Steps())
	e.automaton.Optimize()
	log.Printf("[explore] path condition %s", pc.String())

	log.Printf("[explore] phase %d done: %s", e.state.Phases, e.Stats().String())
	return e.explore()
}

// explore starts a tainting phase from the flipped input of the next
// resolved branch.
func (e *Engine) explore() Action {
	b := e.Searcher.SelectBranch()
	if b == nil {
		return e.terminate(ExitOK, ErrExplorationComplete)
	}

	flipped := b.Projections[outcome(!b.Taken)]
	if len(flipped) == 0 {
		return e.fatal(ErrNotFound, "branch #%d has no flipped projection", b.ID)
	}
	b.Explored = true

	input := append([]byte(nil), b.FreshInput...)
	flipped[0].ApplyTo(e.inputAddr, input)
	cp := e.checkpoints[0]

	e.prefix = append(append([]Step(nil), b.Prefix...), Step{Branch: b, Taken: !b.Taken, Condition: flipped})
	e.resetPhase(b.ID)
	e.input = input
	e.state.Phase = PhaseTainting
	e.state.Phases++
	log.Printf("[explore] branch #%d %s with input %x", b.ID, b.Instance.String(), input)

	act := e.rollback(cp, Mutation{Kind: NewInput, Addr: e.inputAddr, Input: input})
	act.Reinstrument = true
	return act
}

func (e *Engine) terminate(code int, err error) Action {
	if e.state.Phase != PhaseTerminated && !e.start.IsZero() {
		e.elapsed = time.Since(e.start)
	}
	e.state.Phase = PhaseTerminated
	log.Printf("[explore] terminated (%d): %v", code, err)
	return Action{Kind: ActionTerminate, Code: code, Err: err}
}

// fatal logs a consistency failure and terminates with a non-zero code.
func (e *Engine) fatal(err error, format string, args ...interface{}) Action {
	err = fmt.Errorf("%w: %s", err, fmt.Sprintf(format, args...))
	log.Printf("[fatal] %s", err)
	return e.terminate(ExitFatal, err)
}
