package rewind

import (
	"fmt"
	"io"
	"sort"

	"golang.org/x/tools/container/intsets"
)

// TaintGraph is a data-flow graph over operand versions for one phase.
//
// Every write creates a fresh vertex for the written location and retires the
// previous one. The outer interface maps each named location to its live
// vertex, so a read always links to the most recent version.
type TaintGraph struct {
	inputAddr uint64
	inputLen  int

	vertices []vertex
	edges    int

	outer   map[operandKey]int
	pending map[uint32]*access
	sources map[uint32][]int // committed source vertices by order
}

type vertex struct {
	op    Operand
	out   []taintEdge
	input bool // first version of an input byte, created by a read
}

type taintEdge struct {
	to    int
	order uint32
}

// access holds the operands of an instruction until it is committed.
type access struct {
	srcs []Operand
	dsts []Operand
}

// NewTaintGraph returns a graph whose taint sources are the bytes of the
// input buffer at [inputAddr, inputAddr+inputLen).
func NewTaintGraph(inputAddr uint64, inputLen int) *TaintGraph {
	return &TaintGraph{
		inputAddr: inputAddr,
		inputLen:  inputLen,
		outer:     make(map[operandKey]int),
		pending:   make(map[uint32]*access),
		sources:   make(map[uint32][]int),
	}
}

// VertexN returns the number of vertices.
func (g *TaintGraph) VertexN() int { return len(g.vertices) }

// EdgeN returns the number of edges.
func (g *TaintGraph) EdgeN() int { return g.edges }

// Live returns the live version of op, if any.
func (g *TaintGraph) Live(op Operand) (Operand, bool) {
	id, ok := g.outer[op.key()]
	if !ok {
		return Operand{}, false
	}
	return g.vertices[id].op, true
}

// RecordInstruction registers the static register operands of ins at order.
func (g *TaintGraph) RecordInstruction(order uint32, ins *Instruction) {
	a := g.access(order)
	a.srcs = append(a.srcs, ins.Srcs...)
	a.dsts = append(a.dsts, ins.Dsts...)
}

// RecordMemoryAccess registers one memory operand per byte of the access.
func (g *TaintGraph) RecordMemoryAccess(order uint32, addr uint64, n int, isWrite bool) {
	a := g.access(order)
	for i := 0; i < n; i++ {
		op := MemoryOperand(addr + uint64(i))
		if isWrite {
			a.dsts = append(a.dsts, op)
		} else {
			a.srcs = append(a.srcs, op)
		}
	}
}

func (g *TaintGraph) access(order uint32) *access {
	a := g.pending[order]
	if a == nil {
		a = &access{}
		g.pending[order] = a
	}
	return a
}

// Commit links every source vertex of the instruction at order to every
// destination vertex and updates the outer interface. Committing an order
// without recorded operands is a no-op.
func (g *TaintGraph) Commit(order uint32) {
	a := g.pending[order]
	if a == nil {
		return
	}
	delete(g.pending, order)

	// Resolve sources before destinations replace them.
	var srcs []int
	seen := make(map[operandKey]struct{})
	for _, op := range a.srcs {
		if !op.IsNamed() {
			srcs = append(srcs, g.addVertex(op, false))
			continue
		}
		key := op.key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		id, ok := g.outer[key]
		if !ok {
			isInput := op.Kind == OperandMemory && g.inInput(op.Addr)
			id = g.addVertex(op, isInput)
			g.outer[key] = id
		}
		srcs = append(srcs, id)
	}

	var dsts []int
	seen = make(map[operandKey]struct{})
	for _, op := range a.dsts {
		key := op.key()
		if _, ok := seen[key]; ok || !op.IsNamed() {
			continue
		}
		seen[key] = struct{}{}

		if prev, ok := g.outer[key]; ok {
			g.vertices[prev].op.AliveUntil = order
		}
		id := g.addVertex(op, false)
		g.outer[key] = id
		dsts = append(dsts, id)
	}

	for _, s := range srcs {
		for _, d := range dsts {
			g.vertices[s].out = append(g.vertices[s].out, taintEdge{to: d, order: order})
			g.edges++
		}
	}
	g.sources[order] = srcs
}

func (g *TaintGraph) addVertex(op Operand, input bool) int {
	op.AliveUntil = 0
	g.vertices = append(g.vertices, vertex{op: op, input: input})
	return len(g.vertices) - 1
}

func (g *TaintGraph) inInput(addr uint64) bool {
	return addr >= g.inputAddr && addr < g.inputAddr+uint64(g.inputLen)
}

// InputDependencies returns the input addresses that flow into the source
// operands of the instruction at order.
func (g *TaintGraph) InputDependencies(order uint32) *AddrSet {
	return g.Dependencies([]uint32{order})[order]
}

// Dependencies returns the input dependencies for each order. One
// breadth-first search is performed per input vertex and shared by all
// orders. Every requested order has a non-nil set in the result.
func (g *TaintGraph) Dependencies(orders []uint32) map[uint32]*AddrSet {
	m := make(map[uint32]*AddrSet, len(orders))
	targets := make(map[int][]uint32)
	for _, order := range orders {
		m[order] = &AddrSet{}
		for _, id := range g.sources[order] {
			targets[id] = append(targets[id], order)
		}
	}
	if len(targets) == 0 {
		return m
	}

	var visited intsets.Sparse
	queue := make([]int, 0, 64)
	for start := range g.vertices {
		if !g.vertices[start].input {
			continue
		}
		addr := g.vertices[start].op.Addr

		visited.Clear()
		visited.Insert(start)
		queue = append(queue[:0], start)
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]

			for _, order := range targets[id] {
				m[order].Insert(addr)
			}
			for _, e := range g.vertices[id].out {
				if visited.Insert(e.to) {
					queue = append(queue, e.to)
				}
			}
		}
	}
	return m
}

// WriteDOT writes the graph in Graphviz format.
func (g *TaintGraph) WriteDOT(w io.Writer) error {
	if _, err := fmt.Fprintln(w, "digraph taint {"); err != nil {
		return err
	}
	for id, v := range g.vertices {
		shape := "ellipse"
		if v.input {
			shape = "box"
		}
		if _, err := fmt.Fprintf(w, "\tv%d [label=%q shape=%s];\n", id, v.op.String(), shape); err != nil {
			return err
		}
	}
	for id, v := range g.vertices {
		out := append([]taintEdge(nil), v.out...)
		sort.Slice(out, func(i, j int) bool { return out[i].to < out[j].to })
		for _, e := range out {
			if _, err := fmt.Fprintf(w, "\tv%d -> v%d [label=\"%d\"];\n", id, e.to, e.order); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprintln(w, "}")
	return err
}
