package gadget

import (
	"sort"

	"github.com/zboralski/lattice"
	"github.com/zboralski/lattice/render"
	"golang.org/x/arch/x86/x86asm"

	"github.com/gmh5225/ropfuscator/internal/disasm"
)

// ExchangeGraph is an undirected graph over registers. An edge joins two
// registers when some REG_XCHG gadget swaps exactly that pair.
type ExchangeGraph struct {
	adj   map[x86asm.Reg]map[x86asm.Reg]struct{}
	edges int
}

// NewExchangeGraph returns an empty graph.
func NewExchangeGraph() *ExchangeGraph {
	return &ExchangeGraph{adj: make(map[x86asm.Reg]map[x86asm.Reg]struct{})}
}

// BuildExchangeGraph adds one edge per REG_XCHG gadget in gs.
func BuildExchangeGraph(gs []*Microgadget) *ExchangeGraph {
	xg := NewExchangeGraph()
	for _, g := range gs {
		if g.Class != RegXchg {
			continue
		}
		xg.AddEdge(g.Operand(0).Reg, g.Operand(1).Reg)
	}
	return xg
}

// AddEdge joins r1 and r2. Repeated edges and self loops are ignored.
func (xg *ExchangeGraph) AddEdge(r1, r2 x86asm.Reg) {
	if r1 == r2 {
		return
	}
	if _, ok := xg.adj[r1][r2]; ok {
		return
	}
	xg.link(r1, r2)
	xg.link(r2, r1)
	xg.edges++
}

func (xg *ExchangeGraph) link(a, b x86asm.Reg) {
	m, ok := xg.adj[a]
	if !ok {
		m = make(map[x86asm.Reg]struct{})
		xg.adj[a] = m
	}
	m[b] = struct{}{}
}

// NumEdges is the number of distinct swapped pairs.
func (xg *ExchangeGraph) NumEdges() int { return xg.edges }

// Registers returns the graph's nodes in ascending order.
func (xg *ExchangeGraph) Registers() []x86asm.Reg {
	regs := make([]x86asm.Reg, 0, len(xg.adj))
	for r := range xg.adj {
		regs = append(regs, r)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i] < regs[j] })
	return regs
}

// Neighbours returns the registers directly swappable with r, ascending.
func (xg *ExchangeGraph) Neighbours(r x86asm.Reg) []x86asm.Reg {
	out := make([]x86asm.Reg, 0, len(xg.adj[r]))
	for n := range xg.adj[r] {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AreExchangeable reports whether a value in r1 can reach r2 through a chain
// of swap gadgets. A register is trivially exchangeable with itself.
func (xg *ExchangeGraph) AreExchangeable(r1, r2 x86asm.Reg) bool {
	return xg.Path(r1, r2) != nil
}

// Path returns the shortest chain of registers from r1 to r2, both included,
// or nil when they are not connected. Each consecutive pair is one swap.
func (xg *ExchangeGraph) Path(r1, r2 x86asm.Reg) []x86asm.Reg {
	if r1 == r2 {
		return []x86asm.Reg{r1}
	}
	if _, ok := xg.adj[r1]; !ok {
		return nil
	}

	prev := map[x86asm.Reg]x86asm.Reg{r1: r1}
	queue := []x86asm.Reg{r1}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, n := range xg.Neighbours(cur) {
			if _, seen := prev[n]; seen {
				continue
			}
			prev[n] = cur
			if n == r2 {
				return unwind(prev, r1, r2)
			}
			queue = append(queue, n)
		}
	}
	return nil
}

func unwind(prev map[x86asm.Reg]x86asm.Reg, from, to x86asm.Reg) []x86asm.Reg {
	var rev []x86asm.Reg
	for r := to; r != from; r = prev[r] {
		rev = append(rev, r)
	}
	rev = append(rev, from)
	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	return rev
}

// Lattice converts the graph into a lattice graph with one edge per pair,
// lower register first.
func (xg *ExchangeGraph) Lattice() *lattice.Graph {
	g := &lattice.Graph{}
	for _, r := range xg.Registers() {
		g.Nodes = append(g.Nodes, disasm.RegName(r))
		for _, n := range xg.Neighbours(r) {
			if n < r {
				continue
			}
			g.Edges = append(g.Edges, lattice.Edge{
				Caller: disasm.RegName(r),
				Callee: disasm.RegName(n),
			})
		}
	}
	g.Dedup()
	return g
}

// DOT renders the graph in Graphviz format.
func (xg *ExchangeGraph) DOT(name string) string {
	return render.DOT(xg.Lattice(), name)
}
