package distributed

import (
	"fmt"
	"sync"
)

type collectiveOp int

const (
	opNone collectiveOp = iota
	opAllReduce
	opBroadcast
)

// Group is an in-process communicator for running every rank of a training
// group inside one test or simulation process, one goroutine per rank.
// Reductions sum contributions in rank order, so results are
// bitwise-identical on every rank regardless of goroutine scheduling.
type Group struct {
	worldSize int

	mu         sync.Mutex
	cond       *sync.Cond
	generation uint64
	arrived    int
	op         collectiveOp
	root       int
	contrib    [][]float64
	result     []float64
	err        error
}

// NewGroup creates an in-process group with the given world size.
func NewGroup(worldSize int) (*Group, error) {
	if worldSize < 1 {
		return nil, fmt.Errorf("world size must be at least 1, got %d", worldSize)
	}
	g := &Group{
		worldSize: worldSize,
		contrib:   make([][]float64, worldSize),
	}
	g.cond = sync.NewCond(&g.mu)
	return g, nil
}

// Member returns the communicator endpoint for one rank.
func (g *Group) Member(rank int) (Communicator, error) {
	ctx := Context{Rank: rank, WorldSize: g.worldSize}
	if err := ctx.validate(); err != nil {
		return nil, err
	}
	return &member{group: g, ctx: ctx}, nil
}

// Members returns endpoints for every rank, indexed by rank.
func (g *Group) Members() []Communicator {
	ms := make([]Communicator, g.worldSize)
	for r := 0; r < g.worldSize; r++ {
		ms[r], _ = g.Member(r)
	}
	return ms
}

// exchange runs one collective: deposit this rank's contribution, wait for
// the full group, and return the combined result. The last rank to arrive
// combines; everyone receives a private copy.
func (g *Group) exchange(rank int, vals []float64, op collectiveOp, root int) ([]float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.arrived == 0 {
		g.op = op
		g.root = root
		g.err = nil
	} else if g.op != op || g.root != root {
		g.err = fmt.Errorf("mismatched collectives: rank %d issued a different operation", rank)
	}

	g.contrib[rank] = append([]float64(nil), vals...)
	g.arrived++

	gen := g.generation
	if g.arrived == g.worldSize {
		g.combine()
		g.arrived = 0
		g.op = opNone
		g.generation++
		g.cond.Broadcast()
	} else {
		for gen == g.generation {
			g.cond.Wait()
		}
	}

	if g.err != nil {
		return nil, g.err
	}
	return append([]float64(nil), g.result...), nil
}

func (g *Group) combine() {
	if g.err != nil {
		return
	}
	n := len(g.contrib[0])
	for r := 1; r < g.worldSize; r++ {
		if len(g.contrib[r]) != n {
			g.err = fmt.Errorf("collective length mismatch: rank 0 sent %d values, rank %d sent %d",
				n, r, len(g.contrib[r]))
			return
		}
	}

	switch g.op {
	case opAllReduce:
		out := make([]float64, n)
		for r := 0; r < g.worldSize; r++ {
			for i, v := range g.contrib[r] {
				out[i] += v
			}
		}
		g.result = out
	case opBroadcast:
		if g.root < 0 || g.root >= g.worldSize {
			g.err = fmt.Errorf("broadcast root %d out of range for world size %d", g.root, g.worldSize)
			return
		}
		g.result = g.contrib[g.root]
	default:
		g.err = fmt.Errorf("unknown collective operation")
	}
}

type member struct {
	group *Group
	ctx   Context
}

func (m *member) Context() Context { return m.ctx }

func (m *member) AllReduceSum(vals []float64) ([]float64, error) {
	return m.group.exchange(m.ctx.Rank, vals, opAllReduce, 0)
}

func (m *member) Broadcast(vals []float64, root int) ([]float64, error) {
	return m.group.exchange(m.ctx.Rank, vals, opBroadcast, root)
}

func (m *member) Close() error { return nil }
