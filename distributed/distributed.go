// Package distributed coordinates the collective operations a training run
// needs across worker ranks: summing metric totals and broadcasting
// coordinator decisions. One process per rank; every rank must issue the
// same collectives in the same order, and each collective acts as a
// synchronization barrier.
package distributed

import "fmt"

// Context identifies a process within the training group.
type Context struct {
	Rank      int
	WorldSize int
}

// IsCoordinator reports whether this rank performs coordinator-only work
// (checkpoint persistence, evaluation decisions, console output).
func (c Context) IsCoordinator() bool { return c.Rank == 0 }

// Distributed reports whether more than one rank participates.
func (c Context) Distributed() bool { return c.WorldSize > 1 }

func (c Context) validate() error {
	if c.WorldSize < 1 {
		return fmt.Errorf("world size must be at least 1, got %d", c.WorldSize)
	}
	if c.Rank < 0 || c.Rank >= c.WorldSize {
		return fmt.Errorf("rank %d out of range for world size %d", c.Rank, c.WorldSize)
	}
	return nil
}

// Communicator is the collective transport between ranks. Implementations
// must guarantee that AllReduceSum returns bitwise-identical results on
// every rank for identical inputs, independent of arrival order.
type Communicator interface {
	Context() Context

	// AllReduceSum returns the element-wise sum of vals across all ranks.
	// Every rank must call it with a vector of the same length.
	AllReduceSum(vals []float64) ([]float64, error)

	// Broadcast returns root's vals on every rank. Every rank must call it
	// with the same root and a vector of the same length.
	Broadcast(vals []float64, root int) ([]float64, error)

	Close() error
}

// Single is the degenerate communicator for non-distributed runs: world
// size 1, all collectives are identity operations.
type Single struct{}

// NewSingle returns a communicator for a single-process run.
func NewSingle() *Single { return &Single{} }

func (*Single) Context() Context { return Context{Rank: 0, WorldSize: 1} }

func (*Single) AllReduceSum(vals []float64) ([]float64, error) { return vals, nil }

func (*Single) Broadcast(vals []float64, root int) ([]float64, error) {
	if root != 0 {
		return nil, fmt.Errorf("invalid broadcast root %d for world size 1", root)
	}
	return vals, nil
}

func (*Single) Close() error { return nil }
