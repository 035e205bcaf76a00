package training

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// BatchSource produces batches. DataLoader and Cycle both satisfy it.
type BatchSource interface {
	Next() (*Batch, error)
}

// Prefetcher pulls batches from a source on a background goroutine so the
// next batch is ready while the current one trains. A single worker
// preserves batch order.
type Prefetcher struct {
	source BatchSource
	depth  int

	batchChannel chan *Batch
	errorChannel chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	produced  atomic.Uint64
	isRunning bool
	mutex     sync.Mutex // guards isRunning; Stop holds it across wg.Wait
}

// NewPrefetcher creates a prefetcher holding up to depth ready batches.
func NewPrefetcher(source BatchSource, depth int) (*Prefetcher, error) {
	if source == nil {
		return nil, fmt.Errorf("batch source cannot be nil")
	}
	if depth <= 0 {
		depth = 3
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Prefetcher{
		source:       source,
		depth:        depth,
		batchChannel: make(chan *Batch, depth),
		errorChannel: make(chan error, 1),
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Start begins background prefetching.
func (p *Prefetcher) Start() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.isRunning {
		return fmt.Errorf("prefetcher is already running")
	}
	p.wg.Add(1)
	go p.worker()
	p.isRunning = true
	return nil
}

// Stop cancels prefetching and waits for the worker to exit.
func (p *Prefetcher) Stop() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.isRunning {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.isRunning = false
}

// Next returns the next ready batch, blocking until one is available. A nil
// batch without an error means the source is exhausted.
func (p *Prefetcher) Next() (*Batch, error) {
	select {
	case batch, ok := <-p.batchChannel:
		if !ok {
			return nil, nil
		}
		return batch, nil
	case err := <-p.errorChannel:
		return nil, fmt.Errorf("prefetcher: %w", err)
	case <-p.ctx.Done():
		return nil, fmt.Errorf("prefetcher has been stopped")
	}
}

// worker fills the batch channel until the source ends or the prefetcher is
// stopped.
func (p *Prefetcher) worker() {
	defer p.wg.Done()
	defer close(p.batchChannel)

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		batch, err := p.source.Next()
		if err != nil {
			select {
			case p.errorChannel <- err:
			case <-p.ctx.Done():
			}
			return
		}
		if batch == nil {
			return
		}

		select {
		case p.batchChannel <- batch:
			p.produced.Add(1)
		case <-p.ctx.Done():
			return
		}
	}
}

// PrefetcherStats reports prefetcher activity.
type PrefetcherStats struct {
	IsRunning       bool
	BatchesProduced uint64
	QueuedBatches   int
	QueueCapacity   int
}

// Stats returns a snapshot of the prefetcher's state.
func (p *Prefetcher) Stats() PrefetcherStats {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return PrefetcherStats{
		IsRunning:       p.isRunning,
		BatchesProduced: p.produced.Load(),
		QueuedBatches:   len(p.batchChannel),
		QueueCapacity:   cap(p.batchChannel),
	}
}
