package training

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/go-trainer/distributed"
	"github.com/tsawler/go-trainer/tensor"
)

// Dataset is the minimal access contract for sample sources. Get may return
// a nil label tensor for unlabeled data.
type Dataset interface {
	Len() int
	Get(idx int) (data *tensor.Tensor, label *tensor.Tensor, err error)
}

// Batch is a stacked group of samples. Size is the number of samples in the
// batch and becomes the metric weight downstream; the final batch of an
// epoch may be smaller than the configured batch size.
type Batch struct {
	Data   *tensor.Tensor
	Labels *tensor.Tensor
	Size   int
}

// DataLoader provides batching, deterministic shuffling and rank-sharded
// partitioning over a Dataset. Under a multi-rank context every rank
// shuffles the full index space with the same seed and keeps its own
// stride, so the ranks cover the dataset disjointly each epoch.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	seed      int64
	rank      int
	worldSize int

	epoch    int
	indices  []int
	position int
	iterErr  error
	mutex    sync.Mutex
}

// NewDataLoader creates a single-rank loader.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, seed int64) (*DataLoader, error) {
	return NewShardedDataLoader(dataset, batchSize, shuffle, seed, distributed.Context{Rank: 0, WorldSize: 1})
}

// NewShardedDataLoader creates a loader that serves only the shard of the
// dataset belonging to dctx.Rank.
func NewShardedDataLoader(dataset Dataset, batchSize int, shuffle bool, seed int64, dctx distributed.Context) (*DataLoader, error) {
	if dataset == nil {
		return nil, fmt.Errorf("dataset cannot be nil")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if dctx.WorldSize < 1 || dctx.Rank < 0 || dctx.Rank >= dctx.WorldSize {
		return nil, fmt.Errorf("invalid distributed context: rank %d of %d", dctx.Rank, dctx.WorldSize)
	}

	dl := &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		seed:      seed,
		rank:      dctx.Rank,
		worldSize: dctx.WorldSize,
	}
	dl.reshard()
	return dl, nil
}

// reshard rebuilds this rank's index shard for the current epoch.
func (dl *DataLoader) reshard() {
	full := make([]int, dl.dataset.Len())
	for i := range full {
		full[i] = i
	}
	if dl.shuffle {
		rng := rand.New(rand.NewSource(dl.seed + int64(dl.epoch)))
		for i := len(full) - 1; i > 0; i-- {
			j := rng.Intn(i + 1)
			full[i], full[j] = full[j], full[i]
		}
	}

	shard := make([]int, 0, (len(full)+dl.worldSize-1)/dl.worldSize)
	for i := dl.rank; i < len(full); i += dl.worldSize {
		shard = append(shard, full[i])
	}
	dl.indices = shard
	dl.position = 0
}

// Len returns the number of batches this rank serves per epoch.
func (dl *DataLoader) Len() int {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return (len(dl.indices) + dl.batchSize - 1) / dl.batchSize
}

// Reset starts a new epoch, reshuffling when shuffling is enabled.
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	dl.epoch++
	dl.reshard()
}

// Next returns the next batch, or nil when the epoch is exhausted.
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil
	}

	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}
	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	batch, err := dl.loadBatch(batchIndices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	return batch, nil
}

// HasNext reports whether the current epoch has more batches.
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.indices)
}

// loadBatch stacks the samples at the given dataset indices into one batch.
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}

	firstData, firstLabel, err := dl.dataset.Get(indices[0])
	if err != nil {
		return nil, fmt.Errorf("failed to load sample %d: %w", indices[0], err)
	}

	batchData, err := tensor.Zeros(append([]int{len(indices)}, firstData.Shape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create batch data tensor: %w", err)
	}
	var batchLabels *tensor.Tensor
	if firstLabel != nil {
		batchLabels, err = tensor.Zeros(append([]int{len(indices)}, firstLabel.Shape...))
		if err != nil {
			return nil, fmt.Errorf("failed to create batch label tensor: %w", err)
		}
	}

	for i, idx := range indices {
		data, label, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %w", idx, err)
		}
		if err := copyInto(batchData, data, i); err != nil {
			return nil, fmt.Errorf("sample %d data: %w", idx, err)
		}
		if batchLabels != nil {
			if label == nil {
				return nil, fmt.Errorf("sample %d has no label but sample %d did", idx, indices[0])
			}
			if err := copyInto(batchLabels, label, i); err != nil {
				return nil, fmt.Errorf("sample %d label: %w", idx, err)
			}
		}
	}

	return &Batch{
		Data:   batchData,
		Labels: batchLabels,
		Size:   len(indices),
	}, nil
}

// copyInto copies one sample tensor into row batchIndex of the stacked
// batch tensor.
func copyInto(batchTensor, sampleTensor *tensor.Tensor, batchIndex int) error {
	sampleSize := sampleTensor.NumElems()
	if batchTensor.NumElems()%sampleSize != 0 {
		return fmt.Errorf("sample size %d does not divide batch tensor size %d",
			sampleSize, batchTensor.NumElems())
	}
	offset := batchIndex * sampleSize
	if offset+sampleSize > len(batchTensor.Data) {
		return fmt.Errorf("batch index %d out of range", batchIndex)
	}
	copy(batchTensor.Data[offset:offset+sampleSize], sampleTensor.Data)
	return nil
}

// Iterator returns a channel-based iterator over one epoch. A load failure
// ends the iteration early; check Err afterwards.
func (dl *DataLoader) Iterator() <-chan *Batch {
	batchChan := make(chan *Batch, 1)

	go func() {
		defer close(batchChan)
		dl.Reset()
		for {
			batch, err := dl.Next()
			if err != nil {
				dl.mutex.Lock()
				dl.iterErr = err
				dl.mutex.Unlock()
				return
			}
			if batch == nil {
				return
			}
			batchChan <- batch
		}
	}()

	return batchChan
}

// Err returns the error that ended the last Iterator run, if any.
func (dl *DataLoader) Err() error {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.iterErr
}

// Cycle turns a DataLoader into an endless batch stream for step-indexed
// training, resetting the underlying loader at every epoch boundary.
type Cycle struct {
	loader *DataLoader
}

// NewCycle wraps loader into an endless stream.
func NewCycle(loader *DataLoader) (*Cycle, error) {
	if loader == nil {
		return nil, fmt.Errorf("loader cannot be nil")
	}
	if loader.dataset.Len() == 0 {
		return nil, fmt.Errorf("cannot cycle an empty dataset")
	}
	return &Cycle{loader: loader}, nil
}

// Next returns the next batch, starting a new epoch when the current one is
// exhausted.
func (c *Cycle) Next() (*Batch, error) {
	batch, err := c.loader.Next()
	if err != nil {
		return nil, err
	}
	if batch == nil {
		c.loader.Reset()
		batch, err = c.loader.Next()
		if err != nil {
			return nil, err
		}
		if batch == nil {
			return nil, fmt.Errorf("loader produced no batches after reset")
		}
	}
	return batch, nil
}

// SimpleDataset serves pre-built tensor slices, mainly for tests and small
// in-memory datasets.
type SimpleDataset struct {
	data   []*tensor.Tensor
	labels []*tensor.Tensor
}

// NewSimpleDataset pairs data tensors with label tensors. Labels may be nil
// for unlabeled datasets.
func NewSimpleDataset(data, labels []*tensor.Tensor) (*SimpleDataset, error) {
	if labels != nil && len(data) != len(labels) {
		return nil, fmt.Errorf("data and labels must have the same length: got %d and %d", len(data), len(labels))
	}
	return &SimpleDataset{
		data:   data,
		labels: labels,
	}, nil
}

// Len returns the number of samples in the dataset.
func (ds *SimpleDataset) Len() int {
	return len(ds.data)
}

// Get returns the sample at idx.
func (ds *SimpleDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= len(ds.data) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.data))
	}
	if ds.labels == nil {
		return ds.data[idx], nil, nil
	}
	return ds.data[idx], ds.labels[idx], nil
}
