package data

import (
	"io"
	"sort"

	"github.com/pkg/errors"
)

// Device is the placement used for all tensor work on a batch's
// examples: an accelerator index, or CPU.
type Device int

// CPU is the device used when no accelerator is configured.
const CPU Device = -1

// Batch is an ephemeral group of examples, sorted within the batch by
// descending sequence length. It is consumed exactly once.
type Batch struct {
	Examples []Example
	Fields   FieldSet
	Device   Device
}

// NumSents returns the sentence count of the batch.
func (b *Batch) NumSents() int { return len(b.Examples) }

// NumTgtTokens returns the total non-padding target token count.
func (b *Batch) NumTgtTokens() int {
	n := 0
	for i := range b.Examples {
		n += len(b.Examples[i].Tgt)
	}
	return n
}

// BatchSizeFn accumulates the batch cost: given the next example, the
// example count including it, and the running cost, it returns the new
// running cost.
type BatchSizeFn func(ex *Example, count, sofar int) int

// TokensBatchFn is the dynamic token-budget cost: each example costs
// max(len(tgt), len(src)) + 1.
func TokensBatchFn(ex *Example, count, sofar int) int {
	return sofar + ex.MaxLen() + 1
}

// OrderedIterator yields batches over a single loaded shard. Batch
// boundaries follow shard order; only the examples inside one batch are
// re-sorted (stable, by descending max sequence length) so padding
// stays tight. Batches never span shards and are never shuffled.
type OrderedIterator struct {
	shard   *Shard
	device  Device
	batches [][]int // example indices per batch, in emission order
	pos     int
}

// NewOrderedIterator plans batches over shard. With batchSizeFn nil the
// policy is a fixed maximum example count; otherwise the batch grows
// while the accumulated cost stays within batchSize, except that an
// example whose lone cost exceeds the budget forms its own batch.
func NewOrderedIterator(shard *Shard, batchSize int, batchSizeFn BatchSizeFn, device Device) (*OrderedIterator, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	it := &OrderedIterator{shard: shard, device: device}
	it.plan(batchSize, batchSizeFn)
	return it, nil
}

func (it *OrderedIterator) plan(batchSize int, fn BatchSizeFn) {
	var cur []int
	sofar := 0
	flush := func() {
		if len(cur) == 0 {
			return
		}
		it.sortWithinBatch(cur)
		it.batches = append(it.batches, cur)
		cur = nil
		sofar = 0
	}
	for i := range it.shard.Examples {
		ex := &it.shard.Examples[i]
		if fn == nil {
			cur = append(cur, i)
			if len(cur) == batchSize {
				flush()
			}
			continue
		}
		next := fn(ex, len(cur)+1, sofar)
		if len(cur) > 0 && next > batchSize {
			flush()
			next = fn(ex, 1, 0)
		}
		cur = append(cur, i)
		sofar = next
		if sofar > batchSize {
			// A single oversized example exceeds the budget alone.
			flush()
		}
	}
	flush()
}

// sortWithinBatch orders indices by descending max sequence length,
// keeping shard order as the tie-break.
func (it *OrderedIterator) sortWithinBatch(idx []int) {
	sort.SliceStable(idx, func(a, b int) bool {
		return it.shard.Examples[idx[a]].MaxLen() > it.shard.Examples[idx[b]].MaxLen()
	})
}

// Len returns the number of batches this shard yields.
func (it *OrderedIterator) Len() int { return len(it.batches) }

// Next returns the next batch, or io.EOF when the shard is exhausted.
func (it *OrderedIterator) Next() (*Batch, error) {
	if it.pos >= len(it.batches) {
		return nil, io.EOF
	}
	idx := it.batches[it.pos]
	it.pos++
	exs := make([]Example, len(idx))
	for i, j := range idx {
		exs[i] = it.shard.Examples[j]
	}
	return &Batch{Examples: exs, Fields: it.shard.Fields(), Device: it.device}, nil
}

// iterState is the multi-shard iterator's state.
type iterState int

const (
	iterActive    iterState = iota // a batch iterator over the current shard is live
	iterExhausted                  // terminal: no shards remain
)

// MultiShardIterator chains ordered batch iteration across every shard
// of a corpus role, presenting one continuous batch stream. The outer
// shard cursor and inner batch iterator are plain fields so tests can
// observe the two-level state machine directly.
type MultiShardIterator struct {
	seq         *ShardSequence
	fields      FieldSet
	batchSize   int
	batchSizeFn BatchSizeFn
	device      Device

	CurShard *Shard
	CurIter  *OrderedIterator
	state    iterState
}

// NewMultiShardIterator binds fields onto shards as they load and
// yields their batches in shard order. The first shard is loaded
// immediately; a role with no shard files fails here with
// ErrMissingData.
func NewMultiShardIterator(seq *ShardSequence, fields FieldSet, batchSize int, batchSizeFn BatchSizeFn, device Device) (*MultiShardIterator, error) {
	it := &MultiShardIterator{
		seq:         seq,
		fields:      fields,
		batchSize:   batchSize,
		batchSizeFn: batchSizeFn,
		device:      device,
	}
	if err := it.advance(); err != nil {
		if err == io.EOF {
			return nil, errors.WithStack(ErrMissingData)
		}
		return nil, err
	}
	return it, nil
}

// advance loads the next shard and rebuilds the inner iterator, or
// moves to the terminal state when no shard remains.
func (it *MultiShardIterator) advance() error {
	shard, err := it.seq.Next()
	if err == io.EOF {
		it.state = iterExhausted
		it.CurShard = nil
		it.CurIter = nil
		return io.EOF
	}
	if err != nil {
		return err
	}
	// Shards are saved without field state; restore the shared set.
	shard.BindFields(it.fields)
	inner, err := NewOrderedIterator(shard, it.batchSize, it.batchSizeFn, it.device)
	if err != nil {
		return err
	}
	it.CurShard = shard
	it.CurIter = inner
	it.state = iterActive
	return nil
}

// Next returns the next batch of the stream, loading the following
// shard transparently once the current one is exhausted. io.EOF marks
// the end of the whole stream.
func (it *MultiShardIterator) Next() (*Batch, error) {
	for it.state == iterActive {
		b, err := it.CurIter.Next()
		if err == nil {
			return b, nil
		}
		if err != io.EOF {
			return nil, err
		}
		if err := it.advance(); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
	}
	return nil, io.EOF
}

// Len reports the batch count of the currently active shard only.
// Computing the true stream length would force every shard into
// memory, which defeats lazy loading.
func (it *MultiShardIterator) Len() int {
	if it.CurIter == nil {
		return 0
	}
	return it.CurIter.Len()
}

// Exhausted reports whether the iterator reached its terminal state.
func (it *MultiShardIterator) Exhausted() bool { return it.state == iterExhausted }
