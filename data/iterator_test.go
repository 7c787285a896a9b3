package data

import (
	"fmt"
	"io"
	"path/filepath"
	"testing"
)

func testFields() FieldSet {
	fields, err := FieldsFromItoS(map[string][]string{
		"src": NewVocab(tok(20)).ItoS,
		"tgt": NewVocab(tok(20)).ItoS,
	}, "text")
	if err != nil {
		panic(err)
	}
	return fields
}

func exampleWithLens(srcLen, tgtLen int) Example {
	return Example{Src: tok(srcLen), Tgt: tok(tgtLen), Per: []string{"w0"}}
}

func TestOrderedIteratorFixedPolicy(t *testing.T) {
	shard := makeShard(10, 3, 4)
	it, err := NewOrderedIterator(shard, 4, nil, CPU)
	if err != nil {
		t.Fatalf("NewOrderedIterator: %v", err)
	}
	if it.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", it.Len())
	}
	var sizes []int
	for {
		b, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		sizes = append(sizes, b.NumSents())
	}
	want := []int{4, 4, 2}
	if len(sizes) != len(want) {
		t.Fatalf("got %d batches, want %d", len(sizes), len(want))
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Errorf("batch %d has %d examples, want %d", i, sizes[i], want[i])
		}
	}
}

func TestOrderedIteratorTokenBudget(t *testing.T) {
	shard := &Shard{DataType: "text"}
	lens := []int{3, 4, 2, 9, 30, 2, 3}
	for _, n := range lens {
		shard.Examples = append(shard.Examples, exampleWithLens(2, n))
	}
	budget := 12
	it, err := NewOrderedIterator(shard, budget, TokensBatchFn, CPU)
	if err != nil {
		t.Fatalf("NewOrderedIterator: %v", err)
	}
	seen := 0
	for {
		b, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		cost := 0
		for i := range b.Examples {
			cost += b.Examples[i].MaxLen() + 1
		}
		if cost > budget && b.NumSents() > 1 {
			t.Errorf("batch cost %d exceeds budget %d with %d examples", cost, budget, b.NumSents())
		}
		seen += b.NumSents()
	}
	if seen != len(lens) {
		t.Errorf("iterated %d examples, want %d", seen, len(lens))
	}
}

func TestOrderedIteratorOversizedExampleAlone(t *testing.T) {
	shard := &Shard{DataType: "text"}
	shard.Examples = append(shard.Examples,
		exampleWithLens(2, 3), exampleWithLens(2, 50), exampleWithLens(2, 3))
	it, err := NewOrderedIterator(shard, 10, TokensBatchFn, CPU)
	if err != nil {
		t.Fatalf("NewOrderedIterator: %v", err)
	}
	var batches []*Batch
	for {
		b, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		batches = append(batches, b)
	}
	if len(batches) != 3 {
		t.Fatalf("got %d batches, want 3", len(batches))
	}
	if batches[1].NumSents() != 1 || len(batches[1].Examples[0].Tgt) != 50 {
		t.Error("an oversized example must form its own batch in stream position")
	}
}

func TestOrderedIteratorSortsWithinBatchOnly(t *testing.T) {
	shard := &Shard{DataType: "text"}
	tgtLens := []int{2, 5, 3, 9, 1, 7}
	for _, n := range tgtLens {
		shard.Examples = append(shard.Examples, exampleWithLens(1, n))
	}
	it, err := NewOrderedIterator(shard, 3, nil, CPU)
	if err != nil {
		t.Fatalf("NewOrderedIterator: %v", err)
	}
	b1, _ := it.Next()
	b2, _ := it.Next()
	// First batch holds the first three shard examples sorted by
	// descending length; the stream never reorders across batches.
	wantFirst := []int{5, 3, 2}
	for i, want := range wantFirst {
		if got := len(b1.Examples[i].Tgt); got != want {
			t.Errorf("batch 1 position %d has target length %d, want %d", i, got, want)
		}
	}
	wantSecond := []int{9, 7, 1}
	for i, want := range wantSecond {
		if got := len(b2.Examples[i].Tgt); got != want {
			t.Errorf("batch 2 position %d has target length %d, want %d", i, got, want)
		}
	}
}

func TestMultiShardIteratorDrainsShardsInOrder(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "corpus")
	for i := 0; i < 2; i++ {
		shard := &Shard{DataType: "text"}
		for j := 0; j < 10; j++ {
			// Source length encodes the shard index for tracking.
			shard.Examples = append(shard.Examples, exampleWithLens(i+1, 4))
		}
		if err := SaveShard(shard, fmt.Sprintf("%s.train.%d.pt", prefix, i)); err != nil {
			t.Fatalf("SaveShard: %v", err)
		}
	}
	seq, err := NewShardSequence(prefix, "train")
	if err != nil {
		t.Fatalf("NewShardSequence: %v", err)
	}
	fields := testFields()
	it, err := NewMultiShardIterator(seq, fields, 4, nil, CPU)
	if err != nil {
		t.Fatalf("NewMultiShardIterator: %v", err)
	}
	if it.Len() != 3 {
		t.Errorf("Len() = %d, want 3 (active shard only)", it.Len())
	}

	var shardOf []int
	var sizes []int
	for {
		b, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		sizes = append(sizes, b.NumSents())
		srcLen := len(b.Examples[0].Src)
		for i := range b.Examples {
			if len(b.Examples[i].Src) != srcLen {
				t.Fatal("a batch must never span two shards")
			}
		}
		shardOf = append(shardOf, srcLen-1)
		if b.Fields == nil {
			t.Fatal("batches must carry the bound field set")
		}
	}
	if len(sizes) != 6 {
		t.Fatalf("got %d batches, want 6", len(sizes))
	}
	wantSizes := []int{4, 4, 2, 4, 4, 2}
	wantShard := []int{0, 0, 0, 1, 1, 1}
	for i := range sizes {
		if sizes[i] != wantSizes[i] {
			t.Errorf("batch %d size %d, want %d", i, sizes[i], wantSizes[i])
		}
		if shardOf[i] != wantShard[i] {
			t.Errorf("batch %d came from shard %d, want %d", i, shardOf[i], wantShard[i])
		}
	}
	if !it.Exhausted() {
		t.Error("iterator must reach the terminal state after the last shard")
	}
	if _, err := it.Next(); err != io.EOF {
		t.Errorf("Next after exhaustion must keep returning io.EOF, got %v", err)
	}
}

func TestMultiShardIteratorBindsFields(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "corpus")
	writeShards(t, prefix, "train", []int{3})
	seq, err := NewShardSequence(prefix, "train")
	if err != nil {
		t.Fatalf("NewShardSequence: %v", err)
	}
	fields := testFields()
	it, err := NewMultiShardIterator(seq, fields, 2, nil, CPU)
	if err != nil {
		t.Fatalf("NewMultiShardIterator: %v", err)
	}
	if it.CurShard == nil || it.CurIter == nil {
		t.Fatal("the two-level cursor must be populated while active")
	}
	if got := it.CurShard.Fields(); len(got) != len(fields) {
		t.Errorf("shard carries %d fields, want %d", len(got), len(fields))
	}
}

func TestMultiShardIteratorMissingData(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "corpus")
	seq, err := NewShardSequence(prefix, "train")
	if err != nil {
		t.Fatalf("NewShardSequence: %v", err)
	}
	if _, err := NewMultiShardIterator(seq, testFields(), 4, nil, CPU); err == nil {
		t.Error("expected a missing-data error for an empty corpus role")
	}
}
