package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/fuyongxu0908/pgrcdg/data"
)

func testVocabs() (*data.Vocab, *data.Vocab) {
	src := data.NewVocab([]string{"ich", "bin", "ein", "hund"})
	tgt := data.NewVocab([]string{"i", "am", "a", "dog"})
	return src, tgt
}

func testBatch() *data.Batch {
	return &data.Batch{
		Examples: []data.Example{
			{Src: []string{"ich", "bin"}, Tgt: []string{"i", "am"}, Per: []string{"i"}},
			{Src: []string{"ein", "hund"}, Tgt: []string{"a", "dog", "dog"}, Per: []string{"dog"}},
		},
		Device: data.CPU,
	}
}

func TestGeneratorForwardSpansTargets(t *testing.T) {
	src, tgt := testVocabs()
	g := NewGenerator(src, tgt, rand.New(rand.NewSource(1)))
	b := testBatch()

	out, state, err := g.Forward(b, 0, 10, nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	// 2 + 3 target positions across the two examples.
	if len(out.Positions) != 5 {
		t.Fatalf("got %d scored positions, want 5", len(out.Positions))
	}
	for _, pos := range out.Positions {
		if len(pos.Scores) != tgt.Len() {
			t.Fatalf("position scores span %d, want vocab size %d", len(pos.Scores), tgt.Len())
		}
	}
	if state.Prev[1] != tgt.Lookup("dog") {
		t.Error("decoder state must carry the last consumed target token")
	}
}

func TestGeneratorTruncationCarriesState(t *testing.T) {
	src, tgt := testVocabs()
	g := NewGenerator(src, tgt, rand.New(rand.NewSource(1)))
	b := testBatch()

	full, _, err := g.Forward(b, 0, 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	head, st, err := g.Forward(b, 0, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	tail, _, err := g.Forward(b, 2, 3, st)
	if err != nil {
		t.Fatal(err)
	}
	if len(head.Positions)+len(tail.Positions) != len(full.Positions) {
		t.Fatalf("windowed forward scored %d+%d positions, full scored %d",
			len(head.Positions), len(tail.Positions), len(full.Positions))
	}
	// The scores at the window boundary must match the full pass,
	// because state carries the conditioning token across it.
	last := tail.Positions[0]
	var want Position
	for _, pos := range full.Positions {
		if pos.Ex == last.Ex && pos.Pos == last.Pos {
			want = pos
		}
	}
	for v := range last.Scores {
		if math.Abs(last.Scores[v]-want.Scores[v]) > 1e-12 {
			t.Fatalf("boundary scores diverge at %d: %g vs %g", v, last.Scores[v], want.Scores[v])
		}
	}
}

func TestShardedLossMatchesUnsharded(t *testing.T) {
	src, tgt := testVocabs()
	b := testBatch()

	run := func(shardSize int) (float64, map[string][]float64) {
		g := NewGenerator(src, tgt, rand.New(rand.NewSource(7)))
		loss := &GeneratorLoss{TgtVocab: tgt, ShardSize: shardSize}
		out, _, err := g.Forward(b, 0, 10, nil)
		if err != nil {
			t.Fatal(err)
		}
		res, err := loss.ComputeAndBackward(g, b, out)
		if err != nil {
			t.Fatal(err)
		}
		grads := make(map[string][]float64)
		for _, p := range g.Parameters() {
			grads[p.Name()] = append([]float64(nil), p.Grad()...)
		}
		return res.Loss, grads
	}

	fullLoss, fullGrads := run(0)
	shardLoss, shardGrads := run(2)
	if math.Abs(fullLoss-shardLoss) > 1e-9 {
		t.Errorf("sharded loss %g differs from unsharded %g", shardLoss, fullLoss)
	}
	for name, g1 := range fullGrads {
		g2 := shardGrads[name]
		for i := range g1 {
			if math.Abs(g1[i]-g2[i]) > 1e-9 {
				t.Fatalf("gradient %s[%d] differs: %g vs %g", name, i, g1[i], g2[i])
			}
		}
	}
}

func TestLossCountsCorrectPredictions(t *testing.T) {
	src, tgt := testVocabs()
	g := NewGenerator(src, tgt, rand.New(rand.NewSource(1)))
	b := testBatch()
	loss := &GeneratorLoss{TgtVocab: tgt}

	out, _, err := g.Forward(b, 0, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := loss.Compute(b, out)
	if err != nil {
		t.Fatal(err)
	}
	if res.Words != 5 {
		t.Errorf("Words = %d, want 5", res.Words)
	}
	if res.Sents != 2 {
		t.Errorf("Sents = %d, want 2", res.Sents)
	}
	if res.Loss <= 0 {
		t.Errorf("cross entropy must be positive at initialization, got %g", res.Loss)
	}
}

func TestDiscriminatorScoresRealAndShifted(t *testing.T) {
	src, tgt := testVocabs()
	d := NewDiscriminator(src, tgt, rand.New(rand.NewSource(1)))
	b := testBatch()

	out, err := d.Forward(b)
	if err != nil {
		t.Fatal(err)
	}
	// 2 aligned + 2 shifted instances.
	if len(out.Scores) != 4 {
		t.Fatalf("got %d instances, want 4", len(out.Scores))
	}
	for i, gold := range out.Gold {
		want := classReal
		if i >= 2 {
			want = classFake
		}
		if gold != want {
			t.Errorf("instance %d gold = %d, want %d", i, gold, want)
		}
	}

	var cl ClassifierLoss
	res, err := cl.ComputeAndBackward(d, out)
	if err != nil {
		t.Fatal(err)
	}
	if res.Words != 4 {
		t.Errorf("Words = %d, want 4", res.Words)
	}
	if d.Parameters()[0].GradNorm() == 0 {
		t.Error("backward must accumulate discriminator gradients")
	}
}

func TestNLIUsesTargetVocabAsLabels(t *testing.T) {
	src, tgt := testVocabs()
	m := NewNLIClassifier(src, tgt, tgt, rand.New(rand.NewSource(1)))
	b := testBatch()

	out, err := m.Forward(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Scores) != 2 {
		t.Fatalf("got %d instances, want 2", len(out.Scores))
	}
	if len(out.Scores[0]) != tgt.Len() {
		t.Errorf("class count %d, want tgt vocab size %d", len(out.Scores[0]), tgt.Len())
	}
	if out.Gold[1] != tgt.Lookup("dog") {
		t.Errorf("gold label must be the first per token's tgt id, got %d", out.Gold[1])
	}
}

func TestStateDictRoundTrip(t *testing.T) {
	src, tgt := testVocabs()
	g := NewGenerator(src, tgt, rand.New(rand.NewSource(3)))
	state := g.StateDict()

	h := NewGenerator(src, tgt, rand.New(rand.NewSource(99)))
	if err := h.LoadStateDict(state); err != nil {
		t.Fatalf("LoadStateDict: %v", err)
	}
	for i, p := range g.Parameters() {
		q := h.Parameters()[i]
		for j := range p.Data() {
			if p.Data()[j] != q.Data()[j] {
				t.Fatalf("parameter %s[%d] not restored", p.Name(), j)
			}
		}
	}

	delete(state, "decoder.trans")
	if err := h.LoadStateDict(state); err == nil {
		t.Error("a missing parameter must be an error, never skipped")
	}
}

func TestTallyParametersGroupsByPrefix(t *testing.T) {
	src, tgt := testVocabs()
	g := NewGenerator(src, tgt, rand.New(rand.NewSource(1)))
	total, byModule := TallyParameters(g)

	sum := 0
	for _, n := range byModule {
		sum += n
	}
	if sum != total {
		t.Errorf("per-module counts sum to %d, total is %d", sum, total)
	}
	srcV, tgtV := src.Len(), tgt.Len()
	if byModule["encoder"] != srcV {
		t.Errorf("encoder tally = %d, want %d", byModule["encoder"], srcV)
	}
	if byModule["decoder"] != tgtV*tgtV {
		t.Errorf("decoder tally = %d, want %d", byModule["decoder"], tgtV*tgtV)
	}
	if byModule["generator"] != tgtV {
		t.Errorf("generator tally = %d, want %d", byModule["generator"], tgtV)
	}
}
