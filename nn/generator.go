package nn

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/fuyongxu0908/pgrcdg/data"
	"github.com/fuyongxu0908/pgrcdg/tensor"
)

// Generator is the reference encoder-decoder: a bag-of-words source
// encoder feeding a bigram decoder over the target vocabulary. It is
// deliberately small; the trainer only sees the EncoderDecoder
// contract, so a real architecture drops in without touching the loop.
type Generator struct {
	baseModel
	srcVocab *data.Vocab
	tgtVocab *data.Vocab

	encProj *tensor.Tensor // [srcV]  source bag projection
	decW    *tensor.Tensor // [tgtV, tgtV]  prev-token transition scores
	genBias *tensor.Tensor // [tgtV]  output bias
}

// NewGenerator builds a generator for the run's vocabularies, with
// small random initial weights.
func NewGenerator(srcVocab, tgtVocab *data.Vocab, rng *rand.Rand) *Generator {
	srcV := srcVocab.Len()
	tgtV := tgtVocab.Len()

	g := &Generator{
		srcVocab: srcVocab,
		tgtVocab: tgtVocab,
		encProj:  tensor.New("encoder.proj", tensor.Shape{srcV}),
		decW:     tensor.New("decoder.trans", tensor.Shape{tgtV, tgtV}),
		genBias:  tensor.New("generator.bias", tensor.Shape{tgtV}),
	}
	for _, t := range []*tensor.Tensor{g.encProj, g.decW, g.genBias} {
		d := t.Data()
		for i := range d {
			d[i] = rng.NormFloat64() * 0.02
		}
	}
	g.baseModel = baseModel{
		name:   "generator",
		params: []*tensor.Tensor{g.encProj, g.decW, g.genBias},
	}
	return g
}

// srcBag returns the normalized bag-of-words vector of the example's
// source sequence.
func (g *Generator) srcBag(ex *data.Example) []float64 {
	bag := make([]float64, g.srcVocab.Len())
	if len(ex.Src) == 0 {
		return bag
	}
	w := 1.0 / float64(len(ex.Src))
	for _, tok := range ex.Src {
		bag[g.srcVocab.Lookup(tok)] += w
	}
	return bag
}

// Forward scores target positions [from, to) for every example in the
// batch under teacher forcing. st carries the last consumed target
// token across truncation windows; it is nil at sequence start.
func (g *Generator) Forward(b *data.Batch, from, to int, st *DecoderState) (*Output, *DecoderState, error) {
	if from < 0 || to < from {
		return nil, nil, errors.Errorf("generator: bad target span [%d, %d)", from, to)
	}
	tgtV := g.tgtVocab.Len()
	bos := g.tgtVocab.Lookup(data.BosToken)

	next := &DecoderState{Prev: make([]int, len(b.Examples))}
	out := &Output{Batch: b}

	for i := range b.Examples {
		ex := &b.Examples[i]
		bag := g.srcBag(ex)
		// Encoder contribution is constant over the span.
		enc := 0.0
		proj := g.encProj.Data()
		for v, x := range bag {
			enc += proj[v] * x
		}

		prev := bos
		if st != nil {
			prev = st.Prev[i]
		}
		hi := to
		if hi > len(ex.Tgt) {
			hi = len(ex.Tgt)
		}
		for t := from; t < hi; t++ {
			scores := make([]float64, tgtV)
			row := g.decW.Data()[prev*tgtV : (prev+1)*tgtV]
			bias := g.genBias.Data()
			for v := 0; v < tgtV; v++ {
				scores[v] = row[v] + bias[v] + enc
			}
			out.Positions = append(out.Positions, Position{Ex: i, Pos: t, Prev: prev, Scores: scores})
			prev = g.tgtVocab.Lookup(ex.Tgt[t])
		}
		next.Prev[i] = prev
	}
	return out, next, nil
}

// Backward accumulates parameter gradients from per-position score
// gradients. positions may be any subslice of a forward output, which
// is how the loss shards the target span.
func (g *Generator) Backward(b *data.Batch, positions []Position, dScores [][]float64) error {
	if len(positions) != len(dScores) {
		return errors.Errorf("generator: %d positions but %d gradient rows", len(positions), len(dScores))
	}
	tgtV := g.tgtVocab.Len()
	gW := g.decW.Grad()
	gBias := g.genBias.Grad()
	gProj := g.encProj.Grad()

	for k, pos := range positions {
		d := dScores[k]
		row := gW[pos.Prev*tgtV : (pos.Prev+1)*tgtV]
		dSum := 0.0
		for v := 0; v < tgtV; v++ {
			row[v] += d[v]
			gBias[v] += d[v]
			dSum += d[v]
		}
		// Encoder gradient: every score shares the same bag projection.
		bag := g.srcBag(&b.Examples[pos.Ex])
		for v, x := range bag {
			if x != 0 {
				gProj[v] += dSum * x
			}
		}
	}
	return nil
}
