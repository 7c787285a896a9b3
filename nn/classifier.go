package nn

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/fuyongxu0908/pgrcdg/data"
	"github.com/fuyongxu0908/pgrcdg/tensor"
)

// Discriminator is the reference adversarial critic: a two-class
// bag-of-words scorer over (src, tgt) pairs. Each batch contributes
// its aligned pairs as real instances and batch-shifted pairs as fake
// ones, so the adversarial optimizer path is exercised end to end.
type Discriminator struct {
	baseModel
	srcVocab *data.Vocab
	tgtVocab *data.Vocab

	w *tensor.Tensor // [2, srcV+tgtV]
}

const (
	classFake = 0
	classReal = 1
)

func NewDiscriminator(srcVocab, tgtVocab *data.Vocab, rng *rand.Rand) *Discriminator {
	dim := srcVocab.Len() + tgtVocab.Len()
	d := &Discriminator{
		srcVocab: srcVocab,
		tgtVocab: tgtVocab,
		w:        tensor.New("discrim.W", tensor.Shape{2, dim}),
	}
	vals := d.w.Data()
	for i := range vals {
		vals[i] = rng.NormFloat64() * 0.02
	}
	d.baseModel = baseModel{name: "discriminator", params: []*tensor.Tensor{d.w}}
	return d
}

// pairBag concatenates normalized src and tgt bags into one feature
// vector of length srcV+tgtV.
func (d *Discriminator) pairBag(src, tgt []string) []float64 {
	srcV := d.srcVocab.Len()
	bag := make([]float64, srcV+d.tgtVocab.Len())
	if len(src) > 0 {
		w := 1.0 / float64(len(src))
		for _, tok := range src {
			bag[d.srcVocab.Lookup(tok)] += w
		}
	}
	if len(tgt) > 0 {
		w := 1.0 / float64(len(tgt))
		for _, tok := range tgt {
			bag[srcV+d.tgtVocab.Lookup(tok)] += w
		}
	}
	return bag
}

// Forward scores every aligned pair as real and every shifted pair
// (src_i with tgt_{i+1}) as fake. Single-example batches only yield
// the real instance.
func (d *Discriminator) Forward(b *data.Batch) (*ClassOutput, error) {
	out := &ClassOutput{Batch: b}
	n := len(b.Examples)
	score := func(bag []float64) []float64 {
		dim := len(bag)
		w := d.w.Data()
		s := make([]float64, 2)
		for c := 0; c < 2; c++ {
			row := w[c*dim : (c+1)*dim]
			for v, x := range bag {
				if x != 0 {
					s[c] += row[v] * x
				}
			}
		}
		return s
	}
	for i := 0; i < n; i++ {
		out.Scores = append(out.Scores, score(d.pairBag(b.Examples[i].Src, b.Examples[i].Tgt)))
		out.Gold = append(out.Gold, classReal)
	}
	for i := 0; n > 1 && i < n; i++ {
		j := (i + 1) % n
		out.Scores = append(out.Scores, score(d.pairBag(b.Examples[i].Src, b.Examples[j].Tgt)))
		out.Gold = append(out.Gold, classFake)
	}
	return out, nil
}

func (d *Discriminator) Backward(out *ClassOutput, dScores [][]float64) error {
	if len(dScores) != len(out.Scores) {
		return errors.Errorf("discriminator: %d instances but %d gradient rows", len(out.Scores), len(dScores))
	}
	n := len(out.Batch.Examples)
	dim := d.srcVocab.Len() + d.tgtVocab.Len()
	grad := d.w.Grad()
	for k, dRow := range dScores {
		var src, tgt []string
		if k < n {
			src = out.Batch.Examples[k].Src
			tgt = out.Batch.Examples[k].Tgt
		} else {
			i := k - n
			src = out.Batch.Examples[i].Src
			tgt = out.Batch.Examples[(i+1)%n].Tgt
		}
		bag := d.pairBag(src, tgt)
		for c := 0; c < 2; c++ {
			row := grad[c*dim : (c+1)*dim]
			for v, x := range bag {
				if x != 0 {
					row[v] += dRow[c] * x
				}
			}
		}
	}
	return nil
}

// NLIClassifier is the reference natural-language-inference sub-model:
// it predicts the first token of the per field over the target
// vocabulary from the pair's bag features. The per field shares the
// target vocabulary, which this model depends on.
type NLIClassifier struct {
	baseModel
	srcVocab *data.Vocab
	tgtVocab *data.Vocab
	perVocab *data.Vocab

	w *tensor.Tensor // [tgtV, srcV+tgtV]
}

func NewNLIClassifier(srcVocab, tgtVocab, perVocab *data.Vocab, rng *rand.Rand) *NLIClassifier {
	dim := srcVocab.Len() + tgtVocab.Len()
	m := &NLIClassifier{
		srcVocab: srcVocab,
		tgtVocab: tgtVocab,
		perVocab: perVocab,
		w:        tensor.New("nli.W", tensor.Shape{tgtVocab.Len(), dim}),
	}
	vals := m.w.Data()
	for i := range vals {
		vals[i] = rng.NormFloat64() * 0.02
	}
	m.baseModel = baseModel{name: "nli", params: []*tensor.Tensor{m.w}}
	return m
}

func (m *NLIClassifier) bag(ex *data.Example) []float64 {
	srcV := m.srcVocab.Len()
	bag := make([]float64, srcV+m.tgtVocab.Len())
	if len(ex.Src) > 0 {
		w := 1.0 / float64(len(ex.Src))
		for _, tok := range ex.Src {
			bag[m.srcVocab.Lookup(tok)] += w
		}
	}
	if len(ex.Tgt) > 0 {
		w := 1.0 / float64(len(ex.Tgt))
		for _, tok := range ex.Tgt {
			bag[srcV+m.tgtVocab.Lookup(tok)] += w
		}
	}
	return bag
}

func (m *NLIClassifier) Forward(b *data.Batch) (*ClassOutput, error) {
	out := &ClassOutput{Batch: b}
	classes := m.tgtVocab.Len()
	w := m.w.Data()
	for i := range b.Examples {
		ex := &b.Examples[i]
		bag := m.bag(ex)
		dim := len(bag)
		scores := make([]float64, classes)
		for c := 0; c < classes; c++ {
			row := w[c*dim : (c+1)*dim]
			for v, x := range bag {
				if x != 0 {
					scores[c] += row[v] * x
				}
			}
		}
		gold := m.perVocab.PadID()
		if len(ex.Per) > 0 {
			gold = m.perVocab.Lookup(ex.Per[0])
		}
		out.Scores = append(out.Scores, scores)
		out.Gold = append(out.Gold, gold)
	}
	return out, nil
}

func (m *NLIClassifier) Backward(out *ClassOutput, dScores [][]float64) error {
	if len(dScores) != len(out.Scores) {
		return errors.Errorf("nli: %d instances but %d gradient rows", len(out.Scores), len(dScores))
	}
	classes := m.tgtVocab.Len()
	grad := m.w.Grad()
	for k, dRow := range dScores {
		bag := m.bag(&out.Batch.Examples[k])
		dim := len(bag)
		for c := 0; c < classes; c++ {
			if dRow[c] == 0 {
				continue
			}
			row := grad[c*dim : (c+1)*dim]
			for v, x := range bag {
				if x != 0 {
					row[v] += dRow[c] * x
				}
			}
		}
	}
	return nil
}
