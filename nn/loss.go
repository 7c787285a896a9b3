package nn

import (
	"math"

	"github.com/pkg/errors"

	"github.com/fuyongxu0908/pgrcdg/data"
)

// LossResult carries the counts the statistics accumulator needs from
// one loss computation.
type LossResult struct {
	Loss    float64
	Words   int
	Correct int
	Sents   int
}

func (r *LossResult) add(o LossResult) {
	r.Loss += o.Loss
	r.Words += o.Words
	r.Correct += o.Correct
	r.Sents += o.Sents
}

// crossEntropy computes the negative log-likelihood of gold under a
// softmax over scores, with the usual max-shift for stability, and the
// score gradient (softmax - one_hot) when grad is true.
func crossEntropy(scores []float64, gold int, grad bool) (float64, bool, []float64) {
	maxVal := math.Inf(-1)
	argmax := 0
	for v, s := range scores {
		if s > maxVal {
			maxVal = s
			argmax = v
		}
	}
	sumExp := 0.0
	for _, s := range scores {
		sumExp += math.Exp(s - maxVal)
	}
	logSumExp := maxVal + math.Log(sumExp)
	loss := logSumExp - scores[gold]

	var d []float64
	if grad {
		d = make([]float64, len(scores))
		for v, s := range scores {
			d[v] = math.Exp(s - logSumExp)
		}
		d[gold] -= 1.0
	}
	return loss, argmax == gold, d
}

// GeneratorLoss scores encoder-decoder output with token-level cross
// entropy. ShardSize bounds how many target positions are pushed
// through loss and backward at once; it trades peak memory for a
// little overhead and never changes the result.
type GeneratorLoss struct {
	TgtVocab  *data.Vocab
	ShardSize int
}

// Compute evaluates the loss without gradients, for validation.
func (l *GeneratorLoss) Compute(b *data.Batch, out *Output) (LossResult, error) {
	res := LossResult{Sents: b.NumSents()}
	for _, pos := range out.Positions {
		gold := l.TgtVocab.Lookup(b.Examples[pos.Ex].Tgt[pos.Pos])
		loss, correct, _ := crossEntropy(pos.Scores, gold, false)
		res.Loss += loss
		res.Words++
		if correct {
			res.Correct++
		}
	}
	return res, nil
}

// ComputeAndBackward evaluates the loss and accumulates gradients into
// the model, walking the scored positions in ShardSize chunks; the
// chunk losses sum to the unsharded loss exactly.
func (l *GeneratorLoss) ComputeAndBackward(m EncoderDecoder, b *data.Batch, out *Output) (LossResult, error) {
	shard := l.ShardSize
	if shard <= 0 {
		shard = len(out.Positions)
	}
	res := LossResult{Sents: b.NumSents()}
	for lo := 0; lo < len(out.Positions); lo += shard {
		hi := lo + shard
		if hi > len(out.Positions) {
			hi = len(out.Positions)
		}
		chunk := out.Positions[lo:hi]
		dScores := make([][]float64, len(chunk))
		for k := range chunk {
			pos := &chunk[k]
			gold := l.TgtVocab.Lookup(b.Examples[pos.Ex].Tgt[pos.Pos])
			loss, correct, d := crossEntropy(pos.Scores, gold, true)
			res.Loss += loss
			res.Words++
			if correct {
				res.Correct++
			}
			dScores[k] = d
		}
		if err := m.Backward(b, chunk, dScores); err != nil {
			return res, errors.Wrap(err, "generator loss backward")
		}
	}
	return res, nil
}

// ClassifierLoss scores classifier output with cross entropy over the
// instance's class scores. It serves both the discriminator and the
// NLI sub-model.
type ClassifierLoss struct{}

func (ClassifierLoss) Compute(out *ClassOutput) (LossResult, error) {
	res := LossResult{Sents: out.Batch.NumSents()}
	for k, scores := range out.Scores {
		loss, correct, _ := crossEntropy(scores, out.Gold[k], false)
		res.Loss += loss
		res.Words++
		if correct {
			res.Correct++
		}
	}
	return res, nil
}

func (ClassifierLoss) ComputeAndBackward(m Classifier, out *ClassOutput) (LossResult, error) {
	res := LossResult{Sents: out.Batch.NumSents()}
	dScores := make([][]float64, len(out.Scores))
	for k, scores := range out.Scores {
		loss, correct, d := crossEntropy(scores, out.Gold[k], true)
		res.Loss += loss
		res.Words++
		if correct {
			res.Correct++
		}
		dScores[k] = d
	}
	if err := m.Backward(out, dScores); err != nil {
		return res, errors.Wrap(err, "classifier loss backward")
	}
	return res, nil
}
