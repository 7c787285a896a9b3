package train

import (
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/fuyongxu0908/pgrcdg/data"
	"github.com/fuyongxu0908/pgrcdg/nn"
	"github.com/fuyongxu0908/pgrcdg/optim"
)

// Normalization units for accumulated gradients.
const (
	NormSents  = "sents"
	NormTokens = "tokens"
)

// SubModelOrder is the fixed order in which the three sub-models are
// optimized every accumulation window. Tests may assert on it.
var SubModelOrder = []string{"generator", "discriminator", "nli"}

// Trainer drives one epoch at a time over a shared batch stream,
// coordinating the generator, discriminator and NLI sub-models with
// gradient accumulation, loss sharding and truncated BPTT. Everything
// runs single-threaded; batches are consumed exactly once.
type Trainer struct {
	Generator     nn.EncoderDecoder
	Discriminator nn.Classifier
	NLI           nn.Classifier

	GenOptim     *optim.Optim
	DiscrimOptim *optim.Optim
	NLIOptim     *optim.Optim

	TrainLoss *nn.GeneratorLoss
	ValidLoss *nn.GeneratorLoss
	ClsLoss   nn.ClassifierLoss

	TruncSize     int    // 0 disables truncated BPTT
	ShardSize     int    // passed through to the loss compute
	Normalization string // NormSents or NormTokens
	AccumCount    int
	ReportEvery   int

	// StepOrder records the sub-model names in optimizer-step order
	// for the most recent Train call.
	StepOrder []string

	// DiscrimStats and NLIStats accumulate the classifier sub-models'
	// epoch totals alongside the generator statistics Train returns.
	DiscrimStats *Statistics
	NLIStats     *Statistics
}

// NewTrainer wires the three sub-model/optimizer pairs into one loop.
func NewTrainer(gen nn.EncoderDecoder, disc, nli nn.Classifier,
	trainLoss, validLoss *nn.GeneratorLoss,
	genOptim, discOptim, nliOptim *optim.Optim,
	truncSize, shardSize int, normalization string, accumCount, reportEvery int) *Trainer {
	if accumCount < 1 {
		accumCount = 1
	}
	return &Trainer{
		Generator:     gen,
		Discriminator: disc,
		NLI:           nli,
		GenOptim:      genOptim,
		DiscrimOptim:  discOptim,
		NLIOptim:      nliOptim,
		TrainLoss:     trainLoss,
		ValidLoss:     validLoss,
		TruncSize:     truncSize,
		ShardSize:     shardSize,
		Normalization: normalization,
		AccumCount:    accumCount,
		ReportEvery:   reportEvery,
	}
}

// Train runs one epoch over the batch stream. Batches fill an
// accumulation window of AccumCount; each batch's statistics merge into
// the reporting totals as they are computed, and the window's gradients
// are normalized, clipped and stepped once per sub-model, generator
// first. report is the caller's progress callback and may swap in a
// fresh Statistics when it flushes.
func (t *Trainer) Train(iter *data.MultiShardIterator, epoch int, report ReportFunc) (*Statistics, error) {
	totalStats := NewStatistics()
	reportStats := NewStatistics()
	t.StepOrder = t.StepOrder[:0]
	t.DiscrimStats = NewStatistics()
	t.NLIStats = NewStatistics()
	start := time.Now()

	inWindow := 0
	normalization := 0
	idx := 0
	lastFlushed := false
	for {
		b, err := iter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return totalStats, err
		}
		if inWindow == 0 {
			t.Generator.ZeroGrad()
			t.Discriminator.ZeroGrad()
			t.NLI.ZeroGrad()
		}
		stats, err := t.trainBatch(b)
		if err != nil {
			return totalStats, err
		}
		totalStats.Update(stats)
		reportStats.Update(stats)
		switch t.Normalization {
		case NormTokens:
			normalization += b.NumTgtTokens()
		default:
			normalization += b.NumSents()
		}
		inWindow++
		if inWindow == t.AccumCount {
			t.stepWindow(normalization)
			inWindow, normalization = 0, 0
		}
		if report != nil {
			flag := idx == 0 || ShouldReport(idx, t.ReportEvery)
			reportStats = report(epoch, idx, iter.Len(), start, t.GenOptim.Rate(), reportStats, flag)
			lastFlushed = flag
		}
		idx++
	}
	// The stream may end mid-window; the remainder still steps once.
	if inWindow > 0 {
		t.stepWindow(normalization)
	}
	if report != nil && idx > 0 && !lastFlushed {
		report(epoch, idx-1, iter.Len(), start, t.GenOptim.Rate(), reportStats, true)
	}
	return totalStats, nil
}

// trainBatch runs forward, loss and backward for all three sub-models
// on one batch, accumulating gradients into the open window.
func (t *Trainer) trainBatch(b *data.Batch) (*Statistics, error) {
	stats, err := t.trainGenerator(b)
	if err != nil {
		return stats, err
	}

	discOut, err := t.Discriminator.Forward(b)
	if err != nil {
		return stats, errors.Wrap(err, "discriminator forward")
	}
	discRes, err := t.ClsLoss.ComputeAndBackward(t.Discriminator, discOut)
	if err != nil {
		return stats, err
	}
	t.DiscrimStats.Update(FromLossResult(discRes))

	nliOut, err := t.NLI.Forward(b)
	if err != nil {
		return stats, errors.Wrap(err, "nli forward")
	}
	nliRes, err := t.ClsLoss.ComputeAndBackward(t.NLI, nliOut)
	if err != nil {
		return stats, err
	}
	t.NLIStats.Update(FromLossResult(nliRes))
	return stats, nil
}

// stepWindow closes one accumulation window: normalize the accumulated
// gradients, then one clipped step per sub-model in SubModelOrder.
func (t *Trainer) stepWindow(normalization int) {
	if normalization == 0 {
		normalization = 1
	}
	scale := 1.0 / float64(normalization)
	t.scaleAndStep(t.Generator, t.GenOptim, scale, "generator")
	t.scaleAndStep(t.Discriminator, t.DiscrimOptim, scale, "discriminator")
	t.scaleAndStep(t.NLI, t.NLIOptim, scale, "nli")
}

func (t *Trainer) scaleAndStep(m nn.Model, o *optim.Optim, scale float64, name string) {
	for _, p := range m.Parameters() {
		p.ScaleGrad(scale)
	}
	o.Step()
	t.StepOrder = append(t.StepOrder, name)
}

// trainGenerator runs the generator's forward, sharded loss and
// backward over the batch. With TruncSize > 0 the target sequence is
// split into consecutive windows; decoder state carries across the
// boundary, gradients do not.
func (t *Trainer) trainGenerator(b *data.Batch) (*Statistics, error) {
	maxLen := 0
	for i := range b.Examples {
		if n := len(b.Examples[i].Tgt); n > maxLen {
			maxLen = n
		}
	}
	trunc := t.TruncSize
	if trunc <= 0 {
		trunc = maxLen
	}

	stats := NewStatistics()
	var state *nn.DecoderState
	for j := 0; j < maxLen; j += trunc {
		out, next, err := t.Generator.Forward(b, j, j+trunc, state)
		if err != nil {
			return stats, errors.Wrap(err, "generator forward")
		}
		res, err := t.TrainLoss.ComputeAndBackward(t.Generator, b, out)
		if err != nil {
			return stats, err
		}
		if j > 0 {
			res.Sents = 0 // sentences are counted once per batch
		}
		stats.Update(FromLossResult(res))
		state = next
	}
	if maxLen == 0 {
		return stats, nil
	}
	stats.NumBatches = 1
	return stats, nil
}

// Validate runs a no-gradient pass over the validation stream and
// returns its statistics. It never touches an optimizer, and a failure
// here leaves already-accumulated training state intact.
func (t *Trainer) Validate(iter *data.MultiShardIterator) (*Statistics, error) {
	stats := NewStatistics()
	for {
		b, err := iter.Next()
		if err == io.EOF {
			return stats, nil
		}
		if err != nil {
			return stats, err
		}
		out, _, err := t.Generator.Forward(b, 0, maxTgtLen(b), nil)
		if err != nil {
			return stats, errors.Wrap(err, "validation forward")
		}
		res, err := t.ValidLoss.Compute(b, out)
		if err != nil {
			return stats, err
		}
		stats.Update(FromLossResult(res))
	}
}

func maxTgtLen(b *data.Batch) int {
	n := 0
	for i := range b.Examples {
		if len(b.Examples[i].Tgt) > n {
			n = len(b.Examples[i].Tgt)
		}
	}
	return n
}

// EpochStep applies the per-epoch learning-rate rule to all three
// schedulers after validation.
func (t *Trainer) EpochStep(ppl float64, epoch int) {
	t.GenOptim.UpdateLearningRate(ppl, epoch)
	t.DiscrimOptim.UpdateLearningRate(ppl, epoch)
	t.NLIOptim.UpdateLearningRate(ppl, epoch)
}
