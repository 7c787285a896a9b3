package train

import (
	"fmt"
	"math"
	"time"

	"github.com/fuyongxu0908/pgrcdg/nn"
)

// ExperimentLogger is the remote experiment-logging capability. The
// trainer only calls it; the transport lives with the caller.
type ExperimentLogger interface {
	LogScalar(tag, name string, value float64) error
}

// Statistics is a running total of loss, token/sentence counts,
// accuracy and timing over one reporting interval. It is mutated by a
// single goroutine and reset after each flush.
type Statistics struct {
	Loss       float64
	NumWords   int
	NumCorrect int
	NumSents   int
	NumBatches int
	Start      time.Time
}

// NewStatistics returns a zeroed accumulator with the clock started.
func NewStatistics() *Statistics {
	return &Statistics{Start: time.Now()}
}

// FromLossResult wraps one loss computation as a leaf accumulator.
func FromLossResult(r nn.LossResult) *Statistics {
	return &Statistics{
		Loss:       r.Loss,
		NumWords:   r.Words,
		NumCorrect: r.Correct,
		NumSents:   r.Sents,
		NumBatches: 1,
		Start:      time.Now(),
	}
}

// Update merges another accumulator into this one. It serves both the
// intra-epoch running total and the combination of accumulation
// sub-steps, and is shaped so a parallel accumulation point could use
// it unchanged.
func (s *Statistics) Update(o *Statistics) {
	s.Loss += o.Loss
	s.NumWords += o.NumWords
	s.NumCorrect += o.NumCorrect
	s.NumSents += o.NumSents
	s.NumBatches += o.NumBatches
}

// Accuracy returns the correct-prediction percentage.
func (s *Statistics) Accuracy() float64 {
	if s.NumWords == 0 {
		return 0
	}
	return 100 * float64(s.NumCorrect) / float64(s.NumWords)
}

// Xent returns the per-token cross entropy.
func (s *Statistics) Xent() float64 {
	if s.NumWords == 0 {
		return 0
	}
	return s.Loss / float64(s.NumWords)
}

// Ppl returns the perplexity, capped to keep early-training reports
// finite.
func (s *Statistics) Ppl() float64 {
	return math.Exp(math.Min(s.Xent(), 100))
}

// ElapsedTime returns seconds since the interval started.
func (s *Statistics) ElapsedTime() float64 {
	return time.Since(s.Start).Seconds()
}

// ShouldReport is true when batch lands on the reporting interval.
func ShouldReport(batch, interval int) bool {
	return interval > 0 && batch%interval == 0
}

// Output prints the interval report: progress, accuracy, perplexity,
// throughput and elapsed time.
func (s *Statistics) Output(epoch, batch, numBatches int, start time.Time) {
	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		elapsed = 1e-6
	}
	fmt.Printf("Epoch %2d, %5d/%5d; acc: %6.2f; ppl: %8.2f; %6.0f tgt tok/s; %6.0f s elapsed\n",
		epoch, batch, numBatches,
		s.Accuracy(), s.Ppl(),
		float64(s.NumWords)/elapsed,
		time.Since(start).Seconds())
}

// Log pushes the interval's scalars to the remote experiment logger.
// An unreachable endpoint must never abort training, so errors are
// dropped here.
func (s *Statistics) Log(tag string, logger ExperimentLogger, lr float64) {
	if logger == nil {
		return
	}
	_ = logger.LogScalar(tag, "ppl", s.Ppl())
	_ = logger.LogScalar(tag, "accuracy", s.Accuracy())
	_ = logger.LogScalar(tag, "tgtper", float64(s.NumWords)/math.Max(s.ElapsedTime(), 1e-6))
	_ = logger.LogScalar(tag, "lr", lr)
}

// ReportFunc is the caller-supplied batch-level progress callback. It
// may flush and replace the running interval statistics; the trainer
// keeps whatever it returns.
type ReportFunc func(epoch, batch, numBatches int, start time.Time, lr float64, stats *Statistics, flag bool) *Statistics
