package nn

import (
	"github.com/pkg/errors"

	"github.com/fuyongxu0908/pgrcdg/data"
	"github.com/fuyongxu0908/pgrcdg/tensor"
)

// Model is the narrow contract the trainer and checkpoint manager have
// on a sub-model: parameter access and state round-tripping. The
// actual architecture behind it is opaque to the orchestration core.
type Model interface {
	Name() string
	Parameters() []*tensor.Tensor

	// StateDict snapshots every parameter by name. LoadStateDict is
	// strict: a missing or mis-sized entry is an error, never skipped.
	StateDict() map[string][]float64
	LoadStateDict(state map[string][]float64) error

	// ZeroGrad clears accumulated gradients before a new window.
	ZeroGrad()
}

// DecoderState is the recurrent context carried across truncated
// backpropagation windows. It transports values only; gradients never
// flow through it.
type DecoderState struct {
	Prev []int // last consumed target token id, per example
}

// Position is one scored target position: scores over the target
// vocabulary for example Ex at target index Pos, conditioned on Prev.
type Position struct {
	Ex     int
	Pos    int
	Prev   int
	Scores []float64
}

// Output is a forward pass over a span of target positions, kept
// around as the backward cache.
type Output struct {
	Batch     *data.Batch
	Positions []Position
}

// EncoderDecoder is the generator contract: forward over target
// positions [from, to) with teacher forcing, and backward from
// per-position score gradients. Backward may be called on any
// subslice of the output's positions so the loss can be sharded.
type EncoderDecoder interface {
	Model
	Forward(b *data.Batch, from, to int, st *DecoderState) (*Output, *DecoderState, error)
	Backward(b *data.Batch, positions []Position, dScores [][]float64) error
}

// ClassOutput is a classifier forward pass: one score row per
// instance, with the gold class recorded for the loss.
type ClassOutput struct {
	Batch  *data.Batch
	Scores [][]float64
	Gold   []int
}

// Classifier is the contract shared by the discriminator and the NLI
// sub-model.
type Classifier interface {
	Model
	Forward(b *data.Batch) (*ClassOutput, error)
	Backward(out *ClassOutput, dScores [][]float64) error
}

// baseModel implements the shared parameter bookkeeping.
type baseModel struct {
	name   string
	params []*tensor.Tensor
}

func (m *baseModel) Name() string                 { return m.name }
func (m *baseModel) Parameters() []*tensor.Tensor { return m.params }

func (m *baseModel) StateDict() map[string][]float64 {
	state := make(map[string][]float64, len(m.params))
	for _, p := range m.params {
		vals := make([]float64, p.NumElements())
		copy(vals, p.Data())
		state[p.Name()] = vals
	}
	return state
}

func (m *baseModel) LoadStateDict(state map[string][]float64) error {
	for _, p := range m.params {
		vals, ok := state[p.Name()]
		if !ok {
			return errors.Errorf("model %s: checkpoint is missing parameter %s", m.name, p.Name())
		}
		if err := p.SetData(vals); err != nil {
			return errors.Wrapf(err, "model %s", m.name)
		}
	}
	return nil
}

func (m *baseModel) ZeroGrad() {
	for _, p := range m.params {
		p.ZeroGrad()
	}
}

// TallyParameters counts parameters grouped by the first dotted
// component of each parameter name (encoder, decoder, generator, ...).
func TallyParameters(m Model) (total int, byModule map[string]int) {
	byModule = make(map[string]int)
	for _, p := range m.Parameters() {
		total += p.NumElements()
		prefix := p.Name()
		for i := 0; i < len(prefix); i++ {
			if prefix[i] == '.' {
				prefix = prefix[:i]
				break
			}
		}
		byModule[prefix] += p.NumElements()
	}
	return total, byModule
}
