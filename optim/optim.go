package optim

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/fuyongxu0908/pgrcdg/tensor"
)

// Method selects the underlying numeric optimizer.
type Method string

const (
	SGD      Method = "sgd"
	Adagrad  Method = "adagrad"
	Adadelta Method = "adadelta"
	Adam     Method = "adam"
)

// DecayMethod selects the learning-rate schedule.
type DecayMethod string

const (
	// DecayNone keeps the base rate forever.
	DecayNone DecayMethod = "none"
	// DecayStep multiplies the rate by LRDecay after an epoch whose
	// validation perplexity failed to improve on the best seen, or
	// once the epoch index reaches StartDecayAt.
	DecayStep DecayMethod = "step"
	// DecayWarmupInvSqrt recomputes the rate every optimizer step:
	// base * modelSize^-0.5 * min(step^-0.5, step * warmup^-1.5).
	DecayWarmupInvSqrt DecayMethod = "warmup-inverse-sqrt"
)

const (
	adadeltaRho = 0.9
	eps         = 1e-8
)

// Options are the scheduler hyperparameters, fixed at construction.
type Options struct {
	Method       Method
	LR           float64
	MaxGradNorm  float64 // 0 disables clipping
	LRDecay      float64
	StartDecayAt int // 0 means no epoch-triggered decay
	Beta1        float64
	Beta2        float64
	AdagradAccum float64
	DecayMethod  DecayMethod
	WarmupSteps  int
	ModelSize    int
}

// slot holds the per-parameter optimizer state for whichever method is
// active; unused fields stay nil.
type slot struct {
	M          []float64 // adam first moment
	V          []float64 // adam second moment
	Accum      []float64 // adagrad accumulator
	AccumDelta []float64 // adadelta delta accumulator
}

// Optim wraps one sub-model's numeric optimizer with rate scheduling
// and gradient clipping. The step counter advances once per
// accumulated macro-step, not once per micro-batch.
type Optim struct {
	opts       Options
	lr         float64
	originalLR float64
	step       int
	bestPPL    float64
	hasPPL     bool

	params []*tensor.Tensor
	slots  []slot
}

// New validates the hyperparameters and builds a scheduler with no
// parameters bound yet.
func New(opts Options) (*Optim, error) {
	switch opts.Method {
	case SGD, Adagrad, Adadelta, Adam:
	default:
		return nil, errors.Errorf("unknown optimization method %q", opts.Method)
	}
	switch opts.DecayMethod {
	case DecayNone, DecayStep, DecayWarmupInvSqrt:
	default:
		return nil, errors.Errorf("unknown decay method %q", opts.DecayMethod)
	}
	if opts.LR <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %g", opts.LR)
	}
	if opts.Method == Adam && (opts.Beta1 < 0 || opts.Beta1 >= 1 || opts.Beta2 < 0 || opts.Beta2 >= 1) {
		return nil, errors.Errorf("adam betas must lie in [0, 1), got %g, %g", opts.Beta1, opts.Beta2)
	}
	if opts.DecayMethod == DecayWarmupInvSqrt {
		if opts.WarmupSteps <= 0 {
			return nil, errors.Errorf("warmup-inverse-sqrt needs positive warmup steps, got %d", opts.WarmupSteps)
		}
		if opts.ModelSize <= 0 {
			return nil, errors.Errorf("warmup-inverse-sqrt needs a positive model size, got %d", opts.ModelSize)
		}
	}
	return &Optim{opts: opts, lr: opts.LR, originalLR: opts.LR}, nil
}

// SetParameters binds freshly constructed parameter tensors and resets
// the per-parameter slots. Parameters are never reused across a
// checkpoint boundary; resuming calls SetParameters first, then
// LoadState.
func (o *Optim) SetParameters(params []*tensor.Tensor) {
	o.params = params
	o.slots = make([]slot, len(params))
	for i, p := range params {
		n := p.NumElements()
		switch o.opts.Method {
		case Adam:
			o.slots[i].M = make([]float64, n)
			o.slots[i].V = make([]float64, n)
		case Adagrad:
			acc := make([]float64, n)
			for j := range acc {
				acc[j] = o.opts.AdagradAccum
			}
			o.slots[i].Accum = acc
		case Adadelta:
			o.slots[i].Accum = make([]float64, n)
			o.slots[i].AccumDelta = make([]float64, n)
		}
	}
}

// Rate returns the current learning rate.
func (o *Optim) Rate() float64 { return o.lr }

// StepCount returns how many macro-steps have been applied.
func (o *Optim) StepCount() int { return o.step }

// Step applies one accumulated macro-step: recompute the rate under
// the warmup schedule, clip the joint gradient norm once, and run the
// method update over every bound parameter.
func (o *Optim) Step() {
	o.step++
	if o.opts.DecayMethod == DecayWarmupInvSqrt {
		s := float64(o.step)
		w := float64(o.opts.WarmupSteps)
		o.lr = o.originalLR *
			math.Pow(float64(o.opts.ModelSize), -0.5) *
			math.Min(math.Pow(s, -0.5), s*math.Pow(w, -1.5))
	}
	o.clip()
	for i, p := range o.params {
		if !p.HasGrad() {
			continue
		}
		o.apply(p.Data(), p.Grad(), &o.slots[i])
	}
}

// clip rescales all gradients jointly so their combined L2 norm does
// not exceed MaxGradNorm.
func (o *Optim) clip() {
	if o.opts.MaxGradNorm <= 0 {
		return
	}
	norm := tensor.GlobalGradNorm(o.params)
	if norm <= o.opts.MaxGradNorm {
		return
	}
	scale := o.opts.MaxGradNorm / norm
	for _, p := range o.params {
		p.ScaleGrad(scale)
	}
}

func (o *Optim) apply(data, grad []float64, sl *slot) {
	switch o.opts.Method {
	case SGD:
		floats.AddScaled(data, -o.lr, grad)
	case Adagrad:
		for j, g := range grad {
			sl.Accum[j] += g * g
			data[j] -= o.lr * g / (math.Sqrt(sl.Accum[j]) + eps)
		}
	case Adadelta:
		for j, g := range grad {
			sl.Accum[j] = adadeltaRho*sl.Accum[j] + (1-adadeltaRho)*g*g
			dx := -math.Sqrt(sl.AccumDelta[j]+eps) / math.Sqrt(sl.Accum[j]+eps) * g
			sl.AccumDelta[j] = adadeltaRho*sl.AccumDelta[j] + (1-adadeltaRho)*dx*dx
			data[j] += o.lr * dx
		}
	case Adam:
		bc1 := 1 - math.Pow(o.opts.Beta1, float64(o.step))
		bc2 := 1 - math.Pow(o.opts.Beta2, float64(o.step))
		for j, g := range grad {
			sl.M[j] = o.opts.Beta1*sl.M[j] + (1-o.opts.Beta1)*g
			sl.V[j] = o.opts.Beta2*sl.V[j] + (1-o.opts.Beta2)*g*g
			mHat := sl.M[j] / bc1
			vHat := sl.V[j] / bc2
			data[j] -= o.lr * mHat / (math.Sqrt(vHat) + eps)
		}
	}
}

// UpdateLearningRate applies the per-epoch step-decay rule after a
// validation pass. The warmup schedule ignores it entirely, and
// DecayNone keeps the rate constant forever.
func (o *Optim) UpdateLearningRate(ppl float64, epoch int) float64 {
	if o.opts.DecayMethod != DecayStep {
		if ppl < o.bestPPL || !o.hasPPL {
			o.bestPPL = ppl
			o.hasPPL = true
		}
		return o.lr
	}
	decay := false
	if o.hasPPL && ppl > o.bestPPL {
		decay = true
	}
	if o.opts.StartDecayAt > 0 && epoch >= o.opts.StartDecayAt {
		decay = true
	}
	if !o.hasPPL || ppl < o.bestPPL {
		o.bestPPL = ppl
		o.hasPPL = true
	}
	if decay {
		o.lr *= o.opts.LRDecay
	}
	return o.lr
}

// State is the serializable scheduler snapshot stored in checkpoints.
type State struct {
	Method     Method
	LR         float64
	OriginalLR float64
	Step       int
	BestPPL    float64
	HasPPL     bool
	Slots      []SlotState
}

type SlotState struct {
	M          []float64
	V          []float64
	Accum      []float64
	AccumDelta []float64
}

// State snapshots the scheduler, deep-copying per-parameter slots.
func (o *Optim) State() State {
	st := State{
		Method:     o.opts.Method,
		LR:         o.lr,
		OriginalLR: o.originalLR,
		Step:       o.step,
		BestPPL:    o.bestPPL,
		HasPPL:     o.hasPPL,
		Slots:      make([]SlotState, len(o.slots)),
	}
	cp := func(s []float64) []float64 {
		if s == nil {
			return nil
		}
		out := make([]float64, len(s))
		copy(out, s)
		return out
	}
	for i, sl := range o.slots {
		st.Slots[i] = SlotState{M: cp(sl.M), V: cp(sl.V), Accum: cp(sl.Accum), AccumDelta: cp(sl.AccumDelta)}
	}
	return st
}

// LoadState restores a snapshot onto parameters already bound with
// SetParameters. A method or shape mismatch is an error; the snapshot
// is never partially applied.
func (o *Optim) LoadState(st State) error {
	if st.Method != o.opts.Method {
		return errors.Errorf("checkpoint optimizer method %q does not match configured %q", st.Method, o.opts.Method)
	}
	if len(st.Slots) != len(o.slots) {
		return errors.Errorf("checkpoint has %d optimizer slots, model has %d parameters", len(st.Slots), len(o.slots))
	}
	check := func(dst, src []float64, name string, i int) error {
		if src != nil && len(src) != len(dst) {
			return errors.Errorf("optimizer slot %d: %s length %d does not match parameter size %d", i, name, len(src), len(dst))
		}
		return nil
	}
	for i := range st.Slots {
		src := &st.Slots[i]
		dst := &o.slots[i]
		if err := check(dst.M, src.M, "m", i); err != nil {
			return err
		}
		if err := check(dst.V, src.V, "v", i); err != nil {
			return err
		}
		if err := check(dst.Accum, src.Accum, "accum", i); err != nil {
			return err
		}
		if err := check(dst.AccumDelta, src.AccumDelta, "accum_delta", i); err != nil {
			return err
		}
	}
	for i := range st.Slots {
		src := &st.Slots[i]
		dst := &o.slots[i]
		copy(dst.M, src.M)
		copy(dst.V, src.V)
		copy(dst.Accum, src.Accum)
		copy(dst.AccumDelta, src.AccumDelta)
	}
	o.lr = st.LR
	o.originalLR = st.OriginalLR
	o.step = st.Step
	o.bestPPL = st.BestPPL
	o.hasPPL = st.HasPPL
	return nil
}
