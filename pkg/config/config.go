// Package config holds the immutable run configuration for adversarial
// seq2seq training. Parsing and validation are separate phases: the
// CLI fills the struct, then Validate reports every bad combination at
// once, before any data loads.
package config

import (
	"fmt"
	"strings"
)

// ConfigurationError collects every invalid flag combination found by
// one validation pass.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

// Config is the full training run configuration. Components receive
// it (or fields of it) by parameter; nothing reads process-wide state.
type Config struct {
	// Data and artifacts
	Data      string `mapstructure:"data"`       // corpus path prefix
	SaveModel string `mapstructure:"save_model"` // checkpoint base name
	DataType  string `mapstructure:"data_type"`  // filled by peeking the first shard

	// Devices: at most one accelerator index; empty means CPU.
	GPUID []int `mapstructure:"gpuid"`
	Seed  int64 `mapstructure:"seed"`

	// Model-shape knobs the scheduler depends on
	RNNType string `mapstructure:"rnn_type"` // LSTM, GRU or SRU
	RNNSize int    `mapstructure:"rnn_size"`

	// Batching
	BatchSize      int    `mapstructure:"batch_size"`
	ValidBatchSize int    `mapstructure:"valid_batch_size"`
	BatchType      string `mapstructure:"batch_type"` // sents or tokens
	Normalization  string `mapstructure:"normalization"`
	AccumCount     int    `mapstructure:"accum_count"`

	// Memory/time trade-offs
	MaxGeneratorBatches int `mapstructure:"max_generator_batches"` // loss shard size
	TruncatedDecoder    int `mapstructure:"truncated_decoder"`     // TBPTT window, 0 disables

	// Epochs and reporting
	Epochs            int `mapstructure:"epochs"`
	StartEpoch        int `mapstructure:"start_epoch"`
	StartCheckpointAt int `mapstructure:"start_checkpoint_at"`
	ReportEvery       int `mapstructure:"report_every"`

	// Per-sub-model optimization
	GOptim          string  `mapstructure:"g_optim"`
	DOptim          string  `mapstructure:"d_optim"`
	NLIOptim        string  `mapstructure:"nli_optim"`
	GLearningRate   float64 `mapstructure:"g_learning_rate"`
	DLearningRate   float64 `mapstructure:"d_learning_rate"`
	NLILearningRate float64 `mapstructure:"nli_learning_rate"`

	// Shared schedule
	MaxGradNorm            float64 `mapstructure:"max_grad_norm"`
	LearningRateDecay      float64 `mapstructure:"learning_rate_decay"`
	StartDecayAt           int     `mapstructure:"start_decay_at"`
	DecayMethod            string  `mapstructure:"decay_method"` // none, step or warmup-inverse-sqrt
	WarmupSteps            int     `mapstructure:"warmup_steps"`
	AdamBeta1              float64 `mapstructure:"adam_beta1"`
	AdamBeta2              float64 `mapstructure:"adam_beta2"`
	AdagradAccumulatorInit float64 `mapstructure:"adagrad_accumulator_init"`

	// Resume paths; the discriminator may resume independently.
	TrainFrom  string `mapstructure:"train_from"`
	DTrainFrom string `mapstructure:"d_train_from"`

	// Remote experiment logging
	ExpHost string `mapstructure:"exp_host"`
	Exp     string `mapstructure:"exp"`
}

// Default returns the stock training configuration.
func Default() Config {
	return Config{
		Data:                "data/nli_persona",
		SaveModel:           "model",
		Seed:                -1,
		RNNType:             "LSTM",
		RNNSize:             500,
		BatchSize:           64,
		ValidBatchSize:      32,
		BatchType:           "sents",
		Normalization:       "sents",
		AccumCount:          1,
		MaxGeneratorBatches: 32,
		Epochs:              13,
		StartEpoch:          1,
		ReportEvery:         50,
		GOptim:              "adam",
		DOptim:              "adam",
		NLIOptim:            "adam",
		GLearningRate:       0.001,
		DLearningRate:       0.001,
		NLILearningRate:     0.001,
		MaxGradNorm:         5,
		LearningRateDecay:   0.5,
		StartDecayAt:        8,
		DecayMethod:         "none",
		WarmupSteps:         4000,
		AdamBeta1:           0.9,
		AdamBeta2:           0.999,
	}
}

func validMethod(m string) bool {
	switch m {
	case "sgd", "adagrad", "adadelta", "adam":
		return true
	}
	return false
}

// Validate runs the order-independent validation pass and returns a
// ConfigurationError naming every invalid combination. It must be
// called before any dataset or checkpoint is opened.
func (c *Config) Validate() error {
	var problems []string
	bad := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Data == "" {
		bad("data prefix must be set")
	}
	if c.SaveModel == "" {
		bad("save_model must be set")
	}
	if len(c.GPUID) > 1 {
		bad("multi-accelerator training is not supported, got %d devices", len(c.GPUID))
	}
	if c.RNNType == "SRU" && len(c.GPUID) == 0 {
		bad("the SRU recurrent unit requires an accelerator, but none is configured")
	}
	switch c.RNNType {
	case "LSTM", "GRU", "SRU":
	default:
		bad("unknown rnn_type %q", c.RNNType)
	}
	if c.BatchSize <= 0 {
		bad("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.ValidBatchSize <= 0 {
		bad("valid_batch_size must be positive, got %d", c.ValidBatchSize)
	}
	if c.BatchType != "sents" && c.BatchType != "tokens" {
		bad("batch_type must be sents or tokens, got %q", c.BatchType)
	}
	if c.Normalization != "sents" && c.Normalization != "tokens" {
		bad("normalization must be sents or tokens, got %q", c.Normalization)
	}
	if c.AccumCount < 1 {
		bad("accum_count must be at least 1, got %d", c.AccumCount)
	}
	if c.Epochs <= 0 {
		bad("epochs must be positive, got %d", c.Epochs)
	}
	if c.StartEpoch < 1 {
		bad("start_epoch must be at least 1, got %d", c.StartEpoch)
	}
	if c.ReportEvery <= 0 {
		bad("report_every must be positive, got %d", c.ReportEvery)
	}
	for name, m := range map[string]string{
		"g_optim": c.GOptim, "d_optim": c.DOptim, "nli_optim": c.NLIOptim,
	} {
		if !validMethod(m) {
			bad("%s must be one of sgd, adagrad, adadelta, adam, got %q", name, m)
		}
	}
	for name, lr := range map[string]float64{
		"g_learning_rate": c.GLearningRate, "d_learning_rate": c.DLearningRate,
		"nli_learning_rate": c.NLILearningRate,
	} {
		if lr <= 0 {
			bad("%s must be positive, got %g", name, lr)
		}
	}
	switch c.DecayMethod {
	case "none", "step":
	case "warmup-inverse-sqrt":
		if c.WarmupSteps <= 0 {
			bad("warmup-inverse-sqrt requires positive warmup_steps, got %d", c.WarmupSteps)
		}
		if c.RNNSize <= 0 {
			bad("warmup-inverse-sqrt requires positive rnn_size, got %d", c.RNNSize)
		}
	default:
		bad("decay_method must be none, step or warmup-inverse-sqrt, got %q", c.DecayMethod)
	}
	if c.TruncatedDecoder < 0 {
		bad("truncated_decoder must not be negative, got %d", c.TruncatedDecoder)
	}
	if c.MaxGeneratorBatches < 0 {
		bad("max_generator_batches must not be negative, got %d", c.MaxGeneratorBatches)
	}
	if c.DTrainFrom != "" && c.TrainFrom == "" {
		bad("d_train_from requires train_from")
	}

	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

// DeviceIndex returns the configured accelerator index, or -1 for CPU.
func (c *Config) DeviceIndex() int {
	if len(c.GPUID) > 0 {
		return c.GPUID[0]
	}
	return -1
}
