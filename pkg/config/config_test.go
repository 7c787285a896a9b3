package config

import (
	"strings"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default configuration must validate, got %v", err)
	}
}

func TestValidateRejectsMultipleDevices(t *testing.T) {
	cfg := Default()
	cfg.GPUID = []int{0, 1}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("two accelerator ids must be rejected")
	}
	if !strings.Contains(err.Error(), "multi-accelerator") {
		t.Errorf("unexpected message: %v", err)
	}
}

func TestValidateRejectsSRUWithoutDevice(t *testing.T) {
	cfg := Default()
	cfg.RNNType = "SRU"
	if err := cfg.Validate(); err == nil {
		t.Fatal("SRU without an accelerator must be rejected")
	}

	cfg.GPUID = []int{0}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("SRU with one accelerator must validate, got %v", err)
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.BatchSize = 0
	cfg.GOptim = "rmsprop"
	cfg.GLearningRate = -1
	cfg.DecayMethod = "exponential"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected a validation failure")
	}
	cerr, ok := err.(*ConfigurationError)
	if !ok {
		t.Fatalf("expected *ConfigurationError, got %T", err)
	}
	if len(cerr.Problems) != 4 {
		t.Fatalf("expected all 4 problems in one pass, got %d: %v", len(cerr.Problems), cerr.Problems)
	}
	for _, want := range []string{"batch_size", "g_optim", "g_learning_rate", "decay_method"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("message does not mention %s: %v", want, err)
		}
	}
}

func TestValidateWarmupRequirements(t *testing.T) {
	cfg := Default()
	cfg.DecayMethod = "warmup-inverse-sqrt"
	cfg.WarmupSteps = 0
	cfg.RNNSize = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("warmup schedule without warmup_steps and rnn_size must be rejected")
	}
	cerr := err.(*ConfigurationError)
	if len(cerr.Problems) != 2 {
		t.Fatalf("expected 2 problems, got %d: %v", len(cerr.Problems), cerr.Problems)
	}

	cfg.WarmupSteps = 4000
	cfg.RNNSize = 500
	if err := cfg.Validate(); err != nil {
		t.Fatalf("a complete warmup schedule must validate, got %v", err)
	}
}

func TestValidateResumeDependency(t *testing.T) {
	cfg := Default()
	cfg.DTrainFrom = "d.pt"
	if err := cfg.Validate(); err == nil {
		t.Fatal("d_train_from without train_from must be rejected")
	}
	cfg.TrainFrom = "g.pt"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("paired resume paths must validate, got %v", err)
	}
}

func TestDeviceIndex(t *testing.T) {
	cfg := Default()
	if got := cfg.DeviceIndex(); got != -1 {
		t.Errorf("DeviceIndex() = %d, want -1 without accelerators", got)
	}
	cfg.GPUID = []int{2}
	if got := cfg.DeviceIndex(); got != 2 {
		t.Errorf("DeviceIndex() = %d, want 2", got)
	}
}
