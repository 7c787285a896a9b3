package train

import (
	"path/filepath"
	"testing"

	"github.com/fuyongxu0908/pgrcdg/pkg/config"
)

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Data = filepath.Join(dir, "corpus")
	cfg.SaveModel = filepath.Join(dir, "model")
	cfg.DataType = "text"
	return &cfg
}

func trainedTrainer(t *testing.T, dir string) *Trainer {
	t.Helper()
	prefix := filepath.Join(dir, "corpus")
	writeTrainShards(t, prefix, []int{6})
	fields := testFields(t)
	tr := newTestTrainer(t, fields, 5, 0, 1)
	if _, err := tr.Train(trainIter(t, prefix, fields, 2), 1, nil); err != nil {
		t.Fatal(err)
	}
	return tr
}

func TestDropCheckpointSkipsEarlyEpochs(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.StartCheckpointAt = 5
	tr := trainedTrainer(t, dir)

	path, err := tr.DropCheckpoint(cfg, 3, testFields(t), NewStatistics())
	if err != nil {
		t.Fatalf("DropCheckpoint: %v", err)
	}
	if path != "" {
		t.Errorf("epoch 3 must not checkpoint before start_checkpoint_at 5, wrote %s", path)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	fields := testFields(t)
	tr := trainedTrainer(t, dir)

	stats := NewStatistics()
	stats.Loss = 12
	stats.NumWords = 10
	stats.NumCorrect = 4
	path, err := tr.DropCheckpoint(cfg, 3, fields, stats)
	if err != nil {
		t.Fatalf("DropCheckpoint: %v", err)
	}
	if path == "" {
		t.Fatal("expected a checkpoint to be written")
	}

	cp, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if cp.Epoch != 3 {
		t.Errorf("Epoch = %d, want 3", cp.Epoch)
	}
	if cp.StartEpoch() != 4 {
		t.Errorf("StartEpoch() = %d, want 4", cp.StartEpoch())
	}
	if cp.DataType != "text" {
		t.Errorf("DataType = %q, want text", cp.DataType)
	}

	// Resume into freshly built models: parameters and optimizer step
	// counters must match the moment of save exactly.
	resumed := newTestTrainer(t, fields, 999, 0, 1)
	pairs := []struct {
		modelKey, optimKey string
	}{
		{KeyGenerator, KeyGenOptim},
		{KeyDiscriminator, KeyDiscrimOptim},
		{KeyNLI, KeyNLIOptim},
	}
	models := map[string]interface {
		LoadStateDict(map[string][]float64) error
	}{
		KeyGenerator:     resumed.Generator,
		KeyDiscriminator: resumed.Discriminator,
		KeyNLI:           resumed.NLI,
	}
	for _, pair := range pairs {
		var o = resumed.GenOptim
		switch pair.optimKey {
		case KeyDiscrimOptim:
			o = resumed.DiscrimOptim
		case KeyNLIOptim:
			o = resumed.NLIOptim
		}
		if err := cp.Resume(pair.modelKey, pair.optimKey, models[pair.modelKey], o); err != nil {
			t.Fatalf("Resume %s: %v", pair.modelKey, err)
		}
	}
	if got, want := resumed.GenOptim.StepCount(), tr.GenOptim.StepCount(); got != want {
		t.Errorf("resumed generator step count = %d, want %d", got, want)
	}
	for i, p := range tr.Generator.Parameters() {
		q := resumed.Generator.Parameters()[i]
		for j := range p.Data() {
			if p.Data()[j] != q.Data()[j] {
				t.Fatalf("resumed parameter %s[%d] differs", p.Name(), j)
			}
		}
	}
}

func TestLoadCheckpointMissingFile(t *testing.T) {
	if _, err := LoadCheckpoint(filepath.Join(t.TempDir(), "absent.pt")); err == nil {
		t.Error("a missing checkpoint file must be an error")
	}
}

func TestLoadCheckpointRejectsMissingSubModel(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	fields := testFields(t)
	tr := trainedTrainer(t, dir)
	path, err := tr.DropCheckpoint(cfg, 1, fields, NewStatistics())
	if err != nil || path == "" {
		t.Fatalf("DropCheckpoint: %v", err)
	}

	cp, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatal(err)
	}
	delete(cp.Models, KeyNLI)
	truncated := filepath.Join(dir, "truncated.pt")
	if err := writeCheckpoint(cp, truncated); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCheckpoint(truncated); err == nil {
		t.Error("a checkpoint without nli state must be rejected")
	}

	cp2, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatal(err)
	}
	delete(cp2.Optims, KeyDiscrimOptim)
	truncated2 := filepath.Join(dir, "truncated2.pt")
	if err := writeCheckpoint(cp2, truncated2); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCheckpoint(truncated2); err == nil {
		t.Error("a checkpoint without d_optim state must be rejected")
	}
}

func TestRestoreFieldsReappliesBinding(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	fields := testFields(t)
	tr := trainedTrainer(t, dir)
	path, err := tr.DropCheckpoint(cfg, 2, fields, NewStatistics())
	if err != nil || path == "" {
		t.Fatalf("DropCheckpoint: %v", err)
	}
	cp, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatal(err)
	}
	restored, err := cp.RestoreFields()
	if err != nil {
		t.Fatalf("RestoreFields: %v", err)
	}
	if restored["per"].Vocab != restored["tgt"].Vocab {
		t.Error("the per/tgt vocabulary binding must survive a checkpoint")
	}
	if restored["tgt"].Vocab.Len() != fields["tgt"].Vocab.Len() {
		t.Errorf("tgt vocab size %d after restore, want %d",
			restored["tgt"].Vocab.Len(), fields["tgt"].Vocab.Len())
	}
}
