package train

import (
	"encoding/gob"
	"fmt"
	"log"
	"os"

	"github.com/pkg/errors"

	"github.com/fuyongxu0908/pgrcdg/data"
	"github.com/fuyongxu0908/pgrcdg/optim"
	"github.com/fuyongxu0908/pgrcdg/pkg/config"
)

// Sub-model and optimizer keys inside a checkpoint. Names are
// normalized so each sub-model can be loaded back independently; the
// discriminator may even resume from a different checkpoint file than
// the generator.
const (
	KeyGenerator     = "generator"
	KeyDiscriminator = "discriminator"
	KeyNLI           = "nli"
	KeyGenOptim      = "g_optim"
	KeyDiscrimOptim  = "d_optim"
	KeyNLIOptim      = "nli_optim"
)

// Checkpoint is a versioned, self-contained training snapshot: the
// three sub-models' parameters and optimizer states, the stripped
// vocabularies, the completed epoch and the run configuration.
type Checkpoint struct {
	Version  int
	Epoch    int
	DataType string
	Config   config.Config
	Vocab    map[string][]string
	Models   map[string]map[string][]float64
	Optims   map[string]optim.State
}

const checkpointVersion = 1

// StartEpoch returns the epoch a resumed run begins with.
func (cp *Checkpoint) StartEpoch() int { return cp.Epoch + 1 }

// RestoreFields rebuilds the FieldSet from the checkpoint's stripped
// vocabularies, re-applying the per/tgt binding invariant.
func (cp *Checkpoint) RestoreFields() (data.FieldSet, error) {
	return data.FieldsFromItoS(cp.Vocab, cp.DataType)
}

// DropCheckpoint persists the trainer's current state once epoch has
// reached cfg.StartCheckpointAt. The file name is derived from the
// save-model base name, the validation accuracy/perplexity and the
// epoch. It returns the written path, or "" when skipped.
func (t *Trainer) DropCheckpoint(cfg *config.Config, epoch int, fields data.FieldSet, validStats *Statistics) (string, error) {
	if epoch < cfg.StartCheckpointAt {
		return "", nil
	}

	// Vocabulary-less derived fields are stripped so the artifact
	// stays portable across runs.
	vocab := make(map[string][]string)
	for name, f := range fields {
		if f.UseVocab && f.Vocab != nil {
			vocab[name] = f.Vocab.ItoS
		}
	}

	cp := &Checkpoint{
		Version:  checkpointVersion,
		Epoch:    epoch,
		DataType: cfg.DataType,
		Config:   *cfg,
		Vocab:    vocab,
		Models: map[string]map[string][]float64{
			KeyGenerator:     t.Generator.StateDict(),
			KeyDiscriminator: t.Discriminator.StateDict(),
			KeyNLI:           t.NLI.StateDict(),
		},
		Optims: map[string]optim.State{
			KeyGenOptim:     t.GenOptim.State(),
			KeyDiscrimOptim: t.DiscrimOptim.State(),
			KeyNLIOptim:     t.NLIOptim.State(),
		},
	}

	path := fmt.Sprintf("%s_acc_%.2f_ppl_%.2f_e%d.pt",
		cfg.SaveModel, validStats.Accuracy(), validStats.Ppl(), epoch)
	if err := writeCheckpoint(cp, path); err != nil {
		return "", err
	}
	log.Printf("Saved checkpoint %s", path)
	return path, nil
}

func writeCheckpoint(cp *Checkpoint, path string) error {
	out, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create checkpoint")
	}
	defer out.Close()
	if err := gob.NewEncoder(out).Encode(cp); err != nil {
		return errors.Wrapf(err, "encode checkpoint %s", path)
	}
	return nil
}

// LoadCheckpoint reads and verifies a checkpoint. A missing file or a
// snapshot that lacks any sub-model or optimizer state is an error; a
// corrupt checkpoint is never partially applied.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open checkpoint %s", path)
	}
	defer in.Close()

	var cp Checkpoint
	if err := gob.NewDecoder(in).Decode(&cp); err != nil {
		return nil, errors.Wrapf(err, "decode checkpoint %s", path)
	}
	for _, key := range []string{KeyGenerator, KeyDiscriminator, KeyNLI} {
		if _, ok := cp.Models[key]; !ok {
			return nil, errors.Errorf("checkpoint %s is missing %s model state", path, key)
		}
	}
	for _, key := range []string{KeyGenOptim, KeyDiscrimOptim, KeyNLIOptim} {
		if _, ok := cp.Optims[key]; !ok {
			return nil, errors.Errorf("checkpoint %s is missing %s state", path, key)
		}
	}
	return &cp, nil
}

// Resume restores one sub-model/optimizer pair from the checkpoint.
// The optimizer must already be bound to the freshly built model's
// parameters; checkpointed parameter values and scheduler state are
// then loaded on top, so no parameter object survives the save/load
// boundary.
func (cp *Checkpoint) Resume(modelKey, optimKey string, m interface {
	LoadStateDict(map[string][]float64) error
}, o *optim.Optim) error {
	state, ok := cp.Models[modelKey]
	if !ok {
		return errors.Errorf("checkpoint has no %s model state", modelKey)
	}
	if err := m.LoadStateDict(state); err != nil {
		return err
	}
	optState, ok := cp.Optims[optimKey]
	if !ok {
		return errors.Errorf("checkpoint has no %s state", optimKey)
	}
	return o.LoadState(optState)
}
