// cetrain trains the adversarial seq2seq triple (generator,
// discriminator, NLI classifier) over sharded parallel-text datasets.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fuyongxu0908/pgrcdg/data"
	"github.com/fuyongxu0908/pgrcdg/nn"
	"github.com/fuyongxu0908/pgrcdg/optim"
	"github.com/fuyongxu0908/pgrcdg/pkg/config"
	"github.com/fuyongxu0908/pgrcdg/train"
)

var cfgFile string

func main() {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	defaults := config.Default()
	cmd := &cobra.Command{
		Use:   "cetrain",
		Short: "Adversarial seq2seq training over sharded datasets",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return run(cfg)
		},
		SilenceUsage: true,
	}

	f := cmd.Flags()
	f.StringVar(&cfgFile, "config", "", "optional YAML config file")
	f.String("data", defaults.Data, "path prefix of the preprocessed dataset shards")
	f.String("save_model", defaults.SaveModel, "checkpoint base name")
	f.IntSlice("gpuid", nil, "accelerator device id (at most one)")
	f.Int64("seed", defaults.Seed, "random seed, negative for nondeterministic")
	f.String("rnn_type", defaults.RNNType, "recurrent unit: LSTM, GRU or SRU")
	f.Int("rnn_size", defaults.RNNSize, "model size used by the warmup schedule")
	f.Int("batch_size", defaults.BatchSize, "maximum batch size (examples or tokens, per batch_type)")
	f.Int("valid_batch_size", defaults.ValidBatchSize, "validation batch size")
	f.String("batch_type", defaults.BatchType, "batch sizing policy: sents or tokens")
	f.String("normalization", defaults.Normalization, "gradient normalization unit: sents or tokens")
	f.Int("accum_count", defaults.AccumCount, "batches accumulated before each optimizer step")
	f.Int("max_generator_batches", defaults.MaxGeneratorBatches, "loss shard size over target positions")
	f.Int("truncated_decoder", defaults.TruncatedDecoder, "truncated BPTT window, 0 disables")
	f.Int("epochs", defaults.Epochs, "number of training epochs")
	f.Int("start_epoch", defaults.StartEpoch, "first epoch index")
	f.Int("start_checkpoint_at", defaults.StartCheckpointAt, "first epoch eligible for checkpointing")
	f.Int("report_every", defaults.ReportEvery, "batches between progress reports")
	f.String("g_optim", defaults.GOptim, "generator optimization method")
	f.String("d_optim", defaults.DOptim, "discriminator optimization method")
	f.String("nli_optim", defaults.NLIOptim, "NLI optimization method")
	f.Float64("g_learning_rate", defaults.GLearningRate, "generator learning rate")
	f.Float64("d_learning_rate", defaults.DLearningRate, "discriminator learning rate")
	f.Float64("nli_learning_rate", defaults.NLILearningRate, "NLI learning rate")
	f.Float64("max_grad_norm", defaults.MaxGradNorm, "gradient norm clip threshold")
	f.Float64("learning_rate_decay", defaults.LearningRateDecay, "step-decay factor")
	f.Int("start_decay_at", defaults.StartDecayAt, "epoch at which step decay begins")
	f.String("decay_method", defaults.DecayMethod, "none, step or warmup-inverse-sqrt")
	f.Int("warmup_steps", defaults.WarmupSteps, "warmup steps for warmup-inverse-sqrt")
	f.Float64("adam_beta1", defaults.AdamBeta1, "adam beta1")
	f.Float64("adam_beta2", defaults.AdamBeta2, "adam beta2")
	f.Float64("adagrad_accumulator_init", defaults.AdagradAccumulatorInit, "adagrad accumulator initializer")
	f.String("train_from", "", "checkpoint to resume the generator and NLI from")
	f.String("d_train_from", "", "separate checkpoint to resume the discriminator from")
	f.String("exp_host", "", "remote experiment logging host")
	f.String("exp", "", "experiment name for remote logging")
	return cmd
}

// loadConfig merges, in precedence order: flags, config file, defaults.
// Validation is a separate pass; parsing never rejects combinations.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	cfg := config.Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func run(cfg *config.Config) error {
	// Configuration errors are fatal before any expensive work.
	if err := cfg.Validate(); err != nil {
		return err
	}

	seed := cfg.Seed
	if seed < 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	fmt.Printf("Loading train/validate datasets from '%s'\n", cfg.Data)
	trainSeq, err := data.NewShardSequence(cfg.Data, "train")
	if err != nil {
		return err
	}
	fmt.Printf(" * maximum batch size: %d\n", cfg.BatchSize)

	// Peek the first shard to determine the data type; the peek is
	// handed back on the first Next, not re-read.
	first, err := trainSeq.Peek()
	if err != nil {
		return err
	}
	cfg.DataType = first.DataType

	var cp, dcp *train.Checkpoint
	startEpoch := cfg.StartEpoch
	if cfg.TrainFrom != "" {
		fmt.Printf("Loading checkpoint from %s\n", cfg.TrainFrom)
		if cp, err = train.LoadCheckpoint(cfg.TrainFrom); err != nil {
			return err
		}
		startEpoch = cp.StartEpoch()
		if cfg.DTrainFrom != "" {
			if dcp, err = train.LoadCheckpoint(cfg.DTrainFrom); err != nil {
				return err
			}
		}
	}

	fields, err := loadFields(cfg, first)
	if err != nil {
		return err
	}
	reportFeatures(fields)

	fmt.Println("Building model...")
	gen, disc, nli, err := buildModels(cfg, fields, rng)
	if err != nil {
		return err
	}
	tgtVocab := fields["tgt"].Vocab
	tallyParameters(gen)

	if err := ensureSaveDir(cfg.SaveModel); err != nil {
		return err
	}

	genOptim, err := buildOptim(cfg, cfg.GOptim, cfg.GLearningRate, gen)
	if err != nil {
		return err
	}
	discOptim, err := buildOptim(cfg, cfg.DOptim, cfg.DLearningRate, disc)
	if err != nil {
		return err
	}
	nliOptim, err := buildOptim(cfg, cfg.NLIOptim, cfg.NLILearningRate, nli)
	if err != nil {
		return err
	}

	if cp != nil {
		if err := cp.Resume(train.KeyGenerator, train.KeyGenOptim, gen, genOptim); err != nil {
			return err
		}
		if err := cp.Resume(train.KeyNLI, train.KeyNLIOptim, nli, nliOptim); err != nil {
			return err
		}
		from := cp
		if dcp != nil {
			from = dcp
		}
		if err := from.Resume(train.KeyDiscriminator, train.KeyDiscrimOptim, disc, discOptim); err != nil {
			return err
		}
	}

	trainLoss := &nn.GeneratorLoss{TgtVocab: tgtVocab, ShardSize: cfg.MaxGeneratorBatches}
	validLoss := &nn.GeneratorLoss{TgtVocab: tgtVocab, ShardSize: cfg.MaxGeneratorBatches}
	trainer := train.NewTrainer(gen, disc, nli, trainLoss, validLoss,
		genOptim, discOptim, nliOptim,
		cfg.TruncatedDecoder, cfg.MaxGeneratorBatches,
		cfg.Normalization, cfg.AccumCount, cfg.ReportEvery)

	var remote train.ExperimentLogger
	if cfg.ExpHost != "" {
		remote = newCrayonLogger(cfg.ExpHost, cfg.Exp)
	}
	reportFunc := func(epoch, batch, numBatches int, start time.Time, lr float64, stats *train.Statistics, flag bool) *train.Statistics {
		if !flag {
			return stats
		}
		stats.Output(epoch, batch+1, numBatches, start)
		stats.Log("progress", remote, lr)
		return train.NewStatistics()
	}

	device := data.Device(cfg.DeviceIndex())
	var trainFn data.BatchSizeFn
	if cfg.BatchType == "tokens" {
		trainFn = data.TokensBatchFn
	}

	for epoch := startEpoch; epoch <= cfg.Epochs; epoch++ {
		fmt.Println()

		if epoch > startEpoch {
			if trainSeq, err = data.NewShardSequence(cfg.Data, "train"); err != nil {
				return err
			}
		}
		trainIter, err := data.NewMultiShardIterator(trainSeq, fields, cfg.BatchSize, trainFn, device)
		if err != nil {
			return err
		}
		trainStats, err := trainer.Train(trainIter, epoch, reportFunc)
		if err != nil {
			return err
		}
		fmt.Printf("Train accuracy: %g\n", trainStats.Accuracy())

		validSeq, err := data.NewShardSequence(cfg.Data, "valid")
		if err != nil {
			return err
		}
		validIter, err := data.NewMultiShardIterator(validSeq, fields, cfg.ValidBatchSize, nil, device)
		if err != nil {
			return err
		}
		validStats, err := trainer.Validate(validIter)
		if err != nil {
			return err
		}
		fmt.Printf("Validation accuracy: %g\n", validStats.Accuracy())

		trainStats.Log("train", remote, genOptim.Rate())
		validStats.Log("valid", remote, genOptim.Rate())

		trainer.EpochStep(validStats.Ppl(), epoch)

		if _, err := trainer.DropCheckpoint(cfg, epoch, fields, validStats); err != nil {
			return err
		}
	}
	return nil
}

func loadFields(cfg *config.Config, first *data.Shard) (data.FieldSet, error) {
	fields, err := data.LoadFieldsFromVocab(cfg.Data+".vocab.pt", cfg.DataType)
	if err != nil {
		return nil, err
	}
	if first.Len() > 0 {
		fields = data.FilterFieldsByExample(fields, &first.Examples[0])
	}
	fmt.Println(data.VocabSummary(fields, cfg.DataType))
	return fields, nil
}

func reportFeatures(fields data.FieldSet) {
	for _, side := range []string{"src", "tgt"} {
		for j, feat := range data.CollectFeatures(fields, side) {
			fmt.Printf(" * %s feature %d size = %d\n", side, j, fields[feat].Vocab.Len())
		}
	}
}

// tallyParameters reports parameter counts per sub-module by name
// prefix, each parameter counted in exactly one group.
func tallyParameters(m nn.Model) {
	total, byModule := nn.TallyParameters(m)
	fmt.Printf("* number of parameters: %d\n", total)
	names := make([]string, 0, len(byModule))
	for name := range byModule {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%s: %d\n", name, byModule[name])
	}
}

// buildModels constructs the three sub-models. The built-in reference
// models consume token streams on every side, which only text corpora
// carry, so a corpus without the needed fields is a clear error rather
// than a crash deep in the loop.
func buildModels(cfg *config.Config, fields data.FieldSet, rng *rand.Rand) (*nn.Generator, *nn.Discriminator, *nn.NLIClassifier, error) {
	if fields["src"] == nil || fields["src"].Vocab == nil {
		return nil, nil, nil, errors.Errorf(
			"%s corpora are not supported: the built-in models require a src vocabulary", cfg.DataType)
	}
	if fields["per"] == nil || fields["per"].Vocab == nil {
		return nil, nil, nil, errors.New(
			"the corpus carries no per field; the nli sub-model cannot train without it")
	}
	srcVocab := fields["src"].Vocab
	tgtVocab := fields["tgt"].Vocab
	gen := nn.NewGenerator(srcVocab, tgtVocab, rng)
	disc := nn.NewDiscriminator(srcVocab, tgtVocab, rng)
	nli := nn.NewNLIClassifier(srcVocab, tgtVocab, fields["per"].Vocab, rng)
	return gen, disc, nli, nil
}

// buildOptim constructs one sub-model's scheduler from the shared decay
// settings plus its own method and base rate, then binds the parameters.
func buildOptim(cfg *config.Config, method string, lr float64, m nn.Model) (*optim.Optim, error) {
	o, err := optim.New(optim.Options{
		Method:       optim.Method(method),
		LR:           lr,
		MaxGradNorm:  cfg.MaxGradNorm,
		LRDecay:      cfg.LearningRateDecay,
		StartDecayAt: cfg.StartDecayAt,
		Beta1:        cfg.AdamBeta1,
		Beta2:        cfg.AdamBeta2,
		AdagradAccum: cfg.AdagradAccumulatorInit,
		DecayMethod:  optim.DecayMethod(cfg.DecayMethod),
		WarmupSteps:  cfg.WarmupSteps,
		ModelSize:    cfg.RNNSize,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "optimizer for %s", m.Name())
	}
	o.SetParameters(m.Parameters())
	return o, nil
}

func ensureSaveDir(saveModel string) error {
	dir := filepath.Dir(saveModel)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
