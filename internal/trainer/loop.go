package trainer

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"warpdrive-distill/internal/dataset"
	"warpdrive-distill/internal/metrics"
	"warpdrive-distill/internal/model"
	"warpdrive-distill/internal/preprocess"
)

const (
	defaultLogEvery = 50
	// maxUndecodable bounds the run of consecutive samples that fail to
	// decode before nextBatch gives up.
	maxUndecodable = 1000
)

// ErrUndecodableSamples is returned when the sampler keeps yielding images
// the extractor cannot decode.
var ErrUndecodableSamples = errors.New("trainer: too many undecodable samples")

var errSamplerDone = errors.New("trainer: sampler exhausted")

// RunConfig captures the knobs required by the training loop.
type RunConfig struct {
	TrainRoots map[string][]string
	// EvalRoots are scored after every EvalEvery steps and at the end of the
	// run. Empty disables evaluation.
	EvalRoots   map[string][]string
	Steps       int
	BatchSize   int
	NumWorkers  int
	LogEvery    int
	EvalEvery   int
	EvalBatches int // 0 scores the whole eval set
	SaveEvery   int
	Seed        int64

	Student model.Classifier
	// Teacher is optional; Loss decides whether it is required.
	Teacher   model.Predictor
	Loss      LossFunc
	Extractor preprocess.Extractor

	// CheckpointPath receives the student every SaveEvery steps and at the
	// end of the run. Empty disables checkpoints.
	CheckpointPath string
	// SkipBadBatches counts and skips batches whose loss fails instead of
	// aborting the run.
	SkipBadBatches bool
}

// Summary describes a finished run.
type Summary struct {
	Steps    int
	Skipped  int
	LastLoss float64
	Eval     *EvalResult
}

// EvalResult is the outcome of one pass over the eval roots.
type EvalResult struct {
	Examples        int64
	StudentAccuracy float64
	TeacherAccuracy float64
}

// Run executes the training workload.
func Run(ctx context.Context, cfg RunConfig) (Summary, error) {
	if err := cfg.validate(); err != nil {
		return Summary{}, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	samples, samplerErr, err := dataset.StartSampler(ctx, dataset.SamplerOptions{
		Roots:      cfg.TrainRoots,
		Seed:       cfg.Seed,
		NumWorkers: cfg.NumWorkers,
		Loop:       true,
	})
	if err != nil {
		return Summary{}, err
	}

	var (
		summary Summary
		window  metrics.Window
	)
	for step := 1; step <= cfg.Steps; step++ {
		startData := time.Now()
		batch, err := nextBatch(ctx, samples, samplerErr, cfg.BatchSize, cfg.Extractor)
		if err != nil {
			return summary, errors.Wrapf(err, "step %d: load batch", step)
		}
		dataTime := time.Since(startData)

		startCompute := time.Now()
		outcome, err := trainStep(ctx, cfg, batch)
		computeTime := time.Since(startCompute)
		if err != nil {
			if !cfg.SkipBadBatches || ctx.Err() != nil {
				return summary, errors.Wrapf(err, "step %d", step)
			}
			summary.Skipped++
			klog.ErrorS(err, "Skipping batch", "step", step)
			continue
		}
		summary.Steps++
		summary.LastLoss = outcome.Loss
		window.Record(len(batch.Inputs), dataTime, computeTime, outcome.Loss, outcome.Components)

		if step%cfg.LogEvery == 0 {
			logSnapshot(step, window.Snapshot())
		}
		if cfg.EvalEvery > 0 && step%cfg.EvalEvery == 0 && step != cfg.Steps && len(cfg.EvalRoots) > 0 {
			res, err := Evaluate(ctx, cfg)
			if err != nil {
				return summary, err
			}
			summary.Eval = &res
		}
		if cfg.SaveEvery > 0 && step%cfg.SaveEvery == 0 && step != cfg.Steps && cfg.CheckpointPath != "" {
			if err := save(cfg, step); err != nil {
				return summary, err
			}
		}
	}

	if len(cfg.EvalRoots) > 0 {
		res, err := Evaluate(ctx, cfg)
		if err != nil {
			return summary, err
		}
		summary.Eval = &res
	}
	if cfg.CheckpointPath != "" {
		if err := save(cfg, cfg.Steps); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

// Evaluate makes one pass over cfg.EvalRoots and reports the accuracy of the
// student and, when present, the teacher.
func Evaluate(ctx context.Context, cfg RunConfig) (EvalResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	samples, samplerErr, err := dataset.StartSampler(ctx, dataset.SamplerOptions{
		Roots:      cfg.EvalRoots,
		Seed:       cfg.Seed,
		NumWorkers: cfg.NumWorkers,
	})
	if err != nil {
		return EvalResult{}, errors.Wrap(err, "evaluate")
	}

	var student, teacher metrics.Accuracy
	for batches := 0; cfg.EvalBatches <= 0 || batches < cfg.EvalBatches; batches++ {
		batch, err := nextBatch(ctx, samples, samplerErr, cfg.BatchSize, cfg.Extractor)
		done := errors.Is(err, errSamplerDone)
		if err != nil && !done {
			return EvalResult{}, errors.Wrap(err, "evaluate")
		}
		if len(batch.Inputs) > 0 {
			var g errgroup.Group
			g.Go(func() error {
				student.Observe(model.Accuracy(cfg.Student, batch), len(batch.Inputs))
				return nil
			})
			if cfg.Teacher != nil {
				g.Go(func() error {
					teacher.Observe(model.Accuracy(cfg.Teacher, batch), len(batch.Inputs))
					return nil
				})
			}
			_ = g.Wait()
		}
		if done {
			break
		}
	}

	res := EvalResult{Examples: student.Total(), StudentAccuracy: student.Rate()}
	if cfg.Teacher != nil {
		res.TeacherAccuracy = teacher.Rate()
	}
	klog.InfoS("Evaluation",
		"examples", res.Examples,
		"studentAccuracy", res.StudentAccuracy,
		"teacherAccuracy", res.TeacherAccuracy,
	)
	return res, nil
}

func (cfg *RunConfig) validate() error {
	if cfg.Steps <= 0 {
		return errors.New("trainer: steps must be > 0")
	}
	if cfg.BatchSize <= 0 {
		return errors.New("trainer: batch size must be > 0")
	}
	if cfg.Student == nil {
		return errors.New("trainer: student model is required")
	}
	if cfg.Loss == nil {
		return errors.New("trainer: loss function is required")
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = defaultLogEvery
	}
	if got, want := cfg.Extractor.Size(), cfg.Student.InputSize(); got != want {
		return errors.Errorf("trainer: extractor yields %d features, student expects %d", got, want)
	}
	if t := cfg.Teacher; t != nil {
		if t.InputSize() != cfg.Student.InputSize() || t.NumClasses() != cfg.Student.NumClasses() {
			return errors.Errorf("trainer: teacher is %d->%d, student is %d->%d",
				t.InputSize(), t.NumClasses(), cfg.Student.InputSize(), cfg.Student.NumClasses())
		}
	}
	return nil
}

func trainStep(ctx context.Context, cfg RunConfig, batch model.Batch) (Outcome, error) {
	step := Step{Batch: batch}

	var g errgroup.Group
	g.Go(func() error {
		step.StudentLogits = cfg.Student.Logits(batch.Inputs)
		return nil
	})
	if cfg.Teacher != nil {
		g.Go(func() error {
			step.TeacherLogits = cfg.Teacher.Logits(batch.Inputs)
			return nil
		})
	}
	_ = g.Wait()

	outcome, err := cfg.Loss(ctx, step)
	if err != nil {
		return Outcome{}, err
	}
	if outcome.Grad == nil {
		return Outcome{}, errors.New("trainer: loss returned no gradient")
	}
	cfg.Student.Apply(batch.Inputs, outcome.Grad)
	return outcome, nil
}

func nextBatch(ctx context.Context, samples <-chan dataset.Sample, errs <-chan error, batchSize int, ex preprocess.Extractor) (model.Batch, error) {
	inputs := make([][]float64, 0, batchSize)
	labels := make([]int, 0, batchSize)
	undecodable := 0
	for len(inputs) < batchSize {
		select {
		case <-ctx.Done():
			return model.Batch{}, ctx.Err()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return model.Batch{}, err
			}
		case sample, ok := <-samples:
			if !ok {
				if err := ctx.Err(); err != nil {
					return model.Batch{}, err
				}
				// The sampler closes its error channel before the sample
				// channel, so this read never blocks.
				if errs != nil {
					if err, ok := <-errs; ok && err != nil {
						return model.Batch{}, err
					}
				}
				return model.Batch{Inputs: inputs, Labels: labels}, errSamplerDone
			}
			features, err := ex.Features(sample.Image)
			if err != nil {
				klog.V(2).InfoS("Skipping undecodable sample", "key", sample.Key, "err", err)
				if undecodable++; undecodable >= maxUndecodable {
					return model.Batch{}, errors.Wrapf(ErrUndecodableSamples, "%d in a row, last %s", undecodable, sample.Key)
				}
				continue
			}
			undecodable = 0
			inputs = append(inputs, features)
			labels = append(labels, sample.Label)
		}
	}
	return model.Batch{Inputs: inputs, Labels: labels}, nil
}

func logSnapshot(step int, snap metrics.Snapshot) {
	kv := []any{
		"step", step,
		"imagesPerSec", snap.ImagesPerSec,
		"dataMs", snap.AvgDataMS,
		"computeMs", snap.AvgComputeMS,
		"loss", snap.LastLoss,
		"meanLoss", snap.MeanLoss,
	}
	names := lo.Keys(snap.Components)
	sort.Strings(names)
	for _, name := range names {
		kv = append(kv, name, snap.Components[name])
	}
	klog.InfoS("Training progress", kv...)
}

func save(cfg RunConfig, step int) error {
	if err := model.Save(cfg.CheckpointPath, cfg.Student); err != nil {
		return errors.Wrapf(err, "checkpoint at step %d", step)
	}
	klog.InfoS("Saved checkpoint", "path", cfg.CheckpointPath, "step", step)
	return nil
}
