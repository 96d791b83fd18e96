package main

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"warpdrive-distill/internal/config"
	"warpdrive-distill/internal/dataset"
	"warpdrive-distill/internal/device"
	"warpdrive-distill/internal/distill"
	"warpdrive-distill/internal/model"
	"warpdrive-distill/internal/preprocess"
	"warpdrive-distill/internal/trainer"
)

// runOptions are the flags shared by finetune and distill. Every value except
// the config path and kernel workers overrides the YAML file.
type runOptions struct {
	configPath    string
	kernelWorkers int

	trainRoots  []string
	evalRoots   []string
	steps       int
	batchSize   int
	numWorkers  int
	seed        int64
	logEvery    int
	teacherCkpt string
	studentCkpt string
	temperature float64
	lambda      float64
}

func (o *runOptions) bind(flags *pflag.FlagSet) {
	flags.StringVar(&o.configPath, "config", "configs/demo.yaml", "Path to YAML config")
	flags.IntVar(&o.kernelWorkers, "kernel-workers", 0, "Workers for the math kernels (0 uses GOMAXPROCS)")
	flags.StringSliceVar(&o.trainRoots, "train-root", nil, "Override training roots (repeatable)")
	flags.StringSliceVar(&o.evalRoots, "eval-root", nil, "Override evaluation roots (repeatable)")
	flags.IntVar(&o.steps, "steps", 0, "Number of training steps")
	flags.IntVar(&o.batchSize, "batch-size", 0, "Batch size")
	flags.IntVar(&o.numWorkers, "num-workers", 0, "Number of data loader workers")
	flags.Int64Var(&o.seed, "seed", 0, "PRNG seed")
	flags.IntVar(&o.logEvery, "log-every", 0, "Log every N steps")
	flags.StringVar(&o.teacherCkpt, "teacher-checkpoint", "", "Teacher checkpoint path")
	flags.StringVar(&o.studentCkpt, "student-checkpoint", "", "Student checkpoint path")
	flags.Float64Var(&o.temperature, "temperature", 0, "Distillation temperature")
	flags.Float64Var(&o.lambda, "lambda", 0, "Weight of the distillation term in [0, 1]")
}

func (o *runOptions) load(flags *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	ov := config.Overrides{
		TrainRoots:        o.trainRoots,
		EvalRoots:         o.evalRoots,
		Steps:             o.steps,
		BatchSize:         o.batchSize,
		NumWorkers:        o.numWorkers,
		Seed:              o.seed,
		LogEvery:          o.logEvery,
		TeacherCheckpoint: o.teacherCkpt,
		StudentCheckpoint: o.studentCkpt,
	}
	if flags.Changed("temperature") {
		ov.Temperature = &o.temperature
	}
	if flags.Changed("lambda") {
		ov.Lambda = &o.lambda
	}
	cfg.ApplyOverrides(ov)
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

func newFinetuneCommand() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "finetune",
		Short: "Train the teacher on hard labels and write its checkpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd.Flags())
			if err != nil {
				return err
			}
			if cfg.Teacher.Checkpoint == "" {
				return errors.New("finetune needs teacher.checkpoint to write to")
			}
			exec := openDevice(opts.kernelWorkers)
			defer exec.Close()

			extractor := preprocess.Extractor{Grid: cfg.ImageGrid}
			teacher, err := model.New(exec, cfg.ModelSpec(cfg.Teacher, extractor.Size()))
			if err != nil {
				return err
			}
			runCfg, err := baseRunConfig(cfg, extractor)
			if err != nil {
				return err
			}
			runCfg.Student = teacher
			runCfg.Loss = trainer.Supervised(teacher)
			runCfg.CheckpointPath = cfg.Teacher.Checkpoint

			summary, err := trainer.Run(cmd.Context(), runCfg)
			if err != nil {
				return errors.Wrap(err, "finetune")
			}
			report(cmd.OutOrStdout(), summary)
			return nil
		},
	}
	opts.bind(cmd.Flags())
	return cmd
}

func newDistillCommand() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "distill",
		Short: "Train the student against a frozen teacher checkpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd.Flags())
			if err != nil {
				return err
			}
			if cfg.Teacher.Checkpoint == "" {
				return errors.New("distill needs teacher.checkpoint to read from")
			}
			exec := openDevice(opts.kernelWorkers)
			defer exec.Close()

			teacher, err := model.Load(cfg.Teacher.Checkpoint, exec)
			if err != nil {
				return err
			}
			extractor := preprocess.Extractor{Grid: cfg.ImageGrid}
			student, err := model.New(exec, cfg.ModelSpec(cfg.Student, extractor.Size()))
			if err != nil {
				return err
			}
			ev, err := distill.NewEvaluator(exec, cfg.Distill)
			if err != nil {
				return err
			}
			runCfg, err := baseRunConfig(cfg, extractor)
			if err != nil {
				return err
			}
			runCfg.Student = student
			runCfg.Teacher = model.Freeze(teacher)
			runCfg.Loss = trainer.Distillation(student, ev)
			runCfg.CheckpointPath = cfg.Student.Checkpoint
			if runCfg.CheckpointPath == "" {
				klog.InfoS("No student checkpoint configured; weights will not be saved")
			}

			klog.InfoS("Distilling",
				"teacher", teacher.Kind(),
				"student", student.Kind(),
				"temperature", cfg.Distill.Temperature,
				"lambda", cfg.Distill.Lambda,
			)
			summary, err := trainer.Run(cmd.Context(), runCfg)
			if err != nil {
				return errors.Wrap(err, "distill")
			}
			report(cmd.OutOrStdout(), summary)
			return nil
		},
	}
	opts.bind(cmd.Flags())
	return cmd
}

func openDevice(workers int) device.Context {
	exec := device.Detect(workers)
	klog.InfoS("Execution context", "backend", exec.Backend, "workers", exec.Workers(), "features", exec.Features)
	return exec
}

func baseRunConfig(cfg *config.Config, extractor preprocess.Extractor) (trainer.RunConfig, error) {
	train, err := discover(cfg.TrainRoots)
	if err != nil {
		return trainer.RunConfig{}, err
	}
	var eval map[string][]string
	if len(cfg.EvalRoots) > 0 {
		if eval, err = discover(cfg.EvalRoots); err != nil {
			return trainer.RunConfig{}, err
		}
	}
	return trainer.RunConfig{
		TrainRoots:     train,
		EvalRoots:      eval,
		Steps:          cfg.Steps,
		BatchSize:      cfg.BatchSize,
		NumWorkers:     cfg.NumWorkers,
		LogEvery:       cfg.LogEvery,
		EvalEvery:      cfg.EvalEvery,
		EvalBatches:    cfg.EvalBatches,
		SaveEvery:      cfg.SaveEvery,
		Seed:           cfg.Seed,
		Extractor:      extractor,
		SkipBadBatches: cfg.SkipBadBatches,
	}, nil
}

func discover(roots []string) (map[string][]string, error) {
	byRoot, err := dataset.DiscoverByRoot(roots)
	if err != nil {
		return nil, err
	}
	for root, shards := range byRoot {
		klog.InfoS("Discovered shards", "root", root, "shards", len(shards))
	}
	return byRoot, nil
}

func report(w io.Writer, s trainer.Summary) {
	fmt.Fprintf(w, "steps=%d skipped=%d last_loss=%.6f\n", s.Steps, s.Skipped, s.LastLoss)
	if s.Eval != nil {
		fmt.Fprintf(w, "eval_examples=%d student_accuracy=%.4f teacher_accuracy=%.4f\n",
			s.Eval.Examples, s.Eval.StudentAccuracy, s.Eval.TeacherAccuracy)
	}
}
