package config

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"warpdrive-distill/internal/distill"
	"warpdrive-distill/internal/model"
)

const (
	defaultLogEvery     = 50
	defaultNumClasses   = 10
	defaultLearningRate = 0.05
)

// ModelConfig selects an architecture and where its weights live.
type ModelConfig struct {
	Kind       string `yaml:"kind"`
	Hidden     int    `yaml:"hidden"`
	Checkpoint string `yaml:"checkpoint"`
}

// Config captures the runtime knobs for a training run.
type Config struct {
	TrainRoots  []string `yaml:"train_roots"`
	EvalRoots   []string `yaml:"eval_roots"`
	Steps       int      `yaml:"steps"`
	BatchSize   int      `yaml:"batch_size"`
	NumWorkers  int      `yaml:"num_workers"`
	Seed        int64    `yaml:"seed"`
	LogEvery    int      `yaml:"log_every"`
	EvalEvery   int      `yaml:"eval_every"`
	EvalBatches int      `yaml:"eval_batches"`
	SaveEvery   int      `yaml:"save_every"`

	NumClasses     int     `yaml:"num_classes"`
	ImageGrid      int     `yaml:"image_grid"`
	LearningRate   float64 `yaml:"learning_rate"`
	SkipBadBatches bool    `yaml:"skip_bad_batches"`

	Teacher ModelConfig    `yaml:"teacher"`
	Student ModelConfig    `yaml:"student"`
	Distill distill.Params `yaml:"distill"`
}

// Overrides captures CLI supplied values. Zero values leave the file's
// setting untouched.
type Overrides struct {
	TrainRoots        []string
	EvalRoots         []string
	Steps             int
	BatchSize         int
	NumWorkers        int
	Seed              int64
	LogEvery          int
	TeacherCheckpoint string
	StudentCheckpoint string
	// Temperature and Lambda are pointers so that an explicit 0 reaches
	// Validate instead of reading as unset.
	Temperature *float64
	Lambda      *float64
}

// Default returns the settings used for keys the file leaves out.
func Default() *Config {
	return &Config{
		LogEvery:     defaultLogEvery,
		NumClasses:   defaultNumClasses,
		LearningRate: defaultLearningRate,
		Teacher:      ModelConfig{Kind: model.KindMLP},
		Student:      ModelConfig{Kind: model.KindLinear},
		Distill:      distill.DefaultParams(),
	}
}

// Load reads a Config from YAML on top of Default. Unknown keys are an error.
// The result is not validated so that overrides can be applied first.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if len(o.TrainRoots) > 0 {
		c.TrainRoots = o.TrainRoots
	}
	if len(o.EvalRoots) > 0 {
		c.EvalRoots = o.EvalRoots
	}
	if o.Steps > 0 {
		c.Steps = o.Steps
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.TeacherCheckpoint != "" {
		c.Teacher.Checkpoint = o.TeacherCheckpoint
	}
	if o.StudentCheckpoint != "" {
		c.Student.Checkpoint = o.StudentCheckpoint
	}
	if o.Temperature != nil {
		c.Distill.Temperature = *o.Temperature
	}
	if o.Lambda != nil {
		c.Distill.Lambda = *o.Lambda
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if len(c.TrainRoots) == 0 {
		return errors.New("at least one training root must be set")
	}
	if c.Steps <= 0 {
		return errors.Errorf("steps must be > 0 (got %d)", c.Steps)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.NumWorkers <= 0 {
		return errors.Errorf("num_workers must be > 0 (got %d)", c.NumWorkers)
	}
	if c.NumClasses < 2 {
		return errors.Errorf("num_classes must be >= 2 (got %d)", c.NumClasses)
	}
	if c.ImageGrid < 0 {
		return errors.Errorf("image_grid must be >= 0 (got %d)", c.ImageGrid)
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("learning_rate must be > 0 (got %g)", c.LearningRate)
	}
	if c.EvalEvery < 0 || c.SaveEvery < 0 || c.EvalBatches < 0 {
		return errors.New("eval_every, save_every and eval_batches must be >= 0")
	}
	if c.LogEvery <= 0 {
		c.LogEvery = defaultLogEvery
	}
	return errors.Wrap(c.Distill.Validate(), "distill")
}

// ModelSpec builds the registry spec for one side of the run.
func (c *Config) ModelSpec(m ModelConfig, inputSize int) model.Spec {
	return model.Spec{
		Kind:         m.Kind,
		NumClasses:   c.NumClasses,
		InputSize:    inputSize,
		Hidden:       m.Hidden,
		LearningRate: c.LearningRate,
		Seed:         c.Seed,
	}
}
