package model

import (
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"warpdrive-distill/internal/device"
)

// checkpoint is the on-disk form of a classifier.
type checkpoint struct {
	Kind         string
	NumClasses   int
	InputSize    int
	Hidden       int
	LearningRate float64
	Params       map[string][]float64
}

type persistable interface {
	checkpoint() checkpoint
	restore(cp checkpoint) error
}

// Save writes c to path, replacing any previous file atomically.
func Save(path string, c Classifier) error {
	p, ok := c.(persistable)
	if !ok {
		return errors.Errorf("model: %T cannot be checkpointed", c)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create checkpoint dir")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create checkpoint")
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(p.checkpoint()); err != nil {
		tmp.Close()
		return errors.Wrap(err, "encode checkpoint")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close checkpoint")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "install checkpoint")
}

// Load reads a classifier written by Save and binds it to exec.
func Load(path string, exec device.Context) (Classifier, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open checkpoint")
	}
	defer f.Close()

	var cp checkpoint
	if err := gob.NewDecoder(f).Decode(&cp); err != nil {
		return nil, errors.Wrapf(err, "decode checkpoint %s", path)
	}
	c, err := New(exec, Spec{
		Kind:         cp.Kind,
		NumClasses:   cp.NumClasses,
		InputSize:    cp.InputSize,
		Hidden:       cp.Hidden,
		LearningRate: cp.LearningRate,
	})
	if err != nil {
		return nil, err
	}
	p, ok := c.(persistable)
	if !ok {
		return nil, errors.Errorf("model: %T cannot be restored", c)
	}
	if err := p.restore(cp); err != nil {
		return nil, errors.Wrapf(err, "restore checkpoint %s", path)
	}
	return c, nil
}

func denseData(m *mat.Dense) []float64 {
	return append([]float64(nil), mat.DenseCopyOf(m).RawMatrix().Data...)
}

func paramDense(cp checkpoint, name string, rows, cols int) (*mat.Dense, error) {
	data, err := paramVector(cp, name, rows*cols)
	if err != nil {
		return nil, err
	}
	return mat.NewDense(rows, cols, data), nil
}

func paramVector(cp checkpoint, name string, n int) ([]float64, error) {
	data, ok := cp.Params[name]
	if !ok {
		return nil, errors.Errorf("missing parameter %q", name)
	}
	if len(data) != n {
		return nil, errors.Errorf("parameter %q has %d values, want %d", name, len(data), n)
	}
	return append([]float64(nil), data...), nil
}
