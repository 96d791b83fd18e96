package distill

import (
	"github.com/ajroetker/go-highway/hwy/contrib/nn"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// SoftTargets returns softmax(logits / temperature) row by row.
func SoftTargets(logits mat.Matrix, temperature float64) (*mat.Dense, error) {
	if err := (Params{Temperature: temperature}).Validate(); err != nil {
		return nil, err
	}
	rows, cols := logits.Dims()
	if rows == 0 || cols == 0 {
		return nil, errors.Wrapf(ErrShapeMismatch, "empty logits %dx%d", rows, cols)
	}
	flat, err := flatten(logits, "input")
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(flat))
	nn.ParallelSoftmaxWithTemperature(nil, flat, out, rows, cols, temperature)
	return mat.NewDense(rows, cols, out), nil
}

// Entropy returns the Shannon entropy (nats) of every row of probs.
func Entropy(probs mat.Matrix) []float64 {
	rows, _ := probs.Dims()
	out := make([]float64, rows)
	for i := range out {
		out[i] = stat.Entropy(mat.Row(nil, i, probs))
	}
	return out
}
