package model

import (
	"math"
	"math/rand"

	"github.com/ajroetker/go-highway/hwy/contrib/nn"
	"github.com/ajroetker/go-highway/hwy/contrib/workerpool"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// inputMatrix packs inputs into a (len(inputs), size) matrix. Short rows are
// zero padded and long rows truncated.
func inputMatrix(inputs [][]float64, size int) *mat.Dense {
	x := mat.NewDense(len(inputs), size, nil)
	for i, in := range inputs {
		copy(x.RawRowView(i), in)
	}
	return x
}

func addBias(m *mat.Dense, bias []float64) {
	rows, _ := m.Dims()
	for i := 0; i < rows; i++ {
		floats.Add(m.RawRowView(i), bias)
	}
}

func columnSums(m *mat.Dense) []float64 {
	rows, cols := m.Dims()
	out := make([]float64, cols)
	for i := 0; i < rows; i++ {
		floats.Add(out, m.RawRowView(i))
	}
	return out
}

func sgd(w *mat.Dense, grad mat.Matrix, lr float64) {
	var step mat.Dense
	step.Scale(-lr, grad)
	w.Add(w, &step)
}

func randomDense(rng *rand.Rand, rows, cols int, scale float64) *mat.Dense {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * scale
	}
	return mat.NewDense(rows, cols, data)
}

// wrapLabel folds out-of-range labels into [0, numClasses).
func wrapLabel(label, numClasses int) int {
	if label < 0 || label >= numClasses {
		label = label % numClasses
		if label < 0 {
			label += numClasses
		}
	}
	return label
}

// crossEntropy returns the batch-mean softmax cross-entropy and its gradient
// with respect to the logits: (softmax(logits) - onehot(labels)) / batch.
func crossEntropy(pool workerpool.Executor, logits *mat.Dense, labels []int) (float64, *mat.Dense) {
	rows, cols := logits.Dims()
	if rows == 0 || cols == 0 {
		return 0, &mat.Dense{}
	}
	flat := mat.DenseCopyOf(logits).RawMatrix().Data
	logProbs := make([]float64, len(flat))
	nn.ParallelLogSoftmax(pool, flat, logProbs, rows, cols)

	inv := 1 / float64(rows)
	grad := make([]float64, len(flat))
	var loss float64
	for i := 0; i < rows; i++ {
		label := wrapLabel(labels[i], cols)
		row := logProbs[i*cols : (i+1)*cols]
		loss -= row[label]
		for c, lp := range row {
			grad[i*cols+c] = math.Exp(lp) * inv
		}
		grad[i*cols+label] -= inv
	}
	return loss * inv, mat.NewDense(rows, cols, grad)
}

// Predict returns the argmax class of every row of logits.
func Predict(logits mat.Matrix) []int {
	rows, _ := logits.Dims()
	out := make([]int, rows)
	for i := range out {
		out[i] = floats.MaxIdx(mat.Row(nil, i, logits))
	}
	return out
}

// Accuracy counts how many examples of batch p classifies correctly.
func Accuracy(p Predictor, batch Batch) int {
	if len(batch.Inputs) == 0 {
		return 0
	}
	correct := 0
	for i, class := range Predict(p.Logits(batch.Inputs)) {
		if class == wrapLabel(batch.Labels[i], p.NumClasses()) {
			correct++
		}
	}
	return correct
}
