package model

import (
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"warpdrive-distill/internal/device"
)

// KindLinear is the registry name of Linear.
const KindLinear = "linear"

// Linear is a softmax-regression classifier. It is the default student.
type Linear struct {
	exec       device.Context
	numClasses int
	inputSize  int
	weights    *mat.Dense // numClasses x inputSize
	bias       []float64
	lr         float64
}

// NewLinear constructs the model with small uniform random weights.
func NewLinear(exec device.Context, numClasses, inputSize int, lr float64, seed int64) *Linear {
	if numClasses <= 0 {
		numClasses = 10
	}
	if inputSize <= 0 {
		inputSize = 64
	}
	if lr <= 0 {
		lr = 0.01
	}
	rng := rand.New(rand.NewSource(seed))
	return &Linear{
		exec:       exec,
		numClasses: numClasses,
		inputSize:  inputSize,
		weights:    randomDense(rng, numClasses, inputSize, 0.01),
		bias:       make([]float64, numClasses),
		lr:         lr,
	}
}

func (m *Linear) Kind() string    { return KindLinear }
func (m *Linear) NumClasses() int { return m.numClasses }
func (m *Linear) InputSize() int  { return m.inputSize }

// Logits computes x·Wᵀ + b.
func (m *Linear) Logits(inputs [][]float64) *mat.Dense {
	if len(inputs) == 0 {
		return &mat.Dense{}
	}
	var out mat.Dense
	out.Mul(inputMatrix(inputs, m.inputSize), m.weights.T())
	addBias(&out, m.bias)
	return &out
}

func (m *Linear) Loss(logits *mat.Dense, labels []int) (float64, *mat.Dense) {
	return crossEntropy(m.exec.Executor(), logits, labels)
}

func (m *Linear) Apply(inputs [][]float64, gradLogits *mat.Dense) {
	if len(inputs) == 0 {
		return
	}
	var dw mat.Dense
	dw.Mul(gradLogits.T(), inputMatrix(inputs, m.inputSize))
	sgd(m.weights, &dw, m.lr)
	floats.AddScaled(m.bias, -m.lr, columnSums(gradLogits))
}

func (m *Linear) checkpoint() checkpoint {
	return checkpoint{
		Kind:         KindLinear,
		NumClasses:   m.numClasses,
		InputSize:    m.inputSize,
		LearningRate: m.lr,
		Params: map[string][]float64{
			"weights": denseData(m.weights),
			"bias":    append([]float64(nil), m.bias...),
		},
	}
}

func (m *Linear) restore(cp checkpoint) error {
	w, err := paramDense(cp, "weights", m.numClasses, m.inputSize)
	if err != nil {
		return err
	}
	b, err := paramVector(cp, "bias", m.numClasses)
	if err != nil {
		return err
	}
	m.weights, m.bias = w, b
	return nil
}
