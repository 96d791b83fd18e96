package model

import (
	"math"
	"math/rand"

	"github.com/ajroetker/go-highway/hwy/contrib/activation"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"warpdrive-distill/internal/device"
)

// KindMLP is the registry name of MLP.
const KindMLP = "mlp"

const defaultHidden = 128

// MLP is a classifier with one ReLU hidden layer. It is the default teacher.
type MLP struct {
	exec       device.Context
	numClasses int
	inputSize  int
	hidden     int
	w1         *mat.Dense // hidden x inputSize
	b1         []float64
	w2         *mat.Dense // numClasses x hidden
	b2         []float64
	lr         float64
}

// NewMLP constructs the model with fan-in scaled uniform weights.
func NewMLP(exec device.Context, numClasses, inputSize, hidden int, lr float64, seed int64) *MLP {
	if numClasses <= 0 {
		numClasses = 10
	}
	if inputSize <= 0 {
		inputSize = 64
	}
	if hidden <= 0 {
		hidden = defaultHidden
	}
	if lr <= 0 {
		lr = 0.01
	}
	rng := rand.New(rand.NewSource(seed))
	return &MLP{
		exec:       exec,
		numClasses: numClasses,
		inputSize:  inputSize,
		hidden:     hidden,
		w1:         randomDense(rng, hidden, inputSize, math.Sqrt(6/float64(inputSize))),
		b1:         make([]float64, hidden),
		w2:         randomDense(rng, numClasses, hidden, math.Sqrt(6/float64(hidden))),
		b2:         make([]float64, numClasses),
		lr:         lr,
	}
}

func (m *MLP) Kind() string    { return KindMLP }
func (m *MLP) NumClasses() int { return m.numClasses }
func (m *MLP) InputSize() int  { return m.inputSize }
func (m *MLP) Hidden() int     { return m.hidden }

func (m *MLP) Logits(inputs [][]float64) *mat.Dense {
	if len(inputs) == 0 {
		return &mat.Dense{}
	}
	_, _, logits := m.forward(inputMatrix(inputs, m.inputSize))
	return logits
}

func (m *MLP) forward(x *mat.Dense) (pre, act, logits *mat.Dense) {
	rows, _ := x.Dims()
	pre = &mat.Dense{}
	pre.Mul(x, m.w1.T())
	addBias(pre, m.b1)

	hidden := make([]float64, rows*m.hidden)
	activation.ParallelReLU(m.exec.Executor(), pre.RawMatrix().Data, hidden, rows, m.hidden)
	act = mat.NewDense(rows, m.hidden, hidden)

	logits = &mat.Dense{}
	logits.Mul(act, m.w2.T())
	addBias(logits, m.b2)
	return pre, act, logits
}

func (m *MLP) Loss(logits *mat.Dense, labels []int) (float64, *mat.Dense) {
	return crossEntropy(m.exec.Executor(), logits, labels)
}

func (m *MLP) Apply(inputs [][]float64, gradLogits *mat.Dense) {
	if len(inputs) == 0 {
		return
	}
	x := inputMatrix(inputs, m.inputSize)
	pre, act, _ := m.forward(x)

	var dw2 mat.Dense
	dw2.Mul(gradLogits.T(), act)
	db2 := columnSums(gradLogits)

	var dh mat.Dense
	dh.Mul(gradLogits, m.w2)
	dh.Apply(func(i, j int, v float64) float64 {
		if pre.At(i, j) <= 0 {
			return 0
		}
		return v
	}, &dh)

	var dw1 mat.Dense
	dw1.Mul(dh.T(), x)
	db1 := columnSums(&dh)

	sgd(m.w2, &dw2, m.lr)
	floats.AddScaled(m.b2, -m.lr, db2)
	sgd(m.w1, &dw1, m.lr)
	floats.AddScaled(m.b1, -m.lr, db1)
}

func (m *MLP) checkpoint() checkpoint {
	return checkpoint{
		Kind:         KindMLP,
		NumClasses:   m.numClasses,
		InputSize:    m.inputSize,
		Hidden:       m.hidden,
		LearningRate: m.lr,
		Params: map[string][]float64{
			"w1": denseData(m.w1),
			"b1": append([]float64(nil), m.b1...),
			"w2": denseData(m.w2),
			"b2": append([]float64(nil), m.b2...),
		},
	}
}

func (m *MLP) restore(cp checkpoint) error {
	w1, err := paramDense(cp, "w1", m.hidden, m.inputSize)
	if err != nil {
		return err
	}
	b1, err := paramVector(cp, "b1", m.hidden)
	if err != nil {
		return err
	}
	w2, err := paramDense(cp, "w2", m.numClasses, m.hidden)
	if err != nil {
		return err
	}
	b2, err := paramVector(cp, "b2", m.numClasses)
	if err != nil {
		return err
	}
	m.w1, m.b1, m.w2, m.b2 = w1, b1, w2, b2
	return nil
}
