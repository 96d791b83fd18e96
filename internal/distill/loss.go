// Package distill computes the knowledge-distillation objective used to train
// a small student classifier to imitate a larger, frozen teacher.
//
// For teacher logits t and student logits s of shape (batch, classes), a
// temperature T and a mixing weight lambda:
//
//	p     = softmax(t / T)            per row
//	log q = log_softmax(s / T)        per row
//	kl    = mean_rows sum_c p_c * (log p_c - log q_c)
//	total = (1-lambda)*supervised + lambda*T*T*kl
//
// The T*T factor keeps gradient magnitudes comparable across temperatures.
// The supervised loss is computed by the student model and passed in as an
// opaque scalar.
package distill

import (
	"math"

	"github.com/ajroetker/go-highway/hwy/contrib/nn"
	"github.com/ajroetker/go-highway/hwy/contrib/workerpool"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"warpdrive-distill/internal/device"
)

// Result breaks a loss evaluation into its parts.
type Result struct {
	// Total is the value to minimize.
	Total float64
	// Supervised echoes the student's own hard-label loss.
	Supervised float64
	// Distillation is Divergence scaled by temperature squared.
	Distillation float64
	// Divergence is the batch-mean KL(soft teacher || soft student).
	Divergence float64
}

// Evaluator computes the distillation objective with a fixed set of Params.
// It holds no per-call state and may be used from many goroutines.
type Evaluator struct {
	exec   device.Context
	params Params
}

// NewEvaluator validates params and binds them to an execution context.
func NewEvaluator(exec device.Context, params Params) (*Evaluator, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Evaluator{exec: exec, params: params}, nil
}

// Params returns the evaluator's temperature and lambda.
func (e *Evaluator) Params() Params {
	return e.params
}

// Loss evaluates the objective for one batch.
func (e *Evaluator) Loss(teacher, student mat.Matrix, supervised float64) (Result, error) {
	res, _, err := e.evaluate(teacher, student, supervised, false)
	return res, err
}

// LossAndGrad evaluates the objective and also returns the gradient of the
// distillation term (Result.Distillation) with respect to the student logits:
// T * (softmax(s/T) - softmax(t/T)) / batch. The supervised term's gradient
// belongs to the student model.
func (e *Evaluator) LossAndGrad(teacher, student mat.Matrix, supervised float64) (Result, *mat.Dense, error) {
	return e.evaluate(teacher, student, supervised, true)
}

func (e *Evaluator) evaluate(teacher, student mat.Matrix, supervised float64, withGrad bool) (Result, *mat.Dense, error) {
	rows, cols, err := checkShapes(teacher, student)
	if err != nil {
		return Result{}, nil, err
	}
	if !finite(supervised) {
		return Result{}, nil, errors.Wrapf(ErrNumericInstability, "supervised loss is %v", supervised)
	}
	t, err := flatten(teacher, "teacher")
	if err != nil {
		return Result{}, nil, err
	}
	s, err := flatten(student, "student")
	if err != nil {
		return Result{}, nil, err
	}

	temp := e.params.Temperature
	pool := e.exec.Executor()

	softTeacher := make([]float64, len(t))
	nn.ParallelSoftmaxWithTemperature(pool, t, softTeacher, rows, cols, temp)
	logTeacher := logSoftmax(pool, t, rows, cols, temp)
	logStudent := logSoftmax(pool, s, rows, cols, temp)

	var kl float64
	for i, p := range softTeacher {
		if p == 0 {
			continue
		}
		kl += p * (logTeacher[i] - logStudent[i])
	}
	kl /= float64(rows)

	lambda := e.params.Lambda
	res := Result{
		Supervised:   supervised,
		Divergence:   kl,
		Distillation: kl * temp * temp,
	}
	res.Total = (1-lambda)*supervised + lambda*res.Distillation
	if !finite(res.Total) {
		return Result{}, nil, errors.Wrapf(ErrNumericInstability, "loss evaluated to %v", res.Total)
	}
	if !withGrad {
		return res, nil, nil
	}

	grad := make([]float64, len(s))
	nn.ParallelSoftmaxWithTemperature(pool, s, grad, rows, cols, temp)
	floats.Sub(grad, softTeacher)
	floats.Scale(temp/float64(rows), grad)
	return res, mat.NewDense(rows, cols, grad), nil
}

// Loss evaluates the objective on the calling goroutine and returns only the
// total. It is the plain-function form of Evaluator.Loss.
func Loss(teacher, student mat.Matrix, supervised, temperature, lambda float64) (float64, error) {
	e, err := NewEvaluator(device.Sequential(), Params{Temperature: temperature, Lambda: lambda})
	if err != nil {
		return 0, err
	}
	res, err := e.Loss(teacher, student, supervised)
	if err != nil {
		return 0, err
	}
	return res.Total, nil
}

func checkShapes(teacher, student mat.Matrix) (int, int, error) {
	if teacher == nil || student == nil {
		return 0, 0, errors.Wrap(ErrShapeMismatch, "nil logits")
	}
	tr, tc := teacher.Dims()
	sr, sc := student.Dims()
	if tr != sr || tc != sc {
		return 0, 0, errors.Wrapf(ErrShapeMismatch, "teacher %dx%d, student %dx%d", tr, tc, sr, sc)
	}
	if tr == 0 || tc == 0 {
		return 0, 0, errors.Wrapf(ErrShapeMismatch, "empty logits %dx%d", tr, tc)
	}
	return tr, tc, nil
}

// flatten copies m into a dense row-major slice, rejecting NaN and Inf.
func flatten(m mat.Matrix, name string) ([]float64, error) {
	rows, cols := m.Dims()
	out := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := m.At(i, j)
			if !finite(v) {
				return nil, errors.Wrapf(ErrNumericInstability, "%s logit (%d,%d) is %v", name, i, j, v)
			}
			out[i*cols+j] = v
		}
	}
	return out, nil
}

func logSoftmax(pool workerpool.Executor, logits []float64, rows, cols int, temp float64) []float64 {
	scaled := make([]float64, len(logits))
	copy(scaled, logits)
	floats.Scale(1/temp, scaled)
	out := make([]float64, len(logits))
	nn.ParallelLogSoftmax(pool, scaled, out, rows, cols)
	return out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
