package distill

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"warpdrive-distill/internal/device"
)

const tol = 1e-6

// referenceLoss is a direct float64 rendition of the objective.
func referenceLoss(teacher, student *mat.Dense, supervised, temp, lambda float64) float64 {
	rows, _ := teacher.Dims()
	var kl float64
	for i := 0; i < rows; i++ {
		p := referenceSoftmax(mat.Row(nil, i, teacher), temp)
		q := referenceSoftmax(mat.Row(nil, i, student), temp)
		kl += stat.KullbackLeibler(p, q)
	}
	kl /= float64(rows)
	return (1-lambda)*supervised + lambda*kl*temp*temp
}

func referenceSoftmax(row []float64, temp float64) []float64 {
	maxV := math.Inf(-1)
	for _, v := range row {
		maxV = math.Max(maxV, v/temp)
	}
	out := make([]float64, len(row))
	var sum float64
	for i, v := range row {
		out[i] = math.Exp(v/temp - maxV)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func TestIdenticalLogitsScenario(t *testing.T) {
	logits := mat.NewDense(2, 3, []float64{2, 1, 0, 0, 1, 2})
	total, err := Loss(logits, mat.DenseCopyOf(logits), 0.3, 5, 0.5)
	require.NoError(t, err)
	assert.InDelta(t, 0.15, total, tol)
}

func TestIdenticalLogitsFullDistillationIsZero(t *testing.T) {
	logits := mat.NewDense(3, 4, []float64{
		0.5, -1, 3, 2,
		10, 10, 10, 10,
		-4, 7, 0, 1,
	})
	total, err := Loss(logits, mat.DenseCopyOf(logits), 1.7, 2, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0, total, tol)
}

func TestLambdaZeroReturnsSupervisedExactly(t *testing.T) {
	teacher := mat.NewDense(2, 3, []float64{5, -2, 0.1, 3, 3, -8})
	student := mat.NewDense(2, 3, []float64{-1, 0, 1, 0.2, 0.4, 0.6})
	total, err := Loss(teacher, student, 0.8125, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, 0.8125, total)
}

func TestLambdaOneReturnsDistillationExactly(t *testing.T) {
	teacher := mat.NewDense(2, 3, []float64{5, -2, 0.1, 3, 3, -8})
	student := mat.NewDense(2, 3, []float64{-1, 0, 1, 0.2, 0.4, 0.6})
	ev, err := NewEvaluator(device.Sequential(), Params{Temperature: 3, Lambda: 1})
	require.NoError(t, err)

	a, err := ev.Loss(teacher, student, 0.25)
	require.NoError(t, err)
	b, err := ev.Loss(teacher, student, 42)
	require.NoError(t, err)

	assert.Equal(t, a.Distillation, a.Total)
	assert.Equal(t, a.Total, b.Total)
	assert.Greater(t, a.Total, 0.0)
}

func TestMatchesReference(t *testing.T) {
	teacher := mat.NewDense(3, 5, []float64{
		1, 2, 3, 4, 5,
		-3, 0.5, 0, 2, -1,
		9, -9, 4, 4, 0,
	})
	student := mat.NewDense(3, 5, []float64{
		0, 0, 0, 0, 0,
		1, 1, -1, 3, 2,
		-2, 5, 0.3, 1, 1,
	})
	for _, temp := range []float64{0.5, 1, 2, 5, 20} {
		for _, lambda := range []float64{0, 0.25, 0.5, 1} {
			ev, err := NewEvaluator(device.Sequential(), Params{Temperature: temp, Lambda: lambda})
			require.NoError(t, err)
			res, err := ev.Loss(teacher, student, 1.1)
			require.NoError(t, err)

			want := referenceLoss(teacher, student, 1.1, temp, lambda)
			assert.InDeltaf(t, want, res.Total, 1e-5*math.Max(1, math.Abs(want)), "T=%v lambda=%v", temp, lambda)
			assert.InDelta(t, res.Divergence*temp*temp, res.Distillation, 1e-12)
			assert.GreaterOrEqual(t, res.Divergence, -tol)
		}
	}
}

func TestPooledMatchesSequential(t *testing.T) {
	const rows, cols = 256, 100
	tData := make([]float64, rows*cols)
	sData := make([]float64, rows*cols)
	for i := range tData {
		tData[i] = math.Sin(float64(i)) * 4
		sData[i] = math.Cos(float64(i)*0.7) * 3
	}
	teacher := mat.NewDense(rows, cols, tData)
	student := mat.NewDense(rows, cols, sData)

	exec := device.Detect(4)
	defer exec.Close()

	params := Params{Temperature: 4, Lambda: 0.7}
	pooled, err := NewEvaluator(exec, params)
	require.NoError(t, err)
	seq, err := NewEvaluator(device.Sequential(), params)
	require.NoError(t, err)

	a, err := pooled.Loss(teacher, student, 0.5)
	require.NoError(t, err)
	b, err := seq.Loss(teacher, student, 0.5)
	require.NoError(t, err)
	assert.InDelta(t, b.Total, a.Total, 1e-9)
}

func TestShapeMismatch(t *testing.T) {
	teacher := mat.NewDense(2, 3, nil)
	student := mat.NewDense(2, 4, nil)
	_, err := Loss(teacher, student, 0.3, 5, 0.5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShapeMismatch), "got %v", err)

	_, err = Loss(mat.NewDense(3, 3, nil), mat.NewDense(2, 3, nil), 0.3, 5, 0.5)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = Loss(&mat.Dense{}, &mat.Dense{}, 0.3, 5, 0.5)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestInvalidParameters(t *testing.T) {
	logits := mat.NewDense(2, 3, []float64{2, 1, 0, 0, 1, 2})
	cases := []Params{
		{Temperature: 0, Lambda: 0.5},
		{Temperature: -1, Lambda: 0.5},
		{Temperature: math.NaN(), Lambda: 0.5},
		{Temperature: math.Inf(1), Lambda: 0.5},
		{Temperature: 1, Lambda: -0.1},
		{Temperature: 1, Lambda: 1.5},
		{Temperature: 1, Lambda: math.NaN()},
	}
	for _, p := range cases {
		_, err := Loss(logits, logits, 0.3, p.Temperature, p.Lambda)
		assert.ErrorIsf(t, err, ErrInvalidParameter, "params %+v", p)
	}
}

func TestNonFiniteInputs(t *testing.T) {
	good := mat.NewDense(1, 2, []float64{1, 2})
	bad := mat.NewDense(1, 2, []float64{math.Inf(1), 2})

	_, err := Loss(bad, good, 0.3, 1, 0.5)
	assert.ErrorIs(t, err, ErrNumericInstability)
	_, err = Loss(good, good, math.NaN(), 1, 0.5)
	assert.ErrorIs(t, err, ErrNumericInstability)
}

func TestLargeLogitsStayFinite(t *testing.T) {
	teacher := mat.NewDense(1, 3, []float64{1000, 0, -1000})
	student := mat.NewDense(1, 3, []float64{-1000, 0, 1000})
	total, err := Loss(teacher, student, 0, 1, 1)
	require.NoError(t, err)
	assert.False(t, math.IsInf(total, 0) || math.IsNaN(total))
	assert.InDelta(t, 2000, total, 1e-3)
}

func TestGradientMatchesFiniteDifference(t *testing.T) {
	teacher := mat.NewDense(2, 3, []float64{1.5, -0.5, 0.2, 0.3, 2.2, -1})
	student := mat.NewDense(2, 3, []float64{0.1, 0.4, -0.3, 1, -1, 0.5})
	ev, err := NewEvaluator(device.Sequential(), Params{Temperature: 2, Lambda: 1})
	require.NoError(t, err)

	_, grad, err := ev.LossAndGrad(teacher, student, 0)
	require.NoError(t, err)

	const h = 1e-3
	rows, cols := student.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			plus := mat.DenseCopyOf(student)
			plus.Set(i, j, student.At(i, j)+h)
			minus := mat.DenseCopyOf(student)
			minus.Set(i, j, student.At(i, j)-h)

			fp, err := ev.Loss(teacher, plus, 0)
			require.NoError(t, err)
			fm, err := ev.Loss(teacher, minus, 0)
			require.NoError(t, err)

			numeric := (fp.Distillation - fm.Distillation) / (2 * h)
			assert.InDeltaf(t, numeric, grad.At(i, j), 1e-3, "grad(%d,%d)", i, j)
		}
	}
}

func TestEvaluatorDoesNotMutateInputs(t *testing.T) {
	teacher := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	student := mat.NewDense(2, 2, []float64{4, 3, 2, 1})
	before := mat.DenseCopyOf(teacher)
	_, err := Loss(teacher, student, 0.1, 2, 0.5)
	require.NoError(t, err)
	assert.True(t, mat.Equal(before, teacher))
}
