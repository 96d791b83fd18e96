package trainer

import (
	"context"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"warpdrive-distill/internal/distill"
	"warpdrive-distill/internal/model"
)

// ErrNoTeacher is returned by strategies that need teacher logits when the
// run has no teacher.
var ErrNoTeacher = errors.New("trainer: loss needs teacher logits")

// Step is everything a loss strategy sees for one batch.
type Step struct {
	Batch         model.Batch
	StudentLogits *mat.Dense
	// TeacherLogits is nil when the run has no teacher.
	TeacherLogits *mat.Dense
}

// Outcome is the result of a loss strategy.
type Outcome struct {
	Loss       float64
	Components map[string]float64
	// Grad is the gradient of Loss with respect to the student logits.
	Grad *mat.Dense
}

// LossFunc computes the training objective for one batch. The trainer loop is
// agnostic to which objective it optimizes.
type LossFunc func(ctx context.Context, step Step) (Outcome, error)

// Supervised trains student on hard labels only.
func Supervised(student model.Classifier) LossFunc {
	return func(ctx context.Context, step Step) (Outcome, error) {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		loss, grad := student.Loss(step.StudentLogits, step.Batch.Labels)
		return Outcome{
			Loss:       loss,
			Components: map[string]float64{"supervised": loss},
			Grad:       grad,
		}, nil
	}
}

// Distillation mixes the student's supervised loss with the temperature
// scaled divergence from the teacher, as configured in ev.
func Distillation(student model.Classifier, ev *distill.Evaluator) LossFunc {
	return func(ctx context.Context, step Step) (Outcome, error) {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		if step.TeacherLogits == nil {
			return Outcome{}, ErrNoTeacher
		}
		supervised, ceGrad := student.Loss(step.StudentLogits, step.Batch.Labels)
		res, kdGrad, err := ev.LossAndGrad(step.TeacherLogits, step.StudentLogits, supervised)
		if err != nil {
			return Outcome{}, errors.Wrap(err, "distillation loss")
		}

		lambda := ev.Params().Lambda
		var grad mat.Dense
		grad.Scale(1-lambda, ceGrad)
		kdGrad.Scale(lambda, kdGrad)
		grad.Add(&grad, kdGrad)

		return Outcome{
			Loss: res.Total,
			Components: map[string]float64{
				"supervised":   res.Supervised,
				"distillation": res.Distillation,
			},
			Grad: &grad,
		}, nil
	}
}
