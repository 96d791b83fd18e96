package distill

import "github.com/pkg/errors"

// Failures reported by the evaluator. They are wrapped with call-site detail;
// match them with errors.Is.
var (
	ErrShapeMismatch      = errors.New("distill: teacher and student logits differ in shape")
	ErrInvalidParameter   = errors.New("distill: invalid parameter")
	ErrNumericInstability = errors.New("distill: non-finite value")
)
