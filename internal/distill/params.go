package distill

import (
	"math"

	"github.com/pkg/errors"
)

const (
	DefaultTemperature = 5.0
	DefaultLambda      = 0.5
)

// Params are the two knobs of the distillation objective.
type Params struct {
	// Temperature divides both logit tensors before normalization. Larger
	// values flatten the distributions being compared.
	Temperature float64 `yaml:"temperature" json:"temperature"`
	// Lambda weighs the distillation term against the supervised loss:
	// total = (1-Lambda)*supervised + Lambda*distillation.
	Lambda float64 `yaml:"lambda" json:"lambda"`
}

// DefaultParams returns temperature 5 and an even mix of both terms.
func DefaultParams() Params {
	return Params{Temperature: DefaultTemperature, Lambda: DefaultLambda}
}

// Validate rejects a non-positive or non-finite temperature and a lambda
// outside [0, 1].
func (p Params) Validate() error {
	if math.IsNaN(p.Temperature) || math.IsInf(p.Temperature, 0) || p.Temperature <= 0 {
		return errors.Wrapf(ErrInvalidParameter, "temperature must be finite and > 0 (got %v)", p.Temperature)
	}
	if math.IsNaN(p.Lambda) || p.Lambda < 0 || p.Lambda > 1 {
		return errors.Wrapf(ErrInvalidParameter, "lambda must lie in [0, 1] (got %v)", p.Lambda)
	}
	return nil
}
