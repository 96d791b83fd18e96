package model

import "gonum.org/v1/gonum/mat"

// Batch represents a minibatch of features and labels.
type Batch struct {
	Inputs [][]float64
	Labels []int
}

// Predictor produces logits and nothing else. The trainer holds the teacher
// through this interface so it can never be updated.
type Predictor interface {
	// Logits returns a (len(inputs), NumClasses) matrix of raw scores. Rows
	// shorter than InputSize are zero padded and longer rows are truncated, so
	// every input keeps its row and its label.
	Logits(inputs [][]float64) *mat.Dense
	NumClasses() int
	InputSize() int
}

// Classifier is a trainable Predictor.
type Classifier interface {
	Predictor
	// Kind names the architecture, as registered with New.
	Kind() string
	// Loss returns the mean softmax cross-entropy of logits against labels
	// and its gradient with respect to logits.
	Loss(logits *mat.Dense, labels []int) (float64, *mat.Dense)
	// Apply runs one SGD update given the gradient of the objective with
	// respect to the logits produced for inputs.
	Apply(inputs [][]float64, gradLogits *mat.Dense)
}

// TrainStep executes one supervised SGD step and returns the batch loss.
func TrainStep(c Classifier, batch Batch) float64 {
	if len(batch.Inputs) == 0 {
		return 0
	}
	logits := c.Logits(batch.Inputs)
	loss, grad := c.Loss(logits, batch.Labels)
	c.Apply(batch.Inputs, grad)
	return loss
}

// Freeze returns an inference-only view of p.
func Freeze(p Predictor) Predictor {
	if f, ok := p.(frozen); ok {
		return f
	}
	return frozen{p: p}
}

type frozen struct {
	p Predictor
}

func (f frozen) Logits(inputs [][]float64) *mat.Dense { return f.p.Logits(inputs) }
func (f frozen) NumClasses() int                      { return f.p.NumClasses() }
func (f frozen) InputSize() int                       { return f.p.InputSize() }
