package metrics

import "go.uber.org/atomic"

// Accuracy counts correct predictions. Observe may be called from many
// goroutines at once.
type Accuracy struct {
	correct atomic.Int64
	total   atomic.Int64
}

// Observe adds one batch worth of results.
func (a *Accuracy) Observe(correct, total int) {
	a.correct.Add(int64(correct))
	a.total.Add(int64(total))
}

// Total is the number of examples observed.
func (a *Accuracy) Total() int64 {
	return a.total.Load()
}

// Rate returns correct/total, or 0 before any observation.
func (a *Accuracy) Rate() float64 {
	total := a.total.Load()
	if total == 0 {
		return 0
	}
	return float64(a.correct.Load()) / float64(total)
}
