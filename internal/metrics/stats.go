package metrics

import (
	"time"

	"github.com/samber/lo"
)

// Window accumulates timing and loss stats across multiple steps.
type Window struct {
	samples    int
	data       time.Duration
	compute    time.Duration
	steps      int
	lastLoss   float64
	lossSum    float64
	components map[string]float64
}

// Record adds a new measurement to the window. components breaks the loss
// into named terms (for example "supervised" and "distillation"); it may be
// nil.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss float64, components map[string]float64) {
	w.samples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.lastLoss = loss
	w.lossSum += loss
	if len(components) > 0 && w.components == nil {
		w.components = make(map[string]float64, len(components))
	}
	for name, v := range components {
		w.components[name] += v
	}
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{Steps: w.steps}
	total := w.data + w.compute
	if total > 0 {
		snap.ImagesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		n := float64(w.steps)
		snap.AvgDataMS = (w.data.Seconds() * 1000) / n
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / n
		snap.MeanLoss = w.lossSum / n
		snap.Components = lo.MapValues(w.components, func(sum float64, _ string) float64 { return sum / n })
	}
	snap.LastLoss = w.lastLoss

	*w = Window{}
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	Steps        int
	ImagesPerSec float64
	AvgDataMS    float64
	AvgComputeMS float64
	LastLoss     float64
	MeanLoss     float64
	Components   map[string]float64
}
