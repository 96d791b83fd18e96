// Package device describes where the numeric kernels run. A Context is passed
// explicitly to the loss evaluator, the models and the trainer instead of being
// kept in global mode flags.
package device

import (
	"runtime"

	"github.com/ajroetker/go-highway/hwy"
	"github.com/ajroetker/go-highway/hwy/contrib/workerpool"
	"golang.org/x/sys/cpu"
)

// Context is the execution context shared by every kernel of a run.
type Context struct {
	// Pool runs row-parallel kernels. A nil Pool means every kernel runs on
	// the calling goroutine.
	Pool *workerpool.Pool
	// Backend is the SIMD dispatch target selected at startup.
	Backend string
	// Features lists the CPU vector extensions that were detected.
	Features []string
}

// Detect builds a Context backed by a persistent worker pool. workers <= 0
// uses GOMAXPROCS.
func Detect(workers int) Context {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return Context{
		Pool:     workerpool.New(workers),
		Backend:  hwy.CurrentName(),
		Features: cpuFeatures(),
	}
}

// Sequential returns a Context without a worker pool.
func Sequential() Context {
	return Context{Backend: hwy.CurrentName()}
}

// Executor returns the pool as the interface the kernels take. It is an
// untyped nil for a Sequential context so the kernels take their serial path.
func (c Context) Executor() workerpool.Executor {
	if c.Pool == nil {
		return nil
	}
	return c.Pool
}

// Workers reports how many goroutines kernels may fan out to.
func (c Context) Workers() int {
	if c.Pool == nil {
		return 1
	}
	return c.Pool.NumWorkers()
}

// Close releases the worker pool. It is safe to call more than once.
func (c Context) Close() {
	if c.Pool != nil {
		c.Pool.Close()
	}
}

func cpuFeatures() []string {
	type flag struct {
		name string
		ok   bool
	}
	var flags []flag
	switch runtime.GOARCH {
	case "amd64":
		flags = []flag{
			{"avx2", cpu.X86.HasAVX2},
			{"avx512f", cpu.X86.HasAVX512F},
			{"fma", cpu.X86.HasFMA},
		}
	case "arm64":
		flags = []flag{
			{"asimd", cpu.ARM64.HasASIMD},
			{"sve", cpu.ARM64.HasSVE},
		}
	}
	features := make([]string, 0, len(flags))
	for _, f := range flags {
		if f.ok {
			features = append(features, f.name)
		}
	}
	return features
}
