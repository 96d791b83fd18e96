package dataset

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// SamplerOptions configures the multi-root sampler.
type SamplerOptions struct {
	Roots      map[string][]string
	Seed       int64
	NumWorkers int
	PendingCap int
	// Loop re-shuffles and replays the shards forever. When false the sampler
	// makes a single pass and then closes its sample channel.
	Loop bool
}

// StartSampler launches the multi-root sampler pipeline. Shards are visited
// round-robin across roots, read by NumWorkers goroutines, and emitted in job
// order so that a given Seed always yields the same stream.
func StartSampler(parent context.Context, opts SamplerOptions) (<-chan Sample, <-chan error, error) {
	if len(opts.Roots) == 0 {
		return nil, nil, errors.New("sampler: no dataset roots provided")
	}
	total := lo.SumBy(lo.Values(opts.Roots), func(shards []string) int { return len(shards) })
	if total == 0 {
		return nil, nil, errors.New("sampler: no shards discovered")
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.PendingCap <= 0 {
		opts.PendingCap = defaultPendingCap
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}

	ctx, cancel := context.WithCancel(parent)

	jobs := make(chan shardJob, opts.NumWorkers)
	cursors := make(chan shardCursor, opts.NumWorkers)
	out := make(chan Sample, opts.NumWorkers*2)
	errCh := make(chan error, 1)

	rng := rand.New(rand.NewSource(opts.Seed))
	go produceJobs(ctx, jobs, opts.Roots, rng, opts.Loop)

	var wg sync.WaitGroup
	for i := 0; i < opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker(ctx, jobs, cursors, opts.PendingCap)
		}()
	}

	go func() {
		wg.Wait()
		close(cursors)
	}()

	go func() {
		defer cancel()
		defer close(out)
		defer close(errCh)
		if err := aggregate(ctx, cursors, out); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	return out, errCh, nil
}

type shardJob struct {
	id   int64
	root string
	path string
}

type shardCursor struct {
	id      int64
	samples <-chan Sample
	errCh   <-chan error
}

func worker(ctx context.Context, jobs <-chan shardJob, cursors chan<- shardCursor, pendingCap int) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			samples, errCh := StreamShard(ctx, job.path, pendingCap)
			select {
			case <-ctx.Done():
				return
			case cursors <- shardCursor{id: job.id, samples: samples, errCh: errCh}:
			}
		}
	}
}

// aggregate forwards shard streams to out strictly in job id order.
func aggregate(ctx context.Context, cursors <-chan shardCursor, out chan<- Sample) error {
	pending := make(map[int64]shardCursor)
	var nextID int64
	for {
		cursor, ok := pending[nextID]
		if !ok {
			if cursors == nil {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case c, open := <-cursors:
				if !open {
					cursors = nil
					continue
				}
				pending[c.id] = c
			}
			continue
		}

		if err := forward(ctx, cursor, out); err != nil {
			return err
		}
		delete(pending, nextID)
		nextID++
	}
}

func forward(ctx context.Context, cursor shardCursor, out chan<- Sample) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sample, ok := <-cursor.samples:
			if !ok {
				return <-cursor.errCh
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- sample:
			}
		}
	}
}

func produceJobs(ctx context.Context, jobs chan<- shardJob, roots map[string][]string, rng *rand.Rand, loop bool) {
	defer close(jobs)
	var jobID int64
	for {
		order := buildRoundRobinOrder(roots, rng)
		if len(order) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		for _, entry := range order {
			select {
			case <-ctx.Done():
				return
			case jobs <- shardJob{id: jobID, root: entry.root, path: entry.path}:
				jobID++
			}
		}
		if !loop {
			return
		}
	}
}

type orderEntry struct {
	root string
	path string
}

// buildRoundRobinOrder shuffles every root's shards and interleaves the roots
// in sorted-name order.
func buildRoundRobinOrder(roots map[string][]string, rng *rand.Rand) []orderEntry {
	rootNames := lo.Filter(lo.Keys(roots), func(root string, _ int) bool { return len(roots[root]) > 0 })
	sort.Strings(rootNames)

	queues := make(map[string][]string, len(rootNames))
	for _, root := range rootNames {
		shards := append([]string(nil), roots[root]...)
		if rng != nil {
			rng.Shuffle(len(shards), func(i, j int) {
				shards[i], shards[j] = shards[j], shards[i]
			})
		}
		queues[root] = shards
	}

	var order []orderEntry
	for advanced := true; advanced; {
		advanced = false
		for _, root := range rootNames {
			shards := queues[root]
			if len(shards) == 0 {
				continue
			}
			order = append(order, orderEntry{root: root, path: shards[0]})
			queues[root] = shards[1:]
			advanced = true
		}
	}
	return order
}
