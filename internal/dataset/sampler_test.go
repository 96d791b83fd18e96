package dataset

import (
	"context"
	"math/rand"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestBuildRoundRobinOrderDeterministic(t *testing.T) {
	roots := map[string][]string{
		"/rootA": {"/rootA/shard-000000.tar", "/rootA/shard-000002.tar"},
		"/rootB": {"/rootB/shard-000001.tar"},
		"/rootC": nil,
	}
	order1 := buildRoundRobinOrder(roots, rand.New(rand.NewSource(7)))
	order2 := buildRoundRobinOrder(roots, rand.New(rand.NewSource(7)))

	if diff := cmp.Diff(order1, order2, cmp.AllowUnexported(orderEntry{})); diff != "" {
		t.Fatalf("round robin order not deterministic:\n%s", diff)
	}
	if len(order1) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(order1))
	}
	if order1[0].root == order1[1].root {
		t.Fatalf("expected alternating roots, got %v", order1)
	}
}

func samplerFixture(t *testing.T) map[string][]string {
	t.Helper()
	temp := t.TempDir()
	rootA := filepath.Join(temp, "rootA")
	rootB := filepath.Join(temp, "rootB")
	writeShard(t, filepath.Join(rootA, "shard-000000.tar"), pair("a0", ".jpg", 0))
	writeShard(t, filepath.Join(rootA, "shard-000002.tar"), pair("a1", ".jpg", 1))
	writeShard(t, filepath.Join(rootB, "shard-000001.tar"), pair("b0", ".jpg", 2), pair("b1", ".jpg", 3))
	return map[string][]string{
		rootA: {
			filepath.Join(rootA, "shard-000000.tar"),
			filepath.Join(rootA, "shard-000002.tar"),
		},
		rootB: {
			filepath.Join(rootB, "shard-000001.tar"),
		},
	}
}

func TestSamplerDeterministicStream(t *testing.T) {
	opts := SamplerOptions{
		Roots:      samplerFixture(t),
		Seed:       123,
		NumWorkers: 2,
		Loop:       true,
	}

	run1 := collectSamples(t, opts, 8)
	run2 := collectSamples(t, opts, 8)

	if diff := cmp.Diff(run1, run2); diff != "" {
		t.Fatalf("sampler order not deterministic:\n%s", diff)
	}
}

func TestSamplerSinglePassCloses(t *testing.T) {
	opts := SamplerOptions{
		Roots:      samplerFixture(t),
		NumWorkers: 3,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, errCh, err := StartSampler(ctx, opts)
	if err != nil {
		t.Fatalf("StartSampler error: %v", err)
	}
	var keys []string
	for sample := range stream {
		keys = append(keys, sample.Key)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("sampler reported error: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("single pass did not finish before the deadline")
	}
	sort.Strings(keys)
	if diff := cmp.Diff([]string{"a0", "a1", "b0", "b1"}, keys); diff != "" {
		t.Fatalf("single pass mismatch (-want +got):\n%s", diff)
	}
}

func TestStartSamplerRejectsEmptyRoots(t *testing.T) {
	if _, _, err := StartSampler(context.Background(), SamplerOptions{}); err == nil {
		t.Fatal("expected an error without roots")
	}
	if _, _, err := StartSampler(context.Background(), SamplerOptions{Roots: map[string][]string{"/x": nil}}); err == nil {
		t.Fatal("expected an error without shards")
	}
}

func collectSamples(t *testing.T, opts SamplerOptions, count int) []string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	stream, errCh, err := StartSampler(ctx, opts)
	if err != nil {
		t.Fatalf("StartSampler error: %v", err)
	}
	defer cancel()

	out := make([]string, 0, count)
	deadline := time.After(2 * time.Second)
	for len(out) < count {
		select {
		case sample, ok := <-stream:
			if !ok {
				t.Fatalf("stream closed early; collected %d samples", len(out))
			}
			out = append(out, sample.Key)
		case err := <-errCh:
			if err != nil {
				t.Fatalf("sampler reported error: %v", err)
			}
		case <-deadline:
			t.Fatal("timed out waiting for samples")
		}
	}
	cancel()
	for err := range errCh {
		if err != nil {
			t.Fatalf("sampler emitted error after cancel: %v", err)
		}
	}
	return out
}
