package dataset

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

type member struct {
	name string
	data []byte
}

func pair(key, imageExt string, label int) []member {
	return []member{
		{name: key + imageExt, data: []byte("img-" + key)},
		{name: key + ".cls", data: []byte(strconv.Itoa(label) + "\n")},
	}
}

func writeShard(t *testing.T, path string, members ...[]member) {
	t.Helper()
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for _, group := range members {
		for _, m := range group {
			hdr := &tar.Header{Name: m.name, Size: int64(len(m.data)), Mode: 0o644}
			if err := tw.WriteHeader(hdr); err != nil {
				t.Fatalf("write header: %v", err)
			}
			if _, err := tw.Write(m.data); err != nil {
				t.Fatalf("write data: %v", err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}
}

func drainShard(samplesCh <-chan Sample, errCh <-chan error) ([]Sample, error) {
	var samples []Sample
	for s := range samplesCh {
		samples = append(samples, s)
	}
	return samples, <-errCh
}

func TestStreamShardPairsEntries(t *testing.T) {
	shard := filepath.Join(t.TempDir(), "shard-000000.tar")
	writeShard(t, shard,
		pair("000001", ".jpg", 3),
		pair("000002", ".PNG", 7),
		pair("000003", ".webp", 1),
		[]member{{name: "000003.json", data: []byte("{}")}},
	)

	samples, err := drainShard(StreamShard(context.Background(), shard, 4))
	if err != nil {
		t.Fatalf("StreamShard returned error: %v", err)
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].Key < samples[j].Key })
	want := []Sample{
		{Key: "000001", Image: []byte("img-000001"), Label: 3},
		{Key: "000002", Image: []byte("img-000002"), Label: 7},
		{Key: "000003", Image: []byte("img-000003"), Label: 1},
	}
	if diff := cmp.Diff(want, samples); diff != "" {
		t.Fatalf("samples mismatch (-want +got):\n%s", diff)
	}
}

func TestStreamShardPendingOverflow(t *testing.T) {
	shard := filepath.Join(t.TempDir(), "shard-000000.tar")
	writeShard(t, shard,
		[]member{{name: "a.jpg", data: []byte("a")}},
		[]member{{name: "b.jpg", data: []byte("b")}},
		[]member{{name: "c.jpg", data: []byte("c")}},
	)

	_, err := drainShard(StreamShard(context.Background(), shard, 2))
	if !errors.Is(err, ErrPendingOverflow) {
		t.Fatalf("expected ErrPendingOverflow, got %v", err)
	}
}

func TestStreamShardIncompleteAndBadLabel(t *testing.T) {
	dir := t.TempDir()
	incomplete := filepath.Join(dir, "shard-000000.tar")
	writeShard(t, incomplete, pair("ok", ".jpg", 1), []member{{name: "lonely.jpg", data: []byte("x")}})
	if _, err := drainShard(StreamShard(context.Background(), incomplete, 8)); err == nil {
		t.Fatal("expected an incomplete-sample error")
	}

	badLabel := filepath.Join(dir, "shard-000001.tar")
	writeShard(t, badLabel, []member{{name: "k.cls", data: []byte("seven")}})
	if _, err := drainShard(StreamShard(context.Background(), badLabel, 8)); err == nil {
		t.Fatal("expected a label parse error")
	}
}

func TestStreamShardCanceled(t *testing.T) {
	shard := filepath.Join(t.TempDir(), "shard-000000.tar")
	writeShard(t, shard, pair("a", ".jpg", 0), pair("b", ".jpg", 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := drainShard(StreamShard(ctx, shard, 8))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
