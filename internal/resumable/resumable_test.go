package resumable

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"
)

func newBoltContext(t *testing.T) (*Context, *BoltStore) {
	t.Helper()
	store, err := OpenBolt(filepath.Join(t.TempDir(), "streams.bolt"))
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, time.Hour), store
}

func readAll(t *testing.T, ctx context.Context, r *Reader) []string {
	t.Helper()
	var out []string
	for {
		chunk, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, string(chunk))
	}
}

func TestProduceTwiceFails(t *testing.T) {
	rc, _ := newBoltContext(t)
	ctx := context.Background()
	if _, err := rc.Produce(ctx, "s1"); err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if _, err := rc.Produce(ctx, "s1"); !errors.Is(err, ErrStreamExists) {
		t.Fatalf("expected ErrStreamExists, got %v", err)
	}
}

func TestFollowReplaysAndFollowsLiveChunks(t *testing.T) {
	rc, _ := newBoltContext(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := rc.Produce(ctx, "s1")
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if err := p.Write(ctx, []byte("a")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	r, err := rc.Follow(ctx, "s1")
	if err != nil {
		t.Fatalf("Follow: %v", err)
	}
	defer r.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = p.Write(ctx, []byte("b"))
		_ = p.Write(ctx, []byte("c"))
		_ = p.Close(ctx)
	}()

	got := readAll(t, ctx, r)
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected chunks %v", got)
	}
}

func TestFollowFinishedStreamReplaysEverything(t *testing.T) {
	rc, _ := newBoltContext(t)
	ctx := context.Background()
	p, _ := rc.Produce(ctx, "s1")
	_ = p.Write(ctx, []byte("x"))
	_ = p.Close(ctx)

	r, err := rc.Follow(ctx, "s1")
	if err != nil {
		t.Fatalf("Follow: %v", err)
	}
	defer r.Close()
	if got := readAll(t, ctx, r); len(got) != 1 || got[0] != "x" {
		t.Fatalf("unexpected chunks %v", got)
	}
}

func TestResumeStates(t *testing.T) {
	rc, _ := newBoltContext(t)
	ctx := context.Background()
	if _, err := rc.Resume(ctx, "missing"); !errors.Is(err, ErrStreamNotFound) {
		t.Fatalf("expected ErrStreamNotFound, got %v", err)
	}
	p, _ := rc.Produce(ctx, "s1")
	r, err := rc.Resume(ctx, "s1")
	if err != nil {
		t.Fatalf("Resume active: %v", err)
	}
	r.Close()
	_ = p.Close(ctx)
	if _, err := rc.Resume(ctx, "s1"); !errors.Is(err, ErrStreamDone) {
		t.Fatalf("expected ErrStreamDone, got %v", err)
	}
}

func TestWriteAfterCloseFails(t *testing.T) {
	rc, _ := newBoltContext(t)
	ctx := context.Background()
	p, _ := rc.Produce(ctx, "s1")
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(ctx); err != nil {
		t.Fatalf("second Close should be a no-op: %v", err)
	}
	if err := p.Write(ctx, []byte("late")); !errors.Is(err, ErrProducerClosed) {
		t.Fatalf("expected ErrProducerClosed, got %v", err)
	}
}

func TestReaderHonoursContext(t *testing.T) {
	rc, _ := newBoltContext(t)
	ctx := context.Background()
	if _, err := rc.Produce(ctx, "s1"); err != nil {
		t.Fatalf("Produce: %v", err)
	}
	r, err := rc.Follow(ctx, "s1")
	if err != nil {
		t.Fatalf("Follow: %v", err)
	}
	defer r.Close()
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := r.Next(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestBoltPurge(t *testing.T) {
	rc, store := newBoltContext(t)
	ctx := context.Background()
	p, _ := rc.Produce(ctx, "old")
	_ = p.Close(ctx)

	n, err := store.Purge(ctx, time.Now().Add(-time.Hour))
	if err != nil || n != 0 {
		t.Fatalf("Purge with past cutoff = %d, %v", n, err)
	}
	n, err = store.Purge(ctx, time.Now().Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("Purge = %d, %v", n, err)
	}
	if _, err := rc.Follow(ctx, "old"); !errors.Is(err, ErrStreamNotFound) {
		t.Fatalf("expected purged stream to be missing, got %v", err)
	}
}
