package resolver

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mmalmi/hashtree/internal/chk"
	"github.com/mmalmi/hashtree/internal/hashing"
)

type fakeBackend struct {
	mu    sync.Mutex
	calls []Record
}

func (b *fakeBackend) Publish(ctx context.Context, key string, rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, rec)
	return nil
}

func (b *fakeBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func cidFor(s string) chk.CID {
	return chk.CID{Hash: hashing.Sum([]byte(s))}
}

func openTestResolver(t *testing.T, backend Backend) *Resolver {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "resolver.db"), backend, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestWriteThenResolveReturnsLatestValue(t *testing.T) {
	r := openTestResolver(t, nil)
	ctx := context.Background()
	if err := r.Write(ctx, "k", Record{CID: cidFor("v1")}); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := r.Resolve(ctx, "k")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Hash != cidFor("v1").Hash {
		t.Fatalf("resolve mismatch: got %v", got)
	}
}

func TestResolveBlocksUntilFirstWrite(t *testing.T) {
	r := openTestResolver(t, nil)
	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		r.Write(ctx, "later", Record{CID: cidFor("v")})
		close(done)
	}()
	got, err := r.Resolve(ctx, "later")
	<-done
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Hash != cidFor("v").Hash {
		t.Fatal("resolve returned wrong value")
	}
}

func TestResolveHonoursCancellation(t *testing.T) {
	r := openTestResolver(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := r.Resolve(ctx, "never-written"); err == nil {
		t.Fatal("expected cancellation error for a key that is never written")
	}
}

func TestSubscribeFiresImmediatelyThenOnUpdate(t *testing.T) {
	r := openTestResolver(t, nil)
	ctx := context.Background()
	if err := r.Write(ctx, "k", Record{CID: cidFor("v1")}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var mu sync.Mutex
	var seen []chk.CID
	unsub := r.Subscribe("k", func(rec Record) {
		mu.Lock()
		seen = append(seen, rec.CID)
		mu.Unlock()
	})
	defer unsub()

	if err := r.Write(ctx, "k", Record{CID: cidFor("v2")}); err != nil {
		t.Fatalf("write: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("expected 2 notifications (immediate + update), got %d", len(seen))
	}
	if seen[0].Hash != cidFor("v1").Hash || seen[1].Hash != cidFor("v2").Hash {
		t.Fatalf("unexpected notification order: %v", seen)
	}
}

func TestRepeatedWritesCollapseToOnePublish(t *testing.T) {
	backend := &fakeBackend{}
	r := openTestResolver(t, backend)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := r.Write(ctx, "k", Record{CID: cidFor("v")}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		time.Sleep(80 * time.Millisecond)
	}

	time.Sleep(PublishDelay + 300*time.Millisecond)
	if got := backend.count(); got != 1 {
		t.Fatalf("expected exactly 1 collapsed publish, got %d", got)
	}
}

func TestListStreamsExistingThenStaysOpenUntilUnsubscribed(t *testing.T) {
	r := openTestResolver(t, nil)
	ctx := context.Background()
	if err := r.Write(ctx, "pub/alice", Record{CID: cidFor("v1")}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var mu sync.Mutex
	var seen []string
	unsub := r.List("pub/", func(key string, rec Record) {
		mu.Lock()
		seen = append(seen, key)
		mu.Unlock()
	})

	if err := r.Write(ctx, "pub/bob", Record{CID: cidFor("v2")}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := r.Write(ctx, "other/carol", Record{CID: cidFor("v3")}); err != nil {
		t.Fatalf("write: %v", err)
	}

	mu.Lock()
	got := append([]string(nil), seen...)
	mu.Unlock()
	if len(got) != 2 || got[0] != "pub/alice" || got[1] != "pub/bob" {
		t.Fatalf("unexpected streamed keys: %v", got)
	}

	unsub()
	if err := r.Write(ctx, "pub/dave", Record{CID: cidFor("v4")}); err != nil {
		t.Fatalf("write: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("expected no further callbacks after unsubscribe, got %v", seen)
	}
}

func TestFlushForcesImmediatePublish(t *testing.T) {
	backend := &fakeBackend{}
	r := openTestResolver(t, backend)
	ctx := context.Background()
	if err := r.Write(ctx, "k", Record{CID: cidFor("v")}); err != nil {
		t.Fatalf("write: %v", err)
	}
	r.Flush("k")
	if got := backend.count(); got != 1 {
		t.Fatalf("expected flush to publish immediately, got %d calls", got)
	}
}
