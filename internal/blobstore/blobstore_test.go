package blobstore

import (
	"context"
	"testing"

	"github.com/mmalmi/hashtree/internal/blobstore/local"
	"github.com/mmalmi/hashtree/internal/hashing"
)

type fakeHTTP struct {
	data map[hashing.Hash][]byte
	puts int
}

func (f *fakeHTTP) Get(ctx context.Context, hash hashing.Hash) ([]byte, bool, error) {
	d, ok := f.data[hash]
	return d, ok, nil
}

func (f *fakeHTTP) Put(ctx context.Context, hash hashing.Hash, data []byte) error {
	f.puts++
	if f.data == nil {
		f.data = make(map[hashing.Hash][]byte)
	}
	f.data[hash] = data
	return nil
}

func newLocal(t *testing.T) *local.Store {
	t.Helper()
	s, err := local.Open(t.TempDir()+"/blobs.db", false)
	if err != nil {
		t.Fatalf("open local: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGetPrefersLocalOverHTTP(t *testing.T) {
	ls := newLocal(t)
	data := []byte("local copy")
	h := hashing.Sum(data)
	if _, err := ls.Put(h, data); err != nil {
		t.Fatalf("seed local: %v", err)
	}

	http := &fakeHTTP{}
	s := New(ls, nil, http)
	got, found, err := s.Get(context.Background(), h)
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if string(got) != string(data) {
		t.Fatal("unexpected content")
	}
	if http.puts != 0 {
		t.Fatal("should not have touched HTTP when local had the blob")
	}
}

func TestGetFallsThroughToHTTPAndWritesThrough(t *testing.T) {
	ls := newLocal(t)
	data := []byte("remote only")
	h := hashing.Sum(data)
	http := &fakeHTTP{data: map[hashing.Hash][]byte{h: data}}

	s := New(ls, nil, http)
	got, found, err := s.Get(context.Background(), h)
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if string(got) != string(data) {
		t.Fatal("unexpected content")
	}
	if !ls.Has(h) {
		t.Fatal("expected write-through to local after HTTP hit")
	}
}

func TestGetMissingEverywhereReturnsNotFound(t *testing.T) {
	ls := newLocal(t)
	s := New(ls, nil, &fakeHTTP{})
	_, found, err := s.Get(context.Background(), hashing.Sum([]byte("nowhere")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatal("expected not found")
	}
}

func TestPutWritesLocalSynchronously(t *testing.T) {
	ls := newLocal(t)
	s := New(ls, nil, nil)
	data := []byte("put me")
	h := hashing.Sum(data)
	if _, err := s.Put(context.Background(), h, data); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !ls.Has(h) {
		t.Fatal("expected synchronous local write")
	}
}
