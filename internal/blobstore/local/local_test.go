package local

import (
	"path/filepath"
	"testing"

	"github.com/mmalmi/hashtree/internal/hashing"
)

func openTestStore(t *testing.T, compress bool) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "blobs.db"), compress)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		s := openTestStore(t, compress)
		data := []byte("hello blob store")
		h := hashing.Sum(data)

		isNew, err := s.Put(h, data)
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		if !isNew {
			t.Fatal("expected first put to report isNew")
		}

		got, ok, err := s.Get(h)
		if err != nil || !ok {
			t.Fatalf("get: ok=%v err=%v", ok, err)
		}
		if string(got) != string(data) {
			t.Fatalf("content mismatch (compress=%v): got %q want %q", compress, got, data)
		}
	}
}

func TestPutIdempotent(t *testing.T) {
	s := openTestStore(t, false)
	data := []byte("idempotent")
	h := hashing.Sum(data)

	if _, err := s.Put(h, data); err != nil {
		t.Fatalf("put: %v", err)
	}
	isNew, err := s.Put(h, data)
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if isNew {
		t.Fatal("expected second put of the same hash to report isNew=false")
	}
}

func TestDeleteReportsExisted(t *testing.T) {
	s := openTestStore(t, false)
	data := []byte("to delete")
	h := hashing.Sum(data)
	if _, err := s.Put(h, data); err != nil {
		t.Fatalf("put: %v", err)
	}

	existed, err := s.Delete(h)
	if err != nil || !existed {
		t.Fatalf("delete: existed=%v err=%v", existed, err)
	}
	if s.Has(h) {
		t.Fatal("blob still present after delete")
	}
	existed, err = s.Delete(h)
	if err != nil || existed {
		t.Fatalf("second delete: existed=%v err=%v", existed, err)
	}
}

func TestVerifyOnRead(t *testing.T) {
	data := []byte("verify me")
	h := hashing.Sum(data)
	if !VerifyOnRead(h, data) {
		t.Fatal("expected matching hash to verify")
	}
	if VerifyOnRead(h, []byte("tampered")) {
		t.Fatal("expected mismatched content to fail verification")
	}
}
