package httpstore

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mmalmi/hashtree/internal/hashing"
	"github.com/mmalmi/hashtree/internal/signer"
)

var errSignerUnavailable = errors.New("signer unavailable")

func testSigner() signer.Signer {
	return signer.Func(func(ctx context.Context, ev signer.Event) (string, error) {
		return "test-token", nil
	})
}

func TestGetVerifiesHashAndReturnsData(t *testing.T) {
	data := []byte("remote content")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer srv.Close()

	s := New([]Endpoint{{URL: srv.URL, Read: true}}, testSigner(), nil)
	got, found, err := s.Get(context.Background(), hashing.Sum(data))
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if string(got) != string(data) {
		t.Fatalf("content mismatch: got %q", got)
	}
}

func TestGetReturnsNotFoundWithoutError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := New([]Endpoint{{URL: srv.URL, Read: true}}, testSigner(), nil)
	_, found, err := s.Get(context.Background(), hashing.Sum([]byte("anything")))
	if err != nil {
		t.Fatalf("expected no error on 404, got %v", err)
	}
	if found {
		t.Fatal("expected not found")
	}
}

func TestPutTreatsConflictAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	s := New([]Endpoint{{URL: srv.URL, Write: true}}, testSigner(), nil)
	data := []byte("small blob")
	if err := s.Put(context.Background(), hashing.Sum(data), data); err != nil {
		t.Fatalf("expected 409 to be treated as success, got %v", err)
	}
}

func TestPutSucceedsOn2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := New([]Endpoint{{URL: srv.URL, Write: true}}, testSigner(), nil)
	data := []byte("small blob")
	if err := s.Put(context.Background(), hashing.Sum(data), data); err != nil {
		t.Fatalf("put: %v", err)
	}
}

func TestPutSkipsBigBlobAlreadyPresent(t *testing.T) {
	var putCalled bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		putCalled = true
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := New([]Endpoint{{URL: srv.URL, Write: true}}, testSigner(), nil)
	data := make([]byte, bigBlobThreshold+1)
	if err := s.Put(context.Background(), hashing.Sum(data), data); err != nil {
		t.Fatalf("put: %v", err)
	}
	if putCalled {
		t.Fatal("expected HEAD dedup to skip the PUT for an already-present big blob")
	}
}

func TestHasSendsAuthorizationHeaderSameAsOtherVerbs(t *testing.T) {
	data := []byte("remote content")
	hash := hashing.Sum(data)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Fatalf("expected HEAD, got %s", r.Method)
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// No token attachable: the endpoint's HEAD handler rejects with 401,
	// and an unauthenticated Has must report absent rather than erroring.
	unauthenticated := New([]Endpoint{{URL: srv.URL, Read: true}}, signer.Func(func(ctx context.Context, ev signer.Event) (string, error) {
		return "", errSignerUnavailable
	}), nil)
	if unauthenticated.Has(context.Background(), hash) {
		t.Fatal("expected Has to report absent when the endpoint rejects an unauthenticated HEAD")
	}

	// Same endpoint, same hash, now with a working signer: the HEAD
	// carries "Bearer test-token" and the endpoint answers 200.
	authenticated := New([]Endpoint{{URL: srv.URL, Read: true}}, testSigner(), nil)
	if !authenticated.Has(context.Background(), hash) {
		t.Fatal("expected Has to report present once the HEAD request is authenticated")
	}
}

func TestPutGivesUpAfterMaxHashAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := New([]Endpoint{{URL: srv.URL, Write: true}}, testSigner(), nil)
	data := []byte("always fails")
	hash := hashing.Sum(data)

	var lastErr error
	for i := 0; i < 10; i++ {
		lastErr = s.Put(context.Background(), hash, data)
	}
	if lastErr != nil {
		t.Fatalf("expected the store to silently give up after repeated failures, got %v", lastErr)
	}
}
