// Package blobstore composes the local, P2P, and HTTP tiers behind the
// single Store contract the tree engine depends on (spec §4.5). The
// composed store implements the same get/put/has/delete capability its
// backends do and holds them privately; callers never see the layering,
// matching the "dynamic dispatch over store backends" design note.
package blobstore

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mmalmi/hashtree/internal/blobstore/local"
	"github.com/mmalmi/hashtree/internal/hashing"
)

// Local is the subset of internal/blobstore/local.Store the layered
// store needs.
type Local interface {
	Get(hash hashing.Hash) ([]byte, bool, error)
	Put(hash hashing.Hash, data []byte) (bool, error)
	Has(hash hashing.Hash) bool
	Delete(hash hashing.Hash) (bool, error)
}

// P2P is the subset of internal/p2p.Exchange the layered store needs.
type P2P interface {
	Get(ctx context.Context, hash hashing.Hash) ([]byte, bool, error)
}

// HTTP is the subset of internal/httpstore.Store the layered store needs.
type HTTP interface {
	Get(ctx context.Context, hash hashing.Hash) ([]byte, bool, error)
	Put(ctx context.Context, hash hashing.Hash, data []byte) error
}

// P2PWaitBound is the hard wait bound spec §4.5 places on the P2P tier
// before falling through to HTTP.
const P2PWaitBound = time.Second

// Store is the layered blob store: local -> P2P (bounded) -> HTTP.
type Store struct {
	local Local
	p2p   P2P
	http  HTTP

	group singleflight.Group // pending-request dedup per hash, spec §9
}

// New composes a layered Store. p2p and http may be nil to omit a tier
// (useful for tests and for deployments with no network backend).
func New(local Local, p2p P2P, http HTTP) *Store {
	return &Store{local: local, p2p: p2p, http: http}
}

// Get implements the tiered fetch-with-verify contract.
func (s *Store) Get(ctx context.Context, hash hashing.Hash) ([]byte, bool, error) {
	v, err, _ := s.group.Do(hash.String(), func() (interface{}, error) {
		data, err := s.get(ctx, hash)
		if data == nil {
			// Return an untyped nil so the not-found check below sees it.
			return nil, err
		}
		return data, err
	})
	if err != nil {
		return nil, false, err
	}
	if v == nil {
		return nil, false, nil
	}
	return v.([]byte), true, nil
}

func (s *Store) get(ctx context.Context, hash hashing.Hash) ([]byte, error) {
	if data, found, err := s.local.Get(hash); err != nil {
		return nil, fmt.Errorf("blobstore: local get: %w", err)
	} else if found {
		return data, nil
	}

	if s.p2p != nil {
		p2pCtx, cancel := context.WithTimeout(ctx, P2PWaitBound)
		data, found, err := s.p2p.Get(p2pCtx, hash)
		cancel()
		if err == nil && found && local.VerifyOnRead(hash, data) {
			// The P2P layer already writes through to local on a valid
			// response (see internal/p2p.Exchange.handleResponse); no
			// second write is needed here.
			return data, nil
		}
		// On timeout, or a verification failure, the request keeps
		// running in the exchange's own background task; the caller
		// moves on, per spec §4.5.
	}

	if s.http != nil {
		data, found, err := s.http.Get(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("blobstore: http get: %w", err)
		}
		if found && local.VerifyOnRead(hash, data) {
			if _, err := s.local.Put(hash, data); err != nil {
				return nil, fmt.Errorf("blobstore: write-through: %w", err)
			}
			return data, nil
		}
	}

	return nil, nil
}

// Put writes synchronously to local and enqueues an async push to HTTP;
// HTTP failures never fail the Put.
func (s *Store) Put(ctx context.Context, hash hashing.Hash, data []byte) (isNew bool, err error) {
	isNew, err = s.local.Put(hash, data)
	if err != nil {
		return false, fmt.Errorf("blobstore: local put: %w", err)
	}
	if s.http != nil {
		go func() {
			bgCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = s.http.Put(bgCtx, hash, data)
		}()
	}
	return isNew, nil
}

// Has reports local presence only; remote tiers are not consulted since
// presence-without-fetch has no verification step to anchor on.
func (s *Store) Has(hash hashing.Hash) bool {
	return s.local.Has(hash)
}

// Delete removes hash from the local tier.
func (s *Store) Delete(hash hashing.Hash) (bool, error) {
	return s.local.Delete(hash)
}
