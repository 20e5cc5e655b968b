// Package health tracks per-endpoint and per-hash failure state for the
// HTTP backend store (spec §4.7), adapted from the refcounted mutex
// pattern internal/store.Manager uses to guard shared state.
package health

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// BaseBackoff is the starting back-off duration after one error.
	BaseBackoff = time.Second
	// MaxBackoff caps the exponential back-off growth.
	MaxBackoff = 60 * time.Second
	// MaxHashAttempts is the per-hash give-up threshold.
	MaxHashAttempts = 4
)

type endpointState struct {
	consecutiveErrors int
	lastErrorTime     time.Time
}

type hashState struct {
	attempts     int
	lastAttempt  time.Time
}

// Tracker holds endpoint and per-hash health state, process-wide,
// mutation serialised by a single mutex as spec §5 requires.
type Tracker struct {
	mu        sync.Mutex
	endpoints map[string]*endpointState
	hashes    map[string]*hashState
	now       func() time.Time
	log       *zap.Logger
}

// NewTracker returns an empty Tracker. log may be nil, in which case
// back-off and give-up transitions go unlogged.
func NewTracker(log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		endpoints: make(map[string]*endpointState),
		hashes:    make(map[string]*hashState),
		now:       time.Now,
		log:       log,
	}
}

// RecordEndpointError records a failure for endpoint and advances its
// back-off state.
func (t *Tracker) RecordEndpointError(endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.endpoints[endpoint]
	if st == nil {
		st = &endpointState{}
		t.endpoints[endpoint] = st
	}
	st.consecutiveErrors++
	st.lastErrorTime = t.now()
	t.log.Debug("health: endpoint error",
		zap.String("endpoint", endpoint),
		zap.Int("consecutive_errors", st.consecutiveErrors))
}

// RecordEndpointSuccess clears endpoint's error counter.
func (t *Tracker) RecordEndpointSuccess(endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st := t.endpoints[endpoint]; st != nil && st.consecutiveErrors > 0 {
		t.log.Info("health: endpoint recovered", zap.String("endpoint", endpoint))
	}
	delete(t.endpoints, endpoint)
}

// InBackoff reports whether endpoint is currently in back-off.
func (t *Tracker) InBackoff(endpoint string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.endpoints[endpoint]
	if st == nil || st.consecutiveErrors == 0 {
		return false
	}
	backoff := BaseBackoff << (st.consecutiveErrors - 1)
	if backoff > MaxBackoff || backoff <= 0 {
		backoff = MaxBackoff
	}
	return t.now().Sub(st.lastErrorTime) < backoff
}

// RecordHashAttempt records a failed write attempt for hashHex and
// reports whether the per-hash give-up threshold has now been reached.
func (t *Tracker) RecordHashAttempt(hashHex string) (gaveUp bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.hashes[hashHex]
	if st == nil {
		st = &hashState{}
		t.hashes[hashHex] = st
	}
	st.attempts++
	st.lastAttempt = t.now()
	gaveUp = st.attempts >= MaxHashAttempts
	if gaveUp {
		t.log.Warn("health: gave up on hash after repeated failures",
			zap.String("hash", hashHex), zap.Int("attempts", st.attempts))
	}
	return gaveUp
}

// HashGaveUp reports whether hashHex has reached MaxHashAttempts.
func (t *Tracker) HashGaveUp(hashHex string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.hashes[hashHex]
	return st != nil && st.attempts >= MaxHashAttempts
}

// RecordHashSuccess resets the per-hash attempt counter.
func (t *Tracker) RecordHashSuccess(hashHex string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.hashes, hashHex)
}
