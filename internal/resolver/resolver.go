// Package resolver implements the pub/sub mapping from human-readable
// keys to mutable root CIDs (spec §4.9), adapted from the teacher's
// internal/refs.RefsManager: a bbolt-backed value store (CreateTimeline
// / UpdateTimeline / GetTimeline become Publish / local cache entries),
// generalized from the teacher's fixed timeline-type enum to the spec's
// visibility tiers and from an unbuffered update to a throttled one.
package resolver

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/mmalmi/hashtree/internal/chk"
	"github.com/mmalmi/hashtree/internal/hashing"
	"github.com/mmalmi/hashtree/internal/herrors"
	"github.com/mmalmi/hashtree/internal/visibility"
)

// PublishDelay is the throttle quiet interval of spec §4.9.
const PublishDelay = time.Second

// Record is a resolver reference entry.
type Record struct {
	CID              chk.CID
	Visibility       visibility.Tier
	EncryptedKey     []byte
	KeyID            [8]byte
	SelfEncryptedKey []byte
	CreatedAt        int64
	Dirty            bool
}

// Backend is the writable publication target; only needed if the
// resolver's publish is meaningful for the deployment (spec: "optional;
// only meaningful for writable backends").
type Backend interface {
	Publish(ctx context.Context, key string, rec Record) error
}

type subscriber struct {
	id int
	cb func(Record)
}

type keyState struct {
	current  Record
	hasValue bool
	subs     []subscriber
	cond     *sync.Cond

	pendingMu sync.Mutex
	pending   *Record
	timer     *time.Timer
}

type prefixSub struct {
	id     int
	prefix string
	cb     func(key string, rec Record)
}

// Resolver maps keys to their current reference record, with a local
// write-through cache and throttled publication to Backend.
type Resolver struct {
	db      *bbolt.DB
	backend Backend
	log     *zap.Logger

	mu         sync.Mutex
	states     map[string]*keyState
	nextSub    int
	prefixSubs []prefixSub
}

var bucketName = []byte("resolver")

// Open opens (creating if necessary) the resolver's local cache at path.
// log may be nil, in which case publish activity goes unlogged.
func Open(path string, backend Backend, log *zap.Logger) (*Resolver, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := bbolt.Open(path, 0666, nil)
	if err != nil {
		return nil, fmt.Errorf("resolver: open: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketName)
		return e
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("resolver: init bucket: %w", err)
	}
	r := &Resolver{db: db, backend: backend, log: log, states: make(map[string]*keyState)}
	_ = r.loadAll()
	return r, nil
}

// Close releases the underlying database handle.
func (r *Resolver) Close() error { return r.db.Close() }

type wireRecord struct {
	Hash             string `json:"hash"`
	HasKey           bool   `json:"has_key,omitempty"`
	Key              string `json:"key,omitempty"`
	Visibility       string `json:"visibility"`
	EncryptedKey     string `json:"encrypted_key,omitempty"`
	KeyID            string `json:"key_id,omitempty"`
	SelfEncryptedKey string `json:"self_encrypted_key,omitempty"`
	CreatedAt        int64  `json:"created_at"`
	Dirty            bool   `json:"dirty"`
}

func toWire(rec Record) wireRecord {
	w := wireRecord{
		Hash:       rec.CID.Hash.String(),
		HasKey:     rec.CID.HasKey,
		Visibility: string(rec.Visibility),
		CreatedAt:  rec.CreatedAt,
		Dirty:      rec.Dirty,
	}
	if rec.CID.HasKey {
		w.Key = rec.CID.Key.String()
	}
	if len(rec.EncryptedKey) > 0 {
		w.EncryptedKey = hex.EncodeToString(rec.EncryptedKey)
	}
	if rec.KeyID != ([8]byte{}) {
		w.KeyID = hex.EncodeToString(rec.KeyID[:])
	}
	if len(rec.SelfEncryptedKey) > 0 {
		w.SelfEncryptedKey = hex.EncodeToString(rec.SelfEncryptedKey)
	}
	return w
}

func fromWire(w wireRecord) (Record, error) {
	h, err := hashing.ParseHash(w.Hash)
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		CID:        chk.CID{Hash: h},
		Visibility: visibility.Tier(w.Visibility),
		CreatedAt:  w.CreatedAt,
		Dirty:      w.Dirty,
	}
	if w.HasKey {
		k, err := hashing.ParseHash(w.Key)
		if err != nil {
			return Record{}, err
		}
		rec.CID.HasKey = true
		rec.CID.Key = k
	}
	if w.EncryptedKey != "" {
		rec.EncryptedKey, _ = hex.DecodeString(w.EncryptedKey)
	}
	if w.KeyID != "" {
		b, _ := hex.DecodeString(w.KeyID)
		copy(rec.KeyID[:], b)
	}
	if w.SelfEncryptedKey != "" {
		rec.SelfEncryptedKey, _ = hex.DecodeString(w.SelfEncryptedKey)
	}
	return rec, nil
}

func (r *Resolver) loadAll() error {
	return r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			var w wireRecord
			if err := json.Unmarshal(v, &w); err != nil {
				return nil
			}
			rec, err := fromWire(w)
			if err != nil {
				return nil
			}
			st := r.stateFor(string(k))
			st.current = rec
			st.hasValue = true
			return nil
		})
	})
}

func (r *Resolver) stateFor(key string) *keyState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[key]
	if !ok {
		st = &keyState{}
		st.cond = sync.NewCond(&sync.Mutex{})
		r.states[key] = st
	}
	return st
}

func (r *Resolver) persist(key string, rec Record) error {
	w := toWire(rec)
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("resolver: marshal: %w", err)
	}
	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), data)
	})
}

// Resolve waits until a value is available for key and returns its CID.
// There is no built-in timeout; callers bound the wait through ctx.
func (r *Resolver) Resolve(ctx context.Context, key string) (chk.CID, error) {
	st := r.stateFor(key)
	st.cond.L.Lock()
	for !st.hasValue {
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				st.cond.Broadcast()
			case <-done:
			}
		}()
		st.cond.Wait()
		close(done)
		if ctx.Err() != nil {
			st.cond.L.Unlock()
			return chk.CID{}, fmt.Errorf("resolver: %w", herrors.ErrCancelled)
		}
	}
	cid := st.current.CID
	st.cond.L.Unlock()
	return cid, nil
}

// Subscribe registers cb to fire with the current value (if any) and
// again on every update, in cache-mutation order. The returned function
// unsubscribes.
func (r *Resolver) Subscribe(key string, cb func(Record)) (unsubscribe func()) {
	st := r.stateFor(key)
	st.cond.L.Lock()
	r.mu.Lock()
	r.nextSub++
	id := r.nextSub
	r.mu.Unlock()
	st.subs = append(st.subs, subscriber{id: id, cb: cb})
	hasValue, current := st.hasValue, st.current
	st.cond.L.Unlock()

	if hasValue {
		cb(current)
	}

	return func() {
		st.cond.L.Lock()
		defer st.cond.L.Unlock()
		for i, s := range st.subs {
			if s.id == id {
				st.subs = append(st.subs[:i], st.subs[i+1:]...)
				break
			}
		}
	}
}

// Write records a local write-through update, notifying subscribers
// synchronously, then schedules a throttled publish.
func (r *Resolver) Write(ctx context.Context, key string, rec Record) error {
	rec.Dirty = true
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}

	st := r.stateFor(key)
	st.cond.L.Lock()
	st.current = rec
	st.hasValue = true
	subs := append([]subscriber(nil), st.subs...)
	st.cond.L.Unlock()
	st.cond.Broadcast()

	if err := r.persist(key, rec); err != nil {
		return err
	}
	for _, s := range subs {
		s.cb(rec)
	}

	r.mu.Lock()
	matching := make([]prefixSub, 0, len(r.prefixSubs))
	for _, ps := range r.prefixSubs {
		if strings.HasPrefix(key, ps.prefix) {
			matching = append(matching, ps)
		}
	}
	r.mu.Unlock()
	for _, ps := range matching {
		ps.cb(key, rec)
	}

	r.schedulePublish(key, rec)
	return nil
}

// schedulePublish implements the PUBLISH_DELAY throttle: repeated
// writes within the quiet window collapse to the last value.
func (r *Resolver) schedulePublish(key string, rec Record) {
	if r.backend == nil {
		return
	}
	st := r.stateFor(key)
	st.pendingMu.Lock()
	defer st.pendingMu.Unlock()
	latest := rec
	st.pending = &latest
	if st.timer != nil {
		st.timer.Stop()
		r.log.Debug("resolver: collapsed pending publish", zap.String("key", key))
	}
	st.timer = time.AfterFunc(PublishDelay, func() {
		r.flushKey(key, st)
	})
}

func (r *Resolver) flushKey(key string, st *keyState) {
	st.pendingMu.Lock()
	rec := st.pending
	st.pending = nil
	st.pendingMu.Unlock()
	if rec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.backend.Publish(ctx, key, *rec); err != nil {
		r.log.Warn("resolver: publish failed", zap.String("key", key), zap.Error(err))
		return
	}
	r.log.Debug("resolver: published", zap.String("key", key))
	rec.Dirty = false
	st.cond.L.Lock()
	st.current = *rec
	st.cond.L.Unlock()
	_ = r.persist(key, *rec)
}

// Flush forces any pending throttled publish for key to run immediately.
func (r *Resolver) Flush(key string) {
	st := r.stateFor(key)
	st.pendingMu.Lock()
	if st.timer != nil {
		st.timer.Stop()
	}
	st.pendingMu.Unlock()
	r.flushKey(key, st)
}

// List streams entries sharing prefix to cb, then stays open: cb fires
// again for any key under prefix written after the call, until the
// returned unsubscribe function runs (spec §4.9's "streams entries with
// a shared key prefix; stays open until unsubscribed").
func (r *Resolver) List(prefix string, cb func(key string, rec Record)) (unsubscribe func()) {
	r.mu.Lock()
	keys := make([]string, 0, len(r.states))
	for k := range r.states {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	r.nextSub++
	id := r.nextSub
	r.prefixSubs = append(r.prefixSubs, prefixSub{id: id, prefix: prefix, cb: cb})
	r.mu.Unlock()

	sort.Strings(keys)
	for _, k := range keys {
		st := r.stateFor(k)
		st.cond.L.Lock()
		hasValue, rec := st.hasValue, st.current
		st.cond.L.Unlock()
		if hasValue {
			cb(k, rec)
		}
	}

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, ps := range r.prefixSubs {
			if ps.id == id {
				r.prefixSubs = append(r.prefixSubs[:i], r.prefixSubs[i+1:]...)
				break
			}
		}
	}
}
