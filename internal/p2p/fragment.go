package p2p

import (
	"container/list"
	"sync"
	"time"

	"github.com/mmalmi/hashtree/internal/hashing"
)

// defaultFragmentCapacity bounds the number of in-flight reassembly
// buffers, per spec §9 ("bound by a hash->buffer LRU of tunable size").
const defaultFragmentCapacity = 256

type fragmentEntry struct {
	hash     hashing.Hash
	total    uint32
	parts    map[uint32][]byte
	touched  time.Time
	listElem *list.Element
}

// FragmentAssembler reassembles fragmented RESPONSE payloads, accepting
// fragments in any order and expiring stale entries under an LRU policy
// so an adversarial peer cannot exhaust memory with incomplete sends.
type FragmentAssembler struct {
	mu       sync.Mutex
	capacity int
	entries  map[hashing.Hash]*fragmentEntry
	lru      *list.List // front = most recently touched
	now      func() time.Time
}

// NewFragmentAssembler constructs an assembler bounded to capacity
// concurrent reassemblies (0 uses the default).
func NewFragmentAssembler(capacity int) *FragmentAssembler {
	if capacity <= 0 {
		capacity = defaultFragmentCapacity
	}
	return &FragmentAssembler{
		capacity: capacity,
		entries:  make(map[hashing.Hash]*fragmentEntry),
		lru:      list.New(),
		now:      time.Now,
	}
}

// Add records one fragment. When the final fragment of a response
// arrives, the reassembled bytes are returned with complete=true; the
// entry is then removed. Fragments received after total is already
// known but whose index is >= total are ignored.
func (a *FragmentAssembler) Add(resp Response) (data []byte, complete bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if resp.FragmentTotal == 0 {
		return resp.Data, true
	}
	if resp.FragmentIndex >= resp.FragmentTotal {
		return nil, false
	}

	e, ok := a.entries[resp.Hash]
	if !ok {
		if len(a.entries) >= a.capacity {
			a.evictOldestLocked()
		}
		e = &fragmentEntry{hash: resp.Hash, total: resp.FragmentTotal, parts: make(map[uint32][]byte)}
		a.entries[resp.Hash] = e
		e.listElem = a.lru.PushFront(resp.Hash)
	} else {
		a.lru.MoveToFront(e.listElem)
	}
	e.touched = a.now()
	e.parts[resp.FragmentIndex] = resp.Data

	if uint32(len(e.parts)) < e.total {
		return nil, false
	}

	out := make([]byte, 0)
	for i := uint32(0); i < e.total; i++ {
		part, ok := e.parts[i]
		if !ok {
			return nil, false
		}
		out = append(out, part...)
	}
	a.removeLocked(resp.Hash)
	return out, true
}

func (a *FragmentAssembler) evictOldestLocked() {
	back := a.lru.Back()
	if back == nil {
		return
	}
	h := back.Value.(hashing.Hash)
	a.removeLocked(h)
}

func (a *FragmentAssembler) removeLocked(h hashing.Hash) {
	e, ok := a.entries[h]
	if !ok {
		return
	}
	a.lru.Remove(e.listElem)
	delete(a.entries, h)
}

// ExpireStale drops reassembly buffers untouched for longer than ttl.
func (a *FragmentAssembler) ExpireStale(ttl time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	for h, e := range a.entries {
		if now.Sub(e.touched) > ttl {
			a.removeLocked(h)
		}
	}
}
