// Package p2p implements the decentralised request/response protocol of
// spec §4.8: peer pools, hops-to-live forwarding, fragment reassembly,
// and hello/offer/answer signalling. The peer/connection bookkeeping is
// shaped after the teacher's internal/hamtdir bitmap-indexed child maps
// (bounded maps keyed by a short identifier) since the teacher has no
// networking layer of its own to adapt from directly; the transport
// itself is github.com/libp2p/go-libp2p, the stack HORNET-Storage's
// content-addressed relay depends on for the same role.
package p2p

import (
	"sync"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
)

// PoolClass distinguishes the operator's trusted peers from everyone else.
type PoolClass int

const (
	PoolFollows PoolClass = iota
	PoolOther
)

// ConnState is the per-peer connection state machine.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnected
)

// PeerIdentity is a node's ephemeral identity: a libp2p public-key-derived
// peer.ID plus a uuid used as the "lower uuid initiates" tie-breaker.
type PeerIdentity struct {
	PeerID peer.ID
	UUID   uuid.UUID
}

// NewPeerIdentity derives a fresh ephemeral identity.
func NewPeerIdentity(id peer.ID) PeerIdentity {
	return PeerIdentity{PeerID: id, UUID: uuid.New()}
}

// ShouldInitiate implements the "lower uuid initiates" hello-response
// policy: given the peer we just heard a hello from, decide whether we
// open the connection or wait for them to.
func (p PeerIdentity) ShouldInitiate(remote uuid.UUID) bool {
	return p.UUID.String() < remote.String()
}

// peerRecord tracks one remote peer's pool membership and connection state.
type peerRecord struct {
	identity PeerIdentity
	class    PoolClass
	state    ConnState
}

// poolLimits bounds a pool's connection count.
type poolLimits struct {
	maxConnections       int
	satisfiedConnections int
}

// PeerTable owns all peer bookkeeping; every mutation happens from the
// exchange's own task, matching spec §5's "peer_table owned by the P2P
// subsystem" rule — callers outside this package only read via the
// exported accessor methods, which take the same mutex for safety when
// called from other goroutines (e.g. a metrics endpoint).
type PeerTable struct {
	mu     sync.Mutex
	peers  map[peer.ID]*peerRecord
	limits map[PoolClass]*poolLimits

	// otherByPubkey enforces "one connection per remote public key" for
	// the PoolOther class.
	otherByPubkey map[string]peer.ID
}

// NewPeerTable constructs a table with the given per-pool connection caps.
func NewPeerTable(maxFollows, maxOther int) *PeerTable {
	return &PeerTable{
		peers: make(map[peer.ID]*peerRecord),
		limits: map[PoolClass]*poolLimits{
			PoolFollows: {maxConnections: maxFollows},
			PoolOther:   {maxConnections: maxOther},
		},
		otherByPubkey: make(map[string]peer.ID),
	}
}

// AdmitHello decides whether to accept a newly discovered peer of class
// cls, keyed by its public-key string (for the PoolOther spam limit).
func (t *PeerTable) AdmitHello(id PeerIdentity, cls PoolClass, pubkeyHex string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	lim := t.limits[cls]
	if lim.satisfiedConnections >= lim.maxConnections {
		return false
	}
	if cls == PoolOther {
		if existing, ok := t.otherByPubkey[pubkeyHex]; ok && existing != id.PeerID {
			return false
		}
	}
	t.peers[id.PeerID] = &peerRecord{identity: id, class: cls, state: StateConnecting}
	if cls == PoolOther {
		t.otherByPubkey[pubkeyHex] = id.PeerID
	}
	return true
}

// SetState transitions pid's connection state.
func (t *PeerTable) SetState(pid peer.ID, state ConnState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.peers[pid]
	if !ok {
		return
	}
	wasConnected := rec.state == StateConnected
	rec.state = state
	lim := t.limits[rec.class]
	switch {
	case state == StateConnected && !wasConnected:
		lim.satisfiedConnections++
	case state == StateDisconnected && wasConnected:
		lim.satisfiedConnections--
		delete(t.peers, pid)
		if rec.class == PoolOther {
			for k, v := range t.otherByPubkey {
				if v == pid {
					delete(t.otherByPubkey, k)
				}
			}
		}
	}
}

// ConnectedPeers returns the peer IDs currently in StateConnected.
func (t *PeerTable) ConnectedPeers() []peer.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]peer.ID, 0, len(t.peers))
	for id, rec := range t.peers {
		if rec.state == StateConnected {
			out = append(out, id)
		}
	}
	return out
}
