package p2p

import (
	"bufio"
	"container/list"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mmalmi/hashtree/internal/hashing"
)

// LocalLookup is the subset of the local blob tier the exchange needs:
// answer incoming requests and write through successful fetches.
type LocalLookup interface {
	Has(hash hashing.Hash) bool
	Get(hash hashing.Hash) ([]byte, bool, error)
	Put(hash hashing.Hash, data []byte) (bool, error)
}

const wantLRUCapacity = 200

// wantEntry records, for one hash, the peers who asked us for it and are
// owed an unsolicited RESPONSE once we learn the bytes.
type wantEntry struct {
	hash     hashing.Hash
	peers    map[peer.ID]struct{}
	listElem *list.Element
}

// Exchange implements the P2P request/response protocol over a libp2p
// host: forwarding with hops-to-live, fragment reassembly, and
// pending-request dedup via golang.org/x/sync/singleflight (spec §9's
// "multiple in-flight get(h) callers should share a single outstanding
// fetch").
type Exchange struct {
	host  host.Host
	table *PeerTable
	local LocalLookup
	frag  *FragmentAssembler
	log   *zap.Logger
	group singleflight.Group

	mu      sync.Mutex
	want    map[hashing.Hash]*wantEntry
	wantLRU *list.List

	pendingMu sync.Mutex
	pending   map[hashing.Hash][]chan []byte
}

// NewExchange wires an Exchange over h, registering the stream handler.
func NewExchange(h host.Host, table *PeerTable, local LocalLookup, log *zap.Logger) *Exchange {
	if log == nil {
		log = zap.NewNop()
	}
	ex := &Exchange{
		host:    h,
		table:   table,
		local:   local,
		frag:    NewFragmentAssembler(0),
		log:     log,
		want:    make(map[hashing.Hash]*wantEntry),
		wantLRU: list.New(),
		pending: make(map[hashing.Hash][]chan []byte),
	}
	h.SetStreamHandler(ProtocolID, ex.handleStream)
	return ex
}

func (ex *Exchange) handleStream(s network.Stream) {
	defer s.Close()
	remote := s.Conn().RemotePeer()
	r := bufio.NewReader(s)
	data, err := io.ReadAll(r)
	if err != nil {
		ex.log.Debug("p2p: read stream", zap.Error(err))
		return
	}
	isReq, req, resp, err := Decode(data)
	if err != nil {
		ex.log.Debug("p2p: decode message", zap.Error(err), zap.String("peer", remote.String()))
		return
	}
	if isReq {
		ex.handleRequest(remote, req)
	} else {
		ex.handleResponse(remote, resp)
	}
}

// handleRequest implements spec §4.8's incoming REQUEST handling:
// answer directly on local hit, otherwise remember the requester and
// forward with a decremented HTL.
func (ex *Exchange) handleRequest(from peer.ID, req Request) {
	if ex.local.Has(req.Hash) {
		data, found, err := ex.local.Get(req.Hash)
		if err == nil && found {
			ex.sendResponse(from, req.Hash, data)
		}
		return
	}

	ex.rememberWant(req.Hash, from)

	if req.HTL == 0 {
		return
	}
	fwd := Request{Hash: req.Hash, HTL: req.HTL - 1}
	for _, p := range ex.table.ConnectedPeers() {
		if p == from {
			continue
		}
		ex.sendRequest(p, fwd)
	}
}

// handleResponse implements spec §4.8's incoming RESPONSE handling:
// verify, store, resolve pending local requests, push to "requests they
// want" peers, and reassemble fragments.
func (ex *Exchange) handleResponse(from peer.ID, resp Response) {
	data, complete := ex.frag.Add(resp)
	if !complete {
		return
	}
	if hashing.Sum(data) != resp.Hash {
		ex.log.Debug("p2p: response hash mismatch", zap.String("peer", from.String()))
		return
	}

	if _, err := ex.local.Put(resp.Hash, data); err != nil {
		ex.log.Warn("p2p: write-through failed", zap.Error(err))
	}

	ex.resolvePending(resp.Hash, data)

	for _, p := range ex.takeWanters(resp.Hash) {
		if p == from {
			continue
		}
		ex.sendResponse(p, resp.Hash, data)
	}
}

func (ex *Exchange) rememberWant(hash hashing.Hash, from peer.ID) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	e, ok := ex.want[hash]
	if !ok {
		if len(ex.want) >= wantLRUCapacity {
			back := ex.wantLRU.Back()
			if back != nil {
				delete(ex.want, back.Value.(hashing.Hash))
				ex.wantLRU.Remove(back)
			}
		}
		e = &wantEntry{hash: hash, peers: make(map[peer.ID]struct{})}
		e.listElem = ex.wantLRU.PushFront(hash)
		ex.want[hash] = e
	} else {
		ex.wantLRU.MoveToFront(e.listElem)
	}
	e.peers[from] = struct{}{}
}

func (ex *Exchange) takeWanters(hash hashing.Hash) []peer.ID {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	e, ok := ex.want[hash]
	if !ok {
		return nil
	}
	out := make([]peer.ID, 0, len(e.peers))
	for p := range e.peers {
		out = append(out, p)
	}
	ex.wantLRU.Remove(e.listElem)
	delete(ex.want, hash)
	return out
}

func (ex *Exchange) sendRequest(to peer.ID, req Request) {
	s, err := ex.host.NewStream(context.Background(), to, ProtocolID)
	if err != nil {
		return
	}
	defer s.Close()
	_, _ = s.Write(EncodeRequest(req))
}

func (ex *Exchange) sendResponse(to peer.ID, hash hashing.Hash, data []byte) {
	s, err := ex.host.NewStream(context.Background(), to, ProtocolID)
	if err != nil {
		return
	}
	defer s.Close()
	for _, frag := range SplitFragments(hash, data) {
		if _, err := s.Write(EncodeResponse(frag)); err != nil {
			return
		}
	}
}

func (ex *Exchange) resolvePending(hash hashing.Hash, data []byte) {
	ex.pendingMu.Lock()
	chans := ex.pending[hash]
	delete(ex.pending, hash)
	ex.pendingMu.Unlock()
	for _, c := range chans {
		c <- data
		close(c)
	}
}

// Get issues REQUEST(h, MAX_HTL) to every connected peer in parallel and
// returns the first valid RESPONSE, or (nil,false,nil) on context
// cancellation/deadline. Multiple concurrent Get calls for the same hash
// share a single outstanding fetch via singleflight.
func (ex *Exchange) Get(ctx context.Context, hash hashing.Hash) ([]byte, bool, error) {
	v, err, _ := ex.group.Do(hash.String(), func() (interface{}, error) {
		peers := ex.table.ConnectedPeers()
		if len(peers) == 0 {
			return nil, nil
		}

		ch := make(chan []byte, 1)
		ex.pendingMu.Lock()
		ex.pending[hash] = append(ex.pending[hash], ch)
		ex.pendingMu.Unlock()

		for _, p := range peers {
			ex.sendRequest(p, Request{Hash: hash, HTL: MaxHTL})
		}

		select {
		case data := <-ch:
			return data, nil
		case <-ctx.Done():
			// Per spec: a caller-supplied deadline on Get must not
			// cancel the underlying P2P request; it continues in the
			// background for the benefit of the write-through cache.
			return nil, nil
		}
	})
	if err != nil {
		return nil, false, fmt.Errorf("p2p get: %w", err)
	}
	if v == nil {
		return nil, false, nil
	}
	return v.([]byte), true, nil
}
