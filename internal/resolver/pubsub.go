package resolver

import (
	"context"
	"encoding/hex"
	"fmt"

	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/mmalmi/hashtree/internal/chk"
	"github.com/mmalmi/hashtree/internal/codec"
	"github.com/mmalmi/hashtree/internal/hashing"
	"github.com/mmalmi/hashtree/internal/visibility"
)

// ResolverTopic is the shared libp2p-pubsub topic reference updates are
// broadcast on, the resolver's one concrete writable Backend (spec §4.9:
// "optional; only meaningful for writable backends").
const ResolverTopic = "hashtree/resolver/1"

// PubSubBackend publishes and receives CBOR-encoded reference records
// (spec §6's wire form, via internal/codec.WireReferenceRecord) over a
// single shared pubsub topic. It satisfies Backend, so a Resolver can
// use it directly as its publish target.
type PubSubBackend struct {
	topic *pubsub.Topic
	sub   *pubsub.Subscription
}

// NewPubSubBackend joins ResolverTopic on ps.
func NewPubSubBackend(ps *pubsub.PubSub) (*PubSubBackend, error) {
	topic, err := ps.Join(ResolverTopic)
	if err != nil {
		return nil, fmt.Errorf("resolver: join topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("resolver: subscribe topic: %w", err)
	}
	return &PubSubBackend{topic: topic, sub: sub}, nil
}

// Publish implements Backend by broadcasting rec's wire form to the topic.
func (b *PubSubBackend) Publish(ctx context.Context, key string, rec Record) error {
	data, err := codec.EncodeReferenceRecord(toWireReferenceRecord(key, rec))
	if err != nil {
		return fmt.Errorf("resolver: encode record: %w", err)
	}
	return b.topic.Publish(ctx, data)
}

// Listen applies every valid incoming record to r via Write until ctx is
// cancelled or the subscription is closed.
func (b *PubSubBackend) Listen(ctx context.Context, r *Resolver) error {
	for {
		msg, err := b.sub.Next(ctx)
		if err != nil {
			return fmt.Errorf("resolver: read record: %w", err)
		}
		w, err := codec.DecodeReferenceRecord(msg.Data)
		if err != nil {
			continue
		}
		rec, key, err := fromWireReferenceRecord(w)
		if err != nil {
			continue
		}
		_ = r.Write(ctx, key, rec)
	}
}

// Close leaves the resolver topic.
func (b *PubSubBackend) Close() error {
	b.sub.Cancel()
	return b.topic.Close()
}

func toWireReferenceRecord(key string, rec Record) *codec.WireReferenceRecord {
	w := &codec.WireReferenceRecord{
		Key:        key,
		Hash:       rec.CID.Hash.String(),
		Visibility: string(rec.Visibility),
		CreatedAt:  rec.CreatedAt,
	}
	if rec.Visibility == visibility.Public && rec.CID.HasKey {
		w.ChkKey = rec.CID.Key.String()
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

func fromWireReferenceRecord(w *codec.WireReferenceRecord) (Record, string, error) {
	h, err := hashing.ParseHash(w.Hash)
	if err != nil {
		return Record{}, "", fmt.Errorf("resolver: parse hash: %w", err)
	}
	rec := Record{
		CID:        chk.CID{Hash: h},
		Visibility: visibility.Tier(w.Visibility),
		CreatedAt:  w.CreatedAt,
	}
	if w.ChkKey != "" {
		k, err := hashing.ParseHash(w.ChkKey)
		if err != nil {
			return Record{}, "", fmt.Errorf("resolver: parse chk key: %w", err)
		}
		rec.CID.HasKey = true
		rec.CID.Key = k
	}
	if w.EncryptedKey != "" {
		rec.EncryptedKey, err = hex.DecodeString(w.EncryptedKey)
		if err != nil {
			return Record{}, "", fmt.Errorf("resolver: parse encrypted key: %w", err)
		}
	}
	if w.KeyID != "" {
		b, err := hex.DecodeString(w.KeyID)
		if err != nil {
			return Record{}, "", fmt.Errorf("resolver: parse key id: %w", err)
		}
		copy(rec.KeyID[:], b)
	}
	if w.SelfEncryptedKey != "" {
		rec.SelfEncryptedKey, err = hex.DecodeString(w.SelfEncryptedKey)
		if err != nil {
			return Record{}, "", fmt.Errorf("resolver: parse self encrypted key: %w", err)
		}
	}
	return rec, w.Key, nil
}
