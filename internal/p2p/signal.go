package p2p

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// HelloTopic is the out-of-band signalling channel peers broadcast
// discovery hellos on.
const HelloTopic = "hashtree/hello/1"

// Hello is the broadcast discovery message of spec §6.
type Hello struct {
	Type   string    `json:"type"`
	PeerID uuid.UUID `json:"peer_id"`
}

// Signal is a directed offer/answer/candidate message sealed to a
// specific recipient's public key (sealing is the caller's
// responsibility; this type carries the payload shape only).
type Signal struct {
	Type      string          `json:"type"` // "offer" | "answer" | "candidate" | "candidates"
	Recipient uuid.UUID       `json:"recipient"`
	Payload   json.RawMessage `json:"payload"`
}

// Signaller publishes hello broadcasts and dispatches incoming ones to a
// callback, over a libp2p pubsub topic.
type Signaller struct {
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	self  PeerIdentity
}

// NewSignaller joins HelloTopic on ps for identity self.
func NewSignaller(ctx context.Context, ps *pubsub.PubSub, self PeerIdentity) (*Signaller, error) {
	topic, err := ps.Join(HelloTopic)
	if err != nil {
		return nil, fmt.Errorf("p2p: join hello topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("p2p: subscribe hello topic: %w", err)
	}
	return &Signaller{topic: topic, sub: sub, self: self}, nil
}

// BroadcastHello announces this node's presence.
func (s *Signaller) BroadcastHello(ctx context.Context) error {
	msg, err := json.Marshal(Hello{Type: "hello", PeerID: s.self.UUID})
	if err != nil {
		return fmt.Errorf("p2p: marshal hello: %w", err)
	}
	return s.topic.Publish(ctx, msg)
}

// Listen invokes onHello for every hello received from another peer
// (this node's own hellos are skipped; repeated hellos from one peer are
// each delivered) until ctx is cancelled.
func (s *Signaller) Listen(ctx context.Context, onHello func(Hello)) error {
	for {
		msg, err := s.sub.Next(ctx)
		if err != nil {
			return fmt.Errorf("p2p: read hello: %w", err)
		}
		var h Hello
		if err := json.Unmarshal(msg.Data, &h); err != nil {
			continue
		}
		if h.PeerID == s.self.UUID {
			continue
		}
		onHello(h)
	}
}

// Close leaves the signalling topic.
func (s *Signaller) Close() error {
	s.sub.Cancel()
	return s.topic.Close()
}
