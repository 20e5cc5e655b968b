package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// WireReferenceRecord is the external representation of a resolver
// reference entry (spec §6). Unlike the tree-node encoding, this is an
// open, extensible record rather than a hash-stability invariant, so it
// is encoded with a real serialization library in canonical mode instead
// of a hand-rolled writer.
type WireReferenceRecord struct {
	Key        string `cbor:"key"`
	Hash       string `cbor:"hash"`
	Visibility string `cbor:"visibility"`
	// ChkKey carries the public-tier CID's plaintext CHK key (hex). The
	// spec's external wire form table omits a dedicated field for it, but
	// §4.6 requires the plaintext key to ride along in the public-tier
	// record somehow; this is that field.
	ChkKey           string `cbor:"chk_key,omitempty"`
	EncryptedKey     string `cbor:"encrypted_key,omitempty"`
	KeyID            string `cbor:"key_id,omitempty"`
	SelfEncryptedKey string `cbor:"self_encrypted_key,omitempty"`
	CreatedAt        int64  `cbor:"created_at"`
}

var wireEncMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: building canonical cbor encoder: %v", err))
	}
	return mode
}()

// EncodeReferenceRecord serialises a reference record for transport.
func EncodeReferenceRecord(r *WireReferenceRecord) ([]byte, error) {
	b, err := wireEncMode.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode reference record: %w", err)
	}
	return b, nil
}

// DecodeReferenceRecord parses a reference record received over the wire.
func DecodeReferenceRecord(data []byte) (*WireReferenceRecord, error) {
	var r WireReferenceRecord
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode reference record: %w", err)
	}
	return &r, nil
}
