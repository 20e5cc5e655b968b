// Package visibility implements the three publication tiers of spec
// §4.6: public, unlisted, and private, which differ only in how a tree
// root's CHK key is carried. The AEAD primitive reuses internal/chk's
// chacha20poly1305 usage so the module carries a single cipher, not two.
package visibility

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/mmalmi/hashtree/internal/hashing"
	"github.com/mmalmi/hashtree/internal/herrors"
)

// Tier is a visibility level.
type Tier string

const (
	Public   Tier = "public"
	Unlisted Tier = "unlisted"
	Private  Tier = "private"
)

// legacyWrappedLen is the length of the legacy AEAD-wrapped unlisted key
// form: 12-byte nonce + 32-byte ciphertext + 16-byte tag.
const legacyWrappedLen = 12 + 32 + 16

// WrapForUnlisted XORs key with linkSecret, used directly as a one-time pad.
func WrapForUnlisted(key, linkSecret hashing.Hash) hashing.Hash {
	var out hashing.Hash
	for i := range out {
		out[i] = key[i] ^ linkSecret[i]
	}
	return out
}

// UnwrapFromUnlisted reverses WrapForUnlisted for the current 32-byte
// XOR form, and also accepts the legacy 60-byte AEAD-wrapped form for
// backward compatibility.
func UnwrapFromUnlisted(encryptedKey []byte, linkSecret hashing.Hash) (hashing.Hash, error) {
	switch len(encryptedKey) {
	case hashing.Size:
		var out hashing.Hash
		for i := range out {
			out[i] = encryptedKey[i] ^ linkSecret[i]
		}
		return out, nil
	case legacyWrappedLen:
		return unwrapLegacyAEAD(encryptedKey, linkSecret)
	default:
		return hashing.Hash{}, fmt.Errorf("visibility: unwrap: %w: unexpected length %d", herrors.ErrDecryptionFailed, len(encryptedKey))
	}
}

func deriveLegacyAEADKey(linkSecret hashing.Hash) ([]byte, error) {
	kdf := hkdf.New(sha256.New, linkSecret[:], nil, []byte("hashtree-unlisted-legacy"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("visibility: derive legacy key: %w", err)
	}
	return key, nil
}

func unwrapLegacyAEAD(wrapped []byte, linkSecret hashing.Hash) (hashing.Hash, error) {
	key, err := deriveLegacyAEADKey(linkSecret)
	if err != nil {
		return hashing.Hash{}, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return hashing.Hash{}, fmt.Errorf("visibility: init legacy aead: %w", err)
	}
	nonce := wrapped[:chacha20poly1305.NonceSize]
	ciphertextAndTag := wrapped[chacha20poly1305.NonceSize:]
	plain, err := aead.Open(nil, nonce, ciphertextAndTag, nil)
	if err != nil {
		return hashing.Hash{}, fmt.Errorf("visibility: %w", herrors.ErrDecryptionFailed)
	}
	var out hashing.Hash
	copy(out[:], plain)
	return out, nil
}

// DeriveKeyID returns the first 8 bytes of the digest of linkSecret.
func DeriveKeyID(linkSecret hashing.Hash) [8]byte {
	d := hashing.Sum(linkSecret[:])
	var id [8]byte
	copy(id[:], d[:8])
	return id
}
