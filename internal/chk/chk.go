// Package chk implements convergent-hash-key encryption: identical
// plaintexts converge to identical ciphertexts so deduplication survives
// encryption. Key derivation follows the same "hash of canonical bytes"
// idea used throughout the teacher's internal/objects dual-hashing
// helpers, applied here to derive both the key and the nonce from the
// plaintext itself rather than from file metadata.
package chk

import (
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/mmalmi/hashtree/internal/hashing"
	"github.com/mmalmi/hashtree/internal/herrors"
)

// CID is a content identifier: a hash plus an optional CHK key.
type CID struct {
	Hash    hashing.Hash
	HasKey  bool
	Key     hashing.Hash
}

// deriveNonce computes a deterministic 12-byte AEAD nonce from the key.
// It is the digest of the key itself, not a prefix of the key, so that
// plaintexts whose digests happen to share a prefix never produce
// observably related nonces.
func deriveNonce(key hashing.Hash) []byte {
	n := hashing.Sum(key[:])
	return n[:chacha20poly1305.NonceSize]
}

// Encrypt performs the CHK encryption contract for plaintext data:
// derive K = hash(P), encrypt under K with a deterministic nonce, and
// return the ciphertext plus the CID (hash(C), K).
func Encrypt(plaintext []byte) (ciphertext []byte, cid CID, err error) {
	key := hashing.Sum(plaintext)
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, CID{}, fmt.Errorf("chk: init aead: %w", err)
	}
	nonce := deriveNonce(key)
	ct := aead.Seal(nil, nonce, plaintext, nil)
	cid = CID{Hash: hashing.Sum(ct), HasKey: true, Key: key}
	return ct, cid, nil
}

// Decrypt reverses Encrypt given the ciphertext bytes fetched at
// cid.Hash and the key embedded in the CID.
func Decrypt(ciphertext []byte, key hashing.Hash) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("chk: init aead: %w", err)
	}
	nonce := deriveNonce(key)
	pt, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("chk: %w", herrors.ErrDecryptionFailed)
	}
	return pt, nil
}
