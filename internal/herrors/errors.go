// Package herrors holds the sentinel error taxonomy shared by every
// component of the store. Callers compare with errors.Is; wrapping with
// fmt.Errorf("...: %w", err) preserves the sentinel through layers the
// same way internal/cas distinguishes os.IsNotExist from a generic I/O
// failure.
package herrors

import "errors"

var (
	// ErrNotFound means no value exists at a hash, path, or key.
	ErrNotFound = errors.New("not found")

	// ErrMalformedNode means an encoding does not decode to a valid tree node.
	ErrMalformedNode = errors.New("malformed node")

	// ErrHashMismatch means fetched bytes do not hash to the requested address.
	ErrHashMismatch = errors.New("hash mismatch")

	// ErrDecryptionFailed means CHK decryption failed authentication.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrPathNotFound means a path segment did not exist during edit/resolve.
	ErrPathNotFound = errors.New("path not found")

	// ErrNameCollision means the target name already exists in a directory.
	ErrNameCollision = errors.New("name collision")

	// ErrUnsupportedForEncryptedTree means the operation is not defined for
	// encrypted roots.
	ErrUnsupportedForEncryptedTree = errors.New("unsupported for encrypted tree")

	// ErrEndpointError means a remote backend returned an error response.
	ErrEndpointError = errors.New("endpoint error")

	// ErrUnauthenticated means a write requires a Signer but none is configured.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrCancelled means the operation was aborted by the caller.
	ErrCancelled = errors.New("cancelled")

	// ErrTemporarilyUnavailable means all candidate endpoints are in
	// back-off, or too many recent failures occurred for this hash.
	ErrTemporarilyUnavailable = errors.New("temporarily unavailable")
)
