// Package signer externalises signing as a single opaque capability:
// the core never holds secret material, only a handle that can produce
// tokens on request. This replaces the teacher's GitHub OAuth-token
// internal/auth package (dropped, see DESIGN.md) with the simpler
// capability shape the store actually needs, and reuses the
// "never expose the secret itself" idea behind internal/keys's
// phrase-lookup abstraction.
package signer

import "context"

// Event describes what a caller wants a token to authorize.
type Event struct {
	Verb   string // HTTP verb, e.g. "PUT"
	Hash   string // hex hash the token is scoped to
	Expiry int64  // unix seconds the token is valid until
	ID     string // binds the token to a specific resource id (the hash)
}

// Signer produces an opaque token authorizing Event. The core treats
// the token as an opaque byte sequence and never inspects its format.
type Signer interface {
	Sign(ctx context.Context, ev Event) (token string, err error)
}

// Func adapts a plain function to the Signer interface.
type Func func(ctx context.Context, ev Event) (string, error)

// Sign implements Signer.
func (f Func) Sign(ctx context.Context, ev Event) (string, error) { return f(ctx, ev) }
