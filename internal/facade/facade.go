// Package facade composes the tree engine, layered blob store, visibility
// wrapping, and reference resolver behind one request/response boundary,
// the Go-native equivalent of spec §2's "Worker façade" component: in the
// original browser-hosted system that boundary was a Web Worker message
// channel separating the crypto/CAS core from the UI thread; this module
// has no such thread boundary; a single composed Service exposing the
// same operation surface is the idiomatic Go analogue external
// collaborators (the UI layer, and every other out-of-scope consumer
// named in spec §1) call into.
package facade

import (
	"context"
	"fmt"

	"github.com/mmalmi/hashtree/internal/chk"
	"github.com/mmalmi/hashtree/internal/hashing"
	"github.com/mmalmi/hashtree/internal/hashtree"
	"github.com/mmalmi/hashtree/internal/resolver"
	"github.com/mmalmi/hashtree/internal/visibility"
)

// Resolver is the subset of *resolver.Resolver the facade needs.
type Resolver interface {
	Resolve(ctx context.Context, key string) (chk.CID, error)
	Subscribe(key string, cb func(resolver.Record)) (unsubscribe func())
	Write(ctx context.Context, key string, rec resolver.Record) error
	Flush(key string)
	List(prefix string, cb func(key string, rec resolver.Record)) (unsubscribe func())
}

// Service is the single composed entry point over the tree engine and
// the reference resolver: every put/read/edit/publish operation a caller
// needs is reachable from here, so a consumer never has to reach past
// the facade into the tree or resolver packages directly.
type Service struct {
	tree     *hashtree.Tree
	resolver Resolver
}

// New composes a Service over tree and resolver. resolver may be nil for
// a tree-only deployment with no mutable-pointer layer.
func New(tree *hashtree.Tree, res Resolver) *Service {
	return &Service{tree: tree, resolver: res}
}

// PutFile stores data as a (possibly chunked) file, optionally under
// convergent encryption.
func (s *Service) PutFile(ctx context.Context, data []byte, encrypt bool) (chk.CID, int64, error) {
	return s.tree.PutFile(ctx, data, encrypt)
}

// PutDirectory stores a directory of entries.
func (s *Service) PutDirectory(ctx context.Context, entries []hashtree.DirEntry, encrypt bool) (chk.CID, int64, error) {
	return s.tree.PutDirectory(ctx, entries, encrypt)
}

// ReadFile reads the full contents addressed by cid.
func (s *Service) ReadFile(ctx context.Context, cid chk.CID) ([]byte, error) {
	return s.tree.ReadFile(ctx, cid)
}

// ReadFileRange reads a byte range of the file addressed by cid.
func (s *Service) ReadFileRange(ctx context.Context, cid chk.CID, start int64, end *int64) ([]byte, error) {
	return s.tree.ReadFileRange(ctx, cid, start, end)
}

// ListDirectory lists the entries of the directory addressed by cid.
func (s *Service) ListDirectory(ctx context.Context, cid chk.CID) ([]hashtree.TreeEntry, error) {
	return s.tree.ListDirectory(ctx, cid)
}

// ResolvePath walks path from root and returns the entry it names.
func (s *Service) ResolvePath(ctx context.Context, root chk.CID, path []string) (chk.CID, bool, bool, error) {
	return s.tree.ResolvePath(ctx, root, path)
}

// Walk performs a pre-order traversal of the tree rooted at root.
func (s *Service) Walk(ctx context.Context, root chk.CID, cb func(hashtree.WalkEntry) bool) error {
	return s.tree.Walk(ctx, root, cb)
}

// VerifyTree checks reachability of every hash under root.
func (s *Service) VerifyTree(ctx context.Context, root chk.CID) (bool, []hashing.Hash, error) {
	return s.tree.VerifyTree(ctx, root)
}

// SetEntry, RemoveEntry, RenameEntry, and MoveEntry expose the tree's
// structural-sharing edit operations.
func (s *Service) SetEntry(ctx context.Context, root chk.CID, path []string, entry hashtree.DirEntry, encrypt bool) (chk.CID, error) {
	return s.tree.SetEntry(ctx, root, path, entry, encrypt)
}

func (s *Service) RemoveEntry(ctx context.Context, root chk.CID, path []string, encrypt bool) (chk.CID, error) {
	return s.tree.RemoveEntry(ctx, root, path, encrypt)
}

func (s *Service) RenameEntry(ctx context.Context, root chk.CID, dirPath []string, oldName, newName string, encrypt bool) (chk.CID, error) {
	return s.tree.RenameEntry(ctx, root, dirPath, oldName, newName, encrypt)
}

func (s *Service) MoveEntry(ctx context.Context, root chk.CID, srcPath, dstPath []string, encrypt bool) (chk.CID, error) {
	return s.tree.MoveEntry(ctx, root, srcPath, dstPath, encrypt)
}

// PublishPublic publishes root under key with the key's CHK key carried
// in the clear (spec §4.6's public tier).
func (s *Service) PublishPublic(ctx context.Context, key string, root chk.CID) error {
	if s.resolver == nil {
		return fmt.Errorf("facade: publish: no resolver configured")
	}
	return s.resolver.Write(ctx, key, resolver.Record{CID: root, Visibility: visibility.Public})
}

// PublishUnlisted publishes root under key with its CHK key wrapped
// under linkSecret (spec §4.6's unlisted tier).
func (s *Service) PublishUnlisted(ctx context.Context, key string, root chk.CID, linkSecret hashing.Hash) error {
	if s.resolver == nil {
		return fmt.Errorf("facade: publish: no resolver configured")
	}
	if !root.HasKey {
		return fmt.Errorf("facade: publish unlisted: root has no CHK key to wrap")
	}
	wrapped := visibility.WrapForUnlisted(root.Key, linkSecret)
	rec := resolver.Record{
		CID:          chk.CID{Hash: root.Hash},
		Visibility:   visibility.Unlisted,
		EncryptedKey: wrapped[:],
		KeyID:        visibility.DeriveKeyID(linkSecret),
	}
	return s.resolver.Write(ctx, key, rec)
}

// Resolve resolves key and, for an unlisted record, unwraps its CHK key
// using linkSecret; for a public record linkSecret is ignored. It blocks
// until a value is available or ctx is done.
func (s *Service) Resolve(ctx context.Context, key string, linkSecret *hashing.Hash) (chk.CID, error) {
	if s.resolver == nil {
		return chk.CID{}, fmt.Errorf("facade: resolve: no resolver configured")
	}
	rec, err := s.awaitRecord(ctx, key)
	if err != nil {
		return chk.CID{}, err
	}
	if rec.Visibility == visibility.Unlisted && linkSecret != nil {
		key, err := visibility.UnwrapFromUnlisted(rec.EncryptedKey, *linkSecret)
		if err != nil {
			return chk.CID{}, err
		}
		return chk.CID{Hash: rec.CID.Hash, HasKey: true, Key: key}, nil
	}
	return rec.CID, nil
}

// awaitRecord blocks until the resolver has a value for key, returning
// the full record (Resolve alone only exposes the bare CID, which isn't
// enough to unwrap an unlisted record's key).
func (s *Service) awaitRecord(ctx context.Context, key string) (resolver.Record, error) {
	ch := make(chan resolver.Record, 1)
	unsubscribe := s.resolver.Subscribe(key, func(rec resolver.Record) {
		select {
		case ch <- rec:
		default:
		}
	})
	defer unsubscribe()
	select {
	case rec := <-ch:
		return rec, nil
	case <-ctx.Done():
		return resolver.Record{}, ctx.Err()
	}
}

// Subscribe wires a callback to every update of key's reference record.
func (s *Service) Subscribe(key string, cb func(resolver.Record)) (unsubscribe func()) {
	if s.resolver == nil {
		return func() {}
	}
	return s.resolver.Subscribe(key, cb)
}

// Flush forces any pending throttled publish for key to run immediately.
func (s *Service) Flush(key string) {
	if s.resolver != nil {
		s.resolver.Flush(key)
	}
}

// ListKeys streams reference entries sharing prefix.
func (s *Service) ListKeys(prefix string, cb func(key string, rec resolver.Record)) (unsubscribe func()) {
	if s.resolver == nil {
		return func() {}
	}
	return s.resolver.List(prefix, cb)
}
