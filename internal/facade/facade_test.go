package facade

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mmalmi/hashtree/internal/blobstore"
	"github.com/mmalmi/hashtree/internal/blobstore/local"
	"github.com/mmalmi/hashtree/internal/hashing"
	"github.com/mmalmi/hashtree/internal/hashtree"
	"github.com/mmalmi/hashtree/internal/resolver"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	ls, err := local.Open(filepath.Join(t.TempDir(), "blobs.db"), false)
	if err != nil {
		t.Fatalf("open local store: %v", err)
	}
	t.Cleanup(func() { _ = ls.Close() })
	store := blobstore.New(ls, nil, nil)
	tree := hashtree.New(store)

	res, err := resolver.Open(filepath.Join(t.TempDir(), "resolver.db"), nil, nil)
	if err != nil {
		t.Fatalf("open resolver: %v", err)
	}
	t.Cleanup(func() { _ = res.Close() })

	return New(tree, res)
}

func TestServicePutFileThenReadFile(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	cid, size, err := s.PutFile(ctx, []byte("hello facade"), false)
	if err != nil {
		t.Fatalf("put file: %v", err)
	}
	if size != int64(len("hello facade")) {
		t.Fatalf("size mismatch: %d", size)
	}
	got, err := s.ReadFile(ctx, cid)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if string(got) != "hello facade" {
		t.Fatalf("content mismatch: %q", got)
	}
}

func TestServicePutDirectoryThenListAndResolvePath(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	fileCID, fileSize, err := s.PutFile(ctx, []byte("contents"), false)
	if err != nil {
		t.Fatalf("put file: %v", err)
	}
	root, _, err := s.PutDirectory(ctx, []hashtree.DirEntry{
		{Name: "a.txt", Child: fileCID, Size: fileSize},
	}, false)
	if err != nil {
		t.Fatalf("put directory: %v", err)
	}

	entries, err := s.ListDirectory(ctx, root)
	if err != nil {
		t.Fatalf("list directory: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "a.txt" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	cid, isTree, found, err := s.ResolvePath(ctx, root, []string{"a.txt"})
	if err != nil {
		t.Fatalf("resolve path: %v", err)
	}
	if !found || isTree {
		t.Fatalf("expected file entry, found=%v isTree=%v", found, isTree)
	}
	if cid.Hash != fileCID.Hash {
		t.Fatalf("cid mismatch")
	}
}

func TestServiceEditOperationsRenameRemove(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	fileCID, fileSize, err := s.PutFile(ctx, []byte("v1"), false)
	if err != nil {
		t.Fatalf("put file: %v", err)
	}
	root, _, err := s.PutDirectory(ctx, []hashtree.DirEntry{
		{Name: "a.txt", Child: fileCID, Size: fileSize},
	}, false)
	if err != nil {
		t.Fatalf("put directory: %v", err)
	}

	root, err = s.RenameEntry(ctx, root, nil, "a.txt", "b.txt", false)
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if _, _, found, err := s.ResolvePath(ctx, root, []string{"b.txt"}); err != nil || !found {
		t.Fatalf("expected renamed entry to resolve: found=%v err=%v", found, err)
	}

	root, err = s.RemoveEntry(ctx, root, []string{"b.txt"}, false)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, _, found, err := s.ResolvePath(ctx, root, []string{"b.txt"}); err != nil || found {
		t.Fatalf("expected entry to be gone: found=%v err=%v", found, err)
	}
}

func TestServicePublishPublicThenResolve(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	cid, _, err := s.PutFile(ctx, []byte("published"), true)
	if err != nil {
		t.Fatalf("put file: %v", err)
	}

	if err := s.PublishPublic(ctx, "alice/site", cid); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got, err := s.Resolve(ctx, "alice/site", nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Hash != cid.Hash || got.Key != cid.Key || !got.HasKey {
		t.Fatalf("resolved cid mismatch: got %+v want %+v", got, cid)
	}
}

func TestServicePublishUnlistedThenResolveUnwrapsKey(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	cid, _, err := s.PutFile(ctx, []byte("secret"), true)
	if err != nil {
		t.Fatalf("put file: %v", err)
	}

	linkSecret := hashing.Sum([]byte("link-secret"))
	if err := s.PublishUnlisted(ctx, "bob/notes", cid, linkSecret); err != nil {
		t.Fatalf("publish unlisted: %v", err)
	}

	got, err := s.Resolve(ctx, "bob/notes", &linkSecret)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Hash != cid.Hash || !got.HasKey || got.Key != cid.Key {
		t.Fatalf("resolved cid mismatch: got %+v want %+v", got, cid)
	}
}

func TestServiceListKeysStreamsMatchingPrefix(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	cid, _, err := s.PutFile(ctx, []byte("data"), false)
	if err != nil {
		t.Fatalf("put file: %v", err)
	}
	if err := s.PublishPublic(ctx, "pub/one", cid); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var keys []string
	unsubscribe := s.ListKeys("pub/", func(key string, rec resolver.Record) {
		keys = append(keys, key)
	})
	defer unsubscribe()

	if len(keys) != 1 || keys[0] != "pub/one" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestServicePublishWithoutResolverFails(t *testing.T) {
	ls, err := local.Open(filepath.Join(t.TempDir(), "blobs.db"), false)
	if err != nil {
		t.Fatalf("open local store: %v", err)
	}
	defer ls.Close()
	store := blobstore.New(ls, nil, nil)
	s := New(hashtree.New(store), nil)

	cid, _, err := s.PutFile(context.Background(), []byte("x"), false)
	if err != nil {
		t.Fatalf("put file: %v", err)
	}
	if err := s.PublishPublic(context.Background(), "k", cid); err == nil {
		t.Fatal("expected error publishing without a configured resolver")
	}
	if _, err := s.Resolve(context.Background(), "k", nil); err == nil {
		t.Fatal("expected error resolving without a configured resolver")
	}

	var panicked bool
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicked = true
			}
		}()
		s.Flush("k")
	}()
	if panicked {
		t.Fatal("flush without a resolver should be a no-op, not panic")
	}
}
