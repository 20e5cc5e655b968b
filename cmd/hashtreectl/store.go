package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mmalmi/hashtree/internal/blobstore"
	"github.com/mmalmi/hashtree/internal/blobstore/local"
	"github.com/mmalmi/hashtree/internal/chk"
	"github.com/mmalmi/hashtree/internal/config"
	"github.com/mmalmi/hashtree/internal/hashing"
	"github.com/mmalmi/hashtree/internal/hashtree"
)

// openTree opens the local blob store and tree engine for the current
// configuration. Standalone CLI use runs local-only (no P2P/HTTP tier);
// daemons wire those in separately via internal/blobstore.
func openTree() (*hashtree.Tree, *local.Store, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := ensureParentDir(cfg.Store.DataDir); err != nil {
		return nil, nil, nil, err
	}
	ls, err := local.Open(cfg.Store.DataDir, cfg.Store.Compress)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("hashtreectl: open store: %w", err)
	}
	store := blobstore.New(ls, nil, nil)
	tree := hashtree.New(store).WithLimits(cfg.Tree.ChunkSize, cfg.Tree.MaxLinks)
	return tree, ls, cfg, nil
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}

// cidString renders a CID as hex hash, or hash+key when encrypted.
func cidString(cid chk.CID) string {
	if cid.HasKey {
		return cid.Hash.String() + "+" + cid.Key.String()
	}
	return cid.Hash.String()
}

// parseCID parses the cidString format back into a chk.CID.
func parseCID(s string) (chk.CID, error) {
	parts := strings.SplitN(s, "+", 2)
	h, err := hashing.ParseHash(parts[0])
	if err != nil {
		return chk.CID{}, fmt.Errorf("hashtreectl: invalid cid %q: %w", s, err)
	}
	cid := chk.CID{Hash: h}
	if len(parts) == 2 {
		k, err := hashing.ParseHash(parts[1])
		if err != nil {
			return chk.CID{}, fmt.Errorf("hashtreectl: invalid cid key %q: %w", s, err)
		}
		cid.HasKey = true
		cid.Key = k
	}
	return cid, nil
}
