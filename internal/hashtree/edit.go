package hashtree

import (
	"context"
	"fmt"

	"github.com/mmalmi/hashtree/internal/chk"
	"github.com/mmalmi/hashtree/internal/herrors"
)

// SetEntry implements spec §4.4.3's set_entry: create-or-replace the
// entry named by the last path segment, rewriting only the directory
// nodes along path (structural sharing — every sibling subtree keeps
// its existing hash). Missing intermediate directories fail with
// PathNotFound rather than being auto-created.
func (t *Tree) SetEntry(ctx context.Context, root chk.CID, path []string, entry DirEntry, encrypt bool) (chk.CID, error) {
	if len(path) == 0 {
		return chk.CID{}, fmt.Errorf("hashtree: set_entry: %w", herrors.ErrPathNotFound)
	}
	return t.setEntryAt(ctx, root, path, entry, encrypt)
}

func (t *Tree) setEntryAt(ctx context.Context, dir chk.CID, path []string, entry DirEntry, encrypt bool) (chk.CID, error) {
	entries, err := t.ListDirectory(ctx, dir)
	if err != nil {
		return chk.CID{}, err
	}
	name := path[0]

	if len(path) == 1 {
		out := replaceEntry(entries, name, DirEntry{Name: name, Child: entry.Child, IsTree: entry.IsTree, Size: entry.Size})
		cid, _, err := t.PutDirectory(ctx, out, encrypt)
		return cid, err
	}

	child, ok := findByName(entries, name)
	if !ok || !child.IsTree {
		return chk.CID{}, fmt.Errorf("hashtree: set_entry: %w", herrors.ErrPathNotFound)
	}
	newChildCID, err := t.setEntryAt(ctx, child.CID, path[1:], entry, encrypt)
	if err != nil {
		return chk.CID{}, err
	}
	newChildSize, err := t.GetSize(ctx, newChildCID)
	if err != nil {
		return chk.CID{}, err
	}
	out := replaceEntry(entries, name, DirEntry{Name: name, Child: newChildCID, IsTree: true, Size: newChildSize})
	cid, _, err := t.PutDirectory(ctx, out, encrypt)
	return cid, err
}

// RemoveEntry implements spec §4.4.3's remove_entry.
func (t *Tree) RemoveEntry(ctx context.Context, root chk.CID, path []string, encrypt bool) (chk.CID, error) {
	if len(path) == 0 {
		return chk.CID{}, fmt.Errorf("hashtree: remove_entry: %w", herrors.ErrPathNotFound)
	}
	return t.removeEntryAt(ctx, root, path, encrypt)
}

func (t *Tree) removeEntryAt(ctx context.Context, dir chk.CID, path []string, encrypt bool) (chk.CID, error) {
	entries, err := t.ListDirectory(ctx, dir)
	if err != nil {
		return chk.CID{}, err
	}
	name := path[0]

	if len(path) == 1 {
		out, found := removeByName(entries, name)
		if !found {
			return chk.CID{}, fmt.Errorf("hashtree: remove_entry: %w", herrors.ErrPathNotFound)
		}
		cid, _, err := t.PutDirectory(ctx, out, encrypt)
		return cid, err
	}

	child, ok := findByName(entries, name)
	if !ok || !child.IsTree {
		return chk.CID{}, fmt.Errorf("hashtree: remove_entry: %w", herrors.ErrPathNotFound)
	}
	newChildCID, err := t.removeEntryAt(ctx, child.CID, path[1:], encrypt)
	if err != nil {
		return chk.CID{}, err
	}
	newChildSize, err := t.GetSize(ctx, newChildCID)
	if err != nil {
		return chk.CID{}, err
	}
	out := replaceEntry(entries, name, DirEntry{Name: name, Child: newChildCID, IsTree: true, Size: newChildSize})
	cid, _, err := t.PutDirectory(ctx, out, encrypt)
	return cid, err
}

// RenameEntry implements spec §4.4.3's rename_entry: fails with
// NameCollision if newName already exists in the same directory.
func (t *Tree) RenameEntry(ctx context.Context, root chk.CID, dirPath []string, oldName, newName string, encrypt bool) (chk.CID, error) {
	return t.renameAt(ctx, root, dirPath, oldName, newName, encrypt)
}

func (t *Tree) renameAt(ctx context.Context, dir chk.CID, dirPath []string, oldName, newName string, encrypt bool) (chk.CID, error) {
	if len(dirPath) == 0 {
		entries, err := t.ListDirectory(ctx, dir)
		if err != nil {
			return chk.CID{}, err
		}
		if _, exists := findByName(entries, newName); exists {
			return chk.CID{}, fmt.Errorf("hashtree: rename_entry: %w", herrors.ErrNameCollision)
		}
		target, ok := findByName(entries, oldName)
		if !ok {
			return chk.CID{}, fmt.Errorf("hashtree: rename_entry: %w", herrors.ErrPathNotFound)
		}
		out, _ := removeByName(entries, oldName)
		out = append(out, DirEntry{Name: newName, Child: target.CID, IsTree: target.IsTree, Size: target.Size})
		cid, _, err := t.PutDirectory(ctx, out, encrypt)
		return cid, err
	}

	entries, err := t.ListDirectory(ctx, dir)
	if err != nil {
		return chk.CID{}, err
	}
	name := dirPath[0]
	child, ok := findByName(entries, name)
	if !ok || !child.IsTree {
		return chk.CID{}, fmt.Errorf("hashtree: rename_entry: %w", herrors.ErrPathNotFound)
	}
	newChildCID, err := t.renameAt(ctx, child.CID, dirPath[1:], oldName, newName, encrypt)
	if err != nil {
		return chk.CID{}, err
	}
	newChildSize, err := t.GetSize(ctx, newChildCID)
	if err != nil {
		return chk.CID{}, err
	}
	out := replaceEntry(entries, name, DirEntry{Name: name, Child: newChildCID, IsTree: true, Size: newChildSize})
	cid, _, err := t.PutDirectory(ctx, out, encrypt)
	return cid, err
}

// MoveEntry implements spec §4.4.3's move_entry: unsupported on an
// encrypted root (re-deriving CHK keys along a new path is deferred),
// otherwise a remove at srcPath followed by a set at dstPath.
func (t *Tree) MoveEntry(ctx context.Context, root chk.CID, srcPath, dstPath []string, encrypt bool) (chk.CID, error) {
	if root.HasKey {
		return chk.CID{}, fmt.Errorf("hashtree: move_entry: %w", herrors.ErrUnsupportedForEncryptedTree)
	}
	if len(srcPath) == 0 || len(dstPath) == 0 {
		return chk.CID{}, fmt.Errorf("hashtree: move_entry: %w", herrors.ErrPathNotFound)
	}

	movedCID, movedIsTree, found, err := t.ResolvePath(ctx, root, srcPath)
	if err != nil {
		return chk.CID{}, err
	}
	if !found {
		return chk.CID{}, fmt.Errorf("hashtree: move_entry: %w", herrors.ErrPathNotFound)
	}
	movedSize, err := t.GetSize(ctx, movedCID)
	if err != nil {
		return chk.CID{}, err
	}

	afterRemove, err := t.RemoveEntry(ctx, root, srcPath, encrypt)
	if err != nil {
		return chk.CID{}, err
	}

	dstName := dstPath[len(dstPath)-1]
	dstParentPath := dstPath[:len(dstPath)-1]
	parentCID, parentIsTree, found, err := t.ResolvePath(ctx, afterRemove, dstParentPath)
	if err != nil {
		return chk.CID{}, err
	}
	if found && parentIsTree {
		siblings, err := t.ListDirectory(ctx, parentCID)
		if err != nil {
			return chk.CID{}, err
		}
		if _, exists := findByName(siblings, dstName); exists {
			return chk.CID{}, fmt.Errorf("hashtree: move_entry: %w", herrors.ErrNameCollision)
		}
	}

	return t.SetEntry(ctx, afterRemove, dstPath, DirEntry{
		Name: dstName, Child: movedCID, IsTree: movedIsTree, Size: movedSize,
	}, encrypt)
}

func findByName(entries []TreeEntry, name string) (TreeEntry, bool) {
	for _, e := range entries {
		if e.Name == name {
			return e, true
		}
	}
	return TreeEntry{}, false
}

func replaceEntry(entries []TreeEntry, name string, replacement DirEntry) []DirEntry {
	out := make([]DirEntry, 0, len(entries)+1)
	replaced := false
	for _, e := range entries {
		if e.Name == name {
			out = append(out, replacement)
			replaced = true
			continue
		}
		out = append(out, DirEntry{Name: e.Name, Child: e.CID, IsTree: e.IsTree, Size: e.Size})
	}
	if !replaced {
		out = append(out, replacement)
	}
	return out
}

func removeByName(entries []TreeEntry, name string) ([]DirEntry, bool) {
	out := make([]DirEntry, 0, len(entries))
	found := false
	for _, e := range entries {
		if e.Name == name {
			found = true
			continue
		}
		out = append(out, DirEntry{Name: e.Name, Child: e.CID, IsTree: e.IsTree, Size: e.Size})
	}
	return out, found
}

func toDirEntries(entries []TreeEntry) []DirEntry {
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, DirEntry{Name: e.Name, Child: e.CID, IsTree: e.IsTree, Size: e.Size})
	}
	return out
}
