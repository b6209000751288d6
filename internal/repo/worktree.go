package repo

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"relic/internal/object"
)

// Dirty reports whether the workspace's recursive content hash
// differs from the root tree of the HEAD record. An empty repository
// is dirty when the workspace holds any snapshotable content, so an
// auto-record can still preserve it.
func (r *Repository) Dirty() (bool, error) {
	root, err := r.hashTree(r.workspace)
	if err != nil {
		return false, err
	}

	head, err := r.store.Head()
	if err != nil {
		return false, err
	}
	if head == nil {
		empty, err := (&object.Tree{}).Hash()
		if err != nil {
			return false, err
		}
		return root != empty, nil
	}
	rec, err := r.store.ReadRecord(*head)
	if err != nil {
		return false, err
	}
	return root != rec.Root, nil
}

// hashTree computes the tree ID the workspace would snapshot to,
// without storing anything.
func (r *Repository) hashTree(dir string) (object.ID, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return object.ID{}, fmt.Errorf("reading %s: %w", dir, err)
	}

	var tree object.Tree
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if r.insideStore(path) {
			continue
		}
		switch {
		case entry.IsDir():
			id, err := r.hashTree(path)
			if err != nil {
				return object.ID{}, err
			}
			tree.Add(entry.Name(), object.KindTree, id)
		case entry.Type().IsRegular():
			id, err := hashFile(path)
			if err != nil {
				return object.ID{}, err
			}
			tree.Add(entry.Name(), object.KindBlob, id)
		}
	}
	return tree.Hash()
}

// hashFile computes the blob ID of a file's content.
func hashFile(path string) (object.ID, error) {
	f, err := os.Open(path)
	if err != nil {
		return object.ID{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	hasher := object.NewHasher()
	if _, err := io.Copy(hasher, f); err != nil {
		return object.ID{}, fmt.Errorf("hashing %s: %w", path, err)
	}
	return hasher.Sum(), nil
}
