package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"relic/internal/object"
)

// Commit snapshots the workspace: every file becomes a blob, every
// directory a tree (children hashed before parents), and a new record
// pointing at the root tree and the previous HEAD is written. HEAD
// then moves to the new record. Unchanged content is deduplicated by
// the store; an unchanged workspace still produces a new record whose
// root tree equals its parent's.
func (r *Repository) Commit(author, message string) (object.ID, *object.Record, error) {
	release, err := r.store.Lock()
	if err != nil {
		return object.ID{}, nil, err
	}
	defer release()

	parent, err := r.store.Head()
	if err != nil {
		return object.ID{}, nil, err
	}

	root, err := r.writeTree(r.workspace)
	if err != nil {
		return object.ID{}, nil, fmt.Errorf("snapshotting %s: %w", r.workspace, err)
	}

	rec := &object.Record{
		Author:  author,
		Message: message,
		Date:    r.clock.Now().UTC().Truncate(time.Second),
		Root:    root,
		Parent:  parent,
	}
	id, err := r.store.PutRecord(rec)
	if err != nil {
		return object.ID{}, nil, err
	}
	if err := r.store.SetHead(id); err != nil {
		return object.ID{}, nil, err
	}

	r.logger.Info("record committed", "id", id.Short(), "root", root.Short(), "author", author)
	return id, rec, nil
}

// writeTree stores dir's content bottom-up and returns the tree ID.
// Traversal is lexicographic by name; the store's metadata directory
// and anything that is neither a regular file nor a directory is
// skipped.
func (r *Repository) writeTree(dir string) (object.ID, error) {
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
			id, err := r.writeTree(path)
			if err != nil {
				return object.ID{}, err
			}
			tree.Add(entry.Name(), object.KindTree, id)
		case entry.Type().IsRegular():
			id, err := r.store.PutBlobFile(path)
			if err != nil {
				return object.ID{}, err
			}
			tree.Add(entry.Name(), object.KindBlob, id)
		default:
			r.logger.Warn("skipping irregular entry", "path", path)
		}
	}
	return r.store.PutTree(&tree)
}
