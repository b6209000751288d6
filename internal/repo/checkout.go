package repo

import (
	"fmt"
	"os"
	"path/filepath"

	"relic/internal/object"
	"relic/internal/store"
)

// CheckoutOptions control how a record is restored.
type CheckoutOptions struct {
	// Clean prunes workspace entries that are not part of the target
	// record's closure. The default is overwrite-and-add: files the
	// record does not know about are left untouched.
	Clean bool

	// AutoRecord commits a dirty workspace before restoring, so no
	// working state is silently overwritten.
	AutoRecord bool

	// Author is used for the auto-record commit.
	Author string
}

// Checkout restores the record named by ref into the workspace. An
// empty ref means the current HEAD; otherwise ref is a hex prefix
// resolved against the record namespace. HEAD is not moved: it is
// written only by Commit and by the sync policy.
func (r *Repository) Checkout(ref string, opts CheckoutOptions) (object.ID, *object.Record, error) {
	if r.insideStore(r.workspace) {
		return object.ID{}, nil, fmt.Errorf("cannot restore into the repository metadata directory %s", r.workspace)
	}

	id, err := r.resolveRef(ref)
	if err != nil {
		return object.ID{}, nil, err
	}

	if opts.AutoRecord {
		dirty, err := r.Dirty()
		if err != nil {
			return object.ID{}, nil, err
		}
		if dirty {
			autoID, _, err := r.Commit(opts.Author, "auto record before checkout")
			if err != nil {
				return object.ID{}, nil, fmt.Errorf("auto record: %w", err)
			}
			r.logger.Info("dirty workspace recorded", "id", autoID.Short())
		}
	}

	rec, err := r.store.ReadRecord(id)
	if err != nil {
		return object.ID{}, nil, err
	}
	if err := r.restoreTree(rec.Root, r.workspace, opts.Clean); err != nil {
		return object.ID{}, nil, fmt.Errorf("restoring record %s: %w", id.Short(), err)
	}

	r.logger.Info("record checked out", "id", id.Short())
	return id, rec, nil
}

func (r *Repository) resolveRef(ref string) (object.ID, error) {
	if ref == "" {
		head, err := r.store.Head()
		if err != nil {
			return object.ID{}, err
		}
		if head == nil {
			return object.ID{}, fmt.Errorf("empty repository: %w", store.ErrRecordNotFound)
		}
		return *head, nil
	}
	return r.store.ResolveRecordPrefix(ref)
}

// restoreTree materializes a tree into dir. Files whose current
// content already hashes to the target blob are left alone; with
// clean set, entries outside the tree are removed.
func (r *Repository) restoreTree(id object.ID, dir string, clean bool) error {
	tree, err := r.store.ReadTree(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	if clean {
		if err := r.pruneExtraneous(tree, dir); err != nil {
			return err
		}
	}

	for _, entry := range tree.Entries {
		path := filepath.Join(dir, entry.Name)
		if r.insideStore(path) {
			continue
		}
		switch entry.Kind {
		case object.KindTree:
			if info, err := os.Lstat(path); err == nil && !info.IsDir() {
				if err := os.Remove(path); err != nil {
					return fmt.Errorf("replacing %s with a directory: %w", path, err)
				}
			}
			if err := r.restoreTree(entry.ID, path, clean); err != nil {
				return err
			}
		case object.KindBlob:
			if info, err := os.Lstat(path); err == nil && info.IsDir() {
				if err := os.RemoveAll(path); err != nil {
					return fmt.Errorf("replacing %s with a file: %w", path, err)
				}
			}
			match, err := fileMatchesBlob(path, entry.ID)
			if err != nil {
				return err
			}
			if match {
				continue
			}
			if err := r.store.CheckoutBlob(entry.ID, path); err != nil {
				return err
			}
		}
	}
	return nil
}

// pruneExtraneous removes dir entries that the tree does not name.
func (r *Repository) pruneExtraneous(tree *object.Tree, dir string) error {
	keep := make(map[string]bool, len(tree.Entries))
	for _, entry := range tree.Entries {
		keep[entry.Name] = true
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", dir, err)
	}
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if keep[entry.Name()] || r.insideStore(path) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("pruning %s: %w", path, err)
		}
	}
	return nil
}

// fileMatchesBlob reports whether the file at path exists and hashes
// to the given blob ID.
func fileMatchesBlob(path string, id object.ID) (bool, error) {
	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false, nil
	}
	got, err := hashFile(path)
	if err != nil {
		return false, err
	}
	return got == id, nil
}
