// Package store implements the content-addressed object store: one
// file per object under objects/, trees/ and records/, named by the
// hex ID of its content, plus the mutable HEAD pointer. Writes are
// idempotent and atomic (write to temp, then rename), so concurrent
// puts of identical content are safe without locking.
package store

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/flate"

	"relic/internal/object"
)

// MetaDir is the repository metadata directory created inside a
// non-bare workspace.
const MetaDir = ".relic"

// Store is a repository object store rooted at a metadata directory.
type Store struct {
	root       string
	objectsDir string
	treesDir   string
	recordsDir string
	tempDir    string
}

func newStore(root string) *Store {
	return &Store{
		root:       root,
		objectsDir: filepath.Join(root, "objects"),
		treesDir:   filepath.Join(root, "trees"),
		recordsDir: filepath.Join(root, "records"),
		tempDir:    filepath.Join(root, "temp"),
	}
}

func metaRoot(path string, bare bool) string {
	if bare {
		return path
	}
	return filepath.Join(path, MetaDir)
}

// Init creates a new repository at path. For non-bare repositories
// the store lives in path/.relic; for bare ones, in path itself.
func Init(path string, bare bool) (*Store, error) {
	root := metaRoot(path, bare)
	if _, err := os.Stat(filepath.Join(root, "HEAD")); err == nil {
		return nil, fmt.Errorf("%s: %w", root, ErrRepositoryExists)
	}
	s := newStore(root)
	for _, dir := range []string{s.objectsDir, s.treesDir, s.recordsDir, s.tempDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating repository directory: %w", err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "HEAD"), nil, 0644); err != nil {
		return nil, fmt.Errorf("creating HEAD: %w", err)
	}
	return s, nil
}

// Open opens an existing repository at path.
func Open(path string, bare bool) (*Store, error) {
	root := metaRoot(path, bare)
	s := newStore(root)
	for _, p := range []string{s.objectsDir, s.treesDir, s.recordsDir, filepath.Join(root, "HEAD")} {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("%s: %w", root, ErrRepositoryNotFound)
		}
	}
	return s, nil
}

// Discover opens the repository at path, trying the non-bare layout
// first and falling back to bare.
func Discover(path string) (*Store, error) {
	s, err := Open(path, false)
	if err == nil {
		return s, nil
	}
	return Open(path, true)
}

// Root returns the metadata directory the store lives in.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) kindDir(kind object.Kind) string {
	switch kind {
	case object.KindBlob:
		return s.objectsDir
	case object.KindTree:
		return s.treesDir
	default:
		return s.recordsDir
	}
}

func (s *Store) objectPath(kind object.Kind, id object.ID) string {
	return filepath.Join(s.kindDir(kind), id.String())
}

// Exists reports whether an object is present, without reading it.
func (s *Store) Exists(kind object.Kind, id object.ID) bool {
	_, err := os.Stat(s.objectPath(kind, id))
	return err == nil
}

// Count returns the number of stored objects of one kind.
func (s *Store) Count(kind object.Kind) (int, error) {
	entries, err := os.ReadDir(s.kindDir(kind))
	if err != nil {
		return 0, fmt.Errorf("listing %s objects: %w", kind, err)
	}
	return len(entries), nil
}

// PutBlobFile stores the content of the file at path as a blob,
// DEFLATE-compressed at rest but keyed by the hash of the
// uncompressed content. Storing content that is already present is a
// no-op.
func (s *Store) PutBlobFile(path string) (object.ID, error) {
	src, err := os.Open(path)
	if err != nil {
		return object.ID{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer src.Close()

	tmpPath := filepath.Join(s.tempDir, uuid.NewString())
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return object.ID{}, fmt.Errorf("creating temp object: %w", err)
	}
	defer os.Remove(tmpPath)

	hasher := object.NewHasher()
	zw, err := flate.NewWriter(tmp, flate.DefaultCompression)
	if err != nil {
		tmp.Close()
		return object.ID{}, fmt.Errorf("initializing compressor: %w", err)
	}
	if _, err := io.Copy(zw, io.TeeReader(src, hasher)); err != nil {
		tmp.Close()
		return object.ID{}, fmt.Errorf("compressing %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return object.ID{}, fmt.Errorf("flushing compressor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return object.ID{}, fmt.Errorf("closing temp object: %w", err)
	}

	id := hasher.Sum()
	dest := s.objectPath(object.KindBlob, id)
	if s.Exists(object.KindBlob, id) {
		return id, nil
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return object.ID{}, fmt.Errorf("storing blob %s: %w", id, err)
	}
	return id, nil
}

// ReadBlob returns the decompressed content of a blob, verifying that
// it still hashes to its key.
func (s *Store) ReadBlob(id object.ID) ([]byte, error) {
	raw, err := s.BlobBytes(id)
	if err != nil {
		return nil, err
	}
	return s.decodeBlob(id, raw)
}

func (s *Store) decodeBlob(id object.ID, raw []byte) ([]byte, error) {
	zr := flate.NewReader(bytes.NewReader(raw))
	content, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("blob %s does not decompress: %w", id, ErrCorruptObject)
	}
	if err := zr.Close(); err != nil {
		return nil, fmt.Errorf("blob %s does not decompress: %w", id, ErrCorruptObject)
	}
	if object.HashBytes(content) != id {
		return nil, fmt.Errorf("blob %s: %w", id, ErrCorruptObject)
	}
	return content, nil
}

// BlobBytes returns the stored (compressed) bytes of a blob, as
// transferred on the wire.
func (s *Store) BlobBytes(id object.ID) ([]byte, error) {
	raw, err := os.ReadFile(s.objectPath(object.KindBlob, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob %s: %w", id, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("reading blob %s: %w", id, err)
	}
	return raw, nil
}

// PutBlobRaw stores already-compressed blob bytes received from a
// peer. The payload is decompressed and re-hashed before anything is
// written; a mismatch is corruption, not a partial write.
func (s *Store) PutBlobRaw(id object.ID, raw []byte) error {
	if s.Exists(object.KindBlob, id) {
		return nil
	}
	if _, err := s.decodeBlob(id, raw); err != nil {
		return err
	}
	return s.writeAtomic(s.objectPath(object.KindBlob, id), raw)
}

// CheckoutBlob writes the decompressed content of a blob to dest,
// atomically, creating parent directories as needed.
func (s *Store) CheckoutBlob(id object.ID, dest string) error {
	content, err := s.ReadBlob(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(dest), err)
	}
	return writeFileAtomic(dest, content)
}

// PutTree stores a tree in canonical form and returns its ID.
func (s *Store) PutTree(t *object.Tree) (object.ID, error) {
	data, err := t.Canonical()
	if err != nil {
		return object.ID{}, err
	}
	id := object.HashBytes(data)
	if s.Exists(object.KindTree, id) {
		return id, nil
	}
	if err := s.writeAtomic(s.objectPath(object.KindTree, id), data); err != nil {
		return object.ID{}, err
	}
	return id, nil
}

// TreeBytes returns the canonical serialized bytes of a tree.
func (s *Store) TreeBytes(id object.ID) ([]byte, error) {
	data, err := os.ReadFile(s.objectPath(object.KindTree, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("tree %s: %w", id, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("reading tree %s: %w", id, err)
	}
	return data, nil
}

// ReadTree loads and verifies a tree.
func (s *Store) ReadTree(id object.ID) (*object.Tree, error) {
	data, err := s.TreeBytes(id)
	if err != nil {
		return nil, err
	}
	if object.HashBytes(data) != id {
		return nil, fmt.Errorf("tree %s: %w", id, ErrCorruptObject)
	}
	return object.DecodeTree(data)
}

// PutTreeRaw stores canonical tree bytes received from a peer,
// verifying the hash and the canonical form before writing.
func (s *Store) PutTreeRaw(id object.ID, data []byte) error {
	if s.Exists(object.KindTree, id) {
		return nil
	}
	if object.HashBytes(data) != id {
		return fmt.Errorf("tree %s: %w", id, ErrCorruptObject)
	}
	if _, err := object.DecodeTree(data); err != nil {
		return fmt.Errorf("tree %s: %w", id, ErrCorruptObject)
	}
	return s.writeAtomic(s.objectPath(object.KindTree, id), data)
}

// PutRecord stores a record in canonical form and returns its ID.
func (s *Store) PutRecord(r *object.Record) (object.ID, error) {
	data, err := r.Canonical()
	if err != nil {
		return object.ID{}, err
	}
	id := object.HashBytes(data)
	if s.Exists(object.KindRecord, id) {
		return id, nil
	}
	if err := s.writeAtomic(s.objectPath(object.KindRecord, id), data); err != nil {
		return object.ID{}, err
	}
	return id, nil
}

// RecordBytes returns the canonical serialized bytes of a record.
func (s *Store) RecordBytes(id object.ID) ([]byte, error) {
	data, err := os.ReadFile(s.objectPath(object.KindRecord, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("record %s: %w", id, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("reading record %s: %w", id, err)
	}
	return data, nil
}

// ReadRecord loads and verifies a record.
func (s *Store) ReadRecord(id object.ID) (*object.Record, error) {
	data, err := s.RecordBytes(id)
	if err != nil {
		return nil, err
	}
	if object.HashBytes(data) != id {
		return nil, fmt.Errorf("record %s: %w", id, ErrCorruptObject)
	}
	return object.DecodeRecord(data)
}

// PutRecordRaw stores canonical record bytes received from a peer.
func (s *Store) PutRecordRaw(id object.ID, data []byte) error {
	if s.Exists(object.KindRecord, id) {
		return nil
	}
	if object.HashBytes(data) != id {
		return fmt.Errorf("record %s: %w", id, ErrCorruptObject)
	}
	if _, err := object.DecodeRecord(data); err != nil {
		return fmt.Errorf("record %s: %w", id, ErrCorruptObject)
	}
	return s.writeAtomic(s.objectPath(object.KindRecord, id), data)
}

// RecordIDs lists every stored record ID.
func (s *Store) RecordIDs() ([]object.ID, error) {
	entries, err := os.ReadDir(s.recordsDir)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	ids := make([]object.ID, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, err := object.ParseID(e.Name())
		if err != nil {
			return nil, fmt.Errorf("record name %q: %w", e.Name(), ErrCorruptObject)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ResolveRecordPrefix resolves a hex prefix against the record
// namespace. Zero matches is ErrRecordNotFound; more than one is an
// AmbiguousPrefixError enumerating every candidate.
func (s *Store) ResolveRecordPrefix(prefix string) (object.ID, error) {
	prefix = strings.ToLower(prefix)
	ids, err := s.RecordIDs()
	if err != nil {
		return object.ID{}, err
	}
	var matches []object.ID
	for _, id := range ids {
		if strings.HasPrefix(id.String(), prefix) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return object.ID{}, fmt.Errorf("prefix %q: %w", prefix, ErrRecordNotFound)
	case 1:
		return matches[0], nil
	default:
		return object.ID{}, &AmbiguousPrefixError{Prefix: prefix, Candidates: matches}
	}
}

// Head returns the ID of the latest record, or nil for an empty
// repository.
func (s *Store) Head() (*object.ID, error) {
	data, err := os.ReadFile(filepath.Join(s.root, "HEAD"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading HEAD: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, nil
	}
	id, err := object.ParseID(text)
	if err != nil {
		return nil, fmt.Errorf("HEAD: %w", err)
	}
	return &id, nil
}

// SetHead atomically points HEAD at the given record.
func (s *Store) SetHead(id object.ID) error {
	if !s.Exists(object.KindRecord, id) {
		return fmt.Errorf("record %s: %w", id, ErrObjectNotFound)
	}
	return s.writeAtomic(filepath.Join(s.root, "HEAD"), []byte(id.String()+"\n"))
}

// Origin returns the configured remote URL, or "" when none is set.
func (s *Store) Origin() (string, error) {
	data, err := os.ReadFile(filepath.Join(s.root, "origin"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading origin: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SetOrigin records the remote URL used by sync.
func (s *Store) SetOrigin(url string) error {
	return s.writeAtomic(filepath.Join(s.root, "origin"), []byte(url+"\n"))
}

// Lock takes the exclusive repository lock, used to serialize HEAD
// updates across processes. The returned release function removes the
// lock; object writes themselves never require it.
func (s *Store) Lock() (func(), error) {
	path := filepath.Join(s.root, "LOCK")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%s: %w", path, ErrLocked)
		}
		return nil, fmt.Errorf("taking repository lock: %w", err)
	}
	f.Close()
	return func() { os.Remove(path) }, nil
}

// writeAtomic writes data through the store's temp directory and
// renames it into place. The temp directory lives on the same
// filesystem as the object directories, so the rename is atomic.
func (s *Store) writeAtomic(dest string, data []byte) error {
	if err := os.MkdirAll(s.tempDir, 0755); err != nil {
		return fmt.Errorf("creating temp directory: %w", err)
	}
	tmpPath := filepath.Join(s.tempDir, uuid.NewString())
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("writing temp object: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("storing %s: %w", filepath.Base(dest), err)
	}
	return nil
}

// writeFileAtomic writes data next to dest and renames it into place.
func writeFileAtomic(dest string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing %s: %w", dest, err)
	}
	return nil
}
