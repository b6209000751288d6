// Package object defines the content-addressed object model: blobs,
// trees, and records, all identified by the BLAKE3 digest of their
// canonical byte representation.
package object

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// ID is a 32-byte BLAKE3 digest identifying one stored object. Equal
// content always yields an equal ID; the hex form is used for file
// names and on the wire.
type ID [32]byte

// HashBytes returns the ID of the given content. Blob IDs are always
// computed on uncompressed bytes so dedup is independent of the
// compression parameters used at rest.
func HashBytes(data []byte) ID {
	return blake3.Sum256(data)
}

// NewHasher returns a streaming hasher whose final state is the same
// ID that HashBytes produces for the full input.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New()}
}

// Hasher accumulates content incrementally. It implements io.Writer.
type Hasher struct {
	h *blake3.Hasher
}

func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Sum returns the ID of everything written so far.
func (h *Hasher) Sum() ID {
	var id ID
	copy(id[:], h.h.Sum(nil))
	return id
}

// String returns the lowercase hex encoding of the ID.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns an abbreviated hex form for human-facing output.
func (id ID) Short() string {
	return id.String()[:8]
}

// ParseID decodes a full 64-character hex string into an ID.
func ParseID(s string) (ID, error) {
	var id ID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid object id %q: %w", s, err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("invalid object id %q: got %d bytes, want %d", s, len(raw), len(id))
	}
	copy(id[:], raw)
	return id, nil
}

// MarshalText encodes the ID as hex for JSON and text serialization.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText decodes a hex-encoded ID.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Kind distinguishes the three object namespaces.
type Kind string

const (
	KindBlob   Kind = "blob"
	KindTree   Kind = "tree"
	KindRecord Kind = "record"
)

// TreeEntry names one child of a directory: either a blob (file) or a
// subtree (directory).
type TreeEntry struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
	ID   ID     `json:"id"`
}

// Tree is one directory level. Canonical form lists entries sorted
// bytewise by name, so two directories with identical structure hash
// to the same ID regardless of build order.
type Tree struct {
	Entries []TreeEntry `json:"entries"`
}

// Add appends an entry. Call Canonical (or Hash) to sort and validate.
func (t *Tree) Add(name string, kind Kind, id ID) {
	t.Entries = append(t.Entries, TreeEntry{Name: name, Kind: kind, ID: id})
}

// Canonical returns the canonical serialized form of the tree:
// entries sorted by name, stable field order. The tree's ID is the
// hash of exactly these bytes.
func (t *Tree) Canonical() ([]byte, error) {
	sorted := make([]TreeEntry, len(t.Entries))
	copy(sorted, t.Entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for i, e := range sorted {
		if err := validateEntry(e); err != nil {
			return nil, err
		}
		if i > 0 && sorted[i-1].Name == e.Name {
			return nil, fmt.Errorf("duplicate tree entry %q", e.Name)
		}
	}
	return json.Marshal(Tree{Entries: sorted})
}

// Hash returns the tree's ID.
func (t *Tree) Hash() (ID, error) {
	data, err := t.Canonical()
	if err != nil {
		return ID{}, err
	}
	return HashBytes(data), nil
}

// DecodeTree parses canonical tree bytes, rejecting malformed entries.
func DecodeTree(data []byte) (*Tree, error) {
	var t Tree
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decoding tree: %w", err)
	}
	for i, e := range t.Entries {
		if err := validateEntry(e); err != nil {
			return nil, err
		}
		if i > 0 && t.Entries[i-1].Name >= e.Name {
			return nil, fmt.Errorf("tree entries not in canonical order at %q", e.Name)
		}
	}
	return &t, nil
}

func validateEntry(e TreeEntry) error {
	if e.Name == "" || e.Name == "." || e.Name == ".." {
		return fmt.Errorf("invalid tree entry name %q", e.Name)
	}
	if strings.ContainsAny(e.Name, "/\x00") {
		return fmt.Errorf("invalid tree entry name %q", e.Name)
	}
	if e.Kind != KindBlob && e.Kind != KindTree {
		return fmt.Errorf("invalid tree entry kind %q", e.Kind)
	}
	return nil
}

// Record is one snapshot: author, message, creation time, the root
// tree, and the parent record. Parent is nil only for the first
// record of a repository. A record's own ID is the hash of its
// canonical bytes including the parent link, so records form a
// hash-linked chain.
type Record struct {
	Author  string
	Message string
	Date    time.Time
	Root    ID
	Parent  *ID
}

// recordJSON is the canonical serialized shape. Dates are UTC unix
// seconds; sub-second precision is dropped before hashing.
type recordJSON struct {
	Author  string `json:"author"`
	Message string `json:"message"`
	Date    int64  `json:"date"`
	Root    ID     `json:"root"`
	Parent  *ID    `json:"parent,omitempty"`
}

// Canonical returns the canonical serialized form of the record. The
// record's ID is the hash of exactly these bytes.
func (r *Record) Canonical() ([]byte, error) {
	return json.Marshal(recordJSON{
		Author:  r.Author,
		Message: r.Message,
		Date:    r.Date.Unix(),
		Root:    r.Root,
		Parent:  r.Parent,
	})
}

// Hash returns the record's ID.
func (r *Record) Hash() (ID, error) {
	data, err := r.Canonical()
	if err != nil {
		return ID{}, err
	}
	return HashBytes(data), nil
}

// DecodeRecord parses canonical record bytes.
func DecodeRecord(data []byte) (*Record, error) {
	var rj recordJSON
	if err := json.Unmarshal(data, &rj); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return &Record{
		Author:  rj.Author,
		Message: rj.Message,
		Date:    time.Unix(rj.Date, 0).UTC(),
		Root:    rj.Root,
		Parent:  rj.Parent,
	}, nil
}
