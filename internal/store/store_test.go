package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"relic/internal/object"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Init(t.TempDir(), false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return st
}

func putBlob(t *testing.T, st *Store, content string) object.ID {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blob")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	id, err := st.PutBlobFile(path)
	if err != nil {
		t.Fatalf("PutBlobFile: %v", err)
	}
	return id
}

func putRecord(t *testing.T, st *Store, rec *object.Record) object.ID {
	t.Helper()
	id, err := st.PutRecord(rec)
	if err != nil {
		t.Fatalf("PutRecord: %v", err)
	}
	return id
}

func emptyTree(t *testing.T, st *Store) object.ID {
	t.Helper()
	id, err := st.PutTree(&object.Tree{})
	if err != nil {
		t.Fatalf("PutTree: %v", err)
	}
	return id
}

func TestInitOpen(t *testing.T) {
	t.Parallel()

	t.Run("init creates the metadata layout", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		st, err := Init(dir, false)
		if err != nil {
			t.Fatalf("Init: %v", err)
		}
		if got, want := st.Root(), filepath.Join(dir, MetaDir); got != want {
			t.Errorf("got root %s, want %s", got, want)
		}
		if _, err := Open(dir, false); err != nil {
			t.Errorf("Open after Init: %v", err)
		}
	})

	t.Run("init refuses an existing repository", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		if _, err := Init(dir, false); err != nil {
			t.Fatalf("Init: %v", err)
		}
		if _, err := Init(dir, false); !errors.Is(err, ErrRepositoryExists) {
			t.Errorf("got %v, want ErrRepositoryExists", err)
		}
	})

	t.Run("bare init uses the directory itself", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		st, err := Init(dir, true)
		if err != nil {
			t.Fatalf("Init: %v", err)
		}
		if st.Root() != dir {
			t.Errorf("got root %s, want %s", st.Root(), dir)
		}
	})

	t.Run("open fails without a repository", func(t *testing.T) {
		t.Parallel()
		if _, err := Open(t.TempDir(), false); !errors.Is(err, ErrRepositoryNotFound) {
			t.Errorf("got %v, want ErrRepositoryNotFound", err)
		}
	})

	t.Run("discover falls back to bare", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		if _, err := Init(dir, true); err != nil {
			t.Fatalf("Init: %v", err)
		}
		if _, err := Discover(dir); err != nil {
			t.Errorf("Discover: %v", err)
		}
	})
}

func TestBlobs(t *testing.T) {
	t.Parallel()

	t.Run("roundtrips content", func(t *testing.T) {
		t.Parallel()
		st := newTestStore(t)
		id := putBlob(t, st, "hello world")

		if id != object.HashBytes([]byte("hello world")) {
			t.Error("blob keyed by something other than the content hash")
		}
		content, err := st.ReadBlob(id)
		if err != nil {
			t.Fatalf("ReadBlob: %v", err)
		}
		if string(content) != "hello world" {
			t.Errorf("got %q, want %q", content, "hello world")
		}
	})

	t.Run("stores at rest compressed", func(t *testing.T) {
		t.Parallel()
		st := newTestStore(t)
		content := ""
		for i := 0; i < 200; i++ {
			content += "repetitive line of text\n"
		}
		id := putBlob(t, st, content)

		raw, err := st.BlobBytes(id)
		if err != nil {
			t.Fatalf("BlobBytes: %v", err)
		}
		if len(raw) >= len(content) {
			t.Errorf("stored %d bytes for %d bytes of repetitive content", len(raw), len(content))
		}
	})

	t.Run("put is idempotent", func(t *testing.T) {
		t.Parallel()
		st := newTestStore(t)
		a := putBlob(t, st, "same")
		b := putBlob(t, st, "same")
		if a != b {
			t.Errorf("got %s and %s, want equal", a, b)
		}
		count, err := st.Count(object.KindBlob)
		if err != nil {
			t.Fatalf("Count: %v", err)
		}
		if count != 1 {
			t.Errorf("got %d blobs, want 1", count)
		}
	})

	t.Run("raw bytes transfer between stores", func(t *testing.T) {
		t.Parallel()
		src := newTestStore(t)
		dst := newTestStore(t)
		id := putBlob(t, src, "shared content")

		raw, err := src.BlobBytes(id)
		if err != nil {
			t.Fatalf("BlobBytes: %v", err)
		}
		if err := dst.PutBlobRaw(id, raw); err != nil {
			t.Fatalf("PutBlobRaw: %v", err)
		}
		content, err := dst.ReadBlob(id)
		if err != nil {
			t.Fatalf("ReadBlob: %v", err)
		}
		if string(content) != "shared content" {
			t.Errorf("got %q, want %q", content, "shared content")
		}
	})

	t.Run("raw put rejects a mismatched payload", func(t *testing.T) {
		t.Parallel()
		src := newTestStore(t)
		dst := newTestStore(t)
		id := putBlob(t, src, "real")
		raw, err := src.BlobBytes(putBlob(t, src, "other"))
		if err != nil {
			t.Fatalf("BlobBytes: %v", err)
		}

		if err := dst.PutBlobRaw(id, raw); !errors.Is(err, ErrCorruptObject) {
			t.Errorf("got %v, want ErrCorruptObject", err)
		}
		if dst.Exists(object.KindBlob, id) {
			t.Error("corrupt payload was written")
		}
	})

	t.Run("read detects on-disk corruption", func(t *testing.T) {
		t.Parallel()
		st := newTestStore(t)
		id := putBlob(t, st, "fragile")
		path := filepath.Join(st.Root(), "objects", id.String())
		if err := os.WriteFile(path, []byte("garbage"), 0644); err != nil {
			t.Fatalf("corrupting blob: %v", err)
		}
		if _, err := st.ReadBlob(id); !errors.Is(err, ErrCorruptObject) {
			t.Errorf("got %v, want ErrCorruptObject", err)
		}
	})

	t.Run("missing blob is ErrObjectNotFound", func(t *testing.T) {
		t.Parallel()
		st := newTestStore(t)
		if _, err := st.ReadBlob(object.HashBytes([]byte("absent"))); !errors.Is(err, ErrObjectNotFound) {
			t.Errorf("got %v, want ErrObjectNotFound", err)
		}
	})
}

func TestTreesAndRecords(t *testing.T) {
	t.Parallel()

	t.Run("tree raw put verifies hash and form", func(t *testing.T) {
		t.Parallel()
		st := newTestStore(t)
		var tree object.Tree
		tree.Add("a.txt", object.KindBlob, object.HashBytes([]byte("a")))
		data, err := tree.Canonical()
		if err != nil {
			t.Fatalf("Canonical: %v", err)
		}
		id := object.HashBytes(data)

		if err := st.PutTreeRaw(id, data); err != nil {
			t.Fatalf("PutTreeRaw: %v", err)
		}
		if err := st.PutTreeRaw(object.HashBytes([]byte("wrong")), data); !errors.Is(err, ErrCorruptObject) {
			t.Errorf("got %v, want ErrCorruptObject", err)
		}
	})

	t.Run("record roundtrips", func(t *testing.T) {
		t.Parallel()
		st := newTestStore(t)
		root := emptyTree(t, st)
		rec := &object.Record{
			Author:  "alice",
			Message: "first",
			Date:    time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
			Root:    root,
		}
		id := putRecord(t, st, rec)

		loaded, err := st.ReadRecord(id)
		if err != nil {
			t.Fatalf("ReadRecord: %v", err)
		}
		if loaded.Message != "first" || loaded.Root != root {
			t.Errorf("got %+v, want message/root preserved", loaded)
		}
	})
}

func TestResolveRecordPrefix(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	root := emptyTree(t, st)
	date := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	var ids []object.ID
	for _, msg := range []string{"one", "two", "three"} {
		ids = append(ids, putRecord(t, st, &object.Record{Author: "a", Message: msg, Date: date, Root: root}))
	}

	t.Run("resolves a unique prefix", func(t *testing.T) {
		got, err := st.ResolveRecordPrefix(ids[0].String()[:16])
		if err != nil {
			t.Fatalf("ResolveRecordPrefix: %v", err)
		}
		if got != ids[0] {
			t.Errorf("got %s, want %s", got, ids[0])
		}
	})

	t.Run("unknown prefix is ErrRecordNotFound", func(t *testing.T) {
		absent := object.HashBytes([]byte("absent")).String()
		if _, err := st.ResolveRecordPrefix(absent); !errors.Is(err, ErrRecordNotFound) {
			t.Errorf("got %v, want ErrRecordNotFound", err)
		}
	})

	t.Run("ambiguous prefix names every candidate", func(t *testing.T) {
		_, err := st.ResolveRecordPrefix("")
		var ambiguous *AmbiguousPrefixError
		if !errors.As(err, &ambiguous) {
			t.Fatalf("got %v, want AmbiguousPrefixError", err)
		}
		if len(ambiguous.Candidates) != len(ids) {
			t.Errorf("got %d candidates, want %d", len(ambiguous.Candidates), len(ids))
		}
	})
}

func TestHead(t *testing.T) {
	t.Parallel()

	t.Run("empty repository has no head", func(t *testing.T) {
		t.Parallel()
		st := newTestStore(t)
		head, err := st.Head()
		if err != nil {
			t.Fatalf("Head: %v", err)
		}
		if head != nil {
			t.Errorf("got head %s, want nil", head)
		}
	})

	t.Run("set and read back", func(t *testing.T) {
		t.Parallel()
		st := newTestStore(t)
		id := putRecord(t, st, &object.Record{
			Author: "a", Message: "m",
			Date: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
			Root: emptyTree(t, st),
		})
		if err := st.SetHead(id); err != nil {
			t.Fatalf("SetHead: %v", err)
		}
		head, err := st.Head()
		if err != nil {
			t.Fatalf("Head: %v", err)
		}
		if head == nil || *head != id {
			t.Errorf("got head %v, want %s", head, id)
		}
	})

	t.Run("refuses an absent record", func(t *testing.T) {
		t.Parallel()
		st := newTestStore(t)
		err := st.SetHead(object.HashBytes([]byte("nope")))
		if !errors.Is(err, ErrObjectNotFound) {
			t.Errorf("got %v, want ErrObjectNotFound", err)
		}
	})
}

func TestLock(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	release, err := st.Lock()
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if _, err := st.Lock(); !errors.Is(err, ErrLocked) {
		t.Errorf("got %v, want ErrLocked", err)
	}
	release()
	release2, err := st.Lock()
	if err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	release2()
}

func TestOrigin(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	origin, err := st.Origin()
	if err != nil {
		t.Fatalf("Origin: %v", err)
	}
	if origin != "" {
		t.Errorf("got origin %q, want empty", origin)
	}
	if err := st.SetOrigin("ws://example.com/repo"); err != nil {
		t.Fatalf("SetOrigin: %v", err)
	}
	origin, err = st.Origin()
	if err != nil {
		t.Fatalf("Origin: %v", err)
	}
	if origin != "ws://example.com/repo" {
		t.Errorf("got origin %q, want ws://example.com/repo", origin)
	}
}
