// Package testutil provides shared test helpers: a controllable clock
// and workspace fixtures.
package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// WriteFiles materializes a workspace fixture: keys are slash-separated
// relative paths, values are file contents. Parent directories are
// created as needed.
func WriteFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("creating %s: %v", filepath.Dir(path), err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("writing %s: %v", path, err)
		}
	}
}

// ReadFiles reads a workspace back into the WriteFiles shape, skipping
// repository metadata directories.
func ReadFiles(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == ".relic" {
				return filepath.SkipDir
			}
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[strings.ReplaceAll(rel, string(filepath.Separator), "/")] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("reading workspace %s: %v", root, err)
	}
	return out
}
