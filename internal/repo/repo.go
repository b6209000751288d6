// Package repo orchestrates the object store against a workspace:
// building snapshots, restoring them, and walking history.
package repo

import (
	"path/filepath"
	"time"

	"relic/internal/store"
)

// Logger provides structured logging for the service layer.
// The args follow slog conventions: alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NopLogger is a Logger that discards all output. Use in tests.
type NopLogger struct{}

func NewNopLogger() *NopLogger { return &NopLogger{} }

func (*NopLogger) Debug(string, ...any) {}
func (*NopLogger) Info(string, ...any)  {}
func (*NopLogger) Warn(string, ...any)  {}
func (*NopLogger) Error(string, ...any) {}

// Clock abstracts time for record timestamps.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Repository couples an object store with the workspace directory it
// snapshots and restores.
type Repository struct {
	store     *store.Store
	workspace string
	logger    Logger
	clock     Clock
}

// New creates a Repository. A nil logger or clock falls back to
// NopLogger and RealClock.
func New(st *store.Store, workspace string, logger Logger, clock Clock) *Repository {
	if logger == nil {
		logger = NewNopLogger()
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &Repository{store: st, workspace: workspace, logger: logger, clock: clock}
}

// Store exposes the underlying object store.
func (r *Repository) Store() *store.Store {
	return r.store
}

// Workspace returns the working directory this repository snapshots.
func (r *Repository) Workspace() string {
	return r.workspace
}

// insideStore reports whether path is the store's own metadata
// directory, which every workspace walk must skip.
func (r *Repository) insideStore(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	root, err := filepath.Abs(r.store.Root())
	if err != nil {
		return false
	}
	return abs == root
}
