package store

import (
	"errors"
	"fmt"
	"strings"

	"relic/internal/object"
)

var (
	// ErrObjectNotFound reports a dangling reference or a missing
	// store entry. It is treated as corruption by callers: the
	// operation fails, nothing is silently patched.
	ErrObjectNotFound = errors.New("object not found")

	// ErrRecordNotFound reports that a record reference (or prefix)
	// matched nothing.
	ErrRecordNotFound = errors.New("record not found")

	// ErrCorruptObject reports stored bytes that no longer hash to
	// their key. It signals store damage and is never auto-repaired.
	ErrCorruptObject = errors.New("corrupt object")

	// ErrRepositoryExists reports an init attempt over an existing
	// repository.
	ErrRepositoryExists = errors.New("repository already exists")

	// ErrRepositoryNotFound reports an open attempt on a path that
	// holds no repository.
	ErrRepositoryNotFound = errors.New("repository not found")

	// ErrLocked reports that another operation holds the repository
	// lock.
	ErrLocked = errors.New("repository is locked")
)

// AmbiguousPrefixError reports a hash prefix that matched more than
// one record. Candidates holds every matching full ID so the caller
// can disambiguate.
type AmbiguousPrefixError struct {
	Prefix     string
	Candidates []object.ID
}

func (e *AmbiguousPrefixError) Error() string {
	ids := make([]string, len(e.Candidates))
	for i, id := range e.Candidates {
		ids[i] = id.String()
	}
	return fmt.Sprintf("prefix %q matches %d records: %s", e.Prefix, len(e.Candidates), strings.Join(ids, ", "))
}
