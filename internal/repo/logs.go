package repo

import (
	"fmt"

	"relic/internal/object"
)

// LogEntry is one materialized record in a history listing.
type LogEntry struct {
	ID     object.ID
	Record *object.Record
	IsHead bool
}

// Logs walks the parent chain from HEAD, newest first, skipping the
// first skip records and returning at most limit entries. An empty
// repository yields an empty slice. A parent reference that does not
// resolve is corruption and fails the walk.
func (r *Repository) Logs(skip, limit int) ([]LogEntry, error) {
	head, err := r.store.Head()
	if err != nil {
		return nil, err
	}
	if head == nil {
		return nil, nil
	}

	var out []LogEntry
	cur := head
	for i := 0; cur != nil && len(out) < limit; i++ {
		rec, err := r.store.ReadRecord(*cur)
		if err != nil {
			return nil, fmt.Errorf("walking history at %s: %w", cur.Short(), err)
		}
		if i >= skip {
			out = append(out, LogEntry{ID: *cur, Record: rec, IsHead: *cur == *head})
		}
		cur = rec.Parent
	}
	return out, nil
}
