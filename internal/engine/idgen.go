package engine

import "github.com/google/uuid"

// UUIDv7Generator produces time-sortable state ids for the transition
// engine: embedding a timestamp in the most significant bits makes ids
// sortable by creation time, which is convenient for "list states" output
// and for the journal.
//
// Thread-safety: stateless, safe for concurrent use.
type UUIDv7Generator struct{}

// Next returns a freshly generated UUIDv7, hyphenated.
func (UUIDv7Generator) Next() string {
	return uuid.Must(uuid.NewV7()).String()
}
