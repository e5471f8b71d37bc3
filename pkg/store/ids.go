package store

import "github.com/oklog/ulid/v2"

// NewID returns a fresh ULID. ULIDs sort lexicographically by creation time,
// which the run claim order and event timelines rely on.
func NewID() string {
	return ulid.Make().String()
}
