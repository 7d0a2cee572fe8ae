// Package ids provides the ULID primitives used for connection, envelope,
// and request identifiers.
package ids

import "github.com/oklog/ulid/v2"

// NewULID returns a new ULID string (26 chars). ULIDs are lexicographically
// sortable, which keeps log correlation cheap.
func NewULID() string {
	return ulid.Make().String()
}
