// Package ids generates the identifiers BoxLite hands out to callers.
package ids

import (
	"crypto/rand"

	"github.com/oklog/ulid/v2"
)

// BoxId is a ULID: 26 characters, lexicographically sortable by creation
// time. Any unique prefix of length 8 or more resolves to the full id.
type BoxId string

// NewBoxId generates a BoxId timestamped by clk.
func NewBoxId(clk Clock) (BoxId, error) {
	id, err := ulid.New(ulid.Timestamp(clk.Now()), rand.Reader)
	if err != nil {
		return "", err
	}
	return BoxId(id.String()), nil
}

// String satisfies fmt.Stringer.
func (id BoxId) String() string {
	return string(id)
}

// MatchesPrefix reports whether prefix (length >= 8) uniquely identifies id
// as one of its candidates. Callers resolving a prefix against a set of ids
// use this to filter; uniqueness across the set is the caller's concern.
func (id BoxId) MatchesPrefix(prefix string) bool {
	if len(prefix) < 8 {
		return false
	}
	return len(id) >= len(prefix) && string(id)[:len(prefix)] == prefix
}
