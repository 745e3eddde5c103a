// Package ids provides the id primitives used across runhub: ULIDs for
// server-assigned ids and prefixed UUIDs for optimistic (client-side) ids.
package ids

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// TempPrefix marks ids assigned locally before the store acknowledged a write.
const TempPrefix = "tmp-"

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable, which keeps server ids ordered by creation time.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID is NewULID for call sites that cannot surface an error (envelope ids, log correlation).
// It falls back to a random UUID when the entropy source fails.
func MustULID(now time.Time) string {
	id, err := NewULID(now)
	if err != nil {
		return uuid.NewString()
	}
	return id
}

// NewTempID returns a temporary id for an optimistic message.
func NewTempID() string {
	return TempPrefix + uuid.NewString()
}

// IsTemp reports whether id was produced by NewTempID.
func IsTemp(id string) bool {
	return strings.HasPrefix(id, TempPrefix)
}
