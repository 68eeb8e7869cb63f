package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier. Identifiers minted
// within the same millisecond still sort in creation order.
func New() string {
	return NewAt(time.Now())
}

// NewAt mints a sortable identifier stamped with t.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Entity returns a random opaque entity identifier.
func Entity() string {
	return uuid.NewString()
}
