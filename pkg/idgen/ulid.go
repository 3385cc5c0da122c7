// Package idgen generates lexicographically sortable unique identifiers.
package idgen

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// MustGenerateSortableID returns a new ULID string. ULIDs sort
// lexicographically by creation time, so identifiers generated later always
// compare greater within the same process.
func MustGenerateSortableID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		panic(err)
	}
	return id.String()
}
