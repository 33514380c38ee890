package ids

import (
	mathrand "math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier used for change records
// and audit entries.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Allocator hands out monotonically increasing entity identifiers. It is seeded
// from the persisted high-water mark at startup so identifiers never collide
// across process restarts.
type Allocator struct {
	last atomic.Int64
}

// NewAllocator creates an allocator that starts issuing ids above highWater.
func NewAllocator(highWater int64) *Allocator {
	a := &Allocator{}
	if highWater > 0 {
		a.last.Store(highWater)
	}
	return a
}

// Next returns the next unused entity id.
func (a *Allocator) Next() int64 {
	return a.last.Add(1)
}

// Peek reports the most recently issued id without consuming one.
func (a *Allocator) Peek() int64 {
	return a.last.Load()
}
