// Package rcpublish is the write-only publication point for decoded RC
// channels to other on-board processes: a versioned snapshot readers
// never observe torn, swapped in with an atomic pointer rather than
// backed by POSIX shared memory.
package rcpublish

import (
	"sync/atomic"
	"time"
)

// Snapshot is one published RC channel vector.
type Snapshot struct {
	Channels  []int16
	Sequence  uint8
	Timestamp time.Time
}

// Publisher holds the most recently published Snapshot behind an atomic
// pointer swap. The uplink pipeline is the sole writer; any number of
// external on-board readers may call Latest concurrently.
type Publisher struct {
	current atomic.Pointer[Snapshot]
}

// New creates an empty publisher; Latest returns nil until the first Publish.
func New() *Publisher {
	return &Publisher{}
}

// Publish installs a new snapshot. Called only from the loop goroutine
// after a successful RC decode.
func (p *Publisher) Publish(channels []int16, sequence uint8) {
	cp := make([]int16, len(channels))
	copy(cp, channels)
	p.current.Store(&Snapshot{Channels: cp, Sequence: sequence, Timestamp: time.Now()})
}

// Latest returns the most recently published snapshot, or nil if none has
// been published yet. The returned Snapshot is never mutated after
// publication, so callers may read it without copying.
func (p *Publisher) Latest() *Snapshot {
	return p.current.Load()
}
