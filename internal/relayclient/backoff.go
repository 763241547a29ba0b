package relayclient

import "time"

const (
	backoffFloor   = 1000 * time.Millisecond
	backoffCeiling = 30000 * time.Millisecond
)

// Backoff yields reconnect delays: floor, then doubling up to ceiling.
// It is not safe for concurrent use; Client guards it with its mutex.
type Backoff struct {
	Floor   time.Duration
	Ceiling time.Duration
	next    time.Duration
}

// NewBackoff returns a Backoff with the relay defaults of 1s and 30s.
func NewBackoff() *Backoff {
	return &Backoff{Floor: backoffFloor, Ceiling: backoffCeiling}
}

// Next returns the delay to wait now and advances the sequence.
func (b *Backoff) Next() time.Duration {
	if b.next < b.Floor {
		b.next = b.Floor
	}
	d := b.next
	b.next *= 2
	if b.next > b.Ceiling {
		b.next = b.Ceiling
	}
	return d
}

// Reset returns the sequence to the floor.
func (b *Backoff) Reset() {
	b.next = b.Floor
}
