package tracker

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Throttle lets every Frequency-th update through, starting with the first one.
// A frequency of 1 or less lets every update through.
type Throttle struct {
	Frequency int

	count int
}

// Allow reports whether the current update should be persisted.
func (t *Throttle) Allow() bool {
	if t.Frequency <= 1 {
		return true
	}

	allow := t.count%t.Frequency == 0
	t.count++

	return allow
}

// Throttled persists through w only the updates its throttle allows. The latest
// skipped update is kept in memory until [Throttled.Flush].
type Throttled struct {
	w Writer

	mu       sync.Mutex
	throttle Throttle
	pending  bson.Raw
}

// NewThrottled wraps w so it persists every frequency-th update.
func NewThrottled(w Writer, frequency int) *Throttled {
	return &Throttled{w: w, throttle: Throttle{Frequency: frequency}}
}

func (t *Throttled) Latest(ctx context.Context) (bson.Raw, error) {
	return t.w.Latest(ctx) //nolint:wrapcheck
}

// Update records doc as the current position and persists it when allowed.
func (t *Throttled) Update(ctx context.Context, doc bson.Raw) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.throttle.Allow() {
		t.pending = doc

		return nil
	}

	err := t.w.Update(ctx, doc)
	if err != nil {
		t.pending = doc

		return err //nolint:wrapcheck
	}

	t.pending = nil

	return nil
}

// Flush persists the in-memory position skipped by the throttle, if any.
func (t *Throttled) Flush(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending == nil {
		return nil
	}

	err := t.w.Update(ctx, t.pending)
	if err != nil {
		return err //nolint:wrapcheck
	}

	t.pending = nil

	return nil
}

// Pending reports whether an update is waiting for [Throttled.Flush].
func (t *Throttled) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.pending != nil
}
