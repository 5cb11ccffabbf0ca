package events

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrDuplicateEvent = errors.New("event with this dedupe key already queued")

// Outbox stores events until the relay hands them to the publisher.
type Outbox interface {
	Enqueue(ctx context.Context, event Event) error
	Pending(ctx context.Context, now time.Time, limit int) ([]Event, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	MarkRetry(ctx context.Context, id string, next time.Time, lastErr string, failed bool) error
	// DeleteDelivered removes events delivered before the cutoff.
	DeleteDelivered(ctx context.Context, before time.Time) (int64, error)
}

type MemoryOutbox struct {
	mu      sync.Mutex
	events  map[string]*Event
	dedupes map[string]string
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{
		events:  make(map[string]*Event),
		dedupes: make(map[string]string),
	}
}

func (o *MemoryOutbox) Enqueue(_ context.Context, event Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.dedupes[event.DedupeKey]; exists {
		return ErrDuplicateEvent
	}
	e := event
	o.events[e.ID] = &e
	o.dedupes[e.DedupeKey] = e.ID
	return nil
}

func (o *MemoryOutbox) Pending(_ context.Context, now time.Time, limit int) ([]Event, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []Event
	for _, e := range o.events {
		if e.Status == StatusPending && !e.NextAttemptAt.After(now) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (o *MemoryOutbox) MarkDelivered(_ context.Context, id string, at time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.events[id]
	if !ok {
		return nil
	}
	e.Status = StatusDelivered
	e.Attempts++
	delivered := at.UTC()
	e.DeliveredAt = &delivered
	return nil
}

func (o *MemoryOutbox) MarkRetry(_ context.Context, id string, next time.Time, lastErr string, failed bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.events[id]
	if !ok {
		return nil
	}
	e.Attempts++
	e.NextAttemptAt = next.UTC()
	e.LastError = lastErr
	if failed {
		e.Status = StatusFailed
	}
	return nil
}

func (o *MemoryOutbox) DeleteDelivered(_ context.Context, before time.Time) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var n int64
	for id, e := range o.events {
		if e.Status == StatusDelivered && e.DeliveredAt != nil && e.DeliveredAt.Before(before) {
			delete(o.dedupes, e.DedupeKey)
			delete(o.events, id)
			n++
		}
	}
	return n, nil
}

// All returns a snapshot of every stored event, oldest first.
func (o *MemoryOutbox) All() []Event {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Event, 0, len(o.events))
	for _, e := range o.events {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
