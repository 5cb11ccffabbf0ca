package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/elskow/modhub-identity/internal/config"
)

var epoch = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

type published struct {
	name    string
	payload map[string]any
}

// fakePublisher fails the first failures calls and records the rest.
type fakePublisher struct {
	mu       sync.Mutex
	failures int
	calls    int
	got      []published
}

func (p *fakePublisher) Publish(_ context.Context, name string, payload map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	if p.calls <= p.failures {
		return errors.New("bus unavailable")
	}
	p.got = append(p.got, published{name: name, payload: payload})
	return nil
}

func newTestRelay(t *testing.T, outbox Outbox, publisher Publisher, now *time.Time) *Relay {
	relay := NewRelay(&config.EventsConfig{
		PollInterval: time.Second,
		BatchSize:    10,
		Concurrency:  2,
		RetryBase:    5 * time.Second,
		MaxAttempts:  3,
	}, outbox, publisher, zaptest.NewLogger(t))
	relay.clock = func() time.Time { return *now }
	return relay
}

func mustEvent(t *testing.T, name, dedupe string, at time.Time) Event {
	t.Helper()
	e, err := NewEvent(name, dedupe, map[string]any{"user_id": "u-1", "revoked": 2}, at)
	require.NoError(t, err)
	return e
}

func TestNewEvent(t *testing.T) {
	e := mustEvent(t, LoginSucceeded, "", epoch)

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, LoginSucceeded+":"+e.ID, e.DedupeKey)
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, epoch, e.NextAttemptAt)

	payload, err := DecodePayload(e.Payload)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"user_id": "u-1", "revoked": float64(2)}, payload)

	keyed := mustEvent(t, LoginSucceeded, "login:abc", epoch)
	assert.Equal(t, "login:abc", keyed.DedupeKey)

	_, err = NewEvent(LoginSucceeded, "", map[string]any{"bad": make(chan int)}, epoch)
	assert.Error(t, err)
}

func TestMemoryOutbox(t *testing.T) {
	ctx := context.Background()
	outbox := NewMemoryOutbox()

	first := mustEvent(t, UserRegistered, "reg:1", epoch)
	second := mustEvent(t, UserRegistered, "reg:2", epoch.Add(time.Second))
	later := mustEvent(t, UserRegistered, "reg:3", epoch.Add(2*time.Second))
	later.NextAttemptAt = epoch.Add(time.Hour)

	for _, e := range []Event{second, first, later} {
		require.NoError(t, outbox.Enqueue(ctx, e))
	}
	assert.ErrorIs(t, outbox.Enqueue(ctx, mustEvent(t, UserRegistered, "reg:1", epoch)), ErrDuplicateEvent)

	tests := []struct {
		name  string
		now   time.Time
		limit int
		want  []string
	}{
		{name: "due events oldest first", now: epoch.Add(time.Minute), want: []string{first.ID, second.ID}},
		{name: "limit", now: epoch.Add(time.Minute), limit: 1, want: []string{first.ID}},
		{name: "retry time reached", now: epoch.Add(time.Hour), want: []string{first.ID, second.ID, later.ID}},
		{name: "nothing due yet", now: epoch.Add(-time.Second), want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pending, err := outbox.Pending(ctx, tt.now, tt.limit)
			require.NoError(t, err)

			var ids []string
			for _, e := range pending {
				ids = append(ids, e.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	require.NoError(t, outbox.MarkDelivered(ctx, first.ID, epoch))
	pending, err := outbox.Pending(ctx, epoch.Add(time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)
}

func TestRelay_DrainOnce(t *testing.T) {
	ctx := context.Background()
	now := epoch
	outbox := NewMemoryOutbox()
	publisher := &fakePublisher{}
	relay := newTestRelay(t, outbox, publisher, &now)

	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, outbox.Enqueue(ctx, mustEvent(t, AccountLocked, key, now)))
	}

	n, err := relay.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, publisher.got, 3)

	n, err = relay.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "delivered events are not published again")

	for _, e := range outbox.All() {
		assert.Equal(t, StatusDelivered, e.Status)
		assert.Equal(t, 1, e.Attempts)
		require.NotNil(t, e.DeliveredAt)
	}
}

func TestRelay_RetriesThenGivesUp(t *testing.T) {
	ctx := context.Background()
	now := epoch
	outbox := NewMemoryOutbox()
	publisher := &fakePublisher{failures: 100}
	relay := newTestRelay(t, outbox, publisher, &now)

	require.NoError(t, outbox.Enqueue(ctx, mustEvent(t, PasswordChanged, "pw", now)))

	n, err := relay.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	event := outbox.All()[0]
	assert.Equal(t, StatusPending, event.Status)
	assert.Equal(t, 1, event.Attempts)
	assert.Equal(t, epoch.Add(5*time.Second), event.NextAttemptAt)
	assert.Equal(t, "bus unavailable", event.LastError)

	n, err = relay.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, publisher.calls, "not due before the retry time")

	now = now.Add(5 * time.Second)
	_, err = relay.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, now.Add(10*time.Second), outbox.All()[0].NextAttemptAt)

	now = now.Add(10 * time.Second)
	_, err = relay.DrainOnce(ctx)
	require.NoError(t, err)

	event = outbox.All()[0]
	assert.Equal(t, StatusFailed, event.Status)
	assert.Equal(t, 3, event.Attempts)

	now = now.Add(24 * time.Hour)
	_, err = relay.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, publisher.calls, "failed events are parked")
}

func TestRelay_RecoversAfterTransientFailure(t *testing.T) {
	ctx := context.Background()
	now := epoch
	outbox := NewMemoryOutbox()
	publisher := &fakePublisher{failures: 1}
	relay := newTestRelay(t, outbox, publisher, &now)

	require.NoError(t, outbox.Enqueue(ctx, mustEvent(t, SessionsRevoked, "s", now)))

	_, err := relay.DrainOnce(ctx)
	require.NoError(t, err)

	now = now.Add(time.Minute)
	n, err := relay.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, publisher.got, 1)
	assert.Equal(t, SessionsRevoked, publisher.got[0].name)
	assert.Equal(t, "u-1", publisher.got[0].payload["user_id"])
	assert.Equal(t, StatusDelivered, outbox.All()[0].Status)
}

func TestRelay_UndecodablePayloadFails(t *testing.T) {
	ctx := context.Background()
	now := epoch
	outbox := NewMemoryOutbox()
	publisher := &fakePublisher{}
	relay := newTestRelay(t, outbox, publisher, &now)

	event := mustEvent(t, UserDeactivated, "broken", now)
	event.Payload = "{not json"
	require.NoError(t, outbox.Enqueue(ctx, event))

	n, err := relay.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, publisher.calls)
	assert.Equal(t, StatusFailed, outbox.All()[0].Status)
}

func TestRelay_RetryDelayIsCapped(t *testing.T) {
	now := epoch
	relay := newTestRelay(t, NewMemoryOutbox(), &fakePublisher{}, &now)

	assert.Equal(t, 5*time.Second, relay.retryDelay(0))
	assert.Equal(t, 20*time.Second, relay.retryDelay(2))
	assert.Equal(t, maxRetryDelay, relay.retryDelay(50))
}

func TestRelay_RunStopsOnCancel(t *testing.T) {
	now := epoch
	outbox := NewMemoryOutbox()
	publisher := &fakePublisher{}
	relay := newTestRelay(t, outbox, publisher, &now)
	require.NoError(t, outbox.Enqueue(context.Background(), mustEvent(t, UserRegistered, "run", now)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		relay.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return outbox.All()[0].Status == StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestMemoryOutbox_DeleteDelivered(t *testing.T) {
	ctx := context.Background()
	outbox := NewMemoryOutbox()

	old := mustEvent(t, UserRegistered, "old", epoch)
	recent := mustEvent(t, UserRegistered, "recent", epoch)
	pending := mustEvent(t, UserRegistered, "pending", epoch)
	for _, e := range []Event{old, recent, pending} {
		require.NoError(t, outbox.Enqueue(ctx, e))
	}
	require.NoError(t, outbox.MarkDelivered(ctx, old.ID, epoch))
	require.NoError(t, outbox.MarkDelivered(ctx, recent.ID, epoch.Add(48*time.Hour)))

	n, err := outbox.DeleteDelivered(ctx, epoch.Add(24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	var ids []string
	for _, e := range outbox.All() {
		ids = append(ids, e.ID)
	}
	assert.ElementsMatch(t, []string{recent.ID, pending.ID}, ids)

	// The dedupe key of a purged event can be used again.
	assert.NoError(t, outbox.Enqueue(ctx, mustEvent(t, UserRegistered, "old", epoch)))
}

func TestRelay_RunWithoutIntervalReturns(t *testing.T) {
	relay := NewRelay(&config.EventsConfig{}, NewMemoryOutbox(), &fakePublisher{}, zaptest.NewLogger(t))

	done := make(chan struct{})
	go func() {
		defer close(done)
		relay.Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return at once without a poll interval")
	}
}
