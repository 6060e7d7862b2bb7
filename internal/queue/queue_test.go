package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"MailRota/internal/memstore"
	"MailRota/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T) (*Queue, *memstore.Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	store := memstore.New()
	q := New(store, DefaultRetryPolicy(), zap.NewNop(), WithClock(clock.Now))
	return q, store, clock
}

func enqueue(t *testing.T, q *Queue, recipient string) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), models.EnqueueRequest{
		CampaignID:     7,
		RecipientEmail: recipient,
		Subject:        "Spring launch",
		Body:           "<p>hello</p>",
	})
	require.NoError(t, err)
	return id
}

func TestEnqueue(t *testing.T) {
	ctx := context.Background()

	t.Run("past schedule is moved to now", func(t *testing.T) {
		q, _, clock := newTestQueue(t)
		past := clock.Now().Add(-time.Hour)
		id, err := q.Enqueue(ctx, models.EnqueueRequest{
			CampaignID:     1,
			RecipientEmail: "a@example.com",
			Subject:        "s",
			Body:           "b",
			ScheduledAt:    &past,
		})
		require.NoError(t, err)

		task, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusQueued, task.Status)
		assert.Equal(t, clock.Now(), task.ScheduledAt)
		assert.Zero(t, task.RetryCount)
		assert.False(t, task.PinnedSender)
	})

	t.Run("future schedule is kept", func(t *testing.T) {
		q, _, clock := newTestQueue(t)
		future := clock.Now().Add(2 * time.Hour)
		id, err := q.Enqueue(ctx, models.EnqueueRequest{
			CampaignID:     1,
			RecipientEmail: "a@example.com",
			Subject:        "s",
			Body:           "b",
			ScheduledAt:    &future,
		})
		require.NoError(t, err)

		task, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, future, task.ScheduledAt)

		due, err := q.Due(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, due)
	})

	t.Run("sender email pins the task", func(t *testing.T) {
		q, _, _ := newTestQueue(t)
		id, err := q.Enqueue(ctx, models.EnqueueRequest{
			CampaignID:     1,
			SenderEmail:    "ops@example.com",
			RecipientEmail: "a@example.com",
			Subject:        "s",
			Body:           "b",
		})
		require.NoError(t, err)

		task, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, task.PinnedSender)
		assert.Equal(t, "ops@example.com", task.SenderEmail)
	})

	t.Run("invalid request is rejected", func(t *testing.T) {
		q, _, _ := newTestQueue(t)
		_, err := q.Enqueue(ctx, models.EnqueueRequest{CampaignID: 1, RecipientEmail: "not-an-email"})
		require.Error(t, err)

		fields := models.ValidationFields(err)
		assert.Contains(t, fields, "RecipientEmail")
		assert.Contains(t, fields, "Subject")
	})
}

func TestDueOrdering(t *testing.T) {
	ctx := context.Background()
	q, _, clock := newTestQueue(t)

	first := enqueue(t, q, "first@example.com")
	clock.Advance(time.Second)
	second := enqueue(t, q, "second@example.com")
	clock.Advance(time.Second)

	due, err := q.Due(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, first, due[0].ID)
	assert.Equal(t, second, due[1].ID)

	due, err = q.Due(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)
	id := enqueue(t, q, "r@example.com")

	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Claim(ctx, id)
			switch {
			case err == nil:
				wins.Add(1)
			case IsConflict(err):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	assert.EqualValues(t, 15, conflicts.Load())

	task, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, task.Status)
	assert.NotNil(t, task.ClaimedAt)
}

func TestMarkFailedRetriesThenGivesUp(t *testing.T) {
	ctx := context.Background()
	q, store, clock := newTestQueue(t)
	id := enqueue(t, q, "r@example.com")
	cause := errors.New("421 try again later")

	wantDelays := []time.Duration{5 * time.Minute, 10 * time.Minute, 20 * time.Minute}
	for i, wantDelay := range wantDelays {
		task, err := q.Claim(ctx, id)
		require.NoError(t, err)

		task, err = q.MarkFailed(ctx, task, "s1@example.com", cause)
		require.NoError(t, err)
		assert.Equal(t, models.StatusQueued, task.Status)
		assert.Equal(t, i+1, task.RetryCount)
		assert.Equal(t, clock.Now().Add(wantDelay), task.ScheduledAt)
		assert.Nil(t, task.ClaimedAt)

		clock.Advance(wantDelay)
	}

	task, err := q.Claim(ctx, id)
	require.NoError(t, err)
	task, err = q.MarkFailed(ctx, task, "s1@example.com", cause)
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailedPermanent, task.Status)
	assert.Equal(t, 4, task.RetryCount)
	assert.NotNil(t, task.ProcessedAt)
	assert.Contains(t, task.ErrorMessage, "421 try again later")

	attempts := store.Attempts()
	require.Len(t, attempts, 4)
	for _, a := range attempts {
		assert.Equal(t, models.StatusFailed, a.Outcome)
		assert.Equal(t, "s1@example.com", a.SenderEmail)
	}
}

func TestMarkSent(t *testing.T) {
	ctx := context.Background()
	q, store, _ := newTestQueue(t)
	id := enqueue(t, q, "r@example.com")

	task, err := q.Claim(ctx, id)
	require.NoError(t, err)
	task, err = q.Assign(ctx, id, "s1@example.com")
	require.NoError(t, err)

	task, err = q.MarkSent(ctx, task, "s1@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, task.Status)
	assert.Equal(t, "s1@example.com", task.SenderEmail)
	assert.NotNil(t, task.ProcessedAt)

	_, err = q.Cancel(ctx, id)
	assert.ErrorIs(t, err, models.ErrStatusConflict)

	require.Len(t, store.Attempts(), 1)
	assert.Equal(t, models.StatusSent, store.Attempts()[0].Outcome)
}

func TestMarkFailedPermanentIgnoresRetryBudget(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)
	id := enqueue(t, q, "r@example.com")

	task, err := q.Claim(ctx, id)
	require.NoError(t, err)
	task, err = q.MarkFailedPermanent(ctx, task, "s1@example.com", errors.New("550 mailbox unavailable"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailedPermanent, task.Status)
	assert.Zero(t, task.RetryCount)
	assert.Equal(t, "550 mailbox unavailable", task.ErrorMessage)
}

func TestOperatorTransitions(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)
	id := enqueue(t, q, "r@example.com")

	task, err := q.Pause(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, task.Status)

	_, err = q.Claim(ctx, id)
	assert.ErrorIs(t, err, models.ErrStatusConflict)

	task, err = q.Resume(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, task.Status)

	_, err = q.Resume(ctx, id)
	assert.ErrorIs(t, err, models.ErrStatusConflict)

	task, err = q.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, task.Status)

	_, err = q.Pause(ctx, id)
	assert.ErrorIs(t, err, models.ErrStatusConflict)

	_, err = q.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrTaskNotFound)
}

func TestAssignAfterCancelConflicts(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)
	id := enqueue(t, q, "r@example.com")

	_, err := q.Claim(ctx, id)
	require.NoError(t, err)
	_, err = q.Cancel(ctx, id)
	require.NoError(t, err)

	_, err = q.Assign(ctx, id, "s1@example.com")
	assert.True(t, IsConflict(err))
}

func TestDeferPushesScheduleWithoutRetry(t *testing.T) {
	ctx := context.Background()
	q, _, clock := newTestQueue(t)
	later := enqueue(t, q, "later@example.com")
	next := enqueue(t, q, "next@example.com")

	_, err := q.Claim(ctx, later)
	require.NoError(t, err)
	task, err := q.Defer(ctx, later, 15*time.Minute, "pinned sender unavailable")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, task.Status)
	assert.Zero(t, task.RetryCount)
	assert.Nil(t, task.ClaimedAt)
	assert.Equal(t, clock.Now().Add(15*time.Minute), task.ScheduledAt)
	assert.Equal(t, "pinned sender unavailable", task.ErrorMessage)

	due, err := q.Due(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, next, due[0].ID)

	clock.Advance(15 * time.Minute)
	due, err = q.Due(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, due, 2)

	// only claimed tasks can be deferred
	_, err = q.Defer(ctx, next, time.Minute, "x")
	assert.True(t, IsConflict(err))
}

func TestReleaseStuck(t *testing.T) {
	ctx := context.Background()
	q, _, clock := newTestQueue(t)
	stale := enqueue(t, q, "stale@example.com")
	fresh := enqueue(t, q, "fresh@example.com")

	_, err := q.Claim(ctx, stale)
	require.NoError(t, err)
	clock.Advance(DefaultStuckThreshold + time.Minute)
	_, err = q.Claim(ctx, fresh)
	require.NoError(t, err)

	stuck, err := q.StuckTasks(ctx)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, stale, stuck[0].ID)

	ids, err := q.ReleaseStuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{stale}, ids)

	task, err := q.Get(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, task.Status)
	assert.Zero(t, task.RetryCount)
	assert.Nil(t, task.ClaimedAt)

	task, err = q.Get(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, task.Status)
}

func TestStatsZeroFilled(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)
	enqueue(t, q, "r@example.com")

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Len(t, stats, len(models.AllStatuses))
	assert.Equal(t, 1, stats[models.StatusQueued])
	assert.Equal(t, 0, stats[models.StatusSent])
}
