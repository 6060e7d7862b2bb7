package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"MailRota/internal/health"
	"MailRota/internal/memstore"
	"MailRota/internal/models"
	"MailRota/internal/queue"
	"MailRota/internal/worker"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func TestNewRejectsBadSchedule(t *testing.T) {
	store := memstore.New()
	q := queue.New(store, queue.DefaultRetryPolicy(), zap.NewNop())
	_, err := New(Schedules{Process: "every now and then"}, q, nil, make(chan worker.Batch), 10, zap.NewNop())
	assert.Error(t, err)
}

func TestTriggerBatch(t *testing.T) {
	store := memstore.New()
	q := queue.New(store, queue.DefaultRetryPolicy(), zap.NewNop())
	batches := make(chan worker.Batch, 1)

	s, err := New(Schedules{Process: "@every 1m"}, q, nil, batches, 25, zap.NewNop())
	require.NoError(t, err)

	s.TriggerBatch()
	s.TriggerBatch() // dropped, buffer full

	b := <-batches
	assert.Equal(t, worker.Batch{MaxTasks: 25, Source: "cron"}, b)
	assert.Empty(t, batches)
}

func TestSweepReleasesStuckTasks(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	c := &clock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	q := queue.New(store, queue.DefaultRetryPolicy(), zap.NewNop(), queue.WithClock(c.Now))

	id, err := q.Enqueue(ctx, models.EnqueueRequest{
		CampaignID: 1, RecipientEmail: "r@example.com", Subject: "s", Body: "b",
	})
	require.NoError(t, err)
	_, err = q.Claim(ctx, id)
	require.NoError(t, err)

	s, err := New(Schedules{}, q, nil, nil, 10, zap.NewNop())
	require.NoError(t, err)

	s.Sweep(ctx)
	task, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, task.Status)

	c.mu.Lock()
	c.now = c.now.Add(time.Hour)
	c.mu.Unlock()

	s.Sweep(ctx)
	task, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, task.Status)
}

func TestCheckHealth(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.UpsertSender(ctx, &models.SenderAccount{Email: "a@example.com", DailyLimit: 5, IsEnabled: true}))
	q := queue.New(store, queue.DefaultRetryPolicy(), zap.NewNop())
	mon := health.NewMonitor(store, health.DefaultConfig(), zap.NewNop())

	s, err := New(Schedules{Health: "@every 15m"}, q, mon, nil, 10, zap.NewNop())
	require.NoError(t, err)
	s.CheckHealth(ctx)

	acc, err := store.GetSender(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.HealthHealthy, acc.HealthStatus)
	assert.NotNil(t, acc.HealthCheckedAt)
}
