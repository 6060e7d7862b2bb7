// Package storetest is a behavioural suite shared by every storage backend.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MailRota/internal/health"
	"MailRota/internal/models"
	"MailRota/internal/progress"
	"MailRota/internal/queue"
	"MailRota/internal/quota"
	"MailRota/internal/sender"
)

type Store interface {
	queue.Store
	sender.Store
	health.Store
	progress.Store
	quota.Counter
}

// base is second-aligned so timestamps survive databases with coarser precision.
var base = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

// Run exercises s against the storage contracts. newStore must return an
// empty store.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"InsertAndGet", testInsertAndGet},
		{"DueOrdering", testDueOrdering},
		{"ConditionalUpdate", testConditionalUpdate},
		{"ConcurrentClaim", testConcurrentClaim},
		{"StuckTasks", testStuckTasks},
		{"CampaignCounts", testCampaignCounts},
		{"Senders", testSenders},
		{"ConcurrentDisable", testConcurrentDisable},
		{"Suspension", testSuspension},
		{"Counters", testCounters},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func task(campaign int64, scheduled time.Time) *models.DeliveryTask {
	return &models.DeliveryTask{
		ID:             uuid.NewString(),
		CampaignID:     campaign,
		RecipientEmail: "r@example.com",
		Subject:        "Hello",
		Body:           "<p>hi</p>",
		Status:         models.StatusQueued,
		ScheduledAt:    scheduled,
		CreatedAt:      base,
		UpdatedAt:      base,
	}
}

func claim(at time.Time) models.TaskUpdate {
	return models.TaskUpdate{Status: models.StatusProcessing, ClaimedAt: &at, At: at}
}

func testInsertAndGet(t *testing.T, s Store) {
	ctx := context.Background()
	in := task(1, base)
	require.NoError(t, s.InsertTask(ctx, in))
	assert.Error(t, s.InsertTask(ctx, in))

	got, err := s.GetTask(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, in.RecipientEmail, got.RecipientEmail)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.True(t, got.ScheduledAt.Equal(base))

	_, err = s.GetTask(ctx, uuid.NewString())
	assert.ErrorIs(t, err, models.ErrTaskNotFound)
}

func testDueOrdering(t *testing.T, s Store) {
	ctx := context.Background()
	late := task(1, base.Add(2*time.Minute))
	early := task(1, base)
	retried := task(1, base.Add(time.Minute))
	retried.RetryCount = 2
	fresh := task(1, base.Add(time.Minute))
	future := task(1, base.Add(time.Hour))

	for _, tk := range []*models.DeliveryTask{late, early, retried, fresh, future} {
		require.NoError(t, s.InsertTask(ctx, tk))
	}

	due, err := s.ListDueTasks(ctx, base.Add(5*time.Minute), 10)
	require.NoError(t, err)
	ids := make([]string, len(due))
	for i, d := range due {
		ids[i] = d.ID
	}
	assert.Equal(t, []string{early.ID, fresh.ID, retried.ID, late.ID}, ids)

	due, err = s.ListDueTasks(ctx, base.Add(5*time.Minute), 2)
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func testConditionalUpdate(t *testing.T, s Store) {
	ctx := context.Background()
	tk := task(1, base)
	require.NoError(t, s.InsertTask(ctx, tk))

	got, err := s.UpdateTaskStatus(ctx, tk.ID, []models.TaskStatus{models.StatusQueued}, claim(base), nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
	require.NotNil(t, got.ClaimedAt)

	_, err = s.UpdateTaskStatus(ctx, tk.ID, []models.TaskStatus{models.StatusQueued}, claim(base), nil)
	assert.ErrorIs(t, err, models.ErrStatusConflict)

	_, err = s.UpdateTaskStatus(ctx, uuid.NewString(), []models.TaskStatus{models.StatusQueued}, claim(base), nil)
	assert.ErrorIs(t, err, models.ErrTaskNotFound)

	sentAt := base.Add(time.Second)
	from := "a@example.com"
	got, err = s.UpdateTaskStatus(ctx, tk.ID, []models.TaskStatus{models.StatusProcessing}, models.TaskUpdate{
		Status:      models.StatusSent,
		ProcessedAt: &sentAt,
		SenderEmail: &from,
		ClearClaim:  true,
		At:          sentAt,
	}, &models.DeliveryAttempt{
		ID:          uuid.NewString(),
		TaskID:      tk.ID,
		CampaignID:  tk.CampaignID,
		SenderEmail: from,
		Outcome:     models.StatusSent,
		CreatedAt:   sentAt,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, got.Status)
	assert.Equal(t, from, got.SenderEmail)
	assert.Nil(t, got.ClaimedAt)

	counts, err := s.AttemptOutcomes(ctx, from, base)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCounts{Sent: 1}, counts)

	counts, err = s.AttemptOutcomes(ctx, from, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, counts.Total())
}

func testConcurrentClaim(t *testing.T, s Store) {
	ctx := context.Background()
	tk := task(1, base)
	require.NoError(t, s.InsertTask(ctx, tk))

	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateTaskStatus(ctx, tk.ID, []models.TaskStatus{models.StatusQueued}, claim(base), nil)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, models.ErrStatusConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(15), conflicts.Load())
}

func testStuckTasks(t *testing.T, s Store) {
	ctx := context.Background()
	old := task(1, base)
	recent := task(1, base)
	require.NoError(t, s.InsertTask(ctx, old))
	require.NoError(t, s.InsertTask(ctx, recent))

	_, err := s.UpdateTaskStatus(ctx, old.ID, []models.TaskStatus{models.StatusQueued}, claim(base), nil)
	require.NoError(t, err)
	_, err = s.UpdateTaskStatus(ctx, recent.ID, []models.TaskStatus{models.StatusQueued}, claim(base.Add(time.Hour)), nil)
	require.NoError(t, err)

	cutoff := base.Add(30 * time.Minute)
	stuck, err := s.ListStuckTasks(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, old.ID, stuck[0].ID)

	note := "released"
	ids, err := s.ReleaseStuckTasks(ctx, cutoff, models.TaskUpdate{
		Status:       models.StatusQueued,
		ClearClaim:   true,
		ErrorMessage: &note,
		At:           cutoff,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{old.ID}, ids)

	got, err := s.GetTask(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Nil(t, got.ClaimedAt)
	assert.Equal(t, note, got.ErrorMessage)

	counts, err := s.CountTasksByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.StatusQueued])
	assert.Equal(t, 1, counts[models.StatusProcessing])
}

func testCampaignCounts(t *testing.T, s Store) {
	ctx := context.Background()
	a1, a2, b1 := task(1, base), task(1, base), task(2, base)
	a2.RetryCount = 2
	for _, tk := range []*models.DeliveryTask{a1, a2, b1} {
		require.NoError(t, s.InsertTask(ctx, tk))
	}
	done := base.Add(time.Minute)
	_, err := s.UpdateTaskStatus(ctx, a1.ID, []models.TaskStatus{models.StatusQueued}, models.TaskUpdate{
		Status: models.StatusSent, ProcessedAt: &done, At: done,
	}, nil)
	require.NoError(t, err)

	all, err := s.CampaignCounts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, int64(1), all[0].CampaignID)
	assert.Equal(t, 1, all[0].ByStatus[models.StatusSent])
	assert.Equal(t, 1, all[0].ByStatus[models.StatusQueued])
	assert.Equal(t, 2, all[0].RetrySum)
	require.NotNil(t, all[0].LastProcessedAt)
	assert.True(t, all[0].LastProcessedAt.Equal(done))

	one, err := s.CampaignCounts(ctx, 2)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, 1, one[0].ByStatus[models.StatusQueued])
}

func account(email string) *models.SenderAccount {
	return &models.SenderAccount{
		Email:            email,
		Provider:         models.ProviderSMTP,
		DailyLimit:       50,
		IsEnabled:        true,
		ConnectionStatus: models.ConnectionUnknown,
		HealthStatus:     models.HealthHealthy,
		CreatedAt:        base,
	}
}

func testSenders(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertSender(ctx, account("a@example.com")))
	require.NoError(t, s.UpsertSender(ctx, account("b@example.com")))

	require.NoError(t, s.SetSenderEnabled(ctx, "a@example.com", false))
	assert.ErrorIs(t, s.SetSenderEnabled(ctx, "b@example.com", false), models.ErrLastEnabledSender)
	assert.ErrorIs(t, s.SetSenderEnabled(ctx, "nobody@example.com", true), models.ErrSenderNotFound)

	// re-upserting keeps administrative state
	again := account("a@example.com")
	again.DailyLimit = 80
	require.NoError(t, s.UpsertSender(ctx, again))
	acc, err := s.GetSender(ctx, "a@example.com")
	require.NoError(t, err)
	assert.False(t, acc.IsEnabled)
	assert.Equal(t, 80, acc.DailyLimit)

	require.NoError(t, s.SetPrimarySender(ctx, "a@example.com"))
	require.NoError(t, s.SetPrimarySender(ctx, "b@example.com"))
	list, err := s.ListSenders(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.False(t, list[0].IsPrimary)
	assert.True(t, list[1].IsPrimary)
	assert.ErrorIs(t, s.SetPrimarySender(ctx, "nobody@example.com"), models.ErrSenderNotFound)

	at := base.Add(time.Minute)
	require.NoError(t, s.TouchSender(ctx, "b@example.com", at))
	acc, err = s.GetSender(ctx, "b@example.com")
	require.NoError(t, err)
	require.NotNil(t, acc.LastActivity)
	assert.True(t, acc.LastActivity.Equal(at))
	assert.Equal(t, models.ConnectionOK, acc.ConnectionStatus)

	require.NoError(t, s.SetConnectionStatus(ctx, "b@example.com", models.ConnectionError))
	acc, err = s.GetSender(ctx, "b@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionError, acc.ConnectionStatus)
}

func testConcurrentDisable(t *testing.T, s Store) {
	ctx := context.Background()
	emails := []string{"a@example.com", "b@example.com"}
	for _, e := range emails {
		require.NoError(t, s.UpsertSender(ctx, account(e)))
	}

	for round := 0; round < 20; round++ {
		for _, e := range emails {
			require.NoError(t, s.SetSenderEnabled(ctx, e, true))
		}

		var wins, refused atomic.Int32
		start := make(chan struct{})
		var wg sync.WaitGroup
		for _, e := range emails {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				err := s.SetSenderEnabled(ctx, e, false)
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, models.ErrLastEnabledSender):
					refused.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		require.Equal(t, int32(1), wins.Load(), "round %d", round)
		require.Equal(t, int32(1), refused.Load(), "round %d", round)

		list, err := s.ListSenders(ctx)
		require.NoError(t, err)
		enabled := 0
		for _, acc := range list {
			if acc.IsEnabled {
				enabled++
			}
		}
		require.Equal(t, 1, enabled, "round %d", round)
	}
}

func testSuspension(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertSender(ctx, account("a@example.com")))

	require.NoError(t, s.SaveHealth(ctx, models.HealthRecord{
		SenderEmail:    "a@example.com",
		Status:         models.HealthCritical,
		FailureRate:    0.5,
		CriticalStreak: 2,
		LastCheckedAt:  base,
	}))
	require.NoError(t, s.SetSuspension(ctx, "a@example.com", true, "bounces", base))

	acc, err := s.GetSender(ctx, "a@example.com")
	require.NoError(t, err)
	assert.True(t, acc.Suspended)
	assert.Equal(t, "bounces", acc.SuspensionReason)
	assert.Equal(t, models.HealthSuspended, acc.HealthStatus)
	assert.Equal(t, 2, acc.CriticalStreak)

	require.NoError(t, s.SetSuspension(ctx, "a@example.com", false, "", base))
	acc, err = s.GetSender(ctx, "a@example.com")
	require.NoError(t, err)
	assert.False(t, acc.Suspended)
	assert.Empty(t, acc.SuspensionReason)
	assert.Nil(t, acc.SuspendedAt)
	assert.Zero(t, acc.CriticalStreak)

	assert.ErrorIs(t, s.SaveHealth(ctx, models.HealthRecord{SenderEmail: "nobody@example.com"}), models.ErrSenderNotFound)
}

func testCounters(t *testing.T, s Store) {
	ctx := context.Background()
	n, err := s.Increment(ctx, "2026-03-10", "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.Increment(ctx, "2026-03-10", "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = s.Increment(ctx, "2026-03-11", "a@example.com")
	require.NoError(t, err)

	counts, err := s.Counts(ctx, "2026-03-10", []string{"a@example.com", "b@example.com"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a@example.com": 2, "b@example.com": 0}, counts)

	require.NoError(t, s.Reset(ctx, "2026-03-10", "a@example.com"))
	counts, err = s.Counts(ctx, "2026-03-10", []string{"a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, 0, counts["a@example.com"])

	counts, err = s.Counts(ctx, "2026-03-11", []string{"a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, 1, counts["a@example.com"])
}
