package health

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"MailRota/internal/memstore"
	"MailRota/internal/models"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestMonitor(t *testing.T, emails ...string) (*Monitor, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	for _, e := range emails {
		require.NoError(t, store.UpsertSender(context.Background(), &models.SenderAccount{
			Email:        e,
			DailyLimit:   50,
			IsEnabled:    true,
			HealthStatus: models.HealthHealthy,
		}))
	}
	m := NewMonitor(store, DefaultConfig(), zap.NewNop()).WithClock(func() time.Time { return testNow })
	return m, store
}

func record(store *memstore.Store, email string, sent, failed, permanent int) {
	n := 0
	add := func(outcome models.TaskStatus, count int) {
		for i := 0; i < count; i++ {
			n++
			store.RecordAttempt(models.DeliveryAttempt{
				ID:          fmt.Sprintf("%s-%d", email, n),
				TaskID:      fmt.Sprintf("task-%d", n),
				SenderEmail: email,
				Outcome:     outcome,
				CreatedAt:   testNow.Add(-time.Hour),
			})
		}
	}
	add(models.StatusSent, sent)
	add(models.StatusFailed, failed)
	add(models.StatusFailedPermanent, permanent)
}

func TestClassify(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		name   string
		counts models.OutcomeCounts
		want   models.HealthStatus
	}{
		{"no data", models.OutcomeCounts{}, models.HealthHealthy},
		{"below min sample", models.OutcomeCounts{Failed: 4}, models.HealthHealthy},
		{"clean", models.OutcomeCounts{Sent: 20}, models.HealthHealthy},
		{"just under warning", models.OutcomeCounts{Sent: 91, Failed: 9}, models.HealthHealthy},
		{"warning lower bound", models.OutcomeCounts{Sent: 9, Failed: 1}, models.HealthWarning},
		{"warning upper bound", models.OutcomeCounts{Sent: 7, Failed: 2, FailedPermanent: 1}, models.HealthWarning},
		{"critical", models.OutcomeCounts{Sent: 6, FailedPermanent: 4}, models.HealthCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := cfg.Classify(tt.counts)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckSenderHealth(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMonitor(t, "a@example.com")
	record(store, "a@example.com", 8, 1, 1)

	// attempts outside the window are ignored
	store.RecordAttempt(models.DeliveryAttempt{
		ID: "old", SenderEmail: "a@example.com", Outcome: models.StatusFailed,
		CreatedAt: testNow.Add(-8 * 24 * time.Hour),
	})

	rec, err := m.CheckSenderHealth(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.HealthWarning, rec.Status)
	assert.InDelta(t, 0.2, rec.FailureRate, 1e-9)
	assert.Equal(t, 10, rec.Attempts)
	assert.Equal(t, 2, rec.Failures)
	assert.Nil(t, rec.SuspensionReason)

	acc, err := store.GetSender(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.HealthWarning, acc.HealthStatus)
	require.NotNil(t, acc.HealthCheckedAt)
}

func TestAutoSuspendAfterConsecutiveCriticalChecks(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMonitor(t, "a@example.com")
	record(store, "a@example.com", 2, 3, 3)

	for i := 1; i < 3; i++ {
		rec, err := m.CheckSenderHealth(ctx, "a@example.com")
		require.NoError(t, err)
		assert.Equal(t, models.HealthCritical, rec.Status)
		assert.Equal(t, i, rec.CriticalStreak)
	}

	rec, err := m.CheckSenderHealth(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.HealthSuspended, rec.Status)
	require.NotNil(t, rec.SuspensionReason)
	assert.Contains(t, *rec.SuspensionReason, "automatic")

	acc, err := store.GetSender(ctx, "a@example.com")
	require.NoError(t, err)
	assert.True(t, acc.Suspended)
}

func TestSuspendedSurvivesHealthyRecompute(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMonitor(t, "a@example.com")
	record(store, "a@example.com", 20, 0, 0)

	rec, err := m.MarkSenderSuspended(ctx, "a@example.com", "complaint from postmaster")
	require.NoError(t, err)
	assert.Equal(t, models.HealthSuspended, rec.Status)

	rec, err = m.CheckSenderHealth(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.HealthSuspended, rec.Status)
	require.NotNil(t, rec.SuspensionReason)
	assert.Equal(t, "complaint from postmaster", *rec.SuspensionReason)

	rec, err = m.ReactivateSender(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.HealthHealthy, rec.Status)

	acc, err := store.GetSender(ctx, "a@example.com")
	require.NoError(t, err)
	assert.False(t, acc.Suspended)
	assert.Zero(t, acc.CriticalStreak)
}

func TestMarkSenderSuspendedUnknownSender(t *testing.T) {
	m, _ := newTestMonitor(t)
	_, err := m.MarkSenderSuspended(context.Background(), "ghost@example.com", "x")
	assert.ErrorIs(t, err, models.ErrSenderNotFound)
}

type brokenOutcomes struct {
	*memstore.Store
}

func (brokenOutcomes) AttemptOutcomes(context.Context, string, time.Time) (models.OutcomeCounts, error) {
	return models.OutcomeCounts{}, errors.New("connection refused")
}

func TestHealthDataErrorIsUnknown(t *testing.T) {
	ctx := context.Background()
	_, store := newTestMonitor(t, "a@example.com")
	m := NewMonitor(brokenOutcomes{store}, DefaultConfig(), zap.NewNop())

	rec, err := m.CheckSenderHealth(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.HealthUnknown, rec.Status)

	acc, err := store.GetSender(ctx, "a@example.com")
	require.NoError(t, err)
	assert.False(t, acc.Suspended)
	assert.Equal(t, models.HealthHealthy, acc.HealthStatus)
}

func TestGetUnhealthySenders(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMonitor(t, "ok@example.com", "warn@example.com", "bad@example.com", "off@example.com")
	record(store, "ok@example.com", 10, 0, 0)
	record(store, "warn@example.com", 8, 2, 0)
	record(store, "bad@example.com", 5, 5, 0)
	_, err := m.MarkSenderSuspended(ctx, "off@example.com", "manual")
	require.NoError(t, err)

	emails := func(recs []models.HealthRecord) []string {
		var out []string
		for _, r := range recs {
			out = append(out, r.SenderEmail)
		}
		return out
	}

	recs, err := m.GetUnhealthySenders(ctx, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bad@example.com", "off@example.com"}, emails(recs))

	recs, err = m.GetUnhealthySenders(ctx, true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bad@example.com", "off@example.com", "warn@example.com"}, emails(recs))

	all, err := m.CheckAllSenders(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestReadsAndRefreshesNeverAdvanceStreak(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMonitor(t, "a@example.com")
	record(store, "a@example.com", 6, 4, 0)

	for i := 0; i < 3; i++ {
		recs, err := m.GetUnhealthySenders(ctx, false)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, models.HealthCritical, recs[0].Status)

		rec, err := m.Evaluate(ctx, "a@example.com")
		require.NoError(t, err)
		assert.Equal(t, models.HealthCritical, rec.Status)

		m.Refresh(ctx, "a@example.com")
	}

	acc, err := store.GetSender(ctx, "a@example.com")
	require.NoError(t, err)
	assert.False(t, acc.Suspended)
	assert.Zero(t, acc.CriticalStreak)
	assert.Equal(t, models.HealthCritical, acc.HealthStatus)
}

func TestEvaluateWritesNothing(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMonitor(t, "a@example.com")
	record(store, "a@example.com", 8, 2, 0)

	rec, err := m.Evaluate(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.HealthWarning, rec.Status)

	acc, err := store.GetSender(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Nil(t, acc.HealthCheckedAt)
	assert.Equal(t, models.HealthHealthy, acc.HealthStatus)
}

func TestScheduledCheckResetsStreakWhenRecovered(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMonitor(t, "a@example.com")
	record(store, "a@example.com", 6, 4, 0)

	for i := 0; i < 2; i++ {
		_, err := m.CheckSenderHealth(ctx, "a@example.com")
		require.NoError(t, err)
	}

	// enough fresh successes to fall below the critical rate
	for i := 0; i < 10; i++ {
		store.RecordAttempt(models.DeliveryAttempt{
			ID:          fmt.Sprintf("ok-%d", i),
			SenderEmail: "a@example.com",
			Outcome:     models.StatusSent,
			CreatedAt:   testNow.Add(-time.Minute),
		})
	}

	rec, err := m.CheckSenderHealth(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.HealthWarning, rec.Status)
	assert.Zero(t, rec.CriticalStreak)

	acc, err := store.GetSender(ctx, "a@example.com")
	require.NoError(t, err)
	assert.False(t, acc.Suspended)
	assert.Zero(t, acc.CriticalStreak)
}
