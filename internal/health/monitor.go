// Package health classifies sender accounts from their recent delivery
// outcomes and suspends accounts that stay critical.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"MailRota/internal/metrics"
	"MailRota/internal/models"
)

type Store interface {
	GetSender(ctx context.Context, email string) (*models.SenderAccount, error)
	ListSenders(ctx context.Context) ([]models.SenderAccount, error)
	AttemptOutcomes(ctx context.Context, email string, since time.Time) (models.OutcomeCounts, error)
	SetSuspension(ctx context.Context, email string, suspended bool, reason string, at time.Time) error
	SaveHealth(ctx context.Context, rec models.HealthRecord) error
}

type Config struct {
	Window       time.Duration
	MinSample    int
	WarningRate  float64
	CriticalRate float64
	// AutoSuspendAfter consecutive critical checks suspend the account.
	// Zero disables automatic suspension.
	AutoSuspendAfter int
	// Concurrency bounds CheckAllSenders.
	Concurrency int
}

func DefaultConfig() Config {
	return Config{
		Window:           7 * 24 * time.Hour,
		MinSample:        5,
		WarningRate:      0.10,
		CriticalRate:     0.30,
		AutoSuspendAfter: 3,
		Concurrency:      4,
	}
}

type Monitor struct {
	store Store
	cfg   Config
	log   *zap.Logger
	now   func() time.Time

	// serializes read-modify-write of one sender's streak
	locks sync.Map
}

func NewMonitor(store Store, cfg Config, logger *zap.Logger) *Monitor {
	return &Monitor{store: store, cfg: cfg, log: logger, now: time.Now}
}

// WithClock replaces the monitor's time source.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

func (m *Monitor) lock(email string) func() {
	v, _ := m.locks.LoadOrStore(email, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Classify maps a failure rate to a status. Samples below MinSample are
// healthy.
func (c Config) Classify(counts models.OutcomeCounts) (models.HealthStatus, float64) {
	total := counts.Total()
	if total == 0 {
		return models.HealthHealthy, 0
	}
	rate := float64(counts.Failures()) / float64(total)
	switch {
	case total < c.MinSample:
		return models.HealthHealthy, rate
	case rate > c.CriticalRate:
		return models.HealthCritical, rate
	case rate >= c.WarningRate:
		return models.HealthWarning, rate
	default:
		return models.HealthHealthy, rate
	}
}

// checkMode says how far a health computation may change state.
type checkMode int

const (
	// modeRead computes the record and writes nothing.
	modeRead checkMode = iota
	// modeSnapshot persists status and rate but leaves the critical
	// streak alone.
	modeSnapshot
	// modeSweep is a scheduled check: it advances or resets the critical
	// streak and may suspend the account.
	modeSweep
)

// CheckSenderHealth is one scheduled health check: it recomputes the
// sender's health, advances its critical streak, auto-suspends once the
// streak reaches AutoSuspendAfter and persists the snapshot. A sender that
// cannot be evaluated is reported as unknown and left untouched.
func (m *Monitor) CheckSenderHealth(ctx context.Context, email string) (models.HealthRecord, error) {
	return m.check(ctx, email, modeSweep)
}

// Evaluate computes a sender's current health without writing anything.
func (m *Monitor) Evaluate(ctx context.Context, email string) (models.HealthRecord, error) {
	return m.check(ctx, email, modeRead)
}

func (m *Monitor) check(ctx context.Context, email string, mode checkMode) (models.HealthRecord, error) {
	if mode != modeRead {
		unlock := m.lock(email)
		defer unlock()
	}

	now := m.now().UTC()
	acc, err := m.store.GetSender(ctx, email)
	if err != nil {
		return unknown(email, now, err), err
	}

	counts, err := m.store.AttemptOutcomes(ctx, email, now.Add(-m.cfg.Window))
	if err != nil {
		m.log.Warn("health data unavailable", zap.String("sender", email), zap.Error(err))
		return unknown(email, now, err), nil
	}

	status, rate := m.cfg.Classify(counts)
	rec := models.HealthRecord{
		SenderEmail:    email,
		Status:         status,
		FailureRate:    rate,
		Attempts:       counts.Total(),
		Failures:       counts.Failures(),
		CriticalStreak: acc.CriticalStreak,
		LastCheckedAt:  now,
		Details:        m.details(counts, rate),
	}

	if mode == modeSweep {
		if status == models.HealthCritical {
			rec.CriticalStreak = acc.CriticalStreak + 1
		} else {
			rec.CriticalStreak = 0
		}
	}

	switch {
	case acc.Suspended:
		rec.Status = models.HealthSuspended
		rec.SuspensionReason = &acc.SuspensionReason
	case mode == modeSweep && m.cfg.AutoSuspendAfter > 0 && rec.CriticalStreak >= m.cfg.AutoSuspendAfter:
		reason := fmt.Sprintf("automatic: failure rate %.1f%% critical for %d consecutive checks",
			rate*100, rec.CriticalStreak)
		if err := m.store.SetSuspension(ctx, email, true, reason, now); err != nil {
			return rec, fmt.Errorf("auto-suspend %s: %w", email, err)
		}
		rec.Status = models.HealthSuspended
		rec.SuspensionReason = &reason
		m.log.Warn("sender auto-suspended",
			zap.String("sender", email),
			zap.Float64("failure_rate", rate),
			zap.Int("critical_streak", rec.CriticalStreak),
		)
	}

	if mode == modeRead {
		return rec, nil
	}
	if err := m.store.SaveHealth(ctx, rec); err != nil {
		return rec, fmt.Errorf("save health for %s: %w", email, err)
	}
	metrics.ObserveHealth(rec)
	return rec, nil
}

func (m *Monitor) details(counts models.OutcomeCounts, rate float64) string {
	if counts.Total() < m.cfg.MinSample {
		return fmt.Sprintf("insufficient data: %d of %d attempts needed", counts.Total(), m.cfg.MinSample)
	}
	return fmt.Sprintf("%d of %d attempts failed (%.1f%%) in the last %s",
		counts.Failures(), counts.Total(), rate*100, m.cfg.Window)
}

func unknown(email string, at time.Time, err error) models.HealthRecord {
	return models.HealthRecord{
		SenderEmail:   email,
		Status:        models.HealthUnknown,
		LastCheckedAt: at,
		Details:       err.Error(),
	}
}

// MarkSenderSuspended removes the sender from rotation until it is
// explicitly reactivated.
func (m *Monitor) MarkSenderSuspended(ctx context.Context, email, reason string) (models.HealthRecord, error) {
	unlock := m.lock(email)
	defer unlock()

	if reason == "" {
		reason = "manual suspension"
	}
	now := m.now().UTC()
	if err := m.store.SetSuspension(ctx, email, true, reason, now); err != nil {
		return models.HealthRecord{}, err
	}
	m.log.Info("sender suspended", zap.String("sender", email), zap.String("reason", reason))

	acc, err := m.store.GetSender(ctx, email)
	if err != nil {
		return models.HealthRecord{}, err
	}
	return models.HealthRecord{
		SenderEmail:      email,
		Status:           models.HealthSuspended,
		FailureRate:      acc.FailureRate,
		CriticalStreak:   acc.CriticalStreak,
		LastCheckedAt:    now,
		SuspensionReason: &reason,
	}, nil
}

// ReactivateSender clears a suspension and the critical streak, then
// recomputes health from the current window.
func (m *Monitor) ReactivateSender(ctx context.Context, email string) (models.HealthRecord, error) {
	unlock := m.lock(email)
	if err := m.store.SetSuspension(ctx, email, false, "", m.now().UTC()); err != nil {
		unlock()
		return models.HealthRecord{}, err
	}
	unlock()

	m.log.Info("sender reactivated", zap.String("sender", email))
	return m.check(ctx, email, modeSnapshot)
}

// CheckAllSenders runs the scheduled check for every sender concurrently.
// Per-sender errors are reflected as unknown records.
func (m *Monitor) CheckAllSenders(ctx context.Context) ([]models.HealthRecord, error) {
	return m.all(ctx, modeSweep)
}

// EvaluateAll reports every sender's current health without writing.
func (m *Monitor) EvaluateAll(ctx context.Context) ([]models.HealthRecord, error) {
	return m.all(ctx, modeRead)
}

func (m *Monitor) all(ctx context.Context, mode checkMode) ([]models.HealthRecord, error) {
	accounts, err := m.store.ListSenders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list senders: %w", err)
	}

	records := make([]models.HealthRecord, len(accounts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(m.cfg.Concurrency, 1))
	for i, acc := range accounts {
		g.Go(func() error {
			rec, err := m.check(gctx, acc.Email, mode)
			if err != nil {
				m.log.Warn("health check failed", zap.String("sender", acc.Email), zap.Error(err))
				rec = unknown(acc.Email, m.now().UTC(), err)
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

// GetUnhealthySenders returns critical and suspended senders, plus warning
// ones when includeWarnings is set. It changes nothing.
func (m *Monitor) GetUnhealthySenders(ctx context.Context, includeWarnings bool) ([]models.HealthRecord, error) {
	records, err := m.EvaluateAll(ctx)
	if err != nil {
		return nil, err
	}

	var out []models.HealthRecord
	for _, rec := range records {
		switch rec.Status {
		case models.HealthCritical, models.HealthSuspended:
			out = append(out, rec)
		case models.HealthWarning:
			if includeWarnings {
				out = append(out, rec)
			}
		case models.HealthHealthy, models.HealthUnknown:
		}
	}
	return out, nil
}

// Refresh stores one sender's current status after a delivery outcome.
// Only the scheduled check moves the critical streak. Errors are logged
// only.
func (m *Monitor) Refresh(ctx context.Context, email string) {
	if email == "" {
		return
	}
	if _, err := m.check(ctx, email, modeSnapshot); err != nil {
		m.log.Warn("health refresh failed", zap.String("sender", email), zap.Error(err))
	}
}
