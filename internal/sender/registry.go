// Package sender holds the configured sender accounts and the policy that
// rotates sends across them.
package sender

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"MailRota/internal/models"
	"MailRota/internal/quota"
)

type Store interface {
	UpsertSender(ctx context.Context, acc *models.SenderAccount) error
	GetSender(ctx context.Context, email string) (*models.SenderAccount, error)
	ListSenders(ctx context.Context) ([]models.SenderAccount, error)
	SetSenderEnabled(ctx context.Context, email string, enabled bool) error
	SetPrimarySender(ctx context.Context, email string) error
	TouchSender(ctx context.Context, email string, at time.Time) error
	SetConnectionStatus(ctx context.Context, email, status string) error
}

// Registry is the set of sender identities together with their daily send
// counters.
type Registry struct {
	store   Store
	counter quota.Counter
	loc     *time.Location
	now     func() time.Time
	log     *zap.Logger
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLocation sets the timezone whose midnight resets daily counters.
func WithLocation(loc *time.Location) Option {
	return func(r *Registry) {
		if loc != nil {
			r.loc = loc
		}
	}
}

func NewRegistry(store Store, counter quota.Counter, logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:   store,
		counter: counter,
		loc:     time.UTC,
		now:     time.Now,
		log:     logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Seed upserts configured accounts. Administrative state of existing
// accounts (enabled, suspended, health) is preserved across restarts.
func (r *Registry) Seed(ctx context.Context, accounts []models.SenderAccount) error {
	primary := ""
	for i := range accounts {
		acc := accounts[i]
		acc.Email = strings.ToLower(strings.TrimSpace(acc.Email))
		if acc.Email == "" {
			return errors.New("sender account without email")
		}
		if acc.Provider == "" {
			acc.Provider = models.ProviderSMTP
		}
		if acc.DailyLimit <= 0 {
			return fmt.Errorf("sender %s: daily limit must be positive", acc.Email)
		}
		if acc.ConnectionStatus == "" {
			acc.ConnectionStatus = models.ConnectionUnknown
		}
		if acc.HealthStatus == "" {
			acc.HealthStatus = models.HealthHealthy
		}
		if acc.CreatedAt.IsZero() {
			acc.CreatedAt = r.now().UTC()
		}
		acc.IsEnabled = true
		isPrimary := acc.IsPrimary
		acc.IsPrimary = false

		if err := r.store.UpsertSender(ctx, &acc); err != nil {
			return fmt.Errorf("seed sender %s: %w", acc.Email, err)
		}
		if isPrimary {
			primary = acc.Email
		}
	}
	if primary != "" {
		if err := r.store.SetPrimarySender(ctx, primary); err != nil {
			return fmt.Errorf("set primary sender %s: %w", primary, err)
		}
	}
	r.log.Info("sender accounts seeded", zap.Int("count", len(accounts)), zap.String("primary", primary))
	return nil
}

func (r *Registry) List(ctx context.Context) ([]models.SenderAccount, error) {
	return r.store.ListSenders(ctx)
}

func (r *Registry) Get(ctx context.Context, email string) (*models.SenderAccount, error) {
	return r.store.GetSender(ctx, email)
}

// SetEnabled toggles an account. Disabling the last enabled account fails
// with models.ErrLastEnabledSender.
func (r *Registry) SetEnabled(ctx context.Context, email string, enabled bool) error {
	if err := r.store.SetSenderEnabled(ctx, email, enabled); err != nil {
		return err
	}
	r.log.Info("sender enabled state changed", zap.String("sender", email), zap.Bool("enabled", enabled))
	return nil
}

// SetPrimary makes email the only primary account.
func (r *Registry) SetPrimary(ctx context.Context, email string) error {
	if err := r.store.SetPrimarySender(ctx, email); err != nil {
		return err
	}
	r.log.Info("primary sender changed", zap.String("sender", email))
	return nil
}

// ResetCounters clears today's send count for email.
func (r *Registry) ResetCounters(ctx context.Context, email string) error {
	if _, err := r.store.GetSender(ctx, email); err != nil {
		return err
	}
	if err := r.counter.Reset(ctx, r.Today(), email); err != nil {
		return fmt.Errorf("reset counter for %s: %w", email, err)
	}
	r.log.Info("sender counters reset", zap.String("sender", email))
	return nil
}

// RecordSend counts one delivered email against today's quota and marks the
// account as recently active.
func (r *Registry) RecordSend(ctx context.Context, email string) (int, error) {
	n, err := r.counter.Increment(ctx, r.Today(), email)
	if err != nil {
		return 0, fmt.Errorf("increment counter for %s: %w", email, err)
	}
	if err := r.store.TouchSender(ctx, email, r.now().UTC()); err != nil {
		return n, fmt.Errorf("touch sender %s: %w", email, err)
	}
	return n, nil
}

// MarkConnection records the outcome of the last connection to the provider.
func (r *Registry) MarkConnection(ctx context.Context, email string, ok bool) error {
	status := models.ConnectionError
	if ok {
		status = models.ConnectionOK
	}
	return r.store.SetConnectionStatus(ctx, email, status)
}

// SentToday returns today's counts for the given accounts.
func (r *Registry) SentToday(ctx context.Context, emails []string) (map[string]int, error) {
	return r.counter.Counts(ctx, r.Today(), emails)
}

// UntilNextDay is the time left before today's counters roll over.
func (r *Registry) UntilNextDay() time.Duration {
	now := r.now().In(r.loc)
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, r.loc).Sub(now)
}

// Today is the current counter day in the registry's timezone.
func (r *Registry) Today() string {
	return quota.Day(r.now(), r.loc)
}
