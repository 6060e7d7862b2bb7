package sender

import (
	"context"
	"fmt"
	"time"

	"MailRota/internal/models"
)

// SenderStatus is the operator view of one account.
type SenderStatus struct {
	Email            string              `json:"email"`
	Provider         string              `json:"provider"`
	IsPrimary        bool                `json:"is_primary"`
	IsEnabled        bool                `json:"is_enabled"`
	Suspended        bool                `json:"suspended"`
	SuspensionReason string              `json:"suspension_reason,omitempty"`
	ConnectionStatus string              `json:"connection_status"`
	HealthStatus     models.HealthStatus `json:"health_status"`
	FailureRate      float64             `json:"failure_rate"`
	DailyLimit       int                 `json:"daily_limit"`
	SentToday        int                 `json:"sent_today"`
	Remaining        int                 `json:"remaining"`
	Eligible         bool                `json:"eligible"`
	LastActivity     *time.Time          `json:"last_activity,omitempty"`
}

// RotationStats aggregates status across every account.
type RotationStats struct {
	Day         string  `json:"day"`
	Total       int     `json:"total_senders"`
	Enabled     int     `json:"enabled_senders"`
	Eligible    int     `json:"eligible_senders"`
	Suspended   int     `json:"suspended_senders"`
	SentToday   int     `json:"sent_today"`
	Capacity    int     `json:"daily_capacity"`
	Remaining   int     `json:"remaining_capacity"`
	Utilization float64 `json:"utilization"`
}

func (r *Rotation) Status(ctx context.Context, email string) (*SenderStatus, error) {
	acc, err := r.reg.Get(ctx, email)
	if err != nil {
		return nil, err
	}
	counts, err := r.reg.SentToday(ctx, []string{acc.Email})
	if err != nil {
		return nil, fmt.Errorf("read daily counters: %w", err)
	}
	st := statusOf(*acc, counts[acc.Email])
	return &st, nil
}

func (r *Rotation) Statuses(ctx context.Context) ([]SenderStatus, error) {
	accounts, err := r.reg.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list senders: %w", err)
	}
	emails := make([]string, len(accounts))
	for i, acc := range accounts {
		emails[i] = acc.Email
	}
	counts, err := r.reg.SentToday(ctx, emails)
	if err != nil {
		return nil, fmt.Errorf("read daily counters: %w", err)
	}

	out := make([]SenderStatus, 0, len(accounts))
	for _, acc := range accounts {
		out = append(out, statusOf(acc, counts[acc.Email]))
	}
	return out, nil
}

func (r *Rotation) Stats(ctx context.Context) (*RotationStats, error) {
	statuses, err := r.Statuses(ctx)
	if err != nil {
		return nil, err
	}

	stats := &RotationStats{Day: r.reg.Today(), Total: len(statuses)}
	for _, st := range statuses {
		stats.SentToday += st.SentToday
		if st.Suspended {
			stats.Suspended++
		}
		if st.Eligible {
			stats.Eligible++
		}
		if !st.IsEnabled {
			continue
		}
		stats.Enabled++
		stats.Capacity += st.DailyLimit
		stats.Remaining += st.Remaining
	}
	if stats.Capacity > 0 {
		stats.Utilization = float64(stats.Capacity-stats.Remaining) / float64(stats.Capacity)
	}
	return stats, nil
}

func statusOf(acc models.SenderAccount, sent int) SenderStatus {
	remaining := max(acc.DailyLimit-sent, 0)
	return SenderStatus{
		Email:            acc.Email,
		Provider:         acc.Provider,
		IsPrimary:        acc.IsPrimary,
		IsEnabled:        acc.IsEnabled,
		Suspended:        acc.Suspended,
		SuspensionReason: acc.SuspensionReason,
		ConnectionStatus: acc.ConnectionStatus,
		HealthStatus:     acc.HealthStatus,
		FailureRate:      acc.FailureRate,
		DailyLimit:       acc.DailyLimit,
		SentToday:        sent,
		Remaining:        remaining,
		Eligible:         acc.IsEnabled && !acc.Suspended && remaining > 0,
		LastActivity:     acc.LastActivity,
	}
}
