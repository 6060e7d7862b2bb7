package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"MailRota/internal/models"
)

const senderColumns = `email, display_name, provider, daily_limit, is_primary, is_enabled,
	connection_status, last_activity, suspended, suspension_reason, suspended_at,
	health_status, failure_rate, health_checked_at, critical_streak, created_at`

func scanSender(row pgx.Row) (*models.SenderAccount, error) {
	var (
		acc    models.SenderAccount
		health string
	)
	err := row.Scan(
		&acc.Email, &acc.DisplayName, &acc.Provider, &acc.DailyLimit, &acc.IsPrimary, &acc.IsEnabled,
		&acc.ConnectionStatus, &acc.LastActivity, &acc.Suspended, &acc.SuspensionReason, &acc.SuspendedAt,
		&health, &acc.FailureRate, &acc.HealthCheckedAt, &acc.CriticalStreak, &acc.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	acc.HealthStatus = models.HealthStatus(health)
	return &acc, nil
}

// UpsertSender inserts a configured sender or refreshes its configured
// fields. Administrative state (enabled, primary, suspension) is kept.
func (s *Store) UpsertSender(ctx context.Context, acc *models.SenderAccount) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO sender_accounts
		 (email, display_name, provider, daily_limit, is_enabled, connection_status, health_status, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (email) DO UPDATE
		 SET display_name = EXCLUDED.display_name,
		     provider     = EXCLUDED.provider,
		     daily_limit  = EXCLUDED.daily_limit`,
		acc.Email,
		acc.DisplayName,
		acc.Provider,
		acc.DailyLimit,
		acc.IsEnabled,
		acc.ConnectionStatus,
		string(acc.HealthStatus),
		acc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert sender %s: %w", acc.Email, err)
	}
	return nil
}

func (s *Store) GetSender(ctx context.Context, email string) (*models.SenderAccount, error) {
	acc, err := scanSender(s.Pool.QueryRow(ctx,
		`SELECT `+senderColumns+` FROM sender_accounts WHERE email = $1`, email))
	if isNoRows(err) {
		return nil, models.ErrSenderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sender %s: %w", email, err)
	}
	return acc, nil
}

func (s *Store) ListSenders(ctx context.Context) ([]models.SenderAccount, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+senderColumns+` FROM sender_accounts ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("list senders: %w", err)
	}
	defer rows.Close()

	var out []models.SenderAccount
	for rows.Next() {
		acc, err := scanSender(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *acc)
	}
	return out, rows.Err()
}

// SetSenderEnabled refuses to disable the last enabled account. The enabled
// rows are locked first, so two concurrent disables cannot both see the other
// account as still enabled.
func (s *Store) SetSenderEnabled(ctx context.Context, email string, enabled bool) error {
	return pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT email, is_enabled FROM sender_accounts
			 WHERE is_enabled OR email = $1
			 ORDER BY email
			 FOR UPDATE`,
			email,
		)
		if err != nil {
			return fmt.Errorf("lock sender accounts: %w", err)
		}
		found, others := false, 0
		for rows.Next() {
			var (
				e  string
				on bool
			)
			if err := rows.Scan(&e, &on); err != nil {
				rows.Close()
				return fmt.Errorf("scan sender account: %w", err)
			}
			if e == email {
				found = true
			} else if on {
				others++
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("lock sender accounts: %w", err)
		}

		if !found {
			return models.ErrSenderNotFound
		}
		if !enabled && others == 0 {
			return models.ErrLastEnabledSender
		}

		if _, err := tx.Exec(ctx,
			`UPDATE sender_accounts SET is_enabled = $2 WHERE email = $1`, email, enabled); err != nil {
			return fmt.Errorf("set sender %s enabled: %w", email, err)
		}
		return nil
	})
}

func (s *Store) SetPrimarySender(ctx context.Context, email string) error {
	return pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE sender_accounts SET is_primary = FALSE WHERE is_primary AND email <> $1`, email); err != nil {
			return fmt.Errorf("clear primary sender: %w", err)
		}
		tag, err := tx.Exec(ctx,
			`UPDATE sender_accounts SET is_primary = TRUE WHERE email = $1`, email)
		if err != nil {
			return fmt.Errorf("set primary sender %s: %w", email, err)
		}
		if tag.RowsAffected() == 0 {
			return models.ErrSenderNotFound
		}
		return nil
	})
}

func (s *Store) TouchSender(ctx context.Context, email string, at time.Time) error {
	return s.execSender(ctx, email,
		`UPDATE sender_accounts SET last_activity = $2, connection_status = $3 WHERE email = $1`,
		email, at, models.ConnectionOK)
}

func (s *Store) SetConnectionStatus(ctx context.Context, email, status string) error {
	return s.execSender(ctx, email,
		`UPDATE sender_accounts SET connection_status = $2 WHERE email = $1`,
		email, status)
}

func (s *Store) SetSuspension(ctx context.Context, email string, suspended bool, reason string, at time.Time) error {
	if suspended {
		return s.execSender(ctx, email,
			`UPDATE sender_accounts
			 SET suspended = TRUE, suspension_reason = $2, suspended_at = $3, health_status = $4
			 WHERE email = $1`,
			email, reason, at, string(models.HealthSuspended))
	}
	return s.execSender(ctx, email,
		`UPDATE sender_accounts
		 SET suspended = FALSE, suspension_reason = '', suspended_at = NULL, critical_streak = 0
		 WHERE email = $1`,
		email)
}

func (s *Store) SaveHealth(ctx context.Context, rec models.HealthRecord) error {
	return s.execSender(ctx, rec.SenderEmail,
		`UPDATE sender_accounts
		 SET health_status = $2, failure_rate = $3, critical_streak = $4, health_checked_at = $5
		 WHERE email = $1`,
		rec.SenderEmail, string(rec.Status), rec.FailureRate, rec.CriticalStreak, rec.LastCheckedAt)
}

func (s *Store) execSender(ctx context.Context, email, query string, args ...any) error {
	tag, err := s.Pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update sender %s: %w", email, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrSenderNotFound
	}
	return nil
}
