package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"MailRota/internal/models"
)

const taskColumns = `id::text, campaign_id, domain_id, sender_email, pinned_sender,
	recipient_email, subject, body, status, retry_count, error_message,
	scheduled_at, claimed_at, processed_at, created_at, updated_at`

func scanTask(row pgx.Row) (*models.DeliveryTask, error) {
	var (
		t      models.DeliveryTask
		status string
	)
	err := row.Scan(
		&t.ID, &t.CampaignID, &t.DomainID, &t.SenderEmail, &t.PinnedSender,
		&t.RecipientEmail, &t.Subject, &t.Body, &status, &t.RetryCount, &t.ErrorMessage,
		&t.ScheduledAt, &t.ClaimedAt, &t.ProcessedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = models.TaskStatus(status)
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]models.DeliveryTask, error) {
	defer rows.Close()

	var tasks []models.DeliveryTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *Store) InsertTask(ctx context.Context, t *models.DeliveryTask) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO delivery_tasks
		 (id, campaign_id, domain_id, sender_email, pinned_sender, recipient_email, subject, body,
		  status, retry_count, error_message, scheduled_at, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		t.ID,
		t.CampaignID,
		t.DomainID,
		t.SenderEmail,
		t.PinnedSender,
		t.RecipientEmail,
		t.Subject,
		t.Body,
		string(t.Status),
		t.RetryCount,
		t.ErrorMessage,
		t.ScheduledAt,
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*models.DeliveryTask, error) {
	t, err := scanTask(s.Pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM delivery_tasks WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, models.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func (s *Store) ListDueTasks(ctx context.Context, now time.Time, limit int) ([]models.DeliveryTask, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+taskColumns+`
		 FROM delivery_tasks
		 WHERE status = $1 AND scheduled_at <= $2
		 ORDER BY scheduled_at ASC, retry_count ASC, created_at ASC
		 LIMIT $3`,
		string(models.StatusQueued),
		now,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due tasks: %w", err)
	}
	return collectTasks(rows)
}

// UpdateTaskStatus applies upd only while the task is in one of the from
// statuses. The check and the write are a single UPDATE, so two callers can
// never both move the same task out of the same status.
func (s *Store) UpdateTaskStatus(
	ctx context.Context,
	id string,
	from []models.TaskStatus,
	upd models.TaskUpdate,
	attempt *models.DeliveryAttempt,
) (*models.DeliveryTask, error) {
	fromStr := make([]string, len(from))
	for i, st := range from {
		fromStr[i] = string(st)
	}

	var updated *models.DeliveryTask
	err := pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		t, err := scanTask(tx.QueryRow(ctx,
			`UPDATE delivery_tasks
			 SET status        = $2,
			     retry_count   = COALESCE($3, retry_count),
			     scheduled_at  = COALESCE($4, scheduled_at),
			     claimed_at    = CASE WHEN $5 THEN NULL ELSE COALESCE($6, claimed_at) END,
			     processed_at  = COALESCE($7, processed_at),
			     error_message = COALESCE($8, error_message),
			     sender_email  = COALESCE($9, sender_email),
			     updated_at    = $10
			 WHERE id = $1 AND status = ANY($11)
			 RETURNING `+taskColumns,
			id,
			string(upd.Status),
			upd.RetryCount,
			upd.ScheduledAt,
			upd.ClearClaim,
			upd.ClaimedAt,
			upd.ProcessedAt,
			upd.ErrorMessage,
			upd.SenderEmail,
			upd.At,
			fromStr,
		))
		if isNoRows(err) {
			return s.conflictOrMissing(ctx, tx, id)
		}
		if err != nil {
			return err
		}
		updated = t

		if attempt == nil {
			return nil
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO delivery_attempts
			 (id, task_id, campaign_id, sender_email, outcome, error_message, created_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			attempt.ID,
			attempt.TaskID,
			attempt.CampaignID,
			attempt.SenderEmail,
			string(attempt.Outcome),
			attempt.ErrorMessage,
			attempt.CreatedAt,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) conflictOrMissing(ctx context.Context, tx pgx.Tx, id string) error {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM delivery_tasks WHERE id = $1`, id).Scan(&status)
	if isNoRows(err) {
		return models.ErrTaskNotFound
	}
	if err != nil {
		return fmt.Errorf("read task %s: %w", id, err)
	}
	return fmt.Errorf("%w: task %s is %s", models.ErrStatusConflict, id, status)
}

func (s *Store) ListStuckTasks(ctx context.Context, cutoff time.Time) ([]models.DeliveryTask, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+taskColumns+`
		 FROM delivery_tasks
		 WHERE status = $1 AND claimed_at < $2
		 ORDER BY claimed_at ASC`,
		string(models.StatusProcessing),
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list stuck tasks: %w", err)
	}
	return collectTasks(rows)
}

func (s *Store) ReleaseStuckTasks(ctx context.Context, cutoff time.Time, upd models.TaskUpdate) ([]string, error) {
	rows, err := s.Pool.Query(ctx,
		`UPDATE delivery_tasks
		 SET status        = $3,
		     claimed_at    = NULL,
		     error_message = COALESCE($4, error_message),
		     updated_at    = $5
		 WHERE status = $1 AND claimed_at < $2
		 RETURNING id::text`,
		string(models.StatusProcessing),
		cutoff,
		string(upd.Status),
		upd.ErrorMessage,
		upd.At,
	)
	if err != nil {
		return nil, fmt.Errorf("release stuck tasks: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("release stuck tasks: %w", err)
	}
	return ids, nil
}

func (s *Store) CountTasksByStatus(ctx context.Context) (map[models.TaskStatus]int, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT status, COUNT(*) FROM delivery_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.TaskStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[models.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *Store) AttemptOutcomes(ctx context.Context, email string, since time.Time) (models.OutcomeCounts, error) {
	var c models.OutcomeCounts
	err := s.Pool.QueryRow(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE outcome = 'sent'),
		   COUNT(*) FILTER (WHERE outcome = 'failed'),
		   COUNT(*) FILTER (WHERE outcome = 'failed_permanent')
		 FROM delivery_attempts
		 WHERE sender_email = $1 AND created_at >= $2`,
		email,
		since,
	).Scan(&c.Sent, &c.Failed, &c.FailedPermanent)
	if err != nil {
		return c, fmt.Errorf("attempt outcomes for %s: %w", email, err)
	}
	return c, nil
}

func (s *Store) CampaignCounts(ctx context.Context, campaignIDs ...int64) ([]models.CampaignCounts, error) {
	if campaignIDs == nil {
		campaignIDs = []int64{}
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT campaign_id, status, COUNT(*), COALESCE(SUM(retry_count), 0), MAX(processed_at)
		 FROM delivery_tasks
		 WHERE cardinality($1::bigint[]) = 0 OR campaign_id = ANY($1)
		 GROUP BY campaign_id, status
		 ORDER BY campaign_id`,
		campaignIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("campaign counts: %w", err)
	}
	defer rows.Close()

	var (
		out   []models.CampaignCounts
		index = make(map[int64]int)
	)
	for rows.Next() {
		var (
			id       int64
			status   string
			n        int
			retries  int
			lastSeen *time.Time
		)
		if err := rows.Scan(&id, &status, &n, &retries, &lastSeen); err != nil {
			return nil, err
		}
		i, ok := index[id]
		if !ok {
			out = append(out, models.CampaignCounts{CampaignID: id, ByStatus: make(map[models.TaskStatus]int)})
			i = len(out) - 1
			index[id] = i
		}
		cc := &out[i]
		cc.ByStatus[models.TaskStatus(status)] = n
		cc.RetrySum += retries
		if lastSeen != nil && (cc.LastProcessedAt == nil || lastSeen.After(*cc.LastProcessedAt)) {
			cc.LastProcessedAt = lastSeen
		}
	}
	return out, rows.Err()
}
