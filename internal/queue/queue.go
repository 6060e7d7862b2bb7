// Package queue implements the durable delivery task queue and its state machine.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"MailRota/internal/models"
)

type Store interface {
	InsertTask(ctx context.Context, t *models.DeliveryTask) error
	GetTask(ctx context.Context, id string) (*models.DeliveryTask, error)
	ListDueTasks(ctx context.Context, now time.Time, limit int) ([]models.DeliveryTask, error)
	UpdateTaskStatus(ctx context.Context, id string, from []models.TaskStatus, upd models.TaskUpdate, attempt *models.DeliveryAttempt) (*models.DeliveryTask, error)
	ListStuckTasks(ctx context.Context, cutoff time.Time) ([]models.DeliveryTask, error)
	ReleaseStuckTasks(ctx context.Context, cutoff time.Time, upd models.TaskUpdate) ([]string, error)
	CountTasksByStatus(ctx context.Context) (map[models.TaskStatus]int, error)
}

const DefaultStuckThreshold = 30 * time.Minute

type Queue struct {
	store          Store
	policy         RetryPolicy
	stuckThreshold time.Duration
	log            *zap.Logger
	now            func() time.Time
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithStuckThreshold(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.stuckThreshold = d
		}
	}
}

func New(store Store, policy RetryPolicy, logger *zap.Logger, opts ...Option) *Queue {
	q := &Queue{
		store:          store,
		policy:         policy,
		stuckThreshold: DefaultStuckThreshold,
		log:            logger,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Policy() RetryPolicy { return q.policy }

// Enqueue validates req and stores a new queued task. A schedule in the past
// is moved up to now.
func (q *Queue) Enqueue(ctx context.Context, req models.EnqueueRequest) (string, error) {
	req.RecipientEmail = strings.TrimSpace(req.RecipientEmail)
	req.SenderEmail = strings.ToLower(strings.TrimSpace(req.SenderEmail))
	if err := models.Validate(req); err != nil {
		return "", err
	}

	now := q.now().UTC()
	scheduled := now
	if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
		scheduled = req.ScheduledAt.UTC()
	}

	task := &models.DeliveryTask{
		ID:             uuid.NewString(),
		CampaignID:     req.CampaignID,
		DomainID:       req.DomainID,
		SenderEmail:    req.SenderEmail,
		PinnedSender:   req.SenderEmail != "",
		RecipientEmail: req.RecipientEmail,
		Subject:        req.Subject,
		Body:           req.Body,
		Status:         models.StatusQueued,
		ScheduledAt:    scheduled,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := q.store.InsertTask(ctx, task); err != nil {
		return "", err
	}

	q.log.Debug("task enqueued",
		zap.String("task_id", task.ID),
		zap.Int64("campaign_id", task.CampaignID),
		zap.Time("scheduled_at", task.ScheduledAt),
	)
	return task.ID, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*models.DeliveryTask, error) {
	return q.store.GetTask(ctx, id)
}

// Due returns up to limit queued tasks whose schedule has passed, oldest
// first and first attempts before retries.
func (q *Queue) Due(ctx context.Context, limit int) ([]models.DeliveryTask, error) {
	return q.store.ListDueTasks(ctx, q.now().UTC(), limit)
}

// Claim moves a task from queued to processing. Exactly one concurrent
// caller succeeds; the others get models.ErrStatusConflict.
func (q *Queue) Claim(ctx context.Context, id string) (*models.DeliveryTask, error) {
	now := q.now().UTC()
	return q.transition(ctx, id, models.StatusQueued, models.TaskUpdate{
		Status:    models.StatusProcessing,
		ClaimedAt: &now,
		At:        now,
	}, nil)
}

// Assign records the chosen sender on a claimed task. It fails with
// models.ErrStatusConflict if an operator paused or cancelled the task after
// it was claimed.
func (q *Queue) Assign(ctx context.Context, id, senderEmail string) (*models.DeliveryTask, error) {
	return q.transition(ctx, id, models.StatusProcessing, models.TaskUpdate{
		Status:      models.StatusProcessing,
		SenderEmail: &senderEmail,
		At:          q.now().UTC(),
	}, nil)
}

// Release puts a claimed task back without consuming a retry.
func (q *Queue) Release(ctx context.Context, id, note string) (*models.DeliveryTask, error) {
	return q.transition(ctx, id, models.StatusProcessing, models.TaskUpdate{
		Status:       models.StatusQueued,
		ClearClaim:   true,
		ErrorMessage: &note,
		At:           q.now().UTC(),
	}, nil)
}

// Defer puts a claimed task back with its schedule pushed out by delay. The
// retry count is left alone.
func (q *Queue) Defer(ctx context.Context, id string, delay time.Duration, note string) (*models.DeliveryTask, error) {
	now := q.now().UTC()
	at := now.Add(max(delay, 0))
	return q.transition(ctx, id, models.StatusProcessing, models.TaskUpdate{
		Status:       models.StatusQueued,
		ScheduledAt:  &at,
		ClearClaim:   true,
		ErrorMessage: &note,
		At:           now,
	}, nil)
}

func (q *Queue) MarkSent(ctx context.Context, task *models.DeliveryTask, senderEmail string) (*models.DeliveryTask, error) {
	now := q.now().UTC()
	empty := ""
	return q.transition(ctx, task.ID, models.StatusProcessing, models.TaskUpdate{
		Status:       models.StatusSent,
		ProcessedAt:  &now,
		ErrorMessage: &empty,
		SenderEmail:  &senderEmail,
		At:           now,
	}, q.attempt(task, senderEmail, models.StatusSent, "", now))
}

// MarkFailed applies the retry policy to a transient failure: the task goes
// back to queued with a pushed-out schedule, or to failed_permanent once its
// retries are exhausted.
func (q *Queue) MarkFailed(ctx context.Context, task *models.DeliveryTask, senderEmail string, cause error) (*models.DeliveryTask, error) {
	now := q.now().UTC()
	msg := errorText(cause)
	retries, exhausted := q.policy.Next(task.RetryCount)

	next := models.StatusQueued
	if exhausted {
		next = models.StatusFailedPermanent
		msg = fmt.Sprintf("retries exhausted after %d attempts: %s", retries, msg)
	}
	if !models.CanTransition(models.StatusFailed, next) {
		return nil, fmt.Errorf("%w: failed -> %s", models.ErrInvalidTransition, next)
	}

	upd := models.TaskUpdate{
		Status:       next,
		RetryCount:   &retries,
		ErrorMessage: &msg,
		ClearClaim:   true,
		At:           now,
	}
	if senderEmail != "" {
		upd.SenderEmail = &senderEmail
	}
	if exhausted {
		upd.ProcessedAt = &now
	} else {
		at := now.Add(q.policy.Delay(retries))
		upd.ScheduledAt = &at
	}

	t, err := q.transition(ctx, task.ID, models.StatusProcessing, upd,
		q.attempt(task, senderEmail, models.StatusFailed, msg, now))
	if err != nil {
		return nil, err
	}
	q.log.Info("task delivery failed",
		zap.String("task_id", t.ID),
		zap.Int("retry_count", t.RetryCount),
		zap.String("status", string(t.Status)),
		zap.Time("scheduled_at", t.ScheduledAt),
		zap.Error(cause),
	)
	return t, nil
}

// MarkFailedPermanent ends a task without retrying, whatever its retry count.
func (q *Queue) MarkFailedPermanent(ctx context.Context, task *models.DeliveryTask, senderEmail string, cause error) (*models.DeliveryTask, error) {
	now := q.now().UTC()
	msg := errorText(cause)

	upd := models.TaskUpdate{
		Status:       models.StatusFailedPermanent,
		ErrorMessage: &msg,
		ProcessedAt:  &now,
		ClearClaim:   true,
		At:           now,
	}
	var attempt *models.DeliveryAttempt
	if senderEmail != "" {
		upd.SenderEmail = &senderEmail
		attempt = q.attempt(task, senderEmail, models.StatusFailedPermanent, msg, now)
	}
	return q.transition(ctx, task.ID, models.StatusProcessing, upd, attempt)
}

func (q *Queue) Pause(ctx context.Context, id string) (*models.DeliveryTask, error) {
	return q.admin(ctx, id, models.StatusPaused)
}

func (q *Queue) Resume(ctx context.Context, id string) (*models.DeliveryTask, error) {
	return q.admin(ctx, id, models.StatusQueued)
}

func (q *Queue) Cancel(ctx context.Context, id string) (*models.DeliveryTask, error) {
	return q.admin(ctx, id, models.StatusCancelled)
}

// admin performs an operator transition. Retry history is left untouched.
func (q *Queue) admin(ctx context.Context, id string, to models.TaskStatus) (*models.DeliveryTask, error) {
	from := models.SourcesFor(to)
	if to == models.StatusQueued {
		// resume only; releasing processing tasks is the stuck sweep's job
		from = []models.TaskStatus{models.StatusPaused}
	}

	upd := models.TaskUpdate{Status: to, At: q.now().UTC()}
	if to == models.StatusQueued || to == models.StatusCancelled {
		upd.ClearClaim = true
	}
	t, err := q.store.UpdateTaskStatus(ctx, id, from, upd, nil)
	if err != nil {
		return nil, err
	}
	q.log.Info("task status changed by operator",
		zap.String("task_id", id),
		zap.String("status", string(to)),
	)
	return t, nil
}

// StuckTasks lists tasks that have been processing longer than the stuck
// threshold, which usually means their worker died.
func (q *Queue) StuckTasks(ctx context.Context) ([]models.DeliveryTask, error) {
	return q.store.ListStuckTasks(ctx, q.now().UTC().Add(-q.stuckThreshold))
}

// ReleaseStuck returns stuck tasks to queued. Only tasks claimed before the
// threshold are touched.
func (q *Queue) ReleaseStuck(ctx context.Context) ([]string, error) {
	now := q.now().UTC()
	note := fmt.Sprintf("released after more than %s in processing", q.stuckThreshold)
	ids, err := q.store.ReleaseStuckTasks(ctx, now.Add(-q.stuckThreshold), models.TaskUpdate{
		Status:       models.StatusQueued,
		ClearClaim:   true,
		ErrorMessage: &note,
		At:           now,
	})
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		q.log.Warn("released stuck tasks", zap.Strings("task_ids", ids))
	}
	return ids, nil
}

// Stats returns task counts for every status, zero-filled.
func (q *Queue) Stats(ctx context.Context) (map[models.TaskStatus]int, error) {
	counts, err := q.store.CountTasksByStatus(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[models.TaskStatus]int, len(models.AllStatuses))
	for _, s := range models.AllStatuses {
		out[s] = counts[s]
	}
	return out, nil
}

func (q *Queue) transition(
	ctx context.Context,
	id string,
	from models.TaskStatus,
	upd models.TaskUpdate,
	attempt *models.DeliveryAttempt,
) (*models.DeliveryTask, error) {
	if from != upd.Status && !models.CanTransition(from, upd.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, upd.Status)
	}
	return q.store.UpdateTaskStatus(ctx, id, []models.TaskStatus{from}, upd, attempt)
}

func (q *Queue) attempt(task *models.DeliveryTask, senderEmail string, outcome models.TaskStatus, msg string, at time.Time) *models.DeliveryAttempt {
	return &models.DeliveryAttempt{
		ID:           uuid.NewString(),
		TaskID:       task.ID,
		CampaignID:   task.CampaignID,
		SenderEmail:  senderEmail,
		Outcome:      outcome,
		ErrorMessage: msg,
		CreatedAt:    at,
	}
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// IsConflict reports whether err means the task was not in the expected status.
func IsConflict(err error) bool {
	return errors.Is(err, models.ErrStatusConflict)
}
