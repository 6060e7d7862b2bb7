package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"MailRota/internal/email"
	"MailRota/internal/metrics"
	"MailRota/internal/models"
	"MailRota/internal/queue"
	"MailRota/internal/sender"
)

const DefaultSendTimeout = 30 * time.Second

// DefaultPinnedDelay is how long a task pinned to a suspended, disabled or
// failing account waits before it is looked at again.
const DefaultPinnedDelay = 15 * time.Minute

// HealthRefresher recomputes a sender's health after an outcome.
type HealthRefresher interface {
	Refresh(ctx context.Context, email string)
}

type Config struct {
	Queue     *queue.Queue
	Registry  *sender.Registry
	Rotation  *sender.Rotation
	Health    HealthRefresher
	Transport email.Transport
	// Limiter bounds sends per second across every worker. Nil means no limit.
	Limiter     *rate.Limiter
	SendTimeout time.Duration
	// PinnedDelay defers tasks whose pinned account cannot send right now.
	PinnedDelay time.Duration
	Logger      *zap.Logger
}

// Processor runs delivery batches: claim, pick a sender, send, record.
type Processor struct {
	queue       *queue.Queue
	registry    *sender.Registry
	rotation    *sender.Rotation
	health      HealthRefresher
	transport   email.Transport
	limiter     *rate.Limiter
	sendTimeout time.Duration
	pinnedDelay time.Duration
	log         *zap.Logger
}

func NewProcessor(cfg Config) *Processor {
	p := &Processor{
		queue:       cfg.Queue,
		registry:    cfg.Registry,
		rotation:    cfg.Rotation,
		health:      cfg.Health,
		transport:   cfg.Transport,
		limiter:     cfg.Limiter,
		sendTimeout: cfg.SendTimeout,
		pinnedDelay: cfg.PinnedDelay,
		log:         cfg.Logger,
	}
	if p.limiter == nil {
		p.limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if p.sendTimeout <= 0 {
		p.sendTimeout = DefaultSendTimeout
	}
	if p.pinnedDelay <= 0 {
		p.pinnedDelay = DefaultPinnedDelay
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	return p
}

// Summary reports what one batch did.
type Summary struct {
	Processed int      `json:"processed"`
	Sent      int      `json:"sent"`
	Failed    int      `json:"failed"`
	Retried   int      `json:"retried"`
	Permanent int      `json:"permanent"`
	Skipped   int      `json:"skipped"`
	Contended int      `json:"contended"`
	Cancelled int      `json:"cancelled"`
	Errors    []string `json:"errors,omitempty"`
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeRetried
	outcomePermanent
	// capacity: no account could take the task
	outcomeCapacity
	// pinned account unavailable; other tasks may still go out
	outcomePinnedBusy
	outcomeContended
	outcomeCancelled
	outcomeError
)

type result struct {
	outcome outcome
	err     error
}

// ProcessQueue handles up to maxTasks due tasks. Per-task failures are
// recorded on the task and in the summary; only a failure to read the queue
// is returned.
func (p *Processor) ProcessQueue(ctx context.Context, maxTasks int) (Summary, error) {
	var sum Summary

	tasks, err := p.queue.Due(ctx, maxTasks)
	if err != nil {
		return sum, fmt.Errorf("load due tasks: %w", err)
	}

	// accounts that rejected our credentials during this batch
	excluded := make(map[string]struct{})

loop:
	for i := range tasks {
		if ctx.Err() != nil {
			break
		}

		task := tasks[i]
		res := p.processTask(ctx, &task, excluded)
		if res.err != nil {
			sum.Errors = append(sum.Errors, fmt.Sprintf("task %s: %v", task.ID, res.err))
		}

		switch res.outcome {
		case outcomeSent:
			sum.Processed++
			sum.Sent++
		case outcomeRetried:
			sum.Processed++
			sum.Failed++
			sum.Retried++
		case outcomePermanent:
			sum.Processed++
			sum.Failed++
			sum.Permanent++
		case outcomeCapacity:
			skipped := len(tasks) - i
			sum.Skipped += skipped
			metrics.CapacitySkips.Add(float64(skipped))
			p.log.Info("no sender capacity, stopping batch", zap.Int("skipped", skipped))
			break loop
		case outcomePinnedBusy:
			sum.Skipped++
			metrics.CapacitySkips.Inc()
		case outcomeContended:
			sum.Contended++
		case outcomeCancelled:
			sum.Cancelled++
		case outcomeError:
		}
	}

	if sum.Processed > 0 || sum.Skipped > 0 || len(sum.Errors) > 0 {
		p.log.Info("batch processed",
			zap.Int("due", len(tasks)),
			zap.Int("processed", sum.Processed),
			zap.Int("sent", sum.Sent),
			zap.Int("failed", sum.Failed),
			zap.Int("skipped", sum.Skipped),
			zap.Int("errors", len(sum.Errors)),
		)
	}
	return sum, nil
}

func (p *Processor) processTask(ctx context.Context, task *models.DeliveryTask, excluded map[string]struct{}) (res result) {
	var (
		claimed bool
		lease   *sender.Lease
		from    string
	)
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if lease != nil {
			lease.Release()
		}
		err := fmt.Errorf("panic: %v", r)
		p.log.Error("recovered panic while processing task",
			zap.String("task_id", task.ID),
			zap.Any("panic", r),
			zap.Stack("stack"),
		)
		if !claimed {
			res = result{outcome: outcomeError, err: err}
			return
		}
		res = p.recordFailure(ctx, task, from, email.Transient, err)
	}()

	claimedTask, err := p.queue.Claim(ctx, task.ID)
	if err != nil {
		if queue.IsConflict(err) {
			return result{outcome: outcomeContended}
		}
		return result{outcome: outcomeError, err: fmt.Errorf("claim: %w", err)}
	}
	*task = *claimedTask
	claimed = true

	pinned := ""
	if task.PinnedSender {
		pinned = task.SenderEmail
	}

	lease, err = p.rotation.Acquire(ctx, pinned, excluded)
	switch {
	case err == nil:
	case errors.Is(err, sender.ErrNoSenderAvailable) && pinned != "":
		p.deferPinned(ctx, task, err)
		return result{outcome: outcomePinnedBusy}
	case errors.Is(err, sender.ErrNoSenderAvailable):
		p.release(ctx, task, "no sender account available")
		return result{outcome: outcomeCapacity}
	case errors.Is(err, sender.ErrNoSendersConfigured), errors.Is(err, models.ErrSenderNotFound):
		if _, ferr := p.queue.MarkFailedPermanent(bg(ctx), task, "", err); ferr != nil {
			return result{outcome: outcomeError, err: ferr}
		}
		p.log.Error("task cannot be sent", zap.String("task_id", task.ID), zap.Error(err))
		return result{outcome: outcomePermanent, err: err}
	default:
		p.release(ctx, task, "sender lookup failed")
		return result{outcome: outcomeError, err: err}
	}
	defer lease.Release()
	from = lease.Sender.Email

	// ----------------------------
	// Last check before sending
	// ----------------------------
	if _, err := p.queue.Assign(ctx, task.ID, from); err != nil {
		if queue.IsConflict(err) {
			p.log.Info("task changed by operator before send", zap.String("task_id", task.ID))
			return result{outcome: outcomeCancelled}
		}
		return result{outcome: outcomeError, err: fmt.Errorf("assign sender: %w", err)}
	}

	// ----------------------------
	// Rate Limit
	// ----------------------------
	if err := p.limiter.Wait(ctx); err != nil {
		p.release(ctx, task, "worker stopped before send")
		return result{outcome: outcomeError, err: err}
	}

	// ----------------------------
	// Send Email
	// ----------------------------
	sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	start := time.Now()
	err = p.transport.Send(sendCtx, lease.Sender, email.Message{
		TaskID:  task.ID,
		To:      task.RecipientEmail,
		Subject: task.Subject,
		HTML:    task.Body,
	})
	cancel()
	metrics.SendDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		kind := email.Classify(err)
		metrics.EmailFailures.WithLabelValues(kind.String()).Inc()
		if kind == email.SenderFault {
			excluded[from] = struct{}{}
			if cerr := p.registry.MarkConnection(bg(ctx), from, false); cerr != nil {
				p.log.Warn("failed to record connection status", zap.String("sender", from), zap.Error(cerr))
			}
		}
		res := p.recordFailure(ctx, task, from, kind, err)
		p.refresh(ctx, from)
		return res
	}

	// ----------------------------
	// Mark as Sent
	// ----------------------------
	if _, err := lease.Commit(bg(ctx)); err != nil {
		p.log.Error("failed to count send", zap.String("sender", from), zap.Error(err))
	}
	metrics.EmailsSent.WithLabelValues(from).Inc()

	if _, err := p.queue.MarkSent(bg(ctx), task, from); err != nil {
		if queue.IsConflict(err) {
			// cancelled or paused while the transport call was in flight
			p.log.Warn("task sent after operator change",
				zap.String("task_id", task.ID),
				zap.String("sender", from),
			)
		} else {
			p.log.Error("failed to update sent status", zap.String("task_id", task.ID), zap.Error(err))
			return result{outcome: outcomeSent, err: err}
		}
	}

	p.log.Debug("email sent",
		zap.String("task_id", task.ID),
		zap.String("sender", from),
		zap.String("to", task.RecipientEmail),
	)
	p.refresh(ctx, from)
	return result{outcome: outcomeSent}
}

func (p *Processor) recordFailure(ctx context.Context, task *models.DeliveryTask, from string, kind email.Kind, cause error) result {
	var (
		updated *models.DeliveryTask
		err     error
	)
	if kind == email.Permanent {
		updated, err = p.queue.MarkFailedPermanent(bg(ctx), task, from, cause)
	} else {
		updated, err = p.queue.MarkFailed(bg(ctx), task, from, cause)
	}
	if err != nil {
		p.log.Error("failed to record failure",
			zap.String("task_id", task.ID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return result{outcome: outcomeError, err: fmt.Errorf("%v (recording failed: %w)", cause, err)}
	}
	if updated.Status == models.StatusFailedPermanent {
		return result{outcome: outcomePermanent, err: cause}
	}
	return result{outcome: outcomeRetried, err: cause}
}

func (p *Processor) release(ctx context.Context, task *models.DeliveryTask, note string) {
	if _, err := p.queue.Release(bg(ctx), task.ID, note); err != nil {
		p.log.Error("failed to release task", zap.String("task_id", task.ID), zap.Error(err))
	}
}

// deferPinned moves a task off the head of the queue until its pinned account
// can plausibly send again: the next counter day when the quota is used up,
// pinnedDelay otherwise. The retry count is not touched.
func (p *Processor) deferPinned(ctx context.Context, task *models.DeliveryTask, cause error) {
	delay := p.pinnedDelay
	note := fmt.Sprintf("pinned sender %s unavailable", task.SenderEmail)
	if errors.Is(cause, sender.ErrDailyLimitReached) {
		delay = p.registry.UntilNextDay()
		note = fmt.Sprintf("pinned sender %s reached its daily limit", task.SenderEmail)
	}
	if _, err := p.queue.Defer(bg(ctx), task.ID, delay, note); err != nil {
		p.log.Error("failed to defer task", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	p.log.Debug("pinned task deferred",
		zap.String("task_id", task.ID),
		zap.String("sender", task.SenderEmail),
		zap.Duration("delay", delay),
	)
}

func (p *Processor) refresh(ctx context.Context, email string) {
	if p.health == nil || ctx.Err() != nil {
		return
	}
	p.health.Refresh(ctx, email)
}

// bg keeps bookkeeping writes alive when the batch context ends mid-task.
func bg(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
