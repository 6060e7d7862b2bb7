// Package scheduler runs the engine's periodic jobs: batch triggers, the
// stuck-task sweep and the sender health sweep.
package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"MailRota/internal/health"
	"MailRota/internal/metrics"
	"MailRota/internal/queue"
	"MailRota/internal/worker"
)

type Schedules struct {
	Process string
	Sweep   string
	Health  string
}

type Scheduler struct {
	cron      *cron.Cron
	queue     *queue.Queue
	monitor   *health.Monitor
	batches   chan<- worker.Batch
	batchSize int
	log       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New registers the jobs. An empty schedule disables that job.
func New(
	s Schedules,
	q *queue.Queue,
	monitor *health.Monitor,
	batches chan<- worker.Batch,
	batchSize int,
	logger *zap.Logger,
) (*Scheduler, error) {
	cl := cronLogger{logger.Sugar()}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	ctx, cancel := context.WithCancel(context.Background())
	sc := &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		queue:     q,
		monitor:   monitor,
		batches:   batches,
		batchSize: batchSize,
		log:       logger,
		ctx:       ctx,
		cancel:    cancel,
	}

	jobs := []struct {
		name     string
		schedule string
		fn       func()
	}{
		{"process", s.Process, sc.TriggerBatch},
		{"sweep", s.Sweep, func() { sc.Sweep(sc.ctx) }},
		{"health", s.Health, func() { sc.CheckHealth(sc.ctx) }},
	}
	for _, j := range jobs {
		if j.schedule == "" {
			continue
		}
		if _, err := sc.cron.AddFunc(j.schedule, j.fn); err != nil {
			cancel()
			return nil, fmt.Errorf("schedule %s job %q: %w", j.name, j.schedule, err)
		}
		logger.Info("job scheduled", zap.String("job", j.name), zap.String("schedule", j.schedule))
	}
	return sc, nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// TriggerBatch hands a batch to the worker pool, dropping it when the pool
// is already saturated.
func (s *Scheduler) TriggerBatch() {
	if !worker.Submit(s.batches, worker.Batch{MaxTasks: s.batchSize, Source: "cron"}) {
		s.log.Debug("worker pool busy, batch trigger dropped")
	}
}

// Sweep reports tasks stuck in processing, forces them back to queued and
// refreshes queue gauges.
func (s *Scheduler) Sweep(ctx context.Context) {
	stuck, err := s.queue.StuckTasks(ctx)
	if err != nil {
		s.log.Error("stuck task lookup failed", zap.Error(err))
		return
	}
	metrics.StuckTasks.Set(float64(len(stuck)))

	if len(stuck) > 0 {
		ids, err := s.queue.ReleaseStuck(ctx)
		if err != nil {
			s.log.Error("stuck task release failed", zap.Error(err))
			return
		}
		metrics.StuckReleased.Add(float64(len(ids)))
	}

	stats, err := s.queue.Stats(ctx)
	if err != nil {
		s.log.Error("queue stats failed", zap.Error(err))
		return
	}
	metrics.ObserveQueue(stats)
}

func (s *Scheduler) CheckHealth(ctx context.Context) {
	recs, err := s.monitor.CheckAllSenders(ctx)
	if err != nil {
		s.log.Error("health sweep failed", zap.Error(err))
		return
	}
	s.log.Debug("health sweep done", zap.Int("senders", len(recs)))
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
