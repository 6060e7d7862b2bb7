package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Batch asks a worker to process up to MaxTasks due tasks.
type Batch struct {
	MaxTasks int
	Source   string
}

// BatchProcessor is satisfied by *Processor.
type BatchProcessor interface {
	ProcessQueue(ctx context.Context, maxTasks int) (Summary, error)
}

func StartPool(
	ctx context.Context,
	wg *sync.WaitGroup,
	workers int,
	batches <-chan Batch,
	proc BatchProcessor,
	logger *zap.Logger,
) {

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()

			logger.Info("worker started", zap.Int("worker_id", id))

			for {
				select {

				case <-ctx.Done():
					logger.Info("worker shutting down", zap.Int("worker_id", id))
					return

				case b, ok := <-batches:
					if !ok {
						logger.Info("batch channel closed", zap.Int("worker_id", id))
						return
					}

					sum, err := proc.ProcessQueue(ctx, b.MaxTasks)
					if err != nil {
						logger.Error("batch failed",
							zap.Int("worker_id", id),
							zap.String("source", b.Source),
							zap.Error(err),
						)
						continue
					}

					logger.Debug("batch done",
						zap.Int("worker_id", id),
						zap.String("source", b.Source),
						zap.Int("processed", sum.Processed),
						zap.Int("skipped", sum.Skipped),
					)
				}
			}
		}(i)
	}
}

// Submit hands b to the pool without blocking. It reports false when every
// worker is busy and the buffer is full.
func Submit(batches chan<- Batch, b Batch) bool {
	select {
	case batches <- b:
		return true
	default:
		return false
	}
}
