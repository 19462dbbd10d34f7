package jobs

import (
	"context"
	"time"

	"github.com/coreidpin/coreidpin-sub005/pkg/logger"
)

const dispatcherBatchSize = 25

// Dispatcher sweeps the queue on a fixed interval so jobs left behind by a
// crashed process are eventually picked up even without external cron
// triggers.
type Dispatcher struct {
	queue    *Queue
	interval time.Duration
}

func NewDispatcher(queue *Queue, interval time.Duration) *Dispatcher {
	return &Dispatcher{queue: queue, interval: interval}
}

func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if processed, err := d.queue.Process(ctx, dispatcherBatchSize); err != nil {
				logger.Error("Queue sweep error", "error", err)
			} else if processed > 0 {
				logger.Debug("Queue sweep completed", "processed", processed)
			}
		}
	}
}
