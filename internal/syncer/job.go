package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/entsync/entsync/internal/logger"
	"github.com/entsync/entsync/models"
)

// Job runs sync sessions on a ticker. The job is idle until Start is called.
type Job struct {
	engine *Engine
	log    *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJob wraps the engine in a background job.
func NewJob(engine *Engine, log *logger.Logger) *Job {
	return &Job{engine: engine, log: log}
}

// Start stops any previously running job, then launches a background goroutine
// that runs a session every interval. If interval is zero or negative it
// defaults to 5 minutes. The goroutine exits when ctx is cancelled or Stop is
// called; a session that fails with a non-retryable failure stops the job.
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	j.Stop()

	j.mu.Lock()
	jobCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.wg.Add(1)
	j.mu.Unlock()

	go func() {
		defer j.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-jobCtx.Done():
				return
			case <-t.C:
				res, err := j.engine.Sync(jobCtx)
				if err == nil {
					continue
				}
				if res.Failure != nil && !res.Failure.Retryable() {
					j.log.Error().Err(err).Msg("non-retryable sync failure, stopping background job")
					return
				}
			}
		}
	}()
}

// Stop cancels the background goroutine and blocks until it has exited. Safe
// to call when the job is not running.
func (j *Job) Stop() {
	j.mu.Lock()
	cancel := j.cancel
	j.cancel = nil
	j.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	j.wg.Wait()
}

// RunOnce runs a single session immediately, outside the ticker. Useful for
// a sync-on-demand trigger next to the background schedule.
func (j *Job) RunOnce(ctx context.Context) (models.SessionResult, error) {
	return j.engine.Sync(ctx)
}
