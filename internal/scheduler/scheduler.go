// Package scheduler runs named background jobs on a fixed interval with
// an explicit start/stop lifecycle. Jobs are owned by whoever constructs
// them — there is no global scheduler instance — and stopping waits for
// an in-flight run to finish.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is a periodic task. The job function receives a context that is
// cancelled when the job is stopped; runs never overlap.
type Job struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a job that runs fn every interval once started.
func New(name string, interval time.Duration, fn func(ctx context.Context)) *Job {
	return &Job{
		name:     name,
		interval: interval,
		fn:       fn,
	}
}

// Start launches the job loop. The first run happens immediately, then
// every interval. Starting a running job is a no-op.
func (j *Job) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	j.done = make(chan struct{})
	j.running = true

	go j.run(ctx)
	slog.Info("job started", "job", j.name, "interval", j.interval.String())
}

// Stop cancels the job and waits for an in-flight run to finish.
// Stopping a stopped job is a no-op.
func (j *Job) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	cancel, done := j.cancel, j.done
	j.mu.Unlock()

	cancel()
	<-done
	slog.Info("job stopped", "job", j.name)
}

func (j *Job) run(ctx context.Context) {
	defer close(j.done)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.fn(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.fn(ctx)
		}
	}
}
