package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pixelpets/gasless/internal/config"
)

// Task is one periodic maintenance step. Run returns how many rows it touched.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int64, error)
}

// SessionSweeper removes session keys past their expiry.
type SessionSweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// BundleRecoverer settles bundles left pending by an interrupted poll.
type BundleRecoverer interface {
	RecoverPending(ctx context.Context) (int64, error)
}

func SessionSweep(s SessionSweeper) Task {
	return Task{Name: "expired session keys", Run: s.SweepExpired}
}

func BundleRecovery(r BundleRecoverer) Task {
	return Task{Name: "stranded bundles", Run: r.RecoverPending}
}

// CleanupJob runs its tasks once at start and then on every interval tick.
type CleanupJob struct {
	tasks    []Task
	interval time.Duration
	timeout  time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
}

func NewCleanupJob(interval time.Duration, tasks ...Task) *CleanupJob {
	return &CleanupJob{
		tasks:    tasks,
		interval: interval,
		timeout:  config.CleanupTaskTimeout,
		done:     make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	j.wg.Add(1)
	go j.run()
	log.Info().Dur("interval", j.interval).Int("tasks", len(j.tasks)).Msg("cleanup job started")
}

// Stop waits for an in-flight pass to finish.
func (j *CleanupJob) Stop() {
	close(j.done)
	j.wg.Wait()
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	for _, task := range j.tasks {
		select {
		case <-j.done:
			return
		default:
		}
		j.runTask(task)
	}
}

func (j *CleanupJob) runTask(task Task) {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	start := time.Now()
	count, err := task.Run(ctx)
	if err != nil {
		log.Error().Err(err).Str("task", task.Name).Int64("count", count).Msg("cleanup task failed")
		return
	}
	if count > 0 {
		log.Info().Str("task", task.Name).Int64("count", count).Dur("took", time.Since(start)).Msg("cleanup task done")
	}
}
