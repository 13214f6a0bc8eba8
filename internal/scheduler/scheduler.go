// Package scheduler runs ReplyPipe's periodic housekeeping jobs.
//
// Jobs are scheduled with standard five-field cron expressions. The only job
// shipped today prunes the inbound de-duplication ledger.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BTreeMap/ReplyPipe/internal/store"
)

// DefaultPruneSchedule runs the dedup prune job once an hour.
const DefaultPruneSchedule = "17 * * * *"

// Job is a unit of scheduled work. The context is cancelled when the scheduler stops.
type Job func(ctx context.Context) error

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// slogLogger adapts slog to cron.Logger.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	logger := slogLogger{}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start()
	return &Scheduler{cron: c, ctx: ctx, cancel: cancel}
}

// AddJob schedules a named job using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(name, expr string, job Job) error {
	_, err := s.cron.AddFunc(expr, func() {
		start := time.Now()
		if err := job(s.ctx); err != nil {
			slog.Warn("Scheduler.AddJob: job failed", "job", name, "error", err)
			return
		}
		slog.Debug("Scheduler.AddJob: job finished", "job", name, "elapsed", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	slog.Info("Scheduler.AddJob: scheduled", "job", name, "schedule", expr)
	return nil
}

// Len reports the number of scheduled jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// PruneDedupJob deletes ledger records older than retention.
func PruneDedupJob(pruner store.DedupPruner, retention time.Duration) Job {
	return func(ctx context.Context) error {
		n, err := pruner.PruneDedup(ctx, time.Now().Add(-retention))
		if err != nil {
			return fmt.Errorf("prune dedup ledger: %w", err)
		}
		if n > 0 {
			slog.Info("PruneDedupJob: pruned dedup records", "count", n, "retention", retention)
		}
		return nil
	}
}
