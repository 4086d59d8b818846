package schedule

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-cli/internal/batch"
	"github.com/sells-group/catalog-cli/internal/model"
)

// JobStore persists jobs. store.JobStore satisfies it.
type JobStore interface {
	UpsertJob(ctx context.Context, job *model.Job) error
	DueJobs(ctx context.Context, now time.Time) ([]model.Job, error)
	UpdateJobRun(ctx context.Context, name, cursor string, lastRun, nextRun time.Time) error
}

// Runner executes one batch run. *batch.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, req batch.RunRequest) (*model.RunSummary, error)
}

// Poller runs due jobs on a fixed poll interval.
type Poller struct {
	jobs   JobStore
	runner Runner
	poll   time.Duration
	now    func() time.Time
	log    *zap.Logger
}

// NewPoller creates a poller.
func NewPoller(jobs JobStore, runner Runner, poll time.Duration) (*Poller, error) {
	if jobs == nil || runner == nil {
		return nil, eris.New("schedule: job store and runner are required")
	}
	if poll <= 0 {
		return nil, eris.Errorf("schedule: poll interval must be > 0, got %s", poll)
	}
	return &Poller{
		jobs:   jobs,
		runner: runner,
		poll:   poll,
		now:    time.Now,
		log:    zap.L().With(zap.String("component", "schedule")),
	}, nil
}

// Seed writes job definitions. Run history and cursors are kept.
func (p *Poller) Seed(ctx context.Context, jobs []model.Job) error {
	for i := range jobs {
		if err := p.jobs.UpsertJob(ctx, &jobs[i]); err != nil {
			return eris.Wrapf(err, "schedule: seed job %s", jobs[i].Name)
		}
	}
	return nil
}

// Run ticks immediately and then every poll interval until ctx ends.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("scheduler started", zap.Duration("poll", p.poll))
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for {
		if _, err := p.Tick(ctx); err != nil && ctx.Err() == nil {
			p.log.Error("scheduler tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			p.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs every job due now, one after another, and returns how many ran.
func (p *Poller) Tick(ctx context.Context) (int, error) {
	due, err := p.jobs.DueJobs(ctx, p.now())
	if err != nil {
		return 0, eris.Wrap(err, "schedule: load due jobs")
	}
	ran := 0
	for _, job := range due {
		if ctx.Err() != nil {
			break
		}
		if err := p.runJob(ctx, job); err != nil {
			p.log.Error("job failed", zap.String("job", job.Name), zap.Error(err))
			continue
		}
		ran++
	}
	return ran, nil
}

// runJob resumes from the job's cursor. While running, each chunk
// checkpoints the cursor and leaves the job due, so a crash resumes where
// it stopped. A drained selection resets the cursor.
func (p *Poller) runJob(ctx context.Context, job model.Job) error {
	start := p.now().UTC()
	log := p.log.With(zap.String("job", job.Name))
	log.Info("job started", zap.String("cursor", job.Cursor))

	summary, runErr := p.runner.Run(ctx, batch.RunRequest{
		Selector: job.Selector,
		MaxItems: job.Limit,
		After:    job.Cursor,
		OnChunk: func(ctx context.Context, cursor string) error {
			return p.jobs.UpdateJobRun(ctx, job.Name, cursor, start, start)
		},
	})
	if summary == nil {
		return eris.Wrapf(runErr, "schedule: run job %s", job.Name)
	}
	if summary.Cancelled {
		log.Info("job interrupted", zap.String("cursor", summary.LastSubjectID))
		return nil
	}

	cursor := summary.LastSubjectID
	if runErr == nil && (job.Limit == 0 || summary.Processed < job.Limit) {
		cursor = ""
	}
	next, err := NextRun(job, start)
	if err != nil {
		return err
	}
	// Use a fresh context so the bookkeeping lands even during shutdown.
	if err := p.jobs.UpdateJobRun(context.WithoutCancel(ctx), job.Name, cursor, start, next); err != nil {
		return eris.Wrapf(err, "schedule: record run of %s", job.Name)
	}
	log.Info("job finished",
		zap.Int("processed", summary.Processed),
		zap.Int("failed", summary.Failed),
		zap.String("cursor", cursor),
		zap.Time("next_run_at", next),
	)
	return eris.Wrapf(runErr, "schedule: run job %s", job.Name)
}
