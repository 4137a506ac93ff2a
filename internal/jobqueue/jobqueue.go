/*
Package jobqueue runs the detached work of the webhook pipeline.

Pool bounds fire-and-forget tasks such as analysis dispatch, Lanes keeps
events for the same pull request in order, and JobQueue drives durable
periodic maintenance through River. Tunables live in queue_config.go.
*/
package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/zerolog/log"
)

// Sweeper fails analyses that have been in progress for longer than olderThan.
type Sweeper interface {
	SweepStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// StaleAnalysisSweepArgs represents the arguments for a stale analysis sweep job
type StaleAnalysisSweepArgs struct {
	StaleAfter time.Duration `json:"stale_after"`
}

// Kind returns the job kind for River
func (StaleAnalysisSweepArgs) Kind() string {
	return "stale_analysis_sweep"
}

// StaleAnalysisSweepWorker marks abandoned analyses as failed.
type StaleAnalysisSweepWorker struct {
	river.WorkerDefaults[StaleAnalysisSweepArgs]
	sweeper Sweeper
}

// Work performs the sweep
func (w *StaleAnalysisSweepWorker) Work(ctx context.Context, job *river.Job[StaleAnalysisSweepArgs]) error {
	swept, err := w.sweeper.SweepStale(ctx, job.Args.StaleAfter)
	if err != nil {
		return fmt.Errorf("failed to sweep stale analyses: %w", err)
	}
	if swept > 0 {
		log.Warn().Int64("analyses", swept).Dur("stale_after", job.Args.StaleAfter).Msg("marked stale analyses as failed")
	}
	return nil
}

// JobQueue manages the River job queue
type JobQueue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
	config *QueueConfig
}

// NewJobQueue creates a new job queue instance
func NewJobQueue(ctx context.Context, databaseURL string, sweeper Sweeper, config *QueueConfig) (*JobQueue, error) {
	if config == nil {
		config = DefaultQueueConfig()
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &StaleAnalysisSweepWorker{sweeper: sweeper})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:       config.RiverQueueConfig(),
		Workers:      workers,
		JobTimeout:   config.JobTimeout,
		MaxAttempts:  config.MaxAttempts,
		PeriodicJobs: config.PeriodicJobs(),
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &JobQueue{
		client: client,
		pool:   pool,
		config: config,
	}, nil
}

// Migrate applies River's own schema migrations.
func (jq *JobQueue) Migrate(ctx context.Context) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(jq.pool), nil)
	if err != nil {
		return fmt.Errorf("failed to create River migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("failed to migrate River schema: %w", err)
	}
	log.Info().Int("applied", len(res.Versions)).Msg("river schema up to date")
	return nil
}

// Start starts the job queue workers
func (jq *JobQueue) Start(ctx context.Context) error {
	return jq.client.Start(ctx)
}

// Stop stops the job queue workers and closes the connection pool.
func (jq *JobQueue) Stop(ctx context.Context) error {
	defer jq.pool.Close()
	return jq.client.Stop(ctx)
}

// QueueSweep inserts a one-off sweep job, for operators who do not want to
// wait for the next periodic run.
func (jq *JobQueue) QueueSweep(ctx context.Context) error {
	_, err := jq.client.Insert(ctx, StaleAnalysisSweepArgs{StaleAfter: jq.config.StaleAfter}, nil)
	if err != nil {
		return fmt.Errorf("failed to queue stale analysis sweep: %w", err)
	}
	return nil
}
