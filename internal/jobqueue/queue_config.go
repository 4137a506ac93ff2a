package jobqueue

import (
	"time"

	"github.com/riverqueue/river"
)

// QueueConfig holds the tunables of the River job queue.
type QueueConfig struct {
	MaxWorkers  int           // concurrent River workers (default: 2)
	MaxAttempts int           // attempts per job before it is discarded (default: 3)
	JobTimeout  time.Duration // maximum time a single job can run (default: 1 minute)

	SweepEnabled  bool          // schedule the periodic stale analysis sweep
	SweepInterval time.Duration // time between sweeps (default: 5 minutes)
	StaleAfter    time.Duration // age at which an in-progress analysis is failed (default: 30 minutes)
}

// DefaultQueueConfig returns the default configuration
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxWorkers:  2,
		MaxAttempts: 3,
		JobTimeout:  time.Minute,

		SweepEnabled:  true,
		SweepInterval: 5 * time.Minute,
		StaleAfter:    30 * time.Minute,
	}
}

// RiverQueueConfig converts our config to River's queue configuration format
func (c *QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	return map[string]river.QueueConfig{
		river.QueueDefault: {
			MaxWorkers: c.MaxWorkers,
		},
	}
}

// PeriodicJobs returns the scheduled jobs enabled by the configuration.
func (c *QueueConfig) PeriodicJobs() []*river.PeriodicJob {
	if !c.SweepEnabled || c.SweepInterval <= 0 {
		return nil
	}
	staleAfter := c.StaleAfter
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(c.SweepInterval),
			func() (river.JobArgs, *river.InsertOpts) {
				return StaleAnalysisSweepArgs{StaleAfter: staleAfter}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	}
}
