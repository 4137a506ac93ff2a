package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pullsight/internal/analysis"
	"github.com/pullsight/internal/database"
	"github.com/pullsight/internal/jobqueue"
	"github.com/pullsight/internal/storage"
)

// SweepCommand returns the command that fails stale in-progress analyses.
func SweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Mark analyses stuck in progress as failed",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "queue",
				Usage: "Queue the sweep on the job queue instead of running it here",
			},
			&cli.DurationFlag{
				Name:  "older-than",
				Usage: "Age threshold (overrides sweeper.stale_after)",
			},
		},
		Action: runSweep,
	}
}

func runSweep(c *cli.Context) error {
	cfg, err := loadDatabaseConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("older-than") {
		cfg.Sweeper.StaleAfter = c.Duration("older-than")
	}
	ctx := context.Background()

	db, err := database.NewDB(cfg.Database.URL, 2)
	if err != nil {
		return err
	}
	defer db.Close()

	service := analysis.NewService(storage.NewStore(db), nil, nil, nil, analysis.Config{})

	if c.Bool("queue") {
		queue, err := jobqueue.NewJobQueue(ctx, cfg.Database.URL, service, queueConfig(cfg))
		if err != nil {
			return err
		}
		defer queue.Stop(ctx)
		if err := queue.QueueSweep(ctx); err != nil {
			return err
		}
		fmt.Println("Stale analysis sweep queued")
		return nil
	}

	n, err := service.SweepStale(ctx, cfg.Sweeper.StaleAfter)
	if err != nil {
		return err
	}
	fmt.Printf("Marked %d stale analyses as failed\n", n)
	return nil
}
