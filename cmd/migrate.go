package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pullsight/internal/database"
)

// MigrateCommand returns the database migration command
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply or roll back database migrations",
		Subcommands: []*cli.Command{
			{
				Name:   "up",
				Usage:  "Apply all pending migrations",
				Action: runMigrateUp,
			},
			{
				Name:  "down",
				Usage: "Roll back migrations",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "steps",
						Usage: "Number of migrations to roll back",
						Value: 1,
					},
				},
				Action: runMigrateDown,
			},
		},
	}
}

func runMigrateUp(c *cli.Context) error {
	cfg, err := loadDatabaseConfig(c)
	if err != nil {
		return err
	}
	db, err := database.NewDB(cfg.Database.URL, 1)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.MigrateUp(db); err != nil {
		return err
	}
	fmt.Println("Database is up to date")
	return nil
}

func runMigrateDown(c *cli.Context) error {
	steps := c.Int("steps")
	if steps < 1 {
		return fmt.Errorf("steps must be at least 1")
	}
	cfg, err := loadDatabaseConfig(c)
	if err != nil {
		return err
	}
	db, err := database.NewDB(cfg.Database.URL, 1)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.MigrateDown(db, steps); err != nil {
		return err
	}
	fmt.Printf("Rolled back %d migration(s)\n", steps)
	return nil
}
