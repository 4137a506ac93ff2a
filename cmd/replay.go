package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/pullsight/internal/analysis"
	coreprocessor "github.com/pullsight/internal/core_processor"
	"github.com/pullsight/internal/database"
	"github.com/pullsight/internal/events"
)

// ReplayCommand returns the command that reprocesses a captured webhook.
func ReplayCommand() *cli.Command {
	return &cli.Command{
		Name:  "replay",
		Usage: "Run a captured webhook body through the pipeline",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "provider",
				Aliases:  []string{"p"},
				Usage:    "Provider of the webhook (github or bitbucket)",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "event",
				Aliases:  []string{"e"},
				Usage:    "Event header value, e.g. pull_request or pullrequest:updated",
				Required: true,
			},
			&cli.BoolFlag{
				Name:    "dry-run",
				Aliases: []string{"d"},
				Usage:   "Print the snapshot instead of storing and dispatching it",
			},
		},
		ArgsUsage: "FILE",
		Action:    runReplay,
	}
}

func runReplay(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("missing required argument: FILE")
	}

	ev, err := readCapturedEvent(c.String("provider"), c.String("event"), c.Args().Get(0))
	if err != nil {
		return err
	}

	cfg, err := loadValidConfig(c)
	if err != nil {
		return err
	}

	db, err := database.NewDB(cfg.Database.URL, 4)
	if err != nil {
		return err
	}
	defer db.Close()

	p, err := newPipeline(cfg, db)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.SnapshotTimeout+time.Minute)
	defer cancel()
	defer p.drain(ctx)

	if !c.Bool("dry-run") {
		if err := p.orchestrator.Process(ctx, ev); err != nil {
			return fmt.Errorf("replay failed: %w", err)
		}
		fmt.Println("Webhook processed")
		return nil
	}

	// A dry run skips the gate: it is meant for inspecting repositories
	// that are not onboarded yet.
	outcome := events.Classify(ev, true)
	applicable, ok := outcome.(events.Applicable)
	if !ok {
		fmt.Printf("Event is not reviewable: %+v\n", outcome)
		return nil
	}

	adapter, err := p.registry.Get(applicable.Subject.Provider)
	if err != nil {
		return err
	}
	cred, err := analysis.NewCredentials(p.store).Resolve(ctx, adapter, applicable.Meta.Ref.Owner, applicable.Meta.InstallationID)
	if err != nil {
		return err
	}
	snapshot, err := coreprocessor.NewSnapshotBuilder(cfg.Pipeline.FileConcurrency, cfg.Pipeline.SnapshotTimeout).
		Build(ctx, adapter, cred, applicable.Meta)
	if err != nil {
		return err
	}

	log.Info().Str("pr", snapshot.Key().String()).Int("files", snapshot.FilesChanged).Msg("snapshot built")
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snapshot)
}

// readCapturedEvent decodes a webhook body saved to path. The provider name
// is matched case-insensitively so capture directory names can be passed
// as-is.
func readCapturedEvent(providerName, eventName, path string) (events.ProviderEvent, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook body: %w", err)
	}
	return events.Decode(coreprocessor.ParseProvider(providerName), eventName, body)
}
