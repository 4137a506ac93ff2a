package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/pullsight/internal/analysis"
	"github.com/pullsight/internal/api"
	"github.com/pullsight/internal/capture"
	"github.com/pullsight/internal/config"
	coreprocessor "github.com/pullsight/internal/core_processor"
	"github.com/pullsight/internal/database"
	"github.com/pullsight/internal/jobqueue"
	"github.com/pullsight/internal/providers"
	bbprovider "github.com/pullsight/internal/providers/bitbucket"
	ghprovider "github.com/pullsight/internal/providers/github"
	"github.com/pullsight/internal/storage"
)

// APICommand returns the CLI command for starting the API server
func APICommand() *cli.Command {
	return &cli.Command{
		Name:  "api",
		Usage: "Start the Pullsight webhook and callback server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the API server (overrides server.port)",
			},
			&cli.BoolFlag{
				Name:  "skip-migrations",
				Usage: "Do not apply database migrations on startup",
			},
		},
		Action: runAPI,
	}
}

func runAPI(c *cli.Context) error {
	cfg, err := loadValidConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDB(cfg.Database.URL, cfg.Database.MaxOpenConns)
	if err != nil {
		return err
	}
	defer db.Close()

	if !c.Bool("skip-migrations") {
		if err := database.MigrateUp(db); err != nil {
			return err
		}
	}

	p, err := newPipeline(cfg, db)
	if err != nil {
		return err
	}

	queue, err := startJobQueue(ctx, cfg, p.service)
	if err != nil {
		return err
	}

	server := api.NewServer(api.Config{
		Port:                   cfg.Server.Port,
		GitHubWebhookSecret:    cfg.GitHub.WebhookSecret,
		BitbucketWebhookSecret: cfg.Bitbucket.WebhookSecret,
		CallbackTokenHash:      cfg.Agent.CallbackTokenHash,
	}, p.orchestrator, p.service, p.lanes, db)

	serveErr := server.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	p.drain(shutdownCtx)
	if queue != nil {
		if err := queue.Stop(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("job queue did not stop cleanly")
		}
	}

	log.Info().Msg("pullsight stopped")
	return serveErr
}

// pipeline is the webhook processing stack shared by the server and the
// replay command.
type pipeline struct {
	store        *storage.Store
	registry     *providers.Registry
	pool         *jobqueue.Pool
	lanes        *jobqueue.Lanes
	service      *analysis.Service
	orchestrator *api.WebhookOrchestrator
}

func newPipeline(cfg *config.Config, db *sql.DB) (*pipeline, error) {
	store := storage.NewStore(db)

	registry, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}
	log.Info().Interface("providers", registry.Providers()).Msg("provider adapters registered")

	pool, err := jobqueue.NewPool(cfg.Pipeline.Workers, jobqueue.LogErrors)
	if err != nil {
		return nil, err
	}
	lanes := jobqueue.NewLanes(cfg.Pipeline.Lanes, cfg.Pipeline.LaneBuffer, jobqueue.LogErrors)

	service := analysis.NewService(store, registry, pool, &http.Client{}, analysis.Config{
		AgentURL:        cfg.Agent.PRPostURL,
		DispatchTimeout: cfg.Agent.DispatchTimeout,
	})

	orchestrator := api.NewWebhookOrchestrator(api.OrchestratorDeps{
		EventLog:      store,
		Capture:       capture.New(cfg.Capture.Dir, cfg.Capture.Enabled),
		Gate:          analysis.NewGate(store),
		Registry:      registry,
		Credentials:   analysis.NewCredentials(store),
		Builder:       coreprocessor.NewSnapshotBuilder(cfg.Pipeline.FileConcurrency, cfg.Pipeline.SnapshotTimeout),
		Reconciler:    coreprocessor.NewReconciler(store),
		Dispatcher:    service,
		Installations: store,
		Lanes:         lanes,
	})

	return &pipeline{
		store:        store,
		registry:     registry,
		pool:         pool,
		lanes:        lanes,
		service:      service,
		orchestrator: orchestrator,
	}, nil
}

// drain waits for queued webhooks and then for their dispatches.
func (p *pipeline) drain(ctx context.Context) {
	if err := p.lanes.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("webhook lanes did not drain")
	}
	log.Info().Int("dispatches", p.pool.Running()).Msg("waiting for in-flight dispatches")
	if err := p.pool.Release(10 * time.Second); err != nil {
		log.Warn().Err(err).Msg("dispatch pool did not drain")
	}
}

// buildRegistry registers an adapter for every configured provider.
func buildRegistry(cfg *config.Config) (*providers.Registry, error) {
	registry := providers.NewRegistry()
	httpClient := &http.Client{Timeout: cfg.Pipeline.FetchTimeout}

	var pem []byte
	if cfg.GitHub.PrivateKeyPath != "" {
		var err error
		pem, err = os.ReadFile(cfg.GitHub.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read github private key: %w", err)
		}
	}
	gh, err := ghprovider.NewAdapter(ghprovider.Config{
		APIURL:            cfg.GitHub.APIURL,
		AppID:             cfg.GitHub.AppID,
		PrivateKeyPEM:     pem,
		RequestsPerSecond: cfg.GitHub.RequestsPerSec,
		FetchTimeout:      cfg.Pipeline.FetchTimeout,
		MaxFiles:          cfg.Pipeline.MaxFiles,
		Retry:             cfg.Pipeline.Retry,
	}, httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create github adapter: %w", err)
	}
	registry.Register(gh)

	registry.Register(bbprovider.NewAdapter(bbprovider.Config{
		APIURL:            cfg.Bitbucket.APIURL,
		TokenURL:          cfg.Bitbucket.TokenURL,
		ClientID:          cfg.Bitbucket.ClientID,
		ClientSecret:      cfg.Bitbucket.ClientSecret,
		RequestsPerSecond: cfg.Bitbucket.RequestsPerSec,
		FetchTimeout:      cfg.Pipeline.FetchTimeout,
		MaxFiles:          cfg.Pipeline.MaxFiles,
		Retry:             cfg.Pipeline.Retry,
	}, httpClient))

	return registry, nil
}

// startJobQueue runs the River client that schedules the stale analysis
// sweep. It returns nil when the sweeper is disabled.
func startJobQueue(ctx context.Context, cfg *config.Config, sweeper jobqueue.Sweeper) (*jobqueue.JobQueue, error) {
	if !cfg.Sweeper.Enabled {
		log.Info().Msg("stale analysis sweeper disabled")
		return nil, nil
	}
	queue, err := jobqueue.NewJobQueue(ctx, cfg.Database.URL, sweeper, queueConfig(cfg))
	if err != nil {
		return nil, err
	}
	if err := queue.Migrate(ctx); err != nil {
		return nil, err
	}
	if err := queue.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start job queue: %w", err)
	}
	return queue, nil
}

func queueConfig(cfg *config.Config) *jobqueue.QueueConfig {
	qc := jobqueue.DefaultQueueConfig()
	qc.SweepEnabled = cfg.Sweeper.Enabled
	qc.SweepInterval = cfg.Sweeper.Interval
	qc.StaleAfter = cfg.Sweeper.StaleAfter
	return qc
}
