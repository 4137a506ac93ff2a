package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/pullsight/internal/analysis"
	"github.com/pullsight/internal/capture"
	coreprocessor "github.com/pullsight/internal/core_processor"
	"github.com/pullsight/internal/events"
	"github.com/pullsight/internal/jobqueue"
	"github.com/pullsight/internal/providers"
	"github.com/pullsight/internal/storage"
)

// EventLog records every inbound webhook.
type EventLog interface {
	AppendEvent(ctx context.Context, provider coreprocessor.Provider, eventName string, payload []byte) (string, error)
}

// InstallationStore detaches uninstalled apps.
type InstallationStore interface {
	ClearInstallation(ctx context.Context, provider coreprocessor.Provider, installationID string) (int64, error)
}

// Dispatcher hands reconciled files to the review agent.
type Dispatcher interface {
	Dispatch(ctx context.Context, repo *storage.Repository, pr *coreprocessor.StructuredPullRequest, files []coreprocessor.PRFile) (*coreprocessor.PullRequestAnalysis, error)
}

// Enqueuer runs tasks in per-key order.
type Enqueuer interface {
	Enqueue(name, key string, task jobqueue.Task) error
}

// WebhookOrchestrator moves a webhook delivery through the gate, the
// classification and, for applicable events, snapshot, reconciliation and
// dispatch. Deliveries for the same pull request are processed one at a
// time in arrival order.
type WebhookOrchestrator struct {
	eventLog      EventLog
	capture       *capture.Recorder
	gate          *analysis.Gate
	registry      *providers.Registry
	credentials   *analysis.Credentials
	builder       *coreprocessor.SnapshotBuilder
	reconciler    *coreprocessor.Reconciler
	dispatcher    Dispatcher
	installations InstallationStore
	lanes         Enqueuer
}

// OrchestratorDeps groups the collaborators of the orchestrator.
type OrchestratorDeps struct {
	EventLog      EventLog
	Capture       *capture.Recorder
	Gate          *analysis.Gate
	Registry      *providers.Registry
	Credentials   *analysis.Credentials
	Builder       *coreprocessor.SnapshotBuilder
	Reconciler    *coreprocessor.Reconciler
	Dispatcher    Dispatcher
	Installations InstallationStore
	Lanes         Enqueuer
}

func NewWebhookOrchestrator(d OrchestratorDeps) *WebhookOrchestrator {
	return &WebhookOrchestrator{
		eventLog:      d.EventLog,
		capture:       d.Capture,
		gate:          d.Gate,
		registry:      d.Registry,
		credentials:   d.Credentials,
		builder:       d.Builder,
		reconciler:    d.Reconciler,
		dispatcher:    d.Dispatcher,
		installations: d.Installations,
		lanes:         d.Lanes,
	}
}

// Accept decodes a delivery and queues it for processing. It never touches
// the database and never reports pipeline failures: the provider always gets
// an acknowledgement once the body has been read. The delivery is written to
// the event log from the lane task, undecodable bodies included.
func (wo *WebhookOrchestrator) Accept(_ context.Context, provider coreprocessor.Provider, eventName string, body []byte) {
	wo.capture.WriteBlob(string(provider), eventName, "json", body)

	ev, decodeErr := events.Decode(provider, eventName, body)
	key := string(provider)
	if decodeErr == nil {
		key = laneKey(ev)
	}

	err := wo.lanes.Enqueue("webhook", key, func(ctx context.Context) error {
		if _, err := wo.eventLog.AppendEvent(ctx, provider, eventName, body); err != nil {
			log.Error().Err(err).Str("provider", string(provider)).Str("event", eventName).Msg("failed to record webhook")
		}
		if decodeErr != nil {
			log.Warn().Err(decodeErr).Str("provider", string(provider)).Str("event", eventName).Msg("undecodable webhook dropped")
			return nil
		}
		return wo.Process(ctx, ev)
	})
	if err != nil {
		log.Error().Err(err).Str("provider", string(provider)).Str("event", eventName).Str("key", key).Msg("failed to queue webhook")
	}
}

// laneKey groups deliveries that must not run concurrently.
func laneKey(ev events.ProviderEvent) string {
	switch e := ev.(type) {
	case events.GithubEvent:
		if e.Payload.IsInstallationDeleted(e.Event) {
			return "github:installation:" + e.Payload.InstallationID()
		}
		return e.Payload.Key().String()
	case events.BitbucketEvent:
		return e.Payload.Key().String()
	}
	return string(ev.Provider())
}

// Process runs one decoded delivery to completion. The applicability gate
// only runs for events that would otherwise trigger an analysis.
func (wo *WebhookOrchestrator) Process(ctx context.Context, ev events.ProviderEvent) error {
	var repo *storage.Repository
	outcome := events.Classify(ev, false)
	if na, ok := outcome.(events.NotApplicable); ok && na.Reason == events.ReasonNotOnboarded {
		if subject, ok := events.SubjectOf(ev); ok {
			var applicable bool
			var err error
			repo, applicable, err = wo.gate.Check(ctx, subject)
			if err != nil {
				return fmt.Errorf("applicability check failed: %w", err)
			}
			outcome = events.Classify(ev, applicable)
		}
	}

	switch outcome := outcome.(type) {
	case events.NotApplicable:
		log.Debug().
			Str("provider", string(ev.Provider())).
			Str("event", ev.Name()).
			Str("reason", outcome.Reason).
			Msg("event not applicable")
		return nil
	case events.Terminal:
		return wo.applyTerminal(ctx, outcome.Update)
	case events.Applicable:
		return wo.runPipeline(ctx, repo, outcome)
	default:
		return fmt.Errorf("unhandled outcome %T", outcome)
	}
}

func (wo *WebhookOrchestrator) applyTerminal(ctx context.Context, update events.StateUpdate) error {
	switch u := update.(type) {
	case events.PRStateChange:
		updated, err := wo.reconciler.ApplyState(ctx, u.Key, u.Kind)
		if err != nil {
			return err
		}
		if !updated {
			log.Info().Str("pr", u.Key.String()).Str("event", string(u.Kind)).Msg("state change for unknown pull request ignored")
			return nil
		}
		log.Info().Str("pr", u.Key.String()).Str("event", string(u.Kind)).Msg("pull request state updated")
		return nil
	case events.InstallationRemoved:
		n, err := wo.installations.ClearInstallation(ctx, u.Provider, u.InstallationID)
		if err != nil {
			return err
		}
		log.Info().
			Str("provider", string(u.Provider)).
			Str("installation_id", u.InstallationID).
			Str("account", u.Account).
			Int64("workspaces", n).
			Msg("installation removed")
		return nil
	}
	return fmt.Errorf("unhandled state update %T", update)
}

func (wo *WebhookOrchestrator) runPipeline(ctx context.Context, repo *storage.Repository, a events.Applicable) error {
	if repo == nil {
		return errors.New("applicable event without repository")
	}
	adapter, err := wo.registry.Get(a.Subject.Provider)
	if err != nil {
		return err
	}
	ref := a.Meta.Ref

	cred, err := wo.credentials.Resolve(ctx, adapter, ref.Owner, a.Meta.InstallationID)
	if err != nil {
		return err
	}

	snapshot, err := wo.builder.Build(ctx, adapter, cred, a.Meta)
	if err != nil {
		return err
	}

	result, err := wo.reconciler.Reconcile(ctx, a.Kind, snapshot)
	if err != nil {
		return err
	}

	if _, err := wo.dispatcher.Dispatch(ctx, repo, result.PR, result.Files); err != nil {
		return fmt.Errorf("dispatch for %s: %w", ref.PRKey, err)
	}
	return nil
}
