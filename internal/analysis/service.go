// Package analysis dispatches pull requests to the AI review agent and
// applies the agent's results back to storage and to the code host.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	coreprocessor "github.com/pullsight/internal/core_processor"
	"github.com/pullsight/internal/jobqueue"
	"github.com/pullsight/internal/providers"
	"github.com/pullsight/internal/storage"
)

var (
	// ErrReviewCompleted is returned for review batches that arrive after
	// the final batch of the same analysis.
	ErrReviewCompleted = errors.New("review already completed")
	// ErrSummaryApplied is returned when an analysis already has a summary.
	ErrSummaryApplied = errors.New("summary already applied")
)

// Store is the persistence the service needs.
type Store interface {
	CredentialStore

	GetPullRequestByID(ctx context.Context, id string) (*coreprocessor.StructuredPullRequest, error)
	SetIssueCount(ctx context.Context, pullRequestID string, count int) error

	CreateAnalysis(ctx context.Context, a *coreprocessor.PullRequestAnalysis) error
	GetAnalysis(ctx context.Context, id string) (*coreprocessor.PullRequestAnalysis, error)
	CompleteReview(ctx context.Context, id string, modelInfo, usageInfo coreprocessor.RawJSON) (bool, error)
	ApplySummary(ctx context.Context, id string, u storage.SummaryUpdate) (bool, error)
	SweepStaleAnalyses(ctx context.Context, cutoff time.Time) (int64, error)

	InsertComments(ctx context.Context, comments []coreprocessor.AnalysisComment) error
	ListComments(ctx context.Context, analysisID string) ([]coreprocessor.AnalysisComment, error)
	CountPullRequestComments(ctx context.Context, pullRequestID string) (int, error)
}

// Submitter runs detached tasks.
type Submitter interface {
	Submit(name, key string, task jobqueue.Task) error
}

// Config controls the outbound call to the agent.
type Config struct {
	AgentURL        string
	DispatchTimeout time.Duration
}

// Service owns the analysis life cycle.
type Service struct {
	store       Store
	registry    *providers.Registry
	credentials *Credentials
	tasks       Submitter
	httpClient  *http.Client
	cfg         Config
	now         func() time.Time
}

// NewService creates a service. A nil httpClient uses http.DefaultClient.
func NewService(store Store, registry *providers.Registry, tasks Submitter, httpClient *http.Client, cfg Config) *Service {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = time.Second
	}
	return &Service{
		store:       store,
		registry:    registry,
		credentials: NewCredentials(store),
		tasks:       tasks,
		httpClient:  httpClient,
		cfg:         cfg,
		now:         time.Now,
	}
}

// dispatchPullRequest is the snapshot as the agent receives it.
type dispatchPullRequest struct {
	coreprocessor.StructuredPullRequest
	PullRequestAnalysisID string                 `json:"pullRequestAnalysisId"`
	APIKey                string                 `json:"apiKey,omitempty"`
	ModelName             string                 `json:"modelName,omitempty"`
	MinSeverity           coreprocessor.Severity `json:"minSeverity,omitempty"`
	Ignore                []string               `json:"ignore"`
}

type dispatchRequest struct {
	PullRequest dispatchPullRequest `json:"pullRequest"`
}

// Dispatch records a new in-progress analysis for pr and hands files to the
// agent in the background. It returns nil without creating anything when
// no file is left to review. The agent call is not awaited: its failure is
// logged and the analysis stays in progress until a callback or the sweep
// resolves it.
func (s *Service) Dispatch(ctx context.Context, repo *storage.Repository, pr *coreprocessor.StructuredPullRequest, files []coreprocessor.PRFile) (*coreprocessor.PullRequestAnalysis, error) {
	files = FilterIgnored(files, repo.Ignore)
	if len(files) == 0 {
		log.Info().Str("pr", pr.Key().String()).Msg("no reviewable changes, analysis not dispatched")
		return nil, nil
	}

	a := &coreprocessor.PullRequestAnalysis{
		PullRequestID:  pr.ID,
		Provider:       pr.Provider,
		ProviderPRID:   pr.ProviderPRID,
		PRUser:         pr.Author,
		WorkspaceSlug:  pr.Owner,
		RepositorySlug: pr.Repo,
		PRNumber:       pr.Number,
		InstallationID: pr.InstallationID,
		PRState:        pr.State,
		Status:         coreprocessor.AnalysisInProgress,
	}
	if err := s.store.CreateAnalysis(ctx, a); err != nil {
		return nil, err
	}

	snapshot := *pr
	snapshot.Files = files
	ignore := repo.Ignore
	if ignore == nil {
		ignore = []string{}
	}
	body, err := json.Marshal(dispatchRequest{PullRequest: dispatchPullRequest{
		StructuredPullRequest: snapshot,
		PullRequestAnalysisID: a.ID,
		APIKey:                repo.APIKey,
		ModelName:             repo.ModelName,
		MinSeverity:           repo.MinSeverity,
		Ignore:                ignore,
	}})
	if err != nil {
		return a, fmt.Errorf("failed to encode dispatch request: %w", err)
	}

	err = s.tasks.Submit("dispatch", a.ID, func(ctx context.Context) error {
		return s.postToAgent(ctx, body)
	})
	if err != nil {
		return a, err
	}

	log.Info().
		Str("pr", pr.Key().String()).
		Str("analysis_id", a.ID).
		Int("files", len(files)).
		Msg("analysis dispatched")
	return a, nil
}

func (s *Service) postToAgent(ctx context.Context, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.AgentURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send pull request to agent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("agent rejected pull request (status %d): %s", resp.StatusCode, string(msg))
	}
	return nil
}

// Get returns an analysis together with its comments.
func (s *Service) Get(ctx context.Context, id string) (*coreprocessor.PullRequestAnalysis, error) {
	a, err := s.store.GetAnalysis(ctx, id)
	if err != nil {
		return nil, err
	}
	comments, err := s.store.ListComments(ctx, id)
	if err != nil {
		return nil, err
	}
	a.Comments = comments
	return a, nil
}

// SweepStale fails analyses that have been in progress for longer than
// olderThan.
func (s *Service) SweepStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.store.SweepStaleAnalyses(ctx, s.now().Add(-olderThan))
}
