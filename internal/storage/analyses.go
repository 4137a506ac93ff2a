package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	coreprocessor "github.com/pullsight/internal/core_processor"
)

const analysisColumns = `id, pull_request_id, provider, provider_pr_id, pr_user, workspace_slug, repository_slug,
	pr_number, installation_id, pr_state, status, started_at, completed_at, summary,
	review_model_info, review_usage_info, summary_model_info, summary_usage_info,
	estimated_effort, potential_issues, review_completed_at, summary_received_at`

func scanAnalysis(row rowScanner) (*coreprocessor.PullRequestAnalysis, error) {
	var a coreprocessor.PullRequestAnalysis
	var completedAt, reviewCompletedAt, summaryReceivedAt sql.NullTime
	var effort, issues sql.NullInt64
	var reviewModel, reviewUsage, summaryModel, summaryUsage []byte
	err := row.Scan(
		&a.ID, &a.PullRequestID, &a.Provider, &a.ProviderPRID, &a.PRUser, &a.WorkspaceSlug, &a.RepositorySlug,
		&a.PRNumber, &a.InstallationID, &a.PRState, &a.Status, &a.StartedAt, &completedAt, &a.Summary,
		&reviewModel, &reviewUsage, &summaryModel, &summaryUsage,
		&effort, &issues, &reviewCompletedAt, &summaryReceivedAt,
	)
	if err != nil {
		return nil, err
	}
	a.CompletedAt = timePtr(completedAt)
	a.ReviewCompletedAt = timePtr(reviewCompletedAt)
	a.SummaryReceivedAt = timePtr(summaryReceivedAt)
	a.EstimatedEffort = intPtr(effort)
	a.PotentialIssues = intPtr(issues)
	a.ReviewModelInfo = reviewModel
	a.ReviewUsageInfo = reviewUsage
	a.SummaryModelInfo = summaryModel
	a.SummaryUsageInfo = summaryUsage
	return &a, nil
}

// CreateAnalysis inserts a new analysis, assigning its id.
func (s *Store) CreateAnalysis(ctx context.Context, a *coreprocessor.PullRequestAnalysis) error {
	if a.ID == "" {
		a.ID = newID()
	}
	if a.StartedAt.IsZero() {
		a.StartedAt = s.now().UTC()
	}
	query := `
		INSERT INTO pull_request_analyses (id, pull_request_id, provider, provider_pr_id, pr_user,
			workspace_slug, repository_slug, pr_number, installation_id, pr_state, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.PullRequestID, a.Provider, a.ProviderPRID, a.PRUser,
		a.WorkspaceSlug, a.RepositorySlug, a.PRNumber, a.InstallationID, a.PRState, a.Status, a.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create analysis for pull request %s: %w", a.PullRequestID, err)
	}
	return nil
}

// GetAnalysis loads an analysis without its comments.
func (s *Store) GetAnalysis(ctx context.Context, id string) (*coreprocessor.PullRequestAnalysis, error) {
	query := `SELECT ` + analysisColumns + ` FROM pull_request_analyses WHERE id = $1`
	a, err := scanAnalysis(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis %s: %w", id, notFound(err))
	}
	return a, nil
}

// CompleteReview marks the analysis completed with the review model metadata.
// It reports false when a review was already completed for the analysis; a
// summary arriving first does not block it.
func (s *Store) CompleteReview(ctx context.Context, id string, modelInfo, usageInfo coreprocessor.RawJSON) (bool, error) {
	query := `
		UPDATE pull_request_analyses
		SET status = $2, completed_at = $3, review_completed_at = $3,
			review_model_info = $4, review_usage_info = $5
		WHERE id = $1 AND review_completed_at IS NULL
	`
	res, err := s.db.ExecContext(ctx, query, id, coreprocessor.AnalysisCompleted, s.now().UTC(), nullJSON(modelInfo), nullJSON(usageInfo))
	if err != nil {
		return false, fmt.Errorf("failed to complete analysis %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// SummaryUpdate carries the fields written by a summary callback.
type SummaryUpdate struct {
	Summary         string
	ModelInfo       coreprocessor.RawJSON
	UsageInfo       coreprocessor.RawJSON
	EstimatedEffort *int
	PotentialIssues *int
	Complete        bool
}

// ApplySummary stores summary fields and, when u.Complete is set, marks the
// analysis completed. It reports false when a summary was already applied;
// a completed review does not block it.
func (s *Store) ApplySummary(ctx context.Context, id string, u SummaryUpdate) (bool, error) {
	now := s.now().UTC()
	var completedAt sql.NullTime
	status := coreprocessor.AnalysisInProgress
	if u.Complete {
		completedAt = sql.NullTime{Time: now, Valid: true}
		status = coreprocessor.AnalysisCompleted
	}

	query := `
		UPDATE pull_request_analyses
		SET summary = $2, summary_model_info = $3, summary_usage_info = $4,
			estimated_effort = $5, potential_issues = $6,
			status = CASE WHEN $7 THEN $8 ELSE status END,
			completed_at = COALESCE($9, completed_at),
			summary_received_at = $10
		WHERE id = $1 AND summary_received_at IS NULL
	`
	res, err := s.db.ExecContext(ctx, query,
		id, u.Summary, nullJSON(u.ModelInfo), nullJSON(u.UsageInfo),
		nullInt(u.EstimatedEffort), nullInt(u.PotentialIssues),
		u.Complete, status, completedAt, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to apply summary to analysis %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// SweepStaleAnalyses fails in-progress analyses started before cutoff and
// returns how many were changed.
func (s *Store) SweepStaleAnalyses(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE pull_request_analyses
		SET status = $1, completed_at = $2
		WHERE status = $3 AND started_at < $4
	`
	res, err := s.db.ExecContext(ctx, query, coreprocessor.AnalysisFailed, s.now().UTC(), coreprocessor.AnalysisInProgress, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale analyses: %w", err)
	}
	return res.RowsAffected()
}
