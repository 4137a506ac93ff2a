package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog/log"

	coreprocessor "github.com/pullsight/internal/core_processor"
	"github.com/pullsight/internal/storage"
)

// ErrInvalidCallback is returned for callback bodies missing required fields.
var ErrInvalidCallback = errors.New("invalid callback")

// Flag decodes true/false, 0/1 and their string forms.
type Flag bool

func (f *Flag) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	switch strings.ToLower(s) {
	case "", "null", "false", "0":
		*f = false
		return nil
	case "true", "1":
		*f = true
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid flag %q", s)
	}
	*f = n != 0
	return nil
}

// CallbackComment is one finding reported by the agent.
type CallbackComment struct {
	FilePath             string                `json:"filePath"`
	LineStart            int                   `json:"lineStart"`
	LineEnd              *int                  `json:"lineEnd,omitempty"`
	Content              string                `json:"content"`
	CodeSnippet          string                `json:"codeSnippet,omitempty"`
	CodeSnippetLineStart *int                  `json:"codeSnippetLineStart,omitempty"`
	Severity             string                `json:"severity"`
	Category             string                `json:"category"`
	Metadata             coreprocessor.RawJSON `json:"metadata,omitempty"`
}

// ReviewCallback is the body of the review comments callback.
type ReviewCallback struct {
	PullRequestAnalysisID string                `json:"pullRequestAnalysisId"`
	Comments              []CallbackComment     `json:"comments"`
	ModelInfo             coreprocessor.RawJSON `json:"modelInfo,omitempty"`
	UsageInfo             coreprocessor.RawJSON `json:"usageInfo,omitempty"`
	Completed             Flag                  `json:"completed,omitempty"`
}

// SummaryInfo carries the agent's effort estimate.
type SummaryInfo struct {
	EstimatedCodeReviewTime *int `json:"estimated_code_review_time,omitempty"`
	PotentialIssueCount     *int `json:"potential_issue_count,omitempty"`
}

// SummaryCallback is the body of the summary callback. An empty summary
// marks the analysis completed.
type SummaryCallback struct {
	PullRequestAnalysisID string                `json:"pullRequestAnalysisId"`
	Summary               string                `json:"summary,omitempty"`
	ModelInfo             coreprocessor.RawJSON `json:"modelInfo,omitempty"`
	UsageInfo             coreprocessor.RawJSON `json:"usageInfo,omitempty"`
	SummaryInfo           *SummaryInfo          `json:"summary_info,omitempty"`
}

func (cb ReviewCallback) toComments(a *coreprocessor.PullRequestAnalysis) ([]coreprocessor.AnalysisComment, error) {
	comments := make([]coreprocessor.AnalysisComment, 0, len(cb.Comments))
	for i, c := range cb.Comments {
		if c.FilePath == "" || c.Content == "" {
			return nil, fmt.Errorf("%w: comment %d needs filePath and content", ErrInvalidCallback, i)
		}
		severity, err := coreprocessor.ParseSeverity(c.Severity)
		if err != nil {
			return nil, fmt.Errorf("%w: comment %d: %v", ErrInvalidCallback, i, err)
		}
		comments = append(comments, coreprocessor.AnalysisComment{
			AnalysisID:           a.ID,
			PullRequestID:        a.PullRequestID,
			RepositorySlug:       a.RepositorySlug,
			WorkspaceSlug:        a.WorkspaceSlug,
			FilePath:             c.FilePath,
			LineStart:            c.LineStart,
			LineEnd:              c.LineEnd,
			Content:              c.Content,
			CodeSnippet:          c.CodeSnippet,
			CodeSnippetLineStart: c.CodeSnippetLineStart,
			Severity:             severity,
			Category:             c.Category,
			Metadata:             c.Metadata,
		})
	}
	return comments, nil
}

// Validate checks the fields the service cannot work without.
func (cb ReviewCallback) Validate() error {
	if cb.PullRequestAnalysisID == "" {
		return fmt.Errorf("%w: pullRequestAnalysisId is required", ErrInvalidCallback)
	}
	_, err := cb.toComments(&coreprocessor.PullRequestAnalysis{})
	return err
}

// Validate checks the fields the service cannot work without.
func (cb SummaryCallback) Validate() error {
	if cb.PullRequestAnalysisID == "" {
		return fmt.Errorf("%w: pullRequestAnalysisId is required", ErrInvalidCallback)
	}
	return nil
}

// loadAnalysis fetches the analysis a callback targets. Review and summary
// callbacks may arrive in either order, so each kind is deduplicated on its
// own and the analysis status is not consulted here.
func (s *Service) loadAnalysis(ctx context.Context, id string) (*coreprocessor.PullRequestAnalysis, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: pullRequestAnalysisId is required", ErrInvalidCallback)
	}
	return s.store.GetAnalysis(ctx, id)
}

func (s *Service) pullRequestRef(ctx context.Context, a *coreprocessor.PullRequestAnalysis) (coreprocessor.PRRef, error) {
	pr, err := s.store.GetPullRequestByID(ctx, a.PullRequestID)
	if err != nil {
		return coreprocessor.PRRef{}, err
	}
	return pr.Ref(), nil
}

// ApplyReviewComments stores the agent's comments, posts them to the code
// host and, when the batch is the last one, completes the analysis and
// refreshes the pull request's issue count.
func (s *Service) ApplyReviewComments(ctx context.Context, cb ReviewCallback) error {
	a, err := s.loadAnalysis(ctx, cb.PullRequestAnalysisID)
	if err != nil {
		return err
	}
	if a.ReviewCompletedAt != nil {
		return fmt.Errorf("analysis %s: %w", a.ID, ErrReviewCompleted)
	}
	comments, err := cb.toComments(a)
	if err != nil {
		return err
	}
	adapter, err := s.registry.Get(a.Provider)
	if err != nil {
		return fmt.Errorf("analysis %s: %w", a.ID, err)
	}

	if cb.Completed {
		ok, err := s.store.CompleteReview(ctx, a.ID, cb.ModelInfo, cb.UsageInfo)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("analysis %s: %w", a.ID, ErrReviewCompleted)
		}
	}

	if err := s.store.InsertComments(ctx, comments); err != nil {
		return err
	}

	if len(comments) > 0 {
		ref, err := s.pullRequestRef(ctx, a)
		if err != nil {
			return err
		}
		cred, err := s.credentials.Resolve(ctx, adapter, a.WorkspaceSlug, a.InstallationID)
		if err != nil {
			return err
		}
		if _, err := adapter.PostReviewComments(ctx, cred, ref, comments); err != nil {
			return fmt.Errorf("failed to post review comments for analysis %s: %w", a.ID, err)
		}
	}

	if cb.Completed {
		count, err := s.store.CountPullRequestComments(ctx, a.PullRequestID)
		if err != nil {
			return err
		}
		if count > 0 {
			if err := s.store.SetIssueCount(ctx, a.PullRequestID, count); err != nil {
				return err
			}
		}
	}

	log.Info().
		Str("analysis_id", a.ID).
		Str("provider", string(a.Provider)).
		Int("comments", len(comments)).
		Bool("completed", bool(cb.Completed)).
		Msg("review comments applied")
	return nil
}

// ApplySummary stores the agent's summary and posts it as one comment. An
// empty summary completes the analysis without posting anything.
func (s *Service) ApplySummary(ctx context.Context, cb SummaryCallback) error {
	a, err := s.loadAnalysis(ctx, cb.PullRequestAnalysisID)
	if err != nil {
		return err
	}
	if a.SummaryReceivedAt != nil {
		return fmt.Errorf("analysis %s: %w", a.ID, ErrSummaryApplied)
	}

	update := storage.SummaryUpdate{
		Summary:   cb.Summary,
		ModelInfo: cb.ModelInfo,
		UsageInfo: cb.UsageInfo,
		Complete:  strings.TrimSpace(cb.Summary) == "",
	}
	if cb.SummaryInfo != nil {
		update.EstimatedEffort = cb.SummaryInfo.EstimatedCodeReviewTime
		update.PotentialIssues = cb.SummaryInfo.PotentialIssueCount
	}

	var post func() error
	if !update.Complete {
		adapter, err := s.registry.Get(a.Provider)
		if err != nil {
			return fmt.Errorf("analysis %s: %w", a.ID, err)
		}
		post = func() error {
			ref, err := s.pullRequestRef(ctx, a)
			if err != nil {
				return err
			}
			cred, err := s.credentials.Resolve(ctx, adapter, a.WorkspaceSlug, a.InstallationID)
			if err != nil {
				return err
			}
			if _, err := adapter.PostSummaryComment(ctx, cred, ref, cb.Summary); err != nil {
				return fmt.Errorf("failed to post summary for analysis %s: %w", a.ID, err)
			}
			return nil
		}
	}

	ok, err := s.store.ApplySummary(ctx, a.ID, update)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("analysis %s: %w", a.ID, ErrSummaryApplied)
	}

	if post != nil {
		if err := post(); err != nil {
			return err
		}
	}

	log.Info().
		Str("analysis_id", a.ID).
		Str("provider", string(a.Provider)).
		Bool("completed", update.Complete).
		Msg("summary applied")
	return nil
}

// repairJSON returns body unchanged when it is valid JSON and otherwise
// tries to repair truncated or loosely quoted agent output.
func repairJSON(body []byte) []byte {
	if json.Valid(body) {
		return body
	}
	repaired, err := jsonrepair.JSONRepair(string(body))
	if err != nil {
		return body
	}
	log.Debug().Int("original_bytes", len(body)).Int("repaired_bytes", len(repaired)).Msg("repaired callback JSON")
	return []byte(repaired)
}

// DecodeReviewCallback parses a review comments callback body.
func DecodeReviewCallback(body []byte) (ReviewCallback, error) {
	var cb ReviewCallback
	if err := json.Unmarshal(repairJSON(body), &cb); err != nil {
		return cb, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	return cb, nil
}

// DecodeSummaryCallback parses a summary callback body.
func DecodeSummaryCallback(body []byte) (SummaryCallback, error) {
	var cb SummaryCallback
	if err := json.Unmarshal(repairJSON(body), &cb); err != nil {
		return cb, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	return cb, nil
}
