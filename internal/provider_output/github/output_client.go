package github

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	gh "github.com/google/go-github/v68/github"
	"github.com/rs/zerolog/log"

	coreprocessor "github.com/pullsight/internal/core_processor"
)

// ReviewHeader opens every review body posted to GitHub.
const ReviewHeader = "🤖 **Automated Code Review by Pullsight**"

type reviewCreator interface {
	CreateReview(ctx context.Context, owner, repo string, number int, review *gh.PullRequestReviewRequest) (*gh.PullRequestReview, *gh.Response, error)
}

type issueCommenter interface {
	CreateComment(ctx context.Context, owner, repo string, number int, comment *gh.IssueComment) (*gh.IssueComment, *gh.Response, error)
}

// APIClient posts review results to GitHub.
type APIClient struct {
	reviews reviewCreator
	issues  issueCommenter
}

// NewAPIClient wraps an authenticated go-github client.
func NewAPIClient(client *gh.Client) *APIClient {
	return &APIClient{reviews: client.PullRequests, issues: client.Issues}
}

// PostReviewComments submits all comments as a single COMMENT review.
func (c *APIClient) PostReviewComments(ctx context.Context, ref coreprocessor.PRRef, comments []coreprocessor.AnalysisComment) (coreprocessor.RawJSON, error) {
	number, err := strconv.Atoi(ref.Number)
	if err != nil {
		return nil, fmt.Errorf("invalid GitHub pull request number %q: %w", ref.Number, err)
	}
	if len(comments) == 0 {
		return nil, nil
	}

	review := NewReviewRequest(ref.HeadSHA, comments)
	created, _, err := c.reviews.CreateReview(ctx, ref.Owner, ref.Repo, number, review)
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub review on %s: %w", ref.PRKey, err)
	}

	log.Info().Str("pr", ref.PRKey.String()).Int("comments", len(comments)).Msg("posted GitHub review")
	return json.Marshal(created)
}

// PostSummaryComment posts text as a pull request conversation comment.
func (c *APIClient) PostSummaryComment(ctx context.Context, ref coreprocessor.PRRef, text string) (coreprocessor.RawJSON, error) {
	number, err := strconv.Atoi(ref.Number)
	if err != nil {
		return nil, fmt.Errorf("invalid GitHub pull request number %q: %w", ref.Number, err)
	}

	created, _, err := c.issues.CreateComment(ctx, ref.Owner, ref.Repo, number, &gh.IssueComment{Body: gh.Ptr(text)})
	if err != nil {
		return nil, fmt.Errorf("failed to post GitHub summary on %s: %w", ref.PRKey, err)
	}
	return json.Marshal(created)
}

// NewReviewRequest builds the review payload. Comments spanning several
// lines are anchored on their last line with start_line set.
func NewReviewRequest(headSHA string, comments []coreprocessor.AnalysisComment) *gh.PullRequestReviewRequest {
	draft := make([]*gh.DraftReviewComment, 0, len(comments))
	for _, comment := range comments {
		dc := &gh.DraftReviewComment{
			Path: gh.Ptr(comment.FilePath),
			Body: gh.Ptr(CommentBody(comment)),
			Line: gh.Ptr(comment.AnchorLine()),
			Side: gh.Ptr("RIGHT"),
		}
		if comment.LineStart > 0 && comment.LineStart < comment.AnchorLine() {
			dc.StartLine = gh.Ptr(comment.LineStart)
			dc.StartSide = gh.Ptr("RIGHT")
		}
		draft = append(draft, dc)
	}

	req := &gh.PullRequestReviewRequest{
		Body:     gh.Ptr(ReviewHeader),
		Event:    gh.Ptr("COMMENT"),
		Comments: draft,
	}
	if headSHA != "" && headSHA != coreprocessor.SentinelUnknown {
		req.CommitID = gh.Ptr(headSHA)
	}
	return req
}

// CommentBody renders one finding as markdown.
func CommentBody(c coreprocessor.AnalysisComment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s**", c.Severity)
	if c.Category != "" {
		fmt.Fprintf(&b, " (%s)", c.Category)
	}
	b.WriteString("\n\n")
	b.WriteString(strings.TrimSpace(c.Content))
	if snippet := strings.TrimRight(c.CodeSnippet, "\n"); snippet != "" {
		b.WriteString("\n\n```\n")
		b.WriteString(snippet)
		b.WriteString("\n```")
	}
	return b.String()
}
