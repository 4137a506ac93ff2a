package bitbucket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	coreprocessor "github.com/pullsight/internal/core_processor"
)

const DefaultBaseURL = "https://api.bitbucket.org/2.0"

// APIClient posts outbound requests to Bitbucket.
type APIClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewAPIClient creates a Bitbucket output client. An empty baseURL selects
// the public Bitbucket Cloud API.
func NewAPIClient(baseURL string, httpClient *http.Client) *APIClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &APIClient{httpClient: httpClient, baseURL: strings.TrimRight(baseURL, "/")}
}

type commentContent struct {
	Raw string `json:"raw"`
}

type commentInline struct {
	Path string `json:"path"`
	To   int    `json:"to"`
}

type commentPayload struct {
	Content commentContent `json:"content"`
	Inline  *commentInline `json:"inline,omitempty"`
}

// PostReviewComments posts every comment as its own inline comment and
// returns the provider responses as a JSON array. Posting stops at the first
// failure.
func (c *APIClient) PostReviewComments(ctx context.Context, token string, ref coreprocessor.PRRef, comments []coreprocessor.AnalysisComment) (coreprocessor.RawJSON, error) {
	responses := make([]json.RawMessage, 0, len(comments))
	for _, comment := range comments {
		payload := commentPayload{
			Content: commentContent{Raw: CommentBody(comment)},
			Inline:  &commentInline{Path: comment.FilePath, To: comment.AnchorLine()},
		}
		resp, err := c.postComment(ctx, token, ref, payload)
		if err != nil {
			return nil, fmt.Errorf("comment on %s:%d: %w", comment.FilePath, comment.AnchorLine(), err)
		}
		responses = append(responses, resp)
	}

	log.Info().Str("pr", ref.PRKey.String()).Int("comments", len(comments)).Msg("posted Bitbucket inline comments")
	return json.Marshal(responses)
}

// PostSummaryComment posts text as a general pull request comment.
func (c *APIClient) PostSummaryComment(ctx context.Context, token string, ref coreprocessor.PRRef, text string) (coreprocessor.RawJSON, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("summary text cannot be empty")
	}
	return c.postComment(ctx, token, ref, commentPayload{Content: commentContent{Raw: text}})
}

func (c *APIClient) postComment(ctx context.Context, token string, ref coreprocessor.PRRef, payload commentPayload) (json.RawMessage, error) {
	if ref.Owner == "" || ref.Repo == "" || ref.Number == "" {
		return nil, fmt.Errorf("workspace, repository, and pull request id are required")
	}
	if token == "" {
		return nil, fmt.Errorf("bitbucket credentials missing")
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	apiURL := fmt.Sprintf("%s/repositories/%s/%s/pullrequests/%s/comments", c.baseURL, ref.Owner, ref.Repo, ref.Number)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Pullsight-Bot")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bitbucket API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("bitbucket API error (status %d): %s", resp.StatusCode, string(body))
	}
	if !json.Valid(body) {
		return json.RawMessage("null"), nil
	}
	return body, nil
}

// CommentBody renders one finding as Bitbucket markdown.
func CommentBody(c coreprocessor.AnalysisComment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s**", c.Severity)
	if c.Category != "" {
		fmt.Fprintf(&b, " (%s)", c.Category)
	}
	b.WriteString("\n\n")
	b.WriteString(strings.TrimSpace(c.Content))
	return b.String()
}
