package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	coreprocessor "github.com/pullsight/internal/core_processor"
)

var _ coreprocessor.PullRequestStore = (*Store)(nil)

const pullRequestColumns = `id, provider, owner, repo, pr_number, provider_pr_id, installation_id, state,
	title, body, url, author, author_avatar, repo_name, head_branch, base_branch, head_sha, base_sha,
	pr_created_at, pr_updated_at, pr_closed_at, pr_merged_at,
	files_changed, total_additions, total_deletions, issue_count, files`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPullRequest(row rowScanner) (*coreprocessor.StructuredPullRequest, error) {
	var pr coreprocessor.StructuredPullRequest
	var files []byte
	err := row.Scan(
		&pr.ID, &pr.Provider, &pr.Owner, &pr.Repo, &pr.Number, &pr.ProviderPRID, &pr.InstallationID, &pr.State,
		&pr.Title, &pr.Body, &pr.URL, &pr.Author, &pr.AuthorAvatar, &pr.RepoName,
		&pr.HeadBranch, &pr.BaseBranch, &pr.HeadSHA, &pr.BaseSHA,
		&pr.CreatedAt, &pr.UpdatedAt, &pr.ClosedAt, &pr.MergedAt,
		&pr.FilesChanged, &pr.TotalAdditions, &pr.TotalDeletions, &pr.IssueCount, &files,
	)
	if err != nil {
		return nil, err
	}
	if len(files) > 0 {
		if err := json.Unmarshal(files, &pr.Files); err != nil {
			return nil, fmt.Errorf("failed to decode files of pull request %s: %w", pr.ID, err)
		}
	}
	if pr.Files == nil {
		pr.Files = []coreprocessor.PRFile{}
	}
	return &pr, nil
}

func encodeFiles(files []coreprocessor.PRFile) ([]byte, error) {
	if files == nil {
		files = []coreprocessor.PRFile{}
	}
	data, err := json.Marshal(files)
	if err != nil {
		return nil, fmt.Errorf("failed to encode files: %w", err)
	}
	return data, nil
}

// GetPullRequest loads the record for key; found is false when none exists.
func (s *Store) GetPullRequest(ctx context.Context, key coreprocessor.PRKey) (*coreprocessor.StructuredPullRequest, bool, error) {
	query := `
		SELECT ` + pullRequestColumns + `
		FROM pull_requests
		WHERE provider = $1 AND owner = $2 AND repo = $3 AND pr_number = $4
	`
	pr, err := scanPullRequest(s.db.QueryRowContext(ctx, query, key.Provider, key.Owner, key.Repo, key.Number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get pull request %s: %w", key, err)
	}
	return pr, true, nil
}

// GetPullRequestByID loads a record by its primary key.
func (s *Store) GetPullRequestByID(ctx context.Context, id string) (*coreprocessor.StructuredPullRequest, error) {
	query := `SELECT ` + pullRequestColumns + ` FROM pull_requests WHERE id = $1`
	pr, err := scanPullRequest(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get pull request %s: %w", id, notFound(err))
	}
	return pr, nil
}

// InsertPullRequest creates the record unless one already exists for the
// same key, in which case inserted is false and nothing is written.
func (s *Store) InsertPullRequest(ctx context.Context, pr *coreprocessor.StructuredPullRequest) (bool, error) {
	files, err := encodeFiles(pr.Files)
	if err != nil {
		return false, err
	}
	if pr.ID == "" {
		pr.ID = newID()
	}

	query := `
		INSERT INTO pull_requests (` + pullRequestColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24, $25, $26, $27)
		ON CONFLICT (provider, owner, repo, pr_number) DO NOTHING
		RETURNING id
	`
	var id string
	err = s.db.QueryRowContext(ctx, query,
		pr.ID, pr.Provider, pr.Owner, pr.Repo, pr.Number, pr.ProviderPRID, pr.InstallationID, pr.State,
		pr.Title, pr.Body, pr.URL, pr.Author, pr.AuthorAvatar, pr.RepoName,
		pr.HeadBranch, pr.BaseBranch, pr.HeadSHA, pr.BaseSHA,
		pr.CreatedAt, pr.UpdatedAt, pr.ClosedAt, pr.MergedAt,
		pr.FilesChanged, pr.TotalAdditions, pr.TotalDeletions, pr.IssueCount, files,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		pr.ID = ""
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert pull request %s: %w", pr.Key(), err)
	}
	return true, nil
}

// UpdatePullRequest overwrites every snapshot field of an existing record.
// The issue count is owned by result application and left untouched.
func (s *Store) UpdatePullRequest(ctx context.Context, pr *coreprocessor.StructuredPullRequest) error {
	files, err := encodeFiles(pr.Files)
	if err != nil {
		return err
	}

	query := `
		UPDATE pull_requests SET
			provider_pr_id = $2, installation_id = $3, state = $4, title = $5, body = $6, url = $7,
			author = $8, author_avatar = $9, repo_name = $10, head_branch = $11, base_branch = $12,
			head_sha = $13, base_sha = $14, pr_created_at = $15, pr_updated_at = $16,
			pr_closed_at = $17, pr_merged_at = $18, files_changed = $19, total_additions = $20,
			total_deletions = $21, files = $22, updated_at = now()
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query,
		pr.ID, pr.ProviderPRID, pr.InstallationID, pr.State, pr.Title, pr.Body, pr.URL,
		pr.Author, pr.AuthorAvatar, pr.RepoName, pr.HeadBranch, pr.BaseBranch,
		pr.HeadSHA, pr.BaseSHA, pr.CreatedAt, pr.UpdatedAt,
		pr.ClosedAt, pr.MergedAt, pr.FilesChanged, pr.TotalAdditions,
		pr.TotalDeletions, files,
	)
	if err != nil {
		return fmt.Errorf("failed to update pull request %s: %w", pr.Key(), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed to update pull request %s: %w", pr.Key(), ErrNotFound)
	}
	return nil
}

// UpdatePullRequestState records a state transition. It reports false when
// no record exists for key.
func (s *Store) UpdatePullRequestState(ctx context.Context, key coreprocessor.PRKey, state coreprocessor.PRState) (bool, error) {
	query := `
		UPDATE pull_requests SET state = $5, updated_at = now()
		WHERE provider = $1 AND owner = $2 AND repo = $3 AND pr_number = $4
	`
	res, err := s.db.ExecContext(ctx, query, key.Provider, key.Owner, key.Repo, key.Number, state)
	if err != nil {
		return false, fmt.Errorf("failed to update state of %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// SetIssueCount stores the denormalized comment count of a pull request.
func (s *Store) SetIssueCount(ctx context.Context, pullRequestID string, count int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE pull_requests SET issue_count = $2 WHERE id = $1`, pullRequestID, count)
	if err != nil {
		return fmt.Errorf("failed to set issue count of %s: %w", pullRequestID, err)
	}
	return nil
}
