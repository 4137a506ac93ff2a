package storage

import (
	"context"
	"database/sql"
	"fmt"

	coreprocessor "github.com/pullsight/internal/core_processor"
)

// InsertComments stores a callback batch in one transaction and assigns ids.
func (s *Store) InsertComments(ctx context.Context, comments []coreprocessor.AnalysisComment) error {
	if len(comments) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO analysis_comments (id, analysis_id, pull_request_id, repository_slug, workspace_slug,
			file_path, line_start, line_end, content, code_snippet, code_snippet_line_start,
			severity, category, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare comment insert: %w", err)
	}
	defer stmt.Close()

	for i := range comments {
		c := &comments[i]
		if c.ID == "" {
			c.ID = newID()
		}
		_, err := stmt.ExecContext(ctx,
			c.ID, c.AnalysisID, c.PullRequestID, c.RepositorySlug, c.WorkspaceSlug,
			c.FilePath, c.LineStart, nullInt(c.LineEnd), c.Content, c.CodeSnippet, nullInt(c.CodeSnippetLineStart),
			c.Severity, c.Category, nullJSON(c.Metadata),
		)
		if err != nil {
			return fmt.Errorf("failed to insert comment on %s: %w", c.FilePath, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit comments: %w", err)
	}
	return nil
}

// ListComments returns the comments of an analysis in insertion order.
func (s *Store) ListComments(ctx context.Context, analysisID string) ([]coreprocessor.AnalysisComment, error) {
	query := `
		SELECT id, analysis_id, pull_request_id, repository_slug, workspace_slug, file_path,
			line_start, line_end, content, code_snippet, code_snippet_line_start, severity, category, metadata
		FROM analysis_comments
		WHERE analysis_id = $1
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, analysisID)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments of %s: %w", analysisID, err)
	}
	defer rows.Close()

	comments := []coreprocessor.AnalysisComment{}
	for rows.Next() {
		var c coreprocessor.AnalysisComment
		var lineEnd, snippetStart sql.NullInt64
		var metadata []byte
		if err := rows.Scan(
			&c.ID, &c.AnalysisID, &c.PullRequestID, &c.RepositorySlug, &c.WorkspaceSlug, &c.FilePath,
			&c.LineStart, &lineEnd, &c.Content, &c.CodeSnippet, &snippetStart, &c.Severity, &c.Category, &metadata,
		); err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		c.LineEnd = intPtr(lineEnd)
		c.CodeSnippetLineStart = intPtr(snippetStart)
		c.Metadata = metadata
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate comments: %w", err)
	}
	return comments, nil
}

// CountPullRequestComments counts every stored comment across all analyses
// of a pull request.
func (s *Store) CountPullRequestComments(ctx context.Context, pullRequestID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM analysis_comments WHERE pull_request_id = $1`, pullRequestID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count comments of %s: %w", pullRequestID, err)
	}
	return n, nil
}
