package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreprocessor "github.com/pullsight/internal/core_processor"
)

var fixedNow = time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

func setupStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	s := NewStore(db)
	s.now = func() time.Time { return fixedNow }
	return s, mock
}

var key = coreprocessor.PRKey{Provider: coreprocessor.ProviderGitHub, Owner: "acme", Repo: "widgets", Number: "42"}

var prColumns = []string{"id", "provider", "owner", "repo", "pr_number", "provider_pr_id", "installation_id", "state",
	"title", "body", "url", "author", "author_avatar", "repo_name", "head_branch", "base_branch", "head_sha", "base_sha",
	"pr_created_at", "pr_updated_at", "pr_closed_at", "pr_merged_at",
	"files_changed", "total_additions", "total_deletions", "issue_count", "files"}

func TestGetPullRequest(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		s, mock := setupStore(t)
		files := `[{"prFileName":"a.go","prFileStatus":"modified","prFileAdditions":1,"prFileDeletions":0,"prFileChanges":1,
			"prFileContentBefore":"x","prFileContentAfter":"y","prFileDiff":"d","prFileDiffHunks":["@@ -1 +1 @@\n"],"prFileBlobUrl":""}]`
		mock.ExpectQuery("FROM pull_requests").
			WithArgs("github", "acme", "widgets", "42").
			WillReturnRows(sqlmock.NewRows(prColumns).AddRow(
				"pr-1", "github", "acme", "widgets", "42", "9001", "77", "open",
				"Title", "Body", "https://gh/pr/42", "octo", "", "acme/widgets", "feat", "main", "h", "b",
				"2026-01-01T00:00:00Z", "2026-01-02T00:00:00Z", "", "",
				1, 1, 0, 3, []byte(files),
			))

		pr, found, err := s.GetPullRequest(context.Background(), key)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "pr-1", pr.ID)
		assert.Equal(t, coreprocessor.PRStateOpen, pr.State)
		assert.Equal(t, 3, pr.IssueCount)
		require.Len(t, pr.Files, 1)
		assert.Equal(t, []string{"@@ -1 +1 @@\n"}, pr.Files[0].Hunks)
	})

	t.Run("absent", func(t *testing.T) {
		s, mock := setupStore(t)
		mock.ExpectQuery("FROM pull_requests").WillReturnError(sql.ErrNoRows)

		pr, found, err := s.GetPullRequest(context.Background(), key)
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, pr)
	})

	t.Run("database error", func(t *testing.T) {
		s, mock := setupStore(t)
		mock.ExpectQuery("FROM pull_requests").WillReturnError(errors.New("connection lost"))

		_, _, err := s.GetPullRequest(context.Background(), key)
		assert.ErrorContains(t, err, "connection lost")
	})
}

func snapshot() *coreprocessor.StructuredPullRequest {
	return &coreprocessor.StructuredPullRequest{
		Provider: key.Provider, Owner: key.Owner, Repo: key.Repo, Number: key.Number,
		ProviderPRID: "9001", InstallationID: "77", State: coreprocessor.PRStateOpen,
		Files: []coreprocessor.PRFile{{Path: "a.go", Hunks: []string{}}},
	}
}

func TestInsertPullRequest(t *testing.T) {
	t.Run("inserted", func(t *testing.T) {
		s, mock := setupStore(t)
		mock.ExpectQuery("INSERT INTO pull_requests").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("generated"))

		pr := snapshot()
		inserted, err := s.InsertPullRequest(context.Background(), pr)
		require.NoError(t, err)
		assert.True(t, inserted)
		assert.NotEmpty(t, pr.ID)
	})

	t.Run("conflict", func(t *testing.T) {
		s, mock := setupStore(t)
		mock.ExpectQuery("ON CONFLICT \\(provider, owner, repo, pr_number\\) DO NOTHING").
			WillReturnError(sql.ErrNoRows)

		pr := snapshot()
		inserted, err := s.InsertPullRequest(context.Background(), pr)
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.Empty(t, pr.ID)
	})
}

func TestUpdatePullRequest_MissingRow(t *testing.T) {
	s, mock := setupStore(t)
	mock.ExpectExec("UPDATE pull_requests SET").WillReturnResult(sqlmock.NewResult(0, 0))

	pr := snapshot()
	pr.ID = "pr-1"
	err := s.UpdatePullRequest(context.Background(), pr)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdatePullRequestState(t *testing.T) {
	s, mock := setupStore(t)
	mock.ExpectExec("UPDATE pull_requests SET state").
		WithArgs("github", "acme", "widgets", "42", "merged").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE pull_requests SET state").
		WithArgs("github", "acme", "widgets", "42", "declined").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.UpdatePullRequestState(context.Background(), key, coreprocessor.PRStateMerged)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.UpdatePullRequestState(context.Background(), key, coreprocessor.PRStateDeclined)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindActiveRepository(t *testing.T) {
	s, mock := setupStore(t)
	mock.ExpectQuery("FROM repositories r").
		WithArgs("bitbucket", "team", "api").
		WillReturnRows(sqlmock.NewRows([]string{"id", "workspace_id", "slug", "provider", "slug", "author_username",
			"ignore_patterns", "min_severity", "api_key", "model_name"}).
			AddRow("r1", "w1", "team", "bitbucket", "api", "team", []byte(`{vendor/**,"*.md"}`), "Minor", "sk-1", "model-x"))
	mock.ExpectQuery("FROM repositories r").WillReturnError(sql.ErrNoRows)

	repo, err := s.FindActiveRepository(context.Background(), coreprocessor.ProviderBitbucket, "team", "api")
	require.NoError(t, err)
	assert.Equal(t, []string{"vendor/**", "*.md"}, repo.Ignore)
	assert.Equal(t, coreprocessor.SeverityMinor, repo.MinSeverity)
	assert.Equal(t, "w1", repo.WorkspaceID)
	assert.Equal(t, "sk-1", repo.APIKey)

	_, err = s.FindActiveRepository(context.Background(), coreprocessor.ProviderBitbucket, "team", "gone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIsActiveMember(t *testing.T) {
	s, mock := setupStore(t)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("w1", "github", "1001").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.IsActiveMember(context.Background(), "w1", coreprocessor.ProviderGitHub, "1001")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClearInstallation(t *testing.T) {
	s, mock := setupStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE workspaces SET installation_id = NULL").
		WithArgs("github", "77").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM provider_credentials").
		WithArgs("github", "77").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := s.ClearInstallation(context.Background(), coreprocessor.ProviderGitHub, "77")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestCompleteReview_AlreadyCompleted(t *testing.T) {
	s, mock := setupStore(t)
	mock.ExpectExec(`WHERE id = \$1 AND review_completed_at IS NULL`).
		WithArgs("an-1", "completed", fixedNow, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.CompleteReview(context.Background(), "an-1", nil, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApplySummary_GuardsOnSummaryOnly(t *testing.T) {
	s, mock := setupStore(t)
	mock.ExpectExec(`WHERE id = \$1 AND summary_received_at IS NULL`).
		WithArgs("an-1", "", nil, nil, nil, nil, true, "completed", fixedNow, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`WHERE id = \$1 AND summary_received_at IS NULL`).
		WithArgs("an-1", "again", nil, nil, nil, nil, false, "inprogress", nil, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.ApplySummary(context.Background(), "an-1", SummaryUpdate{Complete: true})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ApplySummary(context.Background(), "an-1", SummaryUpdate{Summary: "again"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetAnalysis(t *testing.T) {
	s, mock := setupStore(t)
	cols := []string{"id", "pull_request_id", "provider", "provider_pr_id", "pr_user", "workspace_slug", "repository_slug",
		"pr_number", "installation_id", "pr_state", "status", "started_at", "completed_at", "summary",
		"review_model_info", "review_usage_info", "summary_model_info", "summary_usage_info",
		"estimated_effort", "potential_issues", "review_completed_at", "summary_received_at"}
	mock.ExpectQuery("FROM pull_request_analyses WHERE id").
		WithArgs("an-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"an-1", "pr-1", "github", "9001", "octo", "acme", "widgets",
			"42", "77", "open", "inprogress", fixedNow, nil, "",
			[]byte(`{"model":"m"}`), nil, nil, nil,
			int64(15), nil, nil, fixedNow,
		))
	mock.ExpectQuery("FROM pull_request_analyses WHERE id").WillReturnError(sql.ErrNoRows)

	a, err := s.GetAnalysis(context.Background(), "an-1")
	require.NoError(t, err)
	assert.Equal(t, coreprocessor.AnalysisInProgress, a.Status)
	assert.Nil(t, a.CompletedAt)
	require.NotNil(t, a.EstimatedEffort)
	assert.Equal(t, 15, *a.EstimatedEffort)
	assert.Nil(t, a.PotentialIssues)
	assert.JSONEq(t, `{"model":"m"}`, string(a.ReviewModelInfo))
	assert.Nil(t, a.ReviewCompletedAt)
	require.NotNil(t, a.SummaryReceivedAt)
	assert.Equal(t, fixedNow, *a.SummaryReceivedAt)

	_, err = s.GetAnalysis(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertComments_Transaction(t *testing.T) {
	s, mock := setupStore(t)
	end := 9
	comments := []coreprocessor.AnalysisComment{
		{AnalysisID: "an-1", PullRequestID: "pr-1", FilePath: "a.go", LineStart: 3, LineEnd: &end, Content: "x", Severity: coreprocessor.SeverityMajor},
		{AnalysisID: "an-1", PullRequestID: "pr-1", FilePath: "b.go", LineStart: 1, Content: "y", Severity: coreprocessor.SeverityInfo},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO analysis_comments")
	prep.ExpectExec().WithArgs(sqlmock.AnyArg(), "an-1", "pr-1", "", "", "a.go", 3, int64(9), "x", "", nil, "Major", "", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs(sqlmock.AnyArg(), "an-1", "pr-1", "", "", "b.go", 1, nil, "y", "", nil, "Info", "", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.InsertComments(context.Background(), comments))
	assert.NotEmpty(t, comments[0].ID)
	assert.NotEqual(t, comments[0].ID, comments[1].ID)
}

func TestInsertComments_RollsBackOnError(t *testing.T) {
	s, mock := setupStore(t)
	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO analysis_comments").
		ExpectExec().WillReturnError(errors.New("constraint violation"))
	mock.ExpectRollback()

	err := s.InsertComments(context.Background(), []coreprocessor.AnalysisComment{{FilePath: "a.go"}})
	assert.ErrorContains(t, err, "constraint violation")
}

func TestCountAndSweep(t *testing.T) {
	s, mock := setupStore(t)
	mock.ExpectQuery("SELECT COUNT").WithArgs("pr-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))
	cutoff := fixedNow.Add(-30 * time.Minute)
	mock.ExpectExec("UPDATE pull_request_analyses").
		WithArgs("failed", fixedNow, "inprogress", cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.CountPullRequestComments(context.Background(), "pr-1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	swept, err := s.SweepStaleAnalyses(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), swept)
}

func TestCredentials(t *testing.T) {
	s, mock := setupStore(t)
	expires := fixedNow.Add(time.Hour)
	mock.ExpectQuery("FROM provider_credentials").
		WithArgs("bitbucket", "team").
		WillReturnRows(sqlmock.NewRows([]string{"access_token", "refresh_token", "expires_at", "installation_id"}).
			AddRow("at", "rt", expires, ""))
	mock.ExpectQuery("FROM provider_credentials").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO provider_credentials").
		WithArgs("bitbucket", "team", "new", "rt2", expires, "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	cred, err := s.LoadCredential(context.Background(), coreprocessor.ProviderBitbucket, "team")
	require.NoError(t, err)
	assert.Equal(t, coreprocessor.Credential{AccessToken: "at", RefreshToken: "rt", ExpiresAt: expires}, cred)

	_, err = s.LoadCredential(context.Background(), coreprocessor.ProviderBitbucket, "other")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveCredential(context.Background(), coreprocessor.ProviderBitbucket, "team",
		coreprocessor.Credential{AccessToken: "new", RefreshToken: "rt2", ExpiresAt: expires}))
}

func TestAppendEvent_WrapsNonJSON(t *testing.T) {
	s, mock := setupStore(t)
	mock.ExpectExec("INSERT INTO event_logs").
		WithArgs(sqlmock.AnyArg(), "bitbucket", "repo:push", []byte(`"not json"`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := s.AppendEvent(context.Background(), coreprocessor.ProviderBitbucket, "repo:push", []byte("not json"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}
