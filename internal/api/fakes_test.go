package api

import (
	"context"
	"sync"

	"github.com/pullsight/internal/analysis"
	coreprocessor "github.com/pullsight/internal/core_processor"
	"github.com/pullsight/internal/jobqueue"
	"github.com/pullsight/internal/storage"
)

type fakeStore struct {
	mu         sync.Mutex
	repo       *storage.Repository
	members    map[string]bool
	prs        map[coreprocessor.PRKey]*coreprocessor.StructuredPullRequest
	events     []string
	cleared    []string
	creds      map[string]coreprocessor.Credential
	appendFail error
	lookups    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		repo: &storage.Repository{
			ID: "repo-1", WorkspaceID: "ws-1", WorkspaceSlug: "acme",
			Provider: coreprocessor.ProviderGitHub, Slug: "widgets", AuthorUsername: "acme",
		},
		members: map[string]bool{"7": true},
		prs:     map[coreprocessor.PRKey]*coreprocessor.StructuredPullRequest{},
		creds:   map[string]coreprocessor.Credential{},
	}
}

func (s *fakeStore) FindActiveRepository(_ context.Context, provider coreprocessor.Provider, owner, slug string) (*storage.Repository, error) {
	s.lookups++
	if s.repo == nil || s.repo.Provider != provider || s.repo.AuthorUsername != owner || s.repo.Slug != slug {
		return nil, storage.ErrNotFound
	}
	return s.repo, nil
}

func (s *fakeStore) IsActiveMember(_ context.Context, _ string, _ coreprocessor.Provider, providerID string) (bool, error) {
	return s.members[providerID], nil
}

func (s *fakeStore) LoadCredential(_ context.Context, _ coreprocessor.Provider, account string) (coreprocessor.Credential, error) {
	c, ok := s.creds[account]
	if !ok {
		return coreprocessor.Credential{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *fakeStore) SaveCredential(_ context.Context, _ coreprocessor.Provider, account string, cred coreprocessor.Credential) error {
	s.creds[account] = cred
	return nil
}

func (s *fakeStore) GetPullRequest(_ context.Context, key coreprocessor.PRKey) (*coreprocessor.StructuredPullRequest, bool, error) {
	pr, ok := s.prs[key]
	return pr, ok, nil
}

func (s *fakeStore) InsertPullRequest(_ context.Context, pr *coreprocessor.StructuredPullRequest) (bool, error) {
	if _, ok := s.prs[pr.Key()]; ok {
		return false, nil
	}
	s.prs[pr.Key()] = pr
	return true, nil
}

func (s *fakeStore) UpdatePullRequest(_ context.Context, pr *coreprocessor.StructuredPullRequest) error {
	s.prs[pr.Key()] = pr
	return nil
}

func (s *fakeStore) UpdatePullRequestState(_ context.Context, key coreprocessor.PRKey, state coreprocessor.PRState) (bool, error) {
	pr, ok := s.prs[key]
	if !ok {
		return false, nil
	}
	pr.State = state
	return true, nil
}

func (s *fakeStore) AppendEvent(_ context.Context, provider coreprocessor.Provider, eventName string, _ []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendFail != nil {
		return "", s.appendFail
	}
	s.events = append(s.events, string(provider)+":"+eventName)
	return "evt", nil
}

func (s *fakeStore) ClearInstallation(_ context.Context, _ coreprocessor.Provider, installationID string) (int64, error) {
	s.cleared = append(s.cleared, installationID)
	return 1, nil
}

// fakeAdapter serves one PR with a single modified file.
type fakeAdapter struct {
	listCalls int
	listErr   error
}

func (a *fakeAdapter) Provider() coreprocessor.Provider { return coreprocessor.ProviderGitHub }

func (a *fakeAdapter) ListChangedFiles(context.Context, coreprocessor.Credential, coreprocessor.PRRef) ([]coreprocessor.FileDiffStat, error) {
	a.listCalls++
	if a.listErr != nil {
		return nil, a.listErr
	}
	return []coreprocessor.FileDiffStat{{Path: "main.go", Status: coreprocessor.FileModified, Additions: 1, Deletions: 1, Changes: 2}}, nil
}

func (a *fakeAdapter) FetchRawDiff(context.Context, coreprocessor.Credential, coreprocessor.PRRef) (string, bool, error) {
	return "diff --git a/main.go b/main.go\n--- a/main.go\n+++ b/main.go\n@@ -1 +1 @@\n-old\n+new\n", true, nil
}

func (a *fakeAdapter) FetchFileContent(_ context.Context, _ coreprocessor.Credential, _ coreprocessor.PRRef, _ string, side coreprocessor.Side) (string, bool) {
	if side == coreprocessor.SideBase {
		return "old\n", true
	}
	return "new\n", true
}

func (a *fakeAdapter) PostReviewComments(context.Context, coreprocessor.Credential, coreprocessor.PRRef, []coreprocessor.AnalysisComment) (coreprocessor.RawJSON, error) {
	return nil, nil
}

func (a *fakeAdapter) PostSummaryComment(context.Context, coreprocessor.Credential, coreprocessor.PRRef, string) (coreprocessor.RawJSON, error) {
	return nil, nil
}

func (a *fakeAdapter) EnsureFreshToken(_ context.Context, cred coreprocessor.Credential) (coreprocessor.Credential, bool, error) {
	if cred.AccessToken != "" {
		return cred, false, nil
	}
	cred.AccessToken = "token"
	return cred, true, nil
}

type dispatchCall struct {
	repo  *storage.Repository
	pr    *coreprocessor.StructuredPullRequest
	files []coreprocessor.PRFile
}

type fakeDispatcher struct {
	calls []dispatchCall
}

func (d *fakeDispatcher) Dispatch(_ context.Context, repo *storage.Repository, pr *coreprocessor.StructuredPullRequest, files []coreprocessor.PRFile) (*coreprocessor.PullRequestAnalysis, error) {
	d.calls = append(d.calls, dispatchCall{repo: repo, pr: pr, files: files})
	return &coreprocessor.PullRequestAnalysis{ID: "an-1"}, nil
}

// inlineLanes runs tasks synchronously and records their keys and errors.
// With hold set, tasks are parked until drain is called.
type inlineLanes struct {
	mu     sync.Mutex
	keys   []string
	errs   []error
	closed bool
	full   bool
	hold   bool
	held   []jobqueue.Task
}

func (l *inlineLanes) Enqueue(_ string, key string, task jobqueue.Task) error {
	if l.closed {
		return jobqueue.ErrLanesClosed
	}
	if l.full {
		return jobqueue.ErrLaneFull
	}
	l.mu.Lock()
	l.keys = append(l.keys, key)
	if l.hold {
		l.held = append(l.held, task)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	l.record(task(context.Background()))
	return nil
}

func (l *inlineLanes) record(err error) {
	l.mu.Lock()
	l.errs = append(l.errs, err)
	l.mu.Unlock()
}

func (l *inlineLanes) drain() {
	l.mu.Lock()
	held := l.held
	l.held = nil
	l.mu.Unlock()
	for _, task := range held {
		l.record(task(context.Background()))
	}
}

type fakeAnalyses struct {
	reviews   []analysis.ReviewCallback
	summaries []analysis.SummaryCallback
	found     *coreprocessor.PullRequestAnalysis
	getErr    error
}

func (f *fakeAnalyses) ApplyReviewComments(_ context.Context, cb analysis.ReviewCallback) error {
	f.reviews = append(f.reviews, cb)
	return nil
}

func (f *fakeAnalyses) ApplySummary(_ context.Context, cb analysis.SummaryCallback) error {
	f.summaries = append(f.summaries, cb)
	return nil
}

func (f *fakeAnalyses) Get(context.Context, string) (*coreprocessor.PullRequestAnalysis, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.found, nil
}

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }
