package analysis

import (
	"context"
	"fmt"
	"sync"
	"time"

	coreprocessor "github.com/pullsight/internal/core_processor"
	"github.com/pullsight/internal/jobqueue"
	"github.com/pullsight/internal/storage"
)

type memStore struct {
	mu          sync.Mutex
	prs         map[string]*coreprocessor.StructuredPullRequest
	analyses    map[string]*coreprocessor.PullRequestAnalysis
	comments    []coreprocessor.AnalysisComment
	credentials map[string]coreprocessor.Credential
	repos       map[string]*storage.Repository
	members     map[string]bool
	saved       int
	sweptBefore time.Time
	nextID      int
}

func newMemStore() *memStore {
	return &memStore{
		prs:         map[string]*coreprocessor.StructuredPullRequest{},
		analyses:    map[string]*coreprocessor.PullRequestAnalysis{},
		credentials: map[string]coreprocessor.Credential{},
		repos:       map[string]*storage.Repository{},
		members:     map[string]bool{},
	}
}

func (m *memStore) id() string {
	m.nextID++
	return fmt.Sprintf("id-%d", m.nextID)
}

func (m *memStore) LoadCredential(_ context.Context, p coreprocessor.Provider, account string) (coreprocessor.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[string(p)+"/"+account]
	if !ok {
		return coreprocessor.Credential{}, storage.ErrNotFound
	}
	return c, nil
}

func (m *memStore) SaveCredential(_ context.Context, p coreprocessor.Provider, account string, c coreprocessor.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved++
	m.credentials[string(p)+"/"+account] = c
	return nil
}

func (m *memStore) GetPullRequestByID(_ context.Context, id string) (*coreprocessor.StructuredPullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pr, ok := m.prs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return pr, nil
}

func (m *memStore) SetIssueCount(_ context.Context, id string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prs[id].IssueCount = n
	return nil
}

func (m *memStore) CreateAnalysis(_ context.Context, a *coreprocessor.PullRequestAnalysis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = m.id()
	cp := *a
	m.analyses[a.ID] = &cp
	return nil
}

func (m *memStore) GetAnalysis(_ context.Context, id string) (*coreprocessor.PullRequestAnalysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.analyses[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) CompleteReview(_ context.Context, id string, modelInfo, usageInfo coreprocessor.RawJSON) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.analyses[id]
	if a.ReviewCompletedAt != nil {
		return false, nil
	}
	now := time.Now()
	a.Status = coreprocessor.AnalysisCompleted
	a.CompletedAt = &now
	a.ReviewCompletedAt = &now
	a.ReviewModelInfo = modelInfo
	a.ReviewUsageInfo = usageInfo
	return true, nil
}

func (m *memStore) ApplySummary(_ context.Context, id string, u storage.SummaryUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.analyses[id]
	if a.SummaryReceivedAt != nil {
		return false, nil
	}
	now := time.Now()
	a.SummaryReceivedAt = &now
	a.Summary = u.Summary
	a.EstimatedEffort = u.EstimatedEffort
	a.PotentialIssues = u.PotentialIssues
	if u.Complete {
		a.Status = coreprocessor.AnalysisCompleted
		a.CompletedAt = &now
	}
	return true, nil
}

func (m *memStore) SweepStaleAnalyses(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweptBefore = cutoff
	return 0, nil
}

func (m *memStore) InsertComments(_ context.Context, comments []coreprocessor.AnalysisComment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range comments {
		comments[i].ID = m.id()
		m.comments = append(m.comments, comments[i])
	}
	return nil
}

func (m *memStore) ListComments(_ context.Context, analysisID string) ([]coreprocessor.AnalysisComment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []coreprocessor.AnalysisComment
	for _, c := range m.comments {
		if c.AnalysisID == analysisID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) CountPullRequestComments(_ context.Context, prID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.comments {
		if c.PullRequestID == prID {
			n++
		}
	}
	return n, nil
}

func (m *memStore) FindActiveRepository(_ context.Context, p coreprocessor.Provider, owner, slug string) (*storage.Repository, error) {
	r, ok := m.repos[string(p)+"/"+owner+"/"+slug]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return r, nil
}

func (m *memStore) IsActiveMember(_ context.Context, workspaceID string, p coreprocessor.Provider, id string) (bool, error) {
	return m.members[workspaceID+"/"+string(p)+"/"+id], nil
}

type recordingAdapter struct {
	coreprocessor.SnapshotSource
	provider coreprocessor.Provider

	mu        sync.Mutex
	posted    []coreprocessor.AnalysisComment
	summaries []string
	refs      []coreprocessor.PRRef
	creds     []coreprocessor.Credential
	postErr   error
	refreshTo *coreprocessor.Credential
	onRefresh func(coreprocessor.Credential)
}

func (a *recordingAdapter) Provider() coreprocessor.Provider { return a.provider }

func (a *recordingAdapter) PostReviewComments(_ context.Context, cred coreprocessor.Credential, ref coreprocessor.PRRef, comments []coreprocessor.AnalysisComment) (coreprocessor.RawJSON, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.postErr != nil {
		return nil, a.postErr
	}
	a.posted = append(a.posted, comments...)
	a.refs = append(a.refs, ref)
	a.creds = append(a.creds, cred)
	return coreprocessor.RawJSON(`{}`), nil
}

func (a *recordingAdapter) PostSummaryComment(_ context.Context, cred coreprocessor.Credential, ref coreprocessor.PRRef, text string) (coreprocessor.RawJSON, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.postErr != nil {
		return nil, a.postErr
	}
	a.summaries = append(a.summaries, text)
	a.refs = append(a.refs, ref)
	return coreprocessor.RawJSON(`{}`), nil
}

func (a *recordingAdapter) EnsureFreshToken(_ context.Context, c coreprocessor.Credential) (coreprocessor.Credential, bool, error) {
	if a.onRefresh != nil {
		a.onRefresh(c)
	}
	if a.refreshTo != nil {
		return *a.refreshTo, true, nil
	}
	return c, false, nil
}

// inlineTasks runs submitted tasks synchronously.
type inlineTasks struct {
	errs []error
}

func (t *inlineTasks) Submit(name, key string, task jobqueue.Task) error {
	if err := task(context.Background()); err != nil {
		t.errs = append(t.errs, err)
	}
	return nil
}
