package core_processor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Provider identifies the code host a pull request lives on.
type Provider string

const (
	ProviderGitHub    Provider = "github"
	ProviderBitbucket Provider = "bitbucket"
)

// ParseProvider normalizes a provider name. Unknown names are returned as-is
// so the registry can report them as unsupported.
func ParseProvider(s string) Provider {
	return Provider(strings.ToLower(strings.TrimSpace(s)))
}

type PRState string

const (
	PRStateOpen       PRState = "open"
	PRStateMerged     PRState = "merged"
	PRStateDeclined   PRState = "declined"
	PRStateSuperseded PRState = "superseded"
)

// EventKind is the provider-independent meaning of a webhook action.
type EventKind string

const (
	EventCreated  EventKind = "created"
	EventUpdated  EventKind = "updated"
	EventMerged   EventKind = "merged"
	EventDeclined EventKind = "declined"
)

// TerminalState returns the PR state a merged/declined event moves the PR to.
func (k EventKind) TerminalState() (PRState, bool) {
	switch k {
	case EventMerged:
		return PRStateMerged, true
	case EventDeclined:
		return PRStateDeclined, true
	}
	return "", false
}

type FileStatus string

const (
	FileAdded    FileStatus = "added"
	FileModified FileStatus = "modified"
	FileRemoved  FileStatus = "removed"
	FileRenamed  FileStatus = "renamed"
)

type AnalysisStatus string

const (
	AnalysisInProgress AnalysisStatus = "inprogress"
	AnalysisCompleted  AnalysisStatus = "completed"
	AnalysisFailed     AnalysisStatus = "failed"
)

type Severity string

const (
	SeverityInfo     Severity = "Info"
	SeverityMinor    Severity = "Minor"
	SeverityMajor    Severity = "Major"
	SeverityCritical Severity = "Critical"
	SeverityBlocker  Severity = "Blocker"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityMinor:    1,
	SeverityMajor:    2,
	SeverityCritical: 3,
	SeverityBlocker:  4,
}

// ParseSeverity accepts any casing of a known severity name.
func ParseSeverity(s string) (Severity, error) {
	for sev := range severityRank {
		if strings.EqualFold(string(sev), strings.TrimSpace(s)) {
			return sev, nil
		}
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// RawJSON holds provider or agent metadata that is stored without interpretation.
type RawJSON = json.RawMessage

// Placeholders stored when a provider cannot supply a value, so every
// snapshot has the same shape regardless of provider.
const (
	SentinelUnknown               = "unknown"
	SentinelGitHubInstallation    = "not_provided"
	SentinelBitbucketInstallation = "bitbucket_integration"
	SentinelNoDiff                = "No diff available"
	SentinelNoFileDiff            = "No diff available for this file"
)

// PRKey identifies a pull request's life-cycle record.
type PRKey struct {
	Provider Provider `json:"provider"`
	Owner    string   `json:"owner"`
	Repo     string   `json:"repo"`
	Number   string   `json:"prNumber"`
}

func (k PRKey) String() string {
	return fmt.Sprintf("%s:%s/%s#%s", k.Provider, k.Owner, k.Repo, k.Number)
}

// PRRef carries what an adapter needs to address one pull request.
type PRRef struct {
	PRKey
	HeadBranch string
	BaseBranch string
	HeadSHA    string
	BaseSHA    string
}

// FileDiffStat is one entry of a provider's changed-files listing.
type FileDiffStat struct {
	Path      string
	OldPath   string
	Status    FileStatus
	Additions int
	Deletions int
	Changes   int
	BlobURL   string
}

// PRFile is one file touched by the pull request at snapshot time.
type PRFile struct {
	Path          string     `json:"prFileName"`
	Status        FileStatus `json:"prFileStatus"`
	Additions     int        `json:"prFileAdditions"`
	Deletions     int        `json:"prFileDeletions"`
	Changes       int        `json:"prFileChanges"`
	ContentBefore string     `json:"prFileContentBefore"`
	ContentAfter  string     `json:"prFileContentAfter"`
	Diff          string     `json:"prFileDiff"`
	Hunks         []string   `json:"prFileDiffHunks"`
	BlobURL       string     `json:"prFileBlobUrl"`
}

// PullRequestMeta is everything about a pull request that comes from the
// webhook payload rather than from follow-up API calls.
type PullRequestMeta struct {
	Ref            PRRef
	ProviderPRID   string
	InstallationID string
	Title          string
	Body           string
	State          PRState
	URL            string
	AuthorLogin    string
	AuthorAvatar   string
	RepoFullName   string
	CreatedAt      string
	UpdatedAt      string
	ClosedAt       string
	MergedAt       string
}

// StructuredPullRequest is the provider-agnostic snapshot of one PR.
type StructuredPullRequest struct {
	ID             string   `json:"id,omitempty"`
	Provider       Provider `json:"provider"`
	ProviderPRID   string   `json:"prId"`
	Author         string   `json:"prUser"`
	AuthorAvatar   string   `json:"prUserAvatar"`
	URL            string   `json:"prUrl"`
	Owner          string   `json:"owner"`
	Repo           string   `json:"repo"`
	Number         string   `json:"prNumber"`
	InstallationID string   `json:"installationId"`
	RepoName       string   `json:"prRepoName"`
	Title          string   `json:"prTitle"`
	Body           string   `json:"prBody"`
	State          PRState  `json:"prState"`
	CreatedAt      string   `json:"prCreatedAt"`
	UpdatedAt      string   `json:"prUpdatedAt"`
	ClosedAt       string   `json:"prClosedAt"`
	MergedAt       string   `json:"prMergedAt"`
	HeadBranch     string   `json:"prHeadBranch"`
	BaseBranch     string   `json:"prBaseBranch"`
	HeadSHA        string   `json:"prHeadSha"`
	BaseSHA        string   `json:"prBaseSha"`
	FilesChanged   int      `json:"prFilesChanged"`
	TotalAdditions int      `json:"prTotalLineAddition"`
	TotalDeletions int      `json:"prTotalLineDeletion"`
	IssueCount     int      `json:"issueCount,omitempty"`
	Files          []PRFile `json:"prFiles"`
}

func (pr *StructuredPullRequest) Key() PRKey {
	return PRKey{Provider: pr.Provider, Owner: pr.Owner, Repo: pr.Repo, Number: pr.Number}
}

// Ref rebuilds the adapter reference for a stored pull request.
func (pr *StructuredPullRequest) Ref() PRRef {
	return PRRef{
		PRKey:      pr.Key(),
		HeadBranch: pr.HeadBranch,
		BaseBranch: pr.BaseBranch,
		HeadSHA:    pr.HeadSHA,
		BaseSHA:    pr.BaseSHA,
	}
}

// PullRequestAnalysis is one AI review run for a pull request.
type PullRequestAnalysis struct {
	ID                string            `json:"id"`
	PullRequestID     string            `json:"pullRequestId"`
	Provider          Provider          `json:"provider"`
	ProviderPRID      string            `json:"prId"`
	PRUser            string            `json:"prUser"`
	WorkspaceSlug     string            `json:"workspaceSlug"`
	RepositorySlug    string            `json:"repositorySlug"`
	PRNumber          string            `json:"prNumber"`
	InstallationID    string            `json:"installationId"`
	PRState           PRState           `json:"prState"`
	Status            AnalysisStatus    `json:"status"`
	StartedAt         time.Time         `json:"startedAt"`
	CompletedAt       *time.Time        `json:"completedAt,omitempty"`
	ReviewCompletedAt *time.Time        `json:"reviewCompletedAt,omitempty"`
	SummaryReceivedAt *time.Time        `json:"summaryReceivedAt,omitempty"`
	Summary           string            `json:"summary,omitempty"`
	ReviewModelInfo   RawJSON           `json:"prReviewModelInfo,omitempty"`
	ReviewUsageInfo   RawJSON           `json:"prReviewUsageInfo,omitempty"`
	SummaryModelInfo  RawJSON           `json:"prSummaryModelInfo,omitempty"`
	SummaryUsageInfo  RawJSON           `json:"prSummaryUsageInfo,omitempty"`
	EstimatedEffort   *int              `json:"estimatedCodeReviewEffort,omitempty"`
	PotentialIssues   *int              `json:"potentialIssueCount,omitempty"`
	Comments          []AnalysisComment `json:"comments,omitempty"`
}

// AnalysisComment is one line-level finding.
type AnalysisComment struct {
	ID                   string   `json:"id"`
	AnalysisID           string   `json:"pullRequestAnalysisId"`
	PullRequestID        string   `json:"pullRequest"`
	RepositorySlug       string   `json:"repositorySlug"`
	WorkspaceSlug        string   `json:"workspace"`
	FilePath             string   `json:"filePath"`
	LineStart            int      `json:"lineStart"`
	LineEnd              *int     `json:"lineEnd,omitempty"`
	Content              string   `json:"content"`
	CodeSnippet          string   `json:"codeSnippet,omitempty"`
	CodeSnippetLineStart *int     `json:"codeSnippetLineStart,omitempty"`
	Severity             Severity `json:"severity"`
	Category             string   `json:"category"`
	Metadata             RawJSON  `json:"metadata,omitempty"`
}

// AnchorLine is the line a provider comment is attached to.
func (c AnalysisComment) AnchorLine() int {
	if c.LineEnd != nil && *c.LineEnd > 0 {
		return *c.LineEnd
	}
	return c.LineStart
}

// Credential is an access credential for one provider account.
type Credential struct {
	AccessToken    string
	RefreshToken   string
	ExpiresAt      time.Time
	InstallationID string
}

// ExpiresWithin reports whether the credential is missing or expires within d.
func (c Credential) ExpiresWithin(now time.Time, d time.Duration) bool {
	if c.AccessToken == "" {
		return true
	}
	if c.ExpiresAt.IsZero() {
		return false
	}
	return c.ExpiresAt.Before(now.Add(d))
}
