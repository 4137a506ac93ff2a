package core_processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/pullsight/internal/diff"
)

// ErrSnapshotAborted marks a top-level fetch failure that leaves the event
// without usable data.
var ErrSnapshotAborted = errors.New("snapshot build aborted")

// Side selects which version of a file to fetch.
type Side int

const (
	SideBase Side = iota
	SideHead
)

func (s Side) String() string {
	if s == SideBase {
		return "base"
	}
	return "head"
}

// SnapshotSource is the fetch half of a provider adapter.
//
// FetchRawDiff reports ok=false when the provider has no diff for the PR;
// a non-nil error means the provider could not be reached. FetchFileContent
// never fails: any problem is reported as ok=false.
type SnapshotSource interface {
	ListChangedFiles(ctx context.Context, cred Credential, ref PRRef) ([]FileDiffStat, error)
	FetchRawDiff(ctx context.Context, cred Credential, ref PRRef) (string, bool, error)
	FetchFileContent(ctx context.Context, cred Credential, ref PRRef, path string, side Side) (string, bool)
}

var missingContent = map[Provider][2]string{
	ProviderGitHub:    {"File not found in base branch", "File not found in head branch"},
	ProviderBitbucket: {"File not found in destination branch", "File not found in source branch"},
}

// MissingContentText is stored in place of file content that could not be fetched.
func MissingContentText(p Provider, side Side) string {
	if texts, ok := missingContent[p]; ok {
		return texts[side]
	}
	return fmt.Sprintf("File not found in %s branch", side)
}

// SnapshotBuilder assembles a StructuredPullRequest from provider API calls.
type SnapshotBuilder struct {
	fileConcurrency int
	timeout         time.Duration
}

// NewSnapshotBuilder creates a builder. fileConcurrency bounds parallel
// per-file content fetches; timeout caps one whole build (0 disables it).
func NewSnapshotBuilder(fileConcurrency int, timeout time.Duration) *SnapshotBuilder {
	if fileConcurrency < 1 {
		fileConcurrency = 1
	}
	return &SnapshotBuilder{fileConcurrency: fileConcurrency, timeout: timeout}
}

// Build fetches the file list and the raw diff once, then both versions of
// every file, and returns the assembled snapshot.
func (b *SnapshotBuilder) Build(ctx context.Context, src SnapshotSource, cred Credential, meta PullRequestMeta) (*StructuredPullRequest, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	ref := meta.Ref

	stats, err := src.ListChangedFiles(ctx, cred, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: list changed files for %s: %v", ErrSnapshotAborted, ref.PRKey, err)
	}

	rawDiff, hasDiff, err := src.FetchRawDiff(ctx, cred, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch diff for %s: %v", ErrSnapshotAborted, ref.PRKey, err)
	}
	if !hasDiff {
		log.Warn().Str("pr", ref.PRKey.String()).Msg("provider returned no diff; files stored without hunks")
	}

	files := make([]PRFile, len(stats))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.fileConcurrency)
	for i, stat := range stats {
		g.Go(func() error {
			files[i] = b.buildFile(gctx, src, cred, ref, stat, rawDiff, hasDiff)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSnapshotAborted, ref.PRKey, err)
	}

	pr := snapshotFromMeta(meta)
	pr.Files = files
	pr.FilesChanged = len(files)
	for _, f := range files {
		pr.TotalAdditions += f.Additions
		pr.TotalDeletions += f.Deletions
	}

	log.Debug().
		Str("pr", ref.PRKey.String()).
		Int("files", pr.FilesChanged).
		Int("additions", pr.TotalAdditions).
		Int("deletions", pr.TotalDeletions).
		Msg("snapshot built")
	return pr, nil
}

func (b *SnapshotBuilder) buildFile(ctx context.Context, src SnapshotSource, cred Credential, ref PRRef, stat FileDiffStat, rawDiff string, hasDiff bool) PRFile {
	file := PRFile{
		Path:      stat.Path,
		Status:    stat.Status,
		Additions: stat.Additions,
		Deletions: stat.Deletions,
		Changes:   stat.Changes,
		BlobURL:   stat.BlobURL,
		Hunks:     []string{},
	}

	basePath := stat.Path
	if stat.OldPath != "" {
		basePath = stat.OldPath
	}
	if content, ok := src.FetchFileContent(ctx, cred, ref, basePath, SideBase); ok {
		file.ContentBefore = content
	} else {
		file.ContentBefore = MissingContentText(ref.Provider, SideBase)
	}
	if content, ok := src.FetchFileContent(ctx, cred, ref, stat.Path, SideHead); ok {
		file.ContentAfter = content
	} else {
		file.ContentAfter = MissingContentText(ref.Provider, SideHead)
	}

	switch {
	case !hasDiff:
		file.Diff = SentinelNoDiff
	default:
		text, hunks, ok := diff.FileHunks(rawDiff, stat.Path)
		if !ok {
			file.Diff = SentinelNoFileDiff
			break
		}
		file.Diff = text
		file.Hunks = hunks
	}
	return file
}

func snapshotFromMeta(meta PullRequestMeta) *StructuredPullRequest {
	ref := meta.Ref
	installation := meta.InstallationID
	if installation == "" {
		installation = SentinelUnknown
	}
	state := meta.State
	if state == "" {
		state = PRStateOpen
	}
	return &StructuredPullRequest{
		Provider:       ref.Provider,
		ProviderPRID:   orUnknown(meta.ProviderPRID),
		Author:         orUnknown(meta.AuthorLogin),
		AuthorAvatar:   meta.AuthorAvatar,
		URL:            meta.URL,
		Owner:          orUnknown(ref.Owner),
		Repo:           ref.Repo,
		Number:         ref.Number,
		InstallationID: installation,
		RepoName:       orUnknown(meta.RepoFullName),
		Title:          meta.Title,
		Body:           meta.Body,
		State:          state,
		CreatedAt:      meta.CreatedAt,
		UpdatedAt:      meta.UpdatedAt,
		ClosedAt:       meta.ClosedAt,
		MergedAt:       meta.MergedAt,
		HeadBranch:     orUnknown(ref.HeadBranch),
		BaseBranch:     orUnknown(ref.BaseBranch),
		HeadSHA:        orUnknown(ref.HeadSHA),
		BaseSHA:        orUnknown(ref.BaseSHA),
	}
}

func orUnknown(s string) string {
	if s == "" {
		return SentinelUnknown
	}
	return s
}
