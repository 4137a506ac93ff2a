package bitbucket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	coreprocessor "github.com/pullsight/internal/core_processor"
	bboutput "github.com/pullsight/internal/provider_output/bitbucket"
	"github.com/pullsight/internal/providers"
	"github.com/pullsight/internal/retry"
)

const (
	DefaultTokenURL = "https://bitbucket.org/site/oauth2/access_token"

	tokenRefreshBuffer = 5 * time.Minute
	defaultExpiresIn   = 7200
	defaultMaxFiles    = 10000
)

// Config holds the Bitbucket adapter settings.
type Config struct {
	APIURL            string
	TokenURL          string
	ClientID          string
	ClientSecret      string
	RequestsPerSecond float64
	FetchTimeout      time.Duration
	MaxFiles          int
	Retry             retry.RetryConfig
}

// Adapter talks to Bitbucket Cloud REST API 2.0 with workspace OAuth tokens.
type Adapter struct {
	cfg         Config
	httpClient  *http.Client
	RateLimiter *rate.Limiter
	output      *bboutput.APIClient
	now         func() time.Time
}

// NewAdapter creates the Bitbucket adapter. A nil httpClient selects a
// client with a 30s timeout.
func NewAdapter(cfg Config, httpClient *http.Client) *Adapter {
	if cfg.APIURL == "" {
		cfg.APIURL = bboutput.DefaultBaseURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = defaultMaxFiles
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry = retry.ProviderFetchConfig()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Adapter{
		cfg:         cfg,
		httpClient:  httpClient,
		RateLimiter: rate.NewLimiter(limit, 5),
		output:      bboutput.NewAPIClient(cfg.APIURL, httpClient),
		now:         time.Now,
	}
}

var _ providers.Adapter = (*Adapter)(nil)

func (a *Adapter) Provider() coreprocessor.Provider {
	return coreprocessor.ProviderBitbucket
}

type diffStatFile struct {
	Path  string `json:"path"`
	Links struct {
		Self struct {
			Href string `json:"href"`
		} `json:"self"`
	} `json:"links"`
}

type diffStatEntry struct {
	Status       string        `json:"status"`
	LinesAdded   int           `json:"lines_added"`
	LinesRemoved int           `json:"lines_removed"`
	Old          *diffStatFile `json:"old"`
	New          *diffStatFile `json:"new"`
}

type diffStatPage struct {
	Values []diffStatEntry `json:"values"`
	Next   string          `json:"next"`
}

// ListChangedFiles walks the diffstat pages. A failure on the first page is
// returned; a failure on a later page ends the walk with what was collected.
func (a *Adapter) ListChangedFiles(ctx context.Context, cred coreprocessor.Credential, ref coreprocessor.PRRef) ([]coreprocessor.FileDiffStat, error) {
	nextURL := fmt.Sprintf("%s/repositories/%s/%s/pullrequests/%s/diffstat", a.cfg.APIURL, ref.Owner, ref.Repo, ref.Number)
	var files []coreprocessor.FileDiffStat

	for page := 1; nextURL != ""; page++ {
		var body []byte
		result := retry.Do(ctx, a.cfg.Retry, log.Logger, func(ctx context.Context) error {
			var err error
			body, err = a.get(ctx, cred.AccessToken, nextURL, "application/json")
			return err
		})
		if !result.Success {
			if page == 1 {
				return nil, fmt.Errorf("failed to fetch diffstat for %s: %w", ref.PRKey, result.LastError)
			}
			log.Warn().Err(result.LastError).Str("pr", ref.PRKey.String()).Int("page", page).Int("files", len(files)).Msg("diffstat page failed, using partial file list")
			break
		}

		var resp diffStatPage
		if err := json.Unmarshal(body, &resp); err != nil {
			if page == 1 {
				return nil, fmt.Errorf("failed to decode diffstat for %s: %w", ref.PRKey, err)
			}
			log.Warn().Err(err).Str("pr", ref.PRKey.String()).Int("page", page).Msg("undecodable diffstat page, using partial file list")
			break
		}
		for _, entry := range resp.Values {
			files = append(files, toFileDiffStat(entry))
		}

		if len(files) >= a.cfg.MaxFiles {
			if len(files) > a.cfg.MaxFiles || resp.Next != "" {
				log.Warn().Str("pr", ref.PRKey.String()).Int("limit", a.cfg.MaxFiles).Msg("too many files in pull request, listing truncated")
			}
			files = files[:a.cfg.MaxFiles]
			break
		}
		nextURL = resp.Next
	}
	return files, nil
}

func toFileDiffStat(e diffStatEntry) coreprocessor.FileDiffStat {
	stat := coreprocessor.FileDiffStat{
		Status:    fileStatus(e.Status),
		Additions: e.LinesAdded,
		Deletions: e.LinesRemoved,
		Changes:   e.LinesAdded + e.LinesRemoved,
	}
	switch {
	case e.New != nil:
		stat.Path = e.New.Path
		stat.BlobURL = e.New.Links.Self.Href
		if e.Old != nil && e.Old.Path != e.New.Path {
			stat.OldPath = e.Old.Path
		}
	case e.Old != nil:
		stat.Path = e.Old.Path
		stat.BlobURL = e.Old.Links.Self.Href
	}
	return stat
}

func fileStatus(s string) coreprocessor.FileStatus {
	switch s {
	case "added":
		return coreprocessor.FileAdded
	case "removed":
		return coreprocessor.FileRemoved
	case "renamed":
		return coreprocessor.FileRenamed
	default:
		return coreprocessor.FileModified
	}
}

// FetchRawDiff downloads the full pull request diff once.
func (a *Adapter) FetchRawDiff(ctx context.Context, cred coreprocessor.Credential, ref coreprocessor.PRRef) (string, bool, error) {
	apiURL := fmt.Sprintf("%s/repositories/%s/%s/pullrequests/%s/diff", a.cfg.APIURL, ref.Owner, ref.Repo, ref.Number)
	body, err := a.get(ctx, cred.AccessToken, apiURL, "text/plain")
	if err != nil {
		return "", false, fmt.Errorf("failed to fetch PR diff: %w", err)
	}
	if len(body) == 0 {
		return "", false, nil
	}
	return string(body), true, nil
}

// FetchFileContent resolves the branch tip for side and reads path at that
// commit. The snapshot SHA is used when the branch name is unknown.
func (a *Adapter) FetchFileContent(ctx context.Context, cred coreprocessor.Credential, ref coreprocessor.PRRef, path string, side coreprocessor.Side) (string, bool) {
	if path == "" {
		return "", false
	}
	branch, sha := ref.HeadBranch, ref.HeadSHA
	if side == coreprocessor.SideBase {
		branch, sha = ref.BaseBranch, ref.BaseSHA
	}

	commit, err := a.branchTip(ctx, cred.AccessToken, ref, branch)
	if err != nil || commit == "" {
		if sha == "" || sha == coreprocessor.SentinelUnknown {
			log.Debug().Err(err).Str("branch", branch).Msg("could not resolve branch tip")
			return "", false
		}
		commit = sha
	}

	apiURL := fmt.Sprintf("%s/repositories/%s/%s/src/%s/%s", a.cfg.APIURL, ref.Owner, ref.Repo, commit, escapePath(path))
	body, err := a.get(ctx, cred.AccessToken, apiURL, "text/plain")
	if err != nil {
		log.Debug().Err(err).Str("path", path).Str("side", side.String()).Msg("file content unavailable")
		return "", false
	}
	return string(body), true
}

func (a *Adapter) branchTip(ctx context.Context, token string, ref coreprocessor.PRRef, branch string) (string, error) {
	if branch == "" || branch == coreprocessor.SentinelUnknown {
		return "", errors.New("branch unknown")
	}
	apiURL := fmt.Sprintf("%s/repositories/%s/%s/refs/branches/%s", a.cfg.APIURL, ref.Owner, ref.Repo, url.PathEscape(branch))
	body, err := a.get(ctx, token, apiURL, "application/json")
	if err != nil {
		return "", err
	}
	var info struct {
		Target struct {
			Hash string `json:"hash"`
		} `json:"target"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", fmt.Errorf("failed to decode branch info: %w", err)
	}
	return info.Target.Hash, nil
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func (a *Adapter) PostReviewComments(ctx context.Context, cred coreprocessor.Credential, ref coreprocessor.PRRef, comments []coreprocessor.AnalysisComment) (coreprocessor.RawJSON, error) {
	return a.output.PostReviewComments(ctx, cred.AccessToken, ref, comments)
}

func (a *Adapter) PostSummaryComment(ctx context.Context, cred coreprocessor.Credential, ref coreprocessor.PRRef, text string) (coreprocessor.RawJSON, error) {
	return a.output.PostSummaryComment(ctx, cred.AccessToken, ref, text)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// EnsureFreshToken refreshes the workspace OAuth token when it expires within
// five minutes and a refresh token is available.
func (a *Adapter) EnsureFreshToken(ctx context.Context, cred coreprocessor.Credential) (coreprocessor.Credential, bool, error) {
	now := a.now()
	if cred.AccessToken != "" && !cred.ExpiresWithin(now, tokenRefreshBuffer) {
		return cred, false, nil
	}
	if cred.RefreshToken == "" {
		if cred.AccessToken == "" {
			return cred, false, errors.New("no bitbucket access token available")
		}
		return cred, false, nil
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", cred.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return cred, false, fmt.Errorf("failed to create token request: %w", err)
	}
	req.SetBasicAuth(a.cfg.ClientID, a.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return cred, false, fmt.Errorf("failed to refresh access token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cred, false, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return cred, false, fmt.Errorf("token refresh failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return cred, false, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return cred, false, errors.New("token refresh returned no access token")
	}
	if tok.ExpiresIn <= 0 {
		tok.ExpiresIn = defaultExpiresIn
	}

	fresh := cred
	fresh.AccessToken = tok.AccessToken
	fresh.ExpiresAt = now.Add(time.Duration(tok.ExpiresIn) * time.Second)
	if tok.RefreshToken != "" {
		fresh.RefreshToken = tok.RefreshToken
	}
	log.Info().Time("expires_at", fresh.ExpiresAt).Msg("refreshed Bitbucket access token")
	return fresh, true, nil
}

func (a *Adapter) get(ctx context.Context, token, apiURL, accept string) ([]byte, error) {
	if token == "" {
		return nil, retry.Permanent(errors.New("bitbucket credentials missing"))
	}
	if err := a.RateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	if a.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.FetchTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", accept)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
