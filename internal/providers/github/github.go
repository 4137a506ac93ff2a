package github

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gh "github.com/google/go-github/v68/github"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	coreprocessor "github.com/pullsight/internal/core_processor"
	ghoutput "github.com/pullsight/internal/provider_output/github"
	"github.com/pullsight/internal/providers"
	"github.com/pullsight/internal/retry"
)

const (
	tokenRefreshBuffer = 5 * time.Minute
	defaultMaxFiles    = 10000
	filesPerPage       = 100
)

// Config holds the GitHub App adapter settings.
type Config struct {
	APIURL            string
	AppID             int64
	PrivateKeyPEM     []byte
	RequestsPerSecond float64
	FetchTimeout      time.Duration
	MaxFiles          int
	Retry             retry.RetryConfig
}

// Adapter talks to the GitHub REST API as a GitHub App installation.
type Adapter struct {
	cfg        Config
	httpClient *http.Client
	baseURL    *url.URL
	appKey     *rsa.PrivateKey
	now        func() time.Time
}

// NewAdapter creates the GitHub adapter. The private key is only required
// for minting installation tokens.
func NewAdapter(cfg Config, httpClient *http.Client) (*Adapter, error) {
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
	limited := *httpClient
	limited.Transport = &limitedTransport{base: httpClient.Transport, limiter: rate.NewLimiter(limit, 10)}

	a := &Adapter{cfg: cfg, httpClient: &limited, now: time.Now}

	if cfg.APIURL != "" {
		u, err := url.Parse(strings.TrimRight(cfg.APIURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub API URL %q: %w", cfg.APIURL, err)
		}
		a.baseURL = u
	}
	if len(cfg.PrivateKeyPEM) > 0 {
		key, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to parse GitHub App private key: %w", err)
		}
		a.appKey = key
	}
	return a, nil
}

type limitedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

var _ providers.Adapter = (*Adapter)(nil)

func (a *Adapter) Provider() coreprocessor.Provider {
	return coreprocessor.ProviderGitHub
}

func (a *Adapter) client(token string) *gh.Client {
	c := gh.NewClient(a.httpClient).WithAuthToken(token)
	if a.baseURL != nil {
		c.BaseURL = a.baseURL
	}
	return c
}

func (a *Adapter) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.FetchTimeout > 0 {
		return context.WithTimeout(ctx, a.cfg.FetchTimeout)
	}
	return context.WithCancel(ctx)
}

// classify turns a go-github failure into a retry decision. Rate limiting
// and server errors are retried; other API errors are not.
func classify(resp *gh.Response, err error) error {
	if err == nil {
		return nil
	}
	if resp == nil {
		return err
	}
	code := resp.StatusCode
	if code == http.StatusTooManyRequests || code >= 500 {
		return fmt.Errorf("status %d: %w", code, err)
	}
	return retry.Permanent(err)
}

func prNumber(ref coreprocessor.PRRef) (int, error) {
	n, err := strconv.Atoi(ref.Number)
	if err != nil {
		return 0, fmt.Errorf("invalid GitHub pull request number %q: %w", ref.Number, err)
	}
	return n, nil
}

// ListChangedFiles pages through the pull request files 100 at a time.
func (a *Adapter) ListChangedFiles(ctx context.Context, cred coreprocessor.Credential, ref coreprocessor.PRRef) ([]coreprocessor.FileDiffStat, error) {
	number, err := prNumber(ref)
	if err != nil {
		return nil, err
	}
	client := a.client(cred.AccessToken)
	opts := &gh.ListOptions{PerPage: filesPerPage}
	var files []coreprocessor.FileDiffStat

	for {
		var page []*gh.CommitFile
		var resp *gh.Response
		result := retry.Do(ctx, a.cfg.Retry, log.Logger, func(ctx context.Context) error {
			cctx, cancel := a.callContext(ctx)
			defer cancel()
			var err error
			page, resp, err = client.PullRequests.ListFiles(cctx, ref.Owner, ref.Repo, number, opts)
			return classify(resp, err)
		})
		if !result.Success {
			if opts.Page <= 1 {
				return nil, fmt.Errorf("failed to list files for %s: %w", ref.PRKey, result.LastError)
			}
			log.Warn().Err(result.LastError).Str("pr", ref.PRKey.String()).Int("page", opts.Page).Int("files", len(files)).Msg("file listing page failed, using partial file list")
			break
		}

		for _, f := range page {
			files = append(files, toFileDiffStat(f))
		}
		if len(files) >= a.cfg.MaxFiles {
			if len(files) > a.cfg.MaxFiles || resp.NextPage != 0 {
				log.Warn().Str("pr", ref.PRKey.String()).Int("limit", a.cfg.MaxFiles).Msg("too many files in pull request, listing truncated")
			}
			files = files[:a.cfg.MaxFiles]
			break
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return files, nil
}

func toFileDiffStat(f *gh.CommitFile) coreprocessor.FileDiffStat {
	stat := coreprocessor.FileDiffStat{
		Path:      f.GetFilename(),
		Additions: f.GetAdditions(),
		Deletions: f.GetDeletions(),
		Changes:   f.GetChanges(),
		BlobURL:   f.GetBlobURL(),
	}
	switch f.GetStatus() {
	case "added", "copied":
		stat.Status = coreprocessor.FileAdded
	case "removed":
		stat.Status = coreprocessor.FileRemoved
	case "renamed":
		stat.Status = coreprocessor.FileRenamed
		stat.OldPath = f.GetPreviousFilename()
	default:
		stat.Status = coreprocessor.FileModified
	}
	return stat
}

// FetchRawDiff downloads the unified diff of the whole pull request. GitHub
// answers 406 when a diff is too large to render; that is reported as no diff.
func (a *Adapter) FetchRawDiff(ctx context.Context, cred coreprocessor.Credential, ref coreprocessor.PRRef) (string, bool, error) {
	number, err := prNumber(ref)
	if err != nil {
		return "", false, err
	}
	cctx, cancel := a.callContext(ctx)
	defer cancel()

	raw, resp, err := a.client(cred.AccessToken).PullRequests.GetRaw(cctx, ref.Owner, ref.Repo, number, gh.RawOptions{Type: gh.Diff})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotAcceptable {
			log.Warn().Str("pr", ref.PRKey.String()).Msg("GitHub declined to render the diff")
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to fetch PR diff: %w", err)
	}
	if raw == "" {
		return "", false, nil
	}
	return raw, true, nil
}

// FetchFileContent reads path at the base or head commit.
func (a *Adapter) FetchFileContent(ctx context.Context, cred coreprocessor.Credential, ref coreprocessor.PRRef, path string, side coreprocessor.Side) (string, bool) {
	at := ref.HeadSHA
	if side == coreprocessor.SideBase {
		at = ref.BaseSHA
	}
	if at == "" || at == coreprocessor.SentinelUnknown {
		return "", false
	}
	cctx, cancel := a.callContext(ctx)
	defer cancel()

	file, _, _, err := a.client(cred.AccessToken).Repositories.GetContents(cctx, ref.Owner, ref.Repo, path, &gh.RepositoryContentGetOptions{Ref: at})
	if err != nil || file == nil {
		log.Debug().Err(err).Str("path", path).Str("side", side.String()).Msg("file content unavailable")
		return "", false
	}
	content, err := file.GetContent()
	if err != nil {
		log.Debug().Err(err).Str("path", path).Msg("failed to decode file content")
		return "", false
	}
	return content, true
}

func (a *Adapter) PostReviewComments(ctx context.Context, cred coreprocessor.Credential, ref coreprocessor.PRRef, comments []coreprocessor.AnalysisComment) (coreprocessor.RawJSON, error) {
	return ghoutput.NewAPIClient(a.client(cred.AccessToken)).PostReviewComments(ctx, ref, comments)
}

func (a *Adapter) PostSummaryComment(ctx context.Context, cred coreprocessor.Credential, ref coreprocessor.PRRef, text string) (coreprocessor.RawJSON, error) {
	return ghoutput.NewAPIClient(a.client(cred.AccessToken)).PostSummaryComment(ctx, ref, text)
}

// EnsureFreshToken mints an installation access token when the cached one is
// missing or expires within five minutes.
func (a *Adapter) EnsureFreshToken(ctx context.Context, cred coreprocessor.Credential) (coreprocessor.Credential, bool, error) {
	now := a.now()
	if !cred.ExpiresWithin(now, tokenRefreshBuffer) {
		return cred, false, nil
	}

	installationID, err := strconv.ParseInt(cred.InstallationID, 10, 64)
	if err != nil {
		if cred.AccessToken != "" {
			return cred, false, nil
		}
		return cred, false, fmt.Errorf("no GitHub installation id for token exchange: %q", cred.InstallationID)
	}

	appToken, err := a.appJWT(now)
	if err != nil {
		return cred, false, err
	}
	tok, _, err := a.client(appToken).Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return cred, false, fmt.Errorf("failed to create installation token for %d: %w", installationID, err)
	}

	fresh := cred
	fresh.AccessToken = tok.GetToken()
	fresh.ExpiresAt = tok.GetExpiresAt().Time
	log.Info().Int64("installation_id", installationID).Time("expires_at", fresh.ExpiresAt).Msg("minted GitHub installation token")
	return fresh, true, nil
}

func (a *Adapter) appJWT(now time.Time) (string, error) {
	if a.appKey == nil || a.cfg.AppID == 0 {
		return "", errors.New("GitHub App id and private key are required")
	}
	claims := jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(a.cfg.AppID, 10),
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.appKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign GitHub App JWT: %w", err)
	}
	return signed, nil
}
