package bitbucket

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	coreprocessor "github.com/pullsight/internal/core_processor"
)

// Event keys carried in the X-Event-Key header.
const (
	EventCreated  = "pullrequest:created"
	EventUpdated  = "pullrequest:updated"
	EventMerged   = "pullrequest:fulfilled"
	EventDeclined = "pullrequest:rejected"
)

var eventKinds = map[string]coreprocessor.EventKind{
	EventCreated:  coreprocessor.EventCreated,
	EventUpdated:  coreprocessor.EventUpdated,
	EventMerged:   coreprocessor.EventMerged,
	EventDeclined: coreprocessor.EventDeclined,
}

var prStates = map[string]coreprocessor.PRState{
	"OPEN":       coreprocessor.PRStateOpen,
	"MERGED":     coreprocessor.PRStateMerged,
	"DECLINED":   coreprocessor.PRStateDeclined,
	"SUPERSEDED": coreprocessor.PRStateSuperseded,
}

// ParseWebhook decodes a Bitbucket webhook body.
func ParseWebhook(body []byte) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse Bitbucket webhook: %w", err)
	}
	return &payload, nil
}

// Kind maps the event key to a pipeline event kind.
func (p *WebhookPayload) Kind(eventKey string) (coreprocessor.EventKind, bool) {
	if p.PullRequest == nil {
		return "", false
	}
	kind, ok := eventKinds[eventKey]
	return kind, ok
}

// WorkspaceSlug is the first segment of the repository full name.
func (p *WebhookPayload) WorkspaceSlug() string {
	if p.Repository.Workspace.Slug != "" {
		return p.Repository.Workspace.Slug
	}
	if ws, _, ok := strings.Cut(p.Repository.FullName, "/"); ok && ws != "" {
		return ws
	}
	return coreprocessor.SentinelUnknown
}

// RepoSlug is the second segment of the repository full name.
func (p *WebhookPayload) RepoSlug() string {
	if _, repo, ok := strings.Cut(p.Repository.FullName, "/"); ok && repo != "" {
		return repo
	}
	return p.Repository.Name
}

// Subject returns the repository slug, owner username and actor uuid used by
// the applicability lookup.
func (p *WebhookPayload) Subject() (repoSlug, owner, actorID string) {
	owner = p.Repository.Owner.Username
	if owner == "" {
		owner = p.WorkspaceSlug()
	}
	return p.RepoSlug(), owner, p.Actor.UUID
}

// Key identifies the pull request the delivery is about.
func (p *WebhookPayload) Key() coreprocessor.PRKey {
	number := ""
	if p.PullRequest != nil {
		number = strconv.Itoa(p.PullRequest.ID)
	}
	return coreprocessor.PRKey{
		Provider: coreprocessor.ProviderBitbucket,
		Owner:    p.WorkspaceSlug(),
		Repo:     p.RepoSlug(),
		Number:   number,
	}
}

// Meta maps the payload onto the provider-independent pull request fields.
// Bitbucket has no app installation, so the integration sentinel is used.
func (p *WebhookPayload) Meta() coreprocessor.PullRequestMeta {
	meta := coreprocessor.PullRequestMeta{
		Ref:            coreprocessor.PRRef{PRKey: p.Key()},
		InstallationID: coreprocessor.SentinelBitbucketInstallation,
		RepoFullName:   p.Repository.FullName,
		State:          coreprocessor.PRStateOpen,
	}
	pr := p.PullRequest
	if pr == nil {
		return meta
	}

	meta.Ref.HeadBranch = orUnknown(pr.Source.Branch.Name)
	meta.Ref.HeadSHA = orUnknown(pr.Source.Commit.Hash)
	meta.Ref.BaseBranch = orUnknown(pr.Destination.Branch.Name)
	meta.Ref.BaseSHA = orUnknown(pr.Destination.Commit.Hash)
	meta.ProviderPRID = strconv.Itoa(pr.ID)
	meta.Title = pr.Title
	meta.Body = pr.Description
	meta.URL = pr.Links.HTML.Href
	meta.AuthorLogin = authorName(pr.Author)
	meta.AuthorAvatar = pr.Author.Links.Avatar.Href
	meta.CreatedAt = pr.CreatedOn
	meta.UpdatedAt = pr.UpdatedOn
	if state, ok := prStates[strings.ToUpper(pr.State)]; ok {
		meta.State = state
	}
	switch meta.State {
	case coreprocessor.PRStateMerged:
		meta.MergedAt = pr.UpdatedOn
		meta.ClosedAt = pr.UpdatedOn
	case coreprocessor.PRStateDeclined, coreprocessor.PRStateSuperseded:
		meta.ClosedAt = pr.UpdatedOn
	}
	return meta
}

func authorName(u User) string {
	for _, name := range []string{u.Username, u.Nickname, u.DisplayName} {
		if name != "" {
			return name
		}
	}
	return coreprocessor.SentinelUnknown
}

func orUnknown(s string) string {
	if s == "" {
		return coreprocessor.SentinelUnknown
	}
	return s
}
