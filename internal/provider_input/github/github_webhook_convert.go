package github

import (
	"encoding/json"
	"fmt"
	"strconv"

	coreprocessor "github.com/pullsight/internal/core_processor"
)

// Event names carried in the X-GitHub-Event header.
const (
	EventPullRequest  = "pull_request"
	EventInstallation = "installation"
)

var pullRequestActions = map[string]coreprocessor.EventKind{
	"opened":      coreprocessor.EventCreated,
	"synchronize": coreprocessor.EventUpdated,
	"edited":      coreprocessor.EventUpdated,
	"reopened":    coreprocessor.EventUpdated,
}

// ParseWebhook decodes a GitHub webhook body.
func ParseWebhook(body []byte) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse GitHub webhook: %w", err)
	}
	return &payload, nil
}

// Kind maps the delivery to a pipeline event kind. Closed pull requests are
// merged or declined depending on the merged flag. ok is false for events the
// pipeline does not act on.
func (p *WebhookPayload) Kind(eventName string) (coreprocessor.EventKind, bool) {
	if eventName != EventPullRequest || p.PullRequest == nil {
		return "", false
	}
	if p.Action == "closed" {
		if p.PullRequest.Merged {
			return coreprocessor.EventMerged, true
		}
		return coreprocessor.EventDeclined, true
	}
	kind, ok := pullRequestActions[p.Action]
	return kind, ok
}

// IsInstallationDeleted reports an app uninstall.
func (p *WebhookPayload) IsInstallationDeleted(eventName string) bool {
	return eventName == EventInstallation && p.Action == "deleted"
}

// InstallationID returns the app installation id or the not-provided sentinel.
func (p *WebhookPayload) InstallationID() string {
	if p.Installation == nil || p.Installation.ID == 0 {
		return coreprocessor.SentinelGitHubInstallation
	}
	return strconv.FormatInt(p.Installation.ID, 10)
}

// InstallationAccount is the login of the account the app was installed on.
func (p *WebhookPayload) InstallationAccount() string {
	if p.Installation == nil {
		return ""
	}
	return p.Installation.Account.Login
}

// Subject returns the repository slug, owner login and actor id used by the
// applicability lookup.
func (p *WebhookPayload) Subject() (repoSlug, owner, actorID string) {
	return p.Repository.Name, p.Repository.Owner.Login, strconv.FormatInt(p.Sender.ID, 10)
}

// Key identifies the pull request the delivery is about.
func (p *WebhookPayload) Key() coreprocessor.PRKey {
	number := p.Number
	if number == 0 && p.PullRequest != nil {
		number = p.PullRequest.Number
	}
	return coreprocessor.PRKey{
		Provider: coreprocessor.ProviderGitHub,
		Owner:    p.Repository.Owner.Login,
		Repo:     p.Repository.Name,
		Number:   strconv.Itoa(number),
	}
}

// Meta maps the payload onto the provider-independent pull request fields.
func (p *WebhookPayload) Meta() coreprocessor.PullRequestMeta {
	meta := coreprocessor.PullRequestMeta{
		Ref:            coreprocessor.PRRef{PRKey: p.Key()},
		InstallationID: p.InstallationID(),
		RepoFullName:   p.Repository.FullName,
		State:          coreprocessor.PRStateOpen,
	}
	pr := p.PullRequest
	if pr == nil {
		return meta
	}

	meta.Ref.HeadBranch = pr.Head.Ref
	meta.Ref.HeadSHA = pr.Head.SHA
	meta.Ref.BaseBranch = pr.Base.Ref
	meta.Ref.BaseSHA = pr.Base.SHA
	meta.ProviderPRID = strconv.FormatInt(pr.ID, 10)
	meta.Title = pr.Title
	meta.Body = pr.Body
	meta.URL = pr.HTMLURL
	meta.AuthorLogin = pr.User.Login
	meta.AuthorAvatar = pr.User.AvatarURL
	meta.CreatedAt = pr.CreatedAt
	meta.UpdatedAt = pr.UpdatedAt
	meta.ClosedAt = pr.ClosedAt
	meta.MergedAt = pr.MergedAt
	switch {
	case pr.Merged:
		meta.State = coreprocessor.PRStateMerged
	case pr.State == "closed":
		meta.State = coreprocessor.PRStateDeclined
	}
	return meta
}
