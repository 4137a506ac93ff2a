package github

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreprocessor "github.com/pullsight/internal/core_processor"
)

const pullRequestBody = `{
  "action": "%s",
  "number": 42,
  "pull_request": {
    "id": 1234567,
    "number": 42,
    "title": "Add widgets",
    "body": "Adds the widget registry",
    "state": "%s",
    "merged": %t,
    "html_url": "https://github.com/acme/widgets/pull/42",
    "created_at": "2024-01-01T00:00:00Z",
    "updated_at": "2024-01-02T00:00:00Z",
    "closed_at": null,
    "merged_at": null,
    "head": {"ref": "feature", "sha": "abc123"},
    "base": {"ref": "main", "sha": "def456"},
    "user": {"id": 7, "login": "octo", "avatar_url": "https://avatars/octo"}
  },
  "repository": {"id": 99, "name": "widgets", "full_name": "acme/widgets", "owner": {"id": 5, "login": "acme"}},
  "sender": {"id": 7, "login": "octo"},
  "installation": {"id": 555}
}`

func parse(t *testing.T, action, state string, merged bool) *WebhookPayload {
	t.Helper()
	p, err := ParseWebhook([]byte(fmt.Sprintf(pullRequestBody, action, state, merged)))
	require.NoError(t, err)
	return p
}

func TestKind(t *testing.T) {
	cases := []struct {
		action string
		state  string
		merged bool
		want   coreprocessor.EventKind
		ok     bool
	}{
		{"opened", "open", false, coreprocessor.EventCreated, true},
		{"synchronize", "open", false, coreprocessor.EventUpdated, true},
		{"edited", "open", false, coreprocessor.EventUpdated, true},
		{"closed", "closed", true, coreprocessor.EventMerged, true},
		{"closed", "closed", false, coreprocessor.EventDeclined, true},
		{"labeled", "open", false, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.action, func(t *testing.T) {
			kind, ok := parse(t, tc.action, tc.state, tc.merged).Kind(EventPullRequest)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, kind)
		})
	}

	_, ok := parse(t, "opened", "open", false).Kind("issues")
	assert.False(t, ok)
}

func TestMetaAndSubject(t *testing.T) {
	p := parse(t, "opened", "open", false)
	meta := p.Meta()

	assert.Equal(t, coreprocessor.PRKey{Provider: coreprocessor.ProviderGitHub, Owner: "acme", Repo: "widgets", Number: "42"}, meta.Ref.PRKey)
	assert.Equal(t, "feature", meta.Ref.HeadBranch)
	assert.Equal(t, "abc123", meta.Ref.HeadSHA)
	assert.Equal(t, "def456", meta.Ref.BaseSHA)
	assert.Equal(t, "1234567", meta.ProviderPRID)
	assert.Equal(t, "555", meta.InstallationID)
	assert.Equal(t, "octo", meta.AuthorLogin)
	assert.Equal(t, coreprocessor.PRStateOpen, meta.State)

	repo, owner, actor := p.Subject()
	assert.Equal(t, "widgets", repo)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "7", actor)

	assert.Equal(t, coreprocessor.PRStateMerged, parse(t, "closed", "closed", true).Meta().State)
}

func TestInstallation(t *testing.T) {
	p, err := ParseWebhook([]byte(`{"action":"deleted","installation":{"id":9,"account":{"login":"acme"}},"sender":{"id":1}}`))
	require.NoError(t, err)
	assert.True(t, p.IsInstallationDeleted(EventInstallation))
	assert.False(t, p.IsInstallationDeleted(EventPullRequest))
	assert.Equal(t, "acme", p.InstallationAccount())
	assert.Equal(t, "9", p.InstallationID())

	p, err = ParseWebhook([]byte(`{"action":"opened"}`))
	require.NoError(t, err)
	assert.Equal(t, coreprocessor.SentinelGitHubInstallation, p.InstallationID())
}

func TestParseWebhook_Invalid(t *testing.T) {
	_, err := ParseWebhook([]byte(`{not json`))
	assert.Error(t, err)
}
