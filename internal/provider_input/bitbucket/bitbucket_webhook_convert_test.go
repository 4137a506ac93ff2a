package bitbucket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreprocessor "github.com/pullsight/internal/core_processor"
)

const fulfilledBody = `{
  "actor": {"uuid": "{actor-uuid}", "username": "jdoe", "display_name": "J Doe"},
  "repository": {
    "name": "Widgets",
    "full_name": "acme-team/widgets",
    "owner": {"username": "acme-team"},
    "workspace": {"slug": "acme-team"}
  },
  "pullrequest": {
    "id": 17,
    "title": "Fix the gizmo",
    "description": "details",
    "state": "MERGED",
    "source": {"branch": {"name": "fix/gizmo"}, "commit": {"hash": "aaa111"}},
    "destination": {"branch": {"name": "main"}, "commit": {"hash": ""}},
    "author": {"nickname": "jd", "links": {"avatar": {"href": "https://avatar/jd"}}},
    "created_on": "2024-03-01T10:00:00+00:00",
    "updated_on": "2024-03-02T10:00:00+00:00",
    "links": {"html": {"href": "https://bitbucket.org/acme-team/widgets/pull-requests/17"}}
  }
}`

func TestKind(t *testing.T) {
	p, err := ParseWebhook([]byte(fulfilledBody))
	require.NoError(t, err)

	for key, want := range map[string]coreprocessor.EventKind{
		EventCreated:  coreprocessor.EventCreated,
		EventUpdated:  coreprocessor.EventUpdated,
		EventMerged:   coreprocessor.EventMerged,
		EventDeclined: coreprocessor.EventDeclined,
	} {
		kind, ok := p.Kind(key)
		assert.True(t, ok, key)
		assert.Equal(t, want, kind)
	}

	_, ok := p.Kind("pullrequest:comment_created")
	assert.False(t, ok)

	empty, err := ParseWebhook([]byte(`{"repository":{"full_name":"a/b"}}`))
	require.NoError(t, err)
	_, ok = empty.Kind(EventCreated)
	assert.False(t, ok)
}

func TestMetaUsesSentinels(t *testing.T) {
	p, err := ParseWebhook([]byte(fulfilledBody))
	require.NoError(t, err)
	meta := p.Meta()

	assert.Equal(t, coreprocessor.PRKey{Provider: coreprocessor.ProviderBitbucket, Owner: "acme-team", Repo: "widgets", Number: "17"}, meta.Ref.PRKey)
	assert.Equal(t, "fix/gizmo", meta.Ref.HeadBranch)
	assert.Equal(t, "aaa111", meta.Ref.HeadSHA)
	assert.Equal(t, coreprocessor.SentinelUnknown, meta.Ref.BaseSHA)
	assert.Equal(t, coreprocessor.SentinelBitbucketInstallation, meta.InstallationID)
	assert.Equal(t, "jd", meta.AuthorLogin)
	assert.Equal(t, coreprocessor.PRStateMerged, meta.State)
	assert.Equal(t, "2024-03-02T10:00:00+00:00", meta.MergedAt)
	assert.Equal(t, "https://bitbucket.org/acme-team/widgets/pull-requests/17", meta.URL)
}

func TestSubject(t *testing.T) {
	p, err := ParseWebhook([]byte(fulfilledBody))
	require.NoError(t, err)
	repo, owner, actor := p.Subject()
	assert.Equal(t, "widgets", repo)
	assert.Equal(t, "acme-team", owner)
	assert.Equal(t, "{actor-uuid}", actor)

	p.Repository.Owner.Username = ""
	p.Repository.Workspace.Slug = ""
	_, owner, _ = p.Subject()
	assert.Equal(t, "acme-team", owner)
}
