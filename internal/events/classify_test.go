package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreprocessor "github.com/pullsight/internal/core_processor"
)

const githubOpened = `{"action":"opened","number":42,
 "pull_request":{"id":1,"number":42,"title":"t","state":"open","head":{"ref":"f","sha":"h"},"base":{"ref":"main","sha":"b"},"user":{"id":7,"login":"octo"}},
 "repository":{"name":"widgets","full_name":"acme/widgets","owner":{"login":"acme"}},
 "sender":{"id":7,"login":"octo"}}`

const githubClosedMerged = `{"action":"closed","number":42,
 "pull_request":{"id":1,"number":42,"state":"closed","merged":true},
 "repository":{"name":"widgets","owner":{"login":"acme"}},"sender":{"id":7}}`

const bitbucketUpdated = `{"actor":{"uuid":"{u}"},"repository":{"full_name":"team/widgets","owner":{"username":"team"}},
 "pullrequest":{"id":3,"state":"OPEN","source":{"branch":{"name":"f"},"commit":{"hash":"h"}},"destination":{"branch":{"name":"main"},"commit":{"hash":"b"}}}}`

func decode(t *testing.T, p coreprocessor.Provider, name, body string) ProviderEvent {
	t.Helper()
	ev, err := Decode(p, name, []byte(body))
	require.NoError(t, err)
	return ev
}

func TestDecode(t *testing.T) {
	ev := decode(t, coreprocessor.ProviderGitHub, "pull_request", githubOpened)
	assert.Equal(t, coreprocessor.ProviderGitHub, ev.Provider())
	assert.Equal(t, "pull_request", ev.Name())

	ev = decode(t, coreprocessor.ProviderBitbucket, "pullrequest:updated", bitbucketUpdated)
	assert.Equal(t, coreprocessor.ProviderBitbucket, ev.Provider())

	_, err := Decode("gitlab", "x", []byte(`{}`))
	assert.Error(t, err)
	_, err = Decode(coreprocessor.ProviderGitHub, "pull_request", []byte(`nope`))
	assert.Error(t, err)
}

func TestSubjectOf(t *testing.T) {
	s, ok := SubjectOf(decode(t, coreprocessor.ProviderGitHub, "pull_request", githubOpened))
	require.True(t, ok)
	assert.Equal(t, Subject{RepositorySlug: "widgets", OwnerLogin: "acme", Provider: coreprocessor.ProviderGitHub, ActorID: "7"}, s)

	s, ok = SubjectOf(decode(t, coreprocessor.ProviderBitbucket, "pullrequest:updated", bitbucketUpdated))
	require.True(t, ok)
	assert.Equal(t, Subject{RepositorySlug: "widgets", OwnerLogin: "team", Provider: coreprocessor.ProviderBitbucket, ActorID: "{u}"}, s)

	_, ok = SubjectOf(decode(t, coreprocessor.ProviderGitHub, "installation", `{"action":"deleted","installation":{"id":1}}`))
	assert.False(t, ok)
}

func TestClassify(t *testing.T) {
	opened := decode(t, coreprocessor.ProviderGitHub, "pull_request", githubOpened)

	out := Classify(opened, true)
	app, ok := out.(Applicable)
	require.True(t, ok, "got %T", out)
	assert.Equal(t, coreprocessor.EventCreated, app.Kind)
	assert.Equal(t, "42", app.Meta.Ref.Number)
	assert.Equal(t, "h", app.Meta.Ref.HeadSHA)
	assert.Equal(t, "acme", app.Subject.OwnerLogin)

	assert.Equal(t, NotApplicable{Reason: ReasonNotOnboarded}, Classify(opened, false))

	merged := Classify(decode(t, coreprocessor.ProviderGitHub, "pull_request", githubClosedMerged), true)
	assert.Equal(t, Terminal{Update: PRStateChange{
		Key:  coreprocessor.PRKey{Provider: coreprocessor.ProviderGitHub, Owner: "acme", Repo: "widgets", Number: "42"},
		Kind: coreprocessor.EventMerged,
	}}, merged)

	mergedByOutsider := Classify(decode(t, coreprocessor.ProviderGitHub, "pull_request", githubClosedMerged), false)
	assert.Equal(t, merged, mergedByOutsider)

	declined := Classify(decode(t, coreprocessor.ProviderBitbucket, "pullrequest:rejected", bitbucketUpdated), false)
	change := declined.(Terminal).Update.(PRStateChange)
	assert.Equal(t, coreprocessor.EventDeclined, change.Kind)
	assert.Equal(t, "team", change.Key.Owner)

	uninstall := Classify(decode(t, coreprocessor.ProviderGitHub, "installation", `{"action":"deleted","installation":{"id":77,"account":{"login":"acme"}}}`), false)
	assert.Equal(t, Terminal{Update: InstallationRemoved{Provider: coreprocessor.ProviderGitHub, InstallationID: "77", Account: "acme"}}, uninstall)

	labeled := decode(t, coreprocessor.ProviderGitHub, "pull_request", `{"action":"labeled","pull_request":{"number":1}}`)
	assert.Equal(t, NotApplicable{Reason: ReasonUnsupportedEvent}, Classify(labeled, true))

	comment := decode(t, coreprocessor.ProviderBitbucket, "pullrequest:comment_created", bitbucketUpdated)
	assert.Equal(t, NotApplicable{Reason: ReasonUnsupportedEvent}, Classify(comment, true))
}
