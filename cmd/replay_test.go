package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pullsight/internal/events"
)

func TestReadCapturedEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pull_request.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"action":"opened","number":7,
 "pull_request":{"number":7,"head":{"sha":"h"},"base":{"sha":"b"},"user":{"id":1}},
 "repository":{"name":"widgets","owner":{"login":"acme"}},"sender":{"id":1}}`), 0o644))

	ev, err := readCapturedEvent(" GitHub ", "pull_request", path)
	require.NoError(t, err)
	gh, ok := ev.(events.GithubEvent)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "pull_request", gh.Event)

	_, err = readCapturedEvent("gitlab", "push", path)
	assert.ErrorContains(t, err, `no webhook decoder for provider "gitlab"`)

	_, err = readCapturedEvent("github", "pull_request", filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "failed to read webhook body")
}
