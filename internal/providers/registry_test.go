package providers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreprocessor "github.com/pullsight/internal/core_processor"
)

type stubAdapter struct {
	coreprocessor.SnapshotSource
	provider coreprocessor.Provider
}

func (s stubAdapter) Provider() coreprocessor.Provider { return s.provider }

func (stubAdapter) PostReviewComments(context.Context, coreprocessor.Credential, coreprocessor.PRRef, []coreprocessor.AnalysisComment) (coreprocessor.RawJSON, error) {
	return nil, nil
}

func (stubAdapter) PostSummaryComment(context.Context, coreprocessor.Credential, coreprocessor.PRRef, string) (coreprocessor.RawJSON, error) {
	return nil, nil
}

func (stubAdapter) EnsureFreshToken(_ context.Context, c coreprocessor.Credential) (coreprocessor.Credential, bool, error) {
	return c, false, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(stubAdapter{provider: coreprocessor.ProviderGitHub})
	r.Register(stubAdapter{provider: coreprocessor.ProviderBitbucket})

	a, err := r.Get(coreprocessor.ProviderGitHub)
	require.NoError(t, err)
	assert.Equal(t, coreprocessor.ProviderGitHub, a.Provider())

	_, err = r.Get("gitlab")
	require.ErrorIs(t, err, ErrUnsupportedProvider)
	assert.Contains(t, err.Error(), "gitlab")

	assert.Equal(t, []coreprocessor.Provider{coreprocessor.ProviderBitbucket, coreprocessor.ProviderGitHub}, r.Providers())
}
