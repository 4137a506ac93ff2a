package providers

import (
	"context"
	"errors"

	coreprocessor "github.com/pullsight/internal/core_processor"
)

// ErrUnsupportedProvider is returned when no adapter is registered for a
// provider referenced by stored data.
var ErrUnsupportedProvider = errors.New("unsupported provider")

// Adapter is the capability surface every code host implements once.
//
// Listing and fetching degrade instead of failing (see
// core_processor.SnapshotSource). Posting returns the provider's response
// body and propagates failures.
type Adapter interface {
	coreprocessor.SnapshotSource

	Provider() coreprocessor.Provider
	PostReviewComments(ctx context.Context, cred coreprocessor.Credential, ref coreprocessor.PRRef, comments []coreprocessor.AnalysisComment) (coreprocessor.RawJSON, error)
	PostSummaryComment(ctx context.Context, cred coreprocessor.Credential, ref coreprocessor.PRRef, text string) (coreprocessor.RawJSON, error)
	// EnsureFreshToken returns cred unchanged unless it expires within the
	// refresh buffer, in which case refreshed is true and the caller must
	// persist the new credential before using it.
	EnsureFreshToken(ctx context.Context, cred coreprocessor.Credential) (fresh coreprocessor.Credential, refreshed bool, err error)
}
