package analysis

import (
	"context"
	"errors"

	coreprocessor "github.com/pullsight/internal/core_processor"
	"github.com/pullsight/internal/events"
	"github.com/pullsight/internal/storage"
)

// GateStore answers the onboarding lookups of the applicability gate.
type GateStore interface {
	FindActiveRepository(ctx context.Context, provider coreprocessor.Provider, owner, slug string) (*storage.Repository, error)
	IsActiveMember(ctx context.Context, workspaceID string, provider coreprocessor.Provider, providerID string) (bool, error)
}

// Gate decides whether an event concerns an onboarded repository and an
// active workspace member.
type Gate struct {
	store GateStore
}

func NewGate(store GateStore) *Gate {
	return &Gate{store: store}
}

// Check returns the repository when subject passes the gate. A miss is not
// an error: repo is nil and ok is false.
func (g *Gate) Check(ctx context.Context, subject events.Subject) (repo *storage.Repository, ok bool, err error) {
	if subject.RepositorySlug == "" || subject.OwnerLogin == "" || subject.ActorID == "" {
		return nil, false, nil
	}
	repo, err = g.store.FindActiveRepository(ctx, subject.Provider, subject.OwnerLogin, subject.RepositorySlug)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	member, err := g.store.IsActiveMember(ctx, repo.WorkspaceID, subject.Provider, subject.ActorID)
	if err != nil {
		return nil, false, err
	}
	if !member {
		return nil, false, nil
	}
	return repo, true, nil
}
