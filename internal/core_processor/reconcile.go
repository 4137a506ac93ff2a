package core_processor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// PullRequestStore persists pull request life-cycle records.
type PullRequestStore interface {
	GetPullRequest(ctx context.Context, key PRKey) (*StructuredPullRequest, bool, error)
	// InsertPullRequest reports inserted=false when a record for the key
	// already exists; the existing record is left untouched.
	InsertPullRequest(ctx context.Context, pr *StructuredPullRequest) (inserted bool, err error)
	UpdatePullRequest(ctx context.Context, pr *StructuredPullRequest) error
	UpdatePullRequestState(ctx context.Context, key PRKey, state PRState) (bool, error)
}

// ReconcileResult is the outcome of merging a snapshot into stored state.
type ReconcileResult struct {
	PR       *StructuredPullRequest
	Files    []PRFile
	Inserted bool
}

// Reconciler merges snapshots into the store. Callers must serialize calls
// for the same PRKey.
type Reconciler struct {
	store PullRequestStore
}

func NewReconciler(store PullRequestStore) *Reconciler {
	return &Reconciler{store: store}
}

// Reconcile stores snapshot and returns the files worth sending for review.
// A created event on an absent PR inserts the full snapshot. Anything else
// updates the stored record and keeps only new or changed hunks.
func (r *Reconciler) Reconcile(ctx context.Context, kind EventKind, snapshot *StructuredPullRequest) (*ReconcileResult, error) {
	key := snapshot.Key()

	stored, found, err := r.store.GetPullRequest(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load pull request %s: %w", key, err)
	}

	if !found {
		inserted, err := r.store.InsertPullRequest(ctx, snapshot)
		if err != nil {
			return nil, fmt.Errorf("insert pull request %s: %w", key, err)
		}
		if inserted {
			log.Info().Str("pr", key.String()).Str("event", string(kind)).Int("files", len(snapshot.Files)).Msg("pull request recorded")
			return &ReconcileResult{PR: snapshot, Files: snapshot.Files, Inserted: true}, nil
		}
		// Lost an insert race with another writer; reconcile against its record.
		stored, found, err = r.store.GetPullRequest(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("reload pull request %s: %w", key, err)
		}
		if !found {
			return nil, fmt.Errorf("pull request %s vanished after insert conflict", key)
		}
	}

	if kind == EventCreated {
		log.Info().Str("pr", key.String()).Msg("duplicate created event, applying as update")
	}

	changed := ComputeIncrementalFiles(stored.Files, snapshot.Files)

	snapshot.ID = stored.ID
	snapshot.IssueCount = stored.IssueCount
	if err := r.store.UpdatePullRequest(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("update pull request %s: %w", key, err)
	}

	log.Info().
		Str("pr", key.String()).
		Int("files", len(snapshot.Files)).
		Int("changed_files", len(changed)).
		Msg("pull request reconciled")
	return &ReconcileResult{PR: snapshot, Files: changed}, nil
}

// ApplyState records a merged or declined transition without fetching
// anything. It reports false when no record exists for key.
func (r *Reconciler) ApplyState(ctx context.Context, key PRKey, kind EventKind) (bool, error) {
	state, ok := kind.TerminalState()
	if !ok {
		return false, fmt.Errorf("event %q carries no terminal state", kind)
	}
	updated, err := r.store.UpdatePullRequestState(ctx, key, state)
	if err != nil {
		return false, fmt.Errorf("update state of %s: %w", key, err)
	}
	return updated, nil
}

// ComputeIncrementalFiles returns the files of fresh that need review given
// the previously stored files. New paths keep every hunk. Known paths keep
// only hunks not already stored verbatim and are dropped when none remain.
func ComputeIncrementalFiles(stored, fresh []PRFile) []PRFile {
	previous := make(map[string]map[string]struct{}, len(stored))
	for _, f := range stored {
		set := make(map[string]struct{}, len(f.Hunks))
		for _, h := range f.Hunks {
			set[h] = struct{}{}
		}
		previous[f.Path] = set
	}

	result := make([]PRFile, 0, len(fresh))
	for _, f := range fresh {
		known, ok := previous[f.Path]
		if !ok {
			result = append(result, f)
			continue
		}

		novel := make([]string, 0, len(f.Hunks))
		for _, h := range f.Hunks {
			if _, seen := known[h]; !seen {
				novel = append(novel, h)
			}
		}
		if len(novel) == 0 {
			continue
		}
		f.Hunks = novel
		result = append(result, f)
	}
	return result
}
