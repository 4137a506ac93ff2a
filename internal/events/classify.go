package events

import (
	coreprocessor "github.com/pullsight/internal/core_processor"
)

// Outcome is the result of Classify: Applicable, NotApplicable or Terminal.
type Outcome interface {
	isOutcome()
}

// Applicable means the pipeline should fetch, reconcile and dispatch.
type Applicable struct {
	Kind    coreprocessor.EventKind
	Meta    coreprocessor.PullRequestMeta
	Subject Subject
}

// NotApplicable means the event is acknowledged and dropped.
type NotApplicable struct {
	Reason string
}

// Terminal carries a state change that needs no provider fetches.
type Terminal struct {
	Update StateUpdate
}

func (Applicable) isOutcome()    {}
func (NotApplicable) isOutcome() {}
func (Terminal) isOutcome()      {}

// StateUpdate is either a PR state transition or an app uninstall.
type StateUpdate interface {
	isStateUpdate()
}

// PRStateChange moves a stored pull request to merged or declined.
type PRStateChange struct {
	Key  coreprocessor.PRKey
	Kind coreprocessor.EventKind
}

// InstallationRemoved clears the installation id of a GitHub account.
type InstallationRemoved struct {
	Provider       coreprocessor.Provider
	InstallationID string
	Account        string
}

func (PRStateChange) isStateUpdate()       {}
func (InstallationRemoved) isStateUpdate() {}

// Reasons reported by NotApplicable.
const (
	ReasonUnsupportedEvent = "unsupported_event"
	ReasonNotOnboarded     = "repository_or_actor_not_onboarded"
)

// Classify decides what to do with ev. applicable is the applicability gate's
// verdict for SubjectOf(ev); it is ignored for events without a subject and
// for merges and declines.
func Classify(ev ProviderEvent, applicable bool) Outcome {
	switch e := ev.(type) {
	case GithubEvent:
		if e.Payload.IsInstallationDeleted(e.Event) {
			return Terminal{Update: InstallationRemoved{
				Provider:       coreprocessor.ProviderGitHub,
				InstallationID: e.Payload.InstallationID(),
				Account:        e.Payload.InstallationAccount(),
			}}
		}
		kind, ok := e.Payload.Kind(e.Event)
		if !ok {
			return NotApplicable{Reason: ReasonUnsupportedEvent}
		}
		return classifyPullRequest(ev, kind, e.Payload.Key(), e.Payload.Meta, applicable)
	case BitbucketEvent:
		kind, ok := e.Payload.Kind(e.Key)
		if !ok {
			return NotApplicable{Reason: ReasonUnsupportedEvent}
		}
		return classifyPullRequest(ev, kind, e.Payload.Key(), e.Payload.Meta, applicable)
	}
	return NotApplicable{Reason: ReasonUnsupportedEvent}
}

func classifyPullRequest(ev ProviderEvent, kind coreprocessor.EventKind, key coreprocessor.PRKey, meta func() coreprocessor.PullRequestMeta, applicable bool) Outcome {
	// Merges and declines only touch stored state, so they skip the gate.
	if _, terminal := kind.TerminalState(); terminal {
		return Terminal{Update: PRStateChange{Key: key, Kind: kind}}
	}
	if !applicable {
		return NotApplicable{Reason: ReasonNotOnboarded}
	}
	subject, _ := SubjectOf(ev)
	return Applicable{Kind: kind, Meta: meta(), Subject: subject}
}
