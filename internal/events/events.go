// Package events holds the provider event union received at the webhook
// boundary and the pure classification that decides what the pipeline does
// with each event.
package events

import (
	"fmt"

	coreprocessor "github.com/pullsight/internal/core_processor"
	bitbucketinput "github.com/pullsight/internal/provider_input/bitbucket"
	githubinput "github.com/pullsight/internal/provider_input/github"
)

// ProviderEvent is one decoded webhook delivery. It is implemented only by
// GithubEvent and BitbucketEvent.
type ProviderEvent interface {
	Provider() coreprocessor.Provider
	// Name is the provider-native event name from the event header.
	Name() string
	isProviderEvent()
}

// GithubEvent is a delivery from GitHub.
type GithubEvent struct {
	Event   string
	Payload *githubinput.WebhookPayload
}

func (GithubEvent) Provider() coreprocessor.Provider { return coreprocessor.ProviderGitHub }
func (e GithubEvent) Name() string                   { return e.Event }
func (GithubEvent) isProviderEvent()                 {}

// BitbucketEvent is a delivery from Bitbucket Cloud.
type BitbucketEvent struct {
	Key     string
	Payload *bitbucketinput.WebhookPayload
}

func (BitbucketEvent) Provider() coreprocessor.Provider { return coreprocessor.ProviderBitbucket }
func (e BitbucketEvent) Name() string                   { return e.Key }
func (BitbucketEvent) isProviderEvent()                 {}

// Decode parses body according to provider. eventName is the value of the
// provider's event header.
func Decode(provider coreprocessor.Provider, eventName string, body []byte) (ProviderEvent, error) {
	switch provider {
	case coreprocessor.ProviderGitHub:
		payload, err := githubinput.ParseWebhook(body)
		if err != nil {
			return nil, err
		}
		return GithubEvent{Event: eventName, Payload: payload}, nil
	case coreprocessor.ProviderBitbucket:
		payload, err := bitbucketinput.ParseWebhook(body)
		if err != nil {
			return nil, err
		}
		return BitbucketEvent{Key: eventName, Payload: payload}, nil
	}
	return nil, fmt.Errorf("no webhook decoder for provider %q", provider)
}

// Subject is the (repository, owner, provider, actor) tuple checked by the
// applicability gate.
type Subject struct {
	RepositorySlug string
	OwnerLogin     string
	Provider       coreprocessor.Provider
	ActorID        string
}

// SubjectOf returns the applicability subject of a pull request event. ok
// is false for events that are not about a pull request.
func SubjectOf(ev ProviderEvent) (Subject, bool) {
	switch e := ev.(type) {
	case GithubEvent:
		if _, ok := e.Payload.Kind(e.Event); !ok {
			return Subject{}, false
		}
		repo, owner, actor := e.Payload.Subject()
		return Subject{RepositorySlug: repo, OwnerLogin: owner, Provider: coreprocessor.ProviderGitHub, ActorID: actor}, true
	case BitbucketEvent:
		if _, ok := e.Payload.Kind(e.Key); !ok {
			return Subject{}, false
		}
		repo, owner, actor := e.Payload.Subject()
		return Subject{RepositorySlug: repo, OwnerLogin: owner, Provider: coreprocessor.ProviderBitbucket, ActorID: actor}, true
	}
	return Subject{}, false
}
