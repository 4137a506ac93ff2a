package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/pullsight/internal/analysis"
	coreprocessor "github.com/pullsight/internal/core_processor"
	"github.com/pullsight/internal/jobqueue"
	"github.com/pullsight/internal/storage"
	"github.com/pullsight/internal/webhookutils"
)

// Ack is the body of every webhook and callback acknowledgement.
type Ack struct {
	Message string         `json:"message"`
	Result  map[string]any `json:"result"`
}

func ack(c echo.Context, message string) error {
	return c.JSON(http.StatusOK, Ack{Message: message, Result: map[string]any{}})
}

// ErrorResponse is returned for rejected requests.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) githubEvents(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "failed to read body"})
	}

	sig := c.Request().Header.Get(webhookutils.HeaderHubSignature256)
	if err := webhookutils.VerifySignature(s.cfg.GitHubWebhookSecret, sig, body); err != nil {
		log.Warn().Err(err).Msg("github webhook rejected")
		return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: err.Error()})
	}

	event := webhookutils.EventName(c.Request().Header, webhookutils.HeaderGitHubEvent)
	log.Debug().
		Str("event", event).
		Str("delivery", c.Request().Header.Get(webhookutils.HeaderGitHubDelivery)).
		Msg("github webhook received")

	s.webhooks.Accept(c.Request().Context(), coreprocessor.ProviderGitHub, event, body)
	return ack(c, "Webhook received")
}

func (s *Server) bitbucketEvents(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "failed to read body"})
	}

	sig := c.Request().Header.Get(webhookutils.HeaderHubSignature)
	if err := webhookutils.VerifySignature(s.cfg.BitbucketWebhookSecret, sig, body); err != nil {
		log.Warn().Err(err).Msg("bitbucket webhook rejected")
		return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: err.Error()})
	}

	event := webhookutils.EventName(c.Request().Header, webhookutils.HeaderBitbucketEvent)
	log.Debug().
		Str("event", event).
		Str("request", c.Request().Header.Get(webhookutils.HeaderBitbucketRequest)).
		Msg("bitbucket webhook received")

	s.webhooks.Accept(c.Request().Context(), coreprocessor.ProviderBitbucket, event, body)
	return ack(c, "Webhook received")
}

func (s *Server) postReview(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "failed to read body"})
	}
	cb, err := analysis.DecodeReviewCallback(body)
	if err == nil {
		err = cb.Validate()
	}
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	}

	id := cb.PullRequestAnalysisID
	if err := s.lanes.Enqueue("review_callback", callbackKey(id), func(ctx context.Context) error {
		return s.analyses.ApplyReviewComments(ctx, cb)
	}); err != nil {
		log.Error().Err(err).Str("analysis_id", id).Msg("failed to queue review callback")
		return queueUnavailable(c, err)
	}
	return ack(c, "Review received")
}

func (s *Server) postSummary(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "failed to read body"})
	}
	cb, err := analysis.DecodeSummaryCallback(body)
	if err == nil {
		err = cb.Validate()
	}
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	}

	id := cb.PullRequestAnalysisID
	if err := s.lanes.Enqueue("summary_callback", callbackKey(id), func(ctx context.Context) error {
		return s.analyses.ApplySummary(ctx, cb)
	}); err != nil {
		log.Error().Err(err).Str("analysis_id", id).Msg("failed to queue summary callback")
		return queueUnavailable(c, err)
	}
	return ack(c, "Summary received")
}

func queueUnavailable(c echo.Context, err error) error {
	if errors.Is(err, jobqueue.ErrLaneFull) {
		c.Response().Header().Set("Retry-After", "5")
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "busy, retry later"})
	}
	return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "shutting down"})
}

func (s *Server) getAnalysis(c echo.Context) error {
	a, err := s.analyses.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "analysis not found"})
	}
	if err != nil {
		log.Error().Err(err).Str("analysis_id", c.Param("id")).Msg("failed to load analysis")
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to load analysis"})
	}
	return c.JSON(http.StatusOK, a)
}

// callbackKey serializes callbacks of one analysis.
func callbackKey(id string) string {
	return "analysis:" + id
}
