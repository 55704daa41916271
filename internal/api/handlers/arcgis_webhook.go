// Package handlers contains the HTTP handlers of the relay.
//
// The ArcGIS webhook is unauthenticated: the producer integration sends no
// credentials and the endpoint accepts whatever reaches it.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"boommelding/internal/core"
	"boommelding/internal/ingest"
	"boommelding/internal/notifications/email"
	"boommelding/internal/notifications/trigger"
	"boommelding/internal/types"
)

// defaultMaxBodyBytes caps the raw request body when no limit is configured.
const defaultMaxBodyBytes = 1 << 20

// PayloadNormalizer turns a raw webhook body into features.
type PayloadNormalizer interface {
	Normalize(ctx context.Context, p ingest.InboundPayload) (ingest.Batch, error)
}

// NotificationDispatcher delivers one notification per matching feature.
type NotificationDispatcher interface {
	Deliver(ctx context.Context, classification string, attrs types.Feature) (email.Receipt, error)
}

// ArcGISWebhookHandler receives ArcGIS feature-service webhooks and sends a
// notification for every feature reporting a tracked tree disease.
type ArcGISWebhookHandler struct {
	normalizer   PayloadNormalizer
	dispatcher   NotificationDispatcher
	maxBodyBytes int64
	logger       *slog.Logger
}

// NewArcGISWebhookHandler creates the handler. maxBodyBytes <= 0 selects
// the 1 MB default.
func NewArcGISWebhookHandler(
	normalizer PayloadNormalizer,
	dispatcher NotificationDispatcher,
	maxBodyBytes int64,
	logger *slog.Logger,
) *ArcGISWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return &ArcGISWebhookHandler{
		normalizer:   normalizer,
		dispatcher:   dispatcher,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}
}

// RegisterRoutes mounts POST /arcgis-webhook.
func (h *ArcGISWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/arcgis-webhook", h.Handle)
}

type statusResponse struct {
	Status string `json:"status"`
}

// Handle reads the body, normalizes it, and delivers matches one at a time
// in payload order. Delivery failures are logged and never change the
// response: the producer sees 200 for every decodable body and 400
// otherwise.
//
// Once the body is read, fetches and deliveries run on a context detached
// from the request deadline and from client disconnects. Each outbound call
// is bounded by its own client timeout, so a slow call only fails its own
// feature.
func (h *ArcGISWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := types.LoggerFromContext(ctx, h.logger)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			err = types.NewAppError(types.ErrCodePayloadTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", h.maxBodyBytes), err)
		} else {
			err = types.NewAppError(types.ErrCodeMalformedPayload, "failed to read request body", err)
		}
		logger.WarnContext(ctx, "rejected webhook body", "error", err)
		core.Error(w, r, err)
		return
	}

	work := context.WithoutCancel(ctx)

	batch, err := h.normalizer.Normalize(work, ingest.InboundPayload{
		Body:            body,
		ContentType:     r.Header.Get("Content-Type"),
		ContentEncoding: r.Header.Get("Content-Encoding"),
	})
	if err != nil {
		logger.WarnContext(ctx, "rejected webhook body", "error", err)
		core.Error(w, r, err)
		return
	}

	outcome := h.process(work, logger, batch)
	logger.InfoContext(ctx, "webhook processed", "outcome", outcome)

	core.JSON(w, r, http.StatusOK, statusResponse{Status: outcome.Status})
}

// process runs the trigger filter and dispatcher over every feature. A
// failure on one feature does not stop the rest.
func (h *ArcGISWebhookHandler) process(ctx context.Context, logger *slog.Logger, batch ingest.Batch) BatchOutcome {
	outcome := BatchOutcome{
		Status:        batch.Status(),
		Results:       make([]FeatureResult, 0, len(batch.Features)),
		FetchFailures: len(batch.FetchFailures),
	}

	for i, feature := range batch.Features {
		result := FeatureResult{Index: i, FeatureID: feature.Identifier()}

		classification, ok := trigger.Classification(feature)
		if !ok {
			logger.InfoContext(ctx, "feature does not match a trigger", "feature_id", result.FeatureID)
			outcome.Results = append(outcome.Results, result)
			continue
		}

		result.Matched = true
		result.Classification = classification
		logger.InfoContext(ctx, "feature matches trigger",
			"feature_id", result.FeatureID,
			"classification", classification,
		)

		result.Receipt, result.Err = h.dispatcher.Deliver(ctx, classification, feature)
		if result.Err != nil {
			logger.ErrorContext(ctx, "failed to notify for feature",
				"feature_id", result.FeatureID,
				"classification", classification,
				"kind", string(email.KindOf(result.Err)),
				"error", result.Err,
			)
		}
		outcome.Results = append(outcome.Results, result)
	}

	return outcome
}
