package email

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"boommelding/internal/config"
	"boommelding/internal/external"
	ncore "boommelding/internal/notifications/core"
	"boommelding/internal/types"
)

// Receipt describes an accepted delivery.
type Receipt struct {
	Backend           Backend
	ProviderMessageID string
	ReferenceID       string
}

// DispatcherConfig holds the dependencies needed to create a Dispatcher.
type DispatcherConfig struct {
	Email    config.EmailConfig
	API      external.EmailProvider
	SMTP     external.EmailProvider
	Renderer *Renderer
	Metrics  ncore.DeliveryMetrics
	Logger   *slog.Logger
}

// Dispatcher renders a notification and hands it to one mail backend. It
// holds no mutable state and is safe for concurrent use.
type Dispatcher struct {
	cfg      config.EmailConfig
	api      external.EmailProvider
	smtp     external.EmailProvider
	renderer *Renderer
	metrics  ncore.DeliveryMetrics
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher. A nil Renderer is replaced with the
// embedded default.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	renderer := cfg.Renderer
	if renderer == nil {
		var err error
		if renderer, err = NewRenderer(); err != nil {
			return nil, err
		}
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = ncore.NoopMetrics{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		cfg:      cfg.Email,
		api:      cfg.API,
		smtp:     cfg.SMTP,
		renderer: renderer,
		metrics:  metrics,
		logger:   logger,
	}, nil
}

// ActiveBackend reports which backend the next delivery would use:
// SendGrid when its API key is set, else SMTP when fully configured,
// else BackendNone.
func (d *Dispatcher) ActiveBackend() Backend {
	switch {
	case d.cfg.HasAPIKey() && d.api != nil:
		return BackendSendGrid
	case d.cfg.SMTPComplete() && d.smtp != nil:
		return BackendSMTP
	default:
		return BackendNone
	}
}

// Deliver sends one notification for a matching feature. The backend is
// selected on every call. Exactly one delivery attempt is made, or none when
// no backend is configured.
//
// Failures are returned as *DeliveryError.
func (d *Dispatcher) Deliver(ctx context.Context, classification string, attrs types.Feature) (Receipt, error) {
	logger := types.LoggerFromContext(ctx, d.logger).With("feature_id", attrs.Identifier())

	backend := d.ActiveBackend()
	if backend == BackendNone {
		d.metrics.RecordDelivery(ctx, string(BackendNone), ncore.MetricSkipped)
		logger.ErrorContext(ctx, "notification not sent: email delivery is not configured",
			"classification", classification,
		)
		return Receipt{}, &DeliveryError{Kind: KindUnconfigured, Backend: BackendNone, Err: ErrUnconfigured}
	}

	msg, err := d.renderer.Render(classification, attrs)
	if err != nil {
		return Receipt{}, fmt.Errorf("render notification: %w", err)
	}

	provider := d.api
	if backend == BackendSMTP {
		provider = d.smtp
	}

	refID := uuid.NewString()
	start := time.Now()
	msgID, err := provider.Send(ctx, types.SendInput{
		From:        d.cfg.FromAddress,
		To:          d.cfg.ToAddress,
		Subject:     msg.Subject,
		BodyText:    msg.BodyText,
		ReferenceID: refID,
	})
	d.metrics.RecordLatency(ctx, string(backend), time.Since(start))

	if err != nil {
		de := classify(backend, err)
		d.metrics.RecordDelivery(ctx, string(backend), ncore.MetricFailed)
		logger.ErrorContext(ctx, "notification delivery failed",
			"backend", string(backend),
			"kind", string(de.Kind),
			"reference_id", refID,
			"error", err,
		)
		return Receipt{}, de
	}

	d.metrics.RecordDelivery(ctx, string(backend), ncore.MetricSuccess)
	logger.InfoContext(ctx, "notification sent",
		"backend", string(backend),
		"classification", classification,
		"to", RedactEmail(d.cfg.ToAddress),
		"provider_message_id", msgID,
		"reference_id", refID,
	)

	return Receipt{Backend: backend, ProviderMessageID: msgID, ReferenceID: refID}, nil
}
