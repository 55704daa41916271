package external

import (
	"fmt"
	"log/slog"
	"net/http"

	"boommelding/internal/config"
	"boommelding/internal/security"
)

// ClientRegistry holds the outbound clients the relay uses. Both mail
// backends are always constructed; which one delivers is decided per
// message by the dispatcher from the email configuration.
type ClientRegistry struct {
	EmailAPI EmailProvider
	SMTP     EmailProvider
	Feed     ChangeFeed
}

// NewClientRegistry initializes all external service clients. When the
// FEATURE_ENABLE_EMAIL kill switch is off, both mail backends are replaced
// with stubs that only log.
func NewClientRegistry(cfg *config.Config, logger *slog.Logger) (*ClientRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	feedHTTP, err := security.NewFeedHTTPClient(security.FeedClientOptions{
		Timeout:              cfg.Feed.FetchTimeout,
		MaxRedirects:         cfg.Feed.MaxRedirects,
		BlockPrivateNetworks: cfg.Feed.BlockPrivateNetworks,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build change feed client: %w", err)
	}

	reg := &ClientRegistry{
		Feed: NewChangeFeedClient(feedHTTP, cfg.Feed.MaxRetries, cfg.Feed.UserAgent),
	}

	if !cfg.Feature.EnableEmail {
		logger.Warn("email delivery disabled by FEATURE_ENABLE_EMAIL; using stub senders")
		stubLogger := logger.With("mode", "stub")
		reg.EmailAPI = NewStubEmailProvider("sendgrid", stubLogger)
		reg.SMTP = NewStubEmailProvider("smtp", stubLogger)
		return reg, nil
	}

	reg.EmailAPI = NewSendGridClient(&http.Client{Timeout: cfg.Email.APITimeout}, SendGridClientConfig{
		APIKey:  cfg.Email.SendGridAPIKey,
		BaseURL: cfg.Email.SendGridBaseURL,
		Logger:  logger.With("client", "sendgrid"),
	})

	reg.SMTP = NewSMTPClient(SMTPClientConfig{
		Host:     cfg.Email.SMTPHost,
		Port:     cfg.Email.SMTPPort,
		Username: cfg.Email.SenderLogin(),
		Password: cfg.Email.SMTPPassword,
		Timeout:  cfg.Email.SMTPTimeout,
		Logger:   logger.With("client", "smtp"),
	})

	return reg, nil
}
