// Package config defines the process configuration for the relay.
// Configuration is loaded once at startup and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> struct defaults (Lowest)
//
// Malformed values (unparseable durations, out-of-range ports) fail startup.
// Missing or unparseable mail addresses do not: they are reported by
// EmailConfig.Warnings and delivery is refused or rejected at send time
// instead.
package config

import (
	"fmt"
	"net/mail"
	"time"

	"boommelding/internal/types"
)

// SecretString is an alias for types.SecretString.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the subset they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"boommelding"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Email         EmailConfig
	Feed          FeedConfig
	Observability ObservabilityConfig
	Feature       FeatureConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           string        `envconfig:"PORT" default:"8080"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"55s" validate:"gt=0"`
	MaxBodyBytes   int64         `envconfig:"MAX_BODY_BYTES" default:"1048576" validate:"gt=0"`
}

// EmailConfig holds the delivery settings for both mail backends. It is the
// DeliveryConfig of the notification dispatcher.
type EmailConfig struct {
	// FromAddress and ToAddress accept RFC 5322 forms such as
	// "Meldingen <meldingen@gemeente.nl>".
	FromAddress string `envconfig:"FROM_EMAIL"`
	ToAddress   string `envconfig:"TO_EMAIL"`

	SMTPHost     string        `envconfig:"SMTP_HOST" default:"smtp.office365.com" validate:"required"`
	SMTPPort     int           `envconfig:"SMTP_PORT" default:"587" validate:"min=1,max=65535"`
	SMTPPassword SecretString  `envconfig:"SMTP_PASSWORD"`
	SMTPTimeout  time.Duration `envconfig:"SMTP_TIMEOUT" default:"30s" validate:"gt=0"`

	// SendGridAPIKey selects the HTTP mail API when set.
	SendGridAPIKey  SecretString  `envconfig:"SENDGRID_API_KEY"`
	SendGridBaseURL string        `envconfig:"SENDGRID_BASE_URL" default:"https://api.sendgrid.com" validate:"required,url"`
	APITimeout      time.Duration `envconfig:"EMAIL_API_TIMEOUT" default:"10s" validate:"gt=0"`
}

// HasAPIKey reports whether the HTTP mail API credential is configured.
func (c EmailConfig) HasAPIKey() bool {
	return c.SendGridAPIKey.IsSet()
}

// SMTPComplete reports whether every field SMTP submission needs is present.
func (c EmailConfig) SMTPComplete() bool {
	return c.FromAddress != "" &&
		c.ToAddress != "" &&
		c.SMTPHost != "" &&
		c.SMTPPort > 0 &&
		c.SMTPPassword.IsSet()
}

// SenderLogin returns the bare address of FromAddress, which doubles as the
// SMTP username. An unparseable FromAddress is returned unchanged.
func (c EmailConfig) SenderLogin() string {
	if addr, err := mail.ParseAddress(c.FromAddress); err == nil {
		return addr.Address
	}
	return c.FromAddress
}

// Warnings lists the mail settings that are missing or unusable. An empty
// result means at least one backend can deliver.
func (c EmailConfig) Warnings() []string {
	var warnings []string
	warnings = appendAddressWarning(warnings, "FROM_EMAIL", c.FromAddress)
	warnings = appendAddressWarning(warnings, "TO_EMAIL", c.ToAddress)
	if !c.HasAPIKey() && !c.SMTPPassword.IsSet() {
		warnings = append(warnings, "neither SENDGRID_API_KEY nor SMTP_PASSWORD is set; notifications will not be delivered")
	}
	return warnings
}

func appendAddressWarning(warnings []string, name, value string) []string {
	if value == "" {
		return append(warnings, name+" is not set")
	}
	if _, err := mail.ParseAddress(value); err != nil {
		return append(warnings, fmt.Sprintf("%s %q is not a valid address; delivery will fail", name, value))
	}
	return warnings
}

// FeedConfig holds settings for fetching ArcGIS change documents.
type FeedConfig struct {
	FetchTimeout         time.Duration `envconfig:"FEED_FETCH_TIMEOUT" default:"30s" validate:"gt=0"`
	MaxRetries           int           `envconfig:"FEED_MAX_RETRIES" default:"1" validate:"min=0,max=5"`
	BlockPrivateNetworks bool          `envconfig:"FEED_BLOCK_PRIVATE_NETWORKS" default:"true"`
	MaxRedirects         int           `envconfig:"FEED_MAX_REDIRECTS" default:"3" validate:"min=0,max=10"`
	UserAgent            string        `envconfig:"FEED_USER_AGENT" default:"Boommelding/1.0"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"false"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Boommelding"`
	AWSRegion       string `envconfig:"AWS_REGION" default:"eu-west-1"`
}

// FeatureConfig holds emergency kill switches.
type FeatureConfig struct {
	EnableEmail bool `envconfig:"FEATURE_ENABLE_EMAIL" default:"true"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
