package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"

	"boommelding/internal/types"
)

const sendGridAPIBase = "https://api.sendgrid.com"

// maxErrorBodySize bounds how much of a provider error response is read.
const maxErrorBodySize = 64 * 1024

// SendGridClientConfig holds the configuration for creating a SendGridClient.
type SendGridClientConfig struct {
	APIKey  types.SecretString
	BaseURL string // defaults to sendGridAPIBase
	Logger  *slog.Logger
}

// SendGridClient implements EmailProvider against the SendGrid v3 Mail Send
// API with a plain-text content part and bearer-token authentication.
type SendGridClient struct {
	base    *BaseClient
	apiKey  types.SecretString
	baseURL string
	logger  *slog.Logger
}

// NewSendGridClient creates a SendGridClient. Every Send makes exactly one
// POST; the BaseClient is built without retries.
func NewSendGridClient(httpClient *http.Client, cfg SendGridClientConfig) *SendGridClient {
	base := NewBaseClient(httpClient, NoRetry(), "Boommelding/1.0")
	return NewSendGridClientWithBase(base, cfg)
}

// NewSendGridClientWithBase creates a SendGridClient with a pre-configured
// BaseClient.
func NewSendGridClientWithBase(base *BaseClient, cfg SendGridClientConfig) *SendGridClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = sendGridAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &SendGridClient{
		base:    base,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// Send posts the message to /v3/mail/send. Any 2xx status is accepted and
// the X-Message-Id header is returned.
//
// Error mapping:
//   - 429 -> types.ErrCodeUpstreamRateLimited
//   - 5xx -> types.ErrCodeUpstreamUnavailable
//   - other non-2xx -> types.ErrCodeUpstreamEmailProvider
//
// Every status-bearing error records "status_code" in its details.
func (s *SendGridClient) Send(ctx context.Context, input types.SendInput) (string, error) {
	body, err := json.Marshal(buildMailPayload(input))
	if err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to marshal SendGrid mail payload",
			err,
		)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to create SendGrid mail send request",
			err,
		)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey.Unmask())

	resp, err := s.base.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.Header.Get("X-Message-Id"), nil
	}

	return "", s.handleErrorResponse(resp)
}

type sendGridMailPayload struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
	CustomArgs       map[string]string         `json:"custom_args,omitempty"`
}

type sendGridPersonalization struct {
	To []sendGridAddress `json:"to"`
}

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func buildMailPayload(input types.SendInput) sendGridMailPayload {
	payload := sendGridMailPayload{
		Personalizations: []sendGridPersonalization{
			{To: []sendGridAddress{toSendGridAddress(input.To)}},
		},
		From:    toSendGridAddress(input.From),
		Subject: input.Subject,
		Content: []sendGridContent{
			{Type: "text/plain", Value: input.BodyText},
		},
	}

	if input.ReferenceID != "" {
		payload.CustomArgs = map[string]string{
			"reference_id": input.ReferenceID,
		}
	}

	return payload
}

// toSendGridAddress splits an RFC 5322 address into the API's email and
// name fields. Unparseable input is passed through for the API to judge.
func toSendGridAddress(raw string) sendGridAddress {
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return sendGridAddress{Email: raw}
	}
	return sendGridAddress{Email: addr.Address, Name: addr.Name}
}

type sendGridErrorResponse struct {
	Errors []struct {
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"errors"`
}

func (s *SendGridClient) handleErrorResponse(resp *http.Response) error {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

	message := ""
	var sgErr sendGridErrorResponse
	switch {
	case readErr != nil:
		message = "response body was unreadable"
	case json.Unmarshal(body, &sgErr) == nil && len(sgErr.Errors) > 0:
		message = sgErr.Errors[0].Message
	default:
		message = strings.TrimSpace(string(body))
	}

	details := map[string]any{"status_code": resp.StatusCode}
	code := types.ErrCodeUpstreamEmailProvider
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		code = types.ErrCodeUpstreamRateLimited
	case resp.StatusCode >= 500:
		code = types.ErrCodeUpstreamUnavailable
	}

	return types.NewAppError(
		code,
		fmt.Sprintf("SendGrid rejected message (%d): %s", resp.StatusCode, message),
		readErr,
	).WithDetails(details)
}

var _ EmailProvider = (*SendGridClient)(nil)
