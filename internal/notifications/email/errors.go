// Package email renders tree-report notifications and delivers them through
// the SendGrid mail API or SMTP, choosing the backend per message from the
// email configuration.
package email

import (
	"errors"
	"fmt"

	"boommelding/internal/external"
)

// DeliveryErrorKind classifies a failed delivery.
type DeliveryErrorKind string

const (
	// KindUnconfigured means no backend had the settings it needs. No network
	// call was made.
	KindUnconfigured DeliveryErrorKind = "unconfigured"
	// KindTransportFailure covers dial, TLS, timeout and other failures where
	// the provider gave no verdict on the message.
	KindTransportFailure DeliveryErrorKind = "transport_failure"
	// KindRejectedByProvider means the provider answered and refused the
	// message: a non-2xx API status or an SMTP error reply.
	KindRejectedByProvider DeliveryErrorKind = "rejected_by_provider"
)

// Backend names a delivery path.
type Backend string

const (
	BackendNone     Backend = "none"
	BackendSendGrid Backend = "sendgrid"
	BackendSMTP     Backend = "smtp"
)

// ErrUnconfigured is wrapped by DeliveryErrors of KindUnconfigured.
var ErrUnconfigured = errors.New("email delivery is not configured")

// DeliveryError reports why a notification was not delivered.
type DeliveryError struct {
	Kind    DeliveryErrorKind
	Backend Backend
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("email delivery via %s failed (%s): %v", e.Backend, e.Kind, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// classify maps a backend error to a DeliveryError.
func classify(backend Backend, err error) *DeliveryError {
	kind := KindTransportFailure
	if external.StatusCodeOf(err) != 0 || external.SMTPReplyCodeOf(err) != 0 {
		kind = KindRejectedByProvider
	}
	return &DeliveryError{Kind: kind, Backend: backend, Err: err}
}

// KindOf returns the kind of a DeliveryError anywhere in err's chain, or ""
// when there is none.
func KindOf(err error) DeliveryErrorKind {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
