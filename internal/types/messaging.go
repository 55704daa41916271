package types

// SendInput is a fully rendered plain-text email handed to a mail backend.
type SendInput struct {
	From     string
	To       string
	Subject  string
	BodyText string
	// ReferenceID correlates provider logs with the relay's own log records.
	ReferenceID string
}
