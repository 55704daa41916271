package external

import (
	"context"
	"fmt"
	"log/slog"

	"boommelding/internal/types"
)

// StubEmailProvider implements EmailProvider by logging calls and returning
// a fake message ID. Used when FEATURE_ENABLE_EMAIL=false.
type StubEmailProvider struct {
	name   string
	logger *slog.Logger
}

// NewStubEmailProvider creates a new StubEmailProvider. name identifies the
// backend it stands in for in log records.
func NewStubEmailProvider(name string, logger *slog.Logger) *StubEmailProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubEmailProvider{name: name, logger: logger}
}

func (s *StubEmailProvider) Send(ctx context.Context, input types.SendInput) (string, error) {
	s.logger.InfoContext(ctx, "stub: Send email called",
		"backend", s.name,
		"subject", input.Subject,
		"reference_id", input.ReferenceID,
	)
	return fmt.Sprintf("msg_stub_%s", input.ReferenceID), nil
}

var _ EmailProvider = (*StubEmailProvider)(nil)
