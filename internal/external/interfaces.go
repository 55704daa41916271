package external

import (
	"context"

	"boommelding/internal/types"
)

// EmailProvider transmits a pre-rendered email. Implementations make exactly
// one delivery attempt per call.
type EmailProvider interface {
	// Send returns the provider's message ID for correlation.
	Send(ctx context.Context, input types.SendInput) (providerMsgID string, err error)
}

// ChangeFeed retrieves the changed records referenced by an ArcGIS
// webhook's changesUrl.
type ChangeFeed interface {
	// FetchUpdates downloads the change document and returns the attribute
	// sets of its "updates" list in document order.
	FetchUpdates(ctx context.Context, changesURL string) ([]types.Feature, error)
}
