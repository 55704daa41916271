package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"boommelding/internal/types"
)

// maxChangeDocumentSize bounds the change document read from the feed.
const maxChangeDocumentSize = 8 << 20

// ChangeFeedClient fetches ArcGIS change documents referenced by
// changesUrl entries in form-encoded webhook payloads.
type ChangeFeedClient struct {
	base *BaseClient
}

// ChangeFeedRetryPolicy returns the retry policy for change-feed fetches.
func ChangeFeedRetryPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries: maxRetries,
		MinWait:    500 * time.Millisecond,
		MaxWait:    5 * time.Second,
	}
}

// NewChangeFeedClient creates a ChangeFeedClient. httpClient is normally the
// SSRF-guarded client from the security package. Each URL is fetched on its
// own; a failing URL never prevents fetching the next one.
func NewChangeFeedClient(httpClient *http.Client, maxRetries int, userAgent string, opts ...BaseClientOption) *ChangeFeedClient {
	base := NewBaseClient(httpClient, ChangeFeedRetryPolicy(maxRetries), userAgent, opts...)
	return &ChangeFeedClient{base: base}
}

type changeDocument struct {
	Updates []struct {
		Attributes types.Feature `json:"attributes"`
	} `json:"updates"`
}

// FetchUpdates performs GET changesURL and returns the attribute sets of
// the document's "updates" list in order. Entries without attributes are
// skipped. Every failure is reported as types.ErrCodeUpstreamChangeFeed.
func (c *ChangeFeedClient) FetchUpdates(ctx context.Context, changesURL string) ([]types.Feature, error) {
	u, err := url.Parse(changesURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamChangeFeed,
			fmt.Sprintf("invalid changesUrl %q", changesURL),
			err,
		)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamChangeFeed, "failed to create change feed request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.base.Do(req)
	if err != nil {
		appErr := types.NewAppError(types.ErrCodeUpstreamChangeFeed, "change feed request failed", err)
		if code := StatusCodeOf(err); code != 0 {
			appErr = appErr.WithDetails(map[string]any{"status_code": code})
		}
		return nil, appErr
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, types.NewAppError(
			types.ErrCodeUpstreamChangeFeed,
			fmt.Sprintf("change feed returned %d", resp.StatusCode),
			nil,
		).WithDetails(map[string]any{"status_code": resp.StatusCode})
	}

	dec := json.NewDecoder(io.LimitReader(resp.Body, maxChangeDocumentSize))
	dec.UseNumber()

	var doc changeDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamChangeFeed, "change document is not valid JSON", err)
	}

	features := make([]types.Feature, 0, len(doc.Updates))
	for _, upd := range doc.Updates {
		if upd.Attributes == nil {
			continue
		}
		features = append(features, upd.Attributes)
	}
	return features, nil
}

var _ ChangeFeed = (*ChangeFeedClient)(nil)
