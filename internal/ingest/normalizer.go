package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"mime"
	"net/url"
	"strings"

	"boommelding/internal/external"
	"boommelding/internal/types"
)

const defaultMaxBodyBytes = 1 << 20

// Normalizer extracts features from webhook payloads. It is safe for
// concurrent use.
type Normalizer struct {
	feed         external.ChangeFeed
	logger       *slog.Logger
	maxBodyBytes int64
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithLogger sets the fallback logger used when the request context
// carries none.
func WithLogger(l *slog.Logger) Option {
	return func(n *Normalizer) {
		n.logger = l
	}
}

// WithMaxBodyBytes caps the decoded body size.
func WithMaxBodyBytes(max int64) Option {
	return func(n *Normalizer) {
		if max > 0 {
			n.maxBodyBytes = max
		}
	}
}

// NewNormalizer creates a Normalizer that resolves changesUrl references
// through feed.
func NewNormalizer(feed external.ChangeFeed, opts ...Option) *Normalizer {
	n := &Normalizer{
		feed:         feed,
		logger:       slog.Default(),
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize decodes p into a Batch. The only errors it returns are
// *types.AppError values with a validation_ code: the body could not be
// decoded as either shape. A changesUrl that cannot be fetched is
// recorded in Batch.FetchFailures and does not stop the remaining URLs.
func (n *Normalizer) Normalize(ctx context.Context, p InboundPayload) (Batch, error) {
	if len(bytes.TrimSpace(p.Body)) == 0 {
		return Batch{Shape: ShapeEmpty}, nil
	}

	body, err := decodeBody(p.Body, p.ContentEncoding, n.maxBodyBytes)
	if err != nil {
		return Batch{}, err
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return Batch{Shape: ShapeEmpty}, nil
	}

	if looksLikeJSON(body, p.ContentType) {
		return n.normalizeEdits(body)
	}
	return n.normalizeForm(ctx, body)
}

// looksLikeJSON decides the shape. A declared JSON media type or a body
// opening with '{' or '[' is the edits shape; everything else is a form.
func looksLikeJSON(body []byte, contentType string) bool {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if mediaType == "application/json" || strings.HasSuffix(mediaType, "+json") {
			return true
		}
	}
	return body[0] == '{' || body[0] == '['
}

func (n *Normalizer) normalizeEdits(body []byte) (Batch, error) {
	var raw any
	if err := decodeJSON(body, &raw); err != nil {
		return Batch{}, malformed("body is not valid JSON", err)
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		return Batch{}, malformed("JSON body must be an object", nil)
	}
	if _, ok := obj["edits"]; !ok {
		return Batch{Shape: ShapeNoEdits}, nil
	}

	var env editsEnvelope
	if err := decodeJSON(body, &env); err != nil {
		return Batch{}, malformed("edits envelope has an unexpected structure", err)
	}
	if env.Edits == nil {
		return Batch{Shape: ShapeNoEdits}, nil
	}

	features := make([]types.Feature, 0, len(env.Edits.Adds)+len(env.Edits.Updates))
	features = appendAttributes(features, env.Edits.Adds)
	features = appendAttributes(features, env.Edits.Updates)

	return Batch{Shape: ShapeEdits, Features: features}, nil
}

func appendAttributes(dst []types.Feature, entries []featureEntry) []types.Feature {
	for _, e := range entries {
		if e.Attributes == nil {
			continue
		}
		dst = append(dst, e.Attributes)
	}
	return dst
}

func (n *Normalizer) normalizeForm(ctx context.Context, body []byte) (Batch, error) {
	logger := types.LoggerFromContext(ctx, n.logger)

	values, err := url.ParseQuery(string(body))
	if err != nil {
		return Batch{}, malformed("body is not valid form data", err)
	}
	if !values.Has("payload") {
		return Batch{Shape: ShapeNoPayload}, nil
	}

	var refs []json.RawMessage
	if err := decodeJSON([]byte(values.Get("payload")), &refs); err != nil {
		return Batch{}, malformed("payload field is not a JSON list", err)
	}

	logger.InfoContext(ctx, "change feed payload received", "items", len(refs))

	batch := Batch{Shape: ShapeChangeFeed}
	for i, rawRef := range refs {
		var ref changeReference
		if err := decodeJSON(rawRef, &ref); err != nil || ref.ChangesURL == "" {
			logger.InfoContext(ctx, "payload item has no changesUrl; skipping", "index", i)
			continue
		}

		changesURL := unescapeChangesURL(ref.ChangesURL)
		features, err := n.feed.FetchUpdates(ctx, changesURL)
		if err != nil {
			logger.ErrorContext(ctx, "failed to fetch change document",
				"changes_url", redactURL(changesURL),
				"error", err,
			)
			batch.FetchFailures = append(batch.FetchFailures, FetchFailure{URL: changesURL, Err: err})
			continue
		}

		if len(features) == 0 {
			logger.InfoContext(ctx, "change document has no updates", "changes_url", redactURL(changesURL))
		}
		batch.Features = append(batch.Features, features...)
	}

	return batch, nil
}

// unescapeChangesURL reverses the extra percent-encoding ArcGIS applies to
// changesUrl values. A value that does not unescape is used as is.
func unescapeChangesURL(raw string) string {
	if u, err := url.PathUnescape(raw); err == nil {
		return u
	}
	return raw
}

// redactURL drops the query string, which carries the ArcGIS token.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	return u.String()
}

func malformed(msg string, err error) error {
	return types.NewAppError(types.ErrCodeMalformedPayload, msg, err)
}
