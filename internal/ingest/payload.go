// Package ingest turns the raw body of an ArcGIS webhook request into an
// ordered list of features.
//
// Two wire shapes are accepted:
//
//   - URL-encoded form data whose "payload" field holds a JSON list of
//     {"changesUrl": ...} entries. Each URL is fetched and the "updates" of
//     the referenced document become features.
//   - A JSON object with a top-level "edits" envelope whose "adds" and
//     "updates" lists carry {"attributes": {...}} entries.
//
// The shape is decided once from the body. A body is never interpreted as
// both.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"boommelding/internal/types"
)

// InboundPayload is the raw request body plus its declared encodings.
type InboundPayload struct {
	Body            []byte
	ContentType     string
	ContentEncoding string
}

// Shape identifies which wire format a payload used.
type Shape string

const (
	// ShapeEmpty is an empty body, sent by ArcGIS as a handshake.
	ShapeEmpty Shape = "empty"
	// ShapeChangeFeed is the form-encoded payload of changesUrl references.
	ShapeChangeFeed Shape = "change_feed"
	// ShapeEdits is the direct JSON edits envelope.
	ShapeEdits Shape = "edits"
	// ShapeNoPayload is a form body without a payload field.
	ShapeNoPayload Shape = "no_payload"
	// ShapeNoEdits is a JSON object without an edits envelope.
	ShapeNoEdits Shape = "no_edits"
)

// FetchFailure records a changesUrl that could not be read.
type FetchFailure struct {
	URL string
	Err error
}

// Batch is the outcome of normalizing one payload.
type Batch struct {
	Shape         Shape
	Features      []types.Feature
	FetchFailures []FetchFailure
}

// Status is the value reported to the producer in the response body.
func (b Batch) Status() string {
	switch b.Shape {
	case ShapeEmpty:
		return "empty"
	case ShapeNoPayload:
		return "no payload"
	case ShapeNoEdits:
		return "no edits"
	default:
		return "ok"
	}
}

// editsEnvelope is the direct JSON shape.
type editsEnvelope struct {
	Edits *editsBody `json:"edits"`
}

type editsBody struct {
	Adds    []featureEntry `json:"adds"`
	Updates []featureEntry `json:"updates"`
}

type featureEntry struct {
	Attributes types.Feature `json:"attributes"`
}

// changeReference is one element of the form-encoded payload list.
type changeReference struct {
	ChangesURL string `json:"changesUrl"`
}

// decodeJSON decodes with json.Number so numeric attributes keep their
// source text, and rejects trailing data after the value.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errTrailingData
	}
	return nil
}

var errTrailingData = errors.New("unexpected data after JSON value")
