package ingest

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"boommelding/internal/types"
)

// decodeBody undoes the declared Content-Encoding. The decoded size is
// capped at maxBytes so a small compressed body cannot expand without bound.
func decodeBody(body []byte, contentEncoding string, maxBytes int64) ([]byte, error) {
	enc := strings.ToLower(strings.TrimSpace(contentEncoding))

	var r io.Reader
	switch enc {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeMalformedPayload, "invalid gzip body", err)
		}
		defer zr.Close()
		r = zr
	case "zstd":
		zr, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeMalformedPayload, "invalid zstd body", err)
		}
		defer zr.Close()
		r = zr
	default:
		return nil, types.NewAppError(
			types.ErrCodeUnsupportedEncoding,
			fmt.Sprintf("unsupported Content-Encoding %q", contentEncoding),
			nil,
		)
	}

	out, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeMalformedPayload, fmt.Sprintf("failed to decode %s body", enc), err)
	}
	if int64(len(out)) > maxBytes {
		return nil, types.NewAppError(
			types.ErrCodePayloadTooLarge,
			fmt.Sprintf("decoded body exceeds %d bytes", maxBytes),
			nil,
		)
	}
	return out, nil
}
