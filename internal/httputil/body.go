// Package httputil provides helpers for reading HTTP payloads safely.
package httputil

import (
	"errors"
	"io"
)

// DefaultMaxBodyBytes caps upstream response bodies at 10 MiB. A model
// response that large is not something the router should buffer.
const DefaultMaxBodyBytes int64 = 10 << 20

// ErrBodyTooLarge reports a response body over the configured cap.
var ErrBodyTooLarge = errors.New("response body exceeds size limit")

// ReadBody reads up to maxBytes from r and returns ErrBodyTooLarge when the
// payload is larger. A non-positive limit applies DefaultMaxBodyBytes.
func ReadBody(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	limited := io.LimitReader(r, maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return body, err
	}
	if int64(len(body)) > maxBytes {
		return body[:maxBytes], ErrBodyTooLarge
	}
	return body, nil
}
