package errors

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const maxSnippetLen = 256

// FromStatus classifies a non-2xx provider response into an *Error. The body
// is only inspected for well-known refusal markers and for a message snippet;
// adapters that understand their provider's error envelope should extract the
// message first and pass it as the body.
func FromStatus(provider, model string, statusCode int, body []byte, header http.Header) *Error {
	kind := classifyStatus(statusCode)
	if kind == KindValidation && isContentRefusal(body) {
		kind = KindContentPolicy
	}

	msg := snippet(body)
	if msg == "" {
		msg = http.StatusText(statusCode)
	}

	e := &Error{
		Kind:       kind,
		Message:    msg,
		Provider:   provider,
		Model:      model,
		StatusCode: statusCode,
	}
	if kind == KindRateLimited {
		e.RetryAfter = ParseRetryAfter(header)
	}
	return e
}

func classifyStatus(statusCode int) Kind {
	switch {
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return KindAuth
	case statusCode == http.StatusNotFound:
		return KindConfig
	case statusCode == http.StatusRequestTimeout:
		return KindTransportTimeout
	case statusCode == http.StatusTooManyRequests, statusCode == 529:
		// 529 is the overloaded signal some providers use alongside 429.
		return KindRateLimited
	case statusCode >= 500:
		return KindServerError
	case statusCode >= 400:
		return KindValidation
	default:
		return KindServerError
	}
}

var refusalMarkers = []string{
	"content_policy",
	"content_filter",
	"content management policy",
	"responsibleaipolicyviolation",
}

func isContentRefusal(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	lower := strings.ToLower(string(body))
	for _, marker := range refusalMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// ParseRetryAfter reads a Retry-After header as either a second count or an
// HTTP date. It returns 0 when the header is absent or unparseable.
func ParseRetryAfter(header http.Header) time.Duration {
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxSnippetLen {
		s = s[:maxSnippetLen]
	}
	return s
}
