package delivery

import (
	"fmt"
	"net/http"
)

// Kind classifies a failed delivery.
type Kind string

const (
	KindBadPayload          Kind = "bad_payload"
	KindUnauthorized        Kind = "unauthorized"
	KindEndpointGone        Kind = "endpoint_gone"
	KindRateLimited         Kind = "rate_limited"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindTransport           Kind = "transport_error"
	KindUnknownHTTP         Kind = "unknown_http_error"
)

// Classify maps an HTTP status to a delivery kind. 2xx returns "".
func Classify(status int) Kind {
	switch {
	case status >= 200 && status < 300:
		return ""
	case status == http.StatusBadRequest:
		return KindBadPayload
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusNotFound:
		return KindEndpointGone
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500 && status < 600:
		return KindUpstreamUnavailable
	default:
		return KindUnknownHTTP
	}
}

// Error describes a delivery that did not succeed.
type Error struct {
	Kind       Kind
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e.Kind == KindTransport {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("%s: http %d", e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Kind, e.StatusCode, body)
}

func (e *Error) Unwrap() error { return e.Err }
