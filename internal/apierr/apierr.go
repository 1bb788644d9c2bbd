// Package apierr classifies failures coming back from the Google APIs.
// Remote error payloads are decoded once here; the rest of the program
// matches on Kind instead of provider status codes.
package apierr

import (
	"errors"
	"io"
	"net"
	"net/url"
	"strings"
	"syscall"

	"google.golang.org/api/googleapi"
)

// Kind is the closed classification of a remote API failure.
type Kind int

const (
	// KindOther covers everything that is neither a 404 nor a 5xx.
	KindOther Kind = iota

	// KindNotFound is a 404-equivalent response.  During polling it
	// means the operation disappeared and retrying cannot help.
	KindNotFound

	// KindServer is a 5xx response.  The body is worth reporting.
	KindServer
)

// Classify inspects err and returns its Kind plus, for server errors,
// the response body.
func Classify(err error) (Kind, string) {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return KindOther, ""
	}
	switch {
	case apiErr.Code == 404:
		return KindNotFound, ""
	case apiErr.Code >= 500 && apiErr.Code < 600:
		return KindServer, apiErr.Body
	default:
		return KindOther, ""
	}
}

// Retryable reports whether err is a transient failure worth
// repeating: network-level errors (broken pipe, connection reset,
// timeouts, unexpected EOF) and 429/5xx API responses.  Client-side
// errors (400, 403, 404) are permanent and propagate immediately.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || (apiErr.Code >= 500 && apiErr.Code < 600)
	}

	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}

	// The HTTP transport occasionally surfaces these as plain strings.
	msg := err.Error()
	for _, pattern := range []string{"broken pipe", "connection reset", "EOF"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
