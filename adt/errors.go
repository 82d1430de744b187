package adt

import (
	"fmt"

	"github.com/workskong/mcp-abap-adt/envelope"
)

// HTTPError reports a server-side failure (status >= 500) from the ADT
// system. The body is passed through verbatim, not reinterpreted.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

func (e *HTTPError) EnvelopeCode() envelope.ErrorCode { return envelope.CodeHTTPError }

// CsrfUnavailableError means a CSRF token could not be obtained even
// though the request method requires one.
type CsrfUnavailableError struct {
	Cause error
}

func (e *CsrfUnavailableError) Error() string {
	if e.Cause == nil {
		return "CSRF token required but could not be fetched"
	}
	return fmt.Sprintf("CSRF token required but could not be fetched: %v", e.Cause)
}

func (e *CsrfUnavailableError) Unwrap() error { return e.Cause }

func (e *CsrfUnavailableError) EnvelopeCode() envelope.ErrorCode {
	return envelope.CodeCsrfUnavailable
}
