// Package envelope defines the uniform result shape every tool handler
// returns and both dispatch surfaces relay unchanged.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorCode classifies a failure for callers that key on codes.
type ErrorCode string

const (
	CodeConfiguration   ErrorCode = "ConfigurationError"
	CodeInvalidParams   ErrorCode = "InvalidParams"
	CodeMethodNotFound  ErrorCode = "MethodNotFound"
	CodeCsrfUnavailable ErrorCode = "CsrfUnavailable"
	CodeHTTPError       ErrorCode = "HttpError"
	CodeInternal        ErrorCode = "InternalError"
)

// Segment is one piece of result content. Type is always "text".
type Segment struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ErrorInfo carries the structured error of a failure envelope.
type ErrorInfo struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Result is the discriminated success/failure union returned by every
// handler. Failures always carry a "Error: <message>" text segment so
// clients that only read content still see the problem.
type Result struct {
	IsError bool       `json:"isError"`
	Content []Segment  `json:"content"`
	Err     *ErrorInfo `json:"error,omitempty"`
}

// Text builds a success envelope from one or more text segments.
func Text(texts ...string) Result {
	content := make([]Segment, 0, len(texts))
	for _, t := range texts {
		content = append(content, Segment{Type: "text", Text: t})
	}
	return Result{IsError: false, Content: content}
}

// JSON builds a success envelope with v rendered as indented JSON.
func JSON(v any) Result {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return Failure(CodeInternal, fmt.Sprintf("marshal result: %v", err))
	}
	return Text(string(b))
}

// Failure builds an error envelope.
func Failure(code ErrorCode, message string) Result {
	return Result{
		IsError: true,
		Content: []Segment{{Type: "text", Text: "Error: " + message}},
		Err:     &ErrorInfo{Code: code, Message: message},
	}
}

// FailureFromError maps err onto a failure envelope using the error
// taxonomy: typed errors keep their code, everything else is internal.
func FailureFromError(err error) Result {
	var c interface{ EnvelopeCode() ErrorCode }
	if errors.As(err, &c) {
		return Failure(c.EnvelopeCode(), err.Error())
	}
	return Failure(CodeInternal, err.Error())
}
