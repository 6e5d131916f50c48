package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrorKind classifies provider errors for retry decisions.
type ErrorKind int

const (
	ErrorRetryable  ErrorKind = iota // transient 5xx
	ErrorRateLimit                   // 429
	ErrorOverloaded                  // 529 or "overloaded" in body
	ErrorTimeout                     // request timeout / deadline exceeded
	ErrorAuth                        // 401, 403
	ErrorBilling                     // 402 or quota exhausted
	ErrorBadRequest                  // 400
	ErrorFatal                       // everything else
)

// String returns the label used in logs.
func (k ErrorKind) String() string {
	switch k {
	case ErrorRetryable:
		return "retryable"
	case ErrorRateLimit:
		return "rate_limit"
	case ErrorOverloaded:
		return "overloaded"
	case ErrorTimeout:
		return "timeout"
	case ErrorAuth:
		return "auth"
	case ErrorBilling:
		return "billing"
	case ErrorBadRequest:
		return "bad_request"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Retryable reports whether a request failing with this kind may be retried.
func (k ErrorKind) Retryable() bool {
	return k == ErrorRetryable || k == ErrorRateLimit || k == ErrorOverloaded || k == ErrorTimeout
}

// ErrEmptyResponse is returned when the provider answers without choices.
var ErrEmptyResponse = errors.New("provider returned no choices")

// APIError is a classified provider failure.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("perplexity API returned %d: %s", e.StatusCode, truncate(e.Message, 200))
	}
	return fmt.Sprintf("perplexity request failed: %s", truncate(e.Message, 200))
}

func (e *APIError) Unwrap() error { return e.Err }

// Classify wraps err in an *APIError carrying its kind. Errors already
// classified are returned unchanged.
func Classify(err error) *APIError {
	if err == nil {
		return nil
	}
	var classified *APIError
	if errors.As(err, &classified) {
		return classified
	}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		return &APIError{
			Kind:       classifyStatus(apiErr.HTTPStatusCode, apiErr.Message),
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
			Err:        err,
		}
	case errors.As(err, &reqErr):
		body := string(reqErr.Body)
		if body == "" && reqErr.Err != nil {
			body = reqErr.Err.Error()
		}
		return &APIError{
			Kind:       classifyStatus(reqErr.HTTPStatusCode, body),
			StatusCode: reqErr.HTTPStatusCode,
			Message:    body,
			Err:        err,
		}
	case errors.Is(err, context.Canceled):
		return &APIError{Kind: ErrorFatal, Message: err.Error(), Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &APIError{Kind: ErrorTimeout, Message: err.Error(), Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		kind := ErrorRetryable
		if netErr.Timeout() {
			kind = ErrorTimeout
		}
		return &APIError{Kind: kind, Message: err.Error(), Err: err}
	}
	return &APIError{Kind: classifyStatus(0, err.Error()), Message: err.Error(), Err: err}
}

// classifyStatus determines the error kind from status code and body.
func classifyStatus(statusCode int, body string) ErrorKind {
	lower := strings.ToLower(body)

	if statusCode == 402 ||
		strings.Contains(lower, "billing") ||
		strings.Contains(lower, "insufficient_quota") ||
		strings.Contains(lower, "payment required") {
		return ErrorBilling
	}

	if statusCode == 429 ||
		strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "too many requests") {
		return ErrorRateLimit
	}

	if statusCode == 529 ||
		strings.Contains(lower, "overloaded") ||
		strings.Contains(lower, "capacity") {
		return ErrorOverloaded
	}

	if strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "deadline") ||
		strings.Contains(lower, "timed out") {
		return ErrorTimeout
	}

	switch {
	case statusCode == 400 || statusCode == 404 || statusCode == 422:
		return ErrorBadRequest
	case statusCode == 401 || statusCode == 403:
		return ErrorAuth
	case statusCode >= 500:
		return ErrorRetryable
	default:
		return ErrorFatal
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
