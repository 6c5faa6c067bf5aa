// Package fetch defines the single-attempt HTTP contract shared by the pool
// and fetcher implementations, plus the error kinds the retry loop inspects.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
	"unicode/utf8"
)

// Request describes one GET attempt.
type Request struct {
	Target string
	// ProxyURL is a full proxy URL including credentials; empty means direct.
	ProxyURL string
}

// Response is the raw outcome of an attempt that reached the server.
// Truncated marks a body cut off at the fetcher's size limit.
type Response struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
	Truncated  bool
}

// Fetcher performs exactly one attempt. It returns an error only when no
// response was received; any status code is reported through Response.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Response, error)
}

// StatusError reports a response whose status was not 200.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// DecodeError reports a body that is not valid UTF-8 text.
type DecodeError struct {
	Size int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("response body (%d bytes) is not valid utf-8", e.Size)
}

// TooLargeError reports a body that exceeded the fetcher's size limit.
type TooLargeError struct {
	Limit int
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("response body exceeds %d bytes", e.Limit)
}

// Check converts a Response into its decoded body, or a StatusError,
// TooLargeError or DecodeError.
func Check(resp Response) (string, error) {
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Code: resp.StatusCode}
	}
	if resp.Truncated {
		return "", &TooLargeError{Limit: len(resp.Body)}
	}
	if !utf8.Valid(resp.Body) {
		return "", &DecodeError{Size: len(resp.Body)}
	}
	return string(resp.Body), nil
}

// Kind labels an attempt outcome for logs and metrics.
type Kind string

// Attempt outcome kinds.
const (
	KindOK        Kind = "ok"
	KindStatus    Kind = "status"
	KindDecode    Kind = "decode"
	KindTooLarge  Kind = "too_large"
	KindTimeout   Kind = "timeout"
	KindCanceled  Kind = "canceled"
	KindTransport Kind = "transport"
)

// Classify maps an attempt error to its Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindOK
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return KindStatus
	}
	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return KindDecode
	}
	var tooLargeErr *TooLargeError
	if errors.As(err, &tooLargeErr) {
		return KindTooLarge
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindTransport
}
