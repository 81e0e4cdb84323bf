package reliability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// Kind classifies failures of the embedding, vector store and completion backends.
type Kind string

const (
	KindUnknown              Kind = "unknown"
	KindBackendUnavailable   Kind = "backend_unavailable"
	KindModelNotFound        Kind = "model_not_found"
	KindDimensionMismatch    Kind = "dimension_mismatch"
	KindConfigurationInvalid Kind = "configuration_invalid"
	KindCanceled             Kind = "canceled"
)

// Sentinels usable with errors.Is against any *Error of the same kind.
var (
	ErrBackendUnavailable   = &Error{Kind: KindBackendUnavailable}
	ErrModelNotFound        = &Error{Kind: KindModelNotFound}
	ErrDimensionMismatch    = &Error{Kind: KindDimensionMismatch}
	ErrConfigurationInvalid = &Error{Kind: KindConfigurationInvalid}
)

// Error carries a Kind plus the backend that produced it.
type Error struct {
	Kind    Kind
	Backend string
	Detail  string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Backend != "" {
		b.WriteString(" (")
		b.WriteString(e.Backend)
		b.WriteString(")")
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can write errors.Is(err, ErrModelNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Backend == "" || t.Backend == e.Backend)
}

func Unavailable(backend string, err error) error {
	return &Error{Kind: KindBackendUnavailable, Backend: backend, Err: err}
}

func ModelNotFound(backend, model string, err error) error {
	return &Error{Kind: KindModelNotFound, Backend: backend, Detail: fmt.Sprintf("model %q not found", model), Err: err}
}

func DimensionMismatch(backend string, got, want int) error {
	return &Error{Kind: KindDimensionMismatch, Backend: backend, Detail: fmt.Sprintf("vector size %d, store expects %d", got, want)}
}

func InvalidConfig(format string, args ...any) error {
	return &Error{Kind: KindConfigurationInvalid, Detail: fmt.Sprintf(format, args...)}
}

// KindOf reports the Kind of err, classifying unwrapped transport errors on the fly.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return classifyKind(err, 0)
}

// Classify wraps err into an *Error for the given backend unless it already is one.
// status is the HTTP status observed, or 0 when the request never completed.
func Classify(backend string, status int, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: classifyKind(err, status), Backend: backend, Err: err}
}

func classifyKind(err error, status int) Kind {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	msg := strings.ToLower(err.Error())
	if status == 404 || (strings.Contains(msg, "model") && strings.Contains(msg, "not found")) {
		return KindModelNotFound
	}
	if IsRetryableHTTPStatus(status) || isConnectionError(err) {
		return KindBackendUnavailable
	}
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "failed to establish a new connection") || strings.Contains(msg, "no such host") {
		return KindBackendUnavailable
	}
	return KindUnknown
}

func isConnectionError(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Timeout() || isConnectionError(urlErr.Err)
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
