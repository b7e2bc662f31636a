package errors

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrorTypeNetwork represents transport failures (DNS, TLS, connection, timeout)
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeHTTPStatus represents a non-2xx response
	ErrorTypeHTTPStatus ErrorType = "http_status"
	// ErrorTypeRateLimit represents a 429 response
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeParsing represents HTML parsing errors
	ErrorTypeParsing ErrorType = "parsing"
	// ErrorTypeExtractionMiss means no strategy in a field's chain produced a value
	ErrorTypeExtractionMiss ErrorType = "extraction_miss"
	// ErrorTypeValidationReject means a value existed but failed its validator
	ErrorTypeValidationReject ErrorType = "validation_reject"
	// ErrorTypeRobots represents a URL disallowed by robots.txt
	ErrorTypeRobots ErrorType = "robots"
	// ErrorTypeConfiguration represents configuration errors
	ErrorTypeConfiguration ErrorType = "configuration"
	// ErrorTypeCancelled represents a run-level stop or deadline
	ErrorTypeCancelled ErrorType = "cancelled"
)

// Class tells the scheduler whether an error is worth another attempt.
type Class int

const (
	Fatal Class = iota
	Retryable
)

func (c Class) String() string {
	if c == Retryable {
		return "retryable"
	}
	return "fatal"
}

// CrawlerError represents a crawler-specific error
type CrawlerError struct {
	Type      ErrorType
	Target    string
	Message   string
	Reason    string
	Status    int
	Err       error
	Time      time.Time
	retryable bool
}

// Error implements the error interface
func (e *CrawlerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s - %v", e.Type, e.Target, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Target, e.Message)
}

// Unwrap returns the underlying error
func (e *CrawlerError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error is retryable
func (e *CrawlerError) IsRetryable() bool {
	return e.retryable
}

// New creates a new CrawlerError
func New(errType ErrorType, target, message string, err error) *CrawlerError {
	return &CrawlerError{
		Type:    errType,
		Target:  target,
		Message: message,
		Reason:  string(errType),
		Err:     err,
		Time:    time.Now(),
	}
}

// NewTransport wraps an error returned by the HTTP client and classifies it.
func NewTransport(target, message string, err error) *CrawlerError {
	e := New(ErrorTypeNetwork, target, message, err)
	e.retryable, e.Reason = classifyTransport(err)
	if e.Reason == "cancelled" {
		e.Type = ErrorTypeCancelled
	}
	return e
}

// NewHTTPStatus creates an error for an unexpected status code.
// 5xx and 429 are retryable, everything else is fatal.
func NewHTTPStatus(target string, status int) *CrawlerError {
	errType := ErrorTypeHTTPStatus
	if status == http.StatusTooManyRequests {
		errType = ErrorTypeRateLimit
	}
	e := New(errType, target, fmt.Sprintf("unexpected status code: %d", status), nil)
	e.Status = status
	e.Reason = fmt.Sprintf("http_%d", status)
	e.retryable = status >= 500 || status == http.StatusTooManyRequests
	return e
}

// NewTruncatedBody creates a retryable error for a body that ended early or could not be read.
func NewTruncatedBody(target string, err error) *CrawlerError {
	e := New(ErrorTypeNetwork, target, "malformed or truncated body", err)
	e.Reason = "truncated_body"
	e.retryable = true
	return e
}

// NewParsing creates a new parsing error
func NewParsing(target, message string, err error) *CrawlerError {
	return New(ErrorTypeParsing, target, message, err)
}

// NewExtractionMiss records that no strategy produced a value for field.
func NewExtractionMiss(target, field string) *CrawlerError {
	e := New(ErrorTypeExtractionMiss, target, "no strategy matched field "+field, nil)
	e.Reason = "no_" + field
	return e
}

// NewValidationReject records that field had a value which failed validation.
func NewValidationReject(target, field, value string) *CrawlerError {
	e := New(ErrorTypeValidationReject, target, fmt.Sprintf("field %s rejected value %q", field, value), nil)
	e.Reason = "invalid_" + field
	return e
}

// NewRobots creates an error for a URL disallowed by robots.txt
func NewRobots(target, url string) *CrawlerError {
	e := New(ErrorTypeRobots, target, "disallowed by robots.txt: "+url, nil)
	e.Reason = "robots_disallowed"
	return e
}

// NewConfiguration creates a new configuration error
func NewConfiguration(message string, err error) *CrawlerError {
	return New(ErrorTypeConfiguration, "", message, err)
}

// NewCancelled creates an error for a stopped run.
func NewCancelled(target string, err error) *CrawlerError {
	e := New(ErrorTypeCancelled, target, "run stopped", err)
	e.Reason = "cancelled"
	return e
}

// Classify reports whether err is worth retrying.
// Errors that are not CrawlerErrors are classified as transport errors.
func Classify(err error) Class {
	if err == nil {
		return Fatal
	}
	var ce *CrawlerError
	if stderrors.As(err, &ce) {
		if ce.retryable {
			return Retryable
		}
		return Fatal
	}
	if retryable, _ := classifyTransport(err); retryable {
		return Retryable
	}
	return Fatal
}

// Reason returns a short label for diagnostics, e.g. "timeout" or "http_503".
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var ce *CrawlerError
	if stderrors.As(err, &ce) && ce.Reason != "" {
		return ce.Reason
	}
	_, reason := classifyTransport(err)
	return reason
}

// IsType reports whether err is a CrawlerError of the given type.
func IsType(err error, errType ErrorType) bool {
	var ce *CrawlerError
	return stderrors.As(err, &ce) && ce.Type == errType
}

func classifyTransport(err error) (bool, string) {
	if err == nil {
		return false, ""
	}
	if stderrors.Is(err, context.Canceled) {
		return false, "cancelled"
	}

	// DNS and TLS failures will not fix themselves within a run.
	var dnsErr *net.DNSError
	if stderrors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return true, "timeout"
		}
		return false, "dns"
	}
	var certErr *tls.CertificateVerificationError
	if stderrors.As(err, &certErr) {
		return false, "tls"
	}
	var authorityErr x509.UnknownAuthorityError
	if stderrors.As(err, &authorityErr) {
		return false, "tls"
	}
	var hostnameErr x509.HostnameError
	if stderrors.As(err, &hostnameErr) {
		return false, "tls"
	}
	var invalidErr x509.CertificateInvalidError
	if stderrors.As(err, &invalidErr) {
		return false, "tls"
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return true, "timeout"
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return true, "timeout"
	}
	if stderrors.Is(err, syscall.ECONNRESET) {
		return true, "connection_reset"
	}
	if stderrors.Is(err, syscall.ECONNREFUSED) {
		return true, "connection_refused"
	}
	if stderrors.Is(err, io.ErrUnexpectedEOF) || stderrors.Is(err, io.EOF) {
		return true, "truncated_body"
	}
	var opErr *net.OpError
	if stderrors.As(err, &opErr) {
		return true, "connection"
	}

	return false, "transport"
}

// Outcomes of a selector chain that found nothing usable.
var (
	ErrNotFound = stderrors.New("no strategy produced a value")
	ErrRejected = stderrors.New("every extracted value failed validation")
)
