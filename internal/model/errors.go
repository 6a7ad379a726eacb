package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures for callers and the HTTP boundary.
type ErrorKind string

const (
	KindValidation           ErrorKind = "validation"
	KindCertificate          ErrorKind = "certificate"
	KindSigning              ErrorKind = "signing"
	KindRouting              ErrorKind = "routing"
	KindTransmission         ErrorKind = "transmission"
	KindAuthorityRejection   ErrorKind = "authority_rejection"
	KindRender               ErrorKind = "render"
	KindAuthorityUnavailable ErrorKind = "authority_unavailable"
	KindInvalidCursor        ErrorKind = "invalid_cursor"
	KindInternal             ErrorKind = "internal"
)

type kinded interface {
	Kind() ErrorKind
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) ErrorKind {
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindInternal
}

// FieldError is a single failed field rule.
type FieldError struct {
	Field   string      `json:"field"`
	Value   interface{} `json:"value,omitempty"`
	Rule    string      `json:"rule"`
	Message string      `json:"message"`
}

func (e FieldError) String() string {
	if e.Value != nil {
		return fmt.Sprintf("%s: %s (value=%v, rule=%s)", e.Field, e.Message, e.Value, e.Rule)
	}
	return fmt.Sprintf("%s: %s (rule=%s)", e.Field, e.Message, e.Rule)
}

// ValidationError lists every field that failed validation.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return fmt.Sprintf("validation failed on %d field(s): %s", len(e.Fields), strings.Join(parts, "; "))
}

func (e *ValidationError) Kind() ErrorKind { return KindValidation }

// Add appends a failed rule.
func (e *ValidationError) Add(field string, value interface{}, rule, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Value: value, Rule: rule, Message: message})
}

// Has reports whether field failed any rule.
func (e *ValidationError) Has(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

// OrNil returns nil when no field failed.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// NewValidationError creates a validation error with one failed field
func NewValidationError(field string, value interface{}, rule, message string) *ValidationError {
	e := &ValidationError{}
	e.Add(field, value, rule, message)
	return e
}

// CertificateError reports an unusable signing certificate. It never
// carries key material or passphrases.
type CertificateError struct {
	Reason  string
	Message string
	Cause   error
}

// Certificate failure reasons.
const (
	CertReasonPassphrase  = "bad_passphrase"
	CertReasonMalformed   = "malformed"
	CertReasonExpired     = "expired"
	CertReasonNotYetValid = "not_yet_valid"
	CertReasonNoKey       = "no_private_key"
	CertReasonUnsupported = "unsupported_key"
	CertReasonUntrusted   = "untrusted"
)

func (e *CertificateError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("certificate %s: %s (%v)", e.Reason, e.Message, e.Cause)
	}
	return fmt.Sprintf("certificate %s: %s", e.Reason, e.Message)
}

func (e *CertificateError) Unwrap() error   { return e.Cause }
func (e *CertificateError) Kind() ErrorKind { return KindCertificate }

// NewCertificateError creates a new certificate error
func NewCertificateError(reason, message string, cause error) *CertificateError {
	return &CertificateError{Reason: reason, Message: message, Cause: cause}
}

// SigningError reports a failure computing the signature.
type SigningError struct {
	Message string
	Cause   error
}

func (e *SigningError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("signing failed: %s (%v)", e.Message, e.Cause)
	}
	return fmt.Sprintf("signing failed: %s", e.Message)
}

func (e *SigningError) Unwrap() error   { return e.Cause }
func (e *SigningError) Kind() ErrorKind { return KindSigning }

// NewSigningError creates a new signing error
func NewSigningError(message string, cause error) *SigningError {
	return &SigningError{Message: message, Cause: cause}
}

// RoutingError reports that no endpoint exists for a request.
type RoutingError struct {
	UF          string
	Service     string
	Environment Environment
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("no endpoint for service %s in UF %q (%s)", e.Service, e.UF, e.Environment)
}

func (e *RoutingError) Kind() ErrorKind { return KindRouting }

// NewRoutingError creates a new routing error
func NewRoutingError(uf, service string, env Environment) *RoutingError {
	return &RoutingError{UF: uf, Service: service, Environment: env}
}

// TransmissionError reports a transport-level failure or an unreadable
// authority response.
type TransmissionError struct {
	Endpoint   string
	StatusCode int
	Attempts   int
	Retryable  bool
	Message    string
	Cause      error
}

func (e *TransmissionError) Error() string {
	msg := fmt.Sprintf("transmission to %s failed: %s", e.Endpoint, e.Message)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (http %d)", e.StatusCode)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}

func (e *TransmissionError) Unwrap() error   { return e.Cause }
func (e *TransmissionError) Kind() ErrorKind { return KindTransmission }

// NewTransmissionError creates a new transmission error
func NewTransmissionError(endpoint string, statusCode int, retryable bool, message string, cause error) *TransmissionError {
	return &TransmissionError{
		Endpoint:   endpoint,
		StatusCode: statusCode,
		Retryable:  retryable,
		Message:    message,
		Cause:      cause,
	}
}

// AuthorityRejection carries a business rejection from the authority.
type AuthorityRejection struct {
	Code      int
	Reason    string
	AccessKey AccessKey
	Raw       []byte
}

func (e *AuthorityRejection) Error() string {
	return fmt.Sprintf("rejected by authority: %d %s", e.Code, e.Reason)
}

func (e *AuthorityRejection) Kind() ErrorKind { return KindAuthorityRejection }

// NewAuthorityRejection creates a new rejection
func NewAuthorityRejection(code int, reason string, key AccessKey, raw []byte) *AuthorityRejection {
	return &AuthorityRejection{Code: code, Reason: reason, AccessKey: key, Raw: raw}
}

// RenderError reports that a printable representation cannot be produced.
type RenderError struct {
	Message string
	Cause   error
}

func (e *RenderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("render failed: %s (%v)", e.Message, e.Cause)
	}
	return fmt.Sprintf("render failed: %s", e.Message)
}

func (e *RenderError) Unwrap() error   { return e.Cause }
func (e *RenderError) Kind() ErrorKind { return KindRender }

// NewRenderError creates a new render error
func NewRenderError(message string, cause error) *RenderError {
	return &RenderError{Message: message, Cause: cause}
}

// AuthorityUnavailable reports a temporarily unreachable or throttling
// authority.
type AuthorityUnavailable struct {
	Code    int
	Message string
	Cause   error
}

func (e *AuthorityUnavailable) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("authority unavailable: %d %s", e.Code, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("authority unavailable: %s (%v)", e.Message, e.Cause)
	}
	return fmt.Sprintf("authority unavailable: %s", e.Message)
}

func (e *AuthorityUnavailable) Unwrap() error   { return e.Cause }
func (e *AuthorityUnavailable) Kind() ErrorKind { return KindAuthorityUnavailable }

// NewAuthorityUnavailable creates a new unavailability error
func NewAuthorityUnavailable(code int, message string, cause error) *AuthorityUnavailable {
	return &AuthorityUnavailable{Code: code, Message: message, Cause: cause}
}

// InvalidCursor reports a cursor the authority does not accept.
type InvalidCursor struct {
	Cursor NSU
	MaxNSU NSU
	Reason string
}

func (e *InvalidCursor) Error() string {
	return fmt.Sprintf("invalid cursor %s (max %s): %s", e.Cursor, e.MaxNSU, e.Reason)
}

func (e *InvalidCursor) Kind() ErrorKind { return KindInvalidCursor }

// NewInvalidCursor creates a new cursor error
func NewInvalidCursor(cursor, max NSU, reason string) *InvalidCursor {
	return &InvalidCursor{Cursor: cursor, MaxNSU: max, Reason: reason}
}
