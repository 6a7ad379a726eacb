package signature

import (
	"fmt"
	"time"

	"github.com/rezonia/nfe-service/internal/model"
)

// Error codes reported by signature verification
const (
	ErrCodeNoSignature       = "NO_SIGNATURE"
	ErrCodeInvalidSignature  = "INVALID_SIGNATURE"
	ErrCodeReferenceMismatch = "REFERENCE_MISMATCH"
	ErrCodeCertExpired       = "CERT_EXPIRED"
	ErrCodeCertRevoked       = "CERT_REVOKED"
	ErrCodeChainInvalid      = "CHAIN_INVALID"
	ErrCodeOCSPUnavailable   = "OCSP_UNAVAILABLE"
	ErrCodeUnsupportedFormat = "UNSUPPORTED_FORMAT"
	ErrCodeMalformed         = "MALFORMED_DOCUMENT"
)

// SignatureError describes why a signed document could not be checked
type SignatureError struct {
	Code    string
	Field   string
	Message string
	Cause   error
}

func (e *SignatureError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Field != "" {
		msg = fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(" (%v)", e.Cause)
	}
	return msg
}

func (e *SignatureError) Unwrap() error {
	return e.Cause
}

// Kind classifies the error: documents that cannot be examined are
// validation failures, everything else a signing failure.
func (e *SignatureError) Kind() model.ErrorKind {
	switch e.Code {
	case ErrCodeNoSignature, ErrCodeUnsupportedFormat, ErrCodeMalformed:
		return model.KindValidation
	default:
		return model.KindSigning
	}
}

// NewSignatureError creates a new signature error
func NewSignatureError(code, field, message string, cause error) *SignatureError {
	return &SignatureError{
		Code:    code,
		Field:   field,
		Message: message,
		Cause:   cause,
	}
}

// ErrNoSignature is returned when the document carries no Signature
func ErrNoSignature() *SignatureError {
	return NewSignatureError(ErrCodeNoSignature, "", "no signature found in document", nil)
}

// ErrInvalidSignature wraps a failed cryptographic check
func ErrInvalidSignature(cause error) *SignatureError {
	return NewSignatureError(ErrCodeInvalidSignature, "signature", "signature validation failed", cause)
}

// ErrReferenceMismatch is returned when the signature does not point at infNFe
func ErrReferenceMismatch(uri, id string) *SignatureError {
	return NewSignatureError(ErrCodeReferenceMismatch, "Reference",
		fmt.Sprintf("reference %q does not match infNFe Id %q", uri, id), nil)
}

// ErrChainInvalid wraps a certificate chain failure
func ErrChainInvalid(cause error) *SignatureError {
	return NewSignatureError(ErrCodeChainInvalid, "chain", "certificate chain validation failed", cause)
}

// ErrCertExpired is returned when the signer certificate was outside its
// validity window at emission time
func ErrCertExpired(notAfter time.Time) *SignatureError {
	return NewSignatureError(ErrCodeCertExpired, "certificate",
		fmt.Sprintf("signer certificate expired on %s", notAfter.Format(time.DateOnly)), nil)
}

// ErrCertRevoked is returned when a responder revoked the signer certificate
func ErrCertRevoked(serial string) *SignatureError {
	return NewSignatureError(ErrCodeCertRevoked, "certificate", fmt.Sprintf("certificate %s has been revoked", serial), nil)
}

// ErrOCSPUnavailable wraps a revocation check that got no definitive answer
func ErrOCSPUnavailable(cause error) *SignatureError {
	return NewSignatureError(ErrCodeOCSPUnavailable, "ocsp", "revocation status unavailable", cause)
}

// ErrUnsupportedFormat is returned for roots other than NFe or nfeProc
func ErrUnsupportedFormat(format string) *SignatureError {
	return NewSignatureError(ErrCodeUnsupportedFormat, "", fmt.Sprintf("unsupported document: %s", format), nil)
}

// ErrMalformed is returned for input that is not a readable NFe
func ErrMalformed(message string, cause error) *SignatureError {
	return NewSignatureError(ErrCodeMalformed, "", message, cause)
}
