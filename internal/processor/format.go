package processor

import (
	"bytes"
	"context"
	"fmt"

	"github.com/rezonia/nfe-service/internal/danfe"
	"github.com/rezonia/nfe-service/internal/model"
	"github.com/rezonia/nfe-service/internal/signature"
)

// Format is the detected document format
type Format int

const (
	FormatUnknown Format = iota
	FormatXML
	FormatPDF
)

// String returns the string representation of the format
func (f Format) String() string {
	switch f {
	case FormatXML:
		return "xml"
	case FormatPDF:
		return "pdf"
	default:
		return "unknown"
	}
}

// DetectFormat detects the document format from content
func DetectFormat(data []byte) Format {
	if bytes.HasPrefix(data, []byte("%PDF")) {
		return FormatPDF
	}
	trimmed := bytes.TrimSpace(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")))
	if len(trimmed) > 0 && trimmed[0] == '<' {
		return FormatXML
	}
	return FormatUnknown
}

// Verification is the outcome of Verify. Exactly one of Signature and
// DANFE is set, depending on Format.
type Verification struct {
	Format    Format                        `json:"-"`
	Kind      string                        `json:"format"`
	Signature *signature.VerificationResult `json:"signature,omitempty"`
	DANFE     *danfe.Metadata               `json:"danfe,omitempty"`
}

// Verify checks a signed NFe or nfeProc, or reads back the identifiers
// of a DANFE.
func Verify(ctx context.Context, verifier signature.Verifier, data []byte) (*Verification, error) {
	f := DetectFormat(data)
	v := &Verification{Format: f, Kind: f.String()}

	switch f {
	case FormatXML:
		if verifier == nil {
			return v, fmt.Errorf("no signature verifier configured")
		}
		res, err := verifier.Verify(ctx, data)
		v.Signature = res
		return v, err
	case FormatPDF:
		meta, err := danfe.Extract(data)
		v.DANFE = meta
		return v, err
	default:
		return v, model.NewValidationError("document", nil, "format", "document is neither XML nor PDF")
	}
}
