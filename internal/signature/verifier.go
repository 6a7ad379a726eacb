package signature

import "context"

// Document formats the verifier recognizes
const (
	FormatNFe     = "NFe"
	FormatNFeProc = "nfeProc"
)

// Verifier checks the digital signature of a fiscal document
type Verifier interface {
	// Verify returns detailed check outcomes. A non-nil error means the
	// document could not be examined at all.
	Verify(ctx context.Context, data []byte) (*VerificationResult, error)
}
