package xml

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	dsig "github.com/russellhaering/goxmldsig"

	"github.com/rezonia/nfe-service/internal/model"
	"github.com/rezonia/nfe-service/internal/signature"
	"github.com/rezonia/nfe-service/internal/signature/trust"
)

// XMLVerifier checks NFe and nfeProc signatures
type XMLVerifier struct {
	trustStore *trust.TrustStore
	extractor  *SignatureExtractor
	now        func() time.Time
}

// NewXMLVerifier creates a verifier backed by the given trust store
func NewXMLVerifier(ts *trust.TrustStore) *XMLVerifier {
	return &XMLVerifier{
		trustStore: ts,
		extractor:  NewSignatureExtractor(),
		now:        time.Now,
	}
}

var _ signature.Verifier = (*XMLVerifier)(nil)

// Verify checks the infNFe signature, the signer's chain as of the
// emission time, and revocation when the chain names an issuer.
func (v *XMLVerifier) Verify(ctx context.Context, data []byte) (*signature.VerificationResult, error) {
	result := signature.NewVerificationResult()

	ext, err := v.extractor.Extract(data)
	if err != nil {
		result.Fail(err)
		return result, err
	}
	result.Format = ext.Format

	id := ext.ID()
	if key, err := model.ParseAccessKey(id); err == nil {
		result.AccessKey = string(key)
	} else {
		result.AddWarning(fmt.Sprintf("infNFe Id %q is not a valid access key", id))
	}
	if nProt := descend(ext.Protocol, "infProt", "nProt"); nProt != nil {
		result.Protocol = strings.TrimSpace(nProt.Text())
	}

	at := v.now()
	if dhEmi := descend(ext.InfNFe, "ide", "dhEmi"); dhEmi != nil {
		if t, err := time.Parse(time.RFC3339, strings.TrimSpace(dhEmi.Text())); err == nil {
			result.IssuedAt = &t
			at = t
		}
	}

	if ext.Signature == nil {
		err := signature.ErrNoSignature()
		result.Fail(err)
		return result, err
	}
	result.SignatureFound = true

	if uri := ReferenceURI(ext.Signature); uri != "#"+id {
		result.Fail(signature.ErrReferenceMismatch(uri, id))
	}

	cert, err := signerCertificate(ext)
	if err != nil {
		result.Fail(err)
		result.ComputeValidity()
		return result, nil
	}
	result.SetSigner(cert)

	// goxmldsig expects the Signature inside the element it references
	signed := detach(ext.InfNFe)
	signed.AddChild(ext.Signature.Copy())

	validation := dsig.NewDefaultValidationContext(&dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{cert},
	})
	validation.IdAttribute = "Id"
	validation.Clock = dsig.NewFakeClockAt(at)
	if _, err := validation.Validate(signed); err != nil {
		result.Fail(signature.ErrInvalidSignature(err))
	} else {
		result.SignatureValid = true
	}

	chain, err := v.trustStore.VerifyChainAt(cert, nil, at)
	if err != nil {
		result.Fail(chainError(cert, err))
		result.ComputeValidity()
		return result, nil
	}
	result.CertChain = chain
	result.CertChainValid = true

	if len(chain) >= 2 {
		notRevoked, err := v.trustStore.CheckRevocation(ctx, cert, chain[1])
		switch {
		case err != nil && v.trustStore.IsSoftFail():
			result.AddWarning(fmt.Sprintf("OCSP check: %v", err))
			result.NotRevoked = true
		case err != nil:
			result.Fail(signature.ErrOCSPUnavailable(err))
		case !notRevoked:
			result.Fail(signature.ErrCertRevoked(cert.SerialNumber.Text(16)))
		default:
			result.NotRevoked = true
		}
	} else {
		result.NotRevoked = true
		result.AddWarning("revocation check skipped: no issuer certificate in chain")
	}

	result.ComputeValidity()
	return result, nil
}

// chainError singles out certificates that were expired at emission time
func chainError(cert *x509.Certificate, err error) *signature.SignatureError {
	var invalid x509.CertificateInvalidError
	if errors.As(err, &invalid) && invalid.Reason == x509.Expired && invalid.Cert == cert {
		return signature.ErrCertExpired(cert.NotAfter)
	}
	return signature.ErrChainInvalid(err)
}

func signerCertificate(ext *ExtractionResult) (*x509.Certificate, error) {
	data, err := ExtractCertificateData(ext.Signature)
	if err != nil {
		return nil, err
	}
	der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(string(data)), ""))
	if err != nil {
		return nil, fmt.Errorf("failed to decode certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}
