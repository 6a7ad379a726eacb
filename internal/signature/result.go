package signature

import (
	"crypto/x509"
	"errors"
	"strings"
	"time"
)

// VerificationResult is the outcome of checking a signed NFe. Valid
// holds only when all four checks passed and nothing was recorded in
// Errors.
type VerificationResult struct {
	Valid bool `json:"valid"`

	SignatureFound bool `json:"signature_found"`
	SignatureValid bool `json:"signature_valid"`
	CertChainValid bool `json:"cert_chain_valid"`
	NotRevoked     bool `json:"not_revoked"`

	// Format is FormatNFe or FormatNFeProc
	Format    string `json:"format,omitempty"`
	AccessKey string `json:"access_key,omitempty"`
	// Protocol is the nProt of an nfeProc
	Protocol string `json:"protocol,omitempty"`
	// IssuedAt is the dhEmi the chain was checked against
	IssuedAt *time.Time `json:"issued_at,omitempty"`

	Signer    *SignerInfo         `json:"signer,omitempty"`
	CertChain []*x509.Certificate `json:"-"`

	Errors []string `json:"errors,omitempty"`
	// Codes lists the SignatureError codes behind Errors, without repeats
	Codes    []string `json:"codes,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// SignerInfo describes the signing certificate
type SignerInfo struct {
	Name         string    `json:"name"`
	TaxID        string    `json:"tax_id,omitempty"`
	Organization string    `json:"organization,omitempty"`
	SerialNumber string    `json:"serial_number"`
	Issuer       string    `json:"issuer"`
	ValidFrom    time.Time `json:"valid_from"`
	ValidTo      time.Time `json:"valid_to"`
}

// NewVerificationResult creates a new empty result
func NewVerificationResult() *VerificationResult {
	return &VerificationResult{
		Errors:   []string{},
		Warnings: []string{},
	}
}

// AddWarning records a non-fatal finding
func (r *VerificationResult) AddWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// Fail records a failed check and marks the result invalid
func (r *VerificationResult) Fail(err error) {
	if err == nil {
		return
	}
	r.Errors = append(r.Errors, err.Error())
	r.Valid = false

	var serr *SignatureError
	if errors.As(err, &serr) && !r.HasCode(serr.Code) {
		r.Codes = append(r.Codes, serr.Code)
	}
}

// HasCode reports whether a failure with the given code was recorded
func (r *VerificationResult) HasCode(code string) bool {
	for _, c := range r.Codes {
		if c == code {
			return true
		}
	}
	return false
}

// SetSigner fills SignerInfo from the signing certificate. ICP-Brasil
// subjects carry the holder's CNPJ or CPF after the last colon of the CN.
func (r *VerificationResult) SetSigner(cert *x509.Certificate) {
	if cert == nil {
		return
	}
	name, taxID := cert.Subject.CommonName, ""
	if i := strings.LastIndex(name, ":"); i >= 0 {
		name, taxID = name[:i], strings.TrimSpace(name[i+1:])
	}

	r.Signer = &SignerInfo{
		Name:         name,
		TaxID:        taxID,
		Organization: first(cert.Subject.Organization),
		SerialNumber: cert.SerialNumber.String(),
		Issuer:       cert.Issuer.CommonName,
		ValidFrom:    cert.NotBefore,
		ValidTo:      cert.NotAfter,
	}
	if r.Signer.Issuer == "" {
		r.Signer.Issuer = first(cert.Issuer.Organization)
	}
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// ComputeValidity sets Valid from the individual checks
func (r *VerificationResult) ComputeValidity() {
	r.Valid = r.SignatureFound &&
		r.SignatureValid &&
		r.CertChainValid &&
		r.NotRevoked &&
		len(r.Errors) == 0
}
