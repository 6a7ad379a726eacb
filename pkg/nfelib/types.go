// Package nfelib provides a public API for emitting and distributing
// Brazilian electronic invoices (NF-e model 55).
//
// Example usage:
//
//	client, err := nfelib.NewClient(nfelib.DefaultOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	res := client.Emit(ctx, pfx, passphrase, input)
//	if !res.Authorized() {
//	    log.Fatalf("emission %s: %v", res.Status, res.Error)
//	}
//	fmt.Println(res.AccessKey, res.Protocol)
package nfelib

import (
	"github.com/rezonia/nfe-service/internal/distribution"
	"github.com/rezonia/nfe-service/internal/document"
	"github.com/rezonia/nfe-service/internal/model"
	"github.com/rezonia/nfe-service/internal/processor"
	"github.com/rezonia/nfe-service/internal/signature"
	"github.com/rezonia/nfe-service/internal/storage"
	"github.com/rezonia/nfe-service/internal/transmission"
)

// Re-export core types for public API
type (
	Input          = document.Input
	Issuer         = model.Issuer
	Recipient      = model.Recipient
	Address        = model.Address
	LineItem       = model.LineItem
	ICMS           = model.ICMS
	Payment        = model.Payment
	Metadata       = model.Metadata
	FiscalDocument = model.FiscalDocument
	AccessKey      = model.AccessKey
	UF             = model.UF
	Environment    = model.Environment
	NSU            = model.NSU

	EmitResult         = processor.Result
	Verification       = processor.Verification
	DistributionBatch  = model.DistributionBatch
	ServiceStatus      = model.ServiceStatus
	VerificationResult = signature.VerificationResult

	TransmissionConfig = transmission.Config
	DistributionConfig = distribution.Config
	StorageConfig      = storage.Config
)

// Re-export environments
const (
	EnvironmentProduction   = model.EnvironmentProduction
	EnvironmentHomologation = model.EnvironmentHomologation
)

// Re-export emission outcomes
const (
	StatusAuthorized = processor.StatusAuthorized
	StatusRejected   = processor.StatusRejected
	StatusFailed     = processor.StatusFailed
)

// Re-export error types
type (
	ErrorKind            = model.ErrorKind
	ValidationError      = model.ValidationError
	CertificateError     = model.CertificateError
	TransmissionError    = model.TransmissionError
	AuthorityRejection   = model.AuthorityRejection
	AuthorityUnavailable = model.AuthorityUnavailable
	InvalidCursor        = model.InvalidCursor
)

// KindOf classifies an error returned by this package
func KindOf(err error) ErrorKind {
	return model.KindOf(err)
}

// ParseAccessKey validates a 44-digit access key
func ParseAccessKey(s string) (AccessKey, error) {
	return model.ParseAccessKey(s)
}
