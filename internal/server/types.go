package server

import (
	"fmt"
	"time"

	"github.com/rezonia/nfe-service/internal/model"
)

// Credentials carry the A1 certificate of a request. They are never echoed
// or logged.
type Credentials struct {
	// Certificate is the base64 PKCS#12 bundle
	Certificate string `json:"certificate" binding:"required"`
	Passphrase  string `json:"passphrase"`
}

// String never prints the certificate or passphrase
func (c Credentials) String() string {
	return "credentials([REDACTED])"
}

// EmitRequest is the body of POST /api/v1/nfe/emit
type EmitRequest struct {
	Credentials
	Issuer         model.Issuer     `json:"issuer"`
	Recipient      model.Recipient  `json:"recipient"`
	Items          []model.LineItem `json:"items"`
	Payments       []model.Payment  `json:"payments,omitempty"`
	Metadata       model.Metadata   `json:"metadata"`
	LastUsedNumber int64            `json:"last_used_number,omitempty"`
}

// String never prints the certificate or passphrase
func (r EmitRequest) String() string {
	return fmt.Sprintf("EmitRequest{issuer=%s series=%d items=%d %s}",
		r.Issuer.CNPJ, r.Metadata.Series, len(r.Items), r.Credentials)
}

// EmitResponse is returned for authorized and rejected emissions
type EmitResponse struct {
	Status        string          `json:"status"`
	Code          int             `json:"code,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	AccessKey     model.AccessKey `json:"access_key,omitempty"`
	Protocol      string          `json:"protocol,omitempty"`
	Number        int64           `json:"number,omitempty"`
	Series        int             `json:"series"`
	ReceivedAt    *time.Time      `json:"received_at,omitempty"`
	AuthorizedXML string          `json:"authorized_xml,omitempty"`
	// DANFE is the base64 PDF
	DANFE       string   `json:"danfe,omitempty"`
	RawResponse string   `json:"raw_response,omitempty"`
	Kind        string   `json:"kind,omitempty"`
	Error       string   `json:"error,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
	DurationMS  int64    `json:"duration_ms"`
}

// DistributionRequest is the body of POST /api/v1/nfe/distribution. At most
// one of AccessKey and NSU selects a single document; otherwise the batch
// after LastNSU is fetched.
type DistributionRequest struct {
	Credentials
	Party       string            `json:"party" binding:"required"`
	UF          model.UF          `json:"uf" binding:"required"`
	Environment model.Environment `json:"environment" binding:"required"`
	LastNSU     string            `json:"last_nsu,omitempty"`
	AccessKey   model.AccessKey   `json:"access_key,omitempty"`
	NSU         string            `json:"nsu,omitempty"`
}

// String never prints the certificate or passphrase
func (r DistributionRequest) String() string {
	return fmt.Sprintf("DistributionRequest{party=%s uf=%s env=%s last_nsu=%s %s}",
		r.Party, r.UF, r.Environment, r.LastNSU, r.Credentials)
}

// DistributionResponse is one distribution batch
type DistributionResponse struct {
	Status      string           `json:"status"`
	Code        int              `json:"code"`
	Reason      string           `json:"reason"`
	Cursor      string           `json:"cursor"`
	UltNSU      string           `json:"ult_nsu"`
	MaxNSU      string           `json:"max_nsu"`
	NextCursor  string           `json:"next_cursor"`
	Drained     bool             `json:"drained"`
	Stored      int              `json:"stored,omitempty"`
	Documents   []DocumentOutput `json:"documents"`
	RespondedAt *time.Time       `json:"responded_at,omitempty"`
}

// DocumentOutput is one distributed document
type DocumentOutput struct {
	NSU       string `json:"nsu"`
	Schema    string `json:"schema"`
	XMLBase64 string `json:"xml_base64"`
}

// StatusRequest is the body of POST /api/v1/sefaz/status
type StatusRequest struct {
	Credentials
	UF          model.UF          `json:"uf" binding:"required"`
	Environment model.Environment `json:"environment" binding:"required"`
}

// ErrorResponse is the standard error response
type ErrorResponse struct {
	Kind        string      `json:"kind"`
	Error       string      `json:"error"`
	Details     interface{} `json:"details,omitempty"`
	RawResponse string      `json:"raw_response,omitempty"`
}
