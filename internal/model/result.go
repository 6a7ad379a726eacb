package model

import "time"

// Authority status codes (cStat) the service acts upon.
const (
	StatusAuthorized        = 100
	StatusLotReceived       = 103
	StatusLotProcessed      = 104
	StatusLotInProcess      = 105
	StatusServiceRunning    = 107
	StatusDuplicate         = 204
	StatusNoDocuments       = 137
	StatusDocumentsFound    = 138
	StatusCursorAboveMax    = 589
	StatusExcessConsumption = 656
)

// AuthorizationStatus is the outcome of a transmission.
type AuthorizationStatus string

const (
	AuthorizationAuthorized AuthorizationStatus = "authorized"
	AuthorizationRejected   AuthorizationStatus = "rejected"
)

// AuthorizationResult is the interpreted authority verdict for a document.
// It is immutable once built.
type AuthorizationResult struct {
	code       int
	reason     string
	accessKey  AccessKey
	protocol   string
	receivedAt time.Time
	xml        []byte
	raw        []byte
}

// NewAuthorizationResult builds a result; xml is the nfeProc document and is
// only kept for authorized results.
func NewAuthorizationResult(code int, reason string, key AccessKey, protocol string, receivedAt time.Time, xml, raw []byte) *AuthorizationResult {
	r := &AuthorizationResult{
		code:       code,
		reason:     reason,
		accessKey:  key,
		protocol:   protocol,
		receivedAt: receivedAt,
		raw:        append([]byte(nil), raw...),
	}
	if code == StatusAuthorized {
		r.xml = append([]byte(nil), xml...)
	}
	return r
}

func (r *AuthorizationResult) Code() int             { return r.code }
func (r *AuthorizationResult) Reason() string        { return r.reason }
func (r *AuthorizationResult) AccessKey() AccessKey  { return r.accessKey }
func (r *AuthorizationResult) Protocol() string      { return r.protocol }
func (r *AuthorizationResult) ReceivedAt() time.Time { return r.receivedAt }

// AuthorizedXML returns a copy of the nfeProc document.
func (r *AuthorizationResult) AuthorizedXML() []byte {
	return append([]byte(nil), r.xml...)
}

// RawResponse returns a copy of the authority response body.
func (r *AuthorizationResult) RawResponse() []byte {
	return append([]byte(nil), r.raw...)
}

// Authorized reports whether the authority granted use of the document.
func (r *AuthorizationResult) Authorized() bool {
	return r.code == StatusAuthorized
}

// Status maps the code to authorized or rejected.
func (r *AuthorizationResult) Status() AuthorizationStatus {
	if r.Authorized() {
		return AuthorizationAuthorized
	}
	return AuthorizationRejected
}

// ServiceStatus is the answer of the status service.
type ServiceStatus struct {
	Code          int           `json:"code"`
	Reason        string        `json:"reason"`
	UF            UF            `json:"uf"`
	Environment   Environment   `json:"environment"`
	ReceivedAt    time.Time     `json:"received_at"`
	AverageTime   time.Duration `json:"average_time"`
	ApplicationID string        `json:"application_id"`
}

// Operational reports whether the service answered "in operation".
func (s ServiceStatus) Operational() bool {
	return s.Code == StatusServiceRunning
}
