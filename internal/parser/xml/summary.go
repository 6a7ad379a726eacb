package xml

import (
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rezonia/nfe-service/internal/model"
)

// Document situations reported by resNFe (cSitNFe)
const (
	SituationAuthorized = "authorized"
	SituationDenied     = "denied"
	SituationCancelled  = "cancelled"
)

// Summary is the decoded view of one distributed document
type Summary struct {
	NSU         model.NSU       `json:"nsu,omitempty"`
	Schema      string          `json:"schema,omitempty"`
	Kind        string          `json:"kind"`
	AccessKey   model.AccessKey `json:"access_key"`
	IssuerTaxID string          `json:"issuer_tax_id,omitempty"`
	IssuerName  string          `json:"issuer_name,omitempty"`
	IssuedAt    time.Time       `json:"issued_at,omitempty"`
	Total       decimal.Decimal `json:"total"`
	Situation   string          `json:"situation,omitempty"`
	Protocol    string          `json:"protocol,omitempty"`
	ReceivedAt  time.Time       `json:"received_at,omitempty"`
	Event       *Event          `json:"event,omitempty"`
	Invoice     *Invoice        `json:"-"`
}

// IsEvent reports whether the summary describes an event
func (s *Summary) IsEvent() bool {
	return s.Event != nil
}

// resNFe structures
type resNFeXML struct {
	XMLName  xml.Name `xml:"resNFe"`
	ChNFe    string   `xml:"chNFe"`
	CNPJ     string   `xml:"CNPJ"`
	CPF      string   `xml:"CPF"`
	XNome    string   `xml:"xNome"`
	IE       string   `xml:"IE"`
	DhEmi    string   `xml:"dhEmi"`
	TpNF     string   `xml:"tpNF"`
	VNF      string   `xml:"vNF"`
	DigVal   string   `xml:"digVal"`
	DhRecbto string   `xml:"dhRecbto"`
	NProt    string   `xml:"nProt"`
	CSitNFe  string   `xml:"cSitNFe"`
}

// ResNFeDecoder decodes document summaries
type ResNFeDecoder struct{}

// NewResNFeDecoder creates a new resNFe decoder
func NewResNFeDecoder() *ResNFeDecoder {
	return &ResNFeDecoder{}
}

// Kind returns the schema kind
func (d *ResNFeDecoder) Kind() string {
	return KindResNFe
}

// CanDecode checks for a resNFe root
func (d *ResNFeDecoder) CanDecode(content []byte) bool {
	return bytes.Contains(content, []byte("<resNFe"))
}

// Decode parses a resNFe
func (d *ResNFeDecoder) Decode(ctx context.Context, r io.Reader) (*Summary, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, NewParseError(KindResNFe, "content", "failed to read content", err)
	}

	var res resNFeXML
	if err := xml.Unmarshal(content, &res); err != nil {
		return nil, NewParseError(KindResNFe, "xml", "failed to parse XML", err)
	}
	key, err := model.ParseAccessKey(res.ChNFe)
	if err != nil {
		return nil, NewParseError(KindResNFe, "chNFe", "invalid access key", err)
	}

	s := &Summary{
		Kind:        KindResNFe,
		AccessKey:   key,
		IssuerTaxID: firstNonEmpty(res.CNPJ, res.CPF),
		IssuerName:  res.XNome,
		Total:       parseDecimal(res.VNF),
		Situation:   situation(res.CSitNFe),
		Protocol:    strings.TrimSpace(res.NProt),
	}
	if t, err := parseDate(res.DhEmi); err == nil {
		s.IssuedAt = t
	}
	if t, err := parseDate(res.DhRecbto); err == nil {
		s.ReceivedAt = t
	}
	return s, nil
}

func situation(code string) string {
	switch n, _ := strconv.Atoi(strings.TrimSpace(code)); n {
	case 1:
		return SituationAuthorized
	case 2:
		return SituationDenied
	case 3:
		return SituationCancelled
	}
	return ""
}
