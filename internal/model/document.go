package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	money "github.com/rezonia/nfe-service/internal/decimal"
)

// LayoutVersion is the NFe layout emitted by the assembler.
const LayoutVersion = "4.00"

// Namespace is the NFe XML namespace.
const Namespace = "http://www.portalfiscal.inf.br/nfe"

// EmissionNormal is tpEmis for normal emission.
const EmissionNormal = 1

// Metadata carries the ide group values supplied by the caller.
type Metadata struct {
	OperationNature string        `json:"operation_nature"`
	Model           DocumentModel `json:"model"`
	Series          int           `json:"series"`
	Number          int64         `json:"number"`
	// NumericCode is cNF; zero means derived.
	NumericCode   int           `json:"numeric_code,omitempty"`
	EmittedAt     time.Time     `json:"emitted_at"`
	Purpose       Purpose       `json:"purpose"`
	OperationType OperationType `json:"operation_type"`
	PaymentForm   PaymentForm   `json:"payment_form"`
	Presence      Presence      `json:"presence"`
	FinalConsumer bool          `json:"final_consumer"`
	Environment   Environment   `json:"environment"`
	FiscoNotes    string        `json:"fisco_notes,omitempty"`
	TaxpayerNotes string        `json:"taxpayer_notes,omitempty"`
}

// DefaultMetadata returns the ide defaults: model 55, normal purpose, an
// outbound operation with the buyer present.
func DefaultMetadata() Metadata {
	return Metadata{
		Model:         ModelNFe,
		Purpose:       PurposeNormal,
		OperationType: OperationOutbound,
		Presence:      PresenceInPerson,
	}
}

// UnmarshalJSON starts from DefaultMetadata, so omitted codes keep their
// defaults instead of the zero value.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	type plain Metadata
	p := plain(DefaultMetadata())
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*m = Metadata(p)
	return nil
}

// Totals is the ICMSTot group.
type Totals struct {
	ICMSBase  decimal.Decimal `json:"icms_base"`
	ICMSValue decimal.Decimal `json:"icms_value"`
	Products  decimal.Decimal `json:"products"`
	PIS       decimal.Decimal `json:"pis"`
	COFINS    decimal.Decimal `json:"cofins"`
	Freight   decimal.Decimal `json:"freight"`
	Insurance decimal.Decimal `json:"insurance"`
	Discount  decimal.Decimal `json:"discount"`
	Other     decimal.Decimal `json:"other"`
	Invoice   decimal.Decimal `json:"invoice"`
}

// FiscalDocument is an assembled NFe before signing.
type FiscalDocument struct {
	Issuer    Issuer     `json:"issuer"`
	Recipient Recipient  `json:"recipient"`
	Items     []LineItem `json:"items"`
	Payments  []Payment  `json:"payments"`
	Metadata  Metadata   `json:"metadata"`
	Totals    Totals     `json:"totals"`
	AccessKey AccessKey  `json:"access_key"`
}

// CalculateTotals sums line values into Totals. The invoice total equals
// the sum of line gross totals.
func (d *FiscalDocument) CalculateTotals() {
	var t Totals
	for _, item := range d.Items {
		t.Products = t.Products.Add(item.GrossTotal)
		if item.ICMS.Situation.Taxed() {
			t.ICMSBase = t.ICMSBase.Add(item.ICMS.Base)
			t.ICMSValue = t.ICMSValue.Add(item.ICMS.Value)
		}
		t.PIS = t.PIS.Add(item.PIS.Value)
		t.COFINS = t.COFINS.Add(item.COFINS.Value)
	}
	t.Invoice = money.RoundBRL(t.Products)
	d.Totals = t
}

// Destination derives idDest from the parties' addresses.
func (d *FiscalDocument) Destination() Destination {
	switch {
	case d.Recipient.Address.Foreign():
		return DestinationForeign
	case d.Recipient.Address.UF != "" && d.Recipient.Address.UF != d.Issuer.Address.UF:
		return DestinationInterstate
	}
	return DestinationInternal
}
