package model

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	money "github.com/rezonia/nfe-service/internal/decimal"
)

// ICMS is the state VAT group of a line.
type ICMS struct {
	Origin    Origin          `json:"origin"`
	Situation ICMSSituation   `json:"situation"`
	Modality  BaseModality    `json:"modality"`
	Base      decimal.Decimal `json:"base"`
	Rate      decimal.Decimal `json:"rate"`
	Value     decimal.Decimal `json:"value"`
}

// PISCOFINS is the PIS or COFINS group of a line.
type PISCOFINS struct {
	Situation PISCOFINSSituation `json:"situation"`
	Base      decimal.Decimal    `json:"base"`
	Rate      decimal.Decimal    `json:"rate"`
	Value     decimal.Decimal    `json:"value"`
}

// LineItem is one product line (det).
type LineItem struct {
	Number      int    `json:"number"`
	Code        string `json:"code"`
	GTIN        string `json:"gtin,omitempty"`
	Description string `json:"description"`
	NCM         string `json:"ncm"`
	CFOP        string `json:"cfop"`

	Unit      string          `json:"unit"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`

	TaxableUnit      string          `json:"taxable_unit,omitempty"`
	TaxableQuantity  decimal.Decimal `json:"taxable_quantity"`
	TaxableUnitPrice decimal.Decimal `json:"taxable_unit_price"`

	// GrossOverride is the declared gross total; zero means computed.
	GrossOverride decimal.Decimal `json:"gross_override"`
	GrossTotal    decimal.Decimal `json:"gross_total"`

	ICMS   ICMS      `json:"icms"`
	PIS    PISCOFINS `json:"pis"`
	COFINS PISCOFINS `json:"cofins"`

	AdditionalInfo string `json:"additional_info,omitempty"`
}

// UnmarshalJSON defaults an omitted ICMS modality to
// ModalityOperationValue.
func (li *LineItem) UnmarshalJSON(data []byte) error {
	type plain LineItem
	p := plain{ICMS: ICMS{Modality: ModalityOperationValue}}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*li = LineItem(p)
	return nil
}

// Calculate fills derived values: taxable defaults, gross total and tax
// values that were not supplied.
func (li *LineItem) Calculate() {
	if li.Unit == "" {
		li.Unit = "UN"
	}
	if li.TaxableUnit == "" {
		li.TaxableUnit = li.Unit
	}
	if li.TaxableQuantity.IsZero() {
		li.TaxableQuantity = li.Quantity
	}
	if li.TaxableUnitPrice.IsZero() {
		li.TaxableUnitPrice = li.UnitPrice
	}

	li.GrossTotal = money.LineTotal(li.Quantity, li.UnitPrice)
	if !li.GrossOverride.IsZero() {
		li.GrossTotal = money.RoundBRL(li.GrossOverride)
	}

	if li.ICMS.Value.IsZero() {
		li.ICMS.Value = money.CalculateTax(li.ICMS.Base, li.ICMS.Rate)
	}
	if li.PIS.Value.IsZero() {
		li.PIS.Value = money.CalculateTax(li.PIS.Base, li.PIS.Rate)
	}
	if li.COFINS.Value.IsZero() {
		li.COFINS.Value = money.CalculateTax(li.COFINS.Base, li.COFINS.Rate)
	}
}

// Payment is one detPag entry.
type Payment struct {
	Method PaymentMethod   `json:"method"`
	Amount decimal.Decimal `json:"amount"`
}
