package document

import (
	"fmt"
	"net/mail"
	"regexp"
	"strconv"
	"strings"

	money "github.com/rezonia/nfe-service/internal/decimal"
	"github.com/rezonia/nfe-service/internal/model"
)

var (
	reNCM  = regexp.MustCompile(`^\d{8}$`)
	reCFOP = regexp.MustCompile(`^[1-7]\d{3}$`)
	reIBGE = regexp.MustCompile(`^\d{7}$`)
	reCEP  = regexp.MustCompile(`^\d{8}$`)
)

// Situations carrying tax substitution groups, which the layout builder
// does not produce.
var substitution = map[model.ICMSSituation]bool{
	"10": true, "30": true, "70": true, "201": true, "202": true, "203": true,
}

// validate checks the whole input and returns every failure at once.
func validate(in *Input) error {
	verr := &model.ValidationError{}

	validateIssuer(verr, &in.Issuer)
	validateRecipient(verr, &in.Recipient)
	validateMetadata(verr, &in.Metadata, in.LastUsedNumber)

	if len(in.Items) == 0 {
		verr.Add("items", nil, "required", "at least one item is required")
	}
	for i := range in.Items {
		validateItem(verr, i, &in.Items[i], in.Issuer.TaxRegime)
	}
	for i, p := range in.Payments {
		field := fmt.Sprintf("payments[%d]", i)
		if _, err := model.ParsePaymentMethod(string(p.Method)); err != nil {
			verr.Add(field+".method", p.Method, "code", err.Error())
		}
		if !money.IsNonNegative(p.Amount) {
			verr.Add(field+".amount", p.Amount.String(), "non_negative", "payment amount must not be negative")
		}
	}

	return verr.OrNil()
}

func validateIssuer(verr *model.ValidationError, is *model.Issuer) {
	if !model.ValidCNPJ(is.CNPJ) {
		verr.Add("issuer.cnpj", is.CNPJ, "checksum", "invalid CNPJ")
	}
	if strings.TrimSpace(is.LegalName) == "" {
		verr.Add("issuer.legal_name", nil, "required", "legal name is required")
	}
	if strings.TrimSpace(is.StateRegistration) == "" {
		verr.Add("issuer.state_registration", nil, "required", "state registration is required")
	}
	checkCode(verr, "issuer.tax_regime", is.TaxRegime, model.ParseTaxRegime)
	validateAddress(verr, "issuer.address", &is.Address, false)
}

func validateRecipient(verr *model.ValidationError, r *model.Recipient) {
	foreign := r.Address.Foreign()
	digits := model.OnlyDigits(r.TaxID)
	switch {
	case foreign:
		if r.TaxID != "" && !model.ValidCNPJ(digits) && !model.ValidCPF(digits) {
			verr.Add("recipient.tax_id", r.TaxID, "checksum", "invalid CPF/CNPJ")
		}
	case len(digits) == 14:
		if !model.ValidCNPJ(digits) {
			verr.Add("recipient.tax_id", r.TaxID, "checksum", "invalid CNPJ")
		}
	case len(digits) == 11:
		if !model.ValidCPF(digits) {
			verr.Add("recipient.tax_id", r.TaxID, "checksum", "invalid CPF")
		}
	default:
		verr.Add("recipient.tax_id", r.TaxID, "format", "CPF (11 digits) or CNPJ (14 digits) required")
	}
	if strings.TrimSpace(r.Name) == "" {
		verr.Add("recipient.name", nil, "required", "name is required")
	}
	if r.Email != "" {
		if _, err := mail.ParseAddress(r.Email); err != nil {
			verr.Add("recipient.email", r.Email, "format", "invalid email")
		}
	}
	checkCode(verr, "recipient.ie_indicator", r.IEIndicator, model.ParseIEIndicator)
	if r.IEIndicator == model.IEContributor && strings.TrimSpace(r.StateRegistration) == "" {
		verr.Add("recipient.state_registration", nil, "required", "state registration is required for contributors")
	}
	validateAddress(verr, "recipient.address", &r.Address, foreign)
}

func validateAddress(verr *model.ValidationError, prefix string, a *model.Address, foreign bool) {
	required := [][2]string{
		{"street", a.Street},
		{"number", a.Number},
		{"district", a.District},
		{"municipality_name", a.MunicipalityName},
	}
	for _, f := range required {
		if strings.TrimSpace(f[1]) == "" {
			verr.Add(prefix+"."+f[0], nil, "required", f[0]+" is required")
		}
	}
	if foreign {
		return
	}
	if !reIBGE.MatchString(a.MunicipalityCode) {
		verr.Add(prefix+".municipality_code", a.MunicipalityCode, "format", "IBGE municipality code must have 7 digits")
	}
	if !a.UF.Valid() {
		verr.Add(prefix+".uf", string(a.UF), "code", "unknown UF")
	} else if reIBGE.MatchString(a.MunicipalityCode) && a.MunicipalityCode[:2] != fmt.Sprintf("%02d", a.UF.Code()) {
		verr.Add(prefix+".municipality_code", a.MunicipalityCode, "uf", "municipality does not belong to UF")
	}
	if !reCEP.MatchString(model.OnlyDigits(a.CEP)) {
		verr.Add(prefix+".cep", a.CEP, "format", "CEP must have 8 digits")
	}
}

func validateMetadata(verr *model.ValidationError, m *model.Metadata, lastUsed int64) {
	if strings.TrimSpace(m.OperationNature) == "" {
		verr.Add("metadata.operation_nature", nil, "required", "operation nature is required")
	}
	checkCode(verr, "metadata.model", m.Model, model.ParseDocumentModel)
	checkCode(verr, "metadata.purpose", m.Purpose, model.ParsePurpose)
	checkCode(verr, "metadata.operation_type", m.OperationType, model.ParseOperationType)
	checkCode(verr, "metadata.presence", m.Presence, model.ParsePresence)
	checkCode(verr, "metadata.payment_form", m.PaymentForm, model.ParsePaymentForm)
	if m.Series < 0 || m.Series > 999 {
		verr.Add("metadata.series", m.Series, "range", "series must be between 0 and 999")
	}
	if m.Number == 0 && lastUsed < 0 {
		verr.Add("last_used_number", lastUsed, "range", "last used number must not be negative")
	}
	next := m.Number
	if next == 0 {
		next = lastUsed + 1
	}
	if next < 1 || next > 999999999 {
		verr.Add("metadata.number", next, "range", "number must be between 1 and 999999999")
	}
	if !m.Environment.Valid() {
		verr.Add("metadata.environment", int(m.Environment), "code", "unknown environment")
	}
	if m.NumericCode < 0 || m.NumericCode > 99999999 {
		verr.Add("metadata.numeric_code", m.NumericCode, "range", "numeric code must have at most 8 digits")
	}
}

func validateItem(verr *model.ValidationError, idx int, li *model.LineItem, regime model.TaxRegime) {
	field := fmt.Sprintf("items[%d]", idx)
	if li.Number != idx+1 {
		verr.Add(field+".number", li.Number, "sequence", fmt.Sprintf("item numbers must be contiguous from 1 (expected %d)", idx+1))
	}
	if strings.TrimSpace(li.Code) == "" {
		verr.Add(field+".code", nil, "required", "product code is required")
	}
	if strings.TrimSpace(li.Description) == "" {
		verr.Add(field+".description", nil, "required", "description is required")
	}
	if !reNCM.MatchString(li.NCM) {
		verr.Add(field+".ncm", li.NCM, "format", "NCM must have 8 digits")
	}
	if !reCFOP.MatchString(li.CFOP) {
		verr.Add(field+".cfop", li.CFOP, "format", "CFOP must have 4 digits")
	}
	if !money.IsPositive(li.Quantity) {
		verr.Add(field+".quantity", li.Quantity.String(), "positive", "quantity must be positive")
	}
	if !money.IsNonNegative(li.UnitPrice) {
		verr.Add(field+".unit_price", li.UnitPrice.String(), "non_negative", "unit price must not be negative")
	}
	if !li.GrossOverride.IsZero() {
		computed := money.LineTotal(li.Quantity, li.UnitPrice)
		if !money.WithinTolerance(li.GrossOverride, computed) {
			verr.Add(field+".gross_total", li.GrossOverride.String(), "tolerance",
				fmt.Sprintf("gross total differs from quantity x unit price (%s)", computed.StringFixed(2)))
		}
	}

	checkCode(verr, field+".icms.origin", li.ICMS.Origin, model.ParseOrigin)
	checkCode(verr, field+".icms.modality", li.ICMS.Modality, model.ParseBaseModality)
	if _, err := model.ParseICMSSituation(string(li.ICMS.Situation)); err != nil {
		verr.Add(field+".icms.situation", li.ICMS.Situation, "code", err.Error())
	} else {
		if li.ICMS.Situation.IsCSOSN() != regime.IsSimples() {
			verr.Add(field+".icms.situation", li.ICMS.Situation, "regime", "situation code does not match the issuer tax regime")
		}
		if substitution[li.ICMS.Situation] {
			verr.Add(field+".icms.situation", li.ICMS.Situation, "unsupported", "tax substitution situations are not supported")
		}
	}
	groups := []struct {
		name  string
		group model.PISCOFINS
	}{{"pis", li.PIS}, {"cofins", li.COFINS}}
	for _, g := range groups {
		if _, err := model.ParsePISCOFINSSituation(string(g.group.Situation)); err != nil {
			verr.Add(field+"."+g.name+".situation", g.group.Situation, "code", err.Error())
		}
	}
}

// checkCode records a FieldError when v is not in its code table
func checkCode[T ~int](verr *model.ValidationError, field string, v T, parse func(string) (T, error)) {
	if _, err := parse(strconv.Itoa(int(v))); err != nil {
		verr.Add(field, int(v), "code", err.Error())
	}
}
