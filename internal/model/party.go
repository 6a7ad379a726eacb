package model

// Brazil country code and name used when a party does not declare one.
const (
	CountryBrazilCode = "1058"
	CountryBrazilName = "BRASIL"
)

// Address is a party address in the layout's shape.
type Address struct {
	Street           string `json:"street"`
	Number           string `json:"number"`
	Complement       string `json:"complement,omitempty"`
	District         string `json:"district"`
	MunicipalityCode string `json:"municipality_code"`
	MunicipalityName string `json:"municipality_name"`
	UF               UF     `json:"uf"`
	CEP              string `json:"cep"`
	CountryCode      string `json:"country_code,omitempty"`
	CountryName      string `json:"country_name,omitempty"`
	Phone            string `json:"phone,omitempty"`
}

// Country returns the declared country, defaulting to Brazil.
func (a Address) Country() (code, name string) {
	code, name = a.CountryCode, a.CountryName
	if code == "" {
		code = CountryBrazilCode
	}
	if name == "" {
		name = CountryBrazilName
	}
	return code, name
}

// Foreign reports whether the address lies outside Brazil.
func (a Address) Foreign() bool {
	code, _ := a.Country()
	return code != CountryBrazilCode
}

// Issuer is the taxpayer emitting the document (emit).
type Issuer struct {
	CNPJ              string    `json:"cnpj"`
	LegalName         string    `json:"legal_name"`
	TradeName         string    `json:"trade_name,omitempty"`
	Address           Address   `json:"address"`
	StateRegistration string    `json:"state_registration"`
	TaxRegime         TaxRegime `json:"tax_regime"`
}

// Recipient is the document counterparty (dest).
type Recipient struct {
	// TaxID holds a CPF (11 digits) or CNPJ (14 digits).
	TaxID             string      `json:"tax_id,omitempty"`
	ForeignID         string      `json:"foreign_id,omitempty"`
	Name              string      `json:"name"`
	Address           Address     `json:"address"`
	Email             string      `json:"email,omitempty"`
	IEIndicator       IEIndicator `json:"ie_indicator"`
	StateRegistration string      `json:"state_registration,omitempty"`
}

// IsCompany reports whether the recipient is identified by CNPJ.
func (r Recipient) IsCompany() bool {
	return len(OnlyDigits(r.TaxID)) == 14
}
