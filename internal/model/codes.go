package model

import (
	"fmt"
	"strconv"
	"strings"
)

// UF is a Brazilian federative unit abbreviation (e.g. "SP").
type UF string

// ufCodes maps each UF to its IBGE code (cUF).
var ufCodes = map[UF]int{
	"RO": 11, "AC": 12, "AM": 13, "RR": 14, "PA": 15, "AP": 16, "TO": 17,
	"MA": 21, "PI": 22, "CE": 23, "RN": 24, "PB": 25, "PE": 26, "AL": 27,
	"SE": 28, "BA": 29, "MG": 31, "ES": 32, "RJ": 33, "SP": 35, "PR": 41,
	"SC": 42, "RS": 43, "MS": 50, "MT": 51, "GO": 52, "DF": 53,
}

// NationalEnvironmentCode is the cUF of the national environment (AN).
const NationalEnvironmentCode = 91

// ForeignUF is written in place of a UF for foreign parties.
const ForeignUF UF = "EX"

// ParseUF normalizes and validates a UF abbreviation.
func ParseUF(s string) (UF, error) {
	uf := UF(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := ufCodes[uf]; !ok {
		return "", fmt.Errorf("unknown UF %q", s)
	}
	return uf, nil
}

// Code returns the IBGE code of the UF, or 0 when unknown.
func (u UF) Code() int {
	return ufCodes[u]
}

// UFByCode returns the UF with the given IBGE code.
func UFByCode(code int) (UF, bool) {
	for uf, c := range ufCodes {
		if c == code {
			return uf, true
		}
	}
	return "", false
}

// Valid reports whether the UF is known.
func (u UF) Valid() bool {
	_, ok := ufCodes[u]
	return ok
}

// UFs returns every known UF.
func UFs() []UF {
	out := make([]UF, 0, len(ufCodes))
	for uf := range ufCodes {
		out = append(out, uf)
	}
	return out
}

// Environment is the authority environment (tpAmb).
type Environment int

const (
	EnvironmentProduction   Environment = 1
	EnvironmentHomologation Environment = 2
)

// ParseEnvironment parses "1" or "2".
func ParseEnvironment(s string) (Environment, error) {
	switch strings.TrimSpace(s) {
	case "1":
		return EnvironmentProduction, nil
	case "2":
		return EnvironmentHomologation, nil
	}
	return 0, fmt.Errorf("unknown environment %q", s)
}

// Valid reports whether the environment is production or homologation.
func (e Environment) Valid() bool {
	return e == EnvironmentProduction || e == EnvironmentHomologation
}

func (e Environment) String() string {
	switch e {
	case EnvironmentProduction:
		return "production"
	case EnvironmentHomologation:
		return "homologation"
	}
	return "unknown"
}

// Code returns the tpAmb digit.
func (e Environment) Code() string {
	return strconv.Itoa(int(e))
}

// TaxRegime is the issuer regime (CRT).
type TaxRegime int

const (
	TaxRegimeSimples       TaxRegime = 1
	TaxRegimeSimplesExcess TaxRegime = 2
	TaxRegimeNormal        TaxRegime = 3
	TaxRegimeSimplesMEI    TaxRegime = 4
)

// ParseTaxRegime parses a CRT code.
func ParseTaxRegime(s string) (TaxRegime, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 || n > 4 {
		return 0, fmt.Errorf("unknown tax regime %q", s)
	}
	return TaxRegime(n), nil
}

// IsSimples reports whether the regime uses CSOSN situation codes.
func (r TaxRegime) IsSimples() bool {
	return r == TaxRegimeSimples || r == TaxRegimeSimplesMEI
}

// IEIndicator tells whether the recipient is an ICMS contributor (indIEDest).
type IEIndicator int

const (
	IEContributor    IEIndicator = 1
	IEExempt         IEIndicator = 2
	IENonContributor IEIndicator = 9
)

// ParseIEIndicator parses indIEDest.
func ParseIEIndicator(s string) (IEIndicator, error) {
	switch strings.TrimSpace(s) {
	case "1":
		return IEContributor, nil
	case "2":
		return IEExempt, nil
	case "9", "":
		return IENonContributor, nil
	}
	return 0, fmt.Errorf("unknown IE indicator %q", s)
}

// DocumentModel is the fiscal model (mod).
type DocumentModel int

const (
	ModelNFe  DocumentModel = 55
	ModelNFCe DocumentModel = 65
)

// ParseDocumentModel parses "55" or "65".
func ParseDocumentModel(s string) (DocumentModel, error) {
	switch strings.TrimSpace(s) {
	case "55", "":
		return ModelNFe, nil
	case "65":
		return ModelNFCe, nil
	}
	return 0, fmt.Errorf("unknown document model %q", s)
}

// Purpose is the emission purpose (finNFe).
type Purpose int

const (
	PurposeNormal        Purpose = 1
	PurposeComplementary Purpose = 2
	PurposeAdjustment    Purpose = 3
	PurposeReturn        Purpose = 4
)

// ParsePurpose parses finNFe.
func ParsePurpose(s string) (Purpose, error) {
	if strings.TrimSpace(s) == "" {
		return PurposeNormal, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 || n > 4 {
		return 0, fmt.Errorf("unknown purpose %q", s)
	}
	return Purpose(n), nil
}

// OperationType is inbound (0) or outbound (1) (tpNF).
type OperationType int

const (
	OperationInbound  OperationType = 0
	OperationOutbound OperationType = 1
)

// ParseOperationType parses tpNF.
func ParseOperationType(s string) (OperationType, error) {
	switch strings.TrimSpace(s) {
	case "0":
		return OperationInbound, nil
	case "1", "":
		return OperationOutbound, nil
	}
	return 0, fmt.Errorf("unknown operation type %q", s)
}

// Presence indicates buyer presence (indPres).
type Presence int

// PresenceInPerson is an in-person sale, the default indPres.
const PresenceInPerson Presence = 1

var validPresence = map[int]bool{0: true, 1: true, 2: true, 3: true, 4: true, 5: true, 9: true}

// ParsePresence parses indPres.
func ParsePresence(s string) (Presence, error) {
	if strings.TrimSpace(s) == "" {
		return PresenceInPerson, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || !validPresence[n] {
		return 0, fmt.Errorf("unknown presence indicator %q", s)
	}
	return Presence(n), nil
}

// PaymentForm is the legacy indPag (0 cash, 1 term, 2 other).
type PaymentForm int

// ParsePaymentForm parses indPag.
func ParsePaymentForm(s string) (PaymentForm, error) {
	switch strings.TrimSpace(s) {
	case "0", "":
		return 0, nil
	case "1":
		return 1, nil
	case "2":
		return 2, nil
	}
	return 0, fmt.Errorf("unknown payment form %q", s)
}

// PaymentMethod is the tPag code.
type PaymentMethod string

const (
	PaymentCash      PaymentMethod = "01"
	PaymentCheck     PaymentMethod = "02"
	PaymentCredit    PaymentMethod = "03"
	PaymentDebit     PaymentMethod = "04"
	PaymentStoreCred PaymentMethod = "05"
	PaymentPix       PaymentMethod = "17"
	PaymentNone      PaymentMethod = "90"
	PaymentOther     PaymentMethod = "99"
)

var paymentMethods = map[PaymentMethod]string{
	"01": "Dinheiro", "02": "Cheque", "03": "Cartão de Crédito",
	"04": "Cartão de Débito", "05": "Crédito Loja", "10": "Vale Alimentação",
	"11": "Vale Refeição", "12": "Vale Presente", "13": "Vale Combustível",
	"15": "Boleto Bancário", "16": "Depósito Bancário", "17": "PIX",
	"18": "Transferência", "19": "Fidelidade", "90": "Sem pagamento",
	"99": "Outros",
}

// ParsePaymentMethod validates a tPag code.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	m := PaymentMethod(strings.TrimSpace(s))
	if m == "" {
		return PaymentCash, nil
	}
	if _, ok := paymentMethods[m]; !ok {
		return "", fmt.Errorf("unknown payment method %q", s)
	}
	return m, nil
}

// Description returns the printable name of the method.
func (m PaymentMethod) Description() string {
	return paymentMethods[m]
}

// Origin is the goods origin code (orig 0-8).
type Origin int

// ParseOrigin parses orig.
func ParseOrigin(s string) (Origin, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 || n > 8 {
		return 0, fmt.Errorf("unknown origin %q", s)
	}
	return Origin(n), nil
}

// ICMSSituation is a CST (normal regime) or CSOSN (Simples) code.
type ICMSSituation string

var icmsCST = map[ICMSSituation]bool{
	"00": true, "10": true, "20": true, "30": true, "40": true, "41": true,
	"50": true, "51": true, "60": true, "70": true, "90": true,
}

var icmsCSOSN = map[ICMSSituation]bool{
	"101": true, "102": true, "103": true, "201": true, "202": true,
	"203": true, "300": true, "400": true, "500": true, "900": true,
}

// ParseICMSSituation validates a CST or CSOSN code.
func ParseICMSSituation(s string) (ICMSSituation, error) {
	c := ICMSSituation(strings.TrimSpace(s))
	if c == "" {
		return "00", nil
	}
	if !icmsCST[c] && !icmsCSOSN[c] {
		return "", fmt.Errorf("unknown ICMS situation %q", s)
	}
	return c, nil
}

// IsCSOSN reports whether the code belongs to the Simples table.
func (c ICMSSituation) IsCSOSN() bool {
	return icmsCSOSN[c]
}

// Taxed reports whether the situation carries base, rate and value.
func (c ICMSSituation) Taxed() bool {
	switch c {
	case "00", "10", "20", "70", "90", "900":
		return true
	}
	return false
}

// BaseModality is the ICMS base determination (modBC 0-3).
type BaseModality int

// ModalityOperationValue bases ICMS on the operation value, the default modBC.
const ModalityOperationValue BaseModality = 3

// ParseBaseModality parses modBC.
func ParseBaseModality(s string) (BaseModality, error) {
	if strings.TrimSpace(s) == "" {
		return ModalityOperationValue, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 || n > 3 {
		return 0, fmt.Errorf("unknown base modality %q", s)
	}
	return BaseModality(n), nil
}

// PISCOFINSSituation is the PIS/COFINS CST.
type PISCOFINSSituation string

// ParsePISCOFINSSituation validates a PIS/COFINS CST.
func ParsePISCOFINSSituation(s string) (PISCOFINSSituation, error) {
	c := strings.TrimSpace(s)
	if c == "" {
		return "01", nil
	}
	n, err := strconv.Atoi(c)
	if err != nil || len(c) != 2 {
		return "", fmt.Errorf("unknown PIS/COFINS situation %q", s)
	}
	if (n >= 1 && n <= 9) || (n >= 49 && n <= 56) || (n >= 60 && n <= 67) || (n >= 70 && n <= 75) || n == 98 || n == 99 {
		return PISCOFINSSituation(c), nil
	}
	return "", fmt.Errorf("unknown PIS/COFINS situation %q", s)
}

// Group returns the layout group tag suffix for the situation.
func (c PISCOFINSSituation) Group() string {
	switch c {
	case "01", "02":
		return "Aliq"
	case "03":
		return "Qtde"
	case "04", "05", "06", "07", "08", "09":
		return "NT"
	}
	return "Outr"
}

// Destination is the operation destination (idDest).
type Destination int

const (
	DestinationInternal   Destination = 1
	DestinationInterstate Destination = 2
	DestinationForeign    Destination = 3
)
