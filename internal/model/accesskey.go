package model

import (
	"fmt"
	"strconv"
	"strings"
)

// AccessKeyLength is the number of digits in an access key (chNFe).
const AccessKeyLength = 44

// AccessKey is the 44-digit identifier of a fiscal document:
// cUF(2) AAMM(4) CNPJ(14) mod(2) serie(3) nNF(9) tpEmis(1) cNF(8) cDV(1).
type AccessKey string

// KeyParts are the components encoded in an access key.
type KeyParts struct {
	UFCode      int
	YearMonth   string
	CNPJ        string
	Model       DocumentModel
	Series      int
	Number      int64
	Emission    int
	NumericCode int
}

// Build composes the 43 leading digits and appends the check digit.
func (p KeyParts) Build() (AccessKey, error) {
	cnpj := OnlyDigits(p.CNPJ)
	switch {
	case p.UFCode < 10 || p.UFCode > 99:
		return "", fmt.Errorf("invalid UF code %d", p.UFCode)
	case len(p.YearMonth) != 4:
		return "", fmt.Errorf("invalid year-month %q", p.YearMonth)
	case len(cnpj) != 14:
		return "", fmt.Errorf("invalid CNPJ length %d", len(cnpj))
	case p.Series < 0 || p.Series > 999:
		return "", fmt.Errorf("invalid series %d", p.Series)
	case p.Number < 1 || p.Number > 999999999:
		return "", fmt.Errorf("invalid number %d", p.Number)
	case p.NumericCode < 0 || p.NumericCode > 99999999:
		return "", fmt.Errorf("invalid numeric code %d", p.NumericCode)
	}
	base := fmt.Sprintf("%02d%s%s%02d%03d%09d%d%08d",
		p.UFCode, p.YearMonth, cnpj, int(p.Model), p.Series, p.Number, p.Emission, p.NumericCode)
	return AccessKey(base + strconv.Itoa(CheckDigit(base))), nil
}

// CheckDigit computes the modulo-11 digit over digits, weighting 2..9 from
// the rightmost digit leftwards. Remainders 0 and 1 yield 0.
func CheckDigit(digits string) int {
	sum, weight := 0, 2
	for i := len(digits) - 1; i >= 0; i-- {
		sum += int(digits[i]-'0') * weight
		weight++
		if weight > 9 {
			weight = 2
		}
	}
	r := sum % 11
	if r < 2 {
		return 0
	}
	return 11 - r
}

// ParseAccessKey strips an optional "NFe" prefix and validates the key.
func ParseAccessKey(s string) (AccessKey, error) {
	k := AccessKey(strings.TrimPrefix(strings.TrimSpace(s), "NFe"))
	if !k.Valid() {
		return "", fmt.Errorf("invalid access key %q", s)
	}
	return k, nil
}

// Valid reports whether the key has 44 digits and a matching check digit.
func (k AccessKey) Valid() bool {
	s := string(k)
	if len(s) != AccessKeyLength || OnlyDigits(s) != s {
		return false
	}
	return CheckDigit(s[:43]) == int(s[43]-'0')
}

// Parts decodes the key components. The key must be valid.
func (k AccessKey) Parts() KeyParts {
	s := string(k)
	if len(s) != AccessKeyLength {
		return KeyParts{}
	}
	atoi := func(v string) int {
		n, _ := strconv.Atoi(v)
		return n
	}
	number, _ := strconv.ParseInt(s[25:34], 10, 64)
	return KeyParts{
		UFCode:      atoi(s[0:2]),
		YearMonth:   s[2:6],
		CNPJ:        s[6:20],
		Model:       DocumentModel(atoi(s[20:22])),
		Series:      atoi(s[22:25]),
		Number:      number,
		Emission:    atoi(s[34:35]),
		NumericCode: atoi(s[35:43]),
	}
}

// ID returns the infNFe Id attribute value.
func (k AccessKey) ID() string {
	return "NFe" + string(k)
}

// Formatted groups the key in blocks of four digits, as printed on DANFE.
func (k AccessKey) Formatted() string {
	s := string(k)
	var b strings.Builder
	for i := 0; i < len(s); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		end := i + 4
		if end > len(s) {
			end = len(s)
		}
		b.WriteString(s[i:end])
	}
	return b.String()
}

func (k AccessKey) String() string {
	return string(k)
}
