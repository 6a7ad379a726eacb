package danfe

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/charmap"

	"github.com/rezonia/nfe-service/internal/model"
)

// translator converts UTF-8 into the Windows-1252 bytes expected by the
// core PDF fonts; runes outside the code page become '?'.
type translator struct {
	cm *charmap.Charmap
}

func newTranslator() *translator {
	return &translator{cm: charmap.Windows1252}
}

func (t *translator) tr(s string) string {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		b, ok := t.cm.EncodeRune(r)
		if !ok {
			b = '?'
		}
		out = append(out, b)
	}
	return string(out)
}

// money renders 1234.5 as 1.234,50
func money(d decimal.Decimal) string {
	return grouped(d, 2)
}

// quantity renders a quantity with four decimals
func quantity(d decimal.Decimal) string {
	return grouped(d, 4)
}

func grouped(d decimal.Decimal, places int32) string {
	s := d.StringFixed(places)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	intPart, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, frac = s[:i], s[i+1:]
	}

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	if frac != "" {
		b.WriteByte(',')
		b.WriteString(frac)
	}
	return b.String()
}

// taxID formats a CNPJ as 00.000.000/0000-00 and a CPF as 000.000.000-00
func taxID(s string) string {
	d := model.OnlyDigits(s)
	switch len(d) {
	case 14:
		return d[0:2] + "." + d[2:5] + "." + d[5:8] + "/" + d[8:12] + "-" + d[12:14]
	case 11:
		return d[0:3] + "." + d[3:6] + "." + d[6:9] + "-" + d[9:11]
	}
	return s
}

func postalCode(s string) string {
	d := model.OnlyDigits(s)
	if len(d) != 8 {
		return s
	}
	return d[:5] + "-" + d[5:]
}

// documentNumber renders nNF as 000.000.124
func documentNumber(s string) string {
	d := model.OnlyDigits(s)
	if len(d) > 9 {
		return s
	}
	d = strings.Repeat("0", 9-len(d)) + d
	return d[0:3] + "." + d[3:6] + "." + d[6:9]
}

func series(s string) string {
	d := model.OnlyDigits(s)
	if len(d) >= 3 {
		return d
	}
	return strings.Repeat("0", 3-len(d)) + d
}

func date(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("02/01/2006")
}

func dateTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("02/01/2006 15:04:05")
}

var freightModes = map[string]string{
	"0": "0-Por conta do Emitente",
	"1": "1-Por conta do Destinatário",
	"2": "2-Por conta de Terceiros",
	"3": "3-Próprio por conta do Remetente",
	"4": "4-Próprio por conta do Destinatário",
	"9": "9-Sem Ocorrência de Transporte",
}

func freightMode(code string) string {
	if s, ok := freightModes[code]; ok {
		return s
	}
	return code
}
