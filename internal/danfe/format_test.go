package danfe

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestMoney(t *testing.T) {
	tests := map[string]string{
		"0":         "0,00",
		"20":        "20,00",
		"1234.5":    "1.234,50",
		"1234567.8": "1.234.567,80",
		"-999.99":   "-999,99",
	}
	for in, want := range tests {
		assert.Equal(t, want, money(decimal.RequireFromString(in)), in)
	}
	assert.Equal(t, "2,0000", quantity(decimal.NewFromInt(2)))
}

func TestDocumentFormats(t *testing.T) {
	assert.Equal(t, "11.222.333/0001-81", taxID("11222333000181"))
	assert.Equal(t, "529.982.247-25", taxID("52998224725"))
	assert.Equal(t, "01310-100", postalCode("01310100"))
	assert.Equal(t, "000.000.124", documentNumber("124"))
	assert.Equal(t, "001", series("1"))
	assert.Equal(t, "(11) 3333-4444", phone("1133334444"))
	assert.Equal(t, "9-Sem Ocorrência de Transporte", freightMode("9"))
}

func TestTranslator(t *testing.T) {
	tr := newTranslator()
	assert.Equal(t, "S\xc3O", tr.tr("SÃO"))
	assert.Equal(t, "a?b", tr.tr("a世b"))
}
