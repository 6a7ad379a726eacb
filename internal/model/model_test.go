package model_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/nfe-service/internal/model"
)

func TestValidCNPJ(t *testing.T) {
	assert.True(t, model.ValidCNPJ("11222333000181"))
	assert.True(t, model.ValidCNPJ("11.222.333/0001-81"))
	assert.False(t, model.ValidCNPJ("11222333000182"))
	assert.False(t, model.ValidCNPJ("11111111111111"))
	assert.False(t, model.ValidCNPJ("123"))
}

func TestValidCPF(t *testing.T) {
	assert.True(t, model.ValidCPF("529.982.247-25"))
	assert.False(t, model.ValidCPF("52998224724"))
	assert.False(t, model.ValidCPF("00000000000"))
}

func TestAccessKey_Build(t *testing.T) {
	parts := model.KeyParts{
		UFCode:      35,
		YearMonth:   "2401",
		CNPJ:        "11.222.333/0001-81",
		Model:       model.ModelNFe,
		Series:      1,
		Number:      124,
		Emission:    model.EmissionNormal,
		NumericCode: 12345678,
	}

	key, err := parts.Build()
	require.NoError(t, err)
	assert.Equal(t, model.AccessKey("35240111222333000181550010000001241123456788"), key)
	assert.True(t, key.Valid())
	assert.Equal(t, "NFe"+string(key), key.ID())

	decoded := key.Parts()
	assert.Equal(t, 35, decoded.UFCode)
	assert.Equal(t, int64(124), decoded.Number)
	assert.Equal(t, 1, decoded.Series)
	assert.Equal(t, 12345678, decoded.NumericCode)
	assert.Equal(t, model.ModelNFe, decoded.Model)
}

func TestAccessKey_BuildRejectsOutOfRange(t *testing.T) {
	base := model.KeyParts{UFCode: 35, YearMonth: "2401", CNPJ: "11222333000181", Model: 55, Series: 1, Number: 1, Emission: 1}

	bad := base
	bad.Number = 0
	_, err := bad.Build()
	assert.Error(t, err)

	bad = base
	bad.Series = 1000
	_, err = bad.Build()
	assert.Error(t, err)

	bad = base
	bad.CNPJ = "123"
	_, err = bad.Build()
	assert.Error(t, err)
}

func TestCheckDigit_LowRemainderIsZero(t *testing.T) {
	// Every prefix must produce a single digit 0-9.
	for i := 0; i < 200; i++ {
		dv := model.CheckDigit(fmt.Sprintf("%043d", i*7919))
		assert.GreaterOrEqual(t, dv, 0)
		assert.LessOrEqual(t, dv, 9)
	}
}

func TestParseAccessKey(t *testing.T) {
	key, err := model.ParseAccessKey("NFe35240111222333000181550010000001241123456788")
	require.NoError(t, err)
	assert.Equal(t, "3524 0111 2223 3300 0181 5500 1000 0001 2411 2345 6788", key.Formatted())

	_, err = model.ParseAccessKey("35240111222333000181550010000001241123456780")
	assert.Error(t, err)
}

func TestParseCodes(t *testing.T) {
	uf, err := model.ParseUF(" sp ")
	require.NoError(t, err)
	assert.Equal(t, model.UF("SP"), uf)
	assert.Equal(t, 35, uf.Code())

	_, err = model.ParseUF("XX")
	assert.Error(t, err)

	env, err := model.ParseEnvironment("2")
	require.NoError(t, err)
	assert.Equal(t, model.EnvironmentHomologation, env)
	_, err = model.ParseEnvironment("3")
	assert.Error(t, err)

	m, err := model.ParsePaymentMethod("")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentCash, m)
	_, err = model.ParsePaymentMethod("42")
	assert.Error(t, err)

	cst, err := model.ParseICMSSituation("102")
	require.NoError(t, err)
	assert.True(t, cst.IsCSOSN())
	_, err = model.ParseICMSSituation("11")
	assert.Error(t, err)

	pis, err := model.ParsePISCOFINSSituation("07")
	require.NoError(t, err)
	assert.Equal(t, "NT", pis.Group())
	_, err = model.ParsePISCOFINSSituation("30")
	assert.Error(t, err)
}

func TestMetadata_UnmarshalDefaults(t *testing.T) {
	var m model.Metadata
	require.NoError(t, json.Unmarshal([]byte(`{"series": 1}`), &m))
	assert.Equal(t, 1, m.Series)
	assert.Equal(t, model.ModelNFe, m.Model)
	assert.Equal(t, model.PurposeNormal, m.Purpose)
	assert.Equal(t, model.OperationOutbound, m.OperationType)
	assert.Equal(t, model.PresenceInPerson, m.Presence)

	require.NoError(t, json.Unmarshal([]byte(`{"operation_type": 0, "presence": 9, "model": 65}`), &m))
	assert.Equal(t, model.OperationType(0), m.OperationType)
	assert.Equal(t, model.Presence(9), m.Presence)
	assert.Equal(t, model.ModelNFCe, m.Model)
}

func TestLineItem_UnmarshalDefaultsModality(t *testing.T) {
	var li model.LineItem
	require.NoError(t, json.Unmarshal([]byte(`{"number": 1, "code": "P001"}`), &li))
	assert.Equal(t, model.ModalityOperationValue, li.ICMS.Modality)

	require.NoError(t, json.Unmarshal([]byte(`{"icms": {"situation": "00"}}`), &li))
	assert.Equal(t, model.ModalityOperationValue, li.ICMS.Modality)

	require.NoError(t, json.Unmarshal([]byte(`{"icms": {"modality": 0}}`), &li))
	assert.Equal(t, model.BaseModality(0), li.ICMS.Modality)
}

func TestLineItem_Calculate(t *testing.T) {
	item := model.LineItem{
		Number:    1,
		Quantity:  decimal.NewFromInt(2),
		UnitPrice: decimal.RequireFromString("10.00"),
		ICMS: model.ICMS{
			Situation: "00",
			Base:      decimal.RequireFromString("20.00"),
			Rate:      decimal.NewFromInt(18),
		},
		PIS: model.PISCOFINS{
			Situation: "01",
			Base:      decimal.RequireFromString("20.00"),
			Rate:      decimal.RequireFromString("1.65"),
		},
	}

	item.Calculate()

	assert.Equal(t, "UN", item.Unit)
	assert.True(t, item.GrossTotal.Equal(decimal.NewFromInt(20)), "gross %s", item.GrossTotal)
	assert.True(t, item.TaxableQuantity.Equal(item.Quantity))
	assert.True(t, item.ICMS.Value.Equal(decimal.RequireFromString("3.60")))
	assert.True(t, item.PIS.Value.Equal(decimal.RequireFromString("0.33")))
	assert.True(t, item.COFINS.Value.IsZero())
}

func TestFiscalDocument_CalculateTotals(t *testing.T) {
	doc := model.FiscalDocument{
		Items: []model.LineItem{
			{Number: 1, Quantity: decimal.NewFromInt(2), UnitPrice: decimal.NewFromInt(10), ICMS: model.ICMS{Situation: "00", Base: decimal.NewFromInt(20), Rate: decimal.NewFromInt(18)}},
			{Number: 2, Quantity: decimal.NewFromInt(1), UnitPrice: decimal.RequireFromString("5.50"), ICMS: model.ICMS{Situation: "40"}},
		},
	}
	for i := range doc.Items {
		doc.Items[i].Calculate()
	}

	doc.CalculateTotals()

	assert.True(t, doc.Totals.Products.Equal(decimal.RequireFromString("25.50")))
	assert.True(t, doc.Totals.Invoice.Equal(doc.Totals.Products))
	assert.True(t, doc.Totals.ICMSBase.Equal(decimal.NewFromInt(20)))
	assert.True(t, doc.Totals.ICMSValue.Equal(decimal.RequireFromString("3.60")))
}

func TestFiscalDocument_Destination(t *testing.T) {
	doc := model.FiscalDocument{
		Issuer:    model.Issuer{Address: model.Address{UF: "SP"}},
		Recipient: model.Recipient{Address: model.Address{UF: "SP"}},
	}
	assert.Equal(t, model.DestinationInternal, doc.Destination())

	doc.Recipient.Address.UF = "RJ"
	assert.Equal(t, model.DestinationInterstate, doc.Destination())

	doc.Recipient.Address.CountryCode = "1600"
	assert.Equal(t, model.DestinationForeign, doc.Destination())
}

func TestAuthorizationResult(t *testing.T) {
	xml := []byte("<nfeProc/>")
	r := model.NewAuthorizationResult(100, "Autorizado o uso da NF-e", "k", "135240000000001", time.Now(), xml, []byte("raw"))
	assert.True(t, r.Authorized())
	assert.Equal(t, model.AuthorizationAuthorized, r.Status())

	// Returned slices are copies.
	got := r.AuthorizedXML()
	got[0] = 'X'
	assert.Equal(t, xml, r.AuthorizedXML())

	rejected := model.NewAuthorizationResult(539, "Duplicidade", "k", "", time.Now(), xml, []byte("raw"))
	assert.False(t, rejected.Authorized())
	assert.Empty(t, rejected.AuthorizedXML())
	assert.Equal(t, []byte("raw"), rejected.RawResponse())
}

func TestNSU(t *testing.T) {
	n, err := model.ParseNSU("000000000000042")
	require.NoError(t, err)
	assert.Equal(t, model.NSU(42), n)
	assert.Equal(t, "000000000000042", n.String())

	n, err = model.ParseNSU("")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = model.ParseNSU("1000000000000000")
	assert.Error(t, err)
}

func TestDistributedDocument_Kind(t *testing.T) {
	assert.Equal(t, "resNFe", model.DistributedDocument{Schema: "resNFe_v1.01.xsd"}.Kind())
	assert.Equal(t, "procNFe", model.DistributedDocument{Schema: "procNFe_v4.00.xsd"}.Kind())
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want model.ErrorKind
	}{
		{model.NewValidationError("cnpj", "1", "checksum", "bad"), model.KindValidation},
		{model.NewCertificateError(model.CertReasonPassphrase, "wrong", nil), model.KindCertificate},
		{fmt.Errorf("wrap: %w", model.NewRoutingError("XX", "NFeAutorizacao4", 2)), model.KindRouting},
		{model.NewAuthorityRejection(539, "dup", "", nil), model.KindAuthorityRejection},
		{model.NewInvalidCursor(10, 5, "above max"), model.KindInvalidCursor},
		{errors.New("plain"), model.KindInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, model.KindOf(tt.err), tt.err.Error())
	}
}

func TestValidationError_CollectsFields(t *testing.T) {
	verr := &model.ValidationError{}
	assert.NoError(t, verr.OrNil())

	verr.Add("issuer.cnpj", "1", "checksum", "invalid CNPJ")
	verr.Add("items", nil, "required", "at least one item")
	require.Error(t, verr.OrNil())
	assert.True(t, verr.Has("items"))
	assert.Contains(t, verr.Error(), "2 field(s)")
}

func TestTransmissionError_Message(t *testing.T) {
	cause := errors.New("connection reset")
	err := model.NewTransmissionError("https://sefaz", 503, true, "server error", cause)
	err.Attempts = 3
	assert.Contains(t, err.Error(), "http 503")
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.ErrorIs(t, err, cause)
}
