package document_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/nfe-service/internal/document"
	"github.com/rezonia/nfe-service/internal/model"
)

var emitted = time.Date(2024, 1, 15, 10, 0, 0, 0, time.FixedZone("BRT", -3*60*60))

func sampleInput() document.Input {
	return document.Input{
		Issuer: model.Issuer{
			CNPJ:              "11222333000181",
			LegalName:         "Loja Mae Comercio Ltda",
			TradeName:         "Loja Mae",
			StateRegistration: "123456789110",
			TaxRegime:         model.TaxRegimeNormal,
			Address: model.Address{
				Street:           "Avenida Paulista",
				Number:           "1000",
				District:         "Bela Vista",
				MunicipalityCode: "3550308",
				MunicipalityName: "Sao Paulo",
				UF:               "SP",
				CEP:              "01310-100",
			},
		},
		Recipient: model.Recipient{
			TaxID: "529.982.247-25",
			Name:  "Maria da Silva",
			Email: "maria@example.com",
			Address: model.Address{
				Street:           "Rua Augusta",
				Number:           "50",
				District:         "Consolacao",
				MunicipalityCode: "3550308",
				MunicipalityName: "Sao Paulo",
				UF:               "SP",
				CEP:              "01305000",
			},
		},
		Items: []model.LineItem{
			{
				Number:      1,
				Code:        "P001",
				Description: "Caneta esferografica",
				NCM:         "96081000",
				CFOP:        "5102",
				Quantity:    decimal.NewFromInt(2),
				UnitPrice:   decimal.RequireFromString("10.00"),
				ICMS: model.ICMS{
					Situation: "00",
					Modality:  3,
					Base:      decimal.RequireFromString("20.00"),
					Rate:      decimal.NewFromInt(18),
				},
			},
		},
		Metadata: model.Metadata{
			OperationNature: "Venda de mercadoria",
			Series:          1,
			NumericCode:     12345678,
			EmittedAt:       emitted,
			OperationType:   model.OperationOutbound,
			Presence:        1,
			FinalConsumer:   true,
			Environment:     model.EnvironmentHomologation,
		},
		LastUsedNumber: 123,
	}
}

func parse(t *testing.T, xml []byte) *etree.Element {
	t.Helper()
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(xml))
	inf := doc.FindElement("//infNFe")
	require.NotNil(t, inf)
	return inf
}

func TestAssemble_SampleDocument(t *testing.T) {
	out, err := document.NewAssembler().Assemble(sampleInput())
	require.NoError(t, err)

	doc := out.Document
	assert.Equal(t, int64(124), doc.Metadata.Number)
	assert.Equal(t, model.AccessKey("35240111222333000181550010000001241123456788"), doc.AccessKey)
	assert.True(t, doc.Totals.Invoice.Equal(decimal.NewFromInt(20)))

	require.Len(t, doc.Payments, 1)
	assert.Equal(t, model.PaymentCash, doc.Payments[0].Method)
	assert.True(t, doc.Payments[0].Amount.Equal(decimal.NewFromInt(20)))
	assert.Len(t, out.Warnings, 1)

	inf := parse(t, out.XML)
	assert.Equal(t, "NFe35240111222333000181550010000001241123456788", inf.SelectAttrValue("Id", ""))
	assert.Equal(t, "4.00", inf.SelectAttrValue("versao", ""))
	assert.Equal(t, "124", inf.FindElement("ide/nNF").Text())
	assert.Equal(t, "12345678", inf.FindElement("ide/cNF").Text())
	assert.Equal(t, "8", inf.FindElement("ide/cDV").Text())
	assert.Equal(t, "2024-01-15T10:00:00-03:00", inf.FindElement("ide/dhEmi").Text())
	assert.Equal(t, "1", inf.FindElement("ide/idDest").Text())
	assert.Equal(t, "52998224725", inf.FindElement("dest/CPF").Text())
	assert.Equal(t, document.HomologationRecipientName, inf.FindElement("dest/xNome").Text())
	assert.Equal(t, "9", inf.FindElement("dest/indIEDest").Text())
	assert.Equal(t, "2.0000", inf.FindElement("det/prod/qCom").Text())
	assert.Equal(t, "10.00", inf.FindElement("det/prod/vUnCom").Text())
	assert.Equal(t, "20.00", inf.FindElement("det/prod/vProd").Text())
	assert.Equal(t, "3.60", inf.FindElement("det/imposto/ICMS/ICMS00/vICMS").Text())
	assert.NotNil(t, inf.FindElement("det/imposto/PIS/PISAliq"))
	assert.Equal(t, "20.00", inf.FindElement("total/ICMSTot/vNF").Text())
	assert.Equal(t, "20.00", inf.FindElement("pag/detPag/vPag").Text())
	assert.Equal(t, "01", inf.FindElement("pag/detPag/tPag").Text())
}

func TestAssemble_SchemaOrder(t *testing.T) {
	out, err := document.NewAssembler().Assemble(sampleInput())
	require.NoError(t, err)

	inf := parse(t, out.XML)
	var tags []string
	for _, child := range inf.ChildElements() {
		tags = append(tags, child.Tag)
	}
	assert.Equal(t, []string{"ide", "emit", "dest", "det", "total", "transp", "pag"}, tags)
}

func TestAssemble_DoesNotMutateInput(t *testing.T) {
	in := sampleInput()
	_, err := document.NewAssembler().Assemble(in)
	require.NoError(t, err)

	assert.True(t, in.Items[0].GrossTotal.IsZero())
	assert.Empty(t, in.Items[0].Unit)
	assert.Nil(t, in.Payments)
}

func TestAssemble_ExplicitPayments(t *testing.T) {
	in := sampleInput()
	in.Payments = []model.Payment{{Method: model.PaymentPix, Amount: decimal.RequireFromString("25.00")}}

	out, err := document.NewAssembler().Assemble(in)
	require.NoError(t, err)
	assert.Empty(t, out.Warnings)

	inf := parse(t, out.XML)
	assert.Equal(t, "17", inf.FindElement("pag/detPag/tPag").Text())
	assert.Equal(t, "5.00", inf.FindElement("pag/vTroco").Text())
}

func TestAssemble_TotalsAcrossItems(t *testing.T) {
	in := sampleInput()
	in.Items = append(in.Items, model.LineItem{
		Number:      2,
		Code:        "P002",
		Description: "Caderno",
		NCM:         "48202000",
		CFOP:        "5102",
		Quantity:    decimal.NewFromInt(3),
		UnitPrice:   decimal.RequireFromString("7.33"),
		ICMS:        model.ICMS{Situation: "40"},
		PIS:         model.PISCOFINS{Situation: "07"},
		COFINS:      model.PISCOFINS{Situation: "07"},
	})

	out, err := document.NewAssembler().Assemble(in)
	require.NoError(t, err)

	sum := decimal.Zero
	for _, item := range out.Document.Items {
		sum = sum.Add(item.GrossTotal)
	}
	assert.True(t, out.Document.Totals.Invoice.Equal(sum))
	assert.Equal(t, "41.99", out.Document.Totals.Invoice.StringFixed(2))

	inf := parse(t, out.XML)
	assert.NotNil(t, inf.FindElement("det[@nItem='2']/imposto/ICMS/ICMS40"))
	assert.NotNil(t, inf.FindElement("det[@nItem='2']/imposto/COFINS/COFINSNT"))
	assert.Equal(t, "20.00", inf.FindElement("total/ICMSTot/vBC").Text())
}

func TestAssemble_CollectsAllValidationErrors(t *testing.T) {
	in := sampleInput()
	in.Issuer.CNPJ = "11222333000182"
	in.Recipient.TaxID = "123"
	in.Items[0].NCM = "9608"
	in.Items[0].Number = 2
	in.Metadata.Environment = 5

	_, err := document.NewAssembler().Assemble(in)
	require.Error(t, err)

	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	for _, field := range []string{"issuer.cnpj", "recipient.tax_id", "items[0].ncm", "items[0].number", "metadata.environment"} {
		assert.True(t, verr.Has(field), "missing %s in %v", field, verr.Fields)
	}
}

func TestAssemble_RejectsEmptyItems(t *testing.T) {
	in := sampleInput()
	in.Items = nil

	_, err := document.NewAssembler().Assemble(in)
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.Has("items"))
}

func TestAssemble_RejectsUnknownCodes(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(in *document.Input)
		field  string
	}{
		{"presence", func(in *document.Input) { in.Metadata.Presence = 42 }, "metadata.presence"},
		{"payment form", func(in *document.Input) { in.Metadata.PaymentForm = 7 }, "metadata.payment_form"},
		{"purpose", func(in *document.Input) { in.Metadata.Purpose = 9 }, "metadata.purpose"},
		{"operation type", func(in *document.Input) { in.Metadata.OperationType = 2 }, "metadata.operation_type"},
		{"model", func(in *document.Input) { in.Metadata.Model = 57 }, "metadata.model"},
		{"origin", func(in *document.Input) { in.Items[0].ICMS.Origin = 99 }, "items[0].icms.origin"},
		{"modality", func(in *document.Input) { in.Items[0].ICMS.Modality = 17 }, "items[0].icms.modality"},
		{"tax regime", func(in *document.Input) { in.Issuer.TaxRegime = 8 }, "issuer.tax_regime"},
		{"ie indicator", func(in *document.Input) { in.Recipient.IEIndicator = 3 }, "recipient.ie_indicator"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := sampleInput()
			tt.mutate(&in)

			_, err := document.NewAssembler().Assemble(in)
			var verr *model.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.True(t, verr.Has(tt.field), "missing %s in %v", tt.field, verr.Fields)
		})
	}
}

func TestAssemble_ReportsEveryUnknownCode(t *testing.T) {
	in := sampleInput()
	in.Metadata.Presence = 42
	in.Metadata.PaymentForm = 7
	in.Metadata.Purpose = 9
	in.Items[0].ICMS.Origin = 99
	in.Items[0].ICMS.Modality = 17

	_, err := document.NewAssembler().Assemble(in)
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	for _, field := range []string{"metadata.presence", "metadata.payment_form", "metadata.purpose", "items[0].icms.origin", "items[0].icms.modality"} {
		assert.True(t, verr.Has(field), "missing %s in %v", field, verr.Fields)
	}
}

func TestAssemble_JSONOmittedCodesUseLayoutDefaults(t *testing.T) {
	in := sampleInput()
	var meta model.Metadata
	require.NoError(t, json.Unmarshal([]byte(`{"operation_nature": "Venda", "series": 1, "environment": 2}`), &meta))
	meta.EmittedAt = emitted
	in.Metadata = meta

	var items []model.LineItem
	require.NoError(t, json.Unmarshal([]byte(`[{"number": 1, "code": "P001", "description": "Caneta",
		"ncm": "96081000", "cfop": "5102", "quantity": "2", "unit_price": "10.00",
		"icms": {"situation": "00", "rate": "18"}}]`), &items))
	in.Items = items

	out, err := document.NewAssembler().Assemble(in)
	require.NoError(t, err)
	inf := parse(t, out.XML)
	assert.Equal(t, "1", inf.FindElement("ide/tpNF").Text())
	assert.Equal(t, "1", inf.FindElement("ide/indPres").Text())
	assert.Equal(t, "3", inf.FindElement("det/imposto/ICMS/ICMS00/modBC").Text())
}

func TestAssemble_GrossOverrideTolerance(t *testing.T) {
	in := sampleInput()
	in.Items[0].GrossOverride = decimal.RequireFromString("20.01")
	_, err := document.NewAssembler().Assemble(in)
	require.NoError(t, err)

	in.Items[0].GrossOverride = decimal.RequireFromString("20.50")
	_, err = document.NewAssembler().Assemble(in)
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.Has("items[0].gross_total"))
}

func TestAssemble_RegimeMismatch(t *testing.T) {
	in := sampleInput()
	in.Issuer.TaxRegime = model.TaxRegimeSimples

	_, err := document.NewAssembler().Assemble(in)
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.Has("items[0].icms.situation"))

	in.Items[0].ICMS = model.ICMS{}
	out, err := document.NewAssembler().Assemble(in)
	require.NoError(t, err)
	inf := parse(t, out.XML)
	assert.Equal(t, "102", inf.FindElement("det/imposto/ICMS/ICMSSN102/CSOSN").Text())
}

func TestAssemble_DefaultEmissionTimeUsesClock(t *testing.T) {
	in := sampleInput()
	in.Metadata.EmittedAt = time.Time{}
	clock := func() time.Time { return time.Date(2024, 3, 1, 15, 30, 0, 0, time.UTC) }

	out, err := document.NewAssembler(document.WithClock(clock)).Assemble(in)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01T12:30:00-03:00", parse(t, out.XML).FindElement("ide/dhEmi").Text())
	assert.Equal(t, "2403", out.Document.AccessKey.Parts().YearMonth)
}

func TestNumericCode_Deterministic(t *testing.T) {
	a := document.NumericCode("11222333000181", model.ModelNFe, 1, 124, emitted)
	b := document.NumericCode("11222333000181", model.ModelNFe, 1, 124, emitted)
	c := document.NumericCode("11222333000181", model.ModelNFe, 1, 125, emitted)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Less(t, a, 100000000)
	assert.NotEqual(t, int64(a), int64(124))
}

func TestBuildAccessKey_CheckDigitRecomputes(t *testing.T) {
	in := sampleInput()
	in.Metadata.NumericCode = 0
	out, err := document.NewAssembler().Assemble(in)
	require.NoError(t, err)

	key := string(out.Document.AccessKey)
	require.Len(t, key, 44)
	assert.Equal(t, model.CheckDigit(key[:43]), int(key[43]-'0'))
}
