package document

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"

	money "github.com/rezonia/nfe-service/internal/decimal"
	"github.com/rezonia/nfe-service/internal/model"
)

// DateTimeLayout is the dhEmi/dhRecbto format (UTC offset, no fraction).
const DateTimeLayout = "2006-01-02T15:04:05-07:00"

// HomologationRecipientName replaces the recipient name outside production.
const HomologationRecipientName = "NF-E EMITIDA EM AMBIENTE DE HOMOLOGACAO - SEM VALOR FISCAL"

// layoutBuilder writes a FiscalDocument as layout 4.00 XML, in schema order.
type layoutBuilder struct {
	doc        *model.FiscalDocument
	appVersion string
}

func (b *layoutBuilder) build() ([]byte, error) {
	d := b.doc

	x := etree.NewDocument()
	x.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	nfe := x.CreateElement("NFe")
	nfe.CreateAttr("xmlns", model.Namespace)

	inf := nfe.CreateElement("infNFe")
	inf.CreateAttr("Id", d.AccessKey.ID())
	inf.CreateAttr("versao", model.LayoutVersion)

	b.ide(inf)
	b.emit(inf)
	b.dest(inf)
	for i := range d.Items {
		b.det(inf, &d.Items[i])
	}
	b.total(inf)
	transp := inf.CreateElement("transp")
	text(transp, "modFrete", "9")
	b.pag(inf)
	b.infAdic(inf)

	out, err := x.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize document: %w", err)
	}
	return out, nil
}

func (b *layoutBuilder) ide(parent *etree.Element) {
	d := b.doc
	m := d.Metadata
	parts := d.AccessKey.Parts()

	ide := parent.CreateElement("ide")
	text(ide, "cUF", strconv.Itoa(d.Issuer.Address.UF.Code()))
	text(ide, "cNF", fmt.Sprintf("%08d", parts.NumericCode))
	text(ide, "natOp", clip(m.OperationNature, 60))
	text(ide, "mod", strconv.Itoa(int(m.Model)))
	text(ide, "serie", strconv.Itoa(m.Series))
	text(ide, "nNF", strconv.FormatInt(m.Number, 10))
	text(ide, "dhEmi", m.EmittedAt.Format(DateTimeLayout))
	text(ide, "tpNF", strconv.Itoa(int(m.OperationType)))
	text(ide, "idDest", strconv.Itoa(int(d.Destination())))
	text(ide, "cMunFG", d.Issuer.Address.MunicipalityCode)
	text(ide, "tpImp", "1")
	text(ide, "tpEmis", strconv.Itoa(model.EmissionNormal))
	text(ide, "cDV", string(d.AccessKey)[43:])
	text(ide, "tpAmb", m.Environment.Code())
	text(ide, "finNFe", strconv.Itoa(int(m.Purpose)))
	text(ide, "indFinal", boolDigit(m.FinalConsumer))
	text(ide, "indPres", strconv.Itoa(int(m.Presence)))
	text(ide, "procEmi", "0")
	text(ide, "verProc", clip(b.appVersion, 20))
}

func (b *layoutBuilder) emit(parent *etree.Element) {
	is := b.doc.Issuer
	emit := parent.CreateElement("emit")
	text(emit, "CNPJ", model.OnlyDigits(is.CNPJ))
	text(emit, "xNome", clip(is.LegalName, 60))
	optional(emit, "xFant", clip(is.TradeName, 60))
	address(emit, "enderEmit", is.Address)
	text(emit, "IE", model.OnlyDigits(is.StateRegistration))
	text(emit, "CRT", strconv.Itoa(int(is.TaxRegime)))
}

func (b *layoutBuilder) dest(parent *etree.Element) {
	r := b.doc.Recipient
	dest := parent.CreateElement("dest")

	digits := model.OnlyDigits(r.TaxID)
	switch {
	case len(digits) == 14:
		text(dest, "CNPJ", digits)
	case len(digits) == 11:
		text(dest, "CPF", digits)
	default:
		dest.CreateElement("idEstrangeiro").SetText(r.ForeignID)
	}

	name := r.Name
	if b.doc.Metadata.Environment == model.EnvironmentHomologation {
		name = HomologationRecipientName
	}
	text(dest, "xNome", clip(name, 60))
	address(dest, "enderDest", r.Address)
	text(dest, "indIEDest", strconv.Itoa(int(r.IEIndicator)))
	if r.IEIndicator == model.IEContributor {
		text(dest, "IE", model.OnlyDigits(r.StateRegistration))
	}
	optional(dest, "email", r.Email)
}

func (b *layoutBuilder) det(parent *etree.Element, li *model.LineItem) {
	det := parent.CreateElement("det")
	det.CreateAttr("nItem", strconv.Itoa(li.Number))

	gtin := li.GTIN
	if gtin == "" {
		gtin = "SEM GTIN"
	}

	prod := det.CreateElement("prod")
	text(prod, "cProd", clip(li.Code, 60))
	text(prod, "cEAN", gtin)
	text(prod, "xProd", clip(li.Description, 120))
	text(prod, "NCM", li.NCM)
	text(prod, "CFOP", li.CFOP)
	text(prod, "uCom", clip(li.Unit, 6))
	text(prod, "qCom", money.Format(li.Quantity, 4))
	text(prod, "vUnCom", money.FormatUnitPrice(li.UnitPrice))
	text(prod, "vProd", money.Format(li.GrossTotal, 2))
	text(prod, "cEANTrib", gtin)
	text(prod, "uTrib", clip(li.TaxableUnit, 6))
	text(prod, "qTrib", money.Format(li.TaxableQuantity, 4))
	text(prod, "vUnTrib", money.FormatUnitPrice(li.TaxableUnitPrice))
	text(prod, "indTot", "1")

	imposto := det.CreateElement("imposto")
	icms(imposto.CreateElement("ICMS"), li.ICMS)
	contribution(imposto.CreateElement("PIS"), "PIS", li.PIS, li.TaxableQuantity)
	contribution(imposto.CreateElement("COFINS"), "COFINS", li.COFINS, li.TaxableQuantity)

	optional(det, "infAdProd", clip(li.AdditionalInfo, 500))
}

func icms(parent *etree.Element, g model.ICMS) {
	orig := strconv.Itoa(int(g.Origin))
	c := string(g.Situation)

	taxed := func(el *etree.Element) {
		text(el, "modBC", strconv.Itoa(int(g.Modality)))
		text(el, "vBC", money.Format(g.Base, 2))
		text(el, "pICMS", money.Format(g.Rate, 4))
		text(el, "vICMS", money.Format(g.Value, 2))
	}

	if g.Situation.IsCSOSN() {
		var el *etree.Element
		switch c {
		case "101":
			el = parent.CreateElement("ICMSSN101")
		case "500":
			el = parent.CreateElement("ICMSSN500")
		case "900":
			el = parent.CreateElement("ICMSSN900")
		default:
			el = parent.CreateElement("ICMSSN102")
		}
		text(el, "orig", orig)
		text(el, "CSOSN", c)
		switch c {
		case "101":
			text(el, "pCredSN", money.Format(g.Rate, 4))
			text(el, "vCredICMSSN", money.Format(g.Value, 2))
		case "900":
			taxed(el)
		}
		return
	}

	group := "ICMS" + c
	switch c {
	case "41", "50":
		group = "ICMS40"
	}
	el := parent.CreateElement(group)
	text(el, "orig", orig)
	text(el, "CST", c)
	switch c {
	case "00", "51", "90":
		taxed(el)
	case "20":
		text(el, "modBC", strconv.Itoa(int(g.Modality)))
		text(el, "pRedBC", "0.0000")
		text(el, "vBC", money.Format(g.Base, 2))
		text(el, "pICMS", money.Format(g.Rate, 4))
		text(el, "vICMS", money.Format(g.Value, 2))
	}
}

// contribution writes the PIS or COFINS group for the situation.
func contribution(parent *etree.Element, tax string, g model.PISCOFINS, quantity decimal.Decimal) {
	group := g.Situation.Group()
	el := parent.CreateElement(tax + group)
	text(el, "CST", string(g.Situation))
	switch group {
	case "Aliq", "Outr":
		text(el, "vBC", money.Format(g.Base, 2))
		text(el, "p"+tax, money.Format(g.Rate, 4))
		text(el, "v"+tax, money.Format(g.Value, 2))
	case "Qtde":
		text(el, "qBCProd", money.Format(quantity, 4))
		text(el, "vAliqProd", money.Format(g.Rate, 4))
		text(el, "v"+tax, money.Format(g.Value, 2))
	}
}

func (b *layoutBuilder) total(parent *etree.Element) {
	t := b.doc.Totals
	tot := parent.CreateElement("total").CreateElement("ICMSTot")
	zero := money.Format(money.Zero, 2)
	text(tot, "vBC", money.Format(t.ICMSBase, 2))
	text(tot, "vICMS", money.Format(t.ICMSValue, 2))
	text(tot, "vICMSDeson", zero)
	text(tot, "vFCP", zero)
	text(tot, "vBCST", zero)
	text(tot, "vST", zero)
	text(tot, "vFCPST", zero)
	text(tot, "vFCPSTRet", zero)
	text(tot, "vProd", money.Format(t.Products, 2))
	text(tot, "vFrete", money.Format(t.Freight, 2))
	text(tot, "vSeg", money.Format(t.Insurance, 2))
	text(tot, "vDesc", money.Format(t.Discount, 2))
	text(tot, "vII", zero)
	text(tot, "vIPI", zero)
	text(tot, "vIPIDevol", zero)
	text(tot, "vPIS", money.Format(t.PIS, 2))
	text(tot, "vCOFINS", money.Format(t.COFINS, 2))
	text(tot, "vOutro", money.Format(t.Other, 2))
	text(tot, "vNF", money.Format(t.Invoice, 2))
}

func (b *layoutBuilder) pag(parent *etree.Element) {
	pag := parent.CreateElement("pag")
	paid := money.Zero
	for _, p := range b.doc.Payments {
		det := pag.CreateElement("detPag")
		text(det, "indPag", strconv.Itoa(int(b.doc.Metadata.PaymentForm)))
		text(det, "tPag", string(p.Method))
		text(det, "vPag", money.Format(p.Amount, 2))
		paid = paid.Add(p.Amount)
	}
	if change := paid.Sub(b.doc.Totals.Invoice); change.IsPositive() {
		text(pag, "vTroco", money.Format(change, 2))
	}
}

func (b *layoutBuilder) infAdic(parent *etree.Element) {
	m := b.doc.Metadata
	if m.FiscoNotes == "" && m.TaxpayerNotes == "" {
		return
	}
	inf := parent.CreateElement("infAdic")
	optional(inf, "infAdFisco", clip(m.FiscoNotes, 2000))
	optional(inf, "infCpl", clip(m.TaxpayerNotes, 5000))
}

func address(parent *etree.Element, tag string, a model.Address) {
	el := parent.CreateElement(tag)
	text(el, "xLgr", clip(a.Street, 60))
	text(el, "nro", clip(a.Number, 60))
	optional(el, "xCpl", clip(a.Complement, 60))
	text(el, "xBairro", clip(a.District, 60))
	code, name := a.Country()
	if a.Foreign() {
		text(el, "cMun", "9999999")
		text(el, "xMun", "EXTERIOR")
		text(el, "UF", string(model.ForeignUF))
	} else {
		text(el, "cMun", a.MunicipalityCode)
		text(el, "xMun", clip(a.MunicipalityName, 60))
		text(el, "UF", string(a.UF))
		text(el, "CEP", model.OnlyDigits(a.CEP))
	}
	text(el, "cPais", code)
	text(el, "xPais", name)
	optional(el, "fone", model.OnlyDigits(a.Phone))
}

func text(parent *etree.Element, tag, value string) {
	parent.CreateElement(tag).SetText(value)
}

func optional(parent *etree.Element, tag, value string) {
	if strings.TrimSpace(value) != "" {
		text(parent, tag, value)
	}
}

func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > n {
		return string(r[:n])
	}
	return s
}

func boolDigit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
