// Package danfe renders the DANFE, the printable companion of an
// authorized NF-e, and reads back the identifiers it embeds.
package danfe

import (
	"bytes"
	"fmt"
	"time"

	"github.com/boombuler/barcode/code128"
	"github.com/jung-kurt/gofpdf"
	"go.uber.org/zap"

	"github.com/rezonia/nfe-service/internal/model"
	xmlparser "github.com/rezonia/nfe-service/internal/parser/xml"
)

const (
	margin      = 5.0
	pageWidth   = 210.0
	pageHeight  = 297.0
	contentW    = pageWidth - 2*margin
	bottomLimit = pageHeight - 12.0
	fieldH      = 7.0
	titleH      = 4.0
)

// item table columns in mm
var columns = []struct {
	title string
	width float64
	align string
}{
	{"CÓDIGO", 18, "L"},
	{"DESCRIÇÃO DO PRODUTO / SERVIÇO", 58, "L"},
	{"NCM/SH", 14, "C"},
	{"CST", 8, "C"},
	{"CFOP", 10, "C"},
	{"UN", 8, "C"},
	{"QUANT.", 16, "R"},
	{"VALOR UNIT.", 18, "R"},
	{"VALOR TOTAL", 18, "R"},
	{"B.CÁLC. ICMS", 16, "R"},
	{"VALOR ICMS", 16, "R"},
}

// Renderer produces DANFE PDFs from authorized nfeProc documents
type Renderer struct {
	creator string
	logger  *zap.Logger
}

// Option configures a Renderer
type Option func(*Renderer)

// WithCreator sets the PDF Creator entry
func WithCreator(name string) Option {
	return func(r *Renderer) { r.creator = name }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(r *Renderer) { r.logger = l }
}

// NewRenderer creates a renderer
func NewRenderer(opts ...Option) *Renderer {
	r := &Renderer{creator: "nfe-service", logger: zap.NewNop()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Render builds the DANFE for an authorized nfeProc. The output is
// byte-for-byte reproducible: every timestamp comes from the protocol.
func (r *Renderer) Render(authorizedXML []byte) ([]byte, error) {
	inv, err := xmlparser.ParseInvoice(authorizedXML)
	if err != nil {
		return nil, model.NewRenderError("cannot read authorized document", err)
	}
	if err := printable(inv); err != nil {
		return nil, err
	}

	d := &document{
		inv: inv,
		pdf: gofpdf.New("P", "mm", "A4", ""),
		t:   newTranslator(),
	}
	d.setup(r.creator)
	d.render()

	var buf bytes.Buffer
	if err := d.pdf.Output(&buf); err != nil {
		return nil, model.NewRenderError("failed to write PDF", err)
	}

	r.logger.Debug("DANFE rendered",
		zap.String("access_key", string(inv.AccessKey)),
		zap.Int("pages", d.pdf.PageNo()),
		zap.Int("bytes", buf.Len()),
	)
	return buf.Bytes(), nil
}

func printable(inv *xmlparser.Invoice) error {
	if !inv.AccessKey.Valid() {
		return model.NewRenderError("document has no valid access key", nil)
	}
	p := inv.Protocol
	if p == nil {
		return model.NewRenderError("document has no authorization protocol", nil)
	}
	if p.Number == "" {
		return model.NewRenderError("authorization protocol has no number", nil)
	}
	if !p.Authorized() {
		return model.NewRenderError(fmt.Sprintf("protocol status %d (%s) does not authorize use", p.Code, p.Reason), nil)
	}
	if p.AccessKey != "" && p.AccessKey != inv.AccessKey {
		return model.NewRenderError("protocol belongs to another access key", nil)
	}
	return nil
}

// Subject is the value stored in the PDF Subject and Keywords entries
func Subject(key model.AccessKey, protocol string) string {
	return "chNFe=" + string(key) + ";nProt=" + protocol
}

type document struct {
	inv *xmlparser.Invoice
	pdf *gofpdf.Fpdf
	t   *translator
}

func (d *document) setup(creator string) {
	pdf, inv := d.pdf, d.inv
	stamp := inv.Protocol.ReceivedAt
	if stamp.IsZero() {
		stamp = inv.IssuedAt
	}
	if stamp.IsZero() {
		stamp = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	}

	pdf.SetMargins(margin, margin, margin)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetCatalogSort(true)
	pdf.SetCreationDate(stamp)
	pdf.SetModificationDate(stamp)
	pdf.SetTitle("DANFE NF-e "+documentNumber(inv.Number), false)
	pdf.SetAuthor(inv.Issuer.Name, true)
	pdf.SetSubject(Subject(inv.AccessKey, inv.Protocol.Number), false)
	pdf.SetKeywords(Subject(inv.AccessKey, inv.Protocol.Number), false)
	pdf.SetCreator(creator, false)
	pdf.SetProducer(creator, false)
	pdf.AliasNbPages("{nb}")

	pdf.SetHeaderFunc(func() {
		if inv.Environment == model.EnvironmentHomologation {
			d.watermark()
		}
	})
	pdf.SetFooterFunc(func() {
		pdf.SetY(pageHeight - 8)
		pdf.SetFont("Helvetica", "I", 6)
		pdf.SetTextColor(0, 0, 0)
		pdf.CellFormat(0, 3, d.t.tr(fmt.Sprintf("Página %d/{nb}", pdf.PageNo())), "", 0, "R", false, 0, "")
	})
}

func (d *document) watermark() {
	pdf := d.pdf
	pdf.SetFont("Helvetica", "B", 40)
	pdf.SetTextColor(200, 200, 200)
	pdf.TransformBegin()
	pdf.TransformRotate(45, pageWidth/2, pageHeight/2)
	pdf.SetXY(0, pageHeight/2-10)
	pdf.CellFormat(pageWidth, 10, "SEM VALOR FISCAL", "", 2, "C", false, 0, "")
	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(pageWidth, 8, d.t.tr("EMITIDA EM AMBIENTE DE HOMOLOGAÇÃO"), "", 0, "C", false, 0, "")
	pdf.TransformEnd()
	pdf.SetTextColor(0, 0, 0)
}

func (d *document) render() {
	d.pdf.AddPage()
	d.pdf.SetLineWidth(0.2)

	y := d.stub(margin)
	y = d.header(y + 2)
	y = d.recipient(y + 1)
	y = d.taxes(y + 1)
	y = d.transport(y + 1)
	y = d.items(y + 1)
	d.additional(y + 1)
}

// field draws a labelled box
func (d *document) field(x, y, w, h float64, label, value, align string) {
	pdf := d.pdf
	pdf.Rect(x, y, w, h, "D")
	pdf.SetFont("Helvetica", "", 5)
	pdf.SetXY(x+0.5, y+0.3)
	pdf.CellFormat(w-1, 2.2, d.t.tr(label), "", 0, "L", false, 0, "")
	pdf.SetFont("Helvetica", "B", 7.5)
	pdf.SetXY(x+0.5, y+2.6)
	pdf.CellFormat(w-1, h-3, d.t.tr(d.fit(value, w-1)), "", 0, align, false, 0, "")
}

// fit shortens text to the given width at the current font
func (d *document) fit(s string, w float64) string {
	if d.pdf.GetStringWidth(d.t.tr(s)) <= w {
		return s
	}
	r := []rune(s)
	for len(r) > 0 && d.pdf.GetStringWidth(d.t.tr(string(r)+"...")) > w {
		r = r[:len(r)-1]
	}
	return string(r) + "..."
}

func (d *document) section(y float64, title string) float64 {
	d.pdf.SetFont("Helvetica", "B", 6)
	d.pdf.SetXY(margin, y)
	d.pdf.CellFormat(contentW, titleH, d.t.tr(title), "", 0, "L", false, 0, "")
	return y + titleH
}

// row draws fields side by side, widths summing to the content width
func (d *document) row(y float64, fields ...cell) float64 {
	x := margin
	for _, f := range fields {
		align := f.align
		if align == "" {
			align = "L"
		}
		d.field(x, y, f.width, fieldH, f.label, f.value, align)
		x += f.width
	}
	return y + fieldH
}

type cell struct {
	width float64
	label string
	value string
	align string
}

// stub is the receipt slip the carrier detaches on delivery
func (d *document) stub(y float64) float64 {
	pdf, inv := d.pdf, d.inv
	const h = 16.0
	left := contentW - 40

	pdf.Rect(margin, y, left, h/2, "D")
	pdf.SetFont("Helvetica", "", 6)
	pdf.SetXY(margin+0.5, y+0.5)
	text := fmt.Sprintf("RECEBEMOS DE %s OS PRODUTOS E/OU SERVIÇOS CONSTANTES DA NOTA FISCAL ELETRÔNICA INDICADA AO LADO", inv.Issuer.Name)
	pdf.MultiCell(left-1, 2.8, d.t.tr(d.fit(text, 2*(left-1)-10)), "", "L", false)

	d.field(margin, y+h/2, 40, h/2, "DATA DE RECEBIMENTO", "", "L")
	d.field(margin+40, y+h/2, left-40, h/2, "IDENTIFICAÇÃO E ASSINATURA DO RECEBEDOR", "", "L")

	x := margin + left
	pdf.Rect(x, y, 40, h, "D")
	pdf.SetXY(x, y+1.5)
	pdf.SetFont("Helvetica", "B", 11)
	pdf.CellFormat(40, 5, "NF-e", "", 2, "C", false, 0, "")
	pdf.SetFont("Helvetica", "B", 8)
	pdf.CellFormat(40, 4, d.t.tr("Nº "+documentNumber(inv.Number)), "", 2, "C", false, 0, "")
	pdf.CellFormat(40, 4, d.t.tr("SÉRIE "+series(inv.Series)), "", 0, "C", false, 0, "")

	y += h + 1.5
	pdf.SetDashPattern([]float64{1, 1}, 0)
	pdf.Line(margin, y, margin+contentW, y)
	pdf.SetDashPattern([]float64{}, 0)
	return y
}

func (d *document) header(y float64) float64 {
	pdf, inv := d.pdf, d.inv
	const h = 32.0
	const issuerW, titleW = 80.0, 35.0
	keyW := contentW - issuerW - titleW

	// issuer
	pdf.Rect(margin, y, issuerW, h, "D")
	pdf.SetXY(margin+1, y+2)
	pdf.SetFont("Helvetica", "B", 9)
	pdf.MultiCell(issuerW-2, 4, d.t.tr(inv.Issuer.Name), "", "C", false)
	pdf.SetFont("Helvetica", "", 7)
	for _, line := range []string{
		inv.Issuer.AddressLine(),
		fmt.Sprintf("%s - %s", inv.Issuer.District, postalCode(inv.Issuer.PostalCode)),
		fmt.Sprintf("%s - %s", inv.Issuer.City, inv.Issuer.UF),
		phone(inv.Issuer.Phone),
	} {
		pdf.SetX(margin + 1)
		pdf.CellFormat(issuerW-2, 3.5, d.t.tr(d.fit(line, issuerW-2)), "", 2, "C", false, 0, "")
	}

	// title
	x := margin + issuerW
	pdf.Rect(x, y, titleW, h, "D")
	pdf.SetXY(x, y+1.5)
	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(titleW, 5, "DANFE", "", 2, "C", false, 0, "")
	pdf.SetFont("Helvetica", "", 6)
	pdf.MultiCell(titleW, 2.6, d.t.tr("Documento Auxiliar da Nota Fiscal Eletrônica"), "", "C", false)
	pdf.SetX(x + 2)
	pdf.CellFormat(20, 3, "0 - ENTRADA", "", 2, "L", false, 0, "")
	pdf.SetX(x + 2)
	pdf.CellFormat(20, 3, d.t.tr("1 - SAÍDA"), "", 0, "L", false, 0, "")
	pdf.Rect(x+titleW-9, y+13, 6, 6, "D")
	pdf.SetXY(x+titleW-9, y+13)
	pdf.SetFont("Helvetica", "B", 10)
	pdf.CellFormat(6, 6, inv.OperationType, "", 0, "C", false, 0, "")
	pdf.SetXY(x, y+20)
	pdf.SetFont("Helvetica", "B", 8)
	pdf.CellFormat(titleW, 3.5, d.t.tr("Nº "+documentNumber(inv.Number)), "", 2, "C", false, 0, "")
	pdf.CellFormat(titleW, 3.5, d.t.tr("SÉRIE "+series(inv.Series)), "", 2, "C", false, 0, "")
	pdf.SetFont("Helvetica", "", 7)
	pdf.CellFormat(titleW, 3.5, fmt.Sprintf("FOLHA %d/{nb}", pdf.PageNo()), "", 0, "C", false, 0, "")

	// barcode and access key
	x += titleW
	pdf.Rect(x, y, keyW, h, "D")
	d.barcode(x+3, y+1.5, keyW-6, 11)
	d.field(x, y+13.5, keyW, fieldH, "CHAVE DE ACESSO", inv.AccessKey.Formatted(), "C")
	pdf.SetXY(x+1, y+22)
	pdf.SetFont("Helvetica", "", 6.5)
	pdf.MultiCell(keyW-2, 2.8, d.t.tr("Consulta de autenticidade no portal nacional da NF-e www.nfe.fazenda.gov.br/portal ou no site da Sefaz Autorizadora"), "", "C", false)

	y += h
	y = d.row(y,
		cell{width: 120, label: "NATUREZA DA OPERAÇÃO", value: inv.Nature},
		cell{width: 80, label: "PROTOCOLO DE AUTORIZAÇÃO DE USO", value: inv.Protocol.Number + " - " + dateTime(inv.Protocol.ReceivedAt), align: "C"},
	)
	return d.row(y,
		cell{width: 67, label: "INSCRIÇÃO ESTADUAL", value: inv.Issuer.IE},
		cell{width: 67, label: "INSC. ESTADUAL DO SUBST. TRIBUT.", value: ""},
		cell{width: 66, label: "CNPJ / CPF", value: taxID(inv.Issuer.TaxID)},
	)
}

// barcode draws the access key as Code128 vector bars
func (d *document) barcode(x, y, w, h float64) {
	bc, err := code128.Encode(string(d.inv.AccessKey))
	if err != nil {
		d.pdf.SetError(err)
		return
	}
	modules := bc.Bounds().Dx()
	if modules == 0 {
		return
	}
	unit := w / float64(modules)
	d.pdf.SetFillColor(0, 0, 0)
	for i := 0; i < modules; i++ {
		if r, _, _, _ := bc.At(i, 0).RGBA(); r == 0 {
			// merge adjacent dark modules into one bar
			start := i
			for i+1 < modules {
				if r, _, _, _ := bc.At(i+1, 0).RGBA(); r != 0 {
					break
				}
				i++
			}
			d.pdf.Rect(x+float64(start)*unit, y, float64(i-start+1)*unit, h, "F")
		}
	}
}

func (d *document) recipient(y float64) float64 {
	inv := d.inv
	p := xmlparser.Party{}
	if inv.Recipient != nil {
		p = *inv.Recipient
	}
	y = d.section(y, "DESTINATÁRIO / REMETENTE")
	y = d.row(y,
		cell{width: 120, label: "NOME / RAZÃO SOCIAL", value: p.Name},
		cell{width: 50, label: "CNPJ / CPF", value: taxID(p.TaxID), align: "C"},
		cell{width: 30, label: "DATA DA EMISSÃO", value: date(inv.IssuedAt), align: "C"},
	)
	y = d.row(y,
		cell{width: 90, label: "ENDEREÇO", value: p.AddressLine()},
		cell{width: 50, label: "BAIRRO / DISTRITO", value: p.District},
		cell{width: 30, label: "CEP", value: postalCode(p.PostalCode), align: "C"},
		cell{width: 30, label: "DATA DA SAÍDA/ENTRADA", value: date(inv.IssuedAt), align: "C"},
	)
	return d.row(y,
		cell{width: 80, label: "MUNICÍPIO", value: p.City},
		cell{width: 40, label: "FONE / FAX", value: phone(p.Phone)},
		cell{width: 15, label: "UF", value: p.UF, align: "C"},
		cell{width: 65, label: "INSCRIÇÃO ESTADUAL", value: p.IE},
	)
}

func (d *document) taxes(y float64) float64 {
	t := d.inv.Totals
	y = d.section(y, "CÁLCULO DO IMPOSTO")
	y = d.row(y,
		cell{width: 40, label: "BASE DE CÁLC. DO ICMS", value: money(t.ICMSBase), align: "R"},
		cell{width: 40, label: "VALOR DO ICMS", value: money(t.ICMS), align: "R"},
		cell{width: 40, label: "BASE DE CÁLC. ICMS S.T.", value: money(t.ICMSSTBase), align: "R"},
		cell{width: 40, label: "VALOR DO ICMS SUBST.", value: money(t.ICMSST), align: "R"},
		cell{width: 40, label: "VALOR TOTAL DOS PRODUTOS", value: money(t.Products), align: "R"},
	)
	return d.row(y,
		cell{width: 33, label: "VALOR DO FRETE", value: money(t.Freight), align: "R"},
		cell{width: 33, label: "VALOR DO SEGURO", value: money(t.Insurance), align: "R"},
		cell{width: 33, label: "DESCONTO", value: money(t.Discount), align: "R"},
		cell{width: 33, label: "OUTRAS DESPESAS", value: money(t.Other), align: "R"},
		cell{width: 34, label: "VALOR DO IPI", value: money(t.IPI), align: "R"},
		cell{width: 34, label: "VALOR TOTAL DA NOTA", value: money(t.Total), align: "R"},
	)
}

func (d *document) transport(y float64) float64 {
	y = d.section(y, "TRANSPORTADOR / VOLUMES TRANSPORTADOS")
	return d.row(y,
		cell{width: 120, label: "RAZÃO SOCIAL", value: ""},
		cell{width: 80, label: "FRETE POR CONTA", value: freightMode(d.inv.FreightMode)},
	)
}

const lineH = 3.0

func (d *document) itemHeader(y float64) float64 {
	pdf := d.pdf
	y = d.section(y, "DADOS DOS PRODUTOS / SERVIÇOS")
	pdf.SetFont("Helvetica", "", 5)
	x := margin
	for _, c := range columns {
		pdf.SetXY(x, y)
		pdf.CellFormat(c.width, 5, d.t.tr(c.title), "1", 0, "C", false, 0, "")
		x += c.width
	}
	return y + 5
}

func (d *document) items(y float64) float64 {
	pdf := d.pdf
	y = d.itemHeader(y)
	pdf.SetFont("Helvetica", "", 6)

	for _, it := range d.inv.Items {
		values := []string{
			it.Code,
			it.Description,
			it.NCM,
			it.Situation,
			it.CFOP,
			it.Unit,
			quantity(it.Quantity),
			money(it.UnitPrice),
			money(it.Total),
			money(it.ICMSBase),
			money(it.ICMSValue),
		}
		desc := pdf.SplitLines([]byte(d.t.tr(it.Description)), columns[1].width-1)
		h := float64(max(1, len(desc)))*lineH + 1

		if y+h > bottomLimit {
			pdf.AddPage()
			y = d.itemHeader(margin)
			pdf.SetFont("Helvetica", "", 6)
		}

		x := margin
		for i, c := range columns {
			pdf.Rect(x, y, c.width, h, "D")
			if i == 1 {
				pdf.SetXY(x, y+0.5)
				pdf.MultiCell(c.width, lineH, d.t.tr(it.Description), "", "L", false)
			} else {
				pdf.SetXY(x, y+0.5)
				pdf.CellFormat(c.width, lineH, d.t.tr(d.fit(values[i], c.width-1)), "", 0, c.align, false, 0, "")
			}
			x += c.width
		}
		y += h
	}
	return y
}

func (d *document) additional(y float64) {
	pdf, inv := d.pdf, d.inv
	h := 28.0
	if y+titleH+h > bottomLimit {
		pdf.AddPage()
		y = margin
	}
	y = d.section(y, "DADOS ADICIONAIS")

	info := inv.FiscalInfo
	if inv.AdditionalInfo != "" {
		if info != "" {
			info += " "
		}
		info += inv.AdditionalInfo
	}
	const infoW = 130.0
	pdf.Rect(margin, y, infoW, h, "D")
	pdf.Rect(margin+infoW, y, contentW-infoW, h, "D")
	pdf.SetFont("Helvetica", "", 5)
	pdf.SetXY(margin+0.5, y+0.3)
	pdf.CellFormat(infoW, 2.2, d.t.tr("INFORMAÇÕES COMPLEMENTARES"), "", 0, "L", false, 0, "")
	pdf.SetXY(margin+infoW+0.5, y+0.3)
	pdf.CellFormat(contentW-infoW, 2.2, "RESERVADO AO FISCO", "", 0, "L", false, 0, "")

	pdf.SetFont("Helvetica", "", 6)
	lines := pdf.SplitLines([]byte(d.t.tr(info)), infoW-1)
	if maxLines := int((h - 3) / 2.6); len(lines) > maxLines {
		lines = lines[:maxLines]
	}
	for i, l := range lines {
		pdf.SetXY(margin+0.5, y+3+float64(i)*2.6)
		pdf.CellFormat(infoW-1, 2.6, string(l), "", 0, "L", false, 0, "")
	}
}

func phone(s string) string {
	d := model.OnlyDigits(s)
	switch len(d) {
	case 10:
		return "(" + d[:2] + ") " + d[2:6] + "-" + d[6:]
	case 11:
		return "(" + d[:2] + ") " + d[2:7] + "-" + d[7:]
	}
	return s
}
