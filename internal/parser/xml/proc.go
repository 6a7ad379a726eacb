package xml

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rezonia/nfe-service/internal/model"
)

// NFe layout 4.00 structures, limited to what printing and summaries read
type nfeProcXML struct {
	XMLName xml.Name    `xml:"nfeProc"`
	NFe     nfeXML      `xml:"NFe"`
	Prot    *protNFeXML `xml:"protNFe"`
}

type nfeXML struct {
	XMLName xml.Name  `xml:"NFe"`
	Inf     infNFeXML `xml:"infNFe"`
}

type infNFeXML struct {
	ID    string    `xml:"Id,attr"`
	Ide   ideXML    `xml:"ide"`
	Emit  partyXML  `xml:"emit"`
	Dest  *partyXML `xml:"dest"`
	Det   []detXML  `xml:"det"`
	Total struct {
		ICMSTot icmsTotXML `xml:"ICMSTot"`
	} `xml:"total"`
	Transp struct {
		ModFrete string `xml:"modFrete"`
	} `xml:"transp"`
	Pag struct {
		DetPag []struct {
			TPag string `xml:"tPag"`
			VPag string `xml:"vPag"`
		} `xml:"detPag"`
	} `xml:"pag"`
	InfAdic struct {
		InfAdFisco string `xml:"infAdFisco"`
		InfCpl     string `xml:"infCpl"`
	} `xml:"infAdic"`
}

type ideXML struct {
	CUF   string `xml:"cUF"`
	NatOp string `xml:"natOp"`
	Mod   string `xml:"mod"`
	Serie string `xml:"serie"`
	NNF   string `xml:"nNF"`
	DhEmi string `xml:"dhEmi"`
	TpNF  string `xml:"tpNF"`
	TpAmb string `xml:"tpAmb"`
}

type partyXML struct {
	CNPJ          string    `xml:"CNPJ"`
	CPF           string    `xml:"CPF"`
	IdEstrangeiro string    `xml:"idEstrangeiro"`
	XNome         string    `xml:"xNome"`
	XFant         string    `xml:"xFant"`
	IE            string    `xml:"IE"`
	Email         string    `xml:"email"`
	EnderEmit     *enderXML `xml:"enderEmit"`
	EnderDest     *enderXML `xml:"enderDest"`
}

type enderXML struct {
	XLgr    string `xml:"xLgr"`
	Nro     string `xml:"nro"`
	XCpl    string `xml:"xCpl"`
	XBairro string `xml:"xBairro"`
	XMun    string `xml:"xMun"`
	UF      string `xml:"UF"`
	CEP     string `xml:"CEP"`
	XPais   string `xml:"xPais"`
	Fone    string `xml:"fone"`
}

type detXML struct {
	NItem string `xml:"nItem,attr"`
	Prod  struct {
		CProd  string `xml:"cProd"`
		XProd  string `xml:"xProd"`
		NCM    string `xml:"NCM"`
		CFOP   string `xml:"CFOP"`
		UCom   string `xml:"uCom"`
		QCom   string `xml:"qCom"`
		VUnCom string `xml:"vUnCom"`
		VProd  string `xml:"vProd"`
		VDesc  string `xml:"vDesc"`
	} `xml:"prod"`
	Imposto struct {
		ICMS struct {
			Group icmsXML `xml:",any"`
		} `xml:"ICMS"`
	} `xml:"imposto"`
}

// icmsXML matches any ICMSxx or ICMSSNxxx group
type icmsXML struct {
	XMLName xml.Name
	Orig    string `xml:"orig"`
	CST     string `xml:"CST"`
	CSOSN   string `xml:"CSOSN"`
	VBC     string `xml:"vBC"`
	PICMS   string `xml:"pICMS"`
	VICMS   string `xml:"vICMS"`
}

type icmsTotXML struct {
	VBC      string `xml:"vBC"`
	VICMS    string `xml:"vICMS"`
	VBCST    string `xml:"vBCST"`
	VST      string `xml:"vST"`
	VProd    string `xml:"vProd"`
	VFrete   string `xml:"vFrete"`
	VSeg     string `xml:"vSeg"`
	VDesc    string `xml:"vDesc"`
	VIPI     string `xml:"vIPI"`
	VPIS     string `xml:"vPIS"`
	VCOFINS  string `xml:"vCOFINS"`
	VOutro   string `xml:"vOutro"`
	VNF      string `xml:"vNF"`
	VTotTrib string `xml:"vTotTrib"`
}

type protNFeXML struct {
	InfProt struct {
		TpAmb    string `xml:"tpAmb"`
		VerAplic string `xml:"verAplic"`
		ChNFe    string `xml:"chNFe"`
		DhRecbto string `xml:"dhRecbto"`
		NProt    string `xml:"nProt"`
		DigVal   string `xml:"digVal"`
		CStat    string `xml:"cStat"`
		XMotivo  string `xml:"xMotivo"`
	} `xml:"infProt"`
}

// Invoice is a decoded NFe, optionally with its authorization protocol
type Invoice struct {
	AccessKey      model.AccessKey
	Model          string
	Series         string
	Number         string
	Nature         string
	OperationType  string
	Environment    model.Environment
	IssuedAt       time.Time
	Issuer         Party
	Recipient      *Party
	Items          []Item
	Totals         Totals
	Payments       []Payment
	FreightMode    string
	FiscalInfo     string
	AdditionalInfo string
	Protocol       *Protocol
	RawXML         []byte
}

// Outgoing reports whether the document is an exit (tpNF 1)
func (inv *Invoice) Outgoing() bool {
	return inv.OperationType == "1"
}

// Party is an issuer or recipient as printed
type Party struct {
	TaxID      string
	Name       string
	TradeName  string
	IE         string
	Street     string
	Number     string
	Complement string
	District   string
	City       string
	UF         string
	PostalCode string
	Country    string
	Phone      string
	Email      string
}

// AddressLine joins street, number and complement
func (p Party) AddressLine() string {
	parts := []string{p.Street}
	if p.Number != "" {
		parts[0] += ", " + p.Number
	}
	if p.Complement != "" {
		parts = append(parts, p.Complement)
	}
	return strings.Join(parts, " - ")
}

// Item is one det line
type Item struct {
	Number      int
	Code        string
	Description string
	NCM         string
	CFOP        string
	Unit        string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	Total       decimal.Decimal
	Discount    decimal.Decimal
	Situation   string
	ICMSBase    decimal.Decimal
	ICMSRate    decimal.Decimal
	ICMSValue   decimal.Decimal
}

// Totals is the ICMSTot group
type Totals struct {
	ICMSBase    decimal.Decimal
	ICMS        decimal.Decimal
	ICMSSTBase  decimal.Decimal
	ICMSST      decimal.Decimal
	Products    decimal.Decimal
	Freight     decimal.Decimal
	Insurance   decimal.Decimal
	Discount    decimal.Decimal
	Other       decimal.Decimal
	IPI         decimal.Decimal
	PIS         decimal.Decimal
	COFINS      decimal.Decimal
	ApproxTaxes decimal.Decimal
	Total       decimal.Decimal
}

// Payment is one detPag entry
type Payment struct {
	Method string
	Amount decimal.Decimal
}

// Protocol is the authority's protNFe
type Protocol struct {
	AccessKey   model.AccessKey
	Number      string
	ReceivedAt  time.Time
	Code        int
	Reason      string
	DigestValue string
	AppVersion  string
}

// Authorized reports whether the protocol grants use of the document
func (p *Protocol) Authorized() bool {
	return p != nil && p.Code == model.StatusAuthorized
}

// ParseInvoice decodes an nfeProc or a bare NFe
func ParseInvoice(content []byte) (*Invoice, error) {
	root, err := rootName(content)
	if err != nil {
		return nil, NewParseError(KindProcNFe, "xml", "failed to parse XML", err)
	}

	var (
		inf  infNFeXML
		prot *protNFeXML
	)
	switch root {
	case "nfeProc":
		var proc nfeProcXML
		if err := xml.Unmarshal(content, &proc); err != nil {
			return nil, NewParseError(KindProcNFe, "xml", "failed to parse XML", err)
		}
		inf, prot = proc.NFe.Inf, proc.Prot
	case "NFe":
		var nfe nfeXML
		if err := xml.Unmarshal(content, &nfe); err != nil {
			return nil, NewParseError(KindProcNFe, "xml", "failed to parse XML", err)
		}
		inf = nfe.Inf
	default:
		return nil, NewParseError(KindProcNFe, "root", fmt.Sprintf("unexpected root element %q", root), nil)
	}

	key, err := model.ParseAccessKey(inf.ID)
	if err != nil {
		return nil, NewParseError(KindProcNFe, "infNFe.Id", "invalid access key", err)
	}

	inv := &Invoice{
		AccessKey:      key,
		Model:          inf.Ide.Mod,
		Series:         inf.Ide.Serie,
		Number:         inf.Ide.NNF,
		Nature:         inf.Ide.NatOp,
		OperationType:  inf.Ide.TpNF,
		Issuer:         convertParty(inf.Emit, inf.Emit.EnderEmit),
		FreightMode:    inf.Transp.ModFrete,
		FiscalInfo:     strings.TrimSpace(inf.InfAdic.InfAdFisco),
		AdditionalInfo: strings.TrimSpace(inf.InfAdic.InfCpl),
		RawXML:         content,
	}
	if env, err := model.ParseEnvironment(inf.Ide.TpAmb); err == nil {
		inv.Environment = env
	}
	if t, err := parseDate(inf.Ide.DhEmi); err == nil {
		inv.IssuedAt = t
	}
	if inf.Dest != nil {
		p := convertParty(*inf.Dest, inf.Dest.EnderDest)
		inv.Recipient = &p
	}

	for _, d := range inf.Det {
		inv.Items = append(inv.Items, convertItem(d))
	}

	t := inf.Total.ICMSTot
	inv.Totals = Totals{
		ICMSBase:    parseDecimal(t.VBC),
		ICMS:        parseDecimal(t.VICMS),
		ICMSSTBase:  parseDecimal(t.VBCST),
		ICMSST:      parseDecimal(t.VST),
		Products:    parseDecimal(t.VProd),
		Freight:     parseDecimal(t.VFrete),
		Insurance:   parseDecimal(t.VSeg),
		Discount:    parseDecimal(t.VDesc),
		Other:       parseDecimal(t.VOutro),
		IPI:         parseDecimal(t.VIPI),
		PIS:         parseDecimal(t.VPIS),
		COFINS:      parseDecimal(t.VCOFINS),
		ApproxTaxes: parseDecimal(t.VTotTrib),
		Total:       parseDecimal(t.VNF),
	}

	for _, p := range inf.Pag.DetPag {
		inv.Payments = append(inv.Payments, Payment{Method: p.TPag, Amount: parseDecimal(p.VPag)})
	}

	if prot != nil {
		inv.Protocol = convertProtocol(prot)
	}
	return inv, nil
}

func convertParty(p partyXML, addr *enderXML) Party {
	result := Party{
		TaxID:     firstNonEmpty(p.CNPJ, p.CPF, p.IdEstrangeiro),
		Name:      p.XNome,
		TradeName: p.XFant,
		IE:        p.IE,
		Email:     p.Email,
	}
	if addr != nil {
		result.Street = addr.XLgr
		result.Number = addr.Nro
		result.Complement = addr.XCpl
		result.District = addr.XBairro
		result.City = addr.XMun
		result.UF = addr.UF
		result.PostalCode = addr.CEP
		result.Country = addr.XPais
		result.Phone = addr.Fone
	}
	return result
}

func convertItem(d detXML) Item {
	n, _ := strconv.Atoi(d.NItem)
	icms := d.Imposto.ICMS.Group
	return Item{
		Number:      n,
		Code:        d.Prod.CProd,
		Description: d.Prod.XProd,
		NCM:         d.Prod.NCM,
		CFOP:        d.Prod.CFOP,
		Unit:        d.Prod.UCom,
		Quantity:    parseDecimal(d.Prod.QCom),
		UnitPrice:   parseDecimal(d.Prod.VUnCom),
		Total:       parseDecimal(d.Prod.VProd),
		Discount:    parseDecimal(d.Prod.VDesc),
		Situation:   icms.Orig + firstNonEmpty(icms.CST, icms.CSOSN),
		ICMSBase:    parseDecimal(icms.VBC),
		ICMSRate:    parseDecimal(icms.PICMS),
		ICMSValue:   parseDecimal(icms.VICMS),
	}
}

func convertProtocol(p *protNFeXML) *Protocol {
	code, _ := strconv.Atoi(strings.TrimSpace(p.InfProt.CStat))
	result := &Protocol{
		AccessKey:   model.AccessKey(strings.TrimSpace(p.InfProt.ChNFe)),
		Number:      strings.TrimSpace(p.InfProt.NProt),
		Code:        code,
		Reason:      p.InfProt.XMotivo,
		DigestValue: p.InfProt.DigVal,
		AppVersion:  p.InfProt.VerAplic,
	}
	if t, err := parseDate(p.InfProt.DhRecbto); err == nil {
		result.ReceivedAt = t
	}
	return result
}

// ProcNFeDecoder decodes full authorized documents
type ProcNFeDecoder struct{}

// NewProcNFeDecoder creates a new procNFe decoder
func NewProcNFeDecoder() *ProcNFeDecoder {
	return &ProcNFeDecoder{}
}

// Kind returns the schema kind
func (d *ProcNFeDecoder) Kind() string {
	return KindProcNFe
}

// CanDecode checks for an nfeProc envelope
func (d *ProcNFeDecoder) CanDecode(content []byte) bool {
	return bytes.Contains(content, []byte("<nfeProc")) && bytes.Contains(content, []byte("<infNFe"))
}

// Decode parses an nfeProc into a Summary carrying the full Invoice
func (d *ProcNFeDecoder) Decode(ctx context.Context, r io.Reader) (*Summary, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, NewParseError(KindProcNFe, "content", "failed to read content", err)
	}
	inv, err := ParseInvoice(content)
	if err != nil {
		return nil, err
	}

	s := &Summary{
		Kind:        KindProcNFe,
		AccessKey:   inv.AccessKey,
		IssuerTaxID: inv.Issuer.TaxID,
		IssuerName:  inv.Issuer.Name,
		IssuedAt:    inv.IssuedAt,
		Total:       inv.Totals.Total,
		Invoice:     inv,
	}
	if inv.Protocol != nil {
		s.Protocol = inv.Protocol.Number
		s.ReceivedAt = inv.Protocol.ReceivedAt
		if inv.Protocol.Authorized() {
			s.Situation = SituationAuthorized
		}
	}
	return s, nil
}

// Helper functions

// rootName returns the local name of the first element
func rootName(content []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(content))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", err
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name.Local, nil
		}
	}
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("cannot parse date: %s", s)
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
