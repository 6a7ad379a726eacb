// Package document assembles validated fiscal documents into layout 4.00 XML.
package document

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/rezonia/nfe-service/internal/model"
)

// brasilia is the fixed offset used when the caller does not give an
// emission time.
var brasilia = time.FixedZone("BRT", -3*60*60)

// Input is everything the assembler needs to build one document. The
// assembler copies it and never mutates the caller's values.
type Input struct {
	Issuer    model.Issuer
	Recipient model.Recipient
	Items     []model.LineItem
	Payments  []model.Payment
	Metadata  model.Metadata
	// LastUsedNumber is used to derive the number when Metadata.Number is 0.
	LastUsedNumber int64
}

// Assembled is the output of Assemble.
type Assembled struct {
	Document *model.FiscalDocument
	XML      []byte
	Warnings []string
}

// Assembler validates inputs and produces unsigned NFe XML.
type Assembler struct {
	now        func() time.Time
	appVersion string
}

// Option configures the assembler
type Option func(*Assembler)

// WithClock sets the clock used for the default emission time
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) {
		a.now = now
	}
}

// WithApplicationVersion sets verProc
func WithApplicationVersion(v string) Option {
	return func(a *Assembler) {
		a.appVersion = v
	}
}

// NewAssembler creates an assembler
func NewAssembler(opts ...Option) *Assembler {
	a := &Assembler{
		now:        time.Now,
		appVersion: "nfe-service 1.0",
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble validates in, computes derived values and the access key, and
// returns the unsigned XML. Validation failures are reported together in a
// *model.ValidationError.
func (a *Assembler) Assemble(in Input) (*Assembled, error) {
	in = copyInput(in)
	applyDefaults(&in)

	if err := validate(&in); err != nil {
		return nil, err
	}

	doc := &model.FiscalDocument{
		Issuer:    in.Issuer,
		Recipient: in.Recipient,
		Items:     in.Items,
		Metadata:  in.Metadata,
	}
	if doc.Metadata.Number == 0 {
		doc.Metadata.Number = in.LastUsedNumber + 1
	}
	if doc.Metadata.EmittedAt.IsZero() {
		doc.Metadata.EmittedAt = a.now().In(brasilia).Truncate(time.Second)
	}

	for i := range doc.Items {
		doc.Items[i].Calculate()
	}
	doc.CalculateTotals()

	var warnings []string
	doc.Payments = in.Payments
	if len(doc.Payments) == 0 {
		doc.Payments = []model.Payment{{Method: model.PaymentCash, Amount: doc.Totals.Invoice}}
		warnings = append(warnings, "no payment informed, assumed a single cash payment of the invoice total")
	}

	key, err := BuildAccessKey(doc)
	if err != nil {
		return nil, model.NewValidationError("access_key", nil, "compose", err.Error())
	}
	doc.AccessKey = key

	b := &layoutBuilder{doc: doc, appVersion: a.appVersion}
	xml, err := b.build()
	if err != nil {
		return nil, err
	}

	return &Assembled{Document: doc, XML: xml, Warnings: warnings}, nil
}

// BuildAccessKey composes the access key of doc, deriving cNF when the
// metadata does not carry one.
func BuildAccessKey(doc *model.FiscalDocument) (model.AccessKey, error) {
	m := doc.Metadata
	code := m.NumericCode
	if code == 0 {
		code = NumericCode(doc.Issuer.CNPJ, m.Model, m.Series, m.Number, m.EmittedAt)
	}
	parts := model.KeyParts{
		UFCode:      doc.Issuer.Address.UF.Code(),
		YearMonth:   m.EmittedAt.Format("0601"),
		CNPJ:        doc.Issuer.CNPJ,
		Model:       m.Model,
		Series:      m.Series,
		Number:      m.Number,
		Emission:    model.EmissionNormal,
		NumericCode: code,
	}
	return parts.Build()
}

// NumericCode derives a stable 8-digit cNF from the document identity. It
// never equals the low digits of the number.
func NumericCode(cnpj string, mod model.DocumentModel, series int, number int64, emitted time.Time) int {
	seed := fmt.Sprintf("%s|%d|%d|%d|%s", model.OnlyDigits(cnpj), mod, series, number, emitted.Format("20060102"))
	sum := sha256.Sum256([]byte(seed))
	code := int(binary.BigEndian.Uint64(sum[:8]) % 100000000)
	if int64(code) == number%100000000 {
		code = (code + 1) % 100000000
	}
	return code
}

func copyInput(in Input) Input {
	in.Items = append([]model.LineItem(nil), in.Items...)
	in.Payments = append([]model.Payment(nil), in.Payments...)
	return in
}

// applyDefaults fills codes left empty by callers with the layout defaults.
func applyDefaults(in *Input) {
	m := &in.Metadata
	if m.Model == 0 {
		m.Model = model.ModelNFe
	}
	if m.Purpose == 0 {
		m.Purpose = model.PurposeNormal
	}
	if in.Recipient.IEIndicator == 0 {
		in.Recipient.IEIndicator = model.IENonContributor
	}
	for i := range in.Items {
		li := &in.Items[i]
		if li.ICMS.Situation == "" {
			li.ICMS.Situation = "00"
			if in.Issuer.TaxRegime.IsSimples() {
				li.ICMS.Situation = "102"
			}
		}
		if li.PIS.Situation == "" {
			li.PIS.Situation = "01"
		}
		if li.COFINS.Situation == "" {
			li.COFINS.Situation = "01"
		}
	}
	for i := range in.Payments {
		if in.Payments[i].Method == "" {
			in.Payments[i].Method = model.PaymentCash
		}
	}
}
