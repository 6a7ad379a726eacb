// Package processor orchestrates emission: numbering, assembly, signing,
// transmission, DANFE rendering and persistence.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rezonia/nfe-service/internal/certificate"
	"github.com/rezonia/nfe-service/internal/danfe"
	"github.com/rezonia/nfe-service/internal/document"
	"github.com/rezonia/nfe-service/internal/model"
	"github.com/rezonia/nfe-service/internal/sequence"
	sigxml "github.com/rezonia/nfe-service/internal/signature/xml"
	"github.com/rezonia/nfe-service/internal/transmission"
)

// Status is the outcome of an emission
type Status string

const (
	StatusAuthorized Status = "authorized"
	StatusRejected   Status = "rejected"
	StatusFailed     Status = "failed"
)

// Signer signs an assembled NFe
type Signer interface {
	Sign(unsigned []byte, m *certificate.Material) ([]byte, error)
}

// Transmitter delivers signed documents to the authority
type Transmitter interface {
	Authorize(ctx context.Context, m *certificate.Material, signed []byte, uf model.UF, env model.Environment) (*model.AuthorizationResult, error)
	Consult(ctx context.Context, m *certificate.Material, key model.AccessKey, env model.Environment) (*transmission.Consultation, error)
}

// Renderer produces the printable DANFE of an authorized document
type Renderer interface {
	Render(authorizedXML []byte) ([]byte, error)
}

// AuthorizationStore persists authorized documents
type AuthorizationStore interface {
	SaveResult(ctx context.Context, doc *model.FiscalDocument, res *model.AuthorizationResult) error
}

// Metrics receives emission counters
type Metrics interface {
	IncrEmission(status string)
}

type nopMetrics struct{}

func (nopMetrics) IncrEmission(string) {}

// EmitRequest is one emission. Certificate holds the PKCS#12 bundle and is
// zeroed once the certificate is loaded.
type EmitRequest struct {
	Certificate []byte
	Passphrase  string
	Input       document.Input
}

// String never prints the certificate or passphrase
func (r EmitRequest) String() string {
	return fmt.Sprintf("EmitRequest{issuer=%s series=%d env=%s certificate=[REDACTED]}",
		r.Input.Issuer.CNPJ, r.Input.Metadata.Series, r.Input.Metadata.Environment)
}

// Result is the outcome of Emit
type Result struct {
	Status        Status          `json:"status"`
	Code          int             `json:"code,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	AccessKey     model.AccessKey `json:"access_key,omitempty"`
	Protocol      string          `json:"protocol,omitempty"`
	Number        int64           `json:"number,omitempty"`
	Series        int             `json:"series"`
	ReceivedAt    time.Time       `json:"received_at,omitempty"`
	AuthorizedXML []byte          `json:"authorized_xml,omitempty"`
	DANFE         []byte          `json:"danfe,omitempty"`
	RawResponse   []byte          `json:"raw_response,omitempty"`
	Warnings      []string        `json:"warnings,omitempty"`
	Duration      time.Duration   `json:"duration"`
	Error         error           `json:"-"`
}

// Authorized reports whether the document may be used
func (r *Result) Authorized() bool {
	return r.Status == StatusAuthorized
}

func (r *Result) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Pipeline emits documents
type Pipeline struct {
	assembler   *document.Assembler
	numerator   *sequence.Numerator
	signer      Signer
	transmitter Transmitter
	renderer    Renderer
	store       AuthorizationStore
	logger      *zap.Logger
	metrics     Metrics
	now         func() time.Time
	certOpts    []certificate.Option
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithAssembler sets the document assembler
func WithAssembler(a *document.Assembler) Option {
	return func(p *Pipeline) { p.assembler = a }
}

// WithNumerator sets the sequence numerator
func WithNumerator(n *sequence.Numerator) Option {
	return func(p *Pipeline) { p.numerator = n }
}

// WithSigner sets the signer
func WithSigner(s Signer) Option {
	return func(p *Pipeline) { p.signer = s }
}

// WithTransmitter sets the authority client
func WithTransmitter(t Transmitter) Option {
	return func(p *Pipeline) { p.transmitter = t }
}

// WithRenderer sets the DANFE renderer
func WithRenderer(r Renderer) Option {
	return func(p *Pipeline) { p.renderer = r }
}

// WithStore sets where authorized documents are saved
func WithStore(s AuthorizationStore) Option {
	return func(p *Pipeline) { p.store = s }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics sets the metrics sink
func WithMetrics(m Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithCertificateOptions passes options to certificate.Load
func WithCertificateOptions(opts ...certificate.Option) Option {
	return func(p *Pipeline) { p.certOpts = opts }
}

// NewPipeline creates a pipeline. Without a numerator, sequences live in
// memory; without a transmitter, Emit fails after signing.
func NewPipeline(opts ...Option) *Pipeline {
	p := &Pipeline{
		assembler: document.NewAssembler(),
		signer:    sigxml.NewSigner(),
		renderer:  danfe.NewRenderer(),
		logger:    zap.NewNop(),
		metrics:   nopMetrics{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.numerator == nil {
		p.numerator = sequence.NewNumerator(sequence.NewMemoryStore(), p.logger)
	}
	return p
}

// Emit runs the whole emission. The number is consumed only once the
// document is about to be transmitted; any earlier failure gives it back.
func (p *Pipeline) Emit(ctx context.Context, req EmitRequest) *Result {
	start := p.now()
	in := req.Input
	res := &Result{Series: in.Metadata.Series}
	defer func() {
		res.Duration = p.now().Sub(start)
		p.metrics.IncrEmission(string(res.Status))
	}()

	material, err := certificate.Load(req.Certificate, req.Passphrase, p.certOpts...)
	if err != nil {
		return p.fail(res, "certificate", err)
	}
	defer material.Destroy()
	p.logger.Debug("certificate loaded", zap.Object("certificate", material))

	mod := in.Metadata.Model
	if mod == 0 {
		mod = model.ModelNFe
	}
	seq := sequence.Key{
		Issuer:      in.Issuer.CNPJ,
		Model:       mod,
		Series:      in.Metadata.Series,
		Environment: in.Metadata.Environment,
	}
	reservation, err := p.numerator.Reserve(ctx, seq, in.LastUsedNumber)
	if err != nil {
		return p.fail(res, "reserve", err)
	}
	defer reservation.Release()

	if in.Metadata.Number == 0 {
		in.Metadata.Number = reservation.Number
	} else if in.Metadata.Number != reservation.Number {
		return p.fail(res, "reserve", model.NewValidationError("metadata.number", in.Metadata.Number, "sequence",
			fmt.Sprintf("next number for series %d is %d", in.Metadata.Series, reservation.Number)))
	}
	res.Number = reservation.Number

	assembled, err := p.assembler.Assemble(in)
	if err != nil {
		return p.fail(res, "assemble", err)
	}
	res.AccessKey = assembled.Document.AccessKey
	res.Warnings = append(res.Warnings, assembled.Warnings...)

	signed, err := p.signer.Sign(assembled.XML, material)
	if err != nil {
		return p.fail(res, "sign", err)
	}
	if p.transmitter == nil {
		return p.fail(res, "transmit", errors.New("no transmitter configured"))
	}
	if err := ctx.Err(); err != nil {
		return p.fail(res, "transmit", err)
	}

	if err := reservation.Commit(ctx); err != nil {
		return p.fail(res, "commit", err)
	}

	doc := assembled.Document
	auth, err := p.transmitter.Authorize(ctx, material, signed, doc.Issuer.Address.UF, doc.Metadata.Environment)
	var rej *model.AuthorityRejection
	if errors.As(err, &rej) && rej.Code == model.StatusDuplicate {
		auth, err = p.recover(ctx, material, signed, doc, rej)
	}
	if err != nil {
		if errors.As(err, &rej) {
			return p.reject(res, rej)
		}
		return p.fail(res, "transmit", err)
	}

	res.Status = StatusAuthorized
	res.Code = auth.Code()
	res.Reason = auth.Reason()
	res.Protocol = auth.Protocol()
	res.ReceivedAt = auth.ReceivedAt()
	res.AuthorizedXML = auth.AuthorizedXML()
	res.RawResponse = auth.RawResponse()

	if p.renderer != nil {
		pdf, err := p.renderer.Render(res.AuthorizedXML)
		if err != nil {
			res.warn("DANFE not generated: %v", err)
			p.logger.Error("DANFE rendering failed", zap.String("access_key", string(res.AccessKey)), zap.Error(err))
		}
		res.DANFE = pdf
	}
	if p.store != nil {
		if err := p.store.SaveResult(ctx, doc, auth); err != nil {
			res.warn("authorization not persisted: %v", err)
			p.logger.Error("saving authorization failed", zap.String("access_key", string(res.AccessKey)), zap.Error(err))
		}
	}

	p.logger.Info("document authorized",
		zap.String("access_key", string(res.AccessKey)),
		zap.String("protocol", res.Protocol),
		zap.Int64("number", res.Number),
		zap.Int("series", res.Series),
	)
	return res
}

// recover handles a duplicate rejection by consulting the key: the
// authority may already hold an authorization for this very document.
func (p *Pipeline) recover(ctx context.Context, m *certificate.Material, signed []byte, doc *model.FiscalDocument, rej *model.AuthorityRejection) (*model.AuthorizationResult, error) {
	p.logger.Warn("duplicate reported, consulting access key",
		zap.String("access_key", string(doc.AccessKey)),
		zap.String("reason", rej.Reason),
	)
	cons, err := p.transmitter.Consult(ctx, m, doc.AccessKey, doc.Metadata.Environment)
	if err != nil {
		p.logger.Warn("consultation after duplicate failed", zap.Error(err))
		return nil, rej
	}
	auth, err := transmission.Attach(signed, cons)
	if err != nil {
		p.logger.Warn("existing authorization does not match document", zap.Error(err))
		return nil, rej
	}
	return auth, nil
}

func (p *Pipeline) reject(res *Result, rej *model.AuthorityRejection) *Result {
	res.Status = StatusRejected
	res.Code = rej.Code
	res.Reason = rej.Reason
	res.RawResponse = rej.Raw
	res.Error = rej
	p.logger.Warn("document rejected",
		zap.String("access_key", string(res.AccessKey)),
		zap.Int("code", rej.Code),
		zap.String("reason", rej.Reason),
		zap.Int64("number", res.Number),
	)
	return res
}

func (p *Pipeline) fail(res *Result, stage string, err error) *Result {
	res.Status = StatusFailed
	res.Reason = err.Error()
	res.Error = err
	p.logger.Warn("emission failed",
		zap.String("stage", stage),
		zap.String("kind", string(model.KindOf(err))),
		zap.String("access_key", string(res.AccessKey)),
		zap.Error(err),
	)
	return res
}
