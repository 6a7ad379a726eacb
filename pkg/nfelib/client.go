package nfelib

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rezonia/nfe-service/internal/certificate"
	"github.com/rezonia/nfe-service/internal/danfe"
	"github.com/rezonia/nfe-service/internal/distribution"
	"github.com/rezonia/nfe-service/internal/document"
	"github.com/rezonia/nfe-service/internal/processor"
	"github.com/rezonia/nfe-service/internal/sequence"
	"github.com/rezonia/nfe-service/internal/signature/trust"
	sigxml "github.com/rezonia/nfe-service/internal/signature/xml"
	"github.com/rezonia/nfe-service/internal/storage"
	"github.com/rezonia/nfe-service/internal/transmission"
)

// Options configures a Client
type Options struct {
	Transmission TransmissionConfig
	Distribution DistributionConfig

	// Storage persists numbering, cursors and authorized documents. Without
	// it numbers are reserved in memory and lost with the process.
	Storage *StorageConfig

	// TrustBundle is a PEM file or directory of authority and signer roots
	TrustBundle string
	// SystemRoots adds the host's roots to the trust store
	SystemRoots bool

	Logger *zap.Logger
}

// DefaultOptions returns default client options
func DefaultOptions() Options {
	return Options{
		Transmission: transmission.DefaultConfig(),
		Distribution: distribution.DefaultConfig(),
		SystemRoots:  true,
	}
}

// Client emits documents, queries distribution and verifies signatures
type Client struct {
	pipeline  *processor.Pipeline
	assembler *document.Assembler
	sefaz     *transmission.Client
	syncer    *distribution.Synchronizer
	verifier  *sigxml.XMLVerifier
	renderer  *danfe.Renderer
	store     *storage.Store
}

// NewClient creates a client with the given options
func NewClient(opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var topts []trust.TrustStoreOption
	if opts.SystemRoots {
		topts = append(topts, trust.WithSystemRoots())
	}
	topts = append(topts, trust.WithBundle(opts.TrustBundle))
	ts, err := trust.NewTrustStore(topts...)
	if err != nil {
		return nil, fmt.Errorf("trust store: %w", err)
	}

	tc := opts.Transmission
	tc.RootCAs = ts.Roots()

	c := &Client{
		assembler: document.NewAssembler(),
		sefaz:     transmission.NewClient(tc, transmission.WithLogger(logger)),
		verifier:  sigxml.NewXMLVerifier(ts),
		renderer:  danfe.NewRenderer(danfe.WithLogger(logger)),
	}
	c.syncer = distribution.NewSynchronizer(c.sefaz, opts.Distribution, distribution.WithLogger(logger))

	popts := []processor.Option{
		processor.WithAssembler(c.assembler),
		processor.WithTransmitter(c.sefaz),
		processor.WithRenderer(c.renderer),
		processor.WithLogger(logger),
	}
	if opts.Storage != nil {
		store, err := storage.Open(*opts.Storage)
		if err != nil {
			return nil, err
		}
		c.store = store
		popts = append(popts,
			processor.WithNumerator(sequence.NewNumerator(store.Sequences(), logger)),
			processor.WithStore(store.Authorizations()),
		)
	}
	c.pipeline = processor.NewPipeline(popts...)
	return c, nil
}

// NewDefaultClient creates a client with default options
func NewDefaultClient() (*Client, error) {
	return NewClient(DefaultOptions())
}

// Close releases the storage connection, if any
func (c *Client) Close() error {
	if c.store == nil {
		return nil
	}
	return c.store.Close()
}

// Emit assembles, signs, transmits and renders one document. pfx is zeroed
// before Emit returns.
func (c *Client) Emit(ctx context.Context, pfx []byte, passphrase string, in Input) *EmitResult {
	return c.pipeline.Emit(ctx, processor.EmitRequest{Certificate: pfx, Passphrase: passphrase, Input: in})
}

// Validate assembles in without signing or transmitting it
func (c *Client) Validate(in Input) (*FiscalDocument, []byte, error) {
	out, err := c.assembler.Assemble(in)
	if err != nil {
		return nil, nil, err
	}
	return out.Document, out.XML, nil
}

// Status queries the status service of uf
func (c *Client) Status(ctx context.Context, pfx []byte, passphrase string, uf UF, env Environment) (*ServiceStatus, error) {
	m, err := certificate.Load(pfx, passphrase)
	if err != nil {
		return nil, err
	}
	defer m.Destroy()
	return c.sefaz.ServiceStatus(ctx, m, uf, env)
}

// Distribution fetches one batch for party starting after cursor. The
// caller owns the cursor: persist NextCursor only after storing the batch.
func (c *Client) Distribution(ctx context.Context, pfx []byte, passphrase, party string, uf UF, env Environment, cursor NSU) (*DistributionBatch, error) {
	m, err := certificate.Load(pfx, passphrase)
	if err != nil {
		return nil, err
	}
	defer m.Destroy()
	return c.syncer.Query(ctx, distribution.Request{
		Party:       party,
		UF:          uf,
		Environment: env,
		Cursor:      cursor,
		Material:    m,
	})
}

// Verify checks a signed XML document or a DANFE PDF
func (c *Client) Verify(ctx context.Context, data []byte) (*Verification, error) {
	return processor.Verify(ctx, c.verifier, data)
}

// RenderDANFE renders the DANFE of an authorized nfeProc document
func (c *Client) RenderDANFE(authorizedXML []byte) ([]byte, error) {
	return c.renderer.Render(authorizedXML)
}
