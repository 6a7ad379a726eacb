// Package transmission talks to the SEFAZ web services over SOAP 1.2 with
// client-certificate TLS.
package transmission

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/rezonia/nfe-service/internal/certificate"
	"github.com/rezonia/nfe-service/internal/model"
	"github.com/rezonia/nfe-service/internal/resilience"
)

var tracer = otel.Tracer("transmission")

// maxResponseSize caps authority responses; distribution batches are the
// largest at roughly 50 compressed documents.
const maxResponseSize = 16 << 20

// Config tunes the client
type Config struct {
	Timeout        time.Duration
	Retry          resilience.Config
	Breaker        resilience.BreakerSettings
	PollInterval   time.Duration
	PollTimeout    time.Duration
	MaxConcurrency int
	// Endpoints overrides routing, see Router
	Endpoints map[string]string
	// RootCAs verifies the authorities; nil uses the system pool
	RootCAs *x509.CertPool
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
		Retry: resilience.Config{
			MaxRetries:     3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		},
		Breaker:        resilience.DefaultBreakerSettings(),
		PollInterval:   2 * time.Second,
		PollTimeout:    60 * time.Second,
		MaxConcurrency: 16,
	}
}

// Metrics receives one observation per authority call
type Metrics interface {
	ObserveSEFAZ(service, outcome string, d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) ObserveSEFAZ(string, string, time.Duration) {}

// Client calls the authority web services
type Client struct {
	cfg      Config
	router   *Router
	logger   *zap.Logger
	metrics  Metrics
	bulkhead *resilience.Bulkhead
	now      func() time.Time
	lotID    func() string

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// Option configures a Client
type Option func(*Client)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m Metrics) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithClock sets the clock used for polling deadlines and durations
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient creates a client
func NewClient(cfg Config, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.Breaker.MinRequests == 0 {
		cfg.Breaker = def.Breaker
	}
	cfg.Retry.Retryable = isRetryable
	// rejected requests say nothing about the endpoint's health
	cfg.Breaker.IsSuccessful = func(err error) bool {
		return !isRetryable(err)
	}

	c := &Client{
		cfg:      cfg,
		router:   NewRouter(cfg.Endpoints),
		logger:   zap.NewNop(),
		metrics:  nopMetrics{},
		bulkhead: resilience.NewBulkhead(cfg.MaxConcurrency),
		now:      time.Now,
		lotID:    newLotID,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Router returns the endpoint router
func (c *Client) Router() *Router {
	return c.router
}

// Request identifies one authority call
type Request struct {
	UF          model.UF
	Service     Service
	Environment model.Environment
	// Payload is the authority message; it is moved into the envelope
	Payload *etree.Element
}

// Response is the authority message found in the SOAP body
type Response struct {
	Endpoint string
	Message  *etree.Element
	Raw      []byte
	Attempts int
}

// attemptError classifies a single HTTP exchange
type attemptError struct {
	status    int
	retryable bool
	message   string
	cause     error
}

func (e *attemptError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *attemptError) Unwrap() error { return e.cause }

func isRetryable(err error) bool {
	var ae *attemptError
	return errors.As(err, &ae) && ae.retryable
}

// Call resolves the endpoint, posts the envelope with retries behind the
// endpoint's circuit breaker and returns the unwrapped authority message.
// Routing failures happen before any network activity.
func (c *Client) Call(ctx context.Context, m *certificate.Material, req Request) (*Response, error) {
	endpoint, err := c.router.Resolve(req.UF, req.Service, req.Environment)
	if err != nil {
		return nil, err
	}
	if req.Payload == nil {
		return nil, model.NewTransmissionError(endpoint, 0, false, "empty payload", nil)
	}

	ctx, span := tracer.Start(ctx, "sefaz."+string(req.Service))
	defer span.End()
	span.SetAttributes(
		attribute.String("sefaz.uf", string(req.UF)),
		attribute.String("sefaz.endpoint", endpoint),
		attribute.String("sefaz.environment", req.Environment.String()),
	)

	body, err := envelope(req.Service, req.Payload)
	if err != nil {
		return nil, model.NewTransmissionError(endpoint, 0, false, "cannot build envelope", err)
	}

	hc, closeIdle, err := c.httpClient(m)
	if err != nil {
		return nil, err
	}
	// pooled connections hold the request's key
	defer closeIdle()

	if err := c.bulkhead.Acquire(ctx); err != nil {
		return nil, model.NewTransmissionError(endpoint, 0, false, "cancelled while waiting for a connection slot", err)
	}
	defer c.bulkhead.Release()

	start := c.now()
	var raw []byte
	attempts := 0
	_, err = c.breaker(endpoint).Execute(func() (interface{}, error) {
		n, err := resilience.RetryWithBackoff(ctx, c.cfg.Retry, func() error {
			var err error
			raw, err = c.post(ctx, hc, endpoint, req.Service, body)
			return err
		})
		attempts = n
		return nil, err
	})
	elapsed := c.now().Sub(start)

	if err != nil {
		terr := c.transmissionError(endpoint, attempts, err)
		c.metrics.ObserveSEFAZ(string(req.Service), "error", elapsed)
		span.RecordError(terr)
		span.SetStatus(codes.Error, terr.Message)
		c.logger.Warn("sefaz call failed",
			zap.String("service", string(req.Service)),
			zap.String("endpoint", endpoint),
			zap.Int("attempts", attempts),
			zap.Duration("elapsed", elapsed),
			zap.Error(terr),
		)
		return nil, terr
	}

	msg, err := unwrap(raw)
	if err != nil {
		c.metrics.ObserveSEFAZ(string(req.Service), "error", elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "unparseable response")
		return nil, model.NewTransmissionError(endpoint, http.StatusOK, false, "unparseable authority response", err)
	}

	c.metrics.ObserveSEFAZ(string(req.Service), "ok", elapsed)
	span.SetAttributes(attribute.Int("sefaz.attempts", attempts), attribute.String("sefaz.cstat", text(msg, "cStat")))
	c.logger.Debug("sefaz call",
		zap.String("service", string(req.Service)),
		zap.String("endpoint", endpoint),
		zap.Int("attempts", attempts),
		zap.Duration("elapsed", elapsed),
		zap.String("cstat", text(msg, "cStat")),
	)

	return &Response{Endpoint: endpoint, Message: msg, Raw: raw, Attempts: attempts}, nil
}

func (c *Client) transmissionError(endpoint string, attempts int, err error) *model.TransmissionError {
	var terr *model.TransmissionError
	var ae *attemptError
	switch {
	case resilience.IsOpen(err):
		terr = model.NewTransmissionError(endpoint, 0, true, "circuit open for endpoint", err)
	case errors.As(err, &ae):
		terr = model.NewTransmissionError(endpoint, ae.status, ae.retryable, ae.message, ae.cause)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		terr = model.NewTransmissionError(endpoint, 0, false, "request cancelled", err)
	default:
		terr = model.NewTransmissionError(endpoint, 0, false, "transmission failed", err)
	}
	terr.Attempts = attempts
	return terr
}

func (c *Client) post(ctx context.Context, hc *http.Client, endpoint string, service Service, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &attemptError{message: "invalid endpoint", cause: err}
	}
	req.Header.Set("Content-Type", contentType(service))

	resp, err := hc.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &attemptError{message: "request cancelled", cause: ctxErr}
		}
		return nil, &attemptError{retryable: true, message: "transport failure", cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &attemptError{status: resp.StatusCode, retryable: true, message: "reading response", cause: err}
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, &attemptError{status: resp.StatusCode, retryable: true, message: fmt.Sprintf("authority returned HTTP %d", resp.StatusCode), cause: faultOf(raw)}
	case resp.StatusCode >= 400:
		return nil, &attemptError{status: resp.StatusCode, message: fmt.Sprintf("authority returned HTTP %d", resp.StatusCode), cause: faultOf(raw)}
	}
	return raw, nil
}

// faultOf returns the SOAP fault carried by an error response, if any
func faultOf(raw []byte) error {
	if _, err := unwrap(raw); err != nil {
		var f *faultError
		if errors.As(err, &f) {
			return f
		}
	}
	return nil
}

func (c *Client) httpClient(m *certificate.Material) (*http.Client, func(), error) {
	if m == nil {
		return nil, nil, model.NewCertificateError(model.CertReasonNoKey, "no certificate material", nil)
	}
	tlsCfg, err := certificate.ClientTLSConfig(m, c.cfg.RootCAs)
	if err != nil {
		return nil, nil, err
	}
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     tlsCfg,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConnsPerHost: 2,
	}
	return &http.Client{Transport: tr, Timeout: c.cfg.Timeout}, tr.CloseIdleConnections, nil
}

func (c *Client) breaker(endpoint string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[endpoint]
	if !ok {
		cb = resilience.NewCircuitBreaker(endpoint, c.cfg.Breaker)
		c.breakers[endpoint] = cb
	}
	return cb
}

// newLotID returns a 15-digit lot identifier
func newLotID() string {
	id := uuid.New()
	return fmt.Sprintf("%015d", binary.BigEndian.Uint64(id[:8])%1_000_000_000_000_000)
}
