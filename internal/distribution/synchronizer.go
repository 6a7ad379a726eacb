// Package distribution pulls the documents issued to or by a party from
// the national distribution service, one NSU window at a time.
package distribution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rezonia/nfe-service/internal/certificate"
	"github.com/rezonia/nfe-service/internal/model"
	"github.com/rezonia/nfe-service/internal/resilience"
	"github.com/rezonia/nfe-service/internal/transmission"
)

var tracer = otel.Tracer("distribution")

// Caller performs one SOAP exchange with an authority
type Caller interface {
	Call(ctx context.Context, m *certificate.Material, req transmission.Request) (*transmission.Response, error)
}

// Metrics receives distribution counters
type Metrics interface {
	IncrDistributionPoll(state string)
	AddDistributedDocuments(schema string, n int)
}

type nopMetrics struct{}

func (nopMetrics) IncrDistributionPoll(string)         {}
func (nopMetrics) AddDistributedDocuments(string, int) {}

// Config tunes polling
type Config struct {
	// RatePerSecond and Burst size the token bucket shared by all parties
	RatePerSecond float64
	Burst         int

	// EmptyBackoff is how long a party that reported no new documents is
	// answered locally instead of asking the authority again
	EmptyBackoff time.Duration

	// MaxBatches bounds a single Drain
	MaxBatches int
}

// DefaultConfig returns conservative polling settings
func DefaultConfig() Config {
	return Config{
		RatePerSecond: 2,
		Burst:         4,
		EmptyBackoff:  time.Hour,
		MaxBatches:    100,
	}
}

// Request identifies the party whose documents are fetched
type Request struct {
	Party       string                `json:"party"`
	UF          model.UF              `json:"uf"`
	Environment model.Environment     `json:"environment"`
	Cursor      model.NSU             `json:"cursor"`
	Material    *certificate.Material `json:"-"`
}

func (r Request) key() string {
	return model.OnlyDigits(r.Party) + "/" + r.Environment.Code()
}

func (r Request) validate() error {
	verr := &model.ValidationError{}
	party := model.OnlyDigits(r.Party)
	if !model.ValidCNPJ(party) && !model.ValidCPF(party) {
		verr.Add("party", r.Party, "cnpj_or_cpf", "party must be a valid CNPJ or CPF")
	}
	if !r.UF.Valid() {
		verr.Add("uf", r.UF, "uf", "unknown requester UF")
	}
	if !r.Environment.Valid() {
		verr.Add("environment", r.Environment, "environment", "environment must be 1 or 2")
	}
	return verr.OrNil()
}

type emptyMark struct {
	at     time.Time
	ultNSU model.NSU
	maxNSU model.NSU
}

// Synchronizer queries the distribution service. Queries for the same
// party and environment are serialized.
type Synchronizer struct {
	caller  Caller
	cfg     Config
	logger  *zap.Logger
	metrics Metrics
	now     func() time.Time
	limiter *rate.Limiter
	locks   *resilience.KeyedMutex

	mu     sync.Mutex
	states map[string]model.DistributionState
	empty  map[string]emptyMark
}

// Option configures a Synchronizer
type Option func(*Synchronizer)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Synchronizer) { s.logger = l }
}

// WithMetrics sets the metrics sink
func WithMetrics(m Metrics) Option {
	return func(s *Synchronizer) { s.metrics = m }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

// NewSynchronizer creates a synchronizer over caller
func NewSynchronizer(caller Caller, cfg Config, opts ...Option) *Synchronizer {
	def := DefaultConfig()
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = def.MaxBatches
	}

	s := &Synchronizer{
		caller:  caller,
		cfg:     cfg,
		logger:  zap.NewNop(),
		metrics: nopMetrics{},
		now:     time.Now,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		locks:   resilience.NewKeyedMutex(),
		states:  make(map[string]model.DistributionState),
		empty:   make(map[string]emptyMark),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State reports the current state for a party and environment
func (s *Synchronizer) State(party string, env model.Environment) model.DistributionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[Request{Party: party, Environment: env}.key()]; ok {
		return st
	}
	return model.DistributionIdle
}

func (s *Synchronizer) setState(key string, st model.DistributionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st == model.DistributionIdle {
		delete(s.states, key)
		return
	}
	s.states[key] = st
}

// Query fetches the batch after req.Cursor
func (s *Synchronizer) Query(ctx context.Context, req Request) (*model.DistributionBatch, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	unlock, err := s.locks.Lock(ctx, req.key())
	if err != nil {
		return nil, err
	}
	defer unlock()

	return s.query(ctx, req)
}

// QueryAccessKey fetches the document identified by key, if the party is
// entitled to it.
func (s *Synchronizer) QueryAccessKey(ctx context.Context, req Request, key model.AccessKey) (*model.DistributionBatch, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if !key.Valid() {
		return nil, model.NewValidationError("access_key", string(key), "access_key", "invalid access key")
	}
	unlock, err := s.locks.Lock(ctx, req.key())
	if err != nil {
		return nil, err
	}
	defer unlock()

	return s.exchange(ctx, req, "consChNFe", consChNFe(key))
}

// QueryNSU fetches the single document stored under nsu
func (s *Synchronizer) QueryNSU(ctx context.Context, req Request, nsu model.NSU) (*model.DistributionBatch, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	unlock, err := s.locks.Lock(ctx, req.key())
	if err != nil {
		return nil, err
	}
	defer unlock()

	return s.exchange(ctx, req, "consNSU", consNSU(nsu))
}

// query runs one distNSU exchange; the caller holds the party lock
func (s *Synchronizer) query(ctx context.Context, req Request) (*model.DistributionBatch, error) {
	key := req.key()

	if b := s.backingOff(key, req); b != nil {
		s.logger.Debug("distribution poll skipped, party recently empty",
			zap.String("party", req.Party),
			zap.String("cursor", req.Cursor.String()),
		)
		s.metrics.IncrDistributionPoll("throttled")
		return b, nil
	}

	batch, err := s.exchange(ctx, req, "distNSU", distNSU(req.Cursor))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if batch.State == model.DistributionEmpty {
		s.empty[key] = emptyMark{at: s.now(), ultNSU: batch.UltNSU, maxNSU: batch.MaxNSU}
	} else {
		delete(s.empty, key)
	}
	s.mu.Unlock()
	return batch, nil
}

// backingOff answers locally while a recent Empty result is still fresh
func (s *Synchronizer) backingOff(key string, req Request) *model.DistributionBatch {
	if s.cfg.EmptyBackoff <= 0 {
		return nil
	}
	s.mu.Lock()
	mark, ok := s.empty[key]
	s.mu.Unlock()
	if !ok || req.Cursor < mark.maxNSU || s.now().Sub(mark.at) >= s.cfg.EmptyBackoff {
		return nil
	}
	return &model.DistributionBatch{
		Party:       model.OnlyDigits(req.Party),
		Environment: req.Environment,
		State:       model.DistributionEmpty,
		Code:        model.StatusNoDocuments,
		Reason:      fmt.Sprintf("no new documents, next poll after %s", mark.at.Add(s.cfg.EmptyBackoff).Format(time.RFC3339)),
		Cursor:      req.Cursor,
		UltNSU:      mark.ultNSU,
		MaxNSU:      mark.maxNSU,
		NextCursor:  req.Cursor,
		RespondedAt: mark.at,
	}
}

func (s *Synchronizer) exchange(ctx context.Context, req Request, kind string, build builder) (*model.DistributionBatch, error) {
	key := req.key()
	s.setState(key, model.DistributionQuerying)
	defer s.setState(key, model.DistributionIdle)

	ctx, span := tracer.Start(ctx, "distribution."+kind)
	defer span.End()
	span.SetAttributes(
		attribute.String("nfe.uf", string(req.UF)),
		attribute.String("nfe.environment", req.Environment.Code()),
		attribute.String("nfe.cursor", req.Cursor.String()),
	)

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	start := s.now()
	resp, err := s.caller.Call(ctx, req.Material, transmission.Request{
		UF:          req.UF,
		Service:     transmission.ServiceDistribution,
		Environment: req.Environment,
		Payload:     payload(req, build),
	})
	if err != nil {
		err = unavailable(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.IncrDistributionPoll("error")
		s.logger.Warn("distribution query failed",
			zap.String("party", req.Party),
			zap.String("query", kind),
			zap.String("cursor", req.Cursor.String()),
			zap.Error(err),
		)
		return nil, err
	}

	batch, err := parse(resp, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.IncrDistributionPoll(string(model.KindOf(err)))
		s.logger.Warn("distribution query refused",
			zap.String("party", req.Party),
			zap.String("query", kind),
			zap.String("cursor", req.Cursor.String()),
			zap.Error(err),
		)
		return nil, err
	}

	s.setState(key, batch.State)
	s.metrics.IncrDistributionPoll(string(batch.State))
	counts := make(map[string]int)
	for _, d := range batch.Documents {
		counts[d.Kind()]++
	}
	for schema, n := range counts {
		s.metrics.AddDistributedDocuments(schema, n)
	}

	span.SetAttributes(
		attribute.Int("nfe.cstat", batch.Code),
		attribute.Int("nfe.documents", len(batch.Documents)),
	)
	s.logger.Info("distribution query completed",
		zap.String("party", req.Party),
		zap.String("query", kind),
		zap.String("state", string(batch.State)),
		zap.String("cursor", batch.Cursor.String()),
		zap.String("next_cursor", batch.NextCursor.String()),
		zap.String("max_nsu", batch.MaxNSU.String()),
		zap.Int("documents", len(batch.Documents)),
		zap.Duration("duration", s.now().Sub(start)),
	)
	return batch, nil
}

// unavailable maps transport failures to an unavailable authority.
// Routing, certificate and validation errors pass through.
func unavailable(err error) error {
	if model.KindOf(err) != model.KindTransmission {
		return err
	}
	return model.NewAuthorityUnavailable(0, "distribution service unreachable", err)
}
