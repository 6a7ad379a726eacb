// Package server exposes emission, distribution, verification and status
// checks over HTTP.
package server

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rezonia/nfe-service/internal/certificate"
	"github.com/rezonia/nfe-service/internal/distribution"
	"github.com/rezonia/nfe-service/internal/model"
	"github.com/rezonia/nfe-service/internal/observability"
	"github.com/rezonia/nfe-service/internal/processor"
	"github.com/rezonia/nfe-service/internal/signature"
)

// Config holds server configuration
type Config struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// JWTSecret enables bearer authentication on /api routes
	JWTSecret string
	Debug     bool
}

// StatusChecker checks the authority status service
type StatusChecker interface {
	ServiceStatus(ctx context.Context, m *certificate.Material, uf model.UF, env model.Environment) (*model.ServiceStatus, error)
}

// Pinger reports database health
type Pinger interface {
	Ping(ctx context.Context) error
}

// CertificateSource supplies the certificate used by GET status checks
type CertificateSource func() (pfx []byte, passphrase string, err error)

// Deps are the collaborators behind the routes. Nil members disable the
// routes that need them.
type Deps struct {
	Pipeline     *processor.Pipeline
	Synchronizer *distribution.Synchronizer
	Cursors      distribution.CursorStore
	Status       StatusChecker
	StatusCert   CertificateSource
	Verifier     signature.Verifier
	Database     Pinger
	Logger       *zap.Logger
	Metrics      *observability.Metrics
}

// Server represents the HTTP API server
type Server struct {
	config *Config
	router *gin.Engine
	deps   Deps
	logger *zap.Logger
}

// NewServer creates a new API server
func NewServer(config *Config, deps Deps) *Server {
	if !config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observability.RequestID())
	router.Use(observability.Tracing())
	router.Use(observability.GinLogger(deps.Logger, deps.Metrics))

	s := &Server{
		config: config,
		router: router,
		deps:   deps,
		logger: deps.Logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	v1 := s.router.Group("/api/v1")
	if s.config.JWTSecret != "" {
		v1.Use(BearerAuth([]byte(s.config.JWTSecret)))
	}
	{
		v1.POST("/nfe/emit", s.handleEmit)
		v1.POST("/nfe/distribution", s.handleDistribution)
		v1.POST("/nfe/verify", s.handleVerify)

		v1.GET("/sefaz/status", s.handleStatusCheck)
		v1.POST("/sefaz/status", s.handleStatus)
	}
}

// Run serves until ctx is cancelled, then drains in-flight requests
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.config.Address,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the http.Handler for use with custom servers
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if s.deps.Database != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Database.Ping(ctx); err != nil {
			body["status"] = "degraded"
			body["database"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		body["database"] = "ok"
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleVerify(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		badRequest(c, "failed to read request body")
		return
	}
	if len(body) == 0 {
		badRequest(c, "empty request body")
		return
	}
	if s.deps.Verifier == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{Kind: string(model.KindInternal), Error: "signature verification unavailable"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 60*time.Second)
	defer cancel()

	v, err := processor.Verify(ctx, s.deps.Verifier, body)
	if err != nil {
		abort(c, err)
		return
	}

	valid := v.DANFE != nil || (v.Signature != nil && v.Signature.Valid)
	if valid {
		c.JSON(http.StatusOK, v)
	} else {
		c.JSON(http.StatusUnprocessableEntity, v)
	}
}

// handleStatusCheck checks an authority with the configured certificate
func (s *Server) handleStatusCheck(c *gin.Context) {
	if s.deps.Status == nil || s.deps.StatusCert == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{Kind: string(model.KindInternal), Error: "status check has no certificate configured"})
		return
	}
	uf, err := model.ParseUF(c.Query("uf"))
	if err != nil {
		abort(c, model.NewValidationError("uf", c.Query("uf"), "uf", err.Error()))
		return
	}
	env, err := model.ParseEnvironment(c.DefaultQuery("environment", "2"))
	if err != nil {
		abort(c, model.NewValidationError("environment", c.Query("environment"), "environment", err.Error()))
		return
	}
	pfx, pass, err := s.deps.StatusCert()
	if err != nil {
		abort(c, err, pass)
		return
	}
	s.status(c, pfx, pass, uf, env)
}

// handleStatus checks an authority with the caller's certificate
func (s *Server) handleStatus(c *gin.Context) {
	if s.deps.Status == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{Kind: string(model.KindInternal), Error: "status check unavailable"})
		return
	}
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+scrub(err.Error(), req.Passphrase))
		return
	}
	pfx, err := base64.StdEncoding.DecodeString(req.Certificate)
	if err != nil {
		badRequest(c, "certificate must be base64")
		return
	}
	s.status(c, pfx, req.Passphrase, req.UF, req.Environment)
}

func (s *Server) status(c *gin.Context, pfx []byte, pass string, uf model.UF, env model.Environment) {
	m, err := certificate.Load(pfx, pass)
	if err != nil {
		abort(c, err, pass)
		return
	}
	defer m.Destroy()

	st, err := s.deps.Status.ServiceStatus(c.Request.Context(), m, uf, env)
	if err != nil {
		abort(c, err, pass)
		return
	}
	code := http.StatusOK
	if !st.Operational() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, st)
}
