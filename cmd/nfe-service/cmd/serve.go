package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rezonia/nfe-service/internal/danfe"
	"github.com/rezonia/nfe-service/internal/distribution"
	"github.com/rezonia/nfe-service/internal/observability"
	"github.com/rezonia/nfe-service/internal/processor"
	"github.com/rezonia/nfe-service/internal/sequence"
	"github.com/rezonia/nfe-service/internal/server"
	sigxml "github.com/rezonia/nfe-service/internal/signature/xml"
)

var (
	serverAddr   string
	serverDebug  bool
	readTimeout  time.Duration
	writeTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start the HTTP API server.

The API provides endpoints for:
  - POST /api/v1/nfe/emit          - Assemble, sign, transmit and render a document
  - POST /api/v1/nfe/distribution  - Query the national distribution service
  - POST /api/v1/nfe/verify        - Verify a signed XML or a DANFE PDF
  - GET  /api/v1/sefaz/status      - Check an authority with the configured certificate
  - POST /api/v1/sefaz/status      - Check an authority with the caller's certificate
  - GET  /metrics                  - Prometheus metrics
  - GET  /health                   - Health check

Set server.jwt_secret (env: NFE_SERVER_JWT_SECRET) to require HS256 bearer
tokens on /api routes.

Examples:
  # Start server on default port
  nfe-service serve

  # Start on custom port against PostgreSQL
  NFE_STORAGE_DRIVER=postgres NFE_STORAGE_DSN=postgres://... nfe-service serve --address :9090

  # Start in debug mode
  nfe-service serve --debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverAddr, "address", "", "Server listen address (default from config)")
	serveCmd.Flags().BoolVar(&serverDebug, "debug", false, "Enable debug mode")
	serveCmd.Flags().DurationVar(&readTimeout, "read-timeout", 0, "HTTP read timeout (default from config)")
	serveCmd.Flags().DurationVar(&writeTimeout, "write-timeout", 0, "HTTP write timeout (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.TracingSettings())
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	metrics := observability.NewMetrics()
	client, err := newClient(metrics)
	if err != nil {
		return err
	}
	ts, err := cfg.TrustStore()
	if err != nil {
		return fmt.Errorf("failed to create trust store: %w", err)
	}

	pipeline := processor.NewPipeline(
		processor.WithNumerator(sequence.NewNumerator(store.Sequences(), logger)),
		processor.WithSigner(sigxml.NewSigner()),
		processor.WithTransmitter(client),
		processor.WithRenderer(danfe.NewRenderer(danfe.WithLogger(logger))),
		processor.WithStore(store.Authorizations()),
		processor.WithLogger(logger),
		processor.WithMetrics(metrics),
	)
	syncer := distribution.NewSynchronizer(client, cfg.DistributionSettings(),
		distribution.WithLogger(logger),
		distribution.WithMetrics(metrics),
	)

	sc := &server.Config{
		Address:      cfg.Server.Address,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		JWTSecret:    cfg.Server.JWTSecret,
		Debug:        cfg.Server.Debug || serverDebug,
	}
	if serverAddr != "" {
		sc.Address = serverAddr
	}
	if readTimeout > 0 {
		sc.ReadTimeout = readTimeout
	}
	if writeTimeout > 0 {
		sc.WriteTimeout = writeTimeout
	}

	srv := server.NewServer(sc, server.Deps{
		Pipeline:     pipeline,
		Synchronizer: syncer,
		Cursors:      store.Distribution(),
		Status:       client,
		StatusCert:   cfg.StatusCertificate(),
		Verifier:     sigxml.NewXMLVerifier(ts),
		Database:     store,
		Logger:       logger,
		Metrics:      metrics,
	})

	logger.Info("starting server",
		zap.String("address", sc.Address),
		zap.String("storage", store.Driver()),
		zap.Bool("auth", sc.JWTSecret != ""),
		zap.Bool("tracing", cfg.Tracing.Endpoint != ""),
	)
	if err := srv.Run(ctx); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
