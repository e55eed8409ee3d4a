package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/lbpcare/lbp/internal/config"
	"github.com/lbpcare/lbp/internal/domain/imaging"
	"github.com/lbpcare/lbp/internal/domain/patient"
	"github.com/lbpcare/lbp/internal/platform/auth"
	"github.com/lbpcare/lbp/internal/platform/blobstore"
	"github.com/lbpcare/lbp/internal/platform/db"
	"github.com/lbpcare/lbp/internal/platform/events"
	"github.com/lbpcare/lbp/internal/platform/middleware"
	"github.com/lbpcare/lbp/internal/platform/telemetry"
)

const apiPrefix = "/api/v1"

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: out}
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func newStore(ctx context.Context, cfg *config.Config) (blobstore.FileStore, error) {
	switch cfg.StorageBackend {
	case config.StorageS3:
		return blobstore.NewS3Store(ctx, cfg.S3Bucket, cfg.S3Prefix)
	default:
		return blobstore.NewDiskStore(cfg.UploadRoot)
	}
}

func newPublisher(cfg *config.Config, logger zerolog.Logger, metrics *telemetry.Provider) events.Publisher {
	if !cfg.EventsEnabled() {
		return events.Nop{}
	}
	p := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	p.SetErrorHandler(func(eventType string, err error) {
		metrics.EventFailed(eventType)
		logger.Warn().Err(err).Str("event_type", eventType).Msg("event delivery failed")
	})
	return p
}

// deps are the collaborators the HTTP server is assembled from.
type deps struct {
	pool        *pgxpool.Pool
	patientRepo patient.Repository
	imageRepo   imaging.Repository
	tx          patient.Transactor
	store       blobstore.FileStore
	publisher   events.Publisher
	metrics     *telemetry.Provider
}

func newServer(cfg *config.Config, logger zerolog.Logger, d deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger, cfg.IsDev())

	metrics := d.metrics
	if metrics == nil {
		metrics = telemetry.NewProvider()
	}
	if d.pool != nil {
		pool := d.pool
		metrics.SetPoolStats(func() (int32, int32, int32) {
			stat := pool.Stat()
			return stat.AcquiredConns(), stat.IdleConns(), stat.TotalConns()
		})
	}
	publisher := metrics.Publisher(d.publisher)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader, middleware.WorkspaceHeader},
		ExposeHeaders: []string{echo.HeaderContentDisposition},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.MaxUploadSize))

	// Health checks sit outside authentication.
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	checks := []db.Check{{Name: "storage", Fn: d.store.Ping}}
	if d.pool != nil {
		checks = append([]db.Check{db.PoolCheck(d.pool)}, checks...)
		e.GET("/health/db", db.StatsHandler(d.pool))
	}
	e.GET("/health/ready", db.ReadyHandler(checks...))
	e.GET("/metrics", metrics.Handler())

	api := e.Group(apiPrefix)
	if cfg.IsDev() {
		api.Use(auth.DevAuthMiddleware())
	} else {
		api.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}
	api.Use(middleware.Workspace())
	api.Use(middleware.Audit(logger))

	patientSvc := patient.NewService(d.patientRepo, d.tx)
	patientSvc.SetPublisher(publisher)
	patientSvc.SetLogger(logger.With().Str("component", "patient").Logger())
	patient.NewHandler(patientSvc).RegisterRoutes(api)

	imageSvc := imaging.NewService(d.imageRepo, patientSvc, d.store, imaging.Config{
		MaxFileSize:       cfg.MaxUploadSize,
		AllowedExtensions: cfg.AllowedExtensions,
		URLPrefix:         apiPrefix,
	})
	imageSvc.SetPublisher(publisher)
	imageSvc.SetLogger(logger.With().Str("component", "imaging").Logger())
	imaging.NewHandler(imageSvc).RegisterRoutes(api)

	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	store, err := newStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StorageBackend).Msg("failed to open file store")
	}
	logger.Info().Str("backend", cfg.StorageBackend).Msg("file store ready")

	metrics := telemetry.NewProvider()
	publisher := newPublisher(cfg, logger, metrics)
	defer publisher.Close()
	if cfg.EventsEnabled() {
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("publishing domain events")
	}

	e := newServer(cfg, logger, deps{
		pool:        pool,
		patientRepo: patient.NewRepo(pool),
		imageRepo:   imaging.NewRepo(pool),
		tx:          db.NewTxManager(pool),
		store:       store,
		publisher:   publisher,
		metrics:     metrics,
	})

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
