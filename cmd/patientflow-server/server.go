package main

import (
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/ehr/patientflow/internal/config"
	"github.com/ehr/patientflow/internal/domain/billing"
	"github.com/ehr/patientflow/internal/domain/clinical"
	"github.com/ehr/patientflow/internal/domain/occupancy"
	"github.com/ehr/patientflow/internal/domain/queue"
	"github.com/ehr/patientflow/internal/domain/sequence"
	"github.com/ehr/patientflow/internal/domain/workflow"
	"github.com/ehr/patientflow/internal/platform/apperror"
	"github.com/ehr/patientflow/internal/platform/auth"
	"github.com/ehr/patientflow/internal/platform/db"
	"github.com/ehr/patientflow/internal/platform/events"
	"github.com/ehr/patientflow/internal/platform/middleware"
	"github.com/ehr/patientflow/internal/platform/telemetry"
	"github.com/ehr/patientflow/internal/platform/websocket"
)

const version = "0.1.0"

// services is the wired domain layer shared by the HTTP server and the
// maintenance commands.
type services struct {
	seq       *sequence.Sequencer
	queue     *queue.Service
	billing   *billing.Service
	clinical  *clinical.Service
	occupancy *occupancy.Service
	workflow  *workflow.Engine
}

// wire builds the services in dependency order. Settlement is connected to
// the progression engine last, once both exist.
func wire(cfg *config.Config, pool *pgxpool.Pool, pub events.Publisher, logger zerolog.Logger) (*services, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	tx := db.NewTransactor(pool)

	seq := sequence.NewSequencer(sequence.NewRepo(pool), tx, loc)
	queueSvc := queue.NewService(queue.NewRepo(pool), tx, seq, pub)
	billingSvc := billing.NewService(billing.NewRepo(pool), tx, seq)
	clinicalSvc := clinical.NewService(clinical.NewRepo(pool), tx, seq, billingSvc, queueSvc, cfg.ConsultationFee)
	occupancySvc := occupancy.NewService(occupancy.NewRepo(pool), tx, seq, billingSvc)

	engine := workflow.NewEngine(workflow.NewRepo(pool), tx, queueSvc, clinicalSvc, workflow.Options{
		MaxAttempts: cfg.OutboxMaxAttempts,
		Logger:      logger.With().Str("component", "progression").Logger(),
	})
	billingSvc.SetSettlementHook(engine)

	return &services{
		seq:       seq,
		queue:     queueSvc,
		billing:   billingSvc,
		clinical:  clinicalSvc,
		occupancy: occupancySvc,
		workflow:  engine,
	}, nil
}

// newServer assembles the echo instance: global middleware, health checks,
// the display-board socket and the /api/v1 routes.
func newServer(cfg *config.Config, pool *pgxpool.Pool, svc *services, hub *websocket.Hub, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperror.HTTPErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(telemetry.TracingMiddleware(otel.GetTracerProvider()))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) }))

	websocket.NewHandler(hub).RegisterRoutes(e)

	apiV1 := e.Group("/api/v1", db.ConnMiddleware(pool), middleware.Audit(logger))
	sequence.NewHandler(svc.seq).RegisterRoutes(apiV1)
	queue.NewHandler(svc.queue).RegisterRoutes(apiV1)
	billing.NewHandler(svc.billing).RegisterRoutes(apiV1)
	clinical.NewHandler(svc.clinical).RegisterRoutes(apiV1)
	occupancy.NewHandler(svc.occupancy).RegisterRoutes(apiV1)
	workflow.NewHandler(svc.workflow).RegisterRoutes(apiV1)

	return e
}
