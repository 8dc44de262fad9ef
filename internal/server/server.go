package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/hookline/hookline/internal/apikey"
	apikeydomain "github.com/hookline/hookline/internal/apikey/domain"
	"github.com/hookline/hookline/internal/config"
	"github.com/hookline/hookline/internal/observability"
	obsmiddleware "github.com/hookline/hookline/internal/observability/logger"
	obsmetrics "github.com/hookline/hookline/internal/observability/metrics"
	obstracing "github.com/hookline/hookline/internal/observability/tracing"
	"github.com/hookline/hookline/internal/ratelimit"
	"github.com/hookline/hookline/internal/webhook"
	webhookdomain "github.com/hookline/hookline/internal/webhook/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	apikey.Module,
	webhook.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server starting", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	apiKeySvc  apikeydomain.Service
	webhookSvc webhookdomain.Service
	limiter    *ratelimit.Limiter
	obsMetrics *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	APIKeySvc  apikeydomain.Service
	WebhookSvc webhookdomain.Service
	Limiter    *ratelimit.Limiter
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		db:         p.DB,
		log:        p.Log.Named("server"),
		genID:      p.GenID,
		apiKeySvc:  p.APIKeySvc,
		webhookSvc: p.WebhookSvc,
		limiter:    p.Limiter,
		obsMetrics: p.ObsMetrics,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", s.APIKeyRequired(), s.RateLimit())

	// -------- API keys --------
	api.GET("/api_keys", s.ListAPIKeys)
	api.POST("/api_keys", s.CreateAPIKey)
	api.GET("/api_keys/:key_id", s.GetAPIKey)
	api.POST("/api_keys/:key_id/rotate", s.RotateAPIKey)
	api.POST("/api_keys/:key_id/revoke", s.RevokeAPIKey)
	api.DELETE("/api_keys/:key_id", s.DeleteAPIKey)

	// -------- Webhooks --------
	api.GET("/webhooks", s.ListWebhooks)
	api.POST("/webhooks", s.CreateWebhook)
	api.GET("/webhooks/:id", s.GetWebhook)
	api.PATCH("/webhooks/:id", s.UpdateWebhook)
	api.DELETE("/webhooks/:id", s.DeleteWebhook)
	api.POST("/webhooks/:id/toggle", s.ToggleWebhook)
	api.POST("/webhooks/:id/secret", s.RegenerateWebhookSecret)
	api.GET("/webhooks/:id/deliveries", s.ListWebhookDeliveries)

	// -------- Events / deliveries --------
	api.POST("/events", s.TriggerEvent)
	api.POST("/deliveries/:id/retry", s.RetryDelivery)
}
