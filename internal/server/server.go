package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/ledgerguard/internal/cache"
	"github.com/smallbiznis/ledgerguard/internal/clock"
	"github.com/smallbiznis/ledgerguard/internal/config"
	guarddomain "github.com/smallbiznis/ledgerguard/internal/guard/domain"
	ledgerdomain "github.com/smallbiznis/ledgerguard/internal/ledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// decisionRegistryTTL bounds how long an allowed decision stays addressable
// for commit/void over HTTP.
const decisionRegistryTTL = 10 * time.Minute

type Params struct {
	fx.In

	Cfg       config.Config
	Log       *zap.Logger
	Clock     clock.Clock
	GuardSvc  guarddomain.Service
	LedgerSvc ledgerdomain.Service
	Registry  *prometheus.Registry
}

type Server struct {
	cfg       config.Config
	log       *zap.Logger
	guardSvc  guarddomain.Service
	ledgerSvc ledgerdomain.Service
	registry  *prometheus.Registry

	decisions cache.Cache[string, *guarddomain.Decision]
}

func NewServer(p Params) *Server {
	return &Server{
		cfg:       p.Cfg,
		log:       p.Log.Named("server"),
		guardSvc:  p.GuardSvc,
		ledgerSvc: p.LedgerSvc,
		registry:  p.Registry,
		decisions: cache.NewTTLCache[string, *guarddomain.Decision](p.Clock),
	}
}

func NewEngine(log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(log))
	engine.Use(ErrorHandlingMiddleware())
	return engine
}

func (s *Server) RegisterRoutes(engine *gin.Engine) {
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	v1 := engine.Group("/v1")
	{
		billing := v1.Group("/billing")
		billing.POST("/authorize", s.Authorize)
		billing.POST("/decisions/:id/commit", s.CommitDecision)
		billing.POST("/decisions/:id/void", s.VoidDecision)

		orgs := v1.Group("/orgs")
		orgs.GET("/:org_id/balance", s.GetBalance)
		orgs.GET("/:org_id/ledger", s.GetHistory)
	}
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

func RunHTTP(lc fx.Lifecycle, engine *gin.Engine, s *Server, log *zap.Logger) {
	s.RegisterRoutes(engine)

	srv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", s.cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

var Module = fx.Module("server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(RunHTTP),
)
