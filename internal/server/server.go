package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/questforge/internal/config"
	"github.com/smallbiznis/questforge/internal/grant"
	grantdomain "github.com/smallbiznis/questforge/internal/grant/domain"
	"github.com/smallbiznis/questforge/internal/locks"
	"github.com/smallbiznis/questforge/internal/mission"
	missiondomain "github.com/smallbiznis/questforge/internal/mission/domain"
	"github.com/smallbiznis/questforge/internal/observability"
	obsmiddleware "github.com/smallbiznis/questforge/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/questforge/internal/observability/metrics"
	obstracing "github.com/smallbiznis/questforge/internal/observability/tracing"
	"github.com/smallbiznis/questforge/internal/progression"
	"github.com/smallbiznis/questforge/internal/user"
	userdomain "github.com/smallbiznis/questforge/internal/user/domain"
	"github.com/smallbiznis/questforge/internal/xp"
	xpdomain "github.com/smallbiznis/questforge/internal/xp/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	locks.Module,
	user.Module,
	mission.Module,
	xp.Module,
	grant.Module,
	progression.Module,
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
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
	engine      *gin.Engine
	cfg         config.Config
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	xpSvc       xpdomain.Service
	grantSvc    grantdomain.Service
	users       userdomain.Repository
	missions    missiondomain.Catalog
	progression *progression.Manager
	progressHub *progression.Hub
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	XPSvc       xpdomain.Service
	GrantSvc    grantdomain.Service
	Users       userdomain.Repository
	Missions    missiondomain.Catalog
	Progression *progression.Manager
	ProgressHub *progression.Hub `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		db:          p.DB,
		log:         p.Log.Named("http.server"),
		genID:       p.GenID,
		xpSvc:       p.XPSvc,
		grantSvc:    p.GrantSvc,
		users:       p.Users,
		missions:    p.Missions,
		progression: p.Progression,
		progressHub: p.ProgressHub,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	v1.POST("/xp/grants", s.GrantXP)
	v1.POST("/xp/grants/batch", s.GrantXPBatch)

	v1.POST("/missions/:id/complete", s.CompleteMission)
	v1.POST("/achievements/:id/revoke", s.RevokeMissionCompletion)

	users := v1.Group("/users/:id")
	users.GET("/xp", s.GetUserXP)
	users.GET("/xp/transactions", s.ListUserXPTransactions)
	users.POST("/progression/start", s.StartProgression)
	users.POST("/progression/ack", s.AckLevelUp)
	users.GET("/progression/stream", s.StreamProgression)
}
