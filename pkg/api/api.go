package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/telekom/mail-relay/pkg/apiresponses"
	"github.com/telekom/mail-relay/pkg/config"
	"github.com/telekom/mail-relay/pkg/events"
	"github.com/telekom/mail-relay/pkg/metrics"
	"github.com/telekom/mail-relay/pkg/system"
	"github.com/telekom/mail-relay/pkg/version"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

type APIController interface {
	BasePath() string
	Register(rg *gin.RouterGroup) error
	Handlers() []gin.HandlerFunc
}

// ReadinessFunc reports whether the relay can accept mail.
type ReadinessFunc func() bool

type Server struct {
	gin    *gin.Engine
	config config.Config
	log    *zap.SugaredLogger
	ready  ReadinessFunc
}

func NewServer(log *zap.Logger, cfg config.Config, debug bool, ready ReadinessFunc) *Server {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(
		ginzap.GinzapWithConfig(log, &ginzap.Config{
			TimeFormat: time.RFC3339,
			UTC:        true,
			SkipPaths:  []string{"/health", "/readyz", "/metrics"},
		}),
		ginzap.RecoveryWithZap(log, true),
		requestContext(log.Sugar()),
	)
	if len(cfg.Server.TrustedProxies) > 0 {
		if err := engine.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
			log.Sugar().Warnw("Ignoring invalid trusted proxies", "error", err)
		}
	} else {
		_ = engine.SetTrustedProxies(nil)
	}

	if len(cfg.Server.AllowOrigins) > 0 {
		corsCfg := cors.Config{
			AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:  []string{"Origin", "Authorization", "Content-Type", IdempotencyKeyHeader, RequestIDHeader},
			ExposeHeaders: []string{RequestIDHeader, IdempotentReplayedHeader},
			MaxAge:        12 * time.Hour,
		}
		if len(cfg.Server.AllowOrigins) == 1 && cfg.Server.AllowOrigins[0] == "*" {
			corsCfg.AllowAllOrigins = true
		} else {
			corsCfg.AllowOrigins = cfg.Server.AllowOrigins
		}
		engine.Use(cors.New(corsCfg))
	}

	if ready == nil {
		ready = func() bool { return true }
	}

	s := &Server{
		gin:    engine,
		config: cfg,
		log:    log.Sugar().Named("server"),
		ready:  ready,
	}

	engine.GET("/health", s.health)
	engine.GET("/readyz", s.readyz)
	engine.GET("/version", s.version)
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	return s
}

// RegisterAll mounts every controller under its base path with its own middleware.
func (s *Server) RegisterAll(controllers []APIController) error {
	for _, c := range controllers {
		if err := c.Register(s.gin.Group(c.BasePath(), c.Handlers()...)); err != nil {
			return err
		}
	}
	return nil
}

// Handler exposes the engine for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.gin
}

// Listen serves until ctx is cancelled, then shuts down gracefully within
// the configured shutdown timeout.
func (s *Server) Listen(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Server.ListenAddress,
		Handler:           s.gin,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       config.ParseDurationOrDefault(s.config.Server.ReadTimeout, 30*time.Second),
		WriteTimeout:      config.ParseDurationOrDefault(s.config.Server.WriteTimeout, 2*time.Minute),
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("Mail relay listening", "address", srv.Addr, "tls", s.tlsEnabled())
		var err error
		if s.tlsEnabled() {
			err = srv.ListenAndServeTLS(s.config.Server.TLSCertFile, s.config.Server.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	timeout := config.ParseDurationOrDefault(s.config.Server.ShutdownTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.log.Infow("Shutting down HTTP server", "timeout", timeout)
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) tlsEnabled() bool {
	return s.config.Server.TLSCertFile != "" && s.config.Server.TLSKeyFile != ""
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "Email service is running"})
}

func (s *Server) readyz(c *gin.Context) {
	if !s.ready() {
		apiresponses.RespondServiceUnavailable(c, "Mail transport not ready", "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) version(c *gin.Context) {
	c.JSON(http.StatusOK, version.GetBuildInfo())
}

// requestContext assigns a request id, echoes it back, attaches a
// request-scoped logger and propagates the id to delivery events.
func requestContext(base *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)
		c.Set(system.ReqLoggerKey, base.With("requestId", id))
		c.Request = c.Request.WithContext(events.WithCorrelationID(c.Request.Context(), id))
		c.Next()
	}
}
