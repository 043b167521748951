package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/telekom/mail-relay/pkg/api"
	"github.com/telekom/mail-relay/pkg/config"
	"github.com/telekom/mail-relay/pkg/idempotency"
	"github.com/telekom/mail-relay/pkg/ratelimit"
	"github.com/telekom/mail-relay/pkg/telemetry"
	"github.com/telekom/mail-relay/pkg/version"
)

const verifyTimeout = 30 * time.Second

func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP mail relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			cfg, err := rt.LoadConfig()
			if err != nil {
				return err
			}
			zl, err := rt.Logger()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, zl, rt.debug)
		},
	}
}

// serve runs the relay until ctx is cancelled.
func serve(ctx context.Context, cfg config.Config, zl *zap.Logger, debug bool) error {
	log := zl.Sugar()
	log.Infow("Starting mail relay", "version", version.Version, "commit", version.GitCommit)
	if debug {
		logEffectiveConfig(cfg, log)
	}

	_, shutdownTracing, err := telemetry.Init(ctx, telemetry.OptionsFromConfig(cfg.Telemetry, log))
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warnw("Tracing shutdown failed", "error", err)
		}
	}()

	sender, err := newSender(ctx, cfg.Mail, log)
	if err != nil {
		return err
	}
	publisher, err := newPublisher(cfg.Events, zl)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warnw("Closing event sinks failed", "error", err)
		}
	}()

	svc, err := newService(cfg.Mail, sender, publisher, log)
	if err != nil {
		return err
	}

	if cfg.Mail.VerifyOnStartup {
		vctx, cancel := context.WithTimeout(ctx, verifyTimeout)
		if err := svc.Verify(vctx); err != nil {
			// keep serving; /readyz reports 503 until a later restart verifies
			log.Errorw("Mail transport verification failed", "transport", svc.TransportName(), "error", err)
		}
		cancel()
	} else {
		svc.MarkReady()
	}

	store, err := idempotency.New(ctx, cfg.Idempotency, log)
	if err != nil {
		return err
	}
	if store != nil {
		defer func() { _ = store.Close() }()
	}

	server := api.NewServer(zl, cfg, debug, svc.Ready)

	var handlers []gin.HandlerFunc
	if auth := api.NewAuth(log, cfg.Server.Auth); auth != nil {
		handlers = append(handlers, auth.Middleware())
		log.Infow("Bearer token authentication enabled")
	}
	if !cfg.Server.RateLimit.Disabled {
		rlCfg := ratelimit.DefaultConfig()
		rlCfg.Rate = cfg.Server.RateLimit.Rate
		rlCfg.Burst = cfg.Server.RateLimit.Burst
		rl := ratelimit.New(rlCfg)
		defer rl.Stop()
		handlers = append(handlers, rl.Middleware())
	}

	if err := server.RegisterAll([]api.APIController{
		api.NewMailController(log, svc, store, cfg.Server.MaxBodyBytes, handlers...),
	}); err != nil {
		return err
	}

	svc.Start()
	listenErr := server.Listen(ctx)

	drainCtx, cancel := context.WithTimeout(context.Background(),
		config.ParseDurationOrDefault(cfg.Server.ShutdownTimeout, 30*time.Second))
	defer cancel()
	if err := svc.Stop(drainCtx); err != nil {
		log.Warnw("Mail queue did not drain before shutdown", "error", err, "remaining", svc.QueueLength())
	}
	log.Infow("Mail relay stopped")
	return listenErr
}

// logEffectiveConfig prints the loaded configuration without secrets.
func logEffectiveConfig(cfg config.Config, log *zap.SugaredLogger) {
	log.Debugw("Effective configuration",
		"listenAddress", cfg.Server.ListenAddress,
		"tls", cfg.Server.TLSCertFile != "",
		"auth", cfg.Server.Auth.JWTSecret != "",
		"rateLimit", !cfg.Server.RateLimit.Disabled,
		"transport", cfg.Mail.Transport,
		"host", cfg.Mail.Host,
		"port", cfg.Mail.Port,
		"user", cfg.Mail.User,
		"passwordSet", cfg.Mail.Password != "",
		"passwordFromKeyring", cfg.Mail.PasswordFromKeyring,
		"senderAddress", cfg.Mail.SenderAddress,
		"queueSize", cfg.Mail.QueueSize,
		"kafka", cfg.KafkaEnabled(),
		"idempotency", !cfg.Idempotency.Disabled,
		"idempotencyBackend", cfg.Idempotency.Backend,
		"tracing", cfg.Telemetry.Enabled)
}
