package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"smartwarehouse/internal/util"
	"smartwarehouse/pkg/images"
	"smartwarehouse/pkg/queue"
	"smartwarehouse/pkg/storage"
	"smartwarehouse/pkg/store"
	"smartwarehouse/services/warehouse/internal/app"
	"smartwarehouse/services/warehouse/internal/config"
	"smartwarehouse/services/warehouse/internal/server"
)

func newServeCmd(configPath *string) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if port != "" {
				cfg.Port = port
			}
			logger := util.InitLogger(cfg.LogLevel)
			return serve(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "Override the listen port")
	return cmd
}

// service holds everything serve builds so it can be torn down in order.
type service struct {
	app     *app.App
	handler http.Handler
	redis   *redis.Client
	db      *store.GormStore
	jobs    *queue.RedisJobQueue
	cleanup func()
}

func (s *service) Close() {
	if s.cleanup != nil {
		s.cleanup()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
}

func build(ctx context.Context, cfg config.FileConfig) (_ *service, err error) {
	sessionTTL, err := config.ParseSessionTTL(cfg.SessionTTL)
	if err != nil {
		return nil, err
	}
	rememberTTL, err := config.ParseRememberTTL(cfg.RememberTTL)
	if err != nil {
		return nil, err
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}

	svc := &service{}
	defer func() {
		if err != nil {
			svc.Close()
		}
	}()

	svc.redis, err = openRedis(ctx, cfg)
	if err != nil {
		return nil, err
	}
	svc.db, err = store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("init postgres store: %w", err)
	}
	sessions, err := store.NewRedisSessionStore(svc.redis, svc.db, sessionTTL)
	if err != nil {
		return nil, err
	}
	remember, err := store.NewRememberTokens(cfg.RememberSecret, rememberTTL, store.NewRedisTokenRevoker(svc.redis))
	if err != nil {
		return nil, err
	}
	staging, err := storage.NewStaging(cfg.UploadDir)
	if err != nil {
		return nil, err
	}
	imageStore, err := openImageStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("init image store: %w", err)
	}
	pipeline, cleanup, err := buildPipeline(ctx, cfg, svc.db)
	svc.cleanup = cleanup
	if err != nil {
		return nil, fmt.Errorf("init suggestion pipeline: %w", err)
	}

	mailer := newMailer(cfg)
	if !mailer.Enabled() {
		slog.Info("smtp not configured, welcome mail disabled")
	}
	loginURL := ""
	if base := strings.TrimRight(cfg.PublicBaseURL, "/"); base != "" {
		loginURL = base + "/login"
	}

	appCfg := app.Config{
		Store:      svc.db,
		Sessions:   sessions,
		Remember:   remember,
		Staging:    staging,
		Images:     imageStore,
		Suggester:  pipeline,
		Normalizer: images.Normalizer{Passthrough: cfg.ImagePassthrough},
		Mailer:     mailer,
		LoginURL:   loginURL,
	}
	if mailer.Enabled() {
		svc.jobs, err = queue.NewRedisJobQueue(svc.redis, queue.RedisQueueConfig{
			Stream: "warehouse:jobs",
			Group:  "warehouse",
		})
		if err != nil {
			return nil, fmt.Errorf("init job queue: %w", err)
		}
		appCfg.Jobs = svc.jobs
	}
	svc.app, err = app.New(appCfg)
	if err != nil {
		return nil, fmt.Errorf("init app: %w", err)
	}

	serverCfg := server.Config{
		App:                        svc.app,
		Redis:                      svc.redis,
		LoginRateLimitPerMinute:    cfg.LoginRateLimitPerMinute,
		RegisterRateLimitPerMinute: cfg.RegisterRateLimitPerMinute,
		MaxUploadBytes:             cfg.MaxUploadBytes,
		CookieSecure:               cfg.CookieSecure,
		CORSAllowedOrigins:         cfg.CORSAllowedOrigins,
		TrustedProxies:             trusted,
	}
	if cfg.ImageStore != "minio" {
		serverCfg.UploadDir = cfg.UploadDir
	}
	httpServer, err := server.New(serverCfg)
	if err != nil {
		return nil, fmt.Errorf("init server: %w", err)
	}
	svc.handler = httpServer.Router()
	return svc, nil
}

func serve(ctx context.Context, cfg config.FileConfig, logger *slog.Logger) error {
	uploadTTL, err := config.ParseUploadTTL(cfg.UploadTTL)
	if err != nil {
		return err
	}
	reapEvery, err := config.ParseReapInterval(cfg.ReapInterval)
	if err != nil {
		return err
	}

	svc, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      svc.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	go runReaper(bgCtx, svc.app, uploadTTL, reapEvery, logger)
	if svc.jobs != nil {
		svc.jobs.Start(bgCtx, 1, svc.app.HandleJob)
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("warehouse server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		logger.Info("server stopped")
		return nil
	case err, ok := <-serverErr:
		if ok && err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// runReaper deletes abandoned upload sessions until ctx is done.
func runReaper(ctx context.Context, a *app.App, ttl, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := a.ReapUploads(ttl)
			if err != nil {
				logger.Warn("upload_reap_failed", "err", err)
				continue
			}
			if removed > 0 {
				logger.Info("upload_reap", "removed", removed, "ttl", ttl.String())
			}
		}
	}
}
