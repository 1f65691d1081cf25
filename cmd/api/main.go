package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"lexdraft/api/internal/aicache"
	"lexdraft/api/internal/app"
	"lexdraft/api/internal/archive"
	"lexdraft/api/internal/billing"
	"lexdraft/api/internal/collab"
	"lexdraft/api/internal/config"
	"lexdraft/api/internal/export"
	"lexdraft/api/internal/feed"
	"lexdraft/api/internal/generate"
	"lexdraft/api/internal/llm"
	"lexdraft/api/internal/logger"
	"lexdraft/api/internal/metrics"
	"lexdraft/api/internal/search"
	"lexdraft/api/internal/session"
	"lexdraft/api/internal/store"
	"lexdraft/api/internal/versions"
)

func main() {
	cfg := config.Load()
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	ctx := context.Background()

	metrics.RegisterCollectors(prometheus.DefaultRegisterer)

	db, err := store.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, log); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}
	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("failed to create repos dir")
	}

	pg := store.NewPostgresStore(db)
	history := versions.New(cfg.ReposDir)

	deps := app.Deps{
		Store:    pg,
		Versions: history,
		Log:      logger.Component(log, "api"),
	}
	hubDeps := collab.Deps{
		Gateway: pg,
		Notifier: collab.NotifierFunc(func(n collab.Notification) {
			log.Debug().Str("component", "collab").Str("level", string(n.Level)).Msg(n.Message)
		}),
		Log: logger.Component(log, "collab"),
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := session.Connect(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		defer client.Close()
		deps.Sessions = session.NewRedisStore(client)
		changes := feed.NewRedisFeed(client, logger.Component(log, "feed"))
		hubDeps.Subscriber = changes
		hubDeps.Publisher = changes
		log.Info().Msg("redis enabled for sessions and presence feed")
	} else {
		log.Warn().Msg("REDIS_URL not set; refresh tokens and cross-instance presence disabled")
	}

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger.Component(log, "search"))
		defer meili.Close()
	}
	searchService := search.NewService(meili, search.NewPgFTS(db), logger.Component(log, "search"))
	go searchService.ReindexAll(ctx)
	deps.Search = searchService

	var exportArchive export.Archive
	if strings.TrimSpace(cfg.MinIOEndpoint) != "" {
		objects, err := archive.New(archive.Config{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			Region:    cfg.MinIORegion,
			UseSSL:    cfg.MinIOUseSSL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("object storage client failed")
		}
		bucketCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := objects.EnsureBucket(bucketCtx); err != nil {
			log.Warn().Err(err).Msg("export bucket unavailable; exports will not be archived")
		} else {
			exportArchive = objects
		}
		cancel()
	}
	deps.Export = export.NewService(pg, history, export.ChromeRenderer{}, exportArchive, logger.Component(log, "export"))

	ledger := billing.NewLedger(pg, cfg.PaymentSecret, cfg.CreditsPerPack)
	deps.Ledger = ledger
	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		provider, err := llm.NewGemini(ctx, cfg.GeminiAPIKey, cfg.DefaultModel)
		if err != nil {
			log.Fatal().Err(err).Msg("generation provider failed")
		}
		defer provider.Close()
		cache := aicache.New(pg, aicache.WithLogger(logger.Component(log, "aicache")))
		deps.Generator = generate.NewService(cache, ledger, provider, generate.Config{
			DefaultModel: cfg.DefaultModel,
			CacheTTL:     cfg.CacheTTL,
			Cost:         cfg.GenerationCost,
		}, logger.Component(log, "generate"))
	} else {
		log.Warn().Msg("GEMINI_API_KEY not set; generation disabled")
	}

	hub := collab.NewHub(hubDeps, collab.WithIntervals(cfg.HeartbeatInterval, cfg.SweepInterval))
	deps.Hub = hub

	service := app.New(cfg, deps)
	if err := service.SeedTemplates(ctx); err != nil {
		log.Warn().Err(err).Msg("seed templates")
	}
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger.Component(log, "http"))
	// Collaboration streams derive from baseCtx and end when it is cancelled.
	baseCtx, stopStreams := context.WithCancel(context.Background())
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("lexdraft api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stopStreams()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	hub.Close()
}
