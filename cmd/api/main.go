package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"shopfloor/internal/app"
	"shopfloor/internal/auth"
	"shopfloor/internal/authpw"
	"shopfloor/internal/backup"
	"shopfloor/internal/config"
	"shopfloor/internal/docstore"
	"shopfloor/internal/history"
	"shopfloor/internal/logging"
	"shopfloor/internal/mirror"
	"shopfloor/internal/notify"
	"shopfloor/internal/replicate"
	"shopfloor/internal/search"
	"shopfloor/internal/seed"
)

func main() {
	logger := logging.Configure(logging.ProfileRuntime)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config load failed")
	}
	ctx := context.Background()

	store := docstore.Open(cfg.DataFile, docstore.Options{
		MutationTimeout: cfg.MutationTimeout,
		StrictLoad:      cfg.StrictLoad,
		Logger:          &logger,
	})
	doc, err := store.Init(ctx, seed.Seeder(seed.Options{
		AdminLogin:    cfg.AdminLogin,
		AdminPassword: cfg.AdminPassword,
	}))
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DataFile).Msg("document store init failed")
	}
	if issue := store.LoadIssue(); issue != nil {
		logger.Warn().Err(issue).Msg("data file was unreadable and has been reseeded")
	}
	logger.Info().Int64("revision", doc.Meta.Revision).Str("path", cfg.DataFile).Msg("document loaded")

	var (
		sinks  []replicate.Sink
		checks []app.Check
		hist   *history.Service
		meili  *search.Meili
	)

	if strings.TrimSpace(cfg.HistoryDir) != "" {
		hist = history.New(cfg.HistoryDir)
		sinks = append(sinks, hist)
	}

	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		mir, err := mirror.Connect(ctx, cfg.DatabaseURL, mirror.Options{})
		if err != nil {
			logger.Fatal().Err(err).Msg("mirror connection failed")
		}
		defer mir.Close()
		sinks = append(sinks, mir)
		checks = append(checks, app.Check{Name: "mirror", Ping: mir.Ping})
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		publisher, err := notify.NewRedisPublisher(cfg.RedisURL, cfg.RedisChannel)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer publisher.Close()
		sinks = append(sinks, publisher)
		checks = append(checks, app.Check{Name: "redis", Ping: publisher.Ping})
	}

	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
	}
	searchService := search.NewService(meili, search.NewMemory(store.Read), logger)
	defer searchService.Close()
	if meili != nil {
		sinks = append(sinks, searchService)
	}

	if strings.TrimSpace(cfg.Backup.Endpoint) != "" {
		objects, err := backup.NewMinioStore(ctx, backup.MinioConfig{
			Endpoint:  cfg.Backup.Endpoint,
			AccessKey: cfg.Backup.AccessKey,
			SecretKey: cfg.Backup.SecretKey,
			Bucket:    cfg.Backup.Bucket,
			UseSSL:    cfg.Backup.UseSSL,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("backup store connection failed")
		}
		sinks = append(sinks, backup.NewUploader(objects, backup.Options{Every: cfg.Backup.Every, Keep: 30}))
	}

	dispatcher := replicate.New(replicate.Options{Retries: 3, Logger: &logger}, sinks...).Attach(store)
	dispatcher.Start(ctx)
	// Init does not notify commit hooks; hand the loaded document to the
	// sinks once so they catch up with whatever they missed while down.
	dispatcher.Enqueue(docstore.Commit{
		Revision: doc.Meta.Revision,
		Document: doc,
		At:       time.Now().UTC(),
	})

	var writable func() error
	if writer, ok := store.Persister().(*docstore.FileWriter); ok {
		writable = writer.Writable
	}

	service := app.New(app.Deps{
		Store:      store,
		Writable:   writable,
		Passwords:  authpw.NewService(store, 0),
		Tokens:     auth.NewIssuer(cfg.JWTSecret, cfg.AccessTTL),
		Search:     searchService,
		History:    hist,
		Dispatcher: dispatcher,
		Checks:     checks,
		Logger:     logger,
	})

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Int("sinks", len(sinks)).Msg("shopfloor API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	store.Close()
	dispatcher.Close()
	logger.Info().Int64("revision", store.Revision()).Msg("stopped")
}
