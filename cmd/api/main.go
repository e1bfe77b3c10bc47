package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"radview/api/internal/app"
	"radview/api/internal/cache"
	"radview/api/internal/config"
	"radview/api/internal/journal"
	"radview/api/internal/pacs"
	"radview/api/internal/reportstore"
	"radview/api/internal/search"
	"radview/api/internal/study"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := journal.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := journal.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	journalStore := journal.NewPostgresStore(db)

	archive := pacs.New(cfg.PacsURL, cfg.PacsUsername, cfg.PacsPassword)
	defer archive.Close()

	store := reportstore.New(cfg.ReportStoreURL, cfg.ReportStoreToken)

	var studyCache *cache.StudyCache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		studyCache, err = cache.New(cfg.RedisURL, cfg.StudyCacheTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer studyCache.Close()
		log.Printf("study tree cache enabled")
	} else {
		log.Printf("REDIS_URL unset, study tree caching disabled")
	}

	mirrorFTS := search.NewMirrorFTS(journalStore)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, mirrorFTS)

	deps := app.Deps{
		Resolver:         study.NewResolver(archive),
		Store:            store,
		Journal:          journalStore,
		Search:           searchService,
		Archive:          archive,
		ImageBaseURL:     cfg.ImageBaseURL,
		AutosaveDebounce: cfg.AutosaveDebounce,
		SaveTimeout:      cfg.SaveTimeout,
	}
	if studyCache != nil {
		deps.Cache = studyCache
	}
	service := app.NewService(deps)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Radview gateway listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	// Unsaved drafts are flushed before the process exits.
	if err := service.Close(shutdownCtx); err != nil {
		log.Printf("autosave flush on shutdown: %v", err)
	}
}
