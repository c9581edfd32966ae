package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"quorum/api/internal/app"
	"quorum/api/internal/archive"
	"quorum/api/internal/config"
	"quorum/api/internal/realtime"
	"quorum/api/internal/search"
	"quorum/api/internal/session"
	"quorum/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
		go searchService.ReindexAllFromPG(ctx)
	}

	archiveService := archive.New(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if archiveService == nil {
		log.Printf("transcript archiving disabled")
	}

	hub := realtime.NewHub(realtime.NewRegistry())

	var sessions app.SessionStore = dataStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		sessions = redisStore

		bridge, err := realtime.NewRedisBridge(cfg.RedisURL, "quorum:rooms")
		if err != nil {
			log.Fatalf("redis bridge failed: %v", err)
		}
		defer bridge.Close()
		hub.SetPublisher(bridge)
		go bridge.Run(ctx, hub)
		log.Printf("Using Redis for refresh sessions and room fan-out")
	} else {
		log.Printf("Using PostgreSQL for refresh sessions; rooms stay process-local")
	}

	service := app.New(cfg, dataStore, sessions, hub, searchService, archiveService)

	sweeper := app.NewSweeper(service, cfg.SweepInterval)
	go sweeper.Run(ctx)

	wsHandler := realtime.NewWSHandler(hub, service)
	httpServer := app.NewHTTPServer(service, wsHandler, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Quorum API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
