package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"concord/engine/internal/app"
	"concord/engine/internal/blob"
	"concord/engine/internal/config"
	"concord/engine/internal/engine"
	"concord/engine/internal/events"
	"concord/engine/internal/gateway"
	"concord/engine/internal/history"
	"concord/engine/internal/search"
	"concord/engine/internal/store"
)

func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		db    *sql.DB
		pg    *store.PostgresStore
		pgfts *search.PgFTS
	)
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		var err error
		db, err = store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
		pg = store.NewPostgresStore(db)
		pgfts = search.NewPgFTS(db)
	} else {
		log.Printf("no DATABASE_URL configured, running in-memory only")
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	var searchService *search.Service
	if meiliClient != nil || pgfts != nil {
		searchService = search.NewService(meiliClient, pgfts)
	}

	var historyService *history.Service
	if strings.TrimSpace(cfg.HistoryDir) != "" {
		if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
			log.Fatalf("failed to create history dir: %v", err)
		}
		historyService = history.New(cfg.HistoryDir)
	}

	var blobSink *app.BlobSink
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		archiver, err := blob.NewArchiver(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("object store connection failed: %v", err)
		}
		blobSink = app.NewBlobSink(archiver)
	}

	bus := events.NewBus()
	var sinks []engine.PersistenceSink
	if pg != nil {
		sinks = append(sinks, pg)
	}
	if blobSink != nil {
		sinks = append(sinks, blobSink)
	}
	var sink engine.PersistenceSink
	if len(sinks) > 0 {
		sink = app.NewMultiSink(sinks...)
	}

	eng := engine.New(engine.Options{
		NodeID:            cfg.NodeID,
		Policy:            engine.ParsePolicy(cfg.ResolutionPolicy),
		SnapshotRetention: cfg.SnapshotKeep,
		Sink:              sink,
	}, engine.NewMemoryStore(), bus)

	service := app.New(cfg, eng, bus, searchService, historyService, pg, db)
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap failed, starting empty: %v", err)
	}

	var transport gateway.Transport
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisTransport, err := gateway.NewRedisTransport(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisTransport.Close()
		transport = redisTransport
		log.Printf("syncing over redis as node %s", cfg.NodeID)
	} else {
		transport = gateway.NewLoopbackHub().Transport()
		log.Printf("no REDIS_URL configured, running single-node")
	}

	gw := gateway.New(eng, bus, transport)
	go func() {
		if err := gw.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("gateway stopped: %v", err)
		}
	}()
	go service.RunIndexer(ctx)
	go eng.SnapshotLoop(ctx, cfg.SnapshotInterval)

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
		log.Printf("Concord engine listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
