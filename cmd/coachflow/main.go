package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"coachflow/internal/api"
	"coachflow/internal/audit"
	"coachflow/internal/config"
	"coachflow/internal/handlers/coaching"
	"coachflow/internal/queue"
	"coachflow/internal/scheduler"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// the local SQLite file always backs the audit log; jobs move to
	// Postgres when DATABASE_URL is set
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := audit.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure audit schema")
	}
	sink := audit.NewSQLSink(db)

	var store queue.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("open postgres pool")
		}
		if err := queue.EnsurePostgresSchema(ctx, pool); err != nil {
			log.Fatal().Err(err).Msg("ensure postgres schema")
		}
		store = queue.NewPostgresStore(pool)
		log.Info().Msg("using postgres job store")
	} else {
		if err := queue.EnsureSchema(db); err != nil {
			log.Fatal().Err(err).Msg("ensure schema")
		}
		store = queue.NewSQLiteStore(db)
		log.Info().Str("path", cfg.DBPath).Msg("using sqlite job store")
	}

	// the real content subsystem plugs in here
	svc := coaching.LogService{}

	resolver := scheduler.NewResolver(store, cfg.DefaultTimezone)
	registry := scheduler.NewRegistry(store, sink, resolver, coaching.InlineRunner{Svc: svc}, scheduler.Config{
		PromptWorkerMode: cfg.PromptWorkerMode,
		TestFastMinutes:  cfg.TestFastMinutes,
	})
	if err := registry.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start scheduler registry")
	}
	defer registry.Stop()

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: api.NewServer(store, registry, sink)}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
