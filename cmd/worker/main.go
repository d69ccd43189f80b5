package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"coachflow/internal/audit"
	"coachflow/internal/config"
	"coachflow/internal/handlers/coaching"
	"coachflow/internal/queue"
	"coachflow/internal/worker"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

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
		store = queue.NewPostgresStore(pool)
	} else {
		store = queue.NewSQLiteStore(db)
	}

	// don't race the main process's schema creation on a fresh start
	if err := worker.WaitReady(ctx, cfg.HealthURL, store, time.Minute); err != nil {
		log.Fatal().Err(err).Msg("readiness wait")
	}

	svc := coaching.LogService{}
	backoff := queue.Backoff{Base: cfg.RequeueBaseDelay, Step: cfg.RequeueStep, Max: cfg.RequeueMaxDelay}
	reg := worker.NewRegistry(
		coaching.DayPromptHandler{Svc: svc, Store: store},
		coaching.AssessmentStepHandler{Svc: svc},
		coaching.LLMPromptHandler{Svc: svc},
		coaching.PillarSyncHandler{Svc: svc},
		coaching.HabitSeedHandler{Svc: svc, Backoff: backoff},
		coaching.WeekstartHandler{Svc: svc},
	)

	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])

	loop := worker.NewLoop(store, reg, sink, worker.Options{
		WorkerID:     workerID,
		PollInterval: cfg.PollInterval,
		LockTimeout:  cfg.LockTimeout,
		MaxAttempts:  cfg.MaxAttempts,
		Backoff:      backoff,
	})

	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
}
