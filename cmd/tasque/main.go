package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"tasque/internal/actor"
	"tasque/internal/api"
	"tasque/internal/config"
	"tasque/internal/dispatch"
	"tasque/internal/scheduler"
	"tasque/internal/store"
)

func main() {
	cfg := config.Load()
	var (
		addr   = flag.String("addr", cfg.HTTPAddr, "HTTP bind address")
		dbPath = flag.String("db", cfg.DBPath, "SQLite DB path")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	st := store.NewSQLite(db)

	rt := actor.NewRuntime(st)
	dispatcher := dispatch.New(cfg.DispatchTimeout, cfg.DispatchRate, cfg.DispatchBurst)
	svc := scheduler.New(st, rt, dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	if err := rt.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start actor runtime")
	}

	srv := &http.Server{Addr: *addr, Handler: api.NewServer(svc, cfg.MaxBodyBytes)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	cancel()
	rt.Close()
}
