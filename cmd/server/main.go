package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"pixelwatch/internal/cdp"
	"pixelwatch/internal/config"
	"pixelwatch/internal/logger"
	"pixelwatch/internal/metrics"
	"pixelwatch/internal/scope"
	"pixelwatch/internal/server"
	"pixelwatch/internal/worker"

	zlog "github.com/rs/zerolog/log"
)

func main() {

	// ====================================================================
	// CPU
	// ====================================================================
	//
	// GOMAXPROCS from the environment; default 2. The engine is a single
	// goroutine, the rest is HTTP and the archive uploader.
	// ====================================================================
	if v := os.Getenv("GOMAXPROCS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			runtime.GOMAXPROCS(n)
		}
	} else {
		runtime.GOMAXPROCS(2)
	}

	// ====================================================================
	// Config, logging, metrics
	// ====================================================================
	cfg := config.Load()
	logger.Init(cfg)
	m := metrics.New()

	rootCtx, stopRoot := context.WithCancel(context.Background())
	defer stopRoot()

	// ====================================================================
	// Badge push hub
	// ====================================================================
	//
	// Receives onBadgeChanged from the engine goroutine and fans it out to
	// websocket subscribers. Never blocks the engine.
	// ====================================================================
	hub := server.NewHub(logger.Component("hub"))
	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		hub.Run(hubCtx)
		close(hubDone)
	}()

	// ====================================================================
	// Eviction archive (optional)
	// ====================================================================
	//
	// Enabled by ARCHIVE_BUCKET. Released records are written once to S3
	// as gzip JSONL; failed batches wait in the local spool.
	// ====================================================================
	opts := worker.ManagerOptions{
		Notifier: hub,
		Logger:   logger.Component("engine"),
	}

	var archiver *worker.Archiver
	if cfg.ArchiveEnabled() {
		a, err := worker.NewArchiver(rootCtx, cfg, m, logger.Component("archive"))
		if err != nil {
			zlog.Fatal().Err(err).Msg("archive init failed")
		}
		a.Start()
		archiver = a
		opts.Archive = a
	}

	// ====================================================================
	// Engine
	// ====================================================================
	//
	// One goroutine owns every collection. HTTP and CDP submit into
	// EventCh; queries are serialized behind the events already queued.
	// ====================================================================
	mgr := worker.NewManager(cfg, m, opts)
	mgr.Start()

	filter := scope.New(cfg.ScopeHosts, cfg.ScopeTypes)

	// ====================================================================
	// CDP source (optional)
	// ====================================================================
	cdpDone := make(chan struct{})
	if cfg.CDPURL != "" {
		src := cdp.NewSource(cfg.CDPURL, mgr, cdp.NewTranslator(filter), logger.Component("cdp"))
		go func() {
			defer close(cdpDone)
			if err := src.Run(rootCtx); err != nil {
				zlog.Error().Err(err).Msg("cdp source stopped")
			}
		}()
	} else {
		close(cdpDone)
	}

	// ====================================================================
	// HTTP
	// ====================================================================
	//
	// Event posts are small; short read/write timeouts keep stuck clients
	// from holding connections. The websocket endpoint hijacks the
	// connection and is not bound by them.
	// ====================================================================
	h := server.NewHandler(cfg, m, mgr, filter, logger.Component("http"))
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.NewRouter(h, hub, m, logger.Component("http")),
		ReadTimeout:  8 * time.Second,
		WriteTimeout: 8 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ====================================================================
	// Graceful shutdown
	// ====================================================================
	//
	// On SIGTERM/SIGINT:
	//   1) stop HTTP intake
	//   2) stop the CDP source
	//   3) engine applies what is buffered; remaining records go to the
	//      archive with reason "shutdown"
	//   4) archive uploads or spools its queue
	//   5) hub closes subscribers
	// ====================================================================
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

		sig := <-sigCh
		zlog.Info().Str("signal", sig.String()).Msg("shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			zlog.Error().Err(err).Msg("http shutdown")
		}
	}()

	zlog.Info().Str("addr", cfg.HTTPAddr).Bool("archive", cfg.ArchiveEnabled()).Bool("cdp", cfg.CDPURL != "").Msg("pixelwatch listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		zlog.Error().Err(err).Msg("http server terminated")
	}

	stopRoot()
	<-cdpDone

	mgr.Shutdown()

	if archiver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		archiver.Close(ctx)
		cancel()
	}

	stopHub()
	<-hubDone
	zlog.Info().Msg("shutdown complete")
}
