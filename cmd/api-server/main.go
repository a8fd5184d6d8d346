package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"mangasync/internal/admin"
	"mangasync/internal/app"
	"mangasync/internal/events"
	"mangasync/pkg/logging"
	"mangasync/pkg/utils"
)

func main() {
	_ = godotenv.Load()
	configPath := flag.String("config", os.Getenv("MANGAHUB_CONFIG"), "path to config file")
	flag.Parse()

	cfg := utils.MustLoadConfig(*configPath)
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	if cfg.LogLevel != "debug" && cfg.LogLevel != "trace" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	hub := events.NewHub()
	router := admin.NewRouter(a.AdminHandler(), admin.RouterConfig{
		Tokens:   a.Tokens,
		Versions: a.Versions,
		Hub:      hub,
		Checks:   a.Checks(),
	})

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// workers publish on Redis; the relay fans out to websocket clients
		return events.Relay(gctx, a.Redis, a.Keys, hub, log)
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP API listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
	}
	log.Info().Msg("server stopped")
}
