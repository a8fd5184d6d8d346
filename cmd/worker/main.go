package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"mangasync/internal/app"
	"mangasync/internal/grpcserver"
	"mangasync/pkg/database"
	"mangasync/pkg/logging"
	"mangasync/pkg/utils"
)

func main() {
	_ = godotenv.Load()
	configPath := flag.String("config", os.Getenv("MANGAHUB_CONFIG"), "path to config file")
	migrate := flag.Bool("migrate", false, "apply the schema before starting")
	noScheduler := flag.Bool("no-scheduler", false, "run workers only")
	flag.Parse()

	cfg := utils.MustLoadConfig(*configPath)
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	if *migrate {
		if err := database.Migrate(ctx, a.Pool); err != nil {
			log.Fatal().Err(err).Msg("db migrate failed")
		}
	}

	pool := a.WorkerPool()
	health := grpcserver.NewServer(a.Gatekeeper, 0, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return health.Serve(gctx, cfg.GRPC.Addr) })
	if !*noScheduler {
		sched := a.Scheduler()
		g.Go(func() error { return sched.Run(gctx) })
	}

	log.Info().
		Int("concurrency", cfg.Worker.Concurrency).
		Strs("sources", a.Sources.Names()).
		Bool("scheduler", !*noScheduler).
		Msg("worker started")

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("worker stopped with error")
		return
	}
	log.Info().Msg("worker stopped")
}
