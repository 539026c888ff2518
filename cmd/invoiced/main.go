package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/invoice-fusion/internal/app"
	"github.com/joseph-ayodele/invoice-fusion/internal/async"
	"github.com/joseph-ayodele/invoice-fusion/internal/common"
	"github.com/joseph-ayodele/invoice-fusion/internal/ingest"
	"github.com/joseph-ayodele/invoice-fusion/internal/server"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		common.NewLogger(os.Stderr, "warn", "text").Warn("dotenv.load.failed", "error", err)
	}
	cfg, err := common.LoadConfig()
	if err != nil {
		common.NewLogger(os.Stderr, "error", "text").Error("config.load.failed", "error", err)
		os.Exit(1)
	}
	logger := common.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("app.build.failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("app.close.failed", "error", err)
		}
	}()
	if err := a.Store.HealthCheck(ctx, cfg.Database.DialTimeout); err != nil {
		logger.Error("db.health.failed", "error", err)
		os.Exit(1)
	}

	queue := async.NewQueue(a.Processor, logger,
		async.WithWorkers(cfg.Batch.Workers),
		async.WithQueueSize(cfg.Batch.QueueSize),
		async.WithProcessTimeout(cfg.Batch.DocTimeout),
	)

	svc := server.NewService(a.Engine, a.Store, queue, logger)
	httpSrv := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      server.NewRouter(svc, cfg.Server.APIKeys),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	grpcSrv, health := server.NewGRPCServer(svc, cfg.Server.APIKeys)
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		logger.Error("grpc.listen.failed", "addr", cfg.Server.GRPCAddr, "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http.serving", "addr", cfg.Server.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("grpc.serving", "addr", cfg.Server.GRPCAddr)
		return grpcSrv.Serve(lis)
	})
	if cfg.Batch.WatchDir != "" {
		g.Go(func() error { return watchInbox(gctx, cfg, queue, logger) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown.started")
		health.Shutdown()

		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(sctx); err != nil {
			logger.Error("http.shutdown.failed", "error", err)
		}
		grpcSrv.GracefulStop()
		queue.Shutdown(sctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server.failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown.done")
}

// watchInbox feeds new files in WATCH_DIR to the queue, including the ones already there.
func watchInbox(ctx context.Context, cfg *common.Config, queue *async.Queue, logger *slog.Logger) error {
	events, errs, err := ingest.StartWatcher(ctx, ingest.WatchConfig{
		Roots:       []string{cfg.Batch.WatchDir},
		InitialScan: true,
		Debounce:    cfg.Batch.WatchDebounce,
		SkipHidden:  true,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	logger.Info("inbox.watching", "dir", cfg.Batch.WatchDir)
	for {
		select {
		case path, ok := <-events:
			if !ok {
				return nil
			}
			if err := queue.Enqueue(ctx, async.Job{Path: path}); err != nil {
				logger.Warn("inbox.enqueue.failed", "path", path, "error", err)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Warn("inbox.watch.error", "error", err)
		}
	}
}
