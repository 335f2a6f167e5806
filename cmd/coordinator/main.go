package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/nemanja-m/lectern/internal/coordinator/api/grpc"
	"github.com/nemanja-m/lectern/internal/coordinator/api/rest"
	"github.com/nemanja-m/lectern/internal/coordinator/service"
	"github.com/nemanja-m/lectern/internal/coordinator/storage"
	"github.com/nemanja-m/lectern/internal/coordinator/workflow"
	"github.com/nemanja-m/lectern/internal/shared/config"
	"github.com/nemanja-m/lectern/internal/shared/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.LoadCoordinator(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Coordinator stopped with error", "error", err)
	}
	logger.Info("Coordinator stopped")
}

func run(ctx context.Context, cfg *config.CoordinatorConfig, logger logging.Logger) error {
	if storage.IsLocal(cfg.Storage) {
		if err := os.MkdirAll(cfg.Storage.Path, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		lock := flock.New(filepath.Join(cfg.Storage.Path, "coordinator.lock"))
		ok, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("acquire data dir lock: %w", err)
		}
		if !ok {
			return fmt.Errorf("another coordinator is using %s", cfg.Storage.Path)
		}
		defer func() { _ = lock.Unlock() }()
	}

	backend, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Warn("Failed to close storage", "error", err)
		}
	}()

	definitions := workflow.NewRegistry()
	loaded, err := definitions.LoadDir(cfg.Workflow.DefinitionsDir)
	if err != nil {
		return fmt.Errorf("load workflow definitions: %w", err)
	}

	jobs := service.NewJobStore(backend, logger.With("component", "jobs"))
	directory, err := service.NewServiceDirectory(ctx, backend, jobs, logger.With("component", "directory"))
	if err != nil {
		return fmt.Errorf("open service directory: %w", err)
	}

	producers := grpc.NewProducerClient(logger.With("component", "producer"))
	defer func() { _ = producers.Close() }()

	dispatcher := service.NewDispatcher(directory, jobs, producers, service.DispatcherConfig{
		HandshakeTimeout:  cfg.Dispatch.HandshakeTimeout,
		AcceptCallTimeout: cfg.Dispatch.AcceptCallTimeout,
	}, logger.With("component", "dispatcher"))
	if err := dispatcher.Recover(ctx); err != nil {
		return err
	}

	engine, err := workflow.NewEngine(backend, jobs, dispatcher, workflow.Config{
		RetryBase: cfg.Workflow.RetryBase,
	}, logger.With("component", "workflow"))
	if err != nil {
		return fmt.Errorf("create workflow engine: %w", err)
	}
	if err := engine.Recover(ctx); err != nil {
		return fmt.Errorf("recover workflows: %w", err)
	}

	api := rest.NewAPI(rest.Dependencies{
		Directory:   directory,
		Jobs:        jobs,
		Dispatcher:  dispatcher,
		Workflows:   engine,
		Definitions: definitions,
	}, logger.With("component", "rest"))
	httpServer := rest.NewServer(cfg.REST, cfg.Auth, api, logger)
	grpcServer := grpc.NewServer(cfg.GRPC, directory, jobs, logger.With("component", "grpc"))

	logger.Info("Coordinator starting",
		"rest_addr", cfg.REST.Addr,
		"grpc_addr", cfg.GRPC.Addr,
		"storage", cfg.Storage.Backend,
		"definitions", loaded,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		service.NewQueueDispatcher(cfg.Dispatch.QueueInterval, jobs, dispatcher, logger.With("component", "queue")).Start(gctx)
		return nil
	})
	g.Go(func() error {
		service.NewHostHealthChecker(cfg.Health.CheckInterval, cfg.Health.StaleTimeout, directory, jobs, logger.With("component", "health")).Start(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("Starting REST server", "addr", cfg.REST.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("rest server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := grpcServer.Start(); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down coordinator")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server forced to shutdown", "error", err)
		}
		grpcServer.Stop()
		dispatcher.Wait()
		engine.Wait()
		return nil
	})

	return g.Wait()
}
