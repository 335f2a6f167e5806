package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/nemanja-m/lectern/internal/shared/config"
	"github.com/nemanja-m/lectern/internal/shared/logging"
	"github.com/nemanja-m/lectern/internal/worker/api/grpc"
	"github.com/nemanja-m/lectern/internal/worker/service"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.LoadWorker(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Worker stopped with error", "error", err)
	}
	logger.Info("Worker stopped")
}

func run(ctx context.Context, cfg *config.WorkerConfig, logger logging.Logger) error {
	facts := service.CollectFacts(ctx)
	hostName := cfg.Host.Name
	if hostName == "" {
		hostName = facts.Hostname
	}

	capabilities := make([]service.Capability, 0, len(cfg.Host.Capabilities))
	for _, c := range cfg.Host.Capabilities {
		handler, err := service.NewHandler(c.Handler, logger)
		if err != nil {
			return fmt.Errorf("capability %s: %w", c.Type, err)
		}
		capabilities = append(capabilities, service.Capability{Type: c.Type, Path: c.Path, Handler: handler})
	}

	client, err := grpc.NewCoordinatorClient(cfg.Coordinator.Addr, cfg.Coordinator.GRPC)
	if err != nil {
		return err
	}
	defer client.Close()

	worker, err := service.NewWorker(client, service.Options{
		Host:         hostName,
		Address:      cfg.AdvertisedAddr(),
		MaxJobs:      cfg.Host.MaxJobs,
		Capabilities: capabilities,
		Facts:        facts,
		RetryBase:    cfg.Retry.Base,
		MaxRetries:   cfg.Retry.MaxRetries,
	}, logger)
	if err != nil {
		return err
	}
	server := grpc.NewServer(cfg.Server.Addr, worker, logger)

	logger.Info("Worker starting",
		"host", hostName,
		"addr", cfg.Server.Addr,
		"coordinator", cfg.Coordinator.Addr,
		"cpu_cores", facts.CPUCores,
		"memory_bytes", facts.MemoryBytes,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		// The producer server keeps answering until the host is unregistered.
		defer server.Stop()
		return worker.Run(gctx)
	})
	return g.Wait()
}
