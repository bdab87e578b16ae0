package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"engage_server/config"
	"engage_server/internal/bootstrap"
	"engage_server/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger.Init(logger.Config{
		Level:   logger.LevelInfo,
		Service: "engage",
	})

	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	mode := pflag.String("mode", "api", "Run mode: api, worker, all")
	configCheck := pflag.Bool("config-check", false, "Print the resolved configuration and exit")
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}

	if *configCheck {
		printConfig(cfg)
		return
	}

	logger.Init(logger.Config{
		Level:   logger.ParseLevel(cfg.LogLevel),
		Service: "engage",
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, cleanup, err := bootstrap.NewDependencies(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize dependencies: %v", err)
	}
	defer cleanup()

	switch *mode {
	case "api":
		runAPI(ctx, deps)
	case "worker":
		runWorker(ctx, deps)
	case "all":
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			runWorker(ctx, deps)
		}()
		runAPI(ctx, deps)
		wg.Wait()
	default:
		logger.Fatal("Unknown mode: %s", *mode)
	}
}

func runAPI(ctx context.Context, deps *bootstrap.Dependencies) {
	app := bootstrap.NewAPI(deps)

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down API server (timeout: %v)...", shutdownTimeout)
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.Error("Error shutting down: %v", err)
		}
	}()

	addr := ":" + deps.Config.Port
	logger.Info("Starting API server on %s", addr)
	if err := app.Listen(addr); err != nil {
		logger.Error("API server stopped: %v", err)
	}
}

func runWorker(ctx context.Context, deps *bootstrap.Dependencies) {
	w, err := bootstrap.NewWorker(deps)
	if err != nil {
		logger.Fatal("Failed to initialize worker: %v", err)
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down worker (timeout: %v)...", shutdownTimeout)

		done := make(chan struct{})
		go func() {
			w.Stop()
			close(done)
		}()
		select {
		case <-done:
			logger.Info("Worker shut down gracefully")
		case <-time.After(shutdownTimeout):
			logger.Warn("Worker shutdown timed out, forcing exit")
			os.Exit(1)
		}
	}()

	logger.Info("Starting worker...")
	if err := w.Start(); err != nil {
		logger.Fatal("Worker failed: %v", err)
	}
}

func printConfig(cfg *config.Config) {
	out, err := json.MarshalIndent(cfg.Redacted(), "", "  ")
	if err != nil {
		logger.Fatal("Failed to render config: %v", err)
	}
	fmt.Println(string(out))
	if missing := cfg.Engine.MissingKeys(); len(missing) > 0 {
		fmt.Fprintf(os.Stderr, "unset engine tunables: %v\n", missing)
	}
}
