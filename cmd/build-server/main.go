package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/buildstash/internal/api/handler"
	"github.com/cuongbtq/buildstash/internal/api/router"
	"github.com/cuongbtq/buildstash/internal/buildserver"
	"github.com/cuongbtq/buildstash/internal/config"
	"github.com/cuongbtq/buildstash/internal/dist"
	"github.com/cuongbtq/buildstash/internal/distclient"
	"github.com/cuongbtq/buildstash/internal/toolchain"
	"github.com/cuongbtq/buildstash/shared/logger"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("BUILD_SERVER_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/build-server/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateBuildServerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	bs := cfg.BuildServer
	serverID := dist.ServerID(bs.ServerID)

	appLogger.Info("Starting build server",
		slog.String("server_id", bs.ServerID),
		slog.String("public_addr", bs.PublicAddr),
		slog.String("scheduler_url", bs.SchedulerURL),
		slog.Int("num_cpus", bs.NumCPUs),
	)

	store, err := toolchain.OpenStore(bs.ToolchainDir, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to open toolchain store: %w", err)
	}

	executor, err := buildserver.NewExecutor(&buildserver.ExecutorConfig{
		Logger:        appLogger.Logger,
		Toolchains:    store,
		WorkDir:       bs.BuildDir,
		HostToolchain: bs.HostToolchain,
		Timeout:       bs.BuildTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := buildserver.NewPool(&buildserver.PoolConfig{
		Logger:      appLogger.Logger,
		Builder:     executor,
		Concurrency: bs.Concurrency,
	})
	pool.Start(ctx)
	defer pool.Stop()

	server := buildserver.NewServer(&buildserver.Config{
		Logger:           appLogger.Logger,
		Toolchains:       store,
		Builder:          pool,
		UnclaimedTimeout: bs.UnclaimedTimeout,
	})

	schedulerClient := distclient.NewSchedulerClient(bs.SchedulerURL, cfg.Auth.Token, nil)

	heartbeater, err := buildserver.NewHeartbeater(&buildserver.HeartbeaterConfig{
		Logger:   appLogger.Logger,
		Sender:   schedulerClient,
		ServerID: serverID,
		Addr:     bs.PublicAddr,
		NumCPUs:  bs.NumCPUs,
		Interval: bs.HeartbeatInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to create heartbeater: %w", err)
	}

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := router.SetupServerRouter(&handler.ServerDependencies{
		Logger:    appLogger.Logger,
		Server:    server,
		Requester: schedulerClient.Requester(serverID),
	}, cfg.Auth.Token)

	addr := fmt.Sprintf(":%d", bs.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  bs.HTTP.ReadTimeout,
		WriteTimeout: bs.HTTP.WriteTimeout,
		IdleTimeout:  bs.HTTP.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		appLogger.Info("Starting HTTP server", slog.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), bs.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return heartbeater.Run(gctx)
	})

	g.Go(func() error {
		return server.Start(gctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	appLogger.Info("Build server shutdown complete",
		slog.String("nonce", heartbeater.Nonce()),
	)
	return nil
}
