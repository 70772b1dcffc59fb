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
	"github.com/cuongbtq/buildstash/internal/config"
	"github.com/cuongbtq/buildstash/internal/dist"
	"github.com/cuongbtq/buildstash/internal/distclient"
	"github.com/cuongbtq/buildstash/internal/scheduler"
	"github.com/cuongbtq/buildstash/internal/scheduler/storage"
	"github.com/cuongbtq/buildstash/shared/logger"
	"github.com/cuongbtq/buildstash/shared/postgresql"
	"github.com/cuongbtq/buildstash/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
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

	defaultConfigPath := os.Getenv("SCHEDULER_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/scheduler/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateSchedulerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting scheduler",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recorderCfg := &scheduler.RecorderConfig{
		Logger:     appLogger.Logger,
		BufferSize: cfg.Scheduler.EventBuffer,
	}
	var events handler.EventLister

	if cfg.Database.Enabled() {
		dbClient, err := initPostgreSQL(ctx, &cfg.Database, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer dbClient.Close()

		store := storage.NewStorage(dbClient.GetDB())
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate job events: %w", err)
		}
		recorderCfg.Store = store
		events = store

		appLogger.Info("Job history enabled")
	}

	if cfg.RabbitMQ.Enabled() {
		publisher, err := initRabbitMQ(ctx, &cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer publisher.Close()

		recorderCfg.Publisher = publisher

		appLogger.Info("Job event publication enabled",
			slog.String("exchange", cfg.RabbitMQ.Exchange.Name),
		)
	}

	recorder := scheduler.NewEventRecorder(recorderCfg)
	recorderCtx, stopRecorder := context.WithCancel(context.Background())
	recorder.Start(recorderCtx)
	defer func() {
		stopRecorder()
		recorder.Wait()
	}()

	sched := scheduler.NewScheduler(&scheduler.Config{
		Logger:           appLogger.Logger,
		Events:           recorder,
		MaxPerCoreLoad:   cfg.Scheduler.MaxPerCoreLoad,
		JobTimeout:       cfg.Scheduler.JobTimeout,
		HeartbeatTimeout: cfg.Scheduler.HeartbeatTimeout,
		SweepInterval:    cfg.Scheduler.SweepInterval,
	})
	go sched.Start(ctx)
	defer sched.Stop()

	token := cfg.Auth.Token
	r := initRouter(cfg.App.Environment, &handler.SchedulerDependencies{
		Logger:    appLogger.Logger,
		Scheduler: sched,
		Events:    events,
		Dial: func(addr string) dist.ServerIncoming {
			return distclient.NewServerClient(addr, token, nil)
		},
	}, token)

	return serve(ctx, appLogger.Logger, &cfg.Scheduler.HTTP, r)
}

// serve runs the HTTP server until ctx is canceled, then shuts it down.
func serve(ctx context.Context, logger *slog.Logger, cfg *config.HTTPConfig, h http.Handler) error {
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	logger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.ReadTimeout),
		slog.Duration("write_timeout", cfg.WriteTimeout),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	logger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(ctx, dbConfig, logger)
}

// initRabbitMQ initializes the job event publisher
func initRabbitMQ(ctx context.Context, cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Publisher, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewPublisher(ctx, rabbitConfig, logger)
}

// initRouter sets the gin mode and builds the scheduler routes
func initRouter(environment string, deps *handler.SchedulerDependencies, token string) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupSchedulerRouter(deps, token)
}
