package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cuongbtq/buildstash/internal/api/handler"
	"github.com/cuongbtq/buildstash/internal/api/router"
	"github.com/cuongbtq/buildstash/internal/cache"
	"github.com/cuongbtq/buildstash/internal/compiler"
	"github.com/cuongbtq/buildstash/internal/config"
	"github.com/cuongbtq/buildstash/internal/dispatch"
	"github.com/cuongbtq/buildstash/internal/distclient"
	"github.com/cuongbtq/buildstash/internal/toolchain"
	"github.com/cuongbtq/buildstash/shared/logger"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

const usage = `usage:
  buildstash serve [-config path]       run the local daemon
  buildstash stats [-config path]       print daemon statistics as JSON
  buildstash zero-stats [-config path]  reset daemon statistics
  buildstash <compiler> [args...]       compile through the daemon
`

func main() {
	code, err := run(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	os.Exit(code)
}

func run(args []string) (int, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2, nil
	}

	switch args[0] {
	case "serve":
		cfg, err := loadConfig(args[0], args[1:])
		if err != nil {
			return 2, err
		}
		return 0, serve(cfg)
	case "stats", "zero-stats":
		cfg, err := loadConfig(args[0], args[1:])
		if err != nil {
			return 2, err
		}
		return 0, queryStats(cfg, args[0] == "zero-stats")
	case "-h", "-help", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return 0, nil
	}

	// Everything else is a compiler invocation; its flags belong to the compiler.
	cfg, err := config.LoadOrDefault(defaultConfigPath())
	if err != nil {
		return 2, fmt.Errorf("failed to load config: %w", err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return 2, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := &wrapper{
		logger: logger.NewDefault().Logger,
		daemon: distclient.NewDaemonClient(daemonURL(cfg), cfg.Auth.Token, nil),
		runner: compiler.ExecRunner{},
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
	return w.Run(ctx, args, cwd, os.Environ())
}

func defaultConfigPath() string {
	if p := os.Getenv("BUILDSTASH_CONFIG_PATH"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "buildstash.yaml"
	}
	return filepath.Join(dir, "buildstash", "config.yaml")
}

func loadConfig(name string, args []string) (*config.Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateClientConfig(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func daemonURL(cfg *config.Config) string {
	return fmt.Sprintf("http://127.0.0.1:%d", cfg.Daemon.HTTP.Port)
}

func queryStats(cfg *config.Config, zero bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := distclient.NewDaemonClient(daemonURL(cfg), cfg.Auth.Token, nil)
	if zero {
		if err := client.ZeroStats(ctx); err != nil {
			return fmt.Errorf("failed to zero stats: %w", err)
		}
		return nil
	}

	snap, err := client.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read stats: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

// serve runs the daemon that owns the cache and talks to the scheduler.
func serve(cfg *config.Config) error {
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

	disk, err := cache.NewDisk(cfg.Cache.Dir, appLogger.Logger)
	if err != nil {
		return err
	}

	var pp *cache.PreprocessorCache
	if cfg.Cache.Preprocessor {
		pp, err = cache.NewPreprocessorCache(cfg.Cache.Dir, appLogger.Logger)
		if err != nil {
			return err
		}
	}

	packager, err := toolchain.NewPackager(cfg.Client.ToolchainDir, appLogger.Logger)
	if err != nil {
		return err
	}

	dispatchCfg := &dispatch.Config{
		Logger:       appLogger.Logger,
		Cache:        disk,
		Preprocessor: pp,
		Packager:     packager,
		Timeout:      cfg.Client.DispatchTimeout,
	}
	if cfg.Client.SchedulerURL != "" {
		dispatchCfg.Client = distclient.NewClient(cfg.Client.SchedulerURL, cfg.Auth.Token, nil)
	}
	dispatcher := dispatch.NewDispatcher(dispatchCfg)

	appLogger.Info("Starting buildstash daemon",
		slog.String("cache_dir", disk.Location()),
		slog.Bool("preprocessor_cache", pp != nil),
		slog.String("scheduler_url", cfg.Client.SchedulerURL),
	)

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := router.SetupDaemonRouter(&handler.DaemonDependencies{
		Logger:   appLogger.Logger,
		Compiler: dispatcher,
		Stats:    dispatcher.Stats(),
	}, cfg.Auth.Token)

	// Only local wrappers may reach the daemon.
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Daemon.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Daemon.HTTP.ReadTimeout,
		WriteTimeout: cfg.Daemon.HTTP.WriteTimeout,
		IdleTimeout:  cfg.Daemon.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("daemon failed: %w", err)
		}
		return nil
	case <-quit:
	}

	appLogger.Info("Shutting down daemon...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Daemon.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("daemon forced to shutdown: %w", err)
	}

	snap := dispatcher.Stats().Snapshot()
	appLogger.Info("Daemon shutdown complete",
		slog.Int("compile_requests", snap.CompileRequests),
		slog.Int("cache_hits", snap.CacheHits),
		slog.Int("dist_compiles", snap.DistCompilesTotal()),
	)
	return nil
}
