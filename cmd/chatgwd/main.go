package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aschepis/backscratcher/chatgw/config"
	"github.com/aschepis/backscratcher/chatgw/credentials"
	"github.com/aschepis/backscratcher/chatgw/history"
	"github.com/aschepis/backscratcher/chatgw/llm/providers"
	chatgwlogger "github.com/aschepis/backscratcher/chatgw/logger"
	"github.com/aschepis/backscratcher/chatgw/metrics"
	"github.com/aschepis/backscratcher/chatgw/migrations"
	"github.com/aschepis/backscratcher/chatgw/ratelimit"
	"github.com/aschepis/backscratcher/chatgw/runtime"
	"github.com/aschepis/backscratcher/chatgw/server"
	"github.com/aschepis/backscratcher/chatgw/tools"
	"github.com/aschepis/backscratcher/chatgw/usage"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Parse command-line flags
	var (
		configPath = flag.String("config", config.GetConfigPath(), "Path to the YAML config file")
		addr       = flag.String("addr", "", "Listen address, overrides server.addr")
		logFile    = flag.String("logfile", "", "Path to log file. If not set, logs to stdout")
		pretty     = flag.Bool("pretty", false, "Use pretty console output (only valid when logfile is not set)")
	)
	flag.Parse()

	cfg, err := config.LoadGatewayConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	logOpts := chatgwlogger.Options{File: *logFile, Pretty: *pretty, Level: cfg.Logging.Level}
	if *logFile == "" && !*pretty {
		logOpts.File, logOpts.Pretty = cfg.Logging.File, cfg.Logging.Pretty
	}

	logger, logCloser, err := chatgwlogger.Setup(logOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logCloser.Close() //nolint:errcheck // No remedy for log close errors

	logger.Info().
		Str("config", *configPath).
		Str("addr", cfg.Server.Addr).
		Str("provider", cfg.Provider).
		Str("model", cfg.DefaultModel).
		Msg("chatgwd starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---------------------------
	// 1. Shared singletons
	// ---------------------------

	slots, err := cfg.Slots()
	if err != nil {
		return err
	}
	pool, err := credentials.NewPool(slots)
	if err != nil {
		return fmt.Errorf("failed to create credential pool: %w", err)
	}
	logger.Info().Int("slots", pool.Len()).Msg("Credential pool ready")

	limiter := ratelimit.New(cfg.RateLimit, logger)

	httpClient := &http.Client{Timeout: time.Duration(cfg.Server.UpstreamTimeout) * time.Second}

	tokenizer, err := history.NewTokenizer(cfg.DefaultModel)
	if err != nil {
		return fmt.Errorf("failed to load tokenizer: %w", err)
	}
	toolRegistry := tools.Build(tools.Options{
		EnableSearch:     cfg.Tools.SearchEnabled(),
		EnableCrawler:    cfg.Tools.URLCrawlerEnabled(),
		EnableCode:       cfg.Tools.CodeEnabled(),
		SerperAPIKey:     cfg.Tools.SerperAPIKey,
		SerperGL:         cfg.Tools.SerperGL,
		SerperHL:         cfg.Tools.SerperHL,
		SandboxURL:       cfg.Tools.CodeSandboxURL,
		SandboxToken:     cfg.Tools.CodeSandboxToken,
		PythonPath:       cfg.Tools.PythonPath,
		CodeTimeout:      time.Duration(cfg.Tools.CodeTimeout) * time.Second,
		MaxContextTokens: cfg.Agent.MaxContextTokens,
		Tokenizer:        tokenizer,
		HTTPClient:       httpClient,
	}, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	// ---------------------------
	// 2. Usage ledger (optional)
	// ---------------------------

	var store *usage.Store
	if cfg.Usage.Enabled {
		db, err := openUsageDB(cfg.Usage.DBPath, logger)
		if err != nil {
			return err
		}
		defer db.Close() //nolint:errcheck // No remedy for db close errors
		store = usage.NewStore(db, logger)

		janitor, err := runtime.NewJanitor(store, cfg.Usage.PruneSchedule,
			time.Duration(cfg.Usage.RetentionDays)*24*time.Hour, logger)
		if err != nil {
			return fmt.Errorf("failed to create janitor: %w", err)
		}
		go janitor.Start(ctx)
	}

	// ---------------------------
	// 3. HTTP server
	// ---------------------------

	srv := server.New(server.Config{
		Provider:     cfg.Provider,
		DefaultModel: cfg.DefaultModel,
		AdminToken:   cfg.Server.AdminToken,
		Agent:        cfg.Agent,
		Logger:       logger,
	}, server.Deps{
		Pool:      pool,
		Limiter:   limiter,
		Tools:     toolRegistry,
		Providers: providers.NewRegistry(httpClient, logger),
		Usage:     store,
		Metrics:   m,
	})

	if err := srv.Run(ctx, cfg.Server.Addr, time.Duration(cfg.Server.ShutdownTimeout)*time.Second); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info().Msg("chatgwd shutdown complete")
	return nil
}

// openUsageDB opens the SQLite ledger and applies migrations.
func openUsageDB(path string, logger zerolog.Logger) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	logger.Info().Str("path", path).Msg("Opening usage database")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := migrations.RunMigrations(db, logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}
