package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/M-Rafay/ocr-api/internal/cache"
	"github.com/M-Rafay/ocr-api/internal/config"
	"github.com/M-Rafay/ocr-api/internal/database"
	"github.com/M-Rafay/ocr-api/internal/ledger"
	"github.com/M-Rafay/ocr-api/internal/logging"
	"github.com/M-Rafay/ocr-api/internal/ocr"
	"github.com/M-Rafay/ocr-api/internal/ocr/tesseract"
	"github.com/M-Rafay/ocr-api/internal/orchestrator"
	"github.com/M-Rafay/ocr-api/internal/pdf"
	"github.com/M-Rafay/ocr-api/internal/queue"
	"github.com/M-Rafay/ocr-api/internal/storage"
	"github.com/M-Rafay/ocr-api/internal/tracing"
	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			configPath = "config.yaml"
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger, using defaults: %v\n", err)
		if logger, err = logging.NewDefaultLogger(); err != nil {
			os.Exit(1)
		}
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize tracing
	var tracer opentracing.Tracer
	if cfg.Tracing.Enabled {
		t, closer, err := tracing.InitTracer(cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
		if err != nil {
			logger.Fatalf("Failed to initialize tracer: %v", err)
		}
		defer closer.Close()
		tracer = t
	}

	// Initialize database
	database.SetLogger(logger)
	store, err := database.Open(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	if err := store.Migrate(context.Background()); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}
	logger.WithField("driver", cfg.Database.Driver).Info("Database ready")

	usage := ledger.New(store)

	// OCR engines are created on first use per language
	engines := ocr.NewPool(tesseract.Factory(cfg.OCR.TessdataPrefix), cfg.OCR.Languages, cfg.OCR.DefaultLanguage, logger)
	defer func() {
		if err := engines.Close(); err != nil {
			logger.ErrorWithErr("Failed to close OCR engines", err)
		}
	}()

	opts := orchestrator.Options{
		Ledger:        usage,
		Repo:          store,
		Engines:       engines,
		Rasterizer:    pdf.NewPoppler(cfg.OCR.PdftoppmPath, cfg.OCR.RasterDPI, cfg.OCR.TempDir),
		Logger:        logger,
		FetchTimeout:  cfg.OCR.FetchTimeout,
		MaxImageBytes: cfg.OCR.MaxImageBytes,
	}

	var closers []io.Closer

	// Optional collaborators
	if cfg.Storage.Enabled {
		stor, err := storage.New(cfg.Storage)
		if err != nil {
			logger.Fatalf("Failed to initialize storage: %v", err)
		}
		opts.Store = stor
	}

	if cfg.Redis.Enabled {
		c, err := cache.NewCache(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.HistoryTTL)
		if err != nil {
			logger.Fatalf("Failed to connect to Redis: %v", err)
		}
		closers = append(closers, c)
		opts.Cache = c
	}

	if cfg.Queue.Enabled {
		q, err := queue.New(cfg.Queue)
		if err != nil {
			logger.Fatalf("Failed to connect to queue: %v", err)
		}
		closers = append(closers, q)
		opts.Events = q
	}

	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	api := NewAPI(orchestrator.NewService(opts), logger, cfg.Server.MaxUploadBytes)
	gate := newQuotaGate(usage, cfg.Quota.MonthlyLimit, logger)

	// Setup router
	router := setupRouter(api, gate, logger, tracer)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Infof("Starting API server on %s (monthly quota %d)", addr, cfg.Quota.MonthlyLimit)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.ErrorWithErr("Server forced to shutdown", err)
	}

	logger.Info("Server stopped")
}
