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

	"github.com/cuongbtq/tab-importer/internal/api/handler"
	"github.com/cuongbtq/tab-importer/internal/api/router"
	"github.com/cuongbtq/tab-importer/internal/config"
	"github.com/cuongbtq/tab-importer/internal/ingest"
	"github.com/cuongbtq/tab-importer/internal/pipeline"
	"github.com/cuongbtq/tab-importer/internal/provider/gemini"
	"github.com/cuongbtq/tab-importer/internal/provider/screenshot"
	"github.com/cuongbtq/tab-importer/internal/queue"
	"github.com/cuongbtq/tab-importer/internal/ratelimit"
	"github.com/cuongbtq/tab-importer/internal/store"
	"github.com/cuongbtq/tab-importer/shared/logger"
	"github.com/cuongbtq/tab-importer/shared/postgresql"
	"github.com/cuongbtq/tab-importer/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("TAB_IMPORTER_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/tab-importer/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting tab importer",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	rootCtx, stopRoot := context.WithCancel(context.Background())
	defer stopRoot()

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Component("postgresql"))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	tabStore := store.NewTabStore(dbClient.GetDB(), appLogger.Component("store"))
	if cfg.Database.AutoMigrate {
		if err := tabStore.EnsureSchema(rootCtx); err != nil {
			return fmt.Errorf("failed to prepare schema: %w", err)
		}
	}

	appLogger.Info("Database connection established")

	geminiClient, err := gemini.NewClient(rootCtx, gemini.Config{
		APIKey:         cfg.Providers.Gemini.APIKey,
		SummaryModel:   cfg.Providers.Gemini.SummaryModel,
		EmbeddingModel: cfg.Providers.Gemini.EmbeddingModel,
		MaxSentences:   cfg.Providers.Gemini.MaxSentences,
	}, appLogger.Component("gemini"))
	if err != nil {
		return fmt.Errorf("failed to initialize gemini client: %w", err)
	}

	screenshotClient, err := screenshot.NewClient(screenshot.Config{
		Endpoint: cfg.Providers.Screenshot.Endpoint,
		APIKey:   cfg.Providers.Screenshot.APIKey,
		Timeout:  cfg.Providers.Screenshot.Timeout,
		FullPage: cfg.Providers.Screenshot.FullPage,
	}, appLogger.Component("screenshot"))
	if err != nil {
		return fmt.Errorf("failed to initialize screenshot client: %w", err)
	}

	limiters := ratelimit.NewRegistry(appLogger.Component("ratelimit"))

	worker := pipeline.NewWorker(&pipeline.Config{
		Logger:      appLogger.Component("pipeline"),
		Limiters:    limiters,
		Screenshots: screenshotClient,
		Summarizer:  geminiClient,
		Embedder:    geminiClient,
		Store:       tabStore,
		Limits: pipeline.Limits{
			Screenshot: rateLimit(cfg, config.ServiceScreenshot),
			Summarize:  rateLimit(cfg, config.ServiceAI),
			Embedding:  rateLimit(cfg, config.ServiceEmbedding),
		},
		ItemTimeout: cfg.Queue.ItemTimeout,
	})

	manager := queue.NewManager(queue.Config{
		MaxConcurrentJobs: cfg.Queue.MaxConcurrentJobs,
		Retention:         cfg.Queue.Retention,
		ReapInterval:      cfg.Queue.ReapInterval,
	}, worker, limiters, appLogger.Component("queue"))
	manager.Start(rootCtx)

	var (
		rabbitClient *rabbitmq.Client
		consumer     *ingest.Consumer
	)
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err = initRabbitMQ(&cfg.RabbitMQ, appLogger.Component("rabbitmq"))
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		consumer = ingest.NewConsumer(&ingest.Config{
			Logger:      appLogger.Component("ingest"),
			Source:      rabbitClient,
			Submitter:   manager,
			ConsumerTag: cfg.RabbitMQ.Consumer.Tag,
		})
		if err := consumer.Start(rootCtx); err != nil {
			return fmt.Errorf("failed to start import consumer: %w", err)
		}

		appLogger.Info("RabbitMQ import consumer started",
			slog.String("queue", cfg.RabbitMQ.Queue.Name),
		)
	}

	r := initRouter(cfg, appLogger.Component("http"), manager, tabStore, dbClient)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("Tab importer is running",
		slog.String("address", addr),
		slog.Int("max_concurrent_jobs", cfg.Queue.MaxConcurrentJobs),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Shutting down", slog.String("signal", sig.String()))
	case runErr = <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", runErr))
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.Any("error", err))
	}

	// stop intake before the queue so nothing is submitted to a stopped manager
	stopRoot()
	if consumer != nil {
		consumer.Wait()
	}

	if err := manager.Stop(ctx); err != nil {
		appLogger.Error("Import queue did not drain in time", slog.Any("error", err))
	}

	appLogger.Info("Shutdown complete")
	return runErr
}

func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
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
	}, logger)
}

func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:          cfg.Host,
		Port:          cfg.Port,
		User:          cfg.User,
		Password:      cfg.Password,
		VHost:         cfg.VHost,
		ExchangeName:  cfg.Exchange.Name,
		ExchangeType:  cfg.Exchange.Type,
		QueueName:     cfg.Queue.Name,
		RoutingKey:    cfg.RoutingKey,
		Durable:       cfg.Exchange.Durable && cfg.Queue.Durable,
		PrefetchCount: cfg.Consumer.PrefetchCount,
		RetryAttempts: cfg.Connection.RetryAttempts,
		RetryInterval: cfg.Connection.RetryInterval,
		Heartbeat:     cfg.Connection.Heartbeat,
	}, logger)
}

// rateLimit converts a validated rate limit section into limiter settings
func rateLimit(cfg *config.Config, service string) ratelimit.Config {
	rl, _ := cfg.RateLimit(service)
	return ratelimit.Config{
		Service:           rl.Service,
		RequestsPerWindow: rl.RequestsPerWindow,
		Window:            rl.Window,
		MaxConcurrent:     rl.MaxConcurrent,
	}
}

func initRouter(cfg *config.Config, logger *slog.Logger, manager *queue.Manager, tabs *store.TabStore, db *postgresql.Client) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(&handler.Dependencies{
		Logger:         logger,
		ServiceName:    cfg.App.Name,
		Queue:          manager,
		Tabs:           tabs,
		Database:       db,
		StreamInterval: cfg.Queue.StreamInterval,
	})
}
