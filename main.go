package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/regulus-ai/regulus/internal/audit"
	"github.com/regulus-ai/regulus/internal/cache"
	"github.com/regulus-ai/regulus/internal/config"
	"github.com/regulus-ai/regulus/internal/controller"
	"github.com/regulus-ai/regulus/internal/conversation"
	"github.com/regulus-ai/regulus/internal/events"
	"github.com/regulus-ai/regulus/internal/health"
	"github.com/regulus-ai/regulus/internal/llm"
	"github.com/regulus-ai/regulus/internal/research"
	"github.com/regulus-ai/regulus/internal/retrieval"
	"github.com/regulus-ai/regulus/internal/tracing"
)

func main() {
	var (
		configPath     = flag.String("config", os.Getenv("REGULUS_CONFIG"), "path to configuration file")
		query          = flag.String("query", "", "answer one query and exit")
		conversationID = flag.String("conversation", "", "conversation id for follow-up context")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := tracing.Initialize(cfg.Tracing, logger); err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
	}

	redisClient := connectRedis(cfg.Redis, logger)

	healthManager := health.NewManager(logger)
	healthManager.Register(health.NewRedisChecker(redisClient))
	healthManager.Register(health.NewServiceChecker("llm", cfg.LLM.BaseURL+"/healthz", true))
	healthManager.Register(health.NewServiceChecker("graph", cfg.Retrieval.Graph.BaseURL+"/healthz", true))
	healthManager.Register(health.NewServiceChecker("vector", cfg.Retrieval.Vector.BaseURL+"/healthz", false))

	// Metrics and health endpoints come up first so the service is
	// observable during startup.
	metricsSrv := startMetricsServer(cfg.Service.MetricsPort, healthManager, logger)

	var store cache.Store
	if redisClient != nil {
		store = cache.NewRedisStore(redisClient, logger)
	}
	cacheManager := cache.NewManager(store, cfg.Cache, logger)
	conversations := conversation.NewManager(redisClient, cfg.Conversation, logger)

	var auditWriter *audit.Writer
	if cfg.Audit.DSN != "" {
		auditWriter, err = audit.Open(cfg.Audit.DSN, cfg.Audit.QueueSize, logger)
		if err != nil {
			logger.Warn("Audit disabled", zap.Error(err))
		}
	}

	lexicon := research.DefaultLexicon()
	if cfg.Lexicon.Path != "" {
		if lex, err := research.LoadLexicon(cfg.Lexicon.Path); err != nil {
			logger.Warn("Failed to load lexicon, using defaults",
				zap.String("path", cfg.Lexicon.Path),
				zap.Error(err),
			)
		} else {
			lexicon = lex
		}
	}

	generator := llm.NewClient(cfg.LLM, logger)
	graphClient := retrieval.NewGraphClient(cfg.Retrieval.Graph, logger)
	backends := retrieval.Backends{
		Direct:  graphClient,
		Keyword: graphClient,
		Vector:  retrieval.NewVectorClient(cfg.Retrieval.Vector, logger),
	}
	if cfg.Retrieval.Web.BaseURL != "" {
		backends.Web = retrieval.NewWebClient(cfg.Retrieval.Web, logger)
	}

	coordinator := research.NewCoordinator(backends, generator, cacheManager, lexicon, cfg.Research, logger)
	eventManager := events.NewManager(0, logger)

	ctrl := controller.New(generator, coordinator, cacheManager, conversations, auditWriter, eventManager,
		controller.Options{
			MaxRetries: cfg.Engine.MaxRetries,
			MaxHops:    cfg.Engine.MaxHops,
			MaxTasks:   cfg.Engine.MaxTasks,
			Messages:   cfg.Messages,
		}, logger)

	if *configPath != "" {
		if watcher, err := config.NewWatcher(*configPath, logger); err != nil {
			logger.Warn("Config hot reload disabled", zap.Error(err))
		} else {
			watcher.OnReload(func(next *config.Config) error {
				logger.Info("Reloaded configuration; connection settings apply on restart")
				return nil
			})
			if err := watcher.Start(); err != nil {
				logger.Warn("Config watcher failed to start", zap.Error(err))
			}
			defer watcher.Stop()
		}
	}

	logger.Info("regulus started",
		zap.Int("metrics_port", cfg.Service.MetricsPort),
		zap.Bool("redis", redisClient != nil),
		zap.Bool("audit", auditWriter != nil),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *query != "" {
		result := ctrl.ProcessQuery(ctx, *query, *conversationID)
		printResult(result)
	} else {
		runInteractive(ctx, ctrl, *conversationID)
	}

	shutdown(cfg.Service.ShutdownTimeout, metricsSrv, conversations, auditWriter, logger)
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		zc.Level = level
	}
	return zc.Build()
}

func startMetricsServer(port int, healthManager *health.Manager, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", healthManager.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return srv
}

func connectRedis(cfg config.RedisConfig, logger *zap.Logger) *redis.Client {
	if cfg.Addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis unreachable, caching and memory degrade to in-process only",
			zap.String("addr", cfg.Addr),
			zap.Error(err),
		)
		_ = client.Close()
		return nil
	}
	return client
}

func runInteractive(ctx context.Context, ctrl *controller.Controller, conversationID string) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("Ask a question (empty line to exit):")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		query := strings.TrimSpace(scanner.Text())
		if query == "" {
			return
		}

		printResult(ctrl.ProcessQuery(ctx, query, conversationID))

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func printResult(result *controller.Result) {
	fmt.Println()
	fmt.Println(result.Answer)
	if len(result.Sources) > 0 {
		fmt.Printf("\nSources: %s\n", strings.Join(result.Sources, ", "))
	}
	fmt.Printf("(confidence %.2f, %dms", result.Confidence, result.DurationMs)
	if result.FromCache {
		fmt.Print(", cached")
	}
	fmt.Println(")")
}

// shutdown closes components in dependency order. The conversation
// manager owns the shared Redis client, so the cache store is not
// closed separately.
func shutdown(timeout time.Duration, metricsSrv *http.Server, conversations *conversation.Manager, auditWriter *audit.Writer, logger *zap.Logger) {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := metricsSrv.Shutdown(ctx); err != nil {
		logger.Warn("Metrics server shutdown", zap.Error(err))
	}
	if err := auditWriter.Close(); err != nil {
		logger.Warn("Audit writer shutdown", zap.Error(err))
	}
	if err := conversations.Close(); err != nil {
		logger.Warn("Conversation manager shutdown", zap.Error(err))
	}

	logger.Info("regulus stopped")
}
