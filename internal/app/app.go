// Package app はアプリケーションの起動と依存関係のワイヤリングを提供する。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/uploadman/internal/analysis"
	"github.com/hitoshi/uploadman/internal/channel"
	"github.com/hitoshi/uploadman/internal/collab"
	"github.com/hitoshi/uploadman/internal/config"
	"github.com/hitoshi/uploadman/internal/database"
	"github.com/hitoshi/uploadman/internal/handler"
	"github.com/hitoshi/uploadman/internal/logger"
	"github.com/hitoshi/uploadman/internal/matcher"
	"github.com/hitoshi/uploadman/internal/metrics"
	"github.com/hitoshi/uploadman/internal/middleware"
	"github.com/hitoshi/uploadman/internal/queue"
	"github.com/hitoshi/uploadman/internal/repository"
	"github.com/hitoshi/uploadman/internal/security"
	"github.com/hitoshi/uploadman/internal/worker/cleanup"
	"github.com/hitoshi/uploadman/internal/worker/dispatch"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe は管理APIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	channelRepo := repository.NewPostgresChannelRepo(db)
	queueRepo := repository.NewPostgresQueueRepo(db)
	quotaRepo := repository.NewPostgresQuotaRepo(db)
	historyRepo := repository.NewPostgresHistoryRepo(db)

	// 3. セキュリティサービスの初期化
	ssrfGuard := security.NewSSRFGuard()

	// 4. ドメインサービスの初期化
	// serveモードではワーカーが別プロセスのためキック通知は行わない
	queueService := queue.NewService(queueRepo, channelRepo, quotaRepo, historyRepo, ssrfGuard, cfg, nil, slog.Default())
	channelService := channel.NewService(channelRepo, historyRepo, ssrfGuard, slog.Default())

	// 5. メトリクスの初期化
	registry := prometheus.NewRegistry()
	metrics.NewCollector(registry)

	// 6. ルーターの構築
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		// configのRateLimitGeneralはreq/min単位なのでreq/secに変換する
		rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	}
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		HealthChecker:     db,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),
		Gatherer:          registry,
		QueueService:      queueService,
		ChannelService:    channelService,
	})

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、ディスパッチスケジューラとクリーンアップジョブを起動する。
// メトリクスはSERVER_PORTの/metricsで公開する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. リポジトリの初期化
	channelRepo := repository.NewPostgresChannelRepo(db)
	queueRepo := repository.NewPostgresQueueRepo(db)
	quotaRepo := repository.NewPostgresQuotaRepo(db)
	cacheRepo := repository.NewPostgresAnalysisCacheRepo(db)

	// 3. セキュリティサービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewMetadataSanitizer()

	// 4. 外部コラボレーターの初期化
	// SSRF防止機能付きのHTTPクライアントを使用する
	analyzerClient := collab.NewAnalyzerClient(
		ssrfGuard.NewSafeClient(cfg.AnalyzeTimeout), cfg.AnalyzerURL, slog.Default(),
	)
	publisherClient := collab.NewPublisherClient(
		ssrfGuard.NewSafeClient(cfg.PublishTimeout), cfg.PublisherURL,
		rate.Every(cfg.PublishRateInterval), slog.Default(),
	)
	metadataGen := collab.NewTemplateMetadataGenerator(sanitizer)

	// 5. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 6. ディスパッチャーの初期化
	analysisSvc := analysis.NewService(cacheRepo, analyzerClient, cfg.AnalysisCacheTTL, slog.Default())
	channelMatcher := matcher.New(cfg.DefaultCategory)

	dispatcher := dispatch.NewDispatcher(
		queueRepo, channelRepo, quotaRepo,
		analysisSvc, channelMatcher, metadataGen, publisherClient,
		collector, slog.Default(),
		dispatch.DispatcherConfig{
			RetryLimit:                   cfg.RetryLimit,
			AnalyzeTimeout:               cfg.AnalyzeTimeout,
			PublishTimeout:               cfg.PublishTimeout,
			ReleaseQuotaOnPublishFailure: cfg.ReleaseQuotaOnPublishFailure,
		},
	)

	scheduler := dispatch.NewScheduler(
		queueRepo, dispatcher, collector, slog.Default(), cfg.DispatchMaxConcurrent,
	)

	// 7. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(queueRepo, cacheRepo, slog.Default())
	cleanupJob.Retention = time.Duration(cfg.RetentionDays) * 24 * time.Hour

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("dispatch_interval", cfg.DispatchInterval),
		slog.Int("max_concurrent", cfg.DispatchMaxConcurrent),
	)

	// メトリクス公開用の軽量HTTPサーバーをバックグラウンドで起動
	metricsServer := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: metrics.SetupMetricsRoute(registry),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server listen error", slog.String("error", err.Error()))
		}
	}()
	defer metricsServer.Close()

	// クリーンアップジョブをバックグラウンドで実行
	go func() {
		// 起動直後に1回実行
		if err := cleanupJob.Run(ctx); err != nil {
			slog.Error("cleanup job failed", slog.String("error", err.Error()))
		}
		cleanupJob.Start(ctx, cfg.CleanupInterval)
	}()

	// ディスパッチスケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.DispatchInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(version)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
