package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/uploadman/internal/metrics"
	"github.com/hitoshi/uploadman/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	HealthChecker     HealthChecker
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// メトリクス
	Gatherer prometheus.Gatherer

	// サービス
	QueueService   QueueServiceInterface
	ChannelService ChannelServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → CORS → SecurityHeaders → RateLimit
//
// /health と /metrics はレート制限の外に配置する（監視系からの高頻度アクセスを許容）。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))

	queueHandler := NewQueueHandler(deps.QueueService)
	channelHandler := NewChannelHandler(deps.ChannelService)
	healthHandler := NewHealthHandler(deps.HealthChecker)

	// --- 監視用のルート（レート制限なし） ---
	r.Get("/health", healthHandler.Health)
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	// --- 管理APIのルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
		r.Use(middleware.NewSecurityHeadersMiddleware())
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}

		// キュー管理
		r.Route("/api/queue", func(r chi.Router) {
			r.Post("/", queueHandler.Enqueue)
			r.Get("/", queueHandler.List)
			r.Get("/stats", queueHandler.Stats)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", queueHandler.Get)
				r.Post("/retry", queueHandler.Retry)
				r.Patch("/schedule", queueHandler.Schedule)
			})
		})

		// チャンネル管理
		r.Route("/api/channels", func(r chi.Router) {
			r.Post("/", channelHandler.Create)
			r.Get("/", channelHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", channelHandler.Get)
				r.Patch("/", channelHandler.Update)
				r.Get("/stats", channelHandler.Stats)
				r.Get("/history", channelHandler.History)
			})
		})
	})

	return r
}
