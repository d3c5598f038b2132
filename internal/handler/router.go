package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/phonelink/internal/metrics"
	"github.com/hitoshi/phonelink/internal/middleware"
	"github.com/hitoshi/phonelink/internal/notify"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionConfig     middleware.SessionConfig
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// 認証フロー
	AuthFlow   AuthFlowInterface
	AuthConfig AuthHandlerConfig

	// ブローカーとストア
	Broker CredentialBrokerInterface
	Users  UserFinder

	// メールAPIと通知
	Mail   MailClientInterface
	Sender notify.Sender // Twilio未設定の場合はnil

	// 監視
	Metrics  metrics.MetricsCollector // nilの場合は記録しない
	Gatherer prometheus.Gatherer      // nilの場合は/metricsを公開しない
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → (Session → RateLimit)
//
// 認証リンク（/auth/gmail*）、Webhook、音声ツールはセッションを前提にできないため
// セッションミドルウェアの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	channel := deps.AuthConfig.NotifyChannel
	authHandler := NewAuthHandler(deps.AuthFlow, deps.Broker, deps.Users, deps.Sender, deps.Metrics, deps.AuthConfig)
	webhookHandler := NewWebhookHandler(deps.Broker, deps.Sender, deps.RateLimiter, deps.Metrics, channel)
	voiceHandler := NewVoiceHandler(deps.Broker, deps.Mail, deps.Sender, deps.RateLimiter, deps.Metrics, channel)

	// --- セッション不要のルート ---

	r.Get("/health", healthHandler)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	// 認証リンクのフロー（SMSで届いたリンクをブラウザで開く）
	r.Route("/auth/gmail", func(r chi.Router) {
		r.Get("/", authHandler.StartAuth)
		r.Get("/callback", authHandler.Callback)
	})

	// 外部サービスからの呼び出し（電話番号ごとのレート制限はハンドラー内で行う）
	r.Post("/webhook/messaging", webhookHandler.HandleInbound)
	r.Post("/voice/functions", voiceHandler.HandleFunction)

	// --- セッションが必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionConfig))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Post("/auth/logout", authHandler.Logout)
		r.Get("/auth/me", authHandler.Me)
	})

	return r
}

// healthHandler は稼働確認用エンドポイント。
// GET /health
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
