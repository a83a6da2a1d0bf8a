package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/subscast/internal/middleware"
	"github.com/hitoshi/subscast/internal/webhook"
)

// WebhookPath は課金Webhookの受信パス。
const WebhookPath = "/webhooks/billing"

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger        *slog.Logger
	HealthChecker HealthChecker
	HTTPSOnly     bool
	// CORSAllowedOrigin が空の場合、CORSミドルウェアは適用しない。
	CORSAllowedOrigin string

	// ミドルウェア依存
	SessionCodec    middleware.SessionCodec
	SessionRecorder middleware.SessionRecorder
	RateLimiter     *middleware.RateLimiter
	CSRF            middleware.CSRFConfig

	// 認証
	AuthService   AuthServiceInterface
	Subscriptions SubscriptionFinder
	AuthConfig    AuthHandlerConfig
	// UserService がnilの場合、退会エンドポイントは登録しない。
	UserService UserServiceInterface

	// Webhook
	WebhookVerifier middleware.WebhookVerifier
	WebhookHandler  webhook.Handler
	WebhookConfig   middleware.WebhookGateConfig
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Session → Logging → NoStore
//
// Webhookと/healthはセッションを持たないため、Sessionを通さない。
// /metricsは失敗種別をラベルに持つため、このルーターには登録しない（app.runServeの管理用リスナーで公開する）。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HTTPSOnly))
	if deps.CORSAllowedOrigin != "" {
		r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	}

	authHandler := NewAuthHandler(deps.AuthService, deps.Subscriptions, deps.AuthConfig)

	// --- セッションを持たないルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewLoggingMiddleware(logger))

		r.Get("/health", NewHealthHandler(deps.HealthChecker))
		r.Method(http.MethodPost, WebhookPath,
			middleware.NewWebhookGate(deps.WebhookVerifier, deps.WebhookHandler, deps.WebhookConfig))
	})

	// --- セッションを持つルート ---
	// ミドルウェアスタック: Session → Logging → NoStore
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionCodec, deps.AuthConfig.Cookie, deps.SessionRecorder))
		r.Use(middleware.NewLoggingMiddleware(logger))
		r.Use(middleware.NewNoStoreMiddleware())

		r.Route("/auth", func(r chi.Router) {
			// OAuthフロー（IPごとのレート制限）
			r.Group(func(r chi.Router) {
				if deps.RateLimiter != nil {
					r.Use(deps.RateLimiter.LoginMiddleware())
				}
				r.Get("/login", authHandler.Login)
				r.Get("/callback", authHandler.Callback)
			})

			r.Get("/session", authHandler.Session)
			r.Method(http.MethodGet, "/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))
			r.With(middleware.NewCSRFMiddleware(deps.CSRF)).Post("/logout", authHandler.Logout)

			r.Group(func(r chi.Router) {
				r.Use(middleware.NewRequireUserMiddleware())
				r.Get("/me", authHandler.Me)
				if deps.UserService != nil {
					userHandler := NewUserHandler(deps.UserService, deps.AuthService, deps.AuthConfig.Cookie)
					r.With(middleware.NewCSRFMiddleware(deps.CSRF)).Delete("/me", userHandler.Withdraw)
				}
			})
		})

		r.Get(LoginFailedPath, authHandler.LoginFailed)
	})

	return r
}
