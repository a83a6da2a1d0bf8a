package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/subscast/internal/auth"
	"github.com/hitoshi/subscast/internal/billing"
	"github.com/hitoshi/subscast/internal/config"
	"github.com/hitoshi/subscast/internal/database"
	"github.com/hitoshi/subscast/internal/handler"
	"github.com/hitoshi/subscast/internal/identity"
	"github.com/hitoshi/subscast/internal/logger"
	"github.com/hitoshi/subscast/internal/metrics"
	"github.com/hitoshi/subscast/internal/middleware"
	"github.com/hitoshi/subscast/internal/repository"
	"github.com/hitoshi/subscast/internal/security"
	"github.com/hitoshi/subscast/internal/session"
	"github.com/hitoshi/subscast/internal/user"
	"github.com/hitoshi/subscast/internal/webhook"
)

const (
	dbPingTimeout   = 5 * time.Second
	shutdownTimeout = 30 * time.Second
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. LOG_LEVELを反映する
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.SetupDefault(w, level)

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
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg)
	}
}

// Server はserveモードで公開するHTTPハンドラーと、その後始末を保持する。
type Server struct {
	Handler http.Handler
	// Metrics は管理用リスナーで公開するPrometheusハンドラー。
	Metrics http.Handler
	limiter *middleware.RateLimiter
}

// Close はバックグラウンドで動作するコンポーネントを停止する。
func (s *Server) Close() {
	s.limiter.Stop()
}

// NewServer は設定とDB接続から全依存関係をワイヤリングする。
// メトリクスはregに登録し、公開ルーターとは別のMetricsハンドラーで返す。
func NewServer(cfg *config.Config, db *sql.DB, reg *prometheus.Registry) (*Server, error) {
	// 1. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	identityRepo := repository.NewPostgresIdentityRepo(db)
	billingRepo := repository.NewPostgresBillingRepo(db)

	// 2. メトリクス
	collector := metrics.NewCollector(reg)

	// 3. OAuthプロバイダー
	httpClient := &http.Client{Timeout: cfg.OAuthTimeout}
	if cfg.OAuthSSRFGuard {
		httpClient = security.NewEndpointGuard().NewHTTPClient(cfg.OAuthTimeout)
	}
	oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		BaseURL:      cfg.BaseURL,
		AuthURL:      cfg.OAuthAuthURL,
		TokenURL:     cfg.OAuthTokenURL,
		UserInfoURL:  cfg.OAuthUserInfoURL,
		HTTPClient:   httpClient,
	})

	// 4. セッションCookieのコーデック
	current, previous := cfg.SessionKeys()
	codecOpts := []session.Option{
		session.WithMaxAge(cfg.SessionMaxAge),
		session.WithPreviousSecrets(previous...),
	}
	if !cfg.SessionEncrypt {
		codecOpts = append(codecOpts, session.WithoutEncryption())
	}
	codec, err := session.NewCodec(current, codecOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create session codec: %w", err)
	}

	// 5. 認証サービス
	resolver := identity.NewResolver(identityRepo, cfg.StorageTimeout, collector)
	authService := auth.NewService(oauthProvider, resolver, codec, userRepo, collector, auth.ServiceConfig{
		OAuthTimeout: cfg.OAuthTimeout,
	})

	// 6. 退会
	userService := user.NewService(userRepo, billingRepo)

	// 7. Webhook
	verifier, err := webhook.NewVerifier(cfg.WebhookSecretKeys(),
		webhook.WithTolerance(cfg.WebhookTolerance),
		webhook.WithClockSkew(cfg.WebhookClockSkew),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook verifier: %w", err)
	}
	billingHandler := billing.NewHandler(billingRepo, cfg.StorageTimeout)

	// 8. ルーターの構築
	limiter := middleware.NewRateLimiter(middleware.LoginRateLimiterConfig(cfg.RateLimitLogin), collector)
	cookieCfg := session.CookieConfig{
		Domain: cfg.CookieDomain,
		Secure: cfg.CookieSecure,
		MaxAge: cfg.SessionMaxAge,
	}

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:        slog.Default(),
		HealthChecker: db,
		HTTPSOnly:     cfg.CookieSecure,

		CORSAllowedOrigin: cfg.CORSAllowedOrigin,

		SessionCodec:    codec,
		SessionRecorder: collector,
		RateLimiter:     limiter,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},

		AuthService:   authService,
		Subscriptions: billingRepo,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:  cfg.BaseURL,
			Cookie:   cookieCfg,
			Recorder: collector,
		},
		UserService: userService,

		WebhookVerifier: verifier,
		WebhookHandler:  billingHandler,
		WebhookConfig: middleware.WebhookGateConfig{
			MaxBodyBytes:    cfg.WebhookMaxBodyBytes,
			SignatureHeader: cfg.WebhookHeader,
			Recorder:        collector,
		},
	})

	return &Server{Handler: router, Metrics: metrics.Handler(reg), limiter: limiter}, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, dbPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. 依存関係のワイヤリング
	srv, err := NewServer(cfg, db, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer srv.Close()

	// 3. HTTPサーバーの起動
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           srv.Handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// 4. メトリクス用の管理リスナー（公開ポートとは分離）
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", srv.Metrics)
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if metricsServer != nil {
		go func() {
			slog.Info("metrics server starting",
				slog.String("addr", metricsServer.Addr),
			)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	var listenErr error
	select {
	case err := <-errCh:
		listenErr = fmt.Errorf("server listen error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown failed", slog.String("error", err.Error()))
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if listenErr != nil {
		return listenErr
	}

	slog.Info("API server stopped gracefully")
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
		slog.Uint64("version", uint64(version)),
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
