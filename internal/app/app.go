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

	"github.com/hitoshi/phonelink/internal/auth"
	"github.com/hitoshi/phonelink/internal/broker"
	"github.com/hitoshi/phonelink/internal/config"
	"github.com/hitoshi/phonelink/internal/database"
	"github.com/hitoshi/phonelink/internal/handler"
	"github.com/hitoshi/phonelink/internal/linktoken"
	"github.com/hitoshi/phonelink/internal/logger"
	"github.com/hitoshi/phonelink/internal/mailapi"
	"github.com/hitoshi/phonelink/internal/metrics"
	"github.com/hitoshi/phonelink/internal/middleware"
	"github.com/hitoshi/phonelink/internal/notify"
	"github.com/hitoshi/phonelink/internal/repository"
	"github.com/hitoshi/phonelink/internal/worker/sweep"
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
		slog.String("base_url", cfg.BaseURL),
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

// runServe はAPIサーバーモードで起動する。
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
	userRepo := repository.NewPostgresUserRepo(db)
	credRepo := repository.NewPostgresCredentialRepo(db)
	linkRepo := repository.NewPostgresLinkTokenRepo(db)

	// 3. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. ドメインサービスの初期化
	linkManager := linktoken.NewManager(linkRepo, cfg.LinkTokenTTL)

	oauthProvider := auth.NewInstrumentedProvider(
		auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
			Scopes:       cfg.GmailScopes,
			Timeout:      cfg.ProviderTimeout,
		}),
		collector,
	)
	flow := auth.NewFlow(oauthProvider, linkManager, userRepo, credRepo)

	brk := broker.New(userRepo, credRepo, linkManager, flow, cfg.BaseURL)

	source, err := buildCredentialSource(cfg, brk)
	if err != nil {
		return err
	}

	mailClient := mailapi.NewClient(source, mailapi.ClientConfig{
		Timeout: cfg.ProviderTimeout,
	})

	// 5. メッセージ配信クライアントの初期化（Twilio設定がない場合は配信なし）
	var sender notify.Sender
	if cfg.TwilioEnabled() {
		sender = notify.NewTwilioClient(notify.TwilioConfig{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			FromNumber: cfg.TwilioFromNumber,
			Channel:    notify.Channel(cfg.TwilioChannel),
		})
	} else {
		slog.Warn("twilio is not configured, message delivery is disabled")
	}

	// 6. ルーターの構築
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	// configのレートはreq/min単位なのでreq/secに変換する
	rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
	rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	rateLimiterCfg.AuthStartRate = rate.Limit(float64(cfg.RateLimitAuthStart) / 60.0)
	rateLimiterCfg.AuthStartBurst = cfg.RateLimitAuthStart

	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		SessionConfig: middleware.SessionConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
			MaxAge:       cfg.SessionMaxAge,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),

		AuthFlow: flow,
		AuthConfig: handler.AuthHandlerConfig{
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			NotifyChannel: cfg.TwilioChannel,
		},

		Broker: brk,
		Users:  userRepo,
		Mail:   mailClient,
		Sender: sender,

		Metrics:  collector,
		Gatherer: registry,
	}

	router := handler.NewRouter(deps)

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

// buildCredentialSource はAUTH_MODEに応じた資格情報の供給元を構築する。
// oauthモードではBroker経由、service_accountモードではドメイン委任で動作する。
func buildCredentialSource(cfg *config.Config, brk *broker.Broker) (mailapi.TokenProvider, error) {
	switch cfg.AuthMode {
	case config.AuthModeServiceAccount:
		key, err := os.ReadFile(cfg.ServiceAccountKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read service account key file: %w", err)
		}
		source, err := broker.NewServiceAccountSource(broker.ServiceAccountConfig{
			ClientEmail: cfg.ServiceAccountEmail,
			PrivateKey:  key,
			Subject:     cfg.ServiceAccountSubject,
			Scopes:      cfg.GmailScopes,
			Timeout:     cfg.ProviderTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build service account source: %w", err)
		}
		slog.Info("credential source: service account",
			slog.String("subject", cfg.ServiceAccountSubject),
		)
		return source, nil
	default:
		return broker.NewBrokerSource(brk), nil
	}
}

// runWorker はワーカーモードで起動する。
// 期限切れリンクトークンの掃除ジョブを定期実行する。
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

	// 2. 掃除ジョブの初期化
	linkRepo := repository.NewPostgresLinkTokenRepo(db)
	linkManager := linktoken.NewManager(linkRepo, cfg.LinkTokenTTL)

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	sweepJob := sweep.NewSweepJob(linkManager, slog.Default(), collector)

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
		slog.Duration("sweep_interval", cfg.SweepInterval),
	)

	// 起動直後に1回実行し、以降はSweepIntervalごとに実行する
	if err := sweepJob.Run(ctx); err != nil {
		slog.Error("sweep job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped gracefully")
			return nil
		case <-ticker.C:
			if err := sweepJob.Run(ctx); err != nil {
				slog.Error("sweep job failed", slog.String("error", err.Error()))
			}
		}
	}
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
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
