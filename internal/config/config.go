// Package config は環境変数からのアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AuthMode は資格情報の供給方式を表す。
type AuthMode string

const (
	// AuthModeOAuth はユーザーごとのOAuthフローで資格情報を取得する（既定）。
	AuthModeOAuth AuthMode = "oauth"
	// AuthModeServiceAccount はサービスアカウントのドメイン委任で動作する。
	AuthModeServiceAccount AuthMode = "service_account"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// OAuth
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	GmailScopes        []string

	// Auth mode
	AuthMode              AuthMode
	ServiceAccountEmail   string
	ServiceAccountKeyFile string
	ServiceAccountSubject string

	// Link token
	LinkTokenTTL  time.Duration
	SweepInterval time.Duration

	// Provider
	ProviderTimeout time.Duration

	// Twilio
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	TwilioChannel    string

	// Session
	SessionMaxAge int

	// Rate Limit
	RateLimitGeneral   int
	RateLimitAuthStart int

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// defaultGmailScopes は既定のGmailスコープ。
const defaultGmailScopes = "https://www.googleapis.com/auth/gmail.readonly https://www.googleapis.com/auth/gmail.send"

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（未設定の変数のみ反映）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env file", slog.String("error", err.Error()))
	}

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	cfg.AuthMode = AuthMode(getEnvString("AUTH_MODE", string(AuthModeOAuth)))
	switch cfg.AuthMode {
	case AuthModeOAuth:
		cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
		if cfg.GoogleClientID == "" {
			missing = append(missing, "GOOGLE_CLIENT_ID")
		}
		cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
		if cfg.GoogleClientSecret == "" {
			missing = append(missing, "GOOGLE_CLIENT_SECRET")
		}
		cfg.GoogleRedirectURL = os.Getenv("GOOGLE_REDIRECT_URL")
		if cfg.GoogleRedirectURL == "" {
			missing = append(missing, "GOOGLE_REDIRECT_URL")
		}
	case AuthModeServiceAccount:
		cfg.ServiceAccountEmail = os.Getenv("SERVICE_ACCOUNT_EMAIL")
		if cfg.ServiceAccountEmail == "" {
			missing = append(missing, "SERVICE_ACCOUNT_EMAIL")
		}
		cfg.ServiceAccountKeyFile = os.Getenv("SERVICE_ACCOUNT_KEY_FILE")
		if cfg.ServiceAccountKeyFile == "" {
			missing = append(missing, "SERVICE_ACCOUNT_KEY_FILE")
		}
		cfg.ServiceAccountSubject = os.Getenv("SERVICE_ACCOUNT_SUBJECT")
		if cfg.ServiceAccountSubject == "" {
			missing = append(missing, "SERVICE_ACCOUNT_SUBJECT")
		}
	default:
		return nil, fmt.Errorf("unknown AUTH_MODE: %q", cfg.AuthMode)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.GmailScopes = strings.Fields(getEnvString("GMAIL_SCOPES", defaultGmailScopes))
	cfg.LinkTokenTTL = getEnvDuration("LINK_TOKEN_TTL", 15*time.Minute)
	cfg.SweepInterval = getEnvDuration("SWEEP_INTERVAL", time.Hour)
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second)
	cfg.TwilioAccountSID = getEnvString("TWILIO_ACCOUNT_SID", "")
	cfg.TwilioAuthToken = getEnvString("TWILIO_AUTH_TOKEN", "")
	cfg.TwilioFromNumber = getEnvString("TWILIO_FROM_NUMBER", "")
	cfg.TwilioChannel = getEnvString("TWILIO_CHANNEL", "sms")
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitAuthStart = getEnvInt("RATE_LIMIT_AUTH_START", 5)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

// TwilioEnabled はTwilioによる配信設定が揃っているかどうかを返す。
func (c *Config) TwilioEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFromNumber != ""
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
