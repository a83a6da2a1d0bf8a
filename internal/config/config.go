// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/net/publicsuffix"

	"github.com/hitoshi/subscast/internal/security"
)

// MinSessionSecretLength はセッション署名鍵の最小バイト数。
const MinSessionSecretLength = 32

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL       string        `env:"DATABASE_URL,required,notEmpty"`
	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"10"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`

	// OAuth
	GoogleClientID     string        `env:"GOOGLE_CLIENT_ID,required,notEmpty"`
	GoogleClientSecret string        `env:"GOOGLE_CLIENT_SECRET,required,notEmpty"`
	OAuthAuthURL       string        `env:"OAUTH_AUTH_URL"`
	OAuthTokenURL      string        `env:"OAUTH_TOKEN_URL"`
	OAuthUserInfoURL   string        `env:"OAUTH_USERINFO_URL"`
	OAuthTimeout       time.Duration `env:"OAUTH_TIMEOUT" envDefault:"10s"`
	OAuthSSRFGuard     bool          `env:"OAUTH_SSRF_GUARD" envDefault:"true"`

	// Session
	SessionSecret          string        `env:"SESSION_SECRET,required,notEmpty"`
	SessionPreviousSecrets []string      `env:"SESSION_PREVIOUS_SECRETS" envSeparator:","`
	SessionMaxAge          time.Duration `env:"SESSION_MAX_AGE" envDefault:"720h"`
	SessionEncrypt         bool          `env:"SESSION_ENCRYPT" envDefault:"true"`

	// Webhook
	WebhookSecrets      []string      `env:"WEBHOOK_SECRETS,required,notEmpty" envSeparator:","`
	WebhookTolerance    time.Duration `env:"WEBHOOK_TOLERANCE" envDefault:"5m"`
	WebhookClockSkew    time.Duration `env:"WEBHOOK_CLOCK_SKEW" envDefault:"1m"`
	WebhookMaxBodyBytes int64         `env:"WEBHOOK_MAX_BODY_BYTES" envDefault:"65536"`
	WebhookHeader       string        `env:"WEBHOOK_SIGNATURE_HEADER" envDefault:"Stripe-Signature"`

	// Storage
	StorageTimeout time.Duration `env:"STORAGE_TIMEOUT" envDefault:"5s"`

	// Rate Limit (req/min/IP)
	RateLimitLogin int `env:"RATE_LIMIT_LOGIN" envDefault:"20"`

	// Server
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
	// MetricsAddr は/metricsを公開する管理用リスナーのアドレス。空の場合は起動しない。
	MetricsAddr string `env:"METRICS_ADDR" envDefault:"127.0.0.1:9090"`
	BaseURL     string `env:"BASE_URL,required,notEmpty"`

	// CORS。空の場合はCORSヘッダーを付与しない。
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN"`

	// Cookie
	CookieDomain string `env:"COOKIE_DOMAIN"`
	// CookieSecure はBaseURLがhttpsの場合にtrueとなる。
	CookieSecure bool

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数の未設定はまとめて1つのエラーとして返す。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.SessionPreviousSecrets = nonEmpty(cfg.SessionPreviousSecrets)
	cfg.WebhookSecrets = nonEmpty(cfg.WebhookSecrets)

	if err := cfg.validate(security.NewEndpointGuard()); err != nil {
		return nil, err
	}

	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")

	return cfg, nil
}

// validate は値の整合性を検証する。問題はすべてまとめて返す。
func (c *Config) validate(guard security.EndpointGuard) error {
	var errs []error

	if len(c.SessionSecret) < MinSessionSecretLength {
		errs = append(errs, fmt.Errorf("SESSION_SECRET must be at least %d bytes", MinSessionSecretLength))
	}
	for i, s := range c.SessionPreviousSecrets {
		if len(s) < MinSessionSecretLength {
			errs = append(errs, fmt.Errorf("SESSION_PREVIOUS_SECRETS[%d] must be at least %d bytes", i, MinSessionSecretLength))
		}
	}
	if len(c.WebhookSecrets) == 0 {
		errs = append(errs, errors.New("WEBHOOK_SECRETS must contain at least one secret"))
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("BASE_URL must be an absolute http(s) URL: %q", c.BaseURL))
	} else if c.CookieDomain != "" {
		if err := validateCookieDomain(c.CookieDomain, u.Hostname()); err != nil {
			errs = append(errs, err)
		}
	}

	if c.CORSAllowedOrigin != "" {
		if o, err := url.Parse(c.CORSAllowedOrigin); err != nil || o.Scheme == "" || o.Host == "" || o.Path != "" || c.CORSAllowedOrigin == "*" {
			errs = append(errs, fmt.Errorf("CORS_ALLOWED_ORIGIN must be a single origin: %q", c.CORSAllowedOrigin))
		}
	}

	if c.SessionMaxAge <= 0 {
		errs = append(errs, errors.New("SESSION_MAX_AGE must be positive"))
	}
	if c.OAuthTimeout <= 0 || c.StorageTimeout <= 0 {
		errs = append(errs, errors.New("OAUTH_TIMEOUT and STORAGE_TIMEOUT must be positive"))
	}
	if c.WebhookTolerance <= 0 || c.WebhookClockSkew < 0 {
		errs = append(errs, errors.New("WEBHOOK_TOLERANCE must be positive and WEBHOOK_CLOCK_SKEW non-negative"))
	}
	if strings.TrimSpace(c.WebhookHeader) == "" {
		errs = append(errs, errors.New("WEBHOOK_SIGNATURE_HEADER must not be empty"))
	}
	if c.WebhookMaxBodyBytes <= 0 {
		errs = append(errs, errors.New("WEBHOOK_MAX_BODY_BYTES must be positive"))
	}
	if c.RateLimitLogin <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_LOGIN must be positive"))
	}

	// エンドポイントの上書きは、ガード有効時は公開httpsホストに限る
	if c.OAuthSSRFGuard {
		for name, endpoint := range map[string]string{
			"OAUTH_AUTH_URL":     c.OAuthAuthURL,
			"OAUTH_TOKEN_URL":    c.OAuthTokenURL,
			"OAUTH_USERINFO_URL": c.OAuthUserInfoURL,
		} {
			if endpoint == "" {
				continue
			}
			if err := guard.ValidateEndpoint(endpoint); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// SessionKeys は現行の署名鍵とローテーション中の旧鍵を返す。
func (c *Config) SessionKeys() (current []byte, previous [][]byte) {
	for _, s := range c.SessionPreviousSecrets {
		previous = append(previous, []byte(s))
	}
	return []byte(c.SessionSecret), previous
}

// WebhookSecretKeys はWebhook署名の検証に使用するシークレットを返す。
func (c *Config) WebhookSecretKeys() [][]byte {
	keys := make([][]byte, 0, len(c.WebhookSecrets))
	for _, s := range c.WebhookSecrets {
		keys = append(keys, []byte(s))
	}
	return keys
}

// validateCookieDomain はCOOKIE_DOMAINが公開サフィックスでなく、
// BASE_URLのホストを含むドメインであることを検証する。
func validateCookieDomain(domain, host string) error {
	domain = strings.ToLower(strings.TrimPrefix(domain, "."))
	host = strings.ToLower(host)

	if _, err := publicsuffix.EffectiveTLDPlusOne(domain); err != nil {
		return fmt.Errorf("COOKIE_DOMAIN must not be a public suffix: %q", domain)
	}
	if host != domain && !strings.HasSuffix(host, "."+domain) {
		return fmt.Errorf("COOKIE_DOMAIN %q does not cover BASE_URL host %q", domain, host)
	}
	return nil
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
