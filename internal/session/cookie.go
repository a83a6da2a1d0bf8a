package session

import (
	"net/http"
	"time"
)

// CookieName はセッションCookieの名前。
const CookieName = "subscast_session"

// CookieConfig はセッションCookieの属性。
type CookieConfig struct {
	Domain string
	Secure bool
	MaxAge time.Duration
}

// NewCookie はエンコード済みの値からセッションCookieを生成する。
// HttpOnlyと有効期限（Max-AgeとExpiresの両方）を必ず付与する。
func NewCookie(value string, cfg CookieConfig, now time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		Domain:   cfg.Domain,
		MaxAge:   int(cfg.MaxAge / time.Second),
		Expires:  now.Add(cfg.MaxAge).UTC(),
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ExpiredCookie はログアウト用の空かつ期限切れのCookieを生成する。
// ヘッダーを省略せず、明示的にブラウザ側のCookieを上書きさせる。
func ExpiredCookie(cfg CookieConfig) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		Domain:   cfg.Domain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0).UTC(),
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}
