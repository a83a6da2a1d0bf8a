// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/subscast/internal/model"
	"github.com/hitoshi/subscast/internal/session"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	sessionContextKey = contextKey("session")
	flashContextKey   = contextKey("flash")
)

// SessionCodec はセッションCookieの復号と再発行に必要なインターフェース。
// session.Codecが実装する。
type SessionCodec interface {
	Encode(s model.Session) (string, error)
	Decode(value string) (model.Session, error)
}

// SessionRecorder はCookieの復号失敗を記録する。metrics.Collectorが実装する。
type SessionRecorder interface {
	RecordSessionDecodeFailure()
}

// NewSessionMiddleware はセッションCookieを復号し、セッションをリクエストコンテキストに注入する
// ミドルウェアを返す。
//
// Cookieが無い場合や復号に失敗した場合は匿名セッションとして処理を続行し、
// エラーレスポンスは返さない。セッションにフラッシュメッセージがある場合は
// コンテキストに取り出した上で、フラッシュを除いたCookieを即座に再発行する。
func NewSessionMiddleware(codec SessionCodec, cookieConfig session.CookieConfig, recorder SessionRecorder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. Cookieからセッションを復号
			var sess model.Session
			if cookie, err := r.Cookie(session.CookieName); err == nil && cookie.Value != "" {
				decoded, err := codec.Decode(cookie.Value)
				if err != nil {
					slog.Debug("session cookie rejected",
						slog.String("kind", string(model.KindOf(err))),
						slog.String("error", err.Error()),
					)
					if recorder != nil {
						recorder.RecordSessionDecodeFailure()
					}
				} else {
					sess = decoded
				}
			}

			ctx := r.Context()

			// 2. フラッシュメッセージを消費してCookieを再発行
			if sess.Flash != nil {
				ctx = context.WithValue(ctx, flashContextKey, sess.Flash)
				sess = sess.WithoutFlash()
				reissue(w, codec, sess, cookieConfig)
			}

			// 3. セッションをコンテキストに注入
			ctx = context.WithValue(ctx, sessionContextKey, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// reissue はフラッシュを除いたセッションでCookieを上書きする。
// 匿名セッションになる場合はCookieを削除する。
func reissue(w http.ResponseWriter, codec SessionCodec, sess model.Session, cfg session.CookieConfig) {
	if !sess.IsAuthenticated() {
		http.SetCookie(w, session.ExpiredCookie(cfg))
		return
	}

	value, err := codec.Encode(sess)
	if err != nil {
		slog.Error("failed to reissue session cookie", slog.String("error", err.Error()))
		return
	}
	http.SetCookie(w, session.NewCookie(value, cfg, time.Now()))
}

// NewRequireUserMiddleware は認証済みセッションを持たないリクエストに
// 401 Unauthorizedを返すミドルウェアを返す。SessionMiddlewareの後に配置する。
func NewRequireUserMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !SessionFromContext(r.Context()).IsAuthenticated() {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SessionFromContext はリクエストコンテキストからセッションを取得する。
// セッションミドルウェアを通過していない場合は匿名セッションを返す。
func SessionFromContext(ctx context.Context) model.Session {
	s, _ := ctx.Value(sessionContextKey).(model.Session)
	return s
}

// ContextWithSession はコンテキストにセッションを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithSession(ctx context.Context, s model.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, s)
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	s := SessionFromContext(ctx)
	if !s.IsAuthenticated() {
		return "", fmt.Errorf("user ID not found in context")
	}
	return s.UserID, nil
}

// ContextWithUserID はコンテキストに認証済みセッションを注入する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return ContextWithSession(ctx, model.Session{UserID: userID})
}

// FlashFromContext はこのリクエストで消費されたフラッシュメッセージを返す。
// 無い場合はnil。
func FlashFromContext(ctx context.Context) *model.Flash {
	f, _ := ctx.Value(flashContextKey).(*model.Flash)
	return f
}
