// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/subscast/internal/auth"
	"github.com/hitoshi/subscast/internal/middleware"
	"github.com/hitoshi/subscast/internal/model"
	"github.com/hitoshi/subscast/internal/session"
)

const (
	oauthStateCookie = "oauth_state"
	oauthStateMaxAge = 600 // 10分

	// LoginFailedPath はログイン失敗時のリダイレクト先。失敗の種別によらず同じ。
	LoginFailedPath = "/login/failed"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	LoginURL(state, next string) string
	Login(ctx context.Context, code, next string) (*auth.LoginResult, error)
	LogoutCookieValue() (string, error)
	FailureCookieValue() (string, error)
	GetCurrentUser(ctx context.Context, userID string) (*model.User, error)
}

// SubscriptionFinder は/auth/meでサブスクリプション状態を返すための検索。
type SubscriptionFinder interface {
	FindSubscriptionByUserID(ctx context.Context, userID string) (*model.BillingSubscription, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL string
	Cookie  session.CookieConfig
	// Recorder はハンドラー内で検出した失敗（state不一致）を記録する。nilでもよい。
	Recorder auth.LoginRecorder
}

// AuthHandler はOAuth認証関連のHTTPハンドラー。
type AuthHandler struct {
	service       AuthServiceInterface
	subscriptions SubscriptionFinder
	config        AuthHandlerConfig
	now           func() time.Time
}

// NewAuthHandler はAuthHandlerを生成する。subscriptionsはnilでもよい。
func NewAuthHandler(service AuthServiceInterface, subscriptions SubscriptionFinder, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service:       service,
		subscriptions: subscriptions,
		config:        config,
		now:           time.Now,
	}
}

// Login はGoogle OAuthフローを開始する。
// GET /auth/login?next=/path
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, h.stateCookie(state, oauthStateMaxAge))

	url := h.service.LoginURL(state, r.URL.Query().Get("next"))
	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。
// GET /auth/callback?code=xxx&state=yyy&next=/path
//
// 失敗時は種別をログにのみ残し、クライアントには常に同じリダイレクトと文言を返す。
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	// 1. stateの検証（CSRF対策）
	state := query.Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || subtle.ConstantTimeCompare([]byte(stateCookie.Value), []byte(state)) != 1 {
		if h.config.Recorder != nil {
			h.config.Recorder.RecordLogin(string(model.KindOAuthStateMismatch))
		}
		h.fail(w, r, model.ErrOAuthStateMismatch)
		return
	}

	// stateクッキーを削除
	http.SetCookie(w, h.stateCookie("", -1))

	// 2. 認可コードからセッションを発行
	result, err := h.service.Login(r.Context(), query.Get("code"), query.Get("next"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	// 3. セッションCookieを設定してリダイレクト
	http.SetCookie(w, session.NewCookie(result.CookieValue, h.config.Cookie, h.now()))
	http.Redirect(w, r, h.config.BaseURL+result.Next, http.StatusTemporaryRedirect)
}

// fail はログイン失敗を処理する。
func (h *AuthHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	slog.Warn("login failed",
		slog.String("kind", string(model.KindOf(err))),
		slog.String("error", err.Error()),
	)

	if value, encErr := h.service.FailureCookieValue(); encErr == nil {
		http.SetCookie(w, session.NewCookie(value, h.config.Cookie, h.now()))
	} else {
		slog.Error("failed to encode failure flash", slog.String("error", encErr.Error()))
		http.SetCookie(w, session.ExpiredCookie(h.config.Cookie))
	}

	http.Redirect(w, r, h.config.BaseURL+LoginFailedPath, http.StatusTemporaryRedirect)
}

// Logout はセッションを匿名のものに置き換える。
// POST /auth/logout
//
// 署名済みCookieはサーバー側に状態を持たないため、Cookieの上書きがログアウトとなる。
// Set-Cookieヘッダーは必ず出力する。
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if value, err := h.service.LogoutCookieValue(); err == nil {
		http.SetCookie(w, session.NewCookie(value, h.config.Cookie, h.now()))
	} else {
		slog.Error("failed to encode logout flash", slog.String("error", err.Error()))
		http.SetCookie(w, session.ExpiredCookie(h.config.Cookie))
	}

	if userID, err := middleware.UserIDFromContext(r.Context()); err == nil {
		slog.Info("user logged out", slog.String("user_id", userID))
	}

	http.Redirect(w, r, h.config.BaseURL+auth.DefaultNext, http.StatusSeeOther)
}

// meResponse は/auth/meのレスポンス。
type meResponse struct {
	ID           string             `json:"id"`
	Email        string             `json:"email"`
	Name         string             `json:"name"`
	Subscription *subscriptionState `json:"subscription,omitempty"`
	Flash        *model.Flash       `json:"flash,omitempty"`
}

type subscriptionState struct {
	Status           model.SubscriptionStatus `json:"status"`
	Active           bool                     `json:"active"`
	CurrentPeriodEnd *time.Time               `json:"current_period_end,omitempty"`
}

// Me は現在のログインユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	user, err := h.service.GetCurrentUser(r.Context(), userID)
	if err != nil {
		slog.Error("failed to get current user",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}
	if user == nil {
		// 署名は正しいが、ユーザーが削除済み
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUserNotFoundError())
		return
	}

	resp := meResponse{
		ID:    user.ID,
		Email: user.Email,
		Name:  user.Name,
		Flash: middleware.FlashFromContext(r.Context()),
	}

	if h.subscriptions != nil {
		sub, err := h.subscriptions.FindSubscriptionByUserID(r.Context(), userID)
		if err != nil {
			// サブスクリプション情報は補助的なため、失敗してもユーザー情報は返す
			slog.Warn("failed to find subscription",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		} else if sub != nil {
			state := &subscriptionState{Status: sub.Status, Active: sub.Status.GrantsAccess()}
			if !sub.CurrentPeriodEnd.IsZero() {
				end := sub.CurrentPeriodEnd.UTC()
				state.CurrentPeriodEnd = &end
			}
			resp.Subscription = state
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// sessionResponse は/auth/sessionのレスポンス。
type sessionResponse struct {
	Authenticated bool         `json:"authenticated"`
	Flash         *model.Flash `json:"flash,omitempty"`
}

// Session はログイン状態と、このリクエストで消費したフラッシュメッセージを返す。
// 匿名でも200を返す。
// GET /auth/session
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	s := middleware.SessionFromContext(r.Context())
	writeJSON(w, http.StatusOK, sessionResponse{
		Authenticated: s.IsAuthenticated(),
		Flash:         middleware.FlashFromContext(r.Context()),
	})
}

// LoginFailed はログイン失敗時のリダイレクト先。
// GET /login/failed
func (h *AuthHandler) LoginFailed(w http.ResponseWriter, r *http.Request) {
	apiErr := model.NewUnauthorizedError()
	if f := middleware.FlashFromContext(r.Context()); f != nil {
		apiErr.Message = f.Message
	}
	middleware.WriteErrorResponse(w, http.StatusUnauthorized, apiErr)
}

func (h *AuthHandler) stateCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     oauthStateCookie,
		Value:    value,
		Path:     auth.CallbackPath,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.Cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}
