package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/subscast/internal/middleware"
	"github.com/hitoshi/subscast/internal/model"
	"github.com/hitoshi/subscast/internal/session"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	// Withdraw はユーザーの退会処理を実行する。
	// user、identities、billing_customersを削除する。
	Withdraw(ctx context.Context, userID string) error
}

// SignedOutCookieIssuer は退会後に発行する匿名セッションのCookie値を返す。
// auth.Serviceが実装する。
type SignedOutCookieIssuer interface {
	LogoutCookieValue() (string, error)
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
	cookies SignedOutCookieIssuer
	cookie  session.CookieConfig
	now     func() time.Time
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface, cookies SignedOutCookieIssuer, cookie session.CookieConfig) *UserHandler {
	return &UserHandler{
		service: service,
		cookies: cookies,
		cookie:  cookie,
		now:     time.Now,
	}
}

// Withdraw はユーザーの退会処理を実行し、セッションCookieを匿名のものに置き換える。
// DELETE /auth/me
func (h *UserHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	if err := h.service.Withdraw(r.Context(), userID); err != nil {
		handleServiceError(w, err)
		return
	}

	if value, err := h.cookies.LogoutCookieValue(); err == nil {
		http.SetCookie(w, session.NewCookie(value, h.cookie, h.now()))
	} else {
		slog.Error("failed to encode withdraw flash", slog.String("error", err.Error()))
		http.SetCookie(w, session.ExpiredCookie(h.cookie))
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleServiceError はサービス層のエラーをHTTPレスポンスに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		slog.Error("service error", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	status := http.StatusBadRequest
	switch apiErr.Code {
	case model.ErrCodeUnauthorized, model.ErrCodeUserNotFound:
		status = http.StatusUnauthorized
	case model.ErrCodeActiveSubscription:
		status = http.StatusConflict
	}
	middleware.WriteErrorResponse(w, status, apiErr)
}
