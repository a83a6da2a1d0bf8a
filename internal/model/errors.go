// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, webhook, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeInvalidWebhook = "INVALID_WEBHOOK"
	ErrCodeUserNotFound   = "USER_NOT_FOUND"
	ErrCodeRateLimited    = "RATE_LIMITED"
	ErrCodeCSRFInvalid    = "CSRF_TOKEN_INVALID"

	ErrCodeActiveSubscription = "ACTIVE_SUBSCRIPTION"
)

// NewUnauthorizedError は未ログイン時のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "ログインが必要です。",
		Category: "auth",
		Action:   "ログインしてから再度お試しください。",
	}
}

// NewInvalidWebhookError はWebhook検証失敗時のエラーを生成する。
// 失敗理由（ヘッダー不正・署名不一致・タイムスタンプ範囲外）は区別せず、
// 常に同じ内容を返す。検証オラクルとして使われることを防ぐ。
func NewInvalidWebhookError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidWebhook,
		Message:  "invalid webhook request",
		Category: "webhook",
		Action:   "",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewRateLimitedError はレート制限超過時のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewCSRFError はCSRFトークン検証失敗時のエラーを生成する。
func NewCSRFError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFInvalid,
		Message:  "リクエストを検証できませんでした。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewActiveSubscriptionError は有効なサブスクリプションが残っている状態で退会しようとした場合のエラーを生成する。
func NewActiveSubscriptionError() *APIError {
	return &APIError{
		Code:     ErrCodeActiveSubscription,
		Message:  "有効なサブスクリプションがあるため退会できません。",
		Category: "validation",
		Action:   "サブスクリプションを解約してから再度お試しください。",
	}
}

// ErrorKind は認証境界で発生する失敗の種別。
// クライアントには公開せず、サーバー側のログとメトリクスにのみ使用する。
type ErrorKind string

const (
	KindUnknown                  ErrorKind = "unknown"
	KindMissingAuthorizationCode ErrorKind = "missing_authorization_code"
	KindOAuthStateMismatch       ErrorKind = "oauth_state_mismatch"
	KindTokenExchangeFailed      ErrorKind = "token_exchange_failed"
	KindProfileFetchFailed       ErrorKind = "profile_fetch_failed"
	KindIdentityResolutionFailed ErrorKind = "identity_resolution_failed"
	KindSessionEncodeFailed      ErrorKind = "session_encode_failed"
	KindSessionDecodeFailed      ErrorKind = "session_decode_failed"
	KindSignatureHeaderMalformed ErrorKind = "signature_header_malformed"
	KindSignatureMismatch        ErrorKind = "signature_mismatch"
	KindTimestampOutOfTolerance  ErrorKind = "timestamp_out_of_tolerance"
)

// kindError は種別を持つセンチネルエラー。
type kindError struct {
	kind ErrorKind
	msg  string
}

func (e *kindError) Error() string { return e.msg }

// センチネルエラー。呼び出し側はfmt.Errorfの%wでラップして詳細を付与する。
var (
	ErrMissingAuthorizationCode = &kindError{KindMissingAuthorizationCode, "missing authorization code"}
	ErrOAuthStateMismatch       = &kindError{KindOAuthStateMismatch, "oauth state mismatch"}
	ErrTokenExchangeFailed      = &kindError{KindTokenExchangeFailed, "token exchange failed"}
	ErrProfileFetchFailed       = &kindError{KindProfileFetchFailed, "profile fetch failed"}
	ErrIdentityResolutionFailed = &kindError{KindIdentityResolutionFailed, "identity resolution failed"}
	ErrSessionEncodeFailed      = &kindError{KindSessionEncodeFailed, "session encode failed"}
	ErrSessionDecodeFailed      = &kindError{KindSessionDecodeFailed, "session decode failed"}
	ErrSignatureHeaderMalformed = &kindError{KindSignatureHeaderMalformed, "signature header malformed"}
	ErrSignatureMismatch        = &kindError{KindSignatureMismatch, "signature mismatch"}
	ErrTimestampOutOfTolerance  = &kindError{KindTimestampOutOfTolerance, "timestamp out of tolerance"}
)

// KindOf はラップされたエラーから種別を取り出す。
// 種別を持たないエラーにはKindUnknownを返す。
func KindOf(err error) ErrorKind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}
