// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Identity は外部IdPとの紐付け情報を表す。
// (Provider, ProviderUserID) の組がローカルユーザーへの永続的な結合キーとなる。
// メールアドレスは変更されうるため結合キーには使用しない。
type Identity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// ExternalProfile はOAuthプロバイダーから見たユーザー情報。
type ExternalProfile struct {
	Provider    string
	ExternalID  string
	Email       string
	DisplayName string
}

// FlashPriority はフラッシュメッセージの重要度。
type FlashPriority string

const (
	FlashInfo    FlashPriority = "info"
	FlashSuccess FlashPriority = "success"
	FlashWarning FlashPriority = "warning"
	FlashError   FlashPriority = "error"
)

// Flash は次の1回のページ表示でのみ表示されるメッセージ。
type Flash struct {
	Priority FlashPriority `json:"p"`
	Message  string        `json:"m"`
}

// Session はセッションCookieに載せるログイン状態を表す。
// UserIDが空の場合は匿名セッション。
// リクエストをまたいでインプレースに変更せず、変更時は丸ごと差し替えて再署名する。
type Session struct {
	UserID string `json:"uid,omitempty"`
	Flash  *Flash `json:"f,omitempty"`
}

// IsAuthenticated はセッションがユーザーIDを持つかを返す。
func (s Session) IsAuthenticated() bool {
	return s.UserID != ""
}

// WithoutFlash はフラッシュメッセージを取り除いたコピーを返す。
func (s Session) WithoutFlash() Session {
	return Session{UserID: s.UserID}
}
