// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"

	"github.com/hitoshi/subscast/internal/model"
)

// ErrUserNotFound は参照先のユーザーが存在しないことを示す。
var ErrUserNotFound = errors.New("user not found")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するidentities、billing_customersはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
// identity.Storeを満たす。
type IdentityRepository interface {
	// FindUserIDByExternalID はproviderとprovider_user_idに紐づくユーザーIDを返す。
	// 見つからない場合は空文字を返す。
	FindUserIDByExternalID(ctx context.Context, provider, externalID string) (string, error)

	// CreateFromProfile はユーザーとidentityを同一トランザクションで作成し、ユーザーIDを返す。
	// 同じ外部IDのidentityが既に存在する場合は作成せず、既存のユーザーIDを返す。
	CreateFromProfile(ctx context.Context, profile *model.ExternalProfile) (string, error)
}

// BillingRepository は決済プロバイダーの顧客・サブスクリプション情報の永続化インターフェース。
type BillingRepository interface {
	// LinkCustomer は顧客IDをユーザーに紐付ける。同じ顧客IDの再送は上書きする。
	// ユーザーが存在しない場合はErrUserNotFoundを返す。
	LinkCustomer(ctx context.Context, userID, customerID string) error

	// UpsertSubscription はサブスクリプション状態を保存する。
	// 保存済みの状態より古いUpdatedAtの更新は無視する。
	UpsertSubscription(ctx context.Context, sub *model.BillingSubscription) error

	// FindSubscriptionByUserID はユーザーの最新のサブスクリプションを返す。見つからない場合はnilを返す。
	FindSubscriptionByUserID(ctx context.Context, userID string) (*model.BillingSubscription, error)
}
