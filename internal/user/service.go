// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/subscast/internal/model"
	"github.com/hitoshi/subscast/internal/repository"
)

// SubscriptionFinder はユーザーのサブスクリプション状態の取得。
type SubscriptionFinder interface {
	FindSubscriptionByUserID(ctx context.Context, userID string) (*model.BillingSubscription, error)
}

// Service はユーザー管理のサービス層。
// 退会処理のビジネスロジックを提供する。
type Service struct {
	userRepo      repository.UserRepository
	subscriptions SubscriptionFinder
}

// NewService はServiceの新しいインスタンスを生成する。subscriptionsはnilでもよい。
func NewService(userRepo repository.UserRepository, subscriptions SubscriptionFinder) *Service {
	return &Service{
		userRepo:      userRepo,
		subscriptions: subscriptions,
	}
}

// Withdraw はユーザーの退会処理を実行する。
// 有効なサブスクリプションが残っている場合は削除しない。
// identitiesとbilling_customersはCASCADEで削除される。
//
// セッションはサーバー側に状態を持たないため、他の端末のCookieは失効しない。
// 削除後にそのCookieで/auth/meを呼ぶとユーザーが見つからず401となる。
func (s *Service) Withdraw(ctx context.Context, userID string) error {
	// ユーザー存在確認
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return model.NewUserNotFoundError()
	}

	// 1. 有効なサブスクリプションの確認
	if s.subscriptions != nil {
		sub, err := s.subscriptions.FindSubscriptionByUserID(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to find subscription: %w", err)
		}
		if sub != nil && sub.Status.GrantsAccess() {
			return model.NewActiveSubscriptionError()
		}
	}

	slog.Info("withdrawing user",
		slog.String("user_id", userID),
	)

	// 2. ユーザーを削除
	if err := s.userRepo.DeleteByID(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}

	slog.Info("user withdrawn",
		slog.String("user_id", userID),
	)

	return nil
}
