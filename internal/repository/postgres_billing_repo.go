package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/subscast/internal/model"
)

// PostgresBillingRepo はPostgreSQLを使用した課金情報リポジトリ。
type PostgresBillingRepo struct {
	db *sql.DB
}

// NewPostgresBillingRepo はPostgresBillingRepoを生成する。
func NewPostgresBillingRepo(db *sql.DB) *PostgresBillingRepo {
	return &PostgresBillingRepo{db: db}
}

// LinkCustomer は顧客IDをユーザーに紐付ける。
// ユーザーが存在しない、またはユーザーIDがUUIDとして不正な場合はErrUserNotFoundを返す。
func (r *PostgresBillingRepo) LinkCustomer(ctx context.Context, userID, customerID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO billing_customers (customer_id, user_id, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (customer_id) DO UPDATE SET user_id = EXCLUDED.user_id`,
		customerID, userID, time.Now().UTC(),
	)
	if err != nil {
		switch pqCode(err) {
		case pqForeignKeyViolation, pqInvalidTextRepresent:
			return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return fmt.Errorf("failed to link billing customer: %w", err)
	}
	return nil
}

// UpsertSubscription はサブスクリプション状態を保存する。
// 順不同に届くイベントで新しい状態を上書きしないよう、UpdatedAtが古い更新は無視する。
func (r *PostgresBillingRepo) UpsertSubscription(ctx context.Context, sub *model.BillingSubscription) error {
	var periodEnd sql.NullTime
	if !sub.CurrentPeriodEnd.IsZero() {
		periodEnd = sql.NullTime{Time: sub.CurrentPeriodEnd.UTC(), Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO billing_subscriptions (subscription_id, customer_id, status, current_period_end, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (subscription_id) DO UPDATE SET
		   customer_id = EXCLUDED.customer_id,
		   status = EXCLUDED.status,
		   current_period_end = EXCLUDED.current_period_end,
		   updated_at = EXCLUDED.updated_at
		 WHERE billing_subscriptions.updated_at <= EXCLUDED.updated_at`,
		sub.SubscriptionID, sub.CustomerID, string(sub.Status), periodEnd, sub.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert billing subscription: %w", err)
	}
	return nil
}

// FindSubscriptionByUserID はユーザーの最新のサブスクリプションを返す。見つからない場合はnilを返す。
func (r *PostgresBillingRepo) FindSubscriptionByUserID(ctx context.Context, userID string) (*model.BillingSubscription, error) {
	sub := &model.BillingSubscription{}
	var status string
	var periodEnd sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT s.customer_id, s.subscription_id, s.status, s.current_period_end, s.updated_at
		 FROM billing_subscriptions s
		 JOIN billing_customers c ON c.customer_id = s.customer_id
		 WHERE c.user_id = $1
		 ORDER BY s.updated_at DESC
		 LIMIT 1`,
		userID,
	).Scan(&sub.CustomerID, &sub.SubscriptionID, &status, &periodEnd, &sub.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) || pqCode(err) == pqInvalidTextRepresent {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find billing subscription: %w", err)
	}

	sub.Status = model.SubscriptionStatus(status)
	if periodEnd.Valid {
		sub.CurrentPeriodEnd = periodEnd.Time
	}
	return sub, nil
}

// compile-time interface check
var _ BillingRepository = (*PostgresBillingRepo)(nil)
