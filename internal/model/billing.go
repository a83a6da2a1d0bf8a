package model

import "time"

// SubscriptionStatus は決済プロバイダー側のサブスクリプション状態。
type SubscriptionStatus string

const (
	SubscriptionActive     SubscriptionStatus = "active"
	SubscriptionTrialing   SubscriptionStatus = "trialing"
	SubscriptionPastDue    SubscriptionStatus = "past_due"
	SubscriptionUnpaid     SubscriptionStatus = "unpaid"
	SubscriptionCanceled   SubscriptionStatus = "canceled"
	SubscriptionIncomplete SubscriptionStatus = "incomplete"
)

// GrantsAccess は会員向けコンテンツの閲覧を許可する状態かを返す。
func (s SubscriptionStatus) GrantsAccess() bool {
	return s == SubscriptionActive || s == SubscriptionTrialing
}

// BillingSubscription はユーザーに紐づくサブスクリプション情報。
type BillingSubscription struct {
	CustomerID       string
	SubscriptionID   string
	Status           SubscriptionStatus
	CurrentPeriodEnd time.Time
	UpdatedAt        time.Time
}

// BillingCustomer はローカルユーザーと決済プロバイダーの顧客IDの紐付け。
type BillingCustomer struct {
	UserID     string
	CustomerID string
	CreatedAt  time.Time
}
