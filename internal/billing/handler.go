// Package billing は決済プロバイダーのWebhookイベントを課金状態に反映する。
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/subscast/internal/model"
	"github.com/hitoshi/subscast/internal/repository"
	"github.com/hitoshi/subscast/internal/webhook"
)

// DefaultStorageTimeout はストレージ呼び出し1回あたりのデフォルトのタイムアウト。
const DefaultStorageTimeout = 5 * time.Second

// Store はイベント処理に必要な永続化操作。repository.BillingRepositoryが実装する。
type Store interface {
	LinkCustomer(ctx context.Context, userID, customerID string) error
	UpsertSubscription(ctx context.Context, sub *model.BillingSubscription) error
}

// Handler は検証済みの課金イベントを処理する。
// 返したエラーはWebhookの再送対象となるため、再送しても解決しない問題はログに残して受理する。
type Handler struct {
	store   Store
	timeout time.Duration
	now     func() time.Time
}

// NewHandler はHandlerを生成する。timeoutが0以下の場合はDefaultStorageTimeoutを使用する。
func NewHandler(store Store, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = DefaultStorageTimeout
	}
	return &Handler{store: store, timeout: timeout, now: time.Now}
}

// HandleEvent はイベント種別ごとに処理を振り分ける。未知の種別は無視する。
func (h *Handler) HandleEvent(ctx context.Context, e *webhook.Event) error {
	switch e.Type {
	case webhook.EventCheckoutSessionCompleted:
		return h.handleCheckoutCompleted(ctx, e)
	case webhook.EventSubscriptionCreated, webhook.EventSubscriptionUpdated, webhook.EventSubscriptionDeleted:
		return h.handleSubscriptionChanged(ctx, e)
	default:
		slog.Debug("ignoring billing event",
			slog.String("event_id", e.ID),
			slog.String("event_type", e.Type),
		)
		return nil
	}
}

// handleCheckoutCompleted はclient_reference_idのユーザーに顧客IDを紐付ける。
func (h *Handler) handleCheckoutCompleted(ctx context.Context, e *webhook.Event) error {
	var cs webhook.CheckoutSession
	if err := e.DecodeObject(&cs); err != nil {
		h.dropped(e, "undecodable checkout session", err)
		return nil
	}
	if cs.ClientReferenceID == "" || cs.Customer == "" {
		h.dropped(e, "checkout session without client_reference_id or customer", nil)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	if err := h.store.LinkCustomer(ctx, cs.ClientReferenceID, cs.Customer); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			h.dropped(e, "checkout session for unknown user", err)
			return nil
		}
		return fmt.Errorf("failed to link customer for %s: %w", e.ID, err)
	}

	slog.Info("billing customer linked",
		slog.String("event_id", e.ID),
		slog.String("user_id", cs.ClientReferenceID),
	)
	return nil
}

// handleSubscriptionChanged はサブスクリプションの状態と期間終了を保存する。
func (h *Handler) handleSubscriptionChanged(ctx context.Context, e *webhook.Event) error {
	var sub webhook.Subscription
	if err := e.DecodeObject(&sub); err != nil {
		h.dropped(e, "undecodable subscription", err)
		return nil
	}
	if sub.ID == "" || sub.Customer == "" {
		h.dropped(e, "subscription without id or customer", nil)
		return nil
	}

	status := model.SubscriptionStatus(sub.Status)
	if e.Type == webhook.EventSubscriptionDeleted || status == "" {
		status = model.SubscriptionCanceled
	}

	record := &model.BillingSubscription{
		CustomerID:     sub.Customer,
		SubscriptionID: sub.ID,
		Status:         status,
		UpdatedAt:      h.now(),
	}
	if e.Created > 0 {
		record.UpdatedAt = time.Unix(e.Created, 0)
	}
	if sub.CurrentPeriodEnd > 0 {
		record.CurrentPeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0)
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	if err := h.store.UpsertSubscription(ctx, record); err != nil {
		return fmt.Errorf("failed to store subscription for %s: %w", e.ID, err)
	}

	slog.Info("billing subscription stored",
		slog.String("event_id", e.ID),
		slog.String("subscription_id", sub.ID),
		slog.String("status", string(status)),
	)
	return nil
}

func (h *Handler) dropped(e *webhook.Event, reason string, err error) {
	attrs := []any{
		slog.String("event_id", e.ID),
		slog.String("event_type", e.Type),
		slog.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	slog.Warn("billing event acknowledged without effect", attrs...)
}

// compile-time interface check
var _ webhook.Handler = (*Handler)(nil)
