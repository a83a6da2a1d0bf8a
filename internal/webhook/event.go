package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// 受信を想定するイベント種別。
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventSubscriptionCreated      = "customer.subscription.created"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
)

// Event は決済プロバイダーのイベント封筒。
// data.objectはイベント種別ごとに形が異なるため生のまま保持する。
type Event struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Created  int64  `json:"created"`
	Livemode bool   `json:"livemode"`
	Data     struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// CheckoutSession はcheckout.session.completedのdata.object。
type CheckoutSession struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	ClientReferenceID string `json:"client_reference_id"`
	Subscription      string `json:"subscription"`
	Mode              string `json:"mode"`
}

// Subscription はcustomer.subscription.*のdata.object。
type Subscription struct {
	ID               string `json:"id"`
	Customer         string `json:"customer"`
	Status           string `json:"status"`
	CurrentPeriodEnd int64  `json:"current_period_end"`
}

// ParseEvent は検証済みの生ボディをEventにパースする。
// 署名検証より前に呼び出してはならない。
func ParseEvent(body []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("failed to parse webhook event: %w", err)
	}
	if e.ID == "" || e.Type == "" {
		return nil, errors.New("webhook event is missing id or type")
	}
	return &e, nil
}

// DecodeObject はdata.objectを指定の型にデコードする。
func (e *Event) DecodeObject(v any) error {
	if len(e.Data.Object) == 0 {
		return fmt.Errorf("event %s has no data.object", e.ID)
	}
	if err := json.Unmarshal(e.Data.Object, v); err != nil {
		return fmt.Errorf("failed to decode data.object of %s: %w", e.Type, err)
	}
	return nil
}

// Handler は検証済みイベントを処理するドメインハンドラー。
type Handler interface {
	HandleEvent(ctx context.Context, e *Event) error
}

// HandlerFunc は関数をHandlerとして扱うためのアダプタ。
type HandlerFunc func(ctx context.Context, e *Event) error

// HandleEvent はf(ctx, e)を呼び出す。
func (f HandlerFunc) HandleEvent(ctx context.Context, e *Event) error {
	return f(ctx, e)
}
