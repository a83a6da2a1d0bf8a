package middleware

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/hitoshi/subscast/internal/model"
	"github.com/hitoshi/subscast/internal/webhook"
)

// DefaultWebhookMaxBodyBytes はWebhookボディとして受け付ける最大サイズ。
const DefaultWebhookMaxBodyBytes int64 = 64 << 10

// Webhookの処理結果。メトリクスのラベルに使用する。
const (
	WebhookAccepted       = "accepted"
	WebhookBodyRejected   = "body_rejected"
	WebhookMalformedEvent = "malformed_event"
	WebhookHandlerFailed  = "handler_failed"
)

// WebhookVerifier は署名ヘッダーと生ボディを検証する。webhook.Verifierが実装する。
type WebhookVerifier interface {
	Verify(body []byte, header string) (*webhook.SignedPayload, error)
}

// WebhookRecorder はWebhookの処理結果を記録する。metrics.Collectorが実装する。
type WebhookRecorder interface {
	RecordWebhook(result string)
}

// WebhookGateConfig はWebhookゲートの設定。
type WebhookGateConfig struct {
	MaxBodyBytes int64
	// SignatureHeader は署名を読み取るヘッダー名。空の場合はwebhook.SignatureHeader。
	SignatureHeader string
	Recorder        WebhookRecorder
}

// NewWebhookGate は署名検証を通過したイベントのみをhandlerに渡すhttp.Handlerを返す。
//
// 受信したボディはバイト列のまま検証に使い、検証前にJSONとして解釈しない。
// 検証失敗とパース失敗は理由によらず同じ400レスポンスを返し、handlerは呼び出さない。
// handlerがエラーを返した場合は500を返し、送信元に再送させる。
func NewWebhookGate(verifier WebhookVerifier, handler webhook.Handler, config WebhookGateConfig) http.Handler {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultWebhookMaxBodyBytes
	}
	if config.SignatureHeader == "" {
		config.SignatureHeader = webhook.SignatureHeader
	}

	record := func(result string) {
		if config.Recorder != nil {
			config.Recorder.RecordWebhook(result)
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()

		// 1. 生ボディを読み込む
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, config.MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			slog.Warn("webhook body rejected",
				slog.String("request_id", requestID),
				slog.Bool("too_large", errors.As(err, &tooLarge)),
			)
			record(WebhookBodyRejected)
			rejectWebhook(w)
			return
		}

		// 2. 署名とタイムスタンプを検証
		payload, err := verifier.Verify(body, r.Header.Get(config.SignatureHeader))
		if err != nil {
			kind := model.KindOf(err)
			slog.Warn("webhook verification failed",
				slog.String("request_id", requestID),
				slog.String("kind", string(kind)),
			)
			record(string(kind))
			rejectWebhook(w)
			return
		}

		// 3. 検証済みボディをイベントとして解釈
		event, err := webhook.ParseEvent(payload.Payload)
		if err != nil {
			slog.Warn("verified webhook has malformed body",
				slog.String("request_id", requestID),
				slog.String("error", err.Error()),
			)
			record(WebhookMalformedEvent)
			rejectWebhook(w)
			return
		}

		// 4. ドメインハンドラーに委譲
		if err := handler.HandleEvent(r.Context(), event); err != nil {
			slog.Error("webhook handler failed",
				slog.String("request_id", requestID),
				slog.String("event_id", event.ID),
				slog.String("event_type", event.Type),
				slog.String("error", err.Error()),
			)
			record(WebhookHandlerFailed)
			WriteInternalServerError(w)
			return
		}

		slog.Info("webhook accepted",
			slog.String("request_id", requestID),
			slog.String("event_id", event.ID),
			slog.String("event_type", event.Type),
		)
		record(WebhookAccepted)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"received":true}`))
	})
}

// rejectWebhook は失敗理由を含まない400レスポンスを書き込む。
func rejectWebhook(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidWebhookError())
}
