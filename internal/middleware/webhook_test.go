package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/subscast/internal/model"
	"github.com/hitoshi/subscast/internal/webhook"
)

var (
	webhookSecret = []byte("whsec_gate_test")
	webhookNow    = time.Unix(1700000000, 0)
	webhookBody   = []byte(`{"id":"evt_1","type":"customer.subscription.updated","data":{"object":{"id":"sub_1","customer":"cus_1","status":"active"}}}`)
)

type mockWebhookRecorder struct {
	results []string
}

func (m *mockWebhookRecorder) RecordWebhook(result string) { m.results = append(m.results, result) }

type recordingHandler struct {
	events []*webhook.Event
	err    error
}

func (h *recordingHandler) HandleEvent(_ context.Context, e *webhook.Event) error {
	h.events = append(h.events, e)
	return h.err
}

func newTestGate(t *testing.T, h webhook.Handler, rec WebhookRecorder) http.Handler {
	t.Helper()
	v, err := webhook.NewVerifier([][]byte{webhookSecret}, webhook.WithClock(func() time.Time { return webhookNow }))
	require.NoError(t, err)
	return NewWebhookGate(v, h, WebhookGateConfig{MaxBodyBytes: 1024, Recorder: rec})
}

func postWebhook(gate http.Handler, body []byte, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader(body))
	if header != "" {
		req.Header.Set(webhook.SignatureHeader, header)
	}
	rec := httptest.NewRecorder()
	gate.ServeHTTP(rec, req)
	return rec
}

func signedHeader(body []byte, at time.Time) string {
	return "t=" + strconv.FormatInt(at.Unix(), 10) + ",v1=" + webhook.ComputeSignature(webhookSecret, at.Unix(), body)
}

func TestWebhookGate_ValidSignature_DeliversEvent(t *testing.T) {
	h := &recordingHandler{}
	rec := &mockWebhookRecorder{}
	gate := newTestGate(t, h, rec)

	resp := postWebhook(gate, webhookBody, signedHeader(webhookBody, webhookNow))

	assert.Equal(t, http.StatusOK, resp.Code)
	require.Len(t, h.events, 1)
	assert.Equal(t, "evt_1", h.events[0].ID)
	assert.Equal(t, webhook.EventSubscriptionUpdated, h.events[0].Type)
	assert.Equal(t, []string{WebhookAccepted}, rec.results)
}

func TestWebhookGate_Rejections_AreGenericAndSideEffectFree(t *testing.T) {
	stale := webhookNow.Add(-10 * time.Minute)
	tampered := bytes.Replace(webhookBody, []byte("active"), []byte("activf"), 1)

	tests := []struct {
		name     string
		body     []byte
		header   string
		wantKind string
	}{
		{"missing header", webhookBody, "", string(model.KindSignatureHeaderMalformed)},
		{"malformed header", webhookBody, "garbage", string(model.KindSignatureHeaderMalformed)},
		{"wrong signature", webhookBody, "t=1700000000,v1=" + strings.Repeat("ab", 32), string(model.KindSignatureMismatch)},
		{"tampered body", tampered, signedHeader(webhookBody, webhookNow), string(model.KindSignatureMismatch)},
		{"replayed", webhookBody, signedHeader(webhookBody, stale), string(model.KindTimestampOutOfTolerance)},
		{"too large", bytes.Repeat([]byte("a"), 2048), signedHeader(webhookBody, webhookNow), WebhookBodyRejected},
	}

	var bodies []string
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &recordingHandler{}
			rec := &mockWebhookRecorder{}
			resp := postWebhook(newTestGate(t, h, rec), tt.body, tt.header)

			assert.Equal(t, http.StatusBadRequest, resp.Code)
			assert.Empty(t, h.events, "検証失敗時にハンドラーを呼び出さないこと")
			assert.Equal(t, []string{tt.wantKind}, rec.results)
			bodies = append(bodies, resp.Body.String())
		})
	}

	// 失敗理由によらずレスポンスは同一
	for _, b := range bodies {
		assert.Equal(t, bodies[0], b)
	}
}

func TestWebhookGate_VerifiedButMalformedJSON(t *testing.T) {
	h := &recordingHandler{}
	rec := &mockWebhookRecorder{}
	body := []byte(`not json`)

	resp := postWebhook(newTestGate(t, h, rec), body, signedHeader(body, webhookNow))

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Empty(t, h.events)
	assert.Equal(t, []string{WebhookMalformedEvent}, rec.results)
}

func TestWebhookGate_HandlerError_Returns500(t *testing.T) {
	h := &recordingHandler{err: errors.New("db down")}
	rec := &mockWebhookRecorder{}

	resp := postWebhook(newTestGate(t, h, rec), webhookBody, signedHeader(webhookBody, webhookNow))

	assert.Equal(t, http.StatusInternalServerError, resp.Code)
	assert.NotContains(t, resp.Body.String(), "db down")
	assert.Equal(t, []string{WebhookHandlerFailed}, rec.results)
}

func TestWebhookGate_CustomSignatureHeader(t *testing.T) {
	v, err := webhook.NewVerifier([][]byte{webhookSecret}, webhook.WithClock(func() time.Time { return webhookNow }))
	require.NoError(t, err)
	h := &recordingHandler{}
	gate := NewWebhookGate(v, h, WebhookGateConfig{SignatureHeader: "X-Billing-Signature"})

	// 既定のヘッダー名では受け付けない
	resp := postWebhook(gate, webhookBody, signedHeader(webhookBody, webhookNow))
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Empty(t, h.events)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader(webhookBody))
	req.Header.Set("X-Billing-Signature", signedHeader(webhookBody, webhookNow))
	rec := httptest.NewRecorder()
	gate.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, h.events, 1)
	assert.Equal(t, "evt_1", h.events[0].ID)
}
