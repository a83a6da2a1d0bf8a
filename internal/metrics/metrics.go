// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はPrometheusメトリクスを収集する実装。
// auth.LoginRecorder、identity.Recorder、middleware.SessionRecorder、
// middleware.WebhookRecorder、middleware.RateLimitRecorderを満たす。
type Collector struct {
	loginOutcomes         *prometheus.CounterVec
	identityResolutions   *prometheus.CounterVec
	sessionDecodeFailures prometheus.Counter
	webhookResults        *prometheus.CounterVec
	rateLimited           prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		loginOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "subscast_login_total",
			Help: "ログイン試行の結果別の合計数。失敗は失敗したステージ名",
		}, []string{"stage"}),
		identityResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "subscast_identity_resolution_total",
			Help: "ユーザー解決の結果別の合計数。sourceは先に成功した試行",
		}, []string{"source", "outcome"}),
		sessionDecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "subscast_session_decode_failures_total",
			Help: "復号に失敗したセッションCookieの合計数",
		}),
		webhookResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "subscast_webhook_requests_total",
			Help: "Webhookリクエストの処理結果別の合計数",
		}, []string{"result"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "subscast_rate_limited_total",
			Help: "レート制限で拒否したリクエストの合計数",
		}),
	}

	reg.MustRegister(
		c.loginOutcomes,
		c.identityResolutions,
		c.sessionDecodeFailures,
		c.webhookResults,
		c.rateLimited,
	)

	return c
}

// RecordLogin はログイン結果を記録する。
func (c *Collector) RecordLogin(stage string) {
	c.loginOutcomes.WithLabelValues(stage).Inc()
}

// RecordIdentityResolution はユーザー解決の結果を記録する。
func (c *Collector) RecordIdentityResolution(source string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
		source = "none"
	}
	c.identityResolutions.WithLabelValues(source, outcome).Inc()
}

// RecordSessionDecodeFailure はセッションCookieの復号失敗を記録する。
func (c *Collector) RecordSessionDecodeFailure() {
	c.sessionDecodeFailures.Inc()
}

// RecordWebhook はWebhookの処理結果を記録する。
func (c *Collector) RecordWebhook(result string) {
	c.webhookResults.WithLabelValues(result).Inc()
}

// RecordRateLimited はレート制限による拒否を記録する。
func (c *Collector) RecordRateLimited() {
	c.rateLimited.Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
