// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ハンドラーやワーカーから利用する。
type MetricsCollector interface {
	RecordLinkIssued()
	RecordLinkConsumed()
	RecordLinkRejected(reason string)
	RecordExchange(success bool)
	RecordRefresh(success bool)
	RecordMessageSent(channel string)
	RecordHTTPStatus(statusCode int)
	RecordProviderLatency(duration time.Duration)
	RecordTokensSwept(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	linkIssued      prometheus.Counter
	linkConsumed    prometheus.Counter
	linkRejected    *prometheus.CounterVec
	exchange        *prometheus.CounterVec
	refresh         *prometheus.CounterVec
	messagesSent    *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
	providerLatency prometheus.Histogram
	tokensSwept     prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		linkIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "phonelink_link_tokens_issued_total",
			Help: "発行された認証リンクトークンの合計数",
		}),
		linkConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "phonelink_link_tokens_consumed_total",
			Help: "消費された認証リンクトークンの合計数",
		}),
		linkRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phonelink_link_tokens_rejected_total",
			Help: "拒否された認証リンクトークンの理由別合計数",
		}, []string{"reason"}),
		exchange: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phonelink_oauth_exchange_total",
			Help: "認可コード交換の結果別合計数",
		}, []string{"result"}),
		refresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phonelink_token_refresh_total",
			Help: "トークンリフレッシュの結果別合計数",
		}, []string{"result"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phonelink_messages_sent_total",
			Help: "配信されたメッセージのチャネル別合計数",
		}, []string{"channel"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phonelink_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		providerLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "phonelink_provider_latency_seconds",
			Help:    "OAuthプロバイダー呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		tokensSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "phonelink_link_tokens_swept_total",
			Help: "掃除された期限切れリンクトークンの合計数",
		}),
	}

	reg.MustRegister(
		c.linkIssued,
		c.linkConsumed,
		c.linkRejected,
		c.exchange,
		c.refresh,
		c.messagesSent,
		c.httpStatus,
		c.providerLatency,
		c.tokensSwept,
	)

	return c
}

// RecordLinkIssued はリンクトークンの発行を記録する。
func (c *Collector) RecordLinkIssued() {
	c.linkIssued.Inc()
}

// RecordLinkConsumed はリンクトークンの消費を記録する。
func (c *Collector) RecordLinkConsumed() {
	c.linkConsumed.Inc()
}

// RecordLinkRejected はリンクトークンの拒否を理由別に記録する。
func (c *Collector) RecordLinkRejected(reason string) {
	c.linkRejected.WithLabelValues(reason).Inc()
}

// RecordExchange は認可コード交換の結果を記録する。
func (c *Collector) RecordExchange(success bool) {
	c.exchange.WithLabelValues(resultLabel(success)).Inc()
}

// RecordRefresh はトークンリフレッシュの結果を記録する。
func (c *Collector) RecordRefresh(success bool) {
	c.refresh.WithLabelValues(resultLabel(success)).Inc()
}

// RecordMessageSent はメッセージ配信をチャネル別に記録する。
func (c *Collector) RecordMessageSent(channel string) {
	c.messagesSent.WithLabelValues(channel).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordProviderLatency はプロバイダー呼び出しのレイテンシを記録する。
func (c *Collector) RecordProviderLatency(duration time.Duration) {
	c.providerLatency.Observe(duration.Seconds())
}

// RecordTokensSwept は掃除された期限切れトークン数を記録する。
func (c *Collector) RecordTokensSwept(count int64) {
	c.tokensSwept.Add(float64(count))
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
