// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ワーカーやサービス層から利用する。
type MetricsCollector interface {
	RecordDispatchOutcome(outcome string)
	RecordClaimConflict()
	RecordQuotaExhausted()
	RecordAnalysisCacheHit()
	RecordAnalysisCacheMiss()
	RecordPublishLatency(duration time.Duration)
	SetQueueDepth(status string, count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	dispatchOutcome   *prometheus.CounterVec
	claimConflict     prometheus.Counter
	quotaExhausted    prometheus.Counter
	analysisCacheHit  prometheus.Counter
	analysisCacheMiss prometheus.Counter
	publishLatency    prometheus.Histogram
	queueDepth        *prometheus.GaugeVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		dispatchOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uploadman_dispatch_outcome_total",
			Help: "ディスパッチ結果別の処理件数",
		}, []string{"outcome"}),
		claimConflict: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uploadman_claim_conflict_total",
			Help: "キューアイテム確保時の競合発生数",
		}),
		quotaExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uploadman_quota_exhausted_total",
			Help: "全候補チャンネルのクォータ枯渇によるpending差し戻し数",
		}),
		analysisCacheHit: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uploadman_analysis_cache_hit_total",
			Help: "解析キャッシュヒットの合計数",
		}),
		analysisCacheMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uploadman_analysis_cache_miss_total",
			Help: "解析キャッシュミスの合計数",
		}),
		publishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "uploadman_publish_latency_seconds",
			Help:    "投稿呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "uploadman_queue_depth",
			Help: "ステータス別のキュー滞留件数",
		}, []string{"status"}),
	}

	reg.MustRegister(
		c.dispatchOutcome,
		c.claimConflict,
		c.quotaExhausted,
		c.analysisCacheHit,
		c.analysisCacheMiss,
		c.publishLatency,
		c.queueDepth,
	)

	return c
}

// RecordDispatchOutcome はディスパッチ結果を記録する。
// outcomeはuploaded / failed / requeued / quota_exhaustedのいずれか。
func (c *Collector) RecordDispatchOutcome(outcome string) {
	c.dispatchOutcome.WithLabelValues(outcome).Inc()
}

// RecordClaimConflict はキューアイテム確保時の競合を記録する。
func (c *Collector) RecordClaimConflict() {
	c.claimConflict.Inc()
}

// RecordQuotaExhausted は全候補チャンネルのクォータ枯渇を記録する。
func (c *Collector) RecordQuotaExhausted() {
	c.quotaExhausted.Inc()
}

// RecordAnalysisCacheHit は解析キャッシュヒットを記録する。
func (c *Collector) RecordAnalysisCacheHit() {
	c.analysisCacheHit.Inc()
}

// RecordAnalysisCacheMiss は解析キャッシュミスを記録する。
func (c *Collector) RecordAnalysisCacheMiss() {
	c.analysisCacheMiss.Inc()
}

// RecordPublishLatency は投稿呼び出しのレイテンシを記録する。
func (c *Collector) RecordPublishLatency(duration time.Duration) {
	c.publishLatency.Observe(duration.Seconds())
}

// SetQueueDepth はステータス別のキュー滞留件数を設定する。
func (c *Collector) SetQueueDepth(status string, count int) {
	c.queueDepth.WithLabelValues(status).Set(float64(count))
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
