// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// パイプライン名
const (
	PipelinePosts    = "posts"
	PipelineComments = "comments"
)

// 同期結果
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultCanceled = "canceled"
)

// ResultOf は同期エラーを結果ラベルに変換する。
func ResultOf(err error) string {
	switch {
	case err == nil:
		return ResultSuccess
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ResultCanceled
	default:
		return ResultFailure
	}
}

// 書き込み種別
const (
	OpInsert = "insert"
	OpUpdate = "update"
)

// SyncRecorder は同期パイプラインのメトリクス記録インターフェース。
// postサービス、commentサービス、ワーカーから利用する。
type SyncRecorder interface {
	RecordSyncRun(pipeline, result string, duration time.Duration)
	RecordSyncSkipped(pipeline string)
	RecordItemsFetched(pipeline string, count int)
	RecordRowWritten(table, op string)
	RecordRowUnchanged(table string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	syncRuns      *prometheus.CounterVec
	syncSkipped   *prometheus.CounterVec
	itemsFetched  *prometheus.CounterVec
	rowsWritten   *prometheus.CounterVec
	rowsUnchanged *prometheus.CounterVec
	syncDuration  *prometheus.HistogramVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yahn_sync_runs_total",
			Help: "同期実行の合計数（パイプライン・結果別）",
		}, []string{"pipeline", "result"}),
		syncSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yahn_sync_skipped_total",
			Help: "キャッシュが新しいためスキップされた同期の合計数",
		}, []string{"pipeline"}),
		itemsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yahn_items_fetched_total",
			Help: "リモートから取得したアイテムの合計数",
		}, []string{"pipeline"}),
		rowsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yahn_rows_written_total",
			Help: "ストアに書き込んだ行の合計数",
		}, []string{"table", "op"}),
		rowsUnchanged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yahn_rows_unchanged_total",
			Help: "差分がないため書き込みを省略した行の合計数",
		}, []string{"table"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "yahn_sync_duration_seconds",
			Help:    "同期実行の所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"pipeline"}),
	}

	reg.MustRegister(
		c.syncRuns,
		c.syncSkipped,
		c.itemsFetched,
		c.rowsWritten,
		c.rowsUnchanged,
		c.syncDuration,
	)

	return c
}

// RecordSyncRun は同期実行の結果と所要時間を記録する。
func (c *Collector) RecordSyncRun(pipeline, result string, duration time.Duration) {
	c.syncRuns.WithLabelValues(pipeline, result).Inc()
	c.syncDuration.WithLabelValues(pipeline).Observe(duration.Seconds())
}

// RecordSyncSkipped はスキップされた同期を記録する。
func (c *Collector) RecordSyncSkipped(pipeline string) {
	c.syncSkipped.WithLabelValues(pipeline).Inc()
}

// RecordItemsFetched は取得したアイテム数を記録する。
func (c *Collector) RecordItemsFetched(pipeline string, count int) {
	c.itemsFetched.WithLabelValues(pipeline).Add(float64(count))
}

// RecordRowWritten は行の書き込みを記録する。
func (c *Collector) RecordRowWritten(table, op string) {
	c.rowsWritten.WithLabelValues(table, op).Inc()
}

// RecordRowUnchanged は書き込みを省略した行を記録する。
func (c *Collector) RecordRowUnchanged(table string) {
	c.rowsUnchanged.WithLabelValues(table).Inc()
}

// Nop は何も記録しないSyncRecorder。CLIの単発実行やテストで使用する。
type Nop struct{}

func (Nop) RecordSyncRun(string, string, time.Duration) {}
func (Nop) RecordSyncSkipped(string)                    {}
func (Nop) RecordItemsFetched(string, int)              {}
func (Nop) RecordRowWritten(string, string)             {}
func (Nop) RecordRowUnchanged(string)                   {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
