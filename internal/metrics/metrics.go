// ============================================================================
// cube-builder Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露排程器運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 計數器 (Counter) - 累計值，只增不減：
//      - cube_builds_submitted_total: 已接受的建置數
//      - cube_jobs_dispatched_total{stage}: 已分派任務數
//      - cube_jobs_completed_total{stage,status}: 完成回報數（succeeded/failed/exhausted）
//      - cube_completions_stale_total: 被 CAS 拒絕的重複或過期回報
//      - cube_barriers_fired_total{stage}: 扇入計數器歸零次數
//
//   2. 性能指標 (Histogram)：
//      - cube_job_latency_seconds{stage}: 單次嘗試執行時間
//
//   3. 狀態指標 (Gauge)：
//      - cube_recovery_time_seconds: 最近一次恢復時間
//      - cube_jobs_pending / cube_jobs_in_flight: 當前佇列狀態
//
// Prometheus 查詢示例:
//
//   # 每個階段的失敗率
//   rate(cube_jobs_completed_total{status="failed"}[5m])
//     / rate(cube_jobs_dispatched_total[5m])
//
//   # blend 95 分位延遲
//   histogram_quantile(0.95, cube_job_latency_seconds_bucket{stage="blend"})
//
// HTTP 端點:
//   通過 /metrics 端點暴露，由 Prometheus 定期抓取
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/cube-builder/pkg/types"
)

// Collector Prometheus 指標收集器。nil Collector 的所有方法都是空操作
type Collector struct {
	buildsSubmitted prometheus.Counter
	jobsDispatched  *prometheus.CounterVec
	jobsCompleted   *prometheus.CounterVec
	staleCompletes  prometheus.Counter
	barriersFired   *prometheus.CounterVec

	jobLatency   *prometheus.HistogramVec
	recoveryTime prometheus.Gauge

	jobsPending  prometheus.Gauge
	jobsInFlight prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到預設 registerer
func NewCollector() *Collector {
	c := &Collector{
		buildsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cube_builds_submitted_total",
			Help: "Total number of accepted build requests",
		}),
		jobsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cube_jobs_dispatched_total",
			Help: "Total number of job dispatches",
		}, []string{"stage"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cube_jobs_completed_total",
			Help: "Total number of recorded job outcomes",
		}, []string{"stage", "status"}),
		staleCompletes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cube_completions_stale_total",
			Help: "Total number of duplicate or stale completions ignored",
		}),
		barriersFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cube_barriers_fired_total",
			Help: "Total number of fan-in counters that reached zero",
		}, []string{"stage"}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cube_job_latency_seconds",
			Help:    "Job attempt latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cube_recovery_time_seconds",
			Help: "Time taken to recover scheduler state in seconds",
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cube_jobs_pending",
			Help: "Current number of jobs queued for dispatch",
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cube_jobs_in_flight",
			Help: "Current number of dispatched jobs",
		}),
	}

	prometheus.MustRegister(c.buildsSubmitted)
	prometheus.MustRegister(c.jobsDispatched)
	prometheus.MustRegister(c.jobsCompleted)
	prometheus.MustRegister(c.staleCompletes)
	prometheus.MustRegister(c.barriersFired)
	prometheus.MustRegister(c.jobLatency)
	prometheus.MustRegister(c.recoveryTime)
	prometheus.MustRegister(c.jobsPending)
	prometheus.MustRegister(c.jobsInFlight)

	return c
}

// RecordSubmit 記錄建置被接受
func (c *Collector) RecordSubmit() {
	if c == nil {
		return
	}
	c.buildsSubmitted.Inc()
}

// RecordDispatch 記錄任務分派
func (c *Collector) RecordDispatch(stage types.Stage) {
	if c == nil {
		return
	}
	c.jobsDispatched.WithLabelValues(string(stage)).Inc()
}

// RecordOutcome 記錄一次嘗試的結果與執行時間
func (c *Collector) RecordOutcome(stage types.Stage, status types.JobStatus, latencySeconds float64) {
	if c == nil {
		return
	}
	c.jobsCompleted.WithLabelValues(string(stage), string(status)).Inc()
	c.jobLatency.WithLabelValues(string(stage)).Observe(latencySeconds)
}

// RecordStale 記錄被忽略的重複回報
func (c *Collector) RecordStale() {
	if c == nil {
		return
	}
	c.staleCompletes.Inc()
}

// RecordBarrier 記錄扇入計數器歸零，stage 為被釋放的下游階段
func (c *Collector) RecordBarrier(stage types.Stage) {
	if c == nil {
		return
	}
	c.barriersFired.WithLabelValues(string(stage)).Inc()
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(seconds)
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(pending, dispatched int) {
	if c == nil {
		return
	}
	c.jobsPending.Set(float64(pending))
	c.jobsInFlight.Set(float64(dispatched))
}

// Handler 回傳預設 gatherer 的 /metrics handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - addr: 監聽位址，例如 ":9090"
//
// 返回值：
//   - error: 啟動失敗的錯誤
func StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
