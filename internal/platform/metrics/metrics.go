// Package metrics はジョブキュー・プロキシプール・ワーカーの Prometheus メトリクスを提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jinford/linkforge/internal/core/job"
)

const namespace = "linkforge"

// Metrics は linkforge の全メトリクスを保持する
type Metrics struct {
	// ジョブキュー
	JobsClaimed          prometheus.Counter
	JobsFinished         *prometheus.CounterVec
	StaleLeaseRejections *prometheus.CounterVec
	StaleLeaseGauge      prometheus.Gauge

	// プロキシプール
	ProxyErrors        prometheus.Counter
	ProxyBlacklistings prometheus.Counter

	// ワーカー
	ActiveWorkers     prometheus.Gauge
	PlacementDuration *prometheus.HistogramVec

	// スケジューラ
	SchedulerRuns *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New は reg にメトリクスを登録して返す。reg が nil の場合は新しいレジストリを使う。
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	m := &Metrics{gatherer: reg}
	initJobMetrics(factory, m)
	initProxyMetrics(factory, m)
	initWorkerMetrics(factory, m)
	return m
}

func initJobMetrics(f promauto.Factory, m *Metrics) {
	m.JobsClaimed = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_claimed_total",
		Help:      "Total jobs leased to workers",
	})

	m.JobsFinished = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_finished_total",
		Help:      "Job reports by resulting status and error code",
	}, []string{"status", "error_code"})

	m.StaleLeaseRejections = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stale_lease_rejected_total",
		Help:      "Reports rejected because the lease token no longer matched",
	}, []string{"op"})

	m.StaleLeaseGauge = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stale_leases",
		Help:      "Leases older than the TTL at the last sweep",
	})
}

func initProxyMetrics(f promauto.Factory, m *Metrics) {
	m.ProxyErrors = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "proxy_errors_total",
		Help:      "Proxy errors recorded by workers",
	})

	m.ProxyBlacklistings = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "proxy_blacklisted_total",
		Help:      "Proxies automatically blacklisted after repeated errors",
	})
}

func initWorkerMetrics(f promauto.Factory, m *Metrics) {
	m.ActiveWorkers = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_workers",
		Help:      "Worker goroutines currently executing a job",
	})

	m.PlacementDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "placement_duration_seconds",
		Help:      "Time from start to report for a single job",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800},
	}, []string{"action", "status"})

	m.SchedulerRuns = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduler_runs_total",
		Help:      "Maintenance task executions by task and result",
	}, []string{"task", "result"})
}

// Handler は /metrics 用の HTTP ハンドラを返す
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// JobClaimed は job.Recorder の実装
func (m *Metrics) JobClaimed() {
	m.JobsClaimed.Inc()
}

// JobFinished は job.Recorder の実装
func (m *Metrics) JobFinished(status job.Status, code *job.ErrorCode) {
	label := ""
	if code != nil {
		label = string(*code)
	}
	m.JobsFinished.WithLabelValues(string(status), label).Inc()
}

// StaleLeaseRejected は job.Recorder の実装
func (m *Metrics) StaleLeaseRejected(op string) {
	m.StaleLeaseRejections.WithLabelValues(op).Inc()
}

// StaleLeases は job.Recorder の実装
func (m *Metrics) StaleLeases(n int) {
	m.StaleLeaseGauge.Set(float64(n))
}

// ProxyErrored は proxy.Recorder の実装
func (m *Metrics) ProxyErrored() {
	m.ProxyErrors.Inc()
}

// ProxyBlacklisted は proxy.Recorder の実装
func (m *Metrics) ProxyBlacklisted() {
	m.ProxyBlacklistings.Inc()
}

// WorkerBusy はジョブ実行中のワーカー数を増減する
func (m *Metrics) WorkerBusy(delta int) {
	m.ActiveWorkers.Add(float64(delta))
}

// PlacementObserved は 1 ジョブの処理時間を記録する
func (m *Metrics) PlacementObserved(action job.Action, status job.Status, d time.Duration) {
	m.PlacementDuration.WithLabelValues(string(action), string(status)).Observe(d.Seconds())
}

// SchedulerRan はメンテナンスタスクの実行結果を記録する
func (m *Metrics) SchedulerRan(task string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SchedulerRuns.WithLabelValues(task, result).Inc()
}
