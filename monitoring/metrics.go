package monitoring

import (
	"fmt"
	"math"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// MetricType 指标类型
type MetricType string

const (
	MetricTypeCounter MetricType = "counter"
	MetricTypeGauge   MetricType = "gauge"
	MetricTypeSummary MetricType = "summary"
)

// 评分服务指标名
const (
	MetricScoreRequests = "churn_score_requests_total"
	MetricScoredRecords = "churn_scored_records_total"
	MetricHighRisk      = "churn_high_risk_total"
	MetricScoreErrors   = "churn_score_errors_total"
	MetricCacheHits     = "churn_score_cache_hits_total"
	MetricCacheMisses   = "churn_score_cache_misses_total"
	MetricModelReloads  = "churn_model_reloads_total"
	MetricScoreLatency  = "churn_score_latency_seconds"
)

const latencyWindow = 1000

var metricHelp = map[string]string{
	MetricScoreRequests: "Score requests handled",
	MetricScoredRecords: "Customer records scored",
	MetricHighRisk:      "Records labelled high risk",
	MetricScoreErrors:   "Score requests that failed, by kind",
	MetricCacheHits:     "Score cache hits",
	MetricCacheMisses:   "Score cache misses",
	MetricModelReloads:  "Successful model swaps",
	MetricScoreLatency:  "Score request latency",
}

// LatencySummary 延迟摘要
type LatencySummary struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	Max   float64 `json:"max"`
}

// Snapshot 指标快照
type Snapshot struct {
	Counters   map[string]float64 `json:"counters"`
	Latency    LatencySummary     `json:"latency_seconds"`
	Goroutines int                `json:"goroutines"`
	HeapAlloc  uint64             `json:"heap_alloc_bytes"`
	Uptime     string             `json:"uptime"`
}

// MetricsCollector 评分指标收集器
type MetricsCollector struct {
	mu        sync.Mutex
	counters  map[string]float64
	latencies []float64 // 最近latencyWindow次
	startTime time.Time
}

// NewMetricsCollector 创建指标收集器
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		counters:  make(map[string]float64),
		startTime: time.Now(),
	}
}

// IncrCounter 增加计数器, labels按key排序拼入指标名
func (mc *MetricsCollector) IncrCounter(name string, value float64, labels map[string]string) {
	key := seriesKey(name, labels)
	mc.mu.Lock()
	mc.counters[key] += value
	mc.mu.Unlock()
}

// ObserveScore 记录一次评分请求
func (mc *MetricsCollector) ObserveScore(records, highRisk int, latency time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.counters[MetricScoreRequests]++
	mc.counters[MetricScoredRecords] += float64(records)
	mc.counters[MetricHighRisk] += float64(highRisk)

	mc.latencies = append(mc.latencies, latency.Seconds())
	if len(mc.latencies) > latencyWindow {
		mc.latencies = mc.latencies[len(mc.latencies)-latencyWindow:]
	}
}

// ObserveError 记录失败的评分请求
func (mc *MetricsCollector) ObserveError(kind string) {
	mc.IncrCounter(MetricScoreErrors, 1, map[string]string{"kind": kind})
}

func (mc *MetricsCollector) Counter(name string, labels map[string]string) float64 {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.counters[seriesKey(name, labels)]
}

// Snapshot 获取当前指标
func (mc *MetricsCollector) Snapshot() Snapshot {
	mc.mu.Lock()
	counters := make(map[string]float64, len(mc.counters))
	for k, v := range mc.counters {
		counters[k] = v
	}
	latencies := append([]float64(nil), mc.latencies...)
	mc.mu.Unlock()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return Snapshot{
		Counters:   counters,
		Latency:    summarize(latencies),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  m.HeapAlloc,
		Uptime:     time.Since(mc.startTime).Round(time.Second).String(),
	}
}

// ExportPrometheus 导出Prometheus文本格式
func (mc *MetricsCollector) ExportPrometheus() string {
	snap := mc.Snapshot()

	keys := make([]string, 0, len(snap.Counters))
	for k := range snap.Counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	described := make(map[string]bool)
	for _, key := range keys {
		name := key
		if i := strings.IndexByte(key, '{'); i >= 0 {
			name = key[:i]
		}
		if !described[name] {
			described[name] = true
			fmt.Fprintf(&b, "# HELP %s %s\n", name, helpFor(name))
			fmt.Fprintf(&b, "# TYPE %s %s\n", name, MetricTypeCounter)
		}
		fmt.Fprintf(&b, "%s %g\n", key, snap.Counters[key])
	}

	fmt.Fprintf(&b, "# HELP %s %s\n", MetricScoreLatency, helpFor(MetricScoreLatency))
	fmt.Fprintf(&b, "# TYPE %s %s\n", MetricScoreLatency, MetricTypeSummary)
	fmt.Fprintf(&b, "%s{quantile=\"0.5\"} %g\n", MetricScoreLatency, snap.Latency.P50)
	fmt.Fprintf(&b, "%s{quantile=\"0.95\"} %g\n", MetricScoreLatency, snap.Latency.P95)
	fmt.Fprintf(&b, "%s_count %d\n", MetricScoreLatency, snap.Latency.Count)

	fmt.Fprintf(&b, "# TYPE go_goroutines %s\n", MetricTypeGauge)
	fmt.Fprintf(&b, "go_goroutines %d\n", snap.Goroutines)
	return b.String()
}

func helpFor(name string) string {
	if h, ok := metricHelp[name]; ok {
		return h
	}
	return fmt.Sprintf("Metric %s", name)
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = fmt.Sprintf("%s=%q", k, labels[k])
	}
	return name + "{" + strings.Join(pairs, ",") + "}"
}

func summarize(values []float64) LatencySummary {
	if len(values) == 0 {
		return LatencySummary{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	return LatencySummary{
		Count: len(sorted),
		Mean:  sum / float64(len(sorted)),
		P50:   quantile(sorted, 0.5),
		P95:   quantile(sorted, 0.95),
		Max:   sorted[len(sorted)-1],
	}
}

// quantile uses the nearest-rank method on sorted values.
func quantile(sorted []float64, q float64) float64 {
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
