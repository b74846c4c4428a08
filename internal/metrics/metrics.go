package metrics

import (
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"swiftbuf/pkg/arena"
)

var (
	// HTTP Metrics
	HTTPLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "swiftbuf",
		Subsystem: "http",
		Name:      "request_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"method", "path", "status"})

	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "swiftbuf",
		Subsystem: "http",
		Name:      "inflight",
		Help:      "In-flight HTTP requests.",
	})

	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swiftbuf",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests.",
	}, []string{"method", "path", "status"})

	// Arena Metrics
	ArenaBlocks = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "swiftbuf",
		Subsystem: "arena",
		Name:      "blocks",
		Help:      "Arena blocks by pool and state (used, free).",
	}, []string{"pool", "state"})

	ArenaAllocFailures = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "swiftbuf",
		Subsystem: "arena",
		Name:      "allocation_failures",
		Help:      "Allocate calls that found no free block, per pool.",
	}, []string{"pool"})

	ArenaUtilization = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "swiftbuf",
		Subsystem: "arena",
		Name:      "utilization_ratio",
		Help:      "Used blocks over total blocks, per pool.",
	}, []string{"pool"})

	// Partition Metrics
	PartitionDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "swiftbuf",
		Subsystem: "partition",
		Name:      "depth",
		Help:      "Messages buffered per partition.",
	}, []string{"partition"})

	PartitionProduced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swiftbuf",
		Subsystem: "partition",
		Name:      "produced_total",
		Help:      "Messages accepted per partition.",
	}, []string{"partition"})

	PartitionRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swiftbuf",
		Subsystem: "partition",
		Name:      "rejected_total",
		Help:      "Messages rejected per partition and reason.",
	}, []string{"partition", "reason"})

	// Flush Metrics
	FlushLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "swiftbuf",
		Subsystem: "flush",
		Name:      "seconds",
		Help:      "Time spent stealing, copying and writing one flush batch.",
		Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"partition"})

	FlushRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swiftbuf",
		Subsystem: "flush",
		Name:      "records_total",
		Help:      "Records handed to the sink per partition and status.",
	}, []string{"partition", "status"})

	FlushBlocks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swiftbuf",
		Subsystem: "flush",
		Name:      "blocks_total",
		Help:      "Blocks detached from partition queues by flushes.",
	}, []string{"partition"})

	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "swiftbuf",
		Subsystem: "flush",
		Name:      "breaker_state",
		Help:      "Flush circuit breaker state (0 closed, 1 open, 2 half-open).",
	}, []string{"partition"})

	SpillBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "swiftbuf",
		Subsystem: "spill",
		Name:      "bytes",
		Help:      "Bytes held in spill segments on disk.",
	})

	// System Metrics
	SystemInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "swiftbuf",
		Subsystem: "system",
		Name:      "info",
		Help:      "System information.",
	}, []string{"version", "commit", "build_date", "go_version"})

	SystemUptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "swiftbuf",
		Subsystem: "system",
		Name:      "uptime_seconds",
		Help:      "System uptime in seconds.",
	})
)

var (
	registry  *prometheus.Registry
	regOnce   sync.Once
	startTime time.Time
)

// Init initializes the metrics registry with safe registration
func Init() {
	regOnce.Do(func() {
		startTime = time.Now()

		registry = prometheus.NewRegistry()

		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		registry.MustRegister(
			HTTPLatency, HTTPInFlight, HTTPRequests,
			ArenaBlocks, ArenaAllocFailures, ArenaUtilization,
			PartitionDepth, PartitionProduced, PartitionRejected,
			FlushLatency, FlushRecords, FlushBlocks, BreakerState,
			SpillBytes,
			SystemInfo, SystemUptime,
		)

		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				SystemUptime.Set(time.Since(startTime).Seconds())
			}
		}()
	})
}

// Registry returns the custom Prometheus registry. Init must have run.
func Registry() *prometheus.Registry {
	return registry
}

// SetBuildInfo publishes the running build in swiftbuf_system_info.
func SetBuildInfo(version, commit, date string) {
	SystemInfo.WithLabelValues(version, commit, date, runtime.Version()).Set(1)
}

// RecordHTTPRequest records an HTTP request with all relevant metrics
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusStr := strconv.Itoa(status)

	HTTPRequests.WithLabelValues(method, path, statusStr).Inc()
	HTTPLatency.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordArena publishes a snapshot of one arena pool.
func RecordArena(pool string, m arena.Metrics) {
	ArenaBlocks.WithLabelValues(pool, "used").Set(float64(m.UsedBlocks))
	ArenaBlocks.WithLabelValues(pool, "free").Set(float64(m.FreeBlocks))
	ArenaAllocFailures.WithLabelValues(pool).Set(float64(m.Failures))
	ArenaUtilization.WithLabelValues(pool).Set(m.Utilization)
}

// RecordProduce counts an accepted message and updates the partition depth.
func RecordProduce(partition int, n, depth int) {
	p := strconv.Itoa(partition)
	PartitionProduced.WithLabelValues(p).Add(float64(n))
	PartitionDepth.WithLabelValues(p).Set(float64(depth))
}

// RecordReject counts messages refused by a partition.
func RecordReject(partition int, reason string, n int) {
	PartitionRejected.WithLabelValues(strconv.Itoa(partition), reason).Add(float64(n))
}

// RecordFlush records one flush attempt.
func RecordFlush(partition, records, blocks int, depth int, err error, duration time.Duration) {
	p := strconv.Itoa(partition)
	status := "success"
	if err != nil {
		status = "error"
	}
	FlushRecords.WithLabelValues(p, status).Add(float64(records))
	FlushBlocks.WithLabelValues(p).Add(float64(blocks))
	FlushLatency.WithLabelValues(p).Observe(duration.Seconds())
	PartitionDepth.WithLabelValues(p).Set(float64(depth))
}

// RecordBreakerState publishes a flush breaker state.
func RecordBreakerState(partition int, state int) {
	BreakerState.WithLabelValues(strconv.Itoa(partition)).Set(float64(state))
}
