// Package metrics defines the Prometheus collectors shared across dbpool:
// the core pool (labeled by pool name), and the optional distributed
// coordination layer (labeled by Redis operation / instance).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Max is the configured maximum size of a pool.
	Max = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbpool_max",
		Help: "Configured maximum sessions for a pool",
	}, []string{"pool"})

	// Open is the current number of live sessions (leased + idle).
	Open = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbpool_open",
		Help: "Current number of open sessions in a pool",
	}, []string{"pool"})

	// Idle is the current number of sessions sitting in the idle queue.
	Idle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbpool_idle",
		Help: "Current number of idle sessions in a pool",
	}, []string{"pool"})

	// AcquireResult counts acquire/release outcomes by pool and result
	// kind: created, reused, retry_dirty, released, release_dirty,
	// release_not_in_pool, release_already_released.
	AcquireResult = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbpool_acquire_result_total",
		Help: "Total acquire/release operations by outcome",
	}, []string{"pool", "result"})

	// AcquireWaitSeconds tracks how long a caller waited for a reused
	// session (created sessions do not queue and are excluded).
	AcquireWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dbpool_acquire_wait_seconds",
		Help:    "Time spent waiting for a session to become available",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"pool"})

	// CreatedTotal counts sessions opened via the factory.
	CreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbpool_created_total",
		Help: "Total sessions created by a pool's factory",
	}, []string{"pool"})

	// InvalidTotal counts sessions a factory rejected during acquire
	// validation.
	InvalidTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbpool_invalid_total",
		Help: "Total sessions discarded for failing validation",
	}, []string{"pool"})

	// ExpiredTotal counts lease-timeout detections by the watcher.
	ExpiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbpool_lease_expired_total",
		Help: "Total lease-timeout detections",
	}, []string{"pool"})

	// IdledTotal counts idle-timeout prunings by the watcher.
	IdledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbpool_idle_timeout_total",
		Help: "Total sessions closed for exceeding the idle timeout",
	}, []string{"pool"})

	// EvictedTotal counts lease evictions by the watcher.
	EvictedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbpool_evicted_total",
		Help: "Total sessions evicted for exceeding the lease timeout",
	}, []string{"pool"})

	// RedisOperations counts operations against the distributed mirror's
	// backing Redis store.
	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbpool_distributed_redis_operations_total",
		Help: "Total Redis operations performed by the distributed layer",
	}, []string{"operation", "status"})

	// InstanceHeartbeat tracks per-instance heartbeat freshness in the
	// distributed layer (1 = alive, 0 = presumed dead).
	InstanceHeartbeat = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbpool_distributed_instance_heartbeat",
		Help: "Instance heartbeat status (1 = alive, 0 = dead)",
	}, []string{"instance_id"})

	// DistributedQueueDepth tracks the last-observed cross-instance queue
	// depth estimate for a pool, as mirrored through Redis.
	DistributedQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbpool_distributed_queue_depth",
		Help: "Estimated cross-instance acquire queue depth for a pool",
	}, []string{"pool"})
)
