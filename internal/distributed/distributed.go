// Package distributed provides optional, explicitly non-authoritative
// cross-instance coordination for dbpool: a stats mirror other instances
// and dashboards can read, a pub/sub release hint that lets a waiter on
// one instance wake up slightly faster when another instance frees a
// session, and a heartbeat so dead instances can be noticed.
//
// Nothing here ever gates Acquire/Release — every pool remains fully
// correct with Redis absent, slow, or flapping. A circuit breaker (breaker)
// shields the rest of the system from a misbehaving Redis the same way
// the original proxy's fallback mode did, except there is no "fallback
// accounting" to fail over to: local accounting was always authoritative.
package distributed

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sessionpool/dbpool/internal/metrics"
)

const (
	keyPoolStats    = "dbpool:pool:%s:stats"
	keyInstanceHB   = "dbpool:instance:%s:heartbeat"
	keyInstanceList = "dbpool:instances"
	channelRelease  = "dbpool:release:%s"
)

// Config configures the Redis connection backing the distributed layer.
type Config struct {
	Addr              string
	Password          string
	DB                int
	DialTimeout       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration
}

// Layer bundles the mirror, notifier, and heartbeat against one Redis
// client and instance identity. A nil *Layer is valid and every method on
// it becomes a no-op, so callers don't need to branch on whether
// distributed coordination is enabled.
type Layer struct {
	client     redis.UniversalClient
	instanceID string

	breaker *breaker

	subMu       sync.Mutex
	subscribers map[string]*redis.PubSub

	stopCh chan struct{}
	wg     sync.WaitGroup

	hbInterval time.Duration
	hbTTL      time.Duration
}

// New connects to Redis and registers instanceID. Returns an error only
// if the initial ping fails — callers should treat that as "run without
// distributed coordination" rather than a fatal startup error.
func New(ctx context.Context, instanceID string, cfg Config) (*Layer, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("distributed: connecting to redis: %w", err)
	}

	l := &Layer{
		client:      client,
		instanceID:  instanceID,
		breaker:     newBreaker(),
		subscribers: make(map[string]*redis.PubSub),
		stopCh:      make(chan struct{}),
		hbInterval:  cfg.HeartbeatInterval,
		hbTTL:       cfg.HeartbeatTTL,
	}

	if err := client.SAdd(ctx, keyInstanceList, instanceID).Err(); err != nil {
		log.Printf("[distributed] registering instance %s: %v", instanceID, err)
	}

	return l, nil
}

// Close stops background loops and closes the Redis client. Safe to call
// on a nil *Layer.
func (l *Layer) Close() error {
	if l == nil {
		return nil
	}
	close(l.stopCh)
	l.wg.Wait()

	l.subMu.Lock()
	for _, sub := range l.subscribers {
		_ = sub.Close()
	}
	l.subMu.Unlock()

	return l.client.Close()
}

// StartHeartbeat begins the periodic liveness loop in the background.
func (l *Layer) StartHeartbeat() {
	if l == nil {
		return
	}
	l.wg.Add(1)
	go l.heartbeatLoop()
}

func (l *Layer) heartbeatLoop() {
	defer l.wg.Done()

	l.sendHeartbeat()

	ticker := time.NewTicker(l.hbInterval)
	defer ticker.Stop()

	cleanupCounter := 0
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.sendHeartbeat()
			cleanupCounter++
			if cleanupCounter%3 == 0 {
				l.cleanupDeadInstances()
			}
		}
	}
}

func (l *Layer) sendHeartbeat() {
	if !l.breaker.allow() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := fmt.Sprintf(keyInstanceHB, l.instanceID)
	err := l.client.Set(ctx, key, time.Now().Unix(), l.hbTTL).Err()
	l.breaker.record(err)
	if err != nil {
		log.Printf("[distributed] heartbeat failed: %v", err)
		metrics.RedisOperations.WithLabelValues("heartbeat", "error").Inc()
		return
	}
	metrics.InstanceHeartbeat.WithLabelValues(l.instanceID).Set(1)
	metrics.RedisOperations.WithLabelValues("heartbeat", "ok").Inc()
}

// cleanupDeadInstances forgets instances whose heartbeat key expired.
// This is purely informational bookkeeping (the instance list and any
// stats mirror entries it leaves behind) — it never affects any pool's
// own accounting, which is always local.
func (l *Layer) cleanupDeadInstances() {
	if !l.breaker.allow() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	instances, err := l.client.SMembers(ctx, keyInstanceList).Result()
	l.breaker.record(err)
	if err != nil {
		return
	}

	for _, id := range instances {
		if id == l.instanceID {
			continue
		}
		hbKey := fmt.Sprintf(keyInstanceHB, id)
		exists, err := l.client.Exists(ctx, hbKey).Result()
		if err != nil || exists > 0 {
			continue
		}
		log.Printf("[distributed] instance %s appears dead, forgetting it", id)
		l.client.SRem(ctx, keyInstanceList, id)
		metrics.InstanceHeartbeat.WithLabelValues(id).Set(0)
	}
}

// MirrorStats publishes name's current open/idle/used/max counters to
// Redis so other instances and dashboards can see this instance's view of
// the pool. Best-effort: errors are logged and counted, never returned.
func (l *Layer) MirrorStats(name string, open, idle, used, max int) {
	if l == nil || !l.breaker.allow() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := fmt.Sprintf(keyPoolStats, name)
	err := l.client.HSet(ctx, key,
		"instance", l.instanceID,
		"open", open,
		"idle", idle,
		"used", used,
		"max", max,
		"updated_at", time.Now().Unix(),
	).Err()
	l.breaker.record(err)
	if err != nil {
		metrics.RedisOperations.WithLabelValues("mirror_stats", "error").Inc()
		return
	}
	metrics.RedisOperations.WithLabelValues("mirror_stats", "ok").Inc()
	metrics.DistributedQueueDepth.WithLabelValues(name).Set(float64(used))
}

// NotifyRelease publishes a release hint for pool name, letting waiters on
// other instances retry their own local acquire slightly sooner than
// their next poll tick would. It is purely a latency optimization — no
// correctness depends on any instance ever observing it.
func (l *Layer) NotifyRelease(name string) {
	if l == nil || !l.breaker.allow() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err := l.client.Publish(ctx, fmt.Sprintf(channelRelease, name), 1).Err()
	l.breaker.record(err)
	if err != nil {
		metrics.RedisOperations.WithLabelValues("notify_release", "error").Inc()
		return
	}
	metrics.RedisOperations.WithLabelValues("notify_release", "ok").Inc()
}

// SubscribeRelease returns a channel that receives a value whenever
// NotifyRelease(name) is called by any instance. Callers must treat
// messages purely as a hint to retry; the channel may be nil if
// subscribing fails, in which case the caller should fall back to polling
// on its own ticker.
func (l *Layer) SubscribeRelease(ctx context.Context, name string) <-chan *redis.Message {
	if l == nil || !l.breaker.allow() {
		return nil
	}

	sub := l.client.Subscribe(ctx, fmt.Sprintf(channelRelease, name))
	if _, err := sub.Receive(ctx); err != nil {
		l.breaker.record(err)
		_ = sub.Close()
		return nil
	}

	l.subMu.Lock()
	l.subscribers[name] = sub
	l.subMu.Unlock()

	return sub.Channel()
}
