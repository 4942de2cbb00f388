// Command loadgen drives concurrent acquire/release traffic against a
// configured pool to exercise its fairness and bound invariants under
// load, reporting acquire latency percentiles on exit.
package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sessionpool/dbpool/internal/pool"
	"github.com/sessionpool/dbpool/internal/poolcfg"
)

var (
	serverConfigPath = flag.String("config", "configs/server.yaml", "Path to server configuration file")
	poolsConfigPath  = flag.String("pools", "configs/pools.yaml", "Path to pools configuration file")
	poolName         = flag.String("pool", "", "Pool name to target (default: first configured pool)")
	totalAcquires    = flag.Int("total", 1000, "Total number of acquire/release cycles to run")
	concurrency      = flag.Int("concurrency", 50, "Number of concurrent borrower goroutines")
	holdTime         = flag.Duration("hold", 5*time.Millisecond, "Minimum simulated time each borrower holds its session (a random extra of up to the same length is added)")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := poolcfg.Load(*serverConfigPath, *poolsConfigPath)
	if err != nil {
		log.Fatalf("[loadgen] loading configuration: %v", err)
	}

	name := *poolName
	if name == "" {
		name = cfg.Pools[0].Name
	}

	ctx := context.Background()
	mgr, err := pool.NewManager(ctx, cfg, nil, false)
	if err != nil {
		log.Fatalf("[loadgen] initializing pool manager: %v", err)
	}
	defer mgr.Close()

	p, ok := mgr.Pool(name)
	if !ok {
		log.Fatalf("[loadgen] unknown pool %q", name)
	}

	log.Printf("[loadgen] driving %d acquires across %d goroutines against pool %s", *totalAcquires, *concurrency, name)

	var (
		wg       sync.WaitGroup
		done     atomic.Int64
		failures atomic.Int64
		latMu    sync.Mutex
		latencies []time.Duration
	)

	work := make(chan struct{}, *totalAcquires)
	for i := 0; i < *totalAcquires; i++ {
		work <- struct{}{}
	}
	close(work)

	start := time.Now()
	for g := 0; g < *concurrency; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range work {
				acquireStart := time.Now()
				session, err := p.Acquire(ctx)
				if err != nil {
					failures.Add(1)
					continue
				}
				lat := time.Since(acquireStart)

				latMu.Lock()
				latencies = append(latencies, lat)
				latMu.Unlock()

				time.Sleep(*holdTime + time.Duration(rand.Intn(int(*holdTime))))
				p.Release(session)
				done.Add(1)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	p50, p99 := percentile(latencies, 0.50), percentile(latencies, 0.99)

	log.Printf("[loadgen] completed %d/%d acquires (%d failed) in %s", done.Load(), *totalAcquires, failures.Load(), elapsed)
	log.Printf("[loadgen] acquire latency p50=%s p99=%s", p50, p99)
	log.Printf("[loadgen] final pool status: %s", p.Status())
}

func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}
