package pool

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sessionpool/dbpool/internal/distributed"
	"github.com/sessionpool/dbpool/internal/driver/mssql"
	"github.com/sessionpool/dbpool/internal/poolcfg"
)

// Manager owns one Pool per configured name and is the main entry point
// for a process hosting several independently-sized pools — one per
// downstream database — sharing a single optional distributed layer.
type Manager struct {
	mu   sync.RWMutex
	pools map[string]*Pool

	dist *distributed.Layer
}

// NewManager builds a Pool for every entry in cfg.Pools and opens each one.
// If any pool's failFast warmup fails, already-opened pools are closed
// before the error is returned.
func NewManager(ctx context.Context, cfg *poolcfg.Config, dist *distributed.Layer, failFast bool) (*Manager, error) {
	m := &Manager{
		pools: make(map[string]*Pool, len(cfg.Pools)),
		dist:  dist,
	}

	for i := range cfg.Pools {
		spec := &cfg.Pools[i]

		factory := mssql.New(mssql.Spec{
			Host:              spec.MSSQL.Host,
			Port:              spec.MSSQL.Port,
			Database:          spec.MSSQL.Database,
			Username:          spec.MSSQL.Username,
			Password:          spec.MSSQL.Password,
			ConnectionTimeout: spec.MSSQL.ConnectionTimeout,
		})

		p, err := New(factory, Config{
			Name:           spec.Name,
			MinSize:        spec.MinSize,
			MaxSize:        spec.MaxSize,
			AcquireTimeout: spec.AcquireTimeout,
			BurstProbe:     spec.BurstProbe,
			Watcher: WatcherConfig{
				MaxLease:                               spec.Watcher.MaxLease,
				MaxIdle:                                spec.Watcher.MaxIdle,
				ScanInterval:                           spec.Watcher.ScanInterval,
				EvictThreshold:                         spec.Watcher.EvictThreshold,
				Interrupt:                              spec.Watcher.Interrupt,
				CloseEvicted:                           spec.Watcher.CloseEvicted,
				CloseEvictedOnlyWhenBorrowerTerminated: spec.Watcher.CloseEvictedOnlyWhenBorrowerTerminated,
			},
		})
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("constructing pool %s: %w", spec.Name, err)
		}

		if err := p.Open(failFast); err != nil {
			m.Close()
			return nil, fmt.Errorf("opening pool %s: %w", spec.Name, err)
		}

		m.pools[spec.Name] = p

		if spec.Distributed && dist != nil {
			go m.mirrorLoop(p)
		}
	}

	log.Printf("[pool] Manager initialized: %d pools", len(m.pools))
	return m, nil
}

// mirrorLoop periodically pushes a pool's stats to the distributed layer
// and emits a release hint whenever UsedCount drops. It exits only when
// the pool closes.
func (m *Manager) mirrorLoop(p *Pool) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	lastUsed := p.UsedCount()
	for range ticker.C {
		if p.closed.Load() {
			return
		}
		used := p.UsedCount()
		m.dist.MirrorStats(p.Name(), p.OpenCount(), p.IdleCount(), used, p.maxSize)
		if used < lastUsed {
			m.dist.NotifyRelease(p.Name())
		}
		lastUsed = used
	}
}

// Pool returns the named pool, or false if no such pool exists.
func (m *Manager) Pool(name string) (*Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[name]
	return p, ok
}

// Acquire borrows a session from the named pool.
func (m *Manager) Acquire(ctx context.Context, name string) (Session, error) {
	p, ok := m.Pool(name)
	if !ok {
		return nil, fmt.Errorf("unknown pool: %s", name)
	}
	return p.Acquire(ctx)
}

// Release returns session to the named pool.
func (m *Manager) Release(name string, session Session) {
	p, ok := m.Pool(name)
	if !ok {
		log.Printf("[pool] release for unknown pool %s ignored", name)
		return
	}
	p.Release(session)
}

// Status renders a one-line summary per pool, for health/diagnostic
// surfaces.
func (m *Manager) Status() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lines := make([]string, 0, len(m.pools))
	for _, p := range m.pools {
		lines = append(lines, p.Status())
	}
	return lines
}

// Close closes every managed pool and the distributed layer, if any.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, p := range m.pools {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing pool %s: %w", name, err)
		}
	}
	m.pools = nil

	if m.dist != nil {
		if err := m.dist.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	log.Println("[pool] Manager closed")
	return firstErr
}
