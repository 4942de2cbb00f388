// Package health serves liveness/readiness endpoints reporting the status
// of every pool a Manager owns, plus the optional Redis-backed
// distributed layer.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sessionpool/dbpool/internal/pool"
	"github.com/sessionpool/dbpool/internal/poolcfg"
)

// Status is the health state of a single component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth is the health of a single pool or dependency.
type ComponentHealth struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Report is the overall health report.
type Report struct {
	Status     Status            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	InstanceID string            `json:"instance_id"`
	Components []ComponentHealth `json:"components"`
}

// Checker reports health for every pool in a Manager plus Redis, when
// distributed coordination is enabled.
type Checker struct {
	cfg         *poolcfg.Config
	manager     *pool.Manager
	redisClient *redis.Client
}

// NewChecker builds a Checker. If cfg.Server.Redis.Addr is empty, Redis is
// not checked.
func NewChecker(cfg *poolcfg.Config, manager *pool.Manager) *Checker {
	c := &Checker{cfg: cfg, manager: manager}
	if cfg.Server.Redis.Addr != "" {
		c.redisClient = redis.NewClient(&redis.Options{
			Addr:        cfg.Server.Redis.Addr,
			Password:    cfg.Server.Redis.Password,
			DB:          cfg.Server.Redis.DB,
			DialTimeout: cfg.Server.Redis.DialTimeout,
		})
	}
	return c
}

// Close releases the Redis client, if any.
func (c *Checker) Close() error {
	if c.redisClient == nil {
		return nil
	}
	return c.redisClient.Close()
}

// Check inspects every configured pool and, if enabled, Redis.
func (c *Checker) Check(ctx context.Context) *Report {
	report := &Report{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		InstanceID: c.cfg.Server.InstanceID,
	}

	for i := range c.cfg.Pools {
		name := c.cfg.Pools[i].Name
		report.Components = append(report.Components, c.checkPool(name))
	}

	if c.redisClient != nil {
		report.Components = append(report.Components, c.checkRedis(ctx))
	}

	for _, comp := range report.Components {
		if comp.Status == StatusUnhealthy {
			report.Status = StatusUnhealthy
			break
		}
	}

	return report
}

func (c *Checker) checkPool(name string) ComponentHealth {
	p, ok := c.manager.Pool(name)
	if !ok {
		return ComponentHealth{Name: name, Status: StatusUnhealthy, Message: "pool not found"}
	}
	return ComponentHealth{Name: name, Status: StatusHealthy, Message: p.Status()}
}

func (c *Checker) checkRedis(ctx context.Context) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.redisClient.Ping(ctx).Err(); err != nil {
		return ComponentHealth{Name: "redis", Status: StatusUnhealthy, Message: fmt.Sprintf("PING failed: %v", err)}
	}
	return ComponentHealth{Name: "redis", Status: StatusHealthy, Message: "PONG"}
}

// ServeHTTP starts the health HTTP server in the background and returns
// the *http.Server so callers can shut it down gracefully.
func (c *Checker) ServeHTTP(port int) *http.Server {
	mux := http.NewServeMux()

	writeReport := func(w http.ResponseWriter, r *http.Request) {
		report := c.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(report)
	}

	mux.HandleFunc("/health", writeReport)
	mux.HandleFunc("/health/ready", writeReport)
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	addr := fmt.Sprintf(":%d", port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("[health] HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[health] HTTP server error: %v", err)
		}
	}()

	return server
}
