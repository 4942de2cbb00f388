// Command dbpoolsrv loads pool configuration, opens every configured pool,
// and serves health and metrics endpoints until a termination signal
// arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sessionpool/dbpool/internal/distributed"
	"github.com/sessionpool/dbpool/internal/health"
	"github.com/sessionpool/dbpool/internal/metrics"
	"github.com/sessionpool/dbpool/internal/pool"
	"github.com/sessionpool/dbpool/internal/poolcfg"
)

var (
	serverConfigPath = flag.String("config", "configs/server.yaml", "Path to server configuration file")
	poolsConfigPath  = flag.String("pools", "configs/pools.yaml", "Path to pools configuration file")
	failFast         = flag.Bool("fail-fast", false, "Abort startup if any pool fails to warm up")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("[main] Starting dbpool server")

	cfg, err := poolcfg.Load(*serverConfigPath, *poolsConfigPath)
	if err != nil {
		log.Fatalf("[main] Failed to load configuration: %v", err)
	}
	log.Printf("[main] Configuration loaded: %d pools, instance=%s", len(cfg.Pools), cfg.Server.InstanceID)
	for _, p := range cfg.Pools {
		log.Printf("[main]   pool %s → %s:%d/%s (min=%d max=%d)",
			p.Name, p.MSSQL.Host, p.MSSQL.Port, p.MSSQL.Database, p.MinSize, p.MaxSize)
	}

	ctx := context.Background()

	var dist *distributed.Layer
	if cfg.Server.Redis.Addr != "" {
		dist, err = distributed.New(ctx, cfg.Server.InstanceID, distributed.Config{
			Addr:              cfg.Server.Redis.Addr,
			Password:          cfg.Server.Redis.Password,
			DB:                cfg.Server.Redis.DB,
			DialTimeout:       cfg.Server.Redis.DialTimeout,
			HeartbeatInterval: cfg.Server.Redis.HeartbeatInterval,
			HeartbeatTTL:      cfg.Server.Redis.HeartbeatTTL,
		})
		if err != nil {
			log.Printf("[main] distributed layer disabled: %v", err)
			dist = nil
		} else {
			dist.StartHeartbeat()
			log.Println("[main] distributed coordination layer ready")
		}
	}

	log.Println("[main] Opening pools...")
	poolMgr, err := pool.NewManager(ctx, cfg, dist, *failFast)
	if err != nil {
		log.Fatalf("[main] Failed to initialize pool manager: %v", err)
	}
	defer func() {
		log.Println("[main] Closing pool manager...")
		if err := poolMgr.Close(); err != nil {
			log.Printf("[main] Pool manager close error: %v", err)
		}
	}()
	for _, s := range poolMgr.Status() {
		log.Printf("[main]   %s", s)
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[main] Metrics server listening on :%d/metrics", cfg.Server.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] Metrics server error: %v", err)
		}
	}()

	checker := health.NewChecker(cfg, poolMgr)
	healthServer := checker.ServeHTTP(cfg.Server.HealthCheckPort)
	log.Printf("[main] Health check server listening on :%d/health", cfg.Server.HealthCheckPort)

	report := checker.Check(ctx)
	for _, comp := range report.Components {
		log.Printf("[main]   %s: %s (%s)", comp.Name, comp.Status, comp.Message)
	}
	log.Printf("[main] Overall health: %s", report.Status)

	metrics.InstanceHeartbeat.WithLabelValues(cfg.Server.InstanceID).Set(1)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Println("[main] dbpool server ready. Waiting for shutdown signal...")
	sig := <-sigCh
	log.Printf("[main] Received signal %v, shutting down gracefully...", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	metrics.InstanceHeartbeat.WithLabelValues(cfg.Server.InstanceID).Set(0)

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Health server shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Metrics server shutdown error: %v", err)
	}
	if err := checker.Close(); err != nil {
		log.Printf("[main] Health checker close error: %v", err)
	}

	log.Println("[main] Shutdown complete.")
}
