// Package main runs the stablepool radar service:
// - Discovery (scheduled): filtered program scans for stable-quoted pools
// - Verification (after each pass): allow-list plus on-chain heuristics
// - Retry reprocessing (scheduled): unresolved verification attempts
// - Status API + Prometheus metrics
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"stablepool-radar/internal/cache"
	"stablepool-radar/internal/discovery"
	"stablepool-radar/internal/metadata"
	"stablepool-radar/internal/observability"
	"stablepool-radar/internal/provenance"
	"stablepool-radar/internal/radar"
	"stablepool-radar/internal/rpc"
	"stablepool-radar/internal/storage"
	chstore "stablepool-radar/internal/storage/clickhouse"
	"stablepool-radar/internal/storage/migrations"
	pgstore "stablepool-radar/internal/storage/postgres"
)

func main() {
	// Load .env file if it exists; system env vars win otherwise.
	_ = godotenv.Load()

	rpcEndpoints := flag.String("rpc-endpoints", os.Getenv("RPC_ENDPOINTS"), "Comma-separated RPC endpoints (name=url[=weight])")
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string for the persistent cache")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string for scan analytics")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage only")
	allowURL := flag.String("allowlist-url", os.Getenv("ALLOWLIST_URL"), "Allow-list query service base URL")
	allowKey := flag.String("allowlist-api-key", os.Getenv("ALLOWLIST_API_KEY"), "Allow-list query service API key")
	allowQuery := flag.String("allowlist-query-id", os.Getenv("ALLOWLIST_QUERY_ID"), "Allow-list query ID")
	stableMint := flag.String("stable-mint", discovery.USDC, "Stable mint anchoring the pool scans")
	programID := flag.String("program-id", discovery.CPMMProgram, "AMM program owning pool state accounts")
	discoveryInterval := flag.Duration("discovery-interval", 5*time.Minute, "Discovery pass interval")
	retryInterval := flag.Duration("retry-interval", 10*time.Minute, "Verification retry queue interval")
	apiAddr := flag.String("api-addr", ":8080", "Status API HTTP address")
	metricsAddr := flag.String("metrics-addr", ":9090", "Prometheus metrics HTTP address")

	flag.Parse()

	logger := log.New(os.Stdout, "[radar] ", log.LstdFlags|log.Lshortfile)

	endpoints, err := parseEndpoints(*rpcEndpoints)
	if err != nil {
		logger.Fatalf("Invalid --rpc-endpoints: %v", err)
	}
	if len(endpoints) == 0 {
		logger.Fatal("--rpc-endpoints is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager, err := rpc.NewManager(endpoints)
	if err != nil {
		logger.Fatalf("Failed to create RPC manager: %v", err)
	}
	logger.Printf("RPC endpoints: %d configured", len(endpoints))

	kv, scanStore, cleanup, err := createStores(ctx, *postgresDSN, *clickhouseDSN, *useMemory, logger)
	if err != nil {
		logger.Fatalf("Failed to create stores: %v", err)
	}
	defer cleanup()

	tiered := cache.New(kv, cache.WithLogger(logger))

	var allow *provenance.AllowListClient
	if *allowURL != "" && *allowQuery != "" {
		allow = provenance.NewAllowListClient(*allowURL, *allowKey, *allowQuery)
	} else {
		logger.Println("Allow-list not configured, heuristic verification only")
	}

	svc := radar.New(radar.Config{
		Engine: discovery.NewEngine(discovery.Options{
			Manager:    manager,
			Cache:      tiered,
			ProgramID:  *programID,
			StableMint: *stableMint,
			Logger:     logger,
		}),
		Verifier: provenance.NewVerifier(provenance.VerifierOptions{
			AllowList: allow,
			Manager:   manager,
			Cache:     tiered,
			Logger:    logger,
		}),
		Fetcher:   metadata.NewFetcher(manager, tiered, metadata.WithLogger(logger)),
		Manager:   manager,
		Cache:     tiered,
		ScanStore: scanStore,
		Logger:    logger,
	})

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
		cancel()
	}()

	// Status API
	api := newAPIServer(svc, logger)
	apiSrv := &http.Server{Addr: *apiAddr, Handler: api.handler()}
	go func() {
		logger.Printf("Status API listening on %s", *apiAddr)
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("API server error: %v", err)
		}
	}()

	// Prometheus metrics
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", observability.Handler())
	metricsSrv := &http.Server{Addr: *metricsAddr, Handler: metricsMux}
	go func() {
		logger.Printf("Metrics listening on %s", *metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Metrics server error: %v", err)
		}
	}()

	go trackUptime(ctx)

	runLoops(ctx, svc, *discoveryInterval, *retryInterval, logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("API shutdown: %v", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("Metrics shutdown: %v", err)
	}
	logger.Println("Shutdown complete")
}

// runLoops drives the scheduled passes until the context is cancelled.
// The first discovery pass runs immediately so restarts repopulate the
// pool-list cache without waiting a full interval.
func runLoops(ctx context.Context, svc *radar.Service, discoveryInterval, retryInterval time.Duration, logger *log.Logger) {
	runPass := func() {
		if _, err := svc.RunPass(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("Discovery pass failed: %v", err)
		}
	}
	runPass()

	discoveryTicker := time.NewTicker(discoveryInterval)
	defer discoveryTicker.Stop()
	retryTicker := time.NewTicker(retryInterval)
	defer retryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-discoveryTicker.C:
			runPass()
		case <-retryTicker.C:
			result, err := svc.ProcessRetryQueue(ctx)
			if err != nil && ctx.Err() == nil {
				logger.Printf("Retry pass failed: %v", err)
				continue
			}
			if result.Processed > 0 {
				logger.Printf("Retry pass: %d processed, %d verified, %d remaining",
					result.Processed, result.Verified, result.Remaining)
			}
		}
	}
}

// parseEndpoints parses "name=url[=weight]" entries. A bare URL gets a
// generated name and weight 1.
func parseEndpoints(spec string) ([]rpc.Endpoint, error) {
	var endpoints []rpc.Endpoint
	for i, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.SplitN(entry, "=", 3)
		ep := rpc.Endpoint{Weight: 1}
		switch len(parts) {
		case 1:
			ep.Name = fmt.Sprintf("endpoint-%d", i+1)
			ep.URL = parts[0]
		case 2:
			ep.Name = parts[0]
			ep.URL = parts[1]
		case 3:
			ep.Name = parts[0]
			ep.URL = parts[1]
			weight, err := strconv.ParseUint(parts[2], 10, 32)
			if err != nil || weight == 0 {
				return nil, fmt.Errorf("endpoint %s: invalid weight %q", parts[0], parts[2])
			}
			ep.Weight = uint(weight)
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// createStores opens the configured persistent stores. Both are
// optional: without Postgres the cache runs memory-only, without
// ClickHouse scan records are skipped.
func createStores(ctx context.Context, postgresDSN, clickhouseDSN string, useMemory bool, logger *log.Logger) (storage.KVStore, storage.ScanRecordStore, func(), error) {
	if useMemory {
		return nil, nil, func() {}, nil
	}

	var kv storage.KVStore
	var scans storage.ScanRecordStore
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if postgresDSN != "" {
		pool, err := pgstore.NewPool(ctx, postgresDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		closers = append(closers, pool.Close)
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			cleanup()
			return nil, nil, nil, fmt.Errorf("postgres migrations: %w", err)
		}
		kv = pgstore.NewKVStore(pool)
		logger.Println("Persistent cache: postgres")
	} else {
		logger.Println("Persistent cache: disabled (memory only)")
	}

	if clickhouseDSN != "" {
		conn, err := migrations.RunClickhouseMigrations(ctx, clickhouseDSN)
		if err != nil {
			cleanup()
			return nil, nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
		}
		closers = append(closers, func() { conn.Close() })
		scans = chstore.NewScanRecordStore(conn)
		logger.Println("Scan analytics: clickhouse")
	}

	return kv, scans, cleanup, nil
}

// trackUptime increments the uptime counter once a second.
func trackUptime(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			observability.DefaultMetrics.UptimeSeconds.Inc()
		}
	}
}
