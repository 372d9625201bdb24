// Package radar aggregates discovery, provenance and metadata behind
// the narrow interface the scheduling and presentation layers consume.
package radar

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"stablepool-radar/internal/cache"
	"stablepool-radar/internal/discovery"
	"stablepool-radar/internal/domain"
	"stablepool-radar/internal/metadata"
	"stablepool-radar/internal/observability"
	"stablepool-radar/internal/provenance"
	"stablepool-radar/internal/rpc"
	"stablepool-radar/internal/storage"
)

// Service is the process-wide facade. One instance is constructed at
// startup and shared by reference.
type Service struct {
	engine   *discovery.Engine
	verifier *provenance.Verifier
	fetcher  *metadata.Fetcher
	manager  *rpc.Manager
	cache    *cache.Cache
	scans    storage.ScanRecordStore // nil when no analytics store configured
	logger   *log.Logger
	now      func() time.Time
}

// Config wires a Service together.
type Config struct {
	Engine    *discovery.Engine
	Verifier  *provenance.Verifier
	Fetcher   *metadata.Fetcher
	Manager   *rpc.Manager
	Cache     *cache.Cache
	ScanStore storage.ScanRecordStore
	Logger    *log.Logger
	Now       func() time.Time
}

// New creates a Service.
func New(cfg Config) *Service {
	s := &Service{
		engine:   cfg.Engine,
		verifier: cfg.Verifier,
		fetcher:  cfg.Fetcher,
		manager:  cfg.Manager,
		cache:    cfg.Cache,
		scans:    cfg.ScanStore,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if s.logger == nil {
		s.logger = log.New(os.Stdout, "[radar] ", log.LstdFlags)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// PassReport summarizes one full discovery-and-verification pass.
type PassReport struct {
	Pools        int
	Mints        int
	Verified     int
	ScanFailures int
	Duration     time.Duration
}

// DiscoverPools runs one discovery pass and returns the pool set.
func (s *Service) DiscoverPools(ctx context.Context) (*domain.PoolSet, error) {
	start := s.now()

	result, err := s.engine.Discover(ctx)
	elapsed := s.now().Sub(start)
	if err != nil {
		observability.RecordDiscoveryRun("error", elapsed.Seconds(), 0, 0)
		s.updateEndpointMetrics()
		return nil, err
	}

	set := result.Set
	observability.RecordDiscoveryRun("success", elapsed.Seconds(), len(set.Pools), len(set.TokenMints))
	observability.RecordScanFailures(result.Failures)
	observability.DefaultMetrics.LastSuccessfulDiscovery.Set(float64(s.now().Unix()))
	s.updateEndpointMetrics()

	s.recordScan(ctx, set, result.Failures, elapsed)
	return set, nil
}

// VerifyTokens resolves provenance for a mint set and returns the
// verified subset.
func (s *Service) VerifyTokens(ctx context.Context, mints []string) (map[string]struct{}, error) {
	pools := make([]domain.DiscoveredPool, len(mints))
	for i, mint := range mints {
		pools[i] = domain.DiscoveredPool{TokenMint: mint}
	}
	return s.verifyPools(ctx, pools)
}

// RunPass executes discovery followed by metadata prefetch and
// verification of the discovered pools.
func (s *Service) RunPass(ctx context.Context) (*PassReport, error) {
	start := s.now()

	set, err := s.DiscoverPools(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}

	if s.fetcher != nil {
		if _, err := s.fetcher.FetchBatch(ctx, set.TokenMints); err != nil {
			s.logger.Printf("metadata prefetch: %v", err)
		}
	}

	verified, err := s.verifyPools(ctx, set.Pools)
	if err != nil {
		return nil, fmt.Errorf("verification: %w", err)
	}

	report := &PassReport{
		Pools:    len(set.Pools),
		Mints:    len(set.TokenMints),
		Verified: len(verified),
		Duration: s.now().Sub(start),
	}
	s.logger.Printf("pass complete: %d pools, %d mints, %d verified in %s",
		report.Pools, report.Mints, report.Verified, report.Duration.Round(time.Millisecond))
	return report, nil
}

// ProcessRetryQueue reruns verification for queued mints.
func (s *Service) ProcessRetryQueue(ctx context.Context) (provenance.RetryResult, error) {
	result, err := s.verifier.ProcessRetryQueue(ctx)
	observability.UpdateRetryQueueSize(result.Remaining)
	return result, err
}

// GetCachedPools returns the pool set from the last discovery pass, or
// cache.ErrMiss when no pass completed within the pool-list TTL.
func (s *Service) GetCachedPools(ctx context.Context) (*domain.PoolSet, error) {
	var set domain.PoolSet
	if err := s.cache.Get(ctx, cache.KeyPoolList, &set); err != nil {
		observability.RecordCacheMiss(cache.KeyPoolList)
		return nil, err
	}
	observability.RecordCacheHit(cache.KeyPoolList)
	return &set, nil
}

// EnrichedToken joins a discovered pool with its token metadata and
// provenance verdict for presentation consumers.
type EnrichedToken struct {
	Mint        string
	PoolAddress string
	Metadata    *domain.TokenMetadata
	Verified    bool
	Confidence  domain.Confidence
	Source      domain.VerificationSource
}

// GetEnrichedTokens returns the discovered tokens joined with metadata
// and verification state, served from the enriched-token-list tier.
// Returns cache.ErrMiss when no discovery pass completed within the
// pool-list TTL.
func (s *Service) GetEnrichedTokens(ctx context.Context) ([]EnrichedToken, error) {
	var tokens []EnrichedToken
	if err := s.cache.Get(ctx, cache.KeyEnrichedTokenList, &tokens); err == nil {
		observability.RecordCacheHit(cache.KeyEnrichedTokenList)
		return tokens, nil
	}
	observability.RecordCacheMiss(cache.KeyEnrichedTokenList)

	set, err := s.GetCachedPools(ctx)
	if err != nil {
		return nil, err
	}

	tokens = make([]EnrichedToken, 0, len(set.Pools))
	for _, pool := range set.Pools {
		token := EnrichedToken{Mint: pool.TokenMint, PoolAddress: pool.PoolAddress}

		if s.fetcher != nil {
			if md, err := s.fetcher.Fetch(ctx, pool.TokenMint); err == nil {
				token.Metadata = md
			}
		}

		var result domain.VerificationResult
		if err := s.cache.Get(ctx, cache.KeyVerification+pool.TokenMint, &result); err == nil {
			token.Verified = result.IsVerified
			token.Confidence = result.Confidence
			token.Source = result.Source
		}

		tokens = append(tokens, token)
	}

	if err := s.cache.Set(ctx, cache.KeyEnrichedTokenList, tokens, cache.TTLEnrichedTokenList); err != nil {
		s.logger.Printf("cache enriched token list: %v", err)
	}
	return tokens, nil
}

// GetCachedTokenMetadata returns metadata for a mint, fetching through
// the cache tier on a miss.
func (s *Service) GetCachedTokenMetadata(ctx context.Context, mint string) (*domain.TokenMetadata, error) {
	return s.fetcher.Fetch(ctx, mint)
}

// GetWhitelistStatus reports the allow-list state.
func (s *Service) GetWhitelistStatus() provenance.WhitelistStatus {
	return s.verifier.WhitelistStatus()
}

// GetRetryQueueStatus reports the verification retry queue.
func (s *Service) GetRetryQueueStatus() provenance.RetryQueueStatus {
	return s.verifier.RetryQueueStatus()
}

// EndpointHealth reports the RPC endpoint health table.
func (s *Service) EndpointHealth() map[string]rpc.EndpointHealth {
	return s.manager.HealthStatus()
}

// RecentScans returns the latest discovery pass records, newest first.
// Returns nil when no analytics store is configured.
func (s *Service) RecentScans(ctx context.Context, limit int) ([]*domain.ScanRecord, error) {
	if s.scans == nil {
		return nil, nil
	}
	return s.scans.Recent(ctx, limit)
}

func (s *Service) verifyPools(ctx context.Context, pools []domain.DiscoveredPool) (map[string]struct{}, error) {
	verified, err := s.verifier.VerifyBatch(ctx, pools)

	status := s.verifier.RetryQueueStatus()
	observability.UpdateRetryQueueSize(status.Size)
	observability.UpdateWhitelistSize(s.verifier.WhitelistStatus().Size)
	return verified, err
}

func (s *Service) updateEndpointMetrics() {
	for name, h := range s.manager.HealthStatus() {
		observability.UpdateEndpointHealth(name, h.Healthy, h.ErrorCount, h.RequestCount)
	}
}

// recordScan appends one summary row to the analytics store.
func (s *Service) recordScan(ctx context.Context, set *domain.PoolSet, failures int, elapsed time.Duration) {
	if s.scans == nil {
		return
	}

	record := &domain.ScanRecord{
		ScannedAt:  s.now().UnixMilli(),
		PoolsFound: len(set.Pools),
		MintsFound: len(set.TokenMints),
		DurationMs: elapsed.Milliseconds(),
		Endpoint:   s.healthyEndpointNames(),
		Failures:   failures,
	}
	if err := s.scans.Insert(ctx, record); err != nil {
		s.logger.Printf("record scan: %v", err)
	}
}

func (s *Service) healthyEndpointNames() string {
	var names []string
	for name, h := range s.manager.HealthStatus() {
		if h.Healthy {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
