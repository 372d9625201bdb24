package provenance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"stablepool-radar/internal/cache"
	"stablepool-radar/internal/domain"
	"stablepool-radar/internal/rpc"
)

// Launch platform program IDs matched against transaction instruction
// programs during heuristic checks.
const (
	// PumpFun is the pump.fun bonding curve program.
	PumpFun = "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"
	// PumpSwapAMM is the pump.fun AMM that graduated tokens migrate to.
	PumpSwapAMM = "pAMMBay6oceH9fJKBRHGP5D4bD4sWpmSwMn52FMfXEA"
)

// Batch verification parameters.
const (
	DefaultBatchSize      = 5
	DefaultBatchDelay     = 2 * time.Second
	DefaultSignatureLimit = 1000 // one page of signature history
	DefaultInspectWindow  = 5    // earliest transactions inspected per address
	resultCacheSize       = 4096
)

// ErrAllowListUnavailable signals the allow-list could not be fetched
// and the heuristic path should decide.
var ErrAllowListUnavailable = errors.New("allow list unavailable")

// WhitelistStatus describes the current allow-list state.
type WhitelistStatus struct {
	Available bool
	Size      int
	FetchedAt time.Time
}

// RetryQueueStatus summarizes the retry queue.
type RetryQueueStatus struct {
	Size    int
	Entries []domain.RetryQueueEntry
}

// RetryResult reports one retry-queue reprocessing pass.
type RetryResult struct {
	Processed int
	Verified  int
	Remaining int
}

// Verifier decides token provenance.
type Verifier struct {
	allowList *AllowListClient // nil when unconfigured: heuristic-only mode
	manager   *rpc.Manager
	cache     *cache.Cache
	results   *expirable.LRU[string, domain.VerificationResult]
	queue     *RetryQueue

	platformPrograms []string
	batchSize        int
	batchDelay       time.Duration
	inspectWindow    int
	maxRetries       int
	logger           *log.Logger
	now              func() time.Time

	fetchMu       sync.Mutex // guards the fetch snapshot below
	lastFetch     time.Time
	lastFetchSize int
}

// VerifierOptions configures a Verifier.
type VerifierOptions struct {
	AllowList        *AllowListClient
	Manager          *rpc.Manager
	Cache            *cache.Cache
	PlatformPrograms []string
	BatchSize        int
	BatchDelay       time.Duration
	InspectWindow    int
	MaxRetries       int
	MaxAttempts      int
	Logger           *log.Logger
	Now              func() time.Time
}

// NewVerifier creates a Verifier.
func NewVerifier(opts VerifierOptions) *Verifier {
	v := &Verifier{
		allowList:        opts.AllowList,
		manager:          opts.Manager,
		cache:            opts.Cache,
		queue:            NewRetryQueue(opts.MaxAttempts, 0),
		platformPrograms: opts.PlatformPrograms,
		batchSize:        opts.BatchSize,
		batchDelay:       opts.BatchDelay,
		inspectWindow:    opts.InspectWindow,
		maxRetries:       opts.MaxRetries,
		logger:           opts.Logger,
		now:              opts.Now,
	}
	if len(v.platformPrograms) == 0 {
		v.platformPrograms = []string{PumpFun, PumpSwapAMM}
	}
	if v.batchSize <= 0 {
		v.batchSize = DefaultBatchSize
	}
	if v.batchDelay <= 0 {
		v.batchDelay = DefaultBatchDelay
	}
	if v.inspectWindow <= 0 {
		v.inspectWindow = DefaultInspectWindow
	}
	if v.maxRetries <= 0 {
		v.maxRetries = rpc.DefaultMaxRetries
	}
	if v.logger == nil {
		v.logger = log.New(os.Stdout, "[provenance] ", log.LstdFlags)
	}
	if v.now == nil {
		v.now = time.Now
	}
	v.results = expirable.NewLRU[string, domain.VerificationResult](resultCacheSize, nil, cache.TTLVerification)
	return v
}

// FetchAllowList returns the current full allow-list mint set, cached
// for the whitelist tier's TTL.
func (v *Verifier) FetchAllowList(ctx context.Context) (map[string]struct{}, error) {
	if v.cache != nil {
		var cached []string
		if err := v.cache.Get(ctx, cache.KeyWhitelist, &cached); err == nil {
			v.recordFetch(len(cached))
			return sliceToSet(cached), nil
		}
	}

	if v.allowList == nil {
		return nil, ErrAllowListUnavailable
	}

	mints, err := v.allowList.FetchAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllowListUnavailable, err)
	}

	v.recordFetch(len(mints))

	if v.cache != nil {
		if err := v.cache.Set(ctx, cache.KeyWhitelist, setToSlice(mints), cache.TTLWhitelist); err != nil {
			v.logger.Printf("cache whitelist: %v", err)
		}
	}
	return mints, nil
}

// recordFetch updates the status snapshot after a successful allow-list
// resolution, whether served from the cache tier or fetched directly.
func (v *Verifier) recordFetch(size int) {
	v.fetchMu.Lock()
	v.lastFetch = v.now()
	v.lastFetchSize = size
	v.fetchMu.Unlock()
}

// VerifyToken decides one mint's provenance. The allow-list is
// authoritative when present and non-empty; when it is unavailable the
// heuristic path decides. An unavailable allow-list never defaults a
// token to verified.
func (v *Verifier) VerifyToken(ctx context.Context, mint string) (domain.VerificationResult, error) {
	if result, ok := v.cachedResult(ctx, mint); ok {
		return result, nil
	}

	allowed, err := v.FetchAllowList(ctx)
	if err == nil && len(allowed) > 0 {
		_, member := allowed[mint]
		result := domain.VerificationResult{
			Mint:       mint,
			IsVerified: member,
			Confidence: domain.ConfidenceHigh,
			Source:     domain.SourceAllowList,
		}
		v.storeResult(ctx, result)
		return result, nil
	}

	match, herr := v.inspectOrigin(ctx, mint)
	if herr != nil {
		return domain.VerificationResult{
			Mint:       mint,
			IsVerified: false,
			Confidence: domain.ConfidenceLow,
			Source:     domain.SourceUnavailable,
		}, herr
	}

	result := heuristicResult(mint, match)
	v.storeResult(ctx, result)
	return result, nil
}

// VerifyBatch verifies candidate pools in fixed-size batches with an
// inter-batch delay as a cooperative rate limit. Within a batch the
// token-origin and pool-origin checks run concurrently and are combined
// with OR. Unresolvable entries land on the retry queue instead of
// being marked negative. Returns the set of verified mints.
func (v *Verifier) VerifyBatch(ctx context.Context, pools []domain.DiscoveredPool) (map[string]struct{}, error) {
	verified := make(map[string]struct{})

	allowed, allowErr := v.FetchAllowList(ctx)
	useAllowList := allowErr == nil && len(allowed) > 0

	for i, bounds := range batchBounds(len(pools), v.batchSize) {
		if i > 0 {
			select {
			case <-ctx.Done():
				return verified, ctx.Err()
			case <-time.After(v.batchDelay):
			}
		}

		for _, pool := range pools[bounds[0]:bounds[1]] {
			result, err := v.verifyPool(ctx, pool, allowed, useAllowList)
			if err != nil {
				v.logger.Printf("verify %s: queued for retry: %v", pool.TokenMint, err)
				v.queue.Add(pool.TokenMint, pool.PoolAddress)
				continue
			}
			if result.IsVerified {
				verified[result.Mint] = struct{}{}
			}
		}
	}

	return verified, nil
}

// verifyPool resolves one pool's token mint: result cache, then
// allow-list, then the concurrent token/pool heuristics.
func (v *Verifier) verifyPool(ctx context.Context, pool domain.DiscoveredPool, allowed map[string]struct{}, useAllowList bool) (domain.VerificationResult, error) {
	if result, ok := v.cachedResult(ctx, pool.TokenMint); ok {
		return result, nil
	}

	if useAllowList {
		_, member := allowed[pool.TokenMint]
		result := domain.VerificationResult{
			Mint:       pool.TokenMint,
			IsVerified: member,
			Confidence: domain.ConfidenceHigh,
			Source:     domain.SourceAllowList,
		}
		v.storeResult(ctx, result)
		return result, nil
	}

	var tokenMatch, poolMatch bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		match, err := v.inspectOrigin(gctx, pool.TokenMint)
		tokenMatch = match
		return err
	})
	g.Go(func() error {
		if pool.PoolAddress == "" {
			return nil
		}
		match, err := v.inspectOrigin(gctx, pool.PoolAddress)
		poolMatch = match
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.VerificationResult{}, err
	}

	result := heuristicResult(pool.TokenMint, tokenMatch || poolMatch)
	v.storeResult(ctx, result)
	return result, nil
}

// ProcessRetryQueue reruns verification for queued entries. Entries
// exceeding the attempt budget were already dropped by the queue and
// stay permanently unverified.
func (v *Verifier) ProcessRetryQueue(ctx context.Context) (RetryResult, error) {
	due := v.queue.Take()

	result := RetryResult{Processed: len(due)}
	if len(due) == 0 {
		result.Remaining = v.queue.Len()
		return result, nil
	}

	// The allow-list may have recovered since the entries were queued;
	// retries run the full resolution, not just the heuristic.
	allowed, allowErr := v.FetchAllowList(ctx)
	useAllowList := allowErr == nil && len(allowed) > 0

	for _, entry := range due {
		verdict, err := v.verifyPool(ctx, domain.DiscoveredPool{
			TokenMint:   entry.Mint,
			PoolAddress: entry.PoolAddress,
		}, allowed, useAllowList)
		if err != nil {
			v.logger.Printf("retry %s (attempt %d): %v", entry.Mint, entry.Attempts, err)
			continue
		}
		v.queue.Resolve(entry.Mint)
		if verdict.IsVerified {
			result.Verified++
		}
	}

	result.Remaining = v.queue.Len()
	return result, nil
}

// WhitelistStatus reports the allow-list state.
func (v *Verifier) WhitelistStatus() WhitelistStatus {
	v.fetchMu.Lock()
	defer v.fetchMu.Unlock()
	return WhitelistStatus{
		Available: v.allowList != nil,
		Size:      v.lastFetchSize,
		FetchedAt: v.lastFetch,
	}
}

// RetryQueueStatus reports the retry queue state.
func (v *Verifier) RetryQueueStatus() RetryQueueStatus {
	return RetryQueueStatus{
		Size:    v.queue.Len(),
		Entries: v.queue.Entries(),
	}
}

// cachedResult checks the in-process result cache, then the persistent
// verification tier. Served hits carry the cache source; the stored
// copy keeps the source that computed it.
func (v *Verifier) cachedResult(ctx context.Context, mint string) (domain.VerificationResult, bool) {
	if result, ok := v.results.Get(mint); ok {
		result.Source = domain.SourceCached
		return result, true
	}
	if v.cache != nil {
		var result domain.VerificationResult
		if err := v.cache.Get(ctx, cache.KeyVerification+mint, &result); err == nil {
			v.results.Add(mint, result)
			result.Source = domain.SourceCached
			return result, true
		}
	}
	return domain.VerificationResult{}, false
}

// storeResult caches a computed result in both layers.
func (v *Verifier) storeResult(ctx context.Context, result domain.VerificationResult) {
	v.results.Add(result.Mint, result)
	if v.cache != nil {
		if err := v.cache.Set(ctx, cache.KeyVerification+result.Mint, result, cache.TTLVerification); err != nil {
			v.logger.Printf("cache verification %s: %v", result.Mint, err)
		}
	}
}

// inspectOrigin checks an address's earliest transactions for launch
// platform program invocations, at the top level or through CPI.
func (v *Verifier) inspectOrigin(ctx context.Context, address string) (bool, error) {
	sigs, err := rpc.ExecuteWithFallback(ctx, v.manager, v.maxRetries,
		func(ctx context.Context, c *rpc.Client) ([]rpc.SignatureInfo, error) {
			return c.GetSignaturesForAddress(ctx, address, &rpc.SignaturesOpts{Limit: DefaultSignatureLimit})
		})
	if err != nil {
		return false, fmt.Errorf("signatures for %s: %w", address, err)
	}
	if len(sigs) == 0 {
		return false, nil
	}

	// Signatures come newest first; the creation transactions sit at
	// the tail.
	window := v.inspectWindow
	if window > len(sigs) {
		window = len(sigs)
	}
	earliest := sigs[len(sigs)-window:]

	for i := len(earliest) - 1; i >= 0; i-- {
		sig := earliest[i].Signature
		tx, err := rpc.ExecuteWithFallback(ctx, v.manager, v.maxRetries,
			func(ctx context.Context, c *rpc.Client) (*rpc.Transaction, error) {
				return c.GetTransaction(ctx, sig)
			})
		if err != nil {
			return false, fmt.Errorf("transaction %s: %w", sig, err)
		}
		if tx == nil {
			continue
		}
		for _, program := range v.platformPrograms {
			if tx.InvokesProgram(program) {
				return true, nil
			}
		}
	}
	return false, nil
}

// heuristicResult maps a heuristic outcome to a result. A miss after
// inspecting the available window is a soft negative: medium
// confidence, reflecting the limited evidence.
func heuristicResult(mint string, match bool) domain.VerificationResult {
	if match {
		return domain.VerificationResult{
			Mint:       mint,
			IsVerified: true,
			Confidence: domain.ConfidenceHigh,
			Source:     domain.SourceHeuristic,
		}
	}
	return domain.VerificationResult{
		Mint:       mint,
		IsVerified: false,
		Confidence: domain.ConfidenceMedium,
		Source:     domain.SourceHeuristic,
	}
}

// batchBounds splits n items into [start, end) windows of at most size.
func batchBounds(n, size int) [][2]int {
	var bounds [][2]int
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		bounds = append(bounds, [2]int{start, end})
	}
	return bounds
}

func sliceToSet(mints []string) map[string]struct{} {
	set := make(map[string]struct{}, len(mints))
	for _, mint := range mints {
		set[mint] = struct{}{}
	}
	return set
}

func setToSlice(set map[string]struct{}) []string {
	mints := make([]string, 0, len(set))
	for mint := range set {
		mints = append(mints, mint)
	}
	return mints
}
