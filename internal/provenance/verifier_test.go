package provenance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stablepool-radar/internal/cache"
	"stablepool-radar/internal/domain"
	"stablepool-radar/internal/rpc"
)

// chainFixture fakes the minimal RPC surface the heuristic path uses:
// signature history per address and instruction programs per
// transaction.
type chainFixture struct {
	mu         sync.Mutex
	signatures map[string][]string // address -> signatures, newest first
	programs   map[string][]string // signature -> top-level program IDs
	inner      map[string][]string // signature -> inner (CPI) program IDs
	failAddrs  map[string]bool
	calls      int
}

func (f *chainFixture) handler(t *testing.T) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls++

		var result interface{}
		switch req.Method {
		case "getSignaturesForAddress":
			var address string
			require.NoError(t, json.Unmarshal(req.Params[0], &address))
			if f.failAddrs[address] {
				http.Error(w, "node behind", http.StatusInternalServerError)
				return
			}
			sigs := make([]map[string]interface{}, 0)
			for i, sig := range f.signatures[address] {
				sigs = append(sigs, map[string]interface{}{
					"signature": sig,
					"slot":      1000 - i,
				})
			}
			result = sigs

		case "getTransaction":
			var sig string
			require.NoError(t, json.Unmarshal(req.Params[0], &sig))
			programs := f.programs[sig]
			inner := f.inner[sig]
			if len(programs) == 0 && len(inner) == 0 {
				result = nil
				break
			}

			keys := append(append([]string{}, programs...), inner...)
			top := make([]map[string]int, len(programs))
			for i := range programs {
				top[i] = map[string]int{"programIdIndex": i}
			}
			cpi := make([]map[string]int, len(inner))
			for i := range inner {
				cpi[i] = map[string]int{"programIdIndex": len(programs) + i}
			}
			result = map[string]interface{}{
				"slot":      42,
				"blockTime": 1700000000,
				"transaction": map[string]interface{}{
					"message": map[string]interface{}{
						"accountKeys":  keys,
						"instructions": top,
					},
				},
				"meta": map[string]interface{}{
					"innerInstructions": []map[string]interface{}{
						{"index": 0, "instructions": cpi},
					},
				},
			}

		default:
			t.Fatalf("unexpected method %s", req.Method)
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		})
	}
}

func (f *chainFixture) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newChainManager(t *testing.T, f *chainFixture) *rpc.Manager {
	t.Helper()
	server := httptest.NewServer(f.handler(t))
	t.Cleanup(server.Close)

	manager, err := rpc.NewManager([]rpc.Endpoint{
		{Name: "test", URL: server.URL, Weight: 1},
	})
	require.NoError(t, err)
	return manager
}

func newTestVerifier(t *testing.T, manager *rpc.Manager, allow *AllowListClient, opts ...func(*VerifierOptions)) *Verifier {
	t.Helper()
	o := VerifierOptions{
		AllowList:  allow,
		Manager:    manager,
		Cache:      cache.New(nil),
		BatchDelay: time.Millisecond,
		Logger:     log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return NewVerifier(o)
}

func newAllowListFixture(t *testing.T, mints ...string) *AllowListClient {
	t.Helper()
	server := httptest.NewServer(allowListHandler(t, "key", mints))
	t.Cleanup(server.Close)
	return NewAllowListClient(server.URL, "key", "12345")
}

func TestVerifyTokenAllowListMember(t *testing.T) {
	allow := newAllowListFixture(t, "GoodMint", "OtherMint")
	v := newTestVerifier(t, newChainManager(t, &chainFixture{}), allow)

	result, err := v.VerifyToken(context.Background(), "GoodMint")
	require.NoError(t, err)

	assert.True(t, result.IsVerified)
	assert.Equal(t, domain.ConfidenceHigh, result.Confidence)
	assert.Equal(t, domain.SourceAllowList, result.Source)
}

func TestVerifyTokenAbsentFromAllowList(t *testing.T) {
	allow := newAllowListFixture(t, "OtherMint")
	fx := &chainFixture{}
	v := newTestVerifier(t, newChainManager(t, fx), allow)

	result, err := v.VerifyToken(context.Background(), "UnknownMint")
	require.NoError(t, err)

	assert.False(t, result.IsVerified)
	assert.Equal(t, domain.ConfidenceHigh, result.Confidence)
	assert.Equal(t, domain.SourceAllowList, result.Source)
	// A non-empty allow-list is authoritative: no on-chain inspection.
	assert.Zero(t, fx.callCount())
}

func TestVerifyTokenEmptyAllowListUsesHeuristic(t *testing.T) {
	allow := newAllowListFixture(t)
	fx := &chainFixture{
		signatures: map[string][]string{"Mint1": {"sig1"}},
		programs:   map[string][]string{"sig1": {PumpFun}},
	}
	v := newTestVerifier(t, newChainManager(t, fx), allow)

	result, err := v.VerifyToken(context.Background(), "Mint1")
	require.NoError(t, err)

	assert.True(t, result.IsVerified)
	assert.Equal(t, domain.SourceHeuristic, result.Source)
}

func TestVerifyTokenHeuristicCPIMatch(t *testing.T) {
	fx := &chainFixture{
		signatures: map[string][]string{"Mint1": {"sig1"}},
		inner:      map[string][]string{"sig1": {PumpSwapAMM}},
	}
	v := newTestVerifier(t, newChainManager(t, fx), nil)

	result, err := v.VerifyToken(context.Background(), "Mint1")
	require.NoError(t, err)

	assert.True(t, result.IsVerified)
	assert.Equal(t, domain.ConfidenceHigh, result.Confidence)
	assert.Equal(t, domain.SourceHeuristic, result.Source)
}

func TestVerifyTokenHeuristicNoMatch(t *testing.T) {
	fx := &chainFixture{
		signatures: map[string][]string{"Mint1": {"sig1"}},
		programs:   map[string][]string{"sig1": {"SomeOtherProgram11111111111111111111111111"}},
	}
	v := newTestVerifier(t, newChainManager(t, fx), nil)

	result, err := v.VerifyToken(context.Background(), "Mint1")
	require.NoError(t, err)

	assert.False(t, result.IsVerified)
	assert.Equal(t, domain.ConfidenceMedium, result.Confidence)
	assert.Equal(t, domain.SourceHeuristic, result.Source)
}

func TestVerifyTokenHeuristicInspectsEarliestOnly(t *testing.T) {
	// Only the newest transaction invokes the platform; the inspection
	// window covers the five earliest, so it must not match.
	fx := &chainFixture{
		signatures: map[string][]string{
			"Mint1": {"s7", "s6", "s5", "s4", "s3", "s2", "s1"},
		},
		programs: map[string][]string{"s7": {PumpFun}},
	}
	v := newTestVerifier(t, newChainManager(t, fx), nil)

	result, err := v.VerifyToken(context.Background(), "Mint1")
	require.NoError(t, err)
	assert.False(t, result.IsVerified)
}

func TestVerifyTokenUnavailableFailsClosed(t *testing.T) {
	fx := &chainFixture{failAddrs: map[string]bool{"Mint1": true}}
	v := newTestVerifier(t, newChainManager(t, fx), nil)

	result, err := v.VerifyToken(context.Background(), "Mint1")
	require.Error(t, err)

	assert.False(t, result.IsVerified)
	assert.Equal(t, domain.SourceUnavailable, result.Source)
}

func TestVerifyTokenCachesResult(t *testing.T) {
	fx := &chainFixture{
		signatures: map[string][]string{"Mint1": {"sig1"}},
		programs:   map[string][]string{"sig1": {PumpFun}},
	}
	v := newTestVerifier(t, newChainManager(t, fx), nil)

	_, err := v.VerifyToken(context.Background(), "Mint1")
	require.NoError(t, err)
	before := fx.callCount()

	result, err := v.VerifyToken(context.Background(), "Mint1")
	require.NoError(t, err)

	assert.True(t, result.IsVerified)
	assert.Equal(t, domain.SourceCached, result.Source)
	assert.Equal(t, before, fx.callCount())
}

func TestVerifyBatchAllowList(t *testing.T) {
	allow := newAllowListFixture(t, "Mint0", "Mint3", "Mint7")

	pools := make([]domain.DiscoveredPool, 12)
	for i := range pools {
		pools[i] = domain.DiscoveredPool{
			TokenMint:   fmt.Sprintf("Mint%d", i),
			PoolAddress: fmt.Sprintf("Pool%d", i),
		}
	}

	v := newTestVerifier(t, newChainManager(t, &chainFixture{}), allow)

	verified, err := v.VerifyBatch(context.Background(), pools)
	require.NoError(t, err)

	assert.Len(t, verified, 3)
	assert.Contains(t, verified, "Mint0")
	assert.Contains(t, verified, "Mint3")
	assert.Contains(t, verified, "Mint7")
}

func TestBatchBounds(t *testing.T) {
	bounds := batchBounds(12, 5)
	require.Len(t, bounds, 3)
	assert.Equal(t, [2]int{0, 5}, bounds[0])
	assert.Equal(t, [2]int{5, 10}, bounds[1])
	assert.Equal(t, [2]int{10, 12}, bounds[2])

	assert.Empty(t, batchBounds(0, 5))
	assert.Len(t, batchBounds(5, 5), 1)
}

func TestVerifyBatchDelaysBetweenBatches(t *testing.T) {
	allow := newAllowListFixture(t, "Mint0")

	pools := make([]domain.DiscoveredPool, 12)
	for i := range pools {
		pools[i] = domain.DiscoveredPool{TokenMint: fmt.Sprintf("Mint%d", i)}
	}

	v := newTestVerifier(t, newChainManager(t, &chainFixture{}), allow, func(o *VerifierOptions) {
		o.BatchDelay = 30 * time.Millisecond
	})

	start := time.Now()
	_, err := v.VerifyBatch(context.Background(), pools)
	require.NoError(t, err)

	// Three batches separated by two inter-batch delays.
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestVerifyBatchPoolOriginMatchCounts(t *testing.T) {
	// The token's own history shows nothing, but the pool account was
	// created through the platform AMM. OR-combination verifies it.
	fx := &chainFixture{
		signatures: map[string][]string{
			"Mint1": {"sigM"},
			"Pool1": {"sigP"},
		},
		programs: map[string][]string{"sigP": {PumpSwapAMM}},
	}
	v := newTestVerifier(t, newChainManager(t, fx), nil)

	verified, err := v.VerifyBatch(context.Background(), []domain.DiscoveredPool{
		{TokenMint: "Mint1", PoolAddress: "Pool1"},
	})
	require.NoError(t, err)
	assert.Contains(t, verified, "Mint1")
}

func TestVerifyBatchQueuesUnresolvable(t *testing.T) {
	fx := &chainFixture{
		signatures: map[string][]string{"GoodMint": {"sigG"}},
		programs:   map[string][]string{"sigG": {PumpFun}},
		failAddrs:  map[string]bool{"BadMint": true},
	}
	v := newTestVerifier(t, newChainManager(t, fx), nil)

	verified, err := v.VerifyBatch(context.Background(), []domain.DiscoveredPool{
		{TokenMint: "GoodMint", PoolAddress: "PoolG"},
		{TokenMint: "BadMint", PoolAddress: "PoolB"},
	})
	require.NoError(t, err)

	assert.Contains(t, verified, "GoodMint")
	assert.NotContains(t, verified, "BadMint")

	status := v.RetryQueueStatus()
	assert.Equal(t, 1, status.Size)
	require.Len(t, status.Entries, 1)
	assert.Equal(t, "BadMint", status.Entries[0].Mint)
}

func TestProcessRetryQueueResolves(t *testing.T) {
	fx := &chainFixture{failAddrs: map[string]bool{"Mint1": true}}
	v := newTestVerifier(t, newChainManager(t, fx), nil)

	_, err := v.VerifyBatch(context.Background(), []domain.DiscoveredPool{
		{TokenMint: "Mint1", PoolAddress: "Pool1"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, v.RetryQueueStatus().Size)

	// The node recovers before the retry pass.
	fx.mu.Lock()
	fx.failAddrs = nil
	fx.signatures = map[string][]string{"Mint1": {"sig1"}}
	fx.programs = map[string][]string{"sig1": {PumpFun}}
	fx.mu.Unlock()

	result, err := v.ProcessRetryQueue(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Verified)
	assert.Equal(t, 0, result.Remaining)
}

func TestProcessRetryQueueDropsAfterBudget(t *testing.T) {
	fx := &chainFixture{failAddrs: map[string]bool{"Mint1": true}}
	v := newTestVerifier(t, newChainManager(t, fx), nil, func(o *VerifierOptions) {
		o.MaxAttempts = 2
	})

	v.queue.Add("Mint1", "Pool1")

	for i := 0; i < 2; i++ {
		result, err := v.ProcessRetryQueue(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, result.Processed)
		assert.Equal(t, 1, result.Remaining)
	}

	result, err := v.ProcessRetryQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, 0, result.Remaining)
}

func TestProcessRetryQueueConsultsRecoveredAllowList(t *testing.T) {
	// Allow-list down while the entry is queued, back up before the
	// retry pass. The heuristic path stays broken throughout, so only
	// the allow-list can resolve the mint.
	var mu sync.Mutex
	down := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		failing := down
		mu.Unlock()
		if failing {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		allowListHandler(t, "key", []string{"Mint1"})(w, r)
	}))
	t.Cleanup(server.Close)
	allow := NewAllowListClient(server.URL, "key", "12345")

	fx := &chainFixture{failAddrs: map[string]bool{"Mint1": true, "Pool1": true}}
	v := newTestVerifier(t, newChainManager(t, fx), allow)

	_, err := v.VerifyBatch(context.Background(), []domain.DiscoveredPool{
		{TokenMint: "Mint1", PoolAddress: "Pool1"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, v.RetryQueueStatus().Size)

	mu.Lock()
	down = false
	mu.Unlock()

	result, err := v.ProcessRetryQueue(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Verified)
	assert.Equal(t, 0, result.Remaining)

	verdict, err := v.VerifyToken(context.Background(), "Mint1")
	require.NoError(t, err)
	assert.True(t, verdict.IsVerified)
	assert.Equal(t, domain.ConfidenceHigh, verdict.Confidence)
}

func TestWhitelistStatusConcurrentWithFetch(t *testing.T) {
	allow := newAllowListFixture(t, "MintA")
	v := newTestVerifier(t, newChainManager(t, &chainFixture{}), allow)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if j%2 == 0 {
					_, _ = v.FetchAllowList(context.Background())
				} else {
					_ = v.WhitelistStatus()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, v.WhitelistStatus().Size)
}

func TestWhitelistStatusReflectsCacheServedFetch(t *testing.T) {
	// Restart scenario: the whitelist tier is warm but no direct fetch
	// has happened in this process.
	c := cache.New(nil)
	require.NoError(t, c.Set(context.Background(), cache.KeyWhitelist, []string{"MintA", "MintB"}, cache.TTLWhitelist))

	v := newTestVerifier(t, newChainManager(t, &chainFixture{}), nil, func(o *VerifierOptions) {
		o.Cache = c
	})

	set, err := v.FetchAllowList(context.Background())
	require.NoError(t, err)
	assert.Len(t, set, 2)

	status := v.WhitelistStatus()
	assert.Equal(t, 2, status.Size)
	assert.False(t, status.FetchedAt.IsZero())
}

func TestWhitelistStatus(t *testing.T) {
	allow := newAllowListFixture(t, "MintA", "MintB")
	v := newTestVerifier(t, newChainManager(t, &chainFixture{}), allow)

	assert.True(t, v.WhitelistStatus().Available)
	assert.Zero(t, v.WhitelistStatus().Size)

	_, err := v.FetchAllowList(context.Background())
	require.NoError(t, err)

	status := v.WhitelistStatus()
	assert.Equal(t, 2, status.Size)
	assert.False(t, status.FetchedAt.IsZero())
}
