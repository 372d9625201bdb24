// Package discovery scans chain state for every CPMM pool that pairs
// the stable mint against an arbitrary token. It reads program-owned
// accounts directly through getProgramAccounts rather than trusting a
// third-party index.
package discovery

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"stablepool-radar/internal/base58"
	"stablepool-radar/internal/cache"
	"stablepool-radar/internal/codec"
	"stablepool-radar/internal/domain"
	"stablepool-radar/internal/rpc"
)

// Known program and mint IDs.
const (
	// CPMMProgram is the Raydium CP-Swap program that owns pool state
	// accounts.
	CPMMProgram = "CPMMoo8L3F4NbTegBCKVNunggL7H1ZpdTHKxQB5qKP1C"

	// USDC is the default stable mint anchoring every pool of interest.
	USDC = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

// Engine performs full pool discovery passes.
type Engine struct {
	manager    *rpc.Manager
	cache      *cache.Cache
	programID  string
	stableMint string
	maxRetries int
	logger     *log.Logger
	now        func() time.Time
}

// Options configures an Engine.
type Options struct {
	Manager    *rpc.Manager
	Cache      *cache.Cache
	ProgramID  string // defaults to CPMMProgram
	StableMint string // defaults to USDC
	MaxRetries int    // RPC fallback attempts per scan
	Logger     *log.Logger
	Now        func() time.Time
}

// NewEngine creates a discovery engine.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		manager:    opts.Manager,
		cache:      opts.Cache,
		programID:  opts.ProgramID,
		stableMint: opts.StableMint,
		maxRetries: opts.MaxRetries,
		logger:     opts.Logger,
		now:        opts.Now,
	}
	if e.programID == "" {
		e.programID = CPMMProgram
	}
	if e.stableMint == "" {
		e.stableMint = USDC
	}
	if e.maxRetries <= 0 {
		e.maxRetries = rpc.DefaultMaxRetries
	}
	if e.logger == nil {
		e.logger = log.New(os.Stdout, "[discovery] ", log.LstdFlags)
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Result carries a pool set plus per-pass diagnostics.
type Result struct {
	Set      *domain.PoolSet
	Failures int // accounts skipped due to decode failures
}

// Discover runs the two filtered scans, decodes every matching account
// and returns the deduplicated pool set. The fresh set atomically
// replaces the pool-list cache tier. If both scans fail the error is
// raised: callers fall back to their own cached copy, never to silently
// stale data from here.
func (e *Engine) Discover(ctx context.Context) (*Result, error) {
	// One scan per mint slot. The two scans are independent and
	// order-insensitive.
	scans := []struct {
		offset        int
		stableInSlot0 bool
	}{
		{codec.OffToken0Mint, true},
		{codec.OffToken1Mint, false},
	}

	var mu sync.Mutex
	byAddress := make(map[string]domain.DiscoveredPool)
	mintSet := make(map[string]struct{})
	failures := 0

	g, gctx := errgroup.WithContext(ctx)
	for _, scan := range scans {
		scan := scan
		g.Go(func() error {
			accounts, err := rpc.ExecuteWithFallback(gctx, e.manager, e.maxRetries,
				func(ctx context.Context, c *rpc.Client) ([]rpc.ProgramAccount, error) {
					return c.GetProgramAccounts(ctx, e.programID, rpc.ProgramAccountsFilter{
						DataSize: codec.PoolAccountSize,
						Memcmp: []rpc.MemcmpFilter{
							{Offset: scan.offset, Bytes: e.stableMint},
						},
					})
				})
			if err != nil {
				return fmt.Errorf("scan slot%d: %w", boolToSlot(scan.stableInSlot0), err)
			}

			mu.Lock()
			defer mu.Unlock()
			for _, acc := range accounts {
				pool, err := codec.ParsePoolAccount(acc.Pubkey, acc.Data, scan.stableInSlot0)
				if err != nil {
					e.logger.Printf("skip account %s: %v", acc.Pubkey, err)
					failures++
					continue
				}
				if pool.TokenMint == e.stableMint {
					// Degenerate stable/stable pool.
					continue
				}
				byAddress[pool.PoolAddress] = *pool
				mintSet[pool.TokenMint] = struct{}{}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	set := &domain.PoolSet{
		Pools:        make([]domain.DiscoveredPool, 0, len(byAddress)),
		TokenMints:   make([]string, 0, len(mintSet)),
		DiscoveredAt: e.now(),
	}
	for _, pool := range byAddress {
		set.Pools = append(set.Pools, pool)
	}
	for mint := range mintSet {
		set.TokenMints = append(set.TokenMints, mint)
	}
	sort.Slice(set.Pools, func(i, j int) bool {
		return set.Pools[i].PoolAddress < set.Pools[j].PoolAddress
	})
	sort.Strings(set.TokenMints)

	if e.cache != nil {
		if err := e.cache.Set(ctx, cache.KeyPoolList, set, cache.TTLPoolList); err != nil {
			e.logger.Printf("cache pool list: %v", err)
		}
	}

	e.logger.Printf("discovered %d pools, %d token mints", len(set.Pools), len(set.TokenMints))
	return &Result{Set: set, Failures: failures}, nil
}

// PDACreatedCount reports how many pools in a set were created by a
// program-derived address rather than a wallet. Launchpad migrations
// create pools through a PDA, so this is a cheap provenance signal for
// operators reading scan stats.
func PDACreatedCount(set *domain.PoolSet) int {
	count := 0
	for _, pool := range set.Pools {
		raw, err := base58.Decode(pool.PoolCreator)
		if err != nil || len(raw) != 32 {
			continue
		}
		if !codec.IsOnCurve(raw) {
			count++
		}
	}
	return count
}

func boolToSlot(stableInSlot0 bool) int {
	if stableInSlot0 {
		return 0
	}
	return 1
}
