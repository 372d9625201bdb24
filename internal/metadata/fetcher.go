// Package metadata fetches on-chain token metadata for discovered
// mints and serves it through the metadata cache tier.
package metadata

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"stablepool-radar/internal/cache"
	"stablepool-radar/internal/domain"
	"stablepool-radar/internal/rpc"
)

// SPL token mint account layout.
const (
	MintAccountSize = 82
	offMintSupply   = 36 // u64 LE, raw units
	offMintDecimals = 44 // u8
)

// DefaultMaxBatch caps concurrent mint fetches per batch.
const DefaultMaxBatch = 10

// Fetcher reads token metadata from the chain, cache-first.
type Fetcher struct {
	manager    *rpc.Manager
	cache      *cache.Cache
	maxBatch   int
	maxRetries int
	logger     *log.Logger
	now        func() time.Time
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithMaxBatch caps the number of concurrent fetches.
func WithMaxBatch(n int) Option {
	return func(f *Fetcher) {
		f.maxBatch = n
	}
}

// WithMaxRetries sets the per-call endpoint fallback budget.
func WithMaxRetries(n int) Option {
	return func(f *Fetcher) {
		f.maxRetries = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) {
		f.now = now
	}
}

// NewFetcher creates a Fetcher.
func NewFetcher(manager *rpc.Manager, c *cache.Cache, opts ...Option) *Fetcher {
	f := &Fetcher{
		manager:    manager,
		cache:      c,
		maxBatch:   DefaultMaxBatch,
		maxRetries: rpc.DefaultMaxRetries,
		logger:     log.New(os.Stdout, "[metadata] ", log.LstdFlags),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns metadata for one mint, from the cache tier when fresh.
func (f *Fetcher) Fetch(ctx context.Context, mint string) (*domain.TokenMetadata, error) {
	if f.cache != nil {
		var cached domain.TokenMetadata
		if err := f.cache.Get(ctx, cache.KeyTokenMetadata+mint, &cached); err == nil {
			return &cached, nil
		}
	}

	meta, err := f.fetchChain(ctx, mint)
	if err != nil {
		return nil, err
	}

	if f.cache != nil {
		if err := f.cache.Set(ctx, cache.KeyTokenMetadata+mint, meta, cache.TTLTokenMetadata); err != nil {
			f.logger.Printf("cache metadata %s: %v", mint, err)
		}
	}
	return meta, nil
}

// FetchBatch resolves metadata for a mint set. Cached entries are
// served directly; the rest are fetched concurrently, capped at the
// batch limit. Mints that cannot be resolved are logged and left out.
func (f *Fetcher) FetchBatch(ctx context.Context, mints []string) (map[string]*domain.TokenMetadata, error) {
	out := make(map[string]*domain.TokenMetadata, len(mints))
	var mu sync.Mutex

	var uncached []string
	for _, mint := range mints {
		if f.cache != nil {
			var cached domain.TokenMetadata
			if err := f.cache.Get(ctx, cache.KeyTokenMetadata+mint, &cached); err == nil {
				out[mint] = &cached
				continue
			}
		}
		uncached = append(uncached, mint)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.maxBatch)
	for _, mint := range uncached {
		mint := mint
		g.Go(func() error {
			meta, err := f.Fetch(gctx, mint)
			if err != nil {
				f.logger.Printf("fetch %s: %v", mint, err)
				return nil
			}
			mu.Lock()
			out[mint] = meta
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

// fetchChain reads decimals and supply from the chain. getTokenSupply
// is the primary source; the raw mint account is the fallback when a
// provider does not serve the token methods. Name and symbol live on a
// separate metadata account and stay null here.
func (f *Fetcher) fetchChain(ctx context.Context, mint string) (*domain.TokenMetadata, error) {
	meta := &domain.TokenMetadata{
		Mint:      mint,
		FetchedAt: f.now().UnixMilli(),
	}

	supply, err := rpc.ExecuteWithFallback(ctx, f.manager, f.maxRetries,
		func(ctx context.Context, c *rpc.Client) (*rpc.TokenAmount, error) {
			return c.GetTokenSupply(ctx, mint)
		})
	if err == nil && supply != nil {
		meta.Decimals = supply.Decimals
		if supply.UIAmount != nil {
			v := *supply.UIAmount
			meta.Supply = &v
		}
		return meta, nil
	}

	info, aerr := rpc.ExecuteWithFallback(ctx, f.manager, f.maxRetries,
		func(ctx context.Context, c *rpc.Client) (*rpc.AccountInfo, error) {
			return c.GetAccountInfo(ctx, mint)
		})
	if aerr != nil {
		return nil, fmt.Errorf("token supply for %s: %v; account info: %w", mint, err, aerr)
	}
	if info == nil {
		return nil, fmt.Errorf("mint account %s not found", mint)
	}

	decimals, rawSupply, perr := parseMintAccount(info.Data)
	if perr != nil {
		return nil, fmt.Errorf("mint account %s: %w", mint, perr)
	}
	meta.Decimals = decimals
	ui := uiAmount(rawSupply, decimals)
	meta.Supply = &ui
	return meta, nil
}

// parseMintAccount decodes decimals and raw supply from an SPL mint
// account.
func parseMintAccount(data []byte) (int, uint64, error) {
	if len(data) < MintAccountSize {
		return 0, 0, fmt.Errorf("mint account too short: %d bytes", len(data))
	}
	supply := binary.LittleEndian.Uint64(data[offMintSupply : offMintSupply+8])
	decimals := int(data[offMintDecimals])
	return decimals, supply, nil
}

func uiAmount(raw uint64, decimals int) float64 {
	v := float64(raw)
	for i := 0; i < decimals; i++ {
		v /= 10
	}
	return v
}
