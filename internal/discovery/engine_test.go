package discovery

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stablepool-radar/internal/base58"
	"stablepool-radar/internal/cache"
	"stablepool-radar/internal/codec"
	"stablepool-radar/internal/domain"
	"stablepool-radar/internal/rpc"
)

var (
	testStableRaw  = fillKey(0x05)
	testStableMint = base58.Encode(testStableRaw)
)

func fillKey(b byte) []byte {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = b
	}
	return raw
}

// poolAccount builds a synthetic CPMM account with the given mints.
func poolAccount(mint0, mint1 []byte) []byte {
	data := make([]byte, codec.PoolAccountSize)
	copy(data[codec.OffToken0Mint:], mint0)
	copy(data[codec.OffToken1Mint:], mint1)
	binary.LittleEndian.PutUint64(data[373:], uint64(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Unix()))
	return data
}

type scanAccount struct {
	pubkey string
	data   []byte
}

// scanServer serves getProgramAccounts, keyed by the memcmp offset in
// the request filters.
func scanServer(t *testing.T, byOffset map[int][]scanAccount) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64        `json:"id"`
			Method string        `json:"method"`
			Params []interface{} `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "getProgramAccounts", req.Method)

		config := req.Params[1].(map[string]interface{})
		filters := config["filters"].([]interface{})

		var offset int
		sawDataSize := false
		for _, f := range filters {
			fm := f.(map[string]interface{})
			if ds, ok := fm["dataSize"]; ok {
				sawDataSize = true
				require.EqualValues(t, codec.PoolAccountSize, ds)
			}
			if mc, ok := fm["memcmp"]; ok {
				mcm := mc.(map[string]interface{})
				offset = int(mcm["offset"].(float64))
				require.Equal(t, testStableMint, mcm["bytes"])
			}
		}
		require.True(t, sawDataSize, "scan must filter by account size")

		var result []map[string]interface{}
		for _, acc := range byOffset[offset] {
			result = append(result, map[string]interface{}{
				"pubkey": acc.pubkey,
				"account": map[string]interface{}{
					"owner": CPMMProgram,
					"data":  []string{base64.StdEncoding.EncodeToString(acc.data), "base64"},
				},
			})
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		})
	}))
}

func newEngine(t *testing.T, url string) *Engine {
	t.Helper()

	m, err := rpc.NewManager([]rpc.Endpoint{{Name: "test", URL: url, Weight: 1}})
	require.NoError(t, err)

	return NewEngine(Options{
		Manager:    m,
		Cache:      cache.New(nil),
		StableMint: testStableMint,
		Logger:     log.New(os.Stdout, "[discovery-test] ", 0),
	})
}

func TestDiscover_DedupesAcrossScans(t *testing.T) {
	mintA := fillKey(0x0A)
	mintB := fillKey(0x0B)
	mintC := fillKey(0x0C)
	mintD := fillKey(0x0D)

	// Three accounts match "stable in slot 0", two match "stable in
	// slot 1", with Pool3 deliberately returned by both scans.
	shared := poolAccount(testStableRaw, mintC)
	server := scanServer(t, map[int][]scanAccount{
		codec.OffToken0Mint: {
			{"Pool1", poolAccount(testStableRaw, mintA)},
			{"Pool2", poolAccount(testStableRaw, mintB)},
			{"Pool3", shared},
		},
		codec.OffToken1Mint: {
			{"Pool3", shared},
			{"Pool4", poolAccount(mintD, testStableRaw)},
		},
	})
	defer server.Close()

	result, err := newEngine(t, server.URL).Discover(context.Background())
	require.NoError(t, err)

	set := result.Set
	assert.Len(t, set.Pools, 4, "duplicate pool address collapses")
	assert.Len(t, set.TokenMints, 4)
	assert.Zero(t, result.Failures)

	seen := set.MintSet()
	for _, mint := range [][]byte{mintA, mintB, mintC, mintD} {
		assert.Contains(t, seen, base58.Encode(mint))
	}
}

func TestDiscover_SlotFlagSelectsTokenSide(t *testing.T) {
	mintA := fillKey(0x0A)
	server := scanServer(t, map[int][]scanAccount{
		codec.OffToken1Mint: {
			{"Pool1", poolAccount(mintA, testStableRaw)},
		},
	})
	defer server.Close()

	result, err := newEngine(t, server.URL).Discover(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Set.Pools, 1)
	pool := result.Set.Pools[0]
	assert.Equal(t, base58.Encode(mintA), pool.TokenMint)
	assert.False(t, pool.StableIsPrimarySlot)
	assert.NotEqual(t, testStableMint, pool.TokenMint)
}

func TestDiscover_SkipsDegenerateAndMalformed(t *testing.T) {
	mintA := fillKey(0x0A)
	server := scanServer(t, map[int][]scanAccount{
		codec.OffToken0Mint: {
			{"PoolOK", poolAccount(testStableRaw, mintA)},
			// stable/stable pool: both slots hold the stable mint.
			{"PoolDegenerate", poolAccount(testStableRaw, testStableRaw)},
			// truncated account data.
			{"PoolShort", make([]byte, 100)},
		},
	})
	defer server.Close()

	result, err := newEngine(t, server.URL).Discover(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Set.Pools, 1)
	assert.Equal(t, "PoolOK", result.Set.Pools[0].PoolAddress)
	assert.Equal(t, 1, result.Failures)
}

func TestDiscover_WritesPoolListCache(t *testing.T) {
	mintA := fillKey(0x0A)
	server := scanServer(t, map[int][]scanAccount{
		codec.OffToken0Mint: {
			{"Pool1", poolAccount(testStableRaw, mintA)},
		},
	})
	defer server.Close()

	engine := newEngine(t, server.URL)
	_, err := engine.Discover(context.Background())
	require.NoError(t, err)

	var cached domain.PoolSet
	require.NoError(t, engine.cache.Get(context.Background(), cache.KeyPoolList, &cached))
	assert.Len(t, cached.Pools, 1)
}

func TestDiscover_RaisesWhenScansFail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := newEngine(t, server.URL).Discover(context.Background())
	require.Error(t, err)
}

func TestPDACreatedCount(t *testing.T) {
	// Unparseable creators are ignored rather than counted.
	set := &domain.PoolSet{Pools: []domain.DiscoveredPool{
		{PoolCreator: "not-base58!"},
		{PoolCreator: base58.Encode([]byte{1, 2, 3})},
	}}
	assert.Equal(t, 0, PDACreatedCount(set))
}
