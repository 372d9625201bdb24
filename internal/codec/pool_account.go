// Package codec decodes raw CPMM pool account data fetched through
// getProgramAccounts into domain records.
package codec

import (
	"encoding/binary"
	"fmt"
	"time"

	"filippo.io/edwards25519"

	"stablepool-radar/internal/base58"
	"stablepool-radar/internal/domain"
)

// CPMM pool state layout. All pubkeys are 32 bytes at fixed offsets after
// the 8-byte account discriminator.
const (
	// PoolAccountSize is the exact byte size of a CPMM pool state account.
	// Used both as a parse precondition and as the dataSize scan filter.
	PoolAccountSize = 637

	offAmmConfig   = 8
	offPoolCreator = 40
	offToken0Vault = 72
	offToken1Vault = 104
	offLpMint      = 136

	// OffToken0Mint and OffToken1Mint are exported for the discovery
	// engine's memcmp filters.
	OffToken0Mint = 168
	OffToken1Mint = 200

	offOpenTime = 373
)

// Open times outside this window are treated as absent rather than
// propagated as garbage timestamps.
var (
	minOpenTime = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	maxOpenTime = time.Date(2033, 1, 1, 0, 0, 0, 0, time.UTC)
)

// ParsePoolAccount decodes a raw CPMM pool account into a DiscoveredPool.
// stableInSlot0 records which mint slot the scan matched against the
// stable mint; the opposite slot becomes the pool's token side.
// A buffer shorter than PoolAccountSize is a hard error: the account does
// not match the pool schema.
func ParsePoolAccount(pubkey string, data []byte, stableInSlot0 bool) (*domain.DiscoveredPool, error) {
	if len(data) < PoolAccountSize {
		return nil, fmt.Errorf("account %s: data too short: %d < %d", pubkey, len(data), PoolAccountSize)
	}

	mint0 := pubkeyAt(data, OffToken0Mint)
	mint1 := pubkeyAt(data, OffToken1Mint)
	vault0 := pubkeyAt(data, offToken0Vault)
	vault1 := pubkeyAt(data, offToken1Vault)

	pool := &domain.DiscoveredPool{
		PoolAddress:         pubkey,
		LpMint:              pubkeyAt(data, offLpMint),
		PoolCreator:         pubkeyAt(data, offPoolCreator),
		OpenTime:            parseOpenTime(data),
		StableIsPrimarySlot: stableInSlot0,
	}

	if stableInSlot0 {
		pool.TokenMint = mint1
		pool.TokenVault = vault1
		pool.StableVault = vault0
	} else {
		pool.TokenMint = mint0
		pool.TokenVault = vault0
		pool.StableVault = vault1
	}

	return pool, nil
}

// pubkeyAt reads a 32-byte pubkey field and renders it base58.
func pubkeyAt(data []byte, offset int) string {
	return base58.Encode(data[offset : offset+32])
}

// parseOpenTime reads the u64 little-endian open time (Unix seconds) and
// validates it against the sane range.
func parseOpenTime(data []byte) *time.Time {
	raw := binary.LittleEndian.Uint64(data[offOpenTime : offOpenTime+8])
	if raw > uint64(maxOpenTime.Unix()) {
		return nil
	}
	t := time.Unix(int64(raw), 0).UTC()
	if t.Before(minOpenTime) || t.After(maxOpenTime) {
		return nil
	}
	return &t
}

// IsOnCurve reports whether a 32-byte pubkey lies on the ed25519 curve.
// Program-derived addresses do not; wallet keys do. Advisory only.
func IsOnCurve(pubkey []byte) bool {
	if len(pubkey) != 32 {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(pubkey)
	return err == nil
}
