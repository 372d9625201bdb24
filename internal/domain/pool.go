package domain

import "time"

// DiscoveredPool represents a CPMM pool pairing the stable mint against
// an arbitrary token, decoded from raw account data.
// Pools are immutable value records; each discovery pass replaces the
// previous set wholesale.
type DiscoveredPool struct {
	PoolAddress         string     // pool account pubkey (unique key)
	TokenMint           string     // mint of the non-stable side
	TokenVault          string     // vault holding the token side
	StableVault         string     // vault holding the stable side
	LpMint              string     // LP token mint
	PoolCreator         string     // pool creator pubkey
	OpenTime            *time.Time // pool open time (nil if out of sane range)
	StableIsPrimarySlot bool       // true when the stable mint sat in mint slot 0
}

// PoolSet is the result of a single discovery pass.
type PoolSet struct {
	Pools        []DiscoveredPool
	TokenMints   []string // deduplicated non-stable mints
	DiscoveredAt time.Time
}

// MintSet returns the token mints as a set for membership checks.
func (s *PoolSet) MintSet() map[string]struct{} {
	set := make(map[string]struct{}, len(s.TokenMints))
	for _, mint := range s.TokenMints {
		set[mint] = struct{}{}
	}
	return set
}
