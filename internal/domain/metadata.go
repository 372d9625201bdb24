package domain

// TokenMetadata represents token metadata fetched from on-chain mint
// accounts. Served to consumers through the metadata cache tier.
type TokenMetadata struct {
	Mint      string   // token mint address
	Name      *string  // token name (nullable)
	Symbol    *string  // token symbol (nullable)
	Decimals  int      // token decimals
	Supply    *float64 // total supply in UI units (nullable)
	FetchedAt int64    // when metadata was fetched (ms)
}
