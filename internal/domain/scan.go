package domain

// ScanRecord summarizes one completed discovery pass.
// Corresponds to scan_records table in ClickHouse.
type ScanRecord struct {
	ScannedAt  int64  // Unix timestamp in milliseconds
	PoolsFound int    // unique pools in the pass
	MintsFound int    // unique token mints in the pass
	DurationMs int64  // wall time of the pass
	Endpoint   string // RPC endpoint name that served the scans
	Failures   int    // accounts skipped due to decode failures
}
