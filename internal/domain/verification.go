package domain

// Confidence expresses how strong the evidence behind a verification
// result is.
type Confidence string

// Confidence levels.
const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// VerificationSource identifies the check that produced a result.
type VerificationSource string

// Verification sources.
const (
	SourceAllowList   VerificationSource = "allowlist"
	SourceHeuristic   VerificationSource = "heuristic"
	SourceCached      VerificationSource = "cache"
	SourceUnavailable VerificationSource = "unavailable"
)

// VerificationResult is the provenance verdict for a single token mint.
type VerificationResult struct {
	Mint       string
	IsVerified bool
	Confidence Confidence
	Source     VerificationSource
}

// RetryQueueEntry tracks a mint whose verification could not be resolved
// and is awaiting reprocessing.
type RetryQueueEntry struct {
	Mint            string
	PoolAddress     string
	Attempts        int
	LastAttemptTime int64 // Unix timestamp in milliseconds
}
