package rpc

// SignatureInfo from getSignaturesForAddress.
type SignatureInfo struct {
	Signature string
	Slot      int64
	BlockTime *int64
	Err       interface{}
}

// SignaturesOpts defines optional pagination parameters for
// getSignaturesForAddress.
type SignaturesOpts struct {
	Before string // Start searching backwards from this signature
	Until  string // Search until this signature
	Limit  int    // Maximum number of signatures to return
}

// Transaction represents a Solana transaction with the fields the
// provenance checks need: the full resolved account key list and the
// program IDs of top-level and inner instructions.
type Transaction struct {
	Slot            int64
	Signature       string
	BlockTime       int64 // Unix timestamp (seconds)
	Err             interface{}
	LogMessages     []string
	AccountKeys     []string
	ProgramIDs      []string // top-level instruction programs
	InnerProgramIDs []string // inner (CPI) instruction programs
}

// InvokesProgram reports whether the transaction invokes programID at
// the top level or through CPI.
func (t *Transaction) InvokesProgram(programID string) bool {
	for _, id := range t.ProgramIDs {
		if id == programID {
			return true
		}
	}
	for _, id := range t.InnerProgramIDs {
		if id == programID {
			return true
		}
	}
	return false
}

// AccountInfo is an account's state with data base64-decoded.
type AccountInfo struct {
	Lamports   uint64
	Owner      string
	Data       []byte
	Executable bool
}

// TokenAmount is the RPC representation of a token quantity.
type TokenAmount struct {
	Amount         string   `json:"amount"`
	Decimals       int      `json:"decimals"`
	UIAmount       *float64 `json:"uiAmount"`
	UIAmountString string   `json:"uiAmountString"`
}
