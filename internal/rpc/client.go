package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// DefaultTimeout bounds every RPC HTTP round trip.
const DefaultTimeout = 30 * time.Second

// Client is a JSON-RPC 2.0 client bound to a single endpoint URL.
// It performs exactly one attempt per call; retries and failover are the
// Manager's job.
type Client struct {
	endpoint  string
	client    *http.Client
	requestID atomic.Uint64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.client.Timeout = d
	}
}

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// NewClient creates a client for a single RPC endpoint.
func NewClient(endpoint string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint: endpoint,
		client:   &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// rpcRequest represents a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// rpcResponse represents a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError represents a JSON-RPC 2.0 error.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// call performs a single JSON-RPC call. Transport failures, HTTP 429 and
// non-200 statuses surface as errors for the Manager's health tracking.
func (c *Client) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	reqBody := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}

	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("rate limited (429)")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return rpcResp.Error
	}

	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}

	return nil
}

// MemcmpFilter matches raw account bytes at a fixed offset.
type MemcmpFilter struct {
	Offset int
	Bytes  string // base58-encoded comparison bytes
}

// ProgramAccountsFilter narrows a getProgramAccounts scan.
type ProgramAccountsFilter struct {
	DataSize int
	Memcmp   []MemcmpFilter
}

// ProgramAccount is one account returned by a program scan, with its
// data already base64-decoded.
type ProgramAccount struct {
	Pubkey string
	Owner  string
	Data   []byte
}

// GetProgramAccounts scans all accounts owned by programID, server-side
// filtered by exact data size and memcmp matches.
func (c *Client) GetProgramAccounts(ctx context.Context, programID string, filter ProgramAccountsFilter) ([]ProgramAccount, error) {
	var filters []interface{}
	if filter.DataSize > 0 {
		filters = append(filters, map[string]interface{}{"dataSize": filter.DataSize})
	}
	for _, mc := range filter.Memcmp {
		filters = append(filters, map[string]interface{}{
			"memcmp": map[string]interface{}{
				"offset": mc.Offset,
				"bytes":  mc.Bytes,
			},
		})
	}

	config := map[string]interface{}{
		"encoding": "base64",
	}
	if len(filters) > 0 {
		config["filters"] = filters
	}
	params := []interface{}{programID, config}

	var result []getProgramAccountsResult
	if err := c.call(ctx, "getProgramAccounts", params, &result); err != nil {
		return nil, err
	}

	accounts := make([]ProgramAccount, 0, len(result))
	for _, r := range result {
		acc := ProgramAccount{
			Pubkey: r.Pubkey,
			Owner:  r.Account.Owner,
		}
		if len(r.Account.Data) >= 1 {
			data, err := base64.StdEncoding.DecodeString(r.Account.Data[0])
			if err != nil {
				return nil, fmt.Errorf("decode account %s data: %w", r.Pubkey, err)
			}
			acc.Data = data
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

// getProgramAccountsResult is the raw RPC response item for getProgramAccounts.
type getProgramAccountsResult struct {
	Pubkey  string `json:"pubkey"`
	Account struct {
		Owner string   `json:"owner"`
		Data  []string `json:"data"` // [base64_data, encoding]
	} `json:"account"`
}

// GetSignaturesForAddress retrieves signatures for an address with
// pagination.
func (c *Client) GetSignaturesForAddress(ctx context.Context, address string, opts *SignaturesOpts) ([]SignatureInfo, error) {
	config := make(map[string]interface{})
	if opts != nil {
		if opts.Before != "" {
			config["before"] = opts.Before
		}
		if opts.Until != "" {
			config["until"] = opts.Until
		}
		if opts.Limit > 0 {
			config["limit"] = opts.Limit
		}
	}

	params := []interface{}{address}
	if len(config) > 0 {
		params = append(params, config)
	}

	var result []getSignaturesResult
	if err := c.call(ctx, "getSignaturesForAddress", params, &result); err != nil {
		return nil, err
	}

	sigs := make([]SignatureInfo, len(result))
	for i, r := range result {
		sigs[i] = SignatureInfo{
			Signature: r.Signature,
			Slot:      r.Slot,
			BlockTime: r.BlockTime,
			Err:       r.Err,
		}
	}
	return sigs, nil
}

// getSignaturesResult is the raw RPC response item for getSignaturesForAddress.
type getSignaturesResult struct {
	Signature string      `json:"signature"`
	Slot      int64       `json:"slot"`
	BlockTime *int64      `json:"blockTime"`
	Err       interface{} `json:"err"`
}

// GetTransaction retrieves a transaction by signature, including inner
// instructions. Returns nil if the transaction is not found.
func (c *Client) GetTransaction(ctx context.Context, signature string) (*Transaction, error) {
	params := []interface{}{
		signature,
		map[string]interface{}{
			"encoding":                       "json",
			"maxSupportedTransactionVersion": 0,
		},
	}

	var result getTransactionResult
	if err := c.call(ctx, "getTransaction", params, &result); err != nil {
		return nil, err
	}

	if result.Slot == 0 && result.BlockTime == nil {
		// Transaction not found
		return nil, nil
	}

	tx := &Transaction{
		Slot:      result.Slot,
		Signature: signature,
	}
	if result.BlockTime != nil {
		tx.BlockTime = *result.BlockTime
	}

	var accountKeys []string
	if result.Transaction != nil && result.Transaction.Message != nil {
		accountKeys = append(accountKeys, result.Transaction.Message.AccountKeys...)
	}
	if result.Meta != nil {
		// v0 transactions append looked-up addresses after the static keys.
		accountKeys = append(accountKeys, result.Meta.LoadedAddresses.Writable...)
		accountKeys = append(accountKeys, result.Meta.LoadedAddresses.Readonly...)
	}
	tx.AccountKeys = accountKeys

	resolve := func(idx int) string {
		if idx >= 0 && idx < len(accountKeys) {
			return accountKeys[idx]
		}
		return ""
	}

	if result.Transaction != nil && result.Transaction.Message != nil {
		for _, ins := range result.Transaction.Message.Instructions {
			if id := resolve(ins.ProgramIDIndex); id != "" {
				tx.ProgramIDs = append(tx.ProgramIDs, id)
			}
		}
	}
	if result.Meta != nil {
		tx.Err = result.Meta.Err
		tx.LogMessages = result.Meta.LogMessages
		for _, inner := range result.Meta.InnerInstructions {
			for _, ins := range inner.Instructions {
				if id := resolve(ins.ProgramIDIndex); id != "" {
					tx.InnerProgramIDs = append(tx.InnerProgramIDs, id)
				}
			}
		}
	}

	return tx, nil
}

// getTransactionResult is the raw RPC response for getTransaction.
type getTransactionResult struct {
	Slot        int64               `json:"slot"`
	BlockTime   *int64              `json:"blockTime"`
	Meta        *getTransactionMeta `json:"meta"`
	Transaction *getTransactionTx   `json:"transaction"`
}

type getTransactionMeta struct {
	Err               interface{}            `json:"err"`
	LogMessages       []string               `json:"logMessages"`
	InnerInstructions []getInnerInstructions `json:"innerInstructions"`
	LoadedAddresses   struct {
		Writable []string `json:"writable"`
		Readonly []string `json:"readonly"`
	} `json:"loadedAddresses"`
}

type getInnerInstructions struct {
	Index        int              `json:"index"`
	Instructions []getInstruction `json:"instructions"`
}

type getInstruction struct {
	ProgramIDIndex int `json:"programIdIndex"`
}

type getTransactionTx struct {
	Message *getTransactionMessage `json:"message"`
}

type getTransactionMessage struct {
	AccountKeys  []string         `json:"accountKeys"`
	Instructions []getInstruction `json:"instructions"`
}

// GetAccountInfo retrieves account info by public key, with data
// base64-decoded. Returns nil if the account does not exist.
func (c *Client) GetAccountInfo(ctx context.Context, pubkey string) (*AccountInfo, error) {
	params := []interface{}{
		pubkey,
		map[string]interface{}{
			"encoding": "base64",
		},
	}

	var result getAccountInfoResult
	if err := c.call(ctx, "getAccountInfo", params, &result); err != nil {
		return nil, err
	}

	if result.Value == nil {
		return nil, nil
	}

	info := &AccountInfo{
		Lamports:   result.Value.Lamports,
		Owner:      result.Value.Owner,
		Executable: result.Value.Executable,
	}
	if len(result.Value.Data) >= 1 {
		data, err := base64.StdEncoding.DecodeString(result.Value.Data[0])
		if err != nil {
			return nil, fmt.Errorf("decode account %s data: %w", pubkey, err)
		}
		info.Data = data
	}
	return info, nil
}

type getAccountInfoResult struct {
	Value *getAccountInfoValue `json:"value"`
}

type getAccountInfoValue struct {
	Lamports   uint64   `json:"lamports"`
	Owner      string   `json:"owner"`
	Data       []string `json:"data"` // [base64_data, encoding]
	Executable bool     `json:"executable"`
}

// GetTokenSupply retrieves the total supply of a token mint.
func (c *Client) GetTokenSupply(ctx context.Context, mint string) (*TokenAmount, error) {
	params := []interface{}{mint}

	var result getTokenSupplyResult
	if err := c.call(ctx, "getTokenSupply", params, &result); err != nil {
		return nil, err
	}
	if result.Value == nil {
		return nil, nil
	}
	return result.Value, nil
}

type getTokenSupplyResult struct {
	Value *TokenAmount `json:"value"`
}
