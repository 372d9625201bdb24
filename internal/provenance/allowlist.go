// Package provenance establishes whether discovered token mints were
// genuinely created by the target launch platform. The primary path is
// membership in an authoritative off-chain allow-list; the fallback is
// heuristic inspection of the earliest on-chain transactions. Both
// resolve ambiguity to "not verified": a false positive pollutes the
// verified set irreversibly once cached.
package provenance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DefaultPageLimit is the allow-list page size.
const DefaultPageLimit = 1000

// AllowListClient fetches the launch platform's full mint set from a
// query service. One fixed query ID returns rows of {token_mint},
// paginated.
type AllowListClient struct {
	baseURL string
	apiKey  string
	queryID string
	client  *http.Client
	limit   int
}

// AllowListOption configures an AllowListClient.
type AllowListOption func(*AllowListClient)

// WithAllowListHTTPClient sets a custom http.Client.
func WithAllowListHTTPClient(client *http.Client) AllowListOption {
	return func(c *AllowListClient) {
		c.client = client
	}
}

// WithPageLimit sets the pagination page size.
func WithPageLimit(limit int) AllowListOption {
	return func(c *AllowListClient) {
		c.limit = limit
	}
}

// NewAllowListClient creates a client for the allow-list query service.
func NewAllowListClient(baseURL, apiKey, queryID string, opts ...AllowListOption) *AllowListClient {
	c := &AllowListClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		queryID: queryID,
		client:  &http.Client{Timeout: 30 * time.Second},
		limit:   DefaultPageLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// allowListResponse is the raw query service response.
type allowListResponse struct {
	Result struct {
		Rows []struct {
			TokenMint string `json:"token_mint"`
		} `json:"rows"`
	} `json:"result"`
}

// FetchAll pages through the query results and returns the full mint
// set.
func (c *AllowListClient) FetchAll(ctx context.Context) (map[string]struct{}, error) {
	mints := make(map[string]struct{})

	for offset := 0; ; offset += c.limit {
		rows, err := c.fetchPage(ctx, offset)
		if err != nil {
			return nil, err
		}
		for _, mint := range rows {
			if mint != "" {
				mints[mint] = struct{}{}
			}
		}
		if len(rows) < c.limit {
			return mints, nil
		}
	}
}

// fetchPage fetches one page of query rows.
func (c *AllowListClient) fetchPage(ctx context.Context, offset int) ([]string, error) {
	endpoint := fmt.Sprintf("%s/api/v1/query/%s/results?%s", c.baseURL, c.queryID, url.Values{
		"limit":  []string{fmt.Sprint(c.limit)},
		"offset": []string{fmt.Sprint(offset)},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-API-KEY", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var parsed allowListResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	rows := make([]string, 0, len(parsed.Result.Rows))
	for _, row := range parsed.Result.Rows {
		rows = append(rows, row.TokenMint)
	}
	return rows, nil
}
