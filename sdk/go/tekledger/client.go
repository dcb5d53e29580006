package tekledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// DegPerToken is the number of deg units in one whole token.
const DegPerToken = 360

// Client wraps the HTTP interactions with the Teknia Ledger REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Credentials represents user credentials used to obtain access tokens.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenPair represents an issued access and refresh token.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Transaction mirrors a committed ledger transaction.
type Transaction struct {
	Seq       uint64 `json:"seq"`
	Type      string `json:"type"`
	From      string `json:"from"`
	To        string `json:"to"`
	AmountDeg int64  `json:"amount_deg"`
	FeeDeg    int64  `json:"fee_deg"`
	Timestamp int64  `json:"timestamp"`
	PrevHash  string `json:"prev_hash"`
	Hash      string `json:"hash"`
}

// Quote is a fee estimate for an operation without applying it.
type Quote struct {
	Op        string `json:"op"`
	AmountDeg int64  `json:"amount_deg"`
	FeeDeg    int64  `json:"fee_deg"`
	TotalDeg  int64  `json:"total_deg"`
}

// Balance reports the current balance of one account.
type Balance struct {
	Account    string `json:"account"`
	BalanceDeg int64  `json:"balance_deg"`
}

// VerifyReport summarises a full chain replay verification.
type VerifyReport struct {
	Checked   uint64 `json:"checked"`
	HeadSeq   uint64 `json:"head_seq"`
	HeadHash  string `json:"head_hash"`
	SupplyDeg int64  `json:"supply_deg"`
}

// TransactionPage is a slice of the chain starting after a given sequence.
type TransactionPage struct {
	HeadSeq      uint64         `json:"head_seq"`
	HeadHash     string         `json:"head_hash"`
	Transactions []*Transaction `json:"transactions"`
}

// KNU is one knowledge unit submitted for reward distribution.
type KNU struct {
	ID              string             `json:"id"`
	Group           string             `json:"group"`
	Owner           string             `json:"owner"`
	Effort          float64            `json:"effort"`
	ImpactPrimary   float64            `json:"impact_primary"`
	ImpactSpillover float64            `json:"impact_spillover"`
	CrossImpacts    map[string]float64 `json:"cross_impacts,omitempty"`
	Status          string             `json:"status"`
	EvidenceRefs    []string           `json:"evidence_refs,omitempty"`
	ValidatedBy     string             `json:"validated_by,omitempty"`
	ValidatedAt     string             `json:"validated_at,omitempty"`
}

// DistributionItem is the per-KNU outcome of a distribution run.
type DistributionItem struct {
	KNUID     string `json:"knu_id"`
	Owner     string `json:"owner"`
	Eligible  bool   `json:"eligible"`
	Reason    string `json:"reason,omitempty"`
	Weight    string `json:"weight,omitempty"`
	TokensDeg int64  `json:"tokens_deg"`
	TxSeq     uint64 `json:"tx_seq,omitempty"`
	TxHash    string `json:"tx_hash,omitempty"`
	Error     string `json:"error,omitempty"`
}

// DistributionResult is the full report of one distribution run.
type DistributionResult struct {
	RunID             string             `json:"run_id"`
	Group             string             `json:"group"`
	PoolDeg           int64              `json:"pool_deg"`
	DryRun            bool               `json:"dry_run"`
	Degenerate        bool               `json:"degenerate,omitempty"`
	TotalWeight       string             `json:"total_weight"`
	TotalAllocatedDeg int64              `json:"total_allocated_deg"`
	TotalRewardedDeg  int64              `json:"total_rewarded_deg"`
	FailedItems       int                `json:"failed_items"`
	Items             []DistributionItem `json:"items"`
}

// DistributionRun is the asynchronous run record returned on enqueue.
type DistributionRun struct {
	ID     string              `json:"id"`
	Group  string              `json:"group"`
	DryRun bool                `json:"dry_run"`
	Status string              `json:"status"`
	Result *DistributionResult `json:"result,omitempty"`
	Error  string              `json:"error,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("tekledger api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("tekledger api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the Teknia Ledger API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Authenticate exchanges credentials for a token pair and stores the access
// token for subsequent calls.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (TokenPair, error) {
	var pair TokenPair
	if err := c.post(ctx, "/api/v1/auth/token", creds, &pair, false); err != nil {
		return TokenPair{}, err
	}
	c.mu.Lock()
	c.accessToken = pair.AccessToken
	c.mu.Unlock()
	return pair, nil
}

// Transfer moves deg between two accounts, charging the sender the fee.
func (c *Client) Transfer(ctx context.Context, from, to string, amountDeg int64) (*Transaction, error) {
	payload := map[string]any{"from": from, "to": to, "amount_deg": amountDeg}
	var tx Transaction
	if err := c.post(ctx, "/api/v1/transfer", payload, &tx, true); err != nil {
		return nil, err
	}
	return &tx, nil
}

// Reward issues deg from the treasury to an account.
func (c *Client) Reward(ctx context.Context, to string, amountDeg int64) (*Transaction, error) {
	payload := map[string]any{"to": to, "amount_deg": amountDeg}
	var tx Transaction
	if err := c.post(ctx, "/api/v1/reward", payload, &tx, true); err != nil {
		return nil, err
	}
	return &tx, nil
}

// Consume returns deg from an account to the treasury.
func (c *Client) Consume(ctx context.Context, from string, amountDeg int64) (*Transaction, error) {
	payload := map[string]any{"from": from, "amount_deg": amountDeg}
	var tx Transaction
	if err := c.post(ctx, "/api/v1/consume", payload, &tx, true); err != nil {
		return nil, err
	}
	return &tx, nil
}

// QuoteFee estimates the fee for an operation without applying it.
func (c *Client) QuoteFee(ctx context.Context, op string, amountDeg int64) (*Quote, error) {
	endpoint := fmt.Sprintf("/api/v1/quote?op=%s&amount_deg=%d", url.QueryEscape(op), amountDeg)
	var quote Quote
	if err := c.get(ctx, endpoint, &quote, true); err != nil {
		return nil, err
	}
	return &quote, nil
}

// Balance fetches the current balance of one account.
func (c *Client) Balance(ctx context.Context, account string) (*Balance, error) {
	endpoint := fmt.Sprintf("/api/v1/balance?account=%s", url.QueryEscape(account))
	var balance Balance
	if err := c.get(ctx, endpoint, &balance, true); err != nil {
		return nil, err
	}
	return &balance, nil
}

// Transactions fetches chain entries after the given sequence number.
func (c *Client) Transactions(ctx context.Context, afterSeq uint64, limit int) (*TransactionPage, error) {
	endpoint := fmt.Sprintf("/api/v1/transactions?after_seq=%d&limit=%d", afterSeq, limit)
	var page TransactionPage
	if err := c.get(ctx, endpoint, &page, true); err != nil {
		return nil, err
	}
	return &page, nil
}

// Verify asks the server to replay and verify the whole chain.
func (c *Client) Verify(ctx context.Context) (*VerifyReport, error) {
	var report VerifyReport
	if err := c.get(ctx, "/api/v1/verify", &report, true); err != nil {
		return nil, err
	}
	return &report, nil
}

// DistributeDryRun computes a distribution without issuing rewards.
func (c *Client) DistributeDryRun(ctx context.Context, group string, knus []*KNU) (*DistributionResult, error) {
	payload := map[string]any{"group": group, "dry_run": true, "knus": knus}
	var result DistributionResult
	if err := c.post(ctx, "/api/v1/distributions", payload, &result, true); err != nil {
		return nil, err
	}
	return &result, nil
}

// Distribute enqueues an asynchronous distribution run.
func (c *Client) Distribute(ctx context.Context, group string, knus []*KNU) (*DistributionRun, error) {
	payload := map[string]any{"group": group, "dry_run": false, "knus": knus}
	var run DistributionRun
	if err := c.post(ctx, "/api/v1/distributions", payload, &run, true); err != nil {
		return nil, err
	}
	return &run, nil
}

// ValidateKNUs checks batch eligibility without computing weights or
// issuing rewards.
func (c *Client) ValidateKNUs(ctx context.Context, group string, knus []*KNU) ([]DistributionItem, error) {
	payload := map[string]any{"group": group, "validate_only": true, "knus": knus}
	var result struct {
		Items []DistributionItem `json:"items"`
	}
	if err := c.post(ctx, "/api/v1/distributions", payload, &result, true); err != nil {
		return nil, err
	}
	return result.Items, nil
}

// DistributionRun fetches the state of an asynchronous run by identifier.
func (c *Client) DistributionRun(ctx context.Context, id string) (*DistributionRun, error) {
	endpoint := "/api/v1/distributions/" + url.PathEscape(id)
	var run DistributionRun
	if err := c.get(ctx, endpoint, &run, true); err != nil {
		return nil, err
	}
	return &run, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token. An empty token disables
// the Authorization header, which is valid against servers without auth.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any, withAuth bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body), withAuth)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any, withAuth bool) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, withAuth)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, withAuth bool) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withAuth {
		if token := c.AccessToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
