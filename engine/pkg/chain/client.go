// Package chain is a read-mostly client for the Pocket chain REST gateway:
// supplier records, balances, heights, the service catalog and transaction
// broadcast.
package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/supplierpool/engine/pkg/metrics"
	"github.com/malbeclabs/supplierpool/engine/pkg/supplier"
)

// ErrNotFound is returned when the chain has no record for the query.
var ErrNotFound = errors.New("not found on chain")

// grpcCodeNotFound is the gRPC status code the gateway embeds in error bodies.
const grpcCodeNotFound = 5

// HTTPError is a non-success gateway response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("chain gateway returned %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the gateway was overloaded or failing.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Config struct {
	Logger  *slog.Logger
	BaseURL string

	HTTPClient        *http.Client
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	RetryMax          int
	RetryWaitMin      time.Duration
	RetryWaitMax      time.Duration
	Denom             string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.BaseURL == "" {
		return errors.New("base url is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	} else if cfg.RetryMax == 0 {
		cfg.RetryMax = 3
	}
	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = 500 * time.Millisecond
	}
	if cfg.RetryWaitMax <= 0 {
		cfg.RetryWaitMax = 5 * time.Second
	}
	if cfg.Denom == "" {
		cfg.Denom = supplier.Denom
	}
	return nil
}

type Client struct {
	log     *slog.Logger
	cfg     Config
	http    *retryablehttp.Client
	limiter *rate.Limiter
}

func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	retryClient := retryablehttp.NewClient()
	if cfg.HTTPClient != nil {
		retryClient.HTTPClient = cfg.HTTPClient
	}
	retryClient.HTTPClient.Timeout = cfg.Timeout
	retryClient.RetryMax = cfg.RetryMax
	retryClient.RetryWaitMin = cfg.RetryWaitMin
	retryClient.RetryWaitMax = cfg.RetryWaitMax
	retryClient.Logger = nil
	// Return the last response instead of a generic "giving up" error so the
	// status code reaches the caller.
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		log:     cfg.Logger,
		cfg:     cfg,
		http:    retryClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
	}, nil
}

// Supplier is a supplier record as stored on chain.
type Supplier struct {
	OwnerAddress            string
	OperatorAddress         string
	Stake                   uint64
	Services                []supplier.ServiceConfig
	UnstakeSessionEndHeight int64
}

// IsUnstaking reports whether an unstake has been requested.
func (s *Supplier) IsUnstaking() bool {
	return s.UnstakeSessionEndHeight > 0
}

// TxResult is the gateway's view of a transaction.
type TxResult struct {
	Hash   string `json:"txhash"`
	Height int64  `json:"height"`
	Code   uint32 `json:"code"`
	RawLog string `json:"raw_log"`
}

func (r TxResult) Succeeded() bool { return r.Code == 0 }

// GetSupplier returns the supplier staked for operator, or ErrNotFound.
func (c *Client) GetSupplier(ctx context.Context, operator string) (*Supplier, error) {
	var resp supplierResponse
	if err := c.get(ctx, "supplier", "/pokt-network/poktroll/supplier/supplier/"+url.PathEscape(operator), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Supplier.toSupplier(c.cfg.Denom)
}

// GetBalance returns the spendable balance of address in upokt.
func (c *Client) GetBalance(ctx context.Context, address string) (uint64, error) {
	var resp balanceResponse
	q := url.Values{"denom": {c.cfg.Denom}}
	err := c.get(ctx, "balance", "/cosmos/bank/v1beta1/balances/"+url.PathEscape(address)+"/by_denom", q, &resp)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return resp.Balance.amount(c.cfg.Denom)
}

// LatestHeight returns the height of the latest block.
func (c *Client) LatestHeight(ctx context.Context) (int64, error) {
	var resp latestBlockResponse
	if err := c.get(ctx, "latest_block", "/cosmos/base/tendermint/v1beta1/blocks/latest", nil, &resp); err != nil {
		return 0, err
	}
	h := int64(resp.Block.Header.Height)
	if h <= 0 {
		return 0, errors.New("gateway returned no block height")
	}
	return h, nil
}

// ListServices returns every service registered on chain.
func (c *Client) ListServices(ctx context.Context) ([]supplier.Service, error) {
	var out []supplier.Service
	var key string
	for {
		q := url.Values{}
		if key != "" {
			q.Set("pagination.key", key)
		}
		var resp servicesResponse
		if err := c.get(ctx, "services", "/pokt-network/poktroll/service/service", q, &resp); err != nil {
			return nil, err
		}
		for _, s := range resp.Service {
			out = append(out, supplier.Service{ID: s.ID, Name: s.Name, OwnerAddress: s.OwnerAddress})
		}
		if resp.Pagination.NextKey == "" || resp.Pagination.NextKey == key {
			return out, nil
		}
		key = resp.Pagination.NextKey
	}
}

// GetTx returns a committed transaction by hash, or ErrNotFound.
func (c *Client) GetTx(ctx context.Context, hash string) (TxResult, error) {
	var resp txResponse
	if err := c.get(ctx, "tx", "/cosmos/tx/v1beta1/txs/"+url.PathEscape(hash), nil, &resp); err != nil {
		return TxResult{}, err
	}
	return resp.TxResponse.toResult(), nil
}

// BroadcastTx submits signed transaction bytes in sync mode.
func (c *Client) BroadcastTx(ctx context.Context, txBytes []byte) (TxResult, error) {
	body, err := json.Marshal(broadcastRequest{
		TxBytes: base64.StdEncoding.EncodeToString(txBytes),
		Mode:    "BROADCAST_MODE_SYNC",
	})
	if err != nil {
		return TxResult{}, fmt.Errorf("failed to encode broadcast request: %w", err)
	}
	var resp txResponse
	if err := c.do(ctx, "broadcast", http.MethodPost, "/cosmos/tx/v1beta1/txs", nil, body, &resp); err != nil {
		return TxResult{}, err
	}
	return resp.TxResponse.toResult(), nil
}

func (c *Client) get(ctx context.Context, endpoint, path string, query url.Values, out any) error {
	return c.do(ctx, endpoint, http.MethodGet, path, query, nil, out)
}

func (c *Client) do(ctx context.Context, endpoint, method, path string, query url.Values, body []byte, out any) (err error) {
	start := time.Now()
	defer func() {
		if errors.Is(err, ErrNotFound) {
			metrics.RecordChainRequest(endpoint, time.Since(start), nil)
			return
		}
		metrics.RecordChainRequest(endpoint, time.Since(start), err)
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("chain rate limiter: %w", err)
	}

	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reqBody any
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("chain %s request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("failed to read chain %s response: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound || isNotFoundBody(data) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return &HTTPError{StatusCode: resp.StatusCode, Body: truncate(string(data), 512)}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode chain %s response: %w", endpoint, err)
	}
	c.log.Debug("chain: request completed", "endpoint", endpoint, "duration", time.Since(start).String())
	return nil
}

func isNotFoundBody(data []byte) bool {
	var status struct {
		Code int `json:"code"`
	}
	return json.Unmarshal(data, &status) == nil && status.Code == grpcCodeNotFound
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
