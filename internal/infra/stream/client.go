package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Config holds RPC endpoint settings.
type Config struct {
	Endpoint       string        `yaml:"endpoint"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PageLimit      int           `yaml:"page_limit"`
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.PageLimit <= 0 {
		c.PageLimit = 200
	}
	return c
}

// Client is a JSON-RPC polling client for the ledger events endpoint.
// One client is shared by all subscriptions.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *slog.Logger
}

// NewClient creates a client for the configured endpoint.
func NewClient(cfg Config, log *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: log.With("component", "stream"),
	}
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// call makes one JSON-RPC request and unmarshals the result into out.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	reqBody := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      1,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.Endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rpc call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("parse result: %w", err)
	}
	return nil
}

// LatestLedger returns the current head position.
func (c *Client) LatestLedger(ctx context.Context) (uint64, error) {
	var result struct {
		Sequence uint64 `json:"sequence"`
	}
	if err := c.call(ctx, "getLatestLedger", map[string]any{}, &result); err != nil {
		return 0, fmt.Errorf("latest ledger: %w", err)
	}
	return result.Sequence, nil
}

// wireEvent is one event as the RPC endpoint reports it.
type wireEvent struct {
	ID       string          `json:"id"`
	Ledger   uint64          `json:"ledger"`
	Contract string          `json:"contractId"`
	Topic    []string        `json:"topic"`
	Value    json.RawMessage `json:"value"`
	ClosedAt time.Time       `json:"ledgerClosedAt"`
}

type eventsPage struct {
	Events       []wireEvent `json:"events"`
	LatestLedger uint64      `json:"latestLedger"`
}

// events fetches one page of contract events at or above startLedger.
func (c *Client) events(ctx context.Context, contract string, startLedger uint64) (*eventsPage, error) {
	params := map[string]any{
		"startLedger": startLedger,
		"filters": []map[string]any{
			{"type": "contract", "contractIds": []string{contract}},
		},
		"pagination": map[string]any{"limit": c.cfg.PageLimit},
	}

	var page eventsPage
	if err := c.call(ctx, "getEvents", params, &page); err != nil {
		return nil, fmt.Errorf("get events from %d: %w", startLedger, err)
	}
	return &page, nil
}
