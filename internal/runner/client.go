package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cryptodesk/internal/indicator"
	"cryptodesk/internal/model"
)

// Backend is the external strategy evaluation service.
type Backend interface {
	Backtest(ctx context.Context, req Request) (BacktestResult, error)
	StartLiveTest(ctx context.Context, req Request) (StartResult, error)
	CheckLiveTest(ctx context.Context, symbol string) (CheckResult, error)
}

// Backend operations, used as BackendError.Op and metric labels.
const (
	OpBacktest = "backtest"
	OpStart    = "livetest/start"
	OpCheck    = "livetest/check"
)

var routes = map[string]string{
	OpBacktest: "/api/backtest",
	OpStart:    "/api/livetest/start",
	OpCheck:    "/api/livetest/check",
}

// maxResponseBody caps backend response reads.
const maxResponseBody = 8 << 20

// ClientConfig configures the HTTP backend client.
type ClientConfig struct {
	BaseURL string        // default: http://localhost:5000
	Timeout time.Duration // default: 15s
}

// Client talks JSON over HTTP to the strategy backend.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// Observe (optional) is called after every request with its latency.
	Observe func(op string, d time.Duration, err error)
}

// NewClient creates a backend client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:5000"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// wireRequest is the JSON body of backtest and live-test start requests.
// Only enabled indicator configs are sent.
type wireRequest struct {
	Symbol         string              `json:"symbol"`
	Timeframe      string              `json:"timeframe"`
	Period         int                 `json:"period,omitempty"`
	BuyIndicators  indicator.ConfigSet `json:"buyIndicators"`
	SellIndicators indicator.ConfigSet `json:"sellIndicators"`
}

func toWire(req Request, withPeriod bool) wireRequest {
	w := wireRequest{
		Symbol:         req.Symbol,
		Timeframe:      req.Timeframe,
		BuyIndicators:  enabledOnly(req.Buy),
		SellIndicators: enabledOnly(req.Sell),
	}
	if withPeriod {
		w.Period = req.PeriodDays
	}
	return w
}

func enabledOnly(set indicator.ConfigSet) indicator.ConfigSet {
	out := make(indicator.ConfigSet, len(set))
	for _, c := range set.Enabled() {
		out[c.Kind] = c
	}
	return out
}

// Backtest runs a one-shot backtest.
func (c *Client) Backtest(ctx context.Context, req Request) (BacktestResult, error) {
	body, err := c.do(ctx, OpBacktest, http.MethodPost, nil, toWire(req, true))
	if err != nil {
		return BacktestResult{}, err
	}
	return parseBacktest(body)
}

// StartLiveTest asks the backend to begin evaluating req live.
func (c *Client) StartLiveTest(ctx context.Context, req Request) (StartResult, error) {
	body, err := c.do(ctx, OpStart, http.MethodPost, nil, toWire(req, false))
	if err != nil {
		return StartResult{}, err
	}
	return parseStart(body)
}

// CheckLiveTest polls the running live test of symbol.
func (c *Client) CheckLiveTest(ctx context.Context, symbol string) (CheckResult, error) {
	body, err := c.do(ctx, OpCheck, http.MethodGet, url.Values{"symbol": {symbol}}, nil)
	if err != nil {
		return CheckResult{}, err
	}
	return parseCheck(body)
}

// do sends one request. Transport failures and non-2xx statuses come back as
// *model.BackendError; the success flag is checked by the parsers.
func (c *Client) do(ctx context.Context, op, method string, q url.Values, payload any) (body []byte, err error) {
	start := time.Now()
	defer func() {
		if c.Observe != nil {
			c.Observe(op, time.Since(start), err)
		}
	}()

	u := c.baseURL + routes[op]
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var rd io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, &model.BackendError{Op: op, Message: "encode request", Err: err}
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, &model.BackendError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &model.BackendError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &model.BackendError{Op: op, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &model.BackendError{Op: op, Status: resp.StatusCode, Message: errorMessage(body, resp.Status)}
	}
	return body, nil
}

func wrapDecode(op string, err error) error {
	return &model.BackendError{Op: op, Message: fmt.Sprintf("decode response: %v", err), Err: err}
}
