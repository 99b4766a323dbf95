package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"crossvault/networks"
	"crossvault/observability"
)

const (
	defaultTimeout    = 15 * time.Second
	defaultPollRate   = 2.0 // status polls per second across the process
	defaultPollBurst  = 4
	statusRetryBudget = 3
	maxResponseBody   = 1 << 20
	headerAPIKey      = "X-Api-Key"
)

// Config represents the HTTP client configuration.
type Config struct {
	URL       string
	APIKey    string
	Timeout   time.Duration
	PollRate  float64
	PollBurst int
}

// HTTPClient talks to the bridge aggregation service over JSON/HTTP. Calls
// pass through a circuit breaker so a dead aggregator fails fast, and status
// polls are rate limited so retries never hammer the service.
type HTTPClient struct {
	base       string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	limiter    *rate.Limiter
	metrics    callRecorder
}

type callRecorder interface {
	Observe(op, outcome string, d time.Duration)
}

// NewHTTPClient constructs a client targeting the supplied base URL.
func NewHTTPClient(cfg Config) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	pollRate := cfg.PollRate
	if pollRate <= 0 {
		pollRate = defaultPollRate
	}
	burst := cfg.PollBurst
	if burst <= 0 {
		burst = defaultPollBurst
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "bridge-aggregator",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &HTTPClient{
		base:       strings.TrimRight(strings.TrimSpace(cfg.URL), "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker,
		limiter:    rate.NewLimiter(rate.Limit(pollRate), burst),
		metrics:    observability.BridgeMetrics(),
	}
}

func (c *HTTPClient) observe(op string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.metrics.Observe(op, outcome, time.Since(start))
}

type quoteRequest struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Amount string `json:"amount"`
	Asset  string `json:"asset"`
}

type quoteResponse struct {
	ID            string   `json:"id"`
	Bridges       []string `json:"bridges"`
	EstimatedTime int64    `json:"estimatedTimeSeconds"`
	TotalFee      string   `json:"totalFee"`
}

// QuoteRoute asks the aggregation service for a priced route.
func (c *HTTPClient) QuoteRoute(ctx context.Context, source, target networks.Network, amount *big.Int, asset string) (*RouteQuote, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("bridge: quote amount must be positive")
	}
	req := quoteRequest{
		Source: string(source),
		Target: string(target),
		Amount: amount.String(),
		Asset:  asset,
	}
	var resp quoteResponse
	start := time.Now()
	err := c.post(ctx, "/v1/quote", req, &resp)
	c.observe("quote", start, err)
	if err != nil {
		return nil, &UnavailableError{Op: "quoteRoute", Err: err}
	}
	fee, ok := new(big.Int).SetString(strings.TrimSpace(resp.TotalFee), 10)
	if !ok {
		return nil, fmt.Errorf("bridge: malformed fee %q in quote %s", resp.TotalFee, resp.ID)
	}
	return &RouteQuote{
		ID:            resp.ID,
		SourceNetwork: source,
		TargetNetwork: target,
		Amount:        new(big.Int).Set(amount),
		Asset:         asset,
		Bridges:       resp.Bridges,
		EstimatedTime: resp.EstimatedTime,
		TotalFee:      fee,
	}, nil
}

type executeRequest struct {
	QuoteID string `json:"quoteId"`
}

type executeResponse struct {
	Handle string `json:"handle"`
}

// ExecuteRoute submits a quoted route for execution and returns the opaque
// execution handle used for status polling.
func (c *HTTPClient) ExecuteRoute(ctx context.Context, quoteID string) (string, error) {
	if strings.TrimSpace(quoteID) == "" {
		return "", fmt.Errorf("bridge: quote id required")
	}
	var resp executeResponse
	start := time.Now()
	err := c.post(ctx, "/v1/execute", executeRequest{QuoteID: quoteID}, &resp)
	c.observe("execute", start, err)
	if err != nil {
		return "", &UnavailableError{Op: "executeRoute", Err: err}
	}
	if strings.TrimSpace(resp.Handle) == "" {
		return "", fmt.Errorf("bridge: execution accepted without handle for quote %s", quoteID)
	}
	return resp.Handle, nil
}

type statusResponse struct {
	Status    string `json:"status"`
	Substatus string `json:"substatus"`
}

// ExecutionStatus polls the aggregation service, retrying transient failures
// with exponential backoff before surfacing an UnavailableError.
func (c *HTTPClient) ExecutionStatus(ctx context.Context, handle string) (*ExecutionStatus, error) {
	if strings.TrimSpace(handle) == "" {
		return nil, fmt.Errorf("bridge: execution handle required")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var resp statusResponse
	operation := func() error {
		return c.get(ctx, "/v1/status?handle="+url.QueryEscape(handle), &resp)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), statusRetryBudget-1), ctx)
	start := time.Now()
	err := backoff.Retry(operation, policy)
	c.observe("status", start, err)
	if err != nil {
		return nil, &UnavailableError{Op: "executionStatus", Err: err}
	}
	return &ExecutionStatus{Status: strings.ToUpper(strings.TrimSpace(resp.Status)), Substatus: resp.Substatus}, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *HTTPClient) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set(headerAPIKey, c.apiKey)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("bridge: %s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		if out != nil {
			if err := json.Unmarshal(raw, out); err != nil {
				return nil, fmt.Errorf("bridge: decode %s response: %w", path, err)
			}
		}
		return nil, nil
	})
	return err
}
