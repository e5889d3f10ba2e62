package txengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/KyberNetwork/logger"

	"github.com/selendra/txengine/internal/circuitbreaker"
)

// HTTPClient is a JSON-RPC client over plain HTTP POST. A circuit breaker
// sits in front of the endpoint so a node that keeps failing is backed off
// instead of hammered.
type HTTPClient struct {
	url        string
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	nextID     atomic.Uint64
}

// HTTPClientConfig tunes the HTTP transport. Zero values fall back to
// sensible defaults.
type HTTPClientConfig struct {
	Timeout time.Duration
	Breaker circuitbreaker.Config
}

func NewHTTPClient(url string, cfg HTTPClientConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		breaker: circuitbreaker.New(cfg.Breaker),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Send posts a single JSON-RPC request and returns the raw result. Transport
// failures and server-side HTTP errors count against the breaker; JSON-RPC
// level errors do not, since the node itself is healthy enough to answer.
func (c *HTTPClient) Send(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if !c.breaker.Allow() {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, c.url)
	}

	body, err := c.post(ctx, method, params)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, err
	}
	c.breaker.RecordSuccess()

	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Error != nil {
		logger.WithFields(logger.Fields{
			"method": method,
			"code":   resp.Error.Code,
		}).Debug("rpc call returned error")
		return nil, resp.Error
	}
	return resp.Result, nil
}

func (c *HTTPClient) post(ctx context.Context, method string, params []any) ([]byte, error) {
	payload := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// BreakerState exposes the circuit breaker state for health reporting.
func (c *HTTPClient) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}
