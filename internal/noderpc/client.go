// Package noderpc defines the bridge's contract with a Kaspa full node:
// fetching block templates, following template updates, and submitting
// found blocks. The wire format a real Kaspa node speaks (gRPC over its
// own protobuf schema) is out of scope here; Client is the seam a
// production build wires to that transport, and HTTPClient is a
// concrete, ecosystem-grounded stand-in that speaks plain JSON over
// HTTP so the rest of the bridge can be built and tested against it.
package noderpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Template is a block template as fetched from the node: enough to
// build a mining job and, later, a full block for submission.
type Template struct {
	Height          uint64
	NetworkTarget   *big.Int
	HeaderPrePow    []byte
	CoinbaseOutputs []byte
	Timestamp       int64
}

// Block is a fully assembled block ready for submission back to the node.
type Block struct {
	Header []byte
	Nonce  uint64
}

// SubmitResult reports how the node treated a submitted block.
type SubmitResult struct {
	Accepted bool
	Reason   string
}

// Client is the bridge's view of a Kaspa full node.
type Client interface {
	// GetBlockTemplate fetches the current template for the given pay
	// address, used on startup.
	GetBlockTemplate(ctx context.Context, payAddress string) (*Template, error)

	// SubscribeTemplates streams templates as the node produces new
	// ones (new tip, new transactions). The channel closes when ctx is
	// canceled or the stream cannot be reestablished.
	SubscribeTemplates(ctx context.Context, payAddress string) (<-chan *Template, error)

	// SubmitBlock submits a found block to the node.
	SubmitBlock(ctx context.Context, block *Block) (*SubmitResult, error)
}

// HTTPClient implements Client over a plain JSON/HTTP API, reconnecting
// its subscription stream with exponential backoff.
type HTTPClient struct {
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
}

// NewHTTPClient builds an HTTPClient against baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: timeout},
		pollInterval: 2 * time.Second,
	}
}

// WithPollInterval overrides the template-polling interval used by
// SubscribeTemplates; tests use this to shorten an otherwise slow loop.
func (c *HTTPClient) WithPollInterval(d time.Duration) *HTTPClient {
	c.pollInterval = d
	return c
}

type rawTemplate struct {
	Height          uint64 `json:"height"`
	NetworkTargetHex string `json:"networkTarget"`
	HeaderPrePowHex  string `json:"headerPrePow"`
	CoinbaseHex      string `json:"coinbaseOutputs"`
	Timestamp       int64  `json:"timestamp"`
}

func (c *HTTPClient) GetBlockTemplate(ctx context.Context, payAddress string) (*Template, error) {
	url := fmt.Sprintf("%s/template?payAddress=%s", c.baseURL, payAddress)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("noderpc: get template: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("noderpc: get template: node returned status %d", resp.StatusCode)
	}

	var raw rawTemplate
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("noderpc: decode template: %w", err)
	}

	return rawToTemplate(raw)
}

// SubscribeTemplates polls GetBlockTemplate on an interval, reconnecting
// with exponential backoff on failure, and emits a new Template whenever
// the height or header bytes change. A long-poll or push-based node API
// would replace the polling loop without changing Client's contract.
func (c *HTTPClient) SubscribeTemplates(ctx context.Context, payAddress string) (<-chan *Template, error) {
	out := make(chan *Template, 1)

	go func() {
		defer close(out)

		var lastHeight uint64
		var lastHeader []byte
		poll := func() error {
			tmpl, err := c.GetBlockTemplate(ctx, payAddress)
			if err != nil {
				return err
			}
			if tmpl.Height == lastHeight && bytes.Equal(tmpl.HeaderPrePow, lastHeader) {
				return nil
			}
			lastHeight = tmpl.Height
			lastHeader = tmpl.HeaderPrePow
			select {
			case out <- tmpl:
			case <-ctx.Done():
			}
			return nil
		}

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 100 * time.Millisecond
		bo.MaxInterval = 10 * time.Second

		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := backoff.Retry(poll, backoff.WithContext(bo, ctx)); err != nil {
					return
				}
				bo.Reset()
			}
		}
	}()

	return out, nil
}

func (c *HTTPClient) SubmitBlock(ctx context.Context, block *Block) (*SubmitResult, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"header": fmt.Sprintf("%x", block.Header),
		"nonce":  block.Nonce,
	})
	if err != nil {
		return nil, err
	}

	url := c.baseURL + "/submitBlock"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("noderpc: submit block: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Accepted bool   `json:"accepted"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("noderpc: decode submit result: %w", err)
	}

	return &SubmitResult{Accepted: result.Accepted, Reason: result.Reason}, nil
}

func rawToTemplate(raw rawTemplate) (*Template, error) {
	target, ok := new(big.Int).SetString(raw.NetworkTargetHex, 16)
	if !ok {
		return nil, fmt.Errorf("noderpc: invalid network target %q", raw.NetworkTargetHex)
	}

	headerPrePow, err := hex.DecodeString(raw.HeaderPrePowHex)
	if err != nil {
		return nil, fmt.Errorf("noderpc: invalid header bytes: %w", err)
	}

	coinbase, err := hex.DecodeString(raw.CoinbaseHex)
	if err != nil {
		return nil, fmt.Errorf("noderpc: invalid coinbase bytes: %w", err)
	}

	return &Template{
		Height:          raw.Height,
		NetworkTarget:   target,
		HeaderPrePow:    headerPrePow,
		CoinbaseOutputs: coinbase,
		Timestamp:       raw.Timestamp,
	}, nil
}
