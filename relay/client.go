package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrRelayerUnreachable wraps transport-level failures talking to a remote
// relayer, as opposed to the relayer answering with an error.
var ErrRelayerUnreachable = errors.New("relayer unreachable")

// RelayerError is a non-2xx answer from the relayer, carrying the HTTP status
// and the reason the relayer gave.
type RelayerError struct {
	StatusCode int
	Status     string
	Reason     string
}

func (e *RelayerError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("relayer error: %s", e.Status)
	}
	return fmt.Sprintf("relayer error: %s: %s", e.Status, e.Reason)
}

const defaultClientTimeout = 30 * time.Second

// Client is the wallet-side facade for a remote relay node. It holds no state
// beyond the configured endpoint; construct one per relayer and inject it
// where it is needed.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

// WithHTTPClient overrides the underlying http client, e.g. to control the
// timeout that bounds the relay confirmation wait.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultClientTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubmitTransaction posts a signed meta-transaction to the relayer and waits
// for the relayer's confirmation answer.
func (c *Client) SubmitTransaction(ctx context.Context, req *MetaTransactionRequest) (*RelayResponse, error) {
	var res RelayResponse
	if err := c.do(ctx, http.MethodPost, RelayEndpoint, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetStatus polls relayer health and remaining funding.
func (c *Client) GetStatus(ctx context.Context) (*StatusResponse, error) {
	var res StatusResponse
	if err := c.do(ctx, http.MethodGet, StatusEndpoint, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// EstimateGas asks the relayer for a dry-run estimate of a not-yet-signed request.
func (c *Client) EstimateGas(ctx context.Context, req *EstimateRequest) (*EstimateResponse, error) {
	var res EstimateResponse
	if err := c.do(ctx, http.MethodPost, EstimateEndpoint, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrRelayerUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &RelayerError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Reason:     readErrorReason(resp.Body),
		}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readErrorReason(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(data))
}
