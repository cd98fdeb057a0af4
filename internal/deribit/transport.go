package deribit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is the public Deribit API v2 root.
const DefaultBaseURL = "https://www.deribit.com/api/v2"

// DefaultWSURL is the public Deribit JSON-RPC websocket endpoint.
const DefaultWSURL = "wss://www.deribit.com/ws/api/v2"

// maxBodySize caps how much of a response is read.
const maxBodySize = 8 << 20

// Params are request parameters keyed by name.
type Params map[string]any

// Transport performs one raw request against a named API method
// (e.g. "public/ticker") and returns the undecoded body.
// Implementations do not retry.
type Transport interface {
	Do(ctx context.Context, method string, params Params) ([]byte, error)
	Close() error
}

// HTTPTransport issues GET requests against the REST flavour of the API.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport creates an HTTP transport. A nil client uses a default
// client without its own timeout; per-attempt timeouts come from the context.
func NewHTTPTransport(baseURL string, client *http.Client) *HTTPTransport {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = &http.Client{Transport: &http.Transport{
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
		}}
	}
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Do implements Transport.
func (t *HTTPTransport) Do(ctx context.Context, method string, params Params) ([]byte, error) {
	u := t.baseURL + "/" + strings.TrimLeft(method, "/")
	if q := encodeParams(params); q != "" {
		u += "?" + q
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 256)}
	}
	return body, nil
}

// Close releases idle connections.
func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

func encodeParams(params Params) string {
	if len(params) == 0 {
		return ""
	}
	q := url.Values{}
	for k, v := range params {
		q.Set(k, formatParam(v))
	}
	return q.Encode()
}

func formatParam(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
