package deribit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"deribit-lab/internal/observability"
)

// Default configuration values.
const (
	DefaultRetries = 3
	DefaultBackoff = 1 * time.Second
	DefaultTimeout = 10 * time.Second
)

// Fetcher performs one request with bounded retries and linear backoff.
// It knows nothing about market semantics.
type Fetcher struct {
	transport Transport
	retries   int
	backoff   time.Duration
	timeout   time.Duration
	limiter   *rate.Limiter
	logger    logrus.FieldLogger
	sleep     func(ctx context.Context, d time.Duration) error
}

// FetcherOption configures Fetcher.
type FetcherOption func(*Fetcher)

// WithRetries sets the total number of attempts (minimum 1).
func WithRetries(n int) FetcherOption {
	return func(f *Fetcher) {
		if n < 1 {
			n = 1
		}
		f.retries = n
	}
}

// WithBackoff sets the base backoff; the delay before attempt k+1 is backoff*k.
func WithBackoff(d time.Duration) FetcherOption {
	return func(f *Fetcher) {
		f.backoff = d
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) FetcherOption {
	return func(f *Fetcher) {
		f.timeout = d
	}
}

// WithRateLimiter makes every attempt wait on limiter first.
func WithRateLimiter(l *rate.Limiter) FetcherOption {
	return func(f *Fetcher) {
		f.limiter = l
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) FetcherOption {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewFetcher creates a Fetcher over transport.
func NewFetcher(transport Transport, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		transport: transport,
		retries:   DefaultRetries,
		backoff:   DefaultBackoff,
		timeout:   DefaultTimeout,
		logger:    discardLogger(),
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch calls endpoint and returns its payload, unwrapping a {"result": X}
// envelope to X. Transport errors, non-2xx statuses, API error envelopes and
// unparseable bodies are retried; after the last attempt a *FetchError is returned.
func (f *Fetcher) Fetch(ctx context.Context, endpoint string, params Params) (json.RawMessage, error) {
	log := f.logger.WithField("endpoint", endpoint)

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= f.retries; attempt++ {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				if attempts == 0 {
					// Nothing was sent.
					return nil, fmt.Errorf("rate limiter: %w", err)
				}
				lastErr = fmt.Errorf("rate limiter: %w", err)
				break
			}
		}

		attempts = attempt
		start := time.Now()
		payload, err := f.attempt(ctx, endpoint, params)
		observability.RecordFetchAttempt(endpoint, time.Since(start).Seconds(), err)
		if err == nil {
			log.WithFields(logrus.Fields{"attempt": attempt, "bytes": len(payload)}).Debug("fetch ok")
			return payload, nil
		}
		lastErr = err

		log.WithFields(logrus.Fields{
			"attempt": attempt,
			"retries": f.retries,
		}).WithError(err).Warn("fetch attempt failed")

		if attempt == f.retries {
			break
		}
		if err := f.sleep(ctx, f.backoff*time.Duration(attempt)); err != nil {
			lastErr = err
			break
		}
	}

	observability.RecordFetchExhausted(endpoint)
	log.WithField("attempts", attempts).WithError(lastErr).Error("fetch failed")
	return nil, &FetchError{Endpoint: endpoint, Attempts: attempts, Err: lastErr}
}

func (f *Fetcher) attempt(ctx context.Context, endpoint string, params Params) (json.RawMessage, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	body, err := f.transport.Do(ctx, endpoint, params)
	if err != nil {
		return nil, err
	}
	return unwrapResult(body)
}

// unwrapResult returns X for {"result": X}. A JSON-RPC error envelope is an
// *APIError; any other valid JSON is returned unchanged.
func unwrapResult(body []byte) (json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || !json.Valid(body) {
		return nil, fmt.Errorf("%w: %s", ErrMalformedBody, truncate(string(body), 128))
	}
	if body[0] != '{' {
		return json.RawMessage(body), nil
	}

	var env map[string]json.RawMessage
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	if result, ok := env["result"]; ok {
		return result, nil
	}
	if raw, ok := env["error"]; ok && !bytes.Equal(raw, []byte("null")) {
		apiErr := &APIError{}
		if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = string(raw)
		}
		return nil, apiErr
	}
	return json.RawMessage(body), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
