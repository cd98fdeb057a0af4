package deribit

import (
	"errors"
	"fmt"
)

// ErrMalformedBody is returned for a response body that is not valid JSON.
var ErrMalformedBody = errors.New("malformed response body")

// FetchError is returned once every attempt for a request has failed.
type FetchError struct {
	Endpoint string
	Attempts int
	Err      error // last attempt's error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempt(s): %v", e.Endpoint, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// APIError is a JSON-RPC error envelope returned by the exchange.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Code, e.Message)
}
