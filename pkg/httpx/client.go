package httpx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// MaxResponseBytes caps bodies read by DoJSON.
const MaxResponseBytes = 1 << 20

var ErrResponseTooLarge = errors.New("response body too large")

// DoJSON performs exactly one HTTP exchange. Nothing in the command path
// retries; a failed call is surfaced to the caller as-is.
func DoJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	if len(raw) > MaxResponseBytes {
		return resp.StatusCode, nil, ErrResponseTooLarge
	}
	return resp.StatusCode, raw, nil
}
