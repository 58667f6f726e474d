package adapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// Upstream error bodies and unary payloads are read fully; cap them so a
// misbehaving provider cannot exhaust memory.
const (
	maxUnaryBody = 10 << 20 // 10MB
	maxErrorBody = 64 << 10 // 64KB
)

// cancelReadCloser ties a context cancel to the stream's lifetime so the
// per-call deadline keeps running until the caller closes the body.
type cancelReadCloser struct {
	rc     io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Read(p []byte) (int, error) { return c.rc.Read(p) }

func (c *cancelReadCloser) Close() error {
	err := c.rc.Close()
	c.cancel()
	return err
}

// Post performs one upstream POST. On streaming success the response body
// is handed back unread for pass-through; otherwise the body is drained into
// Response.Body. Network and timeout failures return an error.
func Post(ctx context.Context, client *http.Client, url string, body []byte,
	setHeaders func(http.Header), stream bool, timeout Timeouts) (*Response, error) {

	ctx, cancel := context.WithTimeout(ctx, timeout.forStream(stream))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	setHeaders(req.Header)

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("do request: %w", err)
	}

	if stream && resp.StatusCode == http.StatusOK {
		return &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Stream:     &cancelReadCloser{rc: resp.Body, cancel: cancel},
		}, nil
	}

	defer cancel()
	defer resp.Body.Close()

	limit := int64(maxUnaryBody)
	if resp.StatusCode != http.StatusOK {
		limit = maxErrorBody
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: b}, nil
}

// Get performs one unary upstream GET (model listing, health probes).
func Get(ctx context.Context, client *http.Client, url string,
	setHeaders func(http.Header), timeout Timeouts) (*Response, error) {

	ctx, cancel := context.WithTimeout(ctx, timeout.Response)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	setHeaders(req.Header)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxUnaryBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: b}, nil
}
