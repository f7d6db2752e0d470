// Package client provides the upstream HTTP client and the body source
// the relay reads from.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"relayd/internal/config"
	"relayd/internal/metrics"
	"relayd/internal/model"
	"relayd/internal/relay"
)

// UpstreamClient sends requests to the configured upstream.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     restoreFraming(resp),
		Body:       resp.Body,
	}, nil
}

// restoreFraming re-adds the framing headers net/http lifts out of
// resp.Header (Transfer-Encoding into resp.TransferEncoding,
// Content-Length into resp.ContentLength) so the header processor sees
// the transfer-length semantics the upstream actually sent.
func restoreFraming(resp *http.Response) http.Header {
	h := resp.Header.Clone()
	for _, enc := range resp.TransferEncoding {
		if enc == "chunked" {
			h.Set("Transfer-Encoding", "chunked")
		}
	}
	if resp.ContentLength >= 0 && h.Get("Content-Length") == "" {
		h.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	return h
}

// DoStream executes a request and returns the response body as a stream.
// The caller is responsible for closing the returned ReadCloser.
// The provided context controls the lifetime of the upstream request:
// when the context is canceled (e.g. client disconnects), the upstream
// request is also canceled.
func (c *UpstreamClient) DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header

	return c.Do(req)
}

// BodySource adapts an upstream response body to the relay.Source
// contract. It reads from the body but never closes it; the response
// owner keeps connection lifecycle.
type BodySource struct {
	body     io.Reader
	maxBytes int64
	buf      []byte
}

// NewBodySource creates a BodySource reading fragments of chunkBytes
// and capping buffered reads at maxBytes. Zero values fall back to the
// config defaults' behavior (32 KB fragments, no buffered cap).
func NewBodySource(body io.Reader, chunkBytes int, maxBytes int64) *BodySource {
	if chunkBytes <= 0 {
		chunkBytes = 32 * 1024
	}
	return &BodySource{
		body:     body,
		maxBytes: maxBytes,
		buf:      make([]byte, chunkBytes),
	}
}

// ReadAll blocks until the entire body is read. Transport timeouts are
// mapped onto relay.ErrReadTimeout here so the relay can match the tag
// literally; everything else is returned as-is. Bodies larger than the
// configured cap are an error, not a truncation.
func (s *BodySource) ReadAll() ([]byte, error) {
	var r io.Reader = s.body
	if s.maxBytes > 0 {
		r = io.LimitReader(s.body, s.maxBytes+1)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, classify(err)
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("upstream body exceeds buffer cap of %d bytes", s.maxBytes)
	}
	return data, nil
}

// Next returns the next non-empty body fragment, io.EOF at end of
// stream. The returned slice is only valid until the next call. Empty
// reads are retried rather than surfaced: a zero-length chunk would
// terminate the downstream stream at the wire level.
func (s *BodySource) Next() ([]byte, error) {
	for {
		n, err := s.body.Read(s.buf)
		if n > 0 {
			return s.buf[:n], nil
		}
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, err
		}
	}
}

// classify wraps transport-level timeouts in relay.ErrReadTimeout.
func classify(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %v", relay.ErrReadTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", relay.ErrReadTimeout, err)
	}
	return err
}
