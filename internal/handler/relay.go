package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/labstack/echo/v4"

	"relayd/internal/client"
	"relayd/internal/config"
	"relayd/internal/model"
	"relayd/internal/relay"
)

// hopByHopResponseHeaders are connection-scoped upstream headers that
// must not travel past this hop. Names are lower-case because they are
// matched against the normalized header list.
var hopByHopResponseHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// RelayHandler forwards requests to the upstream and relays the
// response back through the relay core.
type RelayHandler struct {
	client  *client.UpstreamClient
	relay   *relay.Relay
	cfg     *config.Config
	logger  *slog.Logger
	baseURL *url.URL
}

// NewRelayHandler creates a RelayHandler.
func NewRelayHandler(uc *client.UpstreamClient, rl *relay.Relay, cfg *config.Config, logger *slog.Logger) (*RelayHandler, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, err
	}
	return &RelayHandler{
		client:  uc,
		relay:   rl,
		cfg:     cfg,
		logger:  logger.With("component", "relay_handler"),
		baseURL: u,
	}, nil
}

// Handle forwards the request upstream and relays the response
// downstream. The normalized header list decides what reaches the
// client; the transfer length decides the relay strategy.
func (h *RelayHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:    req.Context(),
		Method: req.Method,
		Path:   req.URL.Path,
		Query:  req.URL.Query(),
		Header: req.Header,
		Body:   req.Body,
	}

	resp, err := h.forward(c, pr)
	if err != nil {
		return h.mapUpstreamError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	headers, length := relay.ProcessHeaders(headerList(resp.Header))
	copyResponseHeaders(c.Response().Header(), headers)

	ex := relay.NewExchange(resp.StatusCode, newEchoSink(c))

	requestID := c.Response().Header().Get(echo.HeaderXRequestID)
	start := time.Now()
	ex.BeforeSend(func(ex *relay.Exchange) *relay.Exchange {
		ex.RequestID = requestID
		return ex
	})
	ex.AfterSend(func(ex *relay.Exchange) *relay.Exchange {
		h.logger.Debug("committing response",
			"request_id", ex.RequestID,
			"status", ex.StatusCode,
			"upstream_ms", time.Since(start).Milliseconds(),
		)
		return ex
	})

	src := client.NewBodySource(resp.Body, h.cfg.Relay.ChunkBytes, h.cfg.Relay.BufferMaxBytes)

	if useChunked(req.Method, resp.StatusCode, length) {
		_, err = h.relay.ChunkedReply(ex, src)
	} else {
		_, err = h.relay.Reply(ex, src)
	}
	if err != nil {
		return h.mapRelayError(c, err)
	}
	return nil
}

// forward builds the upstream request and executes it.
func (h *RelayHandler) forward(c echo.Context, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	u := *h.baseURL
	u.Path = pr.Path
	u.RawQuery = pr.Query.Encode()

	header := h.filterRequestHeaders(c, pr.Header)

	h.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
	)

	return h.client.DoStream(pr.Ctx, pr.Method, u.String(), header, pr.Body)
}

// filterRequestHeaders clones the inbound headers minus hop-by-hop
// entries and adds the forwarding headers.
func (h *RelayHandler) filterRequestHeaders(c echo.Context, src http.Header) http.Header {
	dst := src.Clone()
	for _, name := range []string{
		"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
		"Te", "Trailer", "Transfer-Encoding", "Upgrade",
	} {
		dst.Del(name)
	}
	dst.Set("X-Forwarded-For", c.RealIP())
	dst.Set("X-Forwarded-Host", c.Request().Host)
	dst.Set("X-Forwarded-Proto", c.Scheme())
	return dst
}

// useChunked reports whether the chunked strategy applies: the
// upstream declared chunked framing and the response may carry a body.
func useChunked(method string, status int, length relay.TransferLength) bool {
	return length.Chunked && method != http.MethodHead && bodyAllowed(status)
}

// bodyAllowed reports whether an HTTP status permits a response body.
func bodyAllowed(status int) bool {
	return status >= http.StatusOK &&
		status != http.StatusNoContent &&
		status != http.StatusNotModified
}

// headerList flattens an http.Header into an ordered pair list for the
// header processor. Keys are sorted for a deterministic order; values
// under one key keep their wire order.
func headerList(src http.Header) []relay.Header {
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]relay.Header, 0, len(src))
	for _, k := range keys {
		for _, v := range src[k] {
			out = append(out, relay.Header{Name: k, Value: v})
		}
	}
	return out
}

// copyResponseHeaders writes the normalized header list onto the
// downstream response, skipping hop-by-hop entries. Names are assigned
// directly to preserve the normalized lower-case form.
func copyResponseHeaders(dst http.Header, headers []relay.Header) {
	for _, hd := range headers {
		if hopByHopResponseHeaders[hd.Name] {
			continue
		}
		dst[hd.Name] = append(dst[hd.Name], hd.Value)
	}
}

// mapUpstreamError translates a failure before anything was relayed
// into a gateway error response.
func (h *RelayHandler) mapUpstreamError(c echo.Context, err error) error {
	h.logger.Error("upstream error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}

// mapRelayError translates the relay's typed errors. A buffered-path
// failure happens before anything was written, so a clean 502/504 can
// still go out. Once the response is committed (chunked mid-stream
// failure) the only option left is an abrupt termination, observed by
// the client as a truncated stream; we log it and return.
func (h *RelayHandler) mapRelayError(c echo.Context, err error) error {
	if c.Response().Committed {
		h.logger.Error("relay failed mid-stream",
			"err", err,
			"path", c.Request().URL.Path,
		)
		return nil
	}

	h.logger.Error("relay error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	var timeoutErr *relay.GatewayTimeoutError
	if errors.As(err, &timeoutErr) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream read timed out",
		})
	}

	var gatewayErr *relay.BadGatewayError
	if errors.As(err, &gatewayErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream read failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "relay failed",
	})
}
