// Package client provides the outbound HTTP client used to fetch origin content.
package client

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"bridge-proxy-go/internal/config"
	"bridge-proxy-go/internal/metrics"
	"bridge-proxy-go/internal/model"
)

// ErrUpstreamFetch wraps any network-level failure reaching the origin.
var ErrUpstreamFetch = errors.New("failed to fetch URL")

// Synthetic desktop browser identity presented to origins. Origins that
// fingerprint the UA serve the same desktop markup the embedded frame expects.
const (
	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	acceptHeader   = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"
	acceptLanguage = "en-US,en;q=0.5"
)

// bodyMethods are the methods whose request bodies are forwarded to the origin.
var bodyMethods = map[string]bool{
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

// OriginClient performs outbound fetches on behalf of the bridge.
type OriginClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewOriginClient creates an OriginClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewOriginClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *OriginClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &OriginClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
			// Redirects are followed transparently; the rewritten document
			// reflects whatever the redirect chain lands on.
		},
		logger:  logger.With("component", "origin_client"),
		metrics: m,
	}
}

// Fetch performs the outbound request for a decoded ProxyRequest and buffers
// the origin response. The target URL must already have passed the admission
// guard; this client builds the normalized header set, forwards the raw body
// for POST/PUT/PATCH, and follows redirects.
func (c *OriginClient) Fetch(pr *model.ProxyRequest) (*model.UpstreamResponse, error) {
	target, err := url.Parse(pr.TargetURL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		return nil, fmt.Errorf("%w: invalid target %q", ErrUpstreamFetch, pr.TargetURL)
	}

	var body *bytes.Reader
	if bodyMethods[pr.Method] && len(pr.Body) > 0 {
		body = bytes.NewReader(pr.Body)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(pr.Ctx, pr.Method, pr.TargetURL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamFetch, err)
	}
	req.Header = c.buildHeaders(target, pr.Header)

	c.logger.Debug("origin request",
		"method", pr.Method,
		"host", target.Host,
		"path", target.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(pr.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamFetch, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUpstreamFetch, err)
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       buf,
	}, nil
}

// buildHeaders assembles the normalized outbound header set. Referer is the
// target's own origin, never the proxy's, so referer-checking assets load.
func (c *OriginClient) buildHeaders(target *url.URL, inbound http.Header) http.Header {
	h := make(http.Header)
	h.Set("User-Agent", userAgent)
	h.Set("Accept", acceptHeader)
	h.Set("Accept-Language", acceptLanguage)
	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("Referer", target.Scheme+"://"+target.Host+"/")

	if inbound != nil {
		if r := inbound.Get("Range"); r != "" {
			h.Set("Range", r)
		}
		if ct := inbound.Get("Content-Type"); ct != "" {
			h.Set("Content-Type", ct)
		}
	}
	return h
}
