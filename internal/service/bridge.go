// Package service implements the bridge forwarding pipeline.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"bridge-proxy-go/internal/bridge"
	"bridge-proxy-go/internal/config"
	"bridge-proxy-go/internal/delegate"
	"bridge-proxy-go/internal/model"
	"bridge-proxy-go/internal/rewrite"
)

// ErrAdmissionBlocked is returned when the decoded target resolves to a
// private or loopback address.
var ErrAdmissionBlocked = errors.New("access to private IP addresses is not allowed")

// droppedResponseHeaders are origin response headers that must not reach the
// embedding page. Framing and CSP headers would break the bridged rendering,
// and length/encoding no longer match the rewritten body.
var droppedResponseHeaders = map[string]bool{
	"Content-Security-Policy":             true,
	"Content-Security-Policy-Report-Only": true,
	"X-Frame-Options":                     true,
	"Content-Length":                      true,
	"Content-Encoding":                    true,
	"Transfer-Encoding":                   true,
	"Set-Cookie":                          true,
	"Strict-Transport-Security":           true,
}

// Backend fetches the target content on behalf of the bridge. DirectBackend
// reaches the origin from this process; DelegateBackend hands the fetch to a
// connected transport controller.
type Backend interface {
	Fetch(pr *model.ProxyRequest) (*model.UpstreamResponse, error)
	Name() string
}

// DirectBackend fetches origins with the pooled HTTP client.
type DirectBackend struct {
	client OriginFetcher
}

// OriginFetcher is the client-side contract DirectBackend forwards through.
type OriginFetcher interface {
	Fetch(pr *model.ProxyRequest) (*model.UpstreamResponse, error)
}

// NewDirectBackend creates a DirectBackend over the given origin client.
func NewDirectBackend(c OriginFetcher) *DirectBackend {
	return &DirectBackend{client: c}
}

// Fetch forwards the request to the origin.
func (b *DirectBackend) Fetch(pr *model.ProxyRequest) (*model.UpstreamResponse, error) {
	return b.client.Fetch(pr)
}

// Name identifies the backend in status reporting.
func (b *DirectBackend) Name() string { return "direct" }

// DelegateBackend routes fetches over the registered transport port.
type DelegateBackend struct {
	delegate *delegate.Delegate
}

// NewDelegateBackend creates a DelegateBackend over the given delegate.
func NewDelegateBackend(d *delegate.Delegate) *DelegateBackend {
	return &DelegateBackend{delegate: d}
}

// Fetch delegates the request to a transport controller. Only headers the
// delegated transport can replay are forwarded.
func (b *DelegateBackend) Fetch(pr *model.ProxyRequest) (*model.UpstreamResponse, error) {
	headers := make(map[string]string)
	for _, key := range []string{"Content-Type", "Range", "Accept"} {
		if v := pr.Header.Get(key); v != "" {
			headers[key] = v
		}
	}
	return b.delegate.Fetch(pr.Ctx, pr.TargetURL, pr.Method, headers, pr.Body)
}

// Name identifies the backend in status reporting.
func (b *DelegateBackend) Name() string { return "delegate" }

// SelectBackend picks the configured backend implementation.
func SelectBackend(cfg *config.Config, direct *DirectBackend, delegated *DelegateBackend) Backend {
	if cfg.Bridge.Backend == "delegate" {
		return delegated
	}
	return direct
}

// BridgeService decodes bridged addresses, fetches the target through the
// configured backend and rewrites the response for re-serving under the
// bridge prefix.
type BridgeService struct {
	codec    *bridge.Codec
	rewriter rewrite.Rewriter
	backend  Backend
	logger   *slog.Logger
}

// NewBridgeService creates a BridgeService.
func NewBridgeService(codec *bridge.Codec, rw rewrite.Rewriter, backend Backend, logger *slog.Logger) *BridgeService {
	return &BridgeService{
		codec:    codec,
		rewriter: rw,
		backend:  backend,
		logger:   logger.With("component", "bridge_service"),
	}
}

// Backend reports the active backend name.
func (s *BridgeService) Backend() string {
	return s.backend.Name()
}

// Handle runs the full pipeline for one bridged request. rawURI is the
// undecoded request URI as received on the wire. The returned response
// carries the rewritten body and a sanitized header set.
func (s *BridgeService) Handle(pr *model.ProxyRequest, rawURI string) (*model.UpstreamResponse, error) {
	target, err := s.codec.Decode(rawURI)
	if err != nil {
		return nil, err
	}

	parsed, err := url.Parse(target)
	if err != nil {
		return nil, bridge.ErrMalformedAddress
	}
	if bridge.IsBlocked(parsed.Hostname()) {
		return nil, fmt.Errorf("%w: %s", ErrAdmissionBlocked, parsed.Hostname())
	}

	pr.TargetURL = target

	s.logger.Debug("bridging request",
		"method", pr.Method,
		"target", target,
	)

	resp, err := s.backend.Fetch(pr)
	if err != nil {
		return nil, err
	}

	result := s.rewriter.Rewrite(rewrite.Context{
		TargetURL:   target,
		RequestPath: parsed.Path,
	}, resp.ContentType(), resp.Body)

	resp.Body = result.Body
	resp.Header = sanitizeHeaders(resp.Header)
	resp.Header.Set("Content-Type", result.ContentType)
	return resp, nil
}

func sanitizeHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if droppedResponseHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		dst[http.CanonicalHeaderKey(key)] = vals
	}
	return dst
}
