// Package model defines shared types for the bridge proxy.
package model

import (
	"context"
	"net/http"
)

// ProxyRequest represents one decoded bridge request to be fetched on behalf
// of the client frame. TargetURL is always an absolute http or https URL by
// the time a backend sees it.
type ProxyRequest struct {
	Ctx       context.Context
	Method    string
	TargetURL string
	Header    http.Header
	Body      []byte
}

// UpstreamResponse represents the upstream response before rewriting.
type UpstreamResponse struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

// ContentType returns the response content type. Origins that omit the
// header are treated as serving HTML so their pages still get rewritten.
func (r *UpstreamResponse) ContentType() string {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return "text/html"
}
