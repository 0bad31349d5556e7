// Package rewrite transforms origin response bodies so that every embedded
// reference keeps flowing through the bridge. The transform is a single-pass
// textual rewrite, isolated behind the Rewriter interface so a structural
// (DOM-tree) implementation could replace it without touching callers.
package rewrite

import (
	"regexp"
	"strings"

	"bridge-proxy-go/internal/bridge"
	"bridge-proxy-go/internal/metrics"
	"bridge-proxy-go/internal/shim"
)

// Context carries the per-response state of one transform: the fetched
// target URL (the base for relative resolution) and the request path used
// for the HTML content-type override.
type Context struct {
	TargetURL   string
	RequestPath string
}

// Result is a transformed body with its outgoing content type.
type Result struct {
	Body        []byte
	ContentType string
}

// Rewriter transforms one origin response body by content type.
type Rewriter interface {
	Rewrite(ctx Context, contentType string, body []byte) Result
}

var (
	attrPattern        = regexp.MustCompile(`(?i)(href|src|action)=["']([^"']+)["']`)
	cssURLPattern      = regexp.MustCompile(`(?i)url\(\s*(['"]?)(.*?)['"]?\s*\)`)
	integrityPattern   = regexp.MustCompile(`(?i)\s+integrity=["'][^"']*["']`)
	crossoriginPattern = regexp.MustCompile(`(?i)\s+crossorigin(?:=["'][^"']*["'])?`)
	noncePattern       = regexp.MustCompile(`(?i)\s+nonce=["'][^"']*["']`)
	headOpenPattern    = regexp.MustCompile(`(?i)<head\s[^>]*>`)
)

// skipPrefixes are reference schemes never re-addressed in markup.
var skipPrefixes = []string{"data:", "javascript:", "#", "blob:"}

// TextRewriter is the regex-based single-pass Rewriter.
type TextRewriter struct {
	codec   *bridge.Codec
	shim    *shim.Generator
	metrics *metrics.Metrics
}

// NewTextRewriter creates a TextRewriter. The metrics parameter is optional.
func NewTextRewriter(codec *bridge.Codec, gen *shim.Generator, m *metrics.Metrics) *TextRewriter {
	return &TextRewriter{codec: codec, shim: gen, metrics: m}
}

// Rewrite dispatches on the response content type. A request path ending in
// .html or .htm forces the HTML branch even when the origin mislabels the
// body (CDNs serving static HTML as text/plain).
func (t *TextRewriter) Rewrite(ctx Context, contentType string, body []byte) Result {
	htmlByExt := isHTMLPath(ctx.RequestPath)
	ct := strings.ToLower(contentType)

	var res Result
	var family string
	switch {
	case strings.Contains(ct, "text/html") || htmlByExt:
		res = Result{Body: []byte(t.rewriteHTML(ctx, string(body))), ContentType: "text/html; charset=utf-8"}
		family = "html"
	case strings.Contains(ct, "text/css"):
		res = Result{Body: []byte(t.rewriteCSS(ctx, string(body))), ContentType: contentType}
		family = "css"
	case strings.Contains(ct, "javascript") || strings.Contains(ct, "application/json"):
		// Dynamic URL usage is handled by the injected runtime shim.
		res = Result{Body: body, ContentType: contentType}
		family = "script"
	default:
		res = Result{Body: body, ContentType: contentType}
		family = "binary"
	}

	if t.metrics != nil {
		t.metrics.RewritesTotal.WithLabelValues(family).Inc()
	}
	return res
}

func isHTMLPath(path string) bool {
	p := strings.ToLower(path)
	return strings.HasSuffix(p, ".html") || strings.HasSuffix(p, ".htm")
}

// rewriteHTML strips subresource-integrity attributes, re-addresses every
// href/src/action and inline url(...) reference, and injects the runtime
// shim before any other script in the document. The shim is injected after
// the textual passes so they cannot touch the shim's own source.
func (t *TextRewriter) rewriteHTML(ctx Context, html string) string {
	html = integrityPattern.ReplaceAllString(html, "")
	html = crossoriginPattern.ReplaceAllString(html, "")
	html = noncePattern.ReplaceAllString(html, "")

	html = attrPattern.ReplaceAllStringFunc(html, func(match string) string {
		m := attrPattern.FindStringSubmatch(match)
		attr, ref := m[1], m[2]
		rewritten, ok := t.readdress(ctx, ref)
		if !ok {
			return match
		}
		return attr + `="` + rewritten + `"`
	})

	html = t.rewriteCSS(ctx, html)
	return t.injectShim(ctx, html)
}

// rewriteCSS re-addresses url(...) tokens, skipping data: and blob:.
func (t *TextRewriter) rewriteCSS(ctx Context, css string) string {
	return cssURLPattern.ReplaceAllStringFunc(css, func(match string) string {
		m := cssURLPattern.FindStringSubmatch(match)
		quote, ref := m[1], strings.TrimSpace(m[2])
		ref = strings.Trim(ref, `'"`)
		if ref == "" || strings.HasPrefix(ref, "data:") || strings.HasPrefix(ref, "blob:") {
			return match
		}
		rewritten, ok := t.readdress(ctx, ref)
		if !ok {
			return match
		}
		return "url(" + quote + rewritten + quote + ")"
	})
}

// readdress resolves ref against the target URL and routes it through the
// bridge prefix. It reports false for references that must stay untouched:
// skip-listed schemes, already-proxied URLs, and unresolvable references
// (per-match failures leave the source text unmodified).
func (t *TextRewriter) readdress(ctx Context, ref string) (string, bool) {
	for _, p := range skipPrefixes {
		if strings.HasPrefix(ref, p) {
			return "", false
		}
	}
	// Already addressed through the bridge; never double-prefix.
	if strings.HasPrefix(ref, t.codec.Prefix) || strings.Contains(ref, t.codec.Prefix) {
		return "", false
	}

	absolute := bridge.Resolve(ref, ctx.TargetURL)
	if !strings.HasPrefix(absolute, "http") {
		return "", false
	}
	return t.codec.Encode(absolute), true
}

// injectShim places the runtime shim as the first child of <head>. When the
// document has no <head>, one is synthesized after <html>; documents with no
// <html> tag at all get the script prepended.
func (t *TextRewriter) injectShim(ctx Context, html string) string {
	script := t.shim.Script(ctx.TargetURL)

	if idx := strings.Index(html, "<head>"); idx >= 0 {
		return html[:idx+len("<head>")] + script + html[idx+len("<head>"):]
	}
	if loc := headOpenPattern.FindStringIndex(html); loc != nil {
		return html[:loc[1]] + script + html[loc[1]:]
	}
	if idx := strings.Index(html, "<html>"); idx >= 0 {
		return html[:idx+len("<html>")] + "<head>" + script + "</head>" + html[idx+len("<html>"):]
	}
	return script + html
}
