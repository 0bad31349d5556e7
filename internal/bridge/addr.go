// Package bridge implements the proxy addressing scheme: the bidirectional
// mapping between real absolute URLs and bridge-prefixed paths, relative
// reference resolution, and the network admission guard.
package bridge

import (
	"errors"
	"net/url"
	"strings"
)

// ErrMalformedAddress is returned when a request URL carries no bridge prefix
// or the remainder cannot be parsed as a URL.
var ErrMalformedAddress = errors.New("no bridge prefix found in request URL")

// ErrUnsupportedScheme is returned for decoded targets that are not http or https.
var ErrUnsupportedScheme = errors.New("only HTTP/HTTPS URLs supported")

// passthroughSchemes are reference prefixes that are never re-addressed.
var passthroughSchemes = []string{"data:", "blob:", "javascript:"}

// Codec maps between absolute target URLs and bridge-local paths.
// Prefix must start and end with "/" (the default bridge prefix is "/!!/").
type Codec struct {
	Prefix string
}

// NewCodec creates a Codec for the given bridge prefix.
func NewCodec(prefix string) *Codec {
	return &Codec{Prefix: prefix}
}

// Encode appends the literal absolute URL after the bridge prefix.
// No percent-encoding is applied; Decode tolerates both forms.
func (c *Codec) Encode(target string) string {
	return c.Prefix + target
}

// EncodeComponent returns the percent-encoded form used when the encoded URL
// is placed inside a browser-facing attribute value. Path escaping keeps "+"
// literal so query strings survive the Decode round trip.
func (c *Codec) EncodeComponent(target string) string {
	return c.Prefix + url.PathEscape(target)
}

// encodedPrefix returns the percent-encoded spelling of the prefix, with every
// non-alphanumeric path byte escaped ("/!!/" becomes "/%21%21/").
func (c *Codec) encodedPrefix() string {
	var b strings.Builder
	for i := 0; i < len(c.Prefix); i++ {
		ch := c.Prefix[i]
		switch {
		case ch == '/' || ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch >= '0' && ch <= '9':
			b.WriteByte(ch)
		default:
			b.WriteString(url.QueryEscape(string(ch)))
		}
	}
	return b.String()
}

// Remainder returns the portion of rawURI after the first occurrence of the
// bridge prefix, literal or percent-encoded. The second return is false when
// the URI carries no prefix at all.
//
// rawURI must be the original request URI, not a path-decoded form, so that
// percent-encoded prefixes survive intact.
func (c *Codec) Remainder(rawURI string) (string, bool) {
	if idx := strings.Index(rawURI, c.Prefix); idx >= 0 {
		return rawURI[idx+len(c.Prefix):], true
	}
	encoded := c.encodedPrefix()
	if idx := strings.Index(rawURI, encoded); idx >= 0 {
		return rawURI[idx+len(encoded):], true
	}
	return "", false
}

// Decode extracts the target URL from a raw request URI. It locates the first
// occurrence of the bridge prefix (literal or percent-encoded), strips
// everything up to and including it, strips any repeated prefixes, decodes
// percent-escapes once if present, and defaults a missing scheme to https.
func (c *Codec) Decode(rawURL string) (string, error) {
	encoded := c.encodedPrefix()

	target, ok := c.Remainder(rawURL)
	if !ok {
		return "", ErrMalformedAddress
	}

	// PathUnescape rather than QueryUnescape: "+" in a target's query string
	// is a literal plus, not an encoded space.
	if strings.Contains(target, "%") {
		if decoded, err := url.PathUnescape(target); err == nil {
			target = decoded
		}
	}

	for stripped := true; stripped; {
		switch {
		case strings.HasPrefix(target, c.Prefix):
			target = target[len(c.Prefix):]
		case strings.HasPrefix(target, encoded):
			target = target[len(encoded):]
		default:
			stripped = false
		}
	}

	if !strings.HasPrefix(target, "http") {
		target = "https://" + target
	}

	u, err := url.Parse(target)
	if err != nil {
		return "", ErrMalformedAddress
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", ErrUnsupportedScheme
	}
	if u.Host == "" {
		return "", ErrMalformedAddress
	}

	return target, nil
}

// Resolve turns a possibly relative reference into an absolute URL against
// base. References using data:, blob:, or javascript: schemes and
// fragment-only references are returned unchanged; so is the input when
// resolution fails, so callers can leave the original text alone.
func Resolve(ref, base string) string {
	if ref == "" || strings.HasPrefix(ref, "#") {
		return ref
	}
	for _, scheme := range passthroughSchemes {
		if strings.HasPrefix(ref, scheme) {
			return ref
		}
	}

	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}
