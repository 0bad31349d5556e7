package bridge

import (
	"errors"
	"testing"
)

func TestCodec_Decode_LiteralPrefix(t *testing.T) {
	c := NewCodec("/!!/")

	got, err := c.Decode("/!!/https://example.com/page")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got != "https://example.com/page" {
		t.Errorf("Decode() = %q, want %q", got, "https://example.com/page")
	}
}

func TestCodec_Decode_EncodedPrefix(t *testing.T) {
	c := NewCodec("/!!/")

	got, err := c.Decode("/%21%21/https://example.com/page")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got != "https://example.com/page" {
		t.Errorf("Decode() = %q, want %q", got, "https://example.com/page")
	}
}

func TestCodec_Decode_PercentDecodedOnce(t *testing.T) {
	c := NewCodec("/!!/")

	got, err := c.Decode("/!!/https%3A%2F%2Fexample.com%2Fa%20b")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got != "https://example.com/a b" {
		t.Errorf("Decode() = %q, want %q", got, "https://example.com/a b")
	}
}

func TestCodec_Decode_RepeatedPrefixes(t *testing.T) {
	c := NewCodec("/!!/")

	got, err := c.Decode("/!!//!!//!!/https://example.com/")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got != "https://example.com/" {
		t.Errorf("Decode() = %q, want %q", got, "https://example.com/")
	}
}

func TestCodec_Decode_SchemelessDefaultsToHTTPS(t *testing.T) {
	c := NewCodec("/!!/")

	got, err := c.Decode("/!!/example.com/index.html")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got != "https://example.com/index.html" {
		t.Errorf("Decode() = %q, want %q", got, "https://example.com/index.html")
	}
}

func TestCodec_Decode_NoPrefix(t *testing.T) {
	c := NewCodec("/!!/")

	_, err := c.Decode("/api/settings")
	if !errors.Is(err, ErrMalformedAddress) {
		t.Errorf("Decode() error = %v, want ErrMalformedAddress", err)
	}
}

func TestCodec_Decode_PrefixMidURL(t *testing.T) {
	c := NewCodec("/!!/")

	// An href built against the proxy origin keeps the frame path segment
	// in front of the prefix.
	got, err := c.Decode("/browser/frame/!!/https://example.com/app.js")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got != "https://example.com/app.js" {
		t.Errorf("Decode() = %q, want %q", got, "https://example.com/app.js")
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	c := NewCodec("/!!/")

	urls := []string{
		"https://example.com/",
		"http://example.org/a/b.html?q=1&r=2",
		"https://cdn.example.net/assets/app.js",
	}
	for _, u := range urls {
		got, err := c.Decode(c.Encode(u))
		if err != nil {
			t.Fatalf("Decode(Encode(%q)) error = %v", u, err)
		}
		if got != u {
			t.Errorf("Decode(Encode(%q)) = %q", u, got)
		}
	}
}

func TestCodec_RoundTrip_EncodedComponent(t *testing.T) {
	c := NewCodec("/!!/")

	u := "https://example.com/a/b.html"
	got, err := c.Decode(c.EncodeComponent(u))
	if err != nil {
		t.Fatalf("Decode(EncodeComponent(%q)) error = %v", u, err)
	}
	if got != u {
		t.Errorf("Decode(EncodeComponent(%q)) = %q", u, got)
	}
}

func TestResolve(t *testing.T) {
	base := "https://example.com/a/b.html"

	tests := []struct {
		ref  string
		want string
	}{
		{"../c.css", "https://example.com/c.css"},
		{"/d.js", "https://example.com/d.js"},
		{"e.png", "https://example.com/a/e.png"},
		{"//cdn.example.net/f.js", "https://cdn.example.net/f.js"},
		{"https://other.example/x", "https://other.example/x"},
		{"data:image/png;base64,AAA", "data:image/png;base64,AAA"},
		{"blob:https://example.com/uuid", "blob:https://example.com/uuid"},
		{"javascript:void(0)", "javascript:void(0)"},
		{"#section", "#section"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := Resolve(tt.ref, base); got != tt.want {
			t.Errorf("Resolve(%q, %q) = %q, want %q", tt.ref, base, got, tt.want)
		}
	}
}

func TestCodec_Remainder(t *testing.T) {
	c := NewCodec("/!!/")

	tests := []struct {
		rawURI   string
		wantRest string
		wantOK   bool
	}{
		{"/!!/https://example.com/", "https://example.com/", true},
		{"/%21%21/https%3A%2F%2Fexample.com", "https%3A%2F%2Fexample.com", true},
		{"/!!/ws/wss%3A%2F%2Fecho.example", "ws/wss%3A%2F%2Fecho.example", true},
		{"/healthz", "", false},
		{"/", "", false},
	}

	for _, tt := range tests {
		rest, ok := c.Remainder(tt.rawURI)
		if ok != tt.wantOK || rest != tt.wantRest {
			t.Errorf("Remainder(%q) = (%q, %v), want (%q, %v)", tt.rawURI, rest, ok, tt.wantRest, tt.wantOK)
		}
	}
}

func TestCodec_Decode_PreservesPlusInQuery(t *testing.T) {
	c := NewCodec("/!!/")

	// A percent escape elsewhere in the remainder must not turn query-string
	// plus signs into spaces.
	got, err := c.Decode("/!!/https://example.com/a%20b?q=1+2")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	want := "https://example.com/a b?q=1+2"
	if got != want {
		t.Errorf("Decode() = %q, want %q", got, want)
	}
}

func TestCodec_RoundTrip_ComponentWithPlus(t *testing.T) {
	c := NewCodec("/!!/")
	target := "https://example.com/search?q=1+2&lang=go"

	got, err := c.Decode(c.EncodeComponent(target))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got != target {
		t.Errorf("round trip = %q, want %q", got, target)
	}
}
