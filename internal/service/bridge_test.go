package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"bridge-proxy-go/internal/bridge"
	"bridge-proxy-go/internal/config"
	"bridge-proxy-go/internal/delegate"
	"bridge-proxy-go/internal/metrics"
	"bridge-proxy-go/internal/model"
	"bridge-proxy-go/internal/rewrite"
	"bridge-proxy-go/internal/shim"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeBackend struct {
	resp    *model.UpstreamResponse
	err     error
	lastReq *model.ProxyRequest
}

func (f *fakeBackend) Fetch(pr *model.ProxyRequest) (*model.UpstreamResponse, error) {
	f.lastReq = pr
	return f.resp, f.err
}

func (f *fakeBackend) Name() string { return "fake" }

func newTestService(backend Backend) *BridgeService {
	codec := bridge.NewCodec("/!!/")
	rw := rewrite.NewTextRewriter(codec, shim.NewGenerator("/!!/"), metrics.New())
	return NewBridgeService(codec, rw, backend, testLogger())
}

func htmlResponse(body string) *model.UpstreamResponse {
	return &model.UpstreamResponse{
		StatusCode: http.StatusOK,
		Status:     "200 OK",
		Header:     http.Header{"Content-Type": []string{"text/html"}},
		Body:       []byte(body),
	}
}

func TestBridgeService_Handle_RewritesBody(t *testing.T) {
	backend := &fakeBackend{resp: htmlResponse(`<html><head></head><body><a href="/page">x</a></body></html>`)}
	svc := newTestService(backend)

	pr := &model.ProxyRequest{Ctx: context.Background(), Method: http.MethodGet, Header: http.Header{}}
	resp, err := svc.Handle(pr, "/!!/https://example.com/")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if backend.lastReq.TargetURL != "https://example.com/" {
		t.Errorf("backend target = %q, want decoded address", backend.lastReq.TargetURL)
	}
	if !strings.Contains(string(resp.Body), `href="/!!/https://example.com/page"`) {
		t.Errorf("body not rewritten: %s", resp.Body)
	}
	if !strings.Contains(string(resp.Body), "__BRIDGE_TARGET__") {
		t.Error("runtime shim not injected into HTML response")
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
}

func TestBridgeService_Handle_SanitizesHeaders(t *testing.T) {
	resp := htmlResponse("<html></html>")
	resp.Header.Set("Content-Security-Policy", "default-src 'none'")
	resp.Header.Set("X-Frame-Options", "DENY")
	resp.Header.Set("Content-Length", "42")
	resp.Header.Set("Set-Cookie", "sid=1")
	resp.Header.Set("Cache-Control", "max-age=60")
	svc := newTestService(&fakeBackend{resp: resp})

	pr := &model.ProxyRequest{Ctx: context.Background(), Method: http.MethodGet, Header: http.Header{}}
	out, err := svc.Handle(pr, "/!!/https://example.com/")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	for _, blocked := range []string{"Content-Security-Policy", "X-Frame-Options", "Content-Length", "Set-Cookie"} {
		if out.Header.Get(blocked) != "" {
			t.Errorf("header %s must be dropped from the bridged response", blocked)
		}
	}
	if out.Header.Get("Cache-Control") != "max-age=60" {
		t.Error("benign headers must pass through")
	}
}

func TestBridgeService_Handle_MalformedAddress(t *testing.T) {
	svc := newTestService(&fakeBackend{})

	pr := &model.ProxyRequest{Ctx: context.Background(), Method: http.MethodGet, Header: http.Header{}}
	_, err := svc.Handle(pr, "/no-prefix-here")
	if !errors.Is(err, bridge.ErrMalformedAddress) {
		t.Errorf("Handle() error = %v, want ErrMalformedAddress", err)
	}
}

func TestBridgeService_Handle_BlocksPrivateTargets(t *testing.T) {
	backend := &fakeBackend{resp: htmlResponse("<html></html>")}
	svc := newTestService(backend)

	for _, target := range []string{
		"/!!/http://192.168.1.1/admin",
		"/!!/http://127.0.0.1:8080/",
		"/!!/http://localhost/secrets",
		"/!!/http://10.0.0.5/",
	} {
		pr := &model.ProxyRequest{Ctx: context.Background(), Method: http.MethodGet, Header: http.Header{}}
		_, err := svc.Handle(pr, target)
		if !errors.Is(err, ErrAdmissionBlocked) {
			t.Errorf("Handle(%q) error = %v, want ErrAdmissionBlocked", target, err)
		}
		if backend.lastReq != nil {
			t.Errorf("Handle(%q) must not reach the backend", target)
		}
	}
}

func TestBridgeService_Handle_BackendError(t *testing.T) {
	wantErr := errors.New("connection refused")
	svc := newTestService(&fakeBackend{err: wantErr})

	pr := &model.ProxyRequest{Ctx: context.Background(), Method: http.MethodGet, Header: http.Header{}}
	_, err := svc.Handle(pr, "/!!/https://example.com/")
	if !errors.Is(err, wantErr) {
		t.Errorf("Handle() error = %v, want backend error passed through", err)
	}
}

func TestBridgeService_Handle_NonHTMLPassthrough(t *testing.T) {
	resp := &model.UpstreamResponse{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"image/png"}},
		Body:       []byte{0x89, 'P', 'N', 'G'},
	}
	svc := newTestService(&fakeBackend{resp: resp})

	pr := &model.ProxyRequest{Ctx: context.Background(), Method: http.MethodGet, Header: http.Header{}}
	out, err := svc.Handle(pr, "/!!/https://example.com/logo.png")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if string(out.Body) != string([]byte{0x89, 'P', 'N', 'G'}) {
		t.Error("binary bodies must pass through unmodified")
	}
}

func TestSelectBackend(t *testing.T) {
	direct := NewDirectBackend(&fakeOrigin{})
	delegated := NewDelegateBackend(delegate.New(delegate.NewRegistry(), delegate.NewHub(), time.Second, testLogger()))

	cfg := &config.Config{}
	cfg.Bridge.Backend = "direct"
	if got := SelectBackend(cfg, direct, delegated); got.Name() != "direct" {
		t.Errorf("backend = %q, want direct", got.Name())
	}

	cfg.Bridge.Backend = "delegate"
	if got := SelectBackend(cfg, direct, delegated); got.Name() != "delegate" {
		t.Errorf("backend = %q, want delegate", got.Name())
	}
}

type fakeOrigin struct{}

func (f *fakeOrigin) Fetch(pr *model.ProxyRequest) (*model.UpstreamResponse, error) {
	return htmlResponse("<html></html>"), nil
}

func TestDelegateBackend_ForwardsHeaders(t *testing.T) {
	registry := delegate.NewRegistry()
	d := delegate.New(registry, delegate.NewHub(), time.Second, testLogger())
	backend := NewDelegateBackend(d)

	transport, remote := delegate.NewPortPair()
	registry.Set(transport)

	var gotHeaders map[string]string
	go func() {
		env, err := remote.Recv(context.Background())
		if err != nil {
			return
		}
		gotHeaders = env.Message.Fetch.Headers
		_ = env.Reply.Post(context.Background(), delegate.Envelope{
			Message: delegate.Message{
				Type:  "fetch",
				Fetch: &delegate.FetchPayload{Status: 200, Body: []byte("ok")},
			},
		})
	}()

	header := http.Header{}
	header.Set("Range", "bytes=0-99")
	header.Set("Authorization", "Bearer secret")
	pr := &model.ProxyRequest{
		Ctx:       context.Background(),
		Method:    http.MethodGet,
		TargetURL: "https://example.com/video.mp4",
		Header:    header,
	}

	if _, err := backend.Fetch(pr); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if gotHeaders["Range"] != "bytes=0-99" {
		t.Error("Range header must be forwarded to the delegated transport")
	}
	if _, ok := gotHeaders["Authorization"]; ok {
		t.Error("Authorization must not be forwarded to the delegated transport")
	}
}
