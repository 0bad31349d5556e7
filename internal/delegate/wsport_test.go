package delegate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// startSessionServer runs a WSSession for every controller connection.
func startSessionServer(t *testing.T, registry *Registry, hub *Hub) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = NewWSSession(conn, registry, hub, testLogger()).Run(r.Context())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialController(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// answerFetches replies to every delegated fetch frame arriving on portID.
func answerFetches(conn *websocket.Conn, portID, body string) {
	for {
		var frame wireFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Port != portID || frame.Message.Type != "fetch" {
			continue
		}
		_ = conn.WriteJSON(wireFrame{
			Port: frame.Reply,
			Message: Message{
				Type: "fetch",
				Fetch: &FetchPayload{
					Status:     http.StatusOK,
					StatusText: "OK",
					Headers:    map[string]string{"Content-Type": "text/html"},
					Body:       []byte(body),
				},
			},
		})
	}
}

func TestWSSession_GetPortNegotiation(t *testing.T) {
	registry := NewRegistry()
	hub := NewHub()
	srv := startSessionServer(t, registry, hub)
	conn := dialController(t, srv)

	// Controller loop: grant a port on getPort, then answer fetches on it.
	go func() {
		for {
			var frame wireFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			switch {
			case frame.Port == rootPortID && frame.Message.Type == "getPort":
				_ = conn.WriteJSON(wireFrame{
					Port:    frame.Reply,
					Grant:   "c1",
					Message: Message{Type: "setPort"},
				})
			case frame.Port == "c1" && frame.Message.Type == "fetch":
				_ = conn.WriteJSON(wireFrame{
					Port: frame.Reply,
					Message: Message{
						Type: "fetch",
						Fetch: &FetchPayload{
							Status:     http.StatusOK,
							StatusText: "OK",
							Body:       []byte("negotiated over wire"),
						},
					},
				})
			}
		}
	}()

	// Wait for the session to attach its root port to the hub.
	deadline := time.Now().Add(2 * time.Second)
	for len(hub.Snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("controller session never attached to the hub")
		}
		time.Sleep(10 * time.Millisecond)
	}

	d := New(registry, hub, 2*time.Second, testLogger())
	resp, err := d.Fetch(context.Background(), "https://example.com/", http.MethodGet, nil, nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(resp.Body) != "negotiated over wire" {
		t.Errorf("Body = %q", resp.Body)
	}
}

func TestWSSession_SetPortInstallsHandle(t *testing.T) {
	registry := NewRegistry()
	hub := NewHub()
	srv := startSessionServer(t, registry, hub)
	conn := dialController(t, srv)

	err := conn.WriteJSON(wireFrame{
		Port:    rootPortID,
		Grant:   "c9",
		Message: Message{Type: "setPort"},
	})
	if err != nil {
		t.Fatalf("setPort: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for registry.Get() == nil {
		if time.Now().After(deadline) {
			t.Fatal("setPort never installed a transport handle")
		}
		time.Sleep(10 * time.Millisecond)
	}

	go answerFetches(conn, "c9", "installed handle")

	d := New(registry, hub, time.Second, testLogger())
	resp, err := d.Fetch(context.Background(), "https://example.com/", http.MethodGet, nil, nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(resp.Body) != "installed handle" {
		t.Errorf("Body = %q", resp.Body)
	}
}

func TestWSSession_DisconnectClosesPorts(t *testing.T) {
	registry := NewRegistry()
	hub := NewHub()
	srv := startSessionServer(t, registry, hub)
	conn := dialController(t, srv)

	err := conn.WriteJSON(wireFrame{
		Port:    rootPortID,
		Grant:   "c1",
		Message: Message{Type: "setPort"},
	})
	if err != nil {
		t.Fatalf("setPort: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for registry.Get() == nil {
		if time.Now().After(deadline) {
			t.Fatal("setPort never installed a transport handle")
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn.Close()

	// The installed handle must die with the session so the registry stops
	// handing it out.
	deadline = time.Now().Add(2 * time.Second)
	for registry.Get() != nil {
		if time.Now().After(deadline) {
			t.Fatal("registry still hands out the dead session's port")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
