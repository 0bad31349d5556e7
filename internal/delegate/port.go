// Package delegate implements the alternate proxy backend: fetches are not
// performed in-process but handed to a negotiated transport handle, the same
// way the service worker hands fetches to a controlling page over a message
// channel. The getPort/setPort handshake, the single process-wide transport
// registry, and the structured fetch message protocol live here.
package delegate

import (
	"context"
	"errors"
	"sync"
)

// ErrPortClosed is returned when posting to or receiving from a closed port.
var ErrPortClosed = errors.New("message port closed")

// Message is one structured frame of the delegate protocol.
type Message struct {
	Type  string        `json:"type"` // getPort | setPort | fetch | error
	Fetch *FetchPayload `json:"fetch,omitempty"`
	Error string        `json:"error,omitempty"`
}

// FetchPayload carries either a delegated request (Remote/Method/Headers/Body)
// or its reply (Status/StatusText/Headers/Body).
type FetchPayload struct {
	Remote     string            `json:"remote,omitempty"`
	Method     string            `json:"method,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
	Status     int               `json:"status,omitempty"`
	StatusText string            `json:"statusText,omitempty"`
}

// Envelope is a Message in flight. Reply, when set, is a fresh port the
// receiver answers on; Granted, when set, transfers a transport handle
// (getPort replies and setPort requests).
type Envelope struct {
	Message Message
	Reply   *Port
	Granted *Port
}

// Port is one end of a duplex structured-message channel, the in-process
// analogue of a MessagePort.
type Port struct {
	send chan Envelope
	recv chan Envelope
	done chan struct{}
	once *sync.Once
}

// NewPortPair creates two entangled ports; envelopes posted on one arrive at
// the other. Closing either end closes the pair.
func NewPortPair() (*Port, *Port) {
	ab := make(chan Envelope)
	ba := make(chan Envelope)
	done := make(chan struct{})
	once := &sync.Once{}

	a := &Port{send: ab, recv: ba, done: done, once: once}
	b := &Port{send: ba, recv: ab, done: done, once: once}
	return a, b
}

// Post delivers env to the peer, honoring context cancellation.
func (p *Port) Post(ctx context.Context, env Envelope) error {
	select {
	case p.send <- env:
		return nil
	case <-p.done:
		return ErrPortClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv blocks for the next envelope from the peer.
func (p *Port) Recv(ctx context.Context) (Envelope, error) {
	select {
	case env := <-p.recv:
		return env, nil
	case <-p.done:
		return Envelope{}, ErrPortClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// Close tears down both ends of the pair.
func (p *Port) Close() {
	p.once.Do(func() { close(p.done) })
}

// Closed reports whether the pair has been closed.
func (p *Port) Closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
