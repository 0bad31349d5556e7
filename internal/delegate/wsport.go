package delegate

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// wireFrame is the on-the-wire form of an Envelope. Logical ports are
// addressed by string IDs: Port names the destination, Reply and Grant
// announce freshly transferred ports. The server allocates "s"-prefixed IDs
// and controllers allocate their own namespace, so the two sides never
// collide.
type wireFrame struct {
	Port    string  `json:"port"`
	Reply   string  `json:"reply,omitempty"`
	Grant   string  `json:"grant,omitempty"`
	Message Message `json:"message"`
}

// rootPortID addresses the controller's main channel, the one the delegate
// broadcasts getPort requests on.
const rootPortID = "root"

// WSSession multiplexes logical message ports over one controller websocket.
// It is the in-process stand-in for the message-channel plumbing between a
// service worker and its controlling page: the hub-attached root port carries
// the handshake, and every transferred reply or granted port becomes a new
// logical channel on the same connection.
type WSSession struct {
	conn     *websocket.Conn
	registry *Registry
	hub      *Hub
	logger   *slog.Logger

	hubPort *Port // attached to the hub; the delegate posts into this
	rootEnd *Port // session side of the hub port pair

	mu     sync.Mutex
	wmu    sync.Mutex
	ports  map[string]*Port
	nextID atomic.Int64
}

// NewWSSession wraps an upgraded controller connection.
func NewWSSession(conn *websocket.Conn, registry *Registry, hub *Hub, logger *slog.Logger) *WSSession {
	hubPort, rootEnd := NewPortPair()
	return &WSSession{
		conn:     conn,
		registry: registry,
		hub:      hub,
		logger:   logger.With("component", "transport_session"),
		hubPort:  hubPort,
		rootEnd:  rootEnd,
		ports:    make(map[string]*Port),
	}
}

// Run attaches the session to the hub and pumps frames until the controller
// disconnects. It always detaches and closes every logical port on exit.
func (s *WSSession) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.hub.Attach(s.hubPort)
	defer s.hub.Detach(s.hubPort)
	defer s.closeAll()

	go s.pumpOutgoing(ctx, rootPortID, s.rootEnd)

	for {
		var frame wireFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("controller read: %w", err)
			}
			return nil
		}
		s.dispatch(ctx, frame)
	}
}

// dispatch routes one inbound frame to its logical port, materializing any
// transferred reply or granted ports as new channels on this session.
func (s *WSSession) dispatch(ctx context.Context, frame wireFrame) {
	env := Envelope{Message: frame.Message}

	if frame.Reply != "" {
		local, remote := NewPortPair()
		env.Reply = local
		s.bind(ctx, frame.Reply, remote)
	}
	if frame.Grant != "" {
		local, remote := NewPortPair()
		env.Granted = local
		s.bind(ctx, frame.Grant, remote)
	}

	// setPort addressed at the root installs the granted handle directly;
	// there is no local consumer reading the root channel.
	if frame.Port == rootPortID {
		if frame.Message.Type == "setPort" && env.Granted != nil {
			s.registry.Set(env.Granted)
			s.logger.Debug("transport port installed via setPort")
		}
		return
	}

	s.mu.Lock()
	dest := s.ports[frame.Port]
	s.mu.Unlock()
	if dest == nil {
		s.logger.Debug("frame for unknown port dropped", "port", frame.Port)
		return
	}
	if err := dest.Post(ctx, env); err != nil {
		s.logger.Debug("local delivery failed", "port", frame.Port, "err", err)
	}
}

// bind registers a logical port under id and pumps its outgoing direction.
func (s *WSSession) bind(ctx context.Context, id string, p *Port) {
	s.mu.Lock()
	s.ports[id] = p
	s.mu.Unlock()
	go s.pumpOutgoing(ctx, id, p)
}

// pumpOutgoing serializes envelopes posted locally into frames tagged with
// the port's wire ID, allocating IDs for any ports transferred along.
func (s *WSSession) pumpOutgoing(ctx context.Context, id string, p *Port) {
	for {
		env, err := p.Recv(ctx)
		if err != nil {
			return
		}

		frame := wireFrame{Port: id, Message: env.Message}
		if env.Reply != nil {
			frame.Reply = s.allocate(ctx, env.Reply)
		}
		if env.Granted != nil {
			frame.Grant = s.allocate(ctx, env.Granted)
		}

		s.wmu.Lock()
		err = s.conn.WriteJSON(frame)
		s.wmu.Unlock()
		if err != nil {
			s.logger.Debug("controller write failed", "err", err)
			return
		}
	}
}

// allocate assigns a fresh server-side wire ID to a transferred port.
func (s *WSSession) allocate(ctx context.Context, p *Port) string {
	id := "s" + strconv.FormatInt(s.nextID.Add(1), 10)
	s.bind(ctx, id, p)
	return id
}

func (s *WSSession) closeAll() {
	s.hubPort.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.ports {
		p.Close()
	}
}
